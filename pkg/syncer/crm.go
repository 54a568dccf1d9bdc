package syncer

import (
	"context"
	"strings"

	"go.uber.org/zap"

	"github.com/xhad/dealctx/internal/models"
	"github.com/xhad/dealctx/internal/types"
	"github.com/xhad/dealctx/pkg/entity"
	"github.com/xhad/dealctx/pkg/metrics"
	"github.com/xhad/dealctx/pkg/processor"
	"github.com/xhad/dealctx/pkg/retry"
	"github.com/xhad/dealctx/pkg/salesforce"
	"github.com/xhad/dealctx/pkg/store"
)

// CRMConfig controls a CRMIndexer.
type CRMConfig struct {
	// RecordLimit bounds the records read per object type.
	RecordLimit int
	Caller      retry.Caller
	Metrics     *metrics.Metrics
}

// CRMIndexer indexes CRM records as crm documents.
type CRMIndexer struct {
	crm       types.CRM
	index     *store.Index
	cache     *entity.Cache
	extractor entity.Extractor
	processor processor.Processor
	config    CRMConfig
	logger    *zap.Logger
}

func NewCRMIndexer(crm types.CRM, index *store.Index, cache *entity.Cache, extractor entity.Extractor, config CRMConfig, logger *zap.Logger) *CRMIndexer {
	if logger == nil {
		logger = zap.NewNop()
	}
	if config.RecordLimit <= 0 {
		config.RecordLimit = 1000
	}
	return &CRMIndexer{
		crm:       crm,
		index:     index,
		cache:     cache,
		extractor: extractor,
		processor: processor.New(),
		config:    config,
		logger:    logger,
	}
}

// IndexCRM reads the most recently modified records of every indexed object
// type and upserts them. A failing object type is logged and skipped. It
// returns the number of documents written.
func (c *CRMIndexer) IndexCRM(ctx context.Context) int {
	snap := c.cache.Snapshot()
	total := 0
	for _, obj := range salesforce.Objects {
		if ctx.Err() != nil {
			break
		}

		var records []types.Record
		err := c.config.Caller.Call(ctx, func(ctx context.Context) error {
			var err error
			records, err = c.crm.QueryRecords(ctx, obj.Query(c.config.RecordLimit))
			return err
		})
		if err != nil {
			c.logger.Error("crm query failed", zap.String("object", obj.Name), zap.Error(err))
			continue
		}

		n := 0
		for _, r := range records {
			if c.indexRecord(ctx, snap, obj, r) {
				n++
			}
		}
		c.config.Metrics.Indexed(string(models.SourceCRM), n)
		c.logger.Info("crm records indexed",
			zap.String("object", obj.Name), zap.Int("records", len(records)), zap.Int("indexed", n))
		total += n
	}
	return total
}

func (c *CRMIndexer) indexRecord(ctx context.Context, snap *entity.Snapshot, obj salesforce.Object, r types.Record) bool {
	f := obj.Format(&c.processor, r)
	if f.RecordID == "" || strings.TrimSpace(f.Content) == "" {
		c.config.Metrics.Skipped("blank_record")
		return false
	}

	ents := c.extractor.Extract(snap, f.Content, entity.Hints{})
	if snap.HasCompany(f.AccountName) {
		ents.AddCompany(strings.ToLower(strings.TrimSpace(f.AccountName)))
	}

	meta := models.Metadata{
		ObjectType:   obj.Name,
		RecordID:     f.RecordID,
		Title:        f.Title,
		LastModified: f.LastModified,
		AccountName:  f.AccountName,
		Entities:     ents.Sorted(),
	}
	if _, err := c.index.Upsert(ctx, models.SourceCRM, obj.Name+":"+f.RecordID, f.Content, meta); err != nil {
		c.logger.Warn("crm record not indexed",
			zap.String("object", obj.Name), zap.String("record_id", f.RecordID), zap.Error(err))
		c.config.Metrics.Skipped("index_error")
		return false
	}
	return true
}
