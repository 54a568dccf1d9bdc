// Package syncer indexes chat history, CRM records and live chat events.
package syncer

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"
	"unicode/utf8"

	"go.uber.org/zap"

	"github.com/xhad/dealctx/internal/models"
	"github.com/xhad/dealctx/internal/types"
	"github.com/xhad/dealctx/pkg/channels"
	"github.com/xhad/dealctx/pkg/entity"
	"github.com/xhad/dealctx/pkg/metrics"
	"github.com/xhad/dealctx/pkg/processor"
	"github.com/xhad/dealctx/pkg/retry"
	"github.com/xhad/dealctx/pkg/store"
	"github.com/xhad/dealctx/pkg/thread"
)

// maxReplyPages bounds the reply pages fetched for one thread.
const maxReplyPages = 10

// indexedSubtypes are the message subtypes that carry user content.
var indexedSubtypes = map[string]bool{
	"":                 true,
	"thread_broadcast": true,
	"file_share":       true,
	"me_message":       true,
}

// Config controls an Engine.
type Config struct {
	Depths   map[models.Tier]channels.Depth
	AutoJoin bool
	// Caller wraps every chat platform request.
	Caller retry.Caller
	// Categorize assigns a tier to channels seen only through live events.
	Categorize func(models.Channel) (models.Tier, bool)
	// OnChannel is called after each channel of SyncChannels.
	OnChannel func(ch models.Channel, indexed int)
	Metrics   *metrics.Metrics
}

// Engine is the rate-limited chat sync engine.
type Engine struct {
	platform   types.ChatPlatform
	index      *store.Index
	cache      *entity.Cache
	extractor  entity.Extractor
	propagator *thread.Propagator
	processor  processor.Processor
	config     Config
	logger     *zap.Logger
	now        func() time.Time

	mu    sync.Mutex
	infos map[string]models.Channel
}

func NewEngine(platform types.ChatPlatform, index *store.Index, cache *entity.Cache, extractor entity.Extractor, config Config, logger *zap.Logger) *Engine {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Engine{
		platform:   platform,
		index:      index,
		cache:      cache,
		extractor:  extractor,
		propagator: thread.NewPropagator(extractor),
		processor:  processor.New(),
		config:     config,
		logger:     logger,
		now:        time.Now,
		infos:      make(map[string]models.Channel),
	}
}

// SyncChannels syncs chs in order with each channel's tier settings. With
// AutoJoin set, channels the bot is not a member of are joined first; a
// channel that cannot be joined is skipped. It returns the total number of
// documents indexed.
func (e *Engine) SyncChannels(ctx context.Context, chs []models.Channel) int {
	total := 0
	for _, ch := range chs {
		if ctx.Err() != nil {
			e.logger.Info("sync interrupted", zap.Int("indexed", total))
			break
		}
		if e.config.AutoJoin && !ch.IsMember && !ch.IsArchived {
			err := e.config.Caller.Call(ctx, func(ctx context.Context) error {
				return e.platform.JoinChannel(ctx, ch.ID)
			})
			if err != nil {
				e.logger.Warn("could not join channel, skipping",
					zap.String("channel", ch.Name), zap.Error(err))
				e.config.Metrics.Skipped("join_failed")
				continue
			}
		}

		n := e.SyncChannel(ctx, ch, time.Time{}, 0, ch.Category)
		total += n
		if e.config.OnChannel != nil {
			e.config.OnChannel(ch, n)
		}
	}
	return total
}

// SyncChannel indexes the history of ch newer than since, reading at most
// maxPages pages. A zero since uses the tier lookback and a maxPages of 0
// the tier's page limit.
//
// Each request is throttled and retried per the configured policy. A page
// whose retries run out is abandoned: it consumes one page of the budget and
// the same cursor is tried again on the next one. An access error ends the
// channel. Individual indexing failures are logged and skipped. The number
// of documents indexed is returned and may be 0.
func (e *Engine) SyncChannel(ctx context.Context, ch models.Channel, since time.Time, maxPages int, category models.Tier) int {
	depth := channels.DepthFor(e.config.Depths, category)
	if maxPages <= 0 {
		maxPages = depth.MaxPages
	}
	if since.IsZero() {
		since = e.now().Add(-depth.Lookback)
	}
	oldest := fmt.Sprintf("%d.000000", since.Unix())

	snap := e.cache.Snapshot()
	dedicated := e.extractor.DedicatedCompany(snap, ch.Name)
	log := e.logger.With(zap.String("channel", ch.Name), zap.String("channel_id", ch.ID),
		zap.String("tier", string(category)))

	indexed := 0
	cursor := ""
	for page := 1; page <= maxPages; page++ {
		if ctx.Err() != nil {
			log.Info("channel sync interrupted", zap.Int("page", page), zap.Int("indexed", indexed))
			return indexed
		}

		var hp types.HistoryPage
		err := e.config.Caller.Call(ctx, func(ctx context.Context) error {
			var err error
			hp, err = e.platform.ChannelHistory(ctx, ch.ID, oldest, cursor, depth.PageSize)
			return err
		})
		if err != nil {
			if errors.Is(err, types.ErrNoAccess) {
				log.Warn("no access to channel, skipping", zap.Error(err))
				e.config.Metrics.Skipped("no_access")
				return indexed
			}
			if ctx.Err() != nil {
				return indexed
			}
			log.Warn("history page abandoned", zap.Int("page", page), zap.Error(err))
			e.config.Metrics.Page(string(category), "abandoned")
			continue
		}
		e.config.Metrics.Page(string(category), "ok")

		batch := make([]models.Message, 0, len(hp.Messages))
		for _, m := range hp.Messages {
			m.ChannelID = ch.ID
			batch = append(batch, m)
			if !m.IsThreadRoot() {
				continue
			}
			replies, err := e.fetchThread(ctx, ch.ID, m.Timestamp, oldest)
			if err != nil {
				log.Warn("thread replies abandoned", zap.String("thread_ts", m.Timestamp), zap.Error(err))
			}
			for _, r := range replies {
				if r.Timestamp != m.Timestamp {
					batch = append(batch, r)
				}
			}
		}

		n := e.indexBatch(ctx, ch, category, depth.MinLength, snap, dedicated, batch)
		indexed += n
		log.Debug("history page indexed", zap.Int("page", page),
			zap.Int("messages", len(batch)), zap.Int("indexed", n))

		if !hp.HasMore || hp.NextCursor == "" {
			break
		}
		cursor = hp.NextCursor
	}

	e.config.Metrics.ChannelSynced(string(category))
	log.Info("channel synced", zap.Int("indexed", indexed))
	return indexed
}

// fetchThread returns every message of a thread, root included, in the
// order the platform returns them. Replies gathered before a failure are
// returned with the error.
func (e *Engine) fetchThread(ctx context.Context, channelID, rootTS, oldest string) ([]models.Message, error) {
	var out []models.Message
	cursor := ""
	for page := 0; page < maxReplyPages; page++ {
		var hp types.HistoryPage
		err := e.config.Caller.Call(ctx, func(ctx context.Context) error {
			var err error
			hp, err = e.platform.ThreadReplies(ctx, channelID, rootTS, oldest, cursor)
			return err
		})
		if err != nil {
			return out, err
		}
		for _, m := range hp.Messages {
			m.ChannelID = channelID
			if m.ThreadTimestamp == "" {
				m.ThreadTimestamp = rootTS
			}
			out = append(out, m)
		}
		if !hp.HasMore || hp.NextCursor == "" {
			break
		}
		cursor = hp.NextCursor
	}
	return out, nil
}

// indexBatch filters, cleans, propagates and upserts msgs. Propagation runs
// over the whole batch so every message of a thread shares its entities.
func (e *Engine) indexBatch(ctx context.Context, ch models.Channel, category models.Tier, minLength int, snap *entity.Snapshot, dedicated string, msgs []models.Message) int {
	kept := make([]models.Message, 0, len(msgs))
	for _, m := range msgs {
		if reason, ok := Indexable(m); !ok {
			e.config.Metrics.Skipped(reason)
			continue
		}
		m.Text = e.processor.CleanMessage(m.Text)
		kept = append(kept, m)
	}

	indexed := 0
	for _, t := range e.propagator.Propagate(snap, kept, dedicated) {
		if utf8.RuneCountInString(t.Text) < minLength || strings.TrimSpace(t.Text) == "" {
			e.config.Metrics.Skipped("too_short")
			continue
		}
		meta := models.Metadata{
			ChannelID:        ch.ID,
			ChannelName:      ch.Name,
			UserID:           t.UserID,
			Timestamp:        t.Timestamp,
			ThreadTimestamp:  t.ThreadTimestamp,
			Category:         category,
			DedicatedCompany: t.DedicatedCompany,
			Entities:         t.Entities.Sorted(),
			ThreadEntities:   t.ThreadEntities.Sorted(),
		}
		if _, err := e.index.Upsert(ctx, models.SourceChat, ch.ID+":"+t.Timestamp, t.Text, meta); err != nil {
			e.logger.Warn("message not indexed",
				zap.String("channel_id", ch.ID), zap.String("ts", t.Timestamp), zap.Error(err))
			e.config.Metrics.Skipped("index_error")
			continue
		}
		indexed++
	}
	e.config.Metrics.Indexed(string(models.SourceChat), indexed)
	return indexed
}

// Indexable reports whether a message carries user content worth indexing.
// When it does not, reason names the filter that rejected it.
func Indexable(m models.Message) (reason string, ok bool) {
	switch {
	case m.BotID != "" || m.SubType == "bot_message":
		return "bot", false
	case !indexedSubtypes[m.SubType]:
		return "subtype", false
	case m.Timestamp == "":
		return "no_timestamp", false
	}
	return "", true
}
