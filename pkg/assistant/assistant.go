// Package assistant is the entry point used by the CLI and the event
// server: discovery, sync, real-time indexing and retrieval behind one type.
package assistant

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"

	"github.com/xhad/dealctx/internal/models"
	"github.com/xhad/dealctx/internal/types"
	"github.com/xhad/dealctx/pkg/channels"
	"github.com/xhad/dealctx/pkg/entity"
	"github.com/xhad/dealctx/pkg/metrics"
	"github.com/xhad/dealctx/pkg/retriever"
	"github.com/xhad/dealctx/pkg/retry"
	"github.com/xhad/dealctx/pkg/store"
	"github.com/xhad/dealctx/pkg/syncer"
)

var (
	ErrNoChatPlatform = errors.New("chat platform not configured")
	ErrNoCRM          = errors.New("crm not configured")
)

// Deps are the collaborators. Platform, CRM and Meetings may be nil, which
// disables the operations that need them.
type Deps struct {
	Platform types.ChatPlatform
	CRM      types.CRM
	Meetings types.MeetingSearch
	Index    *store.Index
}

// Settings tune the pipeline.
type Settings struct {
	Rules    channels.Rules
	Depths   map[models.Tier]channels.Depth
	Caps     map[models.Tier]int
	AutoJoin bool

	ChatCaller    retry.Caller
	CRMCaller     retry.Caller
	MeetingCaller retry.Caller

	EmailDomains      map[string]string
	EntityRecordLimit int
	CRMRecordLimit    int

	Retrieval retriever.Config
	// Interval separates background sync passes.
	Interval time.Duration
	// OnChannel reports per-channel sync progress.
	OnChannel func(ch models.Channel, indexed int)
	Metrics   *metrics.Metrics
}

// Report summarizes one SyncAll pass.
type Report struct {
	Entities   int
	CRMRecords int
	Discovered int
	Selected   int
	Messages   int
	Duration   time.Duration
}

// Assistant wires the entity cache, prioritizer, sync engine and retriever.
type Assistant struct {
	deps        Deps
	settings    Settings
	cache       *entity.Cache
	extractor   entity.Extractor
	prioritizer *channels.Prioritizer
	engine      *syncer.Engine
	crmIndexer  *syncer.CRMIndexer
	retriever   *retriever.Retriever
	logger      *zap.Logger
}

func New(deps Deps, settings Settings, logger *zap.Logger) *Assistant {
	if logger == nil {
		logger = zap.NewNop()
	}
	if settings.Interval <= 0 {
		settings.Interval = 6 * time.Hour
	}

	a := &Assistant{
		deps:        deps,
		settings:    settings,
		cache:       entity.NewCache(deps.CRM, settings.EntityRecordLimit, logger.Named("entities")),
		extractor:   entity.NewHeuristic(settings.EmailDomains),
		prioritizer: channels.NewPrioritizer(settings.Rules, logger.Named("channels")),
		logger:      logger,
	}

	a.cache.SetCaller(settings.CRMCaller)
	settings.Retrieval.CRMCaller = settings.CRMCaller
	settings.Retrieval.MeetingCaller = settings.MeetingCaller
	settings.Retrieval.Metrics = settings.Metrics
	a.retriever = retriever.New(deps.Index, a.cache, deps.CRM, deps.Meetings, settings.Retrieval, logger.Named("retriever"))

	if deps.Platform != nil {
		a.engine = syncer.NewEngine(deps.Platform, deps.Index, a.cache, a.extractor, syncer.Config{
			Depths:     settings.Depths,
			AutoJoin:   settings.AutoJoin,
			Caller:     settings.ChatCaller,
			Categorize: a.prioritizer.Categorize,
			OnChannel:  a.reportChannel,
			Metrics:    settings.Metrics,
		}, logger.Named("sync"))
	}
	if deps.CRM != nil {
		a.crmIndexer = syncer.NewCRMIndexer(deps.CRM, deps.Index, a.cache, a.extractor, syncer.CRMConfig{
			RecordLimit: settings.CRMRecordLimit,
			Caller:      settings.CRMCaller,
			Metrics:     settings.Metrics,
		}, logger.Named("crm"))
	}
	return a
}

// SetProgress replaces the per-channel progress callback. It must be set
// before syncing starts.
func (a *Assistant) SetProgress(fn func(ch models.Channel, indexed int)) {
	a.settings.OnChannel = fn
}

func (a *Assistant) reportChannel(ch models.Channel, indexed int) {
	if a.settings.OnChannel != nil {
		a.settings.OnChannel(ch, indexed)
	}
}

// SyncChannels syncs already discovered channels in order, joining them
// first when auto-join is enabled.
func (a *Assistant) SyncChannels(ctx context.Context, chs []models.Channel) int {
	if a.engine == nil {
		a.logger.Warn("channel sync skipped", zap.Error(ErrNoChatPlatform))
		return 0
	}
	return a.engine.SyncChannels(ctx, chs)
}

// Caps returns the per-tier channel caps of one sync pass.
func (a *Assistant) Caps() map[models.Tier]int { return a.settings.Caps }

// Cache exposes the entity cache.
func (a *Assistant) Cache() *entity.Cache { return a.cache }

// Index exposes the document index.
func (a *Assistant) Index() *store.Index { return a.deps.Index }

// RefreshEntityCache reloads known entity names from the CRM. On failure
// the cache is left empty and the error is returned for logging.
func (a *Assistant) RefreshEntityCache(ctx context.Context) error {
	if a.deps.CRM == nil {
		return ErrNoCRM
	}
	err := a.cache.Refresh(ctx)
	companies, contacts, opportunities := a.cache.Snapshot().Sets()
	a.settings.Metrics.CacheSize(len(companies), len(contacts), len(opportunities))
	return err
}

// DiscoverChannels lists every channel and returns them filtered, tiered and
// ordered for sync. A listing failure is logged and the channels found
// before it are returned.
func (a *Assistant) DiscoverChannels(ctx context.Context) []models.Channel {
	if a.deps.Platform == nil {
		a.logger.Warn("channel discovery skipped", zap.Error(ErrNoChatPlatform))
		return nil
	}
	chs, err := a.prioritizer.Discover(ctx, func(ctx context.Context, cursor string) ([]models.Channel, string, error) {
		var page []models.Channel
		var next string
		err := a.settings.ChatCaller.Call(ctx, func(ctx context.Context) error {
			var err error
			page, next, err = a.deps.Platform.ListChannels(ctx, cursor)
			return err
		})
		return page, next, err
	})
	if err != nil {
		a.logger.Warn("channel discovery incomplete", zap.Int("channels", len(chs)), zap.Error(err))
	}
	return chs
}

// IndexChannel syncs one channel. A channel without a tier is categorized
// first; one the prioritizer would drop is synced with low-tier settings.
func (a *Assistant) IndexChannel(ctx context.Context, ch models.Channel, since time.Time, maxPages int) int {
	if a.engine == nil {
		a.logger.Warn("channel sync skipped", zap.String("channel", ch.Name), zap.Error(ErrNoChatPlatform))
		return 0
	}
	if ch.Category == "" {
		ch.Category = models.TierLow
		if tier, ok := a.prioritizer.Categorize(ch); ok {
			ch.Category = tier
		}
	}
	return a.engine.SyncChannel(ctx, ch, since, maxPages, ch.Category)
}

// IndexMessage indexes one live chat message.
func (a *Assistant) IndexMessage(ctx context.Context, msg models.Message) int {
	if a.engine == nil {
		return 0
	}
	return a.engine.IndexMessage(ctx, msg)
}

// IndexCRM indexes CRM records.
func (a *Assistant) IndexCRM(ctx context.Context) int {
	if a.crmIndexer == nil {
		return 0
	}
	return a.crmIndexer.IndexCRM(ctx)
}

// Retrieve returns ranked context for query, scoped to company when given
// or when the query names a known company.
func (a *Assistant) Retrieve(ctx context.Context, query, company string) []retriever.Result {
	return a.retriever.Retrieve(ctx, query, 0, company)
}

// SyncAll runs one full pass: refresh entities, index CRM records, then
// discover and sync the selected channels in tier order.
func (a *Assistant) SyncAll(ctx context.Context) Report {
	start := time.Now()
	var r Report

	if a.deps.CRM != nil {
		if err := a.RefreshEntityCache(ctx); err != nil {
			a.logger.Error("entity refresh failed, continuing without entities", zap.Error(err))
		}
		c, p, o := a.cache.Snapshot().Sets()
		r.Entities = len(c) + len(p) + len(o)
		r.CRMRecords = a.IndexCRM(ctx)
	}

	if a.engine != nil && ctx.Err() == nil {
		discovered := a.DiscoverChannels(ctx)
		selected := channels.Select(discovered, a.settings.Caps)
		r.Discovered = len(discovered)
		r.Selected = len(selected)
		r.Messages = a.SyncChannels(ctx, selected)
	}

	r.Duration = time.Since(start)
	a.logger.Info("sync pass complete",
		zap.Int("entities", r.Entities),
		zap.Int("crm_records", r.CRMRecords),
		zap.Int("channels", r.Selected),
		zap.Int("messages", r.Messages),
		zap.Duration("duration", r.Duration))
	return r
}

// Run repeats SyncAll every Interval until ctx is done.
func (a *Assistant) Run(ctx context.Context) {
	ticker := time.NewTicker(a.settings.Interval)
	defer ticker.Stop()

	for {
		a.SyncAll(ctx)
		select {
		case <-ctx.Done():
			a.logger.Info("background sync stopped")
			return
		case <-ticker.C:
		}
	}
}

// Close releases the index.
func (a *Assistant) Close() error {
	if a.deps.Index == nil {
		return nil
	}
	return a.deps.Index.Close()
}
