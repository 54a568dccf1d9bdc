package assistant

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/xhad/dealctx/internal/models"
	"github.com/xhad/dealctx/internal/types"
	"github.com/xhad/dealctx/pkg/channels"
	"github.com/xhad/dealctx/pkg/config"
	"github.com/xhad/dealctx/pkg/llm"
	"github.com/xhad/dealctx/pkg/meetings"
	"github.com/xhad/dealctx/pkg/metrics"
	"github.com/xhad/dealctx/pkg/retriever"
	"github.com/xhad/dealctx/pkg/retry"
	"github.com/xhad/dealctx/pkg/salesforce"
	"github.com/xhad/dealctx/pkg/slack"
	"github.com/xhad/dealctx/pkg/store"
)

// FromConfig builds an Assistant and its collaborators. Collaborators whose
// credentials are missing are left out.
func FromConfig(ctx context.Context, cfg *config.Config, m *metrics.Metrics, logger *zap.Logger) (*Assistant, error) {
	if logger == nil {
		logger = zap.NewNop()
	}

	embedder, err := llm.New(llm.EmbedderConfig{
		Provider:  cfg.Embedding.Provider,
		Model:     cfg.Embedding.Model,
		BaseURL:   cfg.Embedding.BaseURL,
		APIKey:    cfg.Embedding.APIKey,
		Dimension: cfg.Database.VectorDim,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to initialize embedder: %w", err)
	}

	backend, err := newBackend(ctx, cfg, embedder)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize vector store: %w", err)
	}

	deps := Deps{Index: store.NewIndex(backend, embedder, logger.Named("index"))}
	if cfg.Slack.Token != "" {
		deps.Platform = slack.New(slack.ClientConfig{
			Token:  cfg.Slack.Token,
			APIURL: cfg.Slack.APIURL,
		}, logger.Named("slack"))
	}
	if cfg.Salesforce.InstanceURL != "" && cfg.Salesforce.AccessToken != "" {
		crm, err := salesforce.New(salesforce.ClientConfig{
			InstanceURL: cfg.Salesforce.InstanceURL,
			AccessToken: cfg.Salesforce.AccessToken,
			APIVersion:  cfg.Salesforce.APIVersion,
			Timeout:     cfg.Salesforce.Timeout,
		}, logger.Named("salesforce"))
		if err != nil {
			return nil, fmt.Errorf("failed to initialize crm client: %w", err)
		}
		deps.CRM = crm
	}
	if cfg.Fathom.APIKey != "" {
		search, err := meetings.NewClient(meetings.ClientConfig{
			BaseURL:  cfg.Fathom.BaseURL,
			APIKey:   cfg.Fathom.APIKey,
			PageSize: cfg.Fathom.PageSize,
			Timeout:  cfg.Fathom.Timeout,
		}, logger.Named("meetings"))
		if err != nil {
			return nil, fmt.Errorf("failed to initialize meeting client: %w", err)
		}
		deps.Meetings = search
	}

	settings := Settings{
		Rules: channels.Rules{
			UltraPrefixes:    cfg.Sync.UltraPrefixes,
			NoiseTerms:       cfg.Sync.NoiseTerms,
			BusinessKeywords: cfg.Sync.BusinessKeywords,
		},
		Depths:            Depths(cfg.Sync.Tiers),
		Caps:              Caps(cfg.Sync.ChannelCaps),
		AutoJoin:          cfg.Slack.AutoJoin,
		ChatCaller:        retry.Caller{Throttle: retry.NewThrottle(cfg.Slack.RequestsPerMinute, cfg.Sync.CallTimeout), Policy: Policy(cfg.Sync.Retry, "slack", m, logger)},
		CRMCaller:         retry.Caller{Policy: Policy(cfg.Sync.Retry, "salesforce", m, logger)},
		MeetingCaller:     retry.Caller{Policy: Policy(cfg.Sync.Retry, "fathom", m, logger)},
		EmailDomains:      cfg.Entities.EmailDomains,
		EntityRecordLimit: cfg.Entities.RecordLimit,
		CRMRecordLimit:    cfg.Salesforce.RecordLimit,
		Retrieval: retriever.Config{
			Results:      cfg.Retrieval.Results,
			MeetingLimit: cfg.Retrieval.MeetingLimit,
			Overfetch:    cfg.Retrieval.Overfetch,
		},
		Interval: cfg.Sync.Interval,
		Metrics:  m,
	}

	logger.Info("assistant initialized",
		zap.String("backend", cfg.Database.Backend),
		zap.String("embedding_provider", cfg.Embedding.Provider),
		zap.Bool("chat", deps.Platform != nil),
		zap.Bool("crm", deps.CRM != nil),
		zap.Bool("meetings", deps.Meetings != nil))
	return New(deps, settings, logger), nil
}

func newBackend(ctx context.Context, cfg *config.Config, embedder types.Embedder) (store.Backend, error) {
	switch cfg.Database.Backend {
	case "pgvector":
		return store.NewWithConfig(ctx, store.VectorStoreConfig{
			ConnString: cfg.Database.URL,
			TableName:  cfg.Database.TableName,
			VectorDim:  cfg.Database.VectorDim,
		})
	case "memory":
		return store.NewChromemStore(store.ChromemConfig{Collection: cfg.Database.TableName}, embedder)
	default:
		return store.NewChromemStore(store.ChromemConfig{
			Path:       cfg.Database.Path,
			Collection: cfg.Database.TableName,
			Compress:   true,
		}, embedder)
	}
}

// Policy builds the retry policy for one collaborator. Retries are counted
// and logged.
func Policy(s config.RetrySettings, collaborator string, m *metrics.Metrics, logger *zap.Logger) retry.Policy {
	if logger == nil {
		logger = zap.NewNop()
	}
	return retry.Policy{
		MaxAttempts: s.MaxAttempts,
		BaseDelay:   s.BaseDelay,
		Multiplier:  s.Multiplier,
		MaxDelay:    s.MaxDelay,
		OnRetry: func(attempt int, wait time.Duration, err error) {
			m.RateLimit(collaborator)
			logger.Warn("rate limited, backing off",
				zap.String("collaborator", collaborator),
				zap.Int("attempt", attempt),
				zap.Duration("wait", wait),
				zap.Error(err))
		},
	}
}

// Depths converts configured tier settings.
func Depths(tiers map[string]config.TierSettings) map[models.Tier]channels.Depth {
	out := make(map[models.Tier]channels.Depth, len(tiers))
	for name, t := range tiers {
		out[models.Tier(name)] = channels.Depth{
			MaxPages:  t.MaxPages,
			PageSize:  t.PageSize,
			Lookback:  t.Lookback,
			MinLength: t.MinLength,
		}
	}
	return out
}

// Caps converts configured per-tier channel caps.
func Caps(caps map[string]int) map[models.Tier]int {
	out := make(map[models.Tier]int, len(caps))
	for name, n := range caps {
		out[models.Tier(name)] = n
	}
	return out
}
