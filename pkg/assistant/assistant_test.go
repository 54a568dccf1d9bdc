package assistant

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/xhad/dealctx/internal/models"
	"github.com/xhad/dealctx/internal/types"
	"github.com/xhad/dealctx/pkg/channels"
	"github.com/xhad/dealctx/pkg/config"
	"github.com/xhad/dealctx/pkg/llm"
	"github.com/xhad/dealctx/pkg/metrics"
	"github.com/xhad/dealctx/pkg/retry"
	"github.com/xhad/dealctx/pkg/store"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

type fakeChat struct {
	mu       sync.Mutex
	channels []models.Channel
	history  map[string][]models.Message
	replies  map[string][]models.Message
	listErr  error
	synced   []string
}

func (f *fakeChat) ListChannels(context.Context, string) ([]models.Channel, string, error) {
	return f.channels, "", f.listErr
}

func (f *fakeChat) ChannelHistory(_ context.Context, channelID, _, _ string, _ int) (types.HistoryPage, error) {
	f.mu.Lock()
	f.synced = append(f.synced, channelID)
	f.mu.Unlock()
	return types.HistoryPage{Messages: f.history[channelID]}, nil
}

func (f *fakeChat) ThreadReplies(_ context.Context, channelID, threadTS, _, _ string) (types.HistoryPage, error) {
	return types.HistoryPage{Messages: f.replies[channelID+":"+threadTS]}, nil
}

func (f *fakeChat) ChannelInfo(_ context.Context, channelID string) (models.Channel, error) {
	for _, ch := range f.channels {
		if ch.ID == channelID {
			return ch, nil
		}
	}
	return models.Channel{}, types.ErrNoAccess
}

func (f *fakeChat) JoinChannel(context.Context, string) error { return nil }

type fakeCRM struct {
	accounts   []string
	err        error
	rateLimits int
}

func (f *fakeCRM) QueryRecords(_ context.Context, q types.Query) ([]types.Record, error) {
	if f.rateLimits > 0 {
		f.rateLimits--
		return nil, &types.RateLimitError{}
	}
	if f.err != nil {
		return nil, f.err
	}
	if q.Object != "Account" {
		return nil, nil
	}
	var out []types.Record
	for i, name := range f.accounts {
		out = append(out, types.Record{"Id": string(rune('A' + i)), "Name": name, "Industry": "Software"})
	}
	return out, nil
}

func newIndex(t *testing.T) *store.Index {
	t.Helper()
	emb := llm.NewHashEmbedder(128)
	backend, err := store.NewChromemStore(store.ChromemConfig{}, emb)
	require.NoError(t, err)
	return store.NewIndex(backend, emb, nil)
}

func testSettings() Settings {
	fast := retry.Policy{MaxAttempts: 2, BaseDelay: time.Millisecond, Multiplier: 2, MaxDelay: 5 * time.Millisecond}
	return Settings{
		Rules:         channels.DefaultRules(),
		Caps:          map[models.Tier]int{models.TierHigh: 10, models.TierMedium: 1, models.TierLow: 1},
		ChatCaller:    retry.Caller{Policy: fast},
		CRMCaller:     retry.Caller{Policy: fast},
		MeetingCaller: retry.Caller{Policy: fast},
		Metrics:       metrics.New(),
	}
}

func acmeWorkspace() *fakeChat {
	root := models.Message{Timestamp: "100.000002", ThreadTimestamp: "100.000002", UserID: "U1",
		Text: "Acme Corp asked for revised pricing on the renewal", ReplyCount: 1}
	reply := models.Message{Timestamp: "100.000003", ThreadTimestamp: "100.000002", UserID: "U2",
		Text: "Sending the updated deck tomorrow morning"}
	return &fakeChat{
		channels: []models.Channel{
			{ID: "C1", Name: "acme-deals", MemberCount: 6, IsMember: true},
			{ID: "C2", Name: "watercooler", MemberCount: 1, IsMember: true},
		},
		history: map[string][]models.Message{"C1": {
			{Timestamp: "100.000001", UserID: "U3", Text: "Kicking off the week, please post updates here"},
			root,
			{Timestamp: "100.000004", UserID: "U3", Text: "Legal review is scheduled for Thursday"},
			{Timestamp: "100.000005", UserID: "U4", Text: "Budget approval moved to next quarter"},
		}},
		replies: map[string][]models.Message{"C1:100.000002": {root, reply}},
	}
}

func TestEndToEndAcmeDeals(t *testing.T) {
	ctx := context.Background()
	index := newIndex(t)
	chat := acmeWorkspace()
	a := New(Deps{Platform: chat, CRM: &fakeCRM{accounts: []string{"Acme Corp", "Globex"}}, Index: index}, testSettings(), nil)

	report := a.SyncAll(ctx)
	assert.Equal(t, 2, report.Entities)
	assert.Equal(t, 2, report.CRMRecords)
	assert.Equal(t, 1, report.Selected)
	assert.Equal(t, 5, report.Messages)
	assert.Equal(t, []string{"C1"}, chat.synced)

	thread, err := index.ThreadMessages(ctx, "C1", "100.000002")
	require.NoError(t, err)
	require.Len(t, thread, 2)
	for _, d := range thread {
		assert.Contains(t, d.Metadata.ThreadEntities.Companies, "acme corp")
		assert.Equal(t, models.TierHigh, d.Metadata.Category)
	}

	results := a.Retrieve(ctx, "updates", "acme corp")
	var got []string
	for _, r := range results {
		if r.Document != nil {
			got = append(got, r.Document.ID)
			assert.NotEqual(t, "Globex", r.Document.Metadata.AccountName)
		}
	}
	assert.Contains(t, got, thread[0].ID)
	assert.Contains(t, got, thread[1].ID)
}

func TestDiscoverChannelsOrdersByTier(t *testing.T) {
	chat := &fakeChat{channels: []models.Channel{
		{ID: "C3", Name: "eng-chatter", MemberCount: 30},
		{ID: "C1", Name: "fern-acme", MemberCount: 3},
		{ID: "C2", Name: "sales-team", MemberCount: 12},
		{ID: "C4", Name: "random", MemberCount: 3},
	}}
	a := New(Deps{Platform: chat, Index: newIndex(t)}, testSettings(), nil)

	chs := a.DiscoverChannels(context.Background())
	require.Len(t, chs, 3)
	assert.Equal(t, []models.Tier{models.TierUltra, models.TierHigh, models.TierMedium},
		[]models.Tier{chs[0].Category, chs[1].Category, chs[2].Category})
}

func TestOperationsWithoutCollaborators(t *testing.T) {
	a := New(Deps{Index: newIndex(t)}, testSettings(), nil)
	ctx := context.Background()

	assert.ErrorIs(t, a.RefreshEntityCache(ctx), ErrNoCRM)
	assert.Empty(t, a.DiscoverChannels(ctx))
	assert.Zero(t, a.IndexChannel(ctx, models.Channel{ID: "C1"}, time.Time{}, 1))
	assert.Zero(t, a.IndexMessage(ctx, models.Message{ChannelID: "C1", Timestamp: "1.1", Text: "hello there"}))
	assert.Empty(t, a.Retrieve(ctx, "anything", ""))
	r := a.SyncAll(ctx)
	assert.Zero(t, r.Messages)
	assert.Zero(t, r.CRMRecords)
	assert.Zero(t, r.Selected)
}

func TestRefreshFailureEmptiesCache(t *testing.T) {
	crm := &fakeCRM{accounts: []string{"Acme Corp"}}
	a := New(Deps{CRM: crm, Index: newIndex(t)}, testSettings(), nil)
	ctx := context.Background()

	require.NoError(t, a.RefreshEntityCache(ctx))
	assert.True(t, a.Cache().Snapshot().HasCompany("acme corp"))

	crm.err = errors.New("INVALID_SESSION_ID")
	assert.Error(t, a.RefreshEntityCache(ctx))
	assert.True(t, a.Cache().Snapshot().Empty())
}

func TestRefreshRetriesRateLimitedCRM(t *testing.T) {
	crm := &fakeCRM{accounts: []string{"Acme Corp"}, rateLimits: 1}
	a := New(Deps{CRM: crm, Index: newIndex(t)}, testSettings(), nil)

	require.NoError(t, a.RefreshEntityCache(context.Background()))
	assert.True(t, a.Cache().Snapshot().HasCompany("acme corp"))
}

func TestIndexChannelCategorizes(t *testing.T) {
	chat := acmeWorkspace()
	a := New(Deps{Platform: chat, Index: newIndex(t)}, testSettings(), nil)

	n := a.IndexChannel(context.Background(), models.Channel{ID: "C1", Name: "acme-deals", MemberCount: 6}, time.Time{}, 1)
	assert.Equal(t, 5, n)

	hits, err := a.Index().Query(context.Background(), "budget", 1, store.Where(models.KeyChannelID, "C1"))
	require.NoError(t, err)
	require.Len(t, hits, 1)
	assert.Equal(t, string(models.TierHigh), hits[0].Metadata[models.KeyCategory])
}

func TestRunStopsOnCancel(t *testing.T) {
	settings := testSettings()
	settings.Interval = time.Millisecond
	a := New(Deps{Platform: acmeWorkspace(), Index: newIndex(t)}, settings, nil)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		a.Run(ctx)
		close(done)
	}()

	time.Sleep(20 * time.Millisecond)
	cancel()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not stop")
	}
}

func TestConfigConversions(t *testing.T) {
	depths := Depths(config.DefaultTiers)
	assert.Equal(t, 10, depths[models.TierUltra].MaxPages)
	assert.Equal(t, 8, depths[models.TierLow].MinLength)

	caps := Caps(map[string]int{"high": 3})
	assert.Equal(t, map[models.Tier]int{models.TierHigh: 3}, caps)

	p := Policy(config.RetrySettings{MaxAttempts: 4, BaseDelay: time.Second, Multiplier: 2, MaxDelay: time.Minute}, "slack", nil, nil)
	assert.Equal(t, 4, p.MaxAttempts)
	assert.NotPanics(t, func() { p.OnRetry(1, time.Second, types.ErrRateLimited) })
}

func TestFromConfigInMemory(t *testing.T) {
	cfg := &config.Config{}
	cfg.Embedding.Provider = "hash"
	cfg.Database.Backend = "memory"
	cfg.Database.TableName = "documents"
	cfg.Database.VectorDim = 64
	cfg.Sync.Tiers = config.DefaultTiers
	cfg.Slack.RequestsPerMinute = 60

	a, err := FromConfig(context.Background(), cfg, metrics.New(), nil)
	require.NoError(t, err)
	defer a.Close()

	assert.Nil(t, a.deps.Platform)
	assert.Nil(t, a.deps.CRM)
	assert.Nil(t, a.deps.Meetings)
	assert.Empty(t, a.Retrieve(context.Background(), "anything", ""))
}

func TestSyncChannelsReportsProgress(t *testing.T) {
	a := New(Deps{Platform: acmeWorkspace(), Index: newIndex(t)}, testSettings(), nil)

	var seen []string
	a.SetProgress(func(ch models.Channel, indexed int) {
		seen = append(seen, ch.Name)
		assert.Equal(t, 5, indexed)
	})

	chs := channels.Select(a.DiscoverChannels(context.Background()), a.Caps())
	assert.Equal(t, 5, a.SyncChannels(context.Background(), chs))
	assert.Equal(t, []string{"acme-deals"}, seen)
}
