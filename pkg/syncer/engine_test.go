package syncer

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"

	"github.com/xhad/dealctx/internal/models"
	"github.com/xhad/dealctx/internal/types"
	"github.com/xhad/dealctx/pkg/entity"
	"github.com/xhad/dealctx/pkg/store"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

func acmeDeals() models.Channel {
	return models.Channel{ID: "C1", Name: "acme-deals", MemberCount: 6, IsMember: true, Category: models.TierHigh}
}

func TestSyncChannelPropagatesThreadEntities(t *testing.T) {
	h := newHarness(t, Config{})
	root := models.Message{Timestamp: "100.000002", ThreadTimestamp: "100.000002", UserID: "U1",
		Text: "Acme Corp asked for revised pricing on the renewal", ReplyCount: 1}
	reply := models.Message{Timestamp: "100.000003", ThreadTimestamp: "100.000002", UserID: "U2",
		Text: "Sending the updated deck tomorrow morning"}

	h.platform.pages["C1"] = []types.HistoryPage{{Messages: []models.Message{
		msg("100.000001", "Kicking off the week, please post updates here"),
		root,
		msg("100.000004", "Legal review is scheduled for Thursday"),
		msg("100.000005", "Budget approval moved to next quarter"),
	}}}
	h.platform.replies["C1:100.000002"] = []models.Message{root, reply}

	n := h.engine.SyncChannel(context.Background(), acmeDeals(), time.Time{}, 0, models.TierHigh)
	assert.Equal(t, 5, n)

	count, err := h.index.Count(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 5, count)

	docs, err := h.index.ThreadMessages(context.Background(), "C1", "100.000002")
	require.NoError(t, err)
	require.Len(t, docs, 2)
	assert.Equal(t, "100.000002", docs[0].Metadata.Timestamp)
	assert.Equal(t, "100.000003", docs[1].Metadata.Timestamp)
	for _, d := range docs {
		assert.Equal(t, []string{"acme corp"}, d.Metadata.ThreadEntities.Companies, d.Content)
		assert.Equal(t, models.TierHigh, d.Metadata.Category)
		assert.Equal(t, "acme-deals", d.Metadata.ChannelName)
	}
	assert.Equal(t, []string{"acme corp"}, docs[0].Metadata.Entities.Companies)
	assert.Empty(t, docs[1].Metadata.Entities.Companies)
}

func TestSyncChannelFollowsCursorsWithinBudget(t *testing.T) {
	h := newHarness(t, Config{})
	h.platform.pages["C1"] = []types.HistoryPage{
		{Messages: []models.Message{msg("1.1", "first page message")}, HasMore: true, NextCursor: "page-1"},
		{Messages: []models.Message{msg("2.1", "second page message")}, HasMore: true, NextCursor: "page-2"},
		{Messages: []models.Message{msg("3.1", "third page message")}, HasMore: false},
	}

	n := h.engine.SyncChannel(context.Background(), acmeDeals(), time.Time{}, 2, models.TierHigh)
	assert.Equal(t, 2, n)
	assert.Equal(t, []string{"", "page-1"}, h.platform.cursors)

	h2 := newHarness(t, Config{})
	h2.platform.pages["C1"] = h.platform.pages["C1"]
	assert.Equal(t, 3, h2.engine.SyncChannel(context.Background(), acmeDeals(), time.Time{}, 10, models.TierHigh))
	assert.Equal(t, 3, h2.platform.calls())
}

func TestSyncChannelAbandonsStuckPage(t *testing.T) {
	h := newHarness(t, Config{})
	h.platform.pages["C1"] = []types.HistoryPage{
		{Messages: []models.Message{msg("1.1", "finally got through the limit")}},
	}
	h.platform.historyErr = func(call int, _ string) error {
		if call <= 3 {
			return &types.RateLimitError{}
		}
		return nil
	}

	n := h.engine.SyncChannel(context.Background(), acmeDeals(), time.Time{}, 2, models.TierHigh)
	assert.Equal(t, 1, n)
	assert.Equal(t, 4, h.platform.calls())
	assert.Equal(t, []time.Duration{time.Second, 2 * time.Second}, h.sleeps.waits)
}

func TestSyncChannelNeverLoopsForever(t *testing.T) {
	h := newHarness(t, Config{})
	h.platform.historyErr = func(int, string) error {
		return &types.RateLimitError{RetryAfter: time.Minute}
	}

	n := h.engine.SyncChannel(context.Background(), acmeDeals(), time.Time{}, 3, models.TierHigh)
	assert.Equal(t, 0, n)
	assert.Equal(t, 9, h.platform.calls())

	for i := 1; i < len(h.sleeps.waits); i++ {
		assert.LessOrEqual(t, h.sleeps.waits[i], 10*time.Second)
	}
}

func TestSyncChannelLogsAbandonedPages(t *testing.T) {
	h := newHarness(t, Config{})
	core, logs := observer.New(zap.WarnLevel)
	h.engine = NewEngine(h.platform, h.index, h.cache, entity.NewHeuristic(nil), h.engine.config, zap.New(core))
	h.platform.historyErr = func(call int, _ string) error {
		if call <= 3 {
			return &types.RateLimitError{RetryAfter: time.Second}
		}
		return nil
	}

	h.engine.SyncChannel(context.Background(), acmeDeals(), time.Time{}, 2, models.TierHigh)

	abandoned := logs.FilterMessage("history page abandoned").All()
	require.Len(t, abandoned, 1)
	assert.Equal(t, "acme-deals", abandoned[0].ContextMap()["channel"])
	assert.EqualValues(t, 1, abandoned[0].ContextMap()["page"])
}

func TestSyncChannelNoAccessAbortsChannel(t *testing.T) {
	h := newHarness(t, Config{})
	h.platform.historyErr = func(int, string) error {
		return types.ErrNoAccess
	}

	n := h.engine.SyncChannel(context.Background(), acmeDeals(), time.Time{}, 5, models.TierHigh)
	assert.Equal(t, 0, n)
	assert.Equal(t, 1, h.platform.calls())
	assert.Empty(t, h.sleeps.waits)
}

func TestSyncChannelOtherErrorsSkipPage(t *testing.T) {
	h := newHarness(t, Config{})
	h.platform.pages["C1"] = []types.HistoryPage{{Messages: []models.Message{msg("1.1", "second try works")}}}
	h.platform.historyErr = func(call int, _ string) error {
		if call == 1 {
			return errors.New("connection reset")
		}
		return nil
	}

	assert.Equal(t, 1, h.engine.SyncChannel(context.Background(), acmeDeals(), time.Time{}, 2, models.TierHigh))
	assert.Equal(t, []string{"", ""}, h.platform.cursors)
}

func TestSyncChannelFilters(t *testing.T) {
	h := newHarness(t, Config{})
	h.platform.pages["C9"] = []types.HistoryPage{{Messages: []models.Message{
		msg("1.1", "a proper message about the roadmap"),
		{Timestamp: "1.2", BotID: "B1", Text: "deploy finished successfully"},
		{Timestamp: "1.3", SubType: "bot_message", Text: "automated digest for the week"},
		{Timestamp: "1.4", SubType: "channel_join", Text: "<@U9> has joined the channel"},
		msg("1.5", "ok"),
		{Timestamp: "1.6", SubType: "thread_broadcast", Text: "broadcast from a thread reply"},
	}}}

	ch := models.Channel{ID: "C9", Name: "random", MemberCount: 3, Category: models.TierLow}
	assert.Equal(t, 2, h.engine.SyncChannel(context.Background(), ch, time.Time{}, 1, models.TierLow))
}

func TestSyncChannelStopsBetweenPages(t *testing.T) {
	h := newHarness(t, Config{})
	h.platform.pages["C1"] = []types.HistoryPage{
		{Messages: []models.Message{msg("1.1", "first page message")}, HasMore: true, NextCursor: "page-1"},
		{Messages: []models.Message{msg("2.1", "second page message")}},
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	h.platform.onHistory = func(int) { cancel() }

	h.engine.SyncChannel(ctx, acmeDeals(), time.Time{}, 5, models.TierHigh)
	assert.Equal(t, 1, h.platform.calls())
}

func TestSyncChannelsAutoJoin(t *testing.T) {
	var seen []string
	h := newHarness(t, Config{AutoJoin: true, OnChannel: func(ch models.Channel, _ int) {
		seen = append(seen, ch.ID)
	}})
	h.platform.pages["C1"] = []types.HistoryPage{{Messages: []models.Message{msg("1.1", "hello from acme deals")}}}
	h.platform.pages["C2"] = []types.HistoryPage{{Messages: []models.Message{msg("1.1", "hello from the other channel")}}}

	chs := []models.Channel{
		acmeDeals(),
		{ID: "C2", Name: "sales-team", MemberCount: 4, Category: models.TierHigh},
	}
	assert.Equal(t, 2, h.engine.SyncChannels(context.Background(), chs))
	assert.Equal(t, []string{"C2"}, h.platform.joined)
	assert.Equal(t, []string{"C1", "C2"}, seen)

	h2 := newHarness(t, Config{AutoJoin: true})
	h2.platform.joinErr = errors.New("method_not_supported_for_channel_type")
	h2.platform.pages = h.platform.pages
	assert.Equal(t, 1, h2.engine.SyncChannels(context.Background(), chs))
	assert.Equal(t, 1, h2.platform.calls())
}

func TestIndexableFilters(t *testing.T) {
	tests := []struct {
		name   string
		m      models.Message
		reason string
	}{
		{"plain", models.Message{Timestamp: "1.1"}, ""},
		{"file share", models.Message{Timestamp: "1.1", SubType: "file_share"}, ""},
		{"bot id", models.Message{Timestamp: "1.1", BotID: "B1"}, "bot"},
		{"bot subtype", models.Message{Timestamp: "1.1", SubType: "bot_message"}, "bot"},
		{"leave", models.Message{Timestamp: "1.1", SubType: "channel_leave"}, "subtype"},
		{"no ts", models.Message{}, "no_timestamp"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			reason, ok := Indexable(tt.m)
			assert.Equal(t, tt.reason, reason)
			assert.Equal(t, tt.reason == "", ok)
		})
	}
}

func TestChatDocumentIDsAreStable(t *testing.T) {
	h := newHarness(t, Config{})
	h.platform.pages["C1"] = []types.HistoryPage{{Messages: []models.Message{msg("1.1", "same message twice")}}}

	h.engine.SyncChannel(context.Background(), acmeDeals(), time.Time{}, 1, models.TierHigh)
	h.engine.SyncChannel(context.Background(), acmeDeals(), time.Time{}, 1, models.TierHigh)

	count, err := h.index.Count(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, count)

	hits, err := h.index.Query(context.Background(), "same message", 1, store.Where(models.KeyChannelID, "C1"))
	require.NoError(t, err)
	require.Len(t, hits, 1)
	assert.Equal(t, store.DocumentID(models.SourceChat, "C1:1.1"), hits[0].ID)
}
