package syncer

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/xhad/dealctx/internal/models"
	"github.com/xhad/dealctx/internal/types"
	"github.com/xhad/dealctx/pkg/entity"
	"github.com/xhad/dealctx/pkg/llm"
	"github.com/xhad/dealctx/pkg/retry"
	"github.com/xhad/dealctx/pkg/store"
)

// fakePlatform serves canned history pages addressed by "page-N" cursors.
type fakePlatform struct {
	mu sync.Mutex

	pages   map[string][]types.HistoryPage
	replies map[string][]models.Message
	infos   map[string]models.Channel

	// historyErr, when set, is consulted before every history call.
	historyErr func(call int, cursor string) error
	joinErr    error
	onHistory  func(call int)

	historyCalls int
	cursors      []string
	joined       []string
}

func newFakePlatform() *fakePlatform {
	return &fakePlatform{
		pages:   make(map[string][]types.HistoryPage),
		replies: make(map[string][]models.Message),
		infos:   make(map[string]models.Channel),
	}
}

func (f *fakePlatform) ListChannels(context.Context, string) ([]models.Channel, string, error) {
	return nil, "", nil
}

func (f *fakePlatform) ChannelHistory(_ context.Context, channelID, _, cursor string, _ int) (types.HistoryPage, error) {
	f.mu.Lock()
	f.historyCalls++
	call := f.historyCalls
	f.cursors = append(f.cursors, cursor)
	hook, errFn := f.onHistory, f.historyErr
	f.mu.Unlock()

	if hook != nil {
		hook(call)
	}
	if errFn != nil {
		if err := errFn(call, cursor); err != nil {
			return types.HistoryPage{}, err
		}
	}

	idx := 0
	if cursor != "" {
		n, err := strconv.Atoi(strings.TrimPrefix(cursor, "page-"))
		if err != nil {
			return types.HistoryPage{}, fmt.Errorf("bad cursor %q", cursor)
		}
		idx = n
	}
	pages := f.pages[channelID]
	if idx >= len(pages) {
		return types.HistoryPage{}, nil
	}
	return pages[idx], nil
}

func (f *fakePlatform) ThreadReplies(_ context.Context, channelID, threadTS, _, _ string) (types.HistoryPage, error) {
	return types.HistoryPage{Messages: f.replies[channelID+":"+threadTS]}, nil
}

func (f *fakePlatform) ChannelInfo(_ context.Context, channelID string) (models.Channel, error) {
	ch, ok := f.infos[channelID]
	if !ok {
		return models.Channel{}, types.ErrNoAccess
	}
	return ch, nil
}

func (f *fakePlatform) JoinChannel(_ context.Context, channelID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.joinErr != nil {
		return f.joinErr
	}
	f.joined = append(f.joined, channelID)
	return nil
}

func (f *fakePlatform) calls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.historyCalls
}

// fakeCRM returns canned records per object type.
type fakeCRM struct {
	records map[string][]types.Record
	errs    map[string]error
}

func (f *fakeCRM) QueryRecords(_ context.Context, q types.Query) ([]types.Record, error) {
	if err := f.errs[q.Object]; err != nil {
		return nil, err
	}
	return f.records[q.Object], nil
}

// sleepRecorder replaces real backoff sleeps.
type sleepRecorder struct {
	mu    sync.Mutex
	waits []time.Duration
}

func (s *sleepRecorder) sleep(ctx context.Context, d time.Duration) error {
	s.mu.Lock()
	s.waits = append(s.waits, d)
	s.mu.Unlock()
	return ctx.Err()
}

type harness struct {
	platform *fakePlatform
	index    *store.Index
	cache    *entity.Cache
	sleeps   *sleepRecorder
	engine   *Engine
}

func newHarness(t *testing.T, config Config) *harness {
	t.Helper()

	emb := llm.NewHashEmbedder(128)
	backend, err := store.NewChromemStore(store.ChromemConfig{}, emb)
	require.NoError(t, err)
	index := store.NewIndex(backend, emb, nil)

	cache := entity.NewCache(nil, 0, nil)
	cache.Replace([]string{"Acme Corp", "Globex"}, []string{"Jane Doe"}, nil)

	sleeps := &sleepRecorder{}
	config.Caller = retry.Caller{Policy: retry.Policy{
		MaxAttempts: 3,
		BaseDelay:   time.Second,
		Multiplier:  2,
		MaxDelay:    10 * time.Second,
		Sleep:       sleeps.sleep,
	}}

	platform := newFakePlatform()
	return &harness{
		platform: platform,
		index:    index,
		cache:    cache,
		sleeps:   sleeps,
		engine:   NewEngine(platform, index, cache, entity.NewHeuristic(nil), config, nil),
	}
}

func msg(ts, text string) models.Message {
	return models.Message{Timestamp: ts, UserID: "U1", Text: text}
}
