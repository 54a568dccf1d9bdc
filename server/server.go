// Package server receives chat events for real-time indexing and answers
// retrieval requests over HTTP.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"sync"
	"time"

	slackgo "github.com/slack-go/slack"
	"github.com/slack-go/slack/slackevents"
	"go.uber.org/zap"

	"github.com/xhad/dealctx/internal/models"
	"github.com/xhad/dealctx/pkg/retriever"
)

const maxBodyBytes = 1 << 20

// Indexer indexes live messages.
type Indexer interface {
	IndexMessage(ctx context.Context, msg models.Message) int
}

// Retriever answers context queries.
type Retriever interface {
	Retrieve(ctx context.Context, query, company string) []retriever.Result
}

type Config struct {
	Addr string
	// SigningSecret verifies inbound events. Verification is skipped when
	// it is empty.
	SigningSecret string
	QueueSize     int
	// IndexTimeout bounds the indexing of one event.
	IndexTimeout time.Duration
}

// Message is the JSON shape of one retrieval result.
type Message struct {
	Type     string  `json:"type"`
	Content  string  `json:"content"`
	ID       string  `json:"id,omitempty"`
	Distance float32 `json:"distance,omitempty"`
	Score    float64 `json:"score,omitempty"`
	URL      string  `json:"url,omitempty"`
}

type Server struct {
	config    Config
	indexer   Indexer
	retriever Retriever
	metrics   http.Handler
	logger    *zap.Logger

	queue  chan models.Message
	wg     sync.WaitGroup
	mu     sync.RWMutex
	closed bool
}

func New(config Config, indexer Indexer, r Retriever, metrics http.Handler, logger *zap.Logger) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	if config.Addr == "" {
		config.Addr = ":3000"
	}
	if config.QueueSize <= 0 {
		config.QueueSize = 256
	}
	if config.IndexTimeout <= 0 {
		config.IndexTimeout = 2 * time.Minute
	}
	if config.SigningSecret == "" {
		logger.Warn("no signing secret configured, event signatures are not verified")
	}
	return &Server{
		config:    config,
		indexer:   indexer,
		retriever: r,
		metrics:   metrics,
		logger:    logger,
		queue:     make(chan models.Message, config.QueueSize),
	}
}

// Handler routes /slack/events, /retrieve, /health and /metrics.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/slack/events", s.handleEvents)
	mux.HandleFunc("/retrieve", s.handleRetrieve)
	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("OK"))
	})
	if s.metrics != nil {
		mux.Handle("/metrics", s.metrics)
	}
	return mux
}

// Start launches the indexing worker. Events are indexed in arrival order.
// Cancelling ctx does not abort queued events; each is bounded by the index
// timeout instead.
func (s *Server) Start(ctx context.Context) {
	base := context.WithoutCancel(ctx)
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		for msg := range s.queue {
			ictx, cancel := context.WithTimeout(base, s.config.IndexTimeout)
			n := s.indexer.IndexMessage(ictx, msg)
			cancel()
			s.logger.Debug("event indexed",
				zap.String("channel_id", msg.ChannelID),
				zap.String("ts", msg.Timestamp),
				zap.Int("indexed", n))
		}
	}()
}

// Stop drains queued events and waits for the worker. Events received
// after Stop are dropped.
func (s *Server) Stop() {
	s.mu.Lock()
	if !s.closed {
		s.closed = true
		close(s.queue)
	}
	s.mu.Unlock()
	s.wg.Wait()
}

// Run serves until ctx is done, then shuts down gracefully.
func (s *Server) Run(ctx context.Context) error {
	s.Start(ctx)
	defer s.Stop()

	srv := &http.Server{
		Addr:              s.config.Addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	errc := make(chan error, 1)
	go func() {
		s.logger.Info("starting event server", zap.String("addr", s.config.Addr))
		errc <- srv.ListenAndServe()
	}()

	select {
	case err := <-errc:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return err
	}
	<-errc
	return nil
}

func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err != nil {
		w.WriteHeader(http.StatusBadRequest)
		return
	}

	if s.config.SigningSecret != "" {
		sv, err := slackgo.NewSecretsVerifier(r.Header, s.config.SigningSecret)
		if err != nil {
			s.logger.Warn("rejected event without valid signature headers", zap.Error(err))
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		sv.Write(body)
		if err := sv.Ensure(); err != nil {
			s.logger.Warn("rejected event with bad signature", zap.Error(err))
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
	}

	event, err := slackevents.ParseEvent(json.RawMessage(body), slackevents.OptionNoVerifyToken())
	if err != nil {
		s.logger.Warn("unparseable event", zap.Error(err))
		w.WriteHeader(http.StatusBadRequest)
		return
	}

	switch event.Type {
	case slackevents.URLVerification:
		var challenge slackevents.ChallengeResponse
		if err := json.Unmarshal(body, &challenge); err != nil {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		w.Header().Set("Content-Type", "text/plain")
		w.Write([]byte(challenge.Challenge))
	case slackevents.CallbackEvent:
		if ev, ok := event.InnerEvent.Data.(*slackevents.MessageEvent); ok {
			s.enqueue(FromEvent(ev))
		}
		w.WriteHeader(http.StatusOK)
	default:
		w.WriteHeader(http.StatusOK)
	}
}

func (s *Server) enqueue(msg models.Message) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		s.logger.Warn("event server stopped, dropping message",
			zap.String("channel_id", msg.ChannelID), zap.String("ts", msg.Timestamp))
		return
	}
	select {
	case s.queue <- msg:
	default:
		s.logger.Warn("event queue full, dropping message",
			zap.String("channel_id", msg.ChannelID), zap.String("ts", msg.Timestamp))
	}
}

// FromEvent converts a message event.
func FromEvent(ev *slackevents.MessageEvent) models.Message {
	return models.Message{
		ChannelID:       ev.Channel,
		Timestamp:       ev.TimeStamp,
		ThreadTimestamp: ev.ThreadTimeStamp,
		UserID:          ev.User,
		BotID:           ev.BotID,
		SubType:         ev.SubType,
		Text:            ev.Text,
	}
}

func (s *Server) handleRetrieve(w http.ResponseWriter, r *http.Request) {
	query := r.URL.Query().Get("q")
	if query == "" {
		http.Error(w, "missing q", http.StatusBadRequest)
		return
	}

	results := s.retriever.Retrieve(r.Context(), query, r.URL.Query().Get("company"))
	out := make([]Message, 0, len(results))
	for _, res := range results {
		m := Message{
			Type:     string(res.Source),
			Content:  res.Content,
			Distance: res.Distance,
			Score:    res.Score,
		}
		if res.Document != nil {
			m.ID = res.Document.ID
		}
		if res.Meeting != nil {
			m.ID = res.Meeting.ID
			m.URL = res.Meeting.ShareURL
		}
		out = append(out, m)
	}

	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(out); err != nil {
		s.logger.Error("error sending response", zap.Error(err))
	}
}
