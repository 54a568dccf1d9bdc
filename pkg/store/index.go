// Package store is the document index: deterministic ids, flattened
// metadata and similarity queries over a pluggable vector backend.
package store

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/xhad/dealctx/internal/models"
	"github.com/xhad/dealctx/internal/types"
)

var (
	ErrEmptyContent      = errors.New("document content is empty")
	ErrInvalidSourceType = errors.New("invalid source type")
)

// namespace seeds the name-based document ids.
var namespace = uuid.MustParse("6f1c1a52-3d55-4c8e-9a43-0b7f6e5f2d11")

// DocumentID derives the id of a source record. The same source type and
// native id always give the same id, so indexing a record again replaces it.
func DocumentID(source models.SourceType, nativeID string) string {
	return uuid.NewSHA1(namespace, []byte(string(source)+":"+nativeID)).String()
}

// Backend stores embedded documents. Upsert replaces any document with the
// same id. Query returns hits ordered by ascending distance, restricted to
// documents whose metadata equals every entry of where.
type Backend interface {
	Upsert(ctx context.Context, doc Record) error
	Query(ctx context.Context, embedding []float32, k int, where map[string]string) ([]Hit, error)
	Count(ctx context.Context) (int, error)
	Close() error
}

// Record is a document as the backends see it.
type Record struct {
	ID        string
	Content   string
	Embedding []float32
	Metadata  map[string]string
}

// Hit is one query result.
type Hit struct {
	ID       string
	Content  string
	Metadata map[string]string
	Distance float32
}

// Document decodes the hit's metadata. A malformed entity list yields an
// error wrapping models.ErrMalformedMetadata.
func (h Hit) Document() (models.Document, error) {
	meta, err := models.ParseMetadata(h.Metadata)
	doc := models.Document{ID: h.ID, Content: h.Content, Metadata: meta}
	if err != nil {
		return doc, fmt.Errorf("document %s: %w", h.ID, err)
	}
	return doc, nil
}

// Index is the document index used by sync and retrieval.
type Index struct {
	backend  Backend
	embedder types.Embedder
	logger   *zap.Logger
	now      func() time.Time
}

func NewIndex(backend Backend, embedder types.Embedder, logger *zap.Logger) *Index {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Index{
		backend:  backend,
		embedder: embedder,
		logger:   logger,
		now:      time.Now,
	}
}

// Upsert embeds content and stores it under DocumentID(source, nativeID),
// fully replacing a previous version.
func (ix *Index) Upsert(ctx context.Context, source models.SourceType, nativeID, content string, meta models.Metadata) (string, error) {
	if !source.Valid() {
		return "", fmt.Errorf("%w: %q", ErrInvalidSourceType, source)
	}
	content = sanitizeUTF8(strings.TrimSpace(content))
	if content == "" {
		return "", ErrEmptyContent
	}

	embedding, err := ix.embedder.Embed(ctx, content)
	if err != nil {
		return "", fmt.Errorf("embed %s %s: %w", source, nativeID, err)
	}

	meta.SourceType = source
	if meta.IndexedAt.IsZero() {
		meta.IndexedAt = ix.now()
	}

	id := DocumentID(source, nativeID)
	if err := ix.backend.Upsert(ctx, Record{
		ID:        id,
		Content:   content,
		Embedding: embedding,
		Metadata:  meta.Flatten(),
	}); err != nil {
		return "", fmt.Errorf("upsert %s %s: %w", source, nativeID, err)
	}

	ix.logger.Debug("document indexed",
		zap.String("id", id),
		zap.String("source_type", string(source)),
		zap.String("native_id", nativeID))
	return id, nil
}

// Query embeds text and runs a filtered similarity search.
func (ix *Index) Query(ctx context.Context, text string, k int, where map[string]string) ([]Hit, error) {
	embedding, err := ix.embedder.Embed(ctx, text)
	if err != nil {
		return nil, fmt.Errorf("embed query: %w", err)
	}
	return ix.QueryEmbedding(ctx, embedding, k, where)
}

// QueryEmbedding runs a filtered similarity search with a precomputed vector.
func (ix *Index) QueryEmbedding(ctx context.Context, embedding []float32, k int, where map[string]string) ([]Hit, error) {
	if k <= 0 {
		return nil, nil
	}
	hits, err := ix.backend.Query(ctx, embedding, k, where)
	if err != nil {
		return nil, fmt.Errorf("query index: %w", err)
	}
	sort.SliceStable(hits, func(i, j int) bool { return hits[i].Distance < hits[j].Distance })
	return hits, nil
}

// ThreadMessages returns the indexed chat messages of one thread ordered by
// timestamp. The root message is included when it was indexed.
func (ix *Index) ThreadMessages(ctx context.Context, channelID, threadTS string) ([]models.Document, error) {
	n, err := ix.backend.Count(ctx)
	if err != nil {
		return nil, fmt.Errorf("count documents: %w", err)
	}
	if n == 0 {
		return nil, nil
	}

	base := map[string]string{
		models.KeySourceType: string(models.SourceChat),
		models.KeyChannelID:  channelID,
	}
	replies := cloneWhere(base)
	replies[models.KeyThreadTimestamp] = threadTS
	root := cloneWhere(base)
	root[models.KeyTimestamp] = threadTS

	var docs []models.Document
	seen := make(map[string]struct{})
	for _, where := range []map[string]string{replies, root} {
		hits, err := ix.Query(ctx, channelID+" "+threadTS, n, where)
		if err != nil {
			return nil, err
		}
		for _, h := range hits {
			if _, dup := seen[h.ID]; dup {
				continue
			}
			seen[h.ID] = struct{}{}
			doc, err := h.Document()
			if err != nil {
				ix.logger.Warn("skipping thread message with malformed metadata", zap.Error(err))
				continue
			}
			docs = append(docs, doc)
		}
	}

	sort.SliceStable(docs, func(i, j int) bool {
		return compareTimestamps(docs[i].Metadata.Timestamp, docs[j].Metadata.Timestamp) < 0
	})
	return docs, nil
}

// Count returns the number of stored documents.
func (ix *Index) Count(ctx context.Context) (int, error) {
	return ix.backend.Count(ctx)
}

func (ix *Index) Close() error {
	return ix.backend.Close()
}

// Where builds an equality filter from key/value pairs.
func Where(kv ...string) map[string]string {
	out := make(map[string]string, len(kv)/2)
	for i := 0; i+1 < len(kv); i += 2 {
		out[kv[i]] = kv[i+1]
	}
	return out
}

func cloneWhere(w map[string]string) map[string]string {
	out := make(map[string]string, len(w)+1)
	for k, v := range w {
		out[k] = v
	}
	return out
}

// compareTimestamps orders chat timestamps ("1712345678.000200"), which
// share a fixed-width fractional part, numerically.
func compareTimestamps(a, b string) int {
	ai, af, _ := strings.Cut(a, ".")
	bi, bf, _ := strings.Cut(b, ".")
	if len(ai) != len(bi) {
		return len(ai) - len(bi)
	}
	if c := strings.Compare(ai, bi); c != 0 {
		return c
	}
	return strings.Compare(af, bf)
}
