package store

import (
	"context"
	"fmt"
	"regexp"
	"sort"
	"strings"
	"unicode/utf8"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/pgvector/pgvector-go"
)

type VectorStoreConfig struct {
	ConnString string
	TableName  string
	VectorDim  int
}

// VectorStore is the PostgreSQL backend, using the pgvector extension for
// cosine distance and a JSONB column for metadata filters.
type VectorStore struct {
	config VectorStoreConfig
	pool   *pgxpool.Pool
}

var identRe = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]{0,62}$`)

func NewWithConfig(ctx context.Context, config VectorStoreConfig) (*VectorStore, error) {
	if config.TableName == "" {
		config.TableName = "documents"
	}
	if config.VectorDim == 0 {
		config.VectorDim = 768 // nomic-embed-text
	}
	if !identRe.MatchString(config.TableName) {
		return nil, fmt.Errorf("invalid table name %q", config.TableName)
	}

	pool, err := pgxpool.New(ctx, config.ConnString)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	vs := &VectorStore{
		config: config,
		pool:   pool,
	}

	if err := vs.initialize(ctx); err != nil {
		pool.Close()
		return nil, err
	}

	return vs, nil
}

func (vs *VectorStore) initialize(ctx context.Context) error {
	// Enable pgvector extension
	_, err := vs.pool.Exec(ctx, "CREATE EXTENSION IF NOT EXISTS vector")
	if err != nil {
		return fmt.Errorf("failed to create vector extension: %w", err)
	}

	createTable := fmt.Sprintf(`
		CREATE TABLE IF NOT EXISTS %s (
			id TEXT PRIMARY KEY,
			content TEXT NOT NULL,
			embedding vector(%d),
			metadata JSONB NOT NULL DEFAULT '{}'::jsonb,
			updated_at TIMESTAMPTZ NOT NULL DEFAULT now()
		)`, vs.config.TableName, vs.config.VectorDim)

	_, err = vs.pool.Exec(ctx, createTable)
	if err != nil {
		return fmt.Errorf("failed to create table: %w", err)
	}

	createIndex := fmt.Sprintf(`
		CREATE INDEX IF NOT EXISTS %s_embedding_idx
		ON %s
		USING ivfflat (embedding vector_cosine_ops)
		WITH (lists = 100)`,
		vs.config.TableName, vs.config.TableName)

	_, err = vs.pool.Exec(ctx, createIndex)
	if err != nil {
		return fmt.Errorf("failed to create index: %w", err)
	}

	createMetaIndex := fmt.Sprintf(`
		CREATE INDEX IF NOT EXISTS %s_metadata_idx
		ON %s
		USING gin (metadata jsonb_path_ops)`,
		vs.config.TableName, vs.config.TableName)

	_, err = vs.pool.Exec(ctx, createMetaIndex)
	if err != nil {
		return fmt.Errorf("failed to create metadata index: %w", err)
	}

	return nil
}

func (vs *VectorStore) upsertSQL() string {
	return fmt.Sprintf(`
		INSERT INTO %s (id, content, embedding, metadata, updated_at)
		VALUES ($1, $2, $3, $4, now())
		ON CONFLICT (id) DO UPDATE SET
			content = EXCLUDED.content,
			embedding = EXCLUDED.embedding,
			metadata = EXCLUDED.metadata,
			updated_at = now()`,
		vs.config.TableName)
}

func (vs *VectorStore) Upsert(ctx context.Context, doc Record) error {
	if len(doc.Embedding) != vs.config.VectorDim {
		return fmt.Errorf("embedding has %d dimensions, table expects %d", len(doc.Embedding), vs.config.VectorDim)
	}

	meta := make(map[string]string, len(doc.Metadata))
	for k, v := range doc.Metadata {
		meta[k] = sanitizeUTF8(v)
	}

	_, err := vs.pool.Exec(ctx, vs.upsertSQL(),
		doc.ID,
		sanitizeUTF8(doc.Content),
		pgvector.NewVector(doc.Embedding),
		meta,
	)
	if err != nil {
		return fmt.Errorf("failed to upsert document: %w", err)
	}
	return nil
}

// buildQuery renders the similarity query. Metadata keys and values are
// bound as parameters after the embedding and the limit.
func buildQuery(table string, k int, where map[string]string) (string, []any) {
	keys := make([]string, 0, len(where))
	for key := range where {
		keys = append(keys, key)
	}
	sort.Strings(keys)

	args := []any{nil, k}
	var conds []string
	for _, key := range keys {
		args = append(args, key, where[key])
		conds = append(conds, fmt.Sprintf("metadata->>($%d::text) = $%d", len(args)-1, len(args)))
	}

	clause := ""
	if len(conds) > 0 {
		clause = "WHERE " + strings.Join(conds, " AND ")
	}

	query := fmt.Sprintf(`
		SELECT id, content, metadata, embedding <=> $1 AS distance
		FROM %s
		%s
		ORDER BY distance
		LIMIT $2`,
		table, clause)
	return query, args
}

func (vs *VectorStore) Query(ctx context.Context, embedding []float32, k int, where map[string]string) ([]Hit, error) {
	query, args := buildQuery(vs.config.TableName, k, where)
	args[0] = pgvector.NewVector(embedding)

	rows, err := vs.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query documents: %w", err)
	}
	defer rows.Close()

	var hits []Hit
	for rows.Next() {
		var h Hit
		var distance float64
		if err := rows.Scan(&h.ID, &h.Content, &h.Metadata, &distance); err != nil {
			return nil, fmt.Errorf("failed to scan row: %w", err)
		}
		h.Distance = float32(distance)
		hits = append(hits, h)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to read rows: %w", err)
	}

	return hits, nil
}

func (vs *VectorStore) Count(ctx context.Context) (int, error) {
	var n int
	err := vs.pool.QueryRow(ctx, fmt.Sprintf("SELECT count(*) FROM %s", vs.config.TableName)).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("failed to count documents: %w", err)
	}
	return n, nil
}

func (vs *VectorStore) Close() error {
	if vs.pool != nil {
		vs.pool.Close()
	}
	return nil
}

// sanitizeUTF8 drops invalid bytes and NULs, which PostgreSQL rejects in
// text columns.
func sanitizeUTF8(s string) string {
	s = strings.ReplaceAll(s, "\x00", "")
	if !utf8.ValidString(s) {
		v := make([]rune, 0, len(s))
		for i, r := range s {
			if r == utf8.RuneError {
				_, size := utf8.DecodeRuneInString(s[i:])
				if size == 1 {
					continue
				}
			}
			v = append(v, r)
		}
		return string(v)
	}
	return s
}
