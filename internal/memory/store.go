package memory

import (
	"context"
	"database/sql"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"github.com/golang-migrate/migrate/v4"
	pgxmigrate "github.com/golang-migrate/migrate/v4/database/pgx/v5"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	"github.com/jackc/pgx/v5/pgxpool"
	_ "github.com/jackc/pgx/v5/stdlib"

	"github.com/superagenthq/superagent/internal/fault"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// Store is the persistence boundary of the memory service. PgStore is the
// production implementation; tests substitute fakes.
type Store interface {
	Insert(ctx context.Context, agentID, content string, embedding []float32, metadata map[string]any) (int64, error)
	Search(ctx context.Context, agentID *string, embedding []float32, k int) ([]SearchResult, error)
	Recent(ctx context.Context, agentID *string, limit int) ([]Record, error)
	DeleteOlderThan(ctx context.Context, cutoff time.Time) (int64, error)
	Ping(ctx context.Context) error
}

// PgStore persists memories in Postgres with the pgvector extension.
type PgStore struct {
	pool       *pgxpool.Pool
	dimensions int
	logger     *slog.Logger
}

// OpenPgStore connects, migrates, and ensures the memories table exists
// with the configured embedding dimension. An existing table with a
// different dimension is a configuration error, never silently truncated.
func OpenPgStore(ctx context.Context, log *slog.Logger, dsn string, dimensions int) (*PgStore, error) {
	if dimensions <= 0 {
		return nil, fault.New(fault.KindConfig, "embedding dimensions must be positive")
	}

	if err := runMigrations(dsn); err != nil {
		return nil, fault.Wrap(fault.KindTransport, "run migrations", err)
	}

	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fault.Wrap(fault.KindTransport, "connect postgres", err)
	}

	store := &PgStore{
		pool:       pool,
		dimensions: dimensions,
		logger:     log.With(slog.String("component", "memory.store")),
	}
	if err := store.init(ctx); err != nil {
		pool.Close()
		return nil, err
	}
	return store, nil
}

func runMigrations(dsn string) error {
	src, err := iofs.New(migrationsFS, "migrations")
	if err != nil {
		return err
	}
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return err
	}
	defer db.Close()

	driver, err := pgxmigrate.WithInstance(db, &pgxmigrate.Config{})
	if err != nil {
		return err
	}
	m, err := migrate.NewWithInstance("iofs", src, "pgx", driver)
	if err != nil {
		return err
	}
	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return err
	}
	return nil
}

func (s *PgStore) init(ctx context.Context) error {
	createTable := fmt.Sprintf(`
		CREATE TABLE IF NOT EXISTS memories (
			id BIGSERIAL PRIMARY KEY,
			agent_id TEXT NOT NULL,
			content TEXT NOT NULL,
			embedding vector(%d),
			metadata JSONB NOT NULL DEFAULT '{}'::jsonb,
			created_at TIMESTAMPTZ NOT NULL DEFAULT now()
		)`, s.dimensions)
	if _, err := s.pool.Exec(ctx, createTable); err != nil {
		return fault.Wrap(fault.KindTransport, "create memories table", err)
	}

	var typmod int
	err := s.pool.QueryRow(ctx, `
		SELECT atttypmod FROM pg_attribute
		WHERE attrelid = 'memories'::regclass AND attname = 'embedding'`).Scan(&typmod)
	if err != nil {
		return fault.Wrap(fault.KindTransport, "inspect embedding column", err)
	}
	if typmod > 0 && typmod != s.dimensions {
		return fault.New(fault.KindConfig,
			fmt.Sprintf("memories table has vector(%d), config requires vector(%d)", typmod, s.dimensions))
	}

	indexes := []string{
		`CREATE INDEX IF NOT EXISTS memories_embedding_idx ON memories
			USING hnsw (embedding vector_cosine_ops)`,
		`CREATE INDEX IF NOT EXISTS memories_agent_idx ON memories (agent_id)`,
		`CREATE INDEX IF NOT EXISTS memories_created_idx ON memories (created_at DESC)`,
	}
	for _, stmt := range indexes {
		if _, err := s.pool.Exec(ctx, stmt); err != nil {
			return fault.Wrap(fault.KindTransport, "create memories index", err)
		}
	}
	return nil
}

func (s *PgStore) Close() { s.pool.Close() }

func (s *PgStore) Insert(ctx context.Context, agentID, content string, embedding []float32, metadata map[string]any) (int64, error) {
	if len(embedding) != s.dimensions {
		return 0, fault.New(fault.KindConfig,
			fmt.Sprintf("embedding has %d dimensions, store requires %d", len(embedding), s.dimensions))
	}
	meta, err := json.Marshal(metadata)
	if err != nil {
		return 0, fault.Wrap(fault.KindTransport, "encode metadata", err)
	}

	var id int64
	err = s.pool.QueryRow(ctx, `
		INSERT INTO memories (agent_id, content, embedding, metadata)
		VALUES ($1, $2, $3::vector, $4)
		RETURNING id`,
		agentID, content, serializeEmbedding(embedding), meta).Scan(&id)
	if err != nil {
		return 0, fault.Wrap(fault.KindTransport, "insert memory", err)
	}
	return id, nil
}

func (s *PgStore) Search(ctx context.Context, agentID *string, embedding []float32, k int) ([]SearchResult, error) {
	if len(embedding) != s.dimensions {
		return nil, fault.New(fault.KindConfig,
			fmt.Sprintf("query embedding has %d dimensions, store requires %d", len(embedding), s.dimensions))
	}

	rows, err := s.pool.Query(ctx, `
		SELECT id, agent_id, content, metadata, created_at,
		       1 - (embedding <=> $1::vector) AS similarity
		FROM memories
		WHERE ($2::text IS NULL OR agent_id = $2)
		ORDER BY embedding <=> $1::vector, id
		LIMIT $3`,
		serializeEmbedding(embedding), agentID, k)
	if err != nil {
		return nil, fault.Wrap(fault.KindTransport, "search memories", err)
	}
	defer rows.Close()

	var results []SearchResult
	for rows.Next() {
		var r SearchResult
		var meta []byte
		if err := rows.Scan(&r.ID, &r.AgentID, &r.Content, &meta, &r.CreatedAt, &r.Similarity); err != nil {
			return nil, fault.Wrap(fault.KindTransport, "scan memory row", err)
		}
		if len(meta) > 0 {
			if err := json.Unmarshal(meta, &r.Metadata); err != nil {
				return nil, fault.Wrap(fault.KindTransport, "decode metadata", err)
			}
		}
		results = append(results, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fault.Wrap(fault.KindTransport, "iterate memory rows", err)
	}
	return results, nil
}

func (s *PgStore) Recent(ctx context.Context, agentID *string, limit int) ([]Record, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT id, agent_id, content, metadata, created_at
		FROM memories
		WHERE ($1::text IS NULL OR agent_id = $1)
		ORDER BY created_at DESC, id DESC
		LIMIT $2`,
		agentID, limit)
	if err != nil {
		return nil, fault.Wrap(fault.KindTransport, "list recent memories", err)
	}
	defer rows.Close()

	var records []Record
	for rows.Next() {
		var r Record
		var meta []byte
		if err := rows.Scan(&r.ID, &r.AgentID, &r.Content, &meta, &r.CreatedAt); err != nil {
			return nil, fault.Wrap(fault.KindTransport, "scan memory row", err)
		}
		if len(meta) > 0 {
			if err := json.Unmarshal(meta, &r.Metadata); err != nil {
				return nil, fault.Wrap(fault.KindTransport, "decode metadata", err)
			}
		}
		records = append(records, r)
	}
	return records, rows.Err()
}

func (s *PgStore) DeleteOlderThan(ctx context.Context, cutoff time.Time) (int64, error) {
	tag, err := s.pool.Exec(ctx, `DELETE FROM memories WHERE created_at < $1`, cutoff)
	if err != nil {
		return 0, fault.Wrap(fault.KindTransport, "delete old memories", err)
	}
	return tag.RowsAffected(), nil
}

func (s *PgStore) Ping(ctx context.Context) error {
	var one int
	if err := s.pool.QueryRow(ctx, `SELECT 1`).Scan(&one); err != nil {
		return fault.Wrap(fault.KindTransport, "memory backend ping", err)
	}
	return nil
}

// serializeEmbedding renders a vector in pgvector's text input format.
func serializeEmbedding(embedding []float32) string {
	var b strings.Builder
	b.WriteByte('[')
	for i, v := range embedding {
		if i > 0 {
			b.WriteByte(',')
		}
		b.WriteString(strconv.FormatFloat(float64(v), 'f', -1, 32))
	}
	b.WriteByte(']')
	return b.String()
}
