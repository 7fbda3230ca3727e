// Package vecindex owns the vector index lifecycle on PostgreSQL + pgvector:
// dimension resolution, create/truncate/delete, upsert, similarity query,
// and delete-by-source-id.
//
// An index is a table with a vector column and a cosine HNSW index. Rows are
// keyed by source id ("note:<id>" or "attachment:<noteID>:<attID>") so a
// later delete needs no secondary bookkeeping.
package vecindex

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/pgvector/pgvector-go"
)

// ErrNotFound indicates no vector rows matched the requested source id.
// Callers treat deletion as best-effort cleanup, not a hard error.
var ErrNotFound = errors.New("vector rows not found")

// Row is one embedded item to upsert into an index.
type Row struct {
	SourceID     string
	NoteID       int64
	IsAttachment bool
	Content      string
	Embedding    []float32
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

// Match is a similarity query result.
type Match struct {
	SourceID     string
	NoteID       int64
	IsAttachment bool
	Content      string
	// Score is cosine similarity in [0,1]; higher is more similar.
	Score float64
}

// rowMetadata is the JSONB payload stored next to each vector so a
// delete-by-source-id needs nothing but the row itself.
type rowMetadata struct {
	Text         string    `json:"text"`
	NoteID       int64     `json:"note_id"`
	IsAttachment bool      `json:"is_attachment"`
	CreatedAt    time.Time `json:"created_at"`
	UpdatedAt    time.Time `json:"updated_at"`
}

// DB is the subset of pgxpool.Pool the manager uses.
type DB interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// Manager performs vector index operations. Safe for concurrent use.
type Manager struct {
	db     DB
	logger *slog.Logger
}

// NewManager creates a vector index manager.
func NewManager(db DB, logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{db: db, logger: logger}
}

// CreateIndex creates the index table and its cosine HNSW index if they do
// not exist. dimension must come from ResolveDimension; creating an index
// with a guessed dimension is how embeddings silently stop matching.
func (m *Manager) CreateIndex(ctx context.Context, name string, dimension int) error {
	if dimension <= 0 {
		return fmt.Errorf("%w: dimension %d", ErrUnknownModel, dimension)
	}

	table := pgx.Identifier{name}.Sanitize()
	hnsw := pgx.Identifier{name + "_embedding_idx"}.Sanitize()
	srcIdx := pgx.Identifier{name + "_source_id_idx"}.Sanitize()

	stmts := []string{
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
			id UUID PRIMARY KEY,
			source_id TEXT NOT NULL,
			content TEXT NOT NULL,
			embedding vector(%d) NOT NULL,
			metadata JSONB NOT NULL DEFAULT '{}'::jsonb,
			created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
			updated_at TIMESTAMPTZ NOT NULL DEFAULT now()
		)`, table, dimension),
		fmt.Sprintf(`CREATE UNIQUE INDEX IF NOT EXISTS %s ON %s (source_id)`, srcIdx, table),
		fmt.Sprintf(`CREATE INDEX IF NOT EXISTS %s ON %s USING hnsw (embedding vector_cosine_ops)`, hnsw, table),
	}

	for _, stmt := range stmts {
		if _, err := m.db.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("creating index %q: %w", name, err)
		}
	}

	m.logger.Info("vector index ready", "index", name, "dimension", dimension)
	return nil
}

// TruncateIndex removes all rows but keeps the table and its indexes.
func (m *Manager) TruncateIndex(ctx context.Context, name string) error {
	table := pgx.Identifier{name}.Sanitize()
	if _, err := m.db.Exec(ctx, fmt.Sprintf(`TRUNCATE TABLE %s`, table)); err != nil {
		return fmt.Errorf("truncating index %q: %w", name, err)
	}
	return nil
}

// DeleteIndex drops the index table entirely. Dropping a missing table is
// not an error; recreate flows call this unconditionally.
func (m *Manager) DeleteIndex(ctx context.Context, name string) error {
	table := pgx.Identifier{name}.Sanitize()
	if _, err := m.db.Exec(ctx, fmt.Sprintf(`DROP TABLE IF EXISTS %s`, table)); err != nil {
		return fmt.Errorf("dropping index %q: %w", name, err)
	}
	return nil
}

// Upsert writes rows into the index, replacing any existing row with the
// same source id.
func (m *Manager) Upsert(ctx context.Context, name string, rows []Row) error {
	if len(rows) == 0 {
		return nil
	}

	table := pgx.Identifier{name}.Sanitize()
	stmt := fmt.Sprintf(`
		INSERT INTO %s (id, source_id, content, embedding, metadata, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (source_id) DO UPDATE
		SET content = EXCLUDED.content,
		    embedding = EXCLUDED.embedding,
		    metadata = EXCLUDED.metadata,
		    updated_at = EXCLUDED.updated_at`, table)

	for _, r := range rows {
		meta, err := json.Marshal(rowMetadata{
			Text:         r.Content,
			NoteID:       r.NoteID,
			IsAttachment: r.IsAttachment,
			CreatedAt:    r.CreatedAt,
			UpdatedAt:    r.UpdatedAt,
		})
		if err != nil {
			return fmt.Errorf("marshaling metadata for %q: %w", r.SourceID, err)
		}

		vec := pgvector.NewVector(r.Embedding)
		now := r.UpdatedAt
		if now.IsZero() {
			now = time.Now()
		}

		if _, err := m.db.Exec(ctx, stmt,
			uuid.New(), r.SourceID, r.Content, &vec, meta, r.CreatedAt, now); err != nil {
			return fmt.Errorf("upserting %q into index %q: %w", r.SourceID, name, err)
		}
	}

	m.logger.Debug("upserted vectors", "index", name, "count", len(rows))
	return nil
}

// Query returns the topK nearest rows by cosine similarity. Callers apply
// their minimum-score threshold on the result; the index fetch and the
// relevance cut are deliberately separate stages.
func (m *Manager) Query(ctx context.Context, name string, queryVector []float32, topK int) ([]Match, error) {
	if topK <= 0 {
		return nil, fmt.Errorf("topK must be positive, got %d", topK)
	}

	table := pgx.Identifier{name}.Sanitize()
	stmt := fmt.Sprintf(`
		SELECT source_id, content, metadata,
		       1 - (embedding <=> $1) AS similarity
		FROM %s
		ORDER BY embedding <=> $1
		LIMIT $2`, table)

	vec := pgvector.NewVector(queryVector)
	rows, err := m.db.Query(ctx, stmt, &vec, topK)
	if err != nil {
		return nil, fmt.Errorf("querying index %q: %w", name, err)
	}
	defer rows.Close()

	var matches []Match
	for rows.Next() {
		var (
			match    Match
			metaJSON []byte
		)
		if err := rows.Scan(&match.SourceID, &match.Content, &metaJSON, &match.Score); err != nil {
			return nil, fmt.Errorf("scanning match row: %w", err)
		}

		var meta rowMetadata
		if err := json.Unmarshal(metaJSON, &meta); err != nil {
			m.logger.Warn("malformed vector metadata", "source_id", match.SourceID, "error", err)
		} else {
			match.NoteID = meta.NoteID
			match.IsAttachment = meta.IsAttachment
		}

		matches = append(matches, match)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating match rows: %w", err)
	}

	return matches, nil
}

// DeleteBySourceID removes the vector row(s) for sourceID. Returns
// ErrNotFound when nothing matched; callers log and move on.
func (m *Manager) DeleteBySourceID(ctx context.Context, name, sourceID string) error {
	table := pgx.Identifier{name}.Sanitize()
	stmt := fmt.Sprintf(`DELETE FROM %s WHERE source_id = $1`, table)

	tag, err := m.db.Exec(ctx, stmt, sourceID)
	if err != nil {
		return fmt.Errorf("deleting %q from index %q: %w", sourceID, name, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("%w: %q", ErrNotFound, sourceID)
	}
	return nil
}

// DeleteByNoteID removes every vector row belonging to a note, including
// attachment rows, via the metadata note_id. Best-effort like
// DeleteBySourceID.
func (m *Manager) DeleteByNoteID(ctx context.Context, name string, noteID int64) error {
	table := pgx.Identifier{name}.Sanitize()
	stmt := fmt.Sprintf(`DELETE FROM %s WHERE (metadata->>'note_id')::bigint = $1`, table)

	tag, err := m.db.Exec(ctx, stmt, noteID)
	if err != nil {
		return fmt.Errorf("deleting note %d from index %q: %w", noteID, name, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("%w: note %d", ErrNotFound, noteID)
	}
	return nil
}
