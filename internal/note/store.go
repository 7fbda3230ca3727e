package note

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

// DB is the subset of pgxpool.Pool the store uses. Defined by the consumer
// so tests can substitute a fake.
type DB interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// Store reads notes and attachments from PostgreSQL.
//
// Store is safe for concurrent use; all state lives in the connection pool.
type Store struct {
	db     DB
	logger *slog.Logger
}

// NewStore creates a note store.
func NewStore(db DB, logger *slog.Logger) *Store {
	if logger == nil {
		logger = slog.Default()
	}
	return &Store{db: db, logger: logger}
}

// FindEligible returns all non-recycled notes in ascending id order,
// excluding the given ids. Attachments are loaded for every returned note.
//
// Ascending id order fixes a deterministic resumption order for the rebuild
// pipeline: the processed-id set plus the last processed id fully determine
// where a resumed run continues.
func (s *Store) FindEligible(ctx context.Context, excludeIDs []int64) ([]Note, error) {
	const q = `
		SELECT id, title, content, is_recycle, created_at, updated_at
		FROM notes
		WHERE is_recycle = false AND NOT (id = ANY($1))
		ORDER BY id ASC`

	if excludeIDs == nil {
		excludeIDs = []int64{}
	}

	rows, err := s.db.Query(ctx, q, excludeIDs)
	if err != nil {
		return nil, fmt.Errorf("querying eligible notes: %w", err)
	}
	defer rows.Close()

	var notes []Note
	for rows.Next() {
		var n Note
		if err := rows.Scan(&n.ID, &n.Title, &n.Content, &n.IsRecycle, &n.CreatedAt, &n.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scanning note row: %w", err)
		}
		notes = append(notes, n)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating note rows: %w", err)
	}

	if err := s.loadAttachments(ctx, notes); err != nil {
		return nil, err
	}

	return notes, nil
}

// GetByIDs hydrates full note records for the given ids. Missing ids are
// silently omitted; search callers treat dangling vector rows as stale.
func (s *Store) GetByIDs(ctx context.Context, ids []int64) ([]Note, error) {
	if len(ids) == 0 {
		return nil, nil
	}

	const q = `
		SELECT id, title, content, is_recycle, created_at, updated_at
		FROM notes
		WHERE id = ANY($1)
		ORDER BY id ASC`

	rows, err := s.db.Query(ctx, q, ids)
	if err != nil {
		return nil, fmt.Errorf("querying notes by id: %w", err)
	}
	defer rows.Close()

	var notes []Note
	for rows.Next() {
		var n Note
		if err := rows.Scan(&n.ID, &n.Title, &n.Content, &n.IsRecycle, &n.CreatedAt, &n.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scanning note row: %w", err)
		}
		notes = append(notes, n)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating note rows: %w", err)
	}

	return notes, nil
}

// loadAttachments fills Attachments for each note in a single query.
func (s *Store) loadAttachments(ctx context.Context, notes []Note) error {
	if len(notes) == 0 {
		return nil
	}

	ids := make([]int64, 0, len(notes))
	byID := make(map[int64]*Note, len(notes))
	for i := range notes {
		ids = append(ids, notes[i].ID)
		byID[notes[i].ID] = &notes[i]
	}

	const q = `
		SELECT id, note_id, filename, mime_type, extracted_text, created_at
		FROM attachments
		WHERE note_id = ANY($1)
		ORDER BY note_id ASC, id ASC`

	rows, err := s.db.Query(ctx, q, ids)
	if err != nil {
		return fmt.Errorf("querying attachments: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var a Attachment
		if err := rows.Scan(&a.ID, &a.NoteID, &a.Filename, &a.MimeType, &a.Text, &a.CreatedAt); err != nil {
			return fmt.Errorf("scanning attachment row: %w", err)
		}
		if n, ok := byID[a.NoteID]; ok {
			n.Attachments = append(n.Attachments, a)
		}
	}
	if err := rows.Err(); err != nil {
		return fmt.Errorf("iterating attachment rows: %w", err)
	}

	return nil
}
