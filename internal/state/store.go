package state

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// timeFormat is fixed-width so reported_at compares correctly as text.
const timeFormat = "2006-01-02T15:04:05.000000000Z"

// Store is the reported-message ledger. Keys are record URIs; a key once
// marked stays marked until Prune or Clear removes it.
type Store struct {
	db  *sql.DB
	now func() time.Time
}

func NewStore(db *sql.DB) *Store {
	return &Store{db: db, now: time.Now}
}

// Reported reports whether key has been marked.
func (s *Store) Reported(ctx context.Context, key string) (bool, error) {
	if key == "" {
		return false, fmt.Errorf("ledger key is empty")
	}
	var one int
	err := s.db.QueryRowContext(ctx, "SELECT 1 FROM reported_messages WHERE key = ?;", key).Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("read ledger: %w", err)
	}
	return true, nil
}

// MarkReported records key and reports whether it was newly recorded.
func (s *Store) MarkReported(ctx context.Context, key string) (bool, error) {
	if key == "" {
		return false, fmt.Errorf("ledger key is empty")
	}
	now := s.now().UTC().Format(timeFormat)
	res, err := s.db.ExecContext(ctx, `
INSERT INTO reported_messages(key, reported_at)
VALUES(?, ?)
ON CONFLICT(key) DO NOTHING;
`, key, now)
	if err != nil {
		return false, fmt.Errorf("mark reported: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("mark reported: %w", err)
	}
	return n == 1, nil
}

// Prune deletes entries recorded before cutoff and returns how many were removed.
func (s *Store) Prune(ctx context.Context, cutoff time.Time) (int, error) {
	res, err := s.db.ExecContext(ctx, "DELETE FROM reported_messages WHERE reported_at < ?;",
		cutoff.UTC().Format(timeFormat))
	if err != nil {
		return 0, fmt.Errorf("prune ledger: %w", err)
	}
	n, _ := res.RowsAffected()
	return int(n), nil
}

// Clear empties the ledger. Used when the bridge is reset.
func (s *Store) Clear(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, "DELETE FROM reported_messages;"); err != nil {
		return fmt.Errorf("clear ledger: %w", err)
	}
	return nil
}
