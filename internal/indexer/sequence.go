package indexer

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
)

// SequenceTracker manages the cursor: the highest session id below which every
// session has been indexed. Ids are gap-free, so the next expected session is
// always cursor+1.
type SequenceTracker interface {
	// GetLastSequence retrieves the cursor. Returns 0 if nothing has been
	// indexed yet.
	GetLastSequence(ctx context.Context) (int64, error)

	// UpdateSequence raises the cursor to sequence. Lower values are ignored.
	UpdateSequence(ctx context.Context, sequence int64) error
}

// querier is satisfied by *sql.DB and *sql.Tx.
type querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

const (
	selectCursorSQL = `SELECT cursor FROM indexer_state WHERE id = 1`

	// GREATEST keeps the cursor monotonic under replays.
	upsertCursorSQL = `
		INSERT INTO indexer_state (id, cursor, last_updated) VALUES (1, $1, NOW())
		ON CONFLICT (id) DO UPDATE
		SET cursor = GREATEST(indexer_state.cursor, EXCLUDED.cursor), last_updated = NOW()`
)

func lastSequence(ctx context.Context, q querier) (int64, error) {
	var cursor int64
	err := q.QueryRowContext(ctx, selectCursorSQL).Scan(&cursor)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("failed to get last sequence: %w", err)
	}
	return cursor, nil
}

func advanceSequence(ctx context.Context, q querier, sequence int64) error {
	if _, err := q.ExecContext(ctx, upsertCursorSQL, sequence); err != nil {
		return fmt.Errorf("failed to update sequence: %w", err)
	}
	return nil
}

// PostgresSequenceTracker implements SequenceTracker using the indexer_state table.
type PostgresSequenceTracker struct {
	db     *sql.DB
	logger *slog.Logger
}

// NewPostgresSequenceTracker creates a new PostgresSequenceTracker.
func NewPostgresSequenceTracker(db *sql.DB, logger *slog.Logger) *PostgresSequenceTracker {
	if logger == nil {
		logger = slog.Default()
	}
	return &PostgresSequenceTracker{
		db:     db,
		logger: logger,
	}
}

// GetLastSequence retrieves the last processed cursor from the database.
func (t *PostgresSequenceTracker) GetLastSequence(ctx context.Context) (int64, error) {
	return lastSequence(ctx, t.db)
}

// UpdateSequence updates the cursor in the database.
func (t *PostgresSequenceTracker) UpdateSequence(ctx context.Context, sequence int64) error {
	if err := advanceSequence(ctx, t.db, sequence); err != nil {
		return err
	}
	t.logger.Debug("updated sequence cursor", slog.Int64("cursor", sequence))
	return nil
}
