package indexer

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"

	"github.com/onnwee/diverge/internal/auth"
	"github.com/onnwee/diverge/internal/ledger"
	"github.com/onnwee/diverge/internal/tracing"
)

// ErrSessionNotIndexed is returned when a session is not in the projection.
var ErrSessionNotIndexed = errors.New("session not indexed")

// MonthlyStats counts the sessions of one month per kind, across all
// beneficiaries.
type MonthlyStats struct {
	YearMonth ledger.YearMonth     `json:"year_month"`
	Kinds     map[ledger.Tag]int64 `json:"kinds"`
	Total     int64                `json:"total"`
}

// Repository stores the session projection.
type Repository interface {
	SequenceTracker

	// SaveSession stores s and raises the cursor to s.ID in one transaction.
	// Storing an id that already exists changes nothing and reports false.
	SaveSession(ctx context.Context, s ledger.Session) (bool, error)

	// GetSession returns an indexed session or ErrSessionNotIndexed.
	GetSession(ctx context.Context, id uint32) (ledger.Session, error)

	// MonthlyStats aggregates the sessions credited to ym.
	MonthlyStats(ctx context.Context, ym ledger.YearMonth) (MonthlyStats, error)
}

// PostgresRepository implements Repository on the sessions and
// indexer_state tables.
type PostgresRepository struct {
	*PostgresSequenceTracker
	db     *sql.DB
	logger *slog.Logger
}

// NewPostgresRepository creates a new PostgresRepository.
func NewPostgresRepository(db *sql.DB, logger *slog.Logger) *PostgresRepository {
	if logger == nil {
		logger = slog.Default()
	}
	return &PostgresRepository{
		PostgresSequenceTracker: NewPostgresSequenceTracker(db, logger),
		db:                      db,
		logger:                  logger,
	}
}

// SaveSession implements Repository.
func (r *PostgresRepository) SaveSession(ctx context.Context, s ledger.Session) (isNew bool, err error) {
	ctx, endSpan := tracing.StartDBSpan(ctx, "sessions", tracing.DBOperationInsert)
	defer func() { endSpan(err) }()

	tx, err := r.db.BeginTx(ctx, &sql.TxOptions{
		Isolation: sql.LevelReadCommitted,
	})
	if err != nil {
		return false, fmt.Errorf("failed to begin transaction: %w", err)
	}

	// Always attempt rollback on function exit (no-op after successful commit)
	defer func() {
		if err := tx.Rollback(); err != nil && !errors.Is(err, sql.ErrTxDone) {
			r.logger.Warn("failed to rollback transaction",
				slog.String("error", err.Error()))
		}
	}()

	res, err := tx.ExecContext(ctx, `
		INSERT INTO sessions (id, beneficiary_id, provider, ledger_timestamp, kind, status, year_month)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (id) DO NOTHING`,
		int64(s.ID), s.BeneficiaryID.String(), string(s.Provider), int64(s.Timestamp),
		string(s.Kind), string(s.Status), int64(s.YearMonth),
	)
	if err != nil {
		return false, fmt.Errorf("failed to insert session %d: %w", s.ID, err)
	}
	rows, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to get rows affected: %w", err)
	}

	if err := advanceSequence(ctx, tx, int64(s.ID)); err != nil {
		return false, err
	}

	if err := tx.Commit(); err != nil {
		return false, fmt.Errorf("failed to commit transaction: %w", err)
	}

	r.logger.Debug("session indexed",
		slog.Int64("session_id", int64(s.ID)),
		slog.String("kind", string(s.Kind)),
		slog.Bool("is_new", rows > 0))
	return rows > 0, nil
}

// GetSession implements Repository.
func (r *PostgresRepository) GetSession(ctx context.Context, id uint32) (_ ledger.Session, err error) {
	ctx, endSpan := tracing.StartDBSpan(ctx, "sessions", tracing.DBOperationQuery)
	defer func() { endSpan(err) }()

	var (
		s                          ledger.Session
		sid, ts, ym                int64
		bid, provider, kind, state string
	)
	err = r.db.QueryRowContext(ctx, `
		SELECT id, beneficiary_id, provider, ledger_timestamp, kind, status, year_month
		FROM sessions WHERE id = $1`, int64(id),
	).Scan(&sid, &bid, &provider, &ts, &kind, &state, &ym)
	if errors.Is(err, sql.ErrNoRows) {
		return ledger.Session{}, ErrSessionNotIndexed
	}
	if err != nil {
		return ledger.Session{}, fmt.Errorf("failed to get session %d: %w", id, err)
	}

	if err := s.BeneficiaryID.UnmarshalText([]byte(bid)); err != nil {
		return ledger.Session{}, fmt.Errorf("session %d: %w", id, err)
	}
	s.ID = uint32(sid)
	s.Provider = auth.Identity(provider)
	s.Timestamp = uint64(ts)
	s.Kind = ledger.Tag(kind)
	s.Status = ledger.Tag(state)
	s.YearMonth = ledger.YearMonth(ym)
	return s, nil
}

// MonthlyStats implements Repository.
func (r *PostgresRepository) MonthlyStats(ctx context.Context, ym ledger.YearMonth) (_ MonthlyStats, err error) {
	ctx, endSpan := tracing.StartDBSpan(ctx, "sessions", tracing.DBOperationQuery)
	defer func() { endSpan(err) }()

	rows, err := r.db.QueryContext(ctx, `
		SELECT kind, COUNT(*) FROM sessions
		WHERE year_month = $1
		GROUP BY kind`, int64(ym))
	if err != nil {
		return MonthlyStats{}, fmt.Errorf("failed to query monthly stats: %w", err)
	}
	defer rows.Close()

	stats := MonthlyStats{YearMonth: ym, Kinds: make(map[ledger.Tag]int64)}
	for rows.Next() {
		var (
			kind  string
			count int64
		)
		if err := rows.Scan(&kind, &count); err != nil {
			return MonthlyStats{}, fmt.Errorf("failed to scan monthly stats: %w", err)
		}
		stats.Kinds[ledger.Tag(kind)] = count
		stats.Total += count
	}
	if err := rows.Err(); err != nil {
		return MonthlyStats{}, fmt.Errorf("failed to iterate monthly stats: %w", err)
	}
	return stats, nil
}

// InMemoryRepository implements Repository in memory.
// This is useful for testing and development.
type InMemoryRepository struct {
	mu       sync.RWMutex
	sessions map[uint32]ledger.Session
	cursor   int64
}

// NewInMemoryRepository creates a new InMemoryRepository.
func NewInMemoryRepository() *InMemoryRepository {
	return &InMemoryRepository{
		sessions: make(map[uint32]ledger.Session),
	}
}

// GetLastSequence implements SequenceTracker.
func (r *InMemoryRepository) GetLastSequence(ctx context.Context) (int64, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.cursor, nil
}

// UpdateSequence implements SequenceTracker.
func (r *InMemoryRepository) UpdateSequence(ctx context.Context, sequence int64) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if sequence > r.cursor {
		r.cursor = sequence
	}
	return nil
}

// SaveSession implements Repository.
func (r *InMemoryRepository) SaveSession(ctx context.Context, s ledger.Session) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	_, exists := r.sessions[s.ID]
	if !exists {
		r.sessions[s.ID] = s
	}
	if int64(s.ID) > r.cursor {
		r.cursor = int64(s.ID)
	}
	return !exists, nil
}

// GetSession implements Repository.
func (r *InMemoryRepository) GetSession(ctx context.Context, id uint32) (ledger.Session, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.sessions[id]
	if !ok {
		return ledger.Session{}, ErrSessionNotIndexed
	}
	return s, nil
}

// MonthlyStats implements Repository.
func (r *InMemoryRepository) MonthlyStats(ctx context.Context, ym ledger.YearMonth) (MonthlyStats, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	stats := MonthlyStats{YearMonth: ym, Kinds: make(map[ledger.Tag]int64)}
	for _, s := range r.sessions {
		if s.YearMonth == ym {
			stats.Kinds[s.Kind]++
			stats.Total++
		}
	}
	return stats, nil
}

// IDs returns the indexed session ids in ascending order.
func (r *InMemoryRepository) IDs() []uint32 {
	r.mu.RLock()
	defer r.mu.RUnlock()
	ids := make([]uint32, 0, len(r.sessions))
	for id := range r.sessions {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}
