package indexer

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/onnwee/diverge/internal/ledger"
)

// Processor applies ledger events to a Repository. It is safe for concurrent
// use; events are applied one at a time.
type Processor struct {
	repo    Repository
	source  SessionSource
	metrics *Metrics
	logger  *slog.Logger

	mu sync.Mutex
}

// NewProcessor creates a Processor. source is used to fill gaps and may be
// nil, in which case a gap is an error.
func NewProcessor(repo Repository, source SessionSource, metrics *Metrics, logger *slog.Logger) *Processor {
	if logger == nil {
		logger = slog.Default()
	}
	return &Processor{
		repo:    repo,
		source:  source,
		metrics: metrics,
		logger:  logger,
	}
}

// HandleMessage is a MessageHandler. Messages that are not valid events are
// counted and skipped; storage failures are returned so the client
// reconnects and catches up.
func (p *Processor) HandleMessage(ctx context.Context, _ int, payload []byte) error {
	start := time.Now()

	var ev ledger.Event
	if err := json.Unmarshal(payload, &ev); err != nil {
		p.metrics.IncEventsError()
		p.logger.Warn("skipping undecodable event", slog.String("error", err.Error()))
		return nil
	}
	if ev.Topic != ledger.TopicNewSession {
		p.logger.Debug("ignoring event", slog.String("topic", ev.Topic))
		return nil
	}

	if err := p.Apply(ctx, ev.Session); err != nil {
		p.metrics.IncEventsError()
		return err
	}
	p.metrics.IncEventsProcessed()
	p.metrics.ObserveIngestLatency(time.Since(start).Seconds())
	return nil
}

// Apply stores s, first fetching every session between the cursor and s.ID.
// Sessions at or below the cursor are skipped.
func (p *Processor) Apply(ctx context.Context, s ledger.Session) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	cursor, err := p.repo.GetLastSequence(ctx)
	if err != nil {
		return err
	}
	if int64(s.ID) <= cursor {
		p.metrics.IncDuplicatesSkipped()
		p.logger.Debug("skipping duplicate session",
			slog.Int64("session_id", int64(s.ID)),
			slog.Int64("cursor", cursor))
		return nil
	}

	for id := cursor + 1; id < int64(s.ID); id++ {
		if err := p.backfill(ctx, uint32(id)); err != nil {
			return err
		}
	}
	return p.save(ctx, s)
}

// CatchUp fetches sessions after the cursor until the source has no more and
// returns how many were stored. It runs on every (re)connection so events
// missed while disconnected are not lost.
func (p *Processor) CatchUp(ctx context.Context) (int, error) {
	if p.source == nil {
		return 0, nil
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	cursor, err := p.repo.GetLastSequence(ctx)
	if err != nil {
		return 0, err
	}

	n := 0
	for id := cursor + 1; ; id++ {
		err := p.backfill(ctx, uint32(id))
		if errors.Is(err, ErrSessionUnavailable) {
			break
		}
		if err != nil {
			return n, err
		}
		n++
	}
	if n > 0 {
		p.logger.Info("caught up with ledger",
			slog.Int("sessions", n),
			slog.Int64("cursor", cursor+int64(n)))
	}
	return n, nil
}

// ConnectHook adapts CatchUp to a ConnectHook.
func (p *Processor) ConnectHook() ConnectHook {
	return func(ctx context.Context) error {
		_, err := p.CatchUp(ctx)
		return err
	}
}

func (p *Processor) backfill(ctx context.Context, id uint32) error {
	if p.source == nil {
		return fmt.Errorf("session %d missing and no source configured", id)
	}
	s, err := p.source.Session(ctx, id)
	if err != nil {
		return fmt.Errorf("backfill session %d: %w", id, err)
	}
	p.metrics.IncSessionsBackfilled()
	return p.save(ctx, s)
}

func (p *Processor) save(ctx context.Context, s ledger.Session) error {
	created, err := p.repo.SaveSession(ctx, s)
	if err != nil {
		return err
	}
	if created {
		p.metrics.IncSessionsIndexed()
	} else {
		p.metrics.IncDuplicatesSkipped()
	}
	return nil
}
