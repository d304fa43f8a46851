// Package ledger records that authorized providers delivered services to
// beneficiaries who are only known by a salted hash, and keeps per
// beneficiary monthly usage counters next to the session records.
//
// All state lives in a kv.Store. Every state change is made in a single store
// transaction, so a failed operation leaves nothing behind and concurrent
// recordings never share a session id.
package ledger

import (
	"context"
	"log/slog"
	"time"

	"github.com/onnwee/diverge/internal/audit"
	"github.com/onnwee/diverge/internal/auth"
	"github.com/onnwee/diverge/internal/kv"
	"github.com/onnwee/diverge/internal/tracing"
)

// Record retention window in ledgers. A ledger is one tick of the ledger
// clock and lasts DefaultLedgerInterval unless configured otherwise.
const (
	RecordRetentionThreshold = 530_000
	RecordRetentionExtendTo  = 535_680

	DefaultLedgerInterval = 5 * time.Second
)

// RetentionPolicy holds the lifetimes applied to each namespace.
//
// The instance namespace must never expire: losing the config would reopen
// Initialize and losing the counter would hand out session ids again.
type RetentionPolicy struct {
	Instance kv.Retention // config and session counter
	Provider kv.Retention // active provider authorizations
	Record   kv.Retention // sessions and monthly aggregates
}

// DefaultRetention keeps the config, the counter and active providers for
// good and converts the record window to durations.
func DefaultRetention(interval time.Duration) RetentionPolicy {
	if interval <= 0 {
		interval = DefaultLedgerInterval
	}
	return RetentionPolicy{
		Instance: kv.Persistent,
		Provider: kv.Persistent,
		Record: kv.Retention{
			Threshold: RecordRetentionThreshold * interval,
			ExtendTo:  RecordRetentionExtendTo * interval,
		},
	}
}

// DefaultTTL is the lifetime a store should give new ledger keys. Keys that
// must outlive it are extended by the policy.
func (p RetentionPolicy) DefaultTTL() time.Duration {
	return p.Record.ExtendTo
}

// Clock supplies the ledger time stamped on sessions.
type Clock interface {
	Now() time.Time
}

// ClockFunc adapts a function to Clock.
type ClockFunc func() time.Time

// Now implements Clock.
func (f ClockFunc) Now() time.Time { return f() }

// Publisher receives an Event after each committed session.
type Publisher interface {
	Publish(ctx context.Context, ev Event) error
}

// Ledger is the service-delivery ledger.
type Ledger struct {
	store     kv.Store
	backend   string
	verifier  auth.Verifier
	publisher Publisher
	auditLog  audit.Repository
	clock     Clock
	retention RetentionPolicy
	metrics   *Metrics
	logger    *slog.Logger
}

// Option configures a Ledger.
type Option func(*Ledger)

// WithPublisher sets the event sink. Without one events are dropped.
func WithPublisher(p Publisher) Option {
	return func(l *Ledger) { l.publisher = p }
}

// WithAuditLog records administrative actions to repo.
func WithAuditLog(repo audit.Repository) Option {
	return func(l *Ledger) { l.auditLog = repo }
}

// WithClock overrides the ledger clock.
func WithClock(c Clock) Option {
	return func(l *Ledger) {
		if c != nil {
			l.clock = c
		}
	}
}

// WithRetention overrides the retention policy.
func WithRetention(p RetentionPolicy) Option {
	return func(l *Ledger) { l.retention = p }
}

// WithMetrics sets the metrics sink.
func WithMetrics(m *Metrics) Option {
	return func(l *Ledger) { l.metrics = m }
}

// WithLogger sets the logger. Defaults to slog.Default().
func WithLogger(logger *slog.Logger) Option {
	return func(l *Ledger) {
		if logger != nil {
			l.logger = logger
		}
	}
}

// New creates a Ledger over store. verifier decides whether callers have
// proven control of identities.
func New(store kv.Store, verifier auth.Verifier, opts ...Option) *Ledger {
	l := &Ledger{
		store:     store,
		backend:   kv.BackendName(store),
		verifier:  verifier,
		clock:     ClockFunc(time.Now),
		retention: DefaultRetention(DefaultLedgerInterval),
		logger:    slog.Default(),
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

func (l *Ledger) view(ctx context.Context, fn func(kv.Reader) error) (err error) {
	ctx, end := tracing.StartStoreSpan(ctx, l.backend, "view")
	defer func() { end(err) }()
	return l.store.View(ctx, fn)
}

func (l *Ledger) update(ctx context.Context, fn func(kv.Txn) error) (err error) {
	ctx, end := tracing.StartStoreSpan(ctx, l.backend, "update")
	defer func() { end(err) }()
	return l.store.Update(ctx, fn)
}

// loadConfig reads the system config or returns ErrNotInitialized.
func loadConfig(r kv.Reader) (SystemConfig, error) {
	var cfg SystemConfig
	found, err := kv.GetValue(r, keyConfig, &cfg)
	if err != nil {
		return SystemConfig{}, err
	}
	if !found {
		return SystemConfig{}, ErrNotInitialized
	}
	return cfg, nil
}

// recordAudit appends to the audit trail. The trail is advisory: a failure is
// logged and counted but never undoes a committed action.
func (l *Ledger) recordAudit(ctx context.Context, entry audit.LogEntry) {
	if l.auditLog == nil {
		return
	}
	if _, err := audit.Record(ctx, l.auditLog, entry); err != nil {
		l.metrics.IncAuditFailures()
		l.logger.ErrorContext(ctx, "failed to write audit entry",
			slog.String("action", entry.Action),
			slog.String("actor", entry.Actor),
			slog.String("error", err.Error()),
		)
	}
}
