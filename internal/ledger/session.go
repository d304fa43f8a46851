package ledger

import (
	"context"
	"errors"
	"log/slog"
	"math"
	"time"

	"github.com/onnwee/diverge/internal/auth"
	"github.com/onnwee/diverge/internal/kv"
	"github.com/onnwee/diverge/internal/pseudonym"
	"github.com/onnwee/diverge/internal/tracing"
)

var (
	// errCounterExhausted is returned once every uint32 session id is taken.
	errCounterExhausted = errors.New("ledger: session counter exhausted")

	// errSessionExists is returned when the next id already holds a session.
	errSessionExists = errors.New("ledger: session id already in use")
)

// RecordSession records a service delivery and returns its sequence id.
//
// The provider must have proven control of its identity and be authorized.
// The beneficiary is pseudonymized with the stored salt; the session, the
// monthly aggregate and the counter are written in one transaction, and the
// new_session event is published only after that transaction commits.
func (l *Ledger) RecordSession(ctx context.Context, in SessionInput) (id uint32, err error) {
	start := time.Now()
	ctx, end := tracing.StartSpan(ctx, "ledger.record_session")
	defer func() {
		end(err)
		l.metrics.ObserveRecordDuration(time.Since(start).Seconds())
		if err != nil {
			l.metrics.IncRecordFailures(failureReason(err))
		}
	}()

	if err := in.validate(); err != nil {
		return 0, err
	}
	if !l.verifier.Authorized(ctx, in.Provider, auth.OpRecordSession) {
		return 0, ErrUnauthorized
	}

	var session Session
	err = l.update(ctx, func(tx kv.Txn) error {
		var active bool
		if _, err := kv.GetValue(tx, providerKey(in.Provider), &active); err != nil {
			return err
		}
		if !active {
			return ErrProviderNotAuthorized
		}

		cfg, err := loadConfig(tx)
		if err != nil {
			return err
		}
		bid := pseudonym.Derive(cfg.Salt, in.BeneficiaryName, in.BeneficiaryPin)

		var count uint32
		if _, err := kv.GetValue(tx, keySessionCount, &count); err != nil {
			return err
		}
		if count == math.MaxUint32 {
			return errCounterExhausted
		}
		count++

		session = Session{
			ID:            count,
			BeneficiaryID: bid,
			Provider:      in.Provider,
			Timestamp:     uint64(l.clock.Now().Unix()),
			Kind:          in.Kind,
			Status:        in.Status,
			YearMonth:     in.YearMonth,
		}
		sk := sessionKey(count)
		taken, err := tx.Has(sk)
		if err != nil {
			return err
		}
		if taken {
			return errSessionExists
		}
		if err := kv.SetValue(tx, sk, session); err != nil {
			return err
		}
		if err := tx.Extend(sk, l.retention.Record); err != nil {
			return err
		}

		mk := monthlyKey(bid, in.YearMonth, in.Kind)
		var monthly uint32
		if _, err := kv.GetValue(tx, mk, &monthly); err != nil {
			return err
		}
		if err := kv.SetValue(tx, mk, monthly+1); err != nil {
			return err
		}
		if err := tx.Extend(mk, l.retention.Record); err != nil {
			return err
		}

		return kv.SetValue(tx, keySessionCount, count)
	})
	if err != nil {
		return 0, err
	}

	tracing.SetAttributes(ctx,
		tracing.AttrSessionID.Int64(int64(session.ID)),
		tracing.AttrKind.String(string(session.Kind)),
	)
	l.metrics.IncSessionsRecorded(string(session.Kind))
	l.logger.InfoContext(ctx, "session recorded",
		slog.Uint64("session_id", uint64(session.ID)),
		slog.String("beneficiary_id", session.BeneficiaryID.String()),
		slog.String("provider", string(session.Provider)),
		slog.String("kind", string(session.Kind)),
		slog.String("status", string(session.Status)),
	)
	l.publish(ctx, session)

	return session.ID, nil
}

// publish emits the new_session event. The session is already committed, so
// a failure here is logged and counted, not returned.
func (l *Ledger) publish(ctx context.Context, s Session) {
	if l.publisher == nil {
		return
	}
	ev := Event{Topic: TopicNewSession, Kind: s.Kind, Session: s}
	if err := l.publisher.Publish(ctx, ev); err != nil {
		l.metrics.IncEventPublishFailures()
		l.logger.ErrorContext(ctx, "failed to publish session event",
			slog.Uint64("session_id", uint64(s.ID)),
			slog.String("error", err.Error()),
		)
	}
}

// GetSession returns the session with the given id.
func (l *Ledger) GetSession(ctx context.Context, id uint32) (Session, error) {
	var s Session
	err := l.view(ctx, func(r kv.Reader) error {
		found, err := kv.GetValue(r, sessionKey(id), &s)
		if err != nil {
			return err
		}
		if !found {
			return ErrSessionNotFound
		}
		return nil
	})
	if err != nil {
		return Session{}, err
	}
	return s, nil
}

// SessionCount returns the id of the most recent session, which is also the
// number of sessions ever recorded.
func (l *Ledger) SessionCount(ctx context.Context) (uint32, error) {
	var count uint32
	err := l.view(ctx, func(r kv.Reader) error {
		if _, err := loadConfig(r); err != nil {
			return err
		}
		_, err := kv.GetValue(r, keySessionCount, &count)
		return err
	})
	if err != nil {
		return 0, err
	}
	return count, nil
}

func failureReason(err error) string {
	switch {
	case errors.Is(err, ErrInvalidInput):
		return ReasonInvalidInput
	case errors.Is(err, ErrUnauthorized):
		return ReasonUnauthorized
	case errors.Is(err, ErrProviderNotAuthorized):
		return ReasonProviderNotAuthorized
	case errors.Is(err, ErrNotInitialized):
		return ReasonNotInitialized
	default:
		return ReasonStore
	}
}
