package ledger

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/onnwee/diverge/internal/audit"
	"github.com/onnwee/diverge/internal/auth"
	"github.com/onnwee/diverge/internal/kv"
	"github.com/onnwee/diverge/internal/pseudonym"
	"github.com/onnwee/diverge/internal/tracing"
)

// Initialize stores the admin identity and the salt and zeroes the session
// counter. It succeeds exactly once per store.
func (l *Ledger) Initialize(ctx context.Context, admin auth.Identity, salt pseudonym.Salt) (err error) {
	ctx, end := tracing.StartSpan(ctx, "ledger.initialize")
	defer func() { end(err) }()

	if err := admin.Validate(); err != nil {
		return fmt.Errorf("%w: admin: %v", ErrInvalidInput, err)
	}

	err = l.update(ctx, func(tx kv.Txn) error {
		exists, err := tx.Has(keyConfig)
		if err != nil {
			return err
		}
		if exists {
			return ErrAlreadyInitialized
		}

		if err := kv.SetValue(tx, keyConfig, SystemConfig{Admin: admin, Salt: salt}); err != nil {
			return err
		}
		if err := kv.SetValue(tx, keySessionCount, uint32(0)); err != nil {
			return err
		}
		if err := tx.Extend(keyConfig, l.retention.Instance); err != nil {
			return err
		}
		return tx.Extend(keySessionCount, l.retention.Instance)
	})
	if err != nil {
		if errors.Is(err, ErrAlreadyInitialized) {
			l.metrics.IncAdminActions(audit.ActionInitialize, audit.OutcomeDenied)
		}
		return err
	}

	l.metrics.IncAdminActions(audit.ActionInitialize, audit.OutcomeSuccess)
	l.logger.InfoContext(ctx, "ledger initialized", slog.String("admin", string(admin)))
	l.recordAudit(ctx, audit.LogEntry{
		Actor:   string(admin),
		Action:  audit.ActionInitialize,
		Target:  keyConfig,
		Outcome: audit.OutcomeSuccess,
	})
	return nil
}

// SetProviderAuthorization grants or revokes a provider's right to record
// sessions. The caller must prove control of the admin identity.
func (l *Ledger) SetProviderAuthorization(ctx context.Context, provider auth.Identity, active bool) (err error) {
	ctx, end := tracing.StartSpan(ctx, "ledger.set_provider_authorization")
	defer func() { end(err) }()

	if err := provider.Validate(); err != nil {
		return fmt.Errorf("%w: provider: %v", ErrInvalidInput, err)
	}

	action := audit.ActionProviderDeauthorized
	if active {
		action = audit.ActionProviderAuthorized
	}

	// The admin is immutable once written, so it can be checked before the
	// write transaction starts; a verifier may consume the proof and must only
	// see it once even if the transaction is retried.
	var cfg SystemConfig
	err = l.view(ctx, func(r kv.Reader) error {
		var err error
		cfg, err = loadConfig(r)
		return err
	})
	if err != nil {
		return err
	}
	if !l.verifier.Authorized(ctx, cfg.Admin, auth.OpSetProviderAuthorization) {
		l.metrics.IncAdminActions(action, audit.OutcomeDenied)
		l.logger.WarnContext(ctx, "provider authorization change rejected",
			slog.String("provider", string(provider)),
		)
		l.recordAudit(ctx, audit.LogEntry{
			Actor:   audit.ActorUnknown,
			Action:  audit.ActionUnauthorized,
			Target:  providerKey(provider),
			Outcome: audit.OutcomeDenied,
		})
		return ErrUnauthorized
	}

	key := providerKey(provider)
	err = l.update(ctx, func(tx kv.Txn) error {
		if _, err := loadConfig(tx); err != nil {
			return err
		}
		if err := kv.SetValue(tx, key, active); err != nil {
			return err
		}
		if active {
			return tx.Extend(key, l.retention.Provider)
		}
		return nil
	})
	if err != nil {
		return err
	}

	l.metrics.IncAdminActions(action, audit.OutcomeSuccess)
	l.logger.InfoContext(ctx, "provider authorization changed",
		slog.String("provider", string(provider)),
		slog.Bool("active", active),
	)
	l.recordAudit(ctx, audit.LogEntry{
		Actor:   string(cfg.Admin),
		Action:  action,
		Target:  key,
		Outcome: audit.OutcomeSuccess,
	})
	return nil
}

// Admin returns the admin identity, or ErrNotInitialized.
func (l *Ledger) Admin(ctx context.Context) (auth.Identity, error) {
	var cfg SystemConfig
	err := l.view(ctx, func(r kv.Reader) error {
		var err error
		cfg, err = loadConfig(r)
		return err
	})
	if err != nil {
		return "", err
	}
	return cfg.Admin, nil
}

// AuthorizeAdmin reports ErrUnauthorized unless the caller in ctx has proven
// control of the admin identity for op. It lets outer layers guard
// administrative reads with the same proofs the ledger uses.
func (l *Ledger) AuthorizeAdmin(ctx context.Context, op string) error {
	admin, err := l.Admin(ctx)
	if err != nil {
		return err
	}
	if !l.verifier.Authorized(ctx, admin, op) {
		return ErrUnauthorized
	}
	return nil
}
