package ledger

import (
	"context"
	"errors"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/onnwee/diverge/internal/audit"
	"github.com/onnwee/diverge/internal/auth"
	"github.com/onnwee/diverge/internal/kv"
	"github.com/onnwee/diverge/internal/pseudonym"
)

const audience = "diverge-test"

func newSigner(t *testing.T) *auth.Signer {
	t.Helper()
	_, key, err := auth.GenerateKey()
	if err != nil {
		t.Fatalf("GenerateKey() error = %v", err)
	}
	return auth.NewSigner(key, audience)
}

func withProof(t *testing.T, s *auth.Signer, op string) context.Context {
	t.Helper()
	token, err := s.Proof(op)
	if err != nil {
		t.Fatalf("Proof() error = %v", err)
	}
	return auth.WithProof(context.Background(), token)
}

func TestLedger_RequiresProofs(t *testing.T) {
	admin := newSigner(t)
	provider := newSigner(t)
	intruder := newSigner(t)

	trail := audit.NewInMemoryRepository()
	metrics := NewMetrics()
	l := New(kv.NewMemoryStore(), auth.NewProofVerifier(audience, auth.DefaultLeeway),
		WithAuditLog(trail),
		WithMetrics(metrics),
	)

	if err := l.Initialize(context.Background(), admin.Identity(), pseudonym.Salt{}); err != nil {
		t.Fatalf("Initialize() error = %v", err)
	}

	t.Run("admin change without proof", func(t *testing.T) {
		err := l.SetProviderAuthorization(context.Background(), provider.Identity(), true)
		if !errors.Is(err, ErrUnauthorized) {
			t.Errorf("SetProviderAuthorization() error = %v, want ErrUnauthorized", err)
		}
	})

	t.Run("admin change signed by someone else", func(t *testing.T) {
		ctx := withProof(t, intruder, auth.OpSetProviderAuthorization)
		err := l.SetProviderAuthorization(ctx, provider.Identity(), true)
		if !errors.Is(err, ErrUnauthorized) {
			t.Errorf("SetProviderAuthorization() error = %v, want ErrUnauthorized", err)
		}
	})

	t.Run("admin proof for the wrong operation", func(t *testing.T) {
		ctx := withProof(t, admin, auth.OpRecordSession)
		err := l.SetProviderAuthorization(ctx, provider.Identity(), true)
		if !errors.Is(err, ErrUnauthorized) {
			t.Errorf("SetProviderAuthorization() error = %v, want ErrUnauthorized", err)
		}
	})

	if ok, _ := l.IsAuthorized(context.Background(), provider.Identity()); ok {
		t.Fatal("provider authorized by rejected calls")
	}

	ctx := withProof(t, admin, auth.OpSetProviderAuthorization)
	if err := l.SetProviderAuthorization(ctx, provider.Identity(), true); err != nil {
		t.Fatalf("SetProviderAuthorization() with admin proof error = %v", err)
	}

	in := SessionInput{
		Provider:        provider.Identity(),
		BeneficiaryName: []byte("Juan Perez"),
		BeneficiaryPin:  []byte("1234"),
		Kind:            "KINESIO",
		Status:          "OK",
		YearMonth:       202512,
	}

	t.Run("record without proof", func(t *testing.T) {
		if _, err := l.RecordSession(context.Background(), in); !errors.Is(err, ErrUnauthorized) {
			t.Errorf("RecordSession() error = %v, want ErrUnauthorized", err)
		}
	})

	t.Run("record with another identity's proof", func(t *testing.T) {
		ctx := withProof(t, intruder, auth.OpRecordSession)
		if _, err := l.RecordSession(ctx, in); !errors.Is(err, ErrUnauthorized) {
			t.Errorf("RecordSession() error = %v, want ErrUnauthorized", err)
		}
	})

	ctx = withProof(t, provider, auth.OpRecordSession)
	id, err := l.RecordSession(ctx, in)
	if err != nil || id != 1 {
		t.Fatalf("RecordSession() = %d, %v; want 1, nil", id, err)
	}

	t.Run("proof cannot be replayed", func(t *testing.T) {
		if _, err := l.RecordSession(ctx, in); !errors.Is(err, ErrUnauthorized) {
			t.Errorf("replayed RecordSession() error = %v, want ErrUnauthorized", err)
		}
	})

	t.Run("metrics", func(t *testing.T) {
		if got := testutil.ToFloat64(metrics.sessionsRecorded.WithLabelValues("KINESIO")); got != 1 {
			t.Errorf("%s{kind=KINESIO} = %v, want 1", MetricSessionsRecorded, got)
		}
		if got := testutil.ToFloat64(metrics.recordFailures.WithLabelValues(ReasonUnauthorized)); got != 3 {
			t.Errorf("%s{reason=unauthorized} = %v, want 3", MetricRecordFailures, got)
		}
		if got := testutil.ToFloat64(metrics.adminActions.WithLabelValues(audit.ActionProviderAuthorized, audit.OutcomeDenied)); got != 3 {
			t.Errorf("%s{denied} = %v, want 3", MetricAdminActions, got)
		}
	})

	t.Run("audit trail", func(t *testing.T) {
		entries, err := trail.All(context.Background())
		if err != nil {
			t.Fatalf("All() error = %v", err)
		}
		var actions []string
		for _, e := range entries {
			actions = append(actions, e.Action)
		}
		want := []string{
			audit.ActionInitialize,
			audit.ActionUnauthorized,
			audit.ActionUnauthorized,
			audit.ActionUnauthorized,
			audit.ActionProviderAuthorized,
		}
		if len(actions) != len(want) {
			t.Fatalf("audit actions = %v, want %v", actions, want)
		}
		for i := range want {
			if actions[i] != want[i] {
				t.Errorf("audit action %d = %q, want %q", i, actions[i], want[i])
			}
		}
		for _, e := range entries {
			wantActor := string(admin.Identity())
			if e.Outcome == audit.OutcomeDenied {
				wantActor = audit.ActorUnknown
			}
			if e.Actor != wantActor {
				t.Errorf("%s entry actor = %q, want %q", e.Action, e.Actor, wantActor)
			}
		}
		if err := audit.Verify(entries); err != nil {
			t.Errorf("Verify() error = %v", err)
		}
	})
}

func TestLedger_AuthorizeAdmin(t *testing.T) {
	admin := newSigner(t)
	l := New(kv.NewMemoryStore(), auth.NewProofVerifier(audience, auth.DefaultLeeway))

	if err := l.AuthorizeAdmin(context.Background(), auth.OpExportAudit); !errors.Is(err, ErrNotInitialized) {
		t.Errorf("AuthorizeAdmin() before init error = %v, want ErrNotInitialized", err)
	}
	if err := l.Initialize(context.Background(), admin.Identity(), pseudonym.Salt{}); err != nil {
		t.Fatalf("Initialize() error = %v", err)
	}
	if err := l.AuthorizeAdmin(context.Background(), auth.OpExportAudit); !errors.Is(err, ErrUnauthorized) {
		t.Errorf("AuthorizeAdmin() without proof error = %v, want ErrUnauthorized", err)
	}
	if err := l.AuthorizeAdmin(withProof(t, admin, auth.OpExportAudit), auth.OpExportAudit); err != nil {
		t.Errorf("AuthorizeAdmin() with proof error = %v", err)
	}
}

func TestMetrics_Register(t *testing.T) {
	m := NewMetrics()
	reg := prometheus.NewRegistry()
	if err := m.Register(reg); err != nil {
		t.Fatalf("Register() error = %v", err)
	}
	if err := m.Register(reg); err == nil {
		t.Error("second Register() returned nil error")
	}

	var nilMetrics *Metrics
	nilMetrics.IncSessionsRecorded("KINESIO")
	nilMetrics.IncRecordFailures(ReasonStore)
	nilMetrics.ObserveRecordDuration(0.1)
}
