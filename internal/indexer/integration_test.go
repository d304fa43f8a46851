package indexer

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/onnwee/diverge/internal/auth"
	"github.com/onnwee/diverge/internal/event"
	"github.com/onnwee/diverge/internal/kv"
	"github.com/onnwee/diverge/internal/ledger"
	"github.com/onnwee/diverge/internal/pseudonym"
)

// ledgerServer exposes a ledger's event stream and session lookup the way
// the API does.
func ledgerServer(t *testing.T, l *ledger.Ledger, b *event.Broadcaster) *httptest.Server {
	t.Helper()
	upgrader := websocket.Upgrader{}

	mux := http.NewServeMux()
	mux.HandleFunc("GET /v1/events", func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		b.Subscribe(conn)
		defer func() {
			b.Unsubscribe(conn)
			conn.Close()
		}()
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	})
	mux.HandleFunc("GET /v1/sessions/{id}", func(w http.ResponseWriter, r *http.Request) {
		id, err := strconv.ParseUint(r.PathValue("id"), 10, 32)
		if err != nil {
			http.Error(w, "bad id", http.StatusBadRequest)
			return
		}
		s, err := l.GetSession(r.Context(), uint32(id))
		if errors.Is(err, ledger.ErrSessionNotFound) {
			http.NotFound(w, r)
			return
		}
		if err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		_ = json.NewEncoder(w).Encode(s)
	})

	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return srv
}

func waitForCursor(t *testing.T, repo Repository, want int64) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for {
		seq, err := repo.GetLastSequence(context.Background())
		if err == nil && seq == want {
			return
		}
		if time.Now().After(deadline) {
			t.Fatalf("cursor = %d, want %d", seq, want)
		}
		time.Sleep(10 * time.Millisecond)
	}
}

// TestIntegration_LedgerToProjection records sessions on a live ledger,
// some before the indexer connects, and checks the projection converges.
func TestIntegration_LedgerToProjection(t *testing.T) {
	ctx := context.Background()
	b := event.NewBroadcaster(newTestLogger())
	l := ledger.New(kv.NewMemoryStore(), auth.AllowAll,
		ledger.WithPublisher(b),
		ledger.WithLogger(newTestLogger()),
	)

	admin, _, _ := auth.GenerateKey()
	provider, _, _ := auth.GenerateKey()
	if err := l.Initialize(ctx, admin, pseudonym.Salt{}); err != nil {
		t.Fatalf("Initialize() error = %v", err)
	}
	if err := l.SetProviderAuthorization(ctx, provider, true); err != nil {
		t.Fatalf("SetProviderAuthorization() error = %v", err)
	}

	record := func(kind ledger.Tag) {
		t.Helper()
		_, err := l.RecordSession(ctx, ledger.SessionInput{
			Provider:        provider,
			BeneficiaryName: []byte("Juan Perez"),
			BeneficiaryPin:  []byte("1234"),
			Kind:            kind,
			Status:          "OK",
			YearMonth:       202512,
		})
		if err != nil {
			t.Fatalf("RecordSession() error = %v", err)
		}
	}

	// Recorded before the indexer is listening: only reachable by catch-up.
	record("KINESIO")
	record("KINESIO")

	srv := ledgerServer(t, l, b)
	repo := NewInMemoryRepository()
	metrics := NewMetrics()
	processor := NewProcessor(repo, NewHTTPSessionSource(srv.URL, srv.Client()), metrics, newTestLogger())

	caughtUp := make(chan struct{}, 1)
	catchUp := processor.ConnectHook()
	hook := func(ctx context.Context) error {
		err := catchUp(ctx)
		select {
		case caughtUp <- struct{}{}:
		default:
		}
		return err
	}

	client, err := NewClient(testConfig("ws"+strings.TrimPrefix(srv.URL, "http")+"/v1/events"),
		processor.HandleMessage, newTestLogger(),
		WithConnectHook(hook),
		WithClientMetrics(metrics),
	)
	if err != nil {
		t.Fatalf("NewClient() error = %v", err)
	}

	runCtx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = client.Run(runCtx)
	}()
	defer func() {
		cancel()
		<-done
	}()

	select {
	case <-caughtUp:
	case <-time.After(3 * time.Second):
		t.Fatal("indexer never connected")
	}
	waitForCursor(t, repo, 2)
	if b.ConnectionCount() != 1 {
		t.Fatalf("ConnectionCount() = %d, want 1", b.ConnectionCount())
	}

	record("PSICO")
	waitForCursor(t, repo, 3)

	stats, err := repo.MonthlyStats(ctx, 202512)
	if err != nil {
		t.Fatalf("MonthlyStats() error = %v", err)
	}
	if stats.Total != 3 || stats.Kinds["KINESIO"] != 2 || stats.Kinds["PSICO"] != 1 {
		t.Errorf("MonthlyStats() = %+v", stats)
	}

	for id := uint32(1); id <= 3; id++ {
		want, _ := l.GetSession(ctx, id)
		got, err := repo.GetSession(ctx, id)
		if err != nil {
			t.Fatalf("GetSession(%d) error = %v", id, err)
		}
		if got != want {
			t.Errorf("projection of session %d = %+v, want %+v", id, got, want)
		}
	}
	if v := getCounterValue(metrics.sessionsBackfilled); v != 2 {
		t.Errorf("sessionsBackfilled = %v, want 2", v)
	}
}
