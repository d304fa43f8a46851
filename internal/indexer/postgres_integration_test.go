//go:build integration

package indexer

import (
	"context"
	"database/sql"
	"testing"

	_ "github.com/lib/pq" // PostgreSQL driver
	"github.com/testcontainers/testcontainers-go"
	tcpostgres "github.com/testcontainers/testcontainers-go/modules/postgres"

	"github.com/onnwee/diverge/migrations"
)

// setupTestDB starts a Postgres container and applies the migrations.
func setupTestDB(t *testing.T) *sql.DB {
	t.Helper()
	ctx := context.Background()

	container, err := tcpostgres.Run(ctx, "postgres:16-alpine",
		tcpostgres.WithDatabase("diverge"),
		tcpostgres.WithUsername("diverge"),
		tcpostgres.WithPassword("diverge"),
		tcpostgres.BasicWaitStrategies(),
	)
	if err != nil {
		t.Fatalf("failed to start postgres container: %v", err)
	}
	t.Cleanup(func() { _ = testcontainers.TerminateContainer(container) })

	dsn, err := container.ConnectionString(ctx, "sslmode=disable")
	if err != nil {
		t.Fatalf("failed to get connection string: %v", err)
	}
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		t.Fatalf("failed to open database: %v", err)
	}
	t.Cleanup(func() { db.Close() })

	if err := db.PingContext(ctx); err != nil {
		t.Fatalf("failed to ping database: %v", err)
	}
	if err := migrations.Up(ctx, db); err != nil {
		t.Fatalf("failed to apply migrations: %v", err)
	}
	return db
}

func TestPostgresRepository(t *testing.T) {
	db := setupTestDB(t)
	testRepositoryContract(t, NewPostgresRepository(db, newTestLogger()))
}

func TestPostgresRepository_ProcessorBackfill(t *testing.T) {
	db := setupTestDB(t)
	repo := NewPostgresRepository(db, newTestLogger())
	p := NewProcessor(repo, newFakeSource(10), nil, newTestLogger())
	ctx := context.Background()

	if err := p.Apply(ctx, testSession(10)); err != nil {
		t.Fatalf("Apply(10) error = %v", err)
	}
	if err := p.Apply(ctx, testSession(4)); err != nil {
		t.Fatalf("Apply(4) error = %v", err)
	}

	var count int
	if err := db.QueryRowContext(ctx, `SELECT COUNT(*) FROM sessions`).Scan(&count); err != nil {
		t.Fatalf("count sessions: %v", err)
	}
	if count != 10 {
		t.Errorf("sessions = %d, want 10", count)
	}
	if seq, _ := repo.GetLastSequence(ctx); seq != 10 {
		t.Errorf("cursor = %d, want 10", seq)
	}
}

func TestPostgresSequenceTracker(t *testing.T) {
	db := setupTestDB(t)
	tracker := NewPostgresSequenceTracker(db, newTestLogger())
	ctx := context.Background()

	for _, tt := range []struct {
		update, want int64
	}{
		{100, 100},
		{50, 100},
		{200, 200},
	} {
		if err := tracker.UpdateSequence(ctx, tt.update); err != nil {
			t.Fatalf("UpdateSequence(%d) error = %v", tt.update, err)
		}
		got, err := tracker.GetLastSequence(ctx)
		if err != nil {
			t.Fatalf("GetLastSequence() error = %v", err)
		}
		if got != tt.want {
			t.Errorf("after UpdateSequence(%d) cursor = %d, want %d", tt.update, got, tt.want)
		}
	}
}
