// Package migrations holds the indexer's Postgres schema as numbered
// up/down SQL files.
package migrations

import (
	"context"
	"database/sql"
	"embed"
	"fmt"
	"io/fs"
	"sort"
	"strings"
)

//go:embed *.sql
var files embed.FS

// Up applies every *.up.sql file in order. The statements are idempotent.
func Up(ctx context.Context, db *sql.DB) error {
	return apply(ctx, db, ".up.sql", false)
}

// Down applies every *.down.sql file in reverse order.
func Down(ctx context.Context, db *sql.DB) error {
	return apply(ctx, db, ".down.sql", true)
}

func apply(ctx context.Context, db *sql.DB, suffix string, reverse bool) error {
	names, err := fs.Glob(files, "*"+suffix)
	if err != nil {
		return err
	}
	sort.Strings(names)
	if reverse {
		sort.Sort(sort.Reverse(sort.StringSlice(names)))
	}

	for _, name := range names {
		body, err := files.ReadFile(name)
		if err != nil {
			return err
		}
		if _, err := db.ExecContext(ctx, string(body)); err != nil {
			return fmt.Errorf("migration %s: %w", strings.TrimSuffix(name, suffix), err)
		}
	}
	return nil
}
