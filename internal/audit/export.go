package audit

import (
	"bytes"
	"context"
	"encoding/csv"
	"encoding/json"
	"fmt"
	"strconv"
	"time"
)

// ExportFormat defines supported export formats.
type ExportFormat string

const (
	// ExportFormatCSV exports entries as comma-separated values.
	ExportFormatCSV ExportFormat = "csv"
	// ExportFormatJSON exports entries as a JSON array.
	ExportFormatJSON ExportFormat = "json"
)

// ExportOptions configures an export.
type ExportOptions struct {
	Format ExportFormat
	From   time.Time // inclusive, zero for unbounded
	To     time.Time // inclusive, zero for unbounded
	Actor  string    // optional filter
	Limit  int       // 0 = no limit
}

// ExportLogs exports entries matching opts in chain order. Exports of the
// whole chain carry every hash so the recipient can run Verify on them.
func ExportLogs(ctx context.Context, repo Repository, opts ExportOptions) ([]byte, error) {
	if opts.Format != ExportFormatCSV && opts.Format != ExportFormatJSON {
		return nil, fmt.Errorf("unsupported export format: %s", opts.Format)
	}

	entries, err := repo.All(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to query audit entries: %w", err)
	}

	filtered := make([]*Entry, 0, len(entries))
	for _, e := range entries {
		if opts.Actor != "" && e.Actor != opts.Actor {
			continue
		}
		if !opts.From.IsZero() && e.CreatedAt.Before(opts.From) {
			continue
		}
		if !opts.To.IsZero() && e.CreatedAt.After(opts.To) {
			continue
		}
		filtered = append(filtered, e)
		if opts.Limit > 0 && len(filtered) >= opts.Limit {
			break
		}
	}

	if opts.Format == ExportFormatCSV {
		return exportToCSV(filtered)
	}
	return exportToJSON(filtered)
}

func exportToCSV(entries []*Entry) ([]byte, error) {
	buf := new(bytes.Buffer)
	writer := csv.NewWriter(buf)

	header := []string{
		"Seq",
		"ID",
		"Timestamp (UTC)",
		"Actor",
		"Action",
		"Target",
		"Outcome",
		"Request ID",
		"Previous Hash",
		"Hash",
	}
	if err := writer.Write(header); err != nil {
		return nil, fmt.Errorf("failed to write CSV header: %w", err)
	}

	for _, e := range entries {
		row := []string{
			strconv.FormatUint(e.Seq, 10),
			e.ID,
			e.CreatedAt.UTC().Format(time.RFC3339),
			e.Actor,
			e.Action,
			e.Target,
			e.Outcome,
			e.RequestID,
			e.PreviousHash,
			e.Hash,
		}
		if err := writer.Write(row); err != nil {
			return nil, fmt.Errorf("failed to write CSV row: %w", err)
		}
	}

	writer.Flush()
	if err := writer.Error(); err != nil {
		return nil, fmt.Errorf("CSV writer error: %w", err)
	}
	return buf.Bytes(), nil
}

func exportToJSON(entries []*Entry) ([]byte, error) {
	if entries == nil {
		entries = []*Entry{}
	}
	data, err := json.MarshalIndent(entries, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("failed to marshal JSON: %w", err)
	}
	return data, nil
}
