package api

import (
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/onnwee/diverge/internal/audit"
	"github.com/onnwee/diverge/internal/auth"
)

// MaxAuditExportLimit caps the number of entries in one export.
const MaxAuditExportLimit = 10000

// AuditHandlers serves the audit chain to the ledger admin.
type AuditHandlers struct {
	repo   audit.Repository
	ledger LedgerService
}

// NewAuditHandlers creates a new AuditHandlers instance.
func NewAuditHandlers(repo audit.Repository, l LedgerService) *AuditHandlers {
	return &AuditHandlers{repo: repo, ledger: l}
}

// parseAuditQuery reads export options from the query string:
// format (csv|json, default json), actor, from and to (RFC 3339), limit.
func parseAuditQuery(r *http.Request) (audit.ExportOptions, error) {
	q := r.URL.Query()
	opts := audit.ExportOptions{
		Format: audit.ExportFormatJSON,
		Actor:  q.Get("actor"),
		Limit:  MaxAuditExportLimit,
	}

	if f := q.Get("format"); f != "" {
		opts.Format = audit.ExportFormat(f)
		if opts.Format != audit.ExportFormatCSV && opts.Format != audit.ExportFormatJSON {
			return opts, fmt.Errorf("format must be csv or json")
		}
	}
	for name, dst := range map[string]*time.Time{"from": &opts.From, "to": &opts.To} {
		v := q.Get(name)
		if v == "" {
			continue
		}
		t, err := time.Parse(time.RFC3339, v)
		if err != nil {
			return opts, fmt.Errorf("%s must be an RFC 3339 timestamp", name)
		}
		*dst = t
	}
	if v := q.Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 || n > MaxAuditExportLimit {
			return opts, fmt.Errorf("limit must be between 1 and %d", MaxAuditExportLimit)
		}
		opts.Limit = n
	}
	return opts, nil
}

// Export handles GET /v1/admin/audit. The request must carry an admin proof
// for export_audit.
func (h *AuditHandlers) Export(w http.ResponseWriter, r *http.Request) {
	opts, err := parseAuditQuery(r)
	if err != nil {
		WriteError(w, r.Context(), http.StatusBadRequest, ErrCodeValidation, err.Error())
		return
	}

	if err := h.ledger.AuthorizeAdmin(withProof(r), auth.OpExportAudit); err != nil {
		WriteLedgerError(w, r, err)
		return
	}

	data, err := audit.ExportLogs(r.Context(), h.repo, opts)
	if err != nil {
		slog.ErrorContext(r.Context(), "audit export failed", "error", err)
		WriteError(w, r.Context(), http.StatusInternalServerError, ErrCodeInternal, "Internal server error")
		return
	}

	contentType := "application/json; charset=utf-8"
	if opts.Format == audit.ExportFormatCSV {
		contentType = "text/csv; charset=utf-8"
		w.Header().Set("Content-Disposition", `attachment; filename="audit.csv"`)
	}
	w.Header().Set("Content-Type", contentType)
	w.WriteHeader(http.StatusOK)
	if _, err := w.Write(data); err != nil {
		slog.ErrorContext(r.Context(), "failed to write audit export", "error", err)
	}
}
