package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"

	"github.com/onnwee/diverge/internal/auth"
	"github.com/onnwee/diverge/internal/ledger"
	"github.com/onnwee/diverge/internal/middleware"
	"github.com/onnwee/diverge/internal/pseudonym"
	"github.com/onnwee/diverge/internal/validate"
)

// MaxBodyBytes caps request bodies. Every request body is a handful of short
// fields.
const MaxBodyBytes = 16 << 10

// ProofScheme is the Authorization scheme carrying a proof token.
const ProofScheme = "Proof"

// LedgerService is the part of *ledger.Ledger the handlers use.
type LedgerService interface {
	Initialize(ctx context.Context, admin auth.Identity, salt pseudonym.Salt) error
	SetProviderAuthorization(ctx context.Context, provider auth.Identity, active bool) error
	IsAuthorized(ctx context.Context, provider auth.Identity) (bool, error)
	RecordSession(ctx context.Context, in ledger.SessionInput) (uint32, error)
	GetSession(ctx context.Context, id uint32) (ledger.Session, error)
	GetMonthlyCount(ctx context.Context, name, pin []byte, yearMonth ledger.YearMonth, kind ledger.Tag) (uint32, error)
	AuthorizeAdmin(ctx context.Context, op string) error
}

var _ LedgerService = (*ledger.Ledger)(nil)

// InitializeRequest is the body of POST /v1/admin/initialize.
type InitializeRequest struct {
	Admin string `json:"admin"`
	Salt  string `json:"salt"`
}

// InitializeResponse is returned once the ledger is initialized.
type InitializeResponse struct {
	Admin string `json:"admin"`
}

// ProviderAuthorizationRequest is the body of PUT /v1/admin/providers/{provider}.
type ProviderAuthorizationRequest struct {
	Active *bool `json:"active"`
}

// ProviderResponse reports whether a provider may record sessions.
type ProviderResponse struct {
	Provider   string `json:"provider"`
	Authorized bool   `json:"authorized"`
}

// RecordSessionRequest is the body of POST /v1/sessions.
type RecordSessionRequest struct {
	Provider        string `json:"provider"`
	BeneficiaryName string `json:"beneficiary_name"`
	BeneficiaryPin  string `json:"beneficiary_pin"`
	Kind            string `json:"kind"`
	Status          string `json:"status"`
	YearMonth       uint32 `json:"year_month"`
}

// RecordSessionResponse carries the id of a new session.
type RecordSessionResponse struct {
	ID uint32 `json:"id"`
}

// MonthlyUsageRequest is the body of POST /v1/usage/monthly. The lookup is a
// POST so the pin never appears in a URL or an access log.
type MonthlyUsageRequest struct {
	BeneficiaryName string `json:"beneficiary_name"`
	BeneficiaryPin  string `json:"beneficiary_pin"`
	YearMonth       uint32 `json:"year_month"`
	Kind            string `json:"kind"`
}

// MonthlyUsageResponse carries a monthly session count.
type MonthlyUsageResponse struct {
	Count uint32 `json:"count"`
}

// LedgerHandlers holds dependencies for ledger HTTP handlers.
type LedgerHandlers struct {
	ledger LedgerService
}

// NewLedgerHandlers creates a new LedgerHandlers instance.
func NewLedgerHandlers(l LedgerService) *LedgerHandlers {
	return &LedgerHandlers{ledger: l}
}

// withProof returns r's context carrying the proof from the Authorization
// header, if there is one. Verification is left to the ledger.
func withProof(r *http.Request) context.Context {
	scheme, token, ok := strings.Cut(r.Header.Get("Authorization"), " ")
	if !ok || !strings.EqualFold(scheme, ProofScheme) {
		return r.Context()
	}
	return auth.WithProof(r.Context(), strings.TrimSpace(token))
}

// decodeJSON decodes a bounded JSON body into dst, writing the error
// response itself when it fails.
func decodeJSON(w http.ResponseWriter, r *http.Request, dst any) bool {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, MaxBodyBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			WriteError(w, r.Context(), http.StatusRequestEntityTooLarge, ErrCodeBadRequest, "Request body too large")
			return false
		}
		WriteError(w, r.Context(), http.StatusBadRequest, ErrCodeBadRequest, "Invalid JSON in request body")
		return false
	}
	return true
}

// identityParam parses an identity from a path wildcard.
func identityParam(w http.ResponseWriter, r *http.Request, name string) (auth.Identity, bool) {
	id := auth.Identity(strings.ToLower(r.PathValue(name)))
	if err := id.Validate(); err != nil {
		WriteError(w, r.Context(), http.StatusBadRequest, ErrCodeValidation, name+" must be a hex encoded public key")
		return "", false
	}
	return id, true
}

// beneficiary validates and returns the name and pin used to derive a
// beneficiary id.
func beneficiary(w http.ResponseWriter, r *http.Request, name, pin string) ([]byte, []byte, bool) {
	name, err := validate.BeneficiaryName(name)
	if err != nil {
		WriteError(w, r.Context(), http.StatusBadRequest, ErrCodeValidation, "beneficiary_name must be 1-100 characters")
		return nil, nil, false
	}
	pin, err = validate.Pin(pin)
	if err != nil {
		WriteError(w, r.Context(), http.StatusBadRequest, ErrCodeValidation, "beneficiary_pin must be 1-6 digits")
		return nil, nil, false
	}
	return []byte(name), []byte(pin), true
}

// Initialize handles POST /v1/admin/initialize.
func (h *LedgerHandlers) Initialize(w http.ResponseWriter, r *http.Request) {
	var req InitializeRequest
	if !decodeJSON(w, r, &req) {
		return
	}

	admin := auth.Identity(strings.ToLower(strings.TrimSpace(req.Admin)))
	if err := admin.Validate(); err != nil {
		WriteError(w, r.Context(), http.StatusBadRequest, ErrCodeValidation, "admin must be a hex encoded public key")
		return
	}
	salt, err := pseudonym.ParseSalt(strings.TrimSpace(req.Salt))
	if err != nil {
		WriteError(w, r.Context(), http.StatusBadRequest, ErrCodeValidation, "salt must be 32 bytes encoded as 64 hex characters")
		return
	}

	ctx := middleware.SetActor(r.Context(), string(admin))
	middleware.UpdateResponseContext(w, ctx)
	if err := h.ledger.Initialize(ctx, admin, salt); err != nil {
		WriteLedgerError(w, r.WithContext(ctx), err)
		return
	}

	writeJSON(w, r, http.StatusCreated, InitializeResponse{Admin: string(admin)})
}

// SetProviderAuthorization handles PUT /v1/admin/providers/{provider}.
// The request must carry an admin proof for set_provider_authorization.
func (h *LedgerHandlers) SetProviderAuthorization(w http.ResponseWriter, r *http.Request) {
	provider, ok := identityParam(w, r, "provider")
	if !ok {
		return
	}

	var req ProviderAuthorizationRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	if req.Active == nil {
		WriteError(w, r.Context(), http.StatusBadRequest, ErrCodeValidation, "active is required")
		return
	}

	if err := h.ledger.SetProviderAuthorization(withProof(r), provider, *req.Active); err != nil {
		WriteLedgerError(w, r, err)
		return
	}

	w.WriteHeader(http.StatusNoContent)
}

// GetProvider handles GET /v1/providers/{provider}.
func (h *LedgerHandlers) GetProvider(w http.ResponseWriter, r *http.Request) {
	provider, ok := identityParam(w, r, "provider")
	if !ok {
		return
	}

	authorized, err := h.ledger.IsAuthorized(r.Context(), provider)
	if err != nil {
		WriteLedgerError(w, r, err)
		return
	}

	writeJSON(w, r, http.StatusOK, ProviderResponse{
		Provider:   string(provider),
		Authorized: authorized,
	})
}

// RecordSession handles POST /v1/sessions. The request must carry a proof
// signed by the provider for record_session.
func (h *LedgerHandlers) RecordSession(w http.ResponseWriter, r *http.Request) {
	var req RecordSessionRequest
	if !decodeJSON(w, r, &req) {
		return
	}

	provider := auth.Identity(strings.ToLower(strings.TrimSpace(req.Provider)))
	if err := provider.Validate(); err != nil {
		WriteError(w, r.Context(), http.StatusBadRequest, ErrCodeValidation, "provider must be a hex encoded public key")
		return
	}
	name, pin, ok := beneficiary(w, r, req.BeneficiaryName, req.BeneficiaryPin)
	if !ok {
		return
	}

	ctx := middleware.SetActor(withProof(r), string(provider))
	middleware.UpdateResponseContext(w, ctx)

	id, err := h.ledger.RecordSession(ctx, ledger.SessionInput{
		Provider:        provider,
		BeneficiaryName: name,
		BeneficiaryPin:  pin,
		Kind:            ledger.Tag(req.Kind),
		Status:          ledger.Tag(req.Status),
		YearMonth:       ledger.YearMonth(req.YearMonth),
	})
	if err != nil {
		WriteLedgerError(w, r.WithContext(ctx), err)
		return
	}

	w.Header().Set("Location", "/v1/sessions/"+strconv.FormatUint(uint64(id), 10))
	writeJSON(w, r, http.StatusCreated, RecordSessionResponse{ID: id})
}

// GetSession handles GET /v1/sessions/{id}.
func (h *LedgerHandlers) GetSession(w http.ResponseWriter, r *http.Request) {
	id, err := strconv.ParseUint(r.PathValue("id"), 10, 32)
	if err != nil {
		WriteError(w, r.Context(), http.StatusBadRequest, ErrCodeValidation, "id must be a positive 32-bit integer")
		return
	}

	session, err := h.ledger.GetSession(r.Context(), uint32(id))
	if err != nil {
		WriteLedgerError(w, r, err)
		return
	}

	writeJSON(w, r, http.StatusOK, session)
}

// MonthlyUsage handles POST /v1/usage/monthly.
func (h *LedgerHandlers) MonthlyUsage(w http.ResponseWriter, r *http.Request) {
	var req MonthlyUsageRequest
	if !decodeJSON(w, r, &req) {
		return
	}

	name, pin, ok := beneficiary(w, r, req.BeneficiaryName, req.BeneficiaryPin)
	if !ok {
		return
	}

	count, err := h.ledger.GetMonthlyCount(r.Context(), name, pin, ledger.YearMonth(req.YearMonth), ledger.Tag(req.Kind))
	if err != nil {
		WriteLedgerError(w, r, err)
		return
	}

	writeJSON(w, r, http.StatusOK, MonthlyUsageResponse{Count: count})
}
