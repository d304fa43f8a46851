package auth

import (
	"context"
	"crypto/ed25519"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

// Operations a proof can be scoped to.
const (
	OpSetProviderAuthorization = "set_provider_authorization"
	OpRecordSession            = "record_session"
	OpExportAudit              = "export_audit"
)

// DefaultProofTTL is how long a freshly minted proof stays valid.
const DefaultProofTTL = 5 * time.Minute

// DefaultLeeway is the clock skew tolerated when validating proofs.
const DefaultLeeway = 30 * time.Second

var (
	// ErrMissingProof is returned when no proof accompanies a request.
	ErrMissingProof = errors.New("auth: missing proof")
	// ErrInvalidProof is returned when a proof fails validation.
	ErrInvalidProof = errors.New("auth: invalid proof")
	// ErrExpiredProof is returned when a proof has expired.
	ErrExpiredProof = errors.New("auth: proof has expired")
	// ErrWrongOperation is returned when a proof was minted for another operation.
	ErrWrongOperation = errors.New("auth: proof not valid for operation")
	// ErrReplayedProof is returned when a proof has already been used.
	ErrReplayedProof = errors.New("auth: proof already used")
)

// Claims are the claims of a proof token. The subject is the identity the
// signer claims to control.
type Claims struct {
	jwt.RegisteredClaims
	Op string `json:"op"`
}

// Verifier decides whether the caller in ctx has proven control of an
// identity for an operation.
type Verifier interface {
	Authorized(ctx context.Context, id Identity, op string) bool
}

type allowAll struct{}

func (allowAll) Authorized(context.Context, Identity, string) bool { return true }

// AllowAll accepts every caller. Only for tests and local tooling.
var AllowAll Verifier = allowAll{}

// Signer mints proofs for the identity of its key.
type Signer struct {
	key      ed25519.PrivateKey
	id       Identity
	audience string
	ttl      time.Duration
	now      func() time.Time
}

// NewSigner creates a Signer. audience must match the verifier's.
func NewSigner(key ed25519.PrivateKey, audience string) *Signer {
	return &Signer{
		key:      key,
		id:       IdentityFromPublicKey(key.Public().(ed25519.PublicKey)),
		audience: audience,
		ttl:      DefaultProofTTL,
		now:      time.Now,
	}
}

// WithTTL returns a copy of s minting proofs valid for ttl.
func (s *Signer) WithTTL(ttl time.Duration) *Signer {
	c := *s
	c.ttl = ttl
	return &c
}

// Identity returns the identity proofs are minted for.
func (s *Signer) Identity() Identity {
	return s.id
}

// Proof mints a proof for op.
func (s *Signer) Proof(op string) (string, error) {
	if op == "" {
		return "", fmt.Errorf("%w: empty operation", ErrInvalidProof)
	}

	now := s.now()
	claims := Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			ID:        uuid.NewString(),
			Subject:   string(s.id),
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(s.ttl)),
		},
		Op: op,
	}
	if s.audience != "" {
		claims.Audience = jwt.ClaimStrings{s.audience}
	}

	token := jwt.NewWithClaims(jwt.SigningMethodEdDSA, claims)
	return token.SignedString(s.key)
}

// ProofVerifier checks EdDSA proofs carried in the request context. Each
// proof is accepted once; its id is remembered until it expires.
type ProofVerifier struct {
	audience string
	leeway   time.Duration
	now      func() time.Time

	mu   sync.Mutex
	seen map[string]time.Time
}

// NewProofVerifier creates a verifier for proofs addressed to audience.
func NewProofVerifier(audience string, leeway time.Duration) *ProofVerifier {
	return &ProofVerifier{
		audience: audience,
		leeway:   leeway,
		now:      time.Now,
		seen:     make(map[string]time.Time),
	}
}

// Authorized implements Verifier.
func (v *ProofVerifier) Authorized(ctx context.Context, id Identity, op string) bool {
	token, ok := ProofFromContext(ctx)
	if !ok {
		return false
	}
	return v.Verify(token, id, op) == nil
}

// Verify validates token as a proof that the signer controls id for op and
// consumes it.
func (v *ProofVerifier) Verify(token string, id Identity, op string) error {
	if token == "" {
		return ErrMissingProof
	}
	pub, err := id.PublicKey()
	if err != nil {
		return err
	}

	opts := []jwt.ParserOption{
		jwt.WithValidMethods([]string{jwt.SigningMethodEdDSA.Alg()}),
		jwt.WithSubject(string(id)),
		jwt.WithLeeway(v.leeway),
		jwt.WithIssuedAt(),
		jwt.WithExpirationRequired(),
		jwt.WithTimeFunc(v.now),
	}
	if v.audience != "" {
		opts = append(opts, jwt.WithAudience(v.audience))
	}

	claims := &Claims{}
	_, err = jwt.NewParser(opts...).ParseWithClaims(token, claims, func(*jwt.Token) (interface{}, error) {
		return pub, nil
	})
	if errors.Is(err, jwt.ErrTokenExpired) {
		return ErrExpiredProof
	}
	if err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidProof, err)
	}
	if claims.Op != op {
		return ErrWrongOperation
	}
	if claims.ID == "" {
		return fmt.Errorf("%w: missing jti", ErrInvalidProof)
	}

	return v.consume(claims.ID, claims.ExpiresAt.Time)
}

func (v *ProofVerifier) consume(jti string, expiresAt time.Time) error {
	v.mu.Lock()
	defer v.mu.Unlock()

	now := v.now()
	for k, exp := range v.seen {
		if now.After(exp.Add(v.leeway)) {
			delete(v.seen, k)
		}
	}
	if _, used := v.seen[jti]; used {
		return ErrReplayedProof
	}
	v.seen[jti] = expiresAt
	return nil
}

type proofKey struct{}

// WithProof returns a context carrying a proof token.
func WithProof(ctx context.Context, token string) context.Context {
	return context.WithValue(ctx, proofKey{}, token)
}

// ProofFromContext returns the proof token stored by WithProof.
func ProofFromContext(ctx context.Context) (string, bool) {
	token, ok := ctx.Value(proofKey{}).(string)
	return token, ok && token != ""
}
