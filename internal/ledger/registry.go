package ledger

import (
	"context"

	"github.com/onnwee/diverge/internal/auth"
	"github.com/onnwee/diverge/internal/kv"
)

// IsAuthorized reports whether provider may record sessions. Unknown and
// malformed identities are simply not authorized.
func (l *Ledger) IsAuthorized(ctx context.Context, provider auth.Identity) (bool, error) {
	if provider.Validate() != nil {
		return false, nil
	}

	var active bool
	err := l.view(ctx, func(r kv.Reader) error {
		_, err := kv.GetValue(r, providerKey(provider), &active)
		return err
	})
	if err != nil {
		return false, err
	}
	return active, nil
}
