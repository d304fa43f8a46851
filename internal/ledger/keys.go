package ledger

import (
	"strconv"

	"github.com/onnwee/diverge/internal/auth"
	"github.com/onnwee/diverge/internal/pseudonym"
)

// Key layout. Each component owns one namespace.
const (
	keyConfig       = "instance/config"
	keySessionCount = "instance/session_count"

	prefixProvider = "provider/"
	prefixSession  = "session/"
	prefixMonthly  = "monthly/"
)

func providerKey(p auth.Identity) string {
	return prefixProvider + string(p)
}

func sessionKey(id uint32) string {
	return prefixSession + strconv.FormatUint(uint64(id), 10)
}

func monthlyKey(bid pseudonym.BeneficiaryID, ym YearMonth, kind Tag) string {
	return prefixMonthly + bid.String() + "/" + strconv.FormatUint(uint64(ym), 10) + "/" + string(kind)
}
