package ledger

import (
	"context"

	"github.com/onnwee/diverge/internal/kv"
	"github.com/onnwee/diverge/internal/pseudonym"
)

// GetMonthlyCount returns how many sessions of kind were recorded for the
// beneficiary identified by name and pin in yearMonth. The beneficiary id is
// derived here with the stored salt; callers can never supply one directly.
func (l *Ledger) GetMonthlyCount(ctx context.Context, name, pin []byte, yearMonth YearMonth, kind Tag) (uint32, error) {
	if err := yearMonth.Validate(); err != nil {
		return 0, err
	}
	if err := kind.Validate(); err != nil {
		return 0, err
	}

	var count uint32
	err := l.view(ctx, func(r kv.Reader) error {
		cfg, err := loadConfig(r)
		if err != nil {
			return err
		}
		bid := pseudonym.Derive(cfg.Salt, name, pin)
		_, err = kv.GetValue(r, monthlyKey(bid, yearMonth, kind), &count)
		return err
	})
	if err != nil {
		return 0, err
	}
	return count, nil
}
