package audit

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"

	"github.com/onnwee/diverge/internal/kv"
)

// ErrChainBroken is returned by Verify when an entry does not link to its
// predecessor or its hash does not match its contents.
var ErrChainBroken = errors.New("audit: hash chain broken")

// hashedFields is the canonical form an entry's hash is computed over.
type hashedFields struct {
	PreviousHash string `cbor:"1,keyasint"`
	Seq          uint64 `cbor:"2,keyasint"`
	ID           string `cbor:"3,keyasint"`
	Actor        string `cbor:"4,keyasint"`
	Action       string `cbor:"5,keyasint"`
	Target       string `cbor:"6,keyasint"`
	Outcome      string `cbor:"7,keyasint"`
	RequestID    string `cbor:"8,keyasint"`
	CreatedAt    int64  `cbor:"9,keyasint"` // unix seconds; stored times have no finer resolution
}

// computeHash returns the hex sha256 of the deterministic CBOR encoding of e.
func computeHash(e *Entry) (string, error) {
	raw, err := kv.Marshal(hashedFields{
		PreviousHash: e.PreviousHash,
		Seq:          e.Seq,
		ID:           e.ID,
		Actor:        e.Actor,
		Action:       e.Action,
		Target:       e.Target,
		Outcome:      e.Outcome,
		RequestID:    e.RequestID,
		CreatedAt:    e.CreatedAt.Unix(),
	})
	if err != nil {
		return "", fmt.Errorf("encode audit entry: %w", err)
	}
	sum := sha256.Sum256(raw)
	return hex.EncodeToString(sum[:]), nil
}

// seal fills in the chain fields of e given the hash of its predecessor.
func seal(e *Entry, previousHash string) error {
	e.PreviousHash = previousHash
	h, err := computeHash(e)
	if err != nil {
		return err
	}
	e.Hash = h
	return nil
}

// Verify walks entries in order and reports the first broken link.
func Verify(entries []*Entry) error {
	prev := ""
	for i, e := range entries {
		if e.Seq != uint64(i+1) {
			return fmt.Errorf("%w: entry %d has sequence %d", ErrChainBroken, i+1, e.Seq)
		}
		if e.PreviousHash != prev {
			return fmt.Errorf("%w: entry %d does not link to its predecessor", ErrChainBroken, e.Seq)
		}
		want, err := computeHash(e)
		if err != nil {
			return err
		}
		if e.Hash != want {
			return fmt.Errorf("%w: entry %d has been modified", ErrChainBroken, e.Seq)
		}
		prev = e.Hash
	}
	return nil
}
