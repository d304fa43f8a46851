package kv

import (
	"errors"
	"fmt"

	"github.com/fxamacker/cbor/v2"
)

// Values are encoded with deterministic CBOR so that the same record always
// produces the same bytes regardless of backend.
var (
	encMode cbor.EncMode
	decMode cbor.DecMode
)

func init() {
	var err error
	encMode, err = cbor.CoreDetEncOptions().EncMode()
	if err != nil {
		panic(fmt.Sprintf("kv: cbor encoder: %v", err))
	}
	decMode, err = cbor.DecOptions{
		DupMapKey: cbor.DupMapKeyEnforcedAPF,
	}.DecMode()
	if err != nil {
		panic(fmt.Sprintf("kv: cbor decoder: %v", err))
	}
}

// Marshal encodes v with the store codec.
func Marshal(v any) ([]byte, error) {
	return encMode.Marshal(v)
}

// Unmarshal decodes data produced by Marshal into v.
func Unmarshal(data []byte, v any) error {
	return decMode.Unmarshal(data, v)
}

// GetValue decodes the value under key into v. It reports false, leaving v
// untouched, when the key is absent.
func GetValue(r Reader, key string, v any) (bool, error) {
	raw, err := r.Get(key)
	if errors.Is(err, ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	if err := Unmarshal(raw, v); err != nil {
		return false, fmt.Errorf("decode %s: %w", key, err)
	}
	return true, nil
}

// SetValue encodes v and stores it under key.
func SetValue(t Txn, key string, v any) error {
	raw, err := Marshal(v)
	if err != nil {
		return fmt.Errorf("encode %s: %w", key, err)
	}
	return t.Set(key, raw)
}
