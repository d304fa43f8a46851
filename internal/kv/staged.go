package kv

import "time"

// entry is a value together with its absolute expiry. A zero expiresAt never
// expires.
type entry struct {
	value     []byte
	expiresAt time.Time
}

func (e entry) expired(now time.Time) bool {
	return !e.expiresAt.IsZero() && !now.Before(e.expiresAt)
}

// loadFunc reads the committed entry for key. ok is false when the key is
// absent or expired.
type loadFunc func(key string) (e entry, ok bool, err error)

// stagedTxn buffers writes on top of a committed view. The memory and LevelDB
// stores share it and differ only in how they load and commit entries.
type stagedTxn struct {
	load       loadFunc
	now        time.Time
	defaultTTL time.Duration
	writes     map[string]entry
	order      []string
}

func newStagedTxn(load loadFunc, now time.Time, defaultTTL time.Duration) *stagedTxn {
	return &stagedTxn{
		load:       load,
		now:        now,
		defaultTTL: defaultTTL,
		writes:     make(map[string]entry),
	}
}

func (t *stagedTxn) lookup(key string) (entry, bool, error) {
	if e, ok := t.writes[key]; ok {
		return e, true, nil
	}
	return t.load(key)
}

func (t *stagedTxn) Get(key string) ([]byte, error) {
	e, ok, err := t.lookup(key)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, ErrNotFound
	}
	return cloneBytes(e.value), nil
}

func (t *stagedTxn) Has(key string) (bool, error) {
	_, ok, err := t.lookup(key)
	return ok, err
}

func (t *stagedTxn) Set(key string, value []byte) error {
	e, ok, err := t.lookup(key)
	if err != nil {
		return err
	}
	if !ok {
		e = entry{}
		if t.defaultTTL > 0 {
			e.expiresAt = t.now.Add(t.defaultTTL)
		}
	}
	e.value = cloneBytes(value)
	t.put(key, e)
	return nil
}

func (t *stagedTxn) Extend(key string, r Retention) error {
	e, ok, err := t.lookup(key)
	if err != nil {
		return err
	}
	if !ok {
		return ErrNotFound
	}
	if r.IsZero() || e.expiresAt.IsZero() {
		return nil
	}
	if r.Persist {
		e.expiresAt = time.Time{}
		t.put(key, e)
		return nil
	}
	if e.expiresAt.Sub(t.now) < r.Threshold {
		e.expiresAt = t.now.Add(r.ExtendTo)
		t.put(key, e)
	}
	return nil
}

func (t *stagedTxn) put(key string, e entry) {
	if _, seen := t.writes[key]; !seen {
		t.order = append(t.order, key)
	}
	t.writes[key] = e
}

// each visits the buffered writes in the order they were first made.
func (t *stagedTxn) each(fn func(key string, e entry)) {
	for _, key := range t.order {
		fn(key, t.writes[key])
	}
}

func cloneBytes(b []byte) []byte {
	if b == nil {
		return nil
	}
	out := make([]byte, len(b))
	copy(out, b)
	return out
}
