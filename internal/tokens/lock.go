package tokens

import (
	"bytes"
	"context"
	"encoding/json"
	"time"
)

// DefaultStaleAfter is how old a refresh lock must be before another
// instance may seize it
const DefaultStaleAfter = 120 * time.Second

// Lock is the refresh_status field: JSON false when free, or the UTC time at
// which an instance claimed it
type Lock struct {
	Held bool
	At   time.Time
	// Corrupt is set when the stored value was neither false nor a timestamp
	Corrupt bool
}

// Age is how long the lock has been held
func (l Lock) Age(now time.Time) time.Duration {
	return now.Sub(l.At)
}

// Stale reports whether a held lock may be seized. A corrupt value counts as
// abandoned.
func (l Lock) Stale(now time.Time, threshold time.Duration) bool {
	if !l.Held {
		return false
	}
	if l.Corrupt {
		return true
	}
	return l.Age(now) > threshold
}

func (l Lock) MarshalJSON() ([]byte, error) {
	if !l.Held || l.Corrupt {
		return []byte("false"), nil
	}
	return json.Marshal(l.At.UTC().Format(TimeLayout))
}

// UnmarshalJSON never fails: anything other than false, null or a valid
// timestamp decodes as a corrupt held lock
func (l *Lock) UnmarshalJSON(data []byte) error {
	*l = Lock{}
	trimmed := bytes.TrimSpace(data)
	if bytes.Equal(trimmed, []byte("false")) || bytes.Equal(trimmed, []byte("null")) {
		return nil
	}

	var s string
	if err := json.Unmarshal(trimmed, &s); err != nil {
		l.Held, l.Corrupt = true, true
		return nil
	}
	at, err := time.ParseInLocation(TimeLayout, s, time.UTC)
	if err != nil {
		l.Held, l.Corrupt = true, true
		return nil
	}
	l.Held, l.At = true, at
	return nil
}

// BlobLock is the advisory refresh lock kept in the custom data document
type BlobLock struct {
	store      *Store
	staleAfter time.Duration
}

// NewBlobLock creates a lock on store; staleAfter <= 0 uses DefaultStaleAfter
func NewBlobLock(store *Store, staleAfter time.Duration) *BlobLock {
	if staleAfter <= 0 {
		staleAfter = DefaultStaleAfter
	}
	return &BlobLock{store: store, staleAfter: staleAfter}
}

// Acquire reports whether this instance now holds the lock
func (l *BlobLock) Acquire(ctx context.Context) (bool, error) {
	return l.store.TryLock(ctx, l.staleAfter)
}

// Release frees the lock whoever holds it
func (l *BlobLock) Release(ctx context.Context) error {
	return l.store.SaveLock(ctx, nil)
}
