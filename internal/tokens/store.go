package tokens

import (
	"context"
	"ecobridge/internal/clock"
	"ecobridge/internal/metrics"
	"ecobridge/internal/storage"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"
)

// Keys in the shared custom data document
const (
	KeyTokenData     = "tokenData"
	KeyRefreshStatus = "refresh_status"
	KeyVersion       = "nodeserver_version"

	legacyTokenPrefix = "tokenData2020"
	legacyPinKey      = "pinData"
)

const maxUpdateAttempts = 5

var (
	ErrTooManyConflicts = errors.New("custom data kept changing during update")

	errLockBusy = errors.New("refresh lock busy")
)

// Store gives typed access to the token record and refresh lock kept in the
// shared custom data document. Every write is a read-modify-write of a
// cloned document, so keys owned by others are carried through untouched.
type Store struct {
	backend storage.Store
	clock   clock.Clock
	logger  *slog.Logger
}

// NewStore wraps a storage backend
func NewStore(backend storage.Store, clk clock.Clock, logger *slog.Logger) *Store {
	if clk == nil {
		clk = clock.RealClock{}
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Store{
		backend: backend,
		clock:   clk,
		logger:  logger.With("component", "tokens"),
	}
}

// Load returns the persisted record, or nil if it is absent or invalid
func (s *Store) Load(ctx context.Context) (*Record, error) {
	doc, err := s.backend.Load(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to load custom data: %w", err)
	}
	return s.decodeRecord(doc), nil
}

func (s *Store) decodeRecord(doc *storage.Document) *Record {
	var rec Record
	found, err := doc.Get(KeyTokenData, &rec)
	if !found {
		return nil
	}
	if err != nil {
		s.logger.Warn("Ignoring unreadable token record", "error", err)
		return nil
	}
	if !rec.Valid() {
		s.logger.Warn("Ignoring token record without access token or expiry")
		return nil
	}
	return &rec
}

// Save persists rec as the token record
func (s *Store) Save(ctx context.Context, rec *Record) error {
	return s.update(ctx, func(doc *storage.Document) error {
		return doc.Set(KeyTokenData, rec)
	})
}

// Discard drops the token record and frees the lock
func (s *Store) Discard(ctx context.Context) error {
	return s.update(ctx, func(doc *storage.Document) error {
		doc.Delete(KeyTokenData)
		return doc.Set(KeyRefreshStatus, Lock{})
	})
}

// LoadLock returns the refresh lock field
func (s *Store) LoadLock(ctx context.Context) (Lock, error) {
	doc, err := s.backend.Load(ctx)
	if err != nil {
		return Lock{}, fmt.Errorf("failed to load custom data: %w", err)
	}
	var lock Lock
	if _, err := doc.Get(KeyRefreshStatus, &lock); err != nil {
		return Lock{}, err
	}
	return lock, nil
}

// SaveLock writes the lock field; nil frees it
func (s *Store) SaveLock(ctx context.Context, at *time.Time) error {
	lock := Lock{}
	if at != nil {
		lock = Lock{Held: true, At: Truncate(*at)}
	}
	return s.update(ctx, func(doc *storage.Document) error {
		return doc.Set(KeyRefreshStatus, lock)
	})
}

// TryLock claims the lock if it is free or older than staleAfter. The claim
// is a compare-and-swap on the document, so of two callers that both read a
// free lock only one can win; the other re-reads and sees the winner.
func (s *Store) TryLock(ctx context.Context, staleAfter time.Duration) (bool, error) {
	err := s.update(ctx, func(doc *storage.Document) error {
		var lock Lock
		if _, err := doc.Get(KeyRefreshStatus, &lock); err != nil {
			return err
		}
		now := s.clock.Now()
		if lock.Held {
			if !lock.Stale(now, staleAfter) {
				return errLockBusy
			}
			s.logger.Warn("Seizing abandoned refresh lock",
				"locked_at", lock.At,
				"corrupt", lock.Corrupt,
				"age", lock.Age(now).String())
		}
		return doc.Set(KeyRefreshStatus, Lock{Held: true, At: Truncate(now)})
	})
	if errors.Is(err, errLockBusy) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

// Housekeep records the running version and removes legacy token keys
func (s *Store) Housekeep(ctx context.Context, version string) error {
	return s.update(ctx, func(doc *storage.Document) error {
		for _, key := range doc.Keys() {
			if strings.HasPrefix(key, legacyTokenPrefix) || key == legacyPinKey {
				s.logger.Info("Removing legacy token key", "key", key)
				doc.Delete(key)
			}
		}
		return doc.Set(KeyVersion, version)
	})
}

// update applies fn to a fresh clone of the document and saves it, retrying
// from a new read when another writer saved in between
func (s *Store) update(ctx context.Context, fn func(doc *storage.Document) error) error {
	for attempt := 1; attempt <= maxUpdateAttempts; attempt++ {
		current, err := s.backend.Load(ctx)
		if err != nil {
			return fmt.Errorf("failed to load custom data: %w", err)
		}

		next := current.Clone()
		if err := fn(next); err != nil {
			return err
		}

		err = s.backend.Save(ctx, next)
		if err == nil {
			return nil
		}
		if !errors.Is(err, storage.ErrVersionConflict) {
			return fmt.Errorf("failed to save custom data: %w", err)
		}

		metrics.StoreConflictsTotal.Inc()
		s.logger.Debug("Custom data changed underneath us, retrying", "attempt", attempt)
	}
	return ErrTooManyConflicts
}
