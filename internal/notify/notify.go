// Package notify delivers user-visible notices raised by the auth and
// refresh flows.
package notify

import (
	"context"
	"errors"
	"log/slog"
	"sort"
	"sync"
	"time"
)

// Notifier is implemented by every notice sink
type Notifier interface {
	Notify(ctx context.Context, key, message string) error
	Clear(ctx context.Context) error
}

// Notice is one entry on the board
type Notice struct {
	Key       string    `json:"key"`
	Message   string    `json:"message"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Board keeps the current notices in memory. A notice with an existing key
// replaces the previous one.
type Board struct {
	mu      sync.RWMutex
	notices map[string]Notice
	now     func() time.Time
}

// NewBoard creates an empty notice board
func NewBoard() *Board {
	return &Board{
		notices: make(map[string]Notice),
		now:     time.Now,
	}
}

func (b *Board) Notify(_ context.Context, key, message string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.notices[key] = Notice{Key: key, Message: message, UpdatedAt: b.now().UTC()}
	return nil
}

func (b *Board) Clear(_ context.Context) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.notices = make(map[string]Notice)
	return nil
}

// List returns the notices ordered by key
func (b *Board) List() []Notice {
	b.mu.RLock()
	defer b.mu.RUnlock()

	out := make([]Notice, 0, len(b.notices))
	for _, n := range b.notices {
		out = append(out, n)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Key < out[j].Key })
	return out
}

// Fanout delivers every notice to all sinks. A failing sink is logged and
// does not stop delivery to the others.
type Fanout struct {
	sinks  []Notifier
	logger *slog.Logger
}

// NewFanout creates a fanout over sinks; nil sinks are skipped
func NewFanout(logger *slog.Logger, sinks ...Notifier) *Fanout {
	f := &Fanout{logger: logger.With("component", "notify")}
	for _, s := range sinks {
		if s != nil {
			f.sinks = append(f.sinks, s)
		}
	}
	return f
}

func (f *Fanout) Notify(ctx context.Context, key, message string) error {
	var errs []error
	for _, s := range f.sinks {
		if err := s.Notify(ctx, key, message); err != nil {
			f.logger.Warn("Notice delivery failed", "key", key, "error", err)
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (f *Fanout) Clear(ctx context.Context) error {
	var errs []error
	for _, s := range f.sinks {
		if err := s.Clear(ctx); err != nil {
			f.logger.Warn("Notice clear failed", "error", err)
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
