package scheduler

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"ecobridge/internal/clock"
)

// Target is the work run on each tick
type Target interface {
	ShortPoll(ctx context.Context)
	Cycle(ctx context.Context)
}

// Scheduler drives the short and long polls from a single goroutine, so a
// long poll never overlaps a short one
type Scheduler struct {
	target   Target
	short    time.Duration
	long     time.Duration
	clock    clock.Clock
	stopChan chan struct{}
	stopOnce sync.Once
	logger   *slog.Logger
}

// NewScheduler creates a new scheduler
func NewScheduler(target Target, short, long time.Duration, clk clock.Clock, logger *slog.Logger) *Scheduler {
	if logger == nil {
		logger = slog.Default()
	}
	if clk == nil {
		clk = clock.RealClock{}
	}
	return &Scheduler{
		target:   target,
		short:    short,
		long:     long,
		clock:    clk,
		stopChan: make(chan struct{}),
		logger:   logger.With("component", "scheduler"),
	}
}

// Start runs the loop until Stop is called or ctx is done
func (s *Scheduler) Start(ctx context.Context) {
	s.logger.Info("Scheduler started",
		"short_poll", s.short.String(),
		"long_poll", s.long.String())

	shortTicker := s.clock.NewTicker(s.short)
	defer shortTicker.Stop()
	longTicker := s.clock.NewTicker(s.long)
	defer longTicker.Stop()

	for {
		select {
		case <-shortTicker.C:
			s.target.ShortPoll(ctx)
		case <-longTicker.C:
			started := s.clock.Now()
			s.target.Cycle(ctx)
			s.logger.Debug("Long poll finished", "duration", s.clock.Now().Sub(started).String())
		case <-ctx.Done():
			s.logger.Info("Scheduler stopped", "reason", ctx.Err())
			return
		case <-s.stopChan:
			s.logger.Info("Scheduler stopped")
			return
		}
	}
}

// Stop stops the scheduler
func (s *Scheduler) Stop() {
	s.stopOnce.Do(func() { close(s.stopChan) })
}
