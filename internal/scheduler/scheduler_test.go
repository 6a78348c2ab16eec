package scheduler

import (
	"context"
	"io"
	"log/slog"
	"sync/atomic"
	"testing"
	"time"

	"ecobridge/internal/clock"

	"github.com/stretchr/testify/assert"
)

type countingTarget struct {
	short   atomic.Int32
	long    atomic.Int32
	active  atomic.Int32
	overlap atomic.Bool
}

func (c *countingTarget) enter() {
	if c.active.Add(1) > 1 {
		c.overlap.Store(true)
	}
}

func (c *countingTarget) ShortPoll(context.Context) {
	c.enter()
	defer c.active.Add(-1)
	c.short.Add(1)
}

func (c *countingTarget) Cycle(context.Context) {
	c.enter()
	defer c.active.Add(-1)
	time.Sleep(5 * time.Millisecond)
	c.long.Add(1)
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestScheduler_RunsBothPollsUntilStopped(t *testing.T) {
	target := &countingTarget{}
	s := NewScheduler(target, 2*time.Millisecond, 10*time.Millisecond, clock.RealClock{}, testLogger())

	done := make(chan struct{})
	go func() {
		s.Start(context.Background())
		close(done)
	}()

	assert.Eventually(t, func() bool {
		return target.short.Load() >= 3 && target.long.Load() >= 2
	}, 2*time.Second, 5*time.Millisecond)

	s.Stop()
	s.Stop()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("scheduler did not stop")
	}
	assert.False(t, target.overlap.Load(), "polls must not overlap")
}

func TestScheduler_StopsOnContextCancel(t *testing.T) {
	target := &countingTarget{}
	s := NewScheduler(target, time.Hour, time.Hour, nil, testLogger())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		s.Start(ctx)
		close(done)
	}()

	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("scheduler did not stop")
	}
	assert.Zero(t, target.long.Load(), "no long poll fired at start")
}
