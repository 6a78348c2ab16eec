// Package poller reconciles thermostat state with the provider on the
// scheduler's ticks.
package poller

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"ecobridge/internal/clock"
	"ecobridge/internal/core"
	"ecobridge/internal/devices"
	"ecobridge/internal/drivers/ecobee"
	"ecobridge/internal/metrics"
	"ecobridge/internal/tokens"
)

// Heartbeat states reported on alternate long polls
const (
	HeartbeatOn  = "DON"
	HeartbeatOff = "DOF"
)

const nodeNamePrefix = "Ecobee - "

// Source reads thermostats from the provider
type Source interface {
	Thermostats(ctx context.Context) (core.Snapshot, error)
	ThermostatFull(ctx context.Context, id string) (*ecobee.FullData, error)
}

// TokenHolder owns the in-memory credential
type TokenHolder interface {
	Current() *tokens.Record
	SetCurrent(rec *tokens.Record)
}

// Authorizer runs the PIN handshake to completion
type Authorizer interface {
	Run(ctx context.Context) (*tokens.Record, error)
}

// TokenStore is the persisted side of the credential
type TokenStore interface {
	Load(ctx context.Context) (*tokens.Record, error)
	Housekeep(ctx context.Context, version string) error
}

// Status is a point-in-time view of the poller
type Status struct {
	Discovering   bool      `json:"discovering"`
	Discovered    bool      `json:"discovered"`
	Authorizing   bool      `json:"authorizing"`
	Heartbeat     string    `json:"heartbeat"`
	LastCycle     time.Time `json:"last_cycle,omitzero"`
	LastDiscovery time.Time `json:"last_discovery,omitzero"`
}

// Poller drives discovery and revision-based updates
type Poller struct {
	source   Source
	holder   TokenHolder
	auth     Authorizer
	store    TokenStore
	registry *devices.Registry
	tracker  *core.Tracker
	clock    clock.Clock
	logger   *slog.Logger
	version  string

	discovering atomic.Bool
	discovered  atomic.Bool
	pinRun      atomic.Bool
	background  sync.WaitGroup

	mu            sync.Mutex // protects the fields below
	baseCtx       context.Context
	heartbeatOn   bool
	lastBeat      string
	lastCycle     time.Time
	lastDiscovery time.Time
}

// New creates a poller. version is recorded in the store at bootstrap.
func New(source Source, holder TokenHolder, auth Authorizer, store TokenStore, registry *devices.Registry, clk clock.Clock, logger *slog.Logger, version string) *Poller {
	if clk == nil {
		clk = clock.RealClock{}
	}
	return &Poller{
		source:   source,
		holder:   holder,
		auth:     auth,
		store:    store,
		registry: registry,
		tracker:  core.NewTracker(),
		clock:    clk,
		logger:   logger.With("component", "poller"),
		version:  version,
		baseCtx:  context.Background(),
	}
}

// Bootstrap prepares the store and credential at startup. Without a stored
// credential it blocks in the PIN flow until approval or ctx is done.
func (p *Poller) Bootstrap(ctx context.Context) error {
	p.mu.Lock()
	p.baseCtx = ctx
	p.mu.Unlock()

	if err := p.store.Housekeep(ctx, p.version); err != nil {
		p.logger.Warn("Store housekeeping failed", "error", err)
	}

	rec, err := p.store.Load(ctx)
	if err != nil {
		return fmt.Errorf("failed to load tokens: %w", err)
	}

	if rec.Valid() {
		p.logger.Info("Loaded stored tokens", "expires", rec.Expires)
		p.holder.SetCurrent(rec)
		p.Discover(ctx)
		return nil
	}

	p.logger.Info("No stored tokens, starting PIN authorization")
	if !p.pinRun.CompareAndSwap(false, true) {
		return errors.New("authorization already running")
	}
	defer p.pinRun.Store(false)

	rec, err = p.auth.Run(ctx)
	if err != nil {
		return fmt.Errorf("authorization failed: %w", err)
	}
	p.holder.SetCurrent(rec)
	p.Discover(ctx)
	return nil
}

// Reauthorize starts the PIN flow in the background unless it is already
// running. On approval the new credential is adopted and discovery re-run.
func (p *Poller) Reauthorize(_ context.Context, reason string) {
	if !p.pinRun.CompareAndSwap(false, true) {
		p.logger.Info("Authorization already running", "reason", reason)
		return
	}

	p.mu.Lock()
	ctx := p.baseCtx
	p.mu.Unlock()

	p.logger.Warn("Starting re-authorization", "reason", reason)
	p.background.Add(1)
	go func() {
		defer p.background.Done()
		defer p.pinRun.Store(false)

		rec, err := p.auth.Run(ctx)
		if err != nil {
			p.logger.Error("Re-authorization failed", "error", err)
			return
		}
		p.holder.SetCurrent(rec)
		p.Discover(ctx)
	}()
}

// Wait blocks until background authorization has finished
func (p *Poller) Wait() {
	p.background.Wait()
}

// Discover fetches the thermostat list and creates nodes for new
// thermostats. It returns true immediately when discovery is already
// running, and false on any failure.
func (p *Poller) Discover(ctx context.Context) (ok bool) {
	if !p.discovering.CompareAndSwap(false, true) {
		p.logger.Debug("Discovery already running")
		return true
	}
	defer p.discovering.Store(false)

	defer func() {
		if r := recover(); r != nil {
			p.logger.Error("Discovery panicked", "panic", r)
			ok = false
		}
		if ok {
			metrics.DiscoverTotal.WithLabelValues(metrics.ResultOK).Inc()
		} else {
			metrics.DiscoverTotal.WithLabelValues(metrics.ResultError).Inc()
		}
	}()

	if p.holder.Current() == nil {
		p.logger.Warn("Discovery skipped, not authorized")
		return false
	}

	snap, err := p.source.Thermostats(ctx)
	if err != nil {
		p.logger.Error("Discovery failed to read thermostats", "error", err)
		return false
	}
	p.tracker.Replace(snap)

	ok = true
	for _, id := range snap.IDs() {
		address := core.ThermostatAddress(id)
		if p.registry.Has(address) {
			continue
		}
		if err := p.addThermostat(ctx, id, snap[id]); err != nil {
			p.logger.Error("Failed to add thermostat", "thermostat_id", id, "error", err)
			ok = false
		}
	}

	if !ok {
		// the next cycle discovers again and fetches whatever is still missing
		p.logger.Warn("Discovery incomplete", "thermostats", len(snap), "nodes", len(p.registry.List()))
		return false
	}

	p.discovered.Store(true)
	p.mu.Lock()
	p.lastDiscovery = p.clock.Now()
	p.mu.Unlock()

	p.logger.Info("Discovery complete", "thermostats", len(snap), "nodes", len(p.registry.List()))
	return true
}

func (p *Poller) addThermostat(ctx context.Context, id string, rev core.Revision) error {
	full, err := p.source.ThermostatFull(ctx, id)
	if err != nil {
		return err
	}
	name := full.Name
	if name == "" {
		name = rev.Name
	}
	node := devices.NewThermostat(id, nodeNamePrefix+name)
	node.Update(rev, full.Raw, full.Settings.UseCelsius, p.clock.Now())
	if err := p.registry.Register(node); err != nil {
		return err
	}
	p.logger.Info("Added thermostat", "address", node.Address(), "name", node.Name())
	return nil
}

// Cycle is the long poll: heartbeat, then discovery on the first run and
// revision updates afterwards
func (p *Poller) Cycle(ctx context.Context) {
	p.Heartbeat()

	p.mu.Lock()
	p.lastCycle = p.clock.Now()
	p.mu.Unlock()

	if p.discovering.Load() {
		p.logger.Debug("Discovery running, skipping poll")
		metrics.PollCyclesTotal.WithLabelValues(metrics.ResultSkipped).Inc()
		return
	}
	if !p.discovered.Load() {
		p.Discover(ctx)
		return
	}

	if err := p.Update(ctx); err != nil {
		p.logger.Error("Poll failed", "error", err)
		metrics.PollCyclesTotal.WithLabelValues(metrics.ResultError).Inc()
		return
	}
	metrics.PollCyclesTotal.WithLabelValues(metrics.ResultOK).Inc()
}

// Update refetches the thermostats whose revisions changed since the last
// summary and pushes the new data to their nodes
func (p *Poller) Update(ctx context.Context) error {
	snap, err := p.source.Thermostats(ctx)
	if errors.Is(err, ecobee.ErrLockHeld) {
		p.logger.Info("Token refresh in progress elsewhere, skipping update")
		return nil
	}
	if err != nil {
		return fmt.Errorf("failed to read thermostat summary: %w", err)
	}

	changed := p.tracker.Observe(snap)
	if len(changed) == 0 {
		p.logger.Debug("No thermostat changes")
		return nil
	}

	var errs []error
	for _, id := range changed {
		address := core.ThermostatAddress(id)
		node, err := p.registry.Get(address)
		if errors.Is(err, devices.ErrNodeNotFound) {
			p.logger.Warn("Changed thermostat has no node, run discover to add it", "thermostat_id", id, "address", address)
			continue
		}
		if err != nil {
			errs = append(errs, err)
			continue
		}

		full, err := p.source.ThermostatFull(ctx, id)
		if err != nil {
			p.logger.Error("Failed to fetch thermostat", "thermostat_id", id, "error", err)
			errs = append(errs, fmt.Errorf("thermostat %s: %w", id, err))
			continue
		}
		node.Update(snap[id], full.Raw, full.Settings.UseCelsius, p.clock.Now())
		p.logger.Debug("Updated thermostat", "address", address)
	}
	return errors.Join(errs...)
}

// ShortPoll has nothing to do; state only changes on the long poll
func (p *Poller) ShortPoll(context.Context) {
	p.logger.Debug("Short poll")
}

// Heartbeat alternates DON and DOF and returns the state sent
func (p *Poller) Heartbeat() string {
	p.mu.Lock()
	p.heartbeatOn = !p.heartbeatOn
	beat := HeartbeatOff
	if p.heartbeatOn {
		beat = HeartbeatOn
	}
	p.lastBeat = beat
	p.mu.Unlock()

	if beat == HeartbeatOn {
		metrics.Heartbeat.Set(1)
	} else {
		metrics.Heartbeat.Set(0)
	}
	p.logger.Debug("Heartbeat", "state", beat)
	return beat
}

// Status reports the poller state
func (p *Poller) Status() Status {
	p.mu.Lock()
	defer p.mu.Unlock()
	return Status{
		Discovering:   p.discovering.Load(),
		Discovered:    p.discovered.Load(),
		Authorizing:   p.pinRun.Load(),
		Heartbeat:     p.lastBeat,
		LastCycle:     p.lastCycle,
		LastDiscovery: p.lastDiscovery,
	}
}

// Registry returns the node registry
func (p *Poller) Registry() *devices.Registry {
	return p.registry
}
