package core

import (
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
)

var (
	ErrInvalidRevision = errors.New("invalid revision record")
)

// Revision is one thermostat's entry in the provider's summary revision list
type Revision struct {
	ThermostatID  string `json:"thermostat_id"`
	Name          string `json:"name"`
	Connected     bool   `json:"connected"`
	ThermostatRev string `json:"thermostat_rev"`
	AlertsRev     string `json:"alerts_rev"`
	RuntimeRev    string `json:"runtime_rev"`
	IntervalRev   string `json:"interval_rev"`
}

// Changed reports whether any of the four data revision markers differ.
// Name and connection state are metadata and never force a refetch.
func (r Revision) Changed(other Revision) bool {
	return r.ThermostatRev != other.ThermostatRev ||
		r.AlertsRev != other.AlertsRev ||
		r.RuntimeRev != other.RuntimeRev ||
		r.IntervalRev != other.IntervalRev
}

// Snapshot maps a thermostat identifier to its revision markers
type Snapshot map[string]Revision

// IDs returns the snapshot identifiers in sorted order
func (s Snapshot) IDs() []string {
	ids := make([]string, 0, len(s))
	for id := range s {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// ParseRevision parses a summary line of the form
// id:name:connected:thermostatRev:alertsRev:runtimeRev:intervalRev
func ParseRevision(line string) (Revision, error) {
	parts := strings.Split(line, ":")
	if len(parts) != 7 {
		return Revision{}, fmt.Errorf("%w: %q has %d fields", ErrInvalidRevision, line, len(parts))
	}
	if parts[0] == "" {
		return Revision{}, fmt.Errorf("%w: %q has no identifier", ErrInvalidRevision, line)
	}
	return Revision{
		ThermostatID:  parts[0],
		Name:          parts[1],
		Connected:     parts[2] == "true",
		ThermostatRev: parts[3],
		AlertsRev:     parts[4],
		RuntimeRev:    parts[5],
		IntervalRev:   parts[6],
	}, nil
}

// ParseRevisionList builds a snapshot from the summary revisionList
func ParseRevisionList(lines []string) (Snapshot, error) {
	snap := make(Snapshot, len(lines))
	for _, line := range lines {
		rev, err := ParseRevision(line)
		if err != nil {
			return nil, err
		}
		snap[rev.ThermostatID] = rev
	}
	return snap, nil
}

// Diff returns, sorted, the identifiers in current that need a full refetch:
// those absent from previous and those whose revision markers changed.
// Identifiers only present in previous are not reported.
func Diff(previous, current Snapshot) []string {
	changed := make([]string, 0)
	for id, cur := range current {
		prev, ok := previous[id]
		if !ok || cur.Changed(prev) {
			changed = append(changed, id)
		}
	}
	sort.Strings(changed)
	return changed
}

// Tracker holds the last observed snapshot in memory
type Tracker struct {
	previous Snapshot
	mu       sync.Mutex
}

// NewTracker creates a tracker with an empty snapshot, so the first
// observation reports every thermostat
func NewTracker() *Tracker {
	return &Tracker{previous: make(Snapshot)}
}

// Observe diffs current against the held snapshot and then replaces it
// wholesale
func (t *Tracker) Observe(current Snapshot) []string {
	t.mu.Lock()
	defer t.mu.Unlock()

	changed := Diff(t.previous, current)
	t.previous = current.clone()
	return changed
}

// Replace stores current without diffing
func (t *Tracker) Replace(current Snapshot) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.previous = current.clone()
}

// Snapshot returns a copy of the held snapshot
func (t *Tracker) Snapshot() Snapshot {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.previous.clone()
}

func (s Snapshot) clone() Snapshot {
	c := make(Snapshot, len(s))
	for k, v := range s {
		c[k] = v
	}
	return c
}

// ThermostatAddress maps a thermostat identifier to its node address
func ThermostatAddress(id string) string {
	return "t" + id
}
