package ecobee

import (
	"log/slog"
	"sync"
	"time"
)

// Status tracks whether the provider is reachable and whether we hold a
// usable token. Changes are logged once, not on every call.
type Status struct {
	mu         sync.RWMutex
	authorized bool
	connected  bool
	changedAt  time.Time
	logger     *slog.Logger
}

// NewStatus starts disconnected and unauthorized
func NewStatus(logger *slog.Logger) *Status {
	if logger == nil {
		logger = slog.Default()
	}
	return &Status{logger: logger.With("component", "ecobee-status")}
}

// SetAuthorized records token validity
func (s *Status) SetAuthorized(v bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.authorized != v {
		s.logger.Info("Authorization status changed", "authorized", v)
		s.authorized = v
		s.changedAt = time.Now()
	}
}

// SetConnected records transport success
func (s *Status) SetConnected(v bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.connected != v {
		s.logger.Info("Connection status changed", "connected", v)
		s.connected = v
		s.changedAt = time.Now()
	}
}

func (s *Status) Authorized() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.authorized
}

func (s *Status) Connected() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.connected
}

// ChangedAt is when either flag last changed
func (s *Status) ChangedAt() time.Time {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.changedAt
}
