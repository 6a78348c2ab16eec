package ecobee

import (
	"context"
	"ecobridge/internal/clock"
	"ecobridge/internal/tokens"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"sync"
	"time"
)

// AuthState is the PIN handshake state
type AuthState int

const (
	AuthIdle AuthState = iota
	AuthPinRequested
	AuthAwaitingApproval
	AuthAuthorized
)

func (s AuthState) String() string {
	switch s {
	case AuthIdle:
		return "idle"
	case AuthPinRequested:
		return "pin_requested"
	case AuthAwaitingApproval:
		return "awaiting_approval"
	case AuthAuthorized:
		return "authorized"
	default:
		return "unknown"
	}
}

// Backoff is the approval poll schedule: Initial, then Increment more after
// each failed poll, never above Max
type Backoff struct {
	Initial   time.Duration
	Increment time.Duration
	Max       time.Duration
}

// DefaultBackoff polls after 30s, 60s, 90s ... up to every 180s
func DefaultBackoff() Backoff {
	return Backoff{
		Initial:   30 * time.Second,
		Increment: 30 * time.Second,
		Max:       180 * time.Second,
	}
}

// Next returns the wait that follows current; zero starts the schedule
func (b Backoff) Next(current time.Duration) time.Duration {
	if current <= 0 {
		return b.Initial
	}
	next := current + b.Increment
	if next > b.Max {
		return b.Max
	}
	return next
}

// Pin is an issued pairing code
type Pin struct {
	Code      string // shown to the user
	AuthCode  string // exchanged at the token endpoint
	Scope     string
	ExpiresAt time.Time
}

// AuthFlowConfig configures the PIN handshake
type AuthFlowConfig struct {
	ClientID string
	Scope    string
	Backoff  Backoff
	// PinTimeout is used when the provider does not say how long a PIN lives
	PinTimeout time.Duration
}

// AuthFlow drives the PIN device-pairing handshake
type AuthFlow struct {
	config   AuthFlowConfig
	session  Session
	store    *tokens.Store
	notifier Notifier
	status   *Status
	clock    clock.Clock
	logger   *slog.Logger

	mu    sync.RWMutex
	state AuthState
}

// NewAuthFlow creates an idle flow
func NewAuthFlow(config AuthFlowConfig, session Session, store *tokens.Store, notifier Notifier, status *Status, clk clock.Clock, logger *slog.Logger) *AuthFlow {
	if config.Scope == "" {
		config.Scope = "smartWrite"
	}
	if config.Backoff == (Backoff{}) {
		config.Backoff = DefaultBackoff()
	}
	if config.PinTimeout <= 0 {
		config.PinTimeout = 10 * time.Minute
	}
	if clk == nil {
		clk = clock.RealClock{}
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &AuthFlow{
		config:   config,
		session:  session,
		store:    store,
		notifier: notifier,
		status:   status,
		clock:    clk,
		logger:   logger.With("component", "auth"),
	}
}

// State returns the current handshake state
func (f *AuthFlow) State() AuthState {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return f.state
}

func (f *AuthFlow) setState(s AuthState) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.state != s {
		f.logger.Debug("Auth state changed", "from", f.state.String(), "to", s.String())
		f.state = s
	}
}

// Run requests a PIN and waits until the user approves it or ctx ends
func (f *AuthFlow) Run(ctx context.Context) (*tokens.Record, error) {
	pin, err := f.RequestPin(ctx)
	if err != nil {
		return nil, err
	}
	return f.AwaitApproval(ctx, pin)
}

// RequestPin asks the provider for a new PIN and shows it to the user
func (f *AuthFlow) RequestPin(ctx context.Context) (*Pin, error) {
	f.setState(AuthPinRequested)

	params := url.Values{}
	params.Set("response_type", responseTypePin)
	params.Set("client_id", f.config.ClientID)
	params.Set("scope", f.config.Scope)

	res, err := f.session.Get(ctx, "authorize", params, nil)
	if err != nil {
		f.status.SetConnected(false)
		f.setState(AuthIdle)
		return nil, fmt.Errorf("%w: %w", ErrPinFailed, err)
	}
	f.status.SetConnected(true)

	var pr pinResponse
	if res.Data != nil {
		if err := json.Unmarshal(res.Data, &pr); err != nil {
			f.logger.Warn("Unreadable authorize response", "error", err)
		}
	}
	if pr.EcobeePin == "" {
		msg := fmt.Sprintf("ecobeePin Failed code=%d: %s", res.Code, string(res.Data))
		f.notify(ctx, NoticeGetPin, msg)
		f.setState(AuthIdle)
		return nil, fmt.Errorf("%w: status %d", ErrPinFailed, res.Code)
	}

	lifetime := f.config.PinTimeout
	if pr.ExpiresIn > 0 {
		lifetime = time.Duration(pr.ExpiresIn) * time.Minute
	}
	pin := &Pin{
		Code:      pr.EcobeePin,
		AuthCode:  pr.Code,
		Scope:     pr.Scope,
		ExpiresAt: f.clock.Now().Add(lifetime),
	}

	msg := fmt.Sprintf("Log in to your ecobee account at https://www.ecobee.com/consumerportal/index.html, "+
		"open My Apps > Add Application and enter PIN: %s. The PIN is valid for %d minutes; "+
		"a new one is issued automatically if it runs out.", pin.Code, int(lifetime.Minutes()))
	f.logger.Info("PIN issued", "pin", pin.Code, "expires_at", pin.ExpiresAt)
	f.notify(ctx, NoticeGetPin, msg)

	f.setState(AuthAwaitingApproval)
	return pin, nil
}

// AwaitApproval polls the token endpoint on the backoff schedule until the
// PIN is approved or another instance sharing the store finishes pairing
// first. An expired PIN is replaced and the new one shown. Only ctx ends
// the wait early.
func (f *AuthFlow) AwaitApproval(ctx context.Context, pin *Pin) (*tokens.Record, error) {
	f.setState(AuthAwaitingApproval)

	// whatever is stored now is what this flow is replacing
	baseline, err := f.store.Load(ctx)
	if err != nil {
		f.logger.Warn("Failed to read stored tokens", "error", err)
	}

	var wait time.Duration
	for {
		wait = f.config.Backoff.Next(wait)
		if err := f.clock.Sleep(ctx, wait); err != nil {
			f.setState(AuthIdle)
			return nil, err
		}

		if rec := f.pairedElsewhere(ctx, baseline); rec != nil {
			f.logger.Info("Another instance completed authorization, adopting its tokens",
				"expires", rec.Expires)
			f.authorized(ctx)
			return rec, nil
		}

		if !f.clock.Now().Before(pin.ExpiresAt) {
			f.logger.Warn("PIN expired before approval, requesting a new one", "pin", pin.Code)
			fresh, err := f.RequestPin(ctx)
			if err != nil {
				if ctxErr := ctx.Err(); ctxErr != nil {
					return nil, ctxErr
				}
				f.logger.Error("Failed to replace expired PIN", "error", err)
				f.setState(AuthAwaitingApproval)
				continue
			}
			pin = fresh
			wait = 0
			continue
		}

		rec, err := f.exchange(ctx, pin)
		if err == nil {
			return rec, nil
		}
		if ctxErr := ctx.Err(); ctxErr != nil {
			f.setState(AuthIdle)
			return nil, ctxErr
		}
		if errors.Is(err, ErrPinPending) {
			f.logger.Debug("PIN not approved yet", "next_wait", f.config.Backoff.Next(wait).String())
		} else {
			f.logger.Warn("PIN token request failed, will retry", "error", err)
		}
	}
}

// exchange trades an approved PIN for the first token set and persists it
func (f *AuthFlow) exchange(ctx context.Context, pin *Pin) (*tokens.Record, error) {
	params := url.Values{}
	params.Set("grant_type", grantTypePin)
	params.Set("client_id", f.config.ClientID)
	params.Set("code", pin.AuthCode)

	issued := f.clock.Now()
	res, err := f.session.Post(ctx, "token", params, nil, nil)
	if err != nil {
		f.status.SetConnected(false)
		f.status.SetAuthorized(false)
		return nil, err
	}
	f.status.SetConnected(true)

	if res.Data == nil {
		f.status.SetAuthorized(false)
		return nil, ErrNoData
	}
	var tr tokenResponse
	if err := json.Unmarshal(res.Data, &tr); err != nil {
		return nil, fmt.Errorf("failed to decode token response: %w", err)
	}
	if tr.Error == errorAuthPending {
		return nil, ErrPinPending
	}
	if tr.Error != "" {
		f.status.SetAuthorized(false)
		return nil, fmt.Errorf("token request rejected: %s: %s", tr.Error, tr.ErrorDescription)
	}
	if tr.AccessToken == "" {
		f.status.SetAuthorized(false)
		return nil, ErrNoData
	}

	rec := tokens.NewRecord(tr.AccessToken, tr.RefreshToken, tr.TokenType, tr.Scope, tr.ExpiresIn, issued)
	if err := f.store.Save(ctx, rec); err != nil {
		return nil, fmt.Errorf("failed to save tokens: %w", err)
	}
	if err := f.store.SaveLock(ctx, nil); err != nil {
		f.logger.Warn("Failed to clear refresh lock", "error", err)
	}

	f.logger.Info("Got first set of tokens", "expires", rec.Expires)
	f.authorized(ctx)
	return rec, nil
}

// pairedElsewhere returns the stored record when it is usable and is not
// the one that was stored when the wait began
func (f *AuthFlow) pairedElsewhere(ctx context.Context, baseline *tokens.Record) *tokens.Record {
	rec, err := f.store.Load(ctx)
	if err != nil {
		f.logger.Warn("Failed to read stored tokens", "error", err)
		return nil
	}
	if !rec.Valid() {
		return nil
	}
	if baseline != nil && rec.AccessToken == baseline.AccessToken && rec.RefreshToken == baseline.RefreshToken {
		return nil
	}
	return rec
}

func (f *AuthFlow) authorized(ctx context.Context) {
	f.setState(AuthAuthorized)
	f.status.SetAuthorized(true)
	if err := f.notifier.Clear(ctx); err != nil {
		f.logger.Warn("Failed to clear notices", "error", err)
	}
}

func (f *AuthFlow) notify(ctx context.Context, key, msg string) {
	if err := f.notifier.Notify(ctx, key, msg); err != nil {
		f.logger.Warn("Failed to deliver notice", "key", key, "error", err)
	}
}
