package ecobee

import (
	"context"
	"ecobridge/internal/clock"
	"ecobridge/internal/metrics"
	"ecobridge/internal/tokens"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"sync"
	"time"

	"golang.org/x/oauth2"
)

// DefaultRefreshFactor times the long poll interval is how much lifetime a
// token must have left before it is refreshed
const DefaultRefreshFactor = 2.0

// RefresherConfig configures token refresh
type RefresherConfig struct {
	ClientID      string
	PollInterval  time.Duration
	RefreshFactor float64
}

// Refresher keeps the shared token pair valid. It owns the in-memory copy of
// the token record and reconciles it with the store before every refresh.
type Refresher struct {
	config   RefresherConfig
	session  Session
	store    *tokens.Store
	locker   Locker
	notifier Notifier
	status   *Status
	clock    clock.Clock
	logger   *slog.Logger

	mu      sync.RWMutex // protects current and reauth
	current *tokens.Record
	reauth  Reauthorizer

	refreshMu sync.Mutex // one refresh at a time in this process
}

// NewRefresher creates a refresher with no token loaded
func NewRefresher(config RefresherConfig, session Session, store *tokens.Store, locker Locker, notifier Notifier, status *Status, clk clock.Clock, logger *slog.Logger) *Refresher {
	if config.RefreshFactor <= 0 {
		config.RefreshFactor = DefaultRefreshFactor
	}
	if clk == nil {
		clk = clock.RealClock{}
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Refresher{
		config:   config,
		session:  session,
		store:    store,
		locker:   locker,
		notifier: notifier,
		status:   status,
		clock:    clk,
		logger:   logger.With("component", "refresh"),
	}
}

// SetReauthorizer installs the hook run when the credential is rejected
func (r *Refresher) SetReauthorizer(h Reauthorizer) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.reauth = h
}

// Current returns a copy of the in-memory token record, or nil
func (r *Refresher) Current() *tokens.Record {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.current.Clone()
}

// SetCurrent replaces the in-memory token record
func (r *Refresher) SetCurrent(rec *tokens.Record) {
	r.mu.Lock()
	r.current = rec.Clone()
	r.mu.Unlock()

	if rec.Valid() {
		metrics.TokenExpiryTimestamp.Set(float64(rec.Expires.Unix()))
		r.status.SetAuthorized(true)
	} else {
		metrics.TokenExpiryTimestamp.Set(0)
		r.status.SetAuthorized(false)
	}
}

// Token returns the current token for signing requests, or nil
func (r *Refresher) Token() *oauth2.Token {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if !r.current.Valid() {
		return nil
	}
	return r.current.OAuth2()
}

// threshold is the remaining lifetime below which a refresh is due
func (r *Refresher) threshold() time.Duration {
	return time.Duration(float64(r.config.PollInterval) * r.config.RefreshFactor)
}

// EnsureValid returns nil if the token has enough lifetime left, refreshing
// it first when it does not. It makes no I/O when no refresh is due.
func (r *Refresher) EnsureValid(ctx context.Context) error {
	cur := r.Current()
	if cur == nil || cur.AccessToken == "" {
		r.status.SetAuthorized(false)
		return ErrNoToken
	}

	remaining := cur.Remaining(r.clock.Now())
	if remaining >= r.threshold() {
		r.status.SetAuthorized(true)
		return nil
	}

	r.logger.Info("Token expires soon, refreshing now",
		"expires", cur.Expires,
		"remaining", remaining.String(),
		"poll_interval", r.config.PollInterval.String())
	return r.Refresh(ctx)
}

// Refresh exchanges the refresh token for a new pair. Another instance may
// have already done so, in which case its result is adopted without any
// network call. Returns ErrLockHeld when another instance is mid-refresh.
func (r *Refresher) Refresh(ctx context.Context) error {
	r.refreshMu.Lock()
	defer r.refreshMu.Unlock()

	cur := r.Current()
	if cur == nil || cur.RefreshToken == "" {
		r.Reauthorize(ctx, "refresh_token not found in token data")
		metrics.RefreshTotal.WithLabelValues(metrics.ResultReauth).Inc()
		return ErrReauthRequired
	}

	persisted, err := r.store.Load(ctx)
	if err != nil {
		metrics.RefreshTotal.WithLabelValues(metrics.ResultError).Inc()
		return fmt.Errorf("%w: %w", ErrRefreshFailed, err)
	}
	if persisted == nil {
		// discarded after another instance's token was rejected
		r.Reauthorize(ctx, "stored tokens were discarded by another instance")
		metrics.RefreshTotal.WithLabelValues(metrics.ResultReauth).Inc()
		return ErrReauthRequired
	}
	if persisted.RefreshToken != cur.RefreshToken {
		r.logger.Warn("Another instance already refreshed the token, adopting it",
			"expires", persisted.Expires)
		r.SetCurrent(persisted)
		metrics.RefreshTotal.WithLabelValues(metrics.ResultAdopted).Inc()
		return nil
	}

	acquired, err := r.locker.Acquire(ctx)
	if err != nil {
		metrics.RefreshTotal.WithLabelValues(metrics.ResultError).Inc()
		return fmt.Errorf("%w: %w", ErrRefreshFailed, err)
	}
	if !acquired {
		r.logger.Warn("Refresh lock held by another instance, will retry next cycle")
		metrics.RefreshTotal.WithLabelValues(metrics.ResultLockHeld).Inc()
		return ErrLockHeld
	}
	defer r.release(ctx)

	err = r.exchange(ctx, cur)
	switch {
	case err == nil:
		metrics.RefreshTotal.WithLabelValues(metrics.ResultOK).Inc()
	case errors.Is(err, ErrReauthRequired):
		metrics.RefreshTotal.WithLabelValues(metrics.ResultReauth).Inc()
	default:
		metrics.RefreshTotal.WithLabelValues(metrics.ResultError).Inc()
	}
	return err
}

// release frees the lock even when ctx was cancelled mid-refresh
func (r *Refresher) release(ctx context.Context) {
	if err := r.locker.Release(context.WithoutCancel(ctx)); err != nil {
		r.logger.Error("Failed to release refresh lock", "error", err)
		return
	}
	r.logger.Debug("Cleared refresh lock")
}

// exchange calls the token endpoint with the lock held
func (r *Refresher) exchange(ctx context.Context, cur *tokens.Record) error {
	params := url.Values{}
	params.Set("grant_type", grantTypeRefresh)
	params.Set("client_id", r.config.ClientID)
	params.Set("refresh_token", cur.RefreshToken)

	issued := r.clock.Now()
	res, err := r.session.Post(ctx, "token", params, nil, nil)
	if err != nil {
		r.status.SetConnected(false)
		return fmt.Errorf("%w: %w", ErrRefreshFailed, err)
	}
	r.status.SetConnected(true)

	if res.Data == nil {
		r.logger.Error("Token endpoint returned no data", "code", res.Code)
		return fmt.Errorf("%w: %w", ErrRefreshFailed, ErrNoData)
	}
	var tr tokenResponse
	if err := json.Unmarshal(res.Data, &tr); err != nil {
		return fmt.Errorf("%w: failed to decode token response: %w", ErrRefreshFailed, err)
	}

	if tr.Error != "" {
		r.notify(ctx, NoticeGrantError, fmt.Sprintf("%s: %s", tr.Error, tr.ErrorDescription))
		r.notify(ctx, NoticeGrantInfo, fmt.Sprintf("For access_token=%s refresh_token=%s expires=%s",
			cur.AccessToken, cur.RefreshToken, cur.Expires.Format(tokens.TimeLayout)))
		r.logger.Error("Refresh rejected",
			"error", tr.Error,
			"description", tr.ErrorDescription,
			"access_token", cur.AccessToken,
			"refresh_token", cur.RefreshToken,
			"expires", cur.Expires)

		if tr.Error == errorInvalidGrant {
			r.Reauthorize(ctx, tr.Error)
			return ErrReauthRequired
		}
		return fmt.Errorf("%w: %s", ErrRefreshFailed, tr.Error)
	}

	if tr.AccessToken == "" {
		return fmt.Errorf("%w: response has no access token", ErrRefreshFailed)
	}

	rec := tokens.NewRecord(tr.AccessToken, tr.RefreshToken, tr.TokenType, tr.Scope, tr.ExpiresIn, issued)
	if err := r.store.Save(ctx, rec); err != nil {
		return fmt.Errorf("%w: %w", ErrRefreshFailed, err)
	}
	r.SetCurrent(rec)
	r.logger.Info("Tokens refreshed", "expires", rec.Expires)

	if err := r.notifier.Clear(ctx); err != nil {
		r.logger.Warn("Failed to clear notices", "error", err)
	}
	return nil
}

// Reauthorize drops the current credential everywhere and hands over to the
// PIN flow
func (r *Refresher) Reauthorize(ctx context.Context, reason string) {
	r.logger.Error("Re-authorization required", "reason", reason)

	if err := r.store.Discard(context.WithoutCancel(ctx)); err != nil {
		r.logger.Error("Failed to discard stored tokens", "error", err)
	}
	r.SetCurrent(nil)

	r.mu.RLock()
	hook := r.reauth
	r.mu.RUnlock()
	if hook == nil {
		r.logger.Warn("No re-authorization handler installed")
		return
	}
	hook.Reauthorize(ctx, reason)
}

func (r *Refresher) notify(ctx context.Context, key, msg string) {
	if err := r.notifier.Notify(ctx, key, msg); err != nil {
		r.logger.Warn("Failed to deliver notice", "key", key, "error", err)
	}
}
