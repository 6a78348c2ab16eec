package ecobee

import (
	"context"
	"ecobridge/internal/tokens"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const refreshOK = `{"access_token":"access-2","refresh_token":"refresh-2","token_type":"Bearer","expires_in":3600,"scope":"smartWrite"}`

func tokenHandler(body string) func(c sessionCall) (*Result, error) {
	return func(c sessionCall) (*Result, error) {
		return jsonResult(200, body), nil
	}
}

func TestRefresher_EnsureValid_NoToken(t *testing.T) {
	h := newHarness(t)

	err := h.refresher.EnsureValid(context.Background())
	assert.ErrorIs(t, err, ErrNoToken)
	assert.Empty(t, h.session.Calls())
	assert.False(t, h.status.Authorized())
}

func TestRefresher_EnsureValid_FastPath(t *testing.T) {
	tests := []struct {
		name      string
		expiresIn int
	}{
		{name: "an hour left", expiresIn: 3600},
		{name: "exactly twice the poll interval", expiresIn: 360},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newHarness(t)
			h.seedTokens(t, tokens.NewRecord("access-1", "refresh-1", "Bearer", "", tt.expiresIn, testNow))

			require.NoError(t, h.refresher.EnsureValid(context.Background()))
			require.NoError(t, h.refresher.EnsureValid(context.Background()))
			assert.Empty(t, h.session.Calls())
			assert.True(t, h.status.Authorized())
		})
	}
}

func TestRefresher_EnsureValid_RefreshesWhenDue(t *testing.T) {
	tests := []struct {
		name      string
		expiresIn int
	}{
		{name: "already expired", expiresIn: -60},
		{name: "inside refresh window", expiresIn: 359},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newHarness(t)
			h.seedTokens(t, tokens.NewRecord("access-1", "refresh-1", "Bearer", "", tt.expiresIn, testNow))
			h.session.handler = tokenHandler(refreshOK)

			require.NoError(t, h.refresher.EnsureValid(context.Background()))

			calls := h.session.Calls()
			require.Len(t, calls, 1)
			assert.Equal(t, "POST", calls[0].Method)
			assert.Equal(t, "token", calls[0].Path)
			assert.Equal(t, "refresh_token", calls[0].Params.Get("grant_type"))
			assert.Equal(t, "client-123", calls[0].Params.Get("client_id"))
			assert.Equal(t, "refresh-1", calls[0].Params.Get("refresh_token"))
			assert.Equal(t, "access-2", h.refresher.Current().AccessToken)
		})
	}
}

func TestRefresher_Refresh_SuccessPersistsRecord(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.seedTokens(t, tokens.NewRecord("access-1", "refresh-1", "Bearer", "", 10, testNow))
	h.session.handler = tokenHandler(refreshOK)
	require.NoError(t, h.notifier.Notify(ctx, NoticeGrantError, "old trouble"))

	require.NoError(t, h.refresher.Refresh(ctx))

	stored, err := h.store.Load(ctx)
	require.NoError(t, err)
	require.NotNil(t, stored)
	assert.Equal(t, "access-2", stored.AccessToken)
	assert.Equal(t, "refresh-2", stored.RefreshToken)
	assert.Equal(t, testNow.Add(time.Hour), stored.Expires)

	lock, err := h.store.LoadLock(ctx)
	require.NoError(t, err)
	assert.False(t, lock.Held)

	_, stillThere := h.notifier.Get(NoticeGrantError)
	assert.False(t, stillThere)
	assert.Equal(t, "refresh-2", h.refresher.Current().RefreshToken)
	assert.Equal(t, "access-2", h.refresher.Token().AccessToken)
}

func TestRefresher_Refresh_AdoptsTokensRefreshedElsewhere(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.seedTokens(t, tokens.NewRecord("access-1", "refresh-1", "Bearer", "", 10, testNow))

	// Another instance refreshed and saved a new pair
	newer := tokens.NewRecord("access-9", "refresh-9", "Bearer", "", 3600, testNow)
	require.NoError(t, h.store.Save(ctx, newer))

	require.NoError(t, h.refresher.Refresh(ctx))
	assert.Empty(t, h.session.Calls())
	assert.Equal(t, "refresh-9", h.refresher.Current().RefreshToken)

	// Adopted token is good for an hour, so no refresh is due
	require.NoError(t, h.refresher.EnsureValid(ctx))
	assert.Empty(t, h.session.Calls())
}

func TestRefresher_Refresh_BacksOffWhenLockHeld(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.seedTokens(t, tokens.NewRecord("access-1", "refresh-1", "Bearer", "", 10, testNow))

	claimed := testNow.Add(-30 * time.Second)
	require.NoError(t, h.store.SaveLock(ctx, &claimed))

	err := h.refresher.Refresh(ctx)
	assert.ErrorIs(t, err, ErrLockHeld)
	assert.Empty(t, h.session.Calls())

	// The other holder's lock is left alone
	lock, err := h.store.LoadLock(ctx)
	require.NoError(t, err)
	assert.True(t, lock.Held)
	assert.Equal(t, claimed, lock.At)
}

func TestRefresher_Refresh_SeizesStaleLock(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.seedTokens(t, tokens.NewRecord("access-1", "refresh-1", "Bearer", "", 10, testNow))
	h.session.handler = tokenHandler(refreshOK)

	claimed := testNow.Add(-121 * time.Second)
	require.NoError(t, h.store.SaveLock(ctx, &claimed))

	require.NoError(t, h.refresher.Refresh(ctx))
	assert.Equal(t, 1, h.session.CallsTo("token"))

	lock, err := h.store.LoadLock(ctx)
	require.NoError(t, err)
	assert.False(t, lock.Held)
}

func TestRefresher_Refresh_TransportFailureClearsLock(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.seedTokens(t, tokens.NewRecord("access-1", "refresh-1", "Bearer", "", 10, testNow))
	h.session.handler = func(c sessionCall) (*Result, error) { return nil, errNetwork }

	err := h.refresher.Refresh(ctx)
	assert.ErrorIs(t, err, ErrRefreshFailed)
	assert.ErrorIs(t, err, errNetwork)
	assert.False(t, h.status.Connected())

	lock, err := h.store.LoadLock(ctx)
	require.NoError(t, err)
	assert.False(t, lock.Held)

	// Credential kept for the next cycle
	assert.Equal(t, "refresh-1", h.refresher.Current().RefreshToken)
	assert.Empty(t, h.reauth.Reasons())
}

func TestRefresher_Refresh_TransientProviderError(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.seedTokens(t, tokens.NewRecord("access-1", "refresh-1", "Bearer", "", 10, testNow))
	h.session.handler = tokenHandler(`{"error":"invalid_client","error_description":"try later"}`)

	err := h.refresher.Refresh(ctx)
	assert.ErrorIs(t, err, ErrRefreshFailed)

	msg, ok := h.notifier.Get(NoticeGrantError)
	assert.True(t, ok)
	assert.Equal(t, "invalid_client: try later", msg)

	lock, err := h.store.LoadLock(ctx)
	require.NoError(t, err)
	assert.False(t, lock.Held)

	stored, err := h.store.Load(ctx)
	require.NoError(t, err)
	assert.NotNil(t, stored)
	assert.Empty(t, h.reauth.Reasons())
}

func TestRefresher_InvalidGrantForcesReauthorization(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.seedTokens(t, tokens.NewRecord("access-1", "refresh-1", "Bearer", "", -5, testNow))
	h.session.handler = tokenHandler(`{"error":"invalid_grant","error_description":"The authorization grant is invalid"}`)

	err := h.refresher.EnsureValid(ctx)
	assert.ErrorIs(t, err, ErrReauthRequired)

	lock, err := h.store.LoadLock(ctx)
	require.NoError(t, err)
	assert.False(t, lock.Held)

	stored, err := h.store.Load(ctx)
	require.NoError(t, err)
	assert.Nil(t, stored)
	assert.Nil(t, h.refresher.Current())
	assert.False(t, h.status.Authorized())

	assert.Equal(t, []string{"invalid_grant"}, h.reauth.Reasons())

	info, ok := h.notifier.Get(NoticeGrantInfo)
	require.True(t, ok)
	assert.Contains(t, info, "access_token=access-1")
	assert.Contains(t, info, "refresh_token=refresh-1")
	_, ok = h.notifier.Get(NoticeGrantError)
	assert.True(t, ok)

	// Nothing to work with until the PIN flow completes
	assert.ErrorIs(t, h.refresher.EnsureValid(ctx), ErrNoToken)
}

func TestRefresher_NoRefreshTokenForcesReauthorization(t *testing.T) {
	h := newHarness(t)
	h.seedTokens(t, tokens.NewRecord("access-1", "", "Bearer", "", 10, testNow))

	err := h.refresher.Refresh(context.Background())
	assert.ErrorIs(t, err, ErrReauthRequired)
	assert.Empty(t, h.session.Calls())
	assert.Len(t, h.reauth.Reasons(), 1)
}

func TestRefresher_SecondInstanceObservesLockAndBacksOff(t *testing.T) {
	first := newHarness(t)
	second := newHarnessOn(t, first.backend)
	ctx := context.Background()

	rec := tokens.NewRecord("access-1", "refresh-1", "Bearer", "", 10, testNow)
	first.seedTokens(t, rec)
	second.refresher.SetCurrent(rec)

	entered := make(chan struct{})
	proceed := make(chan struct{})
	first.session.handler = func(c sessionCall) (*Result, error) {
		close(entered)
		<-proceed
		return jsonResult(200, refreshOK), nil
	}
	second.session.handler = tokenHandler(refreshOK)

	done := make(chan error, 1)
	go func() { done <- first.refresher.Refresh(ctx) }()

	select {
	case <-entered:
	case <-time.After(5 * time.Second):
		t.Fatal("first refresher never reached the token endpoint")
	}

	// First holds the lock and is mid-exchange
	err := second.refresher.Refresh(ctx)
	assert.ErrorIs(t, err, ErrLockHeld)
	assert.Empty(t, second.session.Calls())

	close(proceed)
	require.NoError(t, <-done)

	// Next cycle the second instance adopts what the first saved
	require.NoError(t, second.refresher.Refresh(ctx))
	assert.Empty(t, second.session.Calls())
	assert.Equal(t, "refresh-2", second.refresher.Current().RefreshToken)
}

func TestRefresher_ReleaseSurvivesCancelledContext(t *testing.T) {
	h := newHarness(t)
	h.seedTokens(t, tokens.NewRecord("access-1", "refresh-1", "Bearer", "", 10, testNow))

	ctx, cancel := context.WithCancel(context.Background())
	h.session.handler = func(c sessionCall) (*Result, error) {
		cancel()
		return nil, errors.New("context canceled")
	}

	assert.ErrorIs(t, h.refresher.Refresh(ctx), ErrRefreshFailed)

	lock, err := h.store.LoadLock(context.Background())
	require.NoError(t, err)
	assert.False(t, lock.Held)
}

func TestRefresher_Refresh_DiscardedElsewhereSkipsTokenCall(t *testing.T) {
	first := newHarness(t)
	second := newHarnessOn(t, first.backend)
	ctx := context.Background()

	rec := tokens.NewRecord("access-1", "refresh-1", "Bearer", "", 10, testNow)
	first.seedTokens(t, rec)
	second.refresher.SetCurrent(rec)

	// the first instance was told the grant is dead and dropped the tokens
	first.refresher.Reauthorize(ctx, "invalid_grant")

	err := second.refresher.Refresh(ctx)
	assert.ErrorIs(t, err, ErrReauthRequired)
	assert.Empty(t, second.session.Calls())
	assert.Nil(t, second.refresher.Current())
	assert.Len(t, second.reauth.Reasons(), 1)

	lock, err := second.store.LoadLock(ctx)
	require.NoError(t, err)
	assert.False(t, lock.Held)
}
