package api

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"ecobridge/internal/api/middleware"
	"ecobridge/internal/core"
	"ecobridge/internal/devices"
	"ecobridge/internal/drivers/ecobee"
	"ecobridge/internal/notify"
	"ecobridge/internal/poller"
	"ecobridge/internal/tokens"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testKey = "secret-key"

type fakePoller struct {
	discoverOK bool
	updateErr  error
	discovers  int
	updates    int
}

func (p *fakePoller) Discover(context.Context) bool {
	p.discovers++
	return p.discoverOK
}

func (p *fakePoller) Update(context.Context) error {
	p.updates++
	return p.updateErr
}

func (p *fakePoller) Status() poller.Status {
	return poller.Status{Discovered: true, Heartbeat: poller.HeartbeatOn}
}

type fakeRefresher struct {
	err     error
	rec     *tokens.Record
	refresh int
}

func (r *fakeRefresher) Refresh(context.Context) error {
	r.refresh++
	return r.err
}

func (r *fakeRefresher) Current() *tokens.Record { return r.rec }

type fakeAuth struct {
	authorized bool
	connected  bool
}

func (a *fakeAuth) Authorized() bool { return a.authorized }
func (a *fakeAuth) Connected() bool  { return a.connected }

type fixture struct {
	poller    *fakePoller
	refresher *fakeRefresher
	auth      *fakeAuth
	board     *notify.Board
	registry  *devices.Registry
	router    *gin.Engine
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	gin.SetMode(gin.TestMode)

	f := &fixture{
		poller:    &fakePoller{discoverOK: true},
		refresher: &fakeRefresher{rec: tokens.NewRecord("a", "r", "Bearer", "smartWrite", 3600, time.Now())},
		auth:      &fakeAuth{authorized: true, connected: true},
		board:     notify.NewBoard(),
		registry:  devices.NewRegistry(),
	}

	node := devices.NewThermostat("123", "Ecobee - Home")
	node.Update(core.Revision{ThermostatID: "123", Name: "home", Connected: true}, json.RawMessage(`{"identifier":"123"}`), false, time.Now())
	require.NoError(t, f.registry.Register(node))

	f.router = NewRouter(RouterConfig{
		Poller:     f.poller,
		Refresher:  f.refresher,
		AuthStatus: f.auth,
		Notices:    f.board,
		Registry:   f.registry,
		InstanceID: "inst_test",
		APIKey:     testKey,
		Logger:     slog.New(slog.NewTextHandler(io.Discard, nil)),
	})
	return f
}

func (f *fixture) do(method, path string, authed bool) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, path, nil)
	if authed {
		req.Header.Set(middleware.APIKeyHeader, testKey)
	}
	w := httptest.NewRecorder()
	f.router.ServeHTTP(w, req)
	return w
}

func decode(t *testing.T, w *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var body map[string]any
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	return body
}

func TestRouter_HealthAndMetricsNeedNoAuth(t *testing.T) {
	f := newFixture(t)

	w := f.do(http.MethodGet, "/health", false)
	assert.Equal(t, http.StatusOK, w.Code)
	body := decode(t, w)
	assert.Equal(t, "ecobridge", body["service"])
	assert.Equal(t, "UP", body["status"])
	assert.NotEmpty(t, w.Header().Get(middleware.RequestIDKey))

	w = f.do(http.MethodGet, "/metrics", false)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "ecobridge_http_requests_total")
}

func TestRouter_RequiresAPIKey(t *testing.T) {
	f := newFixture(t)

	for _, path := range []string{"/v1/status", "/v1/thermostats", "/v1/notices"} {
		w := f.do(http.MethodGet, path, false)
		assert.Equal(t, http.StatusUnauthorized, w.Code, path)
	}

	req := httptest.NewRequest(http.MethodPost, "/v1/discover", nil)
	req.Header.Set(middleware.APIKeyHeader, "wrong")
	w := httptest.NewRecorder()
	f.router.ServeHTTP(w, req)
	assert.Equal(t, http.StatusUnauthorized, w.Code)
	assert.Zero(t, f.poller.discovers)
}

func TestRouter_Status(t *testing.T) {
	f := newFixture(t)

	w := f.do(http.MethodGet, "/v1/status", true)
	require.Equal(t, http.StatusOK, w.Code)

	body := decode(t, w)
	assert.Equal(t, "inst_test", body["instance_id"])
	assert.Equal(t, true, body["authorized"])
	token := body["token"].(map[string]any)
	assert.Equal(t, true, token["present"])
	assert.Equal(t, "smartWrite", token["scope"])
	pollerStatus := body["poller"].(map[string]any)
	assert.Equal(t, "DON", pollerStatus["heartbeat"])
}

func TestRouter_Thermostats(t *testing.T) {
	f := newFixture(t)

	w := f.do(http.MethodGet, "/v1/thermostats", true)
	require.Equal(t, http.StatusOK, w.Code)
	var list []map[string]any
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &list))
	require.Len(t, list, 1)
	assert.Equal(t, "t123", list[0]["address"])
	assert.NotContains(t, list[0], "data")

	w = f.do(http.MethodGet, "/v1/thermostats/t123", true)
	require.Equal(t, http.StatusOK, w.Code)
	body := decode(t, w)
	assert.Equal(t, "Ecobee - Home", body["name"])
	assert.Equal(t, "123", body["data"].(map[string]any)["identifier"])

	w = f.do(http.MethodGet, "/v1/thermostats/t999", true)
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestRouter_Notices(t *testing.T) {
	f := newFixture(t)
	require.NoError(t, f.board.Notify(context.Background(), "getPin", "enter ABCD"))

	w := f.do(http.MethodGet, "/v1/notices", true)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "enter ABCD")
}

func TestRouter_DiscoverAndPoll(t *testing.T) {
	f := newFixture(t)

	w := f.do(http.MethodPost, "/v1/discover", true)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, 1, f.poller.discovers)

	f.poller.discoverOK = false
	w = f.do(http.MethodPost, "/v1/discover", true)
	assert.Equal(t, http.StatusBadGateway, w.Code)

	w = f.do(http.MethodPost, "/v1/poll", true)
	assert.Equal(t, http.StatusOK, w.Code)

	f.poller.updateErr = errors.New("summary failed")
	w = f.do(http.MethodPost, "/v1/poll", true)
	assert.Equal(t, http.StatusBadGateway, w.Code)
	assert.Equal(t, "POLL_FAILED", decode(t, w)["code"])
	assert.Equal(t, 2, f.poller.updates)
}

func TestRouter_Refresh(t *testing.T) {
	tests := []struct {
		name     string
		err      error
		wantCode int
		wantBody string
	}{
		{name: "refreshed", wantCode: http.StatusOK},
		{name: "lock held", err: ecobee.ErrLockHeld, wantCode: http.StatusConflict, wantBody: "LOCK_HELD"},
		{name: "reauth", err: ecobee.ErrReauthRequired, wantCode: http.StatusConflict, wantBody: "REAUTH_REQUIRED"},
		{name: "no token", err: ecobee.ErrNoToken, wantCode: http.StatusConflict, wantBody: "NOT_AUTHORIZED"},
		{name: "transport", err: ecobee.ErrRefreshFailed, wantCode: http.StatusBadGateway, wantBody: "REFRESH_FAILED"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t)
			f.refresher.err = tt.err

			w := f.do(http.MethodPost, "/v1/admin/refresh", true)
			assert.Equal(t, tt.wantCode, w.Code)
			assert.Equal(t, 1, f.refresher.refresh)
			if tt.wantBody != "" {
				assert.Equal(t, tt.wantBody, decode(t, w)["code"])
			}
		})
	}
}

func TestRouter_RejectsNonJSONBody(t *testing.T) {
	f := newFixture(t)

	req := httptest.NewRequest(http.MethodPost, "/v1/poll", strings.NewReader("x=1"))
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.Header.Set(middleware.APIKeyHeader, testKey)
	w := httptest.NewRecorder()
	f.router.ServeHTTP(w, req)

	assert.Equal(t, http.StatusUnsupportedMediaType, w.Code)
	assert.Zero(t, f.poller.updates)
}

func TestRouter_HealthReportsDegradedProvider(t *testing.T) {
	f := newFixture(t)
	f.auth.authorized = false

	w := f.do(http.MethodGet, "/health", false)
	assert.Equal(t, http.StatusOK, w.Code)
	body := decode(t, w)
	assert.Equal(t, "DEGRADED", body["status"])
	assert.Equal(t, false, body["authorized"])
	assert.Equal(t, true, body["connected"])
}

func TestRouter_RequestIDFromCaller(t *testing.T) {
	f := newFixture(t)

	tests := []struct {
		name   string
		header string
		echo   bool
	}{
		{name: "safe id is echoed", header: "ha-poll.42", echo: true},
		{name: "unsafe id is replaced", header: "id\" with spaces", echo: false},
		{name: "overlong id is replaced", header: strings.Repeat("a", 65), echo: false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, "/health", nil)
			req.Header.Set(middleware.RequestIDKey, tt.header)
			w := httptest.NewRecorder()
			f.router.ServeHTTP(w, req)

			got := w.Header().Get(middleware.RequestIDKey)
			if tt.echo {
				assert.Equal(t, tt.header, got)
			} else {
				assert.NotEqual(t, tt.header, got)
				assert.True(t, strings.HasPrefix(got, "req_"))
			}
		})
	}
}

func TestRouter_CommandBodyLimits(t *testing.T) {
	f := newFixture(t)

	post := func(body, contentType string) *httptest.ResponseRecorder {
		req := httptest.NewRequest(http.MethodPost, "/v1/poll", strings.NewReader(body))
		req.Header.Set("Content-Type", contentType)
		req.Header.Set(middleware.APIKeyHeader, testKey)
		w := httptest.NewRecorder()
		f.router.ServeHTTP(w, req)
		return w
	}

	w := post(`{}`, "application/json; charset=utf-8")
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, 1, f.poller.updates)

	w = post(`{"pad":"`+strings.Repeat("x", middleware.MaxCommandBody)+`"}`, "application/json")
	assert.Equal(t, http.StatusRequestEntityTooLarge, w.Code)
	assert.Equal(t, 1, f.poller.updates)
}
