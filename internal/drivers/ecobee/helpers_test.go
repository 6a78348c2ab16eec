package ecobee

import (
	"context"
	"ecobridge/internal/clock"
	"ecobridge/internal/storage/memory"
	"ecobridge/internal/tokens"
	"encoding/json"
	"errors"
	"log/slog"
	"net/url"
	"os"
	"sync"
	"testing"
	"time"

	"golang.org/x/oauth2"
)

var testNow = time.Date(2026, 3, 4, 10, 0, 0, 0, time.UTC)

var errNetwork = errors.New("connection refused")

type sessionCall struct {
	Method  string
	Path    string
	Params  url.Values
	Payload any
	Token   *oauth2.Token
}

// fakeSession records calls and answers them through handler
type fakeSession struct {
	mu      sync.Mutex
	calls   []sessionCall
	handler func(c sessionCall) (*Result, error)
}

func (f *fakeSession) Get(ctx context.Context, path string, params url.Values, tok *oauth2.Token) (*Result, error) {
	return f.record(sessionCall{Method: "GET", Path: path, Params: params, Token: tok})
}

func (f *fakeSession) Post(ctx context.Context, path string, params url.Values, payload any, tok *oauth2.Token) (*Result, error) {
	return f.record(sessionCall{Method: "POST", Path: path, Params: params, Payload: payload, Token: tok})
}

func (f *fakeSession) record(c sessionCall) (*Result, error) {
	f.mu.Lock()
	f.calls = append(f.calls, c)
	handler := f.handler
	f.mu.Unlock()

	if handler == nil {
		return nil, errNetwork
	}
	return handler(c)
}

func (f *fakeSession) Calls() []sessionCall {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]sessionCall(nil), f.calls...)
}

func (f *fakeSession) CallsTo(path string) int {
	n := 0
	for _, c := range f.Calls() {
		if c.Path == path {
			n++
		}
	}
	return n
}

func jsonResult(code int, body string) *Result {
	return &Result{Code: code, Data: json.RawMessage(body)}
}

// fakeNotifier keeps notices like the host's notice board
type fakeNotifier struct {
	mu      sync.Mutex
	notices map[string]string
	cleared int
}

func newFakeNotifier() *fakeNotifier {
	return &fakeNotifier{notices: make(map[string]string)}
}

func (n *fakeNotifier) Notify(ctx context.Context, key, message string) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.notices[key] = message
	return nil
}

func (n *fakeNotifier) Clear(ctx context.Context) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.notices = make(map[string]string)
	n.cleared++
	return nil
}

func (n *fakeNotifier) Get(key string) (string, bool) {
	n.mu.Lock()
	defer n.mu.Unlock()
	msg, ok := n.notices[key]
	return msg, ok
}

type reauthRecorder struct {
	mu      sync.Mutex
	reasons []string
}

func (r *reauthRecorder) Reauthorize(ctx context.Context, reason string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.reasons = append(r.reasons, reason)
}

func (r *reauthRecorder) Reasons() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.reasons...)
}

// harness wires a refresher against an in-memory store
type harness struct {
	backend   *memory.MemoryStorage
	store     *tokens.Store
	clock     *clock.MockClock
	session   *fakeSession
	notifier  *fakeNotifier
	status    *Status
	refresher *Refresher
	reauth    *reauthRecorder
	logger    *slog.Logger
}

const testPollInterval = 180 * time.Second

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelWarn}))
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	return newHarnessOn(t, memory.New())
}

// newHarnessOn builds a second instance sharing backend
func newHarnessOn(t *testing.T, backend *memory.MemoryStorage) *harness {
	t.Helper()
	logger := testLogger()
	clk := clock.NewMock(testNow)
	store := tokens.NewStore(backend, clk, logger)
	session := &fakeSession{}
	notifier := newFakeNotifier()
	status := NewStatus(logger)
	reauth := &reauthRecorder{}

	refresher := NewRefresher(RefresherConfig{
		ClientID:     "client-123",
		PollInterval: testPollInterval,
	}, session, store, tokens.NewBlobLock(store, 0), notifier, status, clk, logger)
	refresher.SetReauthorizer(reauth)

	return &harness{
		backend:   backend,
		store:     store,
		clock:     clk,
		session:   session,
		notifier:  notifier,
		status:    status,
		refresher: refresher,
		reauth:    reauth,
		logger:    logger,
	}
}

// seedTokens persists rec and loads it into memory, as startup does
func (h *harness) seedTokens(t *testing.T, rec *tokens.Record) {
	t.Helper()
	if err := h.store.Save(context.Background(), rec); err != nil {
		t.Fatalf("seed tokens: %v", err)
	}
	h.refresher.SetCurrent(rec)
}
