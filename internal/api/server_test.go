package api

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/nerrad567/printwatch/internal/cloud"
	"github.com/nerrad567/printwatch/internal/dispatch"
	"github.com/nerrad567/printwatch/internal/errorlookup"
	"github.com/nerrad567/printwatch/internal/history"
	"github.com/nerrad567/printwatch/internal/infrastructure/config"
	"github.com/nerrad567/printwatch/internal/infrastructure/logging"
	"github.com/nerrad567/printwatch/internal/session"
	"github.com/nerrad567/printwatch/internal/supervisor"
)

// ─── Fakes ─────────────────────────────────────────────────────────

type fakeFleet struct {
	mu         sync.Mutex
	handles    []supervisor.Handle
	snaps      map[string]session.Snapshot
	restartErr error
	restarted  []string
}

func newFakeFleet() *fakeFleet {
	return &fakeFleet{
		handles: []supervisor.Handle{
			{DeviceID: "P1", Title: "Workshop", Phase: supervisor.PhaseConnected},
			{DeviceID: "P2", Title: "Garage", Phase: supervisor.PhaseStopped, Parked: true, LastError: "cloud: not logged in"},
		},
		snaps: map[string]session.Snapshot{
			"P1": {PrinterID: "P1", Printer: "Workshop", Connected: true, Percent: 42, State: "RUNNING"},
			"P2": {PrinterID: "P2", Printer: "Garage"},
		},
	}
}

func (f *fakeFleet) Handles() []supervisor.Handle {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]supervisor.Handle(nil), f.handles...)
}

func (f *fakeFleet) Status(id string) (supervisor.Handle, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, h := range f.handles {
		if h.DeviceID == id {
			return h, true
		}
	}
	return supervisor.Handle{}, false
}

func (f *fakeFleet) Snapshot(id string) (session.Snapshot, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	s, ok := f.snaps[id]
	return s, ok
}

func (f *fakeFleet) Snapshots() []session.Snapshot {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]session.Snapshot, 0, len(f.handles))
	for _, h := range f.handles {
		out = append(out, f.snaps[h.DeviceID])
	}
	return out
}

func (f *fakeFleet) Restart(_ context.Context, id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.restartErr != nil {
		return f.restartErr
	}
	for i := range f.handles {
		if f.handles[i].DeviceID == id {
			f.restarted = append(f.restarted, id)
			f.handles[i].Parked = false
			f.handles[i].Phase = supervisor.PhaseStarting
			return nil
		}
	}
	return fmt.Errorf("%w: %s", supervisor.ErrUnknownDevice, id)
}

func (f *fakeFleet) Stats() supervisor.Stats {
	return supervisor.Stats{Sessions: 2, Connected: 1, Parked: 1}
}

func (f *fakeFleet) restarts() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.restarted...)
}

type fakeCloud struct {
	mu       sync.Mutex
	status   cloud.Status
	err      error
	codes    []string
	logins   []string
	password string
}

func (c *fakeCloud) Status() cloud.Status {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.status
}

func (c *fakeCloud) Login(_ context.Context, account, password string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.logins = append(c.logins, account+":"+password)
	return c.err
}

func (c *fakeCloud) SubmitVerificationCode(_ context.Context, code string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.codes = append(c.codes, "verify:"+code)
	return c.err
}

func (c *fakeCloud) SubmitTwoFactor(_ context.Context, code string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.codes = append(c.codes, "tfa:"+code)
	return c.err
}

func (c *fakeCloud) Account() string  { return "maker@example.com" }
func (c *fakeCloud) Password() string { return c.password }

type fakeHistory struct {
	mu        sync.Mutex
	entries   []history.Entry
	err       error
	lastLimit int
}

func (h *fakeHistory) List(_ context.Context, deviceID string, limit int) ([]history.Entry, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.lastLimit = limit
	if h.err != nil {
		return nil, h.err
	}
	var out []history.Entry
	for _, e := range h.entries {
		if e.DeviceID == deviceID {
			out = append(out, e)
		}
	}
	return out, nil
}

type fakeCheck struct{ err error }

func (c fakeCheck) HealthCheck(context.Context) error { return c.err }

// ─── Helpers ───────────────────────────────────────────────────────

type testDeps struct {
	fleet   *fakeFleet
	cloud   *fakeCloud
	history *fakeHistory
}

func testServer(t *testing.T, mutate func(*Deps)) (*Server, testDeps) {
	t.Helper()
	td := testDeps{
		fleet: newFakeFleet(),
		cloud: &fakeCloud{status: cloud.Status{Pending: cloud.PendingNone, Account: "maker@example.com"}},
		history: &fakeHistory{entries: []history.Entry{
			{ID: 1, DeviceID: "P1", From: "IDLE", To: "RUNNING", Reason: "status"},
		}},
	}
	deps := Deps{
		Config: config.APIConfig{
			Host:     "127.0.0.1",
			Timeouts: config.APITimeoutConfig{Read: 5, Write: 5, Idle: 5},
		},
		WS:      config.WebSocketConfig{Path: "/ws", MaxMessageSize: 8192, PingInterval: 30, PongTimeout: 10},
		Logger:  logging.Discard(),
		Fleet:   td.fleet,
		Cloud:   td.cloud,
		History: td.history,
		Version: "test",
	}
	if mutate != nil {
		mutate(&deps)
	}
	srv, err := New(deps)
	if err != nil {
		t.Fatalf("New() error: %v", err)
	}
	return srv, td
}

func do(t *testing.T, srv *Server, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	var req *http.Request
	if body == "" {
		req = httptest.NewRequest(method, path, nil)
	} else {
		req = httptest.NewRequest(method, path, strings.NewReader(body))
		req.Header.Set("Content-Type", "application/json")
	}
	w := httptest.NewRecorder()
	srv.Handler().ServeHTTP(w, req)
	return w
}

func decode(t *testing.T, w *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var out map[string]any
	if err := json.Unmarshal(w.Body.Bytes(), &out); err != nil {
		t.Fatalf("unmarshal %q: %v", w.Body.String(), err)
	}
	return out
}

// ─── Construction ──────────────────────────────────────────────────

func TestNew_RequiresDeps(t *testing.T) {
	if _, err := New(Deps{Fleet: newFakeFleet()}); err == nil {
		t.Error("New() without logger should fail")
	}
	if _, err := New(Deps{Logger: logging.Discard()}); err == nil {
		t.Error("New() without fleet should fail")
	}
}

// ─── Health Endpoint Tests ─────────────────────────────────────────

func TestHealth(t *testing.T) {
	srv, _ := testServer(t, func(d *Deps) {
		d.Checks = map[string]HealthChecker{"database": fakeCheck{}}
	})

	w := do(t, srv, http.MethodGet, "/api/v1/health", "")
	if w.Code != http.StatusOK {
		t.Fatalf("health status = %d, want %d", w.Code, http.StatusOK)
	}
	if ct := w.Header().Get("Content-Type"); ct != "application/json" {
		t.Errorf("Content-Type = %q", ct)
	}

	resp := decode(t, w)
	if resp["status"] != "ok" || resp["version"] != "test" {
		t.Errorf("health = %v", resp)
	}
	printers, _ := resp["printers"].(map[string]any)
	if printers["sessions"] != float64(2) || printers["parked"] != float64(1) {
		t.Errorf("printers = %v", printers)
	}
}

func TestHealth_Degraded(t *testing.T) {
	srv, _ := testServer(t, func(d *Deps) {
		d.Checks = map[string]HealthChecker{
			"database": fakeCheck{},
			"influxdb": fakeCheck{err: errors.New("connection refused")},
		}
	})

	w := do(t, srv, http.MethodGet, "/api/v1/health", "")
	if w.Code != http.StatusServiceUnavailable {
		t.Fatalf("health status = %d, want 503", w.Code)
	}
	resp := decode(t, w)
	backends, _ := resp["backends"].(map[string]any)
	if resp["status"] != "degraded" || backends["database"] != "ok" || backends["influxdb"] != "connection refused" {
		t.Errorf("health = %v", resp)
	}
}

// ─── Middleware Tests ──────────────────────────────────────────────

func TestRequestID(t *testing.T) {
	srv, _ := testServer(t, nil)

	w := do(t, srv, http.MethodGet, "/api/v1/health", "")
	if w.Header().Get("X-Request-ID") == "" {
		t.Error("expected X-Request-ID header to be set")
	}

	req := httptest.NewRequest(http.MethodGet, "/api/v1/health", nil)
	req.Header.Set("X-Request-ID", "client-123")
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)
	if got := rec.Header().Get("X-Request-ID"); got != "client-123" {
		t.Errorf("X-Request-ID = %q, want %q", got, "client-123")
	}
}

func TestCORS_Preflight(t *testing.T) {
	srv, _ := testServer(t, nil)

	req := httptest.NewRequest(http.MethodOptions, "/api/v1/printers", nil)
	req.Header.Set("Origin", "http://localhost:3000")
	req.Header.Set("Access-Control-Request-Method", http.MethodGet)
	w := httptest.NewRecorder()
	srv.Handler().ServeHTTP(w, req)

	if w.Code >= 300 {
		t.Errorf("preflight status = %d, want 2xx", w.Code)
	}
	if got := w.Header().Get("Access-Control-Allow-Origin"); got == "" {
		t.Error("preflight response has no Access-Control-Allow-Origin")
	}
}

func TestRecovery(t *testing.T) {
	srv, _ := testServer(t, nil)
	h := srv.recoveryMiddleware(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {
		panic("boom")
	}))

	w := httptest.NewRecorder()
	h.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/", nil))
	if w.Code != http.StatusInternalServerError {
		t.Errorf("status = %d, want 500", w.Code)
	}
}

func TestNotFound(t *testing.T) {
	srv, _ := testServer(t, nil)
	if w := do(t, srv, http.MethodGet, "/api/v1/nonexistent", ""); w.Code != http.StatusNotFound {
		t.Errorf("unknown route status = %d, want %d", w.Code, http.StatusNotFound)
	}
}

// ─── Printer Tests ─────────────────────────────────────────────────

func TestListPrinters(t *testing.T) {
	srv, _ := testServer(t, nil)

	w := do(t, srv, http.MethodGet, "/api/v1/printers", "")
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d", w.Code)
	}

	var resp struct {
		Printers []printerView `json:"printers"`
		Count    int           `json:"count"`
	}
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatal(err)
	}
	if resp.Count != 2 || len(resp.Printers) != 2 {
		t.Fatalf("count = %d, printers = %d", resp.Count, len(resp.Printers))
	}
	p1 := resp.Printers[0]
	if p1.DeviceID != "P1" || p1.Phase != supervisor.PhaseConnected || p1.Snapshot.Percent != 42 {
		t.Errorf("printers[0] = %+v", p1)
	}
	if !resp.Printers[1].Parked {
		t.Error("printers[1] should be parked")
	}
}

func TestGetPrinter(t *testing.T) {
	srv, _ := testServer(t, nil)

	w := do(t, srv, http.MethodGet, "/api/v1/printers/P1", "")
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d", w.Code)
	}
	resp := decode(t, w)
	snap, _ := resp["snapshot"].(map[string]any)
	if resp["device_id"] != "P1" || snap["state"] != "RUNNING" {
		t.Errorf("printer = %v", resp)
	}

	if w := do(t, srv, http.MethodGet, "/api/v1/printers/NOPE", ""); w.Code != http.StatusNotFound {
		t.Errorf("unknown printer status = %d, want 404", w.Code)
	}
}

func TestPrinterHistory(t *testing.T) {
	srv, td := testServer(t, nil)

	tests := []struct {
		name      string
		path      string
		wantCode  int
		wantLimit int
	}{
		{"default limit", "/api/v1/printers/P1/history", http.StatusOK, defaultHistoryLimit},
		{"explicit limit", "/api/v1/printers/P1/history?limit=5", http.StatusOK, 5},
		{"capped limit", "/api/v1/printers/P1/history?limit=9999", http.StatusOK, maxHistoryLimit},
		{"bad limit", "/api/v1/printers/P1/history?limit=abc", http.StatusBadRequest, 0},
		{"zero limit", "/api/v1/printers/P1/history?limit=0", http.StatusBadRequest, 0},
		{"unknown printer", "/api/v1/printers/NOPE/history", http.StatusNotFound, 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			td.history.mu.Lock()
			td.history.lastLimit = 0
			td.history.mu.Unlock()

			w := do(t, srv, http.MethodGet, tt.path, "")
			if w.Code != tt.wantCode {
				t.Fatalf("status = %d, want %d", w.Code, tt.wantCode)
			}
			td.history.mu.Lock()
			got := td.history.lastLimit
			td.history.mu.Unlock()
			if got != tt.wantLimit {
				t.Errorf("limit passed = %d, want %d", got, tt.wantLimit)
			}
		})
	}

	w := do(t, srv, http.MethodGet, "/api/v1/printers/P2/history", "")
	resp := decode(t, w)
	if entries, ok := resp["history"].([]any); !ok || len(entries) != 0 {
		t.Errorf("empty history = %v, want []", resp["history"])
	}
}

func TestPrinterHistory_Unavailable(t *testing.T) {
	srv, _ := testServer(t, func(d *Deps) { d.History = nil })
	if w := do(t, srv, http.MethodGet, "/api/v1/printers/P1/history", ""); w.Code != http.StatusServiceUnavailable {
		t.Errorf("status = %d, want 503", w.Code)
	}

	srv, td := testServer(t, nil)
	td.history.err = sql.ErrConnDone
	if w := do(t, srv, http.MethodGet, "/api/v1/printers/P1/history", ""); w.Code != http.StatusInternalServerError {
		t.Errorf("status = %d, want 500", w.Code)
	}
}

func TestReconnect(t *testing.T) {
	tests := []struct {
		name     string
		id       string
		err      error
		wantCode int
	}{
		{"restarted", "P1", nil, http.StatusAccepted},
		{"unknown", "NOPE", nil, http.StatusNotFound},
		{"shutting down", "P1", supervisor.ErrShuttingDown, http.StatusServiceUnavailable},
		{"stuck session", "P1", fmt.Errorf("restarting P1: %w", supervisor.ErrStopTimeout), http.StatusServiceUnavailable},
		{"other", "P1", errors.New("boom"), http.StatusInternalServerError},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv, td := testServer(t, nil)
			td.fleet.restartErr = tt.err

			w := do(t, srv, http.MethodPost, "/api/v1/printers/"+tt.id+"/reconnect", "")
			if w.Code != tt.wantCode {
				t.Errorf("status = %d, want %d (%s)", w.Code, tt.wantCode, w.Body.String())
			}
		})
	}
}

// ─── Cloud Auth Tests ──────────────────────────────────────────────

func TestAuth_NotConfigured(t *testing.T) {
	srv, _ := testServer(t, func(d *Deps) { d.Cloud = nil })

	for _, tc := range []struct{ method, path, body string }{
		{http.MethodGet, "/api/v1/auth/status", ""},
		{http.MethodPost, "/api/v1/auth/login", ""},
		{http.MethodPost, "/api/v1/auth/verify-code", `{"code":"123456"}`},
		{http.MethodPost, "/api/v1/auth/two-factor", `{"code":"123456"}`},
	} {
		if w := do(t, srv, tc.method, tc.path, tc.body); w.Code != http.StatusNotFound {
			t.Errorf("%s %s status = %d, want 404", tc.method, tc.path, w.Code)
		}
	}
}

func TestAuthStatus(t *testing.T) {
	srv, td := testServer(t, nil)
	td.cloud.status = cloud.Status{Pending: cloud.PendingVerifyCode, Account: "maker@example.com"}

	w := do(t, srv, http.MethodGet, "/api/v1/auth/status", "")
	resp := decode(t, w)
	if w.Code != http.StatusOK || resp["pending"] != "verify_code" {
		t.Errorf("status = %d, body = %v", w.Code, resp)
	}
}

func TestVerifyCode(t *testing.T) {
	tests := []struct {
		name        string
		path        string
		body        string
		err         error
		wantCode    int
		wantResumed bool
	}{
		{"verified", "/api/v1/auth/verify-code", `{"code":" 123456 "}`, nil, http.StatusOK, true},
		{"two factor", "/api/v1/auth/two-factor", `{"code":"654321"}`, nil, http.StatusOK, true},
		{"missing code", "/api/v1/auth/verify-code", `{"code":""}`, nil, http.StatusBadRequest, false},
		{"bad json", "/api/v1/auth/verify-code", `{"code":`, nil, http.StatusBadRequest, false},
		{"unknown field", "/api/v1/auth/verify-code", `{"pin":"1"}`, nil, http.StatusBadRequest, false},
		{"nothing pending", "/api/v1/auth/verify-code", `{"code":"1"}`, cloud.ErrNoPendingFlow, http.StatusConflict, false},
		{"incorrect", "/api/v1/auth/verify-code", `{"code":"1"}`, cloud.ErrCodeIncorrect, http.StatusBadRequest, false},
		{"expired", "/api/v1/auth/verify-code", `{"code":"1"}`, cloud.ErrCodeExpired, http.StatusBadRequest, false},
		{"blocked", "/api/v1/auth/two-factor", `{"code":"1"}`, cloud.ErrBlocked, http.StatusServiceUnavailable, false},
		{"upstream", "/api/v1/auth/two-factor", `{"code":"1"}`, errors.New("tls handshake"), http.StatusBadGateway, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv, td := testServer(t, nil)
			td.cloud.err = tt.err

			w := do(t, srv, http.MethodPost, tt.path, tt.body)
			if w.Code != tt.wantCode {
				t.Fatalf("status = %d, want %d (%s)", w.Code, tt.wantCode, w.Body.String())
			}
			resumed := td.fleet.restarts()
			if tt.wantResumed != (len(resumed) == 1 && resumed[0] == "P2") {
				t.Errorf("resumed = %v, want resumed=%v", resumed, tt.wantResumed)
			}
		})
	}
}

func TestVerifyCode_TrimsCode(t *testing.T) {
	srv, td := testServer(t, nil)
	do(t, srv, http.MethodPost, "/api/v1/auth/verify-code", `{"code":" 123456 "}`)

	td.cloud.mu.Lock()
	defer td.cloud.mu.Unlock()
	if len(td.cloud.codes) != 1 || td.cloud.codes[0] != "verify:123456" {
		t.Errorf("codes = %v", td.cloud.codes)
	}
}

func TestLogin(t *testing.T) {
	t.Run("uses configured credentials", func(t *testing.T) {
		srv, td := testServer(t, nil)
		td.cloud.password = "hunter2"

		w := do(t, srv, http.MethodPost, "/api/v1/auth/login", "")
		if w.Code != http.StatusOK {
			t.Fatalf("status = %d (%s)", w.Code, w.Body.String())
		}
		td.cloud.mu.Lock()
		defer td.cloud.mu.Unlock()
		if len(td.cloud.logins) != 1 || td.cloud.logins[0] != "maker@example.com:hunter2" {
			t.Errorf("logins = %v", td.cloud.logins)
		}
	})

	t.Run("needs password", func(t *testing.T) {
		srv, _ := testServer(t, nil)
		if w := do(t, srv, http.MethodPost, "/api/v1/auth/login", ""); w.Code != http.StatusBadRequest {
			t.Errorf("status = %d, want 400", w.Code)
		}
	})

	t.Run("verification required", func(t *testing.T) {
		srv, td := testServer(t, nil)
		td.cloud.err = cloud.ErrVerificationRequired

		w := do(t, srv, http.MethodPost, "/api/v1/auth/login", `{"password":"hunter2"}`)
		if w.Code != http.StatusAccepted {
			t.Errorf("status = %d, want 202", w.Code)
		}
		if n := len(td.fleet.restarts()); n != 0 {
			t.Errorf("%d printers resumed before login completed", n)
		}
	})
}

// ─── Metrics Tests ─────────────────────────────────────────────────

type dispatchStats struct{}

func (dispatchStats) Stats() dispatch.Stats { return dispatch.Stats{Enqueued: 3, Delivered: 2} }

type lookupStats struct{}

func (lookupStats) Stats() errorlookup.Stats { return errorlookup.Stats{Entries: 1200} }

type subscriptionCount int

func (n subscriptionCount) TotalSubscriptions() int { return int(n) }

func TestMetrics(t *testing.T) {
	srv, _ := testServer(t, func(d *Deps) {
		d.Metrics = MetricsSources{Dispatch: dispatchStats{}, Lookup: lookupStats{}, MQTT: subscriptionCount(2)}
	})

	w := do(t, srv, http.MethodGet, "/api/v1/metrics", "")
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d", w.Code)
	}
	var m SystemMetrics
	if err := json.Unmarshal(w.Body.Bytes(), &m); err != nil {
		t.Fatal(err)
	}
	if m.Version != "test" || m.Printers.Sessions != 2 || m.Runtime.Goroutines == 0 {
		t.Errorf("metrics = %+v", m)
	}
	if m.Dispatch == nil || m.Dispatch.Delivered != 2 {
		t.Errorf("dispatch = %+v", m.Dispatch)
	}
	if m.Lookup == nil || m.Lookup.Entries != 1200 {
		t.Errorf("lookup = %+v", m.Lookup)
	}
	if m.MQTT == nil || m.MQTT.Subscriptions != 2 {
		t.Errorf("mqtt = %+v", m.MQTT)
	}
	if m.Database != nil {
		t.Error("database metrics present without a source")
	}
}

// ─── Lifecycle ─────────────────────────────────────────────────────

func TestStartClose(t *testing.T) {
	srv, _ := testServer(t, func(d *Deps) { d.Config.Port = 0 })
	if err := srv.HealthCheck(context.Background()); err == nil {
		t.Error("HealthCheck() before Start should fail")
	}

	if err := srv.Start(context.Background()); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	if err := srv.HealthCheck(context.Background()); err != nil {
		t.Errorf("HealthCheck() error = %v", err)
	}

	done := make(chan error, 1)
	go func() { done <- srv.Close() }()
	select {
	case err := <-done:
		if err != nil {
			t.Errorf("Close() error = %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("Close() did not return")
	}
}
