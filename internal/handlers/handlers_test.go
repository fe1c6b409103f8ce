package handlers

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/go-rod/rod"

	"github.com/steel-dev/steel-browser-go/internal/stats"
	"github.com/steel-dev/steel-browser-go/internal/types"
)

// fakeRuntime satisfies Runtime for handler tests.
type fakeRuntime struct {
	running    bool
	state      string
	startErr   error
	endErr     error
	lastCfg    *types.SessionConfig
	endReasons []string
	browserCtx *types.SessionContext
}

func (f *fakeRuntime) StartNewSession(ctx context.Context, cfg types.SessionConfig) (*rod.Browser, error) {
	if f.startErr != nil {
		return nil, f.startErr
	}
	f.lastCfg = &cfg
	f.running = true
	f.state = "live"
	return &rod.Browser{}, nil
}

func (f *fakeRuntime) EndSession(ctx context.Context, reason string) error {
	if f.endErr != nil {
		return f.endErr
	}
	f.endReasons = append(f.endReasons, reason)
	f.running = false
	f.state = "idle"
	return nil
}

func (f *fakeRuntime) GetBrowserState(ctx context.Context) (*types.SessionContext, error) {
	if f.browserCtx == nil {
		return nil, types.ErrBrowserNotRunning
	}
	return f.browserCtx, nil
}

func (f *fakeRuntime) IsRunning() bool          { return f.running }
func (f *fakeRuntime) GetSessionState() string  { return f.state }
func (f *fakeRuntime) GetUserAgent() string     { return "TestAgent/1.0" }
func (f *fakeRuntime) Timings() stats.Timings {
	return stats.Timings{Durations: map[stats.Phase]time.Duration{}}
}
func (f *fakeRuntime) ProxyWebSocket(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusSwitchingProtocols)
}

func createSession(t *testing.T, mux *http.ServeMux, body string) sessionResponse {
	t.Helper()
	req := httptest.NewRequest(http.MethodPost, "/sessions", strings.NewReader(body))
	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, req)
	if rec.Code != http.StatusCreated {
		t.Fatalf("create session status = %d, body %s", rec.Code, rec.Body.String())
	}
	var resp sessionResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decoding session response: %v", err)
	}
	return resp
}

func TestCreateSession(t *testing.T) {
	rt := &fakeRuntime{state: "idle"}
	mux := New(rt).Routes()

	resp := createSession(t, mux, `{"headless":true,"dimensions":{"width":1280,"height":720},"timezone":"UTC"}`)
	if resp.ID == "" {
		t.Error("no session ID assigned")
	}
	if resp.State != "live" {
		t.Errorf("state = %q", resp.State)
	}
	if rt.lastCfg == nil || rt.lastCfg.Timezone != "UTC" {
		t.Errorf("runtime received cfg %+v", rt.lastCfg)
	}
}

func TestCreateSessionRejectsUnknownOptions(t *testing.T) {
	rt := &fakeRuntime{state: "idle"}
	mux := New(rt).Routes()

	req := httptest.NewRequest(http.MethodPost, "/sessions", strings.NewReader(`{"headless":true,"bogusOption":1}`))
	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, req)

	if rec.Code != http.StatusBadRequest {
		t.Errorf("status = %d, want 400", rec.Code)
	}
	if rt.lastCfg != nil {
		t.Error("runtime was called despite invalid config")
	}
}

func TestCreateSessionDefaultsApply(t *testing.T) {
	rt := &fakeRuntime{state: "idle"}
	mux := New(rt).Routes()

	createSession(t, mux, `{}`)
	if rt.lastCfg == nil {
		t.Fatal("runtime not called")
	}
	if !rt.lastCfg.Headless || rt.lastCfg.Dimensions.Width != types.DefaultWidth {
		t.Errorf("defaults not applied: %+v", rt.lastCfg)
	}
	if rt.lastCfg.TimeoutLaunchMS != types.DefaultLaunchTimeoutMS {
		t.Errorf("launch timeout default = %d", rt.lastCfg.TimeoutLaunchMS)
	}
}

func TestGetSession(t *testing.T) {
	rt := &fakeRuntime{state: "idle"}
	mux := New(rt).Routes()
	created := createSession(t, mux, `{}`)

	req := httptest.NewRequest(http.MethodGet, "/sessions/"+created.ID, nil)
	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	var resp sessionResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatal(err)
	}
	if resp.ID != created.ID || resp.UserAgent != "TestAgent/1.0" {
		t.Errorf("response = %+v", resp)
	}
}

func TestGetSessionUnknownID(t *testing.T) {
	rt := &fakeRuntime{state: "idle"}
	mux := New(rt).Routes()
	createSession(t, mux, `{}`)

	req := httptest.NewRequest(http.MethodGet, "/sessions/0123456789abcdef0123456789abcdef", nil)
	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, req)
	if rec.Code != http.StatusNotFound {
		t.Errorf("status = %d, want 404", rec.Code)
	}
}

func TestGetSessionInvalidID(t *testing.T) {
	rt := &fakeRuntime{state: "idle"}
	mux := New(rt).Routes()
	createSession(t, mux, `{}`)

	req := httptest.NewRequest(http.MethodGet, "/sessions/short", nil)
	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, req)
	if rec.Code != http.StatusBadRequest {
		t.Errorf("status = %d, want 400", rec.Code)
	}
}

func TestReleaseSession(t *testing.T) {
	rt := &fakeRuntime{state: "idle"}
	mux := New(rt).Routes()
	created := createSession(t, mux, `{}`)

	req := httptest.NewRequest(http.MethodPost, "/sessions/"+created.ID+"/release", nil)
	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	if len(rt.endReasons) != 1 || rt.endReasons[0] != "released" {
		t.Errorf("end reasons = %v", rt.endReasons)
	}

	// The session is gone afterwards.
	req = httptest.NewRequest(http.MethodGet, "/sessions/"+created.ID, nil)
	rec = httptest.NewRecorder()
	mux.ServeHTTP(rec, req)
	if rec.Code != http.StatusNotFound {
		t.Errorf("released session still addressable: %d", rec.Code)
	}
}

func TestReleaseAny(t *testing.T) {
	rt := &fakeRuntime{state: "live", running: true}
	mux := New(rt).Routes()

	req := httptest.NewRequest(http.MethodPost, "/sessions/release", nil)
	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Errorf("status = %d", rec.Code)
	}
	if len(rt.endReasons) != 1 {
		t.Errorf("end reasons = %v", rt.endReasons)
	}
}

func TestReleaseMapsInvalidState(t *testing.T) {
	rt := &fakeRuntime{state: "idle", endErr: types.NewInvalidStateError("endSession", "idle")}
	mux := New(rt).Routes()

	req := httptest.NewRequest(http.MethodPost, "/sessions/release", nil)
	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, req)
	if rec.Code != http.StatusConflict {
		t.Errorf("status = %d, want 409", rec.Code)
	}
}

func TestGetContext(t *testing.T) {
	rt := &fakeRuntime{
		state: "idle",
		browserCtx: &types.SessionContext{
			Cookies: []types.Cookie{{Name: "sid", Value: "1", Domain: "example.com"}},
		},
	}
	mux := New(rt).Routes()
	created := createSession(t, mux, `{}`)

	req := httptest.NewRequest(http.MethodGet, "/sessions/"+created.ID+"/context", nil)
	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	var sc types.SessionContext
	if err := json.Unmarshal(rec.Body.Bytes(), &sc); err != nil {
		t.Fatal(err)
	}
	if len(sc.Cookies) != 1 || sc.Cookies[0].Name != "sid" {
		t.Errorf("context = %+v", sc)
	}
}

func TestHealth(t *testing.T) {
	rt := &fakeRuntime{state: "live", running: true}
	mux := New(rt).Routes()

	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	var body map[string]any
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatal(err)
	}
	if body["running"] != true || body["state"] != "live" {
		t.Errorf("health body = %v", body)
	}
}

func TestRootRequiresUpgrade(t *testing.T) {
	rt := &fakeRuntime{state: "idle"}
	mux := New(rt).Routes()

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, req)
	if rec.Code != http.StatusUpgradeRequired {
		t.Errorf("status = %d, want 426", rec.Code)
	}

	req = httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set("Upgrade", "websocket")
	rec = httptest.NewRecorder()
	mux.ServeHTTP(rec, req)
	if rec.Code != http.StatusSwitchingProtocols {
		t.Errorf("upgrade status = %d, want 101", rec.Code)
	}
}

func TestLaunchErrorMapsToBadGateway(t *testing.T) {
	rt := &fakeRuntime{
		state:    "idle",
		startErr: types.NewLaunchError("spawn", types.ErrExecutableNotFound),
	}
	mux := New(rt).Routes()

	req := httptest.NewRequest(http.MethodPost, "/sessions", strings.NewReader(`{}`))
	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, req)
	if rec.Code != http.StatusBadGateway {
		t.Errorf("status = %d, want 502", rec.Code)
	}
}
