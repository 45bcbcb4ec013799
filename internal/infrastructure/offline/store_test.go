package offline

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"reflect"
	"sync/atomic"
	"testing"

	"market_preloader/internal/infrastructure/sessionstore"

	jsoniter "github.com/json-iterator/go"
	"go.uber.org/zap"
)

// switchTransport fails every request while offline is set.
type switchTransport struct {
	offline atomic.Bool
	calls   atomic.Int32
}

func (t *switchTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	t.calls.Add(1)
	if t.offline.Load() {
		return nil, errors.New("dial tcp: network is unreachable")
	}
	return http.DefaultTransport.RoundTrip(req)
}

type testEnv struct {
	origin    *httptest.Server
	transport *switchTransport
	store     *Store
	client    *http.Client
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	mux := http.NewServeMux()
	mux.HandleFunc("/index.html", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/html")
		io.WriteString(w, "<html>shell</html>")
	})
	mux.HandleFunc("/app.js", func(w http.ResponseWriter, r *http.Request) {
		io.WriteString(w, "console.log('app')")
	})
	mux.HandleFunc("/logo.png", func(w http.ResponseWriter, r *http.Request) {
		io.WriteString(w, "png-bytes")
	})
	mux.HandleFunc("/missing.png", func(w http.ResponseWriter, r *http.Request) {
		http.NotFound(w, r)
	})
	mux.HandleFunc("/api/v1/portfolio", func(w http.ResponseWriter, r *http.Request) {
		io.WriteString(w, `{"totalValue":1}`)
	})
	origin := httptest.NewServer(mux)
	t.Cleanup(origin.Close)

	originURL, _ := url.Parse(origin.URL)
	transport := &switchTransport{}
	store := New(transport, Config{
		Origin:        originURL,
		StaticAssets:  []string{"/app.js"},
		APIPrefixes:   []string{"/api/"},
		ExcludedHosts: []string{"example.com"},
	}, zap.NewNop())

	return &testEnv{
		origin:    origin,
		transport: transport,
		store:     store,
		client:    &http.Client{Transport: store},
	}
}

func (e *testEnv) get(t *testing.T, path string, header http.Header) (*http.Response, string, error) {
	t.Helper()
	req, _ := http.NewRequest(http.MethodGet, e.origin.URL+path, nil)
	for k, v := range header {
		req.Header[k] = v
	}
	resp, err := e.client.Do(req)
	if err != nil {
		return nil, "", err
	}
	defer resp.Body.Close()
	body, _ := io.ReadAll(resp.Body)
	return resp, string(body), nil
}

func TestStore_InstallServesStaticOffline(t *testing.T) {
	env := newTestEnv(t)
	if err := env.store.Install(context.Background(), "v1"); err != nil {
		t.Fatalf("Install() unexpected error = %v", err)
	}
	env.store.Activate("v1")
	env.transport.offline.Store(true)

	resp, body, err := env.get(t, "/app.js", nil)
	if err != nil {
		t.Fatalf("GET /app.js offline: %v", err)
	}
	if body != "console.log('app')" || resp.Header.Get(CacheHeader) != "static" {
		t.Errorf("got %q from %q, want static app.js", body, resp.Header.Get(CacheHeader))
	}
}

func TestStore_InstallIsAllOrNothing(t *testing.T) {
	env := newTestEnv(t)
	env.store.cfg.StaticAssets = []string{"/app.js", "/missing.png"}

	if err := env.store.Install(context.Background(), "v1"); err == nil {
		t.Fatal("Install() with a missing asset should fail")
	}
	if names := env.store.TierNames(); len(names) != 0 {
		t.Errorf("TierNames() = %v after failed install, want none", names)
	}
}

func TestStore_DynamicTier(t *testing.T) {
	env := newTestEnv(t)
	env.store.Activate("v1")

	if _, body, err := env.get(t, "/logo.png", nil); err != nil || body != "png-bytes" {
		t.Fatalf("online GET = %q, %v", body, err)
	}
	if _, _, err := env.get(t, "/missing.png", nil); err != nil {
		t.Fatalf("online GET missing: %v", err)
	}

	env.transport.offline.Store(true)
	resp, body, err := env.get(t, "/logo.png", nil)
	if err != nil || body != "png-bytes" || resp.Header.Get(CacheHeader) != "dynamic" {
		t.Errorf("offline GET /logo.png = %q, %v", body, err)
	}
	if _, _, err := env.get(t, "/missing.png", nil); err == nil {
		t.Error("non-200 response must not be cached")
	}
}

func TestStore_APIIsNetworkFirst(t *testing.T) {
	env := newTestEnv(t)
	env.store.Activate("v1")

	resp, body, err := env.get(t, "/api/v1/portfolio", nil)
	if err != nil {
		t.Fatalf("online API: %v", err)
	}
	if resp.StatusCode != http.StatusOK || body != `{"totalValue":1}` {
		t.Fatalf("online API = %d %q", resp.StatusCode, body)
	}

	env.transport.offline.Store(true)
	resp, body, err = env.get(t, "/api/v1/portfolio", nil)
	if err != nil {
		t.Fatalf("offline API: %v", err)
	}
	if resp.StatusCode != http.StatusServiceUnavailable || resp.Header.Get("Content-Type") != "application/json" {
		t.Errorf("offline API = %d %s, want 503 JSON", resp.StatusCode, resp.Header.Get("Content-Type"))
	}
	var payload map[string]any
	if err := jsoniter.Unmarshal([]byte(body), &payload); err != nil || payload["error"] != "offline" {
		t.Errorf("offline API body = %q", body)
	}
}

func TestStore_NavigationFallsBackToShell(t *testing.T) {
	env := newTestEnv(t)
	if err := env.store.Install(context.Background(), "v1"); err != nil {
		t.Fatalf("Install() unexpected error = %v", err)
	}
	env.store.Activate("v1")
	env.transport.offline.Store(true)

	resp, body, err := env.get(t, "/portfolio/details", http.Header{"Sec-Fetch-Mode": {"navigate"}})
	if err != nil {
		t.Fatalf("offline navigation: %v", err)
	}
	if body != "<html>shell</html>" || resp.Header.Get(CacheHeader) != "shell" {
		t.Errorf("offline navigation = %q", body)
	}

	if _, _, err := env.get(t, "/unknown.css", nil); err == nil {
		t.Error("offline sub-resource miss should fail")
	}
}

func TestStore_ExcludedHostsBypassCache(t *testing.T) {
	env := newTestEnv(t)
	env.store.Activate("v1")

	req, _ := http.NewRequest(http.MethodGet, "https://api.example.com/prices", nil)
	env.transport.offline.Store(true)
	if _, err := env.store.RoundTrip(req); err == nil {
		t.Error("excluded host should not be answered from cache or synthesized")
	}
	if env.transport.calls.Load() != 1 {
		t.Errorf("network calls = %d, want 1", env.transport.calls.Load())
	}
}

func TestStore_ActivatePurgesOtherGenerations(t *testing.T) {
	env := newTestEnv(t)
	for _, gen := range []string{"v1", "v2"} {
		if err := env.store.Install(context.Background(), gen); err != nil {
			t.Fatalf("Install(%s) unexpected error = %v", gen, err)
		}
	}

	deleted := env.store.Activate("v2")

	if want := []string{"dynamic-v1", "static-v1"}; !reflect.DeepEqual(deleted, want) {
		t.Errorf("Activate() deleted %v, want %v", deleted, want)
	}
	if want := []string{"dynamic-v2", "static-v2"}; !reflect.DeepEqual(env.store.TierNames(), want) {
		t.Errorf("TierNames() = %v, want %v", env.store.TierNames(), want)
	}
}

func TestStore_Sync(t *testing.T) {
	env := newTestEnv(t)
	sessions := sessionstore.NewMemoryStore()
	ctx := context.Background()

	if err := env.store.Sync(ctx, sessions, "v1"); err != nil {
		t.Fatalf("Sync(v1) unexpected error = %v", err)
	}
	if err := env.store.Sync(ctx, sessions, "v2"); err != nil {
		t.Fatalf("Sync(v2) unexpected error = %v", err)
	}
	if env.store.Generation() != "v2" {
		t.Errorf("Generation() = %q, want v2", env.store.Generation())
	}
	if v, _ := sessions.AppVersion(ctx); v != "v2" {
		t.Errorf("AppVersion() = %q, want v2", v)
	}
	if want := []string{"dynamic-v2", "static-v2"}; !reflect.DeepEqual(env.store.TierNames(), want) {
		t.Errorf("TierNames() = %v, want %v", env.store.TierNames(), want)
	}
}
