package httpserver

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"nhooyr.io/websocket"

	"github.com/skobkin/cpuhz-web/internal/config"
	"github.com/skobkin/cpuhz-web/internal/cpustat"
	"github.com/skobkin/cpuhz-web/internal/sampler"
	"github.com/skobkin/cpuhz-web/internal/topology"
	"github.com/skobkin/cpuhz-web/internal/version"
)

type fakeRunner struct {
	results []sampler.ThreadResult
	rounds  atomic.Uint64
}

func (f *fakeRunner) Sample() error {
	f.rounds.Add(1)
	return nil
}

func (f *fakeRunner) Results() []sampler.ThreadResult {
	return append([]sampler.ThreadResult(nil), f.results...)
}

func (f *fakeRunner) Rounds() uint64 { return f.rounds.Load() }
func (f *fakeRunner) Stop() {}

func intPtr(v int) *int { return &v }

func newTestSampler(t *testing.T, interval time.Duration) *sampler.Manager {
	t.Helper()
	runner := &fakeRunner{results: []sampler.ThreadResult{
		{MHz: 3000, CoreID: intPtr(0), Pinned: true},
		{CoreID: intPtr(3), Pinned: true, Err: &sampler.DriftError{Index: 1, Core: 3}},
	}}
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	manager, err := sampler.NewManager(interval, runner, nil, logger)
	if err != nil {
		t.Fatalf("NewManager error: %v", err)
	}
	return manager
}

func runSampler(t *testing.T, manager *sampler.Manager) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	go func() { _ = manager.Run(ctx) }()
	waitFor(t, 2*time.Second, manager.Ready)
}

func TestHealthzOK(t *testing.T) {
	t.Parallel()

	_, ts := newTestHTTPServer(t, config.Config{}, nil, nil)

	resp, err := http.Get(ts.URL + "/healthz")
	if err != nil {
		t.Fatalf("GET /healthz failed: %v", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected status 200, got %d", resp.StatusCode)
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatalf("read body: %v", err)
	}
	if strings.TrimSpace(string(body)) != `{"status":"ok"}` {
		t.Fatalf("unexpected body %q", string(body))
	}

	respAPI, err := http.Get(ts.URL + "/api/healthz")
	if err != nil {
		t.Fatalf("GET /api/healthz failed: %v", err)
	}
	respAPI.Body.Close()
	if respAPI.StatusCode != http.StatusOK {
		t.Fatalf("expected status 200 for /api/healthz, got %d", respAPI.StatusCode)
	}
}

func TestMethodNotAllowed(t *testing.T) {
	t.Parallel()

	_, ts := newTestHTTPServer(t, defaultTestConfig(), nil, nil)

	resp, err := http.Post(ts.URL+"/api/snapshot", "application/json", strings.NewReader("{}"))
	if err != nil {
		t.Fatalf("POST failed: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusMethodNotAllowed {
		t.Fatalf("expected 405, got %d", resp.StatusCode)
	}
	if allow := resp.Header.Get("Allow"); allow != http.MethodGet {
		t.Fatalf("unexpected Allow header %q", allow)
	}
}

func TestReadyzStates(t *testing.T) {
	t.Parallel()

	cfg := defaultTestConfig()

	_, ts := newTestHTTPServer(t, cfg, nil, nil)
	assertReadyz(t, ts.URL+"/readyz", http.StatusServiceUnavailable, "degraded", "sampler_not_configured")
	assertReadyz(t, ts.URL+"/api/readyz", http.StatusServiceUnavailable, "degraded", "sampler_not_configured")

	manager := newTestSampler(t, 10*time.Millisecond)
	_, tsInit := newTestHTTPServer(t, cfg, manager, nil)
	assertReadyz(t, tsInit.URL+"/readyz", http.StatusServiceUnavailable, "initializing", "waiting_for_samples")

	runSampler(t, manager)
	assertReadyz(t, tsInit.URL+"/readyz", http.StatusOK, "ok", "")
}

func TestVersionEndpoint(t *testing.T) {
	t.Parallel()

	version.Set(version.Info{Version: "v0.0.1", Commit: "abc123", BuildTime: "now"})

	_, ts := newTestHTTPServer(t, defaultTestConfig(), nil, nil)

	resp, err := http.Get(ts.URL + "/api/version")
	if err != nil {
		t.Fatalf("GET /api/version failed: %v", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected status 200, got %d", resp.StatusCode)
	}

	var info version.Info
	if err := json.NewDecoder(resp.Body).Decode(&info); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if info.Version != "v0.0.1" || info.Commit != "abc123" || info.BuildTime != "now" {
		t.Fatalf("unexpected version payload %+v", info)
	}
	if info.GoVersion == "" {
		t.Fatalf("expected go version in payload")
	}
}

func TestStaticIndexServed(t *testing.T) {
	t.Parallel()

	_, ts := newTestHTTPServer(t, defaultTestConfig(), nil, nil)

	resp, err := http.Get(ts.URL + "/")
	if err != nil {
		t.Fatalf("GET / failed: %v", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected status 200, got %d", resp.StatusCode)
	}
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatalf("read body: %v", err)
	}
	if !strings.Contains(string(body), "Per-core effective frequency") {
		t.Fatalf("index heading missing from response body")
	}

	missing, err := http.Get(ts.URL + "/nope.js")
	if err != nil {
		t.Fatalf("GET /nope.js failed: %v", err)
	}
	missing.Body.Close()
	if missing.StatusCode != http.StatusNotFound {
		t.Fatalf("expected 404 for unknown asset, got %d", missing.StatusCode)
	}
}

func TestStaticIndexETag(t *testing.T) {
	t.Parallel()

	_, ts := newTestHTTPServer(t, defaultTestConfig(), nil, nil)

	resp, err := http.Get(ts.URL + "/")
	if err != nil {
		t.Fatalf("GET / failed: %v", err)
	}
	resp.Body.Close()
	etag := resp.Header.Get("ETag")
	if etag == "" {
		t.Fatal("expected ETag header on index")
	}
	if resp.Header.Get("X-Request-ID") == "" {
		t.Fatal("expected X-Request-ID header")
	}

	req, err := http.NewRequest(http.MethodGet, ts.URL+"/index.html", nil)
	if err != nil {
		t.Fatalf("build request: %v", err)
	}
	req.Header.Set("If-None-Match", etag)
	cached, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("conditional GET failed: %v", err)
	}
	cached.Body.Close()
	if cached.StatusCode != http.StatusNotModified {
		t.Fatalf("expected 304, got %d", cached.StatusCode)
	}
}

func TestAPIDocs(t *testing.T) {
	t.Parallel()

	_, ts := newTestHTTPServer(t, defaultTestConfig(), nil, nil)

	resp, err := http.Get(ts.URL + "/api")
	if err != nil {
		t.Fatalf("GET /api failed: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected status 200, got %d", resp.StatusCode)
	}
	if ct := resp.Header.Get("Content-Type"); !strings.HasPrefix(ct, "text/html") {
		t.Fatalf("unexpected content type %q", ct)
	}

	unknown, err := http.Get(ts.URL + "/api/unknown")
	if err != nil {
		t.Fatalf("GET /api/unknown failed: %v", err)
	}
	unknown.Body.Close()
	if unknown.StatusCode != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", unknown.StatusCode)
	}
}

func TestAPIHostAndCores(t *testing.T) {
	t.Parallel()

	srv, ts := newTestHTTPServer(t, defaultTestConfig(), nil, nil)
	srv.host = topology.Host{Brand: "Test CPU", LogicalCores: 2}
	srv.cores = []topology.CPU{{ID: 0, Online: true}, {ID: 1, Online: false}}

	var host topology.Host
	getJSON(t, ts.URL+"/api/host", http.StatusOK, &host)
	if host.Brand != "Test CPU" || host.LogicalCores != 2 {
		t.Fatalf("unexpected host payload %+v", host)
	}

	var cores []topology.CPU
	getJSON(t, ts.URL+"/api/cores", http.StatusOK, &cores)
	if len(cores) != 2 || cores[1].Online {
		t.Fatalf("unexpected cores payload %+v", cores)
	}
}

func TestAPICoreMetrics(t *testing.T) {
	t.Parallel()

	manager := newTestSampler(t, 5*time.Millisecond)
	_, ts := newTestHTTPServer(t, defaultTestConfig(), manager, nil)

	resp, err := http.Get(ts.URL + "/api/cores/0/metrics")
	if err != nil {
		t.Fatalf("GET metrics failed: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusServiceUnavailable {
		t.Fatalf("expected 503 before first round, got %d", resp.StatusCode)
	}

	runSampler(t, manager)

	var core sampler.CoreSample
	getJSON(t, ts.URL+"/api/cores/0/metrics", http.StatusOK, &core)
	if !core.Valid || core.MHz == nil || *core.MHz != 3000 {
		t.Fatalf("unexpected core 0 payload %+v", core)
	}

	var drifted map[string]any
	getJSON(t, ts.URL+"/api/cores/1/metrics", http.StatusOK, &drifted)
	if drifted["mhz"] != nil || drifted["valid"] != false {
		t.Fatalf("invalid core must serialize null mhz, got %+v", drifted)
	}

	for _, path := range []string{"/api/cores/9/metrics", "/api/cores/x/metrics", "/api/cores/0/other", "/api/cores/0"} {
		resp, err := http.Get(ts.URL + path)
		if err != nil {
			t.Fatalf("GET %s failed: %v", path, err)
		}
		resp.Body.Close()
		if resp.StatusCode != http.StatusNotFound {
			t.Fatalf("expected 404 for %s, got %d", path, resp.StatusCode)
		}
	}
}

func TestAPISnapshotAndLoad(t *testing.T) {
	t.Parallel()

	procRoot := t.TempDir()
	writeFile(t, filepath.Join(procRoot, "stat"), "cpu 10 0 10 80 0 0 0 0\ncpu0 10 0 10 80 0 0 0 0\n")
	load, err := cpustat.NewManager(config.LoadConfig{Enable: true, ScanInterval: time.Hour}, procRoot, nil)
	if err != nil {
		t.Fatalf("cpustat.NewManager: %v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	go func() { _ = load.Run(ctx) }()
	waitFor(t, 2*time.Second, load.Ready)

	manager := newTestSampler(t, 5*time.Millisecond)
	runSampler(t, manager)

	_, ts := newTestHTTPServer(t, defaultTestConfig(), manager, load)

	var snapshot map[string]any
	getJSON(t, ts.URL+"/api/snapshot", http.StatusOK, &snapshot)
	if snapshot["type"] != "snapshot" {
		t.Fatalf("unexpected type %v", snapshot["type"])
	}
	cores, ok := snapshot["cores"].([]any)
	if !ok || len(cores) != 2 {
		t.Fatalf("expected 2 cores, got %v", snapshot["cores"])
	}
	if _, ok := snapshot["load"].(map[string]any); !ok {
		t.Fatalf("expected attached load, got %v", snapshot["load"])
	}

	var core cpustat.CoreLoad
	getJSON(t, ts.URL+"/api/cores/0/load", http.StatusOK, &core)
	if core.CPU != 0 || core.BusySeconds <= 0 {
		t.Fatalf("unexpected load payload %+v", core)
	}

	resp, err := http.Get(ts.URL + "/api/cores/5/load")
	if err != nil {
		t.Fatalf("GET load failed: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("expected 404 for unknown cpu, got %d", resp.StatusCode)
	}
}

func TestPrometheusMetrics(t *testing.T) {
	t.Parallel()

	manager := newTestSampler(t, 5*time.Millisecond)
	runSampler(t, manager)

	cfg := defaultTestConfig()
	cfg.EnablePrometheus = true
	_, ts := newTestHTTPServer(t, cfg, manager, nil)

	resp, err := http.Get(ts.URL + "/metrics")
	if err != nil {
		t.Fatalf("GET /metrics failed: %v", err)
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatalf("read body: %v", err)
	}
	text := string(body)

	for _, want := range []string{
		`cpuhz_core_frequency_mhz{core="0"} 3000`,
		`cpuhz_core_valid{core="1"} 0`,
		`cpuhz_core_drift_total{core="1"}`,
		`cpuhz_sampler_rounds_total`,
		`cpuhz_ws_active_connections 0`,
	} {
		if !strings.Contains(text, want) {
			t.Fatalf("metrics output missing %q", want)
		}
	}
	if strings.Contains(text, `cpuhz_core_frequency_mhz{core="1"}`) {
		t.Fatalf("invalid core must not export a frequency")
	}
}

func TestWebSocketHelloAndSnapshot(t *testing.T) {
	t.Parallel()

	manager := newTestSampler(t, 5*time.Millisecond)
	runSampler(t, manager)

	cfg := defaultTestConfig()
	cfg.SampleInterval = 5 * time.Millisecond
	_, ts := newTestHTTPServer(t, cfg, manager, nil)

	cctx, ccancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer ccancel()

	conn, _, err := websocket.Dial(cctx, toWebsocketURL(ts.URL+"/ws"), nil)
	if err != nil {
		t.Fatalf("websocket dial: %v", err)
	}
	defer conn.Close(websocket.StatusNormalClosure, "")

	hello := readWSMessage(t, cctx, conn)
	if hello["type"] != "hello" {
		t.Fatalf("expected hello message, got %q", hello["type"])
	}
	if hello["interval_ms"] != float64(5) {
		t.Fatalf("unexpected interval %v", hello["interval_ms"])
	}
	features, ok := hello["features"].(map[string]any)
	if !ok || features["load"] != false {
		t.Fatalf("unexpected features %v", hello["features"])
	}

	snapshot := readWSMessage(t, cctx, conn)
	if snapshot["type"] != "snapshot" {
		t.Fatalf("expected snapshot message, got %q", snapshot["type"])
	}
	cores, ok := snapshot["cores"].([]any)
	if !ok || len(cores) != 2 {
		t.Fatalf("expected 2 cores in snapshot, got %v", snapshot["cores"])
	}

	if err := conn.Write(cctx, websocket.MessageText, []byte(`{"type":"ping"}`)); err != nil {
		t.Fatalf("write ping: %v", err)
	}
	for {
		msg := readWSMessage(t, cctx, conn)
		if msg["type"] == "pong" {
			break
		}
		if msg["type"] != "snapshot" {
			t.Fatalf("unexpected message while waiting for pong: %v", msg)
		}
	}
}

func TestWebSocketCapacity(t *testing.T) {
	t.Parallel()

	cfg := defaultTestConfig()
	cfg.WS.MaxClients = 1
	srv, _ := newTestHTTPServer(t, cfg, nil, nil)

	if !srv.reserveWS() {
		t.Fatal("first reservation should succeed")
	}
	if srv.reserveWS() {
		t.Fatal("second reservation should be rejected")
	}
	if got := srv.wsRejected.Load(); got != 1 {
		t.Fatalf("expected 1 rejection, got %d", got)
	}
	srv.releaseWS()
	if !srv.reserveWS() {
		t.Fatal("reservation should succeed after release")
	}
}

func TestSendQueueDropsOldest(t *testing.T) {
	t.Parallel()

	var drops atomic.Uint64
	queue := newSendQueue(2, &drops)
	for _, msg := range []string{"a", "b", "c"} {
		if !queue.push([]byte(msg)) {
			t.Fatalf("push %q failed", msg)
		}
	}
	if got := drops.Load(); got != 1 {
		t.Fatalf("expected one drop, got %d", got)
	}
	if got := string(<-queue.out()); got != "b" {
		t.Fatalf("expected oldest surviving message b, got %q", got)
	}

	queue.close()
	queue.close()
	if queue.push([]byte("d")) {
		t.Fatal("push after close should fail")
	}
}

func TestOriginPatterns(t *testing.T) {
	t.Parallel()

	if got := originPatterns([]string{"example.com", "*"}); len(got) != 1 || got[0] != "*" {
		t.Fatalf("wildcard should collapse patterns, got %v", got)
	}
	origins := []string{"a.example", "b.example"}
	got := originPatterns(origins)
	got[0] = "mutated"
	if origins[0] != "a.example" {
		t.Fatal("originPatterns must copy its input")
	}
}

func newTestHTTPServer(t *testing.T, cfg config.Config, samplerManager *sampler.Manager, loadManager *cpustat.Manager) (*Server, *httptest.Server) {
	t.Helper()

	if cfg.ListenAddr == "" {
		cfg = defaultTestConfig()
	}

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	srv := New(cfg, logger, topology.Host{}, nil, samplerManager, loadManager)
	ts := httptest.NewServer(srv.httpServer.Handler)
	t.Cleanup(ts.Close)
	return srv, ts
}

func getJSON(t *testing.T, url string, expectedStatus int, target any) {
	t.Helper()

	resp, err := http.Get(url)
	if err != nil {
		t.Fatalf("GET %s failed: %v", url, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != expectedStatus {
		t.Fatalf("expected status %d for %s, got %d", expectedStatus, url, resp.StatusCode)
	}
	if err := json.NewDecoder(resp.Body).Decode(target); err != nil {
		t.Fatalf("decode %s: %v", url, err)
	}
}

func readWSMessage(t *testing.T, ctx context.Context, conn *websocket.Conn) map[string]any {
	t.Helper()

	msgType, data, err := conn.Read(ctx)
	if err != nil {
		t.Fatalf("websocket read: %v", err)
	}
	if msgType != websocket.MessageText {
		t.Fatalf("unexpected message type %v", msgType)
	}
	var msg map[string]any
	if err := json.Unmarshal(data, &msg); err != nil {
		t.Fatalf("decode message: %v", err)
	}
	return msg
}

func assertReadyz(t *testing.T, url string, expectedStatus int, expected string, reason string) {
	t.Helper()

	var payload readyResponse
	getJSON(t, url, expectedStatus, &payload)

	if payload.Status != expected {
		t.Fatalf("expected status %q, got %q", expected, payload.Status)
	}
	if reason == "" {
		if payload.Reason != "" {
			t.Fatalf("expected empty reason, got %q", payload.Reason)
		}
	} else if payload.Reason != reason {
		t.Fatalf("expected reason %q, got %q", reason, payload.Reason)
	}
}

func writeFile(t *testing.T, path, contents string) {
	t.Helper()
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	if err := os.WriteFile(path, []byte(contents), 0o644); err != nil {
		t.Fatalf("write file: %v", err)
	}
}

func waitFor(t *testing.T, timeout time.Duration, condition func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if condition() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("condition not satisfied within %s", timeout)
}

func defaultTestConfig() config.Config {
	return config.Config{
		ListenAddr:     ":0",
		SampleInterval: 250 * time.Millisecond,
		AllowedOrigins: []string{"*"},
		WS: config.WebsocketConfig{
			MaxClients:   1024,
			WriteTimeout: 3 * time.Second,
			ReadTimeout:  30 * time.Second,
		},
	}
}

func toWebsocketURL(httpURL string) string {
	u, err := url.Parse(httpURL)
	if err != nil {
		return httpURL
	}
	switch u.Scheme {
	case "http":
		u.Scheme = "ws"
	case "https":
		u.Scheme = "wss"
	}
	return u.String()
}
