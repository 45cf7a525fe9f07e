package api

import (
	"bytes"
	"encoding/json"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"testing"

	"github.com/gin-gonic/gin"

	"github.com/towerterm/tower/src/substrate/manager"
	"github.com/towerterm/tower/src/substrate/registry"
	"github.com/towerterm/tower/src/substrate/sendbuffer"
	"github.com/towerterm/tower/src/substrate/upgrade"
)

// DummyResponseWriter implements http.ResponseWriter but discards all data.
// This eliminates overhead from httptest.NewRecorder() in benchmarks.
type DummyResponseWriter struct{}

func (d *DummyResponseWriter) Header() http.Header {
	return http.Header{}
}

func (d *DummyResponseWriter) Write(data []byte) (int, error) {
	return len(data), nil
}

func (d *DummyResponseWriter) WriteHeader(statusCode int) {}

// setupBenchmarkRouter wires a router against a manager configured for the
// direct-PTY degraded path, so these benchmarks never depend on a built
// sidecar binary being present.
func setupBenchmarkRouter(b *testing.B) *gin.Engine {
	gin.SetMode(gin.ReleaseMode)
	gin.DefaultWriter = io.Discard

	dir := b.TempDir()
	reg, err := registry.Open(filepath.Join(dir, "registry.db"), filepath.Join(dir, "registry.lock"))
	if err != nil {
		b.Fatalf("failed to open registry: %v", err)
	}
	b.Cleanup(func() { reg.Close() })

	cfg := manager.DefaultConfig(filepath.Join(dir, "sockets"))
	cfg.SidecarBinary = "tower-sidecar-does-not-exist"
	cfg.DegradedRoles = map[registry.Role]bool{registry.RoleShell: true}
	if err := os.MkdirAll(cfg.SocketDir, 0o755); err != nil {
		b.Fatalf("failed to create socket dir: %v", err)
	}
	mgr := manager.New(cfg, reg)

	sendBuf := sendbuffer.New(sendbuffer.DefaultConfig())
	sendBuf.Start()
	b.Cleanup(sendBuf.Stop)

	upg, err := upgrade.New(filepath.Join(dir, "tower.pid"))
	if err != nil {
		b.Fatalf("failed to init upgrader: %v", err)
	}

	return SetupRouter(mgr, sendBuf, upg, true, false)
}

// benchmarkRequest executes an HTTP request against the router for
// benchmarking. It recreates the request body for each iteration since HTTP
// request bodies can only be read once.
func benchmarkRequest(b *testing.B, router *gin.Engine, method, path string, body []byte) {
	w := new(DummyResponseWriter)
	for b.Loop() {
		var bodyReader io.Reader
		if body != nil {
			bodyReader = bytes.NewBuffer(body)
		}
		req, _ := http.NewRequest(method, path, bodyReader)
		if body != nil {
			req.Header.Set("Content-Type", "application/json")
		}
		router.ServeHTTP(w, req)
	}
}

// BenchmarkCreateSession benchmarks POST /terminals against the degraded
// direct-PTY path.
func BenchmarkCreateSession(b *testing.B) {
	router := setupBenchmarkRouter(b)
	requestBody := map[string]interface{}{
		"role": "shell",
		"cmd":  "/bin/sh",
		"cols": 80,
		"rows": 24,
	}
	jsonData, _ := json.Marshal(requestBody)
	benchmarkRequest(b, router, http.MethodPost, "/terminals", jsonData)
}

// BenchmarkListSessions benchmarks GET /terminals once a handful of sessions
// exist.
func BenchmarkListSessions(b *testing.B) {
	router := setupBenchmarkRouter(b)
	for i := 0; i < 10; i++ {
		requestBody, _ := json.Marshal(map[string]interface{}{
			"role": "shell", "cmd": "/bin/sh", "cols": 80, "rows": 24,
		})
		req, _ := http.NewRequest(http.MethodPost, "/terminals", bytes.NewBuffer(requestBody))
		req.Header.Set("Content-Type", "application/json")
		router.ServeHTTP(new(DummyResponseWriter), req)
	}

	b.ResetTimer()
	benchmarkRequest(b, router, http.MethodGet, "/terminals", nil)
}

// BenchmarkHealth benchmarks the liveness endpoint, representative of the
// cheapest possible request this router serves.
func BenchmarkHealth(b *testing.B) {
	router := setupBenchmarkRouter(b)
	benchmarkRequest(b, router, http.MethodGet, "/health", nil)
}
