// Command mock-upstream stands in for a PSA backend service during local
// gateway runs. It echoes what the gateway forwarded and can be told to fail
// so circuit behaviour can be watched end to end.
package main

import (
	"context"
	"encoding/json"
	"log"
	"net/http"
	"os"
	"strconv"
	"sync"
	"time"

	"psagate/pkg/dispatch"
	"psagate/pkg/httpx"
	"psagate/pkg/telemetry"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"
)

// Testable variables for main()
var (
	logFatalf       = log.Fatalf
	initTelemetryFn = func(ctx context.Context, service string) (func(context.Context) error, error) {
		return telemetry.Init(ctx, telemetry.ConfigFromEnv(service), zap.NewNop())
	}
	listenFn = func(server *http.Server) error { return server.ListenAndServe() }
)

func main() {
	if err := runMockUpstream(initTelemetryFn, listenFn); err != nil {
		logFatalf("server error: %v", err)
	}
}

// fault is the failure mode currently injected. A zero Status serves normally.
type fault struct {
	Status    int `json:"status"`
	LatencyMS int `json:"latency_ms"`
}

type upstream struct {
	name string

	mu    sync.RWMutex
	fault fault
}

func (u *upstream) current() fault {
	u.mu.RLock()
	defer u.mu.RUnlock()
	return u.fault
}

func (u *upstream) set(f fault) {
	u.mu.Lock()
	u.fault = f
	u.mu.Unlock()
}

// misbehave applies the injected latency and status. It reports whether the
// response has already been written.
func (u *upstream) misbehave(w http.ResponseWriter, r *http.Request) bool {
	f := u.current()
	if f.LatencyMS > 0 {
		select {
		case <-time.After(time.Duration(f.LatencyMS) * time.Millisecond):
		case <-r.Context().Done():
			return true
		}
	}
	if f.Status == 0 {
		return false
	}
	httpx.WriteJSON(w, f.Status, map[string]interface{}{"error": "injected fault", "service": u.name, "status": f.Status})
	return true
}

type echoResponse struct {
	Service   string            `json:"service"`
	Method    string            `json:"method"`
	Path      string            `json:"path"`
	Query     string            `json:"query,omitempty"`
	Gateway   string            `json:"gateway,omitempty"`
	RequestID string            `json:"request_id,omitempty"`
	User      map[string]string `json:"user,omitempty"`
	Body      json.RawMessage   `json:"body,omitempty"`
}

func (u *upstream) handleEcho(w http.ResponseWriter, r *http.Request) {
	if u.misbehave(w, r) {
		return
	}
	resp := echoResponse{
		Service:   u.name,
		Method:    r.Method,
		Path:      r.URL.Path,
		Query:     r.URL.RawQuery,
		Gateway:   r.Header.Get(dispatch.HeaderGateway),
		RequestID: r.Header.Get(httpx.HeaderRequestID),
	}
	user := map[string]string{}
	for key, header := range map[string]string{
		"id":     dispatch.HeaderUserID,
		"email":  dispatch.HeaderUserEmail,
		"role":   dispatch.HeaderUserRole,
		"tenant": dispatch.HeaderTenantID,
	} {
		if v := r.Header.Get(header); v != "" {
			user[key] = v
		}
	}
	if len(user) > 0 {
		resp.User = user
	}
	var body json.RawMessage
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, 1<<20)).Decode(&body); err == nil {
		resp.Body = body
	}
	httpx.WriteJSON(w, http.StatusOK, resp)
}

func (u *upstream) handleHealth(w http.ResponseWriter, r *http.Request) {
	if u.misbehave(w, r) {
		return
	}
	httpx.WriteJSON(w, http.StatusOK, map[string]string{"status": "ok", "service": u.name})
}

func (u *upstream) handleSetFault(w http.ResponseWriter, r *http.Request) {
	var f fault
	if err := json.NewDecoder(r.Body).Decode(&f); err != nil {
		httpx.WriteError(w, r, http.StatusBadRequest, httpx.CodeBadRequest, "invalid fault body")
		return
	}
	if f.Status != 0 && (f.Status < 100 || f.Status > 599) || f.LatencyMS < 0 {
		httpx.WriteError(w, r, http.StatusBadRequest, httpx.CodeBadRequest, "status must be a valid HTTP status and latency_ms non-negative")
		return
	}
	u.set(f)
	httpx.WriteJSON(w, http.StatusOK, f)
}

func (u *upstream) handleClearFault(w http.ResponseWriter, r *http.Request) {
	u.set(fault{})
	w.WriteHeader(http.StatusNoContent)
}

func (u *upstream) routes() http.Handler {
	r := chi.NewRouter()
	r.Use(telemetry.HTTPMiddleware(u.name))
	r.Get("/health", u.handleHealth)
	r.Get("/_fault", func(w http.ResponseWriter, r *http.Request) { httpx.WriteJSON(w, http.StatusOK, u.current()) })
	r.Put("/_fault", u.handleSetFault)
	r.Delete("/_fault", u.handleClearFault)
	r.HandleFunc("/*", u.handleEcho)
	return r
}

func env(k, def string) string {
	if v := os.Getenv(k); v != "" {
		return v
	}
	return def
}

func envInt(k string, def int) int {
	if v := os.Getenv(k); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return def
}

func envDurationSec(k string, def int) time.Duration {
	return time.Second * time.Duration(envInt(k, def))
}

func runMockUpstream(
	initTelemetry func(context.Context, string) (func(context.Context) error, error),
	listen func(*http.Server) error,
) error {
	if initTelemetry == nil {
		initTelemetry = initTelemetryFn
	}
	if listen == nil {
		listen = func(server *http.Server) error { return server.ListenAndServe() }
	}

	u := &upstream{name: env("SERVICE_NAME", "mock-upstream")}
	u.set(fault{Status: envInt("FAIL_STATUS", 0), LatencyMS: envInt("LATENCY_MS", 0)})

	shutdown, err := initTelemetry(context.Background(), u.name)
	if err != nil {
		return err
	}
	defer func() { _ = shutdown(context.Background()) }()

	addr := env("ADDR", ":3001")
	log.Printf("%s listening on %s", u.name, addr)
	server := &http.Server{
		Addr:              addr,
		Handler:           u.routes(),
		ReadHeaderTimeout: envDurationSec("HTTP_READ_HEADER_TIMEOUT_SEC", 5),
		ReadTimeout:       envDurationSec("HTTP_READ_TIMEOUT_SEC", 15),
		WriteTimeout:      envDurationSec("HTTP_WRITE_TIMEOUT_SEC", 30),
		IdleTimeout:       envDurationSec("HTTP_IDLE_TIMEOUT_SEC", 120),
	}
	return listen(server)
}
