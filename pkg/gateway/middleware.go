package gateway

import (
	"bufio"
	"errors"
	"net"
	"net/http"
	"time"

	"psagate/pkg/httpx"
	"psagate/pkg/telemetry"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"
)

type statusRecorder struct {
	http.ResponseWriter
	code int
}

func (s *statusRecorder) WriteHeader(statusCode int) {
	s.code = statusCode
	s.ResponseWriter.WriteHeader(statusCode)
}

func (s *statusRecorder) Flush() {
	if f, ok := s.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

// Hijack lets the websocket stream upgrade through the recorder.
func (s *statusRecorder) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	hj, ok := s.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, errors.New("response writer does not support hijacking")
	}
	s.code = http.StatusSwitchingProtocols
	return hj.Hijack()
}

func (s *statusRecorder) Unwrap() http.ResponseWriter { return s.ResponseWriter }

// observeMiddleware records per-endpoint metrics and writes the access log.
// Routed traffic is labelled by route prefix so ids in paths do not create
// new series.
func (s *Server) observeMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, code: http.StatusOK}
		next.ServeHTTP(rec, r)
		elapsed := time.Since(start)

		label := r.Method + " " + s.endpointLabel(r)
		if s.Metrics != nil {
			s.Metrics.Observe(label, rec.code, elapsed)
		}
		fields := []zap.Field{
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Int("status", rec.code),
			zap.Duration("duration", elapsed),
			zap.String("request_id", httpx.RequestIDFromContext(r.Context())),
		}
		s.logger().Info("request", append(fields, telemetry.TraceFields(r.Context())...)...)
	})
}

func (s *Server) endpointLabel(r *http.Request) string {
	if rctx := chi.RouteContext(r.Context()); rctx != nil {
		if pattern := rctx.RoutePattern(); pattern != "" && pattern != "/*" {
			return pattern
		}
	}
	if route, ok := s.Routes.Match(r.URL.Path); ok {
		return route.Prefix
	}
	return "unmatched"
}
