package gateway

import (
	"context"
	"net/http"
	"time"

	"psagate/pkg/events"
	"psagate/pkg/httpx"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
	"go.uber.org/zap"
)

// streamCircuits sends the current circuit snapshots, then every transition
// as it happens, until either side closes.
func (s *Server) streamCircuits(w http.ResponseWriter, r *http.Request) {
	if s.Events == nil {
		httpx.WriteError(w, r, http.StatusServiceUnavailable, httpx.CodeServiceUnavailable, "stream unavailable")
		return
	}
	opts := &websocket.AcceptOptions{}
	if len(s.WSAllowedOrigins) > 0 {
		opts.OriginPatterns = s.WSAllowedOrigins
	}
	conn, err := websocket.Accept(w, r, opts)
	if err != nil {
		s.logger().Debug("websocket accept failed", zap.Error(err))
		return
	}
	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()
	sub := s.Events.Subscribe(64)
	defer s.Events.Unsubscribe(sub)

	snapshot := events.NewEvent(events.TypeCircuitSnapshot, s.Admission.Circuits().Snapshots())
	if err := wsjson.Write(ctx, conn, snapshot); err != nil {
		_ = conn.Close(websocket.StatusInternalError, "write_failed")
		return
	}
	readErr := make(chan error, 1)
	go func() {
		for {
			if _, _, err := conn.Read(ctx); err != nil {
				readErr <- err
				return
			}
		}
	}()
	for {
		select {
		case <-ctx.Done():
			_ = conn.Close(websocket.StatusNormalClosure, "closed")
			return
		case <-readErr:
			_ = conn.Close(websocket.StatusNormalClosure, "closed")
			return
		case evt, ok := <-sub:
			if !ok {
				_ = conn.Close(websocket.StatusNormalClosure, "closed")
				return
			}
			writeCtx, cancelWrite := context.WithTimeout(ctx, 5*time.Second)
			err := wsjson.Write(writeCtx, conn, evt)
			cancelWrite()
			if err != nil {
				_ = conn.Close(websocket.StatusNormalClosure, "write_failed")
				return
			}
		}
	}
}
