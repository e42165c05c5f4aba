package gateway

import (
	"context"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
)

const wsPingInterval = 20 * time.Second

// handleStream implements GET /stream/{subscription_id}. It upgrades to a
// WebSocket, replays any buffered events for the subscription, then
// forwards live events as they arrive. Disconnecting marks the
// subscription as disconnected without discarding it — a later reconnect
// resumes from the buffer.
func (s *Server) handleStream(w http.ResponseWriter, r *http.Request) {
	if !s.authorize(r) {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}

	subscriptionID := strings.TrimPrefix(r.URL.Path, "/stream/")
	if subscriptionID == "" {
		http.Error(w, "subscription id is required", http.StatusBadRequest)
		return
	}

	status, ok := s.cfg.ExecManager.Status(subscriptionID)
	if !ok {
		http.Error(w, "unknown subscription", http.StatusNotFound)
		return
	}
	if status.State == "expired" {
		http.Error(w, "subscription expired", http.StatusGone)
		return
	}

	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		OriginPatterns: s.cfg.AllowedOrigins,
	})
	if err != nil {
		return
	}
	defer func() { _ = conn.Close(websocket.StatusNormalClosure, "bye") }()

	buffered, live, ok := s.cfg.ExecManager.Connect(subscriptionID)
	if !ok {
		_ = conn.Close(websocket.StatusPolicyViolation, "unknown subscription")
		return
	}
	defer s.cfg.ExecManager.Disconnect(subscriptionID)

	ctx := r.Context()

	for _, event := range buffered {
		if err := wsjson.Write(ctx, conn, event); err != nil {
			slog.Debug("stream: replay write failed", "subscription_id", subscriptionID, "error", err)
			return
		}
	}

	ticker := time.NewTicker(wsPingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return

		case event, ok := <-live:
			if !ok {
				return
			}
			if err := wsjson.Write(ctx, conn, event); err != nil {
				slog.Debug("stream: live write failed", "subscription_id", subscriptionID, "error", err)
				return
			}

		case <-ticker.C:
			pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
			err := conn.Ping(pingCtx)
			cancel()
			if err != nil {
				slog.Debug("stream: ping failed, closing", "subscription_id", subscriptionID, "error", err)
				return
			}
		}
	}
}
