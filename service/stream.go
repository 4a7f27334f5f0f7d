package service

import (
	"fmt"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
)

const keepaliveInterval = 15 * time.Second

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(_ *http.Request) bool {
		// Cross-origin policy is handled by the CORS middleware
		return true
	},
}

// handleSSE streams measurement events for one tag as server-sent events.
// The stream opens with a ping so clients learn immediately that the
// subscription is live, then pings every 15 s between data events.
func (s *Service) handleSSE(w http.ResponseWriter, r *http.Request) {
	tag := r.PathValue("tag")
	ctx := r.Context()

	if _, err := s.store.GetByTag(ctx, tag); err != nil {
		s.writeErrorFrom(w, err)
		return
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		s.writeError(w, http.StatusInternalServerError, "streaming unsupported")
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no") // Disable nginx buffering
	w.WriteHeader(http.StatusOK)

	sub := s.bus.Subscribe(tag)
	defer sub.Close()

	s.logger.Info("SSE subscriber connected", "tag", tag)

	fmt.Fprintf(w, "event: ping\ndata: {}\n\n")
	flusher.Flush()

	keepalive := time.NewTicker(keepaliveInterval)
	defer keepalive.Stop()

	for {
		select {
		case <-ctx.Done():
			s.logger.Info("SSE subscriber disconnected", "tag", tag)
			return

		case <-keepalive.C:
			fmt.Fprintf(w, "event: ping\ndata: {}\n\n")
			flusher.Flush()

		case payload := <-sub.C:
			fmt.Fprintf(w, "data: %s\n\n", payload)
			flusher.Flush()
		}
	}
}

// handleWS serves the same event feed over a websocket. Delivery semantics
// match the SSE endpoint: best-effort, per-subscriber drop on backpressure.
func (s *Service) handleWS(w http.ResponseWriter, r *http.Request) {
	tag := r.PathValue("tag")

	if _, err := s.store.GetByTag(r.Context(), tag); err != nil {
		s.writeErrorFrom(w, err)
		return
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Error("Websocket upgrade failed", "tag", tag, "error", err)
		return
	}
	defer conn.Close()

	sub := s.bus.Subscribe(tag)
	defer sub.Close()

	s.logger.Info("Websocket subscriber connected", "tag", tag)

	// The read pump only detects the client going away
	closed := make(chan struct{})
	go func() {
		defer close(closed)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	keepalive := time.NewTicker(keepaliveInterval)
	defer keepalive.Stop()

	for {
		select {
		case <-r.Context().Done():
			return

		case <-closed:
			s.logger.Info("Websocket subscriber disconnected", "tag", tag)
			return

		case <-keepalive.C:
			deadline := time.Now().Add(10 * time.Second)
			if err := conn.WriteControl(websocket.PingMessage, nil, deadline); err != nil {
				return
			}

		case payload := <-sub.C:
			if err := conn.WriteMessage(websocket.TextMessage, payload); err != nil {
				s.logger.Warn("Websocket write failed", "tag", tag, "error", err)
				return
			}
		}
	}
}
