// Package httpapi exposes the relay to an external supervisor: liveness,
// health, metrics, the failed-message inventory, and a live event stream.
package httpapi

import (
	"encoding/json"
	"net/http"

	"nhooyr.io/websocket"
	"nhooyr.io/websocket/wsjson"

	"github.com/Dadudekc/SWARM-sub002/internal/relay"
)

type Server struct {
	daemon *relay.Daemon
}

func NewServer(daemon *relay.Daemon) *Server {
	return &Server{daemon: daemon}
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, "method_not_allowed", "only GET is supported")
		return
	}
	switch r.URL.Path {
	case "/health":
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	case "/v1/health":
		writeJSON(w, http.StatusOK, s.daemon.Health())
	case "/v1/metrics":
		writeJSON(w, http.StatusOK, s.daemon.Pipeline().Health().Snapshot())
	case "/v1/failed":
		s.handleFailed(w, r)
	case "/v1/events/watch":
		s.handleEventsWatch(w, r)
	default:
		writeError(w, http.StatusNotFound, "not_found", "route not found")
	}
}

func (s *Server) handleFailed(w http.ResponseWriter, r *http.Request) {
	items, err := s.daemon.FailedMessages()
	if err != nil {
		writeError(w, http.StatusInternalServerError, "internal", err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"items": items})
}

// handleEventsWatch streams relay events over a websocket until the client
// disconnects. A slow client misses events instead of stalling the relay.
func (s *Server) handleEventsWatch(w http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Accept(w, r, nil)
	if err != nil {
		return
	}
	defer conn.Close(websocket.StatusInternalError, "stream ended")

	events, cancel := s.daemon.Subscribe()
	defer cancel()

	ctx := r.Context()
	for {
		select {
		case <-ctx.Done():
			conn.Close(websocket.StatusNormalClosure, "")
			return
		case event, ok := <-events:
			if !ok {
				conn.Close(websocket.StatusNormalClosure, "")
				return
			}
			if err := wsjson.Write(ctx, conn, event); err != nil {
				return
			}
		}
	}
}

func writeJSON(w http.ResponseWriter, status int, value any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(value)
}

func writeError(w http.ResponseWriter, status int, code, message string) {
	writeJSON(w, status, map[string]string{"error": code, "message": message})
}
