package hub

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"

	"github.com/coder/websocket"

	"github.com/fixfirsthq/callpilot/internal/identity"
)

// LiveHandler upgrades dashboard connections and subscribes them to a
// call's event feed. The socket only pushes; dashboards rehydrate over
// REST, so no snapshot is replayed on connect. Inbound traffic is
// limited to keepalive pings.
type LiveHandler struct {
	sessions      *Sessions
	registry      *Registry
	allowedOrigin string
	isDev         bool
}

// NewLiveHandler creates the live-feed WebSocket handler.
func NewLiveHandler(sessions *Sessions, registry *Registry, allowedOrigin string, isDev bool) *LiveHandler {
	return &LiveHandler{
		sessions:      sessions,
		registry:      registry,
		allowedOrigin: allowedOrigin,
		isDev:         isDev,
	}
}

// wsMessage is the inbound message shape from dashboards.
type wsMessage struct {
	Type string `json:"type"`
}

// ServeHTTP implements http.Handler for the WebSocket upgrade.
func (h *LiveHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	callID := r.URL.Query().Get("call_id")
	if callID == "" {
		http.Error(w, "call_id is required", http.StatusBadRequest)
		return
	}

	consoleID := identity.ConsoleIDFromContext(r.Context())
	agentID := identity.AgentIDFromContext(r.Context())
	slog.Info("Live feed connection request", "call_id", callID, "console_id", consoleID, "agent_id", agentID, "ip", r.RemoteAddr)

	if !h.checkOrigin(r) {
		http.Error(w, "origin not allowed", http.StatusForbidden)
		return
	}

	ws, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		OriginPatterns: []string{"*"},
	})
	if err != nil {
		slog.Error("Failed to accept WebSocket", "error", err, "call_id", callID)
		return
	}
	defer func() {
		if closeErr := ws.Close(websocket.StatusNormalClosure, "feed closed"); closeErr != nil {
			slog.Debug("Failed to close websocket", "error", closeErr, "call_id", callID)
		}
	}()

	h.registry.Register(callID, consoleID, ws)
	defer h.registry.Unregister(callID, consoleID, ws)

	h.readLoop(r, ws, callID, consoleID)
	slog.Info("Live feed closed", "call_id", callID, "console_id", consoleID)
}

func (h *LiveHandler) checkOrigin(r *http.Request) bool {
	if h.isDev {
		return true
	}
	origin := r.Header.Get("Origin")
	if origin == "" || h.allowedOrigin == "*" {
		return true
	}
	if origin == h.allowedOrigin {
		return true
	}
	slog.Warn("WebSocket origin rejected", "origin", origin, "allowed", h.allowedOrigin)
	return false
}

// readLoop drains the dashboard's inbound messages until it
// disconnects. Pings get a pong; anything else is ignored, the feed is
// one-way.
func (h *LiveHandler) readLoop(r *http.Request, ws *websocket.Conn, callID, consoleID string) {
	ctx := r.Context()
	for {
		_, message, err := ws.Read(ctx)
		if err != nil {
			if websocket.CloseStatus(err) != -1 {
				slog.Debug("WebSocket closed by client", "call_id", callID, "console_id", consoleID)
			} else {
				slog.Warn("WebSocket read error", "error", err, "call_id", callID, "console_id", consoleID)
			}
			return
		}

		var msg wsMessage
		if err := json.Unmarshal(message, &msg); err != nil {
			slog.Debug("Ignoring malformed dashboard message", "call_id", callID)
			continue
		}

		if msg.Type == "ping" {
			if err := h.writeJSON(ws, map[string]string{"type": "pong"}); err != nil {
				slog.Debug("Failed to send pong", "error", err)
			}
		}
	}
}

func (h *LiveHandler) writeJSON(ws *websocket.Conn, v interface{}) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return ws.Write(context.Background(), websocket.MessageText, data)
}
