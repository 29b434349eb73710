package hub

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"

	"github.com/fixfirsthq/callpilot/internal/identity"
	"github.com/fixfirsthq/callpilot/internal/stream"
	"github.com/fixfirsthq/callpilot/internal/transcript"
)

// errBadPayload marks a request rejected before reaching the session:
// undecodable body, unknown action, or failed validation.
var errBadPayload = errors.New("invalid action payload")

// Handler serves the session REST endpoints.
type Handler struct {
	sessions *Sessions
	validate *validator.Validate
}

// NewHandler creates the REST handler.
func NewHandler(sessions *Sessions) *Handler {
	return &Handler{
		sessions: sessions,
		validate: validator.New(),
	}
}

// JSON writes a JSON response with the given status code.
func JSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		http.Error(w, `{"error": "failed to encode response"}`, http.StatusInternalServerError)
	}
}

// Error writes a JSON error response.
func Error(w http.ResponseWriter, status int, message string) {
	JSON(w, status, map[string]string{"error": message})
}

// RegisterRoutes registers the session routes.
func (h *Handler) RegisterRoutes(r chi.Router) {
	r.Route("/api", func(r chi.Router) {
		r.Get("/sessions", h.ListSessions)
		r.Route("/session/{callID}", func(r chi.Router) {
			r.Get("/", h.GetSession)
			r.Post("/action", h.PostAction)
			r.Get("/transcript", h.GetTranscript)
		})
	})
}

// ListSessions returns the desk overview of live sessions.
func (h *Handler) ListSessions(w http.ResponseWriter, r *http.Request) {
	JSON(w, http.StatusOK, map[string]interface{}{
		"success":  true,
		"sessions": h.sessions.Summaries(),
	})
}

// GetSession returns the full session state for one call.
func (h *Handler) GetSession(w http.ResponseWriter, r *http.Request) {
	callID := chi.URLParam(r, "callID")

	state, err := h.sessions.State(r.Context(), callID)
	if errors.Is(err, ErrUnknownSession) {
		JSON(w, http.StatusNotFound, stream.SessionResult{Success: false, Error: "unknown call"})
		return
	}
	if err != nil {
		slog.Error("Load session state", "error", err, "call_id", callID)
		JSON(w, http.StatusInternalServerError, stream.SessionResult{Success: false, Error: "internal error"})
		return
	}

	JSON(w, http.StatusOK, stream.SessionResult{Success: true, State: state})
}

// PostAction dispatches an agent action against a session. Business
// rejections answer with success false and a reason; only handler
// failures are 5xx.
func (h *Handler) PostAction(w http.ResponseWriter, r *http.Request) {
	callID := chi.URLParam(r, "callID")
	agentID := identity.AgentIDFromContext(r.Context())

	var req stream.ActionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		actionError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	slog.Info("Action received", "call_id", callID, "action", req.Action, "agent_id", agentID)

	state, err := h.dispatch(r.Context(), callID, req)
	if err != nil {
		var ve validator.ValidationErrors
		switch {
		case errors.As(err, &ve), errors.Is(err, errBadPayload):
			actionError(w, http.StatusBadRequest, err.Error())
		case errors.Is(err, ErrUnknownSession):
			actionError(w, http.StatusNotFound, err.Error())
		case errors.Is(err, ErrSessionEnded), errors.Is(err, ErrStationMismatch), errors.Is(err, ErrFunnelComplete):
			actionError(w, http.StatusConflict, err.Error())
		default:
			slog.Error("Action failed", "error", err, "call_id", callID, "action", req.Action)
			actionError(w, http.StatusInternalServerError, "internal error")
		}
		return
	}

	JSON(w, http.StatusOK, stream.ActionResult{Success: true, State: state})
}

func (h *Handler) dispatch(ctx context.Context, callID string, req stream.ActionRequest) (*stream.SessionState, error) {
	switch req.Action {
	case stream.ActionConfirmStation:
		var p stream.ConfirmStationPayload
		if err := h.decodePayload(req.Payload, &p); err != nil {
			return nil, err
		}
		return h.sessions.ConfirmStation(ctx, callID, p)

	case stream.ActionSelectSegment:
		var p stream.SelectSegmentPayload
		if err := h.decodePayload(req.Payload, &p); err != nil {
			return nil, err
		}
		return h.sessions.SelectSegment(ctx, callID, p)

	case stream.ActionSetQualified:
		var p stream.SetQualifiedPayload
		if err := h.decodePayload(req.Payload, &p); err != nil {
			return nil, err
		}
		return h.sessions.SetQualified(ctx, callID, p)

	case stream.ActionSelectDestination:
		var p stream.SelectDestinationPayload
		if err := h.decodePayload(req.Payload, &p); err != nil {
			return nil, err
		}
		return h.sessions.SelectDestination(ctx, callID, p)

	default:
		return nil, fmt.Errorf("%w: unknown action %q", errBadPayload, req.Action)
	}
}

// decodePayload unmarshals an action payload and validates it. A
// missing payload validates the zero value, so actions whose fields
// are all optional accept an empty body.
func (h *Handler) decodePayload(raw json.RawMessage, v interface{}) error {
	if len(raw) > 0 {
		if err := json.Unmarshal(raw, v); err != nil {
			return fmt.Errorf("%w: %v", errBadPayload, err)
		}
	}
	return h.validate.Struct(v)
}

func actionError(w http.ResponseWriter, status int, message string) {
	JSON(w, status, stream.ActionResult{Success: false, Error: message})
}

// GetTranscript returns the buffered caption lines of a live call.
func (h *Handler) GetTranscript(w http.ResponseWriter, r *http.Request) {
	callID := chi.URLParam(r, "callID")

	lines, err := h.sessions.Transcript(callID)
	if errors.Is(err, ErrUnknownSession) {
		JSON(w, http.StatusNotFound, map[string]interface{}{
			"success": false,
			"error":   "no live transcript",
		})
		return
	}
	if lines == nil {
		lines = []transcript.Line{}
	}

	JSON(w, http.StatusOK, map[string]interface{}{
		"success": true,
		"lines":   lines,
	})
}

// HealthHandler handles health check endpoints.
type HealthHandler struct {
	sessions *Sessions
}

// NewHealthHandler creates a new health handler.
func NewHealthHandler(sessions *Sessions) *HealthHandler {
	return &HealthHandler{sessions: sessions}
}

// Health returns the health status of the hub and its dependencies.
// A disconnected bus degrades the report but only an unreachable
// store takes the hub out of rotation.
func (h *HealthHandler) Health(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()

	status := map[string]interface{}{
		"status":        "healthy",
		"checks":        map[string]string{"api": "ok"},
		"live_sessions": h.sessions.Len(),
	}
	statusCode := http.StatusOK

	if err := h.sessions.Ping(ctx); err != nil {
		slog.Error("Health check failed", "error", err)
		status["status"] = "degraded"
		status["checks"].(map[string]string)["store"] = "unreachable"
		statusCode = http.StatusServiceUnavailable
	} else {
		status["checks"].(map[string]string)["store"] = "ok"
	}

	connected, enabled := h.sessions.BusConnected()
	switch {
	case !enabled:
		status["checks"].(map[string]string)["bus"] = "disabled"
	case connected:
		status["checks"].(map[string]string)["bus"] = "ok"
	default:
		status["status"] = "degraded"
		status["checks"].(map[string]string)["bus"] = "disconnected"
	}

	JSON(w, statusCode, status)
}

// RegisterHealth registers the health check route.
func (h *HealthHandler) RegisterHealth(r chi.Router) {
	r.Get("/health", h.Health)
}
