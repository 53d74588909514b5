package stream

import (
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	sessionHandler "github.com/zhouzirui/anime-finder/backend/internal/handler/session"
	"github.com/zhouzirui/anime-finder/backend/internal/model/chat"
	sessionService "github.com/zhouzirui/anime-finder/backend/internal/service/session"
	"github.com/zhouzirui/anime-finder/backend/pkg/utils"
)

// Handler streams a turn's lifecycle via Server-Sent Events
type Handler struct {
	sessions *sessionService.Manager
	logger   *zap.Logger
}

// New creates a new stream handler
func New(sessions *sessionService.Manager, logger *zap.Logger) *Handler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Handler{sessions: sessions, logger: logger}
}

// RegisterRoutes mounts the stream endpoint
func (h *Handler) RegisterRoutes(r chi.Router) {
	r.Get("/sessions/{sessionID}/stream", h.handleStream)
}

// StreamResponse is one SSE payload
type StreamResponse struct {
	Event     string        `json:"event"`
	SessionID string        `json:"sessionId,omitempty"`
	Message   *chat.Message `json:"message,omitempty"`
	Finished  bool          `json:"finished,omitempty"`
	Error     string        `json:"error,omitempty"`
}

// handleStream submits the message and pushes start, placeholder, message
// and end events. Rejections are answered with a plain JSON error before
// the stream opens.
func (h *Handler) handleStream(w http.ResponseWriter, r *http.Request) {
	sessionID := chi.URLParam(r, "sessionID")
	userMessage := r.URL.Query().Get("message")
	if strings.TrimSpace(userMessage) == "" {
		utils.RespondError(w, http.StatusBadRequest, "message query parameter is required")
		return
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		utils.RespondError(w, http.StatusInternalServerError, "streaming unsupported")
		return
	}

	ctrl, err := h.sessions.Get(sessionID)
	if err != nil {
		utils.RespondError(w, sessionHandler.StatusFor(err), err.Error())
		return
	}

	turn, err := ctrl.Send(r.Context(), userMessage)
	if err != nil {
		utils.RespondError(w, sessionHandler.StatusFor(err), err.Error())
		return
	}

	utils.SetupSSEHeaders(w)
	w.WriteHeader(http.StatusOK)

	events := []StreamResponse{
		{Event: "start", SessionID: sessionID},
		{Event: "placeholder", SessionID: sessionID, Message: &turn.Placeholder},
	}
	for _, ev := range events {
		if !h.send(w, flusher, ev) {
			return
		}
	}

	// Leaving early is fine: the turn keeps running and lands in the transcript.
	msg, err := turn.Wait(r.Context())
	if err != nil {
		h.logger.Debug("stream client went away", zap.String("session", sessionID), zap.Error(err))
		return
	}

	if !h.send(w, flusher, StreamResponse{Event: "message", SessionID: sessionID, Message: &msg}) {
		return
	}
	h.send(w, flusher, StreamResponse{Event: "end", SessionID: sessionID, Finished: true})
}

func (h *Handler) send(w http.ResponseWriter, flusher http.Flusher, resp StreamResponse) bool {
	if err := utils.SendSSEEvent(w, flusher, resp.Event, resp); err != nil {
		h.logger.Warn("failed to write sse event", zap.String("event", resp.Event), zap.Error(err))
		return false
	}
	return true
}
