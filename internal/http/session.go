package http

import (
	"log/slog"
	"net/http"
)

// SessionHandler serves the /session endpoints for the default bot.
type SessionHandler struct {
	sessions Sessions
}

// NewSessionHandler creates the session handler.
func NewSessionHandler(sessions Sessions) *SessionHandler {
	return &SessionHandler{sessions: sessions}
}

// RegisterRoutes registers the default-session routes on the given mux.
func (h *SessionHandler) RegisterRoutes(mux *http.ServeMux, token string) {
	mux.Handle("GET /session/status", requireToken(token, false, http.HandlerFunc(h.handleStatus)))
	mux.Handle("POST /session/restart", requireToken(token, false, http.HandlerFunc(h.handleRestart)))
	mux.Handle("DELETE /session/clear", requireToken(token, false, http.HandlerFunc(h.handleClear)))
}

func (h *SessionHandler) handleStatus(w http.ResponseWriter, r *http.Request) {
	botID := h.sessions.DefaultBotID()
	st := h.sessions.Status(botID)
	writeOK(w, "", map[string]interface{}{
		"botId":         botID,
		"isConnected":   st.Online,
		"state":         st.State,
		"user":          st.User,
		"sessionExists": h.sessions.SessionExists(r.Context(), botID),
	})
}

func (h *SessionHandler) handleRestart(w http.ResponseWriter, r *http.Request) {
	botID := h.sessions.DefaultBotID()
	res, err := h.sessions.Restart(r.Context(), botID)
	if err != nil {
		slog.Error("session.restart failed", "bot", botID, "request_id", requestID(r), "error", err)
		writeFail(w, http.StatusInternalServerError, "Failed to restart session")
		return
	}
	writeOK(w, "Session restarted", map[string]interface{}{
		"botId": botID,
		"state": res.State,
	})
}

func (h *SessionHandler) handleClear(w http.ResponseWriter, r *http.Request) {
	botID := h.sessions.DefaultBotID()
	if err := h.sessions.Clear(r.Context(), botID); err != nil {
		slog.Error("session.clear failed", "bot", botID, "request_id", requestID(r), "error", err)
		writeFail(w, http.StatusInternalServerError, "Failed to clear session")
		return
	}
	writeOK(w, "Session cleared", nil)
}
