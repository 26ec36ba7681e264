package http

import (
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/nextlevelbuilder/pairgate/internal/session"
)

const pairingInstructions = "Submit this code to /pair/verify to receive a linking code, " +
	"then open WhatsApp > Linked devices > Link with phone number and enter the linking code."

// PairingHandler serves the /pair endpoints.
type PairingHandler struct {
	sessions Sessions
	limiter  *RateLimiter
}

// NewPairingHandler creates the pairing handler.
func NewPairingHandler(sessions Sessions, limiter *RateLimiter) *PairingHandler {
	return &PairingHandler{sessions: sessions, limiter: limiter}
}

// RegisterRoutes registers all pairing routes on the given mux.
func (h *PairingHandler) RegisterRoutes(mux *http.ServeMux, token string) {
	mux.Handle("POST /pair/generate", requireToken(token, false, h.limiter.Middleware(h.handleGenerate)))
	mux.Handle("POST /pair/verify", requireToken(token, false, h.limiter.Middleware(h.handleVerify)))
	mux.Handle("GET /pair/connected", requireToken(token, false, http.HandlerFunc(h.handleConnected)))
	mux.Handle("GET /pair/status/{botId}", requireToken(token, false, http.HandlerFunc(h.handleStatus)))
}

type generateRequest struct {
	BotID       string `json:"botId"`
	PhoneNumber string `json:"phoneNumber"`
}

type generateResponse struct {
	BotID        string    `json:"botId"`
	PairingCode  string    `json:"pairingCode"`
	Instructions string    `json:"instructions"`
	ExpiresIn    string    `json:"expiresIn"`
	ExpiresAt    time.Time `json:"expiresAt"`
}

func (h *PairingHandler) handleGenerate(w http.ResponseWriter, r *http.Request) {
	var req generateRequest
	if err := decodeBody(w, r, &req); err != nil {
		writeDecodeError(w, err)
		return
	}
	if req.BotID == "" || req.PhoneNumber == "" {
		writeFail(w, http.StatusBadRequest, "botId and phoneNumber are required")
		return
	}
	if !isValidBotID(req.BotID) {
		writeFail(w, http.StatusBadRequest, "Invalid botId")
		return
	}
	digits := NormalizePhone(req.PhoneNumber)
	if len(digits) < MinPhoneDigits {
		writeFail(w, http.StatusBadRequest, fmt.Sprintf("Phone number must contain at least %d digits", MinPhoneDigits))
		return
	}

	res, err := h.sessions.RequestPairing(r.Context(), req.BotID, "+"+digits)
	if err != nil {
		if errors.Is(err, session.ErrAlreadyRegistered) {
			writeFail(w, http.StatusConflict, "Bot is already registered")
			return
		}
		slog.Error("pair.generate failed", "bot", req.BotID, "request_id", requestID(r), "error", err)
		writeFail(w, http.StatusInternalServerError, "Failed to generate pairing code")
		return
	}

	ttl := h.sessions.PairingTTL()
	writeOK(w, "Pairing code generated", generateResponse{
		BotID:        req.BotID,
		PairingCode:  res.Code,
		Instructions: pairingInstructions,
		ExpiresIn:    humanDuration(ttl),
		ExpiresAt:    res.ExpiresAt,
	})
}

type verifyRequest struct {
	BotID string `json:"botId"`
	Code  string `json:"code"`
}

type verifyResponse struct {
	BotID       string `json:"botId"`
	LinkingCode string `json:"linkingCode"`
}

func (h *PairingHandler) handleVerify(w http.ResponseWriter, r *http.Request) {
	var req verifyRequest
	if err := decodeBody(w, r, &req); err != nil {
		writeDecodeError(w, err)
		return
	}
	if req.BotID == "" || req.Code == "" {
		writeFail(w, http.StatusBadRequest, "botId and code are required")
		return
	}
	if !isValidCode(req.Code) {
		writeFail(w, http.StatusBadRequest, "Pairing code must be 8 digits")
		return
	}
	if !isValidBotID(req.BotID) {
		writeFail(w, http.StatusBadRequest, "Invalid botId")
		return
	}

	res, err := h.sessions.Verify(r.Context(), req.BotID, req.Code)
	switch {
	case err == nil:
	case errors.Is(err, session.ErrPairingNotFound):
		writeFail(w, http.StatusBadRequest, "Pairing code expired or invalid")
		return
	case errors.Is(err, session.ErrCodeMismatch):
		writeFail(w, http.StatusBadRequest, "Invalid pairing code")
		return
	case errors.Is(err, session.ErrPairingRequestFailed):
		writeFail(w, http.StatusBadRequest, "Failed to request pairing code")
		return
	default:
		slog.Error("pair.verify failed", "bot", req.BotID, "request_id", requestID(r), "error", err)
		writeFail(w, http.StatusInternalServerError, "Internal server error")
		return
	}

	writeOK(w, "Pairing code verified", verifyResponse{BotID: res.BotID, LinkingCode: res.LinkingCode})
}

func (h *PairingHandler) handleConnected(w http.ResponseWriter, r *http.Request) {
	bots := h.sessions.Connected()
	writeOK(w, "", map[string]interface{}{
		"total": len(bots),
		"bots":  bots,
	})
}

type statusResponse struct {
	BotID    string        `json:"botId"`
	Status   string        `json:"status"`
	Online   bool          `json:"online"`
	State    session.State `json:"state"`
	User     *session.User `json:"user"`
	LastSeen *time.Time    `json:"lastSeen"`
}

func (h *PairingHandler) handleStatus(w http.ResponseWriter, r *http.Request) {
	botID := r.PathValue("botId")
	if !isValidBotID(botID) {
		writeFail(w, http.StatusBadRequest, "Invalid botId")
		return
	}

	st := h.sessions.Status(botID)
	resp := statusResponse{
		BotID:  botID,
		Status: "disconnected",
		Online: st.Online,
		State:  st.State,
		User:   st.User,
	}
	if st.Online {
		resp.Status = "connected"
	}
	if !st.LastSeen.IsZero() {
		seen := st.LastSeen
		resp.LastSeen = &seen
	}
	writeOK(w, "", resp)
}

// humanDuration renders whole minutes as "10 minutes", anything else as Go duration text.
func humanDuration(d time.Duration) string {
	if d > 0 && d%time.Minute == 0 {
		m := int(d / time.Minute)
		if m == 1 {
			return "1 minute"
		}
		return fmt.Sprintf("%d minutes", m)
	}
	return d.String()
}
