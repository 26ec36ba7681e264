package protocol

// Event names pushed to WebSocket subscribers.
const (
	EventQRGenerated      = "qr_generated"
	EventConnectionStatus = "connection_status"
	EventBotStatusUpdate  = "bot_status_update"
)

// Connection status values carried by connection_status.
const (
	StatusConnected    = "connected"
	StatusDisconnected = "disconnected"
)

// Bot status values carried by bot_status_update.
const (
	BotStatusConnecting      = "connecting"
	BotStatusAwaitingPairing = "awaiting_pairing"
	BotStatusAwaitingQR      = "awaiting_qr"
	BotStatusConnected       = "connected"
	BotStatusReconnecting    = "reconnecting"
	BotStatusLoggedOut       = "logged_out"
	BotStatusFailed          = "failed"
	BotStatusCleared         = "cleared"
	BotStatusPairingExpired  = "pairing_expired"
)

// QRGenerated is the payload of qr_generated.
type QRGenerated struct {
	BotID string `json:"botId"`
	QR    string `json:"qr"`              // raw payload to encode
	Image string `json:"image,omitempty"` // PNG data URL
}

// ConnectionStatus is the payload of connection_status.
type ConnectionStatus struct {
	BotID  string      `json:"botId"`
	Status string      `json:"status"`
	User   interface{} `json:"user"`
}

// BotStatusUpdate is the payload of bot_status_update.
type BotStatusUpdate struct {
	BotID  string `json:"botId"`
	Status string `json:"status"`
}

// BotScoped is implemented by payloads that belong to one bot.
type BotScoped interface {
	Bot() string
}

func (p QRGenerated) Bot() string      { return p.BotID }
func (p ConnectionStatus) Bot() string { return p.BotID }
func (p BotStatusUpdate) Bot() string  { return p.BotID }
