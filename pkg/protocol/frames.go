// Package protocol defines the wire format of the pairgate event stream.
// This package is importable by external clients.
package protocol

import "encoding/json"

// ProtocolVersion is reported in the hello frame sent on connect.
const ProtocolVersion = 1

// Frame types
const (
	FrameTypeHello     = "hello"
	FrameTypeEvent     = "event"
	FrameTypeSubscribe = "subscribe"
)

// HelloFrame is the first frame a subscriber receives.
type HelloFrame struct {
	Type     string `json:"type"` // always "hello"
	Protocol int    `json:"protocol"`
	ClientID string `json:"clientId"`
}

// EventFrame is pushed from server to subscribers.
type EventFrame struct {
	Type    string      `json:"type"`              // always "event"
	Event   string      `json:"event"`             // event name
	Payload interface{} `json:"payload,omitempty"` // event data
	Seq     int64       `json:"seq,omitempty"`     // per-client sequence number
}

// SubscribeFrame is sent by a subscriber to narrow the stream to some bots.
// An empty BotIDs list restores the full stream.
type SubscribeFrame struct {
	Type   string   `json:"type"` // always "subscribe"
	BotIDs []string `json:"botIds"`
}

// NewEvent creates an event frame.
func NewEvent(event string, payload interface{}) *EventFrame {
	return &EventFrame{
		Type:    FrameTypeEvent,
		Event:   event,
		Payload: payload,
	}
}

// NewHello creates the greeting frame for a subscriber.
func NewHello(clientID string) *HelloFrame {
	return &HelloFrame{Type: FrameTypeHello, Protocol: ProtocolVersion, ClientID: clientID}
}

// ParseFrameType extracts the frame type from raw JSON bytes.
func ParseFrameType(data []byte) (string, error) {
	var raw struct {
		Type string `json:"type"`
	}
	if err := json.Unmarshal(data, &raw); err != nil {
		return "", err
	}
	return raw.Type, nil
}
