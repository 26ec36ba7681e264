// Package session owns the per-bot connection registry, the pairing-code
// table and the state machine that reconciles protocol connection events
// against them.
//
// The protocol library itself is hidden behind Dialer and Conn. Everything
// that touches a single bot id runs under that bot's lock, so transitions for
// one bot are totally ordered while different bots proceed in parallel.
package session

import (
	"context"
	"errors"

	"github.com/nextlevelbuilder/pairgate/internal/credentials"
)

// State is the lifecycle state of a bot's session.
type State string

const (
	StateUninitialized   State = "uninitialized"
	StateConnecting      State = "connecting"
	StateAwaitingPairing State = "awaiting_pairing"
	StateAwaitingQR      State = "awaiting_qr"
	StateOpen            State = "open"
	StateClosed          State = "closed" // dropped, reconnect scheduled
	StateLoggedOut       State = "logged_out"
	StateFailed          State = "failed" // retry budget exhausted
)

// EventKind enumerates the connection-state events a Conn can emit.
type EventKind int

const (
	EventOpen EventKind = iota + 1
	EventClose
	EventCredsUpdated
	EventQR
)

func (k EventKind) String() string {
	switch k {
	case EventOpen:
		return "open"
	case EventClose:
		return "close"
	case EventCredsUpdated:
		return "creds_updated"
	case EventQR:
		return "qr"
	default:
		return "unknown"
	}
}

// CloseReason explains why a connection closed.
type CloseReason string

const (
	ReasonLoggedOut      CloseReason = "logged_out"
	ReasonConnectionLost CloseReason = "connection_lost"
	ReasonReplaced       CloseReason = "stream_replaced"
	ReasonQRTimeout      CloseReason = "qr_timeout"
	ReasonConnectFailed  CloseReason = "connect_failed"
	ReasonBanned         CloseReason = "temporary_ban"
	// ReasonClientOutdated means the server rejected the client version.
	// Retrying cannot succeed until the binary is upgraded.
	ReasonClientOutdated CloseReason = "client_outdated"
)

// User describes the account a connection authenticated as.
type User struct {
	ID   string `json:"id"`
	Name string `json:"name,omitempty"`
}

// Event is one connection-state change reported by the protocol library.
type Event struct {
	Kind   EventKind
	Reason CloseReason // EventClose
	User   *User       // EventOpen
	QR     string      // EventQR
}

// Conn is one live (or pending) protocol session.
type Conn interface {
	// Events delivers connection-state changes in the order the library
	// emitted them.
	Events() <-chan Event
	// Done is closed once Close has been called.
	Done() <-chan struct{}
	// Registered reports whether the credential bundle already holds an
	// identity, i.e. no pairing or QR scan is needed.
	Registered() bool
	// User returns the authenticated account, or nil before the handshake.
	User() *User
	// RequestPairingCode asks the library for a phone-number linking code.
	RequestPairingCode(ctx context.Context, phone string) (string, error)
	// Close disconnects without logging out. Safe to call more than once.
	Close()
}

// DialOptions carries the per-connection parameters.
type DialOptions struct {
	BotID       string
	PhoneNumber string
}

// Dialer opens protocol connections on top of a credential bundle.
type Dialer interface {
	Dial(ctx context.Context, bundle *credentials.Bundle, opts DialOptions) (Conn, error)
}

// CredentialStore is the slice of credentials.Store the manager needs.
type CredentialStore interface {
	LoadOrInit(ctx context.Context, botID, remote string) (*credentials.Bundle, error)
	Clear(botID string) error
	Registered(ctx context.Context, botID string) bool
}

var (
	// ErrPairingNotFound covers both "never created" and "expired or consumed".
	ErrPairingNotFound = errors.New("pairing code expired or invalid")
	// ErrCodeMismatch is returned when the submitted code differs from the stored one.
	ErrCodeMismatch = errors.New("invalid pairing code")
	// ErrPairingRequestFailed wraps a failure of the library's native pairing call.
	ErrPairingRequestFailed = errors.New("pairing request failed")
	// ErrAlreadyRegistered is returned when a pairing code is requested for a
	// bot whose credentials already hold an identity.
	ErrAlreadyRegistered = errors.New("bot already registered")
	// ErrShutdown is returned once the manager has been shut down.
	ErrShutdown = errors.New("session manager shut down")
)
