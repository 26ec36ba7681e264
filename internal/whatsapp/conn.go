package whatsapp

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"

	"go.mau.fi/whatsmeow"
	"go.mau.fi/whatsmeow/store/sqlstore"
	"go.mau.fi/whatsmeow/types/events"

	"github.com/nextlevelbuilder/pairgate/internal/session"
)

const eventBuffer = 32

// QR channel item kinds emitted by whatsmeow.
const (
	qrEventCode    = "code"
	qrEventTimeout = "timeout"
	qrEventSuccess = "success"
	qrEventError   = "error"
)

// ErrNotReady is returned when a pairing code is requested before the
// library finished its pairing handshake setup.
var ErrNotReady = errors.New("whatsapp: connection closed before pairing was ready")

// conn adapts one whatsmeow client to session.Conn.
type conn struct {
	botID     string
	client    *whatsmeow.Client
	container *sqlstore.Container
	clientTag string

	events    chan session.Event
	done      chan struct{}
	closeOnce sync.Once
	cancel    context.CancelFunc // stops the QR channel
	handlerID uint32

	readyOnce sync.Once
	ready     chan struct{} // closed on the first QR event
}

func newConn(botID string, client *whatsmeow.Client, container *sqlstore.Container, clientTag string) *conn {
	return &conn{
		botID:     botID,
		client:    client,
		container: container,
		clientTag: clientTag,
		events:    make(chan session.Event, eventBuffer),
		done:      make(chan struct{}),
		ready:     make(chan struct{}),
		cancel:    func() {},
	}
}

func (c *conn) Events() <-chan session.Event { return c.events }
func (c *conn) Done() <-chan struct{}        { return c.done }
func (c *conn) Registered() bool             { return c.client.Store.ID != nil }

func (c *conn) User() *session.User {
	id := c.client.Store.ID
	if id == nil {
		return nil
	}
	return &session.User{ID: id.String(), Name: c.client.Store.PushName}
}

// RequestPairingCode waits until the library has started pairing, then asks
// for a phone-number linking code.
func (c *conn) RequestPairingCode(ctx context.Context, phone string) (string, error) {
	if c.Registered() {
		return "", session.ErrAlreadyRegistered
	}
	select {
	case <-c.ready:
	case <-c.done:
		return "", ErrNotReady
	case <-ctx.Done():
		return "", ctx.Err()
	}

	digits := phoneDigits(phone)
	if digits == "" {
		return "", fmt.Errorf("whatsapp: phone number %q has no digits", phone)
	}
	code, err := c.client.PairPhone(ctx, digits, true, whatsmeow.PairClientChrome, c.clientTag)
	if err != nil {
		return "", fmt.Errorf("pair phone: %w", err)
	}
	return code, nil
}

func (c *conn) Close() {
	c.closeOnce.Do(func() {
		close(c.done)
		c.cancel()
		c.client.RemoveEventHandler(c.handlerID)
		c.client.Disconnect()
		if err := c.container.Close(); err != nil {
			slog.Warn("whatsapp: close session store", "bot", c.botID, "error", err)
		}
	})
}

// handle is registered as the whatsmeow event handler.
func (c *conn) handle(evt interface{}) {
	if _, ok := evt.(*events.QR); ok {
		c.markReady()
		return
	}
	if ev, ok := translate(evt); ok {
		c.emit(ev)
	}
}

// watchQR forwards QR channel items until the channel closes.
func (c *conn) watchQR(ch <-chan whatsmeow.QRChannelItem) {
	for item := range ch {
		switch item.Event {
		case qrEventCode:
			c.markReady()
			c.emit(session.Event{Kind: session.EventQR, QR: item.Code})
		case qrEventTimeout:
			c.emit(session.Event{Kind: session.EventClose, Reason: session.ReasonQRTimeout})
		case qrEventSuccess:
			// PairSuccess reaches handle as well.
		case qrEventError:
			slog.Warn("whatsapp: qr pairing error", "bot", c.botID, "error", item.Error)
			c.emit(session.Event{Kind: session.EventClose, Reason: session.ReasonConnectFailed})
		default:
			slog.Warn("whatsapp: qr pairing aborted", "bot", c.botID, "event", item.Event)
			c.emit(session.Event{Kind: session.EventClose, Reason: session.ReasonConnectFailed})
		}
	}
}

func (c *conn) markReady() {
	c.readyOnce.Do(func() { close(c.ready) })
}

func (c *conn) emit(ev session.Event) {
	select {
	case c.events <- ev:
	case <-c.done:
	}
}

// translate maps whatsmeow connection events onto session events.
func translate(evt interface{}) (session.Event, bool) {
	switch v := evt.(type) {
	case *events.Connected:
		return session.Event{Kind: session.EventOpen}, true
	case *events.PairSuccess:
		return session.Event{Kind: session.EventCredsUpdated}, true
	case *events.Disconnected:
		return closeEvent(session.ReasonConnectionLost), true
	case *events.LoggedOut:
		return closeEvent(session.ReasonLoggedOut), true
	case *events.StreamReplaced:
		return closeEvent(session.ReasonReplaced), true
	case *events.ConnectFailure:
		if v.Reason.IsLoggedOut() {
			return closeEvent(session.ReasonLoggedOut), true
		}
		return closeEvent(session.ReasonConnectFailed), true
	case *events.TemporaryBan:
		return closeEvent(session.ReasonBanned), true
	case *events.ClientOutdated:
		return closeEvent(session.ReasonClientOutdated), true
	case *events.CATRefreshError:
		return closeEvent(session.ReasonConnectFailed), true
	default:
		return session.Event{}, false
	}
}

func closeEvent(reason session.CloseReason) session.Event {
	return session.Event{Kind: session.EventClose, Reason: reason}
}

// phoneDigits strips everything but digits, which is the form PairPhone expects.
func phoneDigits(phone string) string {
	var b strings.Builder
	for _, r := range phone {
		if r >= '0' && r <= '9' {
			b.WriteRune(r)
		}
	}
	return b.String()
}
