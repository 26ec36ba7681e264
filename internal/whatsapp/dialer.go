// Package whatsapp connects session bundles to WhatsApp through whatsmeow.
package whatsapp

import (
	"context"
	"fmt"
	"log/slog"
	"os"

	"go.mau.fi/whatsmeow"
	"go.mau.fi/whatsmeow/store/sqlstore"
	waLog "go.mau.fi/whatsmeow/util/log"
	_ "modernc.org/sqlite"

	"github.com/nextlevelbuilder/pairgate/internal/credentials"
	"github.com/nextlevelbuilder/pairgate/internal/session"
)

// DefaultClientTag is the browser label shown on the phone's linked devices list.
const DefaultClientTag = "Chrome (Linux)"

// Options configures a Dialer.
type Options struct {
	Logger    *slog.Logger
	ClientTag string
}

// Dialer opens whatsmeow clients backed by each bundle's session.db.
type Dialer struct {
	log       *slog.Logger
	clientTag string
}

// NewDialer creates a dialer.
func NewDialer(opts Options) *Dialer {
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.ClientTag == "" {
		opts.ClientTag = DefaultClientTag
	}
	return &Dialer{log: opts.Logger, clientTag: opts.ClientTag}
}

// Dial implements session.Dialer. Unregistered bundles without a phone
// number get a QR channel; with a phone number the caller pairs through
// RequestPairingCode.
func (d *Dialer) Dial(ctx context.Context, b *credentials.Bundle, opts session.DialOptions) (session.Conn, error) {
	logger := NewLogger(d.log.With("bot", opts.BotID))

	container, err := sqlstore.New(ctx, "sqlite", storeDSN(b.DBPath), logger.Sub("Database"))
	if err != nil {
		return nil, fmt.Errorf("open session store: %w", err)
	}
	device, err := container.GetFirstDevice(ctx)
	if err != nil {
		container.Close()
		return nil, fmt.Errorf("load device: %w", err)
	}

	client := whatsmeow.NewClient(device, logger.Sub("Client"))
	// Reconnects are driven by the session manager's backoff policy.
	client.EnableAutoReconnect = false

	c := newConn(opts.BotID, client, container, d.clientTag)
	c.handlerID = client.AddEventHandler(c.handle)

	if client.Store.ID == nil && opts.PhoneNumber == "" {
		qrCtx, cancel := context.WithCancel(context.Background())
		c.cancel = cancel
		ch, err := client.GetQRChannel(qrCtx)
		if err != nil {
			c.Close()
			return nil, fmt.Errorf("qr channel: %w", err)
		}
		go c.watchQR(ch)
	}

	if err := client.Connect(); err != nil {
		c.Close()
		return nil, fmt.Errorf("connect: %w", err)
	}
	return c, nil
}

// Registered reports whether the device store at dbPath holds a paired
// device identity. A missing file is unregistered; an initialized store
// whose device has no JID (a dial that never finished pairing) is too.
func Registered(ctx context.Context, dbPath string) (bool, error) {
	if _, err := os.Stat(dbPath); err != nil {
		if os.IsNotExist(err) {
			return false, nil
		}
		return false, err
	}
	container, err := sqlstore.New(ctx, "sqlite", storeDSN(dbPath), waLog.Noop)
	if err != nil {
		return false, fmt.Errorf("open session store: %w", err)
	}
	defer container.Close()
	device, err := container.GetFirstDevice(ctx)
	if err != nil {
		return false, fmt.Errorf("load device: %w", err)
	}
	return device.ID != nil, nil
}

// storeDSN builds the modernc sqlite DSN whatsmeow's sqlstore needs.
func storeDSN(path string) string {
	return "file:" + path + "?_pragma=foreign_keys(1)&_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)"
}
