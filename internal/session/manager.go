package session

import (
	"context"
	"errors"
	"fmt"
	"hash/fnv"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/nextlevelbuilder/pairgate/internal/bus"
	"github.com/nextlevelbuilder/pairgate/internal/metrics"
	"github.com/nextlevelbuilder/pairgate/pkg/protocol"
)

const (
	defaultDialTimeout = 30 * time.Second
	defaultPairTimeout = 30 * time.Second
)

var tracer = otel.Tracer("github.com/nextlevelbuilder/pairgate/internal/session")

// Config holds the manager's runtime settings.
type Config struct {
	DefaultBotID string        // process-wide session; the only one that uses RemoteBundle
	RemoteBundle string        // s3://, http(s):// or inline base64 credential bundle
	PairingTTL   time.Duration // default 10m
	Retry        RetryConfig
	DialTimeout  time.Duration // reconnect dial budget (default 30s)
	PairTimeout  time.Duration // native pairing request budget (default 30s)
}

// Publisher receives session events for subscribers. *bus.Bus implements it.
type Publisher interface {
	Broadcast(event bus.Event)
}

// OpenHook runs after a bot's connection opens, outside the bot's lock.
type OpenHook func(ctx context.Context, botID string, user *User)

// StartResult describes the session after Start or Restart.
type StartResult struct {
	BotID      string
	State      State
	Registered bool
	Code       string    // pairing code, when one was issued
	ExpiresAt  time.Time // pairing code expiry
}

// VerifyResult is returned by a successful Verify.
type VerifyResult struct {
	BotID       string
	LinkingCode string // code the library returned for entry on the phone
}

// Status is a read-only view of one bot.
type Status struct {
	BotID       string
	State       State
	Online      bool
	User        *User
	ConnectedAt time.Time
	LastSeen    time.Time
}

// Manager drives connection creation and applies the reconnect/teardown
// policy to connection events.
type Manager struct {
	cfg    Config
	dialer Dialer
	creds  CredentialStore
	pub    Publisher

	registry *Registry
	pairings *PairingTable

	locks [lockStripes]sync.Mutex // indexed by lockIndex(botID)
	gen   atomic.Uint64

	retryMu sync.RWMutex
	retry   RetryConfig

	hooksMu sync.RWMutex
	hooks   []OpenHook

	closed atomic.Bool
	now    func() time.Time
}

// NewManager creates a manager. pub may be nil.
func NewManager(cfg Config, dialer Dialer, creds CredentialStore, pub Publisher) *Manager {
	if cfg.DialTimeout <= 0 {
		cfg.DialTimeout = defaultDialTimeout
	}
	if cfg.PairTimeout <= 0 {
		cfg.PairTimeout = defaultPairTimeout
	}
	if pub == nil {
		pub = nopPublisher{}
	}
	return &Manager{
		cfg:      cfg,
		dialer:   dialer,
		creds:    creds,
		pub:      pub,
		registry: NewRegistry(),
		pairings: NewPairingTable(cfg.PairingTTL),
		retry:    cfg.Retry.normalized(),
		now:      time.Now,
	}
}

// DefaultBotID returns the id of the process-wide session.
func (m *Manager) DefaultBotID() string { return m.cfg.DefaultBotID }

// PairingTTL returns how long issued codes stay valid.
func (m *Manager) PairingTTL() time.Duration { return m.pairings.TTL() }

// Registry exposes the connection registry for read-only queries.
func (m *Manager) Registry() *Registry { return m.registry }

// Pairings exposes the pairing table for read-only queries.
func (m *Manager) Pairings() *PairingTable { return m.pairings }

// OnOpen registers a hook fired each time a connection opens.
func (m *Manager) OnOpen(hook OpenHook) {
	m.hooksMu.Lock()
	defer m.hooksMu.Unlock()
	m.hooks = append(m.hooks, hook)
}

// SetRetry swaps the reconnect policy. Already scheduled reconnects keep
// their delay; the next close uses the new policy.
func (m *Manager) SetRetry(cfg RetryConfig) {
	m.retryMu.Lock()
	m.retry = cfg.normalized()
	m.retryMu.Unlock()
	slog.Info("session: reconnect policy updated",
		"max_attempts", cfg.MaxAttempts, "base", cfg.BaseDelay, "max", cfg.MaxDelay)
}

func (m *Manager) retryConfig() RetryConfig {
	m.retryMu.RLock()
	defer m.retryMu.RUnlock()
	return m.retry
}

// Start opens a connection for botID, replacing any existing one. When the
// credentials are not yet registered and phone is set, a pairing code is
// issued; without a phone the library will emit QR payloads instead.
func (m *Manager) Start(ctx context.Context, botID, phone string) (*StartResult, error) {
	ctx, span := tracer.Start(ctx, "session.start", trace.WithAttributes(
		attribute.String("bot.id", botID),
		attribute.Bool("pairing.phone", phone != ""),
	))
	defer span.End()

	unlock := m.lock(botID)
	defer unlock()

	res, err := m.connectLocked(ctx, botID, phone, 0)
	if err != nil {
		m.registry.Delete(botID)
		m.pairings.Delete(botID)
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}
	span.SetAttributes(attribute.String("session.state", string(res.State)))
	return res, nil
}

// RequestPairing starts a pairing-code session for botID. A bot that is
// already online, or whose stored credentials turn out to be registered,
// gets ErrAlreadyRegistered; in the latter case the resumed connection is kept.
func (m *Manager) RequestPairing(ctx context.Context, botID, phone string) (*StartResult, error) {
	if st := m.Status(botID); st.Online {
		return nil, ErrAlreadyRegistered
	}
	res, err := m.Start(ctx, botID, phone)
	if err != nil {
		return nil, err
	}
	if res.Registered {
		return res, ErrAlreadyRegistered
	}
	return res, nil
}

// Verify checks code against the pending pairing for botID and, on match,
// asks the library for a linking code. A failed library call leaves the
// pairing in place so the caller can retry until it expires.
func (m *Manager) Verify(ctx context.Context, botID, code string) (*VerifyResult, error) {
	ctx, span := tracer.Start(ctx, "session.verify", trace.WithAttributes(attribute.String("bot.id", botID)))
	defer span.End()

	unlock := m.lock(botID)
	defer unlock()

	p, err := m.pairings.Match(botID, code)
	if err != nil {
		if errors.Is(err, ErrCodeMismatch) {
			metrics.PairingOutcomes.WithLabelValues("mismatch").Inc()
		} else {
			metrics.PairingOutcomes.WithLabelValues("not_found").Inc()
		}
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}

	entry, ok := m.registry.Get(botID)
	if !ok || entry.Gen != p.Gen {
		// The owning connection is gone; the entry died with it.
		m.pairings.Delete(botID)
		metrics.PairingOutcomes.WithLabelValues("not_found").Inc()
		return nil, ErrPairingNotFound
	}

	pairCtx, cancel := context.WithTimeout(ctx, m.cfg.PairTimeout)
	defer cancel()

	linking, err := entry.Conn.RequestPairingCode(pairCtx, p.Phone)
	if err != nil {
		slog.Warn("session: native pairing request failed", "bot", botID, "error", err)
		metrics.PairingOutcomes.WithLabelValues("request_failed").Inc()
		span.RecordError(err)
		span.SetStatus(codes.Error, "pairing request failed")
		return nil, fmt.Errorf("%w: %v", ErrPairingRequestFailed, err)
	}

	m.pairings.Delete(botID)
	metrics.PairingOutcomes.WithLabelValues("verified").Inc()
	slog.Info("session: pairing code verified", "bot", botID)

	return &VerifyResult{BotID: botID, LinkingCode: linking}, nil
}

// Clear closes the connection for botID and deletes its credential bundle.
func (m *Manager) Clear(ctx context.Context, botID string) error {
	unlock := m.lock(botID)
	defer unlock()
	return m.clearLocked(botID)
}

// Restart clears botID's session and opens a fresh one (QR flow).
func (m *Manager) Restart(ctx context.Context, botID string) (*StartResult, error) {
	unlock := m.lock(botID)
	defer unlock()

	if err := m.clearLocked(botID); err != nil {
		return nil, err
	}
	res, err := m.connectLocked(ctx, botID, "", 0)
	if err != nil {
		m.registry.Delete(botID)
		return nil, err
	}
	return res, nil
}

// Status returns a snapshot of botID's session.
func (m *Manager) Status(botID string) Status {
	st := Status{BotID: botID, State: StateUninitialized}
	if e, ok := m.registry.Get(botID); ok {
		st.State = e.State
		st.User = e.User
		st.ConnectedAt = e.ConnectedAt
		st.Online = e.State == StateOpen && e.User != nil
	}
	if seen, ok := m.registry.LastSeen(botID); ok {
		st.LastSeen = seen
	}
	return st
}

// Connected lists bots with an authenticated connection.
func (m *Manager) Connected() []ConnectedBot {
	return m.registry.ListAuthenticated()
}

// SessionExists reports whether botID has a paired credential bundle on disk.
func (m *Manager) SessionExists(ctx context.Context, botID string) bool {
	return m.creds.Registered(ctx, botID)
}

// Shutdown closes every connection. Pending timers become no-ops.
func (m *Manager) Shutdown() {
	if !m.closed.CompareAndSwap(false, true) {
		return
	}
	for _, e := range m.registry.All() {
		unlock := m.lock(e.BotID)
		if cur, ok := m.registry.Get(e.BotID); ok {
			cur.Conn.Close()
			m.registry.Delete(e.BotID)
		}
		m.pairings.Delete(e.BotID)
		unlock()
	}
	metrics.ConnectedBots.Set(0)
	slog.Info("session manager stopped")
}

// --- Internal ---

// lockStripes bounds the per-bot mutexes no matter how many bot ids the
// manager ever sees. Bots sharing a stripe serialize against each other;
// locked sections never take a second bot's lock.
const lockStripes = 64

func lockIndex(botID string) int {
	h := fnv.New32a()
	h.Write([]byte(botID))
	return int(h.Sum32() % lockStripes)
}

func (m *Manager) lock(botID string) func() {
	mu := &m.locks[lockIndex(botID)]
	mu.Lock()
	return mu.Unlock
}

// connectLocked must be called with botID's lock held. attempts is the
// reconnect counter carried over from the previous connection.
func (m *Manager) connectLocked(ctx context.Context, botID, phone string, attempts int) (*StartResult, error) {
	if m.closed.Load() {
		return nil, ErrShutdown
	}

	// The previous handle is discarded, never reused.
	if prev, ok := m.registry.Get(botID); ok {
		prev.Conn.Close()
	}

	remote := ""
	if botID == m.cfg.DefaultBotID {
		remote = m.cfg.RemoteBundle
	}
	bundle, err := m.creds.LoadOrInit(ctx, botID, remote)
	if err != nil {
		return nil, fmt.Errorf("load credentials for %s: %w", botID, err)
	}

	gen := m.gen.Add(1)
	conn, err := m.dialer.Dial(ctx, bundle, DialOptions{BotID: botID, PhoneNumber: phone})
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", botID, err)
	}

	entry := Entry{
		BotID:    botID,
		Conn:     conn,
		Gen:      gen,
		State:    StateConnecting,
		Phone:    phone,
		Attempts: attempts,
	}
	res := &StartResult{BotID: botID, Registered: conn.Registered()}

	switch {
	case res.Registered:
		m.pairings.Delete(botID)
	case phone != "":
		entry.State = StateAwaitingPairing
		p, rebound := Pairing{}, false
		if attempts > 0 {
			p, rebound = m.pairings.Rebind(botID, gen)
		}
		if !rebound {
			p = m.pairings.Create(botID, phone, gen)
			m.scheduleExpiry(p)
			metrics.PairingOutcomes.WithLabelValues("issued").Inc()
			slog.Info("session: pairing code issued", "bot", botID, "expires_in", m.pairings.TTL())
		}
		res.Code = p.Code
		res.ExpiresAt = p.ExpiresAt(m.pairings.TTL())
	default:
		entry.State = StateAwaitingQR
	}

	m.registry.Set(entry)
	res.State = entry.State
	go m.watch(botID, gen, conn)

	m.publishBotStatus(botID, botStatusFor(entry.State))
	slog.Info("session: connecting", "bot", botID, "state", entry.State, "attempt", attempts)
	return res, nil
}

// clearLocked must be called with botID's lock held.
func (m *Manager) clearLocked(botID string) error {
	if e, ok := m.registry.Get(botID); ok {
		e.Conn.Close()
		m.registry.Delete(botID)
	}
	m.pairings.Delete(botID)
	m.refreshConnectedGauge()

	if err := m.creds.Clear(botID); err != nil {
		return fmt.Errorf("clear credentials for %s: %w", botID, err)
	}
	m.publishConnection(botID, protocol.StatusDisconnected, nil)
	m.publishBotStatus(botID, protocol.BotStatusCleared)
	slog.Info("session: cleared", "bot", botID)
	return nil
}

func (m *Manager) scheduleExpiry(p Pairing) {
	time.AfterFunc(m.pairings.TTL(), func() {
		unlock := m.lock(p.BotID)
		defer unlock()

		if !m.pairings.RemoveIfSame(p) {
			return
		}
		metrics.PairingOutcomes.WithLabelValues("expired").Inc()
		slog.Warn("session: pairing code timed out", "bot", p.BotID)
		m.publishBotStatus(p.BotID, protocol.BotStatusPairingExpired)
	})
}

// watch consumes one connection's events in order until it is closed.
func (m *Manager) watch(botID string, gen uint64, conn Conn) {
	for {
		select {
		case ev := <-conn.Events():
			m.handleEvent(botID, gen, ev)
		case <-conn.Done():
			return
		}
	}
}

func (m *Manager) handleEvent(botID string, gen uint64, ev Event) {
	metrics.SessionEvents.WithLabelValues(ev.Kind.String()).Inc()

	unlock := m.lock(botID)
	entry, ok := m.registry.Get(botID)
	if !ok || entry.Gen != gen {
		unlock()
		slog.Debug("session: dropping event for replaced connection", "bot", botID, "event", ev.Kind)
		return
	}

	var after func()
	switch ev.Kind {
	case EventQR:
		m.onQR(entry, ev.QR)
	case EventCredsUpdated:
		m.registry.MarkSeen(botID, m.now())
		slog.Debug("session: credentials updated", "bot", botID)
	case EventOpen:
		after = m.onOpen(entry, ev.User)
	case EventClose:
		m.onClose(entry, ev.Reason)
	}
	unlock()

	if after != nil {
		after()
	}
}

func (m *Manager) onQR(entry Entry, payload string) {
	m.registry.Update(entry.BotID, entry.Gen, func(e *Entry) {
		if e.State == StateConnecting || e.State == StateAwaitingQR {
			e.State = StateAwaitingQR
		}
	})

	image, err := qrDataURL(payload)
	if err != nil {
		slog.Warn("session: render qr", "bot", entry.BotID, "error", err)
	}
	if entry.BotID == m.cfg.DefaultBotID {
		if text, err := qrTerminal(payload); err == nil {
			slog.Info("session: scan QR code to link the default session\n" + text)
		}
	}
	m.pub.Broadcast(bus.Event{
		Name:    protocol.EventQRGenerated,
		Payload: protocol.QRGenerated{BotID: entry.BotID, QR: payload, Image: image},
	})
}

func (m *Manager) onOpen(entry Entry, user *User) func() {
	if user == nil {
		user = entry.Conn.User()
	}
	now := m.now()
	m.registry.Update(entry.BotID, entry.Gen, func(e *Entry) {
		e.State = StateOpen
		e.User = user
		e.ConnectedAt = now
		e.Attempts = 0
	})
	m.registry.MarkSeen(entry.BotID, now)

	if m.pairings.Delete(entry.BotID) {
		metrics.PairingOutcomes.WithLabelValues("paired").Inc()
	}
	m.refreshConnectedGauge()

	slog.Info("session: connection open", "bot", entry.BotID, "user", userID(user))
	m.publishConnection(entry.BotID, protocol.StatusConnected, user)
	m.publishBotStatus(entry.BotID, protocol.BotStatusConnected)

	m.hooksMu.RLock()
	hooks := make([]OpenHook, len(m.hooks))
	copy(hooks, m.hooks)
	m.hooksMu.RUnlock()
	if len(hooks) == 0 {
		return nil
	}
	botID := entry.BotID
	return func() {
		for _, h := range hooks {
			h(context.Background(), botID, user)
		}
	}
}

func (m *Manager) onClose(entry Entry, reason CloseReason) {
	m.registry.MarkSeen(entry.BotID, m.now())

	if reason == ReasonLoggedOut {
		m.pairings.Delete(entry.BotID)
		m.registry.Delete(entry.BotID)
		entry.Conn.Close()
		m.refreshConnectedGauge()
		if err := m.creds.Clear(entry.BotID); err != nil {
			slog.Error("session: clear credentials after logout", "bot", entry.BotID, "error", err)
		}
		slog.Warn("session: logged out, credentials removed", "bot", entry.BotID)
		m.publishConnection(entry.BotID, protocol.StatusDisconnected, nil)
		m.publishBotStatus(entry.BotID, protocol.BotStatusLoggedOut)
		return
	}

	if reason == ReasonClientOutdated {
		slog.Error("session: client version rejected by server, not reconnecting", "bot", entry.BotID)
		m.failLocked(entry, "client_outdated")
		return
	}

	slog.Warn("session: connection closed", "bot", entry.BotID, "reason", reason, "attempts", entry.Attempts)
	m.scheduleReconnectLocked(entry)
}

// failLocked tears entry down without touching its credentials and reports
// the bot as failed.
func (m *Manager) failLocked(entry Entry, result string) {
	m.pairings.Delete(entry.BotID)
	m.registry.Delete(entry.BotID)
	entry.Conn.Close()
	m.refreshConnectedGauge()
	metrics.Reconnects.WithLabelValues(result).Inc()
	m.publishConnection(entry.BotID, protocol.StatusDisconnected, nil)
	m.publishBotStatus(entry.BotID, protocol.BotStatusFailed)
}

// scheduleReconnectLocked marks entry closed and arms a reconnect timer, or
// tears the entry down once the retry budget is spent.
func (m *Manager) scheduleReconnectLocked(entry Entry) {
	retry := m.retryConfig()
	attempt := entry.Attempts + 1

	if retry.exhausted(attempt) {
		slog.Error("session: reconnect attempts exhausted", "bot", entry.BotID, "attempts", entry.Attempts)
		m.failLocked(entry, "exhausted")
		return
	}

	delay := retry.delay(entry.Attempts)
	entry.State = StateClosed
	entry.Attempts = attempt
	entry.User = nil
	entry.ConnectedAt = time.Time{}
	m.registry.Set(entry)
	m.refreshConnectedGauge()

	metrics.Reconnects.WithLabelValues("scheduled").Inc()
	m.publishConnection(entry.BotID, protocol.StatusDisconnected, nil)
	m.publishBotStatus(entry.BotID, protocol.BotStatusReconnecting)

	botID, gen := entry.BotID, entry.Gen
	time.AfterFunc(delay, func() { m.reconnect(botID, gen) })
}

func (m *Manager) reconnect(botID string, gen uint64) {
	unlock := m.lock(botID)
	defer unlock()

	entry, ok := m.registry.Get(botID)
	if !ok || entry.Gen != gen || entry.State != StateClosed {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), m.cfg.DialTimeout)
	defer cancel()

	if _, err := m.connectLocked(ctx, botID, entry.Phone, entry.Attempts); err != nil {
		if errors.Is(err, ErrShutdown) {
			return
		}
		metrics.Reconnects.WithLabelValues("dial_failed").Inc()
		slog.Warn("session: reconnect failed", "bot", botID, "attempt", entry.Attempts, "error", err)
		m.scheduleReconnectLocked(entry)
	}
}

func (m *Manager) refreshConnectedGauge() {
	metrics.ConnectedBots.Set(float64(len(m.registry.ListAuthenticated())))
}

func (m *Manager) publishConnection(botID, status string, user *User) {
	var u interface{}
	if user != nil {
		u = user
	}
	m.pub.Broadcast(bus.Event{
		Name:    protocol.EventConnectionStatus,
		Payload: protocol.ConnectionStatus{BotID: botID, Status: status, User: u},
	})
}

func (m *Manager) publishBotStatus(botID, status string) {
	m.pub.Broadcast(bus.Event{
		Name:    protocol.EventBotStatusUpdate,
		Payload: protocol.BotStatusUpdate{BotID: botID, Status: status},
	})
}

func botStatusFor(s State) string {
	switch s {
	case StateAwaitingPairing:
		return protocol.BotStatusAwaitingPairing
	case StateAwaitingQR:
		return protocol.BotStatusAwaitingQR
	case StateOpen:
		return protocol.BotStatusConnected
	default:
		return protocol.BotStatusConnecting
	}
}

func userID(u *User) string {
	if u == nil {
		return ""
	}
	return u.ID
}

type nopPublisher struct{}

func (nopPublisher) Broadcast(bus.Event) {}
