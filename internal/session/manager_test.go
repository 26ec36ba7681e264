package session

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/nextlevelbuilder/pairgate/pkg/protocol"
)

const testPhone = "+15551234567"

func (r *recorder) botStatuses(botID string) []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []string
	for _, e := range r.events {
		if p, ok := e.Payload.(protocol.BotStatusUpdate); ok && p.BotID == botID {
			out = append(out, p.Status)
		}
	}
	return out
}

func (r *recorder) hasStatus(botID, status string) bool {
	for _, s := range r.botStatuses(botID) {
		if s == status {
			return true
		}
	}
	return false
}

func openUser() *User {
	return &User{ID: "15551234567:3@s.whatsapp.net", Name: "Support"}
}

func TestStart_WithPhoneIssuesCode(t *testing.T) {
	env := newTestEnv(t, nil)

	res, err := env.mgr.Start(context.Background(), "b1", testPhone)
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	if res.State != StateAwaitingPairing {
		t.Errorf("state = %s, want awaiting_pairing", res.State)
	}
	if !eightDigits.MatchString(res.Code) {
		t.Errorf("code %q is not 8 digits", res.Code)
	}
	if res.ExpiresAt.IsZero() {
		t.Error("ExpiresAt not set")
	}
	p, ok := env.mgr.Pairings().Get("b1")
	if !ok || p.Code != res.Code || p.Phone != testPhone {
		t.Errorf("pairing = %+v, %v", p, ok)
	}
	if !env.pub.hasStatus("b1", protocol.BotStatusAwaitingPairing) {
		t.Errorf("statuses = %v", env.pub.botStatuses("b1"))
	}
}

func TestStart_WithoutPhoneAwaitsQR(t *testing.T) {
	env := newTestEnv(t, nil)

	res, err := env.mgr.Start(context.Background(), "b1", "")
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	if res.State != StateAwaitingQR || res.Code != "" {
		t.Errorf("res = %+v", res)
	}
	if env.mgr.Pairings().Len() != 0 {
		t.Error("QR flow created a pairing entry")
	}
}

func TestStart_DialFailureLeavesNoEntry(t *testing.T) {
	env := newTestEnv(t, nil)
	env.dialer.failNext = errBoom

	if _, err := env.mgr.Start(context.Background(), "b1", testPhone); !errors.Is(err, errBoom) {
		t.Fatalf("Start = %v, want errBoom", err)
	}
	if _, ok := env.mgr.Registry().Get("b1"); ok {
		t.Error("registry entry left behind")
	}
	if env.mgr.Pairings().Len() != 0 {
		t.Error("pairing entry left behind")
	}
}

func TestStart_ReplacesPreviousConnection(t *testing.T) {
	env := newTestEnv(t, nil)
	ctx := context.Background()

	env.mgr.Start(ctx, "b1", testPhone)
	first := env.dialer.last("b1")
	second, err := env.mgr.Start(ctx, "b1", testPhone)
	if err != nil {
		t.Fatalf("second Start: %v", err)
	}
	if !first.closed.Load() {
		t.Error("previous connection not closed")
	}
	if env.mgr.Registry().Len() != 1 || env.mgr.Pairings().Len() != 1 {
		t.Errorf("registry=%d pairings=%d, want 1/1", env.mgr.Registry().Len(), env.mgr.Pairings().Len())
	}
	if p, _ := env.mgr.Pairings().Get("b1"); p.Code != second.Code {
		t.Error("pairing does not belong to the replacement connection")
	}
}

func TestVerify_MismatchThenMatch(t *testing.T) {
	env := newTestEnv(t, nil)
	ctx := context.Background()
	res, _ := env.mgr.Start(ctx, "b1", testPhone)

	wrong := "00000000"
	if wrong == res.Code {
		wrong = "11111111"
	}
	if _, err := env.mgr.Verify(ctx, "b1", wrong); !errors.Is(err, ErrCodeMismatch) {
		t.Fatalf("Verify(wrong) = %v, want ErrCodeMismatch", err)
	}
	if _, ok := env.mgr.Pairings().Get("b1"); !ok {
		t.Fatal("mismatch removed the pairing entry")
	}

	vr, err := env.mgr.Verify(ctx, "b1", res.Code)
	if err != nil {
		t.Fatalf("Verify: %v", err)
	}
	if vr.LinkingCode != "ABCD-EFGH" {
		t.Errorf("linking code = %q", vr.LinkingCode)
	}
	if _, ok := env.mgr.Pairings().Get("b1"); ok {
		t.Error("pairing entry survived a successful verify")
	}
	if _, err := env.mgr.Verify(ctx, "b1", res.Code); !errors.Is(err, ErrPairingNotFound) {
		t.Errorf("second Verify = %v, want ErrPairingNotFound", err)
	}
}

func TestVerify_UnknownBot(t *testing.T) {
	env := newTestEnv(t, nil)
	if _, err := env.mgr.Verify(context.Background(), "ghost", "12345678"); !errors.Is(err, ErrPairingNotFound) {
		t.Errorf("Verify = %v, want ErrPairingNotFound", err)
	}
}

func TestVerify_ConcurrentSucceedsOnce(t *testing.T) {
	env := newTestEnv(t, nil)
	ctx := context.Background()
	res, _ := env.mgr.Start(ctx, "b1", testPhone)

	var ok atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := env.mgr.Verify(ctx, "b1", res.Code); err == nil {
				ok.Add(1)
			}
		}()
	}
	wg.Wait()

	if ok.Load() != 1 {
		t.Errorf("%d verifies succeeded, want 1", ok.Load())
	}
	if n := env.dialer.last("b1").pairs.Load(); n != 1 {
		t.Errorf("native pairing called %d times, want 1", n)
	}
}

func TestVerify_RequestFailureKeepsEntry(t *testing.T) {
	env := newTestEnv(t, nil)
	ctx := context.Background()
	res, _ := env.mgr.Start(ctx, "b1", testPhone)
	conn := env.dialer.last("b1")
	conn.setPairErr(errBoom)

	if _, err := env.mgr.Verify(ctx, "b1", res.Code); !errors.Is(err, ErrPairingRequestFailed) {
		t.Fatalf("Verify = %v, want ErrPairingRequestFailed", err)
	}
	if _, ok := env.mgr.Pairings().Get("b1"); !ok {
		t.Fatal("failed request removed the pairing entry")
	}

	conn.setPairErr(nil)
	if _, err := env.mgr.Verify(ctx, "b1", res.Code); err != nil {
		t.Errorf("retry Verify: %v", err)
	}
}

func TestVerify_ExpiredCode(t *testing.T) {
	env := newTestEnv(t, nil)
	ctx := context.Background()
	res, _ := env.mgr.Start(ctx, "b1", testPhone)

	env.mgr.Pairings().now = func() time.Time { return time.Now().Add(2 * time.Minute) }
	if _, err := env.mgr.Verify(ctx, "b1", res.Code); !errors.Is(err, ErrPairingNotFound) {
		t.Errorf("Verify = %v, want ErrPairingNotFound", err)
	}
}

func TestPairingExpiryTimer(t *testing.T) {
	env := newTestEnv(t, func(c *Config) { c.PairingTTL = 30 * time.Millisecond })
	env.mgr.Start(context.Background(), "b1", testPhone)

	waitFor(t, "pairing expiry", func() bool {
		return env.pub.hasStatus("b1", protocol.BotStatusPairingExpired)
	})
	if env.mgr.Pairings().Len() != 0 {
		t.Error("expired pairing still stored")
	}
}

func TestOpen_DeletesPairingAndMarksOnline(t *testing.T) {
	env := newTestEnv(t, nil)
	env.mgr.Start(context.Background(), "b1", testPhone)

	env.dialer.last("b1").emit(Event{Kind: EventOpen, User: openUser()})
	waitFor(t, "open", func() bool { return env.mgr.Status("b1").Online })

	if env.mgr.Pairings().Len() != 0 {
		t.Error("pairing entry survived open")
	}
	st := env.mgr.Status("b1")
	if st.State != StateOpen || st.User == nil || st.User.ID != openUser().ID || st.ConnectedAt.IsZero() {
		t.Errorf("status = %+v", st)
	}
	bots := env.mgr.Connected()
	if len(bots) != 1 || bots[0].BotID != "b1" {
		t.Errorf("Connected = %+v", bots)
	}
}

func TestOpen_RunsHooks(t *testing.T) {
	env := newTestEnv(t, nil)
	got := make(chan string, 1)
	env.mgr.OnOpen(func(ctx context.Context, botID string, user *User) {
		got <- botID + "/" + user.ID
	})
	env.mgr.Start(context.Background(), "b1", "")
	env.dialer.last("b1").emit(Event{Kind: EventOpen, User: openUser()})

	select {
	case v := <-got:
		if v != "b1/"+openUser().ID {
			t.Errorf("hook got %q", v)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("open hook not called")
	}
}

func TestQR_PublishesImage(t *testing.T) {
	env := newTestEnv(t, nil)
	env.mgr.Start(context.Background(), "b1", "")
	env.dialer.last("b1").emit(Event{Kind: EventQR, QR: "2@abc,def,ghi"})

	var qr protocol.QRGenerated
	waitFor(t, "qr event", func() bool {
		env.pub.mu.Lock()
		defer env.pub.mu.Unlock()
		for _, e := range env.pub.events {
			if p, ok := e.Payload.(protocol.QRGenerated); ok {
				qr = p
				return true
			}
		}
		return false
	})
	if qr.BotID != "b1" || qr.QR != "2@abc,def,ghi" {
		t.Errorf("qr = %+v", qr)
	}
	if !strings.HasPrefix(qr.Image, "data:image/png;base64,") {
		t.Errorf("image = %.40q", qr.Image)
	}
}

func TestLogout_ClearsEverything(t *testing.T) {
	env := newTestEnv(t, nil)
	env.writeDB(t, "b2")
	env.dialer.registered = true
	env.mgr.Start(context.Background(), "b2", "")
	conn := env.dialer.last("b2")
	conn.emit(Event{Kind: EventOpen, User: openUser()})
	waitFor(t, "open", func() bool { return env.mgr.Status("b2").Online })

	conn.emit(Event{Kind: EventClose, Reason: ReasonLoggedOut})
	waitFor(t, "logout", func() bool {
		_, ok := env.mgr.Registry().Get("b2")
		return !ok
	})

	if env.creds.Exists("b2") {
		t.Error("credential bundle survived logout")
	}
	if env.mgr.Status("b2").Online {
		t.Error("status still online")
	}
	if !conn.closed.Load() {
		t.Error("connection not closed")
	}
	if !env.pub.hasStatus("b2", protocol.BotStatusLoggedOut) {
		t.Errorf("statuses = %v", env.pub.botStatuses("b2"))
	}
	time.Sleep(50 * time.Millisecond)
	if env.dialer.count("b2") != 1 {
		t.Error("logout triggered a reconnect")
	}
}

func TestClose_ReconnectsKeepingPairingCode(t *testing.T) {
	env := newTestEnv(t, nil)
	res, _ := env.mgr.Start(context.Background(), "b1", testPhone)
	first := env.dialer.last("b1")

	first.emit(Event{Kind: EventClose, Reason: ReasonConnectionLost})
	waitFor(t, "reconnect", func() bool { return env.dialer.count("b1") == 2 })
	waitFor(t, "awaiting pairing", func() bool {
		return env.mgr.Status("b1").State == StateAwaitingPairing
	})

	p, ok := env.mgr.Pairings().Get("b1")
	if !ok || p.Code != res.Code {
		t.Fatalf("pairing after reconnect = %+v, %v", p, ok)
	}
	e, _ := env.mgr.Registry().Get("b1")
	if p.Gen != e.Gen {
		t.Errorf("pairing gen %d, entry gen %d", p.Gen, e.Gen)
	}
	if e.Attempts != 1 {
		t.Errorf("attempts = %d, want 1", e.Attempts)
	}
	if !env.pub.hasStatus("b1", protocol.BotStatusReconnecting) {
		t.Errorf("statuses = %v", env.pub.botStatuses("b1"))
	}

	// The code still verifies against the new connection.
	if _, err := env.mgr.Verify(context.Background(), "b1", res.Code); err != nil {
		t.Errorf("Verify after reconnect: %v", err)
	}
}

func TestClose_ExhaustionFails(t *testing.T) {
	env := newTestEnv(t, func(c *Config) { c.Retry.MaxAttempts = 1 })
	env.mgr.Start(context.Background(), "b1", "")

	env.dialer.last("b1").emit(Event{Kind: EventClose, Reason: ReasonConnectionLost})
	waitFor(t, "reconnect", func() bool { return env.dialer.count("b1") == 2 })
	waitFor(t, "awaiting qr", func() bool { return env.mgr.Status("b1").State == StateAwaitingQR })

	env.dialer.last("b1").emit(Event{Kind: EventClose, Reason: ReasonConnectionLost})
	waitFor(t, "failed", func() bool { return env.pub.hasStatus("b1", protocol.BotStatusFailed) })

	if _, ok := env.mgr.Registry().Get("b1"); ok {
		t.Error("registry entry survived exhaustion")
	}
	time.Sleep(50 * time.Millisecond)
	if env.dialer.count("b1") != 2 {
		t.Errorf("dialed %d times, want 2", env.dialer.count("b1"))
	}
}

func TestClose_ClientOutdatedFailsWithoutReconnect(t *testing.T) {
	env := newTestEnv(t, nil)
	env.writeDB(t, "b1")
	env.dialer.registered = true
	env.mgr.Start(context.Background(), "b1", "")
	conn := env.dialer.last("b1")
	conn.emit(Event{Kind: EventOpen, User: openUser()})
	waitFor(t, "open", func() bool { return env.mgr.Status("b1").Online })

	conn.emit(Event{Kind: EventClose, Reason: ReasonClientOutdated})
	waitFor(t, "failed", func() bool { return env.pub.hasStatus("b1", protocol.BotStatusFailed) })

	if _, ok := env.mgr.Registry().Get("b1"); ok {
		t.Error("registry entry survived")
	}
	if !conn.closed.Load() {
		t.Error("connection not closed")
	}
	if !env.creds.Registered(context.Background(), "b1") {
		t.Error("credentials removed for an outdated client")
	}
	if env.pub.hasStatus("b1", protocol.BotStatusReconnecting) {
		t.Error("outdated client scheduled a reconnect")
	}
	time.Sleep(50 * time.Millisecond)
	if env.dialer.count("b1") != 1 {
		t.Errorf("dialed %d times, want 1", env.dialer.count("b1"))
	}
}

func TestOpen_ResetsAttempts(t *testing.T) {
	env := newTestEnv(t, nil)
	env.mgr.Start(context.Background(), "b1", "")

	env.dialer.last("b1").emit(Event{Kind: EventClose, Reason: ReasonConnectionLost})
	waitFor(t, "reconnect", func() bool { return env.dialer.count("b1") == 2 })
	waitFor(t, "awaiting qr", func() bool { return env.mgr.Status("b1").State == StateAwaitingQR })

	env.dialer.last("b1").emit(Event{Kind: EventOpen, User: openUser()})
	waitFor(t, "open", func() bool { return env.mgr.Status("b1").Online })
	if e, _ := env.mgr.Registry().Get("b1"); e.Attempts != 0 {
		t.Errorf("attempts = %d after open, want 0", e.Attempts)
	}
}

func TestStaleEventIgnored(t *testing.T) {
	env := newTestEnv(t, nil)
	ctx := context.Background()
	env.mgr.Start(ctx, "b1", testPhone)
	old, _ := env.mgr.Registry().Get("b1")
	env.mgr.Start(ctx, "b1", testPhone)

	env.mgr.handleEvent("b1", old.Gen, Event{Kind: EventOpen, User: openUser()})
	env.mgr.handleEvent("b1", old.Gen, Event{Kind: EventClose, Reason: ReasonLoggedOut})

	st := env.mgr.Status("b1")
	if st.State != StateAwaitingPairing || st.Online {
		t.Errorf("stale events changed status: %+v", st)
	}
	if env.mgr.Pairings().Len() != 1 {
		t.Error("stale event touched the pairing table")
	}
}

func TestRequestPairing_AlreadyRegistered(t *testing.T) {
	env := newTestEnv(t, nil)
	env.writeDB(t, "b1")
	env.dialer.registered = true

	res, err := env.mgr.RequestPairing(context.Background(), "b1", testPhone)
	if !errors.Is(err, ErrAlreadyRegistered) {
		t.Fatalf("RequestPairing = %v, want ErrAlreadyRegistered", err)
	}
	if res == nil || !res.Registered || res.Code != "" {
		t.Errorf("res = %+v", res)
	}
	if env.mgr.Pairings().Len() != 0 {
		t.Error("registered bot got a pairing entry")
	}
}

func TestRequestPairing_Online(t *testing.T) {
	env := newTestEnv(t, nil)
	env.mgr.Start(context.Background(), "b1", "")
	env.dialer.last("b1").emit(Event{Kind: EventOpen, User: openUser()})
	waitFor(t, "open", func() bool { return env.mgr.Status("b1").Online })

	if _, err := env.mgr.RequestPairing(context.Background(), "b1", testPhone); !errors.Is(err, ErrAlreadyRegistered) {
		t.Errorf("RequestPairing = %v, want ErrAlreadyRegistered", err)
	}
	if env.dialer.count("b1") != 1 {
		t.Error("online bot was redialed")
	}
}

func TestClear(t *testing.T) {
	env := newTestEnv(t, nil)
	env.writeDB(t, "b1")
	env.mgr.Start(context.Background(), "b1", testPhone)
	conn := env.dialer.last("b1")

	if err := env.mgr.Clear(context.Background(), "b1"); err != nil {
		t.Fatalf("Clear: %v", err)
	}
	if env.creds.Exists("b1") || env.mgr.SessionExists(context.Background(), "b1") {
		t.Error("bundle survived Clear")
	}
	if _, ok := env.mgr.Registry().Get("b1"); ok {
		t.Error("registry entry survived Clear")
	}
	if env.mgr.Pairings().Len() != 0 {
		t.Error("pairing survived Clear")
	}
	if !conn.closed.Load() {
		t.Error("connection not closed")
	}
	if !env.pub.hasStatus("b1", protocol.BotStatusCleared) {
		t.Errorf("statuses = %v", env.pub.botStatuses("b1"))
	}
	if err := env.mgr.Clear(context.Background(), "b1"); err != nil {
		t.Errorf("second Clear: %v", err)
	}
}

func TestRestart_StartsFreshQRSession(t *testing.T) {
	env := newTestEnv(t, nil)
	env.writeDB(t, "b1")
	env.mgr.Start(context.Background(), "b1", "")

	res, err := env.mgr.Restart(context.Background(), "b1")
	if err != nil {
		t.Fatalf("Restart: %v", err)
	}
	if res.State != StateAwaitingQR {
		t.Errorf("state = %s, want awaiting_qr", res.State)
	}
	if env.creds.Registered(context.Background(), "b1") {
		t.Error("old credentials survived Restart")
	}
	if env.dialer.count("b1") != 2 {
		t.Errorf("dialed %d times, want 2", env.dialer.count("b1"))
	}
}

func TestShutdown(t *testing.T) {
	env := newTestEnv(t, nil)
	env.mgr.Start(context.Background(), "b1", "")
	conn := env.dialer.last("b1")

	env.mgr.Shutdown()
	if !conn.closed.Load() {
		t.Error("connection not closed on shutdown")
	}
	if _, err := env.mgr.Start(context.Background(), "b1", ""); !errors.Is(err, ErrShutdown) {
		t.Errorf("Start after shutdown = %v, want ErrShutdown", err)
	}
}

func TestSetRetry(t *testing.T) {
	env := newTestEnv(t, nil)
	env.mgr.SetRetry(RetryConfig{MaxAttempts: 7, BaseDelay: time.Second, MaxDelay: time.Minute})
	if got := env.mgr.retryConfig(); got.MaxAttempts != 7 || got.BaseDelay != time.Second {
		t.Errorf("retry = %+v", got)
	}
}

func TestLocks_BoundedAcrossManyBots(t *testing.T) {
	env := newTestEnv(t, nil)
	ctx := context.Background()

	var wg sync.WaitGroup
	for i := 0; i < 4*lockStripes; i++ {
		botID := fmt.Sprintf("bot-%d", i)
		if idx := lockIndex(botID); idx < 0 || idx >= lockStripes || idx != lockIndex(botID) {
			t.Fatalf("lockIndex(%q) = %d", botID, idx)
		}
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := env.mgr.Start(ctx, botID, ""); err != nil {
				t.Errorf("Start %s: %v", botID, err)
				return
			}
			if err := env.mgr.Clear(ctx, botID); err != nil {
				t.Errorf("Clear %s: %v", botID, err)
			}
		}()
	}

	done := make(chan struct{})
	go func() { wg.Wait(); close(done) }()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("start/clear across shared lock stripes did not finish")
	}
	if n := len(env.mgr.Registry().All()); n != 0 {
		t.Errorf("registry holds %d entries after clearing every bot", n)
	}
}
