package session

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/nextlevelbuilder/pairgate/internal/bus"
	"github.com/nextlevelbuilder/pairgate/internal/credentials"
)

// fakeConn is a scriptable Conn.
type fakeConn struct {
	events     chan Event
	done       chan struct{}
	closeOnce  sync.Once
	registered bool

	mu       sync.Mutex
	user     *User
	pairErr  error
	pairCode string
	pairs    atomic.Int32
	closed   atomic.Bool
}

func newFakeConn(registered bool) *fakeConn {
	return &fakeConn{
		events:     make(chan Event, 16),
		done:       make(chan struct{}),
		registered: registered,
		pairCode:   "ABCD-EFGH",
	}
}

func (c *fakeConn) Events() <-chan Event  { return c.events }
func (c *fakeConn) Done() <-chan struct{} { return c.done }
func (c *fakeConn) Registered() bool      { return c.registered }
func (c *fakeConn) emit(ev Event)         { c.events <- ev }

func (c *fakeConn) User() *User {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.user
}

func (c *fakeConn) setPairErr(err error) {
	c.mu.Lock()
	c.pairErr = err
	c.mu.Unlock()
}

func (c *fakeConn) RequestPairingCode(ctx context.Context, phone string) (string, error) {
	c.pairs.Add(1)
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.pairErr != nil {
		return "", c.pairErr
	}
	return c.pairCode, nil
}

func (c *fakeConn) Close() {
	c.closeOnce.Do(func() {
		c.closed.Store(true)
		close(c.done)
	})
}

// fakeDialer hands out fakeConns and records them per bot.
type fakeDialer struct {
	mu         sync.Mutex
	conns      map[string][]*fakeConn
	registered bool
	failNext   error
}

func newFakeDialer() *fakeDialer {
	return &fakeDialer{conns: make(map[string][]*fakeConn)}
}

func (d *fakeDialer) Dial(ctx context.Context, b *credentials.Bundle, opts DialOptions) (Conn, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.failNext != nil {
		err := d.failNext
		d.failNext = nil
		return nil, err
	}
	c := newFakeConn(d.registered)
	d.conns[opts.BotID] = append(d.conns[opts.BotID], c)
	return c, nil
}

func (d *fakeDialer) last(botID string) *fakeConn {
	d.mu.Lock()
	defer d.mu.Unlock()
	cs := d.conns[botID]
	if len(cs) == 0 {
		return nil
	}
	return cs[len(cs)-1]
}

func (d *fakeDialer) count(botID string) int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.conns[botID])
}

// recorder captures published events.
type recorder struct {
	mu     sync.Mutex
	events []bus.Event
}

func (r *recorder) Broadcast(e bus.Event) {
	r.mu.Lock()
	r.events = append(r.events, e)
	r.mu.Unlock()
}

func (r *recorder) names() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, len(r.events))
	for i, e := range r.events {
		out[i] = e.Name
	}
	return out
}

type testEnv struct {
	mgr    *Manager
	dialer *fakeDialer
	creds  *credentials.Store
	pub    *recorder
}

func newTestEnv(t *testing.T, mutate func(*Config)) *testEnv {
	t.Helper()
	cfg := Config{
		DefaultBotID: "default",
		PairingTTL:   time.Minute,
		Retry:        RetryConfig{MaxAttempts: 3, BaseDelay: 10 * time.Millisecond, MaxDelay: 20 * time.Millisecond},
	}
	if mutate != nil {
		mutate(&cfg)
	}
	env := &testEnv{
		dialer: newFakeDialer(),
		creds:  credentials.NewStore(credentials.Options{Root: t.TempDir()}),
		pub:    &recorder{},
	}
	env.mgr = NewManager(cfg, env.dialer, env.creds, env.pub)
	t.Cleanup(env.mgr.Shutdown)
	return env
}

// writeDB simulates the protocol library persisting auth state.
func (e *testEnv) writeDB(t *testing.T, botID string) string {
	t.Helper()
	dir, err := e.creds.EnsureDir(botID)
	if err != nil {
		t.Fatalf("EnsureDir: %v", err)
	}
	if err := os.WriteFile(filepath.Join(dir, credentials.DBFileName), []byte("state"), 0600); err != nil {
		t.Fatalf("write db: %v", err)
	}
	return dir
}

// waitFor polls cond until it holds or the deadline passes.
func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

var errBoom = errors.New("boom")
