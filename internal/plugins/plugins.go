// Package plugins runs JavaScript hooks when a bot's connection opens.
//
// Every *.js file in the plugin directory is compiled once per load and run
// in a fresh goja runtime for each open, with the globals botId, user and
// log(msg). A script that defines onConnected() has it called afterwards.
// Script failures are logged and never affect the session.
package plugins

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/dop251/goja"

	"github.com/nextlevelbuilder/pairgate/internal/session"
)

// DefaultTimeout bounds one script run.
const DefaultTimeout = 5 * time.Second

// ErrTimeout is returned when a script exceeds its time budget.
var ErrTimeout = errors.New("plugin timed out")

type script struct {
	name string
	prog *goja.Program
}

// Manager holds the compiled plugin set.
type Manager struct {
	dir     string
	timeout time.Duration

	mu      sync.RWMutex
	scripts []script
	version atomic.Int64
}

// NewManager creates a manager for dir. Call Load before use.
func NewManager(dir string, timeout time.Duration) *Manager {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	return &Manager{dir: dir, timeout: timeout}
}

// Dir returns the plugin directory.
func (m *Manager) Dir() string { return m.dir }

// Version increments on every Load.
func (m *Manager) Version() int64 { return m.version.Load() }

// Load compiles every *.js file in the plugin directory, replacing the
// current set. Files that fail to compile are skipped. A missing directory
// yields an empty set.
func (m *Manager) Load() error {
	entries, err := os.ReadDir(m.dir)
	if err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("read plugin dir: %w", err)
	}

	var loaded []script
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), ".js") {
			continue
		}
		path := filepath.Join(m.dir, e.Name())
		src, err := os.ReadFile(path)
		if err != nil {
			slog.Warn("plugins: read failed", "file", e.Name(), "error", err)
			continue
		}
		prog, err := goja.Compile(e.Name(), string(src), false)
		if err != nil {
			slog.Warn("plugins: compile failed", "file", e.Name(), "error", err)
			continue
		}
		loaded = append(loaded, script{name: e.Name(), prog: prog})
	}
	sort.Slice(loaded, func(i, j int) bool { return loaded[i].name < loaded[j].name })

	m.mu.Lock()
	m.scripts = loaded
	m.mu.Unlock()
	m.version.Add(1)

	slog.Info("plugins loaded", "dir", m.dir, "count", len(loaded))
	return nil
}

// Scripts returns the names of the loaded scripts, sorted.
func (m *Manager) Scripts() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	names := make([]string, len(m.scripts))
	for i, s := range m.scripts {
		names[i] = s.name
	}
	return names
}

// OnOpen runs every plugin for botID. It matches session.OpenHook.
func (m *Manager) OnOpen(ctx context.Context, botID string, user *session.User) {
	m.mu.RLock()
	scripts := m.scripts
	m.mu.RUnlock()

	for _, s := range scripts {
		start := time.Now()
		if _, err := m.run(ctx, s, botID, user); err != nil {
			slog.Warn("plugins: run failed", "plugin", s.name, "bot", botID, "error", err)
			continue
		}
		slog.Debug("plugins: ran", "plugin", s.name, "bot", botID, "took", time.Since(start))
	}
}

// setGlobals exposes botId, user and log to a script.
func setGlobals(vm *goja.Runtime, name, botID string, user *session.User) error {
	var u interface{} = goja.Null()
	if user != nil {
		u = map[string]interface{}{"id": user.ID, "name": user.Name}
	}
	logFn := func(call goja.FunctionCall) goja.Value {
		parts := make([]string, len(call.Arguments))
		for i, a := range call.Arguments {
			parts[i] = a.String()
		}
		slog.Info("plugin: "+strings.Join(parts, " "), "plugin", name, "bot", botID)
		return goja.Undefined()
	}

	if err := vm.Set("botId", botID); err != nil {
		return fmt.Errorf("set botId: %w", err)
	}
	if err := vm.Set("user", u); err != nil {
		return fmt.Errorf("set user: %w", err)
	}
	if err := vm.Set("log", logFn); err != nil {
		return fmt.Errorf("set log: %w", err)
	}
	return nil
}

// run executes one script and returns onConnected's exported result, if any.
func (m *Manager) run(ctx context.Context, s script, botID string, user *session.User) (result interface{}, err error) {
	vm := goja.New()
	vm.SetFieldNameMapper(goja.TagFieldNameMapper("json", true))

	if err := setGlobals(vm, s.name, botID, user); err != nil {
		return nil, err
	}

	runCtx, cancel := context.WithTimeout(ctx, m.timeout)
	defer cancel()
	stop := context.AfterFunc(runCtx, func() { vm.Interrupt(ErrTimeout) })
	defer stop()

	if _, err := vm.RunProgram(s.prog); err != nil {
		return nil, unwrapInterrupt(err)
	}

	fn, ok := goja.AssertFunction(vm.Get("onConnected"))
	if !ok {
		return nil, nil
	}
	v, err := fn(goja.Undefined())
	if err != nil {
		return nil, unwrapInterrupt(err)
	}
	return v.Export(), nil
}

func unwrapInterrupt(err error) error {
	var ie *goja.InterruptedError
	if errors.As(err, &ie) {
		if v, ok := ie.Value().(error); ok {
			return v
		}
		return fmt.Errorf("plugin interrupted: %v", ie.Value())
	}
	return err
}
