package plugins

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/dop251/goja"

	"github.com/nextlevelbuilder/pairgate/internal/session"
)

func writePlugin(t *testing.T, dir, name, src string) {
	t.Helper()
	if err := os.WriteFile(filepath.Join(dir, name), []byte(src), 0644); err != nil {
		t.Fatal(err)
	}
}

func loadOne(t *testing.T, src string, timeout time.Duration) (*Manager, script) {
	t.Helper()
	dir := t.TempDir()
	writePlugin(t, dir, "p.js", src)
	m := NewManager(dir, timeout)
	if err := m.Load(); err != nil {
		t.Fatalf("Load: %v", err)
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	if len(m.scripts) != 1 {
		t.Fatalf("loaded %d scripts", len(m.scripts))
	}
	return m, m.scripts[0]
}

func TestLoad_SkipsBrokenAndNonJS(t *testing.T) {
	dir := t.TempDir()
	writePlugin(t, dir, "b.js", `log("b")`)
	writePlugin(t, dir, "a.js", `log("a")`)
	writePlugin(t, dir, "broken.js", `function (`)
	writePlugin(t, dir, "notes.txt", `ignored`)

	m := NewManager(dir, 0)
	if err := m.Load(); err != nil {
		t.Fatalf("Load: %v", err)
	}
	got := m.Scripts()
	if len(got) != 2 || got[0] != "a.js" || got[1] != "b.js" {
		t.Errorf("Scripts = %v", got)
	}
	if m.Version() != 1 {
		t.Errorf("Version = %d", m.Version())
	}
}

func TestLoad_MissingDir(t *testing.T) {
	m := NewManager(filepath.Join(t.TempDir(), "none"), 0)
	if err := m.Load(); err != nil {
		t.Fatalf("Load: %v", err)
	}
	if len(m.Scripts()) != 0 {
		t.Error("expected no scripts")
	}
}

func TestRun_Globals(t *testing.T) {
	m, s := loadOne(t, `
		var seen = botId;
		function onConnected() {
			log("connected", botId);
			return seen + "|" + user.id + "|" + user.name;
		}
	`, 0)

	got, err := m.run(context.Background(), s, "b1", &session.User{ID: "1@s.whatsapp.net", Name: "Shop"})
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if got != "b1|1@s.whatsapp.net|Shop" {
		t.Errorf("result = %v", got)
	}
}

func TestRun_NilUser(t *testing.T) {
	m, s := loadOne(t, `function onConnected() { return user === null; }`, 0)
	got, err := m.run(context.Background(), s, "b1", nil)
	if err != nil || got != true {
		t.Errorf("run = %v, %v", got, err)
	}
}

func TestSetGlobals_ReportsFailure(t *testing.T) {
	vm := goja.New()
	// A frozen global makes the assignment throw.
	if err := vm.GlobalObject().DefineDataProperty("user", goja.Null(), goja.FLAG_FALSE, goja.FLAG_FALSE, goja.FLAG_TRUE); err != nil {
		t.Fatal(err)
	}
	err := setGlobals(vm, "p.js", "b1", &session.User{ID: "u1"})
	if err == nil || !strings.Contains(err.Error(), "set user") {
		t.Errorf("setGlobals = %v, want a set user error", err)
	}
}

func TestSetGlobals_ExposesAll(t *testing.T) {
	vm := goja.New()
	if err := setGlobals(vm, "p.js", "b1", nil); err != nil {
		t.Fatalf("setGlobals: %v", err)
	}
	for _, name := range []string{"botId", "user", "log"} {
		if v := vm.Get(name); v == nil {
			t.Errorf("%s not set", name)
		}
	}
	if _, ok := goja.AssertFunction(vm.Get("log")); !ok {
		t.Error("log is not callable")
	}
}

func TestRun_NoHook(t *testing.T) {
	m, s := loadOne(t, `var x = 1;`, 0)
	got, err := m.run(context.Background(), s, "b1", nil)
	if err != nil || got != nil {
		t.Errorf("run = %v, %v", got, err)
	}
}

func TestRun_Throw(t *testing.T) {
	m, s := loadOne(t, `function onConnected() { throw new Error("nope"); }`, 0)
	if _, err := m.run(context.Background(), s, "b1", nil); err == nil {
		t.Error("expected error from throwing plugin")
	}
}

func TestRun_Timeout(t *testing.T) {
	m, s := loadOne(t, `function onConnected() { for (;;) {} }`, 50*time.Millisecond)
	_, err := m.run(context.Background(), s, "b1", nil)
	if !errors.Is(err, ErrTimeout) {
		t.Errorf("err = %v, want ErrTimeout", err)
	}
}

func TestOnOpen_ContinuesAfterFailure(t *testing.T) {
	dir := t.TempDir()
	writePlugin(t, dir, "a.js", `function onConnected() { throw new Error("first fails"); }`)
	writePlugin(t, dir, "b.js", `function onConnected() { log("second runs"); }`)
	m := NewManager(dir, time.Second)
	m.Load()

	// Must not panic; failures are logged.
	m.OnOpen(context.Background(), "b1", &session.User{ID: "1@s.whatsapp.net"})
}

func TestWatcher_ReloadsOnChange(t *testing.T) {
	dir := t.TempDir()
	m := NewManager(dir, 0)
	m.Load()

	w, err := NewWatcher(m)
	if err != nil {
		t.Fatalf("NewWatcher: %v", err)
	}
	w.debounce = 20 * time.Millisecond
	if err := w.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer w.Stop()

	writePlugin(t, dir, "new.js", `log("hi")`)

	deadline := time.Now().Add(3 * time.Second)
	for len(m.Scripts()) != 1 {
		if time.Now().After(deadline) {
			t.Fatal("watcher did not reload plugins")
		}
		time.Sleep(10 * time.Millisecond)
	}
}
