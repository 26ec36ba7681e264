package credentials

import (
	"context"
	"encoding/base64"
	"errors"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
)

func inlineBundle(t *testing.T, files map[string]string) string {
	t.Helper()
	doc := `{"files":{`
	first := true
	for name, content := range files {
		if !first {
			doc += ","
		}
		first = false
		doc += `"` + name + `":"` + base64.StdEncoding.EncodeToString([]byte(content)) + `"`
	}
	doc += `}}`
	return base64.StdEncoding.EncodeToString([]byte(doc))
}

func TestValidateBotID(t *testing.T) {
	valid := []string{"b1", "bot_01", "tenant.bot-7", "A"}
	for _, id := range valid {
		if err := ValidateBotID(id); err != nil {
			t.Errorf("ValidateBotID(%q) = %v, want nil", id, err)
		}
	}
	invalid := []string{"", ".", "..", "a/b", "../etc", "has space", string(make([]byte, MaxBotIDLength+1))}
	for _, id := range invalid {
		if err := ValidateBotID(id); !errors.Is(err, ErrInvalidBotID) {
			t.Errorf("ValidateBotID(%q) = %v, want ErrInvalidBotID", id, err)
		}
	}
}

func TestEnsureDir_Idempotent(t *testing.T) {
	s := NewStore(Options{Root: t.TempDir()})

	dir1, err := s.EnsureDir("b1")
	if err != nil {
		t.Fatalf("first EnsureDir: %v", err)
	}
	dir2, err := s.EnsureDir("b1")
	if err != nil {
		t.Fatalf("second EnsureDir: %v", err)
	}
	if dir1 != dir2 {
		t.Errorf("dirs differ: %q vs %q", dir1, dir2)
	}
	if info, err := os.Stat(dir1); err != nil || !info.IsDir() {
		t.Errorf("bundle dir missing: %v", err)
	}
}

func TestClear_Idempotent(t *testing.T) {
	s := NewStore(Options{Root: t.TempDir()})
	dir, _ := s.EnsureDir("b2")
	os.WriteFile(filepath.Join(dir, DBFileName), []byte("x"), 0600)

	if err := s.Clear("b2"); err != nil {
		t.Fatalf("Clear: %v", err)
	}
	if _, err := os.Stat(dir); !os.IsNotExist(err) {
		t.Errorf("bundle dir still present: %v", err)
	}
	if err := s.Clear("b2"); err != nil {
		t.Errorf("second Clear: %v", err)
	}
}

func TestLoadOrInit_FreshWithoutRemote(t *testing.T) {
	s := NewStore(Options{Root: t.TempDir()})

	b, err := s.LoadOrInit(context.Background(), "b1", "")
	if err != nil {
		t.Fatalf("LoadOrInit: %v", err)
	}
	if !b.Fresh {
		t.Error("expected fresh bundle")
	}
	if b.DBPath != filepath.Join(b.Dir, DBFileName) {
		t.Errorf("DBPath = %q", b.DBPath)
	}
	if !s.Exists("b1") {
		t.Error("Exists should report the created directory")
	}
	if s.Registered(context.Background(), "b1") {
		t.Error("Registered should be false before the library writes state")
	}
}

func TestLoadOrInit_InlineRemote(t *testing.T) {
	s := NewStore(Options{Root: t.TempDir()})
	ref := inlineBundle(t, map[string]string{DBFileName: "auth-state", "keys/pre.json": "{}"})

	b, err := s.LoadOrInit(context.Background(), "default", ref)
	if err != nil {
		t.Fatalf("LoadOrInit: %v", err)
	}
	if b.Fresh {
		t.Error("seeded bundle should not be fresh")
	}
	got, err := os.ReadFile(b.DBPath)
	if err != nil || string(got) != "auth-state" {
		t.Errorf("session.db = %q, %v", got, err)
	}
	if _, err := os.Stat(filepath.Join(b.Dir, "keys", "pre.json")); err != nil {
		t.Errorf("nested file missing: %v", err)
	}
}

func TestLoadOrInit_RemoteSkippedWhenLocalExists(t *testing.T) {
	s := NewStore(Options{Root: t.TempDir()})
	dir, _ := s.EnsureDir("default")
	os.WriteFile(filepath.Join(dir, DBFileName), []byte("local"), 0600)

	// An undecodable ref would fail if it were consulted.
	if _, err := s.LoadOrInit(context.Background(), "default", "!!not-base64!!"); err != nil {
		t.Fatalf("LoadOrInit: %v", err)
	}
	got, _ := os.ReadFile(filepath.Join(dir, DBFileName))
	if string(got) != "local" {
		t.Errorf("local bundle overwritten: %q", got)
	}
}

func TestLoadOrInit_HTTPRemote(t *testing.T) {
	body, _ := base64.StdEncoding.DecodeString(inlineBundle(t, map[string]string{DBFileName: "from-http"}))
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write(body)
	}))
	defer srv.Close()

	s := NewStore(Options{Root: t.TempDir()})
	b, err := s.LoadOrInit(context.Background(), "default", srv.URL+"/bundle.json")
	if err != nil {
		t.Fatalf("LoadOrInit: %v", err)
	}
	got, _ := os.ReadFile(b.DBPath)
	if string(got) != "from-http" {
		t.Errorf("session.db = %q", got)
	}
}

func TestLoadOrInit_RemoteFailuresAreFatal(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "nope", http.StatusNotFound)
	}))
	defer srv.Close()

	cases := map[string]string{
		"http 404":       srv.URL,
		"bad base64":     "%%%",
		"bad json":       base64.StdEncoding.EncodeToString([]byte("not json")),
		"empty bundle":   base64.StdEncoding.EncodeToString([]byte(`{"files":{}}`)),
		"path traversal": inlineBundle(t, map[string]string{"../escape": "x"}),
		"bad s3 ref":     "s3://bucket-only",
	}
	for name, ref := range cases {
		t.Run(name, func(t *testing.T) {
			s := NewStore(Options{Root: t.TempDir()})
			_, err := s.LoadOrInit(context.Background(), "default", ref)
			if !errors.Is(err, ErrRemoteBundle) {
				t.Errorf("err = %v, want ErrRemoteBundle", err)
			}
		})
	}
}

func TestPackUnpack(t *testing.T) {
	src := t.TempDir()
	os.WriteFile(filepath.Join(src, DBFileName), []byte("db"), 0600)
	os.MkdirAll(filepath.Join(src, "sub"), 0700)
	os.WriteFile(filepath.Join(src, "sub", "k"), []byte("key"), 0600)

	data, err := Pack(src)
	if err != nil {
		t.Fatalf("Pack: %v", err)
	}

	dst := t.TempDir()
	n, err := Unpack(dst, data)
	if err != nil {
		t.Fatalf("Unpack: %v", err)
	}
	if n != 2 {
		t.Errorf("unpacked %d files, want 2", n)
	}
	if got, _ := os.ReadFile(filepath.Join(dst, "sub", "k")); string(got) != "key" {
		t.Errorf("sub/k = %q", got)
	}
}

func TestList(t *testing.T) {
	s := NewStore(Options{Root: t.TempDir()})
	if ids, err := s.List(); err != nil || len(ids) != 0 {
		t.Fatalf("List on empty root = %v, %v", ids, err)
	}
	s.EnsureDir("b2")
	s.EnsureDir("b1")
	os.WriteFile(filepath.Join(s.Root(), "stray.txt"), []byte("x"), 0600)

	ids, err := s.List()
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(ids) != 2 || ids[0] != "b1" || ids[1] != "b2" {
		t.Errorf("List = %v, want [b1 b2]", ids)
	}
}

func TestParseS3Ref(t *testing.T) {
	bucket, key, err := parseS3Ref("s3://creds/bots/default.json")
	if err != nil {
		t.Fatalf("parseS3Ref: %v", err)
	}
	if bucket != "creds" || key != "bots/default.json" {
		t.Errorf("got %q %q", bucket, key)
	}
}

func TestDescribeRef_HidesInline(t *testing.T) {
	if got := describeRef("c2VjcmV0"); got != "inline" {
		t.Errorf("describeRef(inline) = %q", got)
	}
	if got := describeRef("https://h.example/b.json?token=abc"); got != "https://h.example/b.json" {
		t.Errorf("describeRef(url) = %q", got)
	}
}

const testKey = "0123456789abcdef0123456789abcdef" // raw 32 bytes

func TestSealOpen(t *testing.T) {
	doc := []byte(`{"files":{"session.db":"eA=="}}`)
	sealed, err := Seal(doc, testKey)
	if err != nil {
		t.Fatalf("Seal: %v", err)
	}
	if !IsSealed(sealed) {
		t.Fatalf("sealed output lacks prefix: %q", sealed)
	}
	got, err := Open(sealed, testKey)
	if err != nil || string(got) != string(doc) {
		t.Fatalf("Open = %q, %v", got, err)
	}

	if _, err := Open(sealed, ""); !errors.Is(err, ErrBundleKey) {
		t.Errorf("Open without key = %v, want ErrBundleKey", err)
	}
	if _, err := Open(sealed, "fedcba9876543210fedcba9876543210"); !errors.Is(err, ErrBundleKey) {
		t.Errorf("Open with wrong key = %v, want ErrBundleKey", err)
	}
	if plain, err := Open(doc, ""); err != nil || string(plain) != string(doc) {
		t.Errorf("Open(plain) = %q, %v", plain, err)
	}
	if _, err := Seal(doc, "short"); !errors.Is(err, ErrBundleKey) {
		t.Errorf("Seal with bad key = %v", err)
	}
}

func TestDeriveKey_Encodings(t *testing.T) {
	hexKey := "000102030405060708090a0b0c0d0e0f101112131415161718191a1b1c1d1e1f"
	b64Key := base64.StdEncoding.EncodeToString(make([]byte, 32))
	for _, k := range []string{testKey, hexKey, b64Key} {
		key, err := deriveKey(k)
		if err != nil || len(key) != 32 {
			t.Errorf("deriveKey(%q) = %d bytes, %v", k, len(key), err)
		}
	}
}

func TestLoadOrInit_SealedInlineRemote(t *testing.T) {
	doc, _ := base64.StdEncoding.DecodeString(inlineBundle(t, map[string]string{DBFileName: "sealed-state"}))
	sealed, err := Seal(doc, testKey)
	if err != nil {
		t.Fatal(err)
	}

	s := NewStore(Options{Root: t.TempDir(), BundleKey: testKey})
	b, err := s.LoadOrInit(context.Background(), "default", string(sealed))
	if err != nil {
		t.Fatalf("LoadOrInit: %v", err)
	}
	if got, _ := os.ReadFile(b.DBPath); string(got) != "sealed-state" {
		t.Errorf("session.db = %q", got)
	}

	noKey := NewStore(Options{Root: t.TempDir()})
	if _, err := noKey.LoadOrInit(context.Background(), "default", string(sealed)); !errors.Is(err, ErrRemoteBundle) {
		t.Errorf("without key: err = %v, want ErrRemoteBundle", err)
	}
}

// pairedByContent treats a store as paired when its contents read "paired".
func pairedByContent(_ context.Context, dbPath string) (bool, error) {
	data, err := os.ReadFile(dbPath)
	if err != nil {
		return false, err
	}
	return string(data) == "paired", nil
}

func TestRegistered_UnpairedStoreFile(t *testing.T) {
	s := NewStore(Options{Root: t.TempDir(), Paired: pairedByContent})
	ctx := context.Background()
	dir, _ := s.EnsureDir("b1")
	dbPath := filepath.Join(dir, DBFileName)

	// A failed dial leaves an initialized but unpaired device store behind.
	os.WriteFile(dbPath, []byte("schema-only"), 0600)
	if !s.Exists("b1") {
		t.Error("Exists should be true for the directory")
	}
	if s.Registered(ctx, "b1") {
		t.Error("unpaired store reported as registered")
	}
	b, err := s.LoadOrInit(ctx, "b1", "")
	if err != nil {
		t.Fatalf("LoadOrInit: %v", err)
	}
	if !b.Fresh {
		t.Error("bundle with an unpaired store should be fresh")
	}

	os.WriteFile(dbPath, []byte("paired"), 0600)
	if !s.Registered(ctx, "b1") {
		t.Error("paired store not reported as registered")
	}
}

func TestLoadOrInit_SeedsOverUnpairedStore(t *testing.T) {
	s := NewStore(Options{Root: t.TempDir(), Paired: pairedByContent})
	ctx := context.Background()
	dir, _ := s.EnsureDir("default")
	os.WriteFile(filepath.Join(dir, DBFileName), []byte("schema-only"), 0600)
	os.WriteFile(filepath.Join(dir, DBFileName+"-wal"), []byte("stale"), 0600)

	ref := inlineBundle(t, map[string]string{DBFileName: "paired"})
	b, err := s.LoadOrInit(ctx, "default", ref)
	if err != nil {
		t.Fatalf("LoadOrInit: %v", err)
	}
	if b.Fresh {
		t.Error("seeded bundle should not be fresh")
	}
	if got, _ := os.ReadFile(b.DBPath); string(got) != "paired" {
		t.Errorf("session.db = %q, want seeded contents", got)
	}
	if _, err := os.Stat(b.DBPath + "-wal"); !os.IsNotExist(err) {
		t.Errorf("stale wal survived seeding: %v", err)
	}
}

func TestRegistered_InspectErrorIsUnregistered(t *testing.T) {
	s := NewStore(Options{Root: t.TempDir(), Paired: func(context.Context, string) (bool, error) {
		return false, errors.New("corrupt")
	}})
	dir, _ := s.EnsureDir("b1")
	os.WriteFile(filepath.Join(dir, DBFileName), []byte("x"), 0600)
	if s.Registered(context.Background(), "b1") {
		t.Error("inspection error should count as unregistered")
	}
}
