// Package credentials persists per-bot protocol credential bundles on disk.
//
// Each bot owns exactly one directory under the store root. The protocol
// library reads and writes its own files inside it (session.db); this
// package only creates, seeds, enumerates and deletes those directories.
package credentials

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"sync"
	"time"
)

// DBFileName is the file the protocol library keeps its auth state in.
const DBFileName = "session.db"

// MaxBotIDLength bounds bot ids, which double as directory names.
const MaxBotIDLength = 128

var botIDRe = regexp.MustCompile(`^[A-Za-z0-9_.-]+$`)

// ErrInvalidBotID is returned for ids that cannot be used as a directory name.
var ErrInvalidBotID = errors.New("invalid bot id")

// ValidateBotID checks that id is non-empty, bounded and path-safe.
func ValidateBotID(id string) error {
	if id == "" || len(id) > MaxBotIDLength || id == "." || id == ".." || !botIDRe.MatchString(id) {
		return fmt.Errorf("%w: %q", ErrInvalidBotID, id)
	}
	return nil
}

// Bundle locates one bot's credential files.
type Bundle struct {
	BotID  string
	Dir    string
	DBPath string
	Fresh  bool // no stored auth state: pairing or QR needed
}

// Options configures a Store.
type Options struct {
	Root        string
	S3          S3Options
	HTTPTimeout time.Duration // remote http(s) fetch timeout (default 30s)
	BundleKey   string        // opens sealed remote bundles
	// Paired reports whether the device store at dbPath holds a paired
	// identity. Nil treats any session.db as paired.
	Paired PairedFunc
}

// PairedFunc inspects a device store file for a paired identity.
type PairedFunc func(ctx context.Context, dbPath string) (bool, error)

// Store manages bundle directories under a root directory.
type Store struct {
	root    string
	fetch   *remoteFetcher
	key     string
	paired  PairedFunc
	remotes sync.Mutex // serializes first-run downloads
}

// NewStore creates a store rooted at opts.Root.
func NewStore(opts Options) *Store {
	return &Store{
		root:  opts.Root,
		fetch: newRemoteFetcher(opts.S3, opts.HTTPTimeout),
		key:    opts.BundleKey,
		paired: opts.Paired,
	}
}

// Root returns the directory holding all bundles.
func (s *Store) Root() string { return s.root }

// Dir returns the bundle directory for botID.
func (s *Store) Dir(botID string) (string, error) {
	if err := ValidateBotID(botID); err != nil {
		return "", err
	}
	return filepath.Join(s.root, botID), nil
}

// EnsureDir creates the bundle directory for botID if missing.
func (s *Store) EnsureDir(botID string) (string, error) {
	dir, err := s.Dir(botID)
	if err != nil {
		return "", err
	}
	if err := os.MkdirAll(dir, 0700); err != nil {
		return "", fmt.Errorf("create bundle dir: %w", err)
	}
	return dir, nil
}

// LoadOrInit returns the bundle for botID, creating its directory. When
// remote is non-empty and no paired state is stored locally yet, the remote
// bundle is downloaded once and unpacked over any unpaired leftovers; any
// failure there is fatal.
func (s *Store) LoadOrInit(ctx context.Context, botID, remote string) (*Bundle, error) {
	dir, err := s.EnsureDir(botID)
	if err != nil {
		return nil, err
	}
	b := &Bundle{
		BotID:  botID,
		Dir:    dir,
		DBPath: filepath.Join(dir, DBFileName),
	}

	if remote != "" && !s.Registered(ctx, botID) {
		s.remotes.Lock()
		err := s.seedLocked(ctx, b, remote)
		s.remotes.Unlock()
		if err != nil {
			return nil, err
		}
	}

	b.Fresh = !s.Registered(ctx, botID)
	return b, nil
}

func (s *Store) seedLocked(ctx context.Context, b *Bundle, remote string) error {
	if s.Registered(ctx, b.BotID) {
		return nil
	}
	data, err := s.fetch.Fetch(ctx, remote)
	if err != nil {
		return fmt.Errorf("%w: fetch %s: %v", ErrRemoteBundle, describeRef(remote), err)
	}
	if data, err = Open(data, s.key); err != nil {
		return fmt.Errorf("%w: %v", ErrRemoteBundle, err)
	}
	// An unpaired store left by an earlier failed dial must not shadow the
	// seeded one.
	for _, suffix := range []string{"", "-wal", "-shm", "-journal"} {
		if err := os.Remove(b.DBPath + suffix); err != nil && !os.IsNotExist(err) {
			return fmt.Errorf("%w: remove stale store: %v", ErrRemoteBundle, err)
		}
	}
	n, err := Unpack(b.Dir, data)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrRemoteBundle, err)
	}
	slog.Info("credentials: seeded bundle from remote", "bot", b.BotID, "source", describeRef(remote), "files", n)
	return nil
}

// Exists reports whether botID has a bundle directory. The directory may
// hold an unpaired store; use Registered to decide about auth state.
func (s *Store) Exists(botID string) bool {
	dir, err := s.Dir(botID)
	if err != nil {
		return false
	}
	info, err := os.Stat(dir)
	return err == nil && info.IsDir()
}

// Registered reports whether botID has a paired device identity on disk.
// Errors from the store inspection count as not registered.
func (s *Store) Registered(ctx context.Context, botID string) bool {
	dir, err := s.Dir(botID)
	if err != nil {
		return false
	}
	dbPath := filepath.Join(dir, DBFileName)
	info, err := os.Stat(dbPath)
	if err != nil || info.IsDir() {
		return false
	}
	if s.paired == nil {
		return true
	}
	ok, err := s.paired(ctx, dbPath)
	if err != nil {
		slog.Warn("credentials: inspect device store failed", "bot", botID, "error", err)
		return false
	}
	return ok
}

// Clear removes the bundle directory for botID. Missing directories are fine.
func (s *Store) Clear(botID string) error {
	dir, err := s.Dir(botID)
	if err != nil {
		return err
	}
	if err := os.RemoveAll(dir); err != nil {
		return fmt.Errorf("remove bundle dir: %w", err)
	}
	return nil
}

// List returns the bot ids that have a bundle directory, sorted.
func (s *Store) List() ([]string, error) {
	entries, err := os.ReadDir(s.root)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	var ids []string
	for _, e := range entries {
		if !e.IsDir() || ValidateBotID(e.Name()) != nil {
			continue
		}
		ids = append(ids, e.Name())
	}
	sort.Strings(ids)
	return ids, nil
}
