package session

import (
	"sort"
	"sync"
	"time"
)

// Entry is the registry record for one bot.
type Entry struct {
	BotID       string
	Conn        Conn
	Gen         uint64
	State       State
	Phone       string
	User        *User // set once the connection opens
	Attempts    int   // consecutive reconnect attempts
	ConnectedAt time.Time
}

// ConnectedBot is one authenticated registry entry.
type ConnectedBot struct {
	BotID       string    `json:"botId"`
	User        *User     `json:"user"`
	ConnectedAt time.Time `json:"connectedAt"`
}

// Registry maps bot ids to their single live connection.
// Only the Manager mutates it, always under the bot's lock.
type Registry struct {
	mu      sync.RWMutex
	entries map[string]Entry
	seen    map[string]time.Time // survives Delete
}

func NewRegistry() *Registry {
	return &Registry{
		entries: make(map[string]Entry),
		seen:    make(map[string]time.Time),
	}
}

// Set stores e, replacing any previous entry for the same bot.
func (r *Registry) Set(e Entry) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.entries[e.BotID] = e
}

// Get returns a snapshot of the entry for botID.
func (r *Registry) Get(botID string) (Entry, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.entries[botID]
	return e, ok
}

// Update applies fn to the entry for botID if it still belongs to
// generation gen. Returns false when the entry is gone or was replaced.
func (r *Registry) Update(botID string, gen uint64, fn func(e *Entry)) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	e, ok := r.entries[botID]
	if !ok || e.Gen != gen {
		return false
	}
	fn(&e)
	r.entries[botID] = e
	return true
}

// Delete removes the entry for botID.
func (r *Registry) Delete(botID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.entries[botID]
	delete(r.entries, botID)
	return ok
}

// MarkSeen records the last time a connection event was observed for botID.
func (r *Registry) MarkSeen(botID string, t time.Time) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.seen[botID] = t
}

// LastSeen returns the last recorded activity for botID.
func (r *Registry) LastSeen(botID string) (time.Time, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	t, ok := r.seen[botID]
	return t, ok
}

// ListAuthenticated returns entries whose connection carries a user, sorted by bot id.
func (r *Registry) ListAuthenticated() []ConnectedBot {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]ConnectedBot, 0, len(r.entries))
	for _, e := range r.entries {
		if e.User == nil {
			continue
		}
		out = append(out, ConnectedBot{BotID: e.BotID, User: e.User, ConnectedAt: e.ConnectedAt})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].BotID < out[j].BotID })
	return out
}

// All returns a snapshot of every entry.
func (r *Registry) All() []Entry {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]Entry, 0, len(r.entries))
	for _, e := range r.entries {
		out = append(out, e)
	}
	return out
}

// Len returns the number of registered bots.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.entries)
}
