package session

import (
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"
)

// Subscriber receives opaque payloads posted to a session channel. It is
// called synchronously on the goroutine that pumps inbound messages.
type Subscriber func(payload string)

// SubscriptionID identifies a registered Subscriber.
type SubscriptionID string

// Entry is a snapshot of what this process knows about one session.
// CounterMessageID is a cache hint; it may be stale.
type Entry struct {
	SID              string    `json:"sid"`
	ChannelID        string    `json:"channel_id"`
	CounterMessageID string    `json:"counter_message_id,omitempty"`
	Count            int       `json:"count"`
	LastActivity     time.Time `json:"last_activity"`
	Subscribers      int       `json:"subscribers"`
}

type registryEntry struct {
	Entry
	subs  map[SubscriptionID]Subscriber
	order []SubscriptionID
}

// Registry is the in-memory map of sessions known to this process. Entries
// are inserted and removed by the Engine (lifecycle and reconciliation) only.
type Registry struct {
	mu        sync.RWMutex
	entries   map[string]*registryEntry
	byChannel map[string]string // channelID -> sid
	now       func() time.Time
}

// NewRegistry creates an empty Registry. now defaults to time.Now.
func NewRegistry(now func() time.Time) *Registry {
	if now == nil {
		now = time.Now
	}
	return &Registry{
		entries:   make(map[string]*registryEntry),
		byChannel: make(map[string]string),
		now:       now,
	}
}

// Put inserts or replaces the entry for e.SID. Existing subscribers are kept.
func (r *Registry) Put(e Entry) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.putLocked(e)
}

func (r *Registry) putLocked(e Entry) {
	cur, ok := r.entries[e.SID]
	if !ok {
		cur = &registryEntry{subs: make(map[SubscriptionID]Subscriber)}
		r.entries[e.SID] = cur
	} else if cur.ChannelID != "" {
		delete(r.byChannel, cur.ChannelID)
	}
	cur.Entry = e
	if e.ChannelID != "" {
		r.byChannel[e.ChannelID] = e.SID
	}
}

// Get returns a snapshot of the entry for sid.
func (r *Registry) Get(sid string) (Entry, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.entries[sid]
	if !ok {
		return Entry{}, false
	}
	return e.snapshot(), true
}

// Has reports whether sid is known.
func (r *Registry) Has(sid string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.entries[sid]
	return ok
}

// Len returns the number of known sessions.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.entries)
}

// Remove drops the entry for sid together with all of its subscribers.
// Removing an unknown sid is a no-op.
func (r *Registry) Remove(sid string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.entries[sid]
	if !ok {
		return
	}
	if e.ChannelID != "" && r.byChannel[e.ChannelID] == sid {
		delete(r.byChannel, e.ChannelID)
	}
	delete(r.entries, sid)
}

// Replace swaps the whole registry for entries. Subscribers of sessions that
// appear in entries are carried over; all others are dropped.
func (r *Registry) Replace(entries []Entry) {
	r.mu.Lock()
	defer r.mu.Unlock()
	old := r.entries
	r.entries = make(map[string]*registryEntry, len(entries))
	r.byChannel = make(map[string]string, len(entries))
	for _, e := range entries {
		r.putLocked(e)
		if prev, ok := old[e.SID]; ok {
			cur := r.entries[e.SID]
			cur.subs = prev.subs
			cur.order = prev.order
		}
	}
}

// Touch sets the last activity of sid to now.
func (r *Registry) Touch(sid string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if e, ok := r.entries[sid]; ok {
		e.LastActivity = r.now()
	}
}

// Snapshot returns all entries ordered by SID.
func (r *Registry) Snapshot() []Entry {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Entry, 0, len(r.entries))
	for _, e := range r.entries {
		out = append(out, e.snapshot())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].SID < out[j].SID })
	return out
}

// IdleSince returns the SIDs whose last activity is before cutoff, each once.
func (r *Registry) IdleSince(cutoff time.Time) []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var sids []string
	for sid, e := range r.entries {
		if e.LastActivity.Before(cutoff) {
			sids = append(sids, sid)
		}
	}
	sort.Strings(sids)
	return sids
}

// SessionForChannel maps a session channel back to its SID.
func (r *Registry) SessionForChannel(channelID string) (string, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	sid, ok := r.byChannel[channelID]
	return sid, ok
}

// Subscribe registers fn for payloads on sid's channel.
func (r *Registry) Subscribe(sid string, fn Subscriber) (SubscriptionID, error) {
	if fn == nil {
		return "", fmt.Errorf("session: subscribe %s: nil subscriber", sid)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.entries[sid]
	if !ok {
		return "", fmt.Errorf("session: subscribe %s: %w", sid, ErrUnknownSession)
	}
	id := SubscriptionID(ulid.Make().String())
	e.subs[id] = fn
	e.order = append(e.order, id)
	return id, nil
}

// Unsubscribe removes a subscriber. It is a no-op if the session or the
// subscription no longer exists.
func (r *Registry) Unsubscribe(sid string, id SubscriptionID) {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.entries[sid]
	if !ok {
		return
	}
	if _, ok := e.subs[id]; !ok {
		return
	}
	delete(e.subs, id)
	for i, o := range e.order {
		if o == id {
			e.order = append(e.order[:i], e.order[i+1:]...)
			break
		}
	}
}

// Subscribers returns the subscribers of sid in registration order.
func (r *Registry) Subscribers(sid string) []Subscriber {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.entries[sid]
	if !ok {
		return nil
	}
	out := make([]Subscriber, 0, len(e.order))
	for _, id := range e.order {
		out = append(out, e.subs[id])
	}
	return out
}

func (e *registryEntry) snapshot() Entry {
	s := e.Entry
	s.Subscribers = len(e.subs)
	return s
}
