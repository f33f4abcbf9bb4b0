// Package session implements the lifecycle of ephemeral chat sessions: SID
// allocation, membership counting against counter records, teardown when the
// last member leaves, idle reaping and reconciliation from channel history.
package session

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/zulandar/stealthchat/internal/counter"
	"github.com/zulandar/stealthchat/internal/transport"
)

// teardownTimeout bounds a teardown once it has been decided on. Teardown is
// detached from the caller's context so a cancelled caller cannot leave it
// half done.
const teardownTimeout = 30 * time.Second

// maxStartAttempts bounds retries when two starts race for the same SID.
const maxStartAttempts = 3

var errSIDCollision = errors.New("session: sid claimed concurrently")

// Engine orchestrates session create/join/leave/teardown. All mutations of
// one SID's counter record are serialized through a per-SID queue; different
// SIDs proceed concurrently.
type Engine struct {
	adapter       transport.Adapter
	store         *counter.Store
	registry      *Registry
	queue         *serializer
	sids          sidAllocator
	acceptForeign bool
	now           func() time.Time

	// reconcileMu lets queued lifecycle jobs run concurrently with each
	// other (RLock) but never with a reconciliation (Lock). Jobs take it
	// when they start running, not when they are queued, so a job that
	// outlives its cancelled caller still excludes Reconcile.
	reconcileMu sync.RWMutex
}

// EngineOpts holds parameters for creating an Engine.
type EngineOpts struct {
	Adapter           transport.Adapter
	SessionsChannelID string           // channel holding counter records
	ScanLimit         int              // slow-path locate window; defaults to counter.DefaultScanLimit
	SIDDigits         int              // defaults to DefaultSIDDigits
	AcceptForeign     bool             // dispatch channel messages not authored by this identity
	Now               func() time.Time // defaults to time.Now
}

// NewEngine creates an Engine with an empty registry.
func NewEngine(opts EngineOpts) (*Engine, error) {
	if opts.Adapter == nil {
		return nil, fmt.Errorf("session: adapter is required")
	}
	store, err := counter.NewStore(counter.StoreOpts{
		API:       opts.Adapter,
		ChannelID: opts.SessionsChannelID,
		ScanLimit: opts.ScanLimit,
	})
	if err != nil {
		return nil, fmt.Errorf("session: %w", err)
	}
	now := opts.Now
	if now == nil {
		now = time.Now
	}
	return &Engine{
		adapter:       opts.Adapter,
		store:         store,
		registry:      NewRegistry(now),
		queue:         newSerializer(),
		sids:          newSIDAllocator(opts.SIDDigits),
		acceptForeign: opts.AcceptForeign,
		now:           now,
	}, nil
}

// Store exposes the counter record store.
func (e *Engine) Store() *counter.Store { return e.store }

// Registry exposes the session registry.
func (e *Engine) Registry() *Registry { return e.registry }

// StartSession allocates a fresh SID, creates its channel and a counter
// record with count 1, and registers it. The session is only registered if
// both the channel and the record were created; if the record cannot be
// published the channel is deleted again before the error is returned.
func (e *Engine) StartSession(ctx context.Context) (string, error) {
	rejected := make(map[string]bool)
	for attempt := 0; attempt < maxStartAttempts; attempt++ {
		channels, err := e.adapter.ListChannels(ctx)
		if err != nil {
			return "", fmt.Errorf("session: list channels: %w", err)
		}
		names := make(map[string]bool, len(channels))
		for _, ch := range channels {
			names[ch.Name] = true
		}
		sid, err := e.sids.next(func(s string) bool {
			return names[s] || rejected[s] || e.registry.Has(s)
		})
		if err != nil {
			return "", err
		}

		err = e.run(ctx, sid, func(ctx context.Context) error {
			return e.start(ctx, sid)
		})
		if errors.Is(err, errSIDCollision) {
			rejected[sid] = true
			continue
		}
		if err != nil {
			return "", err
		}
		return sid, nil
	}
	return "", ErrNoSID
}

func (e *Engine) start(ctx context.Context, sid string) error {
	if e.registry.Has(sid) {
		return errSIDCollision
	}
	channelID, err := e.adapter.CreateChannel(ctx, sid)
	if errors.Is(err, transport.ErrNameTaken) {
		return errSIDCollision
	}
	if err != nil {
		return fmt.Errorf("session: create channel %s: %w", sid, err)
	}
	h, err := e.store.Create(ctx, sid, 1)
	if err != nil {
		cctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), teardownTimeout)
		defer cancel()
		if derr := e.adapter.DeleteChannel(cctx, channelID); derr != nil && !errors.Is(derr, transport.ErrNotFound) {
			log.Printf("session: start %s: orphaned channel %s not removed: %v", sid, channelID, derr)
		}
		return fmt.Errorf("session: start %s: %w", sid, err)
	}
	e.registry.Put(Entry{
		SID:              sid,
		ChannelID:        channelID,
		CounterMessageID: h.MessageID,
		Count:            1,
		LastActivity:     e.now(),
	})
	log.Printf("session: %s started [channel=%s]", sid, channelID)
	return nil
}

// JoinSession adds one member to sid and returns the new count. A session
// with no counter record is treated as having zero members, provided its
// channel still exists; with neither, ErrUnknownSession is returned.
func (e *Engine) JoinSession(ctx context.Context, sid string) (int, error) {
	return e.mutate(ctx, sid, +1)
}

// LeaveSession removes one member from sid and returns the new count. When
// the count reaches zero the session is torn down and 0 is returned.
func (e *Engine) LeaveSession(ctx context.Context, sid string) (int, error) {
	return e.mutate(ctx, sid, -1)
}

// ExpireIdle decrements sid if it has still seen no activity since cutoff
// once its turn in the queue comes. It reports whether a decrement happened.
func (e *Engine) ExpireIdle(ctx context.Context, sid string, cutoff time.Time) (bool, error) {
	var expired bool
	err := e.run(ctx, sid, func(ctx context.Context) error {
		entry, ok := e.registry.Get(sid)
		if !ok || !entry.LastActivity.Before(cutoff) {
			return nil
		}
		expired = true
		_, err := e.applyDelta(ctx, sid, -1)
		return err
	})
	return expired, err
}

// IdleSince lists sessions with no activity since cutoff.
func (e *Engine) IdleSince(cutoff time.Time) []string {
	return e.registry.IdleSince(cutoff)
}

func (e *Engine) mutate(ctx context.Context, sid string, delta int) (int, error) {
	var count int
	err := e.run(ctx, sid, func(ctx context.Context) error {
		n, err := e.applyDelta(ctx, sid, delta)
		count = n
		return err
	})
	return count, err
}

// run queues fn on sid's queue. fn holds reconcileMu for reading while it
// runs, whether or not the caller is still waiting.
func (e *Engine) run(ctx context.Context, sid string, fn func(context.Context) error) error {
	return e.queue.Do(ctx, sid, func(ctx context.Context) error {
		e.reconcileMu.RLock()
		defer e.reconcileMu.RUnlock()
		return fn(ctx)
	})
}

// applyDelta is the single read-modify-write path for a SID's count. It must
// only run on sid's queue.
func (e *Engine) applyDelta(ctx context.Context, sid string, delta int) (int, error) {
	current, found, err := e.store.ReadCount(ctx, sid)
	if err != nil {
		return 0, err
	}
	next := current + delta
	log.Printf("session: count %s: %d -> %d", sid, current, next)

	if next <= 0 {
		e.teardown(ctx, sid)
		return 0, nil
	}

	channelID, err := e.channelFor(ctx, sid)
	if err != nil {
		return 0, err
	}
	if !found && channelID == "" {
		return 0, fmt.Errorf("session: %s: %w", sid, ErrUnknownSession)
	}
	if channelID == "" {
		log.Printf("session: %s has a record but no channel", sid)
	}

	if err := e.store.SetCount(ctx, sid, next); err != nil {
		return 0, err
	}

	entry, ok := e.registry.Get(sid)
	if !ok {
		entry = Entry{SID: sid, LastActivity: e.now()}
	}
	entry.ChannelID = channelID
	entry.Count = next
	if id, ok := e.store.CachedID(sid); ok {
		entry.CounterMessageID = id
	}
	if delta > 0 {
		entry.LastActivity = e.now()
	}
	e.registry.Put(entry)
	return next, nil
}

// channelFor returns the channel ID of sid from the registry, falling back to
// a lookup by channel name. An empty ID means no such channel exists.
func (e *Engine) channelFor(ctx context.Context, sid string) (string, error) {
	if entry, ok := e.registry.Get(sid); ok && entry.ChannelID != "" {
		return entry.ChannelID, nil
	}
	channels, err := e.adapter.ListChannels(ctx)
	if err != nil {
		return "", fmt.Errorf("session: list channels: %w", err)
	}
	id, _ := transport.FindChannel(channels, sid)
	return id, nil
}

// teardown deletes the channel, the counter record and the registry entry.
// Every step is attempted regardless of earlier failures; failures are
// logged and left for a later retry or reconciliation.
func (e *Engine) teardown(ctx context.Context, sid string) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), teardownTimeout)
	defer cancel()

	channelID, err := e.channelFor(ctx, sid)
	if err != nil {
		log.Printf("session: teardown %s: resolve channel: %v", sid, err)
	}
	if channelID != "" {
		if err := e.adapter.DeleteChannel(ctx, channelID); err != nil && !errors.Is(err, transport.ErrNotFound) {
			log.Printf("session: teardown %s: delete channel %s: %v", sid, channelID, err)
		}
	}
	if err := e.store.Delete(ctx, sid); err != nil {
		log.Printf("session: teardown %s: delete record: %v", sid, err)
	}
	e.registry.Remove(sid)
	log.Printf("session: %s torn down", sid)
}

// SendMessage posts an opaque payload to sid's channel. It is a no-op when
// this process knows no channel for sid.
func (e *Engine) SendMessage(ctx context.Context, sid, payload string) error {
	entry, ok := e.registry.Get(sid)
	if !ok || entry.ChannelID == "" {
		return nil
	}
	if _, err := e.adapter.PostMessage(ctx, entry.ChannelID, payload); err != nil {
		return fmt.Errorf("session: send %s: %w", sid, err)
	}
	e.registry.Touch(sid)
	return nil
}

// Subscribe registers fn for payloads arriving on sid's channel.
func (e *Engine) Subscribe(sid string, fn Subscriber) (SubscriptionID, error) {
	return e.registry.Subscribe(sid, fn)
}

// Unsubscribe removes a subscription. Safe after teardown.
func (e *Engine) Unsubscribe(sid string, id SubscriptionID) {
	e.registry.Unsubscribe(sid, id)
}

// Sessions returns a snapshot of every known session.
func (e *Engine) Sessions() []Entry {
	return e.registry.Snapshot()
}

// Session returns the registry entry for sid.
func (e *Engine) Session(sid string) (Entry, bool) {
	return e.registry.Get(sid)
}

// HandleInbound delivers an inbound channel message to the subscribers of the
// session that owns the channel, refreshing its activity. It reports whether
// the message belonged to a known session.
func (e *Engine) HandleInbound(msg transport.InboundMessage) bool {
	if !msg.FromSelf && !e.acceptForeign {
		return false
	}
	sid, ok := e.registry.SessionForChannel(msg.ChannelID)
	if !ok {
		return false
	}
	e.registry.Touch(sid)
	for _, fn := range e.registry.Subscribers(sid) {
		fn(msg.Text)
	}
	return true
}

// Reconcile rebuilds the registry and the record cache from the sessions
// channel history. Records whose channel no longer exists are kept with an
// empty channel ID. Local subscribers survive for sessions that are found
// again. Reconcile waits for running lifecycle jobs, including ones whose
// callers gave up, and no job starts until it returns.
func (e *Engine) Reconcile(ctx context.Context) error {
	e.reconcileMu.Lock()
	defer e.reconcileMu.Unlock()

	e.store.Reset()
	records, err := e.store.ScanAll(ctx)
	if err != nil {
		e.registry.Replace(nil)
		return fmt.Errorf("session: reconcile: %w", err)
	}

	channels, chErr := e.adapter.ListChannels(ctx)
	if chErr != nil {
		log.Printf("session: reconcile: list channels: %v", chErr)
	}

	now := e.now()
	entries := make([]Entry, 0, len(records))
	for _, r := range records {
		channelID, ok := transport.FindChannel(channels, r.SID)
		if !ok && chErr == nil {
			log.Printf("session: reconcile: %s has a record but no channel", r.SID)
		}
		entries = append(entries, Entry{
			SID:              r.SID,
			ChannelID:        channelID,
			CounterMessageID: r.MessageID,
			Count:            r.Count,
			LastActivity:     now,
		})
	}
	e.registry.Replace(entries)
	log.Printf("session: reconciled %d sessions", len(entries))

	if chErr != nil {
		return fmt.Errorf("session: reconcile: list channels: %w", chErr)
	}
	return nil
}
