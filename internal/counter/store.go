package counter

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"

	"github.com/zulandar/stealthchat/internal/transport"
)

// DefaultScanLimit is how many recent sessions-channel messages the slow path
// of Locate inspects before giving up.
const DefaultScanLimit = 100

// MessageAPI is the subset of transport.Adapter the store needs.
type MessageAPI interface {
	PostMessage(ctx context.Context, channelID, content string) (string, error)
	EditMessage(ctx context.Context, channelID, messageID, content string) error
	DeleteMessage(ctx context.Context, channelID, messageID string) error
	FetchMessage(ctx context.Context, channelID, messageID string) (transport.Message, error)
	History(ctx context.Context, channelID string, limit int) ([]transport.Message, error)
}

// Handle locates a live counter record.
type Handle struct {
	SID       string
	MessageID string
	Content   string
}

// Store locates, creates, updates and deletes counter records. It caches the
// message ID of each record; cached IDs are verified before use.
type Store struct {
	api       MessageAPI
	channelID string
	scanLimit int

	mu  sync.Mutex
	ids map[string]string // sid -> message ID
}

// StoreOpts holds parameters for creating a Store.
type StoreOpts struct {
	API       MessageAPI
	ChannelID string // the sessions channel
	ScanLimit int    // defaults to DefaultScanLimit
}

// NewStore creates a Store.
func NewStore(opts StoreOpts) (*Store, error) {
	if opts.API == nil {
		return nil, fmt.Errorf("counter: api is required")
	}
	if opts.ChannelID == "" {
		return nil, fmt.Errorf("counter: sessions channel id is required")
	}
	limit := opts.ScanLimit
	if limit <= 0 {
		limit = DefaultScanLimit
	}
	return &Store{
		api:       opts.API,
		channelID: opts.ChannelID,
		scanLimit: limit,
		ids:       make(map[string]string),
	}, nil
}

// ChannelID returns the sessions channel the store writes to.
func (s *Store) ChannelID() string { return s.channelID }

// Locate finds the live record for sid. The cached message ID is tried first;
// if it no longer resolves, the most recent scanLimit messages are searched
// for a self-authored "<sid>|" message and the cache is repaired.
func (s *Store) Locate(ctx context.Context, sid string) (Handle, bool, error) {
	if id, ok := s.cached(sid); ok {
		msg, err := s.api.FetchMessage(ctx, s.channelID, id)
		switch {
		case err == nil && hasSIDPrefix(msg.Content, sid):
			return Handle{SID: sid, MessageID: id, Content: msg.Content}, true, nil
		case err == nil, errors.Is(err, transport.ErrNotFound):
			s.forget(sid, id)
		default:
			return Handle{}, false, fmt.Errorf("counter: fetch %s: %w", sid, err)
		}
	}

	msgs, err := s.api.History(ctx, s.channelID, s.scanLimit)
	if err != nil {
		return Handle{}, false, fmt.Errorf("counter: scan for %s: %w", sid, err)
	}
	for _, m := range msgs {
		if m.FromSelf && hasSIDPrefix(m.Content, sid) {
			s.Remember(sid, m.ID)
			return Handle{SID: sid, MessageID: m.ID, Content: m.Content}, true, nil
		}
	}
	return Handle{}, false, nil
}

// Create publishes a new record. Publishing failures are returned as-is
// wrapped; they are not retried.
func (s *Store) Create(ctx context.Context, sid string, count int) (Handle, error) {
	if count < 1 {
		return Handle{}, fmt.Errorf("counter: create %s: count %d must be positive", sid, count)
	}
	content := Format(sid, count)
	id, err := s.api.PostMessage(ctx, s.channelID, content)
	if err != nil {
		return Handle{}, fmt.Errorf("counter: create %s: %w", sid, err)
	}
	s.Remember(sid, id)
	return Handle{SID: sid, MessageID: id, Content: content}, nil
}

// SetCount edits the existing record, or creates one if none can be located.
// Repeating a SetCount with the same value is harmless.
func (s *Store) SetCount(ctx context.Context, sid string, count int) error {
	if count < 1 {
		return fmt.Errorf("counter: set %s: count %d must be positive", sid, count)
	}
	h, ok, err := s.Locate(ctx, sid)
	if err != nil {
		return err
	}
	if ok {
		err := s.api.EditMessage(ctx, s.channelID, h.MessageID, Format(sid, count))
		if err == nil {
			return nil
		}
		if !errors.Is(err, transport.ErrNotFound) {
			return fmt.Errorf("counter: edit %s: %w", sid, err)
		}
		// Deleted between locate and edit.
		s.forget(sid, h.MessageID)
	}
	_, err = s.Create(ctx, sid, count)
	return err
}

// Delete removes the record for sid. A record that is already gone is not an
// error, so Delete may be repeated freely.
func (s *Store) Delete(ctx context.Context, sid string) error {
	if id, ok := s.cached(sid); ok {
		err := s.api.DeleteMessage(ctx, s.channelID, id)
		s.forget(sid, id)
		if err == nil {
			return nil
		}
		if !errors.Is(err, transport.ErrNotFound) {
			return fmt.Errorf("counter: delete %s: %w", sid, err)
		}
		// The cached ID is stale; the record may live under another ID.
	}

	h, found, err := s.Locate(ctx, sid)
	if err != nil {
		return err
	}
	if !found {
		return nil
	}
	err = s.api.DeleteMessage(ctx, s.channelID, h.MessageID)
	s.forget(sid, h.MessageID)
	if err != nil && !errors.Is(err, transport.ErrNotFound) {
		return fmt.Errorf("counter: delete %s: %w", sid, err)
	}
	return nil
}

// ReadCount returns the count stored in sid's record. ok is false when there
// is no record or its content is malformed; malformed content is never read
// as zero.
func (s *Store) ReadCount(ctx context.Context, sid string) (count int, ok bool, err error) {
	h, found, err := s.Locate(ctx, sid)
	if err != nil || !found {
		return 0, false, err
	}
	gotSID, n, perr := Parse(h.Content)
	if perr != nil || gotSID != sid {
		log.Printf("counter: ignoring record %s: %v", h.MessageID, perr)
		return 0, false, nil
	}
	return n, true, nil
}

// ScanAll reads the entire sessions channel history and returns every
// well-formed, self-authored record with a positive count, most recent first.
// When a SID appears more than once only the most recent record is kept.
// Found records prime the message ID cache.
func (s *Store) ScanAll(ctx context.Context) ([]Record, error) {
	msgs, err := s.api.History(ctx, s.channelID, 0)
	if err != nil {
		return nil, fmt.Errorf("counter: scan sessions channel: %w", err)
	}
	seen := make(map[string]bool)
	var records []Record
	for _, m := range msgs {
		if !m.FromSelf {
			continue
		}
		sid, n, err := Parse(m.Content)
		if err != nil {
			continue
		}
		if n < 1 {
			log.Printf("counter: skipping non-positive record %q (message %s)", m.Content, m.ID)
			continue
		}
		if seen[sid] {
			log.Printf("counter: duplicate record for %s (message %s), keeping newest", sid, m.ID)
			continue
		}
		seen[sid] = true
		s.Remember(sid, m.ID)
		records = append(records, Record{SID: sid, Count: n, MessageID: m.ID})
	}
	return records, nil
}

// Remember caches the message ID of sid's record.
func (s *Store) Remember(sid, messageID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.ids[sid] = messageID
}

// CachedID returns the cached message ID for sid, if any.
func (s *Store) CachedID(sid string) (string, bool) {
	return s.cached(sid)
}

// Reset drops every cached message ID.
func (s *Store) Reset() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.ids = make(map[string]string)
}

func (s *Store) cached(sid string) (string, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	id, ok := s.ids[sid]
	return id, ok
}

// forget drops the cache entry for sid if it still points at id.
func (s *Store) forget(sid, id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ids[sid] == id {
		delete(s.ids, sid)
	}
}
