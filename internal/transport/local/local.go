// Package local implements the transport Adapter on a SQL database through
// GORM. Processes sharing one database see each other's channels and
// messages; inbound delivery polls on the database-assigned message sequence.
package local

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"
	"github.com/zulandar/stealthchat/internal/models"
	"github.com/zulandar/stealthchat/internal/transport"
	"gorm.io/gorm"
)

const (
	// DefaultIdentity is the author name used when none is configured.
	DefaultIdentity = "stealthchat"
	// DefaultPollInterval is how often Listen checks for new messages.
	DefaultPollInterval = 500 * time.Millisecond
	// defaultGapGrace is how long poll waits for a missing sequence number
	// before treating it as rolled back or deleted.
	defaultGapGrace = 5 * time.Second
)

// Adapter implements transport.Adapter over GORM.
type Adapter struct {
	db           *gorm.DB
	identity     string
	pollInterval time.Duration
	gapGrace     time.Duration
	mu           sync.Mutex
	connected    bool
	closed       bool
	listening    bool
	inbound      chan transport.InboundMessage
	ready        chan struct{}
	cancelFunc   context.CancelFunc
	done         chan struct{}
}

// AdapterOpts holds parameters for creating a local Adapter.
type AdapterOpts struct {
	DB           *gorm.DB
	Identity     string        // author recorded on posted messages
	PollInterval time.Duration // defaults to DefaultPollInterval
}

// New creates a local Adapter.
func New(opts AdapterOpts) (*Adapter, error) {
	if opts.DB == nil {
		return nil, fmt.Errorf("local: db is required")
	}
	identity := opts.Identity
	if identity == "" {
		identity = DefaultIdentity
	}
	interval := opts.PollInterval
	if interval <= 0 {
		interval = DefaultPollInterval
	}
	return &Adapter{
		db:           opts.DB,
		identity:     identity,
		pollInterval: interval,
		gapGrace:     defaultGapGrace,
		inbound:      make(chan transport.InboundMessage, 100),
		ready:        make(chan struct{}, 1),
		done:         make(chan struct{}),
	}, nil
}

// Connect checks the database is reachable.
func (a *Adapter) Connect(ctx context.Context) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.closed {
		return fmt.Errorf("local: adapter already closed")
	}
	if a.connected {
		return nil
	}
	sqlDB, err := a.db.DB()
	if err != nil {
		return fmt.Errorf("local: db handle: %w", err)
	}
	if err := sqlDB.PingContext(ctx); err != nil {
		return fmt.Errorf("local: ping: %w", err)
	}
	a.connected = true
	select {
	case a.ready <- struct{}{}:
	default:
	}
	return nil
}

// Ready implements transport.ReadyNotifier.
func (a *Adapter) Ready() <-chan struct{} { return a.ready }

// Listen starts polling for new messages in every channel. Only messages
// created after Listen is called are delivered.
func (a *Adapter) Listen(ctx context.Context) (<-chan transport.InboundMessage, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if !a.connected {
		return nil, fmt.Errorf("local: not connected")
	}
	if a.listening {
		return a.inbound, nil
	}

	var last models.Message
	err := a.db.WithContext(ctx).Order("seq DESC").Limit(1).Find(&last).Error
	if err != nil {
		return nil, fmt.Errorf("local: listen: %w", err)
	}

	listenCtx, cancel := context.WithCancel(ctx)
	a.cancelFunc = cancel
	a.listening = true
	go a.poll(listenCtx, newSeqCursor(last.Seq, a.gapGrace))
	return a.inbound, nil
}

// poll delivers rows above the cursor until ctx ends. Rows are re-read from
// the cursor's settled mark, so a row whose sequence was allocated before a
// delivered one but committed after it is still picked up.
func (a *Adapter) poll(ctx context.Context, cur *seqCursor) {
	defer close(a.done)
	ticker := time.NewTicker(a.pollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		var rows []models.Message
		err := a.db.WithContext(ctx).Where("seq > ?", cur.last).Order("seq ASC").Limit(100).Find(&rows).Error
		if err != nil {
			if ctx.Err() == nil {
				log.Printf("local: poll: %v", err)
			}
			continue
		}
		for _, r := range rows {
			if !cur.deliver(r.Seq) {
				continue
			}
			msg := transport.InboundMessage{
				Platform:  "local",
				ChannelID: r.ChannelID,
				MessageID: r.ID,
				UserID:    r.Author,
				UserName:  r.Author,
				Text:      r.Content,
				FromSelf:  r.Author == a.identity,
				Timestamp: r.CreatedAt,
			}
			select {
			case a.inbound <- msg:
			case <-ctx.Done():
				return
			}
		}
		cur.settle(time.Now())
	}
}

// seqCursor tracks delivered sequence numbers. last is the highest number
// below which everything has been delivered or given up on; seen holds
// delivered numbers above it.
type seqCursor struct {
	last     uint64
	seen     map[uint64]bool
	gapSince time.Time
	grace    time.Duration
}

func newSeqCursor(start uint64, grace time.Duration) *seqCursor {
	return &seqCursor{last: start, seen: make(map[uint64]bool), grace: grace}
}

// deliver reports whether seq is new, recording it if so.
func (c *seqCursor) deliver(seq uint64) bool {
	if seq <= c.last || c.seen[seq] {
		return false
	}
	c.seen[seq] = true
	return true
}

// settle advances last over contiguous delivered numbers. A gap open for
// longer than grace is skipped.
func (c *seqCursor) settle(now time.Time) {
	c.advance()
	if len(c.seen) == 0 {
		c.gapSince = time.Time{}
		return
	}
	if c.gapSince.IsZero() {
		c.gapSince = now
		return
	}
	if now.Sub(c.gapSince) < c.grace {
		return
	}
	low := uint64(0)
	for seq := range c.seen {
		if low == 0 || seq < low {
			low = seq
		}
	}
	c.last = low - 1
	c.advance()
	c.gapSince = time.Time{}
	if len(c.seen) > 0 {
		c.gapSince = now
	}
}

func (c *seqCursor) advance() {
	for c.seen[c.last+1] {
		delete(c.seen, c.last+1)
		c.last++
	}
}

// CreateChannel inserts a channel.
func (a *Adapter) CreateChannel(ctx context.Context, name string) (string, error) {
	if err := a.checkConnected(); err != nil {
		return "", err
	}
	ch := models.Channel{ID: ulid.Make().String(), Name: name, CreatedAt: time.Now()}
	if err := a.db.WithContext(ctx).Create(&ch).Error; err != nil {
		return "", fmt.Errorf("local: create channel %s: %w", name, err)
	}
	return ch.ID, nil
}

// DeleteChannel removes a channel and its messages.
func (a *Adapter) DeleteChannel(ctx context.Context, channelID string) error {
	if err := a.checkConnected(); err != nil {
		return err
	}
	return a.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		res := tx.Where("id = ?", channelID).Delete(&models.Channel{})
		if res.Error != nil {
			return fmt.Errorf("local: delete channel %s: %w", channelID, res.Error)
		}
		if res.RowsAffected == 0 {
			return fmt.Errorf("local: delete channel %s: %w", channelID, transport.ErrNotFound)
		}
		if err := tx.Where("channel_id = ?", channelID).Delete(&models.Message{}).Error; err != nil {
			return fmt.Errorf("local: delete messages of %s: %w", channelID, err)
		}
		return nil
	})
}

// ListChannels lists channels in creation order.
func (a *Adapter) ListChannels(ctx context.Context) ([]transport.Channel, error) {
	if err := a.checkConnected(); err != nil {
		return nil, err
	}
	var rows []models.Channel
	if err := a.db.WithContext(ctx).Order("id ASC").Find(&rows).Error; err != nil {
		return nil, fmt.Errorf("local: list channels: %w", err)
	}
	out := make([]transport.Channel, 0, len(rows))
	for _, r := range rows {
		out = append(out, transport.Channel{ID: r.ID, Name: r.Name})
	}
	return out, nil
}

// PostMessage inserts a message authored by this adapter's identity.
func (a *Adapter) PostMessage(ctx context.Context, channelID, content string) (string, error) {
	if err := a.checkConnected(); err != nil {
		return "", err
	}
	if err := a.channelExists(ctx, channelID); err != nil {
		return "", fmt.Errorf("local: post message: %w", err)
	}
	now := time.Now()
	msg := models.Message{
		ID:        ulid.Make().String(),
		ChannelID: channelID,
		Author:    a.identity,
		Content:   content,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := a.db.WithContext(ctx).Create(&msg).Error; err != nil {
		return "", fmt.Errorf("local: post message: %w", err)
	}
	return msg.ID, nil
}

// EditMessage replaces a message's content.
func (a *Adapter) EditMessage(ctx context.Context, channelID, messageID, content string) error {
	if err := a.checkConnected(); err != nil {
		return err
	}
	res := a.db.WithContext(ctx).Model(&models.Message{}).
		Where("id = ? AND channel_id = ?", messageID, channelID).
		Updates(map[string]interface{}{"content": content, "updated_at": time.Now()})
	if res.Error != nil {
		return fmt.Errorf("local: edit message %s: %w", messageID, res.Error)
	}
	if res.RowsAffected == 0 {
		return fmt.Errorf("local: edit message %s: %w", messageID, transport.ErrNotFound)
	}
	return nil
}

// DeleteMessage removes a message.
func (a *Adapter) DeleteMessage(ctx context.Context, channelID, messageID string) error {
	if err := a.checkConnected(); err != nil {
		return err
	}
	res := a.db.WithContext(ctx).Where("id = ? AND channel_id = ?", messageID, channelID).Delete(&models.Message{})
	if res.Error != nil {
		return fmt.Errorf("local: delete message %s: %w", messageID, res.Error)
	}
	if res.RowsAffected == 0 {
		return fmt.Errorf("local: delete message %s: %w", messageID, transport.ErrNotFound)
	}
	return nil
}

// FetchMessage reads one message.
func (a *Adapter) FetchMessage(ctx context.Context, channelID, messageID string) (transport.Message, error) {
	if err := a.checkConnected(); err != nil {
		return transport.Message{}, err
	}
	var row models.Message
	err := a.db.WithContext(ctx).Where("id = ? AND channel_id = ?", messageID, channelID).First(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return transport.Message{}, fmt.Errorf("local: fetch message %s: %w", messageID, transport.ErrNotFound)
	}
	if err != nil {
		return transport.Message{}, fmt.Errorf("local: fetch message %s: %w", messageID, err)
	}
	return a.convert(row), nil
}

// History returns a channel's messages, most recent first. A limit of zero
// or less returns all of them.
func (a *Adapter) History(ctx context.Context, channelID string, limit int) ([]transport.Message, error) {
	if err := a.checkConnected(); err != nil {
		return nil, err
	}
	if err := a.channelExists(ctx, channelID); err != nil {
		return nil, fmt.Errorf("local: history: %w", err)
	}
	q := a.db.WithContext(ctx).Where("channel_id = ?", channelID).Order("seq DESC")
	if limit > 0 {
		q = q.Limit(limit)
	}
	var rows []models.Message
	if err := q.Find(&rows).Error; err != nil {
		return nil, fmt.Errorf("local: history %s: %w", channelID, err)
	}
	out := make([]transport.Message, 0, len(rows))
	for _, r := range rows {
		out = append(out, a.convert(r))
	}
	return out, nil
}

// Close stops polling and closes the inbound channel. The database handle
// belongs to the caller and stays open.
func (a *Adapter) Close() error {
	a.mu.Lock()
	if a.closed {
		a.mu.Unlock()
		return nil
	}
	a.closed = true
	a.connected = false
	cancel := a.cancelFunc
	listening := a.listening
	a.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	if listening {
		<-a.done
	}
	close(a.inbound)
	return nil
}

func (a *Adapter) checkConnected() error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if !a.connected {
		return fmt.Errorf("local: not connected")
	}
	return nil
}

func (a *Adapter) channelExists(ctx context.Context, channelID string) error {
	var n int64
	if err := a.db.WithContext(ctx).Model(&models.Channel{}).Where("id = ?", channelID).Count(&n).Error; err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("channel %s: %w", channelID, transport.ErrNotFound)
	}
	return nil
}

func (a *Adapter) convert(r models.Message) transport.Message {
	return transport.Message{
		ID:        r.ID,
		ChannelID: r.ChannelID,
		Content:   r.Content,
		FromSelf:  r.Author == a.identity,
		Timestamp: r.CreatedAt,
	}
}
