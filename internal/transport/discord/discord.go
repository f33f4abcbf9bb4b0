// Package discord implements the transport Adapter for Discord: guild text
// channels host sessions, and messages in the sessions channel are published
// through a webhook when one is configured.
package discord

import (
	"context"
	"errors"
	"fmt"
	"log"
	"math"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/bwmarrin/discordgo"
	"github.com/zulandar/stealthchat/internal/transport"
)

const (
	// maxRetries is the max number of retries for rate-limited API calls.
	maxRetries = 3
	// baseBackoff is the initial backoff duration for rate-limit retries.
	baseBackoff = 2 * time.Second
	// maxBackoff caps the exponential backoff.
	maxBackoff = 2 * time.Minute
	// pageSize is the maximum number of messages Discord returns per page.
	pageSize = 100
)

// session abstracts the discordgo.Session methods we use, enabling test mocks.
type session interface {
	Open() error
	Close() error
	AddHandler(handler interface{}) func()
	GuildChannels(guildID string, options ...discordgo.RequestOption) ([]*discordgo.Channel, error)
	GuildChannelCreate(guildID, name string, ctype discordgo.ChannelType, options ...discordgo.RequestOption) (*discordgo.Channel, error)
	ChannelDelete(channelID string, options ...discordgo.RequestOption) (*discordgo.Channel, error)
	ChannelMessage(channelID, messageID string, options ...discordgo.RequestOption) (*discordgo.Message, error)
	ChannelMessages(channelID string, limit int, beforeID, afterID, aroundID string, options ...discordgo.RequestOption) ([]*discordgo.Message, error)
	ChannelMessageSend(channelID, content string, options ...discordgo.RequestOption) (*discordgo.Message, error)
	ChannelMessageEdit(channelID, messageID, content string, options ...discordgo.RequestOption) (*discordgo.Message, error)
	ChannelMessageDelete(channelID, messageID string, options ...discordgo.RequestOption) error
	WebhookWithToken(webhookID, token string, options ...discordgo.RequestOption) (*discordgo.Webhook, error)
	WebhookExecute(webhookID, token string, wait bool, data *discordgo.WebhookParams, options ...discordgo.RequestOption) (*discordgo.Message, error)
	WebhookMessage(webhookID, token, messageID string, options ...discordgo.RequestOption) (*discordgo.Message, error)
	WebhookMessageEdit(webhookID, token, messageID string, data *discordgo.WebhookEdit, options ...discordgo.RequestOption) (*discordgo.Message, error)
	WebhookMessageDelete(webhookID, token, messageID string, options ...discordgo.RequestOption) error
}

// realSession wraps *discordgo.Session to implement the session interface.
type realSession struct {
	s *discordgo.Session
}

func (r *realSession) Open() error  { return r.s.Open() }
func (r *realSession) Close() error { return r.s.Close() }
func (r *realSession) AddHandler(handler interface{}) func() {
	return r.s.AddHandler(handler)
}
func (r *realSession) GuildChannels(guildID string, options ...discordgo.RequestOption) ([]*discordgo.Channel, error) {
	return r.s.GuildChannels(guildID, options...)
}
func (r *realSession) GuildChannelCreate(guildID, name string, ctype discordgo.ChannelType, options ...discordgo.RequestOption) (*discordgo.Channel, error) {
	return r.s.GuildChannelCreate(guildID, name, ctype, options...)
}
func (r *realSession) ChannelDelete(channelID string, options ...discordgo.RequestOption) (*discordgo.Channel, error) {
	return r.s.ChannelDelete(channelID, options...)
}
func (r *realSession) ChannelMessage(channelID, messageID string, options ...discordgo.RequestOption) (*discordgo.Message, error) {
	return r.s.ChannelMessage(channelID, messageID, options...)
}
func (r *realSession) ChannelMessages(channelID string, limit int, beforeID, afterID, aroundID string, options ...discordgo.RequestOption) ([]*discordgo.Message, error) {
	return r.s.ChannelMessages(channelID, limit, beforeID, afterID, aroundID, options...)
}
func (r *realSession) ChannelMessageSend(channelID, content string, options ...discordgo.RequestOption) (*discordgo.Message, error) {
	return r.s.ChannelMessageSend(channelID, content, options...)
}
func (r *realSession) ChannelMessageEdit(channelID, messageID, content string, options ...discordgo.RequestOption) (*discordgo.Message, error) {
	return r.s.ChannelMessageEdit(channelID, messageID, content, options...)
}
func (r *realSession) ChannelMessageDelete(channelID, messageID string, options ...discordgo.RequestOption) error {
	return r.s.ChannelMessageDelete(channelID, messageID, options...)
}
func (r *realSession) WebhookWithToken(webhookID, token string, options ...discordgo.RequestOption) (*discordgo.Webhook, error) {
	return r.s.WebhookWithToken(webhookID, token, options...)
}
func (r *realSession) WebhookExecute(webhookID, token string, wait bool, data *discordgo.WebhookParams, options ...discordgo.RequestOption) (*discordgo.Message, error) {
	return r.s.WebhookExecute(webhookID, token, wait, data, options...)
}
func (r *realSession) WebhookMessage(webhookID, token, messageID string, options ...discordgo.RequestOption) (*discordgo.Message, error) {
	return r.s.WebhookMessage(webhookID, token, messageID, options...)
}
func (r *realSession) WebhookMessageEdit(webhookID, token, messageID string, data *discordgo.WebhookEdit, options ...discordgo.RequestOption) (*discordgo.Message, error) {
	return r.s.WebhookMessageEdit(webhookID, token, messageID, data, options...)
}
func (r *realSession) WebhookMessageDelete(webhookID, token, messageID string, options ...discordgo.RequestOption) error {
	return r.s.WebhookMessageDelete(webhookID, token, messageID, options...)
}

// webhook identifies a Discord webhook and the channel it posts into.
type webhook struct {
	id        string
	token     string
	channelID string
}

// Adapter implements transport.Adapter for Discord via the Gateway WebSocket
// and the REST API.
type Adapter struct {
	sess          session
	botToken      string
	guildID       string
	hook          *webhook
	botUserID     string
	mu            sync.Mutex
	connected     bool
	closed        bool
	inbound       chan transport.InboundMessage
	ready         chan struct{}
	removeHandler func()
	baseBackoff   time.Duration
	maxBackoff    time.Duration
}

// AdapterOpts holds parameters for creating a Discord Adapter.
type AdapterOpts struct {
	BotToken   string // Discord bot token
	GuildID    string // guild that hosts session channels
	WebhookURL string // optional; publishes into the webhook's channel
	// For testing: inject a mock session instead of real Discord API.
	Session session
}

// New creates a Discord Adapter.
func New(opts AdapterOpts) (*Adapter, error) {
	if opts.Session == nil && opts.BotToken == "" {
		return nil, fmt.Errorf("discord: bot token is required")
	}
	if opts.GuildID == "" {
		return nil, fmt.Errorf("discord: guild id is required")
	}

	a := &Adapter{
		botToken:    opts.BotToken,
		guildID:     opts.GuildID,
		inbound:     make(chan transport.InboundMessage, 100),
		ready:       make(chan struct{}, 1),
		baseBackoff: baseBackoff,
		maxBackoff:  maxBackoff,
	}
	if opts.WebhookURL != "" {
		id, token, err := ParseWebhookURL(opts.WebhookURL)
		if err != nil {
			return nil, err
		}
		a.hook = &webhook{id: id, token: token}
	}
	if opts.Session != nil {
		a.sess = opts.Session
	}
	return a, nil
}

// ParseWebhookURL extracts the webhook ID and token from a URL of the form
// https://discord.com/api/webhooks/{id}/{token}.
func ParseWebhookURL(raw string) (id, token string, err error) {
	u, err := url.Parse(raw)
	if err != nil {
		return "", "", fmt.Errorf("discord: webhook url: %w", err)
	}
	parts := strings.Split(strings.Trim(u.Path, "/"), "/")
	for i := 0; i+2 < len(parts); i++ {
		if parts[i] == "webhooks" && parts[i+1] != "" && parts[i+2] != "" {
			return parts[i+1], parts[i+2], nil
		}
	}
	return "", "", fmt.Errorf("discord: webhook url %q has no id/token", raw)
}

// Connect establishes the Discord Gateway WebSocket connection and resolves
// the webhook's channel.
func (a *Adapter) Connect(ctx context.Context) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.closed {
		return fmt.Errorf("discord: adapter already closed")
	}
	if a.connected {
		return nil
	}

	// Create real session if not injected (production path).
	if a.sess == nil {
		dg, err := discordgo.New("Bot " + a.botToken)
		if err != nil {
			return fmt.Errorf("discord: create session: %w", err)
		}
		dg.Identify.Intents = discordgo.IntentsGuilds | discordgo.IntentsGuildMessages | discordgo.IntentsMessageContent
		a.sess = &realSession{s: dg}
	}

	// Ready fires on the first connect and after every full reconnect.
	a.sess.AddHandler(func(_ *discordgo.Session, r *discordgo.Ready) {
		a.onReady(r)
	})
	a.sess.AddHandler(func(_ *discordgo.Session, d *discordgo.Disconnect) {
		log.Printf("discord: gateway disconnected, discordgo will auto-reconnect")
	})
	a.sess.AddHandler(func(_ *discordgo.Session, r *discordgo.Resumed) {
		log.Printf("discord: gateway session resumed")
	})

	if err := a.sess.Open(); err != nil {
		return fmt.Errorf("discord: open gateway: %w", err)
	}

	if a.hook != nil && a.hook.channelID == "" {
		var wh *discordgo.Webhook
		err := a.retryOnRateLimit(ctx, func() error {
			var apiErr error
			wh, apiErr = a.sess.WebhookWithToken(a.hook.id, a.hook.token)
			return apiErr
		})
		if err != nil {
			a.sess.Close()
			return fmt.Errorf("discord: resolve webhook: %w", err)
		}
		a.hook.channelID = wh.ChannelID
	}

	a.connected = true
	return nil
}

func (a *Adapter) onReady(r *discordgo.Ready) {
	a.mu.Lock()
	if r.User != nil {
		a.botUserID = r.User.ID
		log.Printf("discord: connected as %s (ID: %s)", r.User.Username, r.User.ID)
	}
	a.mu.Unlock()
	select {
	case a.ready <- struct{}{}:
	default:
	}
}

// Ready implements transport.ReadyNotifier.
func (a *Adapter) Ready() <-chan struct{} { return a.ready }

// Listen returns a channel of inbound messages from Discord. Must be called
// after Connect.
func (a *Adapter) Listen(ctx context.Context) (<-chan transport.InboundMessage, error) {
	if err := a.checkConnected(); err != nil {
		return nil, err
	}
	remove := a.sess.AddHandler(func(_ *discordgo.Session, m *discordgo.MessageCreate) {
		a.handleMessage(m)
	})
	a.mu.Lock()
	a.removeHandler = remove
	a.mu.Unlock()
	return a.inbound, nil
}

// CreateChannel creates a guild text channel.
func (a *Adapter) CreateChannel(ctx context.Context, name string) (string, error) {
	if err := a.checkConnected(); err != nil {
		return "", err
	}
	var ch *discordgo.Channel
	err := a.retryOnRateLimit(ctx, func() error {
		var apiErr error
		ch, apiErr = a.sess.GuildChannelCreate(a.guildID, name, discordgo.ChannelTypeGuildText)
		return apiErr
	})
	if err != nil {
		return "", wrapErr("create channel", err)
	}
	return ch.ID, nil
}

// DeleteChannel deletes a channel.
func (a *Adapter) DeleteChannel(ctx context.Context, channelID string) error {
	if err := a.checkConnected(); err != nil {
		return err
	}
	err := a.retryOnRateLimit(ctx, func() error {
		_, apiErr := a.sess.ChannelDelete(channelID)
		return apiErr
	})
	if err != nil {
		return wrapErr("delete channel", err)
	}
	return nil
}

// ListChannels lists the guild's text channels.
func (a *Adapter) ListChannels(ctx context.Context) ([]transport.Channel, error) {
	if err := a.checkConnected(); err != nil {
		return nil, err
	}
	var chs []*discordgo.Channel
	err := a.retryOnRateLimit(ctx, func() error {
		var apiErr error
		chs, apiErr = a.sess.GuildChannels(a.guildID)
		return apiErr
	})
	if err != nil {
		return nil, wrapErr("list channels", err)
	}
	out := make([]transport.Channel, 0, len(chs))
	for _, ch := range chs {
		if ch.Type != discordgo.ChannelTypeGuildText {
			continue
		}
		out = append(out, transport.Channel{ID: ch.ID, Name: ch.Name})
	}
	return out, nil
}

// PostMessage posts content to a channel, through the webhook when the
// channel is the webhook's channel.
func (a *Adapter) PostMessage(ctx context.Context, channelID, content string) (string, error) {
	if err := a.checkConnected(); err != nil {
		return "", err
	}
	var msg *discordgo.Message
	err := a.retryOnRateLimit(ctx, func() error {
		var apiErr error
		if a.viaWebhook(channelID) {
			msg, apiErr = a.sess.WebhookExecute(a.hook.id, a.hook.token, true, &discordgo.WebhookParams{Content: content})
		} else {
			msg, apiErr = a.sess.ChannelMessageSend(channelID, content)
		}
		return apiErr
	})
	if err != nil {
		return "", wrapErr("post message", err)
	}
	if msg == nil {
		return "", fmt.Errorf("discord: post message: empty response")
	}
	return msg.ID, nil
}

// EditMessage replaces a message's content.
func (a *Adapter) EditMessage(ctx context.Context, channelID, messageID, content string) error {
	if err := a.checkConnected(); err != nil {
		return err
	}
	err := a.retryOnRateLimit(ctx, func() error {
		var apiErr error
		if a.viaWebhook(channelID) {
			_, apiErr = a.sess.WebhookMessageEdit(a.hook.id, a.hook.token, messageID, &discordgo.WebhookEdit{Content: &content})
		} else {
			_, apiErr = a.sess.ChannelMessageEdit(channelID, messageID, content)
		}
		return apiErr
	})
	if err != nil {
		return wrapErr("edit message", err)
	}
	return nil
}

// DeleteMessage deletes a message.
func (a *Adapter) DeleteMessage(ctx context.Context, channelID, messageID string) error {
	if err := a.checkConnected(); err != nil {
		return err
	}
	err := a.retryOnRateLimit(ctx, func() error {
		if a.viaWebhook(channelID) {
			return a.sess.WebhookMessageDelete(a.hook.id, a.hook.token, messageID)
		}
		return a.sess.ChannelMessageDelete(channelID, messageID)
	})
	if err != nil {
		return wrapErr("delete message", err)
	}
	return nil
}

// FetchMessage retrieves a single message.
func (a *Adapter) FetchMessage(ctx context.Context, channelID, messageID string) (transport.Message, error) {
	if err := a.checkConnected(); err != nil {
		return transport.Message{}, err
	}
	var msg *discordgo.Message
	err := a.retryOnRateLimit(ctx, func() error {
		var apiErr error
		if a.viaWebhook(channelID) {
			msg, apiErr = a.sess.WebhookMessage(a.hook.id, a.hook.token, messageID)
		} else {
			msg, apiErr = a.sess.ChannelMessage(channelID, messageID)
		}
		return apiErr
	})
	if err != nil {
		return transport.Message{}, wrapErr("fetch message", err)
	}
	return a.convert(msg), nil
}

// History pages backwards through a channel, most recent first. A limit of
// zero or less reads the entire channel.
func (a *Adapter) History(ctx context.Context, channelID string, limit int) ([]transport.Message, error) {
	if err := a.checkConnected(); err != nil {
		return nil, err
	}

	var all []transport.Message
	beforeID := ""
	size := pageSize
	if limit > 0 && limit < size {
		size = limit
	}

	for {
		var msgs []*discordgo.Message
		err := a.retryOnRateLimit(ctx, func() error {
			var apiErr error
			msgs, apiErr = a.sess.ChannelMessages(channelID, size, beforeID, "", "")
			return apiErr
		})
		if err != nil {
			return nil, wrapErr("channel messages", err)
		}
		if len(msgs) == 0 {
			break
		}

		for _, m := range msgs {
			all = append(all, a.convert(m))
		}

		if limit > 0 && len(all) >= limit {
			all = all[:limit]
			break
		}

		// Paginate backwards: use the last message ID as the "before" cursor.
		beforeID = msgs[len(msgs)-1].ID

		if len(msgs) < size {
			break // no more pages
		}
	}
	return all, nil
}

// Close gracefully shuts down the adapter connection.
func (a *Adapter) Close() error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.closed {
		return nil
	}
	a.closed = true
	a.connected = false
	if a.removeHandler != nil {
		a.removeHandler()
	}
	close(a.inbound)
	if a.sess != nil {
		return a.sess.Close()
	}
	return nil
}

// BotUserID returns the bot's Discord user ID (available after Ready).
func (a *Adapter) BotUserID() string {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.botUserID
}

// SetBotUserID sets the bot user ID used to recognise self-authored messages.
func (a *Adapter) SetBotUserID(id string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.botUserID = id
}

func (a *Adapter) checkConnected() error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if !a.connected {
		return fmt.Errorf("discord: not connected")
	}
	return nil
}

func (a *Adapter) viaWebhook(channelID string) bool {
	return a.hook != nil && a.hook.channelID == channelID
}

// isSelf reports whether m was authored by this bot or its webhook.
func (a *Adapter) isSelf(m *discordgo.Message) bool {
	if a.hook != nil && m.WebhookID != "" && m.WebhookID == a.hook.id {
		return true
	}
	a.mu.Lock()
	botID := a.botUserID
	a.mu.Unlock()
	return m.Author != nil && botID != "" && m.Author.ID == botID
}

func (a *Adapter) convert(m *discordgo.Message) transport.Message {
	return transport.Message{
		ID:        m.ID,
		ChannelID: m.ChannelID,
		Content:   m.Content,
		FromSelf:  a.isSelf(m),
		Timestamp: m.Timestamp,
	}
}

// handleMessage converts a Discord message event to an InboundMessage.
func (a *Adapter) handleMessage(m *discordgo.MessageCreate) {
	if m.Message == nil || m.Author == nil {
		return
	}
	ts, _ := discordgo.SnowflakeTimestamp(m.ID)
	msg := transport.InboundMessage{
		Platform:  "discord",
		ChannelID: m.ChannelID,
		MessageID: m.ID,
		UserID:    m.Author.ID,
		UserName:  m.Author.Username,
		Text:      m.Content,
		FromSelf:  a.isSelf(m.Message),
		Timestamp: ts,
	}

	a.mu.Lock()
	defer a.mu.Unlock()
	if a.closed {
		return
	}
	select {
	case a.inbound <- msg:
	default:
		log.Printf("discord: inbound buffer full, dropping message %s", m.ID)
	}
}

// notFound reports whether err is Discord's answer for a missing channel or
// message.
func notFound(err error) bool {
	var restErr *discordgo.RESTError
	if !errors.As(err, &restErr) {
		return false
	}
	if restErr.Response != nil && restErr.Response.StatusCode == http.StatusNotFound {
		return true
	}
	if restErr.Message != nil {
		switch restErr.Message.Code {
		case discordgo.ErrCodeUnknownChannel, discordgo.ErrCodeUnknownMessage, discordgo.ErrCodeUnknownWebhook:
			return true
		}
	}
	return false
}

func wrapErr(op string, err error) error {
	if notFound(err) {
		return fmt.Errorf("discord: %s: %w: %v", op, transport.ErrNotFound, err)
	}
	return fmt.Errorf("discord: %s: %w", op, err)
}

// retryOnRateLimit calls fn and retries with exponential backoff on Discord
// rate limit errors. It respects context cancellation.
func (a *Adapter) retryOnRateLimit(ctx context.Context, fn func() error) error {
	for attempt := 0; attempt <= maxRetries; attempt++ {
		err := fn()
		if err == nil {
			return nil
		}

		var restErr *discordgo.RESTError
		if !errors.As(err, &restErr) || restErr.Response == nil || restErr.Response.StatusCode != http.StatusTooManyRequests {
			return err // not a rate limit error
		}

		if attempt == maxRetries {
			return err
		}

		wait := time.Duration(math.Pow(2, float64(attempt))) * a.baseBackoff
		if wait > a.maxBackoff {
			wait = a.maxBackoff
		}

		log.Printf("discord: rate limited (attempt %d/%d), retrying in %v",
			attempt+1, maxRetries, wait)

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(wait):
		}
	}
	return nil // unreachable
}
