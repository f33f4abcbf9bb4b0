// Package slack implements the transport Adapter for Slack using the Web API
// for channels and messages and Socket Mode for inbound events.
package slack

import (
	"context"
	"errors"
	"fmt"
	"log"
	"math"
	"strconv"
	"strings"
	"sync"
	"time"

	slackapi "github.com/slack-go/slack"
	"github.com/slack-go/slack/slackevents"
	"github.com/slack-go/slack/socketmode"
	"github.com/zulandar/stealthchat/internal/transport"
)

const (
	// maxRetries is the max number of retries for rate-limited API calls.
	maxRetries = 3
	// baseBackoff is the initial backoff duration for reconnection.
	baseBackoff = 2 * time.Second
	// maxBackoff caps the exponential backoff for reconnection.
	maxBackoff = 2 * time.Minute
	// maxReconnectAttempts limits reconnection retries before giving up.
	maxReconnectAttempts = 10
	// pageSize is the per-request page size for history and channel lists.
	pageSize = 200
)

// notFoundCodes are Slack error strings meaning the target no longer exists.
var notFoundCodes = map[string]bool{
	"channel_not_found": true,
	"message_not_found": true,
	"thread_not_found":  true,
	"already_archived":  true,
	"is_archived":       true,
}

// slackClient abstracts the Slack API methods we use, enabling test mocks.
type slackClient interface {
	AuthTest() (*slackapi.AuthTestResponse, error)
	CreateConversation(params slackapi.CreateConversationParams) (*slackapi.Channel, error)
	ArchiveConversation(channelID string) error
	GetConversations(params *slackapi.GetConversationsParameters) ([]slackapi.Channel, string, error)
	PostMessage(channelID string, options ...slackapi.MsgOption) (string, string, error)
	UpdateMessage(channelID, timestamp string, options ...slackapi.MsgOption) (string, string, string, error)
	DeleteMessage(channelID, timestamp string) (string, string, error)
	GetConversationHistory(params *slackapi.GetConversationHistoryParameters) (*slackapi.GetConversationHistoryResponse, error)
	GetUserInfo(userID string) (*slackapi.User, error)
}

// socketClient abstracts the Socket Mode client methods we use.
type socketClient interface {
	Run() error
	EventsChan() chan socketmode.Event
	Ack(req socketmode.Request, payload ...interface{})
}

// realSocketClient wraps *socketmode.Client to implement socketClient.
type realSocketClient struct {
	client *socketmode.Client
}

func (r *realSocketClient) Run() error                        { return r.client.Run() }
func (r *realSocketClient) EventsChan() chan socketmode.Event { return r.client.Events }
func (r *realSocketClient) Ack(req socketmode.Request, payload ...interface{}) {
	r.client.Ack(req, payload...)
}

// Adapter implements transport.Adapter for Slack. Channels are archived
// rather than deleted, since bot tokens cannot delete conversations.
type Adapter struct {
	client       slackClient
	socket       socketClient
	botUserID    string
	botID        string
	appToken     string
	botToken     string
	teamID       string
	mu           sync.Mutex
	connected    bool
	closed       bool
	socketUps    int // Socket Mode connections seen
	inbound      chan transport.InboundMessage
	ready        chan struct{}
	cancelFunc   context.CancelFunc
	baseBackoff  time.Duration
	maxBackoff   time.Duration
	maxReconnect int
}

// AdapterOpts holds parameters for creating a Slack Adapter.
type AdapterOpts struct {
	AppToken string // xapp-... Slack app-level token for Socket Mode
	BotToken string // xoxb-... Slack bot token
	TeamID   string // optional; required for org-wide apps
	// For testing: inject mock clients instead of real Slack API.
	Client slackClient
	Socket socketClient
}

// New creates a Slack Adapter.
func New(opts AdapterOpts) (*Adapter, error) {
	if opts.Client == nil && opts.BotToken == "" {
		return nil, fmt.Errorf("slack: bot token is required")
	}
	if opts.Socket == nil && opts.AppToken == "" {
		return nil, fmt.Errorf("slack: app token is required for socket mode")
	}

	a := &Adapter{
		appToken:     opts.AppToken,
		botToken:     opts.BotToken,
		teamID:       opts.TeamID,
		inbound:      make(chan transport.InboundMessage, 100),
		ready:        make(chan struct{}, 1),
		baseBackoff:  baseBackoff,
		maxBackoff:   maxBackoff,
		maxReconnect: maxReconnectAttempts,
	}
	if opts.Client != nil {
		a.client = opts.Client
	}
	if opts.Socket != nil {
		a.socket = opts.Socket
	}
	return a, nil
}

// Connect verifies the bot token and records the bot's identity. The Web
// API is usable as soon as Connect returns, so readiness is signalled here.
func (a *Adapter) Connect(ctx context.Context) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.closed {
		return fmt.Errorf("slack: adapter already closed")
	}
	if a.connected {
		return nil
	}

	// Create real clients if not injected (production path).
	if a.client == nil {
		api := slackapi.New(a.botToken, slackapi.OptionAppLevelToken(a.appToken))
		a.client = api
		a.socket = &realSocketClient{client: socketmode.New(api)}
	}

	auth, err := a.client.AuthTest()
	if err != nil {
		return fmt.Errorf("slack: auth test: %w", err)
	}
	a.botUserID = auth.UserID
	a.botID = auth.BotID
	log.Printf("slack: authenticated as %s (ID: %s)", auth.User, auth.UserID)

	a.connected = true
	a.signalReady()
	return nil
}

// Ready implements transport.ReadyNotifier. After the initial signal it
// fires again each time Socket Mode reconnects.
func (a *Adapter) Ready() <-chan struct{} { return a.ready }

func (a *Adapter) signalReady() {
	select {
	case a.ready <- struct{}{}:
	default:
	}
}

// Listen returns a channel of inbound messages. Starts the Socket Mode
// event pump in a background goroutine. Must be called after Connect.
func (a *Adapter) Listen(ctx context.Context) (<-chan transport.InboundMessage, error) {
	if err := a.checkConnected(); err != nil {
		return nil, err
	}

	listenCtx, cancel := context.WithCancel(ctx)
	a.mu.Lock()
	a.cancelFunc = cancel
	a.mu.Unlock()

	go a.runWithReconnect(listenCtx)
	go a.pumpEvents(listenCtx)

	return a.inbound, nil
}

// CreateChannel creates a public channel.
func (a *Adapter) CreateChannel(ctx context.Context, name string) (string, error) {
	if err := a.checkConnected(); err != nil {
		return "", err
	}
	var ch *slackapi.Channel
	err := retryOnRateLimit(ctx, func() error {
		var apiErr error
		ch, apiErr = a.client.CreateConversation(slackapi.CreateConversationParams{
			ChannelName: name,
			TeamID:      a.teamID,
		})
		return apiErr
	})
	if err != nil {
		return "", wrapErr("create channel", err)
	}
	return ch.ID, nil
}

// DeleteChannel archives a channel.
func (a *Adapter) DeleteChannel(ctx context.Context, channelID string) error {
	if err := a.checkConnected(); err != nil {
		return err
	}
	err := retryOnRateLimit(ctx, func() error {
		return a.client.ArchiveConversation(channelID)
	})
	if err != nil {
		return wrapErr("archive channel", err)
	}
	return nil
}

// ListChannels lists unarchived channels, following pagination cursors.
func (a *Adapter) ListChannels(ctx context.Context) ([]transport.Channel, error) {
	if err := a.checkConnected(); err != nil {
		return nil, err
	}

	var out []transport.Channel
	cursor := ""
	for {
		params := &slackapi.GetConversationsParameters{
			Cursor:          cursor,
			ExcludeArchived: true,
			Limit:           pageSize,
			Types:           []string{"public_channel", "private_channel"},
			TeamID:          a.teamID,
		}
		var chs []slackapi.Channel
		var next string
		err := retryOnRateLimit(ctx, func() error {
			var apiErr error
			chs, next, apiErr = a.client.GetConversations(params)
			return apiErr
		})
		if err != nil {
			return nil, wrapErr("list channels", err)
		}
		for _, ch := range chs {
			out = append(out, transport.Channel{ID: ch.ID, Name: ch.Name})
		}
		if next == "" {
			break
		}
		cursor = next
	}
	return out, nil
}

// PostMessage posts plain text and returns the message timestamp as its ID.
func (a *Adapter) PostMessage(ctx context.Context, channelID, content string) (string, error) {
	if err := a.checkConnected(); err != nil {
		return "", err
	}
	var ts string
	err := retryOnRateLimit(ctx, func() error {
		var apiErr error
		_, ts, apiErr = a.client.PostMessage(channelID, slackapi.MsgOptionText(content, false))
		return apiErr
	})
	if err != nil {
		return "", wrapErr("post message", err)
	}
	return ts, nil
}

// EditMessage replaces a message's text.
func (a *Adapter) EditMessage(ctx context.Context, channelID, messageID, content string) error {
	if err := a.checkConnected(); err != nil {
		return err
	}
	err := retryOnRateLimit(ctx, func() error {
		_, _, _, apiErr := a.client.UpdateMessage(channelID, messageID, slackapi.MsgOptionText(content, false))
		return apiErr
	})
	if err != nil {
		return wrapErr("update message", err)
	}
	return nil
}

// DeleteMessage deletes a message.
func (a *Adapter) DeleteMessage(ctx context.Context, channelID, messageID string) error {
	if err := a.checkConnected(); err != nil {
		return err
	}
	err := retryOnRateLimit(ctx, func() error {
		_, _, apiErr := a.client.DeleteMessage(channelID, messageID)
		return apiErr
	})
	if err != nil {
		return wrapErr("delete message", err)
	}
	return nil
}

// FetchMessage reads the single message with timestamp messageID.
func (a *Adapter) FetchMessage(ctx context.Context, channelID, messageID string) (transport.Message, error) {
	if err := a.checkConnected(); err != nil {
		return transport.Message{}, err
	}
	var resp *slackapi.GetConversationHistoryResponse
	err := retryOnRateLimit(ctx, func() error {
		var apiErr error
		resp, apiErr = a.client.GetConversationHistory(&slackapi.GetConversationHistoryParameters{
			ChannelID: channelID,
			Latest:    messageID,
			Oldest:    messageID,
			Inclusive: true,
			Limit:     1,
		})
		return apiErr
	})
	if err != nil {
		return transport.Message{}, wrapErr("fetch message", err)
	}
	for _, m := range resp.Messages {
		if m.Timestamp == messageID {
			return a.convert(channelID, m), nil
		}
	}
	return transport.Message{}, fmt.Errorf("slack: fetch message %s: %w", messageID, transport.ErrNotFound)
}

// History pages through conversations.history, most recent first. A limit of
// zero or less reads the entire channel.
func (a *Adapter) History(ctx context.Context, channelID string, limit int) ([]transport.Message, error) {
	if err := a.checkConnected(); err != nil {
		return nil, err
	}

	var all []transport.Message
	cursor := ""
	size := pageSize
	if limit > 0 && limit < size {
		size = limit
	}

	for {
		params := &slackapi.GetConversationHistoryParameters{
			ChannelID: channelID,
			Cursor:    cursor,
			Limit:     size,
		}
		var resp *slackapi.GetConversationHistoryResponse
		err := retryOnRateLimit(ctx, func() error {
			var apiErr error
			resp, apiErr = a.client.GetConversationHistory(params)
			return apiErr
		})
		if err != nil {
			return nil, wrapErr("conversation history", err)
		}

		for _, m := range resp.Messages {
			all = append(all, a.convert(channelID, m))
		}

		if limit > 0 && len(all) >= limit {
			all = all[:limit]
			break
		}
		next := resp.ResponseMetaData.NextCursor
		if !resp.HasMore || next == "" {
			break
		}
		cursor = next
	}
	return all, nil
}

// Close shuts down the adapter and closes the inbound channel.
func (a *Adapter) Close() error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.closed {
		return nil
	}
	a.closed = true
	a.connected = false
	if a.cancelFunc != nil {
		a.cancelFunc()
	}
	close(a.inbound)
	return nil
}

// BotUserID returns the bot's Slack user ID (available after Connect).
func (a *Adapter) BotUserID() string {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.botUserID
}

func (a *Adapter) checkConnected() error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if !a.connected {
		return fmt.Errorf("slack: not connected")
	}
	return nil
}

// isSelf reports whether a message with the given author fields came from
// this bot.
func (a *Adapter) isSelf(user, botID string) bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	if user != "" && user == a.botUserID {
		return true
	}
	return botID != "" && botID == a.botID
}

func (a *Adapter) convert(channelID string, m slackapi.Message) transport.Message {
	return transport.Message{
		ID:        m.Timestamp,
		ChannelID: channelID,
		Content:   m.Text,
		FromSelf:  a.isSelf(m.User, m.BotID),
		Timestamp: parseSlackTimestamp(m.Timestamp),
	}
}

// runWithReconnect runs the Socket Mode client and retries with exponential
// backoff when Run() returns an error (e.g., reconnection failure).
func (a *Adapter) runWithReconnect(ctx context.Context) {
	for attempt := 0; attempt < a.maxReconnect; attempt++ {
		err := a.socket.Run()
		if err == nil {
			return // clean shutdown
		}

		select {
		case <-ctx.Done():
			return
		default:
		}

		wait := time.Duration(math.Pow(2, float64(attempt))) * a.baseBackoff
		if wait > a.maxBackoff {
			wait = a.maxBackoff
		}

		log.Printf("slack: socket mode disconnected (attempt %d/%d): %v, reconnecting in %v",
			attempt+1, a.maxReconnect, err, wait)

		select {
		case <-ctx.Done():
			return
		case <-time.After(wait):
		}
	}
	log.Printf("slack: socket mode exhausted %d reconnection attempts, giving up", a.maxReconnect)
}

// pumpEvents reads Socket Mode events and converts them to InboundMessages.
func (a *Adapter) pumpEvents(ctx context.Context) {
	events := a.socket.EventsChan()
	for {
		select {
		case <-ctx.Done():
			return
		case evt, ok := <-events:
			if !ok {
				return
			}
			a.handleSocketEvent(evt)
		}
	}
}

// handleSocketEvent processes a single Socket Mode event.
func (a *Adapter) handleSocketEvent(evt socketmode.Event) {
	switch evt.Type {
	case socketmode.EventTypeEventsAPI:
		eventsAPIEvent, ok := evt.Data.(slackevents.EventsAPIEvent)
		if !ok {
			return
		}
		if evt.Request != nil {
			a.socket.Ack(*evt.Request)
		}
		a.handleEventsAPI(eventsAPIEvent)

	case socketmode.EventTypeConnecting:
		log.Printf("slack: connecting to Socket Mode...")

	case socketmode.EventTypeConnected:
		log.Printf("slack: connected to Socket Mode")
		a.mu.Lock()
		a.socketUps++
		reconnect := a.socketUps > 1
		a.mu.Unlock()
		// The first connection is covered by the signal from Connect.
		if reconnect {
			a.signalReady()
		}

	case socketmode.EventTypeConnectionError:
		log.Printf("slack: connection error: %v", evt.Data)

	case socketmode.EventTypeDisconnect:
		log.Printf("slack: server requested disconnect, will reconnect")
	}
}

// handleEventsAPI processes Events API callbacks.
func (a *Adapter) handleEventsAPI(event slackevents.EventsAPIEvent) {
	if event.Type != slackevents.CallbackEvent {
		return
	}
	if ev, ok := event.InnerEvent.Data.(*slackevents.MessageEvent); ok {
		a.handleMessage(ev)
	}
}

// handleMessage converts a new-message event to an InboundMessage. Edits,
// deletions and other subtypes are ignored.
func (a *Adapter) handleMessage(ev *slackevents.MessageEvent) {
	if ev.SubType != "" && ev.SubType != "bot_message" {
		return
	}

	self := a.isSelf(ev.User, ev.BotID)
	userName := ev.Username
	if userName == "" && !self {
		userName = a.resolveUserName(ev.User)
	}
	msg := transport.InboundMessage{
		Platform:  "slack",
		ChannelID: ev.Channel,
		MessageID: ev.TimeStamp,
		UserID:    ev.User,
		UserName:  userName,
		Text:      ev.Text,
		FromSelf:  self,
		Timestamp: parseSlackTimestamp(ev.TimeStamp),
	}

	a.mu.Lock()
	defer a.mu.Unlock()
	if a.closed {
		return
	}
	select {
	case a.inbound <- msg:
	default:
		log.Printf("slack: inbound buffer full, dropping message %s", ev.TimeStamp)
	}
}

// resolveUserName looks up a user's display name. Falls back to user ID.
func (a *Adapter) resolveUserName(userID string) string {
	if userID == "" {
		return ""
	}
	user, err := a.client.GetUserInfo(userID)
	if err != nil {
		return userID
	}
	if user.Profile.DisplayName != "" {
		return user.Profile.DisplayName
	}
	return user.RealName
}

func wrapErr(op string, err error) error {
	var slackErr slackapi.SlackErrorResponse
	if errors.As(err, &slackErr) && notFoundCodes[slackErr.Err] {
		return fmt.Errorf("slack: %s: %w: %v", op, transport.ErrNotFound, err)
	}
	// Archived channels keep their names and are not listed.
	if errors.As(err, &slackErr) && slackErr.Err == "name_taken" {
		return fmt.Errorf("slack: %s: %w: %v", op, transport.ErrNameTaken, err)
	}
	return fmt.Errorf("slack: %s: %w", op, err)
}

// retryOnRateLimit calls fn and retries with backoff on Slack rate limit errors.
// It respects context cancellation and the RetryAfter duration from Slack.
func retryOnRateLimit(ctx context.Context, fn func() error) error {
	for attempt := 0; attempt <= maxRetries; attempt++ {
		err := fn()
		if err == nil {
			return nil
		}

		var rle *slackapi.RateLimitedError
		if !errors.As(err, &rle) {
			return err // not a rate limit error, don't retry
		}

		if attempt == maxRetries {
			return err
		}

		wait := rle.RetryAfter
		if wait <= 0 {
			wait = time.Duration(math.Pow(2, float64(attempt))) * time.Second
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(wait):
		}
	}
	return nil // unreachable
}

// parseSlackTimestamp converts a Slack timestamp (e.g., "1234567890.123456")
// to a time.Time.
func parseSlackTimestamp(ts string) time.Time {
	sec, frac, _ := strings.Cut(ts, ".")
	s, err := strconv.ParseInt(sec, 10, 64)
	if err != nil {
		return time.Time{}
	}
	var usec int64
	if frac != "" {
		if len(frac) > 6 {
			frac = frac[:6]
		}
		frac += strings.Repeat("0", 6-len(frac))
		usec, _ = strconv.ParseInt(frac, 10, 64)
	}
	return time.Unix(s, usec*int64(time.Microsecond))
}
