package transport

import (
	"context"
	"fmt"
	"sync"
	"time"
)

// MockAdapter is an in-memory Adapter for tests. It keeps channels and message
// history, supports per-operation error injection, and allows simulating
// inbound messages via SimulateInbound.
type MockAdapter struct {
	mu        sync.Mutex
	connected bool
	closed    bool
	inbound   chan InboundMessage
	ready     chan struct{}
	nextID    int
	channels  map[string]string               // id -> name
	order     []string                        // channel ids in creation order
	messages  map[string][]*Message           // channelID -> messages, oldest first
	failures  map[string]error                // op -> injected error
	calls     map[string]int                  // op -> call count
	hooks     map[string]func(args ...string) // op -> callback run before the op
}

// NewMockAdapter creates a MockAdapter with a buffered inbound channel.
func NewMockAdapter() *MockAdapter {
	return &MockAdapter{
		inbound:  make(chan InboundMessage, 100),
		ready:    make(chan struct{}, 1),
		channels: make(map[string]string),
		messages: make(map[string][]*Message),
		failures: make(map[string]error),
		calls:    make(map[string]int),
		hooks:    make(map[string]func(args ...string)),
	}
}

// Connect marks the adapter as connected and signals readiness.
func (m *MockAdapter) Connect(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return fmt.Errorf("mock adapter: already closed")
	}
	if err := m.failures["Connect"]; err != nil {
		return err
	}
	m.connected = true
	select {
	case m.ready <- struct{}{}:
	default:
	}
	return nil
}

// Ready implements ReadyNotifier.
func (m *MockAdapter) Ready() <-chan struct{} { return m.ready }

// Listen returns the inbound message channel. Must be called after Connect.
func (m *MockAdapter) Listen(ctx context.Context) (<-chan InboundMessage, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.connected {
		return nil, fmt.Errorf("mock adapter: not connected")
	}
	return m.inbound, nil
}

// CreateChannel adds a channel.
func (m *MockAdapter) CreateChannel(ctx context.Context, name string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.begin("CreateChannel", name); err != nil {
		return "", err
	}
	return m.addChannelLocked(name), nil
}

// DeleteChannel removes a channel and its messages.
func (m *MockAdapter) DeleteChannel(ctx context.Context, channelID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.begin("DeleteChannel", channelID); err != nil {
		return err
	}
	if _, ok := m.channels[channelID]; !ok {
		return ErrNotFound
	}
	delete(m.channels, channelID)
	delete(m.messages, channelID)
	for i, id := range m.order {
		if id == channelID {
			m.order = append(m.order[:i], m.order[i+1:]...)
			break
		}
	}
	return nil
}

// ListChannels returns channels in creation order.
func (m *MockAdapter) ListChannels(ctx context.Context) ([]Channel, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.begin("ListChannels"); err != nil {
		return nil, err
	}
	out := make([]Channel, 0, len(m.order))
	for _, id := range m.order {
		out = append(out, Channel{ID: id, Name: m.channels[id]})
	}
	return out, nil
}

// PostMessage appends a self-authored message.
func (m *MockAdapter) PostMessage(ctx context.Context, channelID, content string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.begin("PostMessage", channelID, content); err != nil {
		return "", err
	}
	if _, ok := m.channels[channelID]; !ok {
		return "", ErrNotFound
	}
	return m.appendLocked(channelID, content, true), nil
}

// EditMessage replaces message content.
func (m *MockAdapter) EditMessage(ctx context.Context, channelID, messageID, content string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.begin("EditMessage", channelID, messageID, content); err != nil {
		return err
	}
	msg := m.findLocked(channelID, messageID)
	if msg == nil {
		return ErrNotFound
	}
	msg.Content = content
	return nil
}

// DeleteMessage removes a message.
func (m *MockAdapter) DeleteMessage(ctx context.Context, channelID, messageID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.begin("DeleteMessage", channelID, messageID); err != nil {
		return err
	}
	msgs := m.messages[channelID]
	for i, msg := range msgs {
		if msg.ID == messageID {
			m.messages[channelID] = append(msgs[:i], msgs[i+1:]...)
			return nil
		}
	}
	return ErrNotFound
}

// FetchMessage returns a copy of a stored message.
func (m *MockAdapter) FetchMessage(ctx context.Context, channelID, messageID string) (Message, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.begin("FetchMessage", channelID, messageID); err != nil {
		return Message{}, err
	}
	msg := m.findLocked(channelID, messageID)
	if msg == nil {
		return Message{}, ErrNotFound
	}
	return *msg, nil
}

// History returns messages most recent first.
func (m *MockAdapter) History(ctx context.Context, channelID string, limit int) ([]Message, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.begin("History", channelID); err != nil {
		return nil, err
	}
	if _, ok := m.channels[channelID]; !ok {
		return nil, ErrNotFound
	}
	msgs := m.messages[channelID]
	var out []Message
	for i := len(msgs) - 1; i >= 0; i-- {
		out = append(out, *msgs[i])
		if limit > 0 && len(out) >= limit {
			break
		}
	}
	return out, nil
}

// Close shuts down the mock adapter and closes the inbound channel.
func (m *MockAdapter) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return nil
	}
	m.closed = true
	m.connected = false
	close(m.inbound)
	return nil
}

// begin records a call and returns the injected error for op, if any.
// Caller must hold m.mu.
func (m *MockAdapter) begin(op string, args ...string) error {
	m.calls[op]++
	if hook := m.hooks[op]; hook != nil {
		m.mu.Unlock()
		hook(args...)
		m.mu.Lock()
	}
	if !m.connected {
		return fmt.Errorf("mock adapter: not connected")
	}
	return m.failures[op]
}

func (m *MockAdapter) addChannelLocked(name string) string {
	m.nextID++
	id := fmt.Sprintf("ch-%d", m.nextID)
	m.channels[id] = name
	m.order = append(m.order, id)
	return id
}

func (m *MockAdapter) appendLocked(channelID, content string, fromSelf bool) string {
	m.nextID++
	id := fmt.Sprintf("msg-%d", m.nextID)
	m.messages[channelID] = append(m.messages[channelID], &Message{
		ID:        id,
		ChannelID: channelID,
		Content:   content,
		FromSelf:  fromSelf,
		Timestamp: time.Now(),
	})
	return id
}

func (m *MockAdapter) findLocked(channelID, messageID string) *Message {
	for _, msg := range m.messages[channelID] {
		if msg.ID == messageID {
			return msg
		}
	}
	return nil
}

// --- Test helpers ---

// AddChannel creates a channel without counting it as an adapter call.
func (m *MockAdapter) AddChannel(name string) string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.addChannelLocked(name)
}

// AddMessage seeds history. fromSelf controls whether the message counts as
// authored by the publishing identity.
func (m *MockAdapter) AddMessage(channelID, content string, fromSelf bool) string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.appendLocked(channelID, content, fromSelf)
}

// HasChannel reports whether a channel with the given ID exists.
func (m *MockAdapter) HasChannel(channelID string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.channels[channelID]
	return ok
}

// Messages returns a copy of a channel's messages, oldest first.
func (m *MockAdapter) Messages(channelID string) []Message {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Message, 0, len(m.messages[channelID]))
	for _, msg := range m.messages[channelID] {
		out = append(out, *msg)
	}
	return out
}

// FailOn makes every subsequent call to op return err. A nil err clears it.
func (m *MockAdapter) FailOn(op string, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err == nil {
		delete(m.failures, op)
		return
	}
	m.failures[op] = err
}

// OnCall registers fn to run (without the adapter lock held) at the start of
// every call to op. Tests use it to block or interleave operations.
func (m *MockAdapter) OnCall(op string, fn func(args ...string)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.hooks[op] = fn
}

// Calls returns how many times op has been invoked.
func (m *MockAdapter) Calls(op string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.calls[op]
}

// SimulateInbound sends a message into the inbound channel as if it came
// from the chat platform. Safe to call from any goroutine.
func (m *MockAdapter) SimulateInbound(msg InboundMessage) {
	if msg.Timestamp.IsZero() {
		msg.Timestamp = time.Now()
	}
	if msg.Platform == "" {
		msg.Platform = "mock"
	}
	m.inbound <- msg
}

// SimulateReconnect signals readiness again, as a gateway does after a resume.
func (m *MockAdapter) SimulateReconnect() {
	select {
	case m.ready <- struct{}{}:
	default:
	}
}
