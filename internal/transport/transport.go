// Package transport defines the contract between the session core and the chat
// platform that carries session channels and counter records.
package transport

import (
	"context"
	"errors"
	"time"
)

// ErrNotFound reports that a channel or message does not exist on the platform.
// Callers treat it as "already gone" during teardown and as "no record" on reads.
var ErrNotFound = errors.New("transport: not found")

// ErrNameTaken reports that CreateChannel was refused because the name is in
// use, including by channels that ListChannels does not return.
var ErrNameTaken = errors.New("transport: channel name taken")

// Adapter is the interface that platform-specific implementations must satisfy.
// Each adapter owns one workspace (guild/team): it creates and deletes channels,
// publishes and mutates messages, and pages through channel history.
type Adapter interface {
	// Connect establishes a connection to the chat platform.
	Connect(ctx context.Context) error

	// Listen returns a channel of inbound messages from the platform.
	// The channel is closed when the adapter is closed. Listen must only be
	// called after Connect.
	Listen(ctx context.Context) (<-chan InboundMessage, error)

	// CreateChannel creates a text channel with the given name and returns its ID.
	CreateChannel(ctx context.Context, name string) (string, error)

	// DeleteChannel removes a channel. Returns ErrNotFound if it is already gone.
	DeleteChannel(ctx context.Context, channelID string) error

	// ListChannels returns every channel visible in the workspace.
	ListChannels(ctx context.Context) ([]Channel, error)

	// PostMessage publishes content to a channel and returns the message ID.
	PostMessage(ctx context.Context, channelID, content string) (string, error)

	// EditMessage replaces the content of an existing message.
	EditMessage(ctx context.Context, channelID, messageID, content string) error

	// DeleteMessage removes a message. Returns ErrNotFound if it is already gone.
	DeleteMessage(ctx context.Context, channelID, messageID string) error

	// FetchMessage resolves a single message by ID.
	FetchMessage(ctx context.Context, channelID, messageID string) (Message, error)

	// History returns up to limit messages from a channel, most recent first.
	// A limit <= 0 pages through the entire history.
	History(ctx context.Context, channelID string, limit int) ([]Message, error)

	// Close gracefully shuts down the adapter connection.
	Close() error
}

// Message is a stored channel message as seen through history or fetch.
type Message struct {
	ID        string
	ChannelID string
	Content   string
	FromSelf  bool // authored by this process's publishing identity
	Timestamp time.Time
}

// InboundMessage represents a message delivered live by the chat platform.
type InboundMessage struct {
	Platform  string // e.g. "discord", "slack", "local"
	ChannelID string
	MessageID string
	UserID    string
	UserName  string
	Text      string
	FromSelf  bool
	Timestamp time.Time
}

// Channel is a workspace channel.
type Channel struct {
	ID   string
	Name string
}

// ReadyNotifier is an optional interface for adapters that learn about
// readiness asynchronously (e.g. a gateway Ready event). Ready delivers a value
// every time the platform session becomes ready, including after reconnects.
type ReadyNotifier interface {
	Ready() <-chan struct{}
}

// FindChannel returns the ID of the first channel named name.
func FindChannel(channels []Channel, name string) (string, bool) {
	for _, ch := range channels {
		if ch.Name == name {
			return ch.ID, true
		}
	}
	return "", false
}
