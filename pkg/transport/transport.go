package transport

import (
	"context"
	"errors"

	"chatrouter/pkg/message"
)

var (
	// ErrClosed is returned once a transport can no longer deliver events.
	ErrClosed = errors.New("transport closed")

	// ErrUserNotFound is returned when a user id is not in the directory.
	ErrUserNotFound = errors.New("user not found")
)

// Identity is the bot's own account on a transport.
type Identity struct {
	ID   string
	Name string
}

// User is a directory entry for a message sender.
type User struct {
	ID   string
	Name string
}

// Attachment is an optional rich block sent with a message.
type Attachment struct {
	Title    string `json:"title,omitempty"`
	Text     string `json:"text,omitempty"`
	Fallback string `json:"fallback,omitempty"`
	Color    string `json:"color,omitempty"`
}

// Transport is a chat session: an event source plus an outbound API.
type Transport interface {
	Name() string
	Connect(ctx context.Context) error
	// PollEvents returns the events received since the last call. It may
	// return an empty batch and must not block for long.
	PollEvents(ctx context.Context) ([]message.RawEvent, error)
	SendMessage(ctx context.Context, channelID string, text string, attachments []Attachment) error
	LookupUser(ctx context.Context, userID string) (User, error)
	// Self is valid after Connect.
	Self() Identity
	Close() error
}

// UserFinder resolves a user id from a display name.
type UserFinder interface {
	FindUserByName(ctx context.Context, name string) (string, error)
}

// ChannelNamer resolves a human-readable channel name.
type ChannelNamer interface {
	ChannelName(ctx context.Context, channelID string) (string, error)
}
