package console

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"chatrouter/pkg/message"
	"chatrouter/pkg/transport"
)

const (
	defaultBotID    = "UBOT"
	defaultBotName  = "chatrouter"
	defaultUserID   = "ULOCAL"
	defaultUserName = "local"

	outboxSize = 64
)

// Outbound is one message sent through the console transport.
type Outbound struct {
	ChannelID   string
	Text        string
	Attachments []transport.Attachment
}

type Options struct {
	Bot  transport.Identity
	User transport.User
}

// Transport is an in-memory chat session. Lines typed by the local user
// arrive as direct messages; sends are recorded and streamed on Outbox.
type Transport struct {
	self transport.Identity
	user transport.User

	mu        sync.Mutex
	pending   []message.RawEvent
	sent      []Outbound
	users     map[string]transport.User
	channels  map[string]string
	connected bool
	closed    bool

	outbox chan Outbound
}

var (
	_ transport.Transport    = (*Transport)(nil)
	_ transport.UserFinder   = (*Transport)(nil)
	_ transport.ChannelNamer = (*Transport)(nil)
)

func New(opts Options) *Transport {
	self := opts.Bot
	if self.ID == "" {
		self.ID = defaultBotID
	}
	if self.Name == "" {
		self.Name = defaultBotName
	}
	user := opts.User
	if user.ID == "" {
		user.ID = defaultUserID
	}
	if user.Name == "" {
		user.Name = defaultUserName
	}

	return &Transport{
		self: self,
		user: user,
		users: map[string]transport.User{
			self.ID: {ID: self.ID, Name: self.Name},
			user.ID: user,
		},
		channels: map[string]string{},
		outbox:   make(chan Outbound, outboxSize),
	}
}

func (t *Transport) Name() string { return "console" }

func (t *Transport) Connect(context.Context) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.connected = true
	return nil
}

func (t *Transport) Connected() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.connected
}

// DirectChannel is the one-to-one conversation with the local user.
func (t *Transport) DirectChannel() string {
	return "D" + t.user.ID
}

// Type queues text from the local user as a direct message.
func (t *Transport) Type(text string) {
	t.Inject(message.RawEvent{
		"type":    message.TypeMessage,
		"channel": t.DirectChannel(),
		"user":    t.user.ID,
		"text":    text,
	})
}

// Inject queues an arbitrary event.
func (t *Transport) Inject(event message.RawEvent) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.closed {
		return
	}
	t.pending = append(t.pending, event.Clone())
}

// AddUser registers a directory entry.
func (t *Transport) AddUser(user transport.User) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.users[user.ID] = user
}

// AddChannel registers a channel display name.
func (t *Transport) AddChannel(channelID string, name string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.channels[channelID] = name
}

func (t *Transport) PollEvents(context.Context) ([]message.RawEvent, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.closed && len(t.pending) == 0 {
		return nil, transport.ErrClosed
	}

	events := t.pending
	t.pending = nil
	return events, nil
}

func (t *Transport) SendMessage(ctx context.Context, channelID string, text string, attachments []transport.Attachment) error {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return transport.ErrClosed
	}
	out := Outbound{ChannelID: channelID, Text: text, Attachments: attachments}
	t.sent = append(t.sent, out)
	t.mu.Unlock()

	select {
	case t.outbox <- out:
	default:
	}
	return nil
}

func (t *Transport) LookupUser(_ context.Context, userID string) (transport.User, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	user, ok := t.users[userID]
	if !ok {
		return transport.User{}, fmt.Errorf("%s: %w", userID, transport.ErrUserNotFound)
	}
	return user, nil
}

func (t *Transport) FindUserByName(_ context.Context, name string) (string, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	for id, user := range t.users {
		if strings.EqualFold(user.Name, name) {
			return id, nil
		}
	}
	return "", fmt.Errorf("%s: %w", name, transport.ErrUserNotFound)
}

func (t *Transport) ChannelName(_ context.Context, channelID string) (string, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if name, ok := t.channels[channelID]; ok {
		return name, nil
	}
	return channelID, nil
}

func (t *Transport) Self() transport.Identity { return t.self }

// LocalUser is the account lines typed on the console are attributed to.
func (t *Transport) LocalUser() transport.User { return t.user }

// Outbox streams sent messages. Sends are dropped from the stream, never
// from Sent, when nobody is reading.
func (t *Transport) Outbox() <-chan Outbound { return t.outbox }

// Sent returns every message sent so far.
func (t *Transport) Sent() []Outbound {
	t.mu.Lock()
	defer t.mu.Unlock()

	out := make([]Outbound, len(t.sent))
	copy(out, t.sent)
	return out
}

func (t *Transport) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.closed = true
	return nil
}
