package slack

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/hashicorp/golang-lru/v2"
	"github.com/slack-go/slack"

	"chatrouter/pkg/config"
	"chatrouter/pkg/logger"
	"chatrouter/pkg/message"
	"chatrouter/pkg/transport"
)

const (
	transportName    = "slack"
	usersPageSize    = 200
	userCacheSize    = 4096
	channelCacheSize = 1024
	handshakeTimeout = 10 * time.Second
	writeWait        = 10 * time.Second
	pingPeriod       = 30 * time.Second
	maxFrameSize     = 1 << 20
)

// Transport reads raw events from the Slack RTM websocket and talks to the
// Web API for everything outbound. Frames are kept as loose event maps
// rather than slack-go's typed RTM events so unknown event types still
// reach the router.
type Transport struct {
	api      webAPI
	log      *slog.Logger
	users    *lru.Cache[string, transport.User]
	channels *lru.Cache[string, string]

	mu      sync.Mutex
	conn    *websocket.Conn
	self    transport.Identity
	pending []message.RawEvent
	closed  bool
	done    chan struct{}

	writeMu sync.Mutex
	pingID  int
}

var (
	_ transport.Transport    = (*Transport)(nil)
	_ transport.UserFinder   = (*Transport)(nil)
	_ transport.ChannelNamer = (*Transport)(nil)
)

func New(cfg config.SlackConfig, log *slog.Logger) (*Transport, error) {
	token := strings.TrimSpace(cfg.Token)
	if token == "" {
		return nil, errors.New("channels.slack.token is required")
	}

	users, err := lru.New[string, transport.User](userCacheSize)
	if err != nil {
		return nil, fmt.Errorf("create slack user cache: %w", err)
	}
	channels, err := lru.New[string, string](channelCacheSize)
	if err != nil {
		return nil, fmt.Errorf("create slack channel cache: %w", err)
	}

	return &Transport{
		api:      newWebAPI(token, cfg.APIURL),
		log:      logger.Component(log, "transport.slack"),
		users:    users,
		channels: channels,
	}, nil
}

func (t *Transport) Name() string {
	return transportName
}

// Connect opens an RTM session and starts reading frames in the background.
func (t *Transport) Connect(ctx context.Context) error {
	info, wsURL, err := t.api.ConnectRTMContext(ctx)
	if err != nil {
		return fmt.Errorf("slack rtm.connect: %w", err)
	}
	if wsURL == "" {
		return errors.New("slack rtm.connect returned no websocket url")
	}
	self := transport.Identity{}
	if info != nil && info.User != nil {
		self = transport.Identity{ID: info.User.ID, Name: info.User.Name}
	}

	dialer := *websocket.DefaultDialer
	dialer.HandshakeTimeout = handshakeTimeout

	conn, _, err := dialer.DialContext(ctx, wsURL, nil)
	if err != nil {
		return fmt.Errorf("dial slack rtm: %w", err)
	}
	conn.SetReadLimit(maxFrameSize)

	done := make(chan struct{})

	t.mu.Lock()
	t.conn = conn
	t.self = self
	t.closed = false
	t.done = done
	t.mu.Unlock()

	if self.ID != "" {
		t.users.Add(self.ID, transport.User{ID: self.ID, Name: self.Name})
	}

	go t.readPump(conn, done)
	go t.pingPump(conn, done)

	t.log.Info("Slack transport connected", "bot_id", self.ID, "bot_name", self.Name)
	return nil
}

func (t *Transport) readPump(conn *websocket.Conn, done chan struct{}) {
	defer t.markClosed(done)

	for {
		_, frame, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				t.log.Warn("Slack websocket closed", "error", err)
			}
			return
		}

		var event message.RawEvent
		if err := json.Unmarshal(frame, &event); err != nil {
			t.log.Warn("Invalid Slack frame", "error", err)
			continue
		}
		if event.Type() == "" {
			// Replies to our own pings carry reply_to and no type.
			continue
		}

		t.mu.Lock()
		t.pending = append(t.pending, event)
		t.mu.Unlock()
	}
}

func (t *Transport) pingPump(conn *websocket.Conn, done chan struct{}) {
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()

	for {
		select {
		case <-done:
			return
		case <-ticker.C:
			t.writeMu.Lock()
			t.pingID++
			_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
			err := conn.WriteJSON(map[string]any{"id": t.pingID, "type": "ping"})
			t.writeMu.Unlock()
			if err != nil {
				t.log.Warn("Slack ping failed", "error", err)
				return
			}
		}
	}
}

func (t *Transport) markClosed(done chan struct{}) {
	t.mu.Lock()
	if t.done == done {
		t.closed = true
	}
	t.mu.Unlock()
	close(done)
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

// SendMessage posts through chat.postMessage as the bot user.
func (t *Transport) SendMessage(ctx context.Context, channelID string, text string, attachments []transport.Attachment) error {
	if t.isClosed() {
		return transport.ErrClosed
	}

	options := []slack.MsgOption{
		slack.MsgOptionText(text, false),
		slack.MsgOptionAsUser(true),
	}
	if len(attachments) > 0 {
		options = append(options, slack.MsgOptionAttachments(toAttachments(attachments)...))
	}

	if _, _, err := t.api.PostMessageContext(ctx, channelID, options...); err != nil {
		return fmt.Errorf("slack chat.postMessage: %w", err)
	}
	return nil
}

func (t *Transport) LookupUser(ctx context.Context, userID string) (transport.User, error) {
	if user, ok := t.users.Get(userID); ok {
		return user, nil
	}

	info, err := t.api.GetUserInfoContext(ctx, userID)
	if err != nil {
		if errorCode(err) == "user_not_found" {
			return transport.User{}, fmt.Errorf("%s: %w", userID, transport.ErrUserNotFound)
		}
		return transport.User{}, fmt.Errorf("slack users.info: %w", err)
	}

	user := transport.User{ID: info.ID, Name: info.Name}
	t.users.Add(user.ID, user)
	return user, nil
}

// FindUserByName checks the cache first, then loads the whole users.list
// directory into it.
func (t *Transport) FindUserByName(ctx context.Context, name string) (string, error) {
	if id, ok := t.cachedUserID(name); ok {
		return id, nil
	}

	members, err := t.api.GetUsersContext(ctx, slack.GetUsersOptionLimit(usersPageSize))
	if err != nil {
		return "", fmt.Errorf("slack users.list: %w", err)
	}
	for _, member := range members {
		if member.Deleted {
			continue
		}
		t.users.Add(member.ID, transport.User{ID: member.ID, Name: member.Name})
	}

	if id, ok := t.cachedUserID(name); ok {
		return id, nil
	}
	return "", fmt.Errorf("%s: %w", name, transport.ErrUserNotFound)
}

func (t *Transport) cachedUserID(name string) (string, bool) {
	for _, user := range t.users.Values() {
		if strings.EqualFold(user.Name, name) {
			return user.ID, true
		}
	}
	return "", false
}

func (t *Transport) ChannelName(ctx context.Context, channelID string) (string, error) {
	if name, ok := t.channels.Get(channelID); ok {
		return name, nil
	}

	channel, err := t.api.GetConversationInfoContext(ctx, &slack.GetConversationInfoInput{ChannelID: channelID})
	if err != nil {
		return "", fmt.Errorf("slack conversations.info: %w", err)
	}

	name := channel.Name
	if name == "" {
		name = channelID
	}
	t.channels.Add(channelID, name)
	return name, nil
}

func (t *Transport) Self() transport.Identity {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.self
}

func (t *Transport) Close() error {
	t.mu.Lock()
	conn := t.conn
	t.closed = true
	t.conn = nil
	t.mu.Unlock()

	if conn == nil {
		return nil
	}

	t.writeMu.Lock()
	_ = conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
		time.Now().Add(writeWait))
	t.writeMu.Unlock()

	return conn.Close()
}

func (t *Transport) isClosed() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.closed
}
