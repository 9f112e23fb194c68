package telegram

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"sync"

	"github.com/hashicorp/golang-lru/v2"
	"github.com/mymmrac/telego"
	tu "github.com/mymmrac/telego/telegoutil"

	"chatrouter/pkg/addressing"
	"chatrouter/pkg/config"
	"chatrouter/pkg/logger"
	"chatrouter/pkg/message"
	"chatrouter/pkg/transport"
)

const (
	transportName       = "telegram"
	messagePreviewLimit = 240
	userCacheSize       = 4096
)

// Transport adapts Telegram long polling to the router's event stream.
// Updates are buffered between polls.
type Transport struct {
	token string
	log   *slog.Logger
	users *lru.Cache[string, transport.User]

	bot  *telego.Bot
	self transport.Identity

	mu      sync.Mutex
	pending []message.RawEvent
	done    bool
	cancel  context.CancelFunc
}

var (
	_ transport.Transport  = (*Transport)(nil)
	_ transport.UserFinder = (*Transport)(nil)
)

func New(cfg config.TelegramConfig, log *slog.Logger) (*Transport, error) {
	token := strings.TrimSpace(cfg.Token)
	if token == "" {
		return nil, errors.New("channels.telegram.token is required")
	}

	users, err := lru.New[string, transport.User](userCacheSize)
	if err != nil {
		return nil, fmt.Errorf("create telegram user cache: %w", err)
	}

	return &Transport{
		token: token,
		log:   logger.Component(log, "transport.telegram"),
		users: users,
	}, nil
}

func (t *Transport) Name() string {
	return transportName
}

// Connect resolves the bot identity and starts long polling.
func (t *Transport) Connect(ctx context.Context) error {
	bot, err := telego.NewBot(t.token)
	if err != nil {
		return fmt.Errorf("initialize telegram bot: %w", err)
	}

	me, err := bot.GetMe(ctx)
	if err != nil {
		return fmt.Errorf("resolve telegram bot identity: %w", err)
	}

	pollCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	updates, err := bot.UpdatesViaLongPolling(pollCtx, nil)
	if err != nil {
		cancel()
		return fmt.Errorf("start long polling: %w", err)
	}

	t.mu.Lock()
	t.bot = bot
	t.self = transport.Identity{ID: strconv.FormatInt(me.ID, 10), Name: me.Username}
	t.cancel = cancel
	t.mu.Unlock()

	t.remember(*me)
	t.log.Info("Telegram transport connected", "bot_id", t.self.ID, "bot_name", t.self.Name)

	go t.pump(updates)
	return nil
}

func (t *Transport) pump(updates <-chan telego.Update) {
	for update := range updates {
		event, ok := t.convert(update)
		if !ok {
			continue
		}

		t.mu.Lock()
		t.pending = append(t.pending, event)
		t.mu.Unlock()
	}

	t.mu.Lock()
	t.done = true
	t.mu.Unlock()
}

func (t *Transport) convert(update telego.Update) (message.RawEvent, bool) {
	switch {
	case update.Message != nil:
		return t.eventFromMessage(update.Message, "")
	case update.EditedMessage != nil:
		return t.eventFromMessage(update.EditedMessage, message.SubtypeChanged)
	case update.ChannelPost != nil:
		return t.eventFromMessage(update.ChannelPost, "")
	default:
		return nil, false
	}
}

func (t *Transport) eventFromMessage(msg *telego.Message, subtype string) (message.RawEvent, bool) {
	text := strings.TrimSpace(msg.Text)
	if text == "" {
		return nil, false
	}

	event := message.RawEvent{
		"type":    message.TypeMessage,
		"channel": ChannelID(msg.Chat),
		"text":    RewriteMention(text, t.Self()),
		"ts":      strconv.Itoa(msg.MessageID),
	}
	if subtype != "" {
		event["subtype"] = subtype
	}

	switch {
	case msg.From != nil:
		t.remember(*msg.From)
		event["user"] = strconv.FormatInt(msg.From.ID, 10)
	case msg.SenderChat != nil:
		event["username"] = msg.SenderChat.Title
	}

	t.log.Debug("Received message", "channel", event.Channel(), "content", previewText(text))
	return event, true
}

func (t *Transport) remember(user telego.User) {
	id := strconv.FormatInt(user.ID, 10)
	t.users.Add(id, transport.User{ID: id, Name: displayName(user)})
}

func (t *Transport) PollEvents(context.Context) ([]message.RawEvent, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.done && len(t.pending) == 0 {
		return nil, transport.ErrClosed
	}

	events := t.pending
	t.pending = nil
	return events, nil
}

func (t *Transport) SendMessage(ctx context.Context, channelID string, text string, attachments []transport.Attachment) error {
	t.mu.Lock()
	bot := t.bot
	t.mu.Unlock()
	if bot == nil {
		return errors.New("telegram transport is not connected")
	}

	chatID, err := ParseChannelID(channelID)
	if err != nil {
		return err
	}

	text = AppendAttachments(text, attachments)
	t.log.Debug("Sending message", "channel", channelID, "content", previewText(text))
	if _, err := bot.SendMessage(ctx, tu.Message(tu.ID(chatID), text)); err != nil {
		return fmt.Errorf("send telegram message: %w", err)
	}
	return nil
}

// LookupUser answers from the users seen in updates; Telegram has no
// directory API for bots.
func (t *Transport) LookupUser(_ context.Context, userID string) (transport.User, error) {
	user, ok := t.users.Get(strings.TrimSpace(userID))
	if !ok {
		return transport.User{}, fmt.Errorf("%s: %w", userID, transport.ErrUserNotFound)
	}
	return user, nil
}

func (t *Transport) FindUserByName(_ context.Context, name string) (string, error) {
	for _, user := range t.users.Values() {
		if strings.EqualFold(user.Name, name) {
			return user.ID, nil
		}
	}
	return "", fmt.Errorf("%s: %w", name, transport.ErrUserNotFound)
}

func (t *Transport) Self() transport.Identity {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.self
}

func (t *Transport) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.cancel != nil {
		t.cancel()
	}
	return nil
}

// ChannelID maps a chat onto the router's channel namespaces: D for
// private chats, G for groups and C for broadcast channels.
func ChannelID(chat telego.Chat) string {
	id := strconv.FormatInt(chat.ID, 10)
	switch chat.Type {
	case telego.ChatTypePrivate:
		return "D" + id
	case telego.ChatTypeChannel:
		return "C" + id
	default:
		return "G" + id
	}
}

// ParseChannelID reverses ChannelID.
func ParseChannelID(channelID string) (int64, error) {
	channelID = strings.TrimSpace(channelID)
	if len(channelID) < 2 {
		return 0, fmt.Errorf("invalid telegram channel id %q", channelID)
	}

	chatID, err := strconv.ParseInt(channelID[1:], 10, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid telegram channel id %q: %w", channelID, err)
	}
	return chatID, nil
}

// RewriteMention turns a leading "@botname" into the "<@id>:" form the
// addressing rules understand.
func RewriteMention(text string, self transport.Identity) string {
	if self.Name == "" || self.ID == "" {
		return text
	}

	prefix := "@" + self.Name
	if len(text) <= len(prefix) || !strings.EqualFold(text[:len(prefix)], prefix) {
		return text
	}

	rest := strings.TrimLeft(text[len(prefix):], ":,")
	if rest == "" || (rest[0] != ' ' && rest[0] != '\n') {
		return text
	}
	return addressing.Mention(self.ID, strings.TrimSpace(rest))
}

// AppendAttachments renders attachments as plain text below the message.
func AppendAttachments(text string, attachments []transport.Attachment) string {
	lines := []string{text}
	for _, attachment := range attachments {
		body := strings.TrimSpace(attachment.Text)
		if body == "" {
			body = strings.TrimSpace(attachment.Fallback)
		}
		if title := strings.TrimSpace(attachment.Title); title != "" {
			body = strings.TrimSpace(title + "\n" + body)
		}
		if body != "" {
			lines = append(lines, body)
		}
	}
	return strings.Join(lines, "\n\n")
}

func displayName(user telego.User) string {
	if user.Username != "" {
		return user.Username
	}
	return strings.TrimSpace(user.FirstName + " " + user.LastName)
}

// previewText returns a bounded log-safe preview of message text.
func previewText(text string) string {
	trimmed := strings.TrimSpace(text)
	if len(trimmed) <= messagePreviewLimit {
		return trimmed
	}

	return trimmed[:messagePreviewLimit] + "..."
}
