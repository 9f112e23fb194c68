package discord

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"sync"

	"github.com/bwmarrin/discordgo"
	"github.com/hashicorp/golang-lru/v2"

	"chatrouter/pkg/config"
	"chatrouter/pkg/logger"
	"chatrouter/pkg/message"
	"chatrouter/pkg/transport"
)

const (
	transportName  = "discord"
	maxMessageLen  = 2000
	channelCacheSize = 1024
	userCacheSize  = 4096
)

// session is the slice of discordgo.Session the transport drives.
type session interface {
	AddHandler(handler interface{}) func()
	Open() error
	Close() error
	ChannelMessageSend(channelID string, content string, options ...discordgo.RequestOption) (*discordgo.Message, error)
	ChannelMessageSendComplex(channelID string, data *discordgo.MessageSend, options ...discordgo.RequestOption) (*discordgo.Message, error)
	User(userID string, options ...discordgo.RequestOption) (*discordgo.User, error)
	Channel(channelID string, options ...discordgo.RequestOption) (*discordgo.Channel, error)
}

// Transport feeds Discord gateway messages into the router. Guild channels
// map to C<id> and DMs to D<id>.
type Transport struct {
	token string
	log   *slog.Logger
	users *lru.Cache[string, transport.User]
	names *lru.Cache[string, string]

	mu      sync.Mutex
	session session
	self    transport.Identity
	pending []message.RawEvent
	closed  bool
	remove  []func()
}

var (
	_ transport.Transport    = (*Transport)(nil)
	_ transport.UserFinder   = (*Transport)(nil)
	_ transport.ChannelNamer = (*Transport)(nil)
)

func New(cfg config.DiscordConfig, log *slog.Logger) (*Transport, error) {
	token := strings.TrimSpace(cfg.Token)
	if token == "" {
		return nil, errors.New("channels.discord.token is required")
	}

	users, err := lru.New[string, transport.User](userCacheSize)
	if err != nil {
		return nil, fmt.Errorf("create discord user cache: %w", err)
	}
	names, err := lru.New[string, string](channelCacheSize)
	if err != nil {
		return nil, fmt.Errorf("create discord channel cache: %w", err)
	}

	return &Transport{
		token: token,
		log:   logger.Component(log, "transport.discord"),
		users: users,
		names: names,
	}, nil
}

func (t *Transport) Name() string {
	return transportName
}

func (t *Transport) Connect(ctx context.Context) error {
	dg, err := discordgo.New("Bot " + t.token)
	if err != nil {
		return fmt.Errorf("create discord session: %w", err)
	}
	dg.Identify.Intents = discordgo.IntentsGuildMessages |
		discordgo.IntentsDirectMessages |
		discordgo.IntentsMessageContent

	return t.connect(ctx, dg)
}

func (t *Transport) connect(ctx context.Context, s session) error {
	remove := []func(){
		s.AddHandler(t.onMessageCreate),
		s.AddHandler(t.onMessageUpdate),
	}

	if err := s.Open(); err != nil {
		for _, fn := range remove {
			fn()
		}
		return fmt.Errorf("open discord gateway: %w", err)
	}

	me, err := s.User("@me", discordgo.WithContext(ctx))
	if err != nil {
		_ = s.Close()
		return fmt.Errorf("resolve discord bot identity: %w", err)
	}

	t.mu.Lock()
	t.session = s
	t.self = transport.Identity{ID: me.ID, Name: me.Username}
	t.remove = remove
	t.closed = false
	t.mu.Unlock()

	t.remember(me)
	t.log.Info("Discord transport connected", "bot_id", me.ID, "bot_name", me.Username)
	return nil
}

func (t *Transport) onMessageCreate(_ *discordgo.Session, m *discordgo.MessageCreate) {
	if m == nil || m.Message == nil {
		return
	}
	t.enqueue(m.Message, "")
}

func (t *Transport) onMessageUpdate(_ *discordgo.Session, m *discordgo.MessageUpdate) {
	if m == nil || m.Message == nil {
		return
	}
	t.enqueue(m.Message, message.SubtypeChanged)
}

func (t *Transport) enqueue(m *discordgo.Message, subtype string) {
	event, ok := t.eventFromMessage(m, subtype)
	if !ok {
		return
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return
	}
	t.pending = append(t.pending, event)
}

func (t *Transport) eventFromMessage(m *discordgo.Message, subtype string) (message.RawEvent, bool) {
	text := strings.TrimSpace(m.Content)
	if text == "" || m.Author == nil {
		return nil, false
	}

	t.remember(m.Author)

	channelID := "C" + m.ChannelID
	if m.GuildID == "" {
		channelID = "D" + m.ChannelID
	}

	event := message.RawEvent{
		"type":    message.TypeMessage,
		"channel": channelID,
		"user":    m.Author.ID,
		"text":    NormalizeMentions(text),
		"ts":      m.ID,
	}
	if subtype != "" {
		event["subtype"] = subtype
	}
	return event, true
}

func (t *Transport) remember(user *discordgo.User) {
	if user == nil || user.ID == "" {
		return
	}
	t.users.Add(user.ID, transport.User{ID: user.ID, Name: user.Username})
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
	s, err := t.activeSession()
	if err != nil {
		return err
	}

	id := stripNamespace(channelID)
	if id == "" {
		return fmt.Errorf("invalid discord channel id %q", channelID)
	}

	chunks := Chunk(text, maxMessageLen)
	for i, chunk := range chunks {
		if i == len(chunks)-1 && len(attachments) > 0 {
			data := &discordgo.MessageSend{Content: chunk, Embeds: embeds(attachments)}
			if _, err := s.ChannelMessageSendComplex(id, data, discordgo.WithContext(ctx)); err != nil {
				return fmt.Errorf("send discord message: %w", err)
			}
			continue
		}
		if _, err := s.ChannelMessageSend(id, chunk, discordgo.WithContext(ctx)); err != nil {
			return fmt.Errorf("send discord message: %w", err)
		}
	}
	return nil
}

func (t *Transport) LookupUser(ctx context.Context, userID string) (transport.User, error) {
	if user, ok := t.users.Get(userID); ok {
		return user, nil
	}

	s, err := t.activeSession()
	if err != nil {
		return transport.User{}, err
	}
	du, err := s.User(userID, discordgo.WithContext(ctx))
	if err != nil {
		return transport.User{}, fmt.Errorf("%s: %w", userID, transport.ErrUserNotFound)
	}
	t.remember(du)
	return transport.User{ID: du.ID, Name: du.Username}, nil
}

func (t *Transport) FindUserByName(_ context.Context, name string) (string, error) {
	for _, user := range t.users.Values() {
		if strings.EqualFold(user.Name, name) {
			return user.ID, nil
		}
	}
	return "", fmt.Errorf("%s: %w", name, transport.ErrUserNotFound)
}

func (t *Transport) ChannelName(ctx context.Context, channelID string) (string, error) {
	if name, ok := t.names.Get(channelID); ok {
		return name, nil
	}

	s, err := t.activeSession()
	if err != nil {
		return "", err
	}
	ch, err := s.Channel(stripNamespace(channelID), discordgo.WithContext(ctx))
	if err != nil {
		return "", fmt.Errorf("lookup discord channel %s: %w", channelID, err)
	}

	name := ch.Name
	if name == "" {
		name = channelID
	}
	t.names.Add(channelID, name)
	return name, nil
}

func (t *Transport) Self() transport.Identity {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.self
}

func (t *Transport) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.closed {
		return nil
	}
	t.closed = true
	for _, fn := range t.remove {
		fn()
	}
	if t.session == nil {
		return nil
	}
	return t.session.Close()
}

func (t *Transport) activeSession() (session, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.closed {
		return nil, transport.ErrClosed
	}
	if t.session == nil {
		return nil, errors.New("discord transport is not connected")
	}
	return t.session, nil
}

// NormalizeMentions rewrites the nickname mention form <@!id> to <@id>.
func NormalizeMentions(text string) string {
	return strings.ReplaceAll(text, "<@!", "<@")
}

// Chunk splits text into pieces of at most limit characters, preferring to
// break after a newline in the second half of a piece. Cuts never land
// inside a multi-byte character.
func Chunk(text string, limit int) []string {
	runes := []rune(text)
	if limit <= 0 || len(runes) <= limit {
		return []string{text}
	}

	var chunks []string
	for len(runes) > 0 {
		if len(runes) <= limit {
			chunks = append(chunks, string(runes))
			break
		}

		cutAt := limit
		for i := limit - 1; i > limit/2; i-- {
			if runes[i] == '\n' {
				cutAt = i + 1
				break
			}
		}
		chunks = append(chunks, string(runes[:cutAt]))
		runes = runes[cutAt:]
	}
	return chunks
}

func stripNamespace(channelID string) string {
	channelID = strings.TrimSpace(channelID)
	if len(channelID) > 1 && (channelID[0] == 'C' || channelID[0] == 'D') {
		return channelID[1:]
	}
	return channelID
}

func embeds(attachments []transport.Attachment) []*discordgo.MessageEmbed {
	out := make([]*discordgo.MessageEmbed, 0, len(attachments))
	for _, attachment := range attachments {
		description := attachment.Text
		if description == "" {
			description = attachment.Fallback
		}
		out = append(out, &discordgo.MessageEmbed{
			Title:       attachment.Title,
			Description: description,
			Color:       parseColor(attachment.Color),
		})
	}
	return out
}

func parseColor(value string) int {
	color, err := strconv.ParseInt(strings.TrimPrefix(value, "#"), 16, 32)
	if err != nil {
		return 0
	}
	return int(color)
}
