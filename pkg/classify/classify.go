package classify

import (
	"context"
	"log/slog"
	"strings"

	"chatrouter/pkg/addressing"
	"chatrouter/pkg/logger"
	"chatrouter/pkg/message"
	"chatrouter/pkg/transport"
)

// Directory resolves message senders.
type Directory interface {
	LookupUser(ctx context.Context, userID string) (transport.User, error)
}

// Matcher reports whether any plugin pattern matches text.
type Matcher interface {
	HasMatch(text string) bool
}

// Classifier turns raw transport events into routed messages.
type Classifier struct {
	directory Directory
	plugins   Matcher
	bot       transport.Identity
	log       *slog.Logger
}

func New(directory Directory, plugins Matcher, bot transport.Identity, log *slog.Logger) *Classifier {
	return &Classifier{
		directory: directory,
		plugins:   plugins,
		bot:       bot,
		log:       logger.Component(log, "classify"),
	}
}

// Classify returns the routed form of raw. The second result is false when
// the event cannot be attributed or lacks a body; such events are dropped.
// raw is never modified.
func (c *Classifier) Classify(ctx context.Context, raw message.RawEvent) (message.Classified, bool) {
	isEdited := raw.Subtype() == message.SubtypeChanged

	sender, ok := c.resolveSender(ctx, raw)
	if !ok {
		c.log.Debug("Dropping unattributable event", "channel", raw.Channel())
		return message.Classified{}, false
	}

	text, hasText := raw.Text()

	if sender == c.bot.Name {
		return message.Classified{
			Category: message.SelfOriginated,
			Text:     text,
			Sender:   sender,
			IsEdited: isEdited,
			Raw:      raw.Clone(),
		}, true
	}

	channelID := raw.Channel()
	if !hasText || channelID == "" {
		c.log.Debug("Dropping event without text or channel", "channel", channelID, "sender", sender)
		return message.Classified{}, false
	}

	addressed, normalized := addressing.Resolve(channelID, text, c.bot.ID)

	category := message.General
	if addressed {
		category = message.DirectedAtBot
	}

	return message.Classified{
		Category:       category,
		Text:           normalized,
		Sender:         sender,
		IsEdited:       isEdited,
		HasPluginMatch: c.plugins != nil && c.plugins.HasMatch(normalized),
		Raw:            raw.WithText(normalized),
	}, true
}

// resolveSender prefers the directory name and falls back to the event's
// embedded display name.
func (c *Classifier) resolveSender(ctx context.Context, raw message.RawEvent) (string, bool) {
	if userID := raw.User(); userID != "" && c.directory != nil {
		user, err := c.directory.LookupUser(ctx, userID)
		if err == nil && strings.TrimSpace(user.Name) != "" {
			return user.Name, true
		}
		if err != nil {
			c.log.Debug("User lookup failed", "user", userID, "error", err)
		}
	}

	return raw.Username()
}
