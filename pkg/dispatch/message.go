package dispatch

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"chatrouter/pkg/addressing"
	"chatrouter/pkg/message"
	"chatrouter/pkg/plugin"
	"chatrouter/pkg/transport"
)

var _ plugin.Message = (*Message)(nil)

// Message is the reply context for one classified message.
type Message struct {
	transport transport.Transport
	msg       message.Classified
}

func NewMessage(t transport.Transport, msg message.Classified) *Message {
	return &Message{transport: t, msg: msg}
}

// Reply answers the sender. In shared channels the reply is prefixed with a
// mention of the sender.
func (m *Message) Reply(ctx context.Context, text string) error {
	if message.IsMultiParty(m.ChannelID()) {
		userID, err := m.senderID(ctx)
		if err != nil {
			return fmt.Errorf("resolve reply target: %w", err)
		}
		text = addressing.Mention(userID, text)
	}

	return m.Send(ctx, text)
}

// Send posts text to the originating channel as is.
func (m *Message) Send(ctx context.Context, text string) error {
	return m.SendWithAttachments(ctx, text, nil)
}

func (m *Message) SendWithAttachments(ctx context.Context, text string, attachments []transport.Attachment) error {
	if m.ChannelID() == "" {
		return errors.New("message has no channel")
	}

	return m.transport.SendMessage(ctx, m.ChannelID(), toUTF8(text), attachments)
}

func (m *Message) Body() message.RawEvent {
	return m.msg.Raw.Clone()
}

func (m *Message) ChannelID() string {
	return m.msg.ChannelID()
}

func (m *Message) Sender() string {
	return m.msg.Sender
}

func (m *Message) Text() string {
	return m.msg.Text
}

func (m *Message) senderID(ctx context.Context) (string, error) {
	if userID := m.msg.Raw.User(); userID != "" {
		return userID, nil
	}

	if finder, ok := m.transport.(transport.UserFinder); ok {
		return finder.FindUserByName(ctx, m.msg.Sender)
	}

	return "", fmt.Errorf("%s: %w", m.msg.Sender, transport.ErrUserNotFound)
}

func toUTF8(text string) string {
	return strings.ToValidUTF8(text, "\uFFFD")
}
