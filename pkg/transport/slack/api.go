package slack

import (
	"context"
	"errors"
	"strings"

	"github.com/slack-go/slack"

	"chatrouter/pkg/transport"
)

// webAPI is the part of the Slack Web API client the transport uses.
type webAPI interface {
	ConnectRTMContext(ctx context.Context) (*slack.Info, string, error)
	PostMessageContext(ctx context.Context, channelID string, options ...slack.MsgOption) (string, string, error)
	GetUserInfoContext(ctx context.Context, user string) (*slack.User, error)
	GetUsersContext(ctx context.Context, options ...slack.GetUsersOption) ([]slack.User, error)
	GetConversationInfoContext(ctx context.Context, input *slack.GetConversationInfoInput) (*slack.Channel, error)
}

var _ webAPI = (*slack.Client)(nil)

func newWebAPI(token string, apiURL string) *slack.Client {
	var options []slack.Option
	if apiURL = strings.TrimSpace(apiURL); apiURL != "" {
		if !strings.HasSuffix(apiURL, "/") {
			apiURL += "/"
		}
		options = append(options, slack.OptionAPIURL(apiURL))
	}
	return slack.New(token, options...)
}

// errorCode returns the Web API error code carried by err, such as
// "user_not_found". Errors that are not API responses yield the innermost
// error's text.
func errorCode(err error) string {
	var slackErr slack.SlackErrorResponse
	if errors.As(err, &slackErr) {
		return slackErr.Err
	}
	for err != nil {
		next := errors.Unwrap(err)
		if next == nil {
			return err.Error()
		}
		err = next
	}
	return ""
}

func toAttachments(attachments []transport.Attachment) []slack.Attachment {
	out := make([]slack.Attachment, 0, len(attachments))
	for _, attachment := range attachments {
		out = append(out, slack.Attachment{
			Title:    attachment.Title,
			Text:     attachment.Text,
			Fallback: attachment.Fallback,
			Color:    attachment.Color,
		})
	}
	return out
}
