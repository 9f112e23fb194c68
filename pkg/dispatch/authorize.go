package dispatch

import (
	"context"
	"strings"

	"chatrouter/pkg/transport"
)

// Authorizer decides who may reach the conversational fallback.
type Authorizer struct {
	allowAll bool
	users    map[string]struct{}
	channels map[string]struct{}
}

// NewAuthorizer allows the listed user names and channel ids or names.
// Empty lists allow nobody.
func NewAuthorizer(users []string, channels []string) *Authorizer {
	return &Authorizer{
		users:    toSet(users),
		channels: toSet(channels),
	}
}

// AllowAll admits every sender, used by the local console.
func AllowAll() *Authorizer {
	return &Authorizer{allowAll: true}
}

// Allowed reports whether sender or channelID is on the allow-list. When
// namer is set, the channel's display name is checked too.
func (a *Authorizer) Allowed(ctx context.Context, sender string, channelID string, namer transport.ChannelNamer) bool {
	if a == nil {
		return false
	}
	if a.allowAll {
		return true
	}

	if _, ok := a.users[normalize(sender)]; ok {
		return true
	}
	if _, ok := a.channels[normalize(channelID)]; ok {
		return true
	}

	if namer == nil || len(a.channels) == 0 {
		return false
	}
	name, err := namer.ChannelName(ctx, channelID)
	if err != nil {
		return false
	}
	_, ok := a.channels[normalize(name)]
	return ok
}

func toSet(values []string) map[string]struct{} {
	set := make(map[string]struct{}, len(values))
	for _, value := range values {
		if key := normalize(value); key != "" {
			set[key] = struct{}{}
		}
	}
	return set
}

func normalize(value string) string {
	return strings.TrimPrefix(strings.ToLower(strings.TrimSpace(value)), "#")
}
