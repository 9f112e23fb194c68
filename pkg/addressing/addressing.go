package addressing

import (
	"regexp"

	"chatrouter/pkg/message"
)

// mentionPrefix matches a leading "<@ID>: rest" mention. The colon is
// optional, at least one space separates the mention from the body.
var mentionPrefix = regexp.MustCompile(`(?s)^<@(\w+)>:? +(.*)$`)

// Resolve reports whether text in channelID is addressed to botID and
// returns the body with any addressing mention stripped.
//
// Direct conversations are always addressed. In shared channels only a
// leading mention of botID addresses the bot; a mention of anyone else
// leaves the text untouched.
func Resolve(channelID string, text string, botID string) (bool, string) {
	mentioned, rest, ok := SplitMention(text)

	if message.IsMultiParty(channelID) {
		if !ok || mentioned != botID {
			return false, text
		}
		return true, rest
	}

	if ok {
		return true, rest
	}
	return true, text
}

// SplitMention splits a leading mention into the mentioned id and body.
func SplitMention(text string) (string, string, bool) {
	m := mentionPrefix.FindStringSubmatch(text)
	if m == nil {
		return "", "", false
	}

	return m[1], m[2], true
}

// Mention formats id as an addressing prefix.
func Mention(id string, text string) string {
	return "<@" + id + ">: " + text
}
