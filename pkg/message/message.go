package message

import "strings"

const (
	// TypeMessage is the transport event type routed by the classifier.
	TypeMessage = "message"

	// SubtypeChanged marks an edit of a previously posted message.
	SubtypeChanged = "message_changed"
)

// RawEvent is one transport event as a loose field map.
//
// Transports build it from their wire payloads; the router only reads it.
type RawEvent map[string]any

func (e RawEvent) str(key string) (string, bool) {
	if e == nil {
		return "", false
	}

	value, ok := e[key]
	if !ok || value == nil {
		return "", false
	}

	text, ok := value.(string)
	return text, ok
}

func (e RawEvent) Type() string {
	value, _ := e.str("type")
	return value
}

func (e RawEvent) Channel() string {
	value, _ := e.str("channel")
	return value
}

func (e RawEvent) User() string {
	value, _ := e.str("user")
	return strings.TrimSpace(value)
}

func (e RawEvent) Username() (string, bool) {
	value, ok := e.str("username")
	if !ok || strings.TrimSpace(value) == "" {
		return "", false
	}

	return value, true
}

// Text returns the message body and whether the event carried one.
func (e RawEvent) Text() (string, bool) {
	return e.str("text")
}

func (e RawEvent) Subtype() string {
	value, _ := e.str("subtype")
	return value
}

// Clone returns a shallow copy; nested values are shared.
func (e RawEvent) Clone() RawEvent {
	if e == nil {
		return nil
	}

	out := make(RawEvent, len(e))
	for key, value := range e {
		out[key] = value
	}
	return out
}

// WithText returns a copy of the event carrying text as its body.
func (e RawEvent) WithText(text string) RawEvent {
	out := e.Clone()
	if out == nil {
		out = RawEvent{}
	}
	out["text"] = text
	return out
}

// IsMultiParty reports whether channelID names a shared channel or group.
//
// Channel ids live in reserved namespaces: C for channels, G for groups,
// anything else (D for direct conversations) is one-to-one.
func IsMultiParty(channelID string) bool {
	if channelID == "" {
		return false
	}

	switch channelID[0] {
	case 'C', 'G':
		return true
	default:
		return false
	}
}
