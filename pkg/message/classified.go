package message

// Category is the routing class assigned to one message.
type Category int

const (
	Unclassified Category = iota
	General
	DirectedAtBot
	SelfOriginated
)

func (c Category) String() string {
	switch c {
	case General:
		return "general"
	case DirectedAtBot:
		return "directed"
	case SelfOriginated:
		return "self"
	default:
		return "unclassified"
	}
}

// Classified is the immutable result of classifying one RawEvent.
type Classified struct {
	Category       Category
	Text           string
	Sender         string
	IsEdited       bool
	HasPluginMatch bool

	// Raw is a copy of the source event with Text as its body.
	Raw RawEvent
}

// ChannelID returns the originating channel of the message.
func (m Classified) ChannelID() string {
	return m.Raw.Channel()
}
