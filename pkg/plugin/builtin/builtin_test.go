package builtin

import (
	"context"
	"strings"
	"testing"
	"time"

	"chatrouter/pkg/message"
	"chatrouter/pkg/plugin"
)

type recordedMessage struct {
	channel string
	sender  string
	text    string
	replies []string
	sends   []string
}

func (m *recordedMessage) Reply(_ context.Context, text string) error {
	m.replies = append(m.replies, text)
	return nil
}

func (m *recordedMessage) Send(_ context.Context, text string) error {
	m.sends = append(m.sends, text)
	return nil
}

func (m *recordedMessage) Body() message.RawEvent {
	return message.RawEvent{"channel": m.channel, "text": m.text}
}
func (m *recordedMessage) ChannelID() string { return m.channel }
func (m *recordedMessage) Sender() string    { return m.sender }
func (m *recordedMessage) Text() string      { return m.text }

type resetCounter struct{ calls int }

func (r *resetCounter) Reset() { r.calls++ }

func run(t *testing.T, registry *plugin.Registry, text string) *recordedMessage {
	t.Helper()

	matches := registry.Match(plugin.Respond, text)
	if len(matches) != 1 {
		t.Fatalf("Match(%q) returned %d matches, want 1", text, len(matches))
	}

	msg := &recordedMessage{channel: "D1", sender: "alice", text: text}
	if err := matches[0].Handler(context.Background(), msg, matches[0].Args); err != nil {
		t.Fatalf("%s handler error: %v", matches[0].Name, err)
	}
	return msg
}

func TestRegisterAll(t *testing.T) {
	registry := plugin.NewRegistry()
	resetter := &resetCounter{}
	if err := Register(registry, nil, Options{Fallback: resetter, StartedAt: time.Now().Add(-time.Minute)}); err != nil {
		t.Fatalf("Register error: %v", err)
	}
	if registry.Len() != len(Names()) {
		t.Fatalf("registered %d plugins, want %d", registry.Len(), len(Names()))
	}

	if got := run(t, registry, "PING").replies; len(got) != 1 || got[0] != "pong" {
		t.Fatalf("ping replies = %v", got)
	}
	if got := run(t, registry, "echo  hello world").sends; len(got) != 1 || got[0] != "hello world" {
		t.Fatalf("echo sends = %v", got)
	}
	if got := run(t, registry, "whoami").replies; got[0] != "you are alice in D1" {
		t.Fatalf("whoami replies = %v", got)
	}
	if got := run(t, registry, "uptime").replies; !strings.HasPrefix(got[0], "up for 1m") {
		t.Fatalf("uptime replies = %v", got)
	}

	run(t, registry, "forget")
	if resetter.calls != 1 {
		t.Fatalf("reset calls = %d, want 1", resetter.calls)
	}
}

func TestHelpListsRespondCommands(t *testing.T) {
	registry := plugin.NewRegistry()
	if err := Register(registry, []string{"help", "ping"}, Options{}); err != nil {
		t.Fatalf("Register error: %v", err)
	}

	reply := run(t, registry, "help").replies[0]
	lines := strings.Split(reply, "\n")
	if len(lines) != 3 {
		t.Fatalf("help lines = %q", lines)
	}
	if lines[0] != "You can ask me one of the following questions:" {
		t.Fatalf("help header = %q", lines[0])
	}
	if lines[2] != "    • `(?i)^ping$` check that I am alive" {
		t.Fatalf("help ping line = %q", lines[2])
	}
}

func TestRegisterSkipsForgetWithoutFallback(t *testing.T) {
	registry := plugin.NewRegistry()
	if err := Register(registry, nil, Options{}); err != nil {
		t.Fatalf("Register error: %v", err)
	}
	if matches := registry.Match(plugin.Respond, "forget"); len(matches) != 0 {
		t.Fatal("forget must not register without a fallback")
	}
}

func TestRegisterRejectsUnknownPlugin(t *testing.T) {
	if err := Register(plugin.NewRegistry(), []string{"karma"}, Options{}); err == nil {
		t.Fatal("expected error for unknown plugin")
	}
}
