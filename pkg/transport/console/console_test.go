package console

import (
	"context"
	"errors"
	"testing"

	"chatrouter/pkg/message"
	"chatrouter/pkg/transport"
)

func TestTypeQueuesDirectMessage(t *testing.T) {
	tr := New(Options{})
	if err := tr.Connect(context.Background()); err != nil || !tr.Connected() {
		t.Fatalf("Connect() error = %v, connected = %v", err, tr.Connected())
	}
	tr.Type("hello")

	events, err := tr.PollEvents(context.Background())
	if err != nil {
		t.Fatalf("PollEvents() error = %v", err)
	}
	if len(events) != 1 {
		t.Fatalf("len(events) = %d, want 1", len(events))
	}
	if events[0].Channel() != tr.DirectChannel() || events[0].Type() != message.TypeMessage {
		t.Fatalf("event = %#v", events[0])
	}
	if message.IsMultiParty(events[0].Channel()) {
		t.Fatal("console direct channel must be one-to-one")
	}

	events, err = tr.PollEvents(context.Background())
	if err != nil || len(events) != 0 {
		t.Fatalf("second PollEvents() = %v, %v; want empty batch", events, err)
	}
}

func TestSendRecordsAndStreams(t *testing.T) {
	tr := New(Options{})
	if err := tr.SendMessage(context.Background(), "D1", "hi", nil); err != nil {
		t.Fatalf("SendMessage() error = %v", err)
	}

	if got := tr.Sent(); len(got) != 1 || got[0].Text != "hi" {
		t.Fatalf("Sent() = %#v", got)
	}
	out := <-tr.Outbox()
	if out.ChannelID != "D1" {
		t.Fatalf("Outbox channel = %q, want D1", out.ChannelID)
	}
}

func TestDirectory(t *testing.T) {
	tr := New(Options{Bot: transport.Identity{ID: "U9", Name: "bot"}})
	tr.AddUser(transport.User{ID: "U1", Name: "alice"})
	tr.AddChannel("C1", "general")

	user, err := tr.LookupUser(context.Background(), "U1")
	if err != nil || user.Name != "alice" {
		t.Fatalf("LookupUser() = %#v, %v", user, err)
	}
	if _, err := tr.LookupUser(context.Background(), "U404"); !errors.Is(err, transport.ErrUserNotFound) {
		t.Fatalf("LookupUser(missing) error = %v", err)
	}

	id, err := tr.FindUserByName(context.Background(), "Alice")
	if err != nil || id != "U1" {
		t.Fatalf("FindUserByName() = %q, %v", id, err)
	}

	name, _ := tr.ChannelName(context.Background(), "C1")
	if name != "general" {
		t.Fatalf("ChannelName() = %q", name)
	}
	if tr.Self().Name != "bot" {
		t.Fatalf("Self() = %#v", tr.Self())
	}
}

func TestCloseEndsPolling(t *testing.T) {
	tr := New(Options{})
	tr.Type("last")
	if err := tr.Close(); err != nil {
		t.Fatalf("Close() error = %v", err)
	}

	events, err := tr.PollEvents(context.Background())
	if err != nil || len(events) != 1 {
		t.Fatalf("PollEvents() = %v, %v; want the queued event", events, err)
	}
	if _, err := tr.PollEvents(context.Background()); !errors.Is(err, transport.ErrClosed) {
		t.Fatalf("PollEvents() error = %v, want ErrClosed", err)
	}
	if err := tr.SendMessage(context.Background(), "D1", "x", nil); !errors.Is(err, transport.ErrClosed) {
		t.Fatalf("SendMessage() error = %v, want ErrClosed", err)
	}
}
