package dispatch

import (
	"context"
	"errors"
	"testing"

	"chatrouter/pkg/message"
	"chatrouter/pkg/transport"
	"chatrouter/pkg/transport/console"
)

func TestReplyPrefixesMentionInSharedChannels(t *testing.T) {
	tr := console.New(console.Options{})
	tr.AddUser(transport.User{ID: "U2", Name: "bob"})

	tests := []struct {
		name string
		raw  message.RawEvent
		want string
	}{
		{name: "channel with user id", raw: message.RawEvent{"channel": "C1", "user": "U1"}, want: "<@U1>: ok"},
		{name: "group resolved by name", raw: message.RawEvent{"channel": "G1", "username": "bob"}, want: "<@U2>: ok"},
		{name: "direct message", raw: message.RawEvent{"channel": "D1", "user": "U1"}, want: "ok"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			sender, _ := tt.raw.Username()
			msg := NewMessage(tr, message.Classified{Sender: sender, Raw: tt.raw})
			if err := msg.Reply(context.Background(), "ok"); err != nil {
				t.Fatalf("Reply() error = %v", err)
			}
			sent := tr.Sent()
			if got := sent[len(sent)-1].Text; got != tt.want {
				t.Fatalf("Reply() sent %q, want %q", got, tt.want)
			}
		})
	}
}

func TestReplyFailsWhenSenderUnknown(t *testing.T) {
	tr := console.New(console.Options{})
	msg := NewMessage(tr, message.Classified{Sender: "ghost", Raw: message.RawEvent{"channel": "C1"}})

	if err := msg.Reply(context.Background(), "ok"); !errors.Is(err, transport.ErrUserNotFound) {
		t.Fatalf("Reply() error = %v, want ErrUserNotFound", err)
	}
	if len(tr.Sent()) != 0 {
		t.Fatal("nothing should be sent")
	}
}

func TestSendNormalizesUTF8(t *testing.T) {
	tr := console.New(console.Options{})
	msg := NewMessage(tr, message.Classified{Raw: message.RawEvent{"channel": "D1"}})

	if err := msg.Send(context.Background(), "caf\xe9"); err != nil {
		t.Fatalf("Send() error = %v", err)
	}
	if got := tr.Sent()[0].Text; got != "caf\uFFFD" {
		t.Fatalf("Send() text = %q", got)
	}
}

func TestBodyIsACopy(t *testing.T) {
	raw := message.RawEvent{"channel": "D1", "text": "hi"}
	msg := NewMessage(console.New(console.Options{}), message.Classified{Raw: raw})

	body := msg.Body()
	body["text"] = "changed"
	if text, _ := raw.Text(); text != "hi" {
		t.Fatalf("Body() leaked the underlying event")
	}
}

func TestAuthorizer(t *testing.T) {
	auth := NewAuthorizer([]string{" Alice "}, []string{"C9", "#beepboop-lab"})
	tr := console.New(console.Options{})
	tr.AddChannel("C7", "beepboop-lab")

	cases := []struct {
		sender, channel string
		want            bool
	}{
		{"alice", "D1", true},
		{"bob", "C9", true},
		{"bob", "C7", true},
		{"bob", "C8", false},
	}
	for _, c := range cases {
		if got := auth.Allowed(context.Background(), c.sender, c.channel, tr); got != c.want {
			t.Fatalf("Allowed(%q, %q) = %v, want %v", c.sender, c.channel, got, c.want)
		}
	}

	var nilAuth *Authorizer
	if nilAuth.Allowed(context.Background(), "alice", "D1", nil) {
		t.Fatal("nil authorizer must deny")
	}
	if !AllowAll().Allowed(context.Background(), "anyone", "D1", nil) {
		t.Fatal("AllowAll must admit")
	}
}
