package dispatch

import (
	"context"
	"errors"
	"strings"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/require"

	"chatrouter/pkg/bus"
	"chatrouter/pkg/logger"
	"chatrouter/pkg/message"
	"chatrouter/pkg/plugin"
	"chatrouter/pkg/transport"
	"chatrouter/pkg/transport/console"
)

type stubFallback struct {
	calls    atomic.Int64
	response string
	err      error
}

func (f *stubFallback) Respond(_ context.Context, text string) (string, error) {
	f.calls.Add(1)
	if f.err != nil {
		return "", f.err
	}
	if f.response != "" {
		return f.response, nil
	}
	return "you said " + text, nil
}

type fixture struct {
	transport *console.Transport
	registry  *plugin.Registry
	fallback  *stubFallback
	handler   *Handler
	events    <-chan bus.Event
}

func newFixture(t *testing.T, auth *Authorizer) *fixture {
	t.Helper()

	tr := console.New(console.Options{Bot: transport.Identity{ID: "U9", Name: "bot"}})
	tr.AddUser(transport.User{ID: "U1", Name: "alice"})
	tr.AddChannel("C55", "lab")

	eventBus := bus.New()
	t.Cleanup(eventBus.Close)
	events, unsubscribe := eventBus.Subscribe(context.Background(), 32)
	t.Cleanup(unsubscribe)

	registry := plugin.NewRegistry()
	fallback := &stubFallback{}

	handler, err := New(Options{
		Transport:  tr,
		Plugins:    registry,
		Fallback:   fallback,
		Authorizer: auth,
		Bus:        eventBus,
		Logger:     logger.Discard(),
	})
	require.NoError(t, err)

	return &fixture{transport: tr, registry: registry, fallback: fallback, handler: handler, events: events}
}

func directed(channel string, text string) message.Classified {
	return message.Classified{
		Category:       message.DirectedAtBot,
		Text:           text,
		Sender:         "alice",
		HasPluginMatch: false,
		Raw:            message.RawEvent{"type": "message", "channel": channel, "user": "U1", "text": text},
	}
}

func nextEvent(t *testing.T, events <-chan bus.Event) bus.Event {
	t.Helper()
	select {
	case event := <-events:
		return event
	default:
		t.Fatal("expected a bus event")
		return bus.Event{}
	}
}

func TestSelfOriginatedIsNoOp(t *testing.T) {
	f := newFixture(t, AllowAll())
	var called atomic.Bool
	require.NoError(t, f.registry.Respond("any", `.*`, "", func(context.Context, plugin.Message, []string) error {
		called.Store(true)
		return nil
	}))

	msg := directed("D1", "hello")
	msg.Category = message.SelfOriginated
	msg.HasPluginMatch = true

	require.Nil(t, f.handler.Dispatch(context.Background(), msg))
	require.False(t, called.Load())
	require.Zero(t, f.fallback.calls.Load())
	require.Empty(t, f.transport.Sent())
}

func TestEditedMessageIsNoOp(t *testing.T) {
	f := newFixture(t, AllowAll())
	msg := directed("D1", "hello")
	msg.IsEdited = true

	f.handler.Handle(context.Background(), msg)
	require.Zero(t, f.fallback.calls.Load())
	require.Empty(t, f.transport.Sent())
}

func TestDirectedMessageUsesRespondPlugins(t *testing.T) {
	f := newFixture(t, nil)
	var got []string
	require.NoError(t, f.registry.Respond("greet", `^hi (\w+)$`, "", func(ctx context.Context, msg plugin.Message, args []string) error {
		got = append(got, "respond:"+args[0])
		return msg.Reply(ctx, "hello "+args[0])
	}))
	require.NoError(t, f.registry.Listen("lurk", `^hi`, "", func(context.Context, plugin.Message, []string) error {
		got = append(got, "listen")
		return nil
	}))

	msg := directed("C55", "hi there")
	msg.HasPluginMatch = true

	results := f.handler.Dispatch(context.Background(), msg)
	require.Len(t, results, 1)
	require.True(t, results[0].Ok())
	require.Equal(t, []string{"respond:there"}, got)

	sent := f.transport.Sent()
	require.Len(t, sent, 1)
	require.Equal(t, "<@U1>: hello there", sent[0].Text)
}

func TestGeneralMessageUsesListenPlugins(t *testing.T) {
	f := newFixture(t, nil)
	var got []string
	require.NoError(t, f.registry.Respond("greet", `^hi`, "", func(context.Context, plugin.Message, []string) error {
		got = append(got, "respond")
		return nil
	}))
	require.NoError(t, f.registry.Listen("lurk", `^hi`, "", func(context.Context, plugin.Message, []string) error {
		got = append(got, "listen")
		return nil
	}))

	msg := directed("C55", "hi all")
	msg.Category = message.General
	msg.HasPluginMatch = true

	f.handler.Dispatch(context.Background(), msg)
	require.Equal(t, []string{"listen"}, got)
}

func TestPluginFaultIsIsolated(t *testing.T) {
	f := newFixture(t, nil)
	var secondCalled atomic.Bool
	require.NoError(t, f.registry.Respond("broken", `ping`, "", func(context.Context, plugin.Message, []string) error {
		return errors.New("database unavailable")
	}))
	require.NoError(t, f.registry.Respond("pong", `ping`, "", func(ctx context.Context, msg plugin.Message, _ []string) error {
		secondCalled.Store(true)
		return msg.Send(ctx, "pong")
	}))

	msg := directed("D1", "ping")
	msg.HasPluginMatch = true

	results := f.handler.Dispatch(context.Background(), msg)
	require.Len(t, results, 2)
	require.False(t, results[0].Ok())
	require.Equal(t, "broken", results[0].Plugin)
	require.True(t, results[1].Ok())
	require.True(t, secondCalled.Load())

	sent := f.transport.Sent()
	require.Len(t, sent, 2)
	require.Equal(t, "[broken] I have problem when handling \"ping\"\n```\ndatabase unavailable\n```", sent[0].Text)
	require.Equal(t, "pong", sent[1].Text)

	event := nextEvent(t, f.events)
	require.Equal(t, bus.EventPluginFault, event.Type)
	require.Equal(t, "broken", event.Payload["plugin"])
}

func TestPluginPanicIsReported(t *testing.T) {
	f := newFixture(t, nil)
	require.NoError(t, f.registry.Respond("crash", `boom`, "", func(context.Context, plugin.Message, []string) error {
		panic("kaboom")
	}))

	msg := directed("D1", "boom")
	msg.HasPluginMatch = true

	results := f.handler.Dispatch(context.Background(), msg)
	require.Len(t, results, 1)
	require.ErrorContains(t, results[0].Err, "kaboom")
	require.Contains(t, results[0].Trace, "goroutine")

	sent := f.transport.Sent()
	require.Len(t, sent, 1)
	require.True(t, strings.HasPrefix(sent[0].Text, "[crash] I have problem when handling \"boom\"\n```\nkaboom\n"))
}

func TestPluginMatchInOtherCategoryOnlyDoesNothing(t *testing.T) {
	f := newFixture(t, AllowAll())
	require.NoError(t, f.registry.Listen("lurk", `coffee`, "", func(context.Context, plugin.Message, []string) error {
		t.Fatal("listen plugin must not run for a directed message")
		return nil
	}))

	msg := directed("D1", "coffee please")
	msg.HasPluginMatch = true

	require.Empty(t, f.handler.Dispatch(context.Background(), msg))
	require.Zero(t, f.fallback.calls.Load())
	require.Empty(t, f.transport.Sent())
}

func TestFallbackAnswersAuthorizedDirectedMessage(t *testing.T) {
	f := newFixture(t, NewAuthorizer([]string{"alice"}, nil))

	f.handler.Handle(context.Background(), directed("D1", "how are you"))

	require.EqualValues(t, 1, f.fallback.calls.Load())
	sent := f.transport.Sent()
	require.Len(t, sent, 1)
	require.Equal(t, "you said how are you", sent[0].Text)
	require.Equal(t, bus.EventFallbackCompleted, nextEvent(t, f.events).Type)
}

func TestFallbackAuthorizedByChannelName(t *testing.T) {
	f := newFixture(t, NewAuthorizer(nil, []string{"#lab"}))

	f.handler.Handle(context.Background(), directed("C55", "tell me a joke"))
	require.EqualValues(t, 1, f.fallback.calls.Load())
}

func TestFallbackUnauthorizedIsSilent(t *testing.T) {
	f := newFixture(t, NewAuthorizer([]string{"bob"}, []string{"ops"}))

	f.handler.Handle(context.Background(), directed("C55", "hello"))

	require.Zero(t, f.fallback.calls.Load())
	require.Empty(t, f.transport.Sent())
	require.Equal(t, bus.EventFallbackUnauthorized, nextEvent(t, f.events).Type)
}

func TestGeneralMessageNeverReachesFallback(t *testing.T) {
	f := newFixture(t, AllowAll())
	msg := directed("C55", "just chatting")
	msg.Category = message.General

	f.handler.Handle(context.Background(), msg)
	require.Zero(t, f.fallback.calls.Load())
	require.Empty(t, f.transport.Sent())
}

func TestFallbackErrorIsPublished(t *testing.T) {
	f := newFixture(t, AllowAll())
	f.fallback.err = errors.New("provider down")

	f.handler.Handle(context.Background(), directed("D1", "hello"))

	require.Empty(t, f.transport.Sent())
	event := nextEvent(t, f.events)
	require.Equal(t, bus.EventFallbackFailed, event.Type)
	require.Equal(t, "provider down", event.Error)
}

func TestSendFailureIsPublished(t *testing.T) {
	f := newFixture(t, AllowAll())
	require.NoError(t, f.transport.Close())

	f.handler.Handle(context.Background(), directed("D1", "hello"))

	event := nextEvent(t, f.events)
	require.Equal(t, bus.EventSendFailed, event.Type)
	require.Contains(t, event.Error, transport.ErrClosed.Error())
}

func TestNewRequiresCollaborators(t *testing.T) {
	_, err := New(Options{Plugins: plugin.NewRegistry()})
	require.Error(t, err)

	_, err = New(Options{Transport: console.New(console.Options{})})
	require.Error(t, err)
}
