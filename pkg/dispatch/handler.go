package dispatch

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime/debug"
	"strings"

	"chatrouter/pkg/bus"
	"chatrouter/pkg/logger"
	"chatrouter/pkg/message"
	"chatrouter/pkg/plugin"
	"chatrouter/pkg/transport"
	"chatrouter/pkg/workerpool"
)

// Fallback answers directed messages no plugin claimed.
type Fallback interface {
	Respond(ctx context.Context, text string) (string, error)
}

// Plugins looks up matching plugin patterns.
type Plugins interface {
	Match(category plugin.Category, text string) []plugin.Match
}

type Options struct {
	Transport  transport.Transport
	Plugins    Plugins
	Fallback   Fallback
	Authorizer *Authorizer
	Bus        *bus.EventBus
	Logger     *slog.Logger
}

// Handler routes one classified message to plugins or the fallback.
type Handler struct {
	transport  transport.Transport
	plugins    Plugins
	fallback   Fallback
	authorizer *Authorizer
	bus        *bus.EventBus
	log        *slog.Logger
}

var _ workerpool.Handler = (*Handler)(nil)

func New(opts Options) (*Handler, error) {
	if opts.Transport == nil {
		return nil, errors.New("dispatch transport is required")
	}
	if opts.Plugins == nil {
		return nil, errors.New("dispatch plugin registry is required")
	}

	return &Handler{
		transport:  opts.Transport,
		plugins:    opts.Plugins,
		fallback:   opts.Fallback,
		authorizer: opts.Authorizer,
		bus:        opts.Bus,
		log:        logger.Transport(opts.Logger, "router.dispatch", opts.Transport.Name()),
	}, nil
}

func (h *Handler) Handle(ctx context.Context, msg message.Classified) {
	h.Dispatch(ctx, msg)
}

// Dispatch runs msg and returns one Result per plugin invoked. Faults are
// reported to the originating channel and never returned as errors.
func (h *Handler) Dispatch(ctx context.Context, msg message.Classified) []Result {
	if msg.Category == message.SelfOriginated || msg.IsEdited {
		return nil
	}

	if msg.HasPluginMatch {
		return h.dispatchPlugins(ctx, msg)
	}

	h.dispatchFallback(ctx, msg)
	return nil
}

func (h *Handler) dispatchPlugins(ctx context.Context, msg message.Classified) []Result {
	category := plugin.Listen
	if msg.Category == message.DirectedAtBot {
		category = plugin.Respond
	}

	matches := h.plugins.Match(category, msg.Text)
	results := make([]Result, 0, len(matches))
	for _, match := range matches {
		result := h.invoke(ctx, match, msg)
		results = append(results, result)
		if result.Ok() {
			continue
		}

		h.log.Error("Plugin failed",
			"plugin", result.Plugin,
			"channel", msg.ChannelID(),
			"task_id", workerpool.TaskID(ctx),
			"error", result.Err,
		)
		h.publish(ctx, bus.EventPluginFault, msg, result.Err, map[string]string{"plugin": result.Plugin})

		reply := FaultReply(result.Plugin, msg.Text, result.Trace)
		if err := NewMessage(h.transport, msg).Send(ctx, reply); err != nil {
			h.sendFailed(ctx, msg, err)
		}
	}

	return results
}

func (h *Handler) invoke(ctx context.Context, match plugin.Match, msg message.Classified) (result Result) {
	result.Plugin = match.Name

	defer func() {
		if r := recover(); r != nil {
			result.Err = fmt.Errorf("panic: %v", r)
			result.Trace = fmt.Sprintf("%v\n%s", r, debug.Stack())
		}
	}()

	if match.Handler == nil {
		return result
	}

	if err := match.Handler(ctx, NewMessage(h.transport, msg), match.Args); err != nil {
		result.Err = err
		result.Trace = err.Error()
	}
	return result
}

func (h *Handler) dispatchFallback(ctx context.Context, msg message.Classified) {
	if msg.Category != message.DirectedAtBot || h.fallback == nil {
		return
	}

	namer, _ := h.transport.(transport.ChannelNamer)
	if !h.authorizer.Allowed(ctx, msg.Sender, msg.ChannelID(), namer) {
		h.log.Debug("Fallback not authorized", "sender", msg.Sender, "channel", msg.ChannelID())
		h.publish(ctx, bus.EventFallbackUnauthorized, msg, nil, nil)
		return
	}

	response, err := h.fallback.Respond(ctx, msg.Text)
	if err != nil {
		h.log.Error("Fallback failed", "channel", msg.ChannelID(), "task_id", workerpool.TaskID(ctx), "error", err)
		h.publish(ctx, bus.EventFallbackFailed, msg, err, nil)
		return
	}

	response = strings.TrimSpace(response)
	if response == "" {
		h.publish(ctx, bus.EventFallbackCompleted, msg, nil, map[string]string{"empty": "true"})
		return
	}

	if err := NewMessage(h.transport, msg).Send(ctx, response); err != nil {
		h.sendFailed(ctx, msg, err)
		return
	}
	h.publish(ctx, bus.EventFallbackCompleted, msg, nil, nil)
}

func (h *Handler) sendFailed(ctx context.Context, msg message.Classified, err error) {
	h.log.Error("Send failed", "channel", msg.ChannelID(), "task_id", workerpool.TaskID(ctx), "error", err)
	h.publish(ctx, bus.EventSendFailed, msg, err, nil)
}

func (h *Handler) publish(ctx context.Context, eventType bus.EventType, msg message.Classified, err error, payload map[string]string) {
	event := bus.Event{
		Type:      eventType,
		Transport: h.transport.Name(),
		Channel:   msg.ChannelID(),
		Sender:    msg.Sender,
		TaskID:    workerpool.TaskID(ctx),
		Payload:   payload,
	}
	if err != nil {
		event.Error = err.Error()
	}
	h.bus.Publish(context.WithoutCancel(ctx), event)
}
