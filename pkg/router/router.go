package router

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"chatrouter/pkg/bus"
	"chatrouter/pkg/classify"
	"chatrouter/pkg/logger"
	"chatrouter/pkg/message"
	"chatrouter/pkg/transport"
)

const (
	defaultPollInterval = time.Second
	defaultDrainTimeout = 10 * time.Second
)

// Pool executes classified messages off the event loop.
type Pool interface {
	Start()
	Submit(ctx context.Context, msg message.Classified) (string, error)
	Shutdown(ctx context.Context) error
}

type Options struct {
	Transport    transport.Transport
	Plugins      classify.Matcher
	Pool         Pool
	Bus          *bus.EventBus
	Logger       *slog.Logger
	PollInterval time.Duration
	DrainTimeout time.Duration
}

// Router is the event loop for one transport. Events are classified one
// at a time in arrival order; handling happens on the pool.
type Router struct {
	transport    transport.Transport
	plugins      classify.Matcher
	pool         Pool
	bus          *bus.EventBus
	baseLog      *slog.Logger
	log          *slog.Logger
	pollInterval time.Duration
	drainTimeout time.Duration

	running   atomic.Bool
	polled    atomic.Int64
	queued    atomic.Int64
	dropped   atomic.Int64
	rejected  atomic.Int64
	abandoned atomic.Int64
	ignored   atomic.Int64
}

// Stats counts routed events. Abandoned messages were classified but left
// unqueued because the loop was stopping; Rejected ones hit backpressure.
type Stats struct {
	Running   bool  `json:"running"`
	Polled    int64 `json:"polled"`
	Queued    int64 `json:"queued"`
	Dropped   int64 `json:"dropped"`
	Rejected  int64 `json:"rejected"`
	Abandoned int64 `json:"abandoned"`
	Ignored   int64 `json:"ignored"`
}

func New(opts Options) (*Router, error) {
	if opts.Transport == nil {
		return nil, errors.New("router transport is required")
	}
	if opts.Pool == nil {
		return nil, errors.New("router pool is required")
	}

	pollInterval := opts.PollInterval
	if pollInterval <= 0 {
		pollInterval = defaultPollInterval
	}
	drainTimeout := opts.DrainTimeout
	if drainTimeout <= 0 {
		drainTimeout = defaultDrainTimeout
	}

	return &Router{
		transport:    opts.Transport,
		plugins:      opts.Plugins,
		pool:         opts.Pool,
		bus:          opts.Bus,
		baseLog:      opts.Logger,
		log:          logger.Transport(opts.Logger, "router.loop", opts.Transport.Name()),
		pollInterval: pollInterval,
		drainTimeout: drainTimeout,
	}, nil
}

// Run connects the transport and routes events until ctx ends or the
// transport closes. Queued and in-flight work is drained before returning.
func (r *Router) Run(ctx context.Context) error {
	if err := r.transport.Connect(ctx); err != nil {
		return fmt.Errorf("connect %s: %w", r.transport.Name(), err)
	}

	self := r.transport.Self()
	classifier := classify.New(r.transport, r.plugins, self, r.baseLog)
	r.log.Info("Router started", "bot_id", self.ID, "bot_name", self.Name, "poll_interval", r.pollInterval)

	r.pool.Start()
	r.running.Store(true)
	defer r.running.Store(false)

	loopErr := r.loop(ctx, classifier)

	drainCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), r.drainTimeout)
	defer cancel()
	if err := r.pool.Shutdown(drainCtx); err != nil {
		r.log.Warn("Router drain incomplete", "error", err)
		if loopErr == nil {
			loopErr = fmt.Errorf("drain %s: %w", r.transport.Name(), err)
		}
	}

	r.log.Info("Router stopped")
	return loopErr
}

func (r *Router) loop(ctx context.Context, classifier *classify.Classifier) error {
	ticker := time.NewTicker(r.pollInterval)
	defer ticker.Stop()

	for {
		events, err := r.transport.PollEvents(ctx)
		switch {
		case errors.Is(err, transport.ErrClosed):
			return fmt.Errorf("poll %s: %w", r.transport.Name(), err)
		case err != nil:
			if ctx.Err() != nil {
				return nil
			}
			r.log.Warn("Poll failed", "error", err)
		default:
			r.route(ctx, classifier, events)
		}

		// The fixed delay bounds how fast the bot can answer.
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
	}
}

func (r *Router) route(ctx context.Context, classifier *classify.Classifier, events []message.RawEvent) {
	for _, raw := range events {
		r.polled.Add(1)
		if raw.Type() != message.TypeMessage {
			r.ignored.Add(1)
			continue
		}

		msg, ok := classifier.Classify(ctx, raw)
		if !ok {
			r.dropped.Add(1)
			r.bus.Publish(ctx, bus.Event{
				Type:      bus.EventMessageDropped,
				Transport: r.transport.Name(),
				Channel:   raw.Channel(),
			})
			continue
		}

		taskID, err := r.pool.Submit(ctx, msg)
		if err != nil && ctx.Err() != nil && errors.Is(err, ctx.Err()) {
			r.abandoned.Add(1)
			r.log.Debug("Message abandoned during shutdown", "channel", msg.ChannelID(), "sender", msg.Sender)
			continue
		}
		if err != nil {
			r.rejected.Add(1)
			r.log.Warn("Message rejected", "channel", msg.ChannelID(), "sender", msg.Sender, "error", err)
			r.bus.Publish(context.WithoutCancel(ctx), bus.Event{
				Type:      bus.EventMessageRejected,
				Transport: r.transport.Name(),
				Channel:   msg.ChannelID(),
				Sender:    msg.Sender,
				Error:     err.Error(),
			})
			continue
		}

		r.queued.Add(1)
		r.bus.Publish(ctx, bus.Event{
			Type:      bus.EventMessageQueued,
			Transport: r.transport.Name(),
			Channel:   msg.ChannelID(),
			Sender:    msg.Sender,
			TaskID:    taskID,
			Payload:   map[string]string{"category": msg.Category.String()},
		})
	}
}

func (r *Router) Name() string {
	return r.transport.Name()
}

func (r *Router) Stats() Stats {
	return Stats{
		Running:   r.running.Load(),
		Polled:    r.polled.Load(),
		Queued:    r.queued.Load(),
		Dropped:   r.dropped.Load(),
		Rejected:  r.rejected.Load(),
		Abandoned: r.abandoned.Load(),
		Ignored:   r.ignored.Load(),
	}
}
