package bus

import (
	"log/slog"
	"sync"
)

// Observe logs every event on events until the stream closes. Subscribe
// before publishers start so the first events are not missed.
func Observe(events <-chan Event, log *slog.Logger) {
	if log == nil {
		log = slog.Default()
	}
	log = log.With("component", "bus.events")

	for event := range events {
		logEvent(log, event)
	}
}

func logEvent(log *slog.Logger, event Event) {
	attrs := []any{
		"event_type", event.Type,
		"task_id", event.TaskID,
		"transport", event.Transport,
		"channel", event.Channel,
		"sender", event.Sender,
	}
	if len(event.Payload) > 0 {
		attrs = append(attrs, "payload", event.Payload)
	}

	switch event.Type {
	case EventPluginFault, EventFallbackFailed, EventSendFailed, EventWorkerPanic:
		log.Error("Router event", append(attrs, "error", event.Error)...)
	case EventMessageRejected:
		log.Warn("Router event", attrs...)
	case EventMessageQueued, EventFallbackCompleted:
		log.Info("Router event", attrs...)
	default:
		log.Debug("Router event", attrs...)
	}
}

// Counters tallies events by type.
type Counters struct {
	mu     sync.RWMutex
	counts map[EventType]int64
}

func NewCounters() *Counters {
	return &Counters{counts: make(map[EventType]int64)}
}

// Consume tallies events until the stream closes.
func (c *Counters) Consume(events <-chan Event) {
	for event := range events {
		c.Add(event.Type)
	}
}

func (c *Counters) Add(eventType EventType) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.counts[eventType]++
}

// Snapshot returns a copy of the current counts.
func (c *Counters) Snapshot() map[string]int64 {
	c.mu.RLock()
	defer c.mu.RUnlock()

	out := make(map[string]int64, len(c.counts))
	for eventType, count := range c.counts {
		out[string(eventType)] = count
	}
	return out
}
