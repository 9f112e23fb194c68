package workerpool

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime/debug"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"chatrouter/pkg/bus"
	"chatrouter/pkg/logger"
	"chatrouter/pkg/message"
)

const (
	PolicyBlock  = "block"
	PolicyReject = "reject"

	defaultWorkers   = 10
	defaultQueueSize = 256
)

var (
	ErrQueueFull  = errors.New("worker pool queue is full")
	ErrPoolClosed = errors.New("worker pool is closed")
)

// Handler processes one classified message.
type Handler interface {
	Handle(ctx context.Context, msg message.Classified)
}

type HandlerFunc func(ctx context.Context, msg message.Classified)

func (f HandlerFunc) Handle(ctx context.Context, msg message.Classified) {
	f(ctx, msg)
}

type Options struct {
	Workers     int
	QueueSize   int
	Policy      string
	TaskTimeout time.Duration
	Transport   string
	Logger      *slog.Logger
	Bus         *bus.EventBus
}

type task struct {
	id  string
	msg message.Classified
}

// Pool runs a fixed number of workers over a bounded queue. Each task is
// handled by exactly one worker from start to finish.
type Pool struct {
	handler     Handler
	workers     int
	policy      string
	taskTimeout time.Duration
	transport   string
	log         *slog.Logger
	bus         *bus.EventBus

	queue    chan task
	stopping chan struct{}
	wg       sync.WaitGroup

	startOnce sync.Once
	stopOnce  sync.Once

	// mu guards closed against concurrent Submit and Shutdown.
	mu     sync.RWMutex
	closed bool

	submitted atomic.Int64
	completed atomic.Int64
	panicked  atomic.Int64
	rejected  atomic.Int64
	abandoned atomic.Int64
	active    atomic.Int64
}

type Stats struct {
	Workers     int   `json:"workers"`
	QueueLength int   `json:"queue_length"`
	QueueSize   int   `json:"queue_size"`
	Active      int64 `json:"active"`
	Submitted   int64 `json:"submitted"`
	Completed   int64 `json:"completed"`
	Panicked    int64 `json:"panicked"`
	Rejected    int64 `json:"rejected"`
	Abandoned   int64 `json:"abandoned"`
}

func New(handler Handler, opts Options) (*Pool, error) {
	if handler == nil {
		return nil, errors.New("worker pool handler is required")
	}

	workers := opts.Workers
	if workers <= 0 {
		workers = defaultWorkers
	}
	queueSize := opts.QueueSize
	if queueSize <= 0 {
		queueSize = defaultQueueSize
	}

	policy := opts.Policy
	switch policy {
	case "":
		policy = PolicyBlock
	case PolicyBlock, PolicyReject:
	default:
		return nil, fmt.Errorf("unknown queue policy %q", policy)
	}

	return &Pool{
		handler:     handler,
		workers:     workers,
		policy:      policy,
		taskTimeout: opts.TaskTimeout,
		transport:   opts.Transport,
		log:         logger.Transport(opts.Logger, "router.pool", opts.Transport),
		bus:         opts.Bus,
		queue:       make(chan task, queueSize),
		stopping:    make(chan struct{}),
	}, nil
}

// Start launches the workers. Calls after the first are no-ops.
func (p *Pool) Start() {
	p.startOnce.Do(func() {
		for i := 0; i < p.workers; i++ {
			p.wg.Add(1)
			go p.worker(i)
		}
		p.log.Info("Worker pool started", "workers", p.workers, "queue_size", cap(p.queue), "policy", p.policy)
	})
}

// Submit enqueues msg and returns its task id.
func (p *Pool) Submit(ctx context.Context, msg message.Classified) (string, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()

	if p.closed {
		return "", ErrPoolClosed
	}

	item := task{id: uuid.NewString(), msg: msg}

	if p.policy == PolicyReject {
		select {
		case p.queue <- item:
			p.submitted.Add(1)
			return item.id, nil
		default:
			p.rejected.Add(1)
			return "", ErrQueueFull
		}
	}

	select {
	case p.queue <- item:
		p.submitted.Add(1)
		return item.id, nil
	case <-ctx.Done():
		p.abandoned.Add(1)
		return "", ctx.Err()
	}
}

// Shutdown stops intake and waits for queued and in-flight tasks. It
// returns ctx.Err() if the drain outlives ctx; running tasks are not
// canceled.
func (p *Pool) Shutdown(ctx context.Context) error {
	p.stopOnce.Do(func() {
		p.mu.Lock()
		p.closed = true
		close(p.stopping)
		p.mu.Unlock()
	})

	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		p.log.Info("Worker pool drained", "completed", p.completed.Load())
		return nil
	case <-ctx.Done():
		p.log.Warn("Worker pool drain timed out", "queued", len(p.queue), "active", p.active.Load())
		return ctx.Err()
	}
}

func (p *Pool) Stats() Stats {
	return Stats{
		Workers:     p.workers,
		QueueLength: len(p.queue),
		QueueSize:   cap(p.queue),
		Active:      p.active.Load(),
		Submitted:   p.submitted.Load(),
		Completed:   p.completed.Load(),
		Panicked:    p.panicked.Load(),
		Rejected:    p.rejected.Load(),
		Abandoned:   p.abandoned.Load(),
	}
}

func (p *Pool) worker(id int) {
	defer p.wg.Done()

	for {
		select {
		case item := <-p.queue:
			p.run(id, item)
		case <-p.stopping:
			// Intake is closed; finish what is already queued.
			for {
				select {
				case item := <-p.queue:
					p.run(id, item)
				default:
					return
				}
			}
		}
	}
}

func (p *Pool) run(workerID int, item task) {
	p.active.Add(1)
	defer p.active.Add(-1)

	ctx := WithTaskID(context.Background(), item.id)
	if p.taskTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, p.taskTimeout)
		defer cancel()
	}

	defer func() {
		if r := recover(); r != nil {
			p.panicked.Add(1)
			stack := string(debug.Stack())
			p.log.Error("Worker recovered from panic",
				"worker", workerID,
				"task_id", item.id,
				"panic", fmt.Sprint(r),
				"stack", stack,
			)
			p.bus.Publish(context.Background(), bus.Event{
				Type:      bus.EventWorkerPanic,
				Transport: p.transport,
				Channel:   item.msg.ChannelID(),
				Sender:    item.msg.Sender,
				TaskID:    item.id,
				Error:     fmt.Sprint(r),
				Payload:   map[string]string{"stack": stack},
			})
		}
	}()

	p.handler.Handle(ctx, item.msg)
	p.completed.Add(1)
}

type taskIDKey struct{}

// WithTaskID returns ctx carrying the task id of the message being handled.
func WithTaskID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, taskIDKey{}, id)
}

// TaskID returns the task id stored in ctx, if any.
func TaskID(ctx context.Context) string {
	id, _ := ctx.Value(taskIDKey{}).(string)
	return id
}
