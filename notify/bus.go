/*
Package notify is the Notification Dispatcher boundary.

PURPOSE:
  The ledger engine publishes typed loyalty.Event values after every commit.
  This package moves them to the outside world without ever letting delivery
  problems reach the ledger: the engine hands events to a Bus and returns;
  the Bus fans them out to Sinks on its own goroutine and retries failures.

FLOW:
  Engine --Publish--> Bus (buffered queue) --worker--> Sink 1 (webhook)
                                                   \-> Sink 2 (log)

DELIVERY GUARANTEES:
  - At most once into the queue: the engine never republishes a replayed
    operation, and Publish never blocks. A full queue is reported as
    ErrQueueFull, which the engine logs.
  - At least once per sink while the process lives: a failing sink is
    retried with exponential backoff up to MaxAttempts. Errors wrapping
    ErrPermanent are not retried.
  - Close stops intake and drains whatever is queued.

SEE ALSO:
  - webhook.go: Signed HTTP delivery
  - loyalty/events.go: Event envelope
*/
package notify

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/warp/loyalty-engine/loyalty"
)

var (
	ErrQueueFull = errors.New("notify: event queue full")
	ErrBusClosed = errors.New("notify: bus closed")

	// ErrPermanent marks a delivery failure that retrying cannot fix.
	ErrPermanent = errors.New("notify: permanent delivery failure")
)

// Sink delivers one event to one destination.
type Sink interface {
	Name() string
	Deliver(ctx context.Context, e loyalty.Event) error
}

type BusConfig struct {
	Buffer      int           // queue capacity, default 1024
	MaxAttempts int           // per sink and event, default 5
	RetryDelay  time.Duration // first backoff step, doubled per attempt, default 500ms
	MaxDelay    time.Duration // backoff cap, default 30s
	Logger      logrus.FieldLogger
}

// Bus is an in-process event queue with fan-out to sinks.
type Bus struct {
	sinks  []Sink
	queue  chan loyalty.Event
	log    logrus.FieldLogger
	cfg    BusConfig
	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}

	mu     sync.RWMutex // guards closed against concurrent Publish
	closed bool

	delivered atomic.Int64
	failed    atomic.Int64
	dropped   atomic.Int64
}

// NewBus creates a bus and starts its worker.
func NewBus(cfg BusConfig, sinks ...Sink) *Bus {
	if cfg.Buffer <= 0 {
		cfg.Buffer = 1024
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 5
	}
	if cfg.RetryDelay <= 0 {
		cfg.RetryDelay = 500 * time.Millisecond
	}
	if cfg.MaxDelay <= 0 {
		cfg.MaxDelay = 30 * time.Second
	}
	if cfg.Logger == nil {
		cfg.Logger = logrus.StandardLogger()
	}

	ctx, cancel := context.WithCancel(context.Background())
	b := &Bus{
		sinks:  sinks,
		queue:  make(chan loyalty.Event, cfg.Buffer),
		log:    cfg.Logger.WithField("component", "notify"),
		cfg:    cfg,
		ctx:    ctx,
		cancel: cancel,
		done:   make(chan struct{}),
	}
	go b.run()
	return b
}

// Publish enqueues events without blocking. It implements loyalty.Publisher.
func (b *Bus) Publish(_ context.Context, events ...loyalty.Event) error {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.closed {
		return ErrBusClosed
	}
	for i, e := range events {
		select {
		case b.queue <- e:
		default:
			dropped := int64(len(events) - i)
			b.dropped.Add(dropped)
			return ErrQueueFull
		}
	}
	return nil
}

// Close stops accepting events and waits until the queue is drained or ctx
// ends. Deliveries still retrying when ctx ends are abandoned.
func (b *Bus) Close(ctx context.Context) error {
	b.mu.Lock()
	if !b.closed {
		b.closed = true
		close(b.queue)
	}
	b.mu.Unlock()

	select {
	case <-b.done:
		return nil
	case <-ctx.Done():
		b.cancel()
		<-b.done
		return ctx.Err()
	}
}

// Stats reports delivery counters since the bus started.
type Stats struct {
	Delivered int64 `json:"delivered"`
	Failed    int64 `json:"failed"`
	Dropped   int64 `json:"dropped"`
	Queued    int   `json:"queued"`
}

func (b *Bus) Stats() Stats {
	return Stats{
		Delivered: b.delivered.Load(),
		Failed:    b.failed.Load(),
		Dropped:   b.dropped.Load(),
		Queued:    len(b.queue),
	}
}

// =============================================================================
// WORKER
// =============================================================================

func (b *Bus) run() {
	defer close(b.done)
	defer b.cancel()
	for e := range b.queue {
		for _, s := range b.sinks {
			b.deliver(s, e)
		}
	}
}

func (b *Bus) deliver(s Sink, e loyalty.Event) {
	log := b.log.WithFields(logrus.Fields{
		"sink":        s.Name(),
		"event_id":    e.ID,
		"event_kind":  e.Kind,
		"customer_id": e.CustomerID,
	})

	delay := b.cfg.RetryDelay
	for attempt := 1; ; attempt++ {
		err := s.Deliver(b.ctx, e)
		if err == nil {
			b.delivered.Add(1)
			return
		}
		if errors.Is(err, ErrPermanent) || attempt >= b.cfg.MaxAttempts || b.ctx.Err() != nil {
			b.failed.Add(1)
			log.WithError(err).WithField("attempts", attempt).Error("event delivery failed")
			return
		}
		log.WithError(err).WithField("attempt", attempt).Warn("event delivery failed, retrying")

		select {
		case <-time.After(delay):
		case <-b.ctx.Done():
		}
		delay = min(delay*2, b.cfg.MaxDelay)
	}
}

// =============================================================================
// LOG SINK
// =============================================================================

// LogSink writes every event to the logger. Useful in development and as an
// audit trail next to the webhook.
type LogSink struct {
	Logger logrus.FieldLogger
}

func (LogSink) Name() string { return "log" }

func (s LogSink) Deliver(_ context.Context, e loyalty.Event) error {
	s.Logger.WithFields(logrus.Fields{
		"event_id":    e.ID,
		"event_kind":  e.Kind,
		"customer_id": e.CustomerID,
		"occurred_at": e.OccurredAt,
	}).Info("loyalty event")
	return nil
}
