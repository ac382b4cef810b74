package dispatcher

import (
	"context"
	"fmt"
	"log/slog"
	"net/url"
	"sync"
	"sync/atomic"
	"time"

	"aqpredict/pkg/backoff"
	"aqpredict/pkg/circuitbreaker"
	"aqpredict/pkg/cloudevent"
)

// MemoryDispatcher delivers queued events from an in-process bounded buffer.
//
// Enqueueing never blocks: when the buffer is full the event is dropped and
// counted, because a stalled consumer must not back up the runtime watcher.
// The workflow's deadline scanner covers any run whose completion event is
// lost that way.
type MemoryDispatcher struct {
	buf      chan *Event
	sender   *cloudevent.Sender
	breakers *circuitbreaker.Registry
	cfg      MemoryConfig
	logger   *slog.Logger
	metrics  MetricsRecorder

	queued    atomic.Int64
	delivered atomic.Int64
	failed    atomic.Int64
	dropped   atomic.Int64
	requeued  atomic.Int64
	retries   atomic.Int64

	workers sync.WaitGroup
	closing chan struct{}
	closed  atomic.Bool
}

// MetricsRecorder receives delivery metrics. A nil recorder disables them,
// which the benchmarks and most tests rely on.
type MetricsRecorder interface {
	RecordDispatcherDelivered(ctx context.Context, durationSeconds float64)
	RecordDispatcherFailed(ctx context.Context)
	RecordDispatcherDropped(ctx context.Context)
	RecordDispatcherRequeued(ctx context.Context)
	RecordDispatcherQueueSize(ctx context.Context, size int64)
}

// NewMemory starts a dispatcher with cfg.Workers delivery goroutines.
func NewMemory(cfg MemoryConfig, metrics MetricsRecorder) *MemoryDispatcher {
	cfg = cfg.withDefaults()

	d := &MemoryDispatcher{
		buf:    make(chan *Event, cfg.BufferSize),
		sender: cloudevent.NewSender(cfg.HTTPTimeout),
		breakers: circuitbreaker.NewRegistry(circuitbreaker.Config{
			Threshold: breakerThreshold,
			Cooldown:  breakerCooldown,
		}),
		cfg:     cfg,
		logger:  slog.With("component", "dispatcher"),
		metrics: metrics,
		closing: make(chan struct{}),
	}

	d.workers.Add(cfg.Workers)
	for range cfg.Workers {
		go d.deliverLoop()
	}
	if metrics != nil {
		go d.reportDepth()
	}

	d.logger.Info("Event dispatcher up", "workers", cfg.Workers, "buffer", cfg.BufferSize)
	return d
}

// reportDepth publishes the buffer depth gauge while the dispatcher runs.
func (d *MemoryDispatcher) reportDepth() {
	tick := time.NewTicker(5 * time.Second)
	defer tick.Stop()

	for {
		select {
		case <-d.closing:
			return
		case <-tick.C:
			d.metrics.RecordDispatcherQueueSize(context.Background(), int64(len(d.buf)))
		}
	}
}

// Dispatch enqueues an event. It returns ErrBufferFull instead of blocking.
func (d *MemoryDispatcher) Dispatch(event *Event) error {
	if d.closed.Load() {
		return fmt.Errorf("dispatcher already closed")
	}

	select {
	case d.buf <- event:
		d.queued.Add(1)
		return nil
	default:
	}

	d.markDropped()
	d.logger.Warn("Event shed, buffer full",
		"destination", extractHost(event.Destination),
		"type", event.Payload.Type)
	return ErrBufferFull
}

// markDropped bumps the drop counter and its metric. Every path that loses
// an event funnels through here so the counters cannot drift apart.
func (d *MemoryDispatcher) markDropped() {
	d.dropped.Add(1)
	if d.metrics != nil {
		d.metrics.RecordDispatcherDropped(context.Background())
	}
}

// Stats snapshots the delivery counters.
func (d *MemoryDispatcher) Stats() Stats {
	bs := d.breakers.Stats()
	return Stats{
		QueueDepth:    len(d.buf),
		Queued:        d.queued.Load(),
		Delivered:     d.delivered.Load(),
		Failed:        d.failed.Load(),
		Dropped:       d.dropped.Load(),
		Requeued:      d.requeued.Load(),
		RetriesTotal:  d.retries.Load(),
		BreakersTotal: bs.Total,
		BreakersOpen:  bs.Open,
	}
}

// Close stops intake, lets the workers flush what is already buffered, and
// waits for them up to the context deadline.
func (d *MemoryDispatcher) Close(ctx context.Context) error {
	if d.closed.Swap(true) {
		return nil
	}

	d.logger.Info("Event dispatcher draining", "queued", len(d.buf))
	close(d.closing)

	done := make(chan struct{})
	go func() {
		d.workers.Wait()
		close(done)
	}()

	select {
	case <-done:
		d.logger.Info("Event dispatcher drained",
			"delivered", d.delivered.Load(),
			"failed", d.failed.Load(),
			"dropped", d.dropped.Load())
		return nil
	case <-ctx.Done():
		d.logger.Warn("Event dispatcher drain timed out", "remaining", len(d.buf))
		return ctx.Err()
	}
}

func (d *MemoryDispatcher) deliverLoop() {
	defer d.workers.Done()

	for {
		select {
		case <-d.closing:
			// Flush whatever is already buffered, then exit.
			for {
				select {
				case event := <-d.buf:
					d.deliver(event)
				default:
					return
				}
			}
		case event := <-d.buf:
			d.deliver(event)
		}
	}
}

// deliver pushes one event through its host's breaker and the retry loop.
func (d *MemoryDispatcher) deliver(event *Event) {
	host := extractHost(event.Destination)
	breaker := d.breakers.Get(host)
	if !breaker.Allow() {
		d.requeue(event, host)
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	started := time.Now()
	if err := d.sendWithRetry(ctx, event); err != nil {
		breaker.RecordFailure()
		d.failed.Add(1)
		if d.metrics != nil {
			d.metrics.RecordDispatcherFailed(ctx)
		}
		d.logger.Warn("Event delivery failed", "destination", host, "type", event.Payload.Type, "error", err)
		return
	}

	breaker.RecordSuccess()
	d.delivered.Add(1)
	if d.metrics != nil {
		d.metrics.RecordDispatcherDelivered(ctx, time.Since(started).Seconds())
	}
}

// requeue holds an event out of the buffer for one cooldown while its host's
// circuit is open, so the breaker can half-open before the event comes back
// around. Each event gets a bounded number of requeues; a host that stays
// dead cannot recirculate its events forever.
func (d *MemoryDispatcher) requeue(event *Event, host string) {
	if event.Requeues >= maxRequeues {
		d.markDropped()
		d.logger.Warn("Event shed, requeue budget exhausted",
			"destination", host,
			"type", event.Payload.Type,
			"requeues", event.Requeues)
		return
	}

	event.Requeues++
	attempt := event.Requeues // read before another worker can pick the event up
	d.requeued.Add(1)
	if d.metrics != nil {
		d.metrics.RecordDispatcherRequeued(context.Background())
	}

	go func() {
		select {
		case <-d.closing:
			return
		case <-time.After(breakerCooldown):
		}

		select {
		case d.buf <- event:
			d.logger.Debug("Event back in buffer after cooldown", "destination", host, "type", event.Payload.Type, "requeues", attempt)
		case <-d.closing:
		default:
			d.markDropped()
			d.logger.Warn("Event shed on requeue, buffer full", "destination", host, "type", event.Payload.Type)
		}
	}()
}

func (d *MemoryDispatcher) sendWithRetry(ctx context.Context, event *Event) error {
	opts := cloudevent.SendOptions{
		SigningKey: event.SigningKey,
		Signature:  event.Signature,
	}

	wait := &backoff.Config{Initial: backoffInitial, Max: backoffCeiling}

	var err error
	for attempt := 0; attempt <= maxSendRetries; attempt++ {
		if attempt > 0 {
			d.retries.Add(1)
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(backoff.Exponential(attempt, wait)):
			}
		}

		err = d.sender.Send(ctx, event.Destination, event.Payload, opts)
		if err == nil {
			return nil
		}
		if cloudevent.IsClientError(err) {
			// The consumer rejected the event; resending the same bytes
			// cannot succeed.
			return err
		}
	}
	return err
}

// extractHost keys circuit breakers by destination host so one dead consumer
// does not trip delivery to the others.
func extractHost(rawURL string) string {
	u, err := url.Parse(rawURL)
	if err != nil || u.Host == "" {
		return rawURL
	}
	return u.Host
}

var _ Dispatcher = (*MemoryDispatcher)(nil)
