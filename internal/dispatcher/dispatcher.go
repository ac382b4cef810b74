// Package dispatcher carries completion events from the pipeline to their
// webhook consumers: buffered, retried, and shed under pressure rather than
// ever blocking the caller.
package dispatcher

import (
	"context"
	"errors"

	"aqpredict/pkg/cloudevent"
)

// ErrBufferFull reports that an event was shed because the buffer had no
// room. The caller's run is unaffected; only the notification is lost.
var ErrBufferFull = errors.New("dispatcher buffer full, event dropped")

// Dispatcher delivers events somewhere else, later. The in-memory
// implementation below is the only one today; a broker-backed one would
// satisfy the same three methods.
type Dispatcher interface {
	// Dispatch hands an event over for delivery and returns immediately.
	// ErrBufferFull means the event was shed, not queued.
	Dispatch(event *Event) error

	// Stats snapshots the delivery counters.
	Stats() Stats

	// Close stops intake and flushes what it can before the context
	// deadline.
	Close(ctx context.Context) error
}

// Event pairs a CloudEvent with where and how to deliver it.
type Event struct {
	Payload     *cloudevent.CloudEvent
	Destination string // callback URL
	SigningKey  string // HMAC key, empty means unsigned
	Signature   string // precomputed signature, wins over SigningKey
	Requeues    int    // times held back by an open circuit
}

// Stats is a point-in-time census of the dispatcher.
type Stats struct {
	QueueDepth    int   // events waiting right now
	Queued        int64 // accepted by Dispatch
	Delivered     int64 // acknowledged by the consumer
	Failed        int64 // gave up after retries
	Dropped       int64 // shed on full buffer or requeue budget
	Requeued      int64 // held back by an open circuit
	RetriesTotal  int64 // individual retry attempts
	BreakersTotal int   // per-host circuit breakers
	BreakersOpen  int   // of those, currently open
}
