package calsync

import (
	"context"
	"log"
	"sync"
	"sync/atomic"
)

type NotificationHandlerFunc func(ctx context.Context, evt WebhookEvent) error

type NotificationQueueOptions struct {
	Capacity       int
	Workers        int
	Handler        NotificationHandlerFunc
	Logger         Logger
	DisableWorkers bool
}

type NotificationQueueStats struct {
	Accepted  uint64 `json:"accepted"`
	Coalesced uint64 `json:"coalesced"`
	Dropped   uint64 `json:"dropped"`
	Processed uint64 `json:"processed"`
	Failed    uint64 `json:"failed"`
	Depth     int    `json:"depth"`
	Capacity  int    `json:"capacity"`
}

// NotificationQueue buffers decoded webhook events between the listener and
// reconciliation. A pending event with the same source, change type and
// resource absorbs later duplicates.
type NotificationQueue struct {
	ch      chan WebhookEvent
	handler NotificationHandlerFunc
	logger  Logger

	pendingMu sync.Mutex
	pending   map[string]struct{}

	accepted  atomic.Uint64
	coalesced atomic.Uint64
	dropped   atomic.Uint64
	processed atomic.Uint64
	failed    atomic.Uint64

	closed    chan struct{}
	ctx       context.Context
	cancel    context.CancelFunc
	closeOnce sync.Once
	wg        sync.WaitGroup
}

func NewNotificationQueue(opts NotificationQueueOptions) *NotificationQueue {
	capacity := opts.Capacity
	if capacity <= 0 {
		capacity = 1024
	}
	workers := opts.Workers
	if workers <= 0 {
		workers = 1
	}
	logger := opts.Logger
	if logger == nil {
		logger = log.Default()
	}
	handler := opts.Handler
	if handler == nil {
		handler = func(context.Context, WebhookEvent) error { return nil }
	}
	ctx, cancel := context.WithCancel(context.Background())
	q := &NotificationQueue{
		ch:      make(chan WebhookEvent, capacity),
		handler: handler,
		logger:  logger,
		pending: map[string]struct{}{},
		closed:  make(chan struct{}),
		ctx:     ctx,
		cancel:  cancel,
	}
	if !opts.DisableWorkers {
		q.wg.Add(workers)
		for i := 0; i < workers; i++ {
			go func() {
				defer q.wg.Done()
				q.worker()
			}()
		}
	}
	return q
}

func notificationKey(evt WebhookEvent) string {
	return string(evt.Source) + "|" + string(evt.ChangeType) + "|" + evt.ResourceID
}

// TryEnqueue never blocks. It returns ErrQueueFull when the buffer is full.
func (q *NotificationQueue) TryEnqueue(evt WebhookEvent) error {
	if !evt.Source.Valid() {
		return ErrInvalidInput
	}
	select {
	case <-q.closed:
		return ErrQueueFull
	default:
	}
	key := notificationKey(evt)
	q.pendingMu.Lock()
	if _, exists := q.pending[key]; exists {
		q.pendingMu.Unlock()
		q.coalesced.Add(1)
		return nil
	}
	q.pending[key] = struct{}{}
	q.pendingMu.Unlock()

	select {
	case q.ch <- evt:
		q.accepted.Add(1)
		return nil
	default:
	}
	q.pendingMu.Lock()
	delete(q.pending, key)
	q.pendingMu.Unlock()
	q.dropped.Add(1)
	q.logger.Printf("notification queue full, dropping source=%s change=%s resource=%s", evt.Source, evt.ChangeType, evt.ResourceID)
	return ErrQueueFull
}

// dequeue blocks until an event is available or ctx is done.
func (q *NotificationQueue) dequeue(ctx context.Context) (WebhookEvent, bool) {
	select {
	case evt := <-q.ch:
		q.pendingMu.Lock()
		delete(q.pending, notificationKey(evt))
		q.pendingMu.Unlock()
		return evt, true
	case <-ctx.Done():
		return WebhookEvent{}, false
	}
}

func (q *NotificationQueue) worker() {
	for {
		evt, ok := q.dequeue(q.ctx)
		if !ok {
			return
		}
		q.process(evt)
	}
}

func (q *NotificationQueue) process(evt WebhookEvent) {
	if err := q.handler(q.ctx, evt); err != nil {
		q.failed.Add(1)
		q.logger.Printf("notification handling failed source=%s change=%s resource=%s: %v", evt.Source, evt.ChangeType, evt.ResourceID, err)
		return
	}
	q.processed.Add(1)
}

// Drain handles every buffered event on the calling goroutine. It is meant
// for queues built with DisableWorkers.
func (q *NotificationQueue) Drain(ctx context.Context) int {
	n := 0
	for {
		select {
		case <-ctx.Done():
			return n
		default:
		}
		select {
		case evt := <-q.ch:
			q.pendingMu.Lock()
			delete(q.pending, notificationKey(evt))
			q.pendingMu.Unlock()
			q.process(evt)
			n++
		default:
			return n
		}
	}
}

func (q *NotificationQueue) Depth() int {
	return len(q.ch)
}

func (q *NotificationQueue) Capacity() int {
	return cap(q.ch)
}

func (q *NotificationQueue) Stats() NotificationQueueStats {
	return NotificationQueueStats{
		Accepted:  q.accepted.Load(),
		Coalesced: q.coalesced.Load(),
		Dropped:   q.dropped.Load(),
		Processed: q.processed.Load(),
		Failed:    q.failed.Load(),
		Depth:     q.Depth(),
		Capacity:  q.Capacity(),
	}
}

func (q *NotificationQueue) Close() {
	q.closeOnce.Do(func() {
		close(q.closed)
		q.cancel()
		q.wg.Wait()
	})
}
