package calsync

import (
	"context"
	"fmt"
	"io"
	"log"
	"sort"
	"sync"
	"time"
)

func discardLogger() *log.Logger {
	return log.New(io.Discard, "", 0)
}

// fakeAdapter serves a mutable in-memory calendar. Tokens are "t<n>" where n
// counts successful fetches; FetchChanged hands out the queued delta.
type fakeAdapter struct {
	mu     sync.Mutex
	source Source
	events map[string]UnifiedEvent
	fetchN int

	fetchAllErr error
	changedErr  error
	fetchOneErr error
	delta       *DeltaResult

	fetchAllCalls int
	changedCalls  int

	block   chan struct{}
	started chan struct{}

	subscribeCalls int
	renewCalls     int
	unsubCalls     int
	renewErr       error
	subscribeErr   error
	subscribed     []SubscribeRequest
	reportExpiry   time.Duration
}

func newFakeAdapter(source Source, events ...UnifiedEvent) *fakeAdapter {
	f := &fakeAdapter{source: source, events: map[string]UnifiedEvent{}}
	f.set(events...)
	return f
}

func (f *fakeAdapter) set(events ...UnifiedEvent) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, evt := range events {
		f.events[evt.ID] = evt
	}
}

func (f *fakeAdapter) replace(events ...UnifiedEvent) {
	f.mu.Lock()
	f.events = map[string]UnifiedEvent{}
	f.mu.Unlock()
	f.set(events...)
}

func (f *fakeAdapter) remove(ids ...string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, id := range ids {
		delete(f.events, id)
	}
}

func (f *fakeAdapter) Source() Source { return f.source }

func (f *fakeAdapter) FetchAll(ctx context.Context) (FetchResult, error) {
	f.mu.Lock()
	f.fetchAllCalls++
	block, started := f.block, f.started
	f.mu.Unlock()
	if started != nil {
		started <- struct{}{}
	}
	if block != nil {
		select {
		case <-block:
		case <-ctx.Done():
			return FetchResult{}, ctx.Err()
		}
	}
	if err := ctx.Err(); err != nil {
		return FetchResult{}, err
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	if f.fetchAllErr != nil {
		return FetchResult{}, f.fetchAllErr
	}
	f.fetchN++
	out := make([]UnifiedEvent, 0, len(f.events))
	for _, evt := range f.events {
		out = append(out, evt)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return FetchResult{Events: out, Token: fmt.Sprintf("t%d", f.fetchN)}, nil
}

func (f *fakeAdapter) FetchChanged(ctx context.Context, token string) (DeltaResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.changedCalls++
	if f.changedErr != nil {
		return DeltaResult{}, f.changedErr
	}
	if f.delta == nil {
		return DeltaResult{Token: token}, nil
	}
	delta := *f.delta
	f.delta = nil
	return delta, nil
}

func (f *fakeAdapter) FetchOne(ctx context.Context, id string) (UnifiedEvent, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.fetchOneErr != nil {
		return UnifiedEvent{}, f.fetchOneErr
	}
	evt, ok := f.events[id]
	if !ok {
		return UnifiedEvent{}, &ProviderError{Source: f.source, Op: "get event", StatusCode: 404, Kind: ErrNotFound}
	}
	return evt, nil
}

func (f *fakeAdapter) Subscribe(ctx context.Context, req SubscribeRequest) (Subscription, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.subscribeCalls++
	if f.subscribeErr != nil {
		return Subscription{}, f.subscribeErr
	}
	f.subscribed = append(f.subscribed, req)
	expires := req.ExpiresAt
	if f.reportExpiry > 0 {
		expires = req.ExpiresAt.Add(-f.reportExpiry)
	}
	return Subscription{
		ID:                 fmt.Sprintf("%s-sub-%d", f.source, f.subscribeCalls),
		ProviderResourceID: fmt.Sprintf("%s-res-%d", f.source, f.subscribeCalls),
		ExpiresAt:          expires,
	}, nil
}

func (f *fakeAdapter) Renew(ctx context.Context, hook RegisteredWebhook, expiresAt time.Time) (Subscription, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.renewCalls++
	if f.renewErr != nil {
		return Subscription{}, f.renewErr
	}
	return Subscription{ID: hook.ID, ProviderResourceID: hook.ProviderResourceID, ExpiresAt: expiresAt}, nil
}

func (f *fakeAdapter) Unsubscribe(ctx context.Context, hook RegisteredWebhook) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.unsubCalls++
	return nil
}

// pollOnlyAdapter hides the subscription methods of a fakeAdapter.
type pollOnlyAdapter struct {
	ProviderAdapter
}

type manualClock struct {
	mu  sync.Mutex
	now time.Time
}

func newManualClock(start time.Time) *manualClock {
	return &manualClock{now: start}
}

func (c *manualClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *manualClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

type recordingReconciler struct {
	mu        sync.Mutex
	reconcile []string
	deletes   []string
	polls     []Source
	err       error
}

func (r *recordingReconciler) ReconcileSingle(ctx context.Context, source Source, id string) (SyncResult, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.reconcile = append(r.reconcile, string(source)+"/"+id)
	return SyncResult{Source: source, Kind: SyncSingle}, r.err
}

func (r *recordingReconciler) MarkDeleted(ctx context.Context, source Source, id string) (SyncResult, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.deletes = append(r.deletes, string(source)+"/"+id)
	return SyncResult{Source: source, Kind: SyncDelete}, r.err
}

func (r *recordingReconciler) IncrementalSync(ctx context.Context, source Source) (SyncResult, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.polls = append(r.polls, source)
	return SyncResult{Source: source, Kind: SyncIncremental}, r.err
}
