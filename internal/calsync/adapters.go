package calsync

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"
)

type Logger interface {
	Printf(format string, args ...any)
}

type FetchResult struct {
	Events []UnifiedEvent
	Token  string
	// CompleteFrom is set when Events omits events starting before it. Full
	// sync leaves cached rows in that range for Cleanup.
	CompleteFrom time.Time
}

type DeltaResult struct {
	Token      string
	Events     []UnifiedEvent
	DeletedIDs []string
}

// ProviderAdapter reads events from one calendar source. Adapters never
// touch the cache.
type ProviderAdapter interface {
	Source() Source
	FetchAll(ctx context.Context) (FetchResult, error)
	FetchChanged(ctx context.Context, token string) (DeltaResult, error)
	FetchOne(ctx context.Context, id string) (UnifiedEvent, error)
}

type SubscribeRequest struct {
	CallbackURL string
	ClientState string
	ExpiresAt   time.Time
}

type Subscription struct {
	ID                 string
	ProviderResourceID string
	ExpiresAt          time.Time
}

// SubscriptionAdapter is implemented by sources that support push
// notifications.
type SubscriptionAdapter interface {
	Subscribe(ctx context.Context, req SubscribeRequest) (Subscription, error)
	Renew(ctx context.Context, hook RegisteredWebhook, expiresAt time.Time) (Subscription, error)
	Unsubscribe(ctx context.Context, hook RegisteredWebhook) error
}

// AdapterRegistry maps each source to its adapter.
type AdapterRegistry struct {
	mu       sync.RWMutex
	adapters map[Source]ProviderAdapter
}

func NewAdapterRegistry(adapters ...ProviderAdapter) *AdapterRegistry {
	r := &AdapterRegistry{adapters: map[Source]ProviderAdapter{}}
	for _, adapter := range adapters {
		_ = r.Register(adapter)
	}
	return r
}

func (r *AdapterRegistry) Register(adapter ProviderAdapter) error {
	if adapter == nil {
		return ErrInvalidInput
	}
	source := adapter.Source()
	if !source.Valid() {
		return fmt.Errorf("%w: adapter source %q", ErrUnsupportedSource, source)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.adapters[source] = adapter
	return nil
}

func (r *AdapterRegistry) Adapter(source Source) (ProviderAdapter, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	adapter, ok := r.adapters[source]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnsupportedSource, source)
	}
	return adapter, nil
}

func (r *AdapterRegistry) Subscriber(source Source) (SubscriptionAdapter, error) {
	adapter, err := r.Adapter(source)
	if err != nil {
		return nil, err
	}
	sub, ok := adapter.(SubscriptionAdapter)
	if !ok {
		return nil, fmt.Errorf("%w: %s push subscriptions", ErrNotImplemented, source)
	}
	return sub, nil
}

// Sources returns the registered sources in a stable order.
func (r *AdapterRegistry) Sources() []Source {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Source, 0, len(r.adapters))
	for source := range r.adapters {
		out = append(out, source)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}
