package calsync

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"
)

func TestNotificationQueueCoalescesPendingDuplicates(t *testing.T) {
	var mu sync.Mutex
	var handled []WebhookEvent
	q := NewNotificationQueue(NotificationQueueOptions{
		Capacity:       8,
		DisableWorkers: true,
		Logger:         discardLogger(),
		Handler: func(ctx context.Context, evt WebhookEvent) error {
			mu.Lock()
			defer mu.Unlock()
			handled = append(handled, evt)
			return nil
		},
	})
	defer q.Close()

	evt := WebhookEvent{Source: SourceOutlook, ChangeType: ChangeUpdated, ResourceID: "E1"}
	for i := 0; i < 3; i++ {
		if err := q.TryEnqueue(evt); err != nil {
			t.Fatalf("enqueue %d: %v", i, err)
		}
	}
	if err := q.TryEnqueue(WebhookEvent{Source: SourceOutlook, ChangeType: ChangeDeleted, ResourceID: "E1"}); err != nil {
		t.Fatalf("enqueue delete: %v", err)
	}
	if depth := q.Depth(); depth != 2 {
		t.Fatalf("expected two pending events, got %d", depth)
	}
	if n := q.Drain(context.Background()); n != 2 {
		t.Fatalf("expected two drained events, got %d", n)
	}
	// Once handled the key is free again.
	if err := q.TryEnqueue(evt); err != nil {
		t.Fatalf("re-enqueue: %v", err)
	}
	q.Drain(context.Background())

	stats := q.Stats()
	if stats.Accepted != 3 || stats.Coalesced != 2 || stats.Processed != 3 || stats.Depth != 0 {
		t.Fatalf("unexpected stats: %+v", stats)
	}
	if len(handled) != 3 {
		t.Fatalf("expected three handler calls, got %d", len(handled))
	}
}

func TestNotificationQueueRejectsWhenFull(t *testing.T) {
	q := NewNotificationQueue(NotificationQueueOptions{Capacity: 1, DisableWorkers: true, Logger: discardLogger()})
	defer q.Close()
	if err := q.TryEnqueue(WebhookEvent{Source: SourceGoogle, ChangeType: ChangeUpdated, ResourceID: "a"}); err != nil {
		t.Fatalf("first enqueue: %v", err)
	}
	err := q.TryEnqueue(WebhookEvent{Source: SourceGoogle, ChangeType: ChangeUpdated, ResourceID: "b"})
	if !errors.Is(err, ErrQueueFull) {
		t.Fatalf("expected queue full, got %v", err)
	}
	if stats := q.Stats(); stats.Dropped != 1 || stats.Capacity != 1 {
		t.Fatalf("unexpected stats: %+v", stats)
	}
	// The dropped key must not block a later retry.
	q.Drain(context.Background())
	if err := q.TryEnqueue(WebhookEvent{Source: SourceGoogle, ChangeType: ChangeUpdated, ResourceID: "b"}); err != nil {
		t.Fatalf("retry after drain: %v", err)
	}
}

func TestNotificationQueueRejectsInvalidAndClosed(t *testing.T) {
	q := NewNotificationQueue(NotificationQueueOptions{DisableWorkers: true, Logger: discardLogger()})
	if err := q.TryEnqueue(WebhookEvent{Source: "caldav", ChangeType: ChangeCreated}); !errors.Is(err, ErrInvalidInput) {
		t.Fatalf("expected invalid input, got %v", err)
	}
	q.Close()
	q.Close()
	if err := q.TryEnqueue(WebhookEvent{Source: SourceLocal, ChangeType: ChangeCreated}); !errors.Is(err, ErrQueueFull) {
		t.Fatalf("expected closed queue to reject, got %v", err)
	}
}

func TestNotificationQueueWorkersProcessEvents(t *testing.T) {
	done := make(chan WebhookEvent, 4)
	q := NewNotificationQueue(NotificationQueueOptions{
		Capacity: 4,
		Workers:  2,
		Logger:   discardLogger(),
		Handler: func(ctx context.Context, evt WebhookEvent) error {
			done <- evt
			if evt.ResourceID == "bad" {
				return errors.New("boom")
			}
			return nil
		},
	})
	defer q.Close()
	for _, id := range []string{"ok", "bad"} {
		if err := q.TryEnqueue(WebhookEvent{Source: SourceGoogle, ChangeType: ChangeCreated, ResourceID: id}); err != nil {
			t.Fatalf("enqueue %s: %v", id, err)
		}
	}
	for i := 0; i < 2; i++ {
		select {
		case <-done:
		case <-time.After(2 * time.Second):
			t.Fatalf("timed out waiting for worker")
		}
	}
	deadline := time.Now().Add(2 * time.Second)
	for {
		stats := q.Stats()
		if stats.Processed == 1 && stats.Failed == 1 {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("unexpected stats: %+v", stats)
		}
		time.Sleep(5 * time.Millisecond)
	}
}
