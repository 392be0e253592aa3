package calsync

import (
	"context"
	"errors"
	"testing"
	"time"
)

type webhookFixture struct {
	store      *MemoryCacheStore
	google     *fakeAdapter
	outlook    *fakeAdapter
	reconciler *recordingReconciler
	clock      *manualClock
	service    *WebhookService
}

func newWebhookFixture(t *testing.T, callbackBase string) *webhookFixture {
	t.Helper()
	f := &webhookFixture{
		store:      NewMemoryCacheStore(),
		google:     newFakeAdapter(SourceGoogle),
		outlook:    newFakeAdapter(SourceOutlook),
		reconciler: &recordingReconciler{},
		clock:      newManualClock(time.Date(2026, 10, 1, 12, 0, 0, 0, time.UTC)),
	}
	service, err := NewWebhookService(WebhookServiceOptions{
		Store:           f.store,
		Adapters:        NewAdapterRegistry(f.google, f.outlook, pollOnlyAdapter{newFakeAdapter(SourceLocal)}),
		Reconciler:      f.reconciler,
		CallbackBaseURL: callbackBase,
		RenewalWindow:   24 * time.Hour,
		Logger:          discardLogger(),
		Now:             f.clock.Now,
		NewClientState:  func() string { return "secret-state" },
	})
	if err != nil {
		t.Fatalf("new webhook service: %v", err)
	}
	f.service = service
	return f
}

func TestWebhookHandleRoutesByChangeType(t *testing.T) {
	f := newWebhookFixture(t, "https://calsync.example.com")
	ctx := context.Background()
	events := []WebhookEvent{
		{Source: SourceOutlook, ChangeType: ChangeCreated, ResourceID: "E1"},
		{Source: SourceOutlook, ChangeType: ChangeUpdated, ResourceID: " E2 "},
		{Source: SourceOutlook, ChangeType: ChangeDeleted, ResourceID: "E3"},
		{Source: SourceGoogle, ChangeType: ChangeUpdated},
		{Source: SourceGoogle, ChangeType: ChangeDeleted},
	}
	for _, evt := range events {
		if err := f.service.Handle(ctx, evt); err != nil {
			t.Fatalf("handle %+v: %v", evt, err)
		}
	}
	if got := f.reconciler.reconcile; len(got) != 2 || got[0] != "outlook/E1" || got[1] != "outlook/E2" {
		t.Fatalf("unexpected reconciles: %v", got)
	}
	if got := f.reconciler.deletes; len(got) != 1 || got[0] != "outlook/E3" {
		t.Fatalf("unexpected deletes: %v", got)
	}
	if got := f.reconciler.polls; len(got) != 2 || got[0] != SourceGoogle {
		t.Fatalf("expected resource-less notifications to poll, got %v", got)
	}

	if err := f.service.Handle(ctx, WebhookEvent{Source: SourceOutlook, ChangeType: "moved"}); !errors.Is(err, ErrMalformedPayload) {
		t.Fatalf("expected malformed change type, got %v", err)
	}
	if err := f.service.Handle(ctx, WebhookEvent{Source: "caldav", ChangeType: ChangeCreated}); !errors.Is(err, ErrUnsupportedSource) {
		t.Fatalf("expected unsupported source, got %v", err)
	}
}

func TestWebhookHandleDeleteEndToEnd(t *testing.T) {
	store := NewMemoryCacheStore()
	adapter := newFakeAdapter(SourceOutlook, testEvent(SourceOutlook, "E1", "sync", orchestratorDay))
	o := newTestOrchestrator(t, store, OrchestratorOptions{}, adapter)
	service, err := NewWebhookService(WebhookServiceOptions{
		Store:      store,
		Adapters:   NewAdapterRegistry(adapter),
		Reconciler: o,
		Logger:     discardLogger(),
	})
	if err != nil {
		t.Fatalf("new webhook service: %v", err)
	}
	ctx := context.Background()
	if _, err := o.FullSync(ctx, SourceOutlook); err != nil {
		t.Fatalf("full sync: %v", err)
	}
	if err := service.Handle(ctx, WebhookEvent{Source: SourceOutlook, ChangeType: ChangeDeleted, ResourceID: "E1"}); err != nil {
		t.Fatalf("handle delete: %v", err)
	}
	if ids := queryIDs(t, store, Query{}); len(ids) != 0 {
		t.Fatalf("expected deleted event hidden, got %v", ids)
	}
	if n, _ := store.CountByStatus(ctx, StatusDeleted); n != 1 {
		t.Fatalf("expected one tombstone, got %d", n)
	}
}

func TestWebhookRegisterIsIdempotent(t *testing.T) {
	f := newWebhookFixture(t, "https://calsync.example.com/")
	ctx := context.Background()
	first, err := f.service.Register(ctx, SourceGoogle)
	if err != nil {
		t.Fatalf("register: %v", err)
	}
	if first.CallbackURL != "https://calsync.example.com/v1/webhooks/google" {
		t.Fatalf("unexpected callback url %q", first.CallbackURL)
	}
	if want := f.clock.Now().Add(7 * 24 * time.Hour); !first.ExpiresAt.Equal(want) {
		t.Fatalf("expected expiry %s, got %s", want, first.ExpiresAt)
	}
	if first.ClientState != "secret-state" || !first.Active {
		t.Fatalf("unexpected registration: %+v", first)
	}
	second, err := f.service.Register(ctx, SourceGoogle)
	if err != nil {
		t.Fatalf("second register: %v", err)
	}
	if second.ID != first.ID || f.google.subscribeCalls != 1 {
		t.Fatalf("expected existing subscription reused, got %s after %d calls", second.ID, f.google.subscribeCalls)
	}

	f.clock.Advance(8 * 24 * time.Hour)
	third, err := f.service.Register(ctx, SourceGoogle)
	if err != nil {
		t.Fatalf("register after expiry: %v", err)
	}
	if third.ID == first.ID || f.google.subscribeCalls != 2 {
		t.Fatalf("expected a fresh subscription after expiry, got %s", third.ID)
	}
}

func TestWebhookRegisterHonoursShorterProviderExpiry(t *testing.T) {
	f := newWebhookFixture(t, "https://calsync.example.com")
	f.outlook.reportExpiry = time.Hour
	hook, err := f.service.Register(context.Background(), SourceOutlook)
	if err != nil {
		t.Fatalf("register: %v", err)
	}
	want := f.clock.Now().Add(3*24*time.Hour - time.Hour)
	if !hook.ExpiresAt.Equal(want) {
		t.Fatalf("expected provider expiry %s, got %s", want, hook.ExpiresAt)
	}
}

func TestWebhookRegisterErrors(t *testing.T) {
	f := newWebhookFixture(t, "https://calsync.example.com")
	ctx := context.Background()
	if _, err := f.service.Register(ctx, SourceLocal); !errors.Is(err, ErrNotImplemented) {
		t.Fatalf("expected local push to be unsupported, got %v", err)
	}
	if _, err := f.service.Register(ctx, Source("caldav")); !errors.Is(err, ErrUnsupportedSource) {
		t.Fatalf("expected unsupported source, got %v", err)
	}

	noBase := newWebhookFixture(t, "")
	if _, err := noBase.service.Register(ctx, SourceGoogle); !errors.Is(err, ErrInvalidInput) {
		t.Fatalf("expected missing callback base to fail, got %v", err)
	}
	if noBase.google.subscribeCalls != 0 {
		t.Fatalf("provider must not be called without a callback base")
	}
}

func TestWebhookRenewDueRenewsOnce(t *testing.T) {
	f := newWebhookFixture(t, "https://calsync.example.com")
	ctx := context.Background()
	now := f.clock.Now()
	if err := f.store.SaveWebhook(ctx, RegisteredWebhook{
		ID:          "chan-1",
		Source:      SourceGoogle,
		CallbackURL: f.service.CallbackURL(SourceGoogle),
		ExpiresAt:   now.Add(12 * time.Hour),
		Active:      true,
		CreatedAt:   now.Add(-6 * 24 * time.Hour),
	}); err != nil {
		t.Fatalf("seed webhook: %v", err)
	}
	if err := f.store.SaveWebhook(ctx, RegisteredWebhook{
		ID:        "sub-far",
		Source:    SourceOutlook,
		ExpiresAt: now.Add(60 * time.Hour),
		Active:    true,
	}); err != nil {
		t.Fatalf("seed webhook: %v", err)
	}

	report, err := f.service.RenewDue(ctx)
	if err != nil {
		t.Fatalf("first sweep: %v", err)
	}
	if report.Checked != 1 || report.Renewed != 1 {
		t.Fatalf("unexpected first report: %+v", report)
	}
	hooks, _ := f.store.ListWebhooks(ctx)
	if !hooks[0].ExpiresAt.Equal(now.Add(7*24*time.Hour)) || !hooks[0].RenewedAt.Equal(now) {
		t.Fatalf("expected renewal to full lifetime, got %+v", hooks[0])
	}

	report, err = f.service.RenewDue(ctx)
	if err != nil {
		t.Fatalf("second sweep: %v", err)
	}
	if report.Checked != 0 || f.google.renewCalls != 1 {
		t.Fatalf("expected second sweep to be a no-op, got %+v after %d renew calls", report, f.google.renewCalls)
	}
	if f.outlook.renewCalls != 0 {
		t.Fatalf("subscription outside the window must not be renewed")
	}
}

func TestWebhookRenewDueReregistersRejectedSubscription(t *testing.T) {
	f := newWebhookFixture(t, "https://calsync.example.com")
	ctx := context.Background()
	if err := f.store.SaveWebhook(ctx, RegisteredWebhook{
		ID:        "stale-sub",
		Source:    SourceOutlook,
		ExpiresAt: f.clock.Now().Add(time.Hour),
		Active:    true,
	}); err != nil {
		t.Fatalf("seed webhook: %v", err)
	}
	f.outlook.renewErr = &ProviderError{Source: SourceOutlook, Op: "renew subscription", StatusCode: 404, Kind: ErrNotFound}

	report, err := f.service.RenewDue(ctx)
	if err != nil {
		t.Fatalf("renew sweep: %v", err)
	}
	if report.Reregistered != 1 || report.Failed != 0 {
		t.Fatalf("unexpected report: %+v", report)
	}
	hooks, _ := f.store.ListWebhooks(ctx)
	if len(hooks) != 1 || hooks[0].ID == "stale-sub" || f.outlook.subscribeCalls != 1 {
		t.Fatalf("expected stale subscription replaced, got %+v", hooks)
	}
}

func TestWebhookRenewDueReportsFailures(t *testing.T) {
	f := newWebhookFixture(t, "https://calsync.example.com")
	ctx := context.Background()
	if err := f.store.SaveWebhook(ctx, RegisteredWebhook{
		ID:        "flaky",
		Source:    SourceGoogle,
		ExpiresAt: f.clock.Now().Add(time.Hour),
		Active:    true,
	}); err != nil {
		t.Fatalf("seed webhook: %v", err)
	}
	f.google.renewErr = &ProviderError{Source: SourceGoogle, Op: "watch", StatusCode: 503, Kind: ErrNetwork}
	report, err := f.service.RenewDue(ctx)
	if !errors.Is(err, ErrNetwork) || report.Failed != 1 {
		t.Fatalf("expected failed renewal, got %+v (%v)", report, err)
	}
	hooks, _ := f.store.ListWebhooks(ctx)
	if len(hooks) != 1 || hooks[0].ID != "flaky" {
		t.Fatalf("transient failure must keep the record, got %+v", hooks)
	}
}

func TestWebhookUnregister(t *testing.T) {
	f := newWebhookFixture(t, "https://calsync.example.com")
	ctx := context.Background()
	if _, err := f.service.Register(ctx, SourceOutlook); err != nil {
		t.Fatalf("register: %v", err)
	}
	removed, err := f.service.Unregister(ctx, SourceOutlook)
	if err != nil || removed != 1 {
		t.Fatalf("expected one removal, got %d (%v)", removed, err)
	}
	if f.outlook.unsubCalls != 1 {
		t.Fatalf("expected provider unsubscribe, got %d calls", f.outlook.unsubCalls)
	}
	hooks, _ := f.service.ListWebhooks(ctx)
	if len(hooks) != 0 {
		t.Fatalf("expected no subscriptions left, got %+v", hooks)
	}
}

func TestVerifyClientState(t *testing.T) {
	f := newWebhookFixture(t, "https://calsync.example.com")
	ctx := context.Background()
	hook, err := f.service.Register(ctx, SourceOutlook)
	if err != nil {
		t.Fatalf("register: %v", err)
	}
	cases := []struct {
		name string
		evt  WebhookEvent
		want error
	}{
		{name: "match", evt: WebhookEvent{Source: SourceOutlook, SubscriptionID: hook.ID, ClientState: "secret-state"}},
		{name: "mismatch", evt: WebhookEvent{Source: SourceOutlook, SubscriptionID: hook.ID, ClientState: "forged"}, want: ErrClientStateMismatch},
		{name: "unknown subscription", evt: WebhookEvent{Source: SourceOutlook, SubscriptionID: "nope", ClientState: "secret-state"}, want: ErrNotFound},
		{name: "wrong source", evt: WebhookEvent{Source: SourceGoogle, SubscriptionID: hook.ID, ClientState: "secret-state"}, want: ErrNotFound},
		{name: "no subscription", evt: WebhookEvent{Source: SourceOutlook}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			err := f.service.VerifyClientState(ctx, tc.evt)
			if tc.want == nil && err != nil {
				t.Fatalf("expected pass, got %v", err)
			}
			if tc.want != nil && !errors.Is(err, tc.want) {
				t.Fatalf("expected %v, got %v", tc.want, err)
			}
		})
	}
}

func TestSubscriptionTTL(t *testing.T) {
	if ttl, ok := SubscriptionTTL(SourceGoogle); !ok || ttl != 7*24*time.Hour {
		t.Fatalf("unexpected google ttl %s", ttl)
	}
	if ttl, ok := SubscriptionTTL(SourceOutlook); !ok || ttl != 72*time.Hour {
		t.Fatalf("unexpected outlook ttl %s", ttl)
	}
	if _, ok := SubscriptionTTL(SourceLocal); ok {
		t.Fatalf("local has no push subscriptions")
	}
}
