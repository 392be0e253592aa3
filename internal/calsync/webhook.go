package calsync

import (
	"context"
	"crypto/subtle"
	"errors"
	"fmt"
	"log"
	"strings"
	"time"

	"github.com/google/uuid"
)

const (
	googleSubscriptionTTL  = 7 * 24 * time.Hour
	outlookSubscriptionTTL = 3 * 24 * time.Hour
	DefaultRenewalWindow   = 24 * time.Hour
)

// SubscriptionTTL is the longest lifetime a provider grants a push
// subscription. Sources without push support report false.
func SubscriptionTTL(source Source) (time.Duration, bool) {
	switch source {
	case SourceGoogle:
		return googleSubscriptionTTL, true
	case SourceOutlook:
		return outlookSubscriptionTTL, true
	default:
		return 0, false
	}
}

// Reconciler is the part of the orchestrator the webhook service drives.
type Reconciler interface {
	ReconcileSingle(ctx context.Context, source Source, id string) (SyncResult, error)
	MarkDeleted(ctx context.Context, source Source, id string) (SyncResult, error)
	IncrementalSync(ctx context.Context, source Source) (SyncResult, error)
}

type WebhookServiceOptions struct {
	Store      CacheStore
	Adapters   *AdapterRegistry
	Reconciler Reconciler
	// CallbackBaseURL is the public base under which /v1/webhooks/{source}
	// is reachable by providers.
	CallbackBaseURL string
	RenewalWindow   time.Duration
	Logger          Logger
	Now             func() time.Time
	NewClientState  func() string
}

type RenewalReport struct {
	Checked      int `json:"checked"`
	Renewed      int `json:"renewed"`
	Reregistered int `json:"reregistered"`
	Failed       int `json:"failed"`
}

type WebhookService struct {
	store          CacheStore
	adapters       *AdapterRegistry
	reconciler     Reconciler
	callbackBase   string
	renewalWindow  time.Duration
	logger         Logger
	now            func() time.Time
	newClientState func() string
}

func NewWebhookService(opts WebhookServiceOptions) (*WebhookService, error) {
	if opts.Store == nil || opts.Adapters == nil || opts.Reconciler == nil {
		return nil, ErrInvalidInput
	}
	window := opts.RenewalWindow
	if window <= 0 {
		window = DefaultRenewalWindow
	}
	logger := opts.Logger
	if logger == nil {
		logger = log.Default()
	}
	now := opts.Now
	if now == nil {
		now = time.Now
	}
	newClientState := opts.NewClientState
	if newClientState == nil {
		newClientState = uuid.NewString
	}
	return &WebhookService{
		store:          opts.Store,
		adapters:       opts.Adapters,
		reconciler:     opts.Reconciler,
		callbackBase:   strings.TrimRight(strings.TrimSpace(opts.CallbackBaseURL), "/"),
		renewalWindow:  window,
		logger:         logger,
		now:            now,
		newClientState: newClientState,
	}, nil
}

func (s *WebhookService) CallbackURL(source Source) string {
	return s.callbackBase + "/v1/webhooks/" + string(source)
}

// Handle reconciles one notification against the cache.
func (s *WebhookService) Handle(ctx context.Context, evt WebhookEvent) error {
	if !evt.Source.Valid() {
		return fmt.Errorf("%w: %s", ErrUnsupportedSource, evt.Source)
	}
	resourceID := strings.TrimSpace(evt.ResourceID)
	var err error
	switch evt.ChangeType {
	case ChangeCreated, ChangeUpdated:
		if resourceID != "" {
			_, err = s.reconciler.ReconcileSingle(ctx, evt.Source, resourceID)
		} else {
			_, err = s.reconciler.IncrementalSync(ctx, evt.Source)
		}
	case ChangeDeleted:
		if resourceID != "" {
			_, err = s.reconciler.MarkDeleted(ctx, evt.Source, resourceID)
		} else {
			_, err = s.reconciler.IncrementalSync(ctx, evt.Source)
		}
	default:
		return fmt.Errorf("%w: change type %q", ErrMalformedPayload, evt.ChangeType)
	}
	return err
}

// VerifyClientState checks the secret echoed with a notification against the
// subscription it names. Notifications that name no subscription pass.
func (s *WebhookService) VerifyClientState(ctx context.Context, evt WebhookEvent) error {
	subscriptionID := strings.TrimSpace(evt.SubscriptionID)
	if subscriptionID == "" {
		return nil
	}
	hooks, err := s.store.ListWebhooks(ctx)
	if err != nil {
		return err
	}
	for _, hook := range hooks {
		if hook.ID != subscriptionID || hook.Source != evt.Source {
			continue
		}
		if hook.ClientState == "" {
			return nil
		}
		if subtle.ConstantTimeCompare([]byte(hook.ClientState), []byte(evt.ClientState)) != 1 {
			return fmt.Errorf("%w: subscription %s", ErrClientStateMismatch, subscriptionID)
		}
		return nil
	}
	return fmt.Errorf("%w: subscription %s", ErrNotFound, subscriptionID)
}

// Register creates a push subscription for source. An active, unexpired
// subscription is returned as is.
func (s *WebhookService) Register(ctx context.Context, source Source) (RegisteredWebhook, error) {
	hooks, err := s.sourceHooks(ctx, source)
	if err != nil {
		return RegisteredWebhook{}, err
	}
	now := s.now().UTC()
	for _, hook := range hooks {
		if hook.Active && hook.ExpiresAt.After(now) {
			return hook, nil
		}
	}
	return s.register(ctx, source)
}

func (s *WebhookService) register(ctx context.Context, source Source) (RegisteredWebhook, error) {
	ttl, ok := SubscriptionTTL(source)
	if !ok {
		return RegisteredWebhook{}, fmt.Errorf("%w: %s push subscriptions", ErrNotImplemented, source)
	}
	sub, err := s.adapters.Subscriber(source)
	if err != nil {
		return RegisteredWebhook{}, err
	}
	if s.callbackBase == "" {
		return RegisteredWebhook{}, fmt.Errorf("%w: callback base url is not configured", ErrInvalidInput)
	}
	now := s.now().UTC()
	req := SubscribeRequest{
		CallbackURL: s.CallbackURL(source),
		ClientState: s.newClientState(),
		ExpiresAt:   now.Add(ttl),
	}
	created, err := sub.Subscribe(ctx, req)
	if err != nil {
		return RegisteredWebhook{}, err
	}
	hook := RegisteredWebhook{
		ID:                 created.ID,
		Source:             source,
		CallbackURL:        req.CallbackURL,
		ExpiresAt:          earliestExpiry(req.ExpiresAt, created.ExpiresAt),
		Active:             true,
		ProviderResourceID: created.ProviderResourceID,
		ClientState:        req.ClientState,
		CreatedAt:          now,
	}
	if err := s.store.SaveWebhook(ctx, hook); err != nil {
		if unsubErr := sub.Unsubscribe(ctx, hook); unsubErr != nil {
			s.logger.Printf("orphaned subscription source=%s id=%s: %v", source, hook.ID, unsubErr)
		}
		return RegisteredWebhook{}, err
	}
	s.logger.Printf("subscription registered source=%s id=%s expires=%s", source, hook.ID, hook.ExpiresAt.Format(time.RFC3339))
	return hook, nil
}

// Unregister cancels every subscription of source with the provider and
// removes the local records. It returns the number removed.
func (s *WebhookService) Unregister(ctx context.Context, source Source) (int, error) {
	sub, err := s.adapters.Subscriber(source)
	if err != nil {
		return 0, err
	}
	hooks, err := s.sourceHooks(ctx, source)
	if err != nil {
		return 0, err
	}
	removed := 0
	var errs []error
	for _, hook := range hooks {
		if err := sub.Unsubscribe(ctx, hook); err != nil && !providerRejected(err) {
			errs = append(errs, err)
			continue
		}
		if err := s.store.DeleteWebhook(ctx, hook.ID); err != nil && !errors.Is(err, ErrNotFound) {
			errs = append(errs, err)
			continue
		}
		removed++
	}
	return removed, errors.Join(errs...)
}

// RenewDue renews every active subscription expiring within the renewal
// window. A subscription the provider no longer knows is replaced.
func (s *WebhookService) RenewDue(ctx context.Context) (RenewalReport, error) {
	hooks, err := s.store.ListWebhooks(ctx)
	if err != nil {
		return RenewalReport{}, err
	}
	var report RenewalReport
	var errs []error
	now := s.now().UTC()
	horizon := now.Add(s.renewalWindow)
	for _, hook := range hooks {
		if !hook.Active || hook.ExpiresAt.After(horizon) {
			continue
		}
		report.Checked++
		replaced, err := s.renew(ctx, hook, now)
		switch {
		case err != nil:
			report.Failed++
			errs = append(errs, err)
			s.logger.Printf("subscription renewal failed source=%s id=%s: %v", hook.Source, hook.ID, err)
		case replaced:
			report.Reregistered++
		default:
			report.Renewed++
		}
	}
	return report, errors.Join(errs...)
}

func (s *WebhookService) renew(ctx context.Context, hook RegisteredWebhook, now time.Time) (bool, error) {
	ttl, ok := SubscriptionTTL(hook.Source)
	if !ok {
		return false, fmt.Errorf("%w: %s push subscriptions", ErrNotImplemented, hook.Source)
	}
	sub, err := s.adapters.Subscriber(hook.Source)
	if err != nil {
		return false, err
	}
	target := now.Add(ttl)
	renewed, err := sub.Renew(ctx, hook, target)
	if providerRejected(err) {
		s.logger.Printf("subscription rejected by provider source=%s id=%s, registering a new one", hook.Source, hook.ID)
		if err := s.store.DeleteWebhook(ctx, hook.ID); err != nil && !errors.Is(err, ErrNotFound) {
			return false, err
		}
		if _, err := s.register(ctx, hook.Source); err != nil {
			return false, err
		}
		return true, nil
	}
	if err != nil {
		return false, err
	}
	next := hook
	next.ExpiresAt = earliestExpiry(target, renewed.ExpiresAt)
	next.RenewedAt = now
	if renewed.ProviderResourceID != "" {
		next.ProviderResourceID = renewed.ProviderResourceID
	}
	if renewed.ID != "" && renewed.ID != hook.ID {
		next.ID = renewed.ID
		if err := s.store.SaveWebhook(ctx, next); err != nil {
			return false, err
		}
		if err := s.store.DeleteWebhook(ctx, hook.ID); err != nil && !errors.Is(err, ErrNotFound) {
			return false, err
		}
		return false, nil
	}
	return false, s.store.SaveWebhook(ctx, next)
}

func (s *WebhookService) ListWebhooks(ctx context.Context) ([]RegisteredWebhook, error) {
	return s.store.ListWebhooks(ctx)
}

func (s *WebhookService) sourceHooks(ctx context.Context, source Source) ([]RegisteredWebhook, error) {
	if !source.Valid() {
		return nil, fmt.Errorf("%w: %s", ErrUnsupportedSource, source)
	}
	hooks, err := s.store.ListWebhooks(ctx)
	if err != nil {
		return nil, err
	}
	out := hooks[:0]
	for _, hook := range hooks {
		if hook.Source == source {
			out = append(out, hook)
		}
	}
	return out, nil
}

func providerRejected(err error) bool {
	return errors.Is(err, ErrNotFound) || errors.Is(err, ErrAuthExpired)
}

func earliestExpiry(requested, reported time.Time) time.Time {
	if reported.IsZero() || reported.After(requested) {
		return requested.UTC()
	}
	return reported.UTC()
}
