package calsync

import (
	"context"
	"errors"
	"fmt"
	"log"
	"strings"
	"sync"
	"time"
)

type SourceState string

const (
	StateIdle    SourceState = "idle"
	StateSyncing SourceState = "syncing"
	StateFailed  SourceState = "failed"
)

type SyncKind string

const (
	SyncFull        SyncKind = "full"
	SyncIncremental SyncKind = "incremental"
	SyncSingle      SyncKind = "single"
	SyncDelete      SyncKind = "delete"
)

type SyncResult struct {
	Source    Source   `json:"source"`
	Kind      SyncKind `json:"kind"`
	Seq       uint64   `json:"seq,omitempty"`
	Upserted  int      `json:"upserted"`
	Unchanged int      `json:"unchanged"`
	Skipped   int      `json:"skipped"`
	Deleted   int      `json:"deleted"`
	FellBack  bool     `json:"fellBack,omitempty"`
	Coalesced bool     `json:"coalesced,omitempty"`
	Error     string   `json:"error,omitempty"`
}

type SourceStatus struct {
	Source              Source      `json:"source"`
	State               SourceState `json:"state"`
	ConsecutiveFailures int         `json:"consecutiveFailures"`
	Degraded            bool        `json:"degraded"`
	LastErrorCode       string      `json:"lastErrorCode,omitempty"`
	LastError           string      `json:"lastError,omitempty"`
	LastAttemptAt       time.Time   `json:"lastAttemptAt,omitempty"`
	LastSyncAt          time.Time   `json:"lastSyncAt,omitempty"`
	HasToken            bool        `json:"hasToken"`
	Seq                 uint64      `json:"seq"`
}

type OrchestratorOptions struct {
	Store    CacheStore
	Adapters *AdapterRegistry
	Feed     *ChangeFeed
	Logger   Logger
	// DegradedThreshold is the number of consecutive failures after which a
	// source is reported degraded.
	DegradedThreshold int
	// FailureBackoff delays the retry of a failed source; triggers inside the
	// window are coalesced. Zero disables it.
	FailureBackoff time.Duration
	OnDegraded     func(source Source, err error)
	OnAuthExpired  func(source Source, err error)
	Now            func() time.Time
}

type sourceRuntime struct {
	state       SourceState
	failures    int
	degraded    bool
	lastErr     error
	lastAttempt time.Time
	seq         uint64
}

// Orchestrator drives full, incremental and single-event syncs between the
// provider adapters and the cache. It allows one sync operation per source
// at a time.
type Orchestrator struct {
	store    CacheStore
	adapters *AdapterRegistry
	feed     *ChangeFeed
	logger   Logger
	now      func() time.Time

	degradedThreshold int
	failureBackoff    time.Duration
	onDegraded        func(Source, error)
	onAuthExpired     func(Source, error)

	mu      sync.Mutex
	sources map[Source]*sourceRuntime
}

func NewOrchestrator(ctx context.Context, opts OrchestratorOptions) (*Orchestrator, error) {
	if opts.Store == nil || opts.Adapters == nil {
		return nil, ErrInvalidInput
	}
	threshold := opts.DegradedThreshold
	if threshold <= 0 {
		threshold = 3
	}
	backoff := opts.FailureBackoff
	if backoff < 0 {
		backoff = 0
	}
	logger := opts.Logger
	if logger == nil {
		logger = log.Default()
	}
	now := opts.Now
	if now == nil {
		now = time.Now
	}
	feed := opts.Feed
	if feed == nil {
		feed = NewChangeFeed()
	}
	o := &Orchestrator{
		store:             opts.Store,
		adapters:          opts.Adapters,
		feed:              feed,
		logger:            logger,
		now:               now,
		degradedThreshold: threshold,
		failureBackoff:    backoff,
		onDegraded:        opts.OnDegraded,
		onAuthExpired:     opts.OnAuthExpired,
		sources:           map[Source]*sourceRuntime{},
	}
	for _, source := range opts.Adapters.Sources() {
		seq, err := opts.Store.MaxSeq(ctx, source)
		if err != nil {
			return nil, fmt.Errorf("load sequence for %s: %w", source, err)
		}
		o.sources[source] = &sourceRuntime{state: StateIdle, seq: seq}
	}
	return o, nil
}

func (o *Orchestrator) Feed() *ChangeFeed {
	return o.feed
}

func (o *Orchestrator) Sources() []Source {
	return o.adapters.Sources()
}

func (o *Orchestrator) runtimeLocked(source Source) *sourceRuntime {
	rt, ok := o.sources[source]
	if !ok {
		rt = &sourceRuntime{state: StateIdle}
		o.sources[source] = rt
	}
	return rt
}

func (o *Orchestrator) nextSeq(source Source) uint64 {
	o.mu.Lock()
	defer o.mu.Unlock()
	rt := o.runtimeLocked(source)
	rt.seq++
	return rt.seq
}

// acquire claims the per-source sync slot. It reports false when another
// sync holds the slot or the failure backoff has not elapsed.
func (o *Orchestrator) acquire(source Source) (uint64, bool) {
	o.mu.Lock()
	defer o.mu.Unlock()
	rt := o.runtimeLocked(source)
	if rt.state == StateSyncing {
		return 0, false
	}
	now := o.now()
	if rt.state == StateFailed && o.failureBackoff > 0 && now.Before(rt.lastAttempt.Add(o.failureBackoff)) {
		return 0, false
	}
	rt.state = StateSyncing
	rt.lastAttempt = now
	rt.seq++
	return rt.seq, true
}

func (o *Orchestrator) release(source Source, err error) {
	var fireDegraded, fireAuth bool
	o.mu.Lock()
	rt := o.runtimeLocked(source)
	switch {
	case err == nil:
		if rt.degraded {
			o.logger.Printf("source recovered source=%s", source)
		}
		rt.state = StateIdle
		rt.failures = 0
		rt.degraded = false
		rt.lastErr = nil
	case errors.Is(err, context.Canceled):
		rt.state = StateIdle
	default:
		rt.state = StateFailed
		fireDegraded = o.countFailureLocked(rt, err)
		fireAuth = errors.Is(err, ErrAuthExpired)
	}
	failures := rt.failures
	o.mu.Unlock()

	o.notifyFailure(source, err, failures, fireDegraded, fireAuth)
}

// countFailureLocked records err against rt and reports whether the source
// just crossed the degraded threshold.
func (o *Orchestrator) countFailureLocked(rt *sourceRuntime, err error) bool {
	rt.failures++
	rt.lastErr = err
	if rt.failures >= o.degradedThreshold && !rt.degraded {
		rt.degraded = true
		return true
	}
	return false
}

func (o *Orchestrator) notifyFailure(source Source, err error, failures int, degraded, auth bool) {
	if degraded {
		o.logger.Printf("source degraded source=%s failures=%d: %v", source, failures, err)
		if o.onDegraded != nil {
			o.onDegraded(source, err)
		}
	}
	if auth && o.onAuthExpired != nil {
		o.onAuthExpired(source, err)
	}
}

func (o *Orchestrator) FullSync(ctx context.Context, source Source) (SyncResult, error) {
	adapter, err := o.adapters.Adapter(source)
	if err != nil {
		return SyncResult{}, err
	}
	seq, ok := o.acquire(source)
	if !ok {
		return SyncResult{Source: source, Kind: SyncFull, Coalesced: true}, nil
	}
	result, err := o.fullSync(ctx, adapter, seq)
	o.release(source, err)
	if err != nil {
		o.logger.Printf("full sync failed source=%s: %v", source, err)
		result.Error = ErrorCode(err)
		return result, err
	}
	return result, nil
}

func (o *Orchestrator) fullSync(ctx context.Context, adapter ProviderAdapter, seq uint64) (SyncResult, error) {
	source := adapter.Source()
	result := SyncResult{Source: source, Kind: SyncFull, Seq: seq}
	fetched, err := adapter.FetchAll(ctx)
	if err != nil {
		return result, err
	}
	token := fetched.Token
	if strings.TrimSpace(token) == "" {
		prior, ok, err := o.store.SyncState(ctx, source)
		if err != nil {
			return result, err
		}
		if ok {
			token = prior.Token
		}
	}
	events := o.dedupe(source, fetched.Events)
	cs := ChangeSet{
		Source:        source,
		Seq:           seq,
		Upserts:       syncedRecords(events),
		DeleteMissing: true,
		KeepBefore:    fetched.CompleteFrom,
		State: &SourceSyncState{
			Source:     source,
			LastSyncAt: o.now().UTC(),
			Token:      token,
			Seq:        seq,
		},
	}
	applied, err := o.store.Apply(ctx, cs)
	if err != nil {
		return result, err
	}
	o.fillResult(&result, applied)
	o.publish(source, seq, applied)
	return result, nil
}

func (o *Orchestrator) IncrementalSync(ctx context.Context, source Source) (SyncResult, error) {
	adapter, err := o.adapters.Adapter(source)
	if err != nil {
		return SyncResult{}, err
	}
	seq, ok := o.acquire(source)
	if !ok {
		return SyncResult{Source: source, Kind: SyncIncremental, Coalesced: true}, nil
	}
	result, err := o.incrementalSync(ctx, adapter, seq)
	o.release(source, err)
	if err != nil {
		o.logger.Printf("incremental sync failed source=%s: %v", source, err)
		result.Error = ErrorCode(err)
		return result, err
	}
	return result, nil
}

func (o *Orchestrator) incrementalSync(ctx context.Context, adapter ProviderAdapter, seq uint64) (SyncResult, error) {
	source := adapter.Source()
	state, ok, err := o.store.SyncState(ctx, source)
	if err != nil {
		return SyncResult{Source: source, Kind: SyncIncremental, Seq: seq}, err
	}
	if !ok || strings.TrimSpace(state.Token) == "" {
		return o.fullSync(ctx, adapter, seq)
	}
	delta, err := adapter.FetchChanged(ctx, state.Token)
	if errors.Is(err, ErrTokenExpired) {
		o.logger.Printf("sync token rejected source=%s, falling back to full sync", source)
		state.Token = ""
		state.Seq = seq
		if saveErr := o.store.SaveSyncState(ctx, state); saveErr != nil {
			return SyncResult{Source: source, Kind: SyncIncremental, Seq: seq}, saveErr
		}
		result, err := o.fullSync(ctx, adapter, seq)
		result.FellBack = true
		return result, err
	}
	result := SyncResult{Source: source, Kind: SyncIncremental, Seq: seq}
	if err != nil {
		return result, err
	}
	token := delta.Token
	if strings.TrimSpace(token) == "" {
		token = state.Token
	}
	cs := ChangeSet{
		Source:  source,
		Seq:     seq,
		Upserts: syncedRecords(o.dedupe(source, delta.Events)),
		Deletes: compactIDs(delta.DeletedIDs),
		State: &SourceSyncState{
			Source:     source,
			LastSyncAt: o.now().UTC(),
			Token:      token,
			Seq:        seq,
		},
	}
	applied, err := o.store.Apply(ctx, cs)
	if err != nil {
		return result, err
	}
	o.fillResult(&result, applied)
	o.publish(source, seq, applied)
	return result, nil
}

// ReconcileSingle refreshes one event from its provider. It does not take
// the per-source slot; ordering against running syncs comes from the
// sequence number drawn here.
func (o *Orchestrator) ReconcileSingle(ctx context.Context, source Source, id string) (SyncResult, error) {
	id = strings.TrimSpace(id)
	if id == "" {
		return SyncResult{}, ErrInvalidInput
	}
	adapter, err := o.adapters.Adapter(source)
	if err != nil {
		return SyncResult{}, err
	}
	seq := o.nextSeq(source)
	result := SyncResult{Source: source, Kind: SyncSingle, Seq: seq}
	event, err := adapter.FetchOne(ctx, id)
	cs := ChangeSet{Source: source, Seq: seq}
	switch {
	case errors.Is(err, ErrNotFound):
		cs.Deletes = []string{id}
	case err != nil:
		o.noteSingleFailure(source, err)
		result.Error = ErrorCode(err)
		return result, err
	default:
		events := o.dedupe(source, []UnifiedEvent{event})
		if len(events) == 0 {
			return result, fmt.Errorf("%w: %s returned an unusable event for %s", ErrInvalidInput, source, id)
		}
		cs.Upserts = syncedRecords(events)
	}
	applied, err := o.store.Apply(ctx, cs)
	if err != nil {
		o.logger.Printf("reconcile failed source=%s id=%s: %v", source, id, err)
		result.Error = ErrorCode(err)
		return result, err
	}
	o.fillResult(&result, applied)
	o.publish(source, seq, applied)
	return result, nil
}

// MarkDeleted tombstones one event without asking the provider.
func (o *Orchestrator) MarkDeleted(ctx context.Context, source Source, id string) (SyncResult, error) {
	id = strings.TrimSpace(id)
	if id == "" {
		return SyncResult{}, ErrInvalidInput
	}
	if !source.Valid() {
		return SyncResult{}, fmt.Errorf("%w: %s", ErrUnsupportedSource, source)
	}
	seq := o.nextSeq(source)
	result := SyncResult{Source: source, Kind: SyncDelete, Seq: seq}
	applied, err := o.store.Apply(ctx, ChangeSet{Source: source, Seq: seq, Deletes: []string{id}})
	if err != nil {
		result.Error = ErrorCode(err)
		return result, err
	}
	o.fillResult(&result, applied)
	o.publish(source, seq, applied)
	return result, nil
}

// noteSingleFailure counts a reconcile fetch failure toward the degraded
// threshold. The sync slot state is left alone.
func (o *Orchestrator) noteSingleFailure(source Source, err error) {
	o.logger.Printf("reconcile fetch failed source=%s: %v", source, err)
	if errors.Is(err, context.Canceled) {
		return
	}
	o.mu.Lock()
	rt := o.runtimeLocked(source)
	degraded := o.countFailureLocked(rt, err)
	failures := rt.failures
	o.mu.Unlock()

	o.notifyFailure(source, err, failures, degraded, errors.Is(err, ErrAuthExpired))
}

// TriggerFullRefresh runs a full sync of every registered source in parallel
// and waits for all of them.
func (o *Orchestrator) TriggerFullRefresh(ctx context.Context) ([]SyncResult, error) {
	return o.fanOut(ctx, o.FullSync)
}

func (o *Orchestrator) TriggerIncrementalRefresh(ctx context.Context, source Source) (SyncResult, error) {
	return o.IncrementalSync(ctx, source)
}

// PollAll runs an incremental sync of every registered source in parallel.
func (o *Orchestrator) PollAll(ctx context.Context) ([]SyncResult, error) {
	return o.fanOut(ctx, o.IncrementalSync)
}

func (o *Orchestrator) fanOut(ctx context.Context, run func(context.Context, Source) (SyncResult, error)) ([]SyncResult, error) {
	sources := o.adapters.Sources()
	results := make([]SyncResult, len(sources))
	errs := make([]error, len(sources))
	var wg sync.WaitGroup
	wg.Add(len(sources))
	for i, source := range sources {
		go func(i int, source Source) {
			defer wg.Done()
			result, err := run(ctx, source)
			result.Source = source
			results[i] = result
			errs[i] = err
		}(i, source)
	}
	wg.Wait()
	return results, errors.Join(errs...)
}

func (o *Orchestrator) SourceStatus(ctx context.Context, source Source) (SourceStatus, error) {
	if _, err := o.adapters.Adapter(source); err != nil {
		return SourceStatus{}, err
	}
	o.mu.Lock()
	rt := *o.runtimeLocked(source)
	o.mu.Unlock()

	status := SourceStatus{
		Source:              source,
		State:               rt.state,
		ConsecutiveFailures: rt.failures,
		Degraded:            rt.degraded,
		LastAttemptAt:       rt.lastAttempt,
		Seq:                 rt.seq,
	}
	if rt.lastErr != nil {
		status.LastErrorCode = ErrorCode(rt.lastErr)
		status.LastError = rt.lastErr.Error()
	}
	state, ok, err := o.store.SyncState(ctx, source)
	if err != nil {
		return status, err
	}
	if ok {
		status.LastSyncAt = state.LastSyncAt
		status.HasToken = strings.TrimSpace(state.Token) != ""
	}
	return status, nil
}

func (o *Orchestrator) Status(ctx context.Context) ([]SourceStatus, error) {
	sources := o.adapters.Sources()
	out := make([]SourceStatus, 0, len(sources))
	for _, source := range sources {
		status, err := o.SourceStatus(ctx, source)
		if err != nil {
			return nil, err
		}
		out = append(out, status)
	}
	return out, nil
}

func (o *Orchestrator) DeletedCount(ctx context.Context) (int, error) {
	return o.store.CountByStatus(ctx, StatusDeleted)
}

func (o *Orchestrator) PendingCount(ctx context.Context) (int, error) {
	return o.store.CountByStatus(ctx, StatusPending)
}

// dedupe normalizes adapter output and keeps one event per id, preferring
// the latest provider UpdatedAt.
func (o *Orchestrator) dedupe(source Source, events []UnifiedEvent) []UnifiedEvent {
	index := make(map[string]int, len(events))
	out := make([]UnifiedEvent, 0, len(events))
	for _, event := range events {
		event.ID = strings.TrimSpace(event.ID)
		if event.ID == "" {
			o.logger.Printf("dropping event without id source=%s", source)
			continue
		}
		if event.Source == "" {
			event.Source = source
		}
		if event.Source != source {
			o.logger.Printf("dropping event id=%s with foreign source=%s from %s", event.ID, event.Source, source)
			continue
		}
		if event.End.Before(event.Start) {
			event.End = event.Start
		}
		if i, ok := index[event.ID]; ok {
			if !event.UpdatedAt.Before(out[i].UpdatedAt) {
				out[i] = event
			}
			continue
		}
		index[event.ID] = len(out)
		out = append(out, event)
	}
	return out
}

func (o *Orchestrator) fillResult(result *SyncResult, applied ApplyResult) {
	result.Upserted = applied.Upserted
	result.Unchanged = applied.Unchanged
	result.Skipped = applied.Skipped
	result.Deleted = len(applied.DeletedIDs)
}

func (o *Orchestrator) publish(source Source, seq uint64, applied ApplyResult) {
	at := o.now().UTC()
	notices := make([]ChangeNotice, 0, len(applied.CreatedIDs)+len(applied.UpdatedIDs)+len(applied.DeletedIDs))
	for _, id := range applied.CreatedIDs {
		notices = append(notices, ChangeNotice{Source: source, ID: id, ChangeType: ChangeCreated, Seq: seq, At: at})
	}
	for _, id := range applied.UpdatedIDs {
		notices = append(notices, ChangeNotice{Source: source, ID: id, ChangeType: ChangeUpdated, Seq: seq, At: at})
	}
	for _, id := range applied.DeletedIDs {
		notices = append(notices, ChangeNotice{Source: source, ID: id, ChangeType: ChangeDeleted, Seq: seq, At: at})
	}
	o.feed.Publish(notices...)
}

func syncedRecords(events []UnifiedEvent) []CachedRecord {
	out := make([]CachedRecord, 0, len(events))
	for _, event := range events {
		out = append(out, CachedRecord{UnifiedEvent: event, Status: StatusSynced})
	}
	return out
}

func compactIDs(ids []string) []string {
	seen := make(map[string]struct{}, len(ids))
	out := make([]string, 0, len(ids))
	for _, id := range ids {
		id = strings.TrimSpace(id)
		if id == "" {
			continue
		}
		if _, ok := seen[id]; ok {
			continue
		}
		seen[id] = struct{}{}
		out = append(out, id)
	}
	return out
}
