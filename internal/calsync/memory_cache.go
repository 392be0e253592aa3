package calsync

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"
)

type memorySnapshot struct {
	Events     map[string]CachedRecord      `json:"events"`
	SyncStates map[Source]SourceSyncState   `json:"syncStates"`
	Webhooks   map[string]RegisteredWebhook `json:"webhooks"`
	Hashes     map[string]string            `json:"hashes"`
}

func newMemorySnapshot() *memorySnapshot {
	return &memorySnapshot{
		Events:     map[string]CachedRecord{},
		SyncStates: map[Source]SourceSyncState{},
		Webhooks:   map[string]RegisteredWebhook{},
		Hashes:     map[string]string{},
	}
}

func (s *memorySnapshot) clone() *memorySnapshot {
	out := &memorySnapshot{
		Events:     make(map[string]CachedRecord, len(s.Events)),
		SyncStates: make(map[Source]SourceSyncState, len(s.SyncStates)),
		Webhooks:   make(map[string]RegisteredWebhook, len(s.Webhooks)),
		Hashes:     make(map[string]string, len(s.Hashes)),
	}
	for k, v := range s.Events {
		out.Events[k] = v
	}
	for k, v := range s.SyncStates {
		out.SyncStates[k] = v
	}
	for k, v := range s.Webhooks {
		out.Webhooks[k] = v
	}
	for k, v := range s.Hashes {
		out.Hashes[k] = v
	}
	return out
}

// MemoryCacheStore keeps the cache in memory. With a snapshot path every
// commit is also written atomically to a JSON file; a failed write leaves
// the previous in-memory state in place.
type MemoryCacheStore struct {
	mu    sync.RWMutex
	state *memorySnapshot
	path  string
	clock stampClock
}

func NewMemoryCacheStore() *MemoryCacheStore {
	return &MemoryCacheStore{state: newMemorySnapshot()}
}

func NewJSONFileCacheStore(path string) (*MemoryCacheStore, error) {
	path = strings.TrimSpace(path)
	if path == "" {
		return nil, ErrInvalidInput
	}
	s := &MemoryCacheStore{state: newMemorySnapshot(), path: path}
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return s, nil
		}
		return nil, wrapStorage("load snapshot", err)
	}
	var snapshot memorySnapshot
	if err := json.Unmarshal(data, &snapshot); err != nil {
		return nil, wrapStorage("decode snapshot", err)
	}
	loaded := newMemorySnapshot()
	for k, v := range snapshot.Events {
		loaded.Events[k] = v
	}
	for k, v := range snapshot.SyncStates {
		loaded.SyncStates[k] = v
	}
	for k, v := range snapshot.Webhooks {
		loaded.Webhooks[k] = v
	}
	for k, v := range snapshot.Hashes {
		loaded.Hashes[k] = v
	}
	s.state = loaded
	for _, rec := range loaded.Events {
		if rec.ModifiedAt.After(s.clock.last) {
			s.clock.last = rec.ModifiedAt
		}
	}
	return s, nil
}

// commit runs fn against a copy of the current state and swaps it in only
// once the snapshot (if any) has been persisted.
func (s *MemoryCacheStore) commit(op string, fn func(next *memorySnapshot, now time.Time) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	next := s.state.clone()
	lastStamp := s.clock.last
	if err := fn(next, s.clock.next()); err != nil {
		s.clock.last = lastStamp
		return err
	}
	if err := s.persistLocked(next); err != nil {
		s.clock.last = lastStamp
		return wrapStorage(op, err)
	}
	s.state = next
	return nil
}

func (s *MemoryCacheStore) persistLocked(next *memorySnapshot) error {
	if s.path == "" {
		return nil
	}
	data, err := json.Marshal(next)
	if err != nil {
		return err
	}
	dir := filepath.Dir(s.path)
	if dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return err
		}
	}
	tmp := s.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return err
	}
	return os.Rename(tmp, s.path)
}

// putLocked writes rec into next unless a newer sequence already owns the
// key.
func putLocked(next *memorySnapshot, rec CachedRecord, now time.Time) writeOutcome {
	key := rec.Key().String()
	hash := rec.ContentHash()
	existing, ok := next.Events[key]
	if ok && existing.Seq > rec.Seq {
		return writeSkipped
	}
	rec.ModifiedAt = now
	if ok && existing.Status == rec.Status && next.Hashes[key] == hash {
		rec.ModifiedAt = existing.ModifiedAt
		next.Events[key] = rec
		return writeUnchanged
	}
	next.Events[key] = rec
	next.Hashes[key] = hash
	if !ok || existing.Status == StatusDeleted {
		return writeCreated
	}
	return writeUpdated
}

func tombstoneLocked(next *memorySnapshot, id string, source Source, seq uint64, now time.Time) writeOutcome {
	key := RecordKey{ID: id, Source: source}.String()
	existing, ok := next.Events[key]
	if ok && existing.Seq > seq {
		return writeSkipped
	}
	if !ok {
		existing = CachedRecord{UnifiedEvent: UnifiedEvent{ID: id, Source: source}}
	}
	if ok && existing.Status == StatusDeleted {
		existing.Seq = seq
		next.Events[key] = existing
		return writeUnchanged
	}
	existing.Status = StatusDeleted
	existing.ModifiedAt = now
	existing.Seq = seq
	next.Events[key] = existing
	delete(next.Hashes, key)
	return writeUpdated
}

func (s *MemoryCacheStore) Upsert(ctx context.Context, rec CachedRecord) error {
	return s.UpsertBatch(ctx, []CachedRecord{rec})
}

func (s *MemoryCacheStore) UpsertBatch(ctx context.Context, recs []CachedRecord) error {
	for _, rec := range recs {
		if err := validateRecord(rec); err != nil {
			return err
		}
	}
	return s.commit("upsert batch", func(next *memorySnapshot, now time.Time) error {
		for _, rec := range recs {
			putLocked(next, rec, now)
		}
		return nil
	})
}

func (s *MemoryCacheStore) Apply(ctx context.Context, cs ChangeSet) (ApplyResult, error) {
	if err := validateChangeSet(cs); err != nil {
		return ApplyResult{}, err
	}
	var result ApplyResult
	err := s.commit("apply", func(next *memorySnapshot, now time.Time) error {
		result = ApplyResult{}
		present := make(map[string]struct{}, len(cs.Upserts))
		for _, rec := range cs.Upserts {
			rec.Seq = cs.Seq
			present[rec.ID] = struct{}{}
			result.recordUpsert(rec.ID, putLocked(next, rec, now))
		}
		for _, id := range cs.Deletes {
			result.recordDelete(id, tombstoneLocked(next, id, cs.Source, cs.Seq, now))
		}
		if cs.DeleteMissing {
			var missing []string
			for _, rec := range next.Events {
				if rec.Source != cs.Source || rec.Status != StatusSynced || rec.Seq >= cs.Seq {
					continue
				}
				if !cs.KeepBefore.IsZero() && rec.Start.Before(cs.KeepBefore) {
					continue
				}
				if _, ok := present[rec.ID]; !ok {
					missing = append(missing, rec.ID)
				}
			}
			sort.Strings(missing)
			for _, id := range missing {
				result.recordDelete(id, tombstoneLocked(next, id, cs.Source, cs.Seq, now))
			}
		}
		if cs.State != nil {
			saveSyncStateLocked(next, *cs.State)
		}
		return nil
	})
	if err != nil {
		return ApplyResult{}, err
	}
	return result, nil
}

func saveSyncStateLocked(next *memorySnapshot, state SourceSyncState) {
	if existing, ok := next.SyncStates[state.Source]; ok && existing.Seq > state.Seq {
		return
	}
	state.LastSyncAt = state.LastSyncAt.UTC()
	next.SyncStates[state.Source] = state
}

func (s *MemoryCacheStore) Query(ctx context.Context, q Query) ([]CachedRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]CachedRecord, 0)
	for _, rec := range s.state.Events {
		if q.matches(rec) {
			out = append(out, rec)
		}
	}
	sortByStart(out)
	return out, nil
}

func (s *MemoryCacheStore) Get(ctx context.Context, id string, source Source) (CachedRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rec, ok := s.state.Events[RecordKey{ID: id, Source: source}.String()]
	if !ok {
		return CachedRecord{}, ErrNotFound
	}
	return rec, nil
}

func (s *MemoryCacheStore) MarkDeleted(ctx context.Context, id string, source Source, seq uint64) error {
	if strings.TrimSpace(id) == "" || !source.Valid() {
		return ErrInvalidInput
	}
	return s.commit("mark deleted", func(next *memorySnapshot, now time.Time) error {
		tombstoneLocked(next, id, source, seq, now)
		return nil
	})
}

func (s *MemoryCacheStore) Purge(ctx context.Context, id string, source Source) error {
	return s.commit("purge", func(next *memorySnapshot, now time.Time) error {
		key := RecordKey{ID: id, Source: source}.String()
		delete(next.Events, key)
		delete(next.Hashes, key)
		return nil
	})
}

func (s *MemoryCacheStore) ChangesSince(ctx context.Context, source Source, since time.Time) ([]CachedRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]CachedRecord, 0)
	for _, rec := range s.state.Events {
		if rec.Source == source && rec.ModifiedAt.After(since) {
			out = append(out, rec)
		}
	}
	sortByModified(out)
	return out, nil
}

func (s *MemoryCacheStore) Cleanup(ctx context.Context, olderThan time.Time) (int, error) {
	return s.removeWhere("cleanup", func(rec CachedRecord) bool {
		return rec.Status == StatusSynced && rec.End.Before(olderThan)
	})
}

func (s *MemoryCacheStore) PurgeDeleted(ctx context.Context, olderThan time.Time) (int, error) {
	return s.removeWhere("purge deleted", func(rec CachedRecord) bool {
		return rec.Status == StatusDeleted && rec.ModifiedAt.Before(olderThan)
	})
}

func (s *MemoryCacheStore) removeWhere(op string, pred func(CachedRecord) bool) (int, error) {
	removed := 0
	err := s.commit(op, func(next *memorySnapshot, now time.Time) error {
		removed = 0
		for key, rec := range next.Events {
			if pred(rec) {
				delete(next.Events, key)
				delete(next.Hashes, key)
				removed++
			}
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	return removed, nil
}

func (s *MemoryCacheStore) CountByStatus(ctx context.Context, status SyncStatus) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	count := 0
	for _, rec := range s.state.Events {
		if rec.Status == status {
			count++
		}
	}
	return count, nil
}

func (s *MemoryCacheStore) SyncState(ctx context.Context, source Source) (SourceSyncState, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	state, ok := s.state.SyncStates[source]
	return state, ok, nil
}

func (s *MemoryCacheStore) SaveSyncState(ctx context.Context, state SourceSyncState) error {
	if !state.Source.Valid() {
		return ErrInvalidInput
	}
	return s.commit("save sync state", func(next *memorySnapshot, now time.Time) error {
		saveSyncStateLocked(next, state)
		return nil
	})
}

func (s *MemoryCacheStore) MaxSeq(ctx context.Context, source Source) (uint64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var maxSeq uint64
	for _, rec := range s.state.Events {
		if rec.Source == source && rec.Seq > maxSeq {
			maxSeq = rec.Seq
		}
	}
	if state, ok := s.state.SyncStates[source]; ok && state.Seq > maxSeq {
		maxSeq = state.Seq
	}
	return maxSeq, nil
}

func (s *MemoryCacheStore) SaveWebhook(ctx context.Context, hook RegisteredWebhook) error {
	if strings.TrimSpace(hook.ID) == "" || !hook.Source.Valid() {
		return ErrInvalidInput
	}
	return s.commit("save webhook", func(next *memorySnapshot, now time.Time) error {
		next.Webhooks[hook.ID] = hook
		return nil
	})
}

func (s *MemoryCacheStore) DeleteWebhook(ctx context.Context, id string) error {
	return s.commit("delete webhook", func(next *memorySnapshot, now time.Time) error {
		if _, ok := next.Webhooks[id]; !ok {
			return ErrNotFound
		}
		delete(next.Webhooks, id)
		return nil
	})
}

func (s *MemoryCacheStore) ListWebhooks(ctx context.Context) ([]RegisteredWebhook, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]RegisteredWebhook, 0, len(s.state.Webhooks))
	for _, hook := range s.state.Webhooks {
		out = append(out, hook)
	}
	sortWebhooks(out)
	return out, nil
}

func (s *MemoryCacheStore) Close() error {
	return nil
}
