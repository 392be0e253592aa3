package calsync

import (
	"context"
	"sort"
	"time"
)

// CacheStore is the durable home of cached events, per-source sync state and
// webhook subscriptions. Implementations must be safe for concurrent use.
type CacheStore interface {
	Upsert(ctx context.Context, rec CachedRecord) error
	UpsertBatch(ctx context.Context, recs []CachedRecord) error
	Apply(ctx context.Context, cs ChangeSet) (ApplyResult, error)
	Query(ctx context.Context, q Query) ([]CachedRecord, error)
	Get(ctx context.Context, id string, source Source) (CachedRecord, error)
	MarkDeleted(ctx context.Context, id string, source Source, seq uint64) error
	Purge(ctx context.Context, id string, source Source) error
	ChangesSince(ctx context.Context, source Source, since time.Time) ([]CachedRecord, error)
	Cleanup(ctx context.Context, olderThan time.Time) (int, error)
	PurgeDeleted(ctx context.Context, olderThan time.Time) (int, error)
	CountByStatus(ctx context.Context, status SyncStatus) (int, error)

	SyncState(ctx context.Context, source Source) (SourceSyncState, bool, error)
	SaveSyncState(ctx context.Context, state SourceSyncState) error
	MaxSeq(ctx context.Context, source Source) (uint64, error)

	SaveWebhook(ctx context.Context, hook RegisteredWebhook) error
	DeleteWebhook(ctx context.Context, id string) error
	ListWebhooks(ctx context.Context) ([]RegisteredWebhook, error)

	Close() error
}

// ChangeSet is one atomic commit produced by a sync operation.
type ChangeSet struct {
	Source  Source
	Seq     uint64
	Upserts []CachedRecord
	Deletes []string
	// DeleteMissing tombstones every synced record of Source written with a
	// lower sequence and absent from Upserts.
	DeleteMissing bool
	// KeepBefore spares records starting before it from DeleteMissing.
	KeepBefore time.Time
	State      *SourceSyncState
}

// ApplyResult reports what a ChangeSet did. Skipped counts writes discarded
// because a newer sequence already owned the row.
type ApplyResult struct {
	Upserted   int      `json:"upserted"`
	Unchanged  int      `json:"unchanged"`
	Skipped    int      `json:"skipped"`
	CreatedIDs []string `json:"createdIds,omitempty"`
	UpdatedIDs []string `json:"updatedIds,omitempty"`
	DeletedIDs []string `json:"deletedIds,omitempty"`
}

type writeOutcome int

const (
	writeSkipped writeOutcome = iota
	writeUnchanged
	writeCreated
	writeUpdated
)

func (r *ApplyResult) recordUpsert(id string, outcome writeOutcome) {
	switch outcome {
	case writeSkipped:
		r.Skipped++
	case writeUnchanged:
		r.Unchanged++
	case writeCreated:
		r.Upserted++
		r.CreatedIDs = append(r.CreatedIDs, id)
	case writeUpdated:
		r.Upserted++
		r.UpdatedIDs = append(r.UpdatedIDs, id)
	}
}

func (r *ApplyResult) recordDelete(id string, outcome writeOutcome) {
	switch outcome {
	case writeSkipped:
		r.Skipped++
	case writeUnchanged:
		r.Unchanged++
	default:
		r.DeletedIDs = append(r.DeletedIDs, id)
	}
}

type Query struct {
	Source Source
	Start  time.Time
	End    time.Time
}

func (q Query) matches(rec CachedRecord) bool {
	if rec.Status == StatusDeleted {
		return false
	}
	if q.Source != "" && rec.Source != q.Source {
		return false
	}
	if !q.Start.IsZero() && rec.End.Before(q.Start) {
		return false
	}
	if !q.End.IsZero() && rec.Start.After(q.End) {
		return false
	}
	return true
}

func sortByStart(recs []CachedRecord) {
	sort.SliceStable(recs, func(i, j int) bool {
		if !recs[i].Start.Equal(recs[j].Start) {
			return recs[i].Start.Before(recs[j].Start)
		}
		if recs[i].Source != recs[j].Source {
			return recs[i].Source < recs[j].Source
		}
		return recs[i].ID < recs[j].ID
	})
}

func sortByModified(recs []CachedRecord) {
	sort.SliceStable(recs, func(i, j int) bool {
		if !recs[i].ModifiedAt.Equal(recs[j].ModifiedAt) {
			return recs[i].ModifiedAt.Before(recs[j].ModifiedAt)
		}
		return recs[i].ID < recs[j].ID
	})
}

func sortWebhooks(hooks []RegisteredWebhook) {
	sort.SliceStable(hooks, func(i, j int) bool {
		if hooks[i].Source != hooks[j].Source {
			return hooks[i].Source < hooks[j].Source
		}
		return hooks[i].ID < hooks[j].ID
	})
}

func validateChangeSet(cs ChangeSet) error {
	if !cs.Source.Valid() {
		return ErrInvalidInput
	}
	for _, rec := range cs.Upserts {
		if rec.Source != cs.Source {
			return ErrInvalidInput
		}
		if err := validateRecord(rec); err != nil {
			return err
		}
	}
	if cs.State != nil && cs.State.Source != cs.Source {
		return ErrInvalidInput
	}
	return nil
}

func validateRecord(rec CachedRecord) error {
	if err := rec.Validate(); err != nil {
		return err
	}
	if rec.Status == "" {
		return ErrInvalidInput
	}
	if !rec.Status.Valid() {
		return ErrInvalidInput
	}
	return nil
}

// stampClock hands out strictly increasing write instants so ChangesSince
// never loses a write that landed within the same clock tick.
type stampClock struct {
	now  func() time.Time
	last time.Time
}

func (c *stampClock) next() time.Time {
	now := time.Now().UTC()
	if c.now != nil {
		now = c.now().UTC()
	}
	if !now.After(c.last) {
		now = c.last.Add(time.Nanosecond)
	}
	c.last = now
	return now
}
