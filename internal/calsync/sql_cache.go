package calsync

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	_ "github.com/lib/pq"
	_ "modernc.org/sqlite"
)

const (
	sqlEventsTableName    = "calsync_events"
	sqlSyncStateTableName = "calsync_sync_state"
	sqlWebhooksTableName  = "calsync_webhooks"
	sqlOperationTimeout   = 5 * time.Second
)

type sqlOpenFunc func(driverName, dsn string) (*sql.DB, error)

type sqlDialect struct {
	driver      string
	numbered    bool
	rowLock     string
	initQueries []string
}

var (
	sqliteDialect = sqlDialect{
		driver: "sqlite",
		initQueries: []string{
			"PRAGMA busy_timeout = 5000",
			"PRAGMA journal_mode = WAL",
		},
	}
	postgresDialect = sqlDialect{driver: "postgres", numbered: true, rowLock: " FOR UPDATE"}
)

// rebind rewrites ? placeholders into $n for drivers that need numbered ones.
func (d sqlDialect) rebind(query string) string {
	if !d.numbered {
		return query
	}
	var b strings.Builder
	b.Grow(len(query) + 8)
	n := 0
	for _, r := range query {
		if r == '?' {
			n++
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(n))
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

// SQLCacheStore persists the cache in sqlite or postgres. Every write runs in
// one transaction so a failed commit leaves the prior state intact.
type SQLCacheStore struct {
	dsn     string
	dialect sqlDialect
	openDB  sqlOpenFunc

	initOnce sync.Once
	initErr  error
	db       *sql.DB

	// writeMu serializes write transactions so modified_at stamps commit in
	// order. ChangesSince cursors depend on that.
	writeMu sync.Mutex
	clockMu sync.Mutex
	clock   stampClock
}

func NewSQLiteCacheStore(path string) (*SQLCacheStore, error) {
	path = strings.TrimSpace(path)
	if path == "" {
		return nil, ErrInvalidInput
	}
	return &SQLCacheStore{dsn: path, dialect: sqliteDialect, openDB: sql.Open}, nil
}

func NewPostgresCacheStore(dsn string) (*SQLCacheStore, error) {
	dsn = strings.TrimSpace(dsn)
	if dsn == "" {
		return nil, ErrInvalidInput
	}
	return &SQLCacheStore{dsn: dsn, dialect: postgresDialect, openDB: sql.Open}, nil
}

func (s *SQLCacheStore) ensureReady(_ context.Context) error {
	if s == nil {
		return ErrInvalidInput
	}
	s.initOnce.Do(func() {
		db, err := s.openDB(s.dialect.driver, s.dsn)
		if err != nil {
			s.initErr = wrapStorage("open", err)
			return
		}
		if s.dialect.driver == sqliteDialect.driver {
			db.SetMaxOpenConns(1)
		}
		initCtx, cancel := context.WithTimeout(context.Background(), sqlOperationTimeout)
		defer cancel()

		statements := append([]string{}, s.dialect.initQueries...)
		statements = append(statements,
			fmt.Sprintf(`
			CREATE TABLE IF NOT EXISTS %s (
				id TEXT NOT NULL,
				source TEXT NOT NULL,
				title TEXT NOT NULL,
				start_at BIGINT NOT NULL,
				end_at BIGINT NOT NULL,
				all_day INTEGER NOT NULL DEFAULT 0,
				location TEXT NOT NULL DEFAULT '',
				description TEXT NOT NULL DEFAULT '',
				organizer TEXT NOT NULL DEFAULT '',
				calendar_id TEXT NOT NULL DEFAULT '',
				calendar_name TEXT NOT NULL DEFAULT '',
				calendar_color TEXT NOT NULL DEFAULT '',
				updated_at BIGINT NOT NULL DEFAULT 0,
				status TEXT NOT NULL,
				modified_at BIGINT NOT NULL,
				seq BIGINT NOT NULL,
				content_hash TEXT NOT NULL DEFAULT '',
				PRIMARY KEY (id, source)
			)`, quoteIdentifier(sqlEventsTableName)),
			fmt.Sprintf(`CREATE INDEX IF NOT EXISTS %s ON %s (source, modified_at)`,
				quoteIdentifier(sqlEventsTableName+"_modified_idx"), quoteIdentifier(sqlEventsTableName)),
			fmt.Sprintf(`CREATE INDEX IF NOT EXISTS %s ON %s (start_at, end_at)`,
				quoteIdentifier(sqlEventsTableName+"_range_idx"), quoteIdentifier(sqlEventsTableName)),
			fmt.Sprintf(`
			CREATE TABLE IF NOT EXISTS %s (
				source TEXT PRIMARY KEY,
				last_sync_at BIGINT NOT NULL DEFAULT 0,
				token TEXT NOT NULL DEFAULT '',
				seq BIGINT NOT NULL DEFAULT 0
			)`, quoteIdentifier(sqlSyncStateTableName)),
			fmt.Sprintf(`
			CREATE TABLE IF NOT EXISTS %s (
				id TEXT PRIMARY KEY,
				source TEXT NOT NULL,
				callback_url TEXT NOT NULL,
				expires_at BIGINT NOT NULL,
				active INTEGER NOT NULL DEFAULT 1,
				provider_resource_id TEXT NOT NULL DEFAULT '',
				client_state TEXT NOT NULL DEFAULT '',
				created_at BIGINT NOT NULL DEFAULT 0,
				renewed_at BIGINT NOT NULL DEFAULT 0
			)`, quoteIdentifier(sqlWebhooksTableName)),
		)
		for _, stmt := range statements {
			if _, err := db.ExecContext(initCtx, stmt); err != nil {
				_ = db.Close()
				s.initErr = wrapStorage("migrate", err)
				return
			}
		}
		var last int64
		row := db.QueryRowContext(initCtx, fmt.Sprintf("SELECT COALESCE(MAX(modified_at), 0) FROM %s", quoteIdentifier(sqlEventsTableName)))
		if err := row.Scan(&last); err != nil {
			_ = db.Close()
			s.initErr = wrapStorage("load clock", err)
			return
		}
		s.clock.last = timeFromUnixNano(last)
		s.db = db
	})
	return s.initErr
}

// withTx runs fn in a transaction and rolls back on any error.
func (s *SQLCacheStore) withTx(ctx context.Context, op string, fn func(tx *sql.Tx, now time.Time) error) error {
	if err := s.ensureReady(ctx); err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(ctx, sqlOperationTimeout)
	defer cancel()

	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return wrapStorage(op, err)
	}
	committed := false
	defer func() {
		if !committed {
			_ = tx.Rollback()
		}
	}()

	s.clockMu.Lock()
	lastStamp := s.clock.last
	now := s.clock.next()
	s.clockMu.Unlock()

	if err := fn(tx, now); err != nil {
		s.rewindClock(lastStamp, now)
		return wrapStorage(op, err)
	}
	if err := tx.Commit(); err != nil {
		s.rewindClock(lastStamp, now)
		return wrapStorage(op, err)
	}
	committed = true
	return nil
}

func (s *SQLCacheStore) rewindClock(previous, issued time.Time) {
	s.clockMu.Lock()
	defer s.clockMu.Unlock()
	if s.clock.last.Equal(issued) {
		s.clock.last = previous
	}
}

type storedRow struct {
	seq    uint64
	status SyncStatus
	hash   string
}

func (s *SQLCacheStore) loadRow(ctx context.Context, tx *sql.Tx, id string, source Source) (storedRow, bool, error) {
	query := s.dialect.rebind(fmt.Sprintf(
		"SELECT seq, status, content_hash FROM %s WHERE id = ? AND source = ?%s",
		quoteIdentifier(sqlEventsTableName), s.dialect.rowLock))
	var row storedRow
	var seq int64
	var status string
	err := tx.QueryRowContext(ctx, query, id, string(source)).Scan(&seq, &status, &row.hash)
	if errors.Is(err, sql.ErrNoRows) {
		return storedRow{}, false, nil
	}
	if err != nil {
		return storedRow{}, false, err
	}
	row.seq = uint64(seq)
	row.status = SyncStatus(status)
	return row, true, nil
}

// putRow mirrors putLocked in the memory store.
func (s *SQLCacheStore) putRow(ctx context.Context, tx *sql.Tx, rec CachedRecord, now time.Time) (writeOutcome, error) {
	existing, ok, err := s.loadRow(ctx, tx, rec.ID, rec.Source)
	if err != nil {
		return writeSkipped, err
	}
	if ok && existing.seq > rec.Seq {
		return writeSkipped, nil
	}
	hash := rec.ContentHash()
	if ok && existing.status == rec.Status && existing.hash == hash {
		query := s.dialect.rebind(fmt.Sprintf(
			"UPDATE %s SET seq = ? WHERE id = ? AND source = ? AND seq <= ?",
			quoteIdentifier(sqlEventsTableName)))
			res, err := tx.ExecContext(ctx, query, int64(rec.Seq), rec.ID, string(rec.Source), int64(rec.Seq))
		if err != nil {
			return writeSkipped, err
		}
		return guardedOutcome(res, writeUnchanged)
	}
	table := quoteIdentifier(sqlEventsTableName)
	query := s.dialect.rebind(fmt.Sprintf(`
		INSERT INTO %s (id, source, title, start_at, end_at, all_day, location, description, organizer,
			calendar_id, calendar_name, calendar_color, updated_at, status, modified_at, seq, content_hash)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (id, source) DO UPDATE SET
			title = excluded.title,
			start_at = excluded.start_at,
			end_at = excluded.end_at,
			all_day = excluded.all_day,
			location = excluded.location,
			description = excluded.description,
			organizer = excluded.organizer,
			calendar_id = excluded.calendar_id,
			calendar_name = excluded.calendar_name,
			calendar_color = excluded.calendar_color,
			updated_at = excluded.updated_at,
			status = excluded.status,
			modified_at = excluded.modified_at,
			seq = excluded.seq,
			content_hash = excluded.content_hash
		WHERE %s.seq <= excluded.seq`, table, table))
	res, err := tx.ExecContext(ctx, query,
		rec.ID, string(rec.Source), rec.Title,
		unixNanoOrZero(rec.Start), unixNanoOrZero(rec.End), boolToInt(rec.AllDay),
		rec.Location, rec.Description, rec.Organizer,
		rec.CalendarID, rec.CalendarName, rec.CalendarColor,
		unixNanoOrZero(rec.UpdatedAt), string(rec.Status), now.UnixNano(), int64(rec.Seq), hash,
	)
	if err != nil {
		return writeSkipped, err
	}
	if !ok || existing.status == StatusDeleted {
		return guardedOutcome(res, writeCreated)
	}
	return guardedOutcome(res, writeUpdated)
}

// tombstoneRow writes a deletion for id. Every statement repeats the seq
// guard so a higher sequence committed by a concurrent transaction wins.
func (s *SQLCacheStore) tombstoneRow(ctx context.Context, tx *sql.Tx, id string, source Source, seq uint64, now time.Time) (writeOutcome, error) {
	existing, ok, err := s.loadRow(ctx, tx, id, source)
	if err != nil {
		return writeSkipped, err
	}
	if ok && existing.seq > seq {
		return writeSkipped, nil
	}
	table := quoteIdentifier(sqlEventsTableName)
	if !ok {
		query := s.dialect.rebind(fmt.Sprintf(`
			INSERT INTO %s (id, source, title, start_at, end_at, status, modified_at, seq)
			VALUES (?, ?, '', 0, 0, ?, ?, ?)
			ON CONFLICT (id, source) DO UPDATE SET
				status = excluded.status,
				modified_at = excluded.modified_at,
				seq = excluded.seq,
				content_hash = ''
			WHERE %s.seq <= excluded.seq`, table, table))
		res, err := tx.ExecContext(ctx, query, id, string(source), string(StatusDeleted), now.UnixNano(), int64(seq))
		if err != nil {
			return writeSkipped, err
		}
		return guardedOutcome(res, writeUpdated)
	}
	if existing.status == StatusDeleted {
		query := s.dialect.rebind(fmt.Sprintf(
			"UPDATE %s SET seq = ? WHERE id = ? AND source = ? AND seq < ?", table))
		if _, err := tx.ExecContext(ctx, query, int64(seq), id, string(source), int64(seq)); err != nil {
			return writeSkipped, err
		}
		return writeUnchanged, nil
	}
	query := s.dialect.rebind(fmt.Sprintf(
		"UPDATE %s SET status = ?, modified_at = ?, seq = ?, content_hash = '' WHERE id = ? AND source = ? AND seq <= ?", table))
	res, err := tx.ExecContext(ctx, query, string(StatusDeleted), now.UnixNano(), int64(seq), id, string(source), int64(seq))
	if err != nil {
		return writeSkipped, err
	}
	return guardedOutcome(res, writeUpdated)
}

// guardedOutcome reports writeSkipped when a seq guard matched no row.
func guardedOutcome(res sql.Result, outcome writeOutcome) (writeOutcome, error) {
	n, err := res.RowsAffected()
	if err != nil {
		return writeSkipped, err
	}
	if n == 0 {
		return writeSkipped, nil
	}
	return outcome, nil
}

func (s *SQLCacheStore) saveSyncStateTx(ctx context.Context, tx *sql.Tx, state SourceSyncState) error {
	table := quoteIdentifier(sqlSyncStateTableName)
	query := s.dialect.rebind(fmt.Sprintf(`
		INSERT INTO %s (source, last_sync_at, token, seq)
		VALUES (?, ?, ?, ?)
		ON CONFLICT (source) DO UPDATE SET
			last_sync_at = excluded.last_sync_at,
			token = excluded.token,
			seq = excluded.seq
		WHERE %s.seq <= excluded.seq`, table, table))
	_, err := tx.ExecContext(ctx, query, string(state.Source), unixNanoOrZero(state.LastSyncAt), state.Token, int64(state.Seq))
	return err
}

func (s *SQLCacheStore) Upsert(ctx context.Context, rec CachedRecord) error {
	return s.UpsertBatch(ctx, []CachedRecord{rec})
}

func (s *SQLCacheStore) UpsertBatch(ctx context.Context, recs []CachedRecord) error {
	for _, rec := range recs {
		if err := validateRecord(rec); err != nil {
			return err
		}
	}
	return s.withTx(ctx, "upsert batch", func(tx *sql.Tx, now time.Time) error {
		for _, rec := range recs {
			if _, err := s.putRow(ctx, tx, rec, now); err != nil {
				return err
			}
		}
		return nil
	})
}

func (s *SQLCacheStore) Apply(ctx context.Context, cs ChangeSet) (ApplyResult, error) {
	if err := validateChangeSet(cs); err != nil {
		return ApplyResult{}, err
	}
	var result ApplyResult
	err := s.withTx(ctx, "apply", func(tx *sql.Tx, now time.Time) error {
		result = ApplyResult{}
		present := make(map[string]struct{}, len(cs.Upserts))
		for _, rec := range cs.Upserts {
			rec.Seq = cs.Seq
			present[rec.ID] = struct{}{}
			outcome, err := s.putRow(ctx, tx, rec, now)
			if err != nil {
				return err
			}
			result.recordUpsert(rec.ID, outcome)
		}
		for _, id := range cs.Deletes {
			outcome, err := s.tombstoneRow(ctx, tx, id, cs.Source, cs.Seq, now)
			if err != nil {
				return err
			}
			result.recordDelete(id, outcome)
		}
		if cs.DeleteMissing {
			missing, err := s.staleSyncedIDs(ctx, tx, cs.Source, cs.Seq, cs.KeepBefore, present)
			if err != nil {
				return err
			}
			for _, id := range missing {
				outcome, err := s.tombstoneRow(ctx, tx, id, cs.Source, cs.Seq, now)
				if err != nil {
					return err
				}
				result.recordDelete(id, outcome)
			}
		}
		if cs.State != nil {
			if err := s.saveSyncStateTx(ctx, tx, *cs.State); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return ApplyResult{}, err
	}
	return result, nil
}

func (s *SQLCacheStore) staleSyncedIDs(ctx context.Context, tx *sql.Tx, source Source, seq uint64, keepBefore time.Time, present map[string]struct{}) ([]string, error) {
	query := fmt.Sprintf(
		"SELECT id FROM %s WHERE source = ? AND status = ? AND seq < ?",
		quoteIdentifier(sqlEventsTableName))
	args := []any{string(source), string(StatusSynced), int64(seq)}
	if !keepBefore.IsZero() {
		query += " AND start_at >= ?"
		args = append(args, keepBefore.UTC().UnixNano())
	}
	rows, err := tx.QueryContext(ctx, s.dialect.rebind(query+" ORDER BY id"), args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		if _, ok := present[id]; !ok {
			ids = append(ids, id)
		}
	}
	return ids, rows.Err()
}

const sqlRecordColumns = `id, source, title, start_at, end_at, all_day, location, description, organizer,
	calendar_id, calendar_name, calendar_color, updated_at, status, modified_at, seq`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRecord(row rowScanner) (CachedRecord, error) {
	var rec CachedRecord
	var source, status string
	var start, end, updated, modified, seq int64
	var allDay int
	err := row.Scan(&rec.ID, &source, &rec.Title, &start, &end, &allDay,
		&rec.Location, &rec.Description, &rec.Organizer,
		&rec.CalendarID, &rec.CalendarName, &rec.CalendarColor,
		&updated, &status, &modified, &seq)
	if err != nil {
		return CachedRecord{}, err
	}
	rec.Source = Source(source)
	rec.Start = timeFromUnixNano(start)
	rec.End = timeFromUnixNano(end)
	rec.AllDay = allDay != 0
	rec.UpdatedAt = timeFromUnixNano(updated)
	rec.Status = SyncStatus(status)
	rec.ModifiedAt = timeFromUnixNano(modified)
	rec.Seq = uint64(seq)
	return rec, nil
}

func (s *SQLCacheStore) queryRecords(ctx context.Context, op, query string, args ...any) ([]CachedRecord, error) {
	if err := s.ensureReady(ctx); err != nil {
		return nil, err
	}
	ctx, cancel := context.WithTimeout(ctx, sqlOperationTimeout)
	defer cancel()
	rows, err := s.db.QueryContext(ctx, s.dialect.rebind(query), args...)
	if err != nil {
		return nil, wrapStorage(op, err)
	}
	defer rows.Close()
	out := make([]CachedRecord, 0)
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, wrapStorage(op, err)
		}
		out = append(out, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, wrapStorage(op, err)
	}
	return out, nil
}

func (s *SQLCacheStore) Query(ctx context.Context, q Query) ([]CachedRecord, error) {
	query := fmt.Sprintf("SELECT %s FROM %s WHERE status <> ?", sqlRecordColumns, quoteIdentifier(sqlEventsTableName))
	args := []any{string(StatusDeleted)}
	if q.Source != "" {
		query += " AND source = ?"
		args = append(args, string(q.Source))
	}
	if !q.Start.IsZero() {
		query += " AND end_at >= ?"
		args = append(args, q.Start.UTC().UnixNano())
	}
	if !q.End.IsZero() {
		query += " AND start_at <= ?"
		args = append(args, q.End.UTC().UnixNano())
	}
	query += " ORDER BY start_at ASC, source ASC, id ASC"
	return s.queryRecords(ctx, "query", query, args...)
}

func (s *SQLCacheStore) Get(ctx context.Context, id string, source Source) (CachedRecord, error) {
	recs, err := s.queryRecords(ctx, "get",
		fmt.Sprintf("SELECT %s FROM %s WHERE id = ? AND source = ?", sqlRecordColumns, quoteIdentifier(sqlEventsTableName)),
		id, string(source))
	if err != nil {
		return CachedRecord{}, err
	}
	if len(recs) == 0 {
		return CachedRecord{}, ErrNotFound
	}
	return recs[0], nil
}

func (s *SQLCacheStore) MarkDeleted(ctx context.Context, id string, source Source, seq uint64) error {
	if strings.TrimSpace(id) == "" || !source.Valid() {
		return ErrInvalidInput
	}
	return s.withTx(ctx, "mark deleted", func(tx *sql.Tx, now time.Time) error {
		_, err := s.tombstoneRow(ctx, tx, id, source, seq, now)
		return err
	})
}

func (s *SQLCacheStore) Purge(ctx context.Context, id string, source Source) error {
	return s.withTx(ctx, "purge", func(tx *sql.Tx, now time.Time) error {
		query := s.dialect.rebind(fmt.Sprintf("DELETE FROM %s WHERE id = ? AND source = ?", quoteIdentifier(sqlEventsTableName)))
		_, err := tx.ExecContext(ctx, query, id, string(source))
		return err
	})
}

func (s *SQLCacheStore) ChangesSince(ctx context.Context, source Source, since time.Time) ([]CachedRecord, error) {
	return s.queryRecords(ctx, "changes since",
		fmt.Sprintf("SELECT %s FROM %s WHERE source = ? AND modified_at > ? ORDER BY modified_at ASC, id ASC",
			sqlRecordColumns, quoteIdentifier(sqlEventsTableName)),
		string(source), unixNanoOrZero(since))
}

func (s *SQLCacheStore) Cleanup(ctx context.Context, olderThan time.Time) (int, error) {
	return s.deleteWhere(ctx, "cleanup", "status = ? AND end_at < ?", string(StatusSynced), olderThan.UTC().UnixNano())
}

func (s *SQLCacheStore) PurgeDeleted(ctx context.Context, olderThan time.Time) (int, error) {
	return s.deleteWhere(ctx, "purge deleted", "status = ? AND modified_at < ?", string(StatusDeleted), olderThan.UTC().UnixNano())
}

func (s *SQLCacheStore) deleteWhere(ctx context.Context, op, where string, args ...any) (int, error) {
	var removed int64
	err := s.withTx(ctx, op, func(tx *sql.Tx, now time.Time) error {
		query := s.dialect.rebind(fmt.Sprintf("DELETE FROM %s WHERE %s", quoteIdentifier(sqlEventsTableName), where))
		res, err := tx.ExecContext(ctx, query, args...)
		if err != nil {
			return err
		}
		removed, err = res.RowsAffected()
		return err
	})
	if err != nil {
		return 0, err
	}
	return int(removed), nil
}

func (s *SQLCacheStore) CountByStatus(ctx context.Context, status SyncStatus) (int, error) {
	if err := s.ensureReady(ctx); err != nil {
		return 0, err
	}
	ctx, cancel := context.WithTimeout(ctx, sqlOperationTimeout)
	defer cancel()
	query := s.dialect.rebind(fmt.Sprintf("SELECT COUNT(*) FROM %s WHERE status = ?", quoteIdentifier(sqlEventsTableName)))
	var count int
	if err := s.db.QueryRowContext(ctx, query, string(status)).Scan(&count); err != nil {
		return 0, wrapStorage("count by status", err)
	}
	return count, nil
}

func (s *SQLCacheStore) SyncState(ctx context.Context, source Source) (SourceSyncState, bool, error) {
	if err := s.ensureReady(ctx); err != nil {
		return SourceSyncState{}, false, err
	}
	ctx, cancel := context.WithTimeout(ctx, sqlOperationTimeout)
	defer cancel()
	query := s.dialect.rebind(fmt.Sprintf(
		"SELECT last_sync_at, token, seq FROM %s WHERE source = ?", quoteIdentifier(sqlSyncStateTableName)))
	var lastSync, seq int64
	var token string
	err := s.db.QueryRowContext(ctx, query, string(source)).Scan(&lastSync, &token, &seq)
	if errors.Is(err, sql.ErrNoRows) {
		return SourceSyncState{}, false, nil
	}
	if err != nil {
		return SourceSyncState{}, false, wrapStorage("sync state", err)
	}
	return SourceSyncState{
		Source:     source,
		LastSyncAt: timeFromUnixNano(lastSync),
		Token:      token,
		Seq:        uint64(seq),
	}, true, nil
}

func (s *SQLCacheStore) SaveSyncState(ctx context.Context, state SourceSyncState) error {
	if !state.Source.Valid() {
		return ErrInvalidInput
	}
	return s.withTx(ctx, "save sync state", func(tx *sql.Tx, now time.Time) error {
		return s.saveSyncStateTx(ctx, tx, state)
	})
}

func (s *SQLCacheStore) MaxSeq(ctx context.Context, source Source) (uint64, error) {
	if err := s.ensureReady(ctx); err != nil {
		return 0, err
	}
	ctx, cancel := context.WithTimeout(ctx, sqlOperationTimeout)
	defer cancel()
	var eventsMax, stateMax int64
	query := s.dialect.rebind(fmt.Sprintf("SELECT COALESCE(MAX(seq), 0) FROM %s WHERE source = ?", quoteIdentifier(sqlEventsTableName)))
	if err := s.db.QueryRowContext(ctx, query, string(source)).Scan(&eventsMax); err != nil {
		return 0, wrapStorage("max seq", err)
	}
	query = s.dialect.rebind(fmt.Sprintf("SELECT COALESCE(MAX(seq), 0) FROM %s WHERE source = ?", quoteIdentifier(sqlSyncStateTableName)))
	if err := s.db.QueryRowContext(ctx, query, string(source)).Scan(&stateMax); err != nil {
		return 0, wrapStorage("max seq", err)
	}
	if stateMax > eventsMax {
		return uint64(stateMax), nil
	}
	return uint64(eventsMax), nil
}

func (s *SQLCacheStore) SaveWebhook(ctx context.Context, hook RegisteredWebhook) error {
	if strings.TrimSpace(hook.ID) == "" || !hook.Source.Valid() {
		return ErrInvalidInput
	}
	return s.withTx(ctx, "save webhook", func(tx *sql.Tx, now time.Time) error {
		query := s.dialect.rebind(fmt.Sprintf(`
			INSERT INTO %s (id, source, callback_url, expires_at, active, provider_resource_id, client_state, created_at, renewed_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
			ON CONFLICT (id) DO UPDATE SET
				source = excluded.source,
				callback_url = excluded.callback_url,
				expires_at = excluded.expires_at,
				active = excluded.active,
				provider_resource_id = excluded.provider_resource_id,
				client_state = excluded.client_state,
				created_at = excluded.created_at,
				renewed_at = excluded.renewed_at`, quoteIdentifier(sqlWebhooksTableName)))
		_, err := tx.ExecContext(ctx, query,
			hook.ID, string(hook.Source), hook.CallbackURL, unixNanoOrZero(hook.ExpiresAt), boolToInt(hook.Active),
			hook.ProviderResourceID, hook.ClientState, unixNanoOrZero(hook.CreatedAt), unixNanoOrZero(hook.RenewedAt))
		return err
	})
}

func (s *SQLCacheStore) DeleteWebhook(ctx context.Context, id string) error {
	return s.withTx(ctx, "delete webhook", func(tx *sql.Tx, now time.Time) error {
		query := s.dialect.rebind(fmt.Sprintf("DELETE FROM %s WHERE id = ?", quoteIdentifier(sqlWebhooksTableName)))
		res, err := tx.ExecContext(ctx, query, id)
		if err != nil {
			return err
		}
		n, err := res.RowsAffected()
		if err != nil {
			return err
		}
		if n == 0 {
			return ErrNotFound
		}
		return nil
	})
}

func (s *SQLCacheStore) ListWebhooks(ctx context.Context) ([]RegisteredWebhook, error) {
	if err := s.ensureReady(ctx); err != nil {
		return nil, err
	}
	ctx, cancel := context.WithTimeout(ctx, sqlOperationTimeout)
	defer cancel()
	query := fmt.Sprintf(`
		SELECT id, source, callback_url, expires_at, active, provider_resource_id, client_state, created_at, renewed_at
		FROM %s ORDER BY source, id`, quoteIdentifier(sqlWebhooksTableName))
	rows, err := s.db.QueryContext(ctx, query)
	if err != nil {
		return nil, wrapStorage("list webhooks", err)
	}
	defer rows.Close()
	out := make([]RegisteredWebhook, 0)
	for rows.Next() {
		var hook RegisteredWebhook
		var source string
		var expires, created, renewed int64
		var active int
		if err := rows.Scan(&hook.ID, &source, &hook.CallbackURL, &expires, &active,
			&hook.ProviderResourceID, &hook.ClientState, &created, &renewed); err != nil {
			return nil, wrapStorage("list webhooks", err)
		}
		hook.Source = Source(source)
		hook.ExpiresAt = timeFromUnixNano(expires)
		hook.Active = active != 0
		hook.CreatedAt = timeFromUnixNano(created)
		hook.RenewedAt = timeFromUnixNano(renewed)
		out = append(out, hook)
	}
	if err := rows.Err(); err != nil {
		return nil, wrapStorage("list webhooks", err)
	}
	return out, nil
}

func (s *SQLCacheStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func quoteIdentifier(identifier string) string {
	identifier = strings.TrimSpace(identifier)
	if identifier == "" {
		return "\"\""
	}
	return `"` + strings.ReplaceAll(identifier, `"`, `""`) + `"`
}

func boolToInt(v bool) int {
	if v {
		return 1
	}
	return 0
}
