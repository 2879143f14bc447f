package changelog

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"sync/atomic"
	"time"

	"github.com/doug-martin/goqu/v9"
	"github.com/rs/zerolog/log"

	_ "github.com/doug-martin/goqu/v9/dialect/sqlite3"
	_ "github.com/mattn/go-sqlite3"
)

var (
	// ErrStoreClosed is returned by all operations after Close.
	ErrStoreClosed = errors.New("change log store is closed")

	// ErrCursorRegression is returned when AdvanceCursor would move a cursor
	// backwards. Cursors are monotonically non-decreasing.
	ErrCursorRegression = errors.New("cursor advance would regress")
)

const (
	tableChangeLog = "change_log"
	tableCursors   = "publish_cursors"

	defaultBusyTimeoutMS = 5000
	defaultReadLimit     = 100
)

var dialect = goqu.Dialect("sqlite3")

var storeSchemas = []string{
	`CREATE TABLE IF NOT EXISTS change_log (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		entity_table TEXT NOT NULL,
		operation TEXT NOT NULL,
		record_id TEXT NOT NULL,
		before_state BLOB,
		after_state BLOB,
		actor_id TEXT NOT NULL DEFAULT '',
		occurred_at INTEGER NOT NULL,
		processed INTEGER NOT NULL DEFAULT 0
	)`,
	`CREATE INDEX IF NOT EXISTS idx_change_log_unprocessed
		ON change_log(processed, id)`,
	`CREATE TABLE IF NOT EXISTS publish_cursors (
		consumer_group TEXT NOT NULL,
		entity_table TEXT NOT NULL,
		last_id INTEGER NOT NULL,
		updated_at INTEGER NOT NULL,
		PRIMARY KEY (consumer_group, entity_table)
	)`,
}

// Store is the SQLite-backed change log: the append-only source of truth for
// captured mutations plus the persisted publish cursors. It shares the
// database file with the watched tables so trigger capture commits in the
// same transaction as the mutation it records.
type Store struct {
	writeDB *sql.DB
	readDB  *sql.DB
	path    string
	closed  atomic.Bool
}

// StoreStats summarizes change log state for the status surface.
type StoreStats struct {
	Pending   int64 `json:"pending"`
	Processed int64 `json:"processed"`
	MaxID     int64 `json:"max_id"`
}

// NewStore opens (or creates) a change log store at path. The write side is
// pinned to a single connection; reads go through a small pool.
func NewStore(path string, busyTimeoutMS int) (*Store, error) {
	if busyTimeoutMS <= 0 {
		busyTimeoutMS = defaultBusyTimeoutMS
	}
	isMemoryDB := strings.Contains(path, ":memory:")

	writeDSN := path
	if !isMemoryDB {
		writeDSN = appendDSNParams(path, fmt.Sprintf("_journal_mode=WAL&_busy_timeout=%d&_txlock=immediate", busyTimeoutMS))
	}
	writeDB, err := sql.Open("sqlite3", writeDSN)
	if err != nil {
		return nil, fmt.Errorf("open change log write database: %w", err)
	}
	writeDB.SetMaxOpenConns(1)
	writeDB.SetMaxIdleConns(1)
	writeDB.SetConnMaxLifetime(0)

	readDB := writeDB
	if !isMemoryDB {
		readDSN := appendDSNParams(path, fmt.Sprintf("_journal_mode=WAL&_busy_timeout=%d", busyTimeoutMS))
		readDB, err = sql.Open("sqlite3", readDSN)
		if err != nil {
			writeDB.Close()
			return nil, fmt.Errorf("open change log read database: %w", err)
		}
		readDB.SetMaxOpenConns(4)
		readDB.SetMaxIdleConns(4)
		readDB.SetConnMaxLifetime(0)

		for _, db := range []*sql.DB{writeDB, readDB} {
			for _, pragma := range []string{
				"PRAGMA journal_mode=WAL",
				"PRAGMA synchronous=NORMAL",
				"PRAGMA temp_store=MEMORY",
			} {
				if _, err := db.Exec(pragma); err != nil {
					writeDB.Close()
					readDB.Close()
					return nil, fmt.Errorf("configure change log database: %w", err)
				}
			}
		}
	}

	for _, schema := range storeSchemas {
		if _, err := writeDB.Exec(schema); err != nil {
			writeDB.Close()
			if readDB != writeDB {
				readDB.Close()
			}
			return nil, fmt.Errorf("create change log schema: %w", err)
		}
	}

	return &Store{writeDB: writeDB, readDB: readDB, path: path}, nil
}

func appendDSNParams(path, params string) string {
	if strings.Contains(path, "?") {
		return path + "&" + params
	}
	return path + "?" + params
}

// WriteDB exposes the write connection so capture triggers install on the
// same database file the store owns.
func (s *Store) WriteDB() *sql.DB {
	return s.writeDB
}

// Append durably records one mutation and returns its assigned id.
func (s *Store) Append(ctx context.Context, rec ChangeRecord) (int64, error) {
	if s.closed.Load() {
		return 0, ErrStoreClosed
	}
	if !rec.Operation.Valid() {
		return 0, fmt.Errorf("invalid operation %q", rec.Operation)
	}

	before, err := encodeSnapshot(rec.Before)
	if err != nil {
		return 0, err
	}
	after, err := encodeSnapshot(rec.After)
	if err != nil {
		return 0, err
	}

	occurredAt := rec.OccurredAt
	if occurredAt.IsZero() {
		occurredAt = time.Now()
	}

	query, args, err := dialect.Insert(tableChangeLog).Rows(goqu.Record{
		"entity_table": rec.EntityTable,
		"operation":    string(rec.Operation),
		"record_id":    rec.RecordID,
		"before_state": before,
		"after_state":  after,
		"actor_id":     rec.ActorID,
		"occurred_at":  occurredAt.UnixMilli(),
		"processed":    0,
	}).Prepared(true).ToSQL()
	if err != nil {
		return 0, fmt.Errorf("build append query: %w", err)
	}

	res, err := s.writeDB.ExecContext(ctx, query, args...)
	if err != nil {
		return 0, fmt.Errorf("append change record: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return 0, fmt.Errorf("append change record id: %w", err)
	}

	log.Debug().
		Int64("id", id).
		Str("table", rec.EntityTable).
		Str("operation", string(rec.Operation)).
		Str("record_id", rec.RecordID).
		Msg("Change record appended")

	return id, nil
}

// ReadUnprocessed returns up to limit unprocessed records with id > afterID,
// in ascending id order. Records below a persisted cursor are never re-read.
func (s *Store) ReadUnprocessed(ctx context.Context, afterID int64, limit int) ([]ChangeRecord, error) {
	if s.closed.Load() {
		return nil, ErrStoreClosed
	}
	if limit <= 0 {
		limit = defaultReadLimit
	}

	query, args, err := dialect.From(tableChangeLog).
		Select("id", "entity_table", "operation", "record_id",
			"before_state", "after_state", "actor_id", "occurred_at", "processed").
		Where(goqu.C("id").Gt(afterID), goqu.C("processed").Eq(0)).
		Order(goqu.C("id").Asc()).
		Limit(uint(limit)).
		Prepared(true).ToSQL()
	if err != nil {
		return nil, fmt.Errorf("build read query: %w", err)
	}

	rows, err := s.readDB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("read unprocessed records: %w", err)
	}
	defer rows.Close()

	var records []ChangeRecord
	for rows.Next() {
		var (
			rec          ChangeRecord
			op           string
			before       []byte
			after        []byte
			occurredAtMS int64
			processed    int
		)
		if err := rows.Scan(&rec.ID, &rec.EntityTable, &op, &rec.RecordID,
			&before, &after, &rec.ActorID, &occurredAtMS, &processed); err != nil {
			return nil, fmt.Errorf("scan change record: %w", err)
		}
		rec.Operation = Operation(op)
		rec.OccurredAt = time.UnixMilli(occurredAtMS)
		rec.Processed = processed != 0
		if rec.Before, err = decodeSnapshot(before); err != nil {
			return nil, fmt.Errorf("record %d: %w", rec.ID, err)
		}
		if rec.After, err = decodeSnapshot(after); err != nil {
			return nil, fmt.Errorf("record %d: %w", rec.ID, err)
		}
		records = append(records, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("read unprocessed records: %w", err)
	}
	return records, nil
}

// MarkProcessedThrough flips processed on every unprocessed record with
// id <= maxID in one update. Called only after the bus has confirmed every
// record in the batch.
func (s *Store) MarkProcessedThrough(ctx context.Context, maxID int64) error {
	if s.closed.Load() {
		return ErrStoreClosed
	}

	query, args, err := dialect.Update(tableChangeLog).
		Set(goqu.Record{"processed": 1}).
		Where(goqu.C("id").Lte(maxID), goqu.C("processed").Eq(0)).
		Prepared(true).ToSQL()
	if err != nil {
		return fmt.Errorf("build mark query: %w", err)
	}
	if _, err := s.writeDB.ExecContext(ctx, query, args...); err != nil {
		return fmt.Errorf("mark records processed: %w", err)
	}
	return nil
}

// Cursor returns the last fully published change record id for a consumer
// group and table. Unknown cursors start at zero.
func (s *Store) Cursor(ctx context.Context, group, table string) (int64, error) {
	if s.closed.Load() {
		return 0, ErrStoreClosed
	}

	query, args, err := dialect.From(tableCursors).
		Select("last_id").
		Where(goqu.C("consumer_group").Eq(group), goqu.C("entity_table").Eq(table)).
		Prepared(true).ToSQL()
	if err != nil {
		return 0, fmt.Errorf("build cursor query: %w", err)
	}

	var lastID int64
	err = s.readDB.QueryRowContext(ctx, query, args...).Scan(&lastID)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("read cursor: %w", err)
	}
	return lastID, nil
}

// AdvanceCursor moves the cursor for a consumer group and table forward to id.
// Regressions are rejected; equal ids are a no-op.
func (s *Store) AdvanceCursor(ctx context.Context, group, table string, id int64) error {
	if s.closed.Load() {
		return ErrStoreClosed
	}

	current, err := s.Cursor(ctx, group, table)
	if err != nil {
		return err
	}
	if id < current {
		return fmt.Errorf("%w: %d < %d for %s/%s", ErrCursorRegression, id, current, group, table)
	}
	if id == current {
		return nil
	}

	_, err = s.writeDB.ExecContext(ctx,
		`INSERT INTO publish_cursors (consumer_group, entity_table, last_id, updated_at)
		 VALUES (?, ?, ?, ?)
		 ON CONFLICT (consumer_group, entity_table)
		 DO UPDATE SET last_id = excluded.last_id, updated_at = excluded.updated_at
		 WHERE excluded.last_id > publish_cursors.last_id`,
		group, table, id, time.Now().UnixMilli())
	if err != nil {
		return fmt.Errorf("advance cursor: %w", err)
	}
	return nil
}

// PurgeProcessedBefore deletes processed records with id < beforeID. Retention
// is an operator concern; nothing in the pipeline schedules this.
func (s *Store) PurgeProcessedBefore(ctx context.Context, beforeID int64) (int64, error) {
	if s.closed.Load() {
		return 0, ErrStoreClosed
	}

	query, args, err := dialect.Delete(tableChangeLog).
		Where(goqu.C("id").Lt(beforeID), goqu.C("processed").Eq(1)).
		Prepared(true).ToSQL()
	if err != nil {
		return 0, fmt.Errorf("build purge query: %w", err)
	}
	res, err := s.writeDB.ExecContext(ctx, query, args...)
	if err != nil {
		return 0, fmt.Errorf("purge processed records: %w", err)
	}
	n, _ := res.RowsAffected()
	if n > 0 {
		log.Info().Int64("purged", n).Int64("before_id", beforeID).Msg("Purged processed change records")
	}
	return n, nil
}

// Stats reports pending/processed counts for the status surface.
func (s *Store) Stats(ctx context.Context) (StoreStats, error) {
	if s.closed.Load() {
		return StoreStats{}, ErrStoreClosed
	}

	var stats StoreStats
	err := s.readDB.QueryRowContext(ctx,
		`SELECT
			COUNT(*) FILTER (WHERE processed = 0),
			COUNT(*) FILTER (WHERE processed = 1),
			COALESCE(MAX(id), 0)
		 FROM change_log`).
		Scan(&stats.Pending, &stats.Processed, &stats.MaxID)
	if err != nil {
		return StoreStats{}, fmt.Errorf("read change log stats: %w", err)
	}
	return stats, nil
}

// Close closes both database handles. Safe to call once.
func (s *Store) Close() error {
	if !s.closed.CompareAndSwap(false, true) {
		return ErrStoreClosed
	}
	var errs []error
	if s.readDB != s.writeDB {
		if err := s.readDB.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	if err := s.writeDB.Close(); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}
