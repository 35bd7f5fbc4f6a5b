package sync

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"golang.org/x/sync/semaphore"
	// Pure-Go SQLite driver (no CGO).
	_ "modernc.org/sqlite"

	"github.com/tonimelisma/crmsync/internal/crm"
)

// ErrWatermarkRegression is returned (wrapped in *WatermarkRegressionError)
// when a caller tries to move a watermark backwards. It is a programming or
// configuration error and must never be ignored.
var ErrWatermarkRegression = errors.New("sync: watermark regression")

// WatermarkRegressionError carries both sides of a rejected advance.
type WatermarkRegressionError struct {
	Direction crm.Direction
	Current   time.Time
	Proposed  time.Time
}

func (e *WatermarkRegressionError) Error() string {
	return fmt.Sprintf("sync: watermark regression for %s: current %s, proposed %s",
		e.Direction, e.Current.Format(time.RFC3339Nano), e.Proposed.Format(time.RFC3339Nano))
}

// Is matches ErrWatermarkRegression.
func (e *WatermarkRegressionError) Is(target error) bool {
	return target == ErrWatermarkRegression
}

// WatermarkStore persists the last-synchronized timestamp per direction.
// Position adds the source ID of the last record synced at that timestamp,
// so a poll can resume strictly after it. Lock serializes
// read-modify-advance sequences for one direction; the returned release
// func must be called exactly once.
type WatermarkStore interface {
	Get(ctx context.Context, dir crm.Direction) (time.Time, error)
	Position(ctx context.Context, dir crm.Direction) (crm.Cursor, error)
	Advance(ctx context.Context, dir crm.Direction, ts time.Time) error
	AdvanceTo(ctx context.Context, dir crm.Direction, pos crm.Cursor) error
	Lock(ctx context.Context, dir crm.Direction) (release func(), err error)
}

// SQL statements for state operations.
const (
	sqlGetWatermark = `SELECT value, last_id FROM watermarks WHERE direction = ?`

	sqlUpsertWatermark = `INSERT INTO watermarks (direction, value, last_id, updated_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(direction) DO UPDATE SET
		 value = excluded.value,
		 last_id = excluded.last_id,
		 updated_at = excluded.updated_at`

	sqlInsertJob = `INSERT INTO jobs
		(id, direction, outcome, final_state, started_at, finished_at,
		 polled, created, updated, failed, watermark_before, watermark_after, error)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`

	sqlInsertRecordFailure = `INSERT INTO record_failures
		(job_id, direction, email, source_id, tier, error)
		VALUES (?, ?, ?, ?, ?, ?)`

	sqlRecentJobs = `SELECT id, direction, outcome, final_state, started_at, finished_at,
		polled, created, updated, failed, watermark_before, watermark_after, error
		FROM jobs ORDER BY started_at DESC, id LIMIT ?`

	sqlJobFailures = `SELECT email, source_id, tier, error
		FROM record_failures WHERE job_id = ? ORDER BY rowid`
)

// StateStore is the sole writer to the crmsync state database. It implements
// WatermarkStore and keeps a history of finished jobs.
type StateStore struct {
	db               *sql.DB
	logger           *slog.Logger
	defaultWatermark time.Time
	locks            map[crm.Direction]*semaphore.Weighted
	nowFunc          func() time.Time // injectable for deterministic tests
}

// NewStateStore opens the SQLite database at dbPath, runs migrations, and
// returns a ready-to-use store. Directions without a stored watermark report
// defaultWatermark (the Unix epoch when zero). The database uses WAL mode
// with synchronous=FULL for crash-safe durability.
func NewStateStore(dbPath string, defaultWatermark time.Time, logger *slog.Logger) (*StateStore, error) {
	// DSN parameters ensure pragmas apply to every connection from the pool.
	dsn := fmt.Sprintf(
		"file:%s?_pragma=journal_mode(WAL)&_pragma=synchronous(FULL)"+
			"&_pragma=foreign_keys(ON)&_pragma=busy_timeout(5000)",
		dbPath,
	)

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("sync: opening database %s: %w", dbPath, err)
	}

	// Sole-writer pattern: only one connection writes at a time.
	db.SetMaxOpenConns(1)

	if err := runMigrations(context.Background(), db, logger); err != nil {
		db.Close()
		return nil, err
	}

	if defaultWatermark.IsZero() {
		defaultWatermark = time.Unix(0, 0).UTC()
	}

	locks := make(map[crm.Direction]*semaphore.Weighted, len(crm.Directions))
	for _, d := range crm.Directions {
		locks[d] = semaphore.NewWeighted(1)
	}

	logger.Info("state store initialized",
		slog.String("db_path", dbPath),
		slog.Time("default_watermark", defaultWatermark),
	)

	return &StateStore{
		db:               db,
		logger:           logger,
		defaultWatermark: defaultWatermark,
		locks:            locks,
		nowFunc:          time.Now,
	}, nil
}

// Close releases the database connection.
func (s *StateStore) Close() error {
	return s.db.Close()
}

// Lock acquires the per-direction lock, blocking until it is free or ctx is
// done.
func (s *StateStore) Lock(ctx context.Context, dir crm.Direction) (func(), error) {
	sem, ok := s.locks[dir]
	if !ok {
		return nil, fmt.Errorf("sync: unknown direction %s", dir)
	}

	if err := sem.Acquire(ctx, 1); err != nil {
		return nil, fmt.Errorf("sync: waiting for %s lock: %w", dir, err)
	}

	return func() { sem.Release(1) }, nil
}

// Get returns the watermark for dir, or the default if none is stored.
func (s *StateStore) Get(ctx context.Context, dir crm.Direction) (time.Time, error) {
	pos, err := s.get(ctx, s.db, dir)

	return pos.ModifiedAt, err
}

// Position returns the keyset position for dir. Its ID is empty when no
// record has been synced at the watermark timestamp yet, so every record at
// that timestamp is still pending.
func (s *StateStore) Position(ctx context.Context, dir crm.Direction) (crm.Cursor, error) {
	return s.get(ctx, s.db, dir)
}

// queryRower is satisfied by *sql.DB and *sql.Tx.
type queryRower interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

func (s *StateStore) get(ctx context.Context, q queryRower, dir crm.Direction) (crm.Cursor, error) {
	var (
		nanos  int64
		lastID string
	)

	err := q.QueryRowContext(ctx, sqlGetWatermark, dir.String()).Scan(&nanos, &lastID)
	if errors.Is(err, sql.ErrNoRows) {
		return crm.Cursor{ModifiedAt: s.defaultWatermark}, nil
	}

	if err != nil {
		return crm.Cursor{}, fmt.Errorf("sync: getting watermark for %s: %w", dir, err)
	}

	return crm.Cursor{ModifiedAt: time.Unix(0, nanos).UTC(), ID: lastID}, nil
}

// Advance moves the watermark for dir forward to ts. Equal timestamps are
// accepted; an earlier ts fails with *WatermarkRegressionError and leaves
// the stored value untouched.
func (s *StateStore) Advance(ctx context.Context, dir crm.Direction, ts time.Time) error {
	return s.AdvanceTo(ctx, dir, crm.Cursor{ModifiedAt: ts})
}

// AdvanceTo moves the keyset position for dir forward to pos. The timestamp
// follows the same rule as Advance. At an equal timestamp the stored
// position never moves back: the larger ID is kept.
func (s *StateStore) AdvanceTo(ctx context.Context, dir crm.Direction, pos crm.Cursor) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("sync: beginning advance transaction: %w", err)
	}
	defer tx.Rollback()

	current, err := s.get(ctx, tx, dir)
	if err != nil {
		return err
	}

	if pos.ModifiedAt.Before(current.ModifiedAt) {
		return &WatermarkRegressionError{Direction: dir, Current: current.ModifiedAt, Proposed: pos.ModifiedAt}
	}

	if pos.Before(current) {
		pos = current
	}

	if _, err := tx.ExecContext(ctx, sqlUpsertWatermark,
		dir.String(), pos.ModifiedAt.UnixNano(), pos.ID, s.nowFunc().UnixNano()); err != nil {
		return fmt.Errorf("sync: saving watermark for %s: %w", dir, err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("sync: committing watermark for %s: %w", dir, err)
	}

	s.logger.Debug("watermark advanced",
		slog.String("direction", dir.String()),
		slog.Time("from", current.ModifiedAt),
		slog.Time("to", pos.ModifiedAt),
		slog.String("last_id", pos.ID),
	)

	return nil
}

// Reset overwrites the watermark for dir unconditionally and clears the
// keyset ID, so records at exactly ts are polled again. It is an operator
// override (crmsync watermark reset) and the only way to move a watermark
// backwards; it takes the direction lock so it cannot race a running job.
func (s *StateStore) Reset(ctx context.Context, dir crm.Direction, ts time.Time) error {
	release, err := s.Lock(ctx, dir)
	if err != nil {
		return err
	}
	defer release()

	if _, err := s.db.ExecContext(ctx, sqlUpsertWatermark, dir.String(), ts.UnixNano(), "", s.nowFunc().UnixNano()); err != nil {
		return fmt.Errorf("sync: resetting watermark for %s: %w", dir, err)
	}

	s.logger.Warn("watermark reset",
		slog.String("direction", dir.String()),
		slog.Time("to", ts),
	)

	return nil
}

// RecordJob persists a finished job and its per-record failures in one
// transaction.
func (s *StateStore) RecordJob(ctx context.Context, r *JobReport) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("sync: beginning job transaction: %w", err)
	}
	defer tx.Rollback()

	var errText sql.NullString
	if r.Err != nil {
		errText = sql.NullString{String: r.Err.Error(), Valid: true}
	}

	_, err = tx.ExecContext(ctx, sqlInsertJob,
		r.ID, r.Direction.String(), string(r.Outcome), r.FinalState.String(),
		r.StartedAt.UnixNano(), r.StartedAt.Add(r.Duration).UnixNano(),
		r.Polled, r.Created, r.Updated, r.Failed,
		r.WatermarkBefore.UnixNano(), r.WatermarkAfter.UnixNano(), errText,
	)
	if err != nil {
		return fmt.Errorf("sync: recording job %s: %w", r.ID, err)
	}

	for _, f := range r.Failures {
		msg := ""
		if f.Err != nil {
			msg = f.Err.Error()
		}

		if _, err := tx.ExecContext(ctx, sqlInsertRecordFailure,
			r.ID, r.Direction.String(), f.Email, f.SourceID, f.Tier.String(), msg); err != nil {
			return fmt.Errorf("sync: recording failure for job %s: %w", r.ID, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("sync: committing job %s: %w", r.ID, err)
	}

	return nil
}

// JobRecord is a persisted job as read back for status display.
type JobRecord struct {
	ID              string
	Direction       string
	Outcome         Outcome
	FinalState      string
	StartedAt       time.Time
	FinishedAt      time.Time
	Polled          int
	Created         int
	Updated         int
	Failed          int
	WatermarkBefore time.Time
	WatermarkAfter  time.Time
	Error           string
}

// RecentJobs returns up to limit jobs, newest first.
func (s *StateStore) RecentJobs(ctx context.Context, limit int) ([]JobRecord, error) {
	rows, err := s.db.QueryContext(ctx, sqlRecentJobs, limit)
	if err != nil {
		return nil, fmt.Errorf("sync: listing jobs: %w", err)
	}
	defer rows.Close()

	var jobs []JobRecord

	for rows.Next() {
		var (
			j                              JobRecord
			outcome                        string
			started, finished, wmBefore, w int64
			errText                        sql.NullString
		)

		if err := rows.Scan(&j.ID, &j.Direction, &outcome, &j.FinalState, &started, &finished,
			&j.Polled, &j.Created, &j.Updated, &j.Failed, &wmBefore, &w, &errText); err != nil {
			return nil, fmt.Errorf("sync: scanning job row: %w", err)
		}

		j.Outcome = Outcome(outcome)
		j.StartedAt = time.Unix(0, started).UTC()
		j.FinishedAt = time.Unix(0, finished).UTC()
		j.WatermarkBefore = time.Unix(0, wmBefore).UTC()
		j.WatermarkAfter = time.Unix(0, w).UTC()
		j.Error = errText.String

		jobs = append(jobs, j)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("sync: iterating job rows: %w", err)
	}

	return jobs, nil
}

// FailureRecord is a persisted per-record failure.
type FailureRecord struct {
	Email    string
	SourceID string
	Tier     string
	Error    string
}

// JobFailures returns the per-record failures of one job.
func (s *StateStore) JobFailures(ctx context.Context, jobID string) ([]FailureRecord, error) {
	rows, err := s.db.QueryContext(ctx, sqlJobFailures, jobID)
	if err != nil {
		return nil, fmt.Errorf("sync: listing failures for job %s: %w", jobID, err)
	}
	defer rows.Close()

	var out []FailureRecord

	for rows.Next() {
		var f FailureRecord
		if err := rows.Scan(&f.Email, &f.SourceID, &f.Tier, &f.Error); err != nil {
			return nil, fmt.Errorf("sync: scanning failure row: %w", err)
		}

		out = append(out, f)
	}

	return out, rows.Err()
}
