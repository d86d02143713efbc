package sql

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgerrcode"
	"github.com/jackc/pgx/v5/pgconn"
	sqlite3 "modernc.org/sqlite"

	"github.com/chronotask/chrono"
)

// timeNow is a seam for deterministic tests.
var timeNow = time.Now

const timeLayout = time.RFC3339Nano

// Store is a chrono.Store backed by a SQL database (PostgreSQL or SQLite).
// Build one with NewStore, NewPostgresStore, or NewSQLiteStore.
type Store struct {
	db                *sql.DB
	dialect           dialect
	claimStaleCeiling time.Duration
}

func newStore(db *sql.DB, d dialect, claimStaleCeiling time.Duration) *Store {
	return &Store{db: db, dialect: d, claimStaleCeiling: claimStaleCeiling}
}

// Close releases the underlying connection pool.
func (s *Store) Close() error { return s.db.Close() }

// Schedule implements chrono.Store.
func (s *Store) Schedule(ctx context.Context, input chrono.ScheduleInput) (*chrono.Task, error) {
	if input.IdempotencyKey != "" {
		existing, err := s.findLiveByIdempotencyKey(ctx, s.db, input.Kind, input.IdempotencyKey)
		if err != nil {
			return nil, err
		}
		if existing != nil {
			return existing, nil
		}
	}

	now := timeNow()
	scheduledAt := input.ScheduledAt
	if scheduledAt.IsZero() {
		scheduledAt = now
	}

	task := &chrono.Task{
		ID:                   uuid.NewString(),
		Kind:                 input.Kind,
		Status:               chrono.StatusPending,
		Data:                 input.Data,
		Priority:             input.Priority,
		IdempotencyKey:       input.IdempotencyKey,
		GroupID:              input.GroupID,
		OriginalScheduleDate: now,
		ScheduledAt:          scheduledAt,
	}

	_, err := s.db.ExecContext(ctx, rebind(s.dialect, `
		INSERT INTO tasks (
			id, kind, status, data, priority, idempotency_key, group_id,
			original_schedule_date, scheduled_at, retry_count, created_at, updated_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, 0, ?, ?)
	`, 1),
		task.ID, task.Kind, string(task.Status), nullableJSON(task.Data), task.Priority,
		nullableString(task.IdempotencyKey), nullableString(task.GroupID),
		formatTime(task.OriginalScheduleDate), formatTime(task.ScheduledAt),
		formatTime(now), formatTime(now),
	)
	if err != nil {
		if isUniqueViolation(err) {
			// Lost a race against a concurrent Schedule with the same key.
			existing, findErr := s.findLiveByIdempotencyKey(ctx, s.db, input.Kind, input.IdempotencyKey)
			if findErr == nil && existing != nil {
				return existing, nil
			}
		}
		return nil, fmt.Errorf("sql: schedule: %w", err)
	}
	return task, nil
}

// Claim implements chrono.Store. The eligibility and ordering predicates
// mirror chrono.Store.Claim's documented contract; the group-FIFO check is
// expressed as a correlated NOT EXISTS subquery against older, non-terminal
// siblings.
func (s *Store) Claim(ctx context.Context, kind string, claimStaleTimeout time.Duration) (*chrono.Task, error) {
	now := timeNow()
	staleBefore := now.Add(-claimStaleTimeout)

	var row *sql.Row
	switch s.dialect {
	case dialectPostgres:
		row = s.db.QueryRowContext(ctx, claimQueryPostgres,
			kind, formatTime(now), formatTime(staleBefore), formatTime(now),
		)
	default:
		row = s.db.QueryRowContext(ctx, claimQuerySQLite,
			formatTime(now), formatTime(now), kind, formatTime(now), formatTime(staleBefore),
		)
	}
	task, err := scanTask(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("sql: claim: %w", err)
	}
	return task, nil
}

const claimEligibility = `
	t.kind = ?
	AND t.scheduled_at <= ?
	AND (t.status = 'PENDING' OR (t.status = 'CLAIMED' AND t.claimed_at <= ?))
	AND NOT EXISTS (
		SELECT 1 FROM tasks sib
		WHERE t.group_id IS NOT NULL
		  AND sib.group_id = t.group_id
		  AND sib.id <> t.id
		  AND sib.original_schedule_date < t.original_schedule_date
		  AND sib.status IN ('PENDING', 'CLAIMED', 'FAILED')
	)
`

var claimQueryPostgres = fmt.Sprintf(`
	WITH eligible AS (
		SELECT t.id
		FROM tasks t
		WHERE %s
		ORDER BY t.priority DESC, t.scheduled_at ASC, t.id ASC
		LIMIT 1
		FOR UPDATE SKIP LOCKED
	)
	UPDATE tasks
	SET status = 'CLAIMED', claimed_at = $4, updated_at = $4
	FROM eligible
	WHERE tasks.id = eligible.id
	RETURNING tasks.id, tasks.kind, tasks.status, tasks.data, tasks.priority,
		tasks.idempotency_key, tasks.group_id, tasks.original_schedule_date,
		tasks.scheduled_at, tasks.claimed_at, tasks.completed_at,
		tasks.last_executed_at, tasks.retry_count
`, rebind(dialectPostgres, claimEligibility, 1))

// SQLite has no row-level locking; a single writer lock serializes
// concurrent claim transactions, so a plain UPDATE ... WHERE id = (SELECT
// ...) RETURNING * is race-free without SKIP LOCKED. Contention is bounded
// by the busy_timeout DSN pragma rather than an application-level retry.
var claimQuerySQLite = fmt.Sprintf(`
	UPDATE tasks
	SET status = 'CLAIMED', claimed_at = ?, updated_at = ?
	WHERE id = (
		SELECT t.id
		FROM tasks t
		WHERE %s
		ORDER BY t.priority DESC, t.scheduled_at ASC, t.id ASC
		LIMIT 1
	)
	RETURNING id, kind, status, data, priority, idempotency_key, group_id,
		original_schedule_date, scheduled_at, claimed_at, completed_at,
		last_executed_at, retry_count
`, claimEligibility)

// Retry implements chrono.Store.
func (s *Store) Retry(ctx context.Context, id string, nextScheduledAt time.Time) (*chrono.Task, error) {
	now := timeNow()
	res, err := s.db.ExecContext(ctx, rebind(s.dialect, `
		UPDATE tasks
		SET status = 'PENDING', scheduled_at = ?, claimed_at = NULL,
		    last_executed_at = ?, retry_count = retry_count + 1, updated_at = ?
		WHERE id = ?
	`, 1), formatTime(nextScheduledAt), formatTime(now), formatTime(now), id)
	if err != nil {
		return nil, fmt.Errorf("sql: retry: %w", err)
	}
	if err := requireRowAffected(res); err != nil {
		return nil, err
	}
	return s.getByID(ctx, id)
}

// Complete implements chrono.Store.
func (s *Store) Complete(ctx context.Context, id string) (*chrono.Task, error) {
	now := timeNow()
	res, err := s.db.ExecContext(ctx, rebind(s.dialect, `
		UPDATE tasks SET status = 'COMPLETED', completed_at = ?, last_executed_at = ?, updated_at = ?
		WHERE id = ?
	`, 1), formatTime(now), formatTime(now), formatTime(now), id)
	if err != nil {
		return nil, fmt.Errorf("sql: complete: %w", err)
	}
	if err := requireRowAffected(res); err != nil {
		return nil, err
	}
	return s.getByID(ctx, id)
}

// Fail implements chrono.Store.
func (s *Store) Fail(ctx context.Context, id string) (*chrono.Task, error) {
	now := timeNow()
	res, err := s.db.ExecContext(ctx, rebind(s.dialect, `
		UPDATE tasks SET status = 'FAILED', last_executed_at = ?, updated_at = ? WHERE id = ?
	`, 1), formatTime(now), formatTime(now), id)
	if err != nil {
		return nil, fmt.Errorf("sql: fail: %w", err)
	}
	if err := requireRowAffected(res); err != nil {
		return nil, err
	}
	return s.getByID(ctx, id)
}

// Delete implements chrono.Store.
func (s *Store) Delete(ctx context.Context, key chrono.TaskKey, opts ...chrono.DeleteOption) (*chrono.Task, error) {
	cfg := chrono.ResolveDeleteOptions(opts...)

	task, err := s.resolve(ctx, key)
	if err != nil {
		return nil, err
	}
	if task == nil {
		if cfg.Force {
			return nil, nil
		}
		return nil, chrono.ErrTaskNotFound
	}
	if !cfg.Force && task.Status != chrono.StatusPending {
		return nil, chrono.ErrDeleteNotAllowed
	}

	if _, err := s.db.ExecContext(ctx, rebind(s.dialect, `DELETE FROM tasks WHERE id = ?`, 1), task.ID); err != nil {
		return nil, fmt.Errorf("sql: delete: %w", err)
	}
	return task, nil
}

// ClaimStaleTimeout implements chrono.Store.
func (s *Store) ClaimStaleTimeout() time.Duration { return s.claimStaleCeiling }

func (s *Store) resolve(ctx context.Context, key chrono.TaskKey) (*chrono.Task, error) {
	if id, ok := key.ID(); ok {
		t, err := s.getByID(ctx, id)
		if errors.Is(err, chrono.ErrTaskNotFound) {
			return nil, nil
		}
		return t, err
	}
	kind, idemKey, _ := key.IdempotencyKey()
	return s.findLiveByIdempotencyKey(ctx, s.db, kind, idemKey)
}

func (s *Store) getByID(ctx context.Context, id string) (*chrono.Task, error) {
	row := s.db.QueryRowContext(ctx, rebind(s.dialect, `
		SELECT id, kind, status, data, priority, idempotency_key, group_id,
			original_schedule_date, scheduled_at, claimed_at, completed_at,
			last_executed_at, retry_count
		FROM tasks WHERE id = ?
	`, 1), id)
	task, err := scanTask(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, chrono.ErrTaskNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("sql: get: %w", err)
	}
	return task, nil
}

func (s *Store) findLiveByIdempotencyKey(ctx context.Context, q querier, kind, key string) (*chrono.Task, error) {
	row := q.QueryRowContext(ctx, rebind(s.dialect, `
		SELECT id, kind, status, data, priority, idempotency_key, group_id,
			original_schedule_date, scheduled_at, claimed_at, completed_at,
			last_executed_at, retry_count
		FROM tasks WHERE kind = ? AND idempotency_key = ? AND status <> 'COMPLETED'
	`, 1), kind, key)
	task, err := scanTask(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("sql: find by idempotency key: %w", err)
	}
	return task, nil
}

type querier interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

func requireRowAffected(res sql.Result) error {
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("sql: rows affected: %w", err)
	}
	if n == 0 {
		return chrono.ErrTaskNotFound
	}
	return nil
}

type scannable interface {
	Scan(dest ...any) error
}

func scanTask(row scannable) (*chrono.Task, error) {
	var (
		t                                                    chrono.Task
		status, data, idemKey, groupID                       sql.NullString
		originalScheduleDate, scheduledAt                    string
		claimedAt, completedAt, lastExecutedAt                sql.NullString
	)
	if err := row.Scan(
		&t.ID, &t.Kind, &status, &data, &t.Priority, &idemKey, &groupID,
		&originalScheduleDate, &scheduledAt, &claimedAt, &completedAt,
		&lastExecutedAt, &t.RetryCount,
	); err != nil {
		return nil, err
	}

	t.Status = chrono.Status(status.String)
	t.IdempotencyKey = idemKey.String
	t.GroupID = groupID.String
	if data.Valid {
		t.Data = json.RawMessage(data.String)
	}
	t.OriginalScheduleDate = parseTime(originalScheduleDate)
	t.ScheduledAt = parseTime(scheduledAt)
	if claimedAt.Valid {
		t.ClaimedAt = parseTime(claimedAt.String)
	}
	if completedAt.Valid {
		t.CompletedAt = parseTime(completedAt.String)
	}
	if lastExecutedAt.Valid {
		t.LastExecutedAt = parseTime(lastExecutedAt.String)
	}
	return &t, nil
}

func formatTime(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.UTC().Format(timeLayout)
}

func parseTime(s string) time.Time {
	if s == "" {
		return time.Time{}
	}
	t, err := time.Parse(timeLayout, s)
	if err != nil {
		return time.Time{}
	}
	return t
}

func nullableString(s string) any {
	if s == "" {
		return nil
	}
	return s
}

func nullableJSON(data json.RawMessage) any {
	if len(data) == 0 {
		return nil
	}
	return string(data)
}

// rebind rewrites `?` placeholders to `$1, $2, ...` for PostgreSQL, starting
// the count at startAt. SQLite (and the default) keep `?`.
func rebind(d dialect, query string, startAt int) string {
	if d != dialectPostgres {
		return query
	}
	var b strings.Builder
	n := startAt
	for _, r := range query {
		if r == '?' {
			fmt.Fprintf(&b, "$%d", n)
			n++
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

// sqliteConstraintUnique is SQLite's extended result code
// SQLITE_CONSTRAINT_UNIQUE.
const sqliteConstraintUnique = 2067

// isUniqueViolation reports whether err is a unique-constraint violation,
// checked against each dialect's typed error rather than its message text.
func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == pgerrcode.UniqueViolation
	}

	var sqliteErr *sqlite3.Error
	if errors.As(err, &sqliteErr) {
		return sqliteErr.Code() == sqliteConstraintUnique
	}

	return false
}
