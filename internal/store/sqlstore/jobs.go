package sqlstore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/doug-martin/goqu/v9"
	"github.com/worldline-go/types"

	"github.com/loamtrace/elt/internal/store"
)

// ─── Job Queue ───

// EnqueueJob inserts a Pending job. For Sync jobs the migrations declare a
// unique partial index on (payload source_connection_id, stream_name) over
// active rows, so a second active sync for the same stream surfaces as
// store.ErrDuplicateActiveJob instead of a second queue entry.
func (s *SQL) EnqueueJob(ctx context.Context, j store.Job) (store.Job, error) {
	now := time.Now().UTC()
	j.Status = store.JobPending
	j.CreatedAt = now
	j.UpdatedAt = now

	query, args, err := s.goqu.Insert(s.tableJobs).Rows(goqu.Record{
		"id":                j.ID,
		"job_type":          string(j.JobType),
		"status":            string(j.Status),
		"payload":           types.Map[any](j.Payload),
		"parent_job_id":     j.ParentJobID,
		"records_processed": j.RecordsProcessed,
		"records_failed":    j.RecordsFailed,
		"error_message":     j.ErrorMessage,
		"created_at":        j.CreatedAt,
		"updated_at":        j.UpdatedAt,
	}).Prepared(true).ToSQL()
	if err != nil {
		return store.Job{}, fmt.Errorf("build enqueue job: %w", err)
	}

	if _, err := s.execer.ExecContext(ctx, query, args...); err != nil {
		if isUniqueViolation(err) {
			return store.Job{}, store.ErrDuplicateActiveJob
		}
		return store.Job{}, fmt.Errorf("enqueue job: %w", err)
	}
	return j, nil
}

// ClaimNextJob transitions the oldest Pending job of any of jobTypes to
// Running in one statement. On Postgres the inner select takes FOR UPDATE
// SKIP LOCKED so concurrent workers never contend for the same row; SQLite
// serializes writers itself.
func (s *SQL) ClaimNextJob(ctx context.Context, jobTypes []store.JobType) (store.Job, bool, error) {
	if len(jobTypes) == 0 {
		return store.Job{}, false, nil
	}

	table := s.tablePrefix + "jobs"
	now := time.Now().UTC()

	placeholders := make([]string, len(jobTypes))
	var args []any
	var nowA, nowB, lock string

	if s.dialect == DialectPostgres {
		// $1 is reused for both timestamp columns.
		nowA, nowB = "$1", "$1"
		lock = " FOR UPDATE SKIP LOCKED"
		args = append(args, now)
		for i, jt := range jobTypes {
			placeholders[i] = fmt.Sprintf("$%d", i+2)
			args = append(args, string(jt))
		}
	} else {
		// SQLite placeholders are positional; now appears twice.
		nowA, nowB = "?", "?"
		args = append(args, now, now)
		for i, jt := range jobTypes {
			placeholders[i] = "?"
			args = append(args, string(jt))
		}
	}

	query := fmt.Sprintf(`UPDATE %s SET status = 'running', started_at = %s, updated_at = %s
WHERE id = (
  SELECT id FROM %s
  WHERE status = 'pending' AND job_type IN (%s)
  ORDER BY created_at ASC
  LIMIT 1%s
)
RETURNING id, job_type, status, payload, parent_job_id, records_processed, records_failed, error_message, started_at, completed_at, created_at, updated_at`,
		table, nowA, nowB, table, strings.Join(placeholders, ", "), lock)

	row := s.execer.QueryRowContext(ctx, query, args...)
	j, err := scanJob(row.Scan)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return store.Job{}, false, nil
		}
		return store.Job{}, false, fmt.Errorf("claim job: %w", err)
	}
	return j, true, nil
}

func scanJob(scan func(dest ...any) error) (store.Job, error) {
	var j store.Job
	var jobType, status string
	var payload types.Map[any]
	var parent, errMsg sql.NullString
	var startedAt, completedAt sql.NullTime

	if err := scan(&j.ID, &jobType, &status, &payload, &parent, &j.RecordsProcessed, &j.RecordsFailed,
		&errMsg, &startedAt, &completedAt, &j.CreatedAt, &j.UpdatedAt); err != nil {
		return store.Job{}, err
	}

	j.JobType = store.JobType(jobType)
	j.Status = store.JobStatus(status)
	j.Payload = payload
	if parent.Valid {
		j.ParentJobID = &parent.String
	}
	if errMsg.Valid {
		j.ErrorMessage = &errMsg.String
	}
	if startedAt.Valid {
		t := startedAt.Time
		j.StartedAt = &t
	}
	if completedAt.Valid {
		t := completedAt.Time
		j.CompletedAt = &t
	}
	return j, nil
}

func (s *SQL) CompleteJob(ctx context.Context, id string, recordsProcessed, recordsFailed int) error {
	return s.finishJob(ctx, id, store.JobCompleted, recordsProcessed, recordsFailed, nil)
}

func (s *SQL) FailJob(ctx context.Context, id string, errMsg string) error {
	return s.finishJob(ctx, id, store.JobFailed, 0, 0, &errMsg)
}

// finishJob guards the terminal transition: only a Running (or Pending, for
// cancellation) row may move to Completed/Failed, and a terminal row never
// changes again.
func (s *SQL) finishJob(ctx context.Context, id string, status store.JobStatus, processed, failed int, errMsg *string) error {
	now := time.Now().UTC()

	rec := goqu.Record{
		"status":       string(status),
		"completed_at": now,
		"updated_at":   now,
	}
	if errMsg != nil {
		rec["error_message"] = *errMsg
	} else {
		rec["records_processed"] = processed
		rec["records_failed"] = failed
	}

	query, args, err := s.goqu.Update(s.tableJobs).Set(rec).
		Where(goqu.C("id").Eq(id), goqu.C("status").In("pending", "running")).
		Prepared(true).ToSQL()
	if err != nil {
		return fmt.Errorf("build finish job: %w", err)
	}

	if _, err := s.execer.ExecContext(ctx, query, args...); err != nil {
		return fmt.Errorf("finish job: %w", err)
	}
	return nil
}

var jobColumns = []any{
	"id", "job_type", "status", "payload", "parent_job_id",
	"records_processed", "records_failed", "error_message",
	"started_at", "completed_at", "created_at", "updated_at",
}

func (s *SQL) GetJob(ctx context.Context, id string) (store.Job, error) {
	query, args, err := s.goqu.From(s.tableJobs).Select(jobColumns...).
		Where(goqu.C("id").Eq(id)).Prepared(true).ToSQL()
	if err != nil {
		return store.Job{}, fmt.Errorf("build get job: %w", err)
	}

	row := s.execer.QueryRowContext(ctx, query, args...)
	j, err := scanJob(row.Scan)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return store.Job{}, store.ErrNotFound
		}
		return store.Job{}, fmt.Errorf("get job: %w", err)
	}
	return j, nil
}

func (s *SQL) ListJobs(ctx context.Context, status *store.JobStatus, limit int) ([]store.Job, error) {
	if limit <= 0 {
		limit = 100
	}

	ds := s.goqu.From(s.tableJobs).Select(jobColumns...).
		Order(goqu.I("created_at").Desc()).Limit(uint(limit))
	if status != nil {
		ds = ds.Where(goqu.C("status").Eq(string(*status)))
	}

	query, args, err := ds.Prepared(true).ToSQL()
	if err != nil {
		return nil, fmt.Errorf("build list jobs: %w", err)
	}

	rows, err := s.execer.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list jobs: %w", err)
	}
	defer rows.Close()

	var out []store.Job
	for rows.Next() {
		j, err := scanJob(rows.Scan)
		if err != nil {
			return nil, fmt.Errorf("scan job: %w", err)
		}
		out = append(out, j)
	}
	return out, rows.Err()
}

// ─── Sync Log ───

func (s *SQL) InsertSyncLog(ctx context.Context, l store.SyncLog) error {
	query, args, err := s.goqu.Insert(s.tableSyncLogs).Rows(goqu.Record{
		"id":                   l.ID,
		"source_connection_id": l.SourceConnectionID,
		"stream_name":          l.StreamName,
		"mode":                 l.Mode,
		"started_at":           l.StartedAt,
		"completed_at":         l.CompletedAt,
		"records_fetched":      l.RecordsFetched,
		"records_written":      l.RecordsWritten,
		"records_failed":       l.RecordsFailed,
		"status":               string(l.Status),
		"error_message":        l.ErrorMessage,
		"warning":              l.Warning,
		"created_at":           time.Now().UTC(),
	}).Prepared(true).ToSQL()
	if err != nil {
		return fmt.Errorf("build insert sync log: %w", err)
	}

	if _, err := s.execer.ExecContext(ctx, query, args...); err != nil {
		return fmt.Errorf("insert sync log: %w", err)
	}
	return nil
}

func (s *SQL) ListSyncLogs(ctx context.Context, sourceConnectionID, streamName string, limit int) ([]store.SyncLog, error) {
	if limit <= 0 {
		limit = 50
	}

	query, args, err := s.goqu.From(s.tableSyncLogs).
		Select("id", "source_connection_id", "stream_name", "mode", "started_at", "completed_at",
			"records_fetched", "records_written", "records_failed", "status", "error_message", "warning").
		Where(goqu.C("source_connection_id").Eq(sourceConnectionID), goqu.C("stream_name").Eq(streamName)).
		Order(goqu.I("started_at").Desc()).Limit(uint(limit)).
		Prepared(true).ToSQL()
	if err != nil {
		return nil, fmt.Errorf("build list sync logs: %w", err)
	}

	rows, err := s.execer.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list sync logs: %w", err)
	}
	defer rows.Close()

	var out []store.SyncLog
	for rows.Next() {
		var l store.SyncLog
		var status string
		var completedAt sql.NullTime
		var errMsg, warning sql.NullString
		if err := rows.Scan(&l.ID, &l.SourceConnectionID, &l.StreamName, &l.Mode, &l.StartedAt, &completedAt,
			&l.RecordsFetched, &l.RecordsWritten, &l.RecordsFailed, &status, &errMsg, &warning); err != nil {
			return nil, fmt.Errorf("scan sync log: %w", err)
		}
		l.Status = store.SyncLogStatus(status)
		if completedAt.Valid {
			t := completedAt.Time
			l.CompletedAt = &t
		}
		if errMsg.Valid {
			l.ErrorMessage = &errMsg.String
		}
		if warning.Valid {
			l.Warning = &warning.String
		}
		out = append(out, l)
	}
	return out, rows.Err()
}
