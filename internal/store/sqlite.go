package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"groupflow/internal/domain"
)

// EnsureSchema creates tables if they don't exist.
func EnsureSchema(db *sql.DB) error {
	schema := `
PRAGMA journal_mode=WAL;
CREATE TABLE IF NOT EXISTS scheduled_broadcast_jobs (
  id TEXT PRIMARY KEY,
  tenant_id TEXT NOT NULL,
  group_ids TEXT NOT NULL,
  message TEXT NOT NULL DEFAULT '',
  message_type TEXT NOT NULL CHECK(message_type IN ('text','poll')) DEFAULT 'text',
  poll_options TEXT,
  allow_multiple INTEGER NOT NULL DEFAULT 0,
  gap_seconds INTEGER NOT NULL,
  scheduled_at DATETIME NOT NULL,
  status TEXT NOT NULL CHECK(status IN ('pending','executing','sent','failed')) DEFAULT 'pending',
  file_blob BLOB,
  file_mime TEXT,
  file_name TEXT,
  mentions TEXT,
  created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
  executed_at DATETIME,
  result_summary TEXT
);
CREATE INDEX IF NOT EXISTS idx_jobs_due ON scheduled_broadcast_jobs(status, scheduled_at);
CREATE INDEX IF NOT EXISTS idx_jobs_tenant ON scheduled_broadcast_jobs(tenant_id, scheduled_at);
CREATE TABLE IF NOT EXISTS welcome_message_settings (
  tenant_id TEXT NOT NULL,
  group_id TEXT NOT NULL,
  enabled INTEGER NOT NULL DEFAULT 0,
  message_text TEXT NOT NULL DEFAULT '',
  member_threshold INTEGER NOT NULL DEFAULT 1,
  delay_minutes INTEGER NOT NULL DEFAULT 0,
  image_enabled INTEGER NOT NULL DEFAULT 0,
  image_blob BLOB,
  image_mime TEXT,
  image_caption TEXT,
  specific_mentions TEXT,
  UNIQUE(tenant_id, group_id)
);
CREATE TABLE IF NOT EXISTS admin_only_schedule (
  tenant_id TEXT NOT NULL,
  group_id TEXT NOT NULL,
  enabled INTEGER NOT NULL DEFAULT 0,
  open_time TEXT NOT NULL,
  close_time TEXT NOT NULL,
  UNIQUE(tenant_id, group_id)
);
`
	_, err := db.Exec(schema)
	return err
}

type Repository interface {
	CreateJob(ctx context.Context, req domain.NewJob) (domain.Job, error)
	GetJob(ctx context.Context, tenantID, jobID string) (domain.Job, error)
	ListByTenant(ctx context.Context, tenantID string, status domain.JobStatus) ([]domain.Job, error)
	GetPendingDue(ctx context.Context, now time.Time) ([]domain.Job, error)
	MarkExecuting(ctx context.Context, jobID string) (bool, error)
	RecordResult(ctx context.Context, jobID string, status domain.JobStatus, executedAt time.Time, summary domain.ResultSummary) error
	Cancel(ctx context.Context, tenantID, jobID string) error
	Reschedule(ctx context.Context, tenantID, jobID string, newAt time.Time) error
	RecoverInterrupted(ctx context.Context) (int, error)

	// Welcome settings (one row per tenant+group, upsert semantics)
	Welcome(ctx context.Context, tenantID, groupID string) (domain.WelcomeSettings, error)
	UpsertWelcome(ctx context.Context, ws domain.WelcomeSettings) error
	DeleteWelcome(ctx context.Context, tenantID, groupID string) error

	// Admin-only windows (one row per tenant+group, upsert semantics)
	AdminWindow(ctx context.Context, tenantID, groupID string) (domain.AdminWindow, error)
	UpsertAdminWindow(ctx context.Context, w domain.AdminWindow) error
	DeleteAdminWindow(ctx context.Context, tenantID, groupID string) error
	ListEnabledAdminWindows(ctx context.Context) ([]domain.AdminWindow, error)
}

type sqliteRepo struct{ db *sql.DB }

func NewSQLiteRepo(db *sql.DB) Repository { return &sqliteRepo{db: db} }

func validateNewJob(req domain.NewJob, now time.Time) error {
	if len(req.Targets) == 0 {
		return &domain.ValidationError{Field: "targets", Reason: "at least one group is required"}
	}
	if req.GapSeconds < 10 {
		return &domain.ValidationError{Field: "gap_seconds", Reason: "must be at least 10"}
	}
	if !req.ScheduledAt.After(now) {
		return &domain.ValidationError{Field: "scheduled_at", Reason: "must be in the future"}
	}
	if req.Payload.Kind == domain.KindPoll {
		opts := 0
		for _, o := range req.Payload.PollOptions {
			if strings.TrimSpace(o) != "" {
				opts++
			}
		}
		if opts < 2 {
			return &domain.ValidationError{Field: "poll_options", Reason: "poll needs at least 2 non-empty options"}
		}
	}
	return nil
}

func (r *sqliteRepo) CreateJob(ctx context.Context, req domain.NewJob) (domain.Job, error) {
	now := time.Now().UTC()
	if err := validateNewJob(req, now); err != nil {
		return domain.Job{}, err
	}

	id := "job_" + uuid.NewString()
	groups, err := json.Marshal(req.Targets)
	if err != nil {
		return domain.Job{}, err
	}
	var pollOpts, mentions sql.NullString
	if req.Payload.Kind == domain.KindPoll {
		b, err := json.Marshal(req.Payload.PollOptions)
		if err != nil {
			return domain.Job{}, err
		}
		pollOpts = sql.NullString{String: string(b), Valid: true}
	}
	if len(req.Payload.Mentions) > 0 {
		b, err := json.Marshal(req.Payload.Mentions)
		if err != nil {
			return domain.Job{}, err
		}
		mentions = sql.NullString{String: string(b), Valid: true}
	}
	var blob []byte
	var mime, name sql.NullString
	if a := req.Payload.Attachment; a != nil {
		blob = a.Bytes
		mime = sql.NullString{String: a.Mime, Valid: true}
		name = sql.NullString{String: a.Filename, Valid: true}
	}

	_, err = r.db.ExecContext(ctx, `
INSERT INTO scheduled_broadcast_jobs
  (id,tenant_id,group_ids,message,message_type,poll_options,allow_multiple,gap_seconds,scheduled_at,status,file_blob,file_mime,file_name,mentions,created_at)
VALUES (?,?,?,?,?,?,?,?,?, 'pending', ?,?,?,?,?)
`, id, req.TenantID, string(groups), req.Payload.Text, string(req.Payload.Kind), pollOpts,
		req.Payload.AllowMultiple, req.GapSeconds, req.ScheduledAt.UTC(), blob, mime, name, mentions, now)
	if err != nil {
		return domain.Job{}, fmt.Errorf("insert job: %w", err)
	}
	return r.GetJob(ctx, req.TenantID, id)
}

const jobColumns = `id,tenant_id,group_ids,message,message_type,poll_options,allow_multiple,gap_seconds,scheduled_at,status,file_blob,file_mime,file_name,mentions,created_at,executed_at,result_summary`

func scanJob(row interface{ Scan(...any) error }) (domain.Job, error) {
	var j domain.Job
	var groups string
	var pollOpts, mentions, mime, name, summary sql.NullString
	var blob []byte
	var executedAt sql.NullTime
	var kind, status string
	err := row.Scan(&j.ID, &j.TenantID, &groups, &j.Payload.Text, &kind, &pollOpts,
		&j.Payload.AllowMultiple, &j.GapSeconds, &j.ScheduledAt, &status,
		&blob, &mime, &name, &mentions, &j.CreatedAt, &executedAt, &summary)
	if err != nil {
		return domain.Job{}, err
	}
	j.Payload.Kind = domain.MessageKind(kind)
	j.Status = domain.JobStatus(status)
	if err := json.Unmarshal([]byte(groups), &j.Targets); err != nil {
		return domain.Job{}, fmt.Errorf("job %s: bad group_ids: %w", j.ID, err)
	}
	if pollOpts.Valid {
		if err := json.Unmarshal([]byte(pollOpts.String), &j.Payload.PollOptions); err != nil {
			return domain.Job{}, fmt.Errorf("job %s: bad poll_options: %w", j.ID, err)
		}
	}
	if mentions.Valid {
		if err := json.Unmarshal([]byte(mentions.String), &j.Payload.Mentions); err != nil {
			return domain.Job{}, fmt.Errorf("job %s: bad mentions: %w", j.ID, err)
		}
	}
	if len(blob) > 0 {
		j.Payload.Attachment = &domain.Attachment{Bytes: blob, Mime: mime.String, Filename: name.String}
	}
	if executedAt.Valid {
		t := executedAt.Time
		j.ExecutedAt = &t
	}
	if summary.Valid {
		var s domain.ResultSummary
		if err := json.Unmarshal([]byte(summary.String), &s); err != nil {
			return domain.Job{}, fmt.Errorf("job %s: bad result_summary: %w", j.ID, err)
		}
		j.Result = &s
	}
	return j, nil
}

func (r *sqliteRepo) GetJob(ctx context.Context, tenantID, jobID string) (domain.Job, error) {
	row := r.db.QueryRowContext(ctx, `
SELECT `+jobColumns+` FROM scheduled_broadcast_jobs WHERE id=? AND tenant_id=?`, jobID, tenantID)
	j, err := scanJob(row)
	if err == sql.ErrNoRows {
		return domain.Job{}, domain.ErrNotFound
	}
	return j, err
}

func (r *sqliteRepo) ListByTenant(ctx context.Context, tenantID string, status domain.JobStatus) ([]domain.Job, error) {
	q := `SELECT ` + jobColumns + ` FROM scheduled_broadcast_jobs WHERE tenant_id=?`
	args := []any{tenantID}
	if status != "" {
		q += ` AND status=?`
		args = append(args, string(status))
	}
	q += ` ORDER BY scheduled_at DESC`
	rows, err := r.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var jobs []domain.Job
	for rows.Next() {
		j, err := scanJob(rows)
		if err != nil {
			return nil, err
		}
		jobs = append(jobs, j)
	}
	return jobs, rows.Err()
}

// GetPendingDue returns pending jobs whose scheduled time has passed, earliest
// first so a backlog drains in fair order.
func (r *sqliteRepo) GetPendingDue(ctx context.Context, now time.Time) ([]domain.Job, error) {
	rows, err := r.db.QueryContext(ctx, `
SELECT `+jobColumns+` FROM scheduled_broadcast_jobs
WHERE status='pending' AND scheduled_at <= ?
ORDER BY scheduled_at ASC`, now.UTC())
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var jobs []domain.Job
	for rows.Next() {
		j, err := scanJob(rows)
		if err != nil {
			return nil, err
		}
		jobs = append(jobs, j)
	}
	return jobs, rows.Err()
}

// MarkExecuting claims a job for dispatch. The conditional update is the only
// exclusivity gate against double-send: of N concurrent claims exactly one
// observes an affected row.
func (r *sqliteRepo) MarkExecuting(ctx context.Context, jobID string) (bool, error) {
	res, err := r.db.ExecContext(ctx, `
UPDATE scheduled_broadcast_jobs SET status='executing' WHERE id=? AND status='pending'`, jobID)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

func (r *sqliteRepo) RecordResult(ctx context.Context, jobID string, status domain.JobStatus, executedAt time.Time, summary domain.ResultSummary) error {
	if status != domain.StatusSent && status != domain.StatusFailed {
		return fmt.Errorf("record result: %q is not a terminal status", status)
	}
	b, err := json.Marshal(summary)
	if err != nil {
		return err
	}
	_, err = r.db.ExecContext(ctx, `
UPDATE scheduled_broadcast_jobs SET status=?, executed_at=?, result_summary=? WHERE id=?`,
		string(status), executedAt.UTC(), string(b), jobID)
	return err
}

func (r *sqliteRepo) Cancel(ctx context.Context, tenantID, jobID string) error {
	res, err := r.db.ExecContext(ctx, `
DELETE FROM scheduled_broadcast_jobs WHERE id=? AND tenant_id=? AND status='pending'`, jobID, tenantID)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 1 {
		return nil
	}
	return r.stateError(ctx, tenantID, jobID)
}

func (r *sqliteRepo) Reschedule(ctx context.Context, tenantID, jobID string, newAt time.Time) error {
	if !newAt.After(time.Now()) {
		return &domain.ValidationError{Field: "scheduled_at", Reason: "must be in the future"}
	}
	res, err := r.db.ExecContext(ctx, `
UPDATE scheduled_broadcast_jobs SET scheduled_at=? WHERE id=? AND tenant_id=? AND status='pending'`,
		newAt.UTC(), jobID, tenantID)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 1 {
		return nil
	}
	return r.stateError(ctx, tenantID, jobID)
}

// stateError distinguishes "no such job" from "job exists but is past pending"
// after a guarded write matched nothing.
func (r *sqliteRepo) stateError(ctx context.Context, tenantID, jobID string) error {
	row := r.db.QueryRowContext(ctx, `
SELECT status FROM scheduled_broadcast_jobs WHERE id=? AND tenant_id=?`, jobID, tenantID)
	var status string
	if err := row.Scan(&status); err != nil {
		if err == sql.ErrNoRows {
			return domain.ErrNotFound
		}
		return err
	}
	return &domain.InvalidStateError{Status: domain.JobStatus(status)}
}

// RecoverInterrupted finalizes jobs a crashed process left in 'executing'.
// They go to 'failed' rather than back to 'pending': the dispatch may have
// partially run, and a job must never be attempted twice.
func (r *sqliteRepo) RecoverInterrupted(ctx context.Context) (int, error) {
	summary, err := json.Marshal(domain.ResultSummary{Error: "interrupted: process restarted during dispatch"})
	if err != nil {
		return 0, err
	}
	res, err := r.db.ExecContext(ctx, `
UPDATE scheduled_broadcast_jobs SET status='failed', executed_at=?, result_summary=?
WHERE status='executing'`, time.Now().UTC(), string(summary))
	if err != nil {
		return 0, err
	}
	n, _ := res.RowsAffected()
	return int(n), nil
}
