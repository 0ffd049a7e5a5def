package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"

	"relaykit/app/core/model"
)

func (d *DB) InsertCronJob(ctx context.Context, j model.CronJob) (string, error) {
	if j.ID == "" {
		j.ID = uuid.NewString()
	}
	now := time.Now().UTC()
	_, err := d.conn.ExecContext(ctx, `
INSERT INTO cron_jobs (id, name, enabled, schedule_kind, every_seconds, cron_expr, at_ts,
	workspace_id, channel_id, thread_ts, prompt_text, mode, next_run_at, last_run_at,
	last_status, last_error, created_at, updated_at)
VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, NULL, '', '', ?, ?)`,
		j.ID, j.Name, boolToInt(j.Enabled), j.ScheduleKind, j.EverySeconds, j.CronExpr, formatNullTime(j.AtTS),
		j.WorkspaceID, j.ChannelID, j.ThreadTS, j.PromptText, j.Mode, formatNullTime(j.NextRunAt),
		now.Format(timeLayout), now.Format(timeLayout))
	if err != nil {
		return "", fmt.Errorf("insert cron job: %w", err)
	}
	return j.ID, nil
}

// DueCronJobs returns every enabled job whose next_run_at has passed.
func (d *DB) DueCronJobs(ctx context.Context, asOf time.Time) ([]model.CronJob, error) {
	rows, err := d.conn.QueryContext(ctx, cronSelectCols+`
FROM cron_jobs WHERE enabled = 1 AND next_run_at IS NOT NULL AND next_run_at <= ?
ORDER BY next_run_at ASC`, asOf.UTC().Format(timeLayout))
	if err != nil {
		return nil, fmt.Errorf("due cron jobs: %w", err)
	}
	defer rows.Close()

	var out []model.CronJob
	for rows.Next() {
		j, err := scanCronJob(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *j)
	}
	return out, rows.Err()
}

func (d *DB) ListCronJobs(ctx context.Context) ([]model.CronJob, error) {
	rows, err := d.conn.QueryContext(ctx, cronSelectCols+` FROM cron_jobs ORDER BY created_at ASC`)
	if err != nil {
		return nil, fmt.Errorf("list cron jobs: %w", err)
	}
	defer rows.Close()

	var out []model.CronJob
	for rows.Next() {
		j, err := scanCronJob(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *j)
	}
	return out, rows.Err()
}

// RecordCronRun updates a job's last-run bookkeeping and schedules its
// next fire time, after the scheduler has computed it.
func (d *DB) RecordCronRun(ctx context.Context, id string, ranAt time.Time, status model.CronStatus, lastError string, nextRunAt *time.Time) error {
	_, err := d.conn.ExecContext(ctx, `
UPDATE cron_jobs SET last_run_at = ?, last_status = ?, last_error = ?, next_run_at = ?, updated_at = ?
WHERE id = ?`, ranAt.UTC().Format(timeLayout), status, lastError, formatNullTime(nextRunAt),
		time.Now().UTC().Format(timeLayout), id)
	if err != nil {
		return fmt.Errorf("record cron run: %w", err)
	}
	return nil
}

func (d *DB) SetCronJobEnabled(ctx context.Context, id string, enabled bool) error {
	_, err := d.conn.ExecContext(ctx, `UPDATE cron_jobs SET enabled = ?, updated_at = ? WHERE id = ?`,
		boolToInt(enabled), time.Now().UTC().Format(timeLayout), id)
	return err
}

func (d *DB) DeleteCronJob(ctx context.Context, id string) error {
	_, err := d.conn.ExecContext(ctx, `DELETE FROM cron_jobs WHERE id = ?`, id)
	return err
}

const cronSelectCols = `SELECT id, name, enabled, schedule_kind, every_seconds, cron_expr, at_ts,
	workspace_id, channel_id, thread_ts, prompt_text, mode, next_run_at, last_run_at,
	last_status, last_error, created_at, updated_at`

func scanCronJob(row rowScanner) (*model.CronJob, error) {
	var j model.CronJob
	var enabled int
	var atTS, nextRunAt, lastRunAt sql.NullString
	var createdAt, updatedAt string
	if err := row.Scan(&j.ID, &j.Name, &enabled, &j.ScheduleKind, &j.EverySeconds, &j.CronExpr, &atTS,
		&j.WorkspaceID, &j.ChannelID, &j.ThreadTS, &j.PromptText, &j.Mode, &nextRunAt, &lastRunAt,
		&j.LastStatus, &j.LastError, &createdAt, &updatedAt); err != nil {
		return nil, err
	}
	j.Enabled = enabled != 0
	j.CreatedAt, _ = time.Parse(timeLayout, createdAt)
	j.UpdatedAt, _ = time.Parse(timeLayout, updatedAt)
	if atTS.Valid {
		v, _ := time.Parse(timeLayout, atTS.String)
		j.AtTS = &v
	}
	if nextRunAt.Valid {
		v, _ := time.Parse(timeLayout, nextRunAt.String)
		j.NextRunAt = &v
	}
	if lastRunAt.Valid {
		v, _ := time.Parse(timeLayout, lastRunAt.String)
		j.LastRunAt = &v
	}
	return &j, nil
}

func formatNullTime(t *time.Time) any {
	if t == nil {
		return nil
	}
	return t.UTC().Format(timeLayout)
}
