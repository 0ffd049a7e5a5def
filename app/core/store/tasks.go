package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"relaykit/app/core/model"
)

const timeLayout = time.RFC3339Nano

// EnqueueTask inserts a new queued task and returns its assigned id.
func (d *DB) EnqueueTask(ctx context.Context, t model.Task) (int64, error) {
	now := time.Now().UTC()
	res, err := d.conn.ExecContext(ctx, `
INSERT INTO tasks (status, provider, workspace_id, channel_id, thread_ts, event_ts,
	conversation_key, requested_by_user_id, prompt_text, created_at, is_proactive, reenqueue_count)
VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, 0)`,
		model.TaskQueued, t.Provider, t.WorkspaceID, t.ChannelID, t.ThreadTS, t.EventTS,
		t.ConversationKey, t.RequestedByUserID, t.PromptText, now.Format(timeLayout), boolToInt(t.IsProactive))
	if err != nil {
		return 0, fmt.Errorf("enqueue task: %w", err)
	}
	return res.LastInsertId()
}

// ClaimNextTask atomically claims the oldest queued task whose
// conversation_key has no live lease, marks it running under ownerID's
// lease for leaseDuration, and returns it. Returns (nil, nil) if no task
// is claimable. Grounded on grail/crates/grail-server/src/db.rs's
// claim_next_task: SQLite's single-writer transaction serializes
// concurrent claim attempts without an additional application-level CAS.
func (d *DB) ClaimNextTask(ctx context.Context, ownerID string, leaseDuration time.Duration) (*model.Task, error) {
	tx, err := d.conn.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()

	now := time.Now().UTC()
	row := tx.QueryRowContext(ctx, `
SELECT t.id, t.status, t.provider, t.workspace_id, t.channel_id, t.thread_ts, t.event_ts,
	t.conversation_key, t.requested_by_user_id, t.prompt_text, t.result_text, t.error_text,
	t.created_at, t.started_at, t.finished_at, t.is_proactive, t.reenqueue_count
FROM tasks t
LEFT JOIN conversation_locks l ON l.conversation_key = t.conversation_key
WHERE t.status = ? AND (l.conversation_key IS NULL OR l.lease_until <= ?)
ORDER BY t.created_at ASC
LIMIT 1`, model.TaskQueued, now.Format(timeLayout))

	task, err := scanTask(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("claim next task: %w", err)
	}

	leaseUntil := now.Add(leaseDuration)
	if _, err := tx.ExecContext(ctx, `
INSERT INTO conversation_locks (conversation_key, owner_id, lease_until)
VALUES (?, ?, ?)
ON CONFLICT(conversation_key) DO UPDATE SET owner_id = excluded.owner_id, lease_until = excluded.lease_until`,
		task.ConversationKey, ownerID, leaseUntil.Format(timeLayout)); err != nil {
		return nil, fmt.Errorf("acquire lease: %w", err)
	}

	if _, err := tx.ExecContext(ctx, `UPDATE tasks SET status = ?, started_at = ? WHERE id = ?`,
		model.TaskRunning, now.Format(timeLayout), task.ID); err != nil {
		return nil, fmt.Errorf("mark task running: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return nil, err
	}

	task.Status = model.TaskRunning
	task.StartedAt = &now
	return task, nil
}

// RenewLease extends ownerID's lease on conversationKey, failing if
// ownerID no longer holds it (e.g. it expired and was reclaimed).
func (d *DB) RenewLease(ctx context.Context, conversationKey, ownerID string, leaseDuration time.Duration) error {
	leaseUntil := time.Now().UTC().Add(leaseDuration)
	res, err := d.conn.ExecContext(ctx, `
UPDATE conversation_locks SET lease_until = ? WHERE conversation_key = ? AND owner_id = ?`,
		leaseUntil.Format(timeLayout), conversationKey, ownerID)
	if err != nil {
		return fmt.Errorf("renew lease: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("renew lease: %s no longer owns lease for %s", ownerID, conversationKey)
	}
	return nil
}

// ReleaseLease drops ownerID's lease on conversationKey so the next
// ClaimNextTask for that key can proceed immediately instead of waiting
// out the lease.
func (d *DB) ReleaseLease(ctx context.Context, conversationKey, ownerID string) error {
	_, err := d.conn.ExecContext(ctx, `
DELETE FROM conversation_locks WHERE conversation_key = ? AND owner_id = ?`, conversationKey, ownerID)
	if err != nil {
		return fmt.Errorf("release lease: %w", err)
	}
	return nil
}

// CompleteTask records the final result of a task and releases its
// conversation lease atomically, so the next queued task for that
// conversation_key becomes immediately claimable.
func (d *DB) CompleteTask(ctx context.Context, taskID int64, ownerID, conversationKey string, status model.TaskStatus, resultText, errorText string) error {
	tx, err := d.conn.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	now := time.Now().UTC()
	if _, err := tx.ExecContext(ctx, `
UPDATE tasks SET status = ?, result_text = ?, error_text = ?, finished_at = ? WHERE id = ?`,
		status, resultText, errorText, now.Format(timeLayout), taskID); err != nil {
		return fmt.Errorf("complete task: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `
DELETE FROM conversation_locks WHERE conversation_key = ? AND owner_id = ?`, conversationKey, ownerID); err != nil {
		return fmt.Errorf("release lease on completion: %w", err)
	}
	return tx.Commit()
}

// ReenqueueStuckTasks is the crash-recovery sweep: any task stuck
// "running" with an expired lease is either pushed back to queued (and
// its reenqueue_count bumped) or, once reenqueue_count reaches max,
// marked permanently errored. Returns the number of tasks re-queued and
// the number errored out.
func (d *DB) ReenqueueStuckTasks(ctx context.Context, reenqueueMax int) (requeued, errored int, err error) {
	now := time.Now().UTC().Format(timeLayout)
	rows, err := d.conn.QueryContext(ctx, `
SELECT t.id, t.reenqueue_count FROM tasks t
LEFT JOIN conversation_locks l ON l.conversation_key = t.conversation_key
WHERE t.status = ? AND (l.conversation_key IS NULL OR l.lease_until <= ?)`, model.TaskRunning, now)
	if err != nil {
		return 0, 0, fmt.Errorf("scan stuck tasks: %w", err)
	}
	type stuck struct {
		id    int64
		count int
	}
	var stuckTasks []stuck
	for rows.Next() {
		var s stuck
		if err := rows.Scan(&s.id, &s.count); err != nil {
			rows.Close()
			return 0, 0, err
		}
		stuckTasks = append(stuckTasks, s)
	}
	rows.Close()

	for _, s := range stuckTasks {
		if s.count+1 >= reenqueueMax {
			if _, err := d.conn.ExecContext(ctx, `
UPDATE tasks SET status = ?, error_text = ?, finished_at = ?, reenqueue_count = reenqueue_count + 1 WHERE id = ?`,
				model.TaskError, "exceeded reenqueue limit after crash recovery", now, s.id); err != nil {
				return requeued, errored, fmt.Errorf("error out stuck task %d: %w", s.id, err)
			}
			errored++
			continue
		}
		if _, err := d.conn.ExecContext(ctx, `
UPDATE tasks SET status = ?, started_at = NULL, reenqueue_count = reenqueue_count + 1 WHERE id = ?`,
			model.TaskQueued, s.id); err != nil {
			return requeued, errored, fmt.Errorf("requeue stuck task %d: %w", s.id, err)
		}
		requeued++
	}
	return requeued, errored, nil
}

func (d *DB) GetTask(ctx context.Context, id int64) (*model.Task, error) {
	row := d.conn.QueryRowContext(ctx, `
SELECT id, status, provider, workspace_id, channel_id, thread_ts, event_ts,
	conversation_key, requested_by_user_id, prompt_text, result_text, error_text,
	created_at, started_at, finished_at, is_proactive, reenqueue_count
FROM tasks WHERE id = ?`, id)
	task, err := scanTask(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	return task, err
}

// CancelTask implements spec.md §5's out-of-band cancellation write:
// queued → cancelled is always permitted; running → cancelled only sets
// the status column (the Worker actually watching the task is the one
// that observes it, via IsTaskCancelled, at its next approval/tool
// boundary and unwinds). A task already done/error/cancelled is left
// alone — cancellation of a finished task is a no-op, not an error.
func (d *DB) CancelTask(ctx context.Context, taskID int64) error {
	now := time.Now().UTC()
	_, err := d.conn.ExecContext(ctx, `
UPDATE tasks SET status = ?, finished_at = CASE WHEN status = ? THEN ? ELSE finished_at END
WHERE id = ? AND status IN (?, ?)`,
		model.TaskCancelled, model.TaskQueued, now.Format(timeLayout),
		taskID, model.TaskQueued, model.TaskRunning)
	if err != nil {
		return fmt.Errorf("cancel task: %w", err)
	}
	return nil
}

// IsTaskCancelled reports whether taskID's status has been set to
// cancelled since it started running. The Worker polls this at tool and
// approval boundaries rather than holding a lock, since cancellation is
// an out-of-band write from the admin surface.
func (d *DB) IsTaskCancelled(ctx context.Context, taskID int64) (bool, error) {
	var status model.TaskStatus
	err := d.conn.QueryRowContext(ctx, `SELECT status FROM tasks WHERE id = ?`, taskID).Scan(&status)
	if err == sql.ErrNoRows {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("check task cancellation: %w", err)
	}
	return status == model.TaskCancelled, nil
}

// ActiveTaskCount returns the number of tasks currently queued or running.
func (d *DB) ActiveTaskCount(ctx context.Context) (int, error) {
	var n int
	err := d.conn.QueryRowContext(ctx, `SELECT COUNT(*) FROM tasks WHERE status IN (?, ?)`,
		model.TaskQueued, model.TaskRunning).Scan(&n)
	return n, err
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanTask(row rowScanner) (*model.Task, error) {
	var t model.Task
	var createdAt string
	var startedAt, finishedAt sql.NullString
	var isProactive int
	if err := row.Scan(&t.ID, &t.Status, &t.Provider, &t.WorkspaceID, &t.ChannelID, &t.ThreadTS, &t.EventTS,
		&t.ConversationKey, &t.RequestedByUserID, &t.PromptText, &t.ResultText, &t.ErrorText,
		&createdAt, &startedAt, &finishedAt, &isProactive, &t.ReenqueueCount); err != nil {
		return nil, err
	}
	t.IsProactive = isProactive != 0
	t.CreatedAt, _ = time.Parse(timeLayout, createdAt)
	if startedAt.Valid {
		v, _ := time.Parse(timeLayout, startedAt.String)
		t.StartedAt = &v
	}
	if finishedAt.Valid {
		v, _ := time.Parse(timeLayout, finishedAt.String)
		t.FinishedAt = &v
	}
	return &t, nil
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
