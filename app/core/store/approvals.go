package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"

	"relaykit/app/core/model"
)

// CreateApproval inserts a new pending approval and returns its id.
func (d *DB) CreateApproval(ctx context.Context, a model.Approval) (string, error) {
	id := uuid.NewString()
	now := time.Now().UTC()
	_, err := d.conn.ExecContext(ctx, `
INSERT INTO approvals (id, kind, status, decision, workspace_id, channel_id, thread_ts,
	requested_by_user_id, details_json, created_at, updated_at)
VALUES (?, ?, ?, '', ?, ?, ?, ?, ?, ?, ?)`,
		id, a.Kind, model.ApprovalPending, a.WorkspaceID, a.ChannelID, a.ThreadTS,
		a.RequestedByUserID, a.DetailsJSON, now.Format(timeLayout), now.Format(timeLayout))
	if err != nil {
		return "", fmt.Errorf("create approval: %w", err)
	}
	return id, nil
}

func (d *DB) GetApproval(ctx context.Context, id string) (*model.Approval, error) {
	row := d.conn.QueryRowContext(ctx, approvalSelectCols+` FROM approvals WHERE id = ?`, id)
	a, err := scanApproval(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	return a, err
}

func (d *DB) ListApprovalsByStatus(ctx context.Context, status model.ApprovalStatus) ([]model.Approval, error) {
	rows, err := d.conn.QueryContext(ctx, approvalSelectCols+` FROM approvals WHERE status = ? ORDER BY created_at ASC`, status)
	if err != nil {
		return nil, fmt.Errorf("list approvals: %w", err)
	}
	defer rows.Close()

	var out []model.Approval
	for rows.Next() {
		a, err := scanApproval(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *a)
	}
	return out, rows.Err()
}

// DecideApproval resolves a pending approval. When decision is "always",
// newRule is inserted as a new GuardrailRule in the same transaction, so
// the decision and the policy change it implies land atomically.
//
// Idempotent on terminal approvals per spec.md §4.3: if id has already
// been resolved (by a concurrent caller, or by whoever woke the Worker up
// with the very decision it's about to re-apply), this is a no-op rather
// than an error — it does not re-insert newRule or re-stamp resolved_at.
func (d *DB) DecideApproval(ctx context.Context, id string, decision model.ApprovalDecision, newRule *model.GuardrailRule) error {
	tx, err := d.conn.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	status := model.ApprovalApproved
	if decision == model.DecisionDeny {
		status = model.ApprovalDenied
	}
	now := time.Now().UTC()
	res, err := tx.ExecContext(ctx, `
UPDATE approvals SET status = ?, decision = ?, updated_at = ?, resolved_at = ?
WHERE id = ? AND status = ?`,
		status, decision, now.Format(timeLayout), now.Format(timeLayout), id, model.ApprovalPending)
	if err != nil {
		return fmt.Errorf("decide approval: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		existing, err := scanApproval(tx.QueryRowContext(ctx, approvalSelectCols+` FROM approvals WHERE id = ?`, id))
		if err == sql.ErrNoRows {
			return fmt.Errorf("approval %s not found", id)
		}
		if err != nil {
			return fmt.Errorf("decide approval: %w", err)
		}
		if existing.Status == model.ApprovalPending {
			return fmt.Errorf("approval %s is not pending", id)
		}
		return nil
	}

	if decision == model.DecisionAlways && newRule != nil {
		if err := insertGuardrailRuleTx(ctx, tx, *newRule); err != nil {
			return fmt.Errorf("insert always-rule: %w", err)
		}
	}

	return tx.Commit()
}

// ExpirePendingApprovals marks every pending approval older than
// olderThan as expired and returns how many were expired.
func (d *DB) ExpirePendingApprovals(ctx context.Context, olderThan time.Duration) (int, error) {
	cutoff := time.Now().UTC().Add(-olderThan)
	now := time.Now().UTC()
	res, err := d.conn.ExecContext(ctx, `
UPDATE approvals SET status = ?, updated_at = ?, resolved_at = ?
WHERE status = ? AND created_at <= ?`,
		model.ApprovalExpired, now.Format(timeLayout), now.Format(timeLayout),
		model.ApprovalPending, cutoff.Format(timeLayout))
	if err != nil {
		return 0, fmt.Errorf("expire approvals: %w", err)
	}
	n, err := res.RowsAffected()
	return int(n), err
}

const approvalSelectCols = `SELECT id, kind, status, decision, workspace_id, channel_id, thread_ts,
	requested_by_user_id, details_json, created_at, updated_at, resolved_at`

func scanApproval(row rowScanner) (*model.Approval, error) {
	var a model.Approval
	var createdAt, updatedAt string
	var resolvedAt sql.NullString
	if err := row.Scan(&a.ID, &a.Kind, &a.Status, &a.Decision, &a.WorkspaceID, &a.ChannelID, &a.ThreadTS,
		&a.RequestedByUserID, &a.DetailsJSON, &createdAt, &updatedAt, &resolvedAt); err != nil {
		return nil, err
	}
	a.CreatedAt, _ = time.Parse(timeLayout, createdAt)
	a.UpdatedAt, _ = time.Parse(timeLayout, updatedAt)
	if resolvedAt.Valid {
		v, _ := time.Parse(timeLayout, resolvedAt.String)
		a.ResolvedAt = &v
	}
	return &a, nil
}
