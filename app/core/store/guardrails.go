package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"

	"relaykit/app/core/model"
)

// InsertGuardrailRule adds a new rule and returns its id.
func (d *DB) InsertGuardrailRule(ctx context.Context, r model.GuardrailRule) (string, error) {
	tx, err := d.conn.BeginTx(ctx, nil)
	if err != nil {
		return "", err
	}
	defer tx.Rollback()

	if r.ID == "" {
		r.ID = uuid.NewString()
	}
	if err := insertGuardrailRuleTx(ctx, tx, r); err != nil {
		return "", err
	}
	if err := tx.Commit(); err != nil {
		return "", err
	}
	return r.ID, nil
}

func insertGuardrailRuleTx(ctx context.Context, tx *sql.Tx, r model.GuardrailRule) error {
	if r.ID == "" {
		r.ID = uuid.NewString()
	}
	now := time.Now().UTC()
	_, err := tx.ExecContext(ctx, `
INSERT INTO guardrail_rules (id, workspace_id, name, kind, pattern_kind, pattern, action,
	priority, enabled, created_at, updated_at)
VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		r.ID, r.WorkspaceID, r.Name, r.Kind, r.PatternKind, r.Pattern, r.Action,
		r.Priority, boolToInt(r.Enabled), now.Format(timeLayout), now.Format(timeLayout))
	return err
}

// ListGuardrailRules returns every enabled rule of kind, ordered
// (priority ASC, created_at ASC) for first-match-wins evaluation.
func (d *DB) ListGuardrailRules(ctx context.Context, kind model.GuardrailKind) ([]model.GuardrailRule, error) {
	rows, err := d.conn.QueryContext(ctx, `
SELECT id, workspace_id, name, kind, pattern_kind, pattern, action, priority, enabled, created_at, updated_at
FROM guardrail_rules WHERE kind = ? AND enabled = 1 ORDER BY priority ASC, created_at ASC`, kind)
	if err != nil {
		return nil, fmt.Errorf("list guardrail rules: %w", err)
	}
	defer rows.Close()

	var out []model.GuardrailRule
	for rows.Next() {
		r, err := scanGuardrailRule(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *r)
	}
	return out, rows.Err()
}

// ListAllGuardrailRules returns every rule regardless of enabled state,
// for admin listing.
func (d *DB) ListAllGuardrailRules(ctx context.Context) ([]model.GuardrailRule, error) {
	rows, err := d.conn.QueryContext(ctx, `
SELECT id, workspace_id, name, kind, pattern_kind, pattern, action, priority, enabled, created_at, updated_at
FROM guardrail_rules ORDER BY kind ASC, priority ASC, created_at ASC`)
	if err != nil {
		return nil, fmt.Errorf("list all guardrail rules: %w", err)
	}
	defer rows.Close()

	var out []model.GuardrailRule
	for rows.Next() {
		r, err := scanGuardrailRule(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *r)
	}
	return out, rows.Err()
}

func (d *DB) DeleteGuardrailRule(ctx context.Context, id string) error {
	_, err := d.conn.ExecContext(ctx, `DELETE FROM guardrail_rules WHERE id = ?`, id)
	return err
}

func (d *DB) SetGuardrailRuleEnabled(ctx context.Context, id string, enabled bool) error {
	_, err := d.conn.ExecContext(ctx, `UPDATE guardrail_rules SET enabled = ?, updated_at = ? WHERE id = ?`,
		boolToInt(enabled), time.Now().UTC().Format(timeLayout), id)
	return err
}

func scanGuardrailRule(row rowScanner) (*model.GuardrailRule, error) {
	var r model.GuardrailRule
	var enabled int
	var createdAt, updatedAt string
	if err := row.Scan(&r.ID, &r.WorkspaceID, &r.Name, &r.Kind, &r.PatternKind, &r.Pattern, &r.Action,
		&r.Priority, &enabled, &createdAt, &updatedAt); err != nil {
		return nil, err
	}
	r.Enabled = enabled != 0
	r.CreatedAt, _ = time.Parse(timeLayout, createdAt)
	r.UpdatedAt, _ = time.Parse(timeLayout, updatedAt)
	return &r, nil
}
