package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"relaykit/app/core/model"
)

func (d *DB) GetMemory(ctx context.Context, memoryKey string) (*model.ObservationalMemory, error) {
	row := d.conn.QueryRowContext(ctx, `
SELECT memory_key, scope, observation_log, reflection_summary, updated_at
FROM observational_memory WHERE memory_key = ?`, memoryKey)
	var m model.ObservationalMemory
	var updatedAt string
	err := row.Scan(&m.MemoryKey, &m.Scope, &m.ObservationLog, &m.ReflectionSummary, &updatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get memory: %w", err)
	}
	m.UpdatedAt, _ = time.Parse(timeLayout, updatedAt)
	return &m, nil
}

func (d *DB) ListMemory(ctx context.Context) ([]model.ObservationalMemory, error) {
	rows, err := d.conn.QueryContext(ctx, `
SELECT memory_key, scope, observation_log, reflection_summary, updated_at
FROM observational_memory ORDER BY memory_key ASC`)
	if err != nil {
		return nil, fmt.Errorf("list memory: %w", err)
	}
	defer rows.Close()

	var out []model.ObservationalMemory
	for rows.Next() {
		var m model.ObservationalMemory
		var updatedAt string
		if err := rows.Scan(&m.MemoryKey, &m.Scope, &m.ObservationLog, &m.ReflectionSummary, &updatedAt); err != nil {
			return nil, err
		}
		m.UpdatedAt, _ = time.Parse(timeLayout, updatedAt)
		out = append(out, m)
	}
	return out, rows.Err()
}

func (d *DB) SaveMemory(ctx context.Context, m model.ObservationalMemory) error {
	now := time.Now().UTC()
	_, err := d.conn.ExecContext(ctx, `
INSERT INTO observational_memory (memory_key, scope, observation_log, reflection_summary, updated_at)
VALUES (?, ?, ?, ?, ?)
ON CONFLICT(memory_key) DO UPDATE SET scope = excluded.scope, observation_log = excluded.observation_log,
	reflection_summary = excluded.reflection_summary, updated_at = excluded.updated_at`,
		m.MemoryKey, m.Scope, m.ObservationLog, m.ReflectionSummary, now.Format(timeLayout))
	if err != nil {
		return fmt.Errorf("save memory: %w", err)
	}
	return nil
}

func (d *DB) DeleteMemory(ctx context.Context, memoryKey string) error {
	_, err := d.conn.ExecContext(ctx, `DELETE FROM observational_memory WHERE memory_key = ?`, memoryKey)
	return err
}
