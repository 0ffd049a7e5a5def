package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"relaykit/app/core/model"
)

// GetOrCreateSession loads the Session for conversationKey, creating an
// empty one on first touch.
func (d *DB) GetOrCreateSession(ctx context.Context, conversationKey string) (*model.Session, error) {
	session, err := d.GetSession(ctx, conversationKey)
	if err != nil {
		return nil, err
	}
	if session != nil {
		return session, nil
	}
	now := time.Now().UTC()
	if _, err := d.conn.ExecContext(ctx, `
INSERT INTO sessions (conversation_key, thread_id, memory_summary, updated_at) VALUES (?, '', '', ?)`,
		conversationKey, now.Format(timeLayout)); err != nil {
		return nil, fmt.Errorf("create session: %w", err)
	}
	return &model.Session{ConversationKey: conversationKey, UpdatedAt: now}, nil
}

func (d *DB) GetSession(ctx context.Context, conversationKey string) (*model.Session, error) {
	row := d.conn.QueryRowContext(ctx, `
SELECT conversation_key, thread_id, memory_summary, updated_at FROM sessions WHERE conversation_key = ?`, conversationKey)
	var s model.Session
	var updatedAt string
	err := row.Scan(&s.ConversationKey, &s.ThreadID, &s.MemorySummary, &updatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get session: %w", err)
	}
	s.UpdatedAt, _ = time.Parse(timeLayout, updatedAt)
	return &s, nil
}

func (d *DB) SaveSession(ctx context.Context, s model.Session) error {
	now := time.Now().UTC()
	_, err := d.conn.ExecContext(ctx, `
INSERT INTO sessions (conversation_key, thread_id, memory_summary, updated_at)
VALUES (?, ?, ?, ?)
ON CONFLICT(conversation_key) DO UPDATE SET thread_id = excluded.thread_id,
	memory_summary = excluded.memory_summary, updated_at = excluded.updated_at`,
		s.ConversationKey, s.ThreadID, s.MemorySummary, now.Format(timeLayout))
	if err != nil {
		return fmt.Errorf("save session: %w", err)
	}
	return nil
}
