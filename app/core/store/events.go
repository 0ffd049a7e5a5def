package store

import (
	"context"
	"fmt"
	"time"
)

// MarkEventProcessed records (workspaceID, eventID) as seen and reports
// whether this call is the one that first inserted it. A false return
// means the event was already processed and ingress should drop it.
func (d *DB) MarkEventProcessed(ctx context.Context, workspaceID, eventID string) (bool, error) {
	res, err := d.conn.ExecContext(ctx, `
INSERT INTO processed_events (workspace_id, event_id, processed_at) VALUES (?, ?, ?)
ON CONFLICT(workspace_id, event_id) DO NOTHING`,
		workspaceID, eventID, time.Now().UTC().Format(timeLayout))
	if err != nil {
		return false, fmt.Errorf("mark event processed: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

// PruneProcessedEvents deletes dedup records older than olderThan so the
// table doesn't grow without bound.
func (d *DB) PruneProcessedEvents(ctx context.Context, olderThan time.Duration) (int, error) {
	cutoff := time.Now().UTC().Add(-olderThan).Format(timeLayout)
	res, err := d.conn.ExecContext(ctx, `DELETE FROM processed_events WHERE processed_at <= ?`, cutoff)
	if err != nil {
		return 0, fmt.Errorf("prune processed events: %w", err)
	}
	n, err := res.RowsAffected()
	return int(n), err
}

// AppendTelegramMessage records one Telegram message for chatID's history
// buffer. Telegram chat history isn't independently fetchable the way
// Slack's conversations.history is, so ingress keeps its own append-only
// log per spec.md §4.1 step 3. Duplicate (chatID, messageID) pairs (a
// redelivery) are dropped rather than erroring.
func (d *DB) AppendTelegramMessage(ctx context.Context, chatID, messageID, userID, text string) error {
	_, err := d.conn.ExecContext(ctx, `
INSERT INTO telegram_messages (chat_id, message_id, user_id, text, received_at) VALUES (?, ?, ?, ?, ?)
ON CONFLICT(chat_id, message_id) DO NOTHING`,
		chatID, messageID, userID, text, time.Now().UTC().Format(timeLayout))
	if err != nil {
		return fmt.Errorf("append telegram message: %w", err)
	}
	return nil
}

// TelegramMessage is one row of a chat's buffered history.
type TelegramMessage struct {
	ChatID     string
	MessageID  string
	UserID     string
	Text       string
	ReceivedAt time.Time
}

// ListTelegramMessages returns chatID's buffered history, oldest first,
// capped at limit rows (most recent limit rows if the buffer is longer).
func (d *DB) ListTelegramMessages(ctx context.Context, chatID string, limit int) ([]TelegramMessage, error) {
	rows, err := d.conn.QueryContext(ctx, `
SELECT chat_id, message_id, user_id, text, received_at FROM telegram_messages
WHERE chat_id = ? ORDER BY received_at DESC LIMIT ?`, chatID, limit)
	if err != nil {
		return nil, fmt.Errorf("list telegram messages: %w", err)
	}
	defer rows.Close()

	var out []TelegramMessage
	for rows.Next() {
		var m TelegramMessage
		var receivedAt string
		if err := rows.Scan(&m.ChatID, &m.MessageID, &m.UserID, &m.Text, &receivedAt); err != nil {
			return nil, err
		}
		m.ReceivedAt, _ = time.Parse(timeLayout, receivedAt)
		out = append(out, m)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	for i, j := 0, len(out)-1; i < j; i, j = i+1, j-1 {
		out[i], out[j] = out[j], out[i]
	}
	return out, nil
}
