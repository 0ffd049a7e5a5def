// Package ingress turns a raw provider event into zero or one enqueued
// Task: allow-list check, dedup insert, conversation_key derivation,
// enqueue. Grounded on spec.md §4.1's five numbered steps and the
// teacher's gateway/server.go inbound-event handling
// (alter0/app/core/interaction/gateway/server.go), generalized away from
// Slack/Telegram-specific payload shapes into one provider-agnostic
// Event.
package ingress

import (
	"context"
	"fmt"
	"strings"

	"relaykit/app/core/model"
	"relaykit/app/core/store"
)

// Event is the provider-agnostic shape every channel adapter normalizes
// into before calling Reduce.
type Event struct {
	Provider    model.Provider
	WorkspaceID string
	ChannelID   string
	ThreadTS    string
	EventTS     string
	EventID     string
	UserID      string
	Text        string
	IsProactive bool
}

// AllowListFunc returns the configured allow-list for a provider; an
// empty list means "no restriction". Supplied by the caller so ingress
// doesn't depend on the config package directly.
type AllowListFunc func(provider model.Provider) []string

type Reducer struct {
	db        *store.DB
	allowList AllowListFunc
}

func NewReducer(db *store.DB, allowList AllowListFunc) *Reducer {
	return &Reducer{db: db, allowList: allowList}
}

// Reduce implements spec.md §4.1's contract: allow-list, dedup, history
// buffer, conversation-key derivation, enqueue, in that order. A nil
// *model.Task with a nil error means the event was legitimately dropped
// (allow-list rejection or a dedup conflict), not a failure.
func (r *Reducer) Reduce(ctx context.Context, evt Event) (*model.Task, error) {
	if !r.isAllowed(evt) {
		return nil, nil
	}

	isNew, err := r.db.MarkEventProcessed(ctx, evt.WorkspaceID, evt.EventID)
	if err != nil {
		return nil, fmt.Errorf("ingress dedup: %w", err)
	}
	if !isNew {
		return nil, nil
	}

	if evt.Provider == model.ProviderTelegram {
		if err := r.db.AppendTelegramMessage(ctx, evt.ChannelID, evt.EventID, evt.UserID, evt.Text); err != nil {
			return nil, fmt.Errorf("ingress history buffer: %w", err)
		}
	}

	conversationKey := ConversationKey(evt.WorkspaceID, evt.ChannelID, evt.ThreadTS, evt.EventTS, evt.IsProactive)

	task := model.Task{
		Provider:          evt.Provider,
		WorkspaceID:       evt.WorkspaceID,
		ChannelID:         evt.ChannelID,
		ThreadTS:          evt.ThreadTS,
		EventTS:           evt.EventTS,
		ConversationKey:   conversationKey,
		RequestedByUserID: evt.UserID,
		PromptText:        evt.Text,
		IsProactive:       evt.IsProactive,
	}

	id, err := r.db.EnqueueTask(ctx, task)
	if err != nil {
		return nil, fmt.Errorf("ingress enqueue: %w", err)
	}
	task.ID = id
	task.Status = model.TaskQueued
	return &task, nil
}

func (r *Reducer) isAllowed(evt Event) bool {
	if r.allowList == nil {
		return true
	}
	list := r.allowList(evt.Provider)
	if len(list) == 0 {
		return true
	}
	for _, id := range list {
		if id == evt.UserID {
			return true
		}
	}
	return false
}

// ConversationKey computes the stable serialization key for an event per
// spec.md §4.1 step 4: threaded conversations (a reply, or any
// proactive/synthetic event carrying a thread) get their own key; a
// top-level message shares the channel's "main" key.
func ConversationKey(workspaceID, channelID, threadTS, eventTS string, isProactive bool) string {
	if threadTS != "" && (isProactive || threadTS != eventTS) {
		return strings.Join([]string{workspaceID, channelID, "thread", threadTS}, ":")
	}
	return strings.Join([]string{workspaceID, channelID, "main"}, ":")
}
