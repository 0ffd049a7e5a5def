// Package approval manages the human-in-the-loop decision lifecycle: a
// Worker requests approval for a guardrail-gated action and blocks (with
// a context deadline) until an operator decides through the admin HTTP
// surface, or the request expires. The in-process wake-up is a
// channel-per-approval waiter map, the same shape gopherclaw's
// internal/gateway/queue.go uses for per-session completion signaling;
// durability and the actual state machine live in the Store, so a
// restart loses only the in-memory wake-up (a poller picks the decision
// up from the Store on the next check).
package approval

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"relaykit/app/core/model"
	"relaykit/app/core/store"
	"relaykit/app/pkg/logger"
)

type Registry struct {
	db *store.DB

	mu      sync.Mutex
	waiters map[string]chan model.Approval

	pollInterval time.Duration
}

func NewRegistry(db *store.DB) *Registry {
	return &Registry{
		db:           db,
		waiters:      make(map[string]chan model.Approval),
		pollInterval: 2 * time.Second,
	}
}

// Request creates a pending approval and blocks until it is decided,
// ctx is cancelled, or expireAfter elapses (the latter resolved by the
// background ExpireLoop, not locally, so expiry is visible to every
// process watching the Store).
func (r *Registry) Request(ctx context.Context, kind model.ApprovalKind, workspaceID, channelID, threadTS, requestedByUserID string, details any) (model.Approval, error) {
	detailsJSON, err := json.Marshal(details)
	if err != nil {
		return model.Approval{}, fmt.Errorf("marshal approval details: %w", err)
	}

	id, err := r.db.CreateApproval(ctx, model.Approval{
		Kind: kind, WorkspaceID: workspaceID, ChannelID: channelID, ThreadTS: threadTS,
		RequestedByUserID: requestedByUserID, DetailsJSON: string(detailsJSON),
	})
	if err != nil {
		return model.Approval{}, err
	}

	wait := r.registerWaiter(id)
	defer r.unregisterWaiter(id)

	ticker := time.NewTicker(r.pollInterval)
	defer ticker.Stop()

	for {
		select {
		case decided := <-wait:
			return decided, nil
		case <-ticker.C:
			a, err := r.db.GetApproval(ctx, id)
			if err != nil {
				logger.Error("approval: poll %s failed: %v", id, err)
				continue
			}
			if a != nil && a.Status != model.ApprovalPending {
				return *a, nil
			}
		case <-ctx.Done():
			return model.Approval{}, ctx.Err()
		}
	}
}

// Decide resolves a pending approval by id. When decision is "always",
// rule is inserted as a new GuardrailRule atomically with the decision,
// and wakes any in-process waiter.
func (r *Registry) Decide(ctx context.Context, id string, decision model.ApprovalDecision, rule *model.GuardrailRule) error {
	if err := r.db.DecideApproval(ctx, id, decision, rule); err != nil {
		return err
	}
	a, err := r.db.GetApproval(ctx, id)
	if err != nil {
		return err
	}
	r.notifyWaiter(id, *a)
	return nil
}

// ExpireLoop periodically expires pending approvals older than
// expireAfter until ctx is cancelled. Run once per process; expiry is a
// Store-wide effect so running it in more than one process is harmless
// but wasteful.
func (r *Registry) ExpireLoop(ctx context.Context, expireAfter time.Duration) {
	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			n, err := r.db.ExpirePendingApprovals(ctx, expireAfter)
			if err != nil {
				logger.Error("approval: expire sweep failed: %v", err)
				continue
			}
			if n > 0 {
				logger.Info("approval: expired %d stale pending approvals", n)
			}
		}
	}
}

func (r *Registry) registerWaiter(id string) <-chan model.Approval {
	ch := make(chan model.Approval, 1)
	r.mu.Lock()
	r.waiters[id] = ch
	r.mu.Unlock()
	return ch
}

func (r *Registry) unregisterWaiter(id string) {
	r.mu.Lock()
	delete(r.waiters, id)
	r.mu.Unlock()
}

func (r *Registry) notifyWaiter(id string, a model.Approval) {
	r.mu.Lock()
	ch, ok := r.waiters[id]
	r.mu.Unlock()
	if !ok {
		return
	}
	select {
	case ch <- a:
	default:
	}
}
