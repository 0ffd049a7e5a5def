// Package dispatcher implements spec.md §4.5: poll the Store for
// claimable tasks, lease their conversation_key, hand off to a bounded
// worker pool, renew the lease while work runs, and release on
// completion. The claim/lease/renew/release mechanics live in the Store
// (app/core/store) so they survive a restart; this package only bounds
// in-process concurrency and drives the polling clock, grounded on
// ebrakke-gopherclaw's internal/gateway/queue.go use of
// golang.org/x/sync/semaphore.Weighted to cap concurrent work — but
// without that file's per-session lane channels, since the Store's
// conversation_locks CAS already guarantees at most one in-flight claim
// per conversation_key; a second in-memory lane would only duplicate
// that guarantee.
package dispatcher

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/semaphore"

	"relaykit/app/core/model"
	"relaykit/app/core/store"
	"relaykit/app/pkg/logger"
)

// Worker executes one claimed task to completion and reports its final
// status. It must not panic; Dispatcher recovers panics defensively but
// treats them as Corruption.
type Worker interface {
	Execute(ctx context.Context, task model.Task) (status model.TaskStatus, resultText, errorText string)
}

type Config struct {
	Concurrency   int
	PollInterval  time.Duration
	LeaseDuration time.Duration
	ReenqueueMax  int
}

type Dispatcher struct {
	db     *store.DB
	worker Worker
	cfg    Config
	sem    *semaphore.Weighted

	wg sync.WaitGroup
}

func New(db *store.DB, worker Worker, cfg Config) *Dispatcher {
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = 1
	}
	return &Dispatcher{
		db:     db,
		worker: worker,
		cfg:    cfg,
		sem:    semaphore.NewWeighted(int64(cfg.Concurrency)),
	}
}

// Run polls and dispatches until ctx is cancelled, then waits for
// in-flight tasks to finish.
func (d *Dispatcher) Run(ctx context.Context) {
	pollTicker := time.NewTicker(d.cfg.PollInterval)
	defer pollTicker.Stop()
	recoveryTicker := time.NewTicker(d.cfg.LeaseDuration)
	defer recoveryTicker.Stop()

	for {
		select {
		case <-ctx.Done():
			d.wg.Wait()
			return
		case <-recoveryTicker.C:
			d.runRecoverySweep(ctx)
		case <-pollTicker.C:
			d.pollOnce(ctx)
		}
	}
}

func (d *Dispatcher) runRecoverySweep(ctx context.Context) {
	requeued, errored, err := d.db.ReenqueueStuckTasks(ctx, d.cfg.ReenqueueMax)
	if err != nil {
		logger.Error("dispatcher: recovery sweep failed: %v", err)
		return
	}
	if requeued > 0 || errored > 0 {
		logger.Info("dispatcher: recovery sweep requeued=%d errored=%d", requeued, errored)
	}
}

func (d *Dispatcher) pollOnce(ctx context.Context) {
	if !d.sem.TryAcquire(1) {
		return
	}

	ownerID := uuid.NewString()
	task, err := d.db.ClaimNextTask(ctx, ownerID, d.cfg.LeaseDuration)
	if err != nil {
		d.sem.Release(1)
		logger.Error("dispatcher: claim failed: %v", err)
		return
	}
	if task == nil {
		d.sem.Release(1)
		return
	}

	logger.Debug("dispatcher: claimed task %d for conversation %s (owner %s)", task.ID, task.ConversationKey, ownerID)
	d.wg.Add(1)
	go d.runTask(ctx, ownerID, *task)
}

func (d *Dispatcher) runTask(ctx context.Context, ownerID string, task model.Task) {
	defer d.wg.Done()
	defer d.sem.Release(1)

	renewCtx, stopRenew := context.WithCancel(ctx)
	defer stopRenew()
	go d.renewLeaseLoop(renewCtx, ownerID, task.ConversationKey)

	status, resultText, errorText := d.executeWithRecover(ctx, task)

	if err := d.db.CompleteTask(ctx, task.ID, ownerID, task.ConversationKey, status, resultText, errorText); err != nil {
		logger.Error("dispatcher: complete task %d failed: %v", task.ID, err)
	}
}

func (d *Dispatcher) executeWithRecover(ctx context.Context, task model.Task) (status model.TaskStatus, resultText, errorText string) {
	defer func() {
		if r := recover(); r != nil {
			logger.Error("dispatcher: worker panicked on task %d: %v", task.ID, r)
			status, resultText, errorText = model.TaskError, "", "internal error"
		}
	}()
	return d.worker.Execute(ctx, task)
}

func (d *Dispatcher) renewLeaseLoop(ctx context.Context, ownerID, conversationKey string) {
	interval := d.cfg.LeaseDuration / 3
	if interval <= 0 {
		interval = time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := d.db.RenewLease(ctx, conversationKey, ownerID, d.cfg.LeaseDuration); err != nil {
				logger.Error("dispatcher: lease renewal for %s failed: %v", conversationKey, err)
				return
			}
		}
	}
}
