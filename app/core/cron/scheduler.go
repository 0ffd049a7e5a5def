// Package cron fires scheduled Tasks and direct messages per spec.md
// §4.4. The tick loop is this package's own — a single always-running
// 1Hz sweep, not a registry of named jobs — since cron only ever has one
// thing to drive (DueCronJobs). TickStatus exposes the same run-count/
// last-error bookkeeping the admin surface needs without pulling in a
// general-purpose job scheduler for a single caller. Next-fire-time math
// for 5-field cron expressions is delegated to robfig/cron/v3's parser,
// used purely as a calculator (ParseStandard + Next), the same
// next-fire-only usage ebrakke-gopherclaw's internal/scheduler/scheduler.go
// makes of the library.
package cron

import (
	"context"
	"fmt"
	"sync"
	"time"

	robfig "github.com/robfig/cron/v3"

	"relaykit/app/core/ingress"
	"relaykit/app/core/model"
	"relaykit/app/core/notifier"
	"relaykit/app/core/store"
	"relaykit/app/pkg/logger"
)

const sweepTimeout = 30 * time.Second

// TickStatus is a snapshot of the sweep loop's run history.
type TickStatus struct {
	Runs         int64
	LastStartAt  time.Time
	LastEndAt    time.Time
	LastError    string
	LastDuration time.Duration
}

type Scheduler struct {
	db       *store.DB
	notifier notifier.Notifier
	enqueue  func(ctx context.Context, t model.Task) (int64, error)

	tickInterval time.Duration

	mu      sync.Mutex
	status  TickStatus
	started bool
	stop    context.CancelFunc
	done    chan struct{}
}

func New(db *store.DB, n notifier.Notifier, enqueue func(ctx context.Context, t model.Task) (int64, error)) *Scheduler {
	return &Scheduler{
		db:           db,
		notifier:     n,
		enqueue:      enqueue,
		tickInterval: time.Second,
	}
}

func (s *Scheduler) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.started {
		s.mu.Unlock()
		return fmt.Errorf("cron: scheduler already started")
	}
	tickCtx, cancel := context.WithCancel(ctx)
	s.started = true
	s.stop = cancel
	s.done = make(chan struct{})
	s.mu.Unlock()

	go s.runLoop(tickCtx)
	return nil
}

func (s *Scheduler) Stop(timeout time.Duration) error {
	s.mu.Lock()
	if !s.started {
		s.mu.Unlock()
		return nil
	}
	cancel := s.stop
	done := s.done
	s.started = false
	s.mu.Unlock()

	cancel()
	if timeout <= 0 {
		<-done
		return nil
	}
	select {
	case <-done:
		return nil
	case <-time.After(timeout):
		return fmt.Errorf("cron: stop timeout after %s", timeout)
	}
}

// Status returns the most recent sweep's run history.
func (s *Scheduler) Status() TickStatus {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.status
}

func (s *Scheduler) runLoop(ctx context.Context) {
	defer close(s.done)
	ticker := time.NewTicker(s.tickInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.runSweep(ctx)
		}
	}
}

func (s *Scheduler) runSweep(parent context.Context) {
	start := time.Now()
	runCtx, cancel := context.WithTimeout(parent, sweepTimeout)
	defer cancel()

	err := s.fireDueJobs(runCtx)
	end := time.Now()

	s.mu.Lock()
	s.status.Runs++
	s.status.LastStartAt = start
	s.status.LastEndAt = end
	s.status.LastDuration = end.Sub(start)
	if err != nil {
		s.status.LastError = err.Error()
	} else {
		s.status.LastError = ""
	}
	s.mu.Unlock()

	if err != nil {
		logger.Error("cron: sweep failed: %v", err)
	}
}

func (s *Scheduler) fireDueJobs(ctx context.Context) error {
	now := time.Now().UTC()
	due, err := s.db.DueCronJobs(ctx, now)
	if err != nil {
		return fmt.Errorf("list due cron jobs: %w", err)
	}
	for _, job := range due {
		s.fireJob(ctx, job, now)
	}
	return nil
}

func (s *Scheduler) fireJob(ctx context.Context, job model.CronJob, now time.Time) {
	fireErr := s.deliver(ctx, job)

	status := model.CronStatusOK
	lastError := ""
	if fireErr != nil {
		status = model.CronStatusError
		lastError = fireErr.Error()
		logger.Error("cron: job %s (%s) failed: %v", job.ID, job.Name, fireErr)
	}

	var nextRun *time.Time
	if job.ScheduleKind != model.ScheduleAt {
		next, err := NextFireTime(job, now)
		if err != nil {
			logger.Error("cron: job %s (%s) next fire time: %v", job.ID, job.Name, err)
		} else {
			nextRun = &next
		}
	}

	if err := s.db.RecordCronRun(ctx, job.ID, now, status, lastError, nextRun); err != nil {
		logger.Error("cron: job %s (%s) record run: %v", job.ID, job.Name, err)
	}

	if job.ScheduleKind == model.ScheduleAt {
		if err := s.db.SetCronJobEnabled(ctx, job.ID, false); err != nil {
			logger.Error("cron: job %s (%s) disable after one-shot fire: %v", job.ID, job.Name, err)
		}
	}
}

func (s *Scheduler) deliver(ctx context.Context, job model.CronJob) error {
	switch job.Mode {
	case model.CronModeMessage:
		return s.notifier.Send(ctx, model.ProviderSlack, job.WorkspaceID, job.ChannelID, job.ThreadTS, job.PromptText)
	case model.CronModeAgent:
		_, err := s.enqueue(ctx, model.Task{
			Provider:          model.ProviderSlack,
			WorkspaceID:       job.WorkspaceID,
			ChannelID:         job.ChannelID,
			ThreadTS:          job.ThreadTS,
			ConversationKey:   conversationKey(job.WorkspaceID, job.ChannelID, job.ThreadTS),
			RequestedByUserID: "cron:" + job.ID,
			PromptText:        job.PromptText,
			IsProactive:       true,
		})
		return err
	default:
		return fmt.Errorf("unknown cron mode %q", job.Mode)
	}
}

// conversationKey derives a cron task's key with the same scheme ingress
// uses for a proactive event, so a cron-fired task serializes with the
// user messages of the conversation it posts into.
func conversationKey(workspaceID, channelID, threadTS string) string {
	return ingress.ConversationKey(workspaceID, channelID, threadTS, "", true)
}

// NextFireTime computes when job should next fire, given it is firing
// (or being created) at asOf.
func NextFireTime(job model.CronJob, asOf time.Time) (time.Time, error) {
	switch job.ScheduleKind {
	case model.ScheduleEvery:
		if job.EverySeconds <= 0 {
			return time.Time{}, fmt.Errorf("every-schedule job %s has non-positive interval", job.ID)
		}
		return asOf.Add(time.Duration(job.EverySeconds) * time.Second), nil
	case model.ScheduleCron:
		schedule, err := robfig.ParseStandard(job.CronExpr)
		if err != nil {
			return time.Time{}, fmt.Errorf("parse cron expression %q: %w", job.CronExpr, err)
		}
		return schedule.Next(asOf), nil
	case model.ScheduleAt:
		if job.AtTS == nil {
			return time.Time{}, fmt.Errorf("at-schedule job %s has no at_ts", job.ID)
		}
		return *job.AtTS, nil
	default:
		return time.Time{}, fmt.Errorf("unknown schedule kind %q", job.ScheduleKind)
	}
}
