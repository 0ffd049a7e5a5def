package cron

import (
	"context"
	"testing"
	"time"

	"relaykit/app/core/model"
	"relaykit/app/core/store"
)

type recordingNotifier struct {
	sent []string
}

func (r *recordingNotifier) Send(_ context.Context, _ model.Provider, _, _, _, text string) error {
	r.sent = append(r.sent, text)
	return nil
}

func TestNextFireTimeEvery(t *testing.T) {
	job := model.CronJob{ID: "j1", ScheduleKind: model.ScheduleEvery, EverySeconds: 60}
	base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	next, err := NextFireTime(job, base)
	if err != nil {
		t.Fatalf("NextFireTime: %v", err)
	}
	if !next.Equal(base.Add(time.Minute)) {
		t.Fatalf("expected next fire at %v, got %v", base.Add(time.Minute), next)
	}
}

func TestNextFireTimeCron(t *testing.T) {
	job := model.CronJob{ID: "j1", ScheduleKind: model.ScheduleCron, CronExpr: "0 9 * * *"}
	base := time.Date(2026, 1, 1, 10, 0, 0, 0, time.UTC)
	next, err := NextFireTime(job, base)
	if err != nil {
		t.Fatalf("NextFireTime: %v", err)
	}
	want := time.Date(2026, 1, 2, 9, 0, 0, 0, time.UTC)
	if !next.Equal(want) {
		t.Fatalf("expected next fire at %v, got %v", want, next)
	}
}

func TestNextFireTimeAt(t *testing.T) {
	at := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)
	job := model.CronJob{ID: "j1", ScheduleKind: model.ScheduleAt, AtTS: &at}
	next, err := NextFireTime(job, time.Now())
	if err != nil {
		t.Fatalf("NextFireTime: %v", err)
	}
	if !next.Equal(at) {
		t.Fatalf("expected at-time %v, got %v", at, next)
	}
}

func TestFireDueJobsMessageMode(t *testing.T) {
	ctx := context.Background()
	db, err := store.Open(t.TempDir())
	if err != nil {
		t.Fatalf("store.Open: %v", err)
	}
	defer db.Close()

	notifier := &recordingNotifier{}
	sched := New(db, notifier, func(ctx context.Context, task model.Task) (int64, error) {
		return db.EnqueueTask(ctx, task)
	})

	past := time.Now().UTC().Add(-time.Minute)
	id, err := db.InsertCronJob(ctx, model.CronJob{
		Name: "reminder", Enabled: true, ScheduleKind: model.ScheduleEvery, EverySeconds: 3600,
		WorkspaceID: "W1", ChannelID: "C1", PromptText: "standup time", Mode: model.CronModeMessage,
		NextRunAt: &past,
	})
	if err != nil {
		t.Fatalf("InsertCronJob: %v", err)
	}

	if err := sched.fireDueJobs(ctx); err != nil {
		t.Fatalf("fireDueJobs: %v", err)
	}

	if len(notifier.sent) != 1 || notifier.sent[0] != "standup time" {
		t.Fatalf("expected the message to be delivered, got %v", notifier.sent)
	}

	jobs, err := db.ListCronJobs(ctx)
	if err != nil {
		t.Fatalf("ListCronJobs: %v", err)
	}
	var found *model.CronJob
	for i := range jobs {
		if jobs[i].ID == id {
			found = &jobs[i]
		}
	}
	if found == nil || found.LastStatus != model.CronStatusOK || found.NextRunAt == nil {
		t.Fatalf("expected job run recorded with a next run time, got %+v", found)
	}
}

func TestFireDueJobsAtModeDisablesAfterFiring(t *testing.T) {
	ctx := context.Background()
	db, err := store.Open(t.TempDir())
	if err != nil {
		t.Fatalf("store.Open: %v", err)
	}
	defer db.Close()

	notifier := &recordingNotifier{}
	sched := New(db, notifier, func(ctx context.Context, task model.Task) (int64, error) {
		return db.EnqueueTask(ctx, task)
	})

	past := time.Now().UTC().Add(-time.Minute)
	at := time.Now().UTC().Add(-time.Second)
	id, err := db.InsertCronJob(ctx, model.CronJob{
		Name: "one-off", Enabled: true, ScheduleKind: model.ScheduleAt, AtTS: &at,
		WorkspaceID: "W1", ChannelID: "C1", PromptText: "it's time", Mode: model.CronModeMessage,
		NextRunAt: &past,
	})
	if err != nil {
		t.Fatalf("InsertCronJob: %v", err)
	}

	if err := sched.fireDueJobs(ctx); err != nil {
		t.Fatalf("fireDueJobs: %v", err)
	}

	jobs, err := db.ListCronJobs(ctx)
	if err != nil {
		t.Fatalf("ListCronJobs: %v", err)
	}
	var found *model.CronJob
	for i := range jobs {
		if jobs[i].ID == id {
			found = &jobs[i]
		}
	}
	if found == nil || found.Enabled {
		t.Fatalf("expected the one-shot job to be disabled after firing, got %+v", found)
	}
}
