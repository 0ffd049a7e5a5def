package store

import (
	"context"
	"testing"
	"time"

	"relaykit/app/core/model"
)

func openTestDB(t *testing.T) *DB {
	t.Helper()
	db, err := Open(t.TempDir())
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })
	return db
}

func TestEnqueueAndClaimTask(t *testing.T) {
	ctx := context.Background()
	db := openTestDB(t)

	id, err := db.EnqueueTask(ctx, model.Task{
		Provider:        model.ProviderSlack,
		WorkspaceID:     "W1",
		ChannelID:       "C1",
		ConversationKey: "W1:C1",
		PromptText:      "hello",
	})
	if err != nil {
		t.Fatalf("EnqueueTask: %v", err)
	}
	if id == 0 {
		t.Fatal("expected nonzero task id")
	}

	claimed, err := db.ClaimNextTask(ctx, "owner-1", time.Minute)
	if err != nil {
		t.Fatalf("ClaimNextTask: %v", err)
	}
	if claimed == nil {
		t.Fatal("expected a claimed task")
	}
	if claimed.Status != model.TaskRunning {
		t.Fatalf("expected running status, got %q", claimed.Status)
	}

	second, err := db.ClaimNextTask(ctx, "owner-2", time.Minute)
	if err != nil {
		t.Fatalf("second ClaimNextTask: %v", err)
	}
	if second != nil {
		t.Fatal("expected no claimable task while lease is held")
	}
}

func TestClaimRespectsExpiredLease(t *testing.T) {
	ctx := context.Background()
	db := openTestDB(t)

	_, err := db.EnqueueTask(ctx, model.Task{
		Provider: model.ProviderSlack, WorkspaceID: "W1", ChannelID: "C1",
		ConversationKey: "W1:C1", PromptText: "hello",
	})
	if err != nil {
		t.Fatalf("EnqueueTask: %v", err)
	}

	if _, err := db.ClaimNextTask(ctx, "owner-1", -time.Second); err != nil {
		t.Fatalf("ClaimNextTask: %v", err)
	}

	// The first task stays running (only the recovery sweep re-queues
	// it); the expired lease must not block the next queued task of the
	// same conversation.
	if _, err := db.EnqueueTask(ctx, model.Task{
		Provider: model.ProviderSlack, WorkspaceID: "W1", ChannelID: "C1",
		ConversationKey: "W1:C1", PromptText: "second",
	}); err != nil {
		t.Fatalf("EnqueueTask 2: %v", err)
	}

	second, err := db.ClaimNextTask(ctx, "owner-2", time.Minute)
	if err != nil {
		t.Fatalf("second ClaimNextTask: %v", err)
	}
	if second == nil {
		t.Fatal("expected the expired lease to be reclaimable")
	}
}

func TestCompleteTaskReleasesLease(t *testing.T) {
	ctx := context.Background()
	db := openTestDB(t)

	_, err := db.EnqueueTask(ctx, model.Task{
		Provider: model.ProviderSlack, WorkspaceID: "W1", ChannelID: "C1",
		ConversationKey: "W1:C1", PromptText: "hello",
	})
	if err != nil {
		t.Fatalf("EnqueueTask: %v", err)
	}
	claimed, err := db.ClaimNextTask(ctx, "owner-1", time.Minute)
	if err != nil || claimed == nil {
		t.Fatalf("ClaimNextTask: %v", err)
	}

	_, err = db.EnqueueTask(ctx, model.Task{
		Provider: model.ProviderSlack, WorkspaceID: "W1", ChannelID: "C1",
		ConversationKey: "W1:C1", PromptText: "second",
	})
	if err != nil {
		t.Fatalf("EnqueueTask 2: %v", err)
	}

	if err := db.CompleteTask(ctx, claimed.ID, "owner-1", claimed.ConversationKey, model.TaskDone, "ok", ""); err != nil {
		t.Fatalf("CompleteTask: %v", err)
	}

	next, err := db.ClaimNextTask(ctx, "owner-2", time.Minute)
	if err != nil {
		t.Fatalf("ClaimNextTask after complete: %v", err)
	}
	if next == nil {
		t.Fatal("expected the second task to become claimable once the lease was released")
	}
}

func TestReenqueueStuckTasks(t *testing.T) {
	ctx := context.Background()
	db := openTestDB(t)

	id, err := db.EnqueueTask(ctx, model.Task{
		Provider: model.ProviderSlack, WorkspaceID: "W1", ChannelID: "C1",
		ConversationKey: "W1:C1", PromptText: "hello",
	})
	if err != nil {
		t.Fatalf("EnqueueTask: %v", err)
	}
	if _, err := db.ClaimNextTask(ctx, "owner-1", -time.Second); err != nil {
		t.Fatalf("ClaimNextTask: %v", err)
	}

	requeued, errored, err := db.ReenqueueStuckTasks(ctx, 3)
	if err != nil {
		t.Fatalf("ReenqueueStuckTasks: %v", err)
	}
	if requeued != 1 || errored != 0 {
		t.Fatalf("expected 1 requeued 0 errored, got %d %d", requeued, errored)
	}

	task, err := db.GetTask(ctx, id)
	if err != nil {
		t.Fatalf("GetTask: %v", err)
	}
	if task.Status != model.TaskQueued || task.ReenqueueCount != 1 {
		t.Fatalf("expected requeued task with count 1, got status=%q count=%d", task.Status, task.ReenqueueCount)
	}
}

func TestDecideApprovalAlwaysInsertsRule(t *testing.T) {
	ctx := context.Background()
	db := openTestDB(t)

	id, err := db.CreateApproval(ctx, model.Approval{
		Kind: model.ApprovalCommandExecution, WorkspaceID: "W1", DetailsJSON: `{"command":"rm -rf /"}`,
	})
	if err != nil {
		t.Fatalf("CreateApproval: %v", err)
	}

	rule := &model.GuardrailRule{
		Kind: model.GuardrailCommand, PatternKind: model.PatternExact, Pattern: "ls -la",
		Action: model.ActionAllow, Priority: 50, Enabled: true,
	}
	if err := db.DecideApproval(ctx, id, model.DecisionAlways, rule); err != nil {
		t.Fatalf("DecideApproval: %v", err)
	}

	approval, err := db.GetApproval(ctx, id)
	if err != nil {
		t.Fatalf("GetApproval: %v", err)
	}
	if approval.Status != model.ApprovalApproved || approval.Decision != model.DecisionAlways {
		t.Fatalf("unexpected approval state: %+v", approval)
	}

	rules, err := db.ListGuardrailRules(ctx, model.GuardrailCommand)
	if err != nil {
		t.Fatalf("ListGuardrailRules: %v", err)
	}
	if len(rules) != 1 || rules[0].Pattern != "ls -la" {
		t.Fatalf("expected the always-rule to be inserted, got %+v", rules)
	}

	if err := db.DecideApproval(ctx, id, model.DecisionApprove, nil); err != nil {
		t.Fatalf("expected deciding an already-resolved approval to be a no-op, got: %v", err)
	}
	again, err := db.GetApproval(ctx, id)
	if err != nil {
		t.Fatalf("GetApproval after second decide: %v", err)
	}
	if again.Status != model.ApprovalApproved || again.Decision != model.DecisionAlways {
		t.Fatalf("expected the first decision to stand after a second decide, got %+v", again)
	}
}

func TestGuardrailRuleOrdering(t *testing.T) {
	ctx := context.Background()
	db := openTestDB(t)

	if _, err := db.InsertGuardrailRule(ctx, model.GuardrailRule{
		Kind: model.GuardrailCommand, PatternKind: model.PatternSubstring, Pattern: "rm",
		Action: model.ActionDeny, Priority: 10, Enabled: true,
	}); err != nil {
		t.Fatalf("InsertGuardrailRule: %v", err)
	}
	if _, err := db.InsertGuardrailRule(ctx, model.GuardrailRule{
		Kind: model.GuardrailCommand, PatternKind: model.PatternSubstring, Pattern: "ls",
		Action: model.ActionAllow, Priority: 5, Enabled: true,
	}); err != nil {
		t.Fatalf("InsertGuardrailRule: %v", err)
	}

	rules, err := db.ListGuardrailRules(ctx, model.GuardrailCommand)
	if err != nil {
		t.Fatalf("ListGuardrailRules: %v", err)
	}
	if len(rules) != 2 || rules[0].Pattern != "ls" || rules[1].Pattern != "rm" {
		t.Fatalf("expected priority-ordered rules, got %+v", rules)
	}
}

func TestMarkEventProcessedDedup(t *testing.T) {
	ctx := context.Background()
	db := openTestDB(t)

	first, err := db.MarkEventProcessed(ctx, "W1", "E1")
	if err != nil {
		t.Fatalf("MarkEventProcessed: %v", err)
	}
	if !first {
		t.Fatal("expected first mark to report new")
	}

	second, err := db.MarkEventProcessed(ctx, "W1", "E1")
	if err != nil {
		t.Fatalf("MarkEventProcessed: %v", err)
	}
	if second {
		t.Fatal("expected duplicate mark to report already-processed")
	}
}

func TestCancelTaskFromQueuedAndRunning(t *testing.T) {
	ctx := context.Background()
	db := openTestDB(t)

	queuedID, err := db.EnqueueTask(ctx, model.Task{Provider: model.ProviderSlack, WorkspaceID: "W1", ChannelID: "C1", ConversationKey: "W1:C1:main"})
	if err != nil {
		t.Fatalf("EnqueueTask: %v", err)
	}
	if err := db.CancelTask(ctx, queuedID); err != nil {
		t.Fatalf("CancelTask (queued): %v", err)
	}
	cancelled, err := db.IsTaskCancelled(ctx, queuedID)
	if err != nil {
		t.Fatalf("IsTaskCancelled: %v", err)
	}
	if !cancelled {
		t.Fatal("expected a queued task to be cancellable")
	}
	task, err := db.GetTask(ctx, queuedID)
	if err != nil {
		t.Fatalf("GetTask: %v", err)
	}
	if task.FinishedAt == nil {
		t.Fatal("expected finished_at to be set when cancelling a queued task")
	}

	runningID, err := db.EnqueueTask(ctx, model.Task{Provider: model.ProviderSlack, WorkspaceID: "W1", ChannelID: "C2", ConversationKey: "W1:C2:main"})
	if err != nil {
		t.Fatalf("EnqueueTask: %v", err)
	}
	if _, err := db.ClaimNextTask(ctx, "owner-1", time.Minute); err != nil {
		t.Fatalf("ClaimNextTask: %v", err)
	}
	if err := db.CancelTask(ctx, runningID); err != nil {
		t.Fatalf("CancelTask (running): %v", err)
	}
	cancelled, err = db.IsTaskCancelled(ctx, runningID)
	if err != nil {
		t.Fatalf("IsTaskCancelled: %v", err)
	}
	if !cancelled {
		t.Fatal("expected a running task to be cancellable")
	}
}

func TestAppendTelegramMessageOrdersOldestFirstAndDedups(t *testing.T) {
	ctx := context.Background()
	db := openTestDB(t)

	if err := db.AppendTelegramMessage(ctx, "chat-1", "M1", "U1", "first"); err != nil {
		t.Fatalf("AppendTelegramMessage: %v", err)
	}
	if err := db.AppendTelegramMessage(ctx, "chat-1", "M2", "U1", "second"); err != nil {
		t.Fatalf("AppendTelegramMessage: %v", err)
	}
	// A redelivery of the same message_id must not duplicate the row.
	if err := db.AppendTelegramMessage(ctx, "chat-1", "M1", "U1", "first"); err != nil {
		t.Fatalf("AppendTelegramMessage redelivery: %v", err)
	}

	msgs, err := db.ListTelegramMessages(ctx, "chat-1", 10)
	if err != nil {
		t.Fatalf("ListTelegramMessages: %v", err)
	}
	if len(msgs) != 2 {
		t.Fatalf("expected 2 buffered messages after a redelivery, got %d", len(msgs))
	}
	if msgs[0].MessageID != "M1" || msgs[1].MessageID != "M2" {
		t.Fatalf("expected oldest-first ordering, got %+v", msgs)
	}
}

func TestCronJobLifecycle(t *testing.T) {
	ctx := context.Background()
	db := openTestDB(t)

	now := time.Now().UTC().Add(-time.Minute)
	id, err := db.InsertCronJob(ctx, model.CronJob{
		Name: "daily-standup", Enabled: true, ScheduleKind: model.ScheduleEvery,
		EverySeconds: 3600, WorkspaceID: "W1", ChannelID: "C1", PromptText: "standup",
		Mode: model.CronModeMessage, NextRunAt: &now,
	})
	if err != nil {
		t.Fatalf("InsertCronJob: %v", err)
	}

	due, err := db.DueCronJobs(ctx, time.Now().UTC())
	if err != nil {
		t.Fatalf("DueCronJobs: %v", err)
	}
	if len(due) != 1 || due[0].ID != id {
		t.Fatalf("expected the job to be due, got %+v", due)
	}

	next := time.Now().UTC().Add(time.Hour)
	if err := db.RecordCronRun(ctx, id, time.Now().UTC(), model.CronStatusOK, "", &next); err != nil {
		t.Fatalf("RecordCronRun: %v", err)
	}

	stillDue, err := db.DueCronJobs(ctx, time.Now().UTC())
	if err != nil {
		t.Fatalf("DueCronJobs after run: %v", err)
	}
	if len(stillDue) != 0 {
		t.Fatalf("expected no jobs due right after running, got %+v", stillDue)
	}
}

func TestObservationalMemoryRoundTrip(t *testing.T) {
	ctx := context.Background()
	db := openTestDB(t)

	err := db.SaveMemory(ctx, model.ObservationalMemory{
		MemoryKey: "thread:W1:C1:T1", Scope: model.MemoryScopeThread,
		ObservationLog: "observed X", ReflectionSummary: "summary",
	})
	if err != nil {
		t.Fatalf("SaveMemory: %v", err)
	}

	got, err := db.GetMemory(ctx, "thread:W1:C1:T1")
	if err != nil {
		t.Fatalf("GetMemory: %v", err)
	}
	if got == nil || got.ObservationLog != "observed X" {
		t.Fatalf("unexpected memory: %+v", got)
	}

	if err := db.DeleteMemory(ctx, "thread:W1:C1:T1"); err != nil {
		t.Fatalf("DeleteMemory: %v", err)
	}
	gone, err := db.GetMemory(ctx, "thread:W1:C1:T1")
	if err != nil {
		t.Fatalf("GetMemory after delete: %v", err)
	}
	if gone != nil {
		t.Fatal("expected memory to be deleted")
	}
}
