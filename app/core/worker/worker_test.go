package worker

import (
	"context"
	"errors"
	"path/filepath"
	"strings"
	"testing"
	"time"

	configs "relaykit/app/configs"
	"relaykit/app/core/agentturn"
	"relaykit/app/core/approval"
	"relaykit/app/core/model"
	"relaykit/app/core/store"
)

type recordingNotifier struct {
	sent []string
}

func (n *recordingNotifier) Send(_ context.Context, _ model.Provider, _, _, _, text string) error {
	n.sent = append(n.sent, text)
	return nil
}

func newTestWorker(t *testing.T, configure func(*model.Settings)) (*Worker, *store.DB, *recordingNotifier) {
	t.Helper()
	db, err := store.Open(t.TempDir())
	if err != nil {
		t.Fatalf("store.Open: %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })

	cfgMgr, err := configs.NewManager(filepath.Join(t.TempDir(), "config.json"))
	if err != nil {
		t.Fatalf("configs.NewManager: %v", err)
	}
	t.Cleanup(func() { _ = cfgMgr.Close() })
	if configure != nil {
		if _, err := cfgMgr.Update(configure); err != nil {
			t.Fatalf("Update: %v", err)
		}
	}

	n := &recordingNotifier{}
	reg := approval.NewRegistry(db)
	fake := agentturn.NewFake("turn result")
	w := New(db, fake, reg, n, cfgMgr)
	return w, db, n
}

func baseTask() model.Task {
	return model.Task{ID: 1, Provider: model.ProviderSlack, WorkspaceID: "W1", ChannelID: "C1", ConversationKey: "W1:C1:main", PromptText: "hi"}
}

func TestExecuteHappyPath(t *testing.T) {
	w, db, notified := newTestWorker(t, func(s *model.Settings) {
		s.CommandApprovalMode = model.CommandApprovalGuardrails
	})
	ctx := context.Background()

	status, resultText, errorText := w.Execute(ctx, baseTask())
	if status != model.TaskDone {
		t.Fatalf("expected done, got %q (%s)", status, errorText)
	}
	if resultText != "turn result" {
		t.Fatalf("unexpected result text %q", resultText)
	}
	if len(notified.sent) != 1 || notified.sent[0] != "turn result" {
		t.Fatalf("expected the result to be delivered to the notifier, got %v", notified.sent)
	}

	session, err := db.GetSession(ctx, "W1:C1:main")
	if err != nil {
		t.Fatalf("GetSession: %v", err)
	}
	if session == nil {
		t.Fatal("expected a session to have been created")
	}
}

func TestExecuteTurnErrorProducesApology(t *testing.T) {
	w, _, notified := newTestWorker(t, nil)
	fake := w.agent.(*agentturn.Fake)
	fake.RunErr = &testTransientError{}

	status, resultText, errorText := w.Execute(context.Background(), baseTask())
	if status != model.TaskError {
		t.Fatalf("expected error status, got %q", status)
	}
	if resultText != "" {
		t.Fatalf("expected no result text on failure, got %q", resultText)
	}
	if errorText == "" {
		t.Fatal("expected an error text to be recorded")
	}
	if len(notified.sent) != 1 || !strings.Contains(notified.sent[0], "Sorry") {
		t.Fatalf("expected an apology to be sent to the user, got %v", notified.sent)
	}
}

type testTransientError struct{}

func (e *testTransientError) Error() string { return "backend unreachable" }

func TestMediateCommandAutoModeDeniesReadOnly(t *testing.T) {
	w, _, _ := newTestWorker(t, func(s *model.Settings) {
		s.CommandApprovalMode = model.CommandApprovalAuto
		s.PermissionsMode = model.PermissionsRead
	})

	result, err := w.mediateCommand(context.Background(), baseTask(), model.Settings{
		CommandApprovalMode: model.CommandApprovalAuto, PermissionsMode: model.PermissionsRead,
	}, "echo hi")
	if err != nil {
		t.Fatalf("mediateCommand: %v", err)
	}
	if result.Allowed {
		t.Fatal("expected read-only permissions mode to deny command execution")
	}
}

func TestMediateCommandGuardrailsAllowsSafeCommand(t *testing.T) {
	w, _, _ := newTestWorker(t, nil)

	result, err := w.mediateCommand(context.Background(), baseTask(), model.Settings{
		CommandApprovalMode: model.CommandApprovalGuardrails,
	}, "echo hi")
	if err != nil {
		t.Fatalf("mediateCommand: %v", err)
	}
	if !result.Allowed {
		t.Fatalf("expected a harmless command with no matching rule to default-allow, got refusal %q", result.Refusal)
	}
	if !strings.Contains(result.Output, "hi") {
		t.Fatalf("expected command output to contain 'hi', got %q", result.Output)
	}
}

func TestMediateCommandGuardrailsDeniesForkBomb(t *testing.T) {
	w, db, _ := newTestWorker(t, nil)
	ctx := context.Background()
	if _, err := db.InsertGuardrailRule(ctx, model.GuardrailRule{
		Name: "deny-fork-bomb", Kind: model.GuardrailCommand, PatternKind: model.PatternSubstring,
		Pattern: ":(){ :|:& };:", Action: model.ActionDeny, Priority: 1, Enabled: true,
	}); err != nil {
		t.Fatalf("InsertGuardrailRule: %v", err)
	}

	result, err := w.mediateCommand(ctx, baseTask(), model.Settings{CommandApprovalMode: model.CommandApprovalGuardrails}, ":(){ :|:& };:")
	if err != nil {
		t.Fatalf("mediateCommand: %v", err)
	}
	if result.Allowed {
		t.Fatal("expected the fork bomb to be denied")
	}
}

func TestMediateCommandGuardrailsRequiresApprovalThenRunsOnAlways(t *testing.T) {
	w, db, _ := newTestWorker(t, nil)
	ctx := context.Background()
	if _, err := db.InsertGuardrailRule(ctx, model.GuardrailRule{
		Name: "require-approval-echo", Kind: model.GuardrailCommand, PatternKind: model.PatternSubstring,
		Pattern: "echo approve-me", Action: model.ActionRequireApproval, Priority: 1, Enabled: true,
	}); err != nil {
		t.Fatalf("InsertGuardrailRule: %v", err)
	}

	type outcome struct {
		result agentturn.ToolResult
		err    error
	}
	done := make(chan outcome, 1)
	go func() {
		result, err := w.mediateCommand(ctx, baseTask(), model.Settings{CommandApprovalMode: model.CommandApprovalGuardrails}, "echo approve-me")
		done <- outcome{result, err}
	}()

	var pendingID string
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		pending, err := db.ListApprovalsByStatus(ctx, model.ApprovalPending)
		if err != nil {
			t.Fatalf("ListApprovalsByStatus: %v", err)
		}
		if len(pending) == 1 {
			pendingID = pending[0].ID
			break
		}
		time.Sleep(5 * time.Millisecond)
	}
	if pendingID == "" {
		t.Fatal("expected mediateCommand to create a pending approval")
	}

	// Mirrors admin/server.go's handleApprovalDecision: the admin path
	// decides and inserts the always-rule atomically, before the Worker
	// ever observes the decision.
	rule := &model.GuardrailRule{
		Kind: model.GuardrailCommand, PatternKind: model.PatternExact, Pattern: "echo approve-me",
		Action: model.ActionAllow, Priority: 50, Enabled: true,
	}
	if err := w.approvals.Decide(ctx, pendingID, model.DecisionAlways, rule); err != nil {
		t.Fatalf("Decide: %v", err)
	}

	select {
	case got := <-done:
		if got.err != nil {
			t.Fatalf("mediateCommand: %v", got.err)
		}
		if !got.result.Allowed {
			t.Fatalf("expected the command to run after an always decision, got refusal %q", got.result.Refusal)
		}
		if !strings.Contains(got.result.Output, "approve-me") {
			t.Fatalf("expected command output to contain 'approve-me', got %q", got.result.Output)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for mediateCommand to return after the always decision")
	}

	rules, err := db.ListGuardrailRules(ctx, model.GuardrailCommand)
	if err != nil {
		t.Fatalf("ListGuardrailRules: %v", err)
	}
	var foundAlwaysRule bool
	for _, r := range rules {
		if r.Pattern == "echo approve-me" && r.PatternKind == model.PatternExact && r.Action == model.ActionAllow {
			foundAlwaysRule = true
		}
	}
	if !foundAlwaysRule {
		t.Fatal("expected the always-rule to have been inserted by the admin decide path")
	}
}

func TestMediateCommandStopsWhenTaskCancelled(t *testing.T) {
	w, db, _ := newTestWorker(t, nil)
	ctx := context.Background()

	task := baseTask()
	id, err := db.EnqueueTask(ctx, task)
	if err != nil {
		t.Fatalf("EnqueueTask: %v", err)
	}
	task.ID = id
	if err := db.CancelTask(ctx, id); err != nil {
		t.Fatalf("CancelTask: %v", err)
	}

	result, err := w.mediateCommand(ctx, task, model.Settings{CommandApprovalMode: model.CommandApprovalGuardrails}, "echo hi")
	if err == nil {
		t.Fatal("expected mediateCommand to report the cancellation as an error")
	}
	if !errors.Is(err, errCancelled) {
		t.Fatalf("expected errCancelled, got %v", err)
	}
	if result.Allowed {
		t.Fatal("expected no command to run once the task is cancelled")
	}
}

func TestExecutePropagatesCancellationAsTaskCancelled(t *testing.T) {
	w, db, _ := newTestWorker(t, nil)
	ctx := context.Background()

	task := baseTask()
	id, err := db.EnqueueTask(ctx, task)
	if err != nil {
		t.Fatalf("EnqueueTask: %v", err)
	}
	task.ID = id
	if err := db.CancelTask(ctx, id); err != nil {
		t.Fatalf("CancelTask: %v", err)
	}

	fake := w.agent.(*agentturn.Fake)
	fake.Script = []agentturn.ToolCall{{Kind: agentturn.ToolCommandExecution, Subject: "echo hi"}}

	status, resultText, errorText := w.Execute(ctx, task)
	if status != model.TaskCancelled {
		t.Fatalf("expected TaskCancelled, got %q (%s)", status, errorText)
	}
	if resultText != "" {
		t.Fatalf("expected no result text for a cancelled task, got %q", resultText)
	}
}

func TestMediateWebFetchDenyOverridesAllow(t *testing.T) {
	w, _, _ := newTestWorker(t, nil)
	settings := model.Settings{
		WebAllowDomains: []string{"example.com"},
		WebDenyDomains:  []string{"example.com"},
	}
	result, err := w.mediateWebFetch(context.Background(), baseTask(), settings, "https://example.com/page")
	if err != nil {
		t.Fatalf("mediateWebFetch: %v", err)
	}
	if result.Allowed {
		t.Fatal("expected deny to override allow for the same domain")
	}
}

func TestMediateWebFetchRejectsDomainNotInAllowList(t *testing.T) {
	w, _, _ := newTestWorker(t, nil)
	settings := model.Settings{WebAllowDomains: []string{"example.com"}}
	result, err := w.mediateWebFetch(context.Background(), baseTask(), settings, "https://evil.com/page")
	if err != nil {
		t.Fatalf("mediateWebFetch: %v", err)
	}
	if result.Allowed {
		t.Fatal("expected a domain outside a non-empty allow-list to be rejected")
	}
}

func TestHandleRuleProposalsAutoAppliesTighten(t *testing.T) {
	w, db, _ := newTestWorker(t, nil)
	ctx := context.Background()

	w.handleRuleProposals(ctx, []agentturn.RuleProposal{
		{Kind: string(model.GuardrailCommand), PatternKind: string(model.PatternSubstring), Pattern: "curl", Action: string(model.ActionDeny)},
	}, model.Settings{AutoApplyGuardrailTighten: true})

	rules, err := db.ListGuardrailRules(ctx, model.GuardrailCommand)
	if err != nil {
		t.Fatalf("ListGuardrailRules: %v", err)
	}
	if len(rules) != 1 {
		t.Fatalf("expected the tightening proposal to auto-apply, got %d rules", len(rules))
	}
}

func TestHandleRuleProposalsGatesLoosening(t *testing.T) {
	w, db, _ := newTestWorker(t, nil)
	ctx := context.Background()

	w.handleRuleProposals(ctx, []agentturn.RuleProposal{
		{Kind: string(model.GuardrailCommand), PatternKind: string(model.PatternSubstring), Pattern: "curl", Action: string(model.ActionAllow)},
	}, model.Settings{AutoApplyGuardrailTighten: true})

	rules, err := db.ListGuardrailRules(ctx, model.GuardrailCommand)
	if err != nil {
		t.Fatalf("ListGuardrailRules: %v", err)
	}
	if len(rules) != 0 {
		t.Fatalf("expected a loosening proposal to never auto-apply, got %d rules", len(rules))
	}

	pending, err := db.ListApprovalsByStatus(ctx, model.ApprovalPending)
	if err != nil {
		t.Fatalf("ListApprovalsByStatus: %v", err)
	}
	if len(pending) != 1 || pending[0].Kind != model.ApprovalGuardrailRuleAdd {
		t.Fatalf("expected a gating approval, got %v", pending)
	}
}
