// Package worker executes one claimed Task per spec.md §4.6: assembles
// turn context from Session/ObservationalMemory, invokes the external
// AgentTurn, mediates its command-execution and web-fetch tool calls
// against Settings/GuardrailMatcher/ApprovalRegistry, applies or gates
// guardrail-rule proposals, and persists the final result. Grounded on
// the teacher's app/core/orchestrator/agent/agent.go turn-execution
// shape and app/core/orchestrator/command/command.go's command-dispatch
// idiom, generalized from slash-command dispatch to tool-call mediation.
package worker

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"os/exec"
	"strings"
	"time"

	configs "relaykit/app/configs"
	"relaykit/app/core/agentturn"
	"relaykit/app/core/approval"
	"relaykit/app/core/guardrail"
	"relaykit/app/core/model"
	"relaykit/app/core/notifier"
	"relaykit/app/core/store"
	"relaykit/app/core/taskerr"
	"relaykit/app/pkg/logger"
)

const commandTimeout = 30 * time.Second
const webFetchTimeout = 15 * time.Second
const maxToolOutputBytes = 8192

// errCancelled is the sentinel a tool-mediation boundary returns when it
// observes the task it's running for has been marked cancelled (spec.md
// §5). handleTurnError unwraps it via errors.Is to report TaskCancelled
// instead of TaskError.
var errCancelled = errors.New("task cancelled")

// checkCancelled polls the task's current status and, if it has been
// cancelled out-of-band (via the admin surface), returns a
// taskerr-wrapped errCancelled. Callers check this at the start of every
// approval/tool boundary per spec.md §5's "running → cancelled sets a
// flag the Worker polls at approval / tool boundaries."
func (w *Worker) checkCancelled(ctx context.Context, taskID int64) error {
	cancelled, err := w.db.IsTaskCancelled(ctx, taskID)
	if err != nil {
		return taskerr.Transientf(err, "check task %d cancellation", taskID)
	}
	if cancelled {
		return taskerr.Policyf(errCancelled, "task %d was cancelled", taskID)
	}
	return nil
}

type Worker struct {
	db         *store.DB
	agent      agentturn.AgentTurn
	cmdMatcher *guardrail.Matcher
	webMatcher *guardrail.Matcher
	approvals  *approval.Registry
	notify     notifier.Notifier
	cfg        *configs.Manager
}

func New(db *store.DB, agent agentturn.AgentTurn, approvals *approval.Registry, notify notifier.Notifier, cfg *configs.Manager) *Worker {
	return &Worker{
		db:         db,
		agent:      agent,
		cmdMatcher: guardrail.NewMatcher(),
		webMatcher: guardrail.NewMatcher(),
		approvals:  approvals,
		notify:     notify,
		cfg:        cfg,
	}
}

// Execute satisfies dispatcher.Worker.
func (w *Worker) Execute(ctx context.Context, task model.Task) (model.TaskStatus, string, string) {
	session, err := w.db.GetOrCreateSession(ctx, task.ConversationKey)
	if err != nil {
		logger.Error("worker: load session for task %d: %v", task.ID, err)
		return model.TaskError, "", "internal error loading session"
	}

	memoryKey := "thread:" + task.ConversationKey
	memory, err := w.db.GetMemory(ctx, memoryKey)
	if err != nil {
		logger.Error("worker: load memory for task %d: %v", task.ID, err)
		return model.TaskError, "", "internal error loading memory"
	}
	reflection := ""
	if memory != nil {
		reflection = memory.ReflectionSummary
	}

	turnCtx := agentturn.Context{
		ConversationKey:   task.ConversationKey,
		ThreadID:          session.ThreadID,
		MemorySummary:     session.MemorySummary,
		ReflectionSummary: reflection,
		Prompt:            task.PromptText,
	}

	cfg := w.cfg.Get()
	callbacks := &toolCallbacks{worker: w, task: task, settings: cfg.Settings}

	result, err := w.agent.Run(ctx, turnCtx, callbacks)
	if err != nil {
		return w.handleTurnError(ctx, task, err)
	}

	if err := w.db.SaveSession(ctx, model.Session{
		ConversationKey: task.ConversationKey,
		ThreadID:        result.ThreadID,
		MemorySummary:   result.NewSummary,
	}); err != nil {
		logger.Error("worker: save session for task %d: %v", task.ID, err)
	}

	w.applyMemoryUpdate(ctx, memoryKey, memory, result)
	w.handleRuleProposals(ctx, result.RuleProposals, cfg.Settings)

	if err := w.notify.Send(ctx, task.Provider, task.WorkspaceID, task.ChannelID, task.ThreadTS, result.ResultText); err != nil {
		logger.Error("worker: notify for task %d: %v", task.ID, err)
	}

	return model.TaskDone, result.ResultText, ""
}

func (w *Worker) handleTurnError(ctx context.Context, task model.Task, err error) (model.TaskStatus, string, string) {
	if errors.Is(err, errCancelled) {
		logger.Info("worker: task %d cancelled at a tool/approval boundary", task.ID)
		return model.TaskCancelled, "", err.Error()
	}

	kind := taskerr.KindOf(err)
	userMessage := "Sorry, something went wrong handling that request."
	logger.Error("worker: task %d turn failed (%s): %v", task.ID, kind, err)

	if sendErr := w.notify.Send(ctx, task.Provider, task.WorkspaceID, task.ChannelID, task.ThreadTS, userMessage); sendErr != nil {
		logger.Error("worker: notify failure for task %d: %v", task.ID, sendErr)
	}
	return model.TaskError, "", err.Error()
}

func (w *Worker) applyMemoryUpdate(ctx context.Context, memoryKey string, existing *model.ObservationalMemory, result agentturn.Result) {
	observationLog := ""
	if existing != nil {
		observationLog = existing.ObservationLog
	}
	entry := fmt.Sprintf("[%s] %d tool call(s)\n", time.Now().UTC().Format(time.RFC3339), len(result.ToolTranscript))
	mem := model.ObservationalMemory{
		MemoryKey:         memoryKey,
		Scope:             model.MemoryScopeThread,
		ObservationLog:    observationLog + entry,
		ReflectionSummary: result.NewSummary,
	}
	if err := w.db.SaveMemory(ctx, mem); err != nil {
		logger.Error("worker: save memory %s: %v", memoryKey, err)
	}
}

// handleRuleProposals implements spec.md §4.6 step 4: a tightening
// proposal (action != allow) auto-applies when
// Settings.AutoApplyGuardrailTighten is set, otherwise it — like every
// loosening proposal — becomes a gating Approval instead of a direct
// write to the policy table.
func (w *Worker) handleRuleProposals(ctx context.Context, proposals []agentturn.RuleProposal, settings model.Settings) {
	for _, p := range proposals {
		rule := model.GuardrailRule{
			Name:        "agent-proposed",
			Kind:        model.GuardrailKind(p.Kind),
			PatternKind: model.PatternKind(p.PatternKind),
			Pattern:     p.Pattern,
			Action:      model.GuardrailAction(p.Action),
			Priority:    100,
			Enabled:     true,
		}
		tightening := rule.Action != model.ActionAllow

		if tightening && settings.AutoApplyGuardrailTighten {
			if _, err := w.db.InsertGuardrailRule(ctx, rule); err != nil {
				logger.Error("worker: auto-apply tightening proposal: %v", err)
			}
			continue
		}

		if _, err := w.db.CreateApproval(ctx, model.Approval{
			Kind: model.ApprovalGuardrailRuleAdd, DetailsJSON: rulePreviewJSON(rule),
		}); err != nil {
			logger.Error("worker: gate rule proposal as approval: %v", err)
		}
	}
}

func rulePreviewJSON(r model.GuardrailRule) string {
	return fmt.Sprintf(`{"kind":%q,"pattern_kind":%q,"pattern":%q,"action":%q}`,
		r.Kind, r.PatternKind, r.Pattern, r.Action)
}

// toolCallbacks is the per-task agentturn.ToolCallbacks the agent calls
// mid-turn for command/web-fetch mediation.
type toolCallbacks struct {
	worker   *Worker
	task     model.Task
	settings model.Settings
}

func (c *toolCallbacks) Call(ctx context.Context, call agentturn.ToolCall) (agentturn.ToolResult, error) {
	switch call.Kind {
	case agentturn.ToolCommandExecution:
		return c.worker.mediateCommand(ctx, c.task, c.settings, call.Subject)
	case agentturn.ToolWebFetch:
		return c.worker.mediateWebFetch(ctx, c.task, c.settings, call.Subject)
	default:
		return agentturn.ToolResult{Allowed: false, Refusal: "unknown tool call kind"}, nil
	}
}

func (w *Worker) mediateCommand(ctx context.Context, task model.Task, settings model.Settings, command string) (agentturn.ToolResult, error) {
	if err := w.checkCancelled(ctx, task.ID); err != nil {
		return agentturn.ToolResult{}, err
	}

	switch settings.CommandApprovalMode {
	case model.CommandApprovalAuto:
		if settings.PermissionsMode == model.PermissionsRead {
			return agentturn.ToolResult{Allowed: false, Refusal: "permissions mode is read-only"}, nil
		}
		return w.runShellCommand(ctx, command)

	case model.CommandApprovalAlwaysAsk:
		return w.requestCommandApproval(ctx, task, command, nil)

	case model.CommandApprovalGuardrails:
		rules, err := w.db.ListGuardrailRules(ctx, model.GuardrailCommand)
		if err != nil {
			return agentturn.ToolResult{}, taskerr.Transientf(err, "load command guardrail rules")
		}
		decision, err := w.cmdMatcher.Evaluate(command, rules)
		if err != nil {
			return agentturn.ToolResult{}, taskerr.Corruptionf(err, "evaluate command guardrails")
		}
		switch decision.Action {
		case model.ActionAllow:
			return w.runShellCommand(ctx, command)
		case model.ActionDeny:
			ruleName := ruleLabel(decision.MatchedRule)
			return agentturn.ToolResult{Allowed: false, Refusal: fmt.Sprintf("denied by guardrail rule %q", ruleName)}, nil
		case model.ActionRequireApproval:
			return w.requestCommandApproval(ctx, task, command, decision.MatchedRule)
		default:
			return agentturn.ToolResult{Allowed: false, Refusal: "unrecognized guardrail action"}, nil
		}

	default:
		return agentturn.ToolResult{Allowed: false, Refusal: "unrecognized command approval mode"}, nil
	}
}

func (w *Worker) requestCommandApproval(ctx context.Context, task model.Task, command string, matchedRule *model.GuardrailRule) (agentturn.ToolResult, error) {
	a, err := w.approvals.Request(ctx, model.ApprovalCommandExecution, task.WorkspaceID, task.ChannelID, task.ThreadTS, task.RequestedByUserID,
		map[string]string{"command": command})
	if err != nil {
		return agentturn.ToolResult{}, taskerr.Transientf(err, "await command approval")
	}
	if err := w.checkCancelled(ctx, task.ID); err != nil {
		return agentturn.ToolResult{}, err
	}

	switch a.Decision {
	case model.DecisionApprove, model.DecisionAlways:
		// Whoever resolved the approval (admin/server.go's handleApprovalDecision)
		// already persisted the decision and, for "always", inserted the
		// resulting guardrail rule in the same transaction (spec.md §4.3).
		// The Worker only needs to act on the decision it woke up to, not
		// decide it again.
		return w.runShellCommand(ctx, command)
	default:
		return agentturn.ToolResult{Allowed: false, Refusal: "command approval denied or expired"}, nil
	}
}

func (w *Worker) runShellCommand(ctx context.Context, command string) (agentturn.ToolResult, error) {
	runCtx, cancel := context.WithTimeout(ctx, commandTimeout)
	defer cancel()

	cmd := exec.CommandContext(runCtx, "sh", "-c", command)
	var out bytes.Buffer
	cmd.Stdout = &out
	cmd.Stderr = &out
	if err := cmd.Run(); err != nil {
		return agentturn.ToolResult{Allowed: true, Output: truncateOutput(out.String())}, nil
	}
	return agentturn.ToolResult{Allowed: true, Output: truncateOutput(out.String())}, nil
}

func (w *Worker) mediateWebFetch(ctx context.Context, task model.Task, settings model.Settings, rawURL string) (agentturn.ToolResult, error) {
	if err := w.checkCancelled(ctx, task.ID); err != nil {
		return agentturn.ToolResult{}, err
	}

	host, err := hostOf(rawURL)
	if err != nil {
		return agentturn.ToolResult{Allowed: false, Refusal: "invalid URL"}, nil
	}

	if domainMatches(host, settings.WebDenyDomains) {
		return agentturn.ToolResult{Allowed: false, Refusal: fmt.Sprintf("domain %s is denied", host)}, nil
	}
	if len(settings.WebAllowDomains) > 0 && !domainMatches(host, settings.WebAllowDomains) {
		return agentturn.ToolResult{Allowed: false, Refusal: fmt.Sprintf("domain %s is not in the allow-list", host)}, nil
	}

	rules, err := w.db.ListGuardrailRules(ctx, model.GuardrailWebFetch)
	if err != nil {
		return agentturn.ToolResult{}, taskerr.Transientf(err, "load web-fetch guardrail rules")
	}
	decision, err := w.webMatcher.Evaluate(rawURL, rules)
	if err != nil {
		return agentturn.ToolResult{}, taskerr.Corruptionf(err, "evaluate web-fetch guardrails")
	}
	switch decision.Action {
	case model.ActionDeny:
		return agentturn.ToolResult{Allowed: false, Refusal: fmt.Sprintf("denied by guardrail rule %q", ruleLabel(decision.MatchedRule))}, nil
	case model.ActionRequireApproval:
		a, err := w.approvals.Request(ctx, model.ApprovalCommandExecution, task.WorkspaceID, task.ChannelID, task.ThreadTS, task.RequestedByUserID,
			map[string]string{"url": rawURL})
		if err != nil {
			return agentturn.ToolResult{}, taskerr.Transientf(err, "await web-fetch approval")
		}
		if a.Decision != model.DecisionApprove && a.Decision != model.DecisionAlways {
			return agentturn.ToolResult{Allowed: false, Refusal: "web fetch approval denied or expired"}, nil
		}
		if err := w.checkCancelled(ctx, task.ID); err != nil {
			return agentturn.ToolResult{}, err
		}
	}

	return w.fetchURL(ctx, rawURL)
}

func (w *Worker) fetchURL(ctx context.Context, rawURL string) (agentturn.ToolResult, error) {
	fetchCtx, cancel := context.WithTimeout(ctx, webFetchTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(fetchCtx, http.MethodGet, rawURL, nil)
	if err != nil {
		return agentturn.ToolResult{Allowed: false, Refusal: "invalid request"}, nil
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return agentturn.ToolResult{}, taskerr.Transientf(err, "fetch %s", rawURL)
	}
	defer resp.Body.Close()

	buf := make([]byte, maxToolOutputBytes)
	n, _ := resp.Body.Read(buf)
	return agentturn.ToolResult{Allowed: true, Output: string(buf[:n])}, nil
}

func hostOf(rawURL string) (string, error) {
	u, err := url.Parse(rawURL)
	if err != nil || u.Host == "" {
		return "", fmt.Errorf("invalid url %q", rawURL)
	}
	return strings.ToLower(u.Hostname()), nil
}

func domainMatches(host string, domains []string) bool {
	for _, d := range domains {
		d = strings.ToLower(strings.TrimSpace(d))
		if host == d || strings.HasSuffix(host, "."+d) {
			return true
		}
	}
	return false
}

func ruleLabel(rule *model.GuardrailRule) string {
	if rule == nil {
		return "unknown"
	}
	if rule.Name != "" {
		return rule.Name
	}
	return rule.ID
}

func truncateOutput(s string) string {
	if len(s) <= maxToolOutputBytes {
		return s
	}
	return s[:maxToolOutputBytes] + fmt.Sprintf("...(%d more bytes)", len(s)-maxToolOutputBytes)
}
