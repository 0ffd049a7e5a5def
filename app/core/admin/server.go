// Package admin exposes the read-mostly operator HTTP surface from
// spec.md §6 (status, memory, approvals, a diagnostics probe) behind a
// plain net/http.ServeMux, matching the teacher's
// app/core/interaction/http/server.go mux-and-handler idiom — no web
// framework, hand-rolled routing the same way the teacher and `grail`
// both do it.
package admin

import (
	"context"
	"encoding/json"
	"net/http"
	"strconv"
	"strings"
	"time"

	configs "relaykit/app/configs"
	"relaykit/app/core/agentturn"
	"relaykit/app/core/approval"
	"relaykit/app/core/cron"
	"relaykit/app/core/model"
	"relaykit/app/core/store"
	"relaykit/app/pkg/logger"
)

type Server struct {
	db        *store.DB
	cfg       *configs.Manager
	approvals *approval.Registry
	agent     agentturn.AgentTurn
	cron      *cron.Scheduler

	httpServer *http.Server
}

func New(addr string, db *store.DB, cfg *configs.Manager, approvals *approval.Registry, agent agentturn.AgentTurn, cronSched *cron.Scheduler) *Server {
	s := &Server{db: db, cfg: cfg, approvals: approvals, agent: agent, cron: cronSched}

	mux := http.NewServeMux()
	mux.HandleFunc("/status", s.handleStatus)
	mux.HandleFunc("/memory", s.handleMemory)
	mux.HandleFunc("/memory/", s.handleMemoryByKey)
	mux.HandleFunc("/approvals", s.handleApprovals)
	mux.HandleFunc("/approvals/", s.handleApprovalDecision)
	mux.HandleFunc("/tasks/", s.handleTaskCancel)
	mux.HandleFunc("/diagnostics/agent-test", s.handleDiagnosticsAgentTest)

	s.httpServer = &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
	return s
}

func (s *Server) ListenAndServe() error {
	return s.httpServer.ListenAndServe()
}

func (s *Server) Shutdown(ctx context.Context) error {
	return s.httpServer.Shutdown(ctx)
}

type statusResponse struct {
	IntegrationsConfigured map[string]bool `json:"integrations_configured"`
	QueueDepth int `json:"queue_depth"`
	PermissionsMode string `json:"permissions_mode"`
	PendingApprovals int `json:"pending_approvals"`
	GuardrailsEnabled bool `json:"guardrails_enabled"`
	CronSweeps int64 `json:"cron_sweeps"`
	CronLastError string `json:"cron_last_error,omitempty"`
	Endpoints map[string]string `json:"endpoints"`
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w)
		return
	}
	ctx := r.Context()

	queueDepth, err := s.db.ActiveTaskCount(ctx)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	pending, err := s.db.ListApprovalsByStatus(ctx, model.ApprovalPending)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	rules, err := s.db.ListAllGuardrailRules(ctx)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}

	cfg := s.cfg.Get()
	cronStatus := s.cron.Status()
	writeJSON(w, http.StatusOK, statusResponse{
		IntegrationsConfigured: map[string]bool{
			"slack_signing_secret":   false,
			"slack_bot_token":        false,
			"telegram_bot_token":     false,
			"telegram_webhook_secret": false,
			"openai_api_key":         false,
			"master_key":             false,
		},
		QueueDepth:        queueDepth,
		PermissionsMode:   string(cfg.Settings.PermissionsMode),
		PendingApprovals:  len(pending),
		GuardrailsEnabled: len(rules) > 0,
		CronSweeps:        cronStatus.Runs,
		CronLastError:     cronStatus.LastError,
		Endpoints: map[string]string{
			"slack_events":     "/slack/events",
			"slack_actions":    "/slack/actions",
			"telegram_webhook": "/telegram/webhook",
		},
	})
}

type sessionSummary struct {
	ConversationKey string `json:"conversation_key"`
	ThreadID        string `json:"codex_thread_id,omitempty"`
	MemorySummary   string `json:"memory_summary"`
	LastUsedAt      string `json:"last_used_at"`
}

func (s *Server) handleMemory(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w)
		return
	}
	memories, err := s.db.ListMemory(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	sessions := make([]sessionSummary, 0, len(memories))
	for _, m := range memories {
		sessions = append(sessions, sessionSummary{
			ConversationKey: m.MemoryKey,
			MemorySummary:   m.ReflectionSummary,
			LastUsedAt:      m.UpdatedAt.Format(time.RFC3339),
		})
	}
	writeJSON(w, http.StatusOK, map[string]any{"sessions": sessions})
}

func (s *Server) handleMemoryByKey(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodDelete {
		methodNotAllowed(w)
		return
	}
	key := strings.TrimPrefix(r.URL.Path, "/memory/")
	if key == "" {
		writeError(w, http.StatusBadRequest, errMissingKey)
		return
	}
	if err := s.db.DeleteMemory(r.Context(), key); err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleApprovals(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w)
		return
	}
	pending, err := s.db.ListApprovalsByStatus(r.Context(), model.ApprovalPending)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	approved, err := s.db.ListApprovalsByStatus(r.Context(), model.ApprovalApproved)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	denied, err := s.db.ListApprovalsByStatus(r.Context(), model.ApprovalDenied)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"pending": pending,
		"recent":  append(approved, denied...),
	})
}

// handleApprovalDecision routes POST /approvals/{id}/{approve|always|deny}.
func (s *Server) handleApprovalDecision(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w)
		return
	}
	parts := strings.Split(strings.TrimPrefix(r.URL.Path, "/approvals/"), "/")
	if len(parts) != 2 || parts[0] == "" || parts[1] == "" {
		writeError(w, http.StatusBadRequest, errBadApprovalPath)
		return
	}
	id, action := parts[0], parts[1]

	var decision model.ApprovalDecision
	switch action {
	case "approve":
		decision = model.DecisionApprove
	case "always":
		decision = model.DecisionAlways
	case "deny":
		decision = model.DecisionDeny
	default:
		writeError(w, http.StatusBadRequest, errUnknownDecision)
		return
	}

	var rule *model.GuardrailRule
	if decision == model.DecisionAlways {
		rule = s.ruleFromApprovalDetails(r.Context(), id)
	}

	if err := s.approvals.Decide(r.Context(), id, decision, rule); err != nil {
		writeError(w, http.StatusConflict, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// handleTaskCancel routes POST /tasks/{id}/cancel — the out-of-band
// cancellation write of spec.md §5. It only stamps the row; a task
// still running only observes it at its next tool/approval boundary.
func (s *Server) handleTaskCancel(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w)
		return
	}
	parts := strings.Split(strings.TrimPrefix(r.URL.Path, "/tasks/"), "/")
	if len(parts) != 2 || parts[0] == "" || parts[1] != "cancel" {
		writeError(w, http.StatusBadRequest, errBadTaskPath)
		return
	}
	taskID, err := strconv.ParseInt(parts[0], 10, 64)
	if err != nil {
		writeError(w, http.StatusBadRequest, errBadTaskPath)
		return
	}
	if err := s.db.CancelTask(r.Context(), taskID); err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) ruleFromApprovalDetails(ctx context.Context, id string) *model.GuardrailRule {
	a, err := s.db.GetApproval(ctx, id)
	if err != nil || a == nil {
		logger.Error("admin: load approval %s for always-decision: %v", id, err)
		return nil
	}
	var details struct {
		Command string `json:"command"`
		URL     string `json:"url"`
	}
	if err := json.Unmarshal([]byte(a.DetailsJSON), &details); err != nil {
		logger.Error("admin: parse approval %s details: %v", id, err)
		return nil
	}
	if details.Command != "" {
		return &model.GuardrailRule{Kind: model.GuardrailCommand, PatternKind: model.PatternExact,
			Pattern: details.Command, Action: model.ActionAllow, Priority: 50, Enabled: true}
	}
	if details.URL != "" {
		return &model.GuardrailRule{Kind: model.GuardrailWebFetch, PatternKind: model.PatternExact,
			Pattern: details.URL, Action: model.ActionAllow, Priority: 50, Enabled: true}
	}
	return nil
}

type agentTestRequest struct {
	Prompt string `json:"prompt"`
}

func (s *Server) handleDiagnosticsAgentTest(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w)
		return
	}
	var req agentTestRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}

	result, err := s.agent.Run(r.Context(), agentturn.Context{Prompt: req.Prompt}, noopCallbacks{})
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"result_text": result.ResultText})
}

type noopCallbacks struct{}

func (noopCallbacks) Call(context.Context, agentturn.ToolCall) (agentturn.ToolResult, error) {
	return agentturn.ToolResult{Allowed: false, Refusal: "tool calls are disabled in the diagnostics probe"}, nil
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		logger.Error("admin: encode response: %v", err)
	}
}

func writeError(w http.ResponseWriter, status int, err error) {
	writeJSON(w, status, map[string]string{"error": err.Error()})
}

func methodNotAllowed(w http.ResponseWriter) {
	w.WriteHeader(http.StatusMethodNotAllowed)
}

var (
	errMissingKey      = jsonErr("memory key is required")
	errBadApprovalPath = jsonErr("expected /approvals/{id}/{approve|always|deny}")
	errUnknownDecision = jsonErr("unknown decision, expected approve, always, or deny")
	errBadTaskPath     = jsonErr("expected /tasks/{id}/cancel")
)

type jsonErr string

func (e jsonErr) Error() string { return string(e) }
