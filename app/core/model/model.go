// Package model holds the data-model types shared across the task
// orchestration subsystem: tasks, sessions, conversation leases,
// approvals, guardrail rules, cron jobs, and the supporting lookup
// tables. The Store is the only component that mutates them; every
// other package treats them as read-mostly values passed by copy.
package model

import "time"

type TaskStatus string

const (
	TaskQueued    TaskStatus = "queued"
	TaskRunning   TaskStatus = "running"
	TaskDone      TaskStatus = "done"
	TaskError     TaskStatus = "error"
	TaskCancelled TaskStatus = "cancelled"
)

type Provider string

const (
	ProviderSlack    Provider = "slack"
	ProviderTelegram Provider = "telegram"
)

// Task is one unit of orchestrated work: a user turn, or a synthetic
// cron-fired turn, addressed to a single conversation.
type Task struct {
	ID                 int64
	Status             TaskStatus
	Provider           Provider
	WorkspaceID        string
	ChannelID          string
	ThreadTS           string
	EventTS            string
	ConversationKey    string
	RequestedByUserID  string
	PromptText         string
	ResultText         string
	ErrorText          string
	CreatedAt          time.Time
	StartedAt          *time.Time
	FinishedAt         *time.Time
	IsProactive        bool
	ReenqueueCount     int
}

// Session holds the external agent's continuity state for a
// conversation_key. Created lazily, mutated only by the owning Worker.
type Session struct {
	ConversationKey string
	ThreadID        string
	MemorySummary   string
	UpdatedAt       time.Time
}

// ConversationLock is the distributed-style lease a Dispatcher worker
// slot holds on a conversation_key while it owns the claimed task.
type ConversationLock struct {
	ConversationKey string
	OwnerID         string
	LeaseUntil      time.Time
}

type ApprovalKind string

const (
	ApprovalCommandExecution ApprovalKind = "command_execution"
	ApprovalGuardrailRuleAdd ApprovalKind = "guardrail_rule_add"
	ApprovalCronJobAdd       ApprovalKind = "cron_job_add"
)

type ApprovalStatus string

const (
	ApprovalPending  ApprovalStatus = "pending"
	ApprovalApproved ApprovalStatus = "approved"
	ApprovalDenied   ApprovalStatus = "denied"
	ApprovalExpired  ApprovalStatus = "expired"
)

type ApprovalDecision string

const (
	DecisionApprove ApprovalDecision = "approve"
	DecisionDeny    ApprovalDecision = "deny"
	DecisionAlways  ApprovalDecision = "always"
)

// Approval is a durable record of a pending or resolved human decision on
// a guardrail-gated action.
type Approval struct {
	ID                string
	Kind              ApprovalKind
	Status            ApprovalStatus
	Decision          ApprovalDecision
	WorkspaceID       string
	ChannelID         string
	ThreadTS          string
	RequestedByUserID string
	DetailsJSON       string
	CreatedAt         time.Time
	UpdatedAt         time.Time
	ResolvedAt        *time.Time
}

type GuardrailKind string

const (
	GuardrailCommand  GuardrailKind = "command"
	GuardrailWebFetch GuardrailKind = "web_fetch"
)

type PatternKind string

const (
	PatternRegex     PatternKind = "regex"
	PatternExact     PatternKind = "exact"
	PatternSubstring PatternKind = "substring"
)

type GuardrailAction string

const (
	ActionAllow           GuardrailAction = "allow"
	ActionRequireApproval GuardrailAction = "require_approval"
	ActionDeny            GuardrailAction = "deny"
)

// GuardrailRule is one ordered policy rule mapping a pattern on a command
// or URL to allow / require_approval / deny.
type GuardrailRule struct {
	ID          string
	WorkspaceID string // empty means "applies to all workspaces"
	Name        string
	Kind        GuardrailKind
	PatternKind PatternKind
	Pattern     string
	Action      GuardrailAction
	Priority    int
	Enabled     bool
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

type ScheduleKind string

const (
	ScheduleEvery ScheduleKind = "every"
	ScheduleCron  ScheduleKind = "cron"
	ScheduleAt    ScheduleKind = "at"
)

type CronMode string

const (
	CronModeAgent   CronMode = "agent"
	CronModeMessage CronMode = "message"
)

type CronStatus string

const (
	CronStatusOK    CronStatus = "ok"
	CronStatusError CronStatus = "error"
)

// CronJob is a scheduled trigger that either enqueues a proactive Task or
// sends a direct message, on a fixed interval, a 5-field cron expression,
// or a single future instant.
type CronJob struct {
	ID            string
	Name          string
	Enabled       bool
	ScheduleKind  ScheduleKind
	EverySeconds  int64
	CronExpr      string
	AtTS          *time.Time
	WorkspaceID   string
	ChannelID     string
	ThreadTS      string
	PromptText    string
	Mode          CronMode
	NextRunAt     *time.Time
	LastRunAt     *time.Time
	LastStatus    CronStatus
	LastError     string
	CreatedAt     time.Time
	UpdatedAt     time.Time
}

// ProcessedEvent is the dedup key for ingress: (workspace_id, event_id).
type ProcessedEvent struct {
	WorkspaceID string
	EventID     string
	ProcessedAt time.Time
}

type PermissionsMode string

const (
	PermissionsRead  PermissionsMode = "read"
	PermissionsWrite PermissionsMode = "write"
	PermissionsAll   PermissionsMode = "all"
)

type CommandApprovalMode string

const (
	CommandApprovalAuto       CommandApprovalMode = "auto"
	CommandApprovalGuardrails CommandApprovalMode = "guardrails"
	CommandApprovalAlwaysAsk  CommandApprovalMode = "always_ask"
)

// Settings is the singleton configuration row governing permission and
// approval policy, allow-lists, and agent identity.
type Settings struct {
	PermissionsMode            PermissionsMode
	CommandApprovalMode        CommandApprovalMode
	AutoApplyGuardrailTighten  bool
	AutoApplyCronJobs          bool
	SlackAllowFrom             []string
	TelegramAllowFrom          []string
	WebAllowDomains            []string
	WebDenyDomains             []string
	AgentName                  string
	AgentRoleDescription       string
}

type MemoryScope string

const (
	MemoryScopeThread   MemoryScope = "thread"
	MemoryScopeResource MemoryScope = "resource"
)

// ObservationalMemory is the rolling, key-scoped observation/reflection
// log the Worker consults at the start of a turn and updates at the end.
type ObservationalMemory struct {
	MemoryKey          string
	Scope              MemoryScope
	ObservationLog     string
	ReflectionSummary  string
	UpdatedAt          time.Time
}
