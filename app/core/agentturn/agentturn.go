// Package agentturn declares the boundary to the external LLM/tool
// backend (out of scope per spec.md §1) as a real Go interface, plus a
// deterministic fake used by Worker's tests. Grounded on the teacher's
// app/core/orchestrator/agent/agent.go Runner interface shape, narrowed
// to exactly the run(thread_id?, context, prompt, tool_callbacks) ->
// {thread_id, result_text, new_summary, tool_transcript} contract spec
// §6 names.
package agentturn

import "context"

// ToolCallKind distinguishes the two tool-call categories the Worker
// mediates per spec.md §4.6 step 3.
type ToolCallKind string

const (
	ToolCommandExecution ToolCallKind = "command_execution"
	ToolWebFetch         ToolCallKind = "web_fetch"
)

// ToolCall is one request the agent makes mid-turn for the Worker to
// mediate and answer.
type ToolCall struct {
	Kind    ToolCallKind
	Subject string // the command line, or the URL
}

// ToolResult is the Worker's answer to a ToolCall: either the output of
// running it, or a refusal reason the agent should see verbatim.
type ToolResult struct {
	Allowed bool
	Output  string
	Refusal string
}

// ToolCallbacks lets the external agent ask the Worker to mediate a tool
// call mid-turn, without the agentturn package depending on guardrail or
// approval directly.
type ToolCallbacks interface {
	Call(ctx context.Context, call ToolCall) (ToolResult, error)
}

// Context is everything the Worker assembles before invoking a turn, per
// spec.md §4.6 step 2.
type Context struct {
	ConversationKey   string
	ThreadID          string
	History           []string
	MemorySummary     string
	ReflectionSummary string
	Prompt            string
}

// Result is what a turn produces on success.
type Result struct {
	ThreadID       string
	ResultText     string
	NewSummary     string
	ToolTranscript []ToolCall
	RuleProposals  []RuleProposal
}

// RuleProposal is a guardrail rule the agent asks the Worker to adopt,
// per spec.md §4.6 step 4.
type RuleProposal struct {
	Kind        string
	PatternKind string
	Pattern     string
	Action      string
}

// AgentTurn is the external collaborator boundary; a production build
// wires in a real LLM/tool backend behind this interface.
type AgentTurn interface {
	Run(ctx context.Context, turnCtx Context, callbacks ToolCallbacks) (Result, error)
}
