package agentturn

import (
	"context"
	"fmt"
)

// Fake is a deterministic AgentTurn used by Worker's tests: it issues a
// fixed script of tool calls (if any), then returns a canned result. It
// records every ToolResult it received so a test can assert on refusal
// text without a real LLM backend.
type Fake struct {
	Script      []ToolCall
	ResultText  string
	NewSummary  string
	Proposals   []RuleProposal
	ToolResults []ToolResult
	RunErr      error
}

func NewFake(resultText string) *Fake {
	return &Fake{ResultText: resultText}
}

func (f *Fake) Run(ctx context.Context, turnCtx Context, callbacks ToolCallbacks) (Result, error) {
	if f.RunErr != nil {
		return Result{}, f.RunErr
	}
	for _, call := range f.Script {
		result, err := callbacks.Call(ctx, call)
		if err != nil {
			return Result{}, fmt.Errorf("fake agent turn tool call: %w", err)
		}
		f.ToolResults = append(f.ToolResults, result)
	}
	return Result{
		ThreadID:       turnCtx.ThreadID,
		ResultText:     f.ResultText,
		NewSummary:     f.NewSummary,
		ToolTranscript: f.Script,
		RuleProposals:  f.Proposals,
	}, nil
}
