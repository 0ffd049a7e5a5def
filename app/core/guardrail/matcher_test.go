package guardrail

import (
	"testing"

	"relaykit/app/core/model"
)

func TestEvaluateFirstMatchWins(t *testing.T) {
	m := NewMatcher()
	rules := []model.GuardrailRule{
		{ID: "1", Kind: model.GuardrailCommand, PatternKind: model.PatternSubstring, Pattern: "rm", Action: model.ActionDeny, Priority: 1},
		{ID: "2", Kind: model.GuardrailCommand, PatternKind: model.PatternSubstring, Pattern: "rm -rf", Action: model.ActionAllow, Priority: 2},
	}

	decision, err := m.Evaluate("rm -rf /tmp/scratch", rules)
	if err != nil {
		t.Fatalf("Evaluate: %v", err)
	}
	if decision.Action != model.ActionDeny || decision.MatchedRule.ID != "1" {
		t.Fatalf("expected the lower-priority deny rule to win, got %+v", decision)
	}
}

func TestEvaluateDefaultAllowWhenNoMatch(t *testing.T) {
	m := NewMatcher()
	decision, err := m.Evaluate("ls -la", nil)
	if err != nil {
		t.Fatalf("Evaluate: %v", err)
	}
	if decision.Action != model.ActionAllow || decision.MatchedRule != nil {
		t.Fatalf("expected default allow, got %+v", decision)
	}
}

func TestEvaluateCaseInsensitiveSubstring(t *testing.T) {
	m := NewMatcher()
	rules := []model.GuardrailRule{
		{ID: "1", Kind: model.GuardrailWebFetch, PatternKind: model.PatternSubstring, Pattern: "EVIL.COM", Action: model.ActionDeny, Priority: 1},
	}
	decision, err := m.Evaluate("https://evil.com/path", rules)
	if err != nil {
		t.Fatalf("Evaluate: %v", err)
	}
	if decision.Action != model.ActionDeny {
		t.Fatalf("expected case-insensitive substring match to deny, got %+v", decision)
	}
}

func TestEvaluateExactTrimsWhitespace(t *testing.T) {
	m := NewMatcher()
	rules := []model.GuardrailRule{
		{ID: "1", Kind: model.GuardrailCommand, PatternKind: model.PatternExact, Pattern: "ls -la", Action: model.ActionAllow, Priority: 1},
	}
	decision, err := m.Evaluate("  ls -la  ", rules)
	if err != nil {
		t.Fatalf("Evaluate: %v", err)
	}
	if decision.Action != model.ActionAllow {
		t.Fatalf("expected exact match to allow, got %+v", decision)
	}
}

func TestEvaluateRegexCaseInsensitive(t *testing.T) {
	m := NewMatcher()
	rules := []model.GuardrailRule{
		{ID: "1", Kind: model.GuardrailCommand, PatternKind: model.PatternRegex, Pattern: `^SUDO\s`, Action: model.ActionRequireApproval, Priority: 1},
	}
	decision, err := m.Evaluate("sudo apt-get update", rules)
	if err != nil {
		t.Fatalf("Evaluate: %v", err)
	}
	if decision.Action != model.ActionRequireApproval {
		t.Fatalf("expected case-insensitive regex match, got %+v", decision)
	}
}

func TestEvaluateInvalidRegexErrors(t *testing.T) {
	m := NewMatcher()
	rules := []model.GuardrailRule{
		{ID: "1", Kind: model.GuardrailCommand, PatternKind: model.PatternRegex, Pattern: "(unclosed", Action: model.ActionDeny, Priority: 1},
	}
	if _, err := m.Evaluate("anything", rules); err == nil {
		t.Fatal("expected an error for an invalid regex pattern")
	}
}

func TestDefaultCommandRulesRequireApprovalForForkBomb(t *testing.T) {
	m := NewMatcher()
	decision, err := m.Evaluate(":(){ :|:& };:", DefaultCommandRules())
	if err != nil {
		t.Fatalf("Evaluate: %v", err)
	}
	if decision.Action != model.ActionRequireApproval {
		t.Fatalf("expected fork bomb to require approval by default rather than deny outright, got %+v", decision)
	}
}
