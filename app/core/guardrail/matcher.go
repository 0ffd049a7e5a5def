// Package guardrail evaluates ordered pattern rules against a command or
// URL and returns the first matching action, falling back to allow when
// nothing matches. Grounded on grail/crates/grail-server/src/guardrails.rs's
// first-match-wins evaluation, reimplemented with Go's regexp instead of
// the Rust regex crate, and made case-insensitive across all three
// pattern kinds per spec.md's stated contract rather than the original's
// case-sensitive substring check.
package guardrail

import (
	"fmt"
	"regexp"
	"strings"
	"sync"

	"relaykit/app/core/model"
)

// Matcher evaluates GuardrailRules of a single Kind. It caches compiled
// regexes keyed by pattern text since rule sets change far less often
// than they're evaluated.
type Matcher struct {
	mu         sync.Mutex
	regexCache map[string]*regexp.Regexp
}

func NewMatcher() *Matcher {
	return &Matcher{regexCache: make(map[string]*regexp.Regexp)}
}

// Decision is the outcome of evaluating a subject against a rule set.
type Decision struct {
	Action      model.GuardrailAction
	MatchedRule *model.GuardrailRule // nil when no rule matched (default allow)
}

// Evaluate returns the first rule (in the given, already-ordered, slice)
// whose pattern matches subject, or a default allow when none do. rules
// must already be ordered (priority ASC, created_at ASC) and filtered to
// the relevant workspace scope by the caller, mirroring
// store.ListGuardrailRules's ordering contract.
func (m *Matcher) Evaluate(subject string, rules []model.GuardrailRule) (Decision, error) {
	for i := range rules {
		rule := rules[i]
		matched, err := m.matches(subject, rule)
		if err != nil {
			return Decision{}, fmt.Errorf("evaluate rule %s: %w", rule.ID, err)
		}
		if matched {
			return Decision{Action: rule.Action, MatchedRule: &rule}, nil
		}
	}
	return Decision{Action: model.ActionAllow}, nil
}

func (m *Matcher) matches(subject string, rule model.GuardrailRule) (bool, error) {
	switch rule.PatternKind {
	case model.PatternExact:
		return strings.EqualFold(strings.TrimSpace(subject), strings.TrimSpace(rule.Pattern)), nil
	case model.PatternSubstring:
		return strings.Contains(strings.ToLower(subject), strings.ToLower(rule.Pattern)), nil
	case model.PatternRegex:
		re, err := m.compile(rule.Pattern)
		if err != nil {
			return false, err
		}
		return re.MatchString(subject), nil
	default:
		return false, fmt.Errorf("unknown pattern kind %q", rule.PatternKind)
	}
}

func (m *Matcher) compile(pattern string) (*regexp.Regexp, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if re, ok := m.regexCache[pattern]; ok {
		return re, nil
	}
	re, err := regexp.Compile("(?i)" + pattern)
	if err != nil {
		return nil, fmt.Errorf("compile pattern %q: %w", pattern, err)
	}
	m.regexCache[pattern] = re
	return re, nil
}

// DefaultCommandRules seeds a fresh install with the baseline command
// policy from spec.md §4.2: rm -rf, disk-wipe idioms, fork bombs, and
// sudo all carry require_approval rather than deny, so an operator can
// relax a specific rule rather than being permanently blocked by it.
// Nothing in the default set denies outright — the Evaluate fallback
// already allows when no rule matches, and denial is left to whatever
// an operator adds explicitly.
func DefaultCommandRules() []model.GuardrailRule {
	return []model.GuardrailRule{
		{Name: "require-approval-rm-rf-root", Kind: model.GuardrailCommand, PatternKind: model.PatternRegex,
			Pattern: `rm\s+(-\w*r\w*f\w*|-\w*f\w*r\w*)\s+/(\s|$)`, Action: model.ActionRequireApproval, Priority: 1, Enabled: true},
		{Name: "require-approval-disk-wipe", Kind: model.GuardrailCommand, PatternKind: model.PatternRegex,
			Pattern: `\b(mkfs|dd\s+if=.*of=/dev/)`, Action: model.ActionRequireApproval, Priority: 1, Enabled: true},
		{Name: "require-approval-fork-bomb", Kind: model.GuardrailCommand, PatternKind: model.PatternSubstring,
			Pattern: ":(){ :|:& };:", Action: model.ActionRequireApproval, Priority: 1, Enabled: true},
		{Name: "require-approval-sudo", Kind: model.GuardrailCommand, PatternKind: model.PatternRegex,
			Pattern: `\bsudo\b`, Action: model.ActionRequireApproval, Priority: 100, Enabled: true},
	}
}

// DefaultWebFetchRules seeds the baseline web-fetch policy: no rules,
// since spec.md §4.2 governs web fetch purely through the
// WebAllowDomains/WebDenyDomains settings lists rather than pattern
// rules. Nothing calls it at present: main.go's startup seeding inserts
// only DefaultCommandRules.
func DefaultWebFetchRules() []model.GuardrailRule {
	return nil
}
