// Package orchestration provides the pre-execution phase policy.
//
// The policy is consulted by the HITL gate before a task is admitted.
// It can allow the task, flag it for human review, or deny it outright;
// denial still produces an approval so a human makes the final call.
package orchestration

import "strings"

// PolicyVerdict is the result of a policy check.
type PolicyVerdict int

const (
	// PolicyAllow admits the task without a policy-driven review.
	PolicyAllow PolicyVerdict = iota

	// PolicyReview flags the task for pre-execution human review.
	PolicyReview

	// PolicyDeny hard-denies the (phase, agent_type) pair or flags the
	// instructions; a policy_violation approval is created.
	PolicyDeny
)

// String returns the verdict name for logging.
func (v PolicyVerdict) String() string {
	switch v {
	case PolicyReview:
		return "review"
	case PolicyDeny:
		return "deny"
	default:
		return "allow"
	}
}

// PhasePolicy decides whether a task may run in the project's current
// phase. Implementations must be side-effect free.
type PhasePolicy interface {
	Check(phase, agentType, instructions string) PolicyVerdict
}

// RulePolicy is a declarative PhasePolicy.
//
// AllowedAgents maps a phase to the agent types permitted in it; a
// phase absent from the map permits every agent. DeniedPatterns and
// ReviewPatterns are case-insensitive substrings matched against the
// task instructions (prompt heuristics).
type RulePolicy struct {
	AllowedAgents  map[string][]string
	DeniedPatterns []string
	ReviewPatterns []string
}

var _ PhasePolicy = (*RulePolicy)(nil)

// Check implements PhasePolicy. Deny takes precedence over review.
func (p *RulePolicy) Check(phase, agentType, instructions string) PolicyVerdict {
	if allowed, ok := p.AllowedAgents[phase]; ok && agentType != "" {
		found := false
		for _, a := range allowed {
			if a == agentType {
				found = true
				break
			}
		}
		if !found {
			return PolicyDeny
		}
	}

	lower := strings.ToLower(instructions)
	for _, pattern := range p.DeniedPatterns {
		if pattern != "" && strings.Contains(lower, strings.ToLower(pattern)) {
			return PolicyDeny
		}
	}
	for _, pattern := range p.ReviewPatterns {
		if pattern != "" && strings.Contains(lower, strings.ToLower(pattern)) {
			return PolicyReview
		}
	}
	return PolicyAllow
}

// AllowAllPolicy is the default policy; it never blocks a task.
type AllowAllPolicy struct{}

var _ PhasePolicy = (*AllowAllPolicy)(nil)

// Check implements PhasePolicy.
func (AllowAllPolicy) Check(phase, agentType, instructions string) PolicyVerdict {
	return PolicyAllow
}
