// Package detection implements the classification logic of the Cortex
// pipeline: rule-based policy matching, behavioral anomaly detection
// against adaptive per-source baselines, and deterministic alert
// summary generation.
package detection

import (
	"reflect"
	"strings"

	"github.com/lvonguyen/cortex/internal/model"
)

// PolicyMatcher evaluates event details against active detection
// policies. It is stateless and has no side effects.
type PolicyMatcher struct{}

// NewPolicyMatcher creates a policy matcher.
func NewPolicyMatcher() *PolicyMatcher {
	return &PolicyMatcher{}
}

// Match returns the first policy whose rule matches the details map, in
// the order the caller supplies, or nil when none match. Evaluation
// short-circuits on the first match. Policies with malformed rules
// (empty field) never apply.
func (m *PolicyMatcher) Match(details map[string]any, policies []*model.Policy) *model.Policy {
	for _, policy := range policies {
		if m.ruleMatches(policy.Rule, details) {
			return policy
		}
	}
	return nil
}

func (m *PolicyMatcher) ruleMatches(rule model.Rule, details map[string]any) bool {
	if rule.Field == "" {
		return false
	}
	value, ok := details[rule.Field]
	if !ok {
		return false
	}

	switch rule.Operator {
	case model.OpEquals:
		return reflect.DeepEqual(value, any(rule.Value))
	case model.OpContains:
		s, ok := value.(string)
		return ok && strings.Contains(s, rule.Value)
	default:
		return false
	}
}
