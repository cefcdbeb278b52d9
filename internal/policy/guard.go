// Package policy gates inbound events before they reach the conversation
// engine, using an OPA rego policy.
package policy

import (
	"context"
	"fmt"

	"github.com/open-policy-agent/opa/rego"

	"github.com/botline/botline/internal/domain"
)

// Guard is the OPA admission engine for inbound events.
type Guard struct {
	query rego.PreparedEvalQuery
}

// NewGuard creates a guard with the given policy content.
func NewGuard(ctx context.Context, policyContent string) (*Guard, error) {
	r := rego.New(
		rego.Query("data.event_policy.decision"),
		rego.Module("event_policy.rego", policyContent),
	)

	query, err := r.PrepareForEval(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to prepare rego: %w", err)
	}

	return &Guard{query: query}, nil
}

// Evaluate checks the event admission policy.
// Returns: decision (allow, block), reason (optional), error.
func (g *Guard) Evaluate(ctx context.Context, ev *domain.InboundEvent) (string, string, error) {
	input := map[string]interface{}{
		"kind":    string(ev.Kind),
		"user_id": ev.UserID,
		"text":    ev.Text,
		"amount":  ev.PaymentAmount,
	}

	results, err := g.query.Eval(ctx, rego.EvalInput(input))
	if err != nil {
		return "", "", fmt.Errorf("failed to evaluate policy: %w", err)
	}

	if len(results) == 0 || len(results[0].Expressions) == 0 {
		// The policy defines a default; an empty result means it was removed.
		return "allow", "default", nil
	}

	val := results[0].Expressions[0].Value
	if s, ok := val.(string); ok {
		return s, "", nil
	}

	return "allow", "unexpected return type", nil
}

// DefaultPolicy is the default admission policy: everything is allowed
// except payments above the cap and users on the block list.
const DefaultPolicy = `
package event_policy

default decision = "allow"

decision = "block" {
	input.kind == "payment"
	input.amount > 1000000
}

blocked_users = {"0"}

decision = "block" {
	blocked_users[input.user_id]
}
`
