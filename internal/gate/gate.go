package gate

import (
	"fmt"

	"vaultline/internal/config"
	"vaultline/internal/domain"
)

type Verdict string

const (
	AutoApprove     Verdict = "auto_approve"
	RequireApproval Verdict = "require_approval"
)

// Evaluation explains a verdict.
type Evaluation struct {
	Verdict    Verdict
	SideEffect bool
	Reason     string
}

// Gate applies the configured approval policy to plans.
type Gate struct {
	Threshold float64
	Actions   map[string]config.ActionPolicy
}

func New(cfg config.ApprovalConfig) Gate {
	return Gate{Threshold: cfg.FinancialThreshold, Actions: cfg.Actions}
}

// Evaluate decides whether a plan may proceed without sign-off. Unknown
// action kinds always require approval.
func (g Gate) Evaluate(p domain.Plan) Evaluation {
	policy, known := g.Actions[p.ActionKind]
	if !p.SideEffect && (!known || !policy.HasSideEffect()) {
		return Evaluation{Verdict: AutoApprove, Reason: "no side effect"}
	}
	if !known {
		return Evaluation{Verdict: RequireApproval, SideEffect: true, Reason: fmt.Sprintf("unknown action kind %q", p.ActionKind)}
	}
	if policy.External {
		return Evaluation{Verdict: RequireApproval, SideEffect: true, Reason: "externally visible action"}
	}
	if policy.Financial {
		limit := g.Threshold
		if policy.Threshold != nil {
			limit = *policy.Threshold
		}
		if p.Amount > limit {
			return Evaluation{Verdict: RequireApproval, SideEffect: true, Reason: fmt.Sprintf("amount %.2f above %.2f", p.Amount, limit)}
		}
		return Evaluation{Verdict: AutoApprove, SideEffect: true, Reason: fmt.Sprintf("amount %.2f within %.2f", p.Amount, limit)}
	}
	return Evaluation{Verdict: RequireApproval, SideEffect: true, Reason: "side-effecting action"}
}

// EvaluateRequest applies the same policy to a parked request.
func (g Gate) EvaluateRequest(r domain.ApprovalRequest) Evaluation {
	return g.Evaluate(domain.Plan{ActionKind: r.ActionKind, SideEffect: true, Amount: r.Amount})
}
