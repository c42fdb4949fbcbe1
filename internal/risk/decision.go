package risk

import (
	"fmt"

	"github.com/oversightgw/oversightgw/internal/policy"
)

// Decision is the Decision Maker's output: whether the action must be
// held for human approval, and why.
type Decision struct {
	NeedsCheckpoint bool
	Reason          string
}

// Decide applies spec §4.3's evaluation order, first match wins, and
// prepends the compound-action tag when applicable. The Decision Maker
// cannot fail (spec §7): every input is already-computed, bounded values.
func Decide(cumulativeRisk, riskScore float64, p *policy.Policy, rule *policy.ActionRule, isCompound bool, compoundCount int) Decision {
	var d Decision

	switch {
	case rule != nil && rule.AlwaysCheckpoint:
		d.NeedsCheckpoint = true
		d.Reason = "Action rule: " + rule.Description
	case riskScore > p.RiskThresholds.CheckpointTrigger:
		d.NeedsCheckpoint = true
		d.Reason = fmt.Sprintf("High risk score: %.3f > %.3f", riskScore, p.RiskThresholds.CheckpointTrigger)
	case cumulativeRisk+riskScore > p.RiskThresholds.SessionBudget:
		d.NeedsCheckpoint = true
		d.Reason = fmt.Sprintf("Would exceed session budget: %.3f > %.3f", cumulativeRisk+riskScore, p.RiskThresholds.SessionBudget)
	}

	if isCompound {
		tag := fmt.Sprintf("Compound action (%dx). ", compoundCount)
		if d.Reason != "" {
			d.Reason = tag + d.Reason
		} else {
			d.Reason = fmt.Sprintf("Compound action detected (%dx)", compoundCount)
		}
	}

	return d
}
