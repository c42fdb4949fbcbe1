package risk

import (
	"strings"

	"github.com/oversightgw/oversightgw/internal/policy"
)

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}

// Score computes the three risk components for a proposed action. It is
// pure and cannot fail: every input is already well-typed and every
// operation is bounded arithmetic, per spec §7 ("the Scorer cannot fail").
// The matched action rule (if any) is returned alongside so callers
// (History Adjuster, Decision Maker) don't need to re-run pattern matching.
func Score(action, target string, metadata map[string]any, p *policy.Policy) (impact, breadth, probability float64, rule *policy.ActionRule) {
	rule = p.MatchRule(action, target, metadata)
	impact = scoreImpact(metadata, rule)
	breadth = scoreBreadth(target, metadata)
	probability = scoreProbability(metadata)
	return impact, breadth, probability, rule
}

func scoreImpact(metadata map[string]any, rule *policy.ActionRule) float64 {
	impact := 0.3

	if rule != nil {
		if rule.ImpactFloor > impact {
			impact = rule.ImpactFloor
		}
		for key, boost := range rule.MetadataBoosts {
			if truthy(metadata[key]) {
				impact = clamp01(impact + boost)
			}
		}
	}

	if truthy(metadata["contains_pii"]) {
		impact = clamp01(impact + 0.2)
	}
	if truthy(metadata["financial"]) {
		impact = clamp01(impact + 0.3)
	}
	if truthy(metadata["irreversible"]) {
		impact = clamp01(impact + 0.2)
	}
	if amount, ok := asFloat(metadata["amount"]); ok {
		if amount > 1000 {
			impact = clamp01(impact + 0.2)
		}
		if amount > 10000 {
			impact = clamp01(impact + 0.3)
		}
	}

	return impact
}

var broadScopeWords = []string{"all", "everyone", "public", "broadcast"}
var groupScopeWords = []string{"group", "team", "list"}

func scoreBreadth(target string, metadata map[string]any) float64 {
	breadth := 0.3

	if target != "" {
		lower := strings.ToLower(target)
		switch {
		case containsAny(lower, broadScopeWords):
			breadth = 0.9
		case containsAny(lower, groupScopeWords):
			breadth = 0.6
		}
	}

	if count, ok := recipientCount(metadata["recipients"]); ok {
		var boost float64
		switch {
		case count > 100:
			boost = 0.9
		case count > 10:
			boost = 0.6
		case count > 1:
			boost = 0.4
		}
		if boost > breadth {
			breadth = boost
		}
	}

	if scope, ok := asString(metadata["scope"]); ok {
		switch scope {
		case "global":
			breadth = 1.0
		case "organization":
			breadth = 0.8
		}
	}

	if truthy(metadata["broadcast"]) || truthy(metadata["public"]) {
		breadth = clamp01(breadth + 0.3)
	}

	return clamp01(breadth)
}

func scoreProbability(metadata map[string]any) float64 {
	probability := 0.3

	if isFalse(metadata["user_confirmed"]) {
		probability = clamp01(probability + 0.3)
	}
	if truthy(metadata["automated"]) {
		probability = clamp01(probability + 0.2)
	}
	if truthy(metadata["time_sensitive"]) {
		probability = clamp01(probability + 0.1)
	}
	if truthy(metadata["off_hours"]) {
		probability = clamp01(probability + 0.2)
	}

	return probability
}

func containsAny(s string, words []string) bool {
	for _, w := range words {
		if strings.Contains(s, w) {
			return true
		}
	}
	return false
}
