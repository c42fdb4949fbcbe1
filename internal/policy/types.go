// Package policy loads, validates, and atomically swaps the declarative
// risk policy that drives scoring and checkpoint decisions.
package policy

import (
	"regexp"
	"strings"
	"sync"

	"github.com/google/cel-go/cel"
)

// RiskThresholds are the top-level checkpoint and budget defaults.
type RiskThresholds struct {
	CheckpointTrigger float64 `yaml:"checkpoint_trigger"`
	SessionBudget     float64 `yaml:"session_budget"`
}

// ActionRule matches action names (and, optionally, a CEL condition) to
// raise impact and force checkpoints for known-sensitive operations.
type ActionRule struct {
	Pattern         string             `yaml:"pattern"`
	ImpactFloor     float64            `yaml:"impact_floor"`
	AlwaysCheckpoint bool              `yaml:"always_checkpoint"`
	MetadataBoosts  map[string]float64 `yaml:"metadata_boosts"`
	Description     string             `yaml:"description"`
	// Condition is an optional CEL expression evaluated against the same
	// inputs the Scorer has (action, target, metadata) in addition to the
	// glob pattern. A rule with no Condition matches on pattern alone.
	Condition string `yaml:"condition,omitempty"`

	compileOnce sync.Once
	compiled    *regexp.Regexp
	program     cel.Program
	compileErr  error
}

// CompoundDetection parameterizes repeated-action-on-same-target boosting.
type CompoundDetection struct {
	TimeWindowSeconds int     `yaml:"time_window_seconds"`
	SameResourceBoost float64 `yaml:"same_resource_boost"`
	MinCount          int     `yaml:"min_count"`
}

// NearMissConfig parameterizes the history-derived probability multiplier.
type NearMissConfig struct {
	HalfLifeHours float64 `yaml:"half_life_hours"`
	MaxMultiplier float64 `yaml:"max_multiplier"`
	MinSeverity   float64 `yaml:"min_severity"`
}

// ApprovalConfig holds advisory (non-enforced-by-the-Decision-Maker)
// parameters consulted by internal/approval.
type ApprovalConfig struct {
	AutoApproveTimeoutSeconds int  `yaml:"auto_approve_timeout_seconds"`
	RequireNotes              bool `yaml:"require_notes"`
	MaxPendingPerSession      int  `yaml:"max_pending_per_session"`
}

// Policy is the process-wide, swappable decision configuration.
type Policy struct {
	RiskThresholds    RiskThresholds      `yaml:"risk_thresholds"`
	ActionRules       []*ActionRule       `yaml:"action_rules"`
	CompoundDetection CompoundDetection   `yaml:"compound_detection"`
	NearMiss          NearMissConfig      `yaml:"near_miss"`
	Approval          ApprovalConfig      `yaml:"approval"`
}

// Default returns the policy defaults named throughout spec §3/§4.
func Default() *Policy {
	return &Policy{
		RiskThresholds: RiskThresholds{
			CheckpointTrigger: 0.6,
			SessionBudget:     0.8,
		},
		CompoundDetection: CompoundDetection{
			TimeWindowSeconds: 300,
			SameResourceBoost: 0.2,
			MinCount:          2,
		},
		NearMiss: NearMissConfig{
			HalfLifeHours: 24,
			MaxMultiplier: 2.0,
			MinSeverity:   0.1,
		},
		Approval: ApprovalConfig{},
	}
}

// MatchRule returns the first action rule whose pattern (and, if present,
// CEL condition) matches the action name, or nil if none matches.
func (p *Policy) MatchRule(action, target string, metadata map[string]any) *ActionRule {
	for _, rule := range p.ActionRules {
		if !rule.matchesPattern(action) {
			continue
		}
		if rule.Condition == "" {
			return rule
		}
		ok, err := rule.evalCondition(action, target, metadata)
		if err != nil || !ok {
			continue
		}
		return rule
	}
	return nil
}

// matchesPattern compiles the rule's glob pattern lazily and caches the
// compiled regexp, anchored at start, `*` as any-run-of-characters,
// case-insensitive, with other regex metacharacters escaped.
func (r *ActionRule) matchesPattern(action string) bool {
	r.compileOnce.Do(func() {
		parts := strings.Split(r.Pattern, "*")
		for i, p := range parts {
			parts[i] = regexp.QuoteMeta(p)
		}
		r.compiled, r.compileErr = regexp.Compile("(?i)^" + strings.Join(parts, ".*") + "$")
	})
	if r.compileErr != nil || r.compiled == nil {
		return false
	}
	return r.compiled.MatchString(action)
}
