package policy

import "testing"

func TestActionRuleMatchesPattern(t *testing.T) {
	tests := []struct {
		name    string
		pattern string
		action  string
		want    bool
	}{
		{"exact match case-insensitive", "send_email", "Send_Email", true},
		{"wildcard suffix", "delete_*", "delete_file", true},
		{"wildcard prefix", "*_payment", "process_payment", true},
		{"wildcard substring", "*admin*", "grant_admin_role", true},
		{"no match", "delete_*", "send_email", false},
		{"metacharacters escaped", "a.b", "a.b", true},
		{"metacharacters escaped, regex special not literal", "a.b", "axb", false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rule := &ActionRule{Pattern: tt.pattern}
			got := rule.matchesPattern(tt.action)
			if got != tt.want {
				t.Errorf("matchesPattern(%q) against pattern %q = %v, want %v", tt.action, tt.pattern, got, tt.want)
			}
		})
	}
}

func TestPolicyMatchRuleFirstWins(t *testing.T) {
	p := &Policy{
		ActionRules: []*ActionRule{
			{Pattern: "send_*", ImpactFloor: 0.4, Description: "first"},
			{Pattern: "send_email", ImpactFloor: 0.9, Description: "second"},
		},
	}

	rule := p.MatchRule("send_email", "", nil)
	if rule == nil {
		t.Fatal("expected a matched rule")
	}
	if rule.Description != "first" {
		t.Errorf("expected the first matching rule to win, got %q", rule.Description)
	}
}

func TestPolicyMatchRuleWithCondition(t *testing.T) {
	p := &Policy{
		ActionRules: []*ActionRule{
			{Pattern: "transfer_funds", ImpactFloor: 0.8, Condition: `metadata.amount > 5000.0`, Description: "large transfer"},
		},
	}

	small := p.MatchRule("transfer_funds", "", map[string]any{"amount": 100.0})
	if small != nil {
		t.Error("rule with condition should not match when condition is false")
	}

	large := p.MatchRule("transfer_funds", "", map[string]any{"amount": 9000.0})
	if large == nil {
		t.Fatal("rule with condition should match when condition is true")
	}
}

func TestDefaultPolicy(t *testing.T) {
	p := Default()
	if p.RiskThresholds.CheckpointTrigger != 0.6 {
		t.Errorf("checkpoint_trigger default = %v, want 0.6", p.RiskThresholds.CheckpointTrigger)
	}
	if p.RiskThresholds.SessionBudget != 0.8 {
		t.Errorf("session_budget default = %v, want 0.8", p.RiskThresholds.SessionBudget)
	}
	if p.CompoundDetection.MinCount != 2 {
		t.Errorf("min_count default = %v, want 2", p.CompoundDetection.MinCount)
	}
	if p.NearMiss.MaxMultiplier != 2.0 {
		t.Errorf("max_multiplier default = %v, want 2.0", p.NearMiss.MaxMultiplier)
	}
}
