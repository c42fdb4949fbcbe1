// Package adapter defines the interface external agent frameworks
// implement to plug into the evaluation pipeline directly, rather than
// through the HTTP API. Kept at the interface described by spec.md's
// optional agent-framework glue — no concrete framework binding ships
// here.
package adapter

import "context"

// EvaluationResult is the governance decision returned to the agent
// framework for one evaluated action.
type EvaluationResult struct {
	NeedsCheckpoint bool    `json:"needs_checkpoint"`
	RiskScore       float64 `json:"risk_score"`
	Reason          string  `json:"reason,omitempty"`
}

// Evaluator is called by an Adapter for each action it observes, and
// returns the same decision the HTTP /evaluate endpoint would produce.
type Evaluator func(ctx context.Context, sessionID, actionName, target string, metadata map[string]any) (EvaluationResult, error)

// Adapter is the interface that agent framework integrations implement.
// Each adapter translates between a framework's native protocol and the
// evaluation pipeline.
type Adapter interface {
	// Name returns a human-readable adapter name.
	Name() string

	// Start begins listening for events from the agent framework. evaluate
	// is called for each observed action to get a governance decision.
	Start(ctx context.Context, evaluate Evaluator) error

	// Stop gracefully shuts down the adapter.
	Stop() error

	// ConnectedAgents returns the number of currently connected agents.
	ConnectedAgents() int
}
