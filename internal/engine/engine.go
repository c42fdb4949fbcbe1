// Package engine wires the Scorer, History Adjuster, Decision Maker,
// Session Budget Manager, and Event Dispatcher into the Risk Decision
// Engine's two request-scoped operations, Evaluate and Approve, plus
// RecordNearMiss, per spec.md §2's control flow. It owns no transport: the
// HTTP handlers in internal/api call straight into these methods.
package engine

import (
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/oversightgw/oversightgw/internal/approval"
	"github.com/oversightgw/oversightgw/internal/dispatch"
	"github.com/oversightgw/oversightgw/internal/policy"
	"github.com/oversightgw/oversightgw/internal/risk"
	"github.com/oversightgw/oversightgw/internal/session"
	"github.com/oversightgw/oversightgw/internal/store"
)

// ErrActionNotFound is returned by Approve when the action id doesn't
// exist, per spec §7 ("approve on missing action id" -> 404).
var ErrActionNotFound = errors.New("action not found")

// ErrSessionNotFound is returned by Budget when the session id is unseen
// by this process and the store, per spec §7.
var ErrSessionNotFound = errors.New("session not found")

// ErrInvalidNearMissType is returned by RecordNearMiss for a near_miss_type
// outside the closed set in store.ValidNearMissTypes.
var ErrInvalidNearMissType = errors.New("invalid near_miss_type")

// Engine is the long-lived, concurrency-safe owner of the policy snapshot,
// the durable store, the session cache, the approval timeout tracker, and
// the event dispatcher. One Engine serves the whole process.
type Engine struct {
	policies  *policy.Store
	st        store.Store
	sessions  *session.Manager
	approvals *approval.Tracker
	dispatcher *dispatch.Dispatcher
	logger    *slog.Logger
}

// New builds an Engine. The approval Tracker is constructed here because
// its auto-approve callback closes over the Engine's own Approve method.
func New(policies *policy.Store, st store.Store, dispatcher *dispatch.Dispatcher, logger *slog.Logger) *Engine {
	if logger == nil {
		logger = slog.Default()
	}
	e := &Engine{
		policies:   policies,
		st:         st,
		sessions:   session.NewManager(st, logger),
		dispatcher: dispatcher,
		logger:     logger.With("component", "engine.Engine"),
	}
	e.approvals = approval.NewTracker(func(actionID string) error {
		_, err := e.Approve(actionID, true, "auto-approved: checkpoint timeout elapsed", "system")
		return err
	}, logger)
	return e
}

// Close stops the Engine's background goroutines (the approval sweep).
func (e *Engine) Close() {
	e.approvals.Close()
}

// EvaluateResult is what Evaluate hands back to the HTTP layer, matching
// spec §6's /evaluate response body one field at a time (no wrapper type
// leaks from internal/store).
type EvaluateResult struct {
	ActionID         string
	SessionID        string
	RiskScore        float64
	Impact           float64
	Breadth          float64
	Probability      float64
	NeedsCheckpoint  bool
	CheckpointReason string
	RemainingBudget  float64
	IsCompound       bool
	CompoundCount    int
	OverPending      bool
}

// Evaluate runs the full pipeline for one proposed action: Scorer ->
// History Adjuster -> Decision Maker -> persist -> dispatch, per spec §2's
// control flow and §4.1's "apply near-miss multiplier to P; detect
// compound and, if true, boost B; then risk_score = I*B*P" ordering.
func (e *Engine) Evaluate(sessionID, actionName, target string, metadata map[string]any) (*EvaluateResult, error) {
	p := e.policies.Current()

	sess, err := e.sessions.GetOrCreate(sessionID, p)
	if err != nil {
		return nil, fmt.Errorf("get or create session: %w", err)
	}

	impact, breadth, probability, rule := risk.Score(actionName, target, metadata, p)

	multiplier, err := risk.NearMissMultiplier(e.st, actionName, p)
	if err != nil {
		return nil, fmt.Errorf("near-miss multiplier: %w", err)
	}
	probability = risk.ApplyNearMissMultiplier(probability, multiplier)

	isCompound, compoundCount, err := risk.DetectCompound(e.st, sessionID, target, p)
	if err != nil {
		return nil, fmt.Errorf("detect compound: %w", err)
	}
	breadth = risk.ApplyCompoundBoost(breadth, isCompound, compoundCount, p)

	riskScore := impact * breadth * probability

	decision := risk.Decide(sess.CumulativeRisk, riskScore, p, rule, isCompound, compoundCount)

	action := &store.Action{
		SessionID:       sessionID,
		ActionName:      actionName,
		Target:          target,
		Metadata:        metadata,
		Impact:          impact,
		Breadth:         breadth,
		Probability:     probability,
		RiskScore:       riskScore,
		IsCompound:      isCompound,
		CompoundCount:   compoundCount,
		NeedsCheckpoint: decision.NeedsCheckpoint,
		Reason:          decision.Reason,
	}
	if err := e.st.InsertAction(action); err != nil {
		return nil, fmt.Errorf("insert action: %w", err)
	}

	overPending := false
	if decision.NeedsCheckpoint {
		overPending = e.approvals.OverPending(sessionID, p)
		timeout := time.Duration(p.Approval.AutoApproveTimeoutSeconds) * time.Second
		e.approvals.Track(action.ID, sessionID, timeout)
	}

	result := &EvaluateResult{
		ActionID:         action.ID,
		SessionID:        sessionID,
		RiskScore:        riskScore,
		Impact:           impact,
		Breadth:          breadth,
		Probability:      probability,
		NeedsCheckpoint:  decision.NeedsCheckpoint,
		CheckpointReason: decision.Reason,
		RemainingBudget:  sess.RiskBudget - sess.CumulativeRisk,
		IsCompound:       isCompound,
		CompoundCount:    compoundCount,
		OverPending:      overPending,
	}

	e.dispatcher.Dispatch(dispatch.EventActionEvaluated, result)
	if decision.NeedsCheckpoint {
		e.dispatcher.Dispatch(dispatch.EventCheckpointTriggered, result)
	}

	return result, nil
}

// ApproveResult is Approve's response, mirroring spec §6's /approve body.
type ApproveResult struct {
	ActionID string
	Approved bool
	Message  string
}

// Approve resolves a checkpointed action. Only the first call on a given
// action id succeeds (store.ErrAlreadyDecided on a race, per spec §5's
// "approval is linearised per Action"). On approved=true, the action's
// risk_score is committed to the session's cumulative_risk in one atomic
// store transaction; on approved=false, only the approval fields change.
func (e *Engine) Approve(actionID string, approved bool, notes, channel string) (*ApproveResult, error) {
	action, err := e.st.LoadAction(actionID)
	if err != nil {
		return nil, fmt.Errorf("load action: %w", err)
	}
	if action == nil {
		return nil, ErrActionNotFound
	}

	approvalState := store.ApprovalRejected
	if approved {
		approvalState = store.ApprovalApproved
	}

	if err := e.st.UpdateActionApproval(actionID, approvalState, channel, notes); err != nil {
		return nil, err
	}
	e.approvals.Untrack(actionID)

	if approved {
		if _, err := e.sessions.Commit(action.SessionID, action.RiskScore); err != nil {
			return nil, fmt.Errorf("commit risk to session: %w", err)
		}
	}

	message := "action rejected"
	eventName := dispatch.EventActionRejected
	if approved {
		message = "action approved"
		eventName = dispatch.EventActionApproved
	}

	result := &ApproveResult{ActionID: actionID, Approved: approved, Message: message}
	e.dispatcher.Dispatch(eventName, result)

	return result, nil
}

// BudgetResult is Budget's response, mirroring spec §6's /budget body.
type BudgetResult struct {
	SessionID          string
	RiskBudget         float64
	CumulativeRisk     float64
	RemainingBudget    float64
	UtilizationPercent float64
}

// Budget reports a session's current risk-budget standing. It does not
// create the session; an unseen session id is ErrSessionNotFound.
func (e *Engine) Budget(sessionID string) (*BudgetResult, error) {
	sess, err := e.st.GetSession(sessionID)
	if err != nil {
		return nil, fmt.Errorf("get session: %w", err)
	}
	if sess == nil {
		return nil, ErrSessionNotFound
	}

	utilization := 0.0
	if sess.RiskBudget > 0 {
		utilization = (sess.CumulativeRisk / sess.RiskBudget) * 100
	}

	return &BudgetResult{
		SessionID:          sess.ID,
		RiskBudget:         sess.RiskBudget,
		CumulativeRisk:     sess.CumulativeRisk,
		RemainingBudget:    sess.RiskBudget - sess.CumulativeRisk,
		UtilizationPercent: utilization,
	}, nil
}

// NearMissInput is RecordNearMiss's request shape, validated against
// store.ValidNearMissTypes and the [0,1] severity range before persisting.
type NearMissInput struct {
	SessionID      string
	ActionName     string
	Target         string
	Type           store.NearMissType
	Description    string
	Metadata       map[string]any
	OriginalRisk   *float64
	ActualSeverity float64
}

// RecordNearMiss persists an incident whose actual severity exceeded what
// the engine predicted. Its effect on future scores is read lazily by the
// History Adjuster (risk.NearMissMultiplier) — RecordNearMiss itself never
// touches any Action or Session.
func (e *Engine) RecordNearMiss(in NearMissInput) (string, error) {
	if !store.ValidNearMissTypes[in.Type] {
		return "", ErrInvalidNearMissType
	}
	if in.ActualSeverity < 0 || in.ActualSeverity > 1 {
		return "", fmt.Errorf("actual_severity %f out of range [0,1]", in.ActualSeverity)
	}

	nm := &store.NearMiss{
		SessionID:      in.SessionID,
		ActionName:     in.ActionName,
		Target:         in.Target,
		Type:           in.Type,
		Description:    in.Description,
		Metadata:       in.Metadata,
		OriginalRisk:   in.OriginalRisk,
		ActualSeverity: in.ActualSeverity,
	}
	if err := e.st.InsertNearMiss(nm); err != nil {
		return "", fmt.Errorf("insert near miss: %w", err)
	}

	e.dispatcher.Dispatch(dispatch.EventNearMissRecorded, nm)

	return nm.ID, nil
}

// Stats returns the aggregate counters for GET /stats.
func (e *Engine) Stats() (*store.Stats, error) {
	return e.st.Stats()
}

// ListActions supports audit export (GET /audit/export).
func (e *Engine) ListActions(filter store.ActionFilter) ([]*store.Action, error) {
	return e.st.ListActions(filter)
}

// ReloadPolicy re-reads the policy file and atomically swaps the active
// snapshot, per spec §7 ("on reload failure, keep the previous policy").
func (e *Engine) ReloadPolicy() error {
	return e.policies.Reload()
}

// RegisterWebhook persists a new alert-delivery target for the Event
// Dispatcher's async fan-out.
func (e *Engine) RegisterWebhook(hook *store.Webhook) error {
	return e.st.InsertWebhook(hook)
}

// ListWebhooks returns every registered webhook.
func (e *Engine) ListWebhooks() ([]*store.Webhook, error) {
	return e.st.ListWebhooks()
}

// DeleteWebhook removes a registered webhook by id.
func (e *Engine) DeleteWebhook(id string) error {
	return e.st.DeleteWebhook(id)
}
