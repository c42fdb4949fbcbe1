// Package approval advisorily enforces the policy's approval parameters
// (max_pending_per_session, auto_approve_timeout) on top of the Decision
// Maker's checkpoint calls. Spec §9 treats these as advisory — neither
// parameter changes whether needs_checkpoint is true, only what happens
// to an action that is already pending.
package approval

import (
	"log/slog"
	"sync"
	"time"

	"github.com/oversightgw/oversightgw/internal/policy"
)

const sweepInterval = 5 * time.Second

// pendingEntry tracks one checkpointed, undecided action for the timeout
// sweep.
type pendingEntry struct {
	sessionID string
	deadline  time.Time
}

// Tracker watches checkpointed actions per session, grounded on the
// teacher's approval.Queue.checkTimeouts ticker-sweep pattern: a
// background goroutine periodically walks the pending set and
// auto-resolves anything past its deadline, rather than a per-request
// timer.
type Tracker struct {
	mu          sync.Mutex
	pending     map[string]*pendingEntry // action id -> entry
	autoApprove func(actionID string) error
	logger      *slog.Logger
	done        chan struct{}
}

// NewTracker starts the background sweep goroutine. autoApprove is called
// for each action that times out — callers should wire this to the
// Engine's Approve path so the timeout goes through the same
// approve(approved=true) side effects (session budget commit, event
// dispatch) as an explicit human approval, rather than writing the store
// directly.
func NewTracker(autoApprove func(actionID string) error, logger *slog.Logger) *Tracker {
	if logger == nil {
		logger = slog.Default()
	}
	t := &Tracker{
		pending:     make(map[string]*pendingEntry),
		autoApprove: autoApprove,
		logger:      logger.With("component", "approval.Tracker"),
		done:        make(chan struct{}),
	}
	go t.sweepLoop()
	return t
}

// Track registers a newly-checkpointed, undecided action. timeout <= 0
// means auto_approve_timeout is disabled and the action is tracked only
// for PendingCount.
func (t *Tracker) Track(actionID, sessionID string, timeout time.Duration) {
	t.mu.Lock()
	defer t.mu.Unlock()

	entry := &pendingEntry{sessionID: sessionID}
	if timeout > 0 {
		entry.deadline = time.Now().Add(timeout)
	}
	t.pending[actionID] = entry
}

// Untrack removes an action once it has been explicitly approved/rejected.
func (t *Tracker) Untrack(actionID string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.pending, actionID)
}

// PendingCount returns how many undecided checkpointed actions are
// currently tracked for a session, for enforcing max_pending_per_session.
func (t *Tracker) PendingCount(sessionID string) int {
	t.mu.Lock()
	defer t.mu.Unlock()

	count := 0
	for _, e := range t.pending {
		if e.sessionID == sessionID {
			count++
		}
	}
	return count
}

// OverPending reports whether sessionID is already at or above the
// policy's max_pending_per_session (0 or negative means unlimited).
func (t *Tracker) OverPending(sessionID string, p *policy.Policy) bool {
	if p.Approval.MaxPendingPerSession <= 0 {
		return false
	}
	return t.PendingCount(sessionID) >= p.Approval.MaxPendingPerSession
}

func (t *Tracker) sweepLoop() {
	ticker := time.NewTicker(sweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			t.sweep()
		case <-t.done:
			return
		}
	}
}

func (t *Tracker) sweep() {
	now := time.Now()

	t.mu.Lock()
	var expired []string
	for actionID, e := range t.pending {
		if !e.deadline.IsZero() && now.After(e.deadline) {
			expired = append(expired, actionID)
			delete(t.pending, actionID)
		}
	}
	t.mu.Unlock()

	for _, actionID := range expired {
		if err := t.autoApprove(actionID); err != nil {
			t.logger.Error("auto-approve timeout failed", "action_id", actionID, "error", err)
			continue
		}
		t.logger.Info("auto-approved action on timeout", "action_id", actionID)
	}
}

// Close stops the sweep goroutine.
func (t *Tracker) Close() {
	close(t.done)
}
