// Package session implements the Session Budget Manager: lazy session
// creation and the fast-path cache in front of the durable cumulative-risk
// counter. The store, not this package, is the source of truth — the
// manager's in-memory map exists to avoid a store round trip on every
// evaluate for sessions it has already seen this process lifetime.
package session

import (
	"fmt"
	"log/slog"
	"sync"

	"github.com/oversightgw/oversightgw/internal/policy"
	"github.com/oversightgw/oversightgw/internal/store"
)

// Manager tracks sessions seen by this process and mediates cumulative
// risk reads. It never mutates cumulative_risk itself — that happens in
// one store transaction (store.AddToCumulativeRisk), never via
// read-modify-write from application memory, per spec §5.
type Manager struct {
	mu       sync.RWMutex
	sessions map[string]*store.Session
	st       store.Store
	logger   *slog.Logger
}

// NewManager creates a Manager backed by the given Store.
func NewManager(st store.Store, logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{
		sessions: make(map[string]*store.Session),
		st:       st,
		logger:   logger.With("component", "session.Manager"),
	}
}

// GetOrCreate returns the session for id, creating it lazily (copying the
// current policy's session_budget) on first sight, per spec §4.4.
func (m *Manager) GetOrCreate(id string, p *policy.Policy) (*store.Session, error) {
	m.mu.RLock()
	if sess, ok := m.sessions[id]; ok {
		m.mu.RUnlock()
		return sess, nil
	}
	m.mu.RUnlock()

	sess, err := m.st.GetOrCreateSession(id, p.RiskThresholds.SessionBudget)
	if err != nil {
		return nil, fmt.Errorf("get or create session %s: %w", id, err)
	}

	m.mu.Lock()
	m.sessions[id] = sess
	m.mu.Unlock()

	return sess, nil
}

// Get returns the cached session, or nil if this process hasn't seen it.
// Callers needing a guaranteed-fresh value should read through the store.
func (m *Manager) Get(id string) *store.Session {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.sessions[id]
}

// TotalRisk returns the session's cached cumulative_risk, or 0 if unseen.
func (m *Manager) TotalRisk(id string) float64 {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if sess, ok := m.sessions[id]; ok {
		return sess.CumulativeRisk
	}
	return 0
}

// Commit applies an approved action's risk_score to the session's
// cumulative_risk via one atomic store transaction, then refreshes the
// in-memory cache with the store's authoritative result.
func (m *Manager) Commit(id string, riskScore float64) (*store.Session, error) {
	sess, err := m.st.AddToCumulativeRisk(id, riskScore)
	if err != nil {
		return nil, fmt.Errorf("commit risk to session %s: %w", id, err)
	}

	m.mu.Lock()
	m.sessions[id] = sess
	m.mu.Unlock()

	return sess, nil
}

// ActiveCount returns the number of sessions this process has cached.
func (m *Manager) ActiveCount() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.sessions)
}
