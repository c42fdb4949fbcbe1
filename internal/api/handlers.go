package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/oversightgw/oversightgw/internal/cost"
	"github.com/oversightgw/oversightgw/internal/engine"
	"github.com/oversightgw/oversightgw/internal/store"
)

// --- /health ---

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, map[string]string{"status": "ok", "version": version})
}

// version is the service's reported version. It can be overridden at
// build time with -ldflags -X; cmd/oversightgw's own version variable is
// separate and does not feed it.
var version = "dev"

// --- /evaluate ---

type llmUsage struct {
	Model        string `json:"model"`
	InputTokens  int    `json:"input_tokens"`
	OutputTokens int    `json:"output_tokens"`
}

type evaluateRequest struct {
	SessionID string         `json:"session_id"`
	Action    string         `json:"action"`
	Target    string         `json:"target"`
	Metadata  map[string]any `json:"metadata"`
	LLMUsage  *llmUsage      `json:"llm_usage"`
}

func (s *Server) handleEvaluate(w http.ResponseWriter, r *http.Request) {
	var req evaluateRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusUnprocessableEntity, "malformed request body: "+err.Error())
		return
	}
	if req.SessionID == "" {
		writeError(w, http.StatusUnprocessableEntity, "session_id is required")
		return
	}
	if req.Action == "" {
		writeError(w, http.StatusUnprocessableEntity, "action is required")
		return
	}

	// Callers that report LLM token usage instead of a dollar figure get
	// metadata["amount"] filled in here, ahead of the Scorer's financial
	// impact boosts, so the rest of the pipeline only ever sees amount.
	if req.LLMUsage != nil {
		if req.Metadata == nil {
			req.Metadata = make(map[string]any)
		}
		if _, hasAmount := req.Metadata["amount"]; !hasAmount {
			req.Metadata["amount"] = cost.EstimateAmount(req.LLMUsage.Model, req.LLMUsage.InputTokens, req.LLMUsage.OutputTokens)
		}
	}

	result, err := s.engine.Evaluate(req.SessionID, req.Action, req.Target, req.Metadata)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	writeJSON(w, map[string]any{
		"action_id":         result.ActionID,
		"session_id":        result.SessionID,
		"risk_score":        result.RiskScore,
		"impact":            result.Impact,
		"breadth":           result.Breadth,
		"probability":       result.Probability,
		"needs_checkpoint":  result.NeedsCheckpoint,
		"checkpoint_reason": result.CheckpointReason,
		"remaining_budget":  result.RemainingBudget,
		"is_compound":       result.IsCompound,
		"compound_count":    result.CompoundCount,
		"over_pending":      result.OverPending,
	})
}

// --- /approve ---

type approveRequest struct {
	ActionID string `json:"action_id"`
	Approved bool   `json:"approved"`
	Notes    string `json:"notes"`
	Channel  string `json:"channel"`
}

func (s *Server) handleApprove(w http.ResponseWriter, r *http.Request) {
	var req approveRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusUnprocessableEntity, "malformed request body: "+err.Error())
		return
	}
	if req.ActionID == "" {
		writeError(w, http.StatusUnprocessableEntity, "action_id is required")
		return
	}

	result, err := s.engine.Approve(req.ActionID, req.Approved, req.Notes, req.Channel)
	switch {
	case errors.Is(err, engine.ErrActionNotFound):
		writeError(w, http.StatusNotFound, "action not found")
		return
	case errors.Is(err, store.ErrAlreadyDecided):
		writeError(w, http.StatusConflict, "action already decided")
		return
	case err != nil:
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	writeJSON(w, map[string]any{
		"action_id": result.ActionID,
		"approved":  result.Approved,
		"message":   result.Message,
	})
}

// --- /near-miss ---

type nearMissRequest struct {
	SessionID      string         `json:"session_id"`
	Action         string         `json:"action"`
	NearMissType   string         `json:"near_miss_type"`
	ActualSeverity float64        `json:"actual_severity"`
	Target         string         `json:"target"`
	Description    string         `json:"description"`
	Metadata       map[string]any `json:"metadata"`
	OriginalRisk   *float64       `json:"original_risk"`
}

func (s *Server) handleNearMiss(w http.ResponseWriter, r *http.Request) {
	var req nearMissRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusUnprocessableEntity, "malformed request body: "+err.Error())
		return
	}
	if req.SessionID == "" || req.Action == "" {
		writeError(w, http.StatusUnprocessableEntity, "session_id and action are required")
		return
	}
	if req.ActualSeverity < 0 || req.ActualSeverity > 1 {
		writeError(w, http.StatusUnprocessableEntity, "actual_severity must be within [0,1]")
		return
	}

	id, err := s.engine.RecordNearMiss(engine.NearMissInput{
		SessionID:      req.SessionID,
		ActionName:     req.Action,
		Target:         req.Target,
		Type:           store.NearMissType(req.NearMissType),
		Description:    req.Description,
		Metadata:       req.Metadata,
		OriginalRisk:   req.OriginalRisk,
		ActualSeverity: req.ActualSeverity,
	})
	if errors.Is(err, engine.ErrInvalidNearMissType) {
		writeError(w, http.StatusUnprocessableEntity, "near_miss_type is not a recognized type")
		return
	}
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	writeJSON(w, map[string]any{
		"message":      "near miss recorded",
		"near_miss_id": id,
	})
}

// --- /budget/{session_id} ---

func (s *Server) handleBudget(w http.ResponseWriter, r *http.Request) {
	sessionID := r.PathValue("session_id")

	budget, err := s.engine.Budget(sessionID)
	if errors.Is(err, engine.ErrSessionNotFound) {
		writeError(w, http.StatusNotFound, "session not found")
		return
	}
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	writeJSON(w, map[string]any{
		"session_id":          budget.SessionID,
		"risk_budget":         budget.RiskBudget,
		"cumulative_risk":     budget.CumulativeRisk,
		"remaining_budget":    budget.RemainingBudget,
		"utilization_percent": budget.UtilizationPercent,
	})
}

// --- /stats ---

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	stats, err := s.engine.Stats()
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, stats)
}

// --- /audit/export ---

func (s *Server) handleAuditExport(w http.ResponseWriter, r *http.Request) {
	filter := store.ActionFilter{
		SessionID: r.URL.Query().Get("session_id"),
		Limit:     queryInt(r, "limit", 1000),
	}
	if from := r.URL.Query().Get("from_date"); from != "" {
		t, err := time.Parse(time.RFC3339, from)
		if err != nil {
			writeError(w, http.StatusUnprocessableEntity, "from_date must be RFC3339")
			return
		}
		filter.Since = t
	}
	if to := r.URL.Query().Get("to_date"); to != "" {
		t, err := time.Parse(time.RFC3339, to)
		if err != nil {
			writeError(w, http.StatusUnprocessableEntity, "to_date must be RFC3339")
			return
		}
		filter.Until = t
	}

	actions, err := s.engine.ListActions(filter)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, map[string]any{"actions": actions})
}

// --- /config/webhooks ---

type webhookRequest struct {
	URL    string   `json:"url"`
	Secret string   `json:"secret"`
	Events []string `json:"events"`
}

func (s *Server) handleCreateWebhook(w http.ResponseWriter, r *http.Request) {
	var req webhookRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusUnprocessableEntity, "malformed request body: "+err.Error())
		return
	}
	if req.URL == "" {
		writeError(w, http.StatusUnprocessableEntity, "url is required")
		return
	}

	secret := req.Secret
	if secret == "" {
		secret = s.cfgLoader.Get().Alerts.Webhook.DefaultSecret
	}

	hook := &store.Webhook{
		URL:     req.URL,
		Secret:  secret,
		Events:  req.Events,
		Enabled: true,
	}
	if err := s.engine.RegisterWebhook(hook); err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, hook)
}

func (s *Server) handleListWebhooks(w http.ResponseWriter, r *http.Request) {
	hooks, err := s.engine.ListWebhooks()
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, map[string]any{"webhooks": hooks})
}

func (s *Server) handleDeleteWebhook(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	err := s.engine.DeleteWebhook(id)
	switch {
	case errors.Is(err, store.ErrNotFound):
		writeError(w, http.StatusNotFound, "webhook not found")
		return
	case err != nil:
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, map[string]string{"status": "deleted"})
}

// --- /config/reload ---

func (s *Server) handleConfigReload(w http.ResponseWriter, r *http.Request) {
	if err := s.engine.ReloadPolicy(); err != nil {
		writeError(w, http.StatusInternalServerError, "policy reload failed: "+err.Error())
		return
	}
	writeJSON(w, map[string]string{"status": "reloaded"})
}

// --- Helpers ---

func writeJSON(w http.ResponseWriter, data any) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]string{"error": message})
}

func queryInt(r *http.Request, key string, defaultVal int) int {
	v := r.URL.Query().Get(key)
	if v == "" {
		return defaultVal
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return defaultVal
	}
	return n
}
