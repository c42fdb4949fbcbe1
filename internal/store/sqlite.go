package store

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"github.com/oklog/ulid/v2"
)

const schema = `
CREATE TABLE IF NOT EXISTS actions (
	id TEXT PRIMARY KEY,
	session_id TEXT NOT NULL,
	action_name TEXT NOT NULL,
	target TEXT NOT NULL,
	metadata_json TEXT,
	impact REAL NOT NULL,
	breadth REAL NOT NULL,
	probability REAL NOT NULL,
	risk_score REAL NOT NULL,
	is_compound INTEGER NOT NULL DEFAULT 0,
	compound_count INTEGER NOT NULL DEFAULT 0,
	needs_checkpoint INTEGER NOT NULL DEFAULT 0,
	reason TEXT,
	approval TEXT NOT NULL DEFAULT 'undecided',
	channel TEXT,
	notes TEXT,
	created_at DATETIME NOT NULL,
	resolved_at DATETIME
);
CREATE INDEX IF NOT EXISTS idx_actions_session_target_created ON actions(session_id, target, created_at);
CREATE INDEX IF NOT EXISTS idx_actions_name ON actions(action_name);
CREATE INDEX IF NOT EXISTS idx_actions_session ON actions(session_id);

CREATE TABLE IF NOT EXISTS sessions (
	id TEXT PRIMARY KEY,
	risk_budget REAL NOT NULL,
	cumulative_risk REAL NOT NULL DEFAULT 0,
	action_count INTEGER NOT NULL DEFAULT 0,
	created_at DATETIME NOT NULL,
	updated_at DATETIME NOT NULL
);

CREATE TABLE IF NOT EXISTS near_misses (
	id TEXT PRIMARY KEY,
	session_id TEXT NOT NULL,
	action_name TEXT NOT NULL,
	target TEXT,
	near_miss_type TEXT NOT NULL,
	description TEXT,
	metadata_json TEXT,
	original_risk REAL,
	actual_severity REAL NOT NULL,
	created_at DATETIME NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_near_misses_action_name ON near_misses(action_name);

CREATE TABLE IF NOT EXISTS webhooks (
	id TEXT PRIMARY KEY,
	url TEXT NOT NULL,
	secret TEXT,
	events_json TEXT NOT NULL,
	enabled INTEGER NOT NULL DEFAULT 1,
	failure_count INTEGER NOT NULL DEFAULT 0,
	last_triggered DATETIME,
	created_at DATETIME NOT NULL
);
`

// SQLiteStore is the on-disk Store backend, configured the way the teacher
// configures its trace store: WAL journal mode and a busy timeout so
// concurrent writers and readers wait on each other's locks instead of
// failing immediately.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore opens (but does not yet initialize) a SQLite-backed Store.
func NewSQLiteStore(path string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite3", path+"?_journal_mode=WAL&_busy_timeout=5000&_synchronous=NORMAL")
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	return &SQLiteStore{db: db}, nil
}

func (s *SQLiteStore) Initialize() error {
	_, err := s.db.Exec(schema)
	if err != nil {
		return fmt.Errorf("initialize schema: %w", err)
	}
	return nil
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

func newID() string {
	return ulid.Make().String()
}

func (s *SQLiteStore) InsertAction(a *Action) error {
	if a.ID == "" {
		a.ID = newID()
	}
	if a.CreatedAt.IsZero() {
		a.CreatedAt = time.Now().UTC()
	}
	if a.Approval == "" {
		a.Approval = ApprovalUndecided
	}
	metaJSON, err := json.Marshal(a.Metadata)
	if err != nil {
		return fmt.Errorf("marshal metadata: %w", err)
	}
	_, err = s.db.Exec(`
		INSERT INTO actions (id, session_id, action_name, target, metadata_json, impact,
			breadth, probability, risk_score, is_compound, compound_count, needs_checkpoint,
			reason, approval, channel, notes, created_at, resolved_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		a.ID, a.SessionID, a.ActionName, a.Target, string(metaJSON), a.Impact, a.Breadth,
		a.Probability, a.RiskScore, a.IsCompound, a.CompoundCount, a.NeedsCheckpoint,
		a.Reason, a.Approval, nullStr(a.Channel), nullStr(a.Notes), a.CreatedAt, nullTime(a.ResolvedAt))
	if err != nil {
		return fmt.Errorf("insert action: %w", err)
	}
	return nil
}

func (s *SQLiteStore) LoadAction(id string) (*Action, error) {
	row := s.db.QueryRow(`
		SELECT id, session_id, action_name, target, metadata_json, impact, breadth,
			probability, risk_score, is_compound, compound_count, needs_checkpoint,
			reason, approval, channel, notes, created_at, resolved_at
		FROM actions WHERE id = ?`, id)
	return scanAction(row)
}

func scanAction(row *sql.Row) (*Action, error) {
	var a Action
	var metaJSON string
	var channel, notes sql.NullString
	var resolvedAt sql.NullTime
	err := row.Scan(&a.ID, &a.SessionID, &a.ActionName, &a.Target, &metaJSON, &a.Impact,
		&a.Breadth, &a.Probability, &a.RiskScore, &a.IsCompound, &a.CompoundCount,
		&a.NeedsCheckpoint, &a.Reason, &a.Approval, &channel, &notes, &a.CreatedAt, &resolvedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("scan action: %w", err)
	}
	if metaJSON != "" {
		if err := json.Unmarshal([]byte(metaJSON), &a.Metadata); err != nil {
			return nil, fmt.Errorf("unmarshal metadata: %w", err)
		}
	}
	a.Channel = channel.String
	a.Notes = notes.String
	if resolvedAt.Valid {
		t := resolvedAt.Time
		a.ResolvedAt = &t
	}
	return &a, nil
}

// UpdateActionApproval transitions an action's approval from undecided to
// the given terminal state. The WHERE clause guards against a second
// resolution racing the first: 0 rows affected means the action was
// already decided (or doesn't exist).
func (s *SQLiteStore) UpdateActionApproval(id, approval, channel, notes string) error {
	res, err := s.db.Exec(`
		UPDATE actions SET approval = ?, channel = ?, notes = ?, resolved_at = ?
		WHERE id = ? AND approval = ?`,
		approval, nullStr(channel), nullStr(notes), time.Now().UTC(), id, ApprovalUndecided)
	if err != nil {
		return fmt.Errorf("update approval: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("rows affected: %w", err)
	}
	if n == 0 {
		return ErrAlreadyDecided
	}
	return nil
}

func (s *SQLiteStore) CountActions(sessionID, target string, since time.Time) (int, error) {
	var count int
	err := s.db.QueryRow(`
		SELECT COUNT(*) FROM actions WHERE session_id = ? AND target = ? AND created_at >= ?`,
		sessionID, target, since).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("count actions: %w", err)
	}
	return count, nil
}

func (s *SQLiteStore) ListActions(filter ActionFilter) ([]*Action, error) {
	var where []string
	var args []any
	if filter.SessionID != "" {
		where = append(where, "session_id = ?")
		args = append(args, filter.SessionID)
	}
	if filter.Target != "" {
		where = append(where, "target = ?")
		args = append(args, filter.Target)
	}
	if !filter.Since.IsZero() {
		where = append(where, "created_at >= ?")
		args = append(args, filter.Since)
	}
	if !filter.Until.IsZero() {
		where = append(where, "created_at <= ?")
		args = append(args, filter.Until)
	}
	query := `SELECT id, session_id, action_name, target, metadata_json, impact, breadth,
		probability, risk_score, is_compound, compound_count, needs_checkpoint,
		reason, approval, channel, notes, created_at, resolved_at FROM actions`
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY created_at ASC"
	limit := filter.Limit
	if limit <= 0 {
		limit = 1000
	}
	query += fmt.Sprintf(" LIMIT %d OFFSET %d", limit, filter.Offset)

	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("list actions: %w", err)
	}
	defer rows.Close()

	var actions []*Action
	for rows.Next() {
		var a Action
		var metaJSON string
		var channel, notes sql.NullString
		var resolvedAt sql.NullTime
		if err := rows.Scan(&a.ID, &a.SessionID, &a.ActionName, &a.Target, &metaJSON,
			&a.Impact, &a.Breadth, &a.Probability, &a.RiskScore, &a.IsCompound,
			&a.CompoundCount, &a.NeedsCheckpoint, &a.Reason, &a.Approval, &channel, &notes,
			&a.CreatedAt, &resolvedAt); err != nil {
			return nil, fmt.Errorf("scan action row: %w", err)
		}
		if metaJSON != "" {
			_ = json.Unmarshal([]byte(metaJSON), &a.Metadata)
		}
		a.Channel = channel.String
		a.Notes = notes.String
		if resolvedAt.Valid {
			t := resolvedAt.Time
			a.ResolvedAt = &t
		}
		actions = append(actions, &a)
	}
	return actions, rows.Err()
}

func (s *SQLiteStore) GetOrCreateSession(id string, defaultBudget float64) (*Session, error) {
	sess, err := s.GetSession(id)
	if err != nil {
		return nil, err
	}
	if sess != nil {
		return sess, nil
	}
	now := time.Now().UTC()
	sess = &Session{ID: id, RiskBudget: defaultBudget, CreatedAt: now, UpdatedAt: now}
	_, err = s.db.Exec(`
		INSERT INTO sessions (id, risk_budget, cumulative_risk, action_count, created_at, updated_at)
		VALUES (?, ?, 0, 0, ?, ?)
		ON CONFLICT(id) DO NOTHING`, id, defaultBudget, now, now)
	if err != nil {
		return nil, fmt.Errorf("get-or-create session: %w", err)
	}
	return s.GetSession(id)
}

func (s *SQLiteStore) GetSession(id string) (*Session, error) {
	var sess Session
	err := s.db.QueryRow(`
		SELECT id, risk_budget, cumulative_risk, action_count, created_at, updated_at
		FROM sessions WHERE id = ?`, id).Scan(
		&sess.ID, &sess.RiskBudget, &sess.CumulativeRisk, &sess.ActionCount,
		&sess.CreatedAt, &sess.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get session: %w", err)
	}
	return &sess, nil
}

// AddToCumulativeRisk applies delta in a single UPDATE statement — never a
// read-modify-write — so concurrent approvals in the same session can't
// clobber each other's contribution.
func (s *SQLiteStore) AddToCumulativeRisk(sessionID string, delta float64) (*Session, error) {
	_, err := s.db.Exec(`
		UPDATE sessions SET cumulative_risk = cumulative_risk + ?, action_count = action_count + 1,
			updated_at = ? WHERE id = ?`, delta, time.Now().UTC(), sessionID)
	if err != nil {
		return nil, fmt.Errorf("add cumulative risk: %w", err)
	}
	return s.GetSession(sessionID)
}

func (s *SQLiteStore) InsertNearMiss(n *NearMiss) error {
	if n.ID == "" {
		n.ID = newID()
	}
	if n.CreatedAt.IsZero() {
		n.CreatedAt = time.Now().UTC()
	}
	metaJSON, err := json.Marshal(n.Metadata)
	if err != nil {
		return fmt.Errorf("marshal near miss metadata: %w", err)
	}
	_, err = s.db.Exec(`
		INSERT INTO near_misses (id, session_id, action_name, target, near_miss_type, description,
			metadata_json, original_risk, actual_severity, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		n.ID, n.SessionID, n.ActionName, n.Target, string(n.Type), n.Description,
		string(metaJSON), nullFloat(n.OriginalRisk), n.ActualSeverity, n.CreatedAt)
	if err != nil {
		return fmt.Errorf("insert near miss: %w", err)
	}
	return nil
}

func (s *SQLiteStore) ListNearMisses(actionName string, minSeverity float64, since time.Time) ([]*NearMiss, error) {
	rows, err := s.db.Query(`
		SELECT id, session_id, action_name, target, near_miss_type, description, metadata_json,
			original_risk, actual_severity, created_at FROM near_misses
		WHERE action_name = ? AND actual_severity >= ? AND created_at >= ?`,
		actionName, minSeverity, since)
	if err != nil {
		return nil, fmt.Errorf("list near misses: %w", err)
	}
	defer rows.Close()

	var out []*NearMiss
	for rows.Next() {
		n, err := scanNearMiss(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, n)
	}
	return out, rows.Err()
}

// nearMissRowScanner lets scanNearMiss work against both *sql.Rows and a
// single *sql.Row-shaped caller.
type nearMissRowScanner interface {
	Scan(dest ...any) error
}

func scanNearMiss(row nearMissRowScanner) (*NearMiss, error) {
	var n NearMiss
	var target, description, metaJSON sql.NullString
	var originalRisk sql.NullFloat64
	var nmType string
	if err := row.Scan(&n.ID, &n.SessionID, &n.ActionName, &target, &nmType, &description,
		&metaJSON, &originalRisk, &n.ActualSeverity, &n.CreatedAt); err != nil {
		return nil, fmt.Errorf("scan near miss: %w", err)
	}
	n.Target = target.String
	n.Type = NearMissType(nmType)
	n.Description = description.String
	if metaJSON.Valid && metaJSON.String != "" {
		if err := json.Unmarshal([]byte(metaJSON.String), &n.Metadata); err != nil {
			return nil, fmt.Errorf("unmarshal near miss metadata: %w", err)
		}
	}
	if originalRisk.Valid {
		v := originalRisk.Float64
		n.OriginalRisk = &v
	}
	return &n, nil
}

func (s *SQLiteStore) InsertWebhook(w *Webhook) error {
	if w.ID == "" {
		w.ID = newID()
	}
	if w.CreatedAt.IsZero() {
		w.CreatedAt = time.Now().UTC()
	}
	eventsJSON, err := json.Marshal(w.Events)
	if err != nil {
		return fmt.Errorf("marshal events: %w", err)
	}
	_, err = s.db.Exec(`
		INSERT INTO webhooks (id, url, secret, events_json, enabled, failure_count, last_triggered, created_at)
		VALUES (?, ?, ?, ?, ?, 0, NULL, ?)`,
		w.ID, w.URL, w.Secret, string(eventsJSON), w.Enabled, w.CreatedAt)
	if err != nil {
		return fmt.Errorf("insert webhook: %w", err)
	}
	return nil
}

func (s *SQLiteStore) GetWebhook(id string) (*Webhook, error) {
	row := s.db.QueryRow(`
		SELECT id, url, secret, events_json, enabled, failure_count, last_triggered, created_at
		FROM webhooks WHERE id = ?`, id)
	return scanWebhook(row)
}

func scanWebhook(row *sql.Row) (*Webhook, error) {
	var w Webhook
	var eventsJSON string
	var lastTriggered sql.NullTime
	err := row.Scan(&w.ID, &w.URL, &w.Secret, &eventsJSON, &w.Enabled, &w.FailureCount,
		&lastTriggered, &w.CreatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("scan webhook: %w", err)
	}
	_ = json.Unmarshal([]byte(eventsJSON), &w.Events)
	if lastTriggered.Valid {
		t := lastTriggered.Time
		w.LastTriggered = &t
	}
	return &w, nil
}

func (s *SQLiteStore) ListWebhooks() ([]*Webhook, error) {
	rows, err := s.db.Query(`
		SELECT id, url, secret, events_json, enabled, failure_count, last_triggered, created_at
		FROM webhooks ORDER BY created_at ASC`)
	if err != nil {
		return nil, fmt.Errorf("list webhooks: %w", err)
	}
	defer rows.Close()

	var out []*Webhook
	for rows.Next() {
		var w Webhook
		var eventsJSON string
		var lastTriggered sql.NullTime
		if err := rows.Scan(&w.ID, &w.URL, &w.Secret, &eventsJSON, &w.Enabled, &w.FailureCount,
			&lastTriggered, &w.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan webhook row: %w", err)
		}
		_ = json.Unmarshal([]byte(eventsJSON), &w.Events)
		if lastTriggered.Valid {
			t := lastTriggered.Time
			w.LastTriggered = &t
		}
		out = append(out, &w)
	}
	return out, rows.Err()
}

func (s *SQLiteStore) DeleteWebhook(id string) error {
	res, err := s.db.Exec(`DELETE FROM webhooks WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("delete webhook: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("rows affected: %w", err)
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *SQLiteStore) RecordWebhookSuccess(id string) error {
	_, err := s.db.Exec(`
		UPDATE webhooks SET failure_count = 0, last_triggered = ? WHERE id = ?`,
		time.Now().UTC(), id)
	if err != nil {
		return fmt.Errorf("record webhook success: %w", err)
	}
	return nil
}

// RecordWebhookFailure increments failure_count and auto-disables the
// webhook once it reaches the disable threshold, returning the updated row.
func (s *SQLiteStore) RecordWebhookFailure(id string) (*Webhook, error) {
	_, err := s.db.Exec(`UPDATE webhooks SET failure_count = failure_count + 1 WHERE id = ?`, id)
	if err != nil {
		return nil, fmt.Errorf("record webhook failure: %w", err)
	}
	w, err := s.GetWebhook(id)
	if err != nil || w == nil {
		return w, err
	}
	if w.FailureCount >= webhookDisableThreshold {
		if _, err := s.db.Exec(`UPDATE webhooks SET enabled = 0 WHERE id = ?`, id); err != nil {
			return nil, fmt.Errorf("auto-disable webhook: %w", err)
		}
		w.Enabled = false
	}
	return w, nil
}

const webhookDisableThreshold = 10

func (s *SQLiteStore) Stats() (*Stats, error) {
	var st Stats
	if err := s.db.QueryRow(`SELECT COUNT(*) FROM actions`).Scan(&st.TotalActions); err != nil {
		return nil, fmt.Errorf("count actions: %w", err)
	}
	if err := s.db.QueryRow(`SELECT COUNT(*) FROM sessions`).Scan(&st.TotalSessions); err != nil {
		return nil, fmt.Errorf("count sessions: %w", err)
	}
	if err := s.db.QueryRow(`
		SELECT COUNT(*) FROM actions WHERE needs_checkpoint = 1 AND approval = 'undecided'`,
	).Scan(&st.PendingCheckpoints); err != nil {
		return nil, fmt.Errorf("count pending: %w", err)
	}
	if err := s.db.QueryRow(`SELECT COUNT(*) FROM near_misses`).Scan(&st.TotalNearMisses); err != nil {
		return nil, fmt.Errorf("count near misses: %w", err)
	}
	if err := s.db.QueryRow(`
		SELECT COUNT(*) FROM actions WHERE approval = 'approved'`).Scan(&st.ApprovedCount); err != nil {
		return nil, fmt.Errorf("count approved: %w", err)
	}
	if err := s.db.QueryRow(`
		SELECT COUNT(*) FROM actions WHERE approval = 'rejected'`).Scan(&st.RejectedCount); err != nil {
		return nil, fmt.Errorf("count rejected: %w", err)
	}
	if decided := st.ApprovedCount + st.RejectedCount; decided > 0 {
		st.ApprovalRate = float64(st.ApprovedCount) / float64(decided)
	}
	return &st, nil
}

func nullStr(s string) any {
	if s == "" {
		return nil
	}
	return s
}

func nullTime(t *time.Time) any {
	if t == nil {
		return nil
	}
	return *t
}

func nullFloat(f *float64) any {
	if f == nil {
		return nil
	}
	return *f
}
