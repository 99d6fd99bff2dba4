package state

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/mbathe/LLMOS-Bridge-sub001/pkg/iml"
)

// PlanStore persists execution states for crash recovery and history.
type PlanStore struct {
	db      *sql.DB
	dialect Dialect
	clock   func() time.Time
}

// NewPlanStore migrates the plans/actions tables and returns the store.
func NewPlanStore(db *sql.DB, dialect Dialect) (*PlanStore, error) {
	s := &PlanStore{db: db, dialect: dialect, clock: time.Now}
	if err := s.migrate(); err != nil {
		return nil, err
	}
	return s, nil
}

// WithClock overrides the clock for deterministic testing.
func (s *PlanStore) WithClock(clock func() time.Time) *PlanStore {
	s.clock = clock
	return s
}

func (s *PlanStore) migrate() error {
	ft := s.dialect.floatType()
	stmts := []string{
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS plans (
			plan_id     TEXT PRIMARY KEY,
			status      TEXT NOT NULL,
			created_at  %s NOT NULL,
			updated_at  %s NOT NULL,
			data        TEXT NOT NULL
		)`, ft, ft),
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS actions (
			plan_id     TEXT NOT NULL,
			action_id   TEXT NOT NULL,
			status      TEXT NOT NULL,
			started_at  %s,
			finished_at %s,
			result      TEXT,
			error       TEXT,
			attempt     INTEGER NOT NULL DEFAULT 0,
			module      TEXT NOT NULL DEFAULT '',
			action      TEXT NOT NULL DEFAULT '',
			approval    TEXT,
			PRIMARY KEY (plan_id, action_id),
			FOREIGN KEY (plan_id) REFERENCES plans(plan_id)
		)`, ft, ft),
		`CREATE INDEX IF NOT EXISTS idx_actions_plan_id ON actions (plan_id)`,
	}
	for _, stmt := range stmts {
		if _, err := s.db.ExecContext(context.Background(), stmt); err != nil {
			return fmt.Errorf("migrate plan store: %w", err)
		}
	}
	return nil
}

// Create persists a new execution state, plan row plus one row per
// action, in a single transaction.
func (s *PlanStore) Create(ctx context.Context, st *ExecutionState) error {
	now := unixSeconds(s.clock())
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin create plan: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	_, err = tx.ExecContext(ctx,
		s.dialect.rebind(`INSERT INTO plans (plan_id, status, created_at, updated_at, data) VALUES (?,?,?,?,?)`),
		st.PlanID, string(st.PlanStatus), now, now, "{}")
	if err != nil {
		return fmt.Errorf("insert plan %s: %w", st.PlanID, err)
	}
	for actionID, a := range st.Actions {
		_, err = tx.ExecContext(ctx,
			s.dialect.rebind(`INSERT INTO actions (plan_id, action_id, status, module, action) VALUES (?,?,?,?,?)`),
			st.PlanID, actionID, string(a.Status), a.Module, a.Action)
		if err != nil {
			return fmt.Errorf("insert action %s/%s: %w", st.PlanID, actionID, err)
		}
	}
	return tx.Commit()
}

// UpdatePlanStatus transitions the plan row.
func (s *PlanStore) UpdatePlanStatus(ctx context.Context, planID string, status iml.PlanStatus) error {
	_, err := s.db.ExecContext(ctx,
		s.dialect.rebind(`UPDATE plans SET status=?, updated_at=? WHERE plan_id=?`),
		string(status), unixSeconds(s.clock()), planID)
	if err != nil {
		return fmt.Errorf("update plan %s status: %w", planID, err)
	}
	return nil
}

// ActionUpdate carries the mutable fields of one action transition.
// Nil / zero fields other than Status are left unchanged.
type ActionUpdate struct {
	Status   iml.ActionStatus
	Result   any
	Error    string
	Attempt  *int
	Approval map[string]any
}

// UpdateAction records an action transition. started_at is stamped on
// each running transition, finished_at on any terminal one; unset
// fields keep their stored values via COALESCE.
func (s *PlanStore) UpdateAction(ctx context.Context, planID, actionID string, upd ActionUpdate) error {
	now := s.clock()

	var startedAt, finishedAt sql.NullFloat64
	if upd.Status == iml.ActionRunning {
		startedAt = sql.NullFloat64{Float64: unixSeconds(now), Valid: true}
	}
	if upd.Status.Terminal() {
		finishedAt = sql.NullFloat64{Float64: unixSeconds(now), Valid: true}
	}

	var resultJSON sql.NullString
	if upd.Result != nil {
		data, err := json.Marshal(upd.Result)
		if err != nil {
			return fmt.Errorf("marshal action result: %w", err)
		}
		resultJSON = sql.NullString{String: string(data), Valid: true}
	}
	var approvalJSON sql.NullString
	if upd.Approval != nil {
		data, _ := json.Marshal(upd.Approval)
		approvalJSON = sql.NullString{String: string(data), Valid: true}
	}
	var errMsg sql.NullString
	if upd.Error != "" {
		errMsg = sql.NullString{String: upd.Error, Valid: true}
	}
	var attempt sql.NullInt64
	if upd.Attempt != nil {
		attempt = sql.NullInt64{Int64: int64(*upd.Attempt), Valid: true}
	}

	_, err := s.db.ExecContext(ctx, s.dialect.rebind(
		`UPDATE actions
		 SET status=?, result=?, error=?, attempt=COALESCE(?,attempt),
		     approval=COALESCE(?,approval),
		     started_at=COALESCE(?,started_at), finished_at=COALESCE(?,finished_at)
		 WHERE plan_id=? AND action_id=?`),
		string(upd.Status), resultJSON, errMsg, attempt, approvalJSON,
		startedAt, finishedAt, planID, actionID)
	if err != nil {
		return fmt.Errorf("update action %s/%s: %w", planID, actionID, err)
	}
	return nil
}

// Get loads one execution state, nil when the plan is unknown.
func (s *PlanStore) Get(ctx context.Context, planID string) (*ExecutionState, error) {
	row := s.db.QueryRowContext(ctx,
		s.dialect.rebind(`SELECT plan_id, status, created_at, updated_at FROM plans WHERE plan_id=?`),
		planID)

	var (
		id                   string
		status               string
		createdAt, updatedAt float64
	)
	if err := row.Scan(&id, &status, &createdAt, &updatedAt); err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, fmt.Errorf("load plan %s: %w", planID, err)
	}

	st := &ExecutionState{
		PlanID:     id,
		PlanStatus: iml.PlanStatus(status),
		CreatedAt:  fromUnixSeconds(createdAt),
		UpdatedAt:  fromUnixSeconds(updatedAt),
		Actions:    make(map[string]*ActionState),
	}

	rows, err := s.db.QueryContext(ctx, s.dialect.rebind(
		`SELECT action_id, status, started_at, finished_at, result, error, attempt, module, action, approval
		 FROM actions WHERE plan_id=?`), planID)
	if err != nil {
		return nil, fmt.Errorf("load actions for %s: %w", planID, err)
	}
	defer func() { _ = rows.Close() }()

	for rows.Next() {
		var (
			actionID, actionStatus, module, action string
			started, finished                      sql.NullFloat64
			result, errMsg, approval               sql.NullString
			attempt                                int
		)
		if err := rows.Scan(&actionID, &actionStatus, &started, &finished,
			&result, &errMsg, &attempt, &module, &action, &approval); err != nil {
			return nil, fmt.Errorf("scan action row: %w", err)
		}
		a := &ActionState{
			ActionID:   actionID,
			Status:     iml.ActionStatus(actionStatus),
			StartedAt:  timePtr(started),
			FinishedAt: timePtr(finished),
			Error:      errMsg.String,
			Attempt:    attempt,
			Module:     module,
			Action:     action,
		}
		if result.Valid && result.String != "" {
			_ = json.Unmarshal([]byte(result.String), &a.Result)
		}
		if approval.Valid && approval.String != "" {
			_ = json.Unmarshal([]byte(approval.String), &a.Approval)
		}
		st.Actions[actionID] = a
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return st, nil
}

// List returns plan summaries, newest first, optionally filtered by
// status.
func (s *PlanStore) List(ctx context.Context, status iml.PlanStatus, limit int) ([]PlanSummary, error) {
	if limit <= 0 {
		limit = 100
	}
	query := `SELECT plan_id, status, created_at, updated_at FROM plans ORDER BY created_at DESC LIMIT ?`
	args := []any{limit}
	if status != "" {
		query = `SELECT plan_id, status, created_at, updated_at FROM plans WHERE status=? ORDER BY created_at DESC LIMIT ?`
		args = []any{string(status), limit}
	}
	rows, err := s.db.QueryContext(ctx, s.dialect.rebind(query), args...)
	if err != nil {
		return nil, fmt.Errorf("list plans: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []PlanSummary
	for rows.Next() {
		var (
			id, st               string
			createdAt, updatedAt float64
		)
		if err := rows.Scan(&id, &st, &createdAt, &updatedAt); err != nil {
			return nil, err
		}
		out = append(out, PlanSummary{
			PlanID:    id,
			Status:    iml.PlanStatus(st),
			CreatedAt: fromUnixSeconds(createdAt),
			UpdatedAt: fromUnixSeconds(updatedAt),
		})
	}
	return out, rows.Err()
}

// RecoverInterrupted marks plans left non-terminal by a previous run as
// failed, along with their unfinished actions. Called once at startup,
// before the API accepts new plans. Returns the number of plans failed.
func (s *PlanStore) RecoverInterrupted(ctx context.Context) (int, error) {
	now := unixSeconds(s.clock())

	res, err := s.db.ExecContext(ctx, s.dialect.rebind(
		`UPDATE plans SET status=?, updated_at=?
		 WHERE status IN (?,?,?)`),
		string(iml.PlanFailed), now,
		string(iml.PlanPending), string(iml.PlanRunning), string(iml.PlanPaused))
	if err != nil {
		return 0, fmt.Errorf("recover interrupted plans: %w", err)
	}

	_, err = s.db.ExecContext(ctx, s.dialect.rebind(
		`UPDATE actions SET status=?, error=?, finished_at=?
		 WHERE status IN (?,?,?,?)`),
		string(iml.ActionFailed), "daemon restart", now,
		string(iml.ActionPending), string(iml.ActionWaiting),
		string(iml.ActionRunning), string(iml.ActionAwaitingApproval))
	if err != nil {
		return 0, fmt.Errorf("recover interrupted actions: %w", err)
	}

	n, _ := res.RowsAffected()
	return int(n), nil
}

// PurgeTerminal deletes terminal plans (and their actions) whose last
// update is older than the retention window. Returns plans removed.
func (s *PlanStore) PurgeTerminal(ctx context.Context, retention time.Duration) (int, error) {
	cutoff := unixSeconds(s.clock().Add(-retention))

	_, err := s.db.ExecContext(ctx, s.dialect.rebind(
		`DELETE FROM actions WHERE plan_id IN (
		   SELECT plan_id FROM plans WHERE status IN (?,?,?) AND updated_at < ?
		 )`),
		string(iml.PlanCompleted), string(iml.PlanFailed), string(iml.PlanCancelled), cutoff)
	if err != nil {
		return 0, fmt.Errorf("purge actions: %w", err)
	}

	res, err := s.db.ExecContext(ctx, s.dialect.rebind(
		`DELETE FROM plans WHERE status IN (?,?,?) AND updated_at < ?`),
		string(iml.PlanCompleted), string(iml.PlanFailed), string(iml.PlanCancelled), cutoff)
	if err != nil {
		return 0, fmt.Errorf("purge plans: %w", err)
	}
	n, _ := res.RowsAffected()
	return int(n), nil
}
