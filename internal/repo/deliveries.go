package repo

import (
	"context"
	"database/sql"
	"strings"

	"missionline/internal/domain"
)

// EligibilityClaim describes one endpoint configuration to claim results for.
type EligibilityClaim struct {
	OrgID           string
	EndpointID      string
	EndpointVersion int
	Threshold       int
	Now             string
}

// ClaimEligible records the NotEligible -> Eligible transition for every result
// of a non-cancelled mission in the org whose intent reaches the threshold and
// that has no state for this endpoint version yet. Rows recorded against an
// older version are re-armed and keep their in-flight marker so attempts for
// a pair stay serialized. It returns the number of transitions claimed.
func (r Repo) ClaimEligible(ctx context.Context, c EligibilityClaim) (int, error) {
	res, err := r.DB.ExecContext(ctx, `INSERT INTO delivery_states(result_id,endpoint_id,org_id,endpoint_version,state,attempts,next_attempt_at,in_flight_since,last_error,updated_at)
SELECT r.id, ?, ?, ?, ?, 0, ?, NULL, NULL, ?
FROM results r
JOIN missions m ON m.id = r.mission_id
LEFT JOIN delivery_states d ON d.result_id = r.id AND d.endpoint_id = ?
WHERE m.org_id = ? AND m.status <> ? AND COALESCE(r.intent_score, 0) >= ?
  AND (d.result_id IS NULL OR d.endpoint_version <> ?)
ON CONFLICT(result_id, endpoint_id) DO UPDATE SET
  endpoint_version=excluded.endpoint_version,
  state=excluded.state,
  attempts=0,
  next_attempt_at=excluded.next_attempt_at,
  last_error=NULL,
  updated_at=excluded.updated_at
WHERE delivery_states.endpoint_version <> excluded.endpoint_version`,
		c.EndpointID, c.OrgID, c.EndpointVersion, string(domain.PairEligible), c.Now, c.Now,
		c.EndpointID,
		c.OrgID, string(domain.StatusCancelled), c.Threshold,
		c.EndpointVersion)
	if err != nil {
		return 0, err
	}
	n, err := res.RowsAffected()
	return int(n), err
}

const deliveryStateColumns = `result_id,endpoint_id,org_id,endpoint_version,state,attempts,COALESCE(next_attempt_at,''),COALESCE(in_flight_since,''),COALESCE(last_error,''),updated_at`

func scanDeliveryState(sc interface{ Scan(...any) error }) (domain.DeliveryState, error) {
	var st domain.DeliveryState
	var state string
	err := sc.Scan(&st.ResultID, &st.EndpointID, &st.OrgID, &st.EndpointVersion, &state, &st.Attempts, &st.NextAttemptAt, &st.InFlightSince, &st.LastError, &st.UpdatedAt)
	st.State = domain.PairState(state)
	return st, err
}

func (r Repo) GetDeliveryState(ctx context.Context, resultID, endpointID string) (domain.DeliveryState, error) {
	st, err := scanDeliveryState(r.DB.QueryRowContext(ctx, `SELECT `+deliveryStateColumns+` FROM delivery_states WHERE result_id=? AND endpoint_id=?`, resultID, endpointID))
	if err == sql.ErrNoRows {
		return domain.DeliveryState{ResultID: resultID, EndpointID: endpointID, State: domain.PairNotEligible}, ErrNotFound
	}
	return st, err
}

// DueFilter selects eligible pairs ready for an attempt.
type DueFilter struct {
	OrgID string
	Now   string
	// StaleBefore reclaims in-flight markers set before this instant.
	StaleBefore string
	// Force ignores next_attempt_at.
	Force bool
	Limit int
}

func (r Repo) ListDuePairs(ctx context.Context, f DueFilter) ([]domain.DeliveryState, error) {
	clauses := []string{"org_id=?", "state=?", "(in_flight_since IS NULL OR in_flight_since < ?)"}
	args := []any{f.OrgID, string(domain.PairEligible), f.StaleBefore}
	if !f.Force {
		clauses = append(clauses, "(next_attempt_at IS NULL OR next_attempt_at <= ?)")
		args = append(args, f.Now)
	}
	query := `SELECT ` + deliveryStateColumns + ` FROM delivery_states WHERE ` + strings.Join(clauses, " AND ") +
		` ORDER BY next_attempt_at ASC, result_id ASC, endpoint_id ASC`
	if f.Limit > 0 {
		query += ` LIMIT ?`
		args = append(args, f.Limit)
	}
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []domain.DeliveryState
	for rows.Next() {
		st, err := scanDeliveryState(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, st)
	}
	return out, rows.Err()
}

func (r Repo) ListDeliveryStates(ctx context.Context, orgID string, state domain.PairState) ([]domain.DeliveryState, error) {
	query := `SELECT ` + deliveryStateColumns + ` FROM delivery_states WHERE org_id=?`
	args := []any{orgID}
	if state != "" {
		query += ` AND state=?`
		args = append(args, string(state))
	}
	query += ` ORDER BY updated_at DESC, result_id ASC`
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []domain.DeliveryState
	for rows.Next() {
		st, err := scanDeliveryState(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, st)
	}
	return out, rows.Err()
}

// AcquireInFlight marks an eligible pair as being attempted. It fails to
// acquire when another attempt holds a marker newer than staleBefore.
func (r Repo) AcquireInFlight(ctx context.Context, resultID, endpointID string, version int, now, staleBefore string) (bool, error) {
	res, err := r.DB.ExecContext(ctx, `UPDATE delivery_states SET in_flight_since=?, updated_at=?
WHERE result_id=? AND endpoint_id=? AND endpoint_version=? AND state=? AND (in_flight_since IS NULL OR in_flight_since < ?)`,
		now, now, resultID, endpointID, version, string(domain.PairEligible), staleBefore)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

// ReleaseInFlight clears a marker without recording an attempt.
func (r Repo) ReleaseInFlight(ctx context.Context, resultID, endpointID string) error {
	_, err := r.DB.ExecContext(ctx, `UPDATE delivery_states SET in_flight_since=NULL WHERE result_id=? AND endpoint_id=?`, resultID, endpointID)
	return err
}

// CompleteAttemptTx stores the outcome of one attempt and clears the in-flight marker.
// When the pair was re-armed to a newer version meanwhile, only the marker is
// cleared and the re-armed state is kept.
func (r Repo) CompleteAttemptTx(ctx context.Context, tx *sql.Tx, st domain.DeliveryState) error {
	res, err := tx.ExecContext(ctx, `UPDATE delivery_states SET state=?, attempts=?, next_attempt_at=?, in_flight_since=NULL, last_error=?, updated_at=?
WHERE result_id=? AND endpoint_id=? AND endpoint_version=?`,
		string(st.State), st.Attempts, nullable(st.NextAttemptAt), nullable(st.LastError), st.UpdatedAt,
		st.ResultID, st.EndpointID, st.EndpointVersion)
	if err != nil {
		return err
	}
	if n, err := res.RowsAffected(); err != nil || n > 0 {
		return err
	}
	_, err = tx.ExecContext(ctx, `UPDATE delivery_states SET in_flight_since=NULL WHERE result_id=? AND endpoint_id=?`,
		st.ResultID, st.EndpointID)
	return err
}

// RetriggerFailed moves a failed pair back to eligible and due now.
// It reports false when the pair exists but is not failed.
func (r Repo) RetriggerFailed(ctx context.Context, resultID, endpointID, now string) (bool, error) {
	res, err := r.DB.ExecContext(ctx, `UPDATE delivery_states SET state=?, attempts=0, next_attempt_at=?, in_flight_since=NULL, updated_at=?
WHERE result_id=? AND endpoint_id=? AND state=?`,
		string(domain.PairEligible), now, now, resultID, endpointID, string(domain.PairFailed))
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	if n == 1 {
		return true, nil
	}
	if _, err := r.GetDeliveryState(ctx, resultID, endpointID); err != nil {
		return false, err
	}
	return false, nil
}

func (r Repo) InsertDeliveryRecordTx(ctx context.Context, tx *sql.Tx, rec domain.DeliveryRecord) error {
	var code any
	if rec.StatusCode != 0 {
		code = rec.StatusCode
	}
	_, err := tx.ExecContext(ctx, `INSERT INTO delivery_records(id,result_id,endpoint_id,endpoint_version,attempt,status,status_code,response_summary,created_at) VALUES (?,?,?,?,?,?,?,?,?)`,
		rec.ID, rec.ResultID, rec.EndpointID, rec.EndpointVersion, rec.Attempt, string(rec.Status), code, nullable(rec.ResponseSummary), rec.CreatedAt)
	return err
}

// RecordFilter narrows ListDeliveryRecords; empty fields match everything.
type RecordFilter struct {
	OrgID      string
	ResultID   string
	EndpointID string
	Limit      int
}

func (r Repo) ListDeliveryRecords(ctx context.Context, f RecordFilter) ([]domain.DeliveryRecord, error) {
	clauses := []string{"1=1"}
	var args []any
	if f.OrgID != "" {
		clauses = append(clauses, "e.org_id=?")
		args = append(args, f.OrgID)
	}
	if f.ResultID != "" {
		clauses = append(clauses, "d.result_id=?")
		args = append(args, f.ResultID)
	}
	if f.EndpointID != "" {
		clauses = append(clauses, "d.endpoint_id=?")
		args = append(args, f.EndpointID)
	}
	query := `SELECT d.id,d.result_id,d.endpoint_id,d.endpoint_version,d.attempt,d.status,COALESCE(d.status_code,0),COALESCE(d.response_summary,''),d.created_at
FROM delivery_records d JOIN endpoints e ON e.id=d.endpoint_id WHERE ` + strings.Join(clauses, " AND ") +
		` ORDER BY d.created_at ASC, d.attempt ASC, d.id ASC`
	if f.Limit > 0 {
		query += ` LIMIT ?`
		args = append(args, f.Limit)
	}
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []domain.DeliveryRecord
	for rows.Next() {
		var rec domain.DeliveryRecord
		var status string
		if err := rows.Scan(&rec.ID, &rec.ResultID, &rec.EndpointID, &rec.EndpointVersion, &rec.Attempt, &status, &rec.StatusCode, &rec.ResponseSummary, &rec.CreatedAt); err != nil {
			return nil, err
		}
		rec.Status = domain.DeliveryStatus(status)
		out = append(out, rec)
	}
	return out, rows.Err()
}
