package repo

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"missionline/internal/domain"
)

// ResultScope selects results by mission or by org; MissionID wins when both are set.
type ResultScope struct {
	MissionID string
	OrgID     string
}

func (r Repo) InsertResultTx(ctx context.Context, tx *sql.Tx, res domain.Result) error {
	payload := res.Payload
	if payload == nil {
		payload = domain.Payload{}
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal result payload: %w", err)
	}
	_, err = tx.ExecContext(ctx, `INSERT INTO results(id,mission_id,payload_json,clarity_score,intent_score,verified,created_at) VALUES (?,?,?,?,?,?,?)`,
		res.ID, res.MissionID, string(data), nullableIntPtr(res.ClarityScore), nullableIntPtr(res.IntentScore), boolToInt(res.Verified), res.CreatedAt)
	return err
}

func scanResult(sc interface{ Scan(...any) error }) (domain.Result, error) {
	var res domain.Result
	var payload string
	var clarity, intent sql.NullInt64
	var verified int
	if err := sc.Scan(&res.ID, &res.MissionID, &payload, &clarity, &intent, &verified, &res.CreatedAt); err != nil {
		return res, err
	}
	if payload != "" {
		if err := json.Unmarshal([]byte(payload), &res.Payload); err != nil {
			return res, fmt.Errorf("decode result %s payload: %w", res.ID, err)
		}
	}
	if res.Payload == nil {
		res.Payload = domain.Payload{}
	}
	if clarity.Valid {
		v := int(clarity.Int64)
		res.ClarityScore = &v
	}
	if intent.Valid {
		v := int(intent.Int64)
		res.IntentScore = &v
	}
	res.Verified = verified == 1
	return res, nil
}

// ListResults returns results newest first.
func (r Repo) ListResults(ctx context.Context, scope ResultScope) ([]domain.Result, error) {
	var (
		query string
		arg   string
	)
	switch {
	case scope.MissionID != "":
		query = `SELECT r.id,r.mission_id,r.payload_json,r.clarity_score,r.intent_score,r.verified,r.created_at
FROM results r WHERE r.mission_id=? ORDER BY r.created_at DESC, r.id DESC`
		arg = scope.MissionID
	case scope.OrgID != "":
		query = `SELECT r.id,r.mission_id,r.payload_json,r.clarity_score,r.intent_score,r.verified,r.created_at
FROM results r JOIN missions m ON m.id=r.mission_id WHERE m.org_id=? ORDER BY r.created_at DESC, r.id DESC`
		arg = scope.OrgID
	default:
		return nil, errors.New("result scope requires mission or org")
	}
	rows, err := r.DB.QueryContext(ctx, query, arg)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []domain.Result
	for rows.Next() {
		res, err := scanResult(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, res)
	}
	return out, rows.Err()
}

func (r Repo) GetResult(ctx context.Context, id string) (domain.Result, error) {
	res, err := scanResult(r.DB.QueryRowContext(ctx, `SELECT id,mission_id,payload_json,clarity_score,intent_score,verified,created_at FROM results WHERE id=?`, id))
	if err == sql.ErrNoRows {
		return res, ErrNotFound
	}
	return res, err
}
