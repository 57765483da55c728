package repo

import (
	"context"
	"database/sql"

	"missionline/internal/domain"
)

const missionColumns = `id,org_id,user_id,query,platform,priority,compliance_mode,status,created_at,updated_at`

func scanMission(sc interface{ Scan(...any) error }) (domain.Mission, error) {
	var m domain.Mission
	var platform, mode, status string
	err := sc.Scan(&m.ID, &m.OrgID, &m.UserID, &m.Query, &platform, &m.Priority, &mode, &status, &m.CreatedAt, &m.UpdatedAt)
	if err != nil {
		return m, err
	}
	m.Platform = domain.Platform(platform)
	m.ComplianceMode = domain.ComplianceMode(mode)
	m.Status = domain.MissionStatus(status)
	return m, nil
}

func (r Repo) InsertMissionTx(ctx context.Context, tx *sql.Tx, m domain.Mission) error {
	_, err := tx.ExecContext(ctx, `INSERT INTO missions(`+missionColumns+`) VALUES (?,?,?,?,?,?,?,?,?,?)`,
		m.ID, m.OrgID, m.UserID, m.Query, string(m.Platform), m.Priority, string(m.ComplianceMode), string(m.Status), m.CreatedAt, m.UpdatedAt)
	return err
}

func (r Repo) GetMission(ctx context.Context, id string) (domain.Mission, error) {
	m, err := scanMission(r.DB.QueryRowContext(ctx, `SELECT `+missionColumns+` FROM missions WHERE id=?`, id))
	if err == sql.ErrNoRows {
		return m, ErrNotFound
	}
	return m, err
}

func (r Repo) GetMissionTx(ctx context.Context, tx *sql.Tx, id string) (domain.Mission, error) {
	m, err := scanMission(tx.QueryRowContext(ctx, `SELECT `+missionColumns+` FROM missions WHERE id=?`, id))
	if err == sql.ErrNoRows {
		return m, ErrNotFound
	}
	return m, err
}

func (r Repo) UpdateMissionStatusTx(ctx context.Context, tx *sql.Tx, id string, status domain.MissionStatus, now string) error {
	res, err := tx.ExecContext(ctx, `UPDATE missions SET status=?, updated_at=? WHERE id=?`, string(status), now, id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// ListMissions pages an org's missions newest first. The returned cursor is
// empty on the last page.
func (r Repo) ListMissions(ctx context.Context, orgID string, limit int, cursor string) ([]domain.Mission, string, error) {
	if limit <= 0 {
		limit = 100
	}
	ts, id, err := ParseCursor(cursor)
	if err != nil {
		return nil, "", err
	}
	query := `SELECT ` + missionColumns + ` FROM missions WHERE org_id=?`
	args := []any{orgID}
	if ts != "" {
		query += ` AND (created_at < ? OR (created_at = ? AND id < ?))`
		args = append(args, ts, ts, id)
	}
	query += ` ORDER BY created_at DESC, id DESC LIMIT ?`
	args = append(args, limit+1)
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, "", err
	}
	defer rows.Close()
	var res []domain.Mission
	for rows.Next() {
		m, err := scanMission(rows)
		if err != nil {
			return nil, "", err
		}
		res = append(res, m)
	}
	if err := rows.Err(); err != nil {
		return nil, "", err
	}
	next := ""
	if len(res) > limit {
		res = res[:limit]
		last := res[len(res)-1]
		next = ComposeCursor(last.CreatedAt, last.ID)
	}
	return res, next, nil
}
