package repo

import (
	"context"
	"database/sql"

	"missionline/internal/domain"
)

const endpointColumns = `id,org_id,url,kind,enabled,threshold,COALESCE(secret,''),version,created_at,updated_at`

func scanEndpoint(sc interface{ Scan(...any) error }) (domain.Endpoint, error) {
	var ep domain.Endpoint
	var kind string
	var enabled int
	err := sc.Scan(&ep.ID, &ep.OrgID, &ep.URL, &kind, &enabled, &ep.Threshold, &ep.Secret, &ep.Version, &ep.CreatedAt, &ep.UpdatedAt)
	ep.Kind = domain.EndpointKind(kind)
	ep.Enabled = enabled == 1
	return ep, err
}

func (r Repo) InsertEndpointTx(ctx context.Context, tx *sql.Tx, ep domain.Endpoint) error {
	_, err := tx.ExecContext(ctx, `INSERT INTO endpoints(id,org_id,url,kind,enabled,threshold,secret,version,created_at,updated_at) VALUES (?,?,?,?,?,?,?,?,?,?)`,
		ep.ID, ep.OrgID, ep.URL, string(ep.Kind), boolToInt(ep.Enabled), ep.Threshold, nullable(ep.Secret), ep.Version, ep.CreatedAt, ep.UpdatedAt)
	return err
}

// UpdateEndpointTx writes the full row; callers bump Version themselves.
func (r Repo) UpdateEndpointTx(ctx context.Context, tx *sql.Tx, ep domain.Endpoint) error {
	res, err := tx.ExecContext(ctx, `UPDATE endpoints SET url=?, enabled=?, threshold=?, secret=?, version=?, updated_at=? WHERE id=?`,
		ep.URL, boolToInt(ep.Enabled), ep.Threshold, nullable(ep.Secret), ep.Version, ep.UpdatedAt, ep.ID)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (r Repo) GetEndpoint(ctx context.Context, id string) (domain.Endpoint, error) {
	ep, err := scanEndpoint(r.DB.QueryRowContext(ctx, `SELECT `+endpointColumns+` FROM endpoints WHERE id=?`, id))
	if err == sql.ErrNoRows {
		return ep, ErrNotFound
	}
	return ep, err
}

func (r Repo) GetEndpointTx(ctx context.Context, tx *sql.Tx, id string) (domain.Endpoint, error) {
	ep, err := scanEndpoint(tx.QueryRowContext(ctx, `SELECT `+endpointColumns+` FROM endpoints WHERE id=?`, id))
	if err == sql.ErrNoRows {
		return ep, ErrNotFound
	}
	return ep, err
}

func (r Repo) ListEndpoints(ctx context.Context, orgID string, enabledOnly bool) ([]domain.Endpoint, error) {
	query := `SELECT ` + endpointColumns + ` FROM endpoints WHERE org_id=?`
	if enabledOnly {
		query += ` AND enabled=1`
	}
	query += ` ORDER BY created_at ASC, id ASC`
	rows, err := r.DB.QueryContext(ctx, query, orgID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []domain.Endpoint
	for rows.Next() {
		ep, err := scanEndpoint(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, ep)
	}
	return out, rows.Err()
}
