package repo

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"missionline/internal/domain"
)

type Repo struct {
	DB *sql.DB
}

var ErrNotFound = errors.New("not found")

func (r Repo) CreateOrg(ctx context.Context, org domain.Organization) (domain.Organization, error) {
	if strings.TrimSpace(org.ID) == "" {
		return org, errors.New("org id required")
	}
	if org.Name == "" {
		org.Name = org.ID
	}
	if org.Status == "" {
		org.Status = "active"
	}
	if org.CreatedAt == "" {
		org.CreatedAt = domain.FormatTime(time.Now())
	}
	_, err := r.DB.ExecContext(ctx, `INSERT INTO organizations(id,name,status,credits,created_at) VALUES (?,?,?,?,?)`,
		org.ID, org.Name, org.Status, org.Credits, org.CreatedAt)
	if err != nil {
		return org, err
	}
	return org, nil
}

// EnsureOrg inserts the org if missing; an existing row is left untouched.
func (r Repo) EnsureOrg(ctx context.Context, tx *sql.Tx, orgID, name, now string) error {
	_, err := tx.ExecContext(ctx, `INSERT OR IGNORE INTO organizations(id,name,status,credits,created_at) VALUES (?,?,?,?,?)`,
		orgID, name, "active", 0, now)
	return err
}

func (r Repo) GetOrg(ctx context.Context, id string) (domain.Organization, error) {
	var o domain.Organization
	err := r.DB.QueryRowContext(ctx, `SELECT id,name,status,credits,created_at FROM organizations WHERE id=?`, id).
		Scan(&o.ID, &o.Name, &o.Status, &o.Credits, &o.CreatedAt)
	if err == sql.ErrNoRows {
		return o, ErrNotFound
	}
	return o, err
}

func (r Repo) ListOrgs(ctx context.Context) ([]domain.Organization, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT id,name,status,credits,created_at FROM organizations ORDER BY id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Organization
	for rows.Next() {
		var o domain.Organization
		if err := rows.Scan(&o.ID, &o.Name, &o.Status, &o.Credits, &o.CreatedAt); err != nil {
			return nil, err
		}
		res = append(res, o)
	}
	return res, rows.Err()
}

// UpdateOrg sets status and/or credits; nil leaves the column unchanged.
func (r Repo) UpdateOrg(ctx context.Context, id string, status *string, credits *int) error {
	sets := []string{}
	args := []any{}
	if status != nil {
		sets = append(sets, "status=?")
		args = append(args, *status)
	}
	if credits != nil {
		sets = append(sets, "credits=?")
		args = append(args, *credits)
	}
	if len(sets) == 0 {
		return nil
	}
	args = append(args, id)
	res, err := r.DB.ExecContext(ctx, fmt.Sprintf(`UPDATE organizations SET %s WHERE id=?`, strings.Join(sets, ",")), args...)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// OrgsWithEnabledEndpoints lists orgs the delivery loop has to visit.
func (r Repo) OrgsWithEnabledEndpoints(ctx context.Context) ([]string, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT DISTINCT org_id FROM endpoints WHERE enabled=1 ORDER BY org_id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

func (r Repo) EnsureActor(ctx context.Context, tx *sql.Tx, actorID, now string) error {
	_, err := tx.ExecContext(ctx, `INSERT OR IGNORE INTO actors(id, created_at) VALUES (?,?)`, actorID, now)
	return err
}

func (r Repo) EventsAfter(ctx context.Context, limit int, cursor int64, orgID string) ([]domain.Event, error) {
	if limit <= 0 {
		limit = 100
	}
	clauses := []string{"1=1"}
	var args []any
	if orgID != "" {
		clauses = append(clauses, "org_id=?")
		args = append(args, orgID)
	}
	if cursor > 0 {
		clauses = append(clauses, "id>?")
		args = append(args, cursor)
	}
	query := fmt.Sprintf(`SELECT id,ts,type,COALESCE(org_id,''),entity_kind,COALESCE(entity_id,''),actor_id,payload_json FROM events WHERE %s ORDER BY id ASC LIMIT ?`,
		strings.Join(clauses, " AND "))
	args = append(args, limit)
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Event
	for rows.Next() {
		var e domain.Event
		if err := rows.Scan(&e.ID, &e.TS, &e.Type, &e.OrgID, &e.EntityKind, &e.EntityID, &e.ActorID, &e.Payload); err != nil {
			return nil, err
		}
		res = append(res, e)
	}
	return res, rows.Err()
}

func (r Repo) LatestEventID(ctx context.Context, orgID string) (int64, error) {
	var id int64
	if err := r.DB.QueryRowContext(ctx, `SELECT COALESCE(MAX(id),0) FROM events WHERE org_id=?`, orgID).Scan(&id); err != nil {
		return 0, err
	}
	return id, nil
}

// ComposeCursor encodes a (created_at, id) keyset position.
func ComposeCursor(ts, id string) string {
	if ts == "" || id == "" {
		return ""
	}
	return ts + "|" + id
}

// ParseCursor decodes ComposeCursor output; an empty cursor is the first page.
func ParseCursor(cursor string) (string, string, error) {
	if cursor == "" {
		return "", "", nil
	}
	parts := strings.SplitN(cursor, "|", 2)
	if len(parts) != 2 || parts[0] == "" || parts[1] == "" {
		return "", "", domain.ValidationError{Field: "cursor", Reason: "malformed"}
	}
	return parts[0], parts[1], nil
}

func nullable(v string) any {
	if v == "" {
		return nil
	}
	return v
}

func nullableIntPtr(v *int) any {
	if v == nil {
		return nil
	}
	return *v
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
