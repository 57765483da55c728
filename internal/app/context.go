package app

import (
	"context"
	"errors"
	"fmt"
	"time"

	"missionline/internal/domain"
	"missionline/internal/repo"
)

// DefaultLocalCredits seeds orgs created on the fly in a local workspace.
const DefaultLocalCredits = 100

// ResolveOrg picks the active org for a local command. It prefers the
// override, then the only org in the workspace. An overridden org that does
// not exist yet is created with DefaultLocalCredits, and actorID is recorded.
func ResolveOrg(ctx context.Context, orgOverride, actorID string, r repo.Repo) (domain.Organization, error) {
	orgID := orgOverride
	if orgID == "" {
		orgs, err := r.ListOrgs(ctx)
		if err != nil {
			return domain.Organization{}, err
		}
		if len(orgs) != 1 {
			return domain.Organization{}, fmt.Errorf("org not specified; use --org")
		}
		orgID = orgs[0].ID
	}
	org, err := r.GetOrg(ctx, orgID)
	if err == nil {
		return org, ensureActor(ctx, r, actorID)
	}
	if !errors.Is(err, repo.ErrNotFound) {
		return domain.Organization{}, err
	}
	return seedOrg(ctx, r, orgID, actorID)
}

func seedOrg(ctx context.Context, r repo.Repo, orgID, actorID string) (domain.Organization, error) {
	now := domain.FormatTime(time.Now())
	tx, err := r.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Organization{}, err
	}
	defer tx.Rollback()
	if err := r.EnsureOrg(ctx, tx, orgID, orgID, now); err != nil {
		return domain.Organization{}, fmt.Errorf("ensure org: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `UPDATE organizations SET credits=? WHERE id=?`, DefaultLocalCredits, orgID); err != nil {
		return domain.Organization{}, fmt.Errorf("seed credits: %w", err)
	}
	if actorID != "" {
		if err := r.EnsureActor(ctx, tx, actorID, now); err != nil {
			return domain.Organization{}, fmt.Errorf("ensure actor: %w", err)
		}
	}
	if err := tx.Commit(); err != nil {
		return domain.Organization{}, err
	}
	return r.GetOrg(ctx, orgID)
}

func ensureActor(ctx context.Context, r repo.Repo, actorID string) error {
	if actorID == "" {
		return nil
	}
	tx, err := r.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	if err := r.EnsureActor(ctx, tx, actorID, domain.FormatTime(time.Now())); err != nil {
		return fmt.Errorf("ensure actor: %w", err)
	}
	return tx.Commit()
}
