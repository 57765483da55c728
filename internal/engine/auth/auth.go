package auth

import (
	"context"
	"database/sql"
	"fmt"
	"slices"

	"missionline/internal/domain"
)

const (
	RoleMember = "member"
	RoleWorker = "worker"
	RoleAdmin  = "admin"
)

// Principal is the authenticated caller of an operation.
type Principal struct {
	ActorID string
	OrgID   string
	Roles   []string
}

func (p Principal) HasRole(role string) bool {
	return slices.Contains(p.Roles, role) || slices.Contains(p.Roles, RoleAdmin)
}

// ForbiddenError indicates a missing role.
type ForbiddenError struct {
	Role string
}

func (e ForbiddenError) Error() string {
	return fmt.Sprintf("role %s required", e.Role)
}

// RequireRole returns ForbiddenError unless p holds role (admins hold every role).
func RequireRole(p Principal, role string) error {
	if p.HasRole(role) {
		return nil
	}
	return ForbiddenError{Role: role}
}

// Authorizer decides whether a principal may submit work for an org.
type Authorizer interface {
	AuthorizeSubmit(ctx context.Context, p Principal, orgID string) error
}

type AuthorizerFunc func(ctx context.Context, p Principal, orgID string) error

func (f AuthorizerFunc) AuthorizeSubmit(ctx context.Context, p Principal, orgID string) error {
	return f(ctx, p, orgID)
}

// AllowAll accepts every principal with an actor id.
var AllowAll = AuthorizerFunc(func(_ context.Context, p Principal, _ string) error {
	if p.ActorID == "" {
		return domain.AuthorizationError{Reason: "no session"}
	}
	return nil
})

// CreditAuthorizer checks the organizations table. The org must exist, be
// active and hold at least one credit; credits are not consumed here.
type CreditAuthorizer struct {
	DB *sql.DB
}

func (a CreditAuthorizer) AuthorizeSubmit(ctx context.Context, p Principal, orgID string) error {
	if p.ActorID == "" {
		return domain.AuthorizationError{Reason: "no session"}
	}
	if p.OrgID != "" && p.OrgID != orgID && !p.HasRole(RoleAdmin) {
		return domain.AuthorizationError{Reason: fmt.Sprintf("principal belongs to org %s", p.OrgID)}
	}
	var status string
	var credits int
	err := a.DB.QueryRowContext(ctx, `SELECT status, credits FROM organizations WHERE id=?`, orgID).Scan(&status, &credits)
	if err == sql.ErrNoRows {
		return domain.AuthorizationError{Reason: fmt.Sprintf("unknown org %s", orgID)}
	}
	if err != nil {
		return fmt.Errorf("load org %s: %w", orgID, err)
	}
	if status != "active" {
		return domain.AuthorizationError{Reason: fmt.Sprintf("org %s is %s", orgID, status)}
	}
	if credits <= 0 {
		return domain.AuthorizationError{Reason: "no credits remaining"}
	}
	return nil
}
