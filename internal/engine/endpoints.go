package engine

import (
	"context"
	"fmt"
	"net/url"
	"strings"

	"github.com/google/uuid"

	"missionline/internal/domain"
	"missionline/internal/events"
)

// EndpointOptions create a webhook endpoint. Threshold 0 uses the configured default.
type EndpointOptions struct {
	OrgID     string
	URL       string
	Enabled   *bool
	Threshold int
	Secret    string
	ActorID   string
}

// EndpointPatch changes endpoint settings; nil fields are kept.
type EndpointPatch struct {
	URL       *string
	Enabled   *bool
	Threshold *int
	Secret    *string
}

func validateEndpointURL(raw string) error {
	u, err := url.Parse(strings.TrimSpace(raw))
	if err != nil || u.Host == "" || (u.Scheme != "http" && u.Scheme != "https") {
		return domain.ValidationError{Field: "url", Reason: "must be an absolute http(s) URL"}
	}
	return nil
}

func validateThreshold(v int) error {
	if v < 0 || v > 100 {
		return domain.ValidationError{Field: "threshold", Reason: "must be within 0..100"}
	}
	return nil
}

func (e Engine) CreateEndpoint(ctx context.Context, opts EndpointOptions) (domain.Endpoint, error) {
	if err := validateEndpointURL(opts.URL); err != nil {
		return domain.Endpoint{}, err
	}
	if err := validateThreshold(opts.Threshold); err != nil {
		return domain.Endpoint{}, err
	}
	if _, err := e.Repo.GetOrg(ctx, opts.OrgID); err != nil {
		return domain.Endpoint{}, fmt.Errorf("org %s: %w", opts.OrgID, err)
	}
	enabled := true
	if opts.Enabled != nil {
		enabled = *opts.Enabled
	}
	now := domain.FormatTime(e.now())
	ep := domain.Endpoint{
		ID:        uuid.NewString(),
		OrgID:     opts.OrgID,
		URL:       strings.TrimSpace(opts.URL),
		Kind:      domain.EndpointWebhook,
		Enabled:   enabled,
		Threshold: opts.Threshold,
		Secret:    opts.Secret,
		Version:   1,
		CreatedAt: now,
		UpdatedAt: now,
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return ep, err
	}
	defer tx.Rollback()
	if err := e.Repo.InsertEndpointTx(ctx, tx, ep); err != nil {
		return ep, err
	}
	if err := e.events().Append(ctx, tx, events.EndpointChanged, ep.OrgID, "endpoint", ep.ID, opts.ActorID, events.Payload{
		"version": ep.Version,
		"enabled": ep.Enabled,
	}); err != nil {
		return ep, err
	}
	return ep, tx.Commit()
}

// UpdateEndpoint applies patch and bumps the version when anything changed,
// which re-arms delivery for results that already crossed the threshold.
func (e Engine) UpdateEndpoint(ctx context.Context, id string, patch EndpointPatch, actorID string) (domain.Endpoint, error) {
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Endpoint{}, err
	}
	defer tx.Rollback()
	ep, err := e.Repo.GetEndpointTx(ctx, tx, id)
	if err != nil {
		return ep, err
	}
	changed := false
	if patch.URL != nil && strings.TrimSpace(*patch.URL) != ep.URL {
		if err := validateEndpointURL(*patch.URL); err != nil {
			return ep, err
		}
		ep.URL = strings.TrimSpace(*patch.URL)
		changed = true
	}
	if patch.Enabled != nil && *patch.Enabled != ep.Enabled {
		ep.Enabled = *patch.Enabled
		changed = true
	}
	if patch.Threshold != nil && *patch.Threshold != ep.Threshold {
		if err := validateThreshold(*patch.Threshold); err != nil {
			return ep, err
		}
		ep.Threshold = *patch.Threshold
		changed = true
	}
	if patch.Secret != nil && *patch.Secret != ep.Secret {
		ep.Secret = *patch.Secret
		changed = true
	}
	if !changed {
		return ep, nil
	}
	ep.Version++
	ep.UpdatedAt = domain.FormatTime(e.now())
	if err := e.Repo.UpdateEndpointTx(ctx, tx, ep); err != nil {
		return ep, err
	}
	if err := e.events().Append(ctx, tx, events.EndpointChanged, ep.OrgID, "endpoint", ep.ID, actorID, events.Payload{
		"version": ep.Version,
		"enabled": ep.Enabled,
	}); err != nil {
		return ep, err
	}
	return ep, tx.Commit()
}

func (e Engine) ListEndpoints(ctx context.Context, orgID string, enabledOnly bool) ([]domain.Endpoint, error) {
	return e.Repo.ListEndpoints(ctx, orgID, enabledOnly)
}

// EffectiveThreshold resolves an endpoint's threshold against the configured default.
func (e Engine) EffectiveThreshold(ep domain.Endpoint) int {
	if ep.Threshold > 0 {
		return ep.Threshold
	}
	return e.config().Delivery.IntentThreshold
}
