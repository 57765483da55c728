package engine

import (
	"context"
	"fmt"
	"strings"
	"unicode/utf8"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"missionline/internal/domain"
	"missionline/internal/engine/auth"
	"missionline/internal/events"
)

const (
	minPriority = 0
	maxPriority = 10
)

// SubmitOptions are parameters for creating one mission.
type SubmitOptions struct {
	Principal      auth.Principal
	OrgID          string
	UserID         string
	Query          string
	Platform       string
	Priority       *int
	ComplianceMode string
}

// Submit validates and authorizes a mission request, then persists it as queued.
func (e Engine) Submit(ctx context.Context, opts SubmitOptions) (domain.Mission, error) {
	ctx, span := e.tracer().Start(ctx, "mission.submit")
	defer span.End()
	span.SetAttributes(attribute.String("org_id", opts.OrgID), attribute.String("platform", opts.Platform))

	m, err := e.buildMission(opts)
	if err != nil {
		span.RecordError(err)
		return domain.Mission{}, err
	}
	authorizer := e.Authorizer
	if authorizer == nil {
		authorizer = auth.CreditAuthorizer{DB: e.DB}
	}
	if err := authorizer.AuthorizeSubmit(ctx, opts.Principal, m.OrgID); err != nil {
		span.RecordError(err)
		return domain.Mission{}, err
	}

	ctx, cancel := context.WithTimeout(ctx, e.config().Timeouts.Submit)
	defer cancel()
	if err := e.insertMission(ctx, m, opts.Principal.ActorID); err != nil {
		err = transient("submit mission", err)
		span.RecordError(err)
		return domain.Mission{}, err
	}
	span.SetAttributes(attribute.String("mission_id", m.ID))
	e.logger().Info("mission submitted",
		zap.String("org_id", m.OrgID),
		zap.String("mission_id", m.ID),
		zap.String("platform", string(m.Platform)))
	return m, nil
}

func (e Engine) buildMission(opts SubmitOptions) (domain.Mission, error) {
	cfg := e.config()
	query := strings.TrimSpace(opts.Query)
	if query == "" {
		return domain.Mission{}, domain.ValidationError{Field: "query", Reason: "must not be empty"}
	}
	if utf8.RuneCountInString(query) > cfg.Submit.MaxQueryLength {
		return domain.Mission{}, domain.ValidationError{Field: "query", Reason: fmt.Sprintf("longer than %d characters", cfg.Submit.MaxQueryLength)}
	}
	if strings.TrimSpace(opts.OrgID) == "" {
		return domain.Mission{}, domain.ValidationError{Field: "org_id", Reason: "required"}
	}
	platform, ok := domain.ParsePlatform(opts.Platform)
	if !ok {
		return domain.Mission{}, domain.ValidationError{Field: "platform", Reason: fmt.Sprintf("unknown platform %q", opts.Platform)}
	}
	mode, ok := domain.ParseComplianceMode(opts.ComplianceMode)
	if !ok {
		return domain.Mission{}, domain.ValidationError{Field: "compliance_mode", Reason: fmt.Sprintf("unknown mode %q", opts.ComplianceMode)}
	}
	priority := cfg.Submit.DefaultPriority
	if opts.Priority != nil {
		priority = *opts.Priority
	}
	priority = max(minPriority, min(maxPriority, priority))
	userID := opts.UserID
	if userID == "" {
		userID = opts.Principal.ActorID
	}
	now := domain.FormatTime(e.now())
	return domain.Mission{
		ID:             uuid.NewString(),
		OrgID:          opts.OrgID,
		UserID:         userID,
		Query:          query,
		Platform:       platform,
		Priority:       priority,
		ComplianceMode: mode,
		Status:         domain.StatusQueued,
		CreatedAt:      now,
		UpdatedAt:      now,
	}, nil
}

func (e Engine) insertMission(ctx context.Context, m domain.Mission, actorID string) error {
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	if err := e.Repo.InsertMissionTx(ctx, tx, m); err != nil {
		return fmt.Errorf("insert mission: %w", err)
	}
	if err := e.events().Append(ctx, tx, events.MissionCreated, m.OrgID, "mission", m.ID, actorID, events.Payload{
		"status":   m.Status,
		"platform": m.Platform,
		"priority": m.Priority,
	}); err != nil {
		return err
	}
	return tx.Commit()
}

// BulkOptions submit many queries sharing platform, priority and mode.
type BulkOptions struct {
	Principal      auth.Principal
	OrgID          string
	UserID         string
	Items          []string
	Platform       string
	Priority       *int
	ComplianceMode string
}

// ItemOutcome is the result for one bulk item. Exactly one of Mission or Err is set.
type ItemOutcome struct {
	Index   int
	Item    string
	Mission *domain.Mission
	Err     error
}

type ItemFailure struct {
	Index int
	Item  string
	Err   error
}

type BulkOutcome struct {
	Items   []ItemOutcome
	Created []domain.Mission
	Failed  []ItemFailure
}

// SubmitBulk submits every item independently. A failing item never affects
// the others; outcomes keep input order.
func (e Engine) SubmitBulk(ctx context.Context, opts BulkOptions) BulkOutcome {
	ctx, span := e.tracer().Start(ctx, "mission.submit_bulk")
	defer span.End()
	span.SetAttributes(attribute.String("org_id", opts.OrgID), attribute.Int("items", len(opts.Items)))

	outcomes := make([]ItemOutcome, len(opts.Items))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(e.config().Submit.BulkConcurrency)
	for i, item := range opts.Items {
		g.Go(func() error {
			m, err := e.Submit(gctx, SubmitOptions{
				Principal:      opts.Principal,
				OrgID:          opts.OrgID,
				UserID:         opts.UserID,
				Query:          item,
				Platform:       opts.Platform,
				Priority:       opts.Priority,
				ComplianceMode: opts.ComplianceMode,
			})
			out := ItemOutcome{Index: i, Item: item}
			if err != nil {
				out.Err = err
			} else {
				out.Mission = &m
			}
			outcomes[i] = out
			return nil
		})
	}
	_ = g.Wait()

	res := BulkOutcome{Items: outcomes}
	for _, o := range outcomes {
		if o.Err != nil {
			res.Failed = append(res.Failed, ItemFailure{Index: o.Index, Item: o.Item, Err: o.Err})
			continue
		}
		res.Created = append(res.Created, *o.Mission)
	}
	e.logger().Info("bulk submit finished",
		zap.String("org_id", opts.OrgID),
		zap.Int("created", len(res.Created)),
		zap.Int("failed", len(res.Failed)))
	return res
}
