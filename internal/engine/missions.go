package engine

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"missionline/internal/domain"
	"missionline/internal/events"
	"missionline/internal/repo"
)

func (e Engine) GetMission(ctx context.Context, id string) (domain.Mission, error) {
	return e.Repo.GetMission(ctx, id)
}

func (e Engine) ListMissions(ctx context.Context, orgID string, limit int, cursor string) ([]domain.Mission, string, error) {
	missions, next, err := e.Repo.ListMissions(ctx, orgID, limit, cursor)
	return missions, next, transient("list missions", err)
}

// UpdateMissionStatus applies a status reported by a worker. Repeating the
// current non-terminal status is a no-op.
func (e Engine) UpdateMissionStatus(ctx context.Context, id string, status domain.MissionStatus, actorID string) (domain.Mission, error) {
	if _, ok := domain.ParseMissionStatus(string(status)); !ok {
		return domain.Mission{}, domain.ValidationError{Field: "status", Reason: fmt.Sprintf("unknown status %q", status)}
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Mission{}, err
	}
	defer tx.Rollback()
	m, err := e.Repo.GetMissionTx(ctx, tx, id)
	if err != nil {
		return m, err
	}
	if m.Status == status && !status.Terminal() {
		return m, nil
	}
	if err := domain.EnsureMissionTransition(m.Status, status); err != nil {
		return m, err
	}
	from := m.Status
	m.Status = status
	m.UpdatedAt = domain.FormatTime(e.now())
	if err := e.Repo.UpdateMissionStatusTx(ctx, tx, id, status, m.UpdatedAt); err != nil {
		return m, err
	}
	if err := e.events().Append(ctx, tx, events.MissionStatusChanged, m.OrgID, "mission", m.ID, actorID, events.Payload{
		"from_status": from,
		"to_status":   status,
	}); err != nil {
		return m, err
	}
	if err := tx.Commit(); err != nil {
		return m, err
	}
	e.logger().Info("mission status changed",
		zap.String("org_id", m.OrgID),
		zap.String("mission_id", m.ID),
		zap.String("from", string(from)),
		zap.String("to", string(status)))
	return m, nil
}

// CancelMission requests cancellation. ErrAlreadyTerminal is informational.
func (e Engine) CancelMission(ctx context.Context, id, actorID string) (domain.Mission, error) {
	return e.UpdateMissionStatus(ctx, id, domain.StatusCancelled, actorID)
}

// ResultInput is a worker-reported result for a mission.
type ResultInput struct {
	MissionID    string
	Payload      domain.Payload
	ClarityScore *int
	IntentScore  *int
	Verified     bool
	ActorID      string
}

// AppendResult stores a new result. Results are never updated afterwards.
func (e Engine) AppendResult(ctx context.Context, in ResultInput) (domain.Result, error) {
	if err := checkScore("clarity_score", in.ClarityScore); err != nil {
		return domain.Result{}, err
	}
	if err := checkScore("intent_score", in.IntentScore); err != nil {
		return domain.Result{}, err
	}
	payload := in.Payload
	if payload == nil {
		payload = domain.Payload{}
	}
	res := domain.Result{
		ID:           uuid.NewString(),
		MissionID:    in.MissionID,
		Payload:      payload,
		ClarityScore: in.ClarityScore,
		IntentScore:  in.IntentScore,
		Verified:     in.Verified,
		CreatedAt:    domain.FormatTime(e.now()),
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return res, err
	}
	defer tx.Rollback()
	m, err := e.Repo.GetMissionTx(ctx, tx, in.MissionID)
	if err != nil {
		return res, err
	}
	if m.Status == domain.StatusCancelled {
		return res, domain.ValidationError{Field: "mission_id", Reason: "mission is cancelled"}
	}
	if err := e.Repo.InsertResultTx(ctx, tx, res); err != nil {
		return res, fmt.Errorf("insert result: %w", err)
	}
	if err := e.events().Append(ctx, tx, events.ResultAppended, m.OrgID, "mission", m.ID, in.ActorID, events.Payload{
		"result_id": res.ID,
	}); err != nil {
		return res, err
	}
	if err := tx.Commit(); err != nil {
		return res, err
	}
	e.logger().Debug("result appended",
		zap.String("org_id", m.OrgID),
		zap.String("mission_id", m.ID),
		zap.String("result_id", res.ID))
	return res, nil
}

// Capture records a lead captured by the browser extension against an org's mission.
func (e Engine) Capture(ctx context.Context, orgID, missionID string, data domain.Payload, actorID string) (domain.Result, error) {
	m, err := e.Repo.GetMission(ctx, missionID)
	if err != nil {
		return domain.Result{}, err
	}
	if m.OrgID != orgID {
		return domain.Result{}, repo.ErrNotFound
	}
	return e.AppendResult(ctx, ResultInput{MissionID: missionID, Payload: data, ActorID: actorID})
}

func (e Engine) ListResults(ctx context.Context, scope repo.ResultScope) ([]domain.Result, error) {
	res, err := e.Repo.ListResults(ctx, scope)
	return res, transient("list results", err)
}

func checkScore(field string, v *int) error {
	if v == nil {
		return nil
	}
	if *v < 0 || *v > 100 {
		return domain.ValidationError{Field: field, Reason: "must be within 0..100"}
	}
	return nil
}

