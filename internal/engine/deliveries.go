package engine

import (
	"context"

	"github.com/google/uuid"

	"missionline/internal/domain"
	"missionline/internal/events"
	"missionline/internal/repo"
)

// CreateDeliveryRecord stores one attempt together with the pair state it
// leads to. A second success for the same endpoint version is rejected by the
// store.
func (e Engine) CreateDeliveryRecord(ctx context.Context, orgID string, rec domain.DeliveryRecord, next domain.DeliveryState) (domain.DeliveryRecord, error) {
	if rec.ID == "" {
		rec.ID = uuid.NewString()
	}
	if rec.CreatedAt == "" {
		rec.CreatedAt = domain.FormatTime(e.now())
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return rec, err
	}
	defer tx.Rollback()
	if err := e.Repo.InsertDeliveryRecordTx(ctx, tx, rec); err != nil {
		return rec, err
	}
	if next.ResultID != "" {
		if err := e.Repo.CompleteAttemptTx(ctx, tx, next); err != nil {
			return rec, err
		}
	}
	if err := e.events().Append(ctx, tx, events.DeliveryAttempted, orgID, "result", rec.ResultID, "", events.Payload{
		"endpoint_id": rec.EndpointID,
		"attempt":     rec.Attempt,
		"status":      rec.Status,
		"status_code": rec.StatusCode,
	}); err != nil {
		return rec, err
	}
	return rec, tx.Commit()
}

func (e Engine) ListDeliveryRecords(ctx context.Context, filter repo.RecordFilter) ([]domain.DeliveryRecord, error) {
	return e.Repo.ListDeliveryRecords(ctx, filter)
}
