package events

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"missionline/internal/domain"
)

// Event types written alongside state changes. The mission change feed tails these.
const (
	MissionCreated       = "mission.created"
	MissionStatusChanged = "mission.status"
	ResultAppended       = "result.appended"
	EndpointChanged      = "endpoint.changed"
	DeliveryAttempted    = "delivery.attempted"
)

type Writer struct {
	Now func() time.Time
}

type Payload map[string]any

// Append writes an event row inside tx so it commits or rolls back with the change it describes.
func (w Writer) Append(ctx context.Context, tx *sql.Tx, evtType, orgID, entityKind, entityID, actorID string, payload Payload) error {
	now := time.Now
	if w.Now != nil {
		now = w.Now
	}
	if payload == nil {
		payload = Payload{}
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal event payload: %w", err)
	}
	if actorID == "" {
		actorID = "system"
	}
	_, err = tx.ExecContext(ctx, `INSERT INTO events(ts,type,org_id,entity_kind,entity_id,actor_id,payload_json) VALUES (?,?,?,?,?,?,?)`,
		domain.FormatTime(now()), evtType, nullable(orgID), entityKind, nullable(entityID), actorID, string(data))
	return err
}

// IsMissionChange reports whether an event type should wake mission subscribers.
func IsMissionChange(evtType string) bool {
	switch evtType {
	case MissionCreated, MissionStatusChanged, ResultAppended:
		return true
	}
	return false
}

func nullable(v string) any {
	if v == "" {
		return nil
	}
	return v
}
