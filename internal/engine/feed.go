package engine

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"

	"missionline/internal/domain"
	"missionline/internal/events"
)

const feedBatch = 200

// SubscribeMissionChanges streams missions of orgID whose status or results
// changed after the call. The channel closes when ctx ends or the event log
// cannot be read; subscribers re-subscribe to recover.
func (e Engine) SubscribeMissionChanges(ctx context.Context, orgID string) (<-chan domain.Mission, error) {
	cursor, err := e.Repo.LatestEventID(ctx, orgID)
	if err != nil {
		return nil, transient("subscribe mission changes", err)
	}
	interval := e.config().Sync.FeedInterval
	if interval <= 0 {
		interval = 500 * time.Millisecond
	}
	out := make(chan domain.Mission, 16)
	go func() {
		defer close(out)
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
			}
			next, err := e.pumpFeed(ctx, orgID, cursor, out)
			if err != nil {
				if !errors.Is(err, context.Canceled) {
					e.logger().Warn("mission feed stopped", zap.String("org_id", orgID), zap.Error(err))
				}
				return
			}
			cursor = next
		}
	}()
	return out, nil
}

func (e Engine) pumpFeed(ctx context.Context, orgID string, cursor int64, out chan<- domain.Mission) (int64, error) {
	for {
		evts, err := e.Repo.EventsAfter(ctx, feedBatch, cursor, orgID)
		if err != nil {
			return cursor, err
		}
		var ids []string
		seen := map[string]struct{}{}
		for _, ev := range evts {
			cursor = ev.ID
			if !events.IsMissionChange(ev.Type) || ev.EntityID == "" {
				continue
			}
			if _, ok := seen[ev.EntityID]; ok {
				continue
			}
			seen[ev.EntityID] = struct{}{}
			ids = append(ids, ev.EntityID)
		}
		for _, id := range ids {
			m, err := e.Repo.GetMission(ctx, id)
			if err != nil {
				return cursor, err
			}
			select {
			case out <- m:
			case <-ctx.Done():
				return cursor, ctx.Err()
			}
		}
		if len(evts) < feedBatch {
			return cursor, nil
		}
	}
}
