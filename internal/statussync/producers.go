package statussync

import (
	"context"
	"time"

	"go.uber.org/zap"

	"missionline/internal/domain"
)

// pushLoop forwards the store's change subscription. When the subscription
// closes or cannot be opened it waits for the next pull cycle before retrying.
func (s *Synchronizer) pushLoop(ctx context.Context, resubscribe <-chan struct{}) {
	for {
		ch, err := s.store.SubscribeMissionChanges(ctx, s.orgID)
		if err != nil {
			s.logger.Warn("status subscription failed", zap.Error(err))
		} else if !s.forward(ctx, ch) {
			return
		}
		if ctx.Err() != nil {
			return
		}
		select {
		case <-ctx.Done():
			return
		case <-resubscribe:
		}
	}
}

// forward drains one subscription. It returns false once ctx is done.
func (s *Synchronizer) forward(ctx context.Context, ch <-chan domain.Mission) bool {
	for {
		select {
		case <-ctx.Done():
			return false
		case m, ok := <-ch:
			if !ok {
				s.logger.Debug("status subscription closed")
				return true
			}
			if !s.send(ctx, event{missions: []domain.Mission{m}}) {
				return false
			}
		}
	}
}

func (s *Synchronizer) pullLoop(ctx context.Context, resubscribe chan<- struct{}) {
	ticker := time.NewTicker(s.opts.Config.PollInterval)
	defer ticker.Stop()
	for {
		missions, err := s.pull(ctx)
		if ctx.Err() != nil {
			return
		}
		if !s.send(ctx, event{missions: missions, cycle: &cycleResult{err: err}}) {
			return
		}
		select {
		case resubscribe <- struct{}{}:
		default:
		}
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// pull pages the org's missions up to the visible window. Each page call is
// bounded by the pull timeout.
func (s *Synchronizer) pull(ctx context.Context) ([]domain.Mission, error) {
	cfg := s.opts.Config
	var (
		out    []domain.Mission
		cursor string
	)
	for len(out) < cfg.MaxVisible {
		limit := min(cfg.PageSize, cfg.MaxVisible-len(out))
		pctx, cancel := context.WithTimeout(ctx, s.opts.PullTimeout)
		page, next, err := s.store.ListMissions(pctx, s.orgID, limit, cursor)
		cancel()
		if err != nil {
			return nil, err
		}
		out = append(out, page...)
		if next == "" || len(page) == 0 {
			break
		}
		cursor = next
	}
	return out, nil
}

func (s *Synchronizer) send(ctx context.Context, ev event) bool {
	select {
	case s.inbox <- ev:
		return true
	case <-ctx.Done():
		return false
	}
}
