// Package statussync keeps a session view of mission statuses for one org by
// merging a push subscription with periodic pulls.
package statussync

import (
	"context"
	"errors"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"missionline/internal/config"
	"missionline/internal/domain"
)

// Store is the part of the mission store the synchronizer reads and writes.
type Store interface {
	GetMission(ctx context.Context, id string) (domain.Mission, error)
	ListMissions(ctx context.Context, orgID string, limit int, cursor string) ([]domain.Mission, string, error)
	UpdateMissionStatus(ctx context.Context, id string, status domain.MissionStatus, actorID string) (domain.Mission, error)
	SubscribeMissionChanges(ctx context.Context, orgID string) (<-chan domain.Mission, error)
}

type UpdateKind string

const (
	StatusChanged UpdateKind = "status_changed"
	SyncDegraded  UpdateKind = "sync_degraded"
	SyncRecovered UpdateKind = "sync_recovered"
)

// Update is published to observers. Mission fields are set for StatusChanged,
// Err for SyncDegraded.
type Update struct {
	Kind     UpdateKind
	Mission  domain.Mission
	Previous domain.MissionStatus
	Err      error
}

type Options struct {
	Config      config.SyncConfig
	PullTimeout time.Duration
	// ActorID is recorded on cancellations issued through this session.
	ActorID string
	Logger  *zap.Logger
	// Buffer sizes the Updates channel.
	Buffer int
}

var ErrAlreadyRunning = errors.New("synchronizer already running")

type Synchronizer struct {
	store   Store
	orgID   string
	opts    Options
	logger  *zap.Logger
	updates chan Update
	inbox   chan event
	done    chan struct{}
	started atomic.Bool

	mu        sync.RWMutex
	view      map[string]domain.Mission
	cancelled map[string]struct{}

	// owned by the consumer goroutine
	failures int
	degraded bool
}

type event struct {
	missions []domain.Mission
	cycle    *cycleResult
	ack      chan struct{}
}

type cycleResult struct {
	err error
}

func New(store Store, orgID string, opts Options) *Synchronizer {
	def := config.Default().Sync
	if opts.Config.PollInterval <= 0 {
		opts.Config.PollInterval = def.PollInterval
	}
	if opts.Config.FailureThreshold < 1 {
		opts.Config.FailureThreshold = def.FailureThreshold
	}
	if opts.Config.PageSize < 1 {
		opts.Config.PageSize = def.PageSize
	}
	if opts.Config.MaxVisible < 1 {
		opts.Config.MaxVisible = def.MaxVisible
	}
	if opts.PullTimeout <= 0 {
		opts.PullTimeout = 10 * time.Second
	}
	if opts.Buffer <= 0 {
		opts.Buffer = 256
	}
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Synchronizer{
		store:     store,
		orgID:     orgID,
		opts:      opts,
		logger:    logger.With(zap.String("org_id", orgID)),
		updates:   make(chan Update, opts.Buffer),
		inbox:     make(chan event, 64),
		done:      make(chan struct{}),
		view:      map[string]domain.Mission{},
		cancelled: map[string]struct{}{},
	}
}

// Updates delivers status changes and sync health signals in the order they
// were applied. It is closed when Run returns. Observers must keep draining it.
func (s *Synchronizer) Updates() <-chan Update {
	return s.updates
}

// Run starts the push and pull producers and the merging consumer and blocks
// until ctx is cancelled.
func (s *Synchronizer) Run(ctx context.Context) error {
	if !s.started.CompareAndSwap(false, true) {
		return ErrAlreadyRunning
	}
	defer close(s.updates)
	defer close(s.done)

	resubscribe := make(chan struct{}, 1)
	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		s.pushLoop(ctx, resubscribe)
	}()
	go func() {
		defer wg.Done()
		s.pullLoop(ctx, resubscribe)
	}()
	s.consume(ctx)
	wg.Wait()
	return nil
}

func (s *Synchronizer) consume(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev := <-s.inbox:
			s.handle(ctx, ev)
		}
	}
}

func (s *Synchronizer) handle(ctx context.Context, ev event) {
	if ev.ack != nil {
		defer close(ev.ack)
	}
	for _, m := range ev.missions {
		if u, ok := s.merge(m); ok {
			s.publish(ctx, u)
		}
	}
	if ev.cycle == nil {
		return
	}
	if ev.cycle.err != nil {
		s.failures++
		s.logger.Warn("status pull failed", zap.Int("consecutive", s.failures), zap.Error(ev.cycle.err))
		if s.failures >= s.opts.Config.FailureThreshold && !s.degraded {
			s.degraded = true
			s.publish(ctx, Update{Kind: SyncDegraded, Err: ev.cycle.err})
		}
		return
	}
	s.failures = 0
	if s.degraded {
		s.degraded = false
		s.logger.Info("status sync recovered")
		s.publish(ctx, Update{Kind: SyncRecovered})
	}
}

func (s *Synchronizer) publish(ctx context.Context, u Update) {
	select {
	case s.updates <- u:
	case <-ctx.Done():
	}
}

// merge applies the ordering rule: higher ordinal wins, a differing terminal
// status replaces the previous terminal one, and a cancelled mission is frozen.
func (s *Synchronizer) merge(m domain.Mission) (Update, bool) {
	next := m.Status.Ordinal()
	if next < 0 {
		return Update{}, false
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, frozen := s.cancelled[m.ID]; frozen {
		return Update{}, false
	}
	cur, known := s.view[m.ID]
	prev := domain.StatusUnknown
	if known {
		prev = cur.Status
		switch curOrd := cur.Status.Ordinal(); {
		case next < curOrd:
			return Update{}, false
		case next == curOrd && (m.Status == cur.Status || !m.Status.Terminal()):
			return Update{}, false
		}
	}
	s.view[m.ID] = m
	if m.Status == domain.StatusCancelled {
		s.cancelled[m.ID] = struct{}{}
	}
	return Update{Kind: StatusChanged, Mission: m, Previous: prev}, true
}

// enqueue hands missions to the consumer and waits until they are applied.
// Without a running consumer the view is updated directly.
func (s *Synchronizer) enqueue(ctx context.Context, missions ...domain.Mission) {
	if s.started.Load() && !s.stopped() {
		ack := make(chan struct{})
		select {
		case s.inbox <- event{missions: missions, ack: ack}:
			select {
			case <-ack:
				return
			case <-ctx.Done():
				return
			case <-s.done:
				// the consumer may have exited before reading the event
			}
		case <-ctx.Done():
			return
		case <-s.done:
		}
	}
	for _, m := range missions {
		s.merge(m)
	}
}

func (s *Synchronizer) stopped() bool {
	select {
	case <-s.done:
		return true
	default:
		return false
	}
}

// Cancel asks the store to cancel a mission. ErrAlreadyTerminal is returned
// when the view or the store already holds a terminal status.
func (s *Synchronizer) Cancel(ctx context.Context, missionID string) error {
	if st, ok := s.Status(missionID); ok && st.Terminal() {
		return domain.ErrAlreadyTerminal
	}
	m, err := s.store.UpdateMissionStatus(ctx, missionID, domain.StatusCancelled, s.opts.ActorID)
	if errors.Is(err, domain.ErrAlreadyTerminal) {
		if cur, gerr := s.store.GetMission(ctx, missionID); gerr == nil {
			s.enqueue(ctx, cur)
		}
		return domain.ErrAlreadyTerminal
	}
	if err != nil {
		return err
	}
	s.enqueue(ctx, m)
	return nil
}

// Status returns the view's status for one mission.
func (s *Synchronizer) Status(missionID string) (domain.MissionStatus, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	m, ok := s.view[missionID]
	if !ok {
		return domain.StatusUnknown, false
	}
	return m.Status, true
}

// Snapshot returns the view newest first.
func (s *Synchronizer) Snapshot() []domain.Mission {
	s.mu.RLock()
	out := make([]domain.Mission, 0, len(s.view))
	for _, m := range s.view {
		out = append(out, m)
	}
	s.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt != out[j].CreatedAt {
			return out[i].CreatedAt > out[j].CreatedAt
		}
		return out[i].ID > out[j].ID
	})
	return out
}
