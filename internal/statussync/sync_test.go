package statussync_test

import (
	"context"
	"errors"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"missionline/internal/config"
	"missionline/internal/domain"
	"missionline/internal/statussync"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

type fakeStore struct {
	mu         sync.Mutex
	missions   map[string]domain.Mission
	sub        chan domain.Mission
	subscribes int
	failLeft   int
	// blockLeft pulls wait for their deadline instead of answering
	blockLeft int
}

func newFakeStore(ms ...domain.Mission) *fakeStore {
	f := &fakeStore{missions: map[string]domain.Mission{}}
	for _, m := range ms {
		f.missions[m.ID] = m
	}
	return f
}

func mission(id string, status domain.MissionStatus) domain.Mission {
	return domain.Mission{ID: id, OrgID: "org-1", Status: status, CreatedAt: "2024-01-01T00:00:00.000000Z"}
}

func (f *fakeStore) GetMission(_ context.Context, id string) (domain.Mission, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	m, ok := f.missions[id]
	if !ok {
		return m, errors.New("not found")
	}
	return m, nil
}

func (f *fakeStore) ListMissions(ctx context.Context, _ string, _ int, _ string) ([]domain.Mission, string, error) {
	f.mu.Lock()
	if f.blockLeft > 0 {
		f.blockLeft--
		f.mu.Unlock()
		<-ctx.Done()
		return nil, "", ctx.Err()
	}
	defer f.mu.Unlock()
	if f.failLeft > 0 {
		f.failLeft--
		return nil, "", context.DeadlineExceeded
	}
	out := make([]domain.Mission, 0, len(f.missions))
	for _, m := range f.missions {
		out = append(out, m)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, "", nil
}

func (f *fakeStore) UpdateMissionStatus(_ context.Context, id string, status domain.MissionStatus, _ string) (domain.Mission, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	m, ok := f.missions[id]
	if !ok {
		return m, errors.New("not found")
	}
	if err := domain.EnsureMissionTransition(m.Status, status); err != nil {
		return m, err
	}
	m.Status = status
	f.missions[id] = m
	return m, nil
}

func (f *fakeStore) SubscribeMissionChanges(_ context.Context, _ string) (<-chan domain.Mission, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.subscribes++
	f.sub = make(chan domain.Mission, 16)
	return f.sub, nil
}

// emit stores m and pushes it to the live subscription.
func (f *fakeStore) emit(m domain.Mission) {
	f.mu.Lock()
	f.missions[m.ID] = m
	sub := f.sub
	f.mu.Unlock()
	if sub != nil {
		sub <- m
	}
}

// pushOnly delivers m on the subscription without changing the store.
func (f *fakeStore) pushOnly(t *testing.T, m domain.Mission) {
	f.mu.Lock()
	sub := f.sub
	f.mu.Unlock()
	require.NotNil(t, sub)
	sub <- m
}

func (f *fakeStore) closeSub() {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.sub != nil {
		close(f.sub)
		f.sub = nil
	}
}

func (f *fakeStore) subscribeCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.subscribes
}

func options() statussync.Options {
	cfg := config.Default().Sync
	cfg.PollInterval = 5 * time.Millisecond
	return statussync.Options{Config: cfg, PullTimeout: time.Second, ActorID: "tester"}
}

func start(t *testing.T, store statussync.Store) *statussync.Synchronizer {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	s := statussync.New(store, "org-1", options())
	done := make(chan error, 1)
	go func() { done <- s.Run(ctx) }()
	t.Cleanup(func() {
		cancel()
		for range s.Updates() {
		}
		require.NoError(t, <-done)
	})
	return s
}

func next(t *testing.T, s *statussync.Synchronizer, match func(statussync.Update) bool) statussync.Update {
	t.Helper()
	timeout := time.After(2 * time.Second)
	for {
		select {
		case u, ok := <-s.Updates():
			require.True(t, ok, "updates closed")
			if match(u) {
				return u
			}
		case <-timeout:
			t.Fatal("timed out waiting for update")
		}
	}
}

func changeOf(id string) func(statussync.Update) bool {
	return func(u statussync.Update) bool {
		return u.Kind == statussync.StatusChanged && u.Mission.ID == id
	}
}

func TestStatusOnlyMovesForward(t *testing.T) {
	store := newFakeStore(mission("m1", domain.StatusQueued))
	s := start(t, store)

	u := next(t, s, changeOf("m1"))
	require.Equal(t, domain.StatusQueued, u.Mission.Status)
	require.Equal(t, domain.StatusUnknown, u.Previous)
	require.Eventually(t, func() bool { return store.subscribeCount() >= 1 }, 2*time.Second, 5*time.Millisecond)

	store.emit(mission("m1", domain.StatusProcessing))
	u = next(t, s, changeOf("m1"))
	require.Equal(t, domain.StatusProcessing, u.Mission.Status)

	// stale push is dropped; the next change seen is completion
	store.pushOnly(t, mission("m1", domain.StatusQueued))
	store.emit(mission("m1", domain.StatusCompleted))
	u = next(t, s, changeOf("m1"))
	require.Equal(t, domain.StatusCompleted, u.Mission.Status)
	require.Equal(t, domain.StatusProcessing, u.Previous)

	// a differing terminal status arriving later wins
	store.emit(mission("m1", domain.StatusFailed))
	u = next(t, s, changeOf("m1"))
	require.Equal(t, domain.StatusFailed, u.Mission.Status)
	require.Equal(t, domain.StatusCompleted, u.Previous)

	st, ok := s.Status("m1")
	require.True(t, ok)
	require.Equal(t, domain.StatusFailed, st)
}

func TestCancelFreezesMission(t *testing.T) {
	store := newFakeStore(mission("m1", domain.StatusQueued), mission("m2", domain.StatusQueued))
	s := start(t, store)
	next(t, s, changeOf("m1"))
	require.Eventually(t, func() bool { return store.subscribeCount() >= 1 }, 2*time.Second, 5*time.Millisecond)

	require.NoError(t, s.Cancel(context.Background(), "m1"))
	st, _ := s.Status("m1")
	require.Equal(t, domain.StatusCancelled, st)
	u := next(t, s, changeOf("m1"))
	require.Equal(t, domain.StatusCancelled, u.Mission.Status)

	store.pushOnly(t, mission("m1", domain.StatusProcessing))
	store.emit(mission("m2", domain.StatusProcessing))
	u = next(t, s, func(u statussync.Update) bool {
		return u.Kind == statussync.StatusChanged && u.Mission.Status != domain.StatusQueued
	})
	require.Equal(t, "m2", u.Mission.ID)

	st, _ = s.Status("m1")
	require.Equal(t, domain.StatusCancelled, st)
	require.ErrorIs(t, s.Cancel(context.Background(), "m1"), domain.ErrAlreadyTerminal)
}

func TestCancelReportsStoreTerminal(t *testing.T) {
	store := newFakeStore(mission("m1", domain.StatusCompleted))
	s := statussync.New(store, "org-1", options())

	err := s.Cancel(context.Background(), "m1")
	require.ErrorIs(t, err, domain.ErrAlreadyTerminal)
	st, ok := s.Status("m1")
	require.True(t, ok)
	require.Equal(t, domain.StatusCompleted, st)
	require.Len(t, s.Snapshot(), 1)
}

func TestDegradedAfterConsecutiveFailures(t *testing.T) {
	store := newFakeStore(mission("m1", domain.StatusQueued))
	store.failLeft = 5
	s := start(t, store)

	health := func(u statussync.Update) bool { return u.Kind != statussync.StatusChanged }
	u := next(t, s, health)
	require.Equal(t, statussync.SyncDegraded, u.Kind)
	require.ErrorIs(t, u.Err, context.DeadlineExceeded)

	u = next(t, s, health)
	require.Equal(t, statussync.SyncRecovered, u.Kind)

	st, ok := s.Status("m1")
	require.True(t, ok)
	require.Equal(t, domain.StatusQueued, st)
}

func TestPullTimeoutCountsAsFailure(t *testing.T) {
	store := newFakeStore(mission("m1", domain.StatusQueued))
	store.blockLeft = 3
	opts := options()
	opts.PullTimeout = 20 * time.Millisecond
	opts.Config.FailureThreshold = 3
	ctx, cancel := context.WithCancel(context.Background())
	s := statussync.New(store, "org-1", opts)
	done := make(chan error, 1)
	go func() { done <- s.Run(ctx) }()
	t.Cleanup(func() {
		cancel()
		for range s.Updates() {
		}
		require.NoError(t, <-done)
	})

	health := func(u statussync.Update) bool { return u.Kind != statussync.StatusChanged }
	u := next(t, s, health)
	require.Equal(t, statussync.SyncDegraded, u.Kind)
	require.ErrorIs(t, u.Err, context.DeadlineExceeded)
	u = next(t, s, health)
	require.Equal(t, statussync.SyncRecovered, u.Kind)
}

func TestCancelAfterRunReturnsUpdatesView(t *testing.T) {
	store := newFakeStore(mission("m1", domain.StatusQueued))
	ctx, cancel := context.WithCancel(context.Background())
	s := statussync.New(store, "org-1", options())
	done := make(chan error, 1)
	go func() { done <- s.Run(ctx) }()
	next(t, s, changeOf("m1"))
	cancel()
	for range s.Updates() {
	}
	require.NoError(t, <-done)

	require.NoError(t, s.Cancel(context.Background(), "m1"))
	st, ok := s.Status("m1")
	require.True(t, ok)
	require.Equal(t, domain.StatusCancelled, st)
}

func TestSubscriptionReestablishedOnNextPull(t *testing.T) {
	store := newFakeStore(mission("m1", domain.StatusQueued))
	s := start(t, store)
	next(t, s, changeOf("m1"))
	require.Eventually(t, func() bool { return store.subscribeCount() >= 1 }, 2*time.Second, 5*time.Millisecond)

	store.closeSub()
	require.Eventually(t, func() bool { return store.subscribeCount() >= 2 }, 2*time.Second, 5*time.Millisecond)

	store.emit(mission("m1", domain.StatusProcessing))
	u := next(t, s, changeOf("m1"))
	require.Equal(t, domain.StatusProcessing, u.Mission.Status)
}

func TestRunTwice(t *testing.T) {
	store := newFakeStore()
	s := start(t, store)
	require.Eventually(t, func() bool { return store.subscribeCount() >= 1 }, 2*time.Second, 5*time.Millisecond)
	require.ErrorIs(t, s.Run(context.Background()), statussync.ErrAlreadyRunning)
}
