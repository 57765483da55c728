package results_test

import (
	"bytes"
	"context"
	"errors"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"missionline/internal/config"
	"missionline/internal/domain"
	"missionline/internal/repo"
	"missionline/internal/results"
)

type fakeStore struct {
	missions []domain.Mission
	results  []domain.Result
	calls    int
	err      error
}

func (f *fakeStore) ListResults(_ context.Context, scope repo.ResultScope) ([]domain.Result, error) {
	f.calls++
	if f.err != nil {
		return nil, f.err
	}
	var out []domain.Result
	for _, r := range f.results {
		if scope.MissionID == "" || r.MissionID == scope.MissionID {
			out = append(out, r)
		}
	}
	return out, nil
}

func (f *fakeStore) ListMissions(_ context.Context, _ string, _ int, _ string) ([]domain.Mission, string, error) {
	return f.missions, "", nil
}

func intp(v int) *int { return &v }

func result(id, mission string, intent *int, verified bool, created string) domain.Result {
	return domain.Result{ID: id, MissionID: mission, IntentScore: intent, Verified: verified, CreatedAt: created, Payload: domain.Payload{}}
}

func ids(rs []domain.Result) []string {
	out := make([]string, 0, len(rs))
	for _, r := range rs {
		out = append(out, r.ID)
	}
	return out
}

func newAggregator(store *fakeStore) results.Aggregator {
	return results.New(store, config.Default().Results)
}

func TestFiltersAreExact(t *testing.T) {
	store := &fakeStore{results: []domain.Result{
		result("r1", "m1", intp(79), true, "t1"),
		result("r2", "m1", intp(80), false, "t2"),
		result("r3", "m1", nil, true, "t3"),
		result("r4", "m1", intp(95), true, "t4"),
	}}
	agg := newAggregator(store)
	ctx := context.Background()

	cases := map[string][]string{
		"":           {"r4", "r3", "r2", "r1"},
		"all":        {"r4", "r3", "r2", "r1"},
		"highIntent": {"r4", "r2"},
		"verified":   {"r4", "r3", "r1"},
	}
	for filter, want := range cases {
		seq, err := agg.ResultsFor(ctx, results.Scope{OrgID: "org-1"}, results.Query{Filter: filter})
		require.NoError(t, err)
		got, err := results.Collect(seq)
		require.NoError(t, err)
		assert.Equal(t, want, ids(got), "filter %q", filter)
	}
}

func TestUnknownFilterFailsBeforeReading(t *testing.T) {
	store := &fakeStore{}
	_, err := newAggregator(store).ResultsFor(context.Background(), results.Scope{OrgID: "org-1"}, results.Query{Filter: "hot"})
	var fe domain.InvalidFilterError
	require.True(t, errors.As(err, &fe))
	assert.Equal(t, "hot", fe.Filter)
	assert.Zero(t, store.calls)
}

func TestResultsForIsRestartable(t *testing.T) {
	store := &fakeStore{results: []domain.Result{result("r1", "m1", nil, false, "t1")}}
	seq, err := newAggregator(store).ResultsFor(context.Background(), results.Scope{MissionID: "m1"}, results.Query{})
	require.NoError(t, err)

	first, err := results.Collect(seq)
	require.NoError(t, err)
	store.results = append(store.results, result("r2", "m1", nil, false, "t2"))
	second, err := results.Collect(seq)
	require.NoError(t, err)

	assert.Equal(t, []string{"r1"}, ids(first))
	assert.Equal(t, []string{"r2", "r1"}, ids(second))
	assert.Equal(t, 2, store.calls)

	store.err = errors.New("boom")
	_, err = results.Collect(seq)
	require.EqualError(t, err, "boom")
}

func TestClarityFallbackAndSort(t *testing.T) {
	withFields := result("r1", "m1", intp(10), false, "t1")
	withFields.Payload = domain.Payload{"name": "Ada", "company": "Analytical", "email": "ada@example.com", "note": "ignored"}
	scored := result("r2", "m1", intp(90), false, "t2")
	scored.ClarityScore = intp(20)
	empty := result("r3", "m1", nil, false, "t3")

	store := &fakeStore{results: []domain.Result{withFields, scored, empty}}
	agg := newAggregator(store)

	seq, err := agg.ResultsFor(context.Background(), results.Scope{OrgID: "org-1"}, results.Query{Sort: "clarity"})
	require.NoError(t, err)
	got, err := results.Collect(seq)
	require.NoError(t, err)
	require.Equal(t, []string{"r1", "r2", "r3"}, ids(got))
	assert.Equal(t, 37, got[0].Clarity())
	assert.Equal(t, 20, got[1].Clarity())
	assert.Equal(t, 0, got[2].Clarity())
	assert.Nil(t, got[2].IntentScore)

	seq, err = agg.ResultsFor(context.Background(), results.Scope{OrgID: "org-1"}, results.Query{Sort: "intent"})
	require.NoError(t, err)
	got, err = results.Collect(seq)
	require.NoError(t, err)
	assert.Equal(t, []string{"r2", "r1", "r3"}, ids(got))

	_, err = agg.ResultsFor(context.Background(), results.Scope{OrgID: "org-1"}, results.Query{Sort: "random"})
	require.Error(t, err)
}

func TestGroupIncludesEmptyMissions(t *testing.T) {
	missions := []domain.Mission{
		{ID: "m1", CreatedAt: "2024-01-01T00:00:01.000000Z"},
		{ID: "m2", CreatedAt: "2024-01-01T00:00:03.000000Z"},
		{ID: "m3", CreatedAt: "2024-01-01T00:00:02.000000Z"},
	}
	rs := []domain.Result{
		result("r1", "m1", nil, false, "t1"),
		result("r2", "m3", nil, false, "t2"),
		result("r3", "m1", nil, false, "t3"),
		result("rx", "gone", nil, false, "t4"),
	}
	groups := results.Group(missions, rs)
	require.Len(t, groups, 3)
	assert.Equal(t, "m2", groups[0].Mission.ID)
	assert.Empty(t, groups[0].Results)
	assert.Equal(t, []string{"r2"}, ids(groups[1].Results))
	assert.Equal(t, []string{"r1", "r3"}, ids(groups[2].Results))
}

func TestCSVRoundTrip(t *testing.T) {
	in := []domain.Result{
		{
			ID: "r1", MissionID: "m1", ClarityScore: intp(50), IntentScore: intp(88), Verified: true,
			CreatedAt: "2024-01-01T00:00:00.000000Z",
			Payload: domain.Payload{
				"name":    "Doe, Jane",
				"title":   `Head of "Growth"`,
				"company": "Multi\nLine Inc",
				"email":   "jane@example.com",
			},
		},
		{
			ID: "r2", MissionID: "m1", CreatedAt: "2024-01-01T00:00:01.000000Z",
			Payload: domain.Payload{"website": "https://example.com/?a=1,b=2"},
		},
	}
	var buf bytes.Buffer
	require.NoError(t, results.WriteCSV(&buf, in, nil))

	out, err := results.ParseCSV(&buf)
	require.NoError(t, err)
	if diff := cmp.Diff(in, out); diff != "" {
		t.Fatalf("round trip mismatch (-want +got):\n%s", diff)
	}
}

func TestCSVHeaderAndMissingFields(t *testing.T) {
	data, err := results.ToCSV([]domain.Result{{ID: "r1", MissionID: "m1", Payload: domain.Payload{"name": "Ada", "extra": "x"}}},
		[]string{"result_id", "name", "phone", "extra"})
	require.NoError(t, err)
	assert.Equal(t, "result_id,name,phone,extra\nr1,Ada,,x\n", string(data))
}
