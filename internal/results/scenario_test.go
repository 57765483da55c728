package results_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"missionline/internal/config"
	"missionline/internal/db"
	"missionline/internal/domain"
	"missionline/internal/engine"
	"missionline/internal/engine/auth"
	"missionline/internal/migrate"
	"missionline/internal/results"
)

func TestMissionLifecycleGrouping(t *testing.T) {
	conn, err := db.Open(db.Config{Workspace: t.TempDir()})
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })
	require.NoError(t, migrate.Migrate(conn))

	eng := engine.New(conn, config.Default())
	clock := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	eng.Now = func() time.Time {
		clock = clock.Add(time.Second)
		return clock
	}
	ctx := context.Background()
	_, err = eng.Repo.CreateOrg(ctx, domain.Organization{ID: "org-1", Credits: 3})
	require.NoError(t, err)
	principal := auth.Principal{ActorID: "u1", OrgID: "org-1"}

	busy, err := eng.Submit(ctx, engine.SubmitOptions{Principal: principal, OrgID: "org-1", Query: "fintech founders", Platform: "linkedin"})
	require.NoError(t, err)
	idle, err := eng.Submit(ctx, engine.SubmitOptions{Principal: principal, OrgID: "org-1", Query: "bakeries", Platform: "google_maps"})
	require.NoError(t, err)

	_, err = eng.UpdateMissionStatus(ctx, busy.ID, domain.StatusProcessing, "worker")
	require.NoError(t, err)
	intent := 91
	_, err = eng.AppendResult(ctx, engine.ResultInput{MissionID: busy.ID, IntentScore: &intent, Payload: domain.Payload{"name": "Grace"}})
	require.NoError(t, err)
	_, err = eng.AppendResult(ctx, engine.ResultInput{MissionID: busy.ID, Payload: domain.Payload{"name": "Linus"}})
	require.NoError(t, err)
	done, err := eng.UpdateMissionStatus(ctx, busy.ID, domain.StatusCompleted, "worker")
	require.NoError(t, err)
	require.Equal(t, domain.StatusCompleted, done.Status)

	agg := results.New(eng, eng.Config.Results)
	groups, err := agg.GroupByMission(ctx, "org-1", results.Query{})
	require.NoError(t, err)
	require.Len(t, groups, 2)
	require.Equal(t, idle.ID, groups[0].Mission.ID)
	require.Empty(t, groups[0].Results)
	require.Equal(t, busy.ID, groups[1].Mission.ID)
	require.Len(t, groups[1].Results, 2)

	groups, err = agg.GroupByMission(ctx, "org-1", results.Query{Filter: "highIntent"})
	require.NoError(t, err)
	require.Len(t, groups, 2)
	require.Len(t, groups[1].Results, 1)
	require.Equal(t, "Grace", groups[1].Results[0].Payload.String("name"))
}
