package repo_test

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"testing"

	"missionline/internal/db"
	"missionline/internal/domain"
	"missionline/internal/migrate"
	"missionline/internal/repo"
)

func openRepo(t *testing.T) (repo.Repo, context.Context) {
	t.Helper()
	conn, err := db.Open(db.Config{Workspace: t.TempDir()})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { _ = conn.Close() })
	if err := migrate.Migrate(conn); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	r := repo.Repo{DB: conn}
	ctx := context.Background()
	if _, err := r.CreateOrg(ctx, domain.Organization{ID: "org-1", Credits: 5}); err != nil {
		t.Fatalf("create org: %v", err)
	}
	return r, ctx
}

func withTx(t *testing.T, r repo.Repo, fn func(tx *sql.Tx) error) {
	t.Helper()
	tx, err := r.DB.Begin()
	if err != nil {
		t.Fatal(err)
	}
	defer tx.Rollback()
	if err := fn(tx); err != nil {
		t.Fatal(err)
	}
	if err := tx.Commit(); err != nil {
		t.Fatal(err)
	}
}

func ts(i int) string {
	return fmt.Sprintf("2024-01-01T00:00:%02d.000000Z", i)
}

func seedMission(t *testing.T, r repo.Repo, id string, i int) {
	t.Helper()
	withTx(t, r, func(tx *sql.Tx) error {
		return r.InsertMissionTx(context.Background(), tx, domain.Mission{
			ID: id, OrgID: "org-1", UserID: "u1", Query: "q " + id, Platform: domain.PlatformLinkedIn,
			Priority: 1, ComplianceMode: domain.ComplianceStandard, Status: domain.StatusQueued,
			CreatedAt: ts(i), UpdatedAt: ts(i),
		})
	})
}

func TestListMissionsPagesNewestFirst(t *testing.T) {
	r, ctx := openRepo(t)
	for i := 0; i < 5; i++ {
		seedMission(t, r, fmt.Sprintf("m%d", i), i)
	}
	page, next, err := r.ListMissions(ctx, "org-1", 2, "")
	if err != nil {
		t.Fatal(err)
	}
	if len(page) != 2 || page[0].ID != "m4" || page[1].ID != "m3" || next == "" {
		t.Fatalf("unexpected first page %+v next=%q", page, next)
	}
	var all []string
	cursor := ""
	for {
		page, next, err := r.ListMissions(ctx, "org-1", 2, cursor)
		if err != nil {
			t.Fatal(err)
		}
		for _, m := range page {
			all = append(all, m.ID)
		}
		if next == "" {
			break
		}
		cursor = next
	}
	if fmt.Sprint(all) != "[m4 m3 m2 m1 m0]" {
		t.Fatalf("unexpected order %v", all)
	}
	if _, _, err := r.ListMissions(ctx, "org-1", 2, "garbage"); err == nil {
		t.Fatalf("expected malformed cursor error")
	}
}

func TestResultsAreAppendOnly(t *testing.T) {
	r, ctx := openRepo(t)
	seedMission(t, r, "m1", 1)
	intent := 90
	withTx(t, r, func(tx *sql.Tx) error {
		return r.InsertResultTx(ctx, tx, domain.Result{ID: "r1", MissionID: "m1", Payload: domain.Payload{"name": "Ada"}, IntentScore: &intent, CreatedAt: ts(2)})
	})
	if _, err := r.DB.ExecContext(ctx, `UPDATE results SET verified=1 WHERE id='r1'`); err == nil {
		t.Fatalf("expected update to be rejected")
	}
	got, err := r.ListResults(ctx, repo.ResultScope{OrgID: "org-1"})
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 1 || got[0].Intent() != 90 || got[0].ClarityScore != nil || got[0].Payload.String("name") != "Ada" {
		t.Fatalf("unexpected results %+v", got)
	}
}

func TestClaimEligibleOncePerVersion(t *testing.T) {
	r, ctx := openRepo(t)
	seedMission(t, r, "m1", 1)
	seedMission(t, r, "m2", 2)
	high, low, top := 90, 50, 99
	withTx(t, r, func(tx *sql.Tx) error {
		for _, res := range []domain.Result{
			{ID: "r1", MissionID: "m1", IntentScore: &high, CreatedAt: ts(3)},
			{ID: "r2", MissionID: "m1", IntentScore: &low, CreatedAt: ts(3)},
			{ID: "r3", MissionID: "m1", CreatedAt: ts(3)},
			{ID: "r4", MissionID: "m2", IntentScore: &top, CreatedAt: ts(3)},
		} {
			if err := r.InsertResultTx(ctx, tx, res); err != nil {
				return err
			}
		}
		return r.InsertEndpointTx(ctx, tx, domain.Endpoint{ID: "e1", OrgID: "org-1", URL: "http://x", Kind: domain.EndpointWebhook, Enabled: true, Version: 1, CreatedAt: ts(1), UpdatedAt: ts(1)})
	})
	if _, err := r.DB.ExecContext(ctx, `UPDATE missions SET status='cancelled' WHERE id='m2'`); err != nil {
		t.Fatal(err)
	}
	claim := repo.EligibilityClaim{OrgID: "org-1", EndpointID: "e1", EndpointVersion: 1, Threshold: 80, Now: ts(4)}
	if n, err := r.ClaimEligible(ctx, claim); err != nil || n != 1 {
		t.Fatalf("first claim: %d %v", n, err)
	}
	if n, err := r.ClaimEligible(ctx, claim); err != nil || n != 0 {
		t.Fatalf("second claim should be ignored: %d %v", n, err)
	}
	claim.EndpointVersion = 2
	if n, err := r.ClaimEligible(ctx, claim); err != nil || n != 1 {
		t.Fatalf("version change should re-arm: %d %v", n, err)
	}
	if _, err := r.GetDeliveryState(ctx, "r4", "e1"); !errors.Is(err, repo.ErrNotFound) {
		t.Fatalf("cancelled mission result must not be claimed, got %v", err)
	}

	ok, err := r.AcquireInFlight(ctx, "r1", "e1", 2, ts(5), ts(0))
	if err != nil || !ok {
		t.Fatalf("acquire: %v %v", ok, err)
	}
	ok, err = r.AcquireInFlight(ctx, "r1", "e1", 2, ts(6), ts(0))
	if err != nil || ok {
		t.Fatalf("second acquire should fail: %v %v", ok, err)
	}

	// re-arming while an attempt is in flight keeps the marker
	claim.EndpointVersion = 3
	if n, err := r.ClaimEligible(ctx, claim); err != nil || n != 1 {
		t.Fatalf("re-arm in flight: %d %v", n, err)
	}
	ok, err = r.AcquireInFlight(ctx, "r1", "e1", 3, ts(7), ts(0))
	if err != nil || ok {
		t.Fatalf("re-armed pair must stay in flight: %v %v", ok, err)
	}
	withTx(t, r, func(tx *sql.Tx) error {
		return r.CompleteAttemptTx(ctx, tx, domain.DeliveryState{ResultID: "r1", EndpointID: "e1", EndpointVersion: 2, State: domain.PairDelivered, Attempts: 1, UpdatedAt: ts(8)})
	})
	st, err := r.GetDeliveryState(ctx, "r1", "e1")
	if err != nil || st.EndpointVersion != 3 || st.State != domain.PairEligible || st.InFlightSince != "" || st.Attempts != 0 {
		t.Fatalf("stale completion must only clear the marker: %+v %v", st, err)
	}
	ok, err = r.AcquireInFlight(ctx, "r1", "e1", 3, ts(9), ts(0))
	if err != nil || !ok {
		t.Fatalf("acquire after completion: %v %v", ok, err)
	}
	ok, err = r.AcquireInFlight(ctx, "r1", "e1", 3, ts(30), ts(25))
	if err != nil || !ok {
		t.Fatalf("stale marker should be reclaimed: %v %v", ok, err)
	}

	ok, err = r.RetriggerFailed(ctx, "r1", "e1", ts(31))
	if err != nil || ok {
		t.Fatalf("retrigger from eligible must not apply: %v %v", ok, err)
	}
	if _, err := r.RetriggerFailed(ctx, "r1", "missing", ts(31)); !errors.Is(err, repo.ErrNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
}

func TestAPIKeyRoundTrip(t *testing.T) {
	r, ctx := openRepo(t)
	key := domain.APIKey{ID: "k1", ActorID: "alice", OrgID: "org-1", Role: "worker", KeyHash: repo.HashAPIKey(" secret ")}
	if err := r.InsertAPIKey(ctx, nil, key); err != nil {
		t.Fatal(err)
	}
	got, err := r.GetAPIKeyByHash(ctx, repo.HashAPIKey("secret"))
	if err != nil {
		t.Fatal(err)
	}
	if got.OrgID != "org-1" || got.Role != "worker" || got.ActorID != "alice" {
		t.Fatalf("unexpected key %+v", got)
	}
	if err := r.DeleteAPIKey(ctx, "k1"); err != nil {
		t.Fatal(err)
	}
	if _, err := r.GetAPIKeyByHash(ctx, key.KeyHash); !errors.Is(err, repo.ErrNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
}
