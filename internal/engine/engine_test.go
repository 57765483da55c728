package engine_test

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"missionline/internal/config"
	"missionline/internal/db"
	"missionline/internal/domain"
	"missionline/internal/engine"
	"missionline/internal/engine/auth"
	"missionline/internal/migrate"
	"missionline/internal/repo"
)

type testEnv struct {
	Engine    engine.Engine
	Ctx       context.Context
	Principal auth.Principal
}

func newTestEnv(t *testing.T) testEnv {
	t.Helper()
	dir := t.TempDir()
	conn, err := db.Open(db.Config{Workspace: dir})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { _ = conn.Close() })
	if err := migrate.Migrate(conn); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	cfg := config.Default()
	cfg.Sync.FeedInterval = 10 * time.Millisecond
	eng := engine.New(conn, cfg)
	eng.Now = func() time.Time { return time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC) }
	ctx := context.Background()
	if _, err := eng.Repo.CreateOrg(ctx, domain.Organization{ID: "org-1", Credits: 10}); err != nil {
		t.Fatalf("create org: %v", err)
	}
	return testEnv{Engine: eng, Ctx: ctx, Principal: auth.Principal{ActorID: "tester", OrgID: "org-1"}}
}

func (env testEnv) submit(t *testing.T, query string) domain.Mission {
	t.Helper()
	m, err := env.Engine.Submit(env.Ctx, engine.SubmitOptions{
		Principal: env.Principal, OrgID: "org-1", Query: query, Platform: "linkedin",
	})
	if err != nil {
		t.Fatalf("submit %q: %v", query, err)
	}
	return m
}

func TestSubmitCreatesQueuedMission(t *testing.T) {
	env := newTestEnv(t)
	m := env.submit(t, "  CTOs in Berlin  ")
	if m.Status != domain.StatusQueued || m.Query != "CTOs in Berlin" || m.Priority != 1 || m.ComplianceMode != domain.ComplianceStandard {
		t.Fatalf("unexpected mission %+v", m)
	}
	if m.UserID != "tester" {
		t.Fatalf("user should default to principal, got %q", m.UserID)
	}
	got, err := env.Engine.GetMission(env.Ctx, m.ID)
	if err != nil || got.ID != m.ID {
		t.Fatalf("get mission: %v", err)
	}
	evts, err := env.Engine.Repo.EventsAfter(env.Ctx, 10, 0, "org-1")
	if err != nil {
		t.Fatal(err)
	}
	if len(evts) != 1 || evts[0].Type != "mission.created" || evts[0].EntityID != m.ID {
		t.Fatalf("expected one creation event, got %+v", evts)
	}
}

func TestSubmitValidation(t *testing.T) {
	env := newTestEnv(t)
	long := make([]byte, 501)
	for i := range long {
		long[i] = 'a'
	}
	cases := []struct {
		name  string
		opts  engine.SubmitOptions
		field string
	}{
		{"empty query", engine.SubmitOptions{Query: "   ", Platform: "linkedin"}, "query"},
		{"too long", engine.SubmitOptions{Query: string(long), Platform: "linkedin"}, "query"},
		{"platform", engine.SubmitOptions{Query: "x", Platform: "myspace"}, "platform"},
		{"mode", engine.SubmitOptions{Query: "x", Platform: "reddit", ComplianceMode: "lax"}, "compliance_mode"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			tc.opts.Principal = env.Principal
			tc.opts.OrgID = "org-1"
			_, err := env.Engine.Submit(env.Ctx, tc.opts)
			var ve domain.ValidationError
			if !errors.As(err, &ve) || ve.Field != tc.field {
				t.Fatalf("expected validation error on %s, got %v", tc.field, err)
			}
		})
	}
	page, _, err := env.Engine.ListMissions(env.Ctx, "org-1", 10, "")
	if err != nil || len(page) != 0 {
		t.Fatalf("invalid submissions must not persist: %v %v", page, err)
	}
}

func TestSubmitAuthorization(t *testing.T) {
	env := newTestEnv(t)
	ctx := env.Ctx
	_, err := env.Engine.Submit(ctx, engine.SubmitOptions{OrgID: "org-1", Query: "x", Platform: "linkedin"})
	var ae domain.AuthorizationError
	if !errors.As(err, &ae) {
		t.Fatalf("expected authorization error without session, got %v", err)
	}
	zero := 0
	if err := env.Engine.Repo.UpdateOrg(ctx, "org-1", nil, &zero); err != nil {
		t.Fatal(err)
	}
	_, err = env.Engine.Submit(ctx, engine.SubmitOptions{Principal: env.Principal, OrgID: "org-1", Query: "x", Platform: "linkedin"})
	if !errors.As(err, &ae) {
		t.Fatalf("expected authorization error without credits, got %v", err)
	}
	_, err = env.Engine.Submit(ctx, engine.SubmitOptions{Principal: auth.Principal{ActorID: "x"}, OrgID: "missing", Query: "x", Platform: "linkedin"})
	if !errors.As(err, &ae) {
		t.Fatalf("expected authorization error for unknown org, got %v", err)
	}
}

func TestSubmitTimeoutIsTransient(t *testing.T) {
	env := newTestEnv(t)
	env.Engine.Authorizer = auth.AllowAll
	// the store has one connection; holding it makes every insert wait
	held, err := env.Engine.DB.Begin()
	if err != nil {
		t.Fatal(err)
	}
	defer held.Rollback()

	t.Run("caller deadline", func(t *testing.T) {
		ctx, cancel := context.WithTimeout(env.Ctx, 20*time.Millisecond)
		defer cancel()
		_, err := env.Engine.Submit(ctx, engine.SubmitOptions{Principal: env.Principal, OrgID: "org-1", Query: "x", Platform: "linkedin"})
		var te domain.TransientNetworkError
		if !errors.As(err, &te) || !errors.Is(err, context.DeadlineExceeded) {
			t.Fatalf("expected transient deadline error, got %v", err)
		}
	})
	t.Run("submit timeout", func(t *testing.T) {
		env.Engine.Config.Timeouts.Submit = 20 * time.Millisecond
		_, err := env.Engine.Submit(env.Ctx, engine.SubmitOptions{Principal: env.Principal, OrgID: "org-1", Query: "x", Platform: "linkedin"})
		if !domain.IsTransient(err) {
			t.Fatalf("expected transient error, got %v", err)
		}
	})
}

func TestSubmitClampsPriority(t *testing.T) {
	env := newTestEnv(t)
	high, low := 42, -3
	m, err := env.Engine.Submit(env.Ctx, engine.SubmitOptions{Principal: env.Principal, OrgID: "org-1", Query: "a", Platform: "tiktok", Priority: &high})
	if err != nil || m.Priority != 10 {
		t.Fatalf("expected clamp to 10: %v %d", err, m.Priority)
	}
	m, err = env.Engine.Submit(env.Ctx, engine.SubmitOptions{Principal: env.Principal, OrgID: "org-1", Query: "b", Platform: "tiktok", Priority: &low})
	if err != nil || m.Priority != 0 {
		t.Fatalf("expected clamp to 0: %v %d", err, m.Priority)
	}
}

func TestSubmitBulkIsolatesFailures(t *testing.T) {
	env := newTestEnv(t)
	items := make([]string, 10)
	for i := range items {
		items[i] = fmt.Sprintf("query %d", i)
	}
	items[4] = ""
	out := env.Engine.SubmitBulk(env.Ctx, engine.BulkOptions{Principal: env.Principal, OrgID: "org-1", Items: items, Platform: "google_maps"})
	if len(out.Created) != 9 || len(out.Failed) != 1 || out.Failed[0].Index != 4 {
		t.Fatalf("expected 9 created and item 4 failed, got %d/%+v", len(out.Created), out.Failed)
	}
	if len(out.Items) != 10 {
		t.Fatalf("every item needs an outcome")
	}
	for i, o := range out.Items {
		if o.Index != i || o.Item != items[i] {
			t.Fatalf("outcome %d out of order: %+v", i, o)
		}
	}
	for i, m := range out.Created {
		want := i
		if i >= 4 {
			want = i + 1
		}
		if m.Query != fmt.Sprintf("query %d", want) {
			t.Fatalf("created order broken at %d: %s", i, m.Query)
		}
	}
}

func TestMissionStatusTransitions(t *testing.T) {
	env := newTestEnv(t)
	m := env.submit(t, "founders")
	m, err := env.Engine.UpdateMissionStatus(env.Ctx, m.ID, domain.StatusProcessing, "worker")
	if err != nil || m.Status != domain.StatusProcessing {
		t.Fatalf("to processing: %v", err)
	}
	// repeated report is a no-op
	if _, err := env.Engine.UpdateMissionStatus(env.Ctx, m.ID, domain.StatusProcessing, "worker"); err != nil {
		t.Fatalf("repeat processing: %v", err)
	}
	if _, err := env.Engine.UpdateMissionStatus(env.Ctx, m.ID, domain.StatusQueued, "worker"); err == nil {
		t.Fatalf("expected backwards transition error")
	}
	m, err = env.Engine.UpdateMissionStatus(env.Ctx, m.ID, domain.StatusCompleted, "worker")
	if err != nil || m.Status != domain.StatusCompleted {
		t.Fatalf("to completed: %v", err)
	}
	if _, err := env.Engine.CancelMission(env.Ctx, m.ID, "tester"); !errors.Is(err, domain.ErrAlreadyTerminal) {
		t.Fatalf("expected ErrAlreadyTerminal, got %v", err)
	}
	if _, err := env.Engine.UpdateMissionStatus(env.Ctx, "nope", domain.StatusProcessing, "worker"); !errors.Is(err, repo.ErrNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
}

func TestAppendResultRejectsCancelledAndBadScores(t *testing.T) {
	env := newTestEnv(t)
	m := env.submit(t, "agents")
	bad := 140
	if _, err := env.Engine.AppendResult(env.Ctx, engine.ResultInput{MissionID: m.ID, IntentScore: &bad}); err == nil {
		t.Fatalf("expected score validation error")
	}
	intent := 85
	res, err := env.Engine.AppendResult(env.Ctx, engine.ResultInput{MissionID: m.ID, IntentScore: &intent, Payload: domain.Payload{"name": "Ada"}})
	if err != nil {
		t.Fatal(err)
	}
	if res.Intent() != 85 {
		t.Fatalf("unexpected result %+v", res)
	}
	if _, err := env.Engine.CancelMission(env.Ctx, m.ID, "tester"); err != nil {
		t.Fatal(err)
	}
	if _, err := env.Engine.AppendResult(env.Ctx, engine.ResultInput{MissionID: m.ID}); err == nil {
		t.Fatalf("expected rejection for cancelled mission")
	}
	if _, err := env.Engine.Capture(env.Ctx, "other-org", m.ID, domain.Payload{}, "ext"); !errors.Is(err, repo.ErrNotFound) {
		t.Fatalf("capture across orgs must look like not found, got %v", err)
	}
}

func TestEndpointVersionBumpsOnChange(t *testing.T) {
	env := newTestEnv(t)
	ep, err := env.Engine.CreateEndpoint(env.Ctx, engine.EndpointOptions{OrgID: "org-1", URL: "https://hooks.example.com/a"})
	if err != nil {
		t.Fatal(err)
	}
	if ep.Version != 1 || !ep.Enabled || env.Engine.EffectiveThreshold(ep) != 80 {
		t.Fatalf("unexpected endpoint %+v", ep)
	}
	same := "https://hooks.example.com/a"
	ep, err = env.Engine.UpdateEndpoint(env.Ctx, ep.ID, engine.EndpointPatch{URL: &same}, "tester")
	if err != nil || ep.Version != 1 {
		t.Fatalf("no-op patch must keep version: %v %d", err, ep.Version)
	}
	th := 90
	ep, err = env.Engine.UpdateEndpoint(env.Ctx, ep.ID, engine.EndpointPatch{Threshold: &th}, "tester")
	if err != nil || ep.Version != 2 || env.Engine.EffectiveThreshold(ep) != 90 {
		t.Fatalf("threshold change must bump version: %v %+v", err, ep)
	}
	if _, err := env.Engine.CreateEndpoint(env.Ctx, engine.EndpointOptions{OrgID: "org-1", URL: "ftp://nope"}); err == nil {
		t.Fatalf("expected url validation error")
	}
}

func TestSubscribeMissionChanges(t *testing.T) {
	env := newTestEnv(t)
	before := env.submit(t, "before subscribe")
	ctx, cancel := context.WithCancel(env.Ctx)
	defer cancel()
	ch, err := env.Engine.SubscribeMissionChanges(ctx, "org-1")
	if err != nil {
		t.Fatal(err)
	}
	if _, err := env.Engine.UpdateMissionStatus(env.Ctx, before.ID, domain.StatusProcessing, "worker"); err != nil {
		t.Fatal(err)
	}
	select {
	case m := <-ch:
		if m.ID != before.ID || m.Status != domain.StatusProcessing {
			t.Fatalf("unexpected change %+v", m)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("no change delivered")
	}
	cancel()
	for range ch {
	}
}
