package bulk_test

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"missionline/internal/bulk"
	"missionline/internal/config"
	"missionline/internal/db"
	"missionline/internal/domain"
	"missionline/internal/engine"
	"missionline/internal/engine/auth"
	"missionline/internal/migrate"
)

type fakeSubmitter struct {
	mu       sync.Mutex
	requests []bulk.Request
	reject   map[string]error
	err      error
}

func (f *fakeSubmitter) SubmitBulk(_ context.Context, req bulk.Request) ([]bulk.Outcome, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.requests = append(f.requests, req)
	if f.err != nil {
		return nil, f.err
	}
	out := make([]bulk.Outcome, len(req.Items))
	for i, item := range req.Items {
		out[i] = bulk.Outcome{Item: item, MissionID: "m-" + item}
		if err, ok := f.reject[item]; ok {
			out[i] = bulk.Outcome{Item: item, Err: err}
		}
	}
	return out, nil
}

func (f *fakeSubmitter) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.requests)
}

func TestIngestCSV(t *testing.T) {
	src := bulk.CSVText("leads.csv", "\ufeffquery,notes\r\n"+
		"\n"+
		"fintech founders,priority\r\n"+
		"\"Doe, Jane\",quoted\n"+
		"   \n"+
		"\"broken,line\n"+
		"bad\x07bell,x\n"+
		",empty first column\n"+
		strings.Repeat("a", 501)+"\n"+
		"bakeries in lyon\n")

	batch, err := bulk.Ingest(src, "linkedin")
	require.NoError(t, err)
	assert.Equal(t, "leads.csv", batch.Source)
	assert.Equal(t, []string{"fintech founders", "Doe, Jane", "bakeries in lyon"}, batch.Queries)
	require.Len(t, batch.Malformed, 3)
	assert.Equal(t, 6, batch.Malformed[0].Line)
	assert.Equal(t, "control characters", batch.Malformed[1].Reason)
	assert.Equal(t, 9, batch.Malformed[2].Line)
	assert.Contains(t, batch.Malformed[2].Reason, "longer than 500")
}

func TestIngestCSVMalformedHeaderKeepsFirstQuery(t *testing.T) {
	batch, err := bulk.Ingest(bulk.CSVText("leads.csv", "\"query\n\"SaaS CEOs in Austin\"\nfintech CFOs\n"), "linkedin")
	require.NoError(t, err)
	assert.Equal(t, []string{"SaaS CEOs in Austin", "fintech CFOs"}, batch.Queries)
	require.Len(t, batch.Malformed, 1)
	assert.Equal(t, 1, batch.Malformed[0].Line)
	assert.Contains(t, batch.Malformed[0].Reason, "header")
}

func TestIngestText(t *testing.T) {
	batch, err := bulk.Ingest(bulk.TextSource("  saas cto  \n\n\r\nplumbers, berlin\n"), "google_maps")
	require.NoError(t, err)
	assert.Equal(t, []string{"saas cto", "plumbers, berlin"}, batch.Queries)
	assert.Empty(t, batch.Malformed)
}

func TestIngestMissingFile(t *testing.T) {
	_, err := bulk.Ingest(bulk.FileSource(filepath.Join(t.TempDir(), "nope.csv")), "linkedin")
	require.Error(t, err)
	assert.True(t, errors.Is(err, os.ErrNotExist))
}

func TestCoordinatorReportsPerItem(t *testing.T) {
	sub := &fakeSubmitter{reject: map[string]error{"b": domain.ValidationError{Field: "query", Reason: "nope"}}}
	c := bulk.Coordinator{Submitter: sub}
	report, err := c.Run(context.Background(), bulk.TextSource("a\nb\nc\n\x01\n"), bulk.Options{OrgID: "org-1", Platform: "reddit"})
	require.NoError(t, err)
	assert.Equal(t, 3, report.Queries)
	assert.Equal(t, []string{"m-a", "m-c"}, report.Created)
	require.Len(t, report.Failed, 1)
	assert.Equal(t, "b", report.Failed[0].Query)
	assert.Len(t, report.Malformed, 1)
	require.Len(t, sub.requests, 1)
	assert.Equal(t, "reddit", sub.requests[0].Platform)
}

func TestCoordinatorTransportFailureFailsEveryItem(t *testing.T) {
	sub := &fakeSubmitter{err: errors.New("connection refused")}
	report, err := bulk.Coordinator{Submitter: sub}.Run(context.Background(), bulk.TextSource("a\nb"), bulk.Options{OrgID: "org-1"})
	require.NoError(t, err)
	assert.Empty(t, report.Created)
	assert.Len(t, report.Failed, 2)
	assert.Equal(t, "connection refused", report.Failed[1].Error)
}

func TestCoordinatorWithEngine(t *testing.T) {
	conn, err := db.Open(db.Config{Workspace: t.TempDir()})
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })
	require.NoError(t, migrate.Migrate(conn))
	eng := engine.New(conn, config.Default())
	_, err = eng.Repo.CreateOrg(context.Background(), domain.Organization{ID: "org-1", Credits: 1})
	require.NoError(t, err)

	dir := t.TempDir()
	path := filepath.Join(dir, "batch.csv")
	require.NoError(t, os.WriteFile(path, []byte("query\nsaas founders\nhr leads\n"), 0o644))

	c := bulk.Coordinator{Submitter: bulk.EngineSubmitter{Engine: eng, Principal: auth.Principal{ActorID: "u1", OrgID: "org-1"}}}
	report, err := c.Run(context.Background(), bulk.FileSource(path), bulk.Options{OrgID: "org-1", Platform: "linkedin"})
	require.NoError(t, err)
	assert.Len(t, report.Created, 2)
	assert.Empty(t, report.Failed)

	report, err = c.Run(context.Background(), bulk.FileSource(path), bulk.Options{OrgID: "org-1", Platform: "myspace"})
	require.NoError(t, err)
	assert.Empty(t, report.Created)
	assert.Len(t, report.Failed, 2)
}

func TestWatcherSubmitsNewFiles(t *testing.T) {
	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())
	dir := t.TempDir()
	sub := &fakeSubmitter{}
	reports := make(chan bulk.Report, 4)
	w := &bulk.Watcher{
		Dir:         dir,
		Coordinator: bulk.Coordinator{Submitter: sub},
		Options:     bulk.Options{OrgID: "org-1", Platform: "linkedin"},
		Settle:      50 * time.Millisecond,
		OnReport: func(_ string, r bulk.Report, err error) {
			assert.NoError(t, err)
			reports <- r
		},
	}
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- w.Run(ctx) }()
	defer func() {
		cancel()
		require.NoError(t, <-done)
	}()

	// give the watch time to register
	time.Sleep(100 * time.Millisecond)
	require.NoError(t, os.WriteFile(filepath.Join(dir, "notes.txt"), []byte("ignored\n"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "leads.csv"), []byte("query\nfintech founders\nbakeries\n"), 0o644))

	select {
	case r := <-reports:
		assert.Equal(t, []string{"m-fintech founders", "m-bakeries"}, r.Created)
	case <-time.After(3 * time.Second):
		t.Fatal("no report for leads.csv")
	}
	assert.Equal(t, 1, sub.count())
}
