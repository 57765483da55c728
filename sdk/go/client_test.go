package missionlinesdk

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestClientRoutesAndAuth(t *testing.T) {
	var seen []string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seen = append(seen, r.Method+" "+r.URL.RequestURI())
		assert.Equal(t, "k1", r.Header.Get("X-Api-Key"))
		switch r.URL.Path {
		case "/v0/orgs/org-1/missions":
			if r.Method == http.MethodPost {
				var req MissionRequest
				assert.NoError(t, json.NewDecoder(r.Body).Decode(&req))
				w.WriteHeader(http.StatusCreated)
				_ = json.NewEncoder(w).Encode(Mission{ID: "m1", Query: req.Query, Platform: req.Platform, Status: "queued"})
				return
			}
			_ = json.NewEncoder(w).Encode(MissionPage{Items: []Mission{{ID: "m1"}}, NextCursor: "c2"})
		case "/v0/orgs/org-1/missions/import":
			assert.Equal(t, "text/csv", r.Header.Get("Content-Type"))
			data, _ := io.ReadAll(r.Body)
			assert.Equal(t, "query\nsaas\n", string(data))
			_, _ = io.WriteString(w, `{"queries":1,"created":["m2"],"failed":[],"malformed":[]}`)
		case "/v0/missions/m1/cancel":
			_, _ = io.WriteString(w, `{"mission":{"id":"m1","status":"completed"},"already_terminal":true}`)
		case "/v0/orgs/org-1/results/export":
			w.Header().Set("Content-Type", "text/csv")
			_, _ = io.WriteString(w, "name\nAda\n")
		case "/v0/deliveries/retrigger":
			w.WriteHeader(http.StatusBadRequest)
			_, _ = io.WriteString(w, `{"error":{"code":"bad_request","message":"only failed deliveries can be retriggered"}}`)
		default:
			w.WriteHeader(http.StatusNotFound)
		}
	}))
	defer srv.Close()

	c := New(srv.URL+"/", "org-1")
	c.APIKey = "k1"
	ctx := context.Background()

	m, err := c.SubmitMission(ctx, MissionRequest{Query: "saas founders", Platform: "linkedin"})
	require.NoError(t, err)
	assert.Equal(t, "saas founders", m.Query)

	page, err := c.ListMissions(ctx, 10, "c1")
	require.NoError(t, err)
	assert.Equal(t, "c2", page.NextCursor)

	rep, err := c.ImportCSV(ctx, "linkedin", "", strings.NewReader("query\nsaas\n"))
	require.NoError(t, err)
	assert.Equal(t, []string{"m2"}, rep.Created)

	m, terminal, err := c.CancelMission(ctx, "m1")
	require.NoError(t, err)
	assert.True(t, terminal)
	assert.Equal(t, "completed", m.Status)

	data, err := c.ExportResults(ctx, "verified", "", "", []string{"name", "email"})
	require.NoError(t, err)
	assert.Equal(t, "name\nAda\n", string(data))

	err = c.Retrigger(ctx, "r1", "e1")
	var apiErr *APIError
	require.ErrorAs(t, err, &apiErr)
	assert.Equal(t, http.StatusBadRequest, apiErr.StatusCode)
	assert.Equal(t, "bad_request", apiErr.Code)

	assert.Equal(t, []string{
		"POST /v0/orgs/org-1/missions",
		"GET /v0/orgs/org-1/missions?cursor=c1&limit=10",
		"POST /v0/orgs/org-1/missions/import?platform=linkedin",
		"POST /v0/missions/m1/cancel",
		"GET /v0/orgs/org-1/results/export?columns=name%2Cemail&filter=verified",
		"POST /v0/deliveries/retrigger",
	}, seen)
}

func TestBearerTokenWins(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "Bearer t1", r.Header.Get("Authorization"))
		assert.Empty(t, r.Header.Get("X-Api-Key"))
		_, _ = io.WriteString(w, `{"delivered":2,"failed":1}`)
	}))
	defer srv.Close()

	c := New(srv.URL, "org-1")
	c.APIKey, c.BearerToken = "k1", "t1"
	rep, err := c.SyncDeliveries(context.Background())
	require.NoError(t, err)
	assert.Equal(t, SyncReport{Delivered: 2, Failed: 1}, rep)
}
