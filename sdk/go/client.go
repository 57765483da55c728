package missionlinesdk

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"
)

// Client is a minimal Missionline HTTP API client scoped to one org.
type Client struct {
	BaseURL     string
	OrgID       string
	APIKey      string
	BearerToken string
	HTTPClient  *http.Client
	Timeout     time.Duration
}

// New creates a client with sane defaults.
func New(baseURL, orgID string) *Client {
	return &Client{
		BaseURL: baseURL,
		OrgID:   orgID,
		Timeout: 10 * time.Second,
	}
}

// Mission represents the API mission model.
type Mission struct {
	ID             string `json:"id"`
	OrgID          string `json:"org_id"`
	UserID         string `json:"user_id"`
	Query          string `json:"query"`
	Platform       string `json:"platform"`
	Priority       int    `json:"priority"`
	ComplianceMode string `json:"compliance_mode"`
	Status         string `json:"status"`
	CreatedAt      string `json:"created_at"`
	UpdatedAt      string `json:"updated_at"`
}

// Result is one lead produced for a mission.
type Result struct {
	ID           string         `json:"id"`
	MissionID    string         `json:"mission_id"`
	Payload      map[string]any `json:"payload"`
	ClarityScore *int           `json:"clarity_score,omitempty"`
	IntentScore  *int           `json:"intent_score,omitempty"`
	Verified     bool           `json:"verified"`
	CreatedAt    string         `json:"created_at"`
}

type MissionRequest struct {
	Query          string `json:"query"`
	Platform       string `json:"platform"`
	Priority       *int   `json:"priority,omitempty"`
	ComplianceMode string `json:"compliance_mode,omitempty"`
	UserID         string `json:"user_id,omitempty"`
}

type BulkRequest struct {
	Items          []string `json:"items,omitempty"`
	Text           string   `json:"text,omitempty"`
	Platform       string   `json:"platform"`
	Priority       *int     `json:"priority,omitempty"`
	ComplianceMode string   `json:"compliance_mode,omitempty"`
}

// BulkReport lists the outcome of every submitted item.
type BulkReport struct {
	Queries int      `json:"queries"`
	Created []string `json:"created"`
	Failed  []struct {
		Query string `json:"query"`
		Error string `json:"error"`
	} `json:"failed"`
	Malformed []struct {
		Line   int    `json:"line"`
		Text   string `json:"text"`
		Reason string `json:"reason"`
	} `json:"malformed"`
}

type MissionPage struct {
	Items      []Mission `json:"items"`
	NextCursor string    `json:"next_cursor"`
}

type Endpoint struct {
	ID                 string `json:"id"`
	OrgID              string `json:"org_id"`
	URL                string `json:"url"`
	Enabled            bool   `json:"enabled"`
	Threshold          int    `json:"threshold"`
	Version            int    `json:"version"`
	HasSecret          bool   `json:"has_secret"`
	EffectiveThreshold int    `json:"effective_threshold"`
}

type EndpointRequest struct {
	URL       string `json:"url"`
	Enabled   *bool  `json:"enabled,omitempty"`
	Threshold int    `json:"threshold,omitempty"`
	Secret    string `json:"secret,omitempty"`
}

type EndpointPatch struct {
	URL       *string `json:"url,omitempty"`
	Enabled   *bool   `json:"enabled,omitempty"`
	Threshold *int    `json:"threshold,omitempty"`
	Secret    *string `json:"secret,omitempty"`
}

type DeliveryRecord struct {
	ID              string `json:"id"`
	ResultID        string `json:"result_id"`
	EndpointID      string `json:"endpoint_id"`
	EndpointVersion int    `json:"endpoint_version"`
	Attempt         int    `json:"attempt"`
	Status          string `json:"status"`
	StatusCode      int    `json:"status_code,omitempty"`
	ResponseSummary string `json:"response_summary,omitempty"`
	CreatedAt       string `json:"created_at"`
}

type DeliveryState struct {
	ResultID        string `json:"result_id"`
	EndpointID      string `json:"endpoint_id"`
	EndpointVersion int    `json:"endpoint_version"`
	State           string `json:"state"`
	Attempts        int    `json:"attempts"`
	NextAttemptAt   string `json:"next_attempt_at,omitempty"`
	LastError       string `json:"last_error,omitempty"`
}

type SyncReport struct {
	Delivered int `json:"delivered"`
	Failed    int `json:"failed"`
}

// APIError wraps non-2xx responses. Code and Message come from the error
// envelope when the body carries one.
type APIError struct {
	StatusCode int
	Code       string
	Message    string
	Body       string
}

func (e *APIError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("api error: status=%d code=%s message=%s", e.StatusCode, e.Code, e.Message)
	}
	return fmt.Sprintf("api error: status=%d body=%s", e.StatusCode, e.Body)
}

// SubmitMission creates one mission.
func (c *Client) SubmitMission(ctx context.Context, req MissionRequest) (Mission, error) {
	var resp Mission
	err := c.do(ctx, http.MethodPost, c.orgPath("missions"), body(req), &resp)
	return resp, err
}

// SubmitBulk creates many missions; the report covers every item.
func (c *Client) SubmitBulk(ctx context.Context, req BulkRequest) (BulkReport, error) {
	var resp BulkReport
	err := c.do(ctx, http.MethodPost, c.orgPath("missions/bulk"), body(req), &resp)
	return resp, err
}

// ImportCSV uploads a CSV whose first column holds the queries.
func (c *Client) ImportCSV(ctx context.Context, platform, name string, csv io.Reader) (BulkReport, error) {
	q := url.Values{"platform": {platform}}
	if name != "" {
		q.Set("name", name)
	}
	var resp BulkReport
	err := c.do(ctx, http.MethodPost, c.orgPath("missions/import")+"?"+q.Encode(), payload{contentType: "text/csv", reader: csv}, &resp)
	return resp, err
}

// ListMissions returns one page of missions, newest first.
func (c *Client) ListMissions(ctx context.Context, limit int, cursor string) (MissionPage, error) {
	q := url.Values{}
	if limit > 0 {
		q.Set("limit", strconv.Itoa(limit))
	}
	if cursor != "" {
		q.Set("cursor", cursor)
	}
	var resp MissionPage
	err := c.do(ctx, http.MethodGet, withQuery(c.orgPath("missions"), q), payload{}, &resp)
	return resp, err
}

func (c *Client) GetMission(ctx context.Context, id string) (Mission, error) {
	var resp Mission
	err := c.do(ctx, http.MethodGet, "v0/missions/"+url.PathEscape(id), payload{}, &resp)
	return resp, err
}

// CancelMission cancels a mission. alreadyTerminal reports a mission that had
// finished before the request.
func (c *Client) CancelMission(ctx context.Context, id string) (m Mission, alreadyTerminal bool, err error) {
	var resp struct {
		Mission         Mission `json:"mission"`
		AlreadyTerminal bool    `json:"already_terminal"`
	}
	err = c.do(ctx, http.MethodPost, "v0/missions/"+url.PathEscape(id)+"/cancel", payload{}, &resp)
	return resp.Mission, resp.AlreadyTerminal, err
}

// Results lists the org's results. missionID narrows to one mission.
func (c *Client) Results(ctx context.Context, filter, sort, missionID string) ([]Result, error) {
	var resp []Result
	err := c.do(ctx, http.MethodGet, withQuery(c.orgPath("results"), resultsQuery(filter, sort, missionID)), payload{}, &resp)
	return resp, err
}

// ExportResults returns the results CSV.
func (c *Client) ExportResults(ctx context.Context, filter, sort, missionID string, columns []string) ([]byte, error) {
	q := resultsQuery(filter, sort, missionID)
	if len(columns) > 0 {
		q.Set("columns", strings.Join(columns, ","))
	}
	var buf bytes.Buffer
	err := c.do(ctx, http.MethodGet, withQuery(c.orgPath("results/export"), q), payload{}, &buf)
	return buf.Bytes(), err
}

func (c *Client) CreateEndpoint(ctx context.Context, req EndpointRequest) (Endpoint, error) {
	var resp Endpoint
	err := c.do(ctx, http.MethodPost, c.orgPath("endpoints"), body(req), &resp)
	return resp, err
}

func (c *Client) ListEndpoints(ctx context.Context) ([]Endpoint, error) {
	var resp []Endpoint
	err := c.do(ctx, http.MethodGet, c.orgPath("endpoints"), payload{}, &resp)
	return resp, err
}

// UpdateEndpoint patches an endpoint. Any change bumps its version.
func (c *Client) UpdateEndpoint(ctx context.Context, id string, patch EndpointPatch) (Endpoint, error) {
	var resp Endpoint
	err := c.do(ctx, http.MethodPatch, "v0/endpoints/"+url.PathEscape(id), body(patch), &resp)
	return resp, err
}

// SyncDeliveries attempts every pending delivery of the org now.
func (c *Client) SyncDeliveries(ctx context.Context) (SyncReport, error) {
	var resp SyncReport
	err := c.do(ctx, http.MethodPost, c.orgPath("deliveries/sync"), payload{}, &resp)
	return resp, err
}

func (c *Client) Deliveries(ctx context.Context, resultID, endpointID string) ([]DeliveryRecord, error) {
	q := url.Values{}
	if resultID != "" {
		q.Set("result_id", resultID)
	}
	if endpointID != "" {
		q.Set("endpoint_id", endpointID)
	}
	var resp []DeliveryRecord
	err := c.do(ctx, http.MethodGet, withQuery(c.orgPath("deliveries"), q), payload{}, &resp)
	return resp, err
}

func (c *Client) DeliveryStates(ctx context.Context, state string) ([]DeliveryState, error) {
	q := url.Values{}
	if state != "" {
		q.Set("state", state)
	}
	var resp []DeliveryState
	err := c.do(ctx, http.MethodGet, withQuery(c.orgPath("deliveries/states"), q), payload{}, &resp)
	return resp, err
}

// Retrigger re-arms a failed delivery.
func (c *Client) Retrigger(ctx context.Context, resultID, endpointID string) error {
	return c.do(ctx, http.MethodPost, "v0/deliveries/retrigger", body(map[string]string{
		"result_id":   resultID,
		"endpoint_id": endpointID,
	}), nil)
}

type payload struct {
	contentType string
	reader      io.Reader
}

func body(v any) payload {
	b, err := json.Marshal(v)
	if err != nil {
		return payload{reader: errReader{err}}
	}
	return payload{contentType: "application/json", reader: bytes.NewReader(b)}
}

type errReader struct{ err error }

func (r errReader) Read([]byte) (int, error) { return 0, r.err }

// do sends the request and decodes a JSON response into out. A *bytes.Buffer
// out receives the raw body.
func (c *Client) do(ctx context.Context, method, endpoint string, in payload, out any) error {
	if c.HTTPClient == nil {
		c.HTTPClient = &http.Client{Timeout: c.Timeout}
	}
	target := c.base() + "/" + strings.TrimLeft(endpoint, "/")
	var reader io.Reader = http.NoBody
	if in.reader != nil {
		reader = in.reader
	}
	req, err := http.NewRequestWithContext(ctx, method, target, reader)
	if err != nil {
		return err
	}
	if in.contentType != "" {
		req.Header.Set("Content-Type", in.contentType)
	}
	switch {
	case c.BearerToken != "":
		req.Header.Set("Authorization", "Bearer "+c.BearerToken)
	case c.APIKey != "":
		req.Header.Set("X-Api-Key", c.APIKey)
	}
	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		b, _ := io.ReadAll(resp.Body)
		apiErr := &APIError{StatusCode: resp.StatusCode, Body: string(b)}
		var env struct {
			Error struct {
				Code    string `json:"code"`
				Message string `json:"message"`
			} `json:"error"`
		}
		if json.Unmarshal(b, &env) == nil {
			apiErr.Code, apiErr.Message = env.Error.Code, env.Error.Message
		}
		return apiErr
	}
	switch dst := out.(type) {
	case nil:
		return nil
	case *bytes.Buffer:
		_, err := dst.ReadFrom(resp.Body)
		return err
	default:
		return json.NewDecoder(resp.Body).Decode(out)
	}
}

func (c *Client) orgPath(p string) string {
	return fmt.Sprintf("v0/orgs/%s/%s", url.PathEscape(c.OrgID), strings.TrimLeft(p, "/"))
}

func (c *Client) base() string {
	return strings.TrimRight(c.BaseURL, "/")
}

func resultsQuery(filter, sort, missionID string) url.Values {
	q := url.Values{}
	if filter != "" {
		q.Set("filter", filter)
	}
	if sort != "" {
		q.Set("sort", sort)
	}
	if missionID != "" {
		q.Set("mission_id", missionID)
	}
	return q
}

func withQuery(path string, q url.Values) string {
	if len(q) == 0 {
		return path
	}
	return path + "?" + q.Encode()
}
