package server

import (
	"missionline/internal/bulk"
	"missionline/internal/domain"
	"missionline/internal/results"
)

// Request payloads

type SubmitMissionRequest struct {
	Query          string `json:"query" maxLength:"2000"`
	Platform       string `json:"platform" enum:"linkedin,google_maps,google_news,tiktok,producthunt,reddit,real_estate"`
	Priority       *int   `json:"priority,omitempty"`
	ComplianceMode string `json:"compliance_mode,omitempty" enum:"standard,strict"`
	UserID         string `json:"user_id,omitempty"`
}

type BulkSubmitRequest struct {
	Items          []string `json:"items,omitempty"`
	Text           string   `json:"text,omitempty" doc:"One query per line; used when items is empty"`
	Platform       string   `json:"platform"`
	Priority       *int     `json:"priority,omitempty"`
	ComplianceMode string   `json:"compliance_mode,omitempty" enum:"standard,strict"`
}

type StatusUpdateRequest struct {
	Status string `json:"status" enum:"queued,processing,completed,failed,cancelled"`
}

type AppendResultRequest struct {
	Payload      map[string]any `json:"payload"`
	ClarityScore *int           `json:"clarity_score,omitempty" minimum:"0" maximum:"100"`
	IntentScore  *int           `json:"intent_score,omitempty" minimum:"0" maximum:"100"`
	Verified     bool           `json:"verified,omitempty"`
}

// CaptureRequest is the browser extension message.
type CaptureRequest struct {
	Action    string         `json:"action" example:"CAPTURE_LEAD"`
	MissionID string         `json:"mission_id"`
	Data      map[string]any `json:"data"`
}

type CreateEndpointRequest struct {
	URL       string `json:"url" format:"uri"`
	Enabled   *bool  `json:"enabled,omitempty"`
	Threshold int    `json:"threshold,omitempty" minimum:"0" maximum:"100" doc:"0 uses the server default"`
	Secret    string `json:"secret,omitempty"`
}

type UpdateEndpointRequest struct {
	URL       *string `json:"url,omitempty"`
	Enabled   *bool   `json:"enabled,omitempty"`
	Threshold *int    `json:"threshold,omitempty" minimum:"0" maximum:"100"`
	Secret    *string `json:"secret,omitempty"`
}

type RetriggerRequest struct {
	ResultID   string `json:"result_id"`
	EndpointID string `json:"endpoint_id"`
}

type DevLoginRequest struct {
	ActorID string   `json:"actor_id"`
	OrgID   string   `json:"org_id"`
	Roles   []string `json:"roles,omitempty"`
}

// Responses

type paginatedMissions struct {
	Items      []domain.Mission `json:"items"`
	NextCursor string           `json:"next_cursor,omitempty"`
}

type CancelResponse struct {
	Mission         domain.Mission `json:"mission"`
	AlreadyTerminal bool           `json:"already_terminal"`
}

type MissionGroupResponse struct {
	Mission domain.Mission  `json:"mission"`
	Results []domain.Result `json:"results"`
}

type BulkResponse struct {
	Queries   int              `json:"queries"`
	Created   []string         `json:"created"`
	Failed    []bulk.Failure   `json:"failed"`
	Malformed []bulk.Malformed `json:"malformed"`
}

type CaptureResponse struct {
	Success  bool   `json:"success"`
	ResultID string `json:"result_id,omitempty"`
}

type EndpointResponse struct {
	domain.Endpoint
	HasSecret          bool `json:"has_secret"`
	EffectiveThreshold int  `json:"effective_threshold"`
}

type SyncResponse struct {
	Delivered int `json:"delivered"`
	Failed    int `json:"failed"`
}

type WhoAmIResponse struct {
	ActorID string   `json:"actor_id"`
	OrgID   string   `json:"org_id,omitempty"`
	Roles   []string `json:"roles"`
	Source  string   `json:"source"`
}

type DevLoginResponse struct {
	Token string `json:"token"`
}

// Stream events

type MissionEvent struct {
	Kind     string         `json:"kind"`
	Mission  domain.Mission `json:"mission"`
	Previous string         `json:"previous,omitempty"`
}

type SyncEvent struct {
	Kind  string `json:"kind"`
	Error string `json:"error,omitempty"`
}

func bulkResponse(r bulk.Report) BulkResponse {
	return BulkResponse{
		Queries:   r.Queries,
		Created:   nonNilSlice(r.Created),
		Failed:    nonNilSlice(r.Failed),
		Malformed: nonNilSlice(r.Malformed),
	}
}

func mapGroups(groups []results.MissionGroup) []MissionGroupResponse {
	out := make([]MissionGroupResponse, 0, len(groups))
	for _, g := range groups {
		out = append(out, MissionGroupResponse{Mission: g.Mission, Results: nonNilSlice(g.Results)})
	}
	return out
}

func nonNilSlice[T any](in []T) []T {
	if in == nil {
		return []T{}
	}
	return in
}
