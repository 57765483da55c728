package domain

import "strings"

type Platform string

const (
	PlatformLinkedIn    Platform = "linkedin"
	PlatformGoogleMaps  Platform = "google_maps"
	PlatformGoogleNews  Platform = "google_news"
	PlatformTikTok      Platform = "tiktok"
	PlatformProductHunt Platform = "producthunt"
	PlatformReddit      Platform = "reddit"
	PlatformRealEstate  Platform = "real_estate"
)

var platforms = []Platform{
	PlatformLinkedIn,
	PlatformGoogleMaps,
	PlatformGoogleNews,
	PlatformTikTok,
	PlatformProductHunt,
	PlatformReddit,
	PlatformRealEstate,
}

// Platforms returns the recognized target platforms.
func Platforms() []Platform {
	out := make([]Platform, len(platforms))
	copy(out, platforms)
	return out
}

// ParsePlatform normalizes and validates a platform name.
func ParsePlatform(in string) (Platform, bool) {
	p := Platform(strings.ToLower(strings.TrimSpace(in)))
	for _, known := range platforms {
		if p == known {
			return p, true
		}
	}
	return "", false
}

type ComplianceMode string

const (
	ComplianceStandard ComplianceMode = "standard"
	ComplianceStrict   ComplianceMode = "strict"
)

// ParseComplianceMode defaults an empty mode to standard.
func ParseComplianceMode(in string) (ComplianceMode, bool) {
	switch ComplianceMode(strings.ToLower(strings.TrimSpace(in))) {
	case "", ComplianceStandard:
		return ComplianceStandard, true
	case ComplianceStrict:
		return ComplianceStrict, true
	}
	return "", false
}

type Mission struct {
	ID             string         `json:"id"`
	OrgID          string         `json:"org_id"`
	UserID         string         `json:"user_id"`
	Query          string         `json:"query"`
	Platform       Platform       `json:"platform" enum:"linkedin,google_maps,google_news,tiktok,producthunt,reddit,real_estate"`
	Priority       int            `json:"priority"`
	ComplianceMode ComplianceMode `json:"compliance_mode" enum:"standard,strict"`
	Status         MissionStatus  `json:"status" enum:"queued,processing,completed,failed,cancelled"`
	CreatedAt      string         `json:"created_at" format:"date-time"`
	UpdatedAt      string         `json:"updated_at" format:"date-time"`
}

// Canonical payload fields used for scoring and export. Other keys pass through.
const (
	FieldName       = "name"
	FieldTitle      = "title"
	FieldCompany    = "company"
	FieldLocation   = "location"
	FieldEmail      = "email"
	FieldPhone      = "phone"
	FieldProfileURL = "profile_url"
	FieldWebsite    = "website"
)

var canonicalFields = []string{
	FieldName,
	FieldTitle,
	FieldCompany,
	FieldLocation,
	FieldEmail,
	FieldPhone,
	FieldProfileURL,
	FieldWebsite,
}

// CanonicalFields returns the documented payload subset.
func CanonicalFields() []string {
	out := make([]string, len(canonicalFields))
	copy(out, canonicalFields)
	return out
}

type Payload map[string]any

// String returns the payload value for key rendered as text; missing or null is "".
func (p Payload) String(key string) string {
	v, ok := p[key]
	if !ok || v == nil {
		return ""
	}
	switch t := v.(type) {
	case string:
		return t
	default:
		return stringify(t)
	}
}

type Result struct {
	ID           string  `json:"id"`
	MissionID    string  `json:"mission_id"`
	Payload      Payload `json:"payload"`
	ClarityScore *int    `json:"clarity_score,omitempty"`
	IntentScore  *int    `json:"intent_score,omitempty"`
	Verified     bool    `json:"verified"`
	CreatedAt    string  `json:"created_at" format:"date-time"`
}

// Intent returns the intent score, or 0 when the worker supplied none.
func (r Result) Intent() int {
	if r.IntentScore == nil {
		return 0
	}
	return *r.IntentScore
}

// Clarity returns the clarity score, or 0 when unset.
func (r Result) Clarity() int {
	if r.ClarityScore == nil {
		return 0
	}
	return *r.ClarityScore
}

type EndpointKind string

const EndpointWebhook EndpointKind = "webhook"

type Endpoint struct {
	ID        string       `json:"id"`
	OrgID     string       `json:"org_id"`
	URL       string       `json:"url"`
	Kind      EndpointKind `json:"kind" enum:"webhook"`
	Enabled   bool         `json:"enabled"`
	Threshold int          `json:"threshold"`
	Secret    string       `json:"-"`
	Version   int          `json:"version"`
	CreatedAt string       `json:"created_at" format:"date-time"`
	UpdatedAt string       `json:"updated_at" format:"date-time"`
}

type DeliveryStatus string

const (
	DeliverySuccess DeliveryStatus = "success"
	DeliveryFailure DeliveryStatus = "failure"
)

type DeliveryRecord struct {
	ID              string         `json:"id"`
	ResultID        string         `json:"result_id"`
	EndpointID      string         `json:"endpoint_id"`
	EndpointVersion int            `json:"endpoint_version"`
	Attempt         int            `json:"attempt"`
	Status          DeliveryStatus `json:"status" enum:"success,failure"`
	StatusCode      int            `json:"status_code,omitempty"`
	ResponseSummary string         `json:"response_summary,omitempty"`
	CreatedAt       string         `json:"created_at" format:"date-time"`
}

type PairState string

const (
	PairNotEligible PairState = "not_eligible"
	PairEligible    PairState = "eligible"
	PairDelivered   PairState = "delivered"
	PairFailed      PairState = "failed"
)

// DeliveryState tracks one (result, endpoint) pair through its eligibility transition.
type DeliveryState struct {
	ResultID        string    `json:"result_id"`
	EndpointID      string    `json:"endpoint_id"`
	OrgID           string    `json:"org_id"`
	EndpointVersion int       `json:"endpoint_version"`
	State           PairState `json:"state"`
	Attempts        int       `json:"attempts"`
	NextAttemptAt   string    `json:"next_attempt_at,omitempty" format:"date-time"`
	InFlightSince   string    `json:"in_flight_since,omitempty" format:"date-time"`
	LastError       string    `json:"last_error,omitempty"`
	UpdatedAt       string    `json:"updated_at" format:"date-time"`
}

type Organization struct {
	ID        string `json:"id"`
	Name      string `json:"name"`
	Status    string `json:"status" enum:"active,suspended"`
	Credits   int    `json:"credits"`
	CreatedAt string `json:"created_at" format:"date-time"`
}

type Event struct {
	ID         int64  `json:"id"`
	TS         string `json:"ts" format:"date-time"`
	Type       string `json:"type"`
	OrgID      string `json:"org_id,omitempty"`
	EntityKind string `json:"entity_kind"`
	EntityID   string `json:"entity_id,omitempty"`
	ActorID    string `json:"actor_id"`
	Payload    string `json:"payload_json"`
}

type APIKey struct {
	ID        string `json:"id"`
	ActorID   string `json:"actor_id"`
	OrgID     string `json:"org_id"`
	Role      string `json:"role"`
	Name      string `json:"name,omitempty"`
	KeyHash   string `json:"key_hash"`
	CreatedAt string `json:"created_at" format:"date-time"`
}
