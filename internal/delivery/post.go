package delivery

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"

	"missionline/internal/domain"
)

// EventHighIntent is the event name sent to endpoints.
const EventHighIntent = "high_intent_result"

const summaryLimit = 4096

// Message is the JSON body POSTed to an endpoint.
type Message struct {
	Event  string         `json:"event"`
	Result map[string]any `json:"result"`
	Score  int            `json:"score"`
}

// PublicResult keeps the canonical payload fields plus identifiers and scores.
func PublicResult(r domain.Result) map[string]any {
	out := map[string]any{
		"id":         r.ID,
		"mission_id": r.MissionID,
		"verified":   r.Verified,
	}
	for _, f := range domain.CanonicalFields() {
		if v := r.Payload.String(f); v != "" {
			out[f] = v
		}
	}
	if r.IntentScore != nil {
		out["intent_score"] = *r.IntentScore
	}
	if r.ClarityScore != nil {
		out["clarity_score"] = *r.ClarityScore
	}
	return out
}

type postResult struct {
	code    int
	summary string
	ok      bool
}

// pairKey identifies a (result, endpoint) pair across endpoint versions.
func pairKey(st domain.DeliveryState) string {
	return st.ResultID + ":" + st.EndpointID
}

func deliveryKey(st domain.DeliveryState) string {
	return st.ResultID + ":" + st.EndpointID + ":" + strconv.Itoa(st.EndpointVersion)
}

func (e *Engine) post(ctx context.Context, ep domain.Endpoint, st domain.DeliveryState, attempt int, r domain.Result) postResult {
	data, err := json.Marshal(Message{Event: EventHighIntent, Result: PublicResult(r), Score: r.Intent()})
	if err != nil {
		return postResult{summary: fmt.Sprintf("encode: %v", err)}
	}
	ctx, cancel := context.WithTimeout(ctx, e.timeout)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, ep.URL, bytes.NewReader(data))
	if err != nil {
		return postResult{summary: err.Error()}
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Missionline-Event", EventHighIntent)
	req.Header.Set("X-Missionline-Delivery", deliveryKey(st))
	req.Header.Set("X-Missionline-Attempt", strconv.Itoa(attempt))
	if strings.TrimSpace(ep.Secret) != "" {
		req.Header.Set("X-Missionline-Secret", ep.Secret)
	}
	res, err := e.client.Do(req)
	if err != nil {
		return postResult{summary: err.Error()}
	}
	defer res.Body.Close()
	body, _ := io.ReadAll(io.LimitReader(res.Body, summaryLimit))
	out := postResult{code: res.StatusCode, ok: res.StatusCode >= 200 && res.StatusCode < 300}
	out.summary = fmt.Sprintf("status %d", res.StatusCode)
	if text := strings.TrimSpace(string(body)); text != "" {
		out.summary += ": " + text
	}
	return out
}
