package server

import (
	"context"
	"net/http"
	"strings"

	"github.com/danielgtaylor/huma/v2"

	"missionline/internal/delivery"
	"missionline/internal/domain"
	"missionline/internal/engine"
	"missionline/internal/results"
)

type resultsQuery struct {
	OrgID     string `path:"org_id"`
	Filter    string `query:"filter" doc:"all, highIntent or verified"`
	Sort      string `query:"sort" doc:"newest, intent or clarity"`
	MissionID string `query:"mission_id"`
}

func registerResults(api huma.API, e engine.Engine) {
	load := func(ctx context.Context, input *resultsQuery) ([]domain.Result, error) {
		if _, err := requireOrg(ctx, input.OrgID); err != nil {
			return nil, err
		}
		scope := results.Scope{OrgID: input.OrgID}
		if input.MissionID != "" {
			m, _, err := missionForCaller(ctx, e, input.MissionID)
			if err != nil {
				return nil, err
			}
			scope = results.Scope{MissionID: m.ID}
		}
		agg := results.New(e, engineConfig(e).Results)
		seq, err := agg.ResultsFor(ctx, scope, results.Query{Filter: input.Filter, Sort: input.Sort})
		if err != nil {
			return nil, err
		}
		return results.Collect(seq)
	}

	huma.Register(api, huma.Operation{
		OperationID: "list-results",
		Method:      http.MethodGet,
		Path:        "/orgs/{org_id}/results",
		Summary:     "List results",
		Errors:      []int{http.StatusBadRequest, http.StatusForbidden, http.StatusNotFound},
	}, func(ctx context.Context, input *resultsQuery) (*struct {
		Body []domain.Result `json:"body"`
	}, error) {
		rows, err := load(ctx, input)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body []domain.Result `json:"body"`
		}{Body: nonNilSlice(rows)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "export-results",
		Method:      http.MethodGet,
		Path:        "/orgs/{org_id}/results/export",
		Summary:     "Export results as CSV",
		Errors:      []int{http.StatusBadRequest, http.StatusForbidden, http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		OrgID     string `path:"org_id"`
		Filter    string `query:"filter"`
		Sort      string `query:"sort"`
		MissionID string `query:"mission_id"`
		Columns   string `query:"columns" doc:"Comma separated column list"`
	}) (*struct {
		ContentType        string `header:"Content-Type"`
		ContentDisposition string `header:"Content-Disposition"`
		Body               []byte
	}, error) {
		rows, err := load(ctx, &resultsQuery{OrgID: input.OrgID, Filter: input.Filter, Sort: input.Sort, MissionID: input.MissionID})
		if err != nil {
			return nil, handleError(err)
		}
		var columns []string
		for _, c := range strings.Split(input.Columns, ",") {
			if c = strings.TrimSpace(c); c != "" {
				columns = append(columns, c)
			}
		}
		data, err := results.ToCSV(rows, columns)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			ContentType        string `header:"Content-Type"`
			ContentDisposition string `header:"Content-Disposition"`
			Body               []byte
		}{
			ContentType:        "text/csv; charset=utf-8",
			ContentDisposition: `attachment; filename="results.csv"`,
			Body:               data,
		}, nil
	})
}

func endpointResponse(e engine.Engine, ep domain.Endpoint) EndpointResponse {
	return EndpointResponse{
		Endpoint:           ep,
		HasSecret:          ep.Secret != "",
		EffectiveThreshold: e.EffectiveThreshold(ep),
	}
}

func registerEndpoints(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID:   "create-endpoint",
		Method:        http.MethodPost,
		Path:          "/orgs/{org_id}/endpoints",
		Summary:       "Create webhook endpoint",
		DefaultStatus: http.StatusCreated,
		Errors:        []int{http.StatusBadRequest, http.StatusForbidden, http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		OrgID string                `path:"org_id"`
		Body  CreateEndpointRequest `json:"body"`
	}) (*struct {
		Body EndpointResponse `json:"body"`
	}, error) {
		p, err := requireOrg(ctx, input.OrgID)
		if err != nil {
			return nil, handleError(err)
		}
		ep, err := e.CreateEndpoint(ctx, engine.EndpointOptions{
			OrgID:     input.OrgID,
			URL:       input.Body.URL,
			Enabled:   input.Body.Enabled,
			Threshold: input.Body.Threshold,
			Secret:    input.Body.Secret,
			ActorID:   p.ActorID,
		})
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body EndpointResponse `json:"body"`
		}{Body: endpointResponse(e, ep)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-endpoints",
		Method:      http.MethodGet,
		Path:        "/orgs/{org_id}/endpoints",
		Summary:     "List webhook endpoints",
		Errors:      []int{http.StatusForbidden},
	}, func(ctx context.Context, input *orgPath) (*struct {
		Body []EndpointResponse `json:"body"`
	}, error) {
		if _, err := requireOrg(ctx, input.OrgID); err != nil {
			return nil, handleError(err)
		}
		items, err := e.ListEndpoints(ctx, input.OrgID, false)
		if err != nil {
			return nil, handleError(err)
		}
		out := make([]EndpointResponse, 0, len(items))
		for _, ep := range items {
			out = append(out, endpointResponse(e, ep))
		}
		return &struct {
			Body []EndpointResponse `json:"body"`
		}{Body: out}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "update-endpoint",
		Method:      http.MethodPatch,
		Path:        "/endpoints/{endpoint_id}",
		Summary:     "Update webhook endpoint; changes re-arm delivery",
		Errors:      []int{http.StatusBadRequest, http.StatusForbidden, http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		EndpointID string                `path:"endpoint_id"`
		Body       UpdateEndpointRequest `json:"body"`
	}) (*struct {
		Body EndpointResponse `json:"body"`
	}, error) {
		current, err := e.Repo.GetEndpoint(ctx, input.EndpointID)
		if err != nil {
			return nil, handleError(err)
		}
		p, err := requireOrg(ctx, current.OrgID)
		if err != nil {
			return nil, handleError(err)
		}
		ep, err := e.UpdateEndpoint(ctx, input.EndpointID, engine.EndpointPatch{
			URL:       input.Body.URL,
			Enabled:   input.Body.Enabled,
			Threshold: input.Body.Threshold,
			Secret:    input.Body.Secret,
		}, p.ActorID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body EndpointResponse `json:"body"`
		}{Body: endpointResponse(e, ep)}, nil
	})
}

func registerDeliveries(api huma.API, e engine.Engine, d *delivery.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "sync-deliveries",
		Method:      http.MethodPost,
		Path:        "/orgs/{org_id}/deliveries/sync",
		Summary:     "Attempt every pending delivery now",
		Errors:      []int{http.StatusForbidden},
	}, func(ctx context.Context, input *orgPath) (*struct {
		Body SyncResponse `json:"body"`
	}, error) {
		if _, err := requireOrg(ctx, input.OrgID); err != nil {
			return nil, handleError(err)
		}
		rep, err := d.TriggerManualSync(ctx, input.OrgID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body SyncResponse `json:"body"`
		}{Body: SyncResponse{Delivered: rep.Delivered, Failed: rep.Failed}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-deliveries",
		Method:      http.MethodGet,
		Path:        "/orgs/{org_id}/deliveries",
		Summary:     "Delivery attempt history",
		Errors:      []int{http.StatusForbidden},
	}, func(ctx context.Context, input *struct {
		OrgID      string `path:"org_id"`
		ResultID   string `query:"result_id"`
		EndpointID string `query:"endpoint_id"`
	}) (*struct {
		Body []domain.DeliveryRecord `json:"body"`
	}, error) {
		if _, err := requireOrg(ctx, input.OrgID); err != nil {
			return nil, handleError(err)
		}
		recs, err := d.History(ctx, input.OrgID, input.ResultID, input.EndpointID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body []domain.DeliveryRecord `json:"body"`
		}{Body: nonNilSlice(recs)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-delivery-states",
		Method:      http.MethodGet,
		Path:        "/orgs/{org_id}/deliveries/states",
		Summary:     "Per pair delivery state",
		Errors:      []int{http.StatusForbidden},
	}, func(ctx context.Context, input *struct {
		OrgID string `path:"org_id"`
		State string `query:"state" enum:"eligible,delivered,failed"`
	}) (*struct {
		Body []domain.DeliveryState `json:"body"`
	}, error) {
		if _, err := requireOrg(ctx, input.OrgID); err != nil {
			return nil, handleError(err)
		}
		states, err := d.States(ctx, input.OrgID, domain.PairState(input.State))
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body []domain.DeliveryState `json:"body"`
		}{Body: nonNilSlice(states)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "retrigger-delivery",
		Method:      http.MethodPost,
		Path:        "/deliveries/retrigger",
		Summary:     "Re-arm a failed delivery",
		Errors:      []int{http.StatusBadRequest, http.StatusForbidden, http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		Body RetriggerRequest `json:"body"`
	}) (*struct{}, error) {
		ep, err := e.Repo.GetEndpoint(ctx, input.Body.EndpointID)
		if err != nil {
			return nil, handleError(err)
		}
		if _, err := requireOrg(ctx, ep.OrgID); err != nil {
			return nil, handleError(err)
		}
		if err := d.Retrigger(ctx, input.Body.ResultID, input.Body.EndpointID); err != nil {
			return nil, handleError(err)
		}
		return &struct{}{}, nil
	})
}
