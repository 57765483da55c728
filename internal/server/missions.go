package server

import (
	"context"
	"errors"
	"net/http"
	"strings"

	"github.com/danielgtaylor/huma/v2"
	"github.com/danielgtaylor/huma/v2/sse"
	"go.uber.org/zap"

	"missionline/internal/bulk"
	"missionline/internal/config"
	"missionline/internal/domain"
	"missionline/internal/engine"
	"missionline/internal/engine/auth"
	"missionline/internal/results"
	"missionline/internal/statussync"
)

type orgPath struct {
	OrgID string `path:"org_id"`
}

func engineConfig(e engine.Engine) *config.Config {
	if e.Config == nil {
		return config.Default()
	}
	return e.Config
}

func registerMissions(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID:   "submit-mission",
		Method:        http.MethodPost,
		Path:          "/orgs/{org_id}/missions",
		Summary:       "Submit mission",
		DefaultStatus: http.StatusCreated,
		Errors:        []int{http.StatusBadRequest, http.StatusForbidden, http.StatusServiceUnavailable},
	}, func(ctx context.Context, input *struct {
		OrgID string               `path:"org_id"`
		Body  SubmitMissionRequest `json:"body"`
	}) (*struct {
		Body domain.Mission `json:"body"`
	}, error) {
		p, err := requireOrg(ctx, input.OrgID)
		if err != nil {
			return nil, handleError(err)
		}
		m, err := e.Submit(ctx, engine.SubmitOptions{
			Principal:      p.Principal,
			OrgID:          input.OrgID,
			UserID:         input.Body.UserID,
			Query:          input.Body.Query,
			Platform:       input.Body.Platform,
			Priority:       input.Body.Priority,
			ComplianceMode: input.Body.ComplianceMode,
		})
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.Mission `json:"body"`
		}{Body: m}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "submit-missions-bulk",
		Method:      http.MethodPost,
		Path:        "/orgs/{org_id}/missions/bulk",
		Summary:     "Submit many missions; every item gets an outcome",
		Errors:      []int{http.StatusBadRequest, http.StatusForbidden},
	}, func(ctx context.Context, input *struct {
		OrgID string            `path:"org_id"`
		Body  BulkSubmitRequest `json:"body"`
	}) (*struct {
		Body BulkResponse `json:"body"`
	}, error) {
		p, err := requireOrg(ctx, input.OrgID)
		if err != nil {
			return nil, handleError(err)
		}
		coord := coordinator(e, p)
		opts := bulk.Options{
			OrgID:          input.OrgID,
			Platform:       input.Body.Platform,
			Priority:       input.Body.Priority,
			ComplianceMode: input.Body.ComplianceMode,
		}
		var report bulk.Report
		switch {
		case len(input.Body.Items) > 0:
			report = coord.Submit(ctx, input.Body.Items, opts)
		case strings.TrimSpace(input.Body.Text) != "":
			report, err = coord.Run(ctx, bulk.TextSource(input.Body.Text), opts)
			if err != nil {
				return nil, handleError(err)
			}
		default:
			return nil, handleError(domain.ValidationError{Field: "items", Reason: "items or text required"})
		}
		return &struct {
			Body BulkResponse `json:"body"`
		}{Body: bulkResponse(report)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "import-missions",
		Method:      http.MethodPost,
		Path:        "/orgs/{org_id}/missions/import",
		Summary:     "Import a CSV of queries",
		Errors:      []int{http.StatusBadRequest, http.StatusForbidden},
	}, func(ctx context.Context, input *struct {
		OrgID          string `path:"org_id"`
		Platform       string `query:"platform" required:"true"`
		ComplianceMode string `query:"compliance_mode"`
		Name           string `query:"name"`
		RawBody        []byte `contentType:"text/csv"`
	}) (*struct {
		Body BulkResponse `json:"body"`
	}, error) {
		p, err := requireOrg(ctx, input.OrgID)
		if err != nil {
			return nil, handleError(err)
		}
		report, err := coordinator(e, p).Run(ctx, bulk.CSVText(input.Name, string(input.RawBody)), bulk.Options{
			OrgID:          input.OrgID,
			Platform:       input.Platform,
			ComplianceMode: input.ComplianceMode,
		})
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body BulkResponse `json:"body"`
		}{Body: bulkResponse(report)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-missions",
		Method:      http.MethodGet,
		Path:        "/orgs/{org_id}/missions",
		Summary:     "List missions newest first",
		Errors:      []int{http.StatusBadRequest, http.StatusForbidden},
	}, func(ctx context.Context, input *struct {
		OrgID  string `path:"org_id"`
		Limit  int    `query:"limit" default:"50"`
		Cursor string `query:"cursor"`
	}) (*struct {
		Body paginatedMissions `json:"body"`
	}, error) {
		if _, err := requireOrg(ctx, input.OrgID); err != nil {
			return nil, handleError(err)
		}
		items, next, err := e.ListMissions(ctx, input.OrgID, normalizeLimit(input.Limit), input.Cursor)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body paginatedMissions `json:"body"`
		}{Body: paginatedMissions{Items: nonNilSlice(items), NextCursor: next}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-mission-groups",
		Method:      http.MethodGet,
		Path:        "/orgs/{org_id}/missions/groups",
		Summary:     "Missions with their results",
		Errors:      []int{http.StatusBadRequest, http.StatusForbidden},
	}, func(ctx context.Context, input *struct {
		OrgID  string `path:"org_id"`
		Filter string `query:"filter"`
		Sort   string `query:"sort"`
	}) (*struct {
		Body []MissionGroupResponse `json:"body"`
	}, error) {
		if _, err := requireOrg(ctx, input.OrgID); err != nil {
			return nil, handleError(err)
		}
		agg := results.New(e, engineConfig(e).Results)
		groups, err := agg.GroupByMission(ctx, input.OrgID, results.Query{Filter: input.Filter, Sort: input.Sort})
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body []MissionGroupResponse `json:"body"`
		}{Body: mapGroups(groups)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-mission",
		Method:      http.MethodGet,
		Path:        "/missions/{mission_id}",
		Summary:     "Get mission",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		MissionID string `path:"mission_id"`
	}) (*struct {
		Body domain.Mission `json:"body"`
	}, error) {
		m, _, err := missionForCaller(ctx, e, input.MissionID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.Mission `json:"body"`
		}{Body: m}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "cancel-mission",
		Method:      http.MethodPost,
		Path:        "/missions/{mission_id}/cancel",
		Summary:     "Cancel mission; terminal missions are reported, not rejected",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		MissionID string `path:"mission_id"`
	}) (*struct {
		Body CancelResponse `json:"body"`
	}, error) {
		_, p, err := missionForCaller(ctx, e, input.MissionID)
		if err != nil {
			return nil, handleError(err)
		}
		m, err := e.CancelMission(ctx, input.MissionID, p.ActorID)
		if err != nil && !errors.Is(err, domain.ErrAlreadyTerminal) {
			return nil, handleError(err)
		}
		return &struct {
			Body CancelResponse `json:"body"`
		}{Body: CancelResponse{Mission: m, AlreadyTerminal: err != nil}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "capture-lead",
		Method:      http.MethodPost,
		Path:        "/orgs/{org_id}/capture",
		Summary:     "Record a lead captured by the browser extension",
		Errors:      []int{http.StatusBadRequest, http.StatusForbidden, http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		OrgID string         `path:"org_id"`
		Body  CaptureRequest `json:"body"`
	}) (*struct {
		Body CaptureResponse `json:"body"`
	}, error) {
		p, err := requireOrg(ctx, input.OrgID)
		if err != nil {
			return nil, handleError(err)
		}
		if input.Body.Action != "CAPTURE_LEAD" {
			return nil, handleError(domain.ValidationError{Field: "action", Reason: "unsupported action " + input.Body.Action})
		}
		res, err := e.Capture(ctx, input.OrgID, input.Body.MissionID, domain.Payload(input.Body.Data), p.ActorID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body CaptureResponse `json:"body"`
		}{Body: CaptureResponse{Success: true, ResultID: res.ID}}, nil
	})
}

func coordinator(e engine.Engine, p Principal) bulk.Coordinator {
	return bulk.Coordinator{
		Submitter:      bulk.EngineSubmitter{Engine: e, Principal: p.Principal},
		MaxQueryLength: engineConfig(e).Submit.MaxQueryLength,
		Logger:         e.Logger,
	}
}

// registerStream serves a synchronizer session as server-sent events.
func registerStream(api huma.API, e engine.Engine, logger *zap.Logger) {
	sse.Register(api, huma.Operation{
		OperationID: "stream-missions",
		Method:      http.MethodGet,
		Path:        "/orgs/{org_id}/missions/stream",
		Summary:     "Stream mission status changes",
	}, map[string]any{
		"mission": MissionEvent{},
		"sync":    SyncEvent{},
	}, func(ctx context.Context, input *orgPath, send sse.Sender) {
		p, err := requireOrg(ctx, input.OrgID)
		if err != nil {
			_ = send.Data(SyncEvent{Kind: "forbidden", Error: err.Error()})
			return
		}
		cfg := engineConfig(e)
		ctx, cancel := context.WithCancel(ctx)
		defer cancel()
		s := statussync.New(e, input.OrgID, statussync.Options{
			Config:      cfg.Sync,
			PullTimeout: cfg.Timeouts.Pull,
			ActorID:     p.ActorID,
			Logger:      logger,
		})
		go func() {
			if err := s.Run(ctx); err != nil {
				logger.Warn("mission stream stopped", zap.String("org_id", input.OrgID), zap.Error(err))
			}
		}()
		for u := range s.Updates() {
			var err error
			switch u.Kind {
			case statussync.StatusChanged:
				err = send.Data(MissionEvent{Kind: string(u.Kind), Mission: u.Mission, Previous: string(u.Previous)})
			default:
				ev := SyncEvent{Kind: string(u.Kind)}
				if u.Err != nil {
					ev.Error = u.Err.Error()
				}
				err = send.Data(ev)
			}
			if err != nil {
				cancel()
			}
		}
	})
}

func registerWorker(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "update-mission-status",
		Method:      http.MethodPatch,
		Path:        "/missions/{mission_id}/status",
		Summary:     "Worker: report mission status",
		Errors:      []int{http.StatusBadRequest, http.StatusForbidden, http.StatusNotFound, http.StatusConflict},
	}, func(ctx context.Context, input *struct {
		MissionID string              `path:"mission_id"`
		Body      StatusUpdateRequest `json:"body"`
	}) (*struct {
		Body domain.Mission `json:"body"`
	}, error) {
		p, err := requireRole(ctx, auth.RoleWorker)
		if err != nil {
			return nil, handleError(err)
		}
		m, err := e.UpdateMissionStatus(ctx, input.MissionID, domain.MissionStatus(input.Body.Status), p.ActorID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.Mission `json:"body"`
		}{Body: m}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID:   "append-result",
		Method:        http.MethodPost,
		Path:          "/missions/{mission_id}/results",
		Summary:       "Worker: append a result",
		DefaultStatus: http.StatusCreated,
		Errors:        []int{http.StatusBadRequest, http.StatusForbidden, http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		MissionID string              `path:"mission_id"`
		Body      AppendResultRequest `json:"body"`
	}) (*struct {
		Body domain.Result `json:"body"`
	}, error) {
		p, err := requireRole(ctx, auth.RoleWorker)
		if err != nil {
			return nil, handleError(err)
		}
		res, err := e.AppendResult(ctx, engine.ResultInput{
			MissionID:    input.MissionID,
			Payload:      domain.Payload(input.Body.Payload),
			ClarityScore: input.Body.ClarityScore,
			IntentScore:  input.Body.IntentScore,
			Verified:     input.Body.Verified,
			ActorID:      p.ActorID,
		})
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.Result `json:"body"`
		}{Body: res}, nil
	})
}
