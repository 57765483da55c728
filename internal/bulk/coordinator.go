package bulk

import (
	"context"
	"errors"

	"go.uber.org/zap"

	"missionline/internal/engine"
	"missionline/internal/engine/auth"
)

// Request is one batch handed to a Submitter.
type Request struct {
	OrgID          string
	Platform       string
	Priority       *int
	ComplianceMode string
	Items          []string
}

// Outcome is the submission result of one item. MissionID is empty when Err is set.
type Outcome struct {
	Item      string
	MissionID string
	Err       error
}

// Submitter creates missions for a batch. It returns one Outcome per item in
// input order; an error means the batch as a whole could not be sent.
type Submitter interface {
	SubmitBulk(ctx context.Context, req Request) ([]Outcome, error)
}

// EngineSubmitter submits through a local engine on behalf of Principal.
type EngineSubmitter struct {
	Engine    engine.Engine
	Principal auth.Principal
}

func (s EngineSubmitter) SubmitBulk(ctx context.Context, req Request) ([]Outcome, error) {
	res := s.Engine.SubmitBulk(ctx, engine.BulkOptions{
		Principal:      s.Principal,
		OrgID:          req.OrgID,
		Items:          req.Items,
		Platform:       req.Platform,
		Priority:       req.Priority,
		ComplianceMode: req.ComplianceMode,
	})
	out := make([]Outcome, len(res.Items))
	for i, item := range res.Items {
		out[i] = Outcome{Item: item.Item, Err: item.Err}
		if item.Mission != nil {
			out[i].MissionID = item.Mission.ID
		}
	}
	return out, nil
}

// Options describe where and how a batch is submitted.
type Options struct {
	OrgID          string
	Platform       string
	Priority       *int
	ComplianceMode string
}

// Failure is a query that was ingested but not created.
type Failure struct {
	Query string `json:"query"`
	Error string `json:"error"`
}

// Report summarizes one coordinated batch.
type Report struct {
	Source    string      `json:"source"`
	Queries   int         `json:"queries"`
	Malformed []Malformed `json:"malformed"`
	Created   []string    `json:"created"`
	Failed    []Failure   `json:"failed"`
}

// Coordinator ingests sources and submits every well-formed query.
type Coordinator struct {
	Submitter      Submitter
	MaxQueryLength int
	Logger         *zap.Logger
}

// Run ingests src and submits its queries. Only an unreadable source fails
// the call; everything else is reported per item.
func (c Coordinator) Run(ctx context.Context, src Source, opts Options) (Report, error) {
	if c.Submitter == nil {
		return Report{}, errors.New("bulk: no submitter configured")
	}
	maxLen := c.MaxQueryLength
	if maxLen <= 0 {
		maxLen = DefaultMaxQueryLength
	}
	batch, err := IngestLimit(src, opts.Platform, maxLen)
	if err != nil {
		return Report{}, err
	}
	report := c.Submit(ctx, batch.Queries, opts)
	report.Source = batch.Source
	report.Malformed = batch.Malformed
	c.logger().Info("bulk batch submitted",
		zap.String("org_id", opts.OrgID),
		zap.String("source", report.Source),
		zap.Int("queries", report.Queries),
		zap.Int("malformed", len(report.Malformed)),
		zap.Int("created", len(report.Created)),
		zap.Int("failed", len(report.Failed)))
	return report, nil
}

// Submit sends already expanded queries and reports every item.
func (c Coordinator) Submit(ctx context.Context, queries []string, opts Options) Report {
	report := Report{Queries: len(queries)}
	if len(queries) == 0 {
		return report
	}
	if c.Submitter == nil {
		for _, q := range queries {
			report.Failed = append(report.Failed, Failure{Query: q, Error: "no submitter configured"})
		}
		return report
	}
	outcomes, err := c.Submitter.SubmitBulk(ctx, Request{
		OrgID:          opts.OrgID,
		Platform:       opts.Platform,
		Priority:       opts.Priority,
		ComplianceMode: opts.ComplianceMode,
		Items:          queries,
	})
	for i, q := range queries {
		switch {
		case err != nil:
			report.Failed = append(report.Failed, Failure{Query: q, Error: err.Error()})
		case i >= len(outcomes):
			report.Failed = append(report.Failed, Failure{Query: q, Error: "no outcome returned"})
		case outcomes[i].Err != nil:
			report.Failed = append(report.Failed, Failure{Query: q, Error: outcomes[i].Err.Error()})
		default:
			report.Created = append(report.Created, outcomes[i].MissionID)
		}
	}
	return report
}

func (c Coordinator) logger() *zap.Logger {
	if c.Logger == nil {
		return zap.NewNop()
	}
	return c.Logger
}
