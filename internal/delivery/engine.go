// Package delivery fans high-intent results out to webhook endpoints. Each
// (result, endpoint) pair moves through eligible -> delivered | failed once per
// endpoint configuration version.
package delivery

import (
	"context"
	"errors"
	"net/http"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"missionline/internal/config"
	"missionline/internal/domain"
	"missionline/internal/engine"
	"missionline/internal/repo"
	"missionline/internal/telemetry"
)

// SyncReport counts attempt outcomes of one dispatch pass.
type SyncReport struct {
	Delivered int `json:"delivered"`
	Failed    int `json:"failed"`
}

type Options struct {
	Client *http.Client
	Logger *zap.Logger
	Tracer trace.Tracer
	Now    func() time.Time
}

type Engine struct {
	store   engine.Engine
	cfg     config.DeliveryConfig
	timeout time.Duration
	client  *http.Client
	logger  *zap.Logger
	tracer  trace.Tracer
	now     func() time.Time

	mu       sync.Mutex
	inFlight map[string]struct{}
}

func New(store engine.Engine, opts Options) *Engine {
	cfg := config.Default()
	if store.Config != nil {
		cfg = store.Config
	}
	e := &Engine{
		store:    store,
		cfg:      cfg.Delivery,
		timeout:  cfg.Timeouts.Delivery,
		client:   opts.Client,
		logger:   opts.Logger,
		tracer:   opts.Tracer,
		now:      opts.Now,
		inFlight: map[string]struct{}{},
	}
	if e.client == nil {
		e.client = &http.Client{Timeout: e.timeout}
	}
	if e.logger == nil {
		e.logger = zap.NewNop()
	}
	if e.tracer == nil {
		e.tracer = telemetry.Tracer()
	}
	if e.now == nil {
		e.now = time.Now
	}
	return e
}

// Observe claims the eligibility transition for every enabled endpoint and
// every result of a non-cancelled mission at or above the endpoint threshold.
// Already claimed pairs are left alone unless the endpoint version moved.
func (e *Engine) Observe(ctx context.Context, orgID string) (int, error) {
	endpoints, err := e.store.ListEndpoints(ctx, orgID, true)
	if err != nil || len(endpoints) == 0 {
		return 0, err
	}
	now := domain.FormatTime(e.now())
	claimed := 0
	for _, ep := range endpoints {
		n, err := e.store.Repo.ClaimEligible(ctx, repo.EligibilityClaim{
			OrgID:           orgID,
			EndpointID:      ep.ID,
			EndpointVersion: ep.Version,
			Threshold:       e.store.EffectiveThreshold(ep),
			Now:             now,
		})
		if err != nil {
			return claimed, err
		}
		if n > 0 {
			claimed += n
			e.logger.Debug("deliveries eligible",
				zap.String("org_id", orgID),
				zap.String("endpoint_id", ep.ID),
				zap.Int("endpoint_version", ep.Version),
				zap.Int("claimed", n))
		}
	}
	return claimed, nil
}

type outcome int

const (
	outcomeSkipped outcome = iota
	outcomeDelivered
	outcomeFailed
)

// DispatchDue attempts every eligible pair whose next attempt time has passed,
// or every eligible pair when force is set. Pairs already in flight are skipped.
func (e *Engine) DispatchDue(ctx context.Context, orgID string, force bool) (SyncReport, error) {
	var report SyncReport
	now := e.now()
	due, err := e.store.Repo.ListDuePairs(ctx, repo.DueFilter{
		OrgID:       orgID,
		Now:         domain.FormatTime(now),
		StaleBefore: domain.FormatTime(now.Add(-2 * e.timeout)),
		Force:       force,
	})
	if err != nil {
		return report, err
	}
	if len(due) == 0 {
		return report, nil
	}
	endpoints, err := e.store.ListEndpoints(ctx, orgID, false)
	if err != nil {
		return report, err
	}
	byID := make(map[string]domain.Endpoint, len(endpoints))
	for _, ep := range endpoints {
		byID[ep.ID] = ep
	}

	var mu sync.Mutex
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(e.cfg.Concurrency)
	for _, st := range due {
		ep, ok := byID[st.EndpointID]
		if !ok || !ep.Enabled || ep.Version != st.EndpointVersion {
			continue
		}
		key := pairKey(st)
		if !e.acquireLocal(key) {
			continue
		}
		g.Go(func() error {
			defer e.releaseLocal(key)
			out, err := e.attempt(gctx, orgID, ep, st)
			if err != nil {
				e.logger.Warn("delivery attempt not recorded",
					zap.String("org_id", orgID),
					zap.String("result_id", st.ResultID),
					zap.String("endpoint_id", st.EndpointID),
					zap.Error(err))
				return nil
			}
			mu.Lock()
			defer mu.Unlock()
			switch out {
			case outcomeDelivered:
				report.Delivered++
			case outcomeFailed:
				report.Failed++
			}
			return nil
		})
	}
	_ = g.Wait()
	return report, nil
}

func (e *Engine) acquireLocal(key string) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	if _, busy := e.inFlight[key]; busy {
		return false
	}
	e.inFlight[key] = struct{}{}
	return true
}

func (e *Engine) releaseLocal(key string) {
	e.mu.Lock()
	delete(e.inFlight, key)
	e.mu.Unlock()
}

func (e *Engine) attempt(ctx context.Context, orgID string, ep domain.Endpoint, st domain.DeliveryState) (outcome, error) {
	now := e.now()
	ok, err := e.store.Repo.AcquireInFlight(ctx, st.ResultID, st.EndpointID, st.EndpointVersion,
		domain.FormatTime(now), domain.FormatTime(now.Add(-2*e.timeout)))
	if err != nil || !ok {
		return outcomeSkipped, err
	}
	res, err := e.store.Repo.GetResult(ctx, st.ResultID)
	if err != nil {
		_ = e.store.Repo.ReleaseInFlight(ctx, st.ResultID, st.EndpointID)
		return outcomeSkipped, err
	}
	attempt := st.Attempts + 1

	ctx, span := e.tracer.Start(ctx, "delivery.attempt", trace.WithAttributes(
		attribute.String("org_id", orgID),
		attribute.String("result_id", st.ResultID),
		attribute.String("endpoint_id", st.EndpointID),
		attribute.Int("attempt", attempt),
	))
	defer span.End()

	sent := e.post(ctx, ep, st, attempt, res)
	span.SetAttributes(attribute.Int("http.status_code", sent.code))

	done := domain.FormatTime(e.now())
	rec := domain.DeliveryRecord{
		ResultID:        st.ResultID,
		EndpointID:      st.EndpointID,
		EndpointVersion: st.EndpointVersion,
		Attempt:         attempt,
		StatusCode:      sent.code,
		ResponseSummary: sent.summary,
		CreatedAt:       done,
	}
	next := st
	next.Attempts = attempt
	next.UpdatedAt = done
	next.InFlightSince = ""
	out := outcomeDelivered
	if sent.ok {
		rec.Status = domain.DeliverySuccess
		next.State = domain.PairDelivered
		next.NextAttemptAt = ""
		next.LastError = ""
	} else {
		out = outcomeFailed
		rec.Status = domain.DeliveryFailure
		next.LastError = sent.summary
		next.State, next.NextAttemptAt = e.retryState(attempt, e.now())
		span.SetStatus(codes.Error, sent.summary)
	}
	if _, err := e.store.CreateDeliveryRecord(ctx, orgID, rec, next); err != nil {
		_ = e.store.Repo.ReleaseInFlight(context.WithoutCancel(ctx), st.ResultID, st.EndpointID)
		return outcomeSkipped, err
	}
	fields := []zap.Field{
		zap.String("org_id", orgID),
		zap.String("result_id", st.ResultID),
		zap.String("endpoint_id", st.EndpointID),
		zap.Int("attempt", attempt),
		zap.Int("status_code", sent.code),
		zap.String("state", string(next.State)),
	}
	if sent.ok {
		e.logger.Info("delivery succeeded", fields...)
	} else {
		e.logger.Warn("delivery failed", append(fields, zap.String("summary", sent.summary))...)
	}
	return out, nil
}

// retryState moves a failed attempt either to a scheduled retry or, once the
// retry budget is spent, to failed.
func (e *Engine) retryState(attempts int, now time.Time) (domain.PairState, string) {
	if attempts > e.cfg.MaxRetries {
		return domain.PairFailed, ""
	}
	return domain.PairEligible, domain.FormatTime(now.Add(Backoff(e.cfg.BackoffBase, attempts)))
}

// Backoff is base * 2^(attempts-1).
func Backoff(base time.Duration, attempts int) time.Duration {
	if attempts < 1 {
		attempts = 1
	}
	return base << (attempts - 1)
}

// Retrigger re-arms a failed pair so the next dispatch attempts it again.
func (e *Engine) Retrigger(ctx context.Context, resultID, endpointID string) error {
	ok, err := e.store.Repo.RetriggerFailed(ctx, resultID, endpointID, domain.FormatTime(e.now()))
	if err != nil {
		return err
	}
	if !ok {
		return domain.ValidationError{Field: "state", Reason: "only failed deliveries can be retriggered"}
	}
	e.logger.Info("delivery retriggered", zap.String("result_id", resultID), zap.String("endpoint_id", endpointID))
	return nil
}

// TriggerManualSync re-observes the org and forces an attempt on every
// eligible but undelivered pair.
func (e *Engine) TriggerManualSync(ctx context.Context, orgID string) (SyncReport, error) {
	if _, err := e.Observe(ctx, orgID); err != nil {
		return SyncReport{}, err
	}
	return e.DispatchDue(ctx, orgID, true)
}

// Run observes and dispatches every org with enabled endpoints on each tick
// until ctx is cancelled.
func (e *Engine) Run(ctx context.Context) error {
	ticker := time.NewTicker(e.cfg.PollInterval)
	defer ticker.Stop()
	for {
		e.tick(ctx)
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
	}
}

func (e *Engine) tick(ctx context.Context) {
	orgs, err := e.store.Repo.OrgsWithEnabledEndpoints(ctx)
	if err != nil {
		if !errors.Is(err, context.Canceled) {
			e.logger.Warn("delivery: list orgs failed", zap.Error(err))
		}
		return
	}
	for _, orgID := range orgs {
		if ctx.Err() != nil {
			return
		}
		if _, err := e.Observe(ctx, orgID); err != nil {
			e.logger.Warn("delivery: observe failed", zap.String("org_id", orgID), zap.Error(err))
			continue
		}
		if _, err := e.DispatchDue(ctx, orgID, false); err != nil {
			e.logger.Warn("delivery: dispatch failed", zap.String("org_id", orgID), zap.Error(err))
		}
	}
}

// History returns the attempt records for an org, optionally narrowed to one pair.
func (e *Engine) History(ctx context.Context, orgID, resultID, endpointID string) ([]domain.DeliveryRecord, error) {
	return e.store.ListDeliveryRecords(ctx, repo.RecordFilter{OrgID: orgID, ResultID: resultID, EndpointID: endpointID})
}

// States lists pair states of an org; an empty state lists all.
func (e *Engine) States(ctx context.Context, orgID string, state domain.PairState) ([]domain.DeliveryState, error) {
	return e.store.Repo.ListDeliveryStates(ctx, orgID, state)
}
