package engine

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"missionline/internal/config"
	"missionline/internal/domain"
	"missionline/internal/engine/auth"
	"missionline/internal/events"
	"missionline/internal/repo"
	"missionline/internal/telemetry"
)

// Engine is the mission store facade. Every state change it makes commits
// together with its event row.
type Engine struct {
	DB         *sql.DB
	Repo       repo.Repo
	Config     *config.Config
	Authorizer auth.Authorizer
	Logger     *zap.Logger
	Tracer     trace.Tracer
	Now        func() time.Time
}

func New(db *sql.DB, cfg *config.Config) Engine {
	if cfg == nil {
		cfg = config.Default()
	}
	return Engine{
		DB:         db,
		Repo:       repo.Repo{DB: db},
		Config:     cfg,
		Authorizer: auth.CreditAuthorizer{DB: db},
		Logger:     zap.NewNop(),
		Tracer:     telemetry.Tracer(),
		Now:        time.Now,
	}
}

func (e Engine) now() time.Time {
	if e.Now != nil {
		return e.Now()
	}
	return time.Now()
}

func (e Engine) events() events.Writer {
	return events.Writer{Now: e.now}
}

func (e Engine) logger() *zap.Logger {
	if e.Logger == nil {
		return zap.NewNop()
	}
	return e.Logger
}

func (e Engine) tracer() trace.Tracer {
	if e.Tracer == nil {
		return telemetry.Tracer()
	}
	return e.Tracer
}

func (e Engine) config() *config.Config {
	if e.Config == nil {
		return config.Default()
	}
	return e.Config
}

// transient wraps deadline failures so callers can retry them.
func transient(op string, err error) error {
	if errors.Is(err, context.DeadlineExceeded) {
		return domain.TransientNetworkError{Op: op, Err: err}
	}
	return err
}
