package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"missionline/internal/config"
	"missionline/internal/db"
	"missionline/internal/delivery"
	"missionline/internal/engine"
	"missionline/internal/migrate"
	"missionline/internal/server"
	"missionline/internal/telemetry"
)

func serveCmd() *cobra.Command {
	var addr, basePath string
	var devHeaders, noDelivery bool
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the HTTP API and the delivery loop",
		RunE: func(cmd *cobra.Command, args []string) error {
			workspace := viper.GetString("workspace")
			cfg, err := config.Load(workspace)
			if err != nil {
				return err
			}
			logger, err := telemetry.LoggerFromConfig(cfg)
			if err != nil {
				return err
			}
			defer logger.Sync()

			shutdownTracing, err := telemetry.SetupTracing(cmd.Context(), cfg.Tracing)
			if err != nil {
				return fmt.Errorf("tracing: %w", err)
			}
			defer func() {
				ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				defer cancel()
				if err := shutdownTracing(ctx); err != nil {
					logger.Warn("tracing shutdown", zap.Error(err))
				}
			}()

			conn, err := db.Open(db.Config{Workspace: workspace})
			if err != nil {
				return err
			}
			defer conn.Close()
			if err := migrate.Migrate(conn); err != nil {
				return err
			}
			e := engine.New(conn, cfg)
			e.Logger = logger
			e.Tracer = telemetry.Tracer()

			authCfg := server.AuthConfig{
				JWTSecret:              os.Getenv("MISSIONLINE_JWT_SECRET"),
				AllowLegacyActorHeader: devHeaders,
				Logger:                 logger,
			}
			if authCfg.JWTSecret == "" && !devHeaders {
				return fmt.Errorf("MISSIONLINE_JWT_SECRET is required for bearer auth")
			}
			d := delivery.New(e, delivery.Options{Logger: logger, Tracer: e.Tracer})
			handler, err := server.New(server.Config{Engine: e, Delivery: d, BasePath: basePath, Auth: authCfg, Logger: logger})
			if err != nil {
				return err
			}
			srv := &http.Server{Addr: addr, Handler: handler}

			g, ctx := errgroup.WithContext(cmd.Context())
			g.Go(func() error {
				<-ctx.Done()
				sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				defer cancel()
				return srv.Shutdown(sctx)
			})
			g.Go(func() error {
				logger.Info("serving missionline api",
					zap.String("addr", addr),
					zap.String("base_path", basePath),
					zap.Bool("legacy_headers", devHeaders))
				if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
					return err
				}
				return nil
			})
			if !noDelivery {
				g.Go(func() error { return d.Run(ctx) })
			}
			fmt.Printf("Serving Missionline API on http://%s%s (OpenAPI at %s/openapi.json, Swagger UI at %s/docs)\n", addr, basePath, basePath, basePath)
			return g.Wait()
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "127.0.0.1:8080", "listen address")
	cmd.Flags().StringVar(&basePath, "base-path", "/v0", "API base path")
	cmd.Flags().BoolVar(&devHeaders, "dev-headers", false, "accept X-Actor-Id/X-Org-Id without credentials (local development only)")
	cmd.Flags().BoolVar(&noDelivery, "no-delivery", false, "do not run the webhook delivery loop")
	return cmd
}
