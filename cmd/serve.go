package cmd

import (
	"fmt"

	"github.com/fatih/color"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/CodeMonkeyCybersecurity/lighthouse/internal/api"
	"github.com/CodeMonkeyCybersecurity/lighthouse/internal/core"
	"github.com/CodeMonkeyCybersecurity/lighthouse/internal/database"
	"github.com/CodeMonkeyCybersecurity/lighthouse/internal/telemetry"
	"github.com/CodeMonkeyCybersecurity/lighthouse/pkg/shutdown"
	"github.com/CodeMonkeyCybersecurity/lighthouse/pkg/trust"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the query API",
	Long: `Start the read-only HTTP API over the search index.

Endpoints:
  GET  /                               - liveness banner
  GET  /health                         - index connectivity
  GET  /metrics                        - Prometheus metrics
  POST /search                         - full-text search (10/min per caller)
  GET  /device/:id                     - one event by id (30/min per caller)
  GET  /v1/search                      - search with min_score, asset_key, sort
  GET  /v1/events/:id                  - one event by id
  GET  /v1/assets/:asset_key/latest    - newest observation of ip:port/proto
  GET  /admin/collectors               - registered sources (admin)
  POST /admin/consent                  - record consent update (admin)
  GET  /admin/outcomes                 - audit of rejected/failed events (admin)

Bearer tokens are HS256 JWTs issued with 'lighthouse token'. Authentication
is enabled with security.enable_auth (LIGHTHOUSE_ENABLE_AUTH=true).

Example:
  lighthouse serve --listen :8080`,
	RunE: runServe,
}

func init() {
	rootCmd.AddCommand(serveCmd)

	serveCmd.Flags().String("listen", defaults.API.ListenAddr, "Address to listen on")
	serveCmd.Flags().Bool("auth", defaults.Security.EnableAuth, "Require bearer tokens")
	viper.BindPFlag("api.listen_addr", serveCmd.Flags().Lookup("listen"))
	viper.BindPFlag("security.enable_auth", serveCmd.Flags().Lookup("auth"))
}

func runServe(cmd *cobra.Command, args []string) error {
	handler := shutdown.NewHandler(log)
	ctx, stop := handler.Context(cmd.Context())
	defer stop()
	defer shutdownWithin(handler, shutdownTimeout, log)

	tel, err := telemetry.New(ctx, cfg.Telemetry)
	if err != nil {
		return fmt.Errorf("failed to initialize telemetry: %w", err)
	}
	handler.RegisterShutdownFunc(tel.Close)

	idx, err := openIndex(cfg, log)
	if err != nil {
		return err
	}
	handler.RegisterShutdownFunc(idx.Close)

	var outcomes core.OutcomeStore
	if cfg.Ingest.ArchiveBackend == "postgres" {
		store, err := database.NewStore(ctx, cfg.Database, log)
		if err != nil {
			// The audit endpoint answers 503 without a store; the rest of
			// the API does not depend on it.
			log.Warnw("Outcome audit store unavailable", "error", err)
		} else {
			handler.RegisterShutdownFunc(store.Close)
			outcomes = store
		}
	}

	registry, err := trust.LoadRegistry(cfg.Ingest.PublicKeysPath)
	if err := warnIfConfig(log, err); err != nil {
		return err
	}

	var auth *api.Authenticator
	if cfg.Security.EnableAuth {
		auth, err = api.NewAuthenticator(cfg.Security.JWTSecret, 0)
		if err != nil {
			return fmt.Errorf("authentication enabled but unusable: %w", err)
		}
	} else {
		log.Warn("API authentication disabled; every caller is treated as admin")
	}

	srv, err := api.NewServer(cfg.API, cfg.Index.IndexPrefix, api.Deps{
		Index:      idx,
		Outcomes:   outcomes,
		Collectors: registry.Sources,
		Registry:   telemetry.RegistryOf(tel),
		Auth:       auth,
		Logger:     log,
	})
	if err != nil {
		return err
	}

	color.Cyan("API listening on %s\n", cfg.API.ListenAddr)
	return srv.Run(ctx)
}
