// Package server provides the public entry point for initializing the
// Hearthlink plugin gateway.
//
// This package exists in pkg/ (not internal/) so that embedders can
// compose the full gateway with their own plugin runner and middleware.
//
// Usage:
//
//	srv, err := server.New(ctx)
//	http.ListenAndServe(":8080", srv.Handler)
package server

import (
	"context"
	"fmt"
	"net/http"

	"github.com/rs/zerolog/log"

	"github.com/hearthlink/hearthlink/gateway/internal/api"
	"github.com/hearthlink/hearthlink/gateway/internal/audit"
	"github.com/hearthlink/hearthlink/gateway/internal/config"
	"github.com/hearthlink/hearthlink/gateway/internal/lifecycle"
	"github.com/hearthlink/hearthlink/gateway/internal/manifest"
	"github.com/hearthlink/hearthlink/gateway/internal/sandbox"
	"github.com/hearthlink/hearthlink/gateway/internal/security"
	"github.com/hearthlink/hearthlink/gateway/internal/store"
	"github.com/hearthlink/hearthlink/gateway/internal/telemetry"
	"github.com/hearthlink/hearthlink/gateway/internal/traffic"
	"github.com/hearthlink/hearthlink/gateway/pkg/contracts"
)

// Config is the public configuration for the gateway server.
type Config struct {
	Port    int
	Version string

	// Runner executes plugin payloads inside the sandbox. When nil the
	// execute endpoints report that no runner is configured; everything
	// else (registration, permissions, security, audit) works without it.
	Runner contracts.PluginRunner

	OTELEnabled  bool
	OTELEndpoint string
	ServiceName  string
}

// Server holds the initialized Hearthlink gateway.
type Server struct {
	// Handler is the HTTP handler with all routes and middleware.
	Handler http.Handler

	// Store is the persistence layer backing plugin and permission state.
	Store contracts.KVStore

	// Config is the server configuration.
	Config *Config

	// Port is the port the server should listen on.
	Port int

	// Controller schedules plugin executions. Exposed so embedders can
	// submit work directly without going through HTTP.
	Controller *traffic.Controller

	// ShutdownFunc should be called on graceful shutdown. It drains the
	// traffic controller, flushes the store, and shuts down telemetry.
	ShutdownFunc func(context.Context) error
}

// LoadConfig loads configuration from environment variables.
func LoadConfig() *Config {
	cfg := config.Load()
	return &Config{
		Port:         cfg.Port,
		Version:      cfg.Version,
		OTELEnabled:  cfg.Telemetry.Enabled,
		OTELEndpoint: cfg.Telemetry.OTLPEndpoint,
		ServiceName:  cfg.Telemetry.ServiceName,
	}
}

// New initializes all gateway components and returns a ready Server.
func New(ctx context.Context) (*Server, error) {
	return NewWithConfig(ctx, LoadConfig())
}

// NewWithConfig initializes the gateway with an explicit configuration.
func NewWithConfig(_ context.Context, pubCfg *Config) (*Server, error) {
	cfg := config.Load()
	if pubCfg.Port > 0 {
		cfg.Port = pubCfg.Port
	}
	if pubCfg.Version != "" {
		cfg.Version = pubCfg.Version
	}
	cfg.Telemetry.Enabled = pubCfg.OTELEnabled
	if pubCfg.OTELEndpoint != "" {
		cfg.Telemetry.OTLPEndpoint = pubCfg.OTELEndpoint
	}
	if pubCfg.ServiceName != "" {
		cfg.Telemetry.ServiceName = pubCfg.ServiceName
	}

	telemetryShutdown, err := telemetry.Init(cfg.Telemetry)
	if err != nil {
		return nil, fmt.Errorf("init telemetry: %w", err)
	}

	kv := store.NewFileStore(&cfg.Store)
	if cfg.Store.Path != "" {
		log.Info().Str("path", cfg.Store.Path).Msg("file store initialized")
	} else {
		log.Info().Msg("in-memory store initialized")
	}

	trail := audit.New(&cfg.Audit)
	quarantine := security.NewQuarantineSet()
	orchestrator := security.NewOrchestrator(&cfg.Security, quarantine, trail)
	validator := manifest.NewValidator(&cfg.Security, trail)
	lm := lifecycle.NewManager(&cfg.Security, validator, kv, trail)

	executor := sandbox.NewExecutor(&cfg.Sandbox, pubCfg.Runner, orchestrator)
	bench := sandbox.NewBenchmarker(&cfg.Benchmark, pubCfg.Runner)

	controller := traffic.NewController(&cfg.Traffic, executor, lm, quarantine, orchestrator, trail)
	orchestrator.SetCanceller(controller)
	orchestrator.SetSuspender(lm)

	log.Info().Msg("plugin lifecycle manager initialized")
	log.Info().Msg("security orchestrator initialized")
	log.Info().Int("workers", cfg.Traffic.MaxWorkers).Msg("traffic controller initialized")

	h := &api.Handlers{
		Lifecycle:  lm,
		Controller: controller,
		Security:   orchestrator,
		Quarantine: quarantine,
		Bench:      bench,
		Trail:      trail,
		Sandbox:    &cfg.Sandbox,
	}
	router := api.NewRouter(cfg, h)

	shutdown := func(ctx context.Context) error {
		controller.Stop()
		if err := kv.Close(); err != nil {
			log.Warn().Err(err).Msg("store close failed")
		}
		return telemetryShutdown(ctx)
	}

	return &Server{
		Handler:      router,
		Store:        kv,
		Config:       pubCfg,
		Port:         cfg.Port,
		Controller:   controller,
		ShutdownFunc: shutdown,
	}, nil
}
