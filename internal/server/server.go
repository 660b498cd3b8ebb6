// Package server provides the main application server.
package server

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/reelgrab/reelgrab/internal/api"
	"github.com/reelgrab/reelgrab/internal/backend"
	"github.com/reelgrab/reelgrab/internal/catalog"
	"github.com/reelgrab/reelgrab/internal/chart"
	"github.com/reelgrab/reelgrab/internal/config"
	"github.com/reelgrab/reelgrab/internal/events"
	"github.com/reelgrab/reelgrab/internal/history"
	"github.com/reelgrab/reelgrab/internal/library"
	"github.com/reelgrab/reelgrab/internal/orchestrator"
)

// Options holds additional server options not in config.
type Options struct {
	Logger zerolog.Logger
}

// Server is the main application server.
type Server struct {
	cfg          config.Config
	apiServer    *api.Server
	orchestrator *orchestrator.Orchestrator
	store        catalog.Store
	bus          *events.Bus
	historyDone  <-chan struct{}
	logger       zerolog.Logger
}

// New creates a new server with the given configuration.
//
//nolint:funlen // initialization function needs to set up multiple components
func New(cfg config.Config, opts Options) (*Server, error) {
	logger := opts.Logger
	if logger.GetLevel() == zerolog.Disabled {
		logger = zerolog.Nop()
	}

	// Build backends from config
	registry := backend.NewRegistry(
		backend.WithRegistryLogger(logger),
	)

	for name, bCfg := range cfg.Backends {
		logger.Debug().Str("name", name).Str("type", bCfg.Type).Msg("configuring backend")

		b, err := buildBackend(name, bCfg, logger)
		if err != nil {
			return nil, fmt.Errorf("backend %q: %w", name, err)
		}
		if err := registry.Register(b); err != nil {
			return nil, err
		}
	}

	// Open the catalog store
	store, err := catalog.OpenSQLite(cfg.Engine.DatabasePath,
		catalog.WithStoreLogger(logger),
	)
	if err != nil {
		return nil, fmt.Errorf("open catalog: %w", err)
	}

	// Library checkers: Jellyfin first, local paths as fallback
	var checkers library.Multi
	if cfg.Library.Jellyfin.URL != "" {
		checkers = append(checkers, library.NewJellyfin(library.JellyfinConfig{
			URL:     cfg.Library.Jellyfin.URL,
			APIKey:  cfg.Library.Jellyfin.APIKey,
			UserID:  cfg.Library.Jellyfin.UserID,
			Timeout: cfg.Library.Jellyfin.HTTPTimeout,
		}, library.WithJellyfinLogger(logger)))
	}
	for _, path := range cfg.Library.LocalPaths {
		checkers = append(checkers, library.NewLocal(path))
	}

	var checker library.Checker
	if len(checkers) > 0 {
		checker = checkers
	}

	// Event bus with a history tail
	bus := events.New(
		events.WithLogger(logger.With().Str("component", "events").Logger()),
	)
	recorder := history.NewRecorder(
		history.WithLogger(logger.With().Str("component", "history").Logger()),
	)
	historyDone := history.Follow(context.Background(), bus, recorder)

	// Failover controller
	failover := orchestrator.NewFailoverController(store, bus,
		orchestrator.FailoverConfig{
			SnapshotTTL:    cfg.Failover.SnapshotTTL,
			StallAfter:     cfg.Failover.StallAfter,
			MinRate:        cfg.Failover.MinRate,
			QualityCeiling: cfg.Failover.QualityCeiling,
			ProbeWindow:    cfg.Failover.ProbeWindow,
		},
		orchestrator.WithFailoverLogger(logger),
	)

	// Serial source: chart files under the configured directory
	source := chart.NewDirSource(cfg.Engine.ChartsPath, chart.WithLogger(logger))

	orchOpts := []orchestrator.Option{
		orchestrator.WithLogger(logger.With().Str("component", "orchestrator").Logger()),
		orchestrator.WithBus(bus),
		orchestrator.WithWorkers(cfg.Engine.Workers),
		orchestrator.WithSavePath(cfg.Engine.SavePath),
	}
	if cfg.Engine.PassInterval > 0 {
		orchOpts = append(orchOpts, orchestrator.WithPassInterval(cfg.Engine.PassInterval))
	}
	if len(cfg.Engine.SkipPrefixes) > 0 {
		orchOpts = append(orchOpts, orchestrator.WithSkipPrefixes(cfg.Engine.SkipPrefixes))
	}
	if cfg.Engine.Backend != "" {
		orchOpts = append(orchOpts, orchestrator.WithBackendName(cfg.Engine.Backend))
	}

	orch := orchestrator.New(registry, store, checker, failover, source, orchOpts...)

	// Record pass summaries into history
	go followPasses(bus, recorder)

	resolver := catalog.NewResolver(store,
		catalog.WithResolverLogger(logger),
	)

	apiServer := api.New(
		orch,
		registry,
		store,
		resolver,
		recorder,
		api.WithLogger(logger.With().Str("component", "api").Logger()),
	)

	return &Server{
		cfg:          cfg,
		apiServer:    apiServer,
		orchestrator: orch,
		store:        store,
		bus:          bus,
		historyDone:  historyDone,
		logger:       logger,
	}, nil
}

// buildBackend constructs one torrent client adapter from its config entry.
func buildBackend(name string, cfg config.BackendConfig, logger zerolog.Logger) (backend.Backend, error) {
	adapterLogger := backend.WithLogger(logger.With().Str("backend", name).Logger())

	switch cfg.Type {
	case "qbittorrent":
		return backend.NewQBittorrent(backend.QBittorrentConfig{
			Name:     name,
			URL:      cfg.URL,
			Username: cfg.Username,
			Password: cfg.Password,
			Timeout:  cfg.HTTPTimeout,
		}, adapterLogger)

	case "bitcomet":
		return backend.NewBitComet(backend.BitCometConfig{
			Name:     name,
			URL:      cfg.URL,
			Username: cfg.Username,
			Password: cfg.Password,
			Timeout:  cfg.HTTPTimeout,
		}, adapterLogger)

	case "transmission":
		return backend.NewTransmission(backend.TransmissionConfig{
			Name:     name,
			URL:      cfg.URL,
			Username: cfg.Username,
			Password: cfg.Password,
			Timeout:  cfg.HTTPTimeout,
		}, adapterLogger)

	default:
		return nil, fmt.Errorf("unknown backend type %q", cfg.Type)
	}
}

// followPasses records each completed pass summary into history.
func followPasses(bus *events.Bus, rec history.Recorder) {
	sub := bus.Subscribe(events.PassCompleted)
	for e := range sub {
		summary, ok := e.Subject.(orchestrator.Summary)
		if !ok {
			continue
		}
		rec.RecordPass(history.PassRecord{
			StartedAt:        summary.StartedAt,
			FinishedAt:       summary.FinishedAt,
			Processed:        summary.Processed,
			AlreadyInLibrary: summary.AlreadyInLibrary,
			Downloading:      summary.Downloading,
			Restarted:        summary.Restarted,
			Added:            summary.Added,
			Failed:           summary.Failed,
			Skipped:          summary.Skipped,
		})
	}
}

// Run starts the server and blocks until the context is cancelled.
func (s *Server) Run(ctx context.Context) error {
	s.logger.Info().
		Str("listen", s.cfg.Server.Listen).
		Str("charts_path", s.cfg.Engine.ChartsPath).
		Str("save_path", s.cfg.Engine.SavePath).
		Msg("starting reelgrab")

	if err := s.orchestrator.Start(ctx); err != nil {
		return fmt.Errorf("failed to start orchestrator: %w", err)
	}

	errCh := make(chan error, 1)
	go func() {
		if err := s.apiServer.Start(s.cfg.Server.Listen); err != nil {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
		s.logger.Info().Msg("received shutdown signal")
	case err := <-errCh:
		return fmt.Errorf("server error: %w", err)
	}

	return nil
}

// RunOnce executes a single pass and returns its summary without starting
// the HTTP server or the pass loop.
func (s *Server) RunOnce(ctx context.Context) (orchestrator.Summary, error) {
	return s.orchestrator.RunPass(ctx)
}

// Shutdown gracefully shuts down the server.
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info().Msg("shutting down...")

	if err := s.apiServer.Shutdown(ctx); err != nil {
		s.logger.Error().Err(err).Msg("server shutdown error")
	}

	s.orchestrator.Stop()

	// Closing the bus ends the history tail.
	s.bus.Close()
	select {
	case <-s.historyDone:
	case <-time.After(time.Second):
	}

	if err := s.store.Close(); err != nil {
		s.logger.Error().Err(err).Msg("catalog close error")
	}

	s.logger.Info().Msg("shutdown complete")
	return nil
}
