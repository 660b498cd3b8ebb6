// Package api provides the HTTP API server.
package api //nolint:revive // api is a common, well-understood package name

import (
	"context"
	"errors"
	"net/http"
	"regexp"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/rs/zerolog"

	"github.com/reelgrab/reelgrab/apitypes"
	"github.com/reelgrab/reelgrab/internal/backend"
	"github.com/reelgrab/reelgrab/internal/catalog"
	"github.com/reelgrab/reelgrab/internal/history"
	"github.com/reelgrab/reelgrab/internal/magnet"
	"github.com/reelgrab/reelgrab/internal/orchestrator"
)

// validSerialPattern matches serial code parameters. Permissive enough for
// every serial family while blocking path traversal and injection.
var validSerialPattern = regexp.MustCompile(`^[a-zA-Z0-9_-]+$`)

// maxSerialLength is the maximum allowed length for serial parameters.
const maxSerialLength = 64

// validateSerial checks that a serial parameter is non-empty, of reasonable
// length, and contains only safe characters.
func validateSerial(serial string) error {
	if serial == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "serial is required")
	}
	if len(serial) > maxSerialLength {
		return echo.NewHTTPError(http.StatusBadRequest, "serial too long")
	}
	if !validSerialPattern.MatchString(serial) {
		return echo.NewHTTPError(http.StatusBadRequest, "serial contains invalid characters")
	}
	return nil
}

// statusesOfInterest are the buckets reported by the stats endpoint.
var statusesOfInterest = []backend.DownloadStatus{
	backend.StatusDiscovered,
	backend.StatusQueued,
	backend.StatusDownloading,
	backend.StatusPaused,
	backend.StatusCompleted,
	backend.StatusInLibrary,
	backend.StatusDownloadFailed,
	backend.StatusNoSource,
}

// Server is the HTTP API server.
type Server struct {
	echo         *echo.Echo
	orchestrator *orchestrator.Orchestrator
	backends     *backend.Registry
	store        catalog.Store
	resolver     *catalog.Resolver
	history      history.Recorder
	logger       zerolog.Logger
}

// Option is a functional option for configuring the server.
type Option func(*Server)

// WithLogger sets the logger.
func WithLogger(logger zerolog.Logger) Option {
	return func(s *Server) {
		s.logger = logger
	}
}

// New creates a new API server.
func New(
	orch *orchestrator.Orchestrator,
	backends *backend.Registry,
	store catalog.Store,
	resolver *catalog.Resolver,
	rec history.Recorder,
	opts ...Option,
) *Server {
	s := &Server{
		echo:         echo.New(),
		orchestrator: orch,
		backends:     backends,
		store:        store,
		resolver:     resolver,
		history:      rec,
		logger:       zerolog.Nop(),
	}

	for _, opt := range opts {
		opt(s)
	}

	s.setupMiddleware()
	s.setupRoutes()

	return s
}

func (s *Server) setupMiddleware() {
	s.echo.HideBanner = true
	s.echo.HidePort = true

	// Request logging
	s.echo.Use(middleware.RequestLoggerWithConfig(middleware.RequestLoggerConfig{
		LogURI:    true,
		LogStatus: true,
		LogMethod: true,
		LogError:  true,
		LogValuesFunc: func(_ echo.Context, v middleware.RequestLoggerValues) error {
			if v.Error != nil {
				s.logger.Error().
					Err(v.Error).
					Str("method", v.Method).
					Str("uri", v.URI).
					Int("status", v.Status).
					Msg("request error")
			} else {
				s.logger.Debug().
					Str("method", v.Method).
					Str("uri", v.URI).
					Int("status", v.Status).
					Msg("request")
			}
			return nil
		},
	}))

	// Recovery
	s.echo.Use(middleware.Recover())

	// CORS
	s.echo.Use(middleware.CORSWithConfig(middleware.CORSConfig{
		AllowOrigins: []string{"*"},
		AllowMethods: []string{http.MethodGet, http.MethodPost, http.MethodPut, http.MethodDelete},
	}))
}

func (s *Server) setupRoutes() {
	api := s.echo.Group("/api")

	// Health check
	api.GET("/health", s.healthHandler)

	// Stats
	api.GET("/stats", s.statsHandler)

	// Backends and their transfers
	api.GET("/backends", s.listBackendsHandler)
	api.GET("/transfers", s.listTransfersHandler)

	// Titles
	api.GET("/titles", s.listTitlesHandler)
	api.GET("/titles/:serial", s.getTitleHandler)
	api.POST("/titles/:serial", s.submitTitleHandler)
	api.GET("/titles/:serial/activity", s.titleActivityHandler)
	api.GET("/titles/:serial/failures", s.titleFailuresHandler)
	api.POST("/titles/:serial/magnets", s.submitMagnetsHandler)

	// Pass history and activity feed
	api.GET("/passes", s.passesHandler)
	api.POST("/passes", s.triggerPassHandler)
	api.GET("/activity", s.activityHandler)

	// Status page
	s.echo.GET("/", s.indexHandler)
}

// Start starts the server.
func (s *Server) Start(addr string) error {
	s.logger.Info().Str("addr", addr).Msg("starting http server")
	return s.echo.Start(addr)
}

// Shutdown gracefully shuts down the server.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.echo.Shutdown(ctx)
}

// ServeHTTP implements http.Handler for testing.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.echo.ServeHTTP(w, r)
}

// Handlers

func (s *Server) healthHandler(c echo.Context) error {
	return c.JSON(http.StatusOK, apitypes.HealthResponse{Status: "ok"})
}

func (s *Server) statsHandler(c echo.Context) error {
	stats := apitypes.Stats{
		Backends:       len(s.backends.All()),
		TitlesByStatus: make(map[string]int),
	}

	for _, status := range statusesOfInterest {
		titles, err := s.store.ListByStatus(c.Request().Context(), status)
		if err != nil {
			return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
		}
		if len(titles) > 0 {
			stats.TitlesByStatus[status.String()] = len(titles)
		}
	}

	if summary, ok := s.orchestrator.LastSummary(); ok {
		stats.LastPass = toPassSummary(summary)
	}

	return c.JSON(http.StatusOK, stats)
}

func toPassSummary(s orchestrator.Summary) *apitypes.PassSummary {
	return &apitypes.PassSummary{
		StartedAt:        s.StartedAt,
		FinishedAt:       s.FinishedAt,
		Processed:        s.Processed,
		AlreadyInLibrary: s.AlreadyInLibrary,
		Downloading:      s.Downloading,
		Restarted:        s.Restarted,
		Added:            s.Added,
		Failed:           s.Failed,
		Skipped:          s.Skipped,
	}
}

func (s *Server) listBackendsHandler(c echo.Context) error {
	all := s.backends.All()

	response := make([]apitypes.BackendInfo, 0, len(all))
	for _, b := range all {
		response = append(response, apitypes.BackendInfo{
			Name: b.Name(),
			Kind: b.Kind(),
		})
	}

	return c.JSON(http.StatusOK, response)
}

func (s *Server) listTransfersHandler(c echo.Context) error {
	ctx := c.Request().Context()
	transfers := make([]apitypes.Transfer, 0)

	for _, b := range s.backends.All() {
		snaps, err := b.Snapshots(ctx)
		if err != nil {
			s.logger.Warn().Err(err).Str("backend", b.Name()).Msg("failed to list transfers")
			continue
		}
		for _, snap := range snaps {
			transfers = append(transfers, apitypes.Transfer{
				Backend:      b.Name(),
				Hash:         snap.Hash,
				Name:         snap.Name,
				Size:         snap.Size,
				Progress:     snap.Progress,
				DownloadRate: snap.DownloadRate,
				UploadRate:   snap.UploadRate,
				Seeds:        snap.Seeds,
				Peers:        snap.Peers,
				Status:       snap.Status.String(),
				NativeStatus: snap.NativeStatus,
				AddedAt:      snap.AddedAt,
			})
		}
	}

	return c.JSON(http.StatusOK, transfers)
}

func (s *Server) listTitlesHandler(c echo.Context) error {
	statuses := statusesOfInterest
	if q := c.QueryParam("status"); q != "" {
		status, ok := parseStatus(q)
		if !ok {
			return echo.NewHTTPError(http.StatusBadRequest, "unknown status")
		}
		statuses = []backend.DownloadStatus{status}
	}

	titles, err := s.store.ListByStatus(c.Request().Context(), statuses...)
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}

	response := make([]apitypes.Title, 0, len(titles))
	for _, t := range titles {
		response = append(response, toTitle(t))
	}
	return c.JSON(http.StatusOK, response)
}

// parseStatus resolves a status name from the query string.
func parseStatus(name string) (backend.DownloadStatus, bool) {
	for _, status := range statusesOfInterest {
		if status.String() == name {
			return status, true
		}
	}
	return 0, false
}

func toTitle(t *catalog.Title) apitypes.Title {
	return apitypes.Title{
		SerialCode: t.SerialCode,
		Name:       t.Name,
		Status:     t.Status.String(),
		Hash:       t.Hash,
		Size:       t.Size,
		CreatedAt:  t.CreatedAt,
		UpdatedAt:  t.UpdatedAt,
	}
}

func (s *Server) getTitleHandler(c echo.Context) error {
	serial := c.Param("serial")
	if err := validateSerial(serial); err != nil {
		return err
	}

	title, err := s.store.GetBySerial(c.Request().Context(), serial)
	if errors.Is(err, catalog.ErrNotFound) {
		return c.JSON(http.StatusNotFound, apitypes.ErrorResponse{Error: "title not found"})
	}
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}

	return c.JSON(http.StatusOK, toTitle(title))
}

func (s *Server) titleActivityHandler(c echo.Context) error {
	serial := c.Param("serial")
	if err := validateSerial(serial); err != nil {
		return err
	}

	if s.history == nil {
		return c.JSON(http.StatusOK, []any{})
	}
	return c.JSON(http.StatusOK, s.history.ActivityBySerial(serial))
}

func (s *Server) titleFailuresHandler(c echo.Context) error {
	serial := c.Param("serial")
	if err := validateSerial(serial); err != nil {
		return err
	}

	failures, err := s.store.FailuresBySerial(c.Request().Context(), serial)
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	return c.JSON(http.StatusOK, failures)
}

// buildMagnetRecords normalizes magnet submissions into store records.
// Every URI must yield a valid info hash or the whole batch is rejected.
func buildMagnetRecords(serial string, subs []apitypes.MagnetSubmission) ([]*catalog.MagnetRecord, error) {
	records := make([]*catalog.MagnetRecord, 0, len(subs))
	for _, sub := range subs {
		hash, err := magnet.ExtractHash(sub.URI)
		if err != nil {
			return nil, err
		}
		records = append(records, &catalog.MagnetRecord{
			Hash:       hash,
			SerialCode: serial,
			Name:       sub.Name,
			Size:       sub.Size,
			Seeds:      sub.Seeds,
			Quality:    sub.Quality,
		})
	}
	return records, nil
}

// ensureTitle returns the catalog row for a serial, creating it as
// discovered when absent. A lost creation race refetches the winner.
func (s *Server) ensureTitle(ctx context.Context, serial, name string, size int64) (*catalog.Title, error) {
	title, err := s.store.GetBySerial(ctx, serial)
	if err == nil {
		return title, nil
	}
	if !errors.Is(err, catalog.ErrNotFound) {
		return nil, err
	}

	title, err = s.store.CreateTitle(ctx, &catalog.Title{
		SerialCode: serial,
		Name:       name,
		Size:       size,
		Status:     backend.StatusDiscovered,
	})
	if errors.Is(err, catalog.ErrConflict) {
		return s.store.GetBySerial(ctx, serial)
	}
	return title, err
}

func parseEntityKind(name string) (catalog.EntityKind, bool) {
	for _, kind := range catalog.Kinds() {
		if string(kind) == name {
			return kind, true
		}
	}
	return "", false
}

// submitMagnetsHandler ingests pre-parsed magnet candidates for a title,
// creating the title as discovered when it is not in the catalog yet.
func (s *Server) submitMagnetsHandler(c echo.Context) error {
	serial := c.Param("serial")
	if err := validateSerial(serial); err != nil {
		return err
	}

	var submissions []apitypes.MagnetSubmission
	if err := c.Bind(&submissions); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}
	if len(submissions) == 0 {
		return echo.NewHTTPError(http.StatusBadRequest, "at least one magnet is required")
	}

	records, err := buildMagnetRecords(serial, submissions)
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}

	ctx := c.Request().Context()
	if _, err := s.ensureTitle(ctx, serial, "", 0); err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}

	for _, rec := range records {
		if err := s.store.SaveMagnet(ctx, rec); err != nil {
			return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
		}
	}

	return c.JSON(http.StatusCreated, apitypes.IngestResult{Accepted: len(records)})
}

// submitTitleHandler ingests pre-parsed title metadata: related catalog
// entities are resolved through the entity resolver (get-or-create with
// first-non-empty-wins merge) and linked to the title; magnet candidates are
// stored for ranking on the next pass.
func (s *Server) submitTitleHandler(c echo.Context) error {
	serial := c.Param("serial")
	if err := validateSerial(serial); err != nil {
		return err
	}

	var sub apitypes.TitleSubmission
	if err := c.Bind(&sub); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}

	kinds := make([]catalog.EntityKind, len(sub.Entities))
	for i, es := range sub.Entities {
		kind, ok := parseEntityKind(es.Kind)
		if !ok {
			return echo.NewHTTPError(http.StatusBadRequest, "unknown entity kind "+es.Kind)
		}
		if es.Name == "" {
			return echo.NewHTTPError(http.StatusBadRequest, "entity name is required")
		}
		kinds[i] = kind
	}

	records, err := buildMagnetRecords(serial, sub.Magnets)
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}

	ctx := c.Request().Context()
	title, err := s.ensureTitle(ctx, serial, sub.Name, sub.Size)
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}

	for i, es := range sub.Entities {
		entity, err := s.resolver.Resolve(ctx, kinds[i], es.Name, es.Fields)
		if err != nil {
			return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
		}
		if err := s.store.AttachRelation(ctx, title.ID, entity.ID); err != nil {
			return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
		}
	}

	for _, rec := range records {
		if err := s.store.SaveMagnet(ctx, rec); err != nil {
			return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
		}
	}

	return c.JSON(http.StatusCreated, apitypes.IngestResult{
		Accepted: len(records),
		Entities: len(sub.Entities),
	})
}

func (s *Server) passesHandler(c echo.Context) error {
	if s.history == nil {
		return c.JSON(http.StatusOK, []any{})
	}
	return c.JSON(http.StatusOK, s.history.Passes())
}

// triggerPassHandler runs one orchestration pass and returns its summary.
func (s *Server) triggerPassHandler(c echo.Context) error {
	summary, err := s.orchestrator.RunPass(c.Request().Context())
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	return c.JSON(http.StatusOK, toPassSummary(summary))
}

func (s *Server) activityHandler(c echo.Context) error {
	if s.history == nil {
		return c.JSON(http.StatusOK, []any{})
	}
	return c.JSON(http.StatusOK, s.history.Activities())
}

func (s *Server) indexHandler(c echo.Context) error {
	html := `<!DOCTYPE html>
<html>
<head>
    <title>ReelGrab</title>
    <style>
        body { font-family: -apple-system, BlinkMacSystemFont, "Segoe UI", Roboto, sans-serif; margin: 40px; }
        h1 { color: #333; }
        .status { color: #28a745; }
        a { color: #007bff; }
    </style>
</head>
<body>
    <h1>ReelGrab</h1>
    <p class="status">Status: Running</p>
    <h2>API Endpoints</h2>
    <ul>
        <li><a href="/api/health">/api/health</a> - Health check</li>
        <li><a href="/api/stats">/api/stats</a> - Statistics</li>
        <li><a href="/api/backends">/api/backends</a> - Configured torrent clients</li>
        <li><a href="/api/transfers">/api/transfers</a> - Active transfers</li>
        <li><a href="/api/titles">/api/titles</a> - Catalog titles</li>
        <li><a href="/api/passes">/api/passes</a> - Pass history (POST triggers a pass)</li>
        <li><a href="/api/activity">/api/activity</a> - Activity feed</li>
    </ul>
</body>
</html>`
	return c.HTML(http.StatusOK, html)
}
