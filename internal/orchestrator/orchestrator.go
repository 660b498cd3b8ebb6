package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/reelgrab/reelgrab/internal/backend"
	"github.com/reelgrab/reelgrab/internal/catalog"
	"github.com/reelgrab/reelgrab/internal/events"
	"github.com/reelgrab/reelgrab/internal/library"
	"github.com/reelgrab/reelgrab/internal/magnet"
)

const (
	defaultWorkers         = 4
	maxWorkers             = 8
	defaultPassInterval    = 15 * time.Minute
	defaultTitleTimeout    = 2 * time.Minute
	defaultShutdownTimeout = 10 * time.Second
)

// defaultSkipPrefixes excludes serial families the pipeline never handles.
var defaultSkipPrefixes = []string{"FC2"}

// SerialSource produces the serial codes a pass should process.
type SerialSource interface {
	Serials(ctx context.Context) ([]string, error)
}

// SerialSourceFunc adapts a function to the SerialSource interface.
type SerialSourceFunc func(ctx context.Context) ([]string, error)

func (f SerialSourceFunc) Serials(ctx context.Context) ([]string, error) {
	return f(ctx)
}

// Summary is the immutable result of one pass. Every processed title lands
// in at most one of the outcome buckets below Processed.
type Summary struct {
	StartedAt  time.Time `json:"started_at"`
	FinishedAt time.Time `json:"finished_at"`

	Processed        int `json:"processed"`
	AlreadyInLibrary int `json:"already_in_library"`
	Downloading      int `json:"downloading"`
	Restarted        int `json:"restarted"`
	Added            int `json:"added"`
	Failed           int `json:"failed"`
	Skipped          int `json:"skipped"`
}

// counters accumulates a Summary across concurrent title workers.
type counters struct {
	mu sync.Mutex
	s  Summary
}

func (c *counters) add(field *int) {
	c.mu.Lock()
	*field++
	c.mu.Unlock()
}

// Orchestrator runs download passes over a serial source: it discovers
// titles, skips ones the library already holds, starts the best candidate
// for new titles, and delegates stalled transfers to the failover controller.
type Orchestrator struct {
	backends *backend.Registry
	store    catalog.Store
	library  library.Checker
	failover *FailoverController
	source   SerialSource
	bus      *events.Bus
	logger   zerolog.Logger

	backendName  string
	savePath     string
	skipPrefixes []string
	workers      int
	passInterval time.Duration
	titleTimeout time.Duration

	lastMu  sync.RWMutex
	last    Summary
	hasRun  bool
	passSeq int64

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// Option is a functional option for configuring the orchestrator.
type Option func(*Orchestrator)

// WithLogger sets the logger.
func WithLogger(logger zerolog.Logger) Option {
	return func(o *Orchestrator) {
		o.logger = logger
	}
}

// WithBus sets the event bus passes publish to.
func WithBus(bus *events.Bus) Option {
	return func(o *Orchestrator) {
		o.bus = bus
	}
}

// WithWorkers sets the title worker count, clamped to [1, 8].
func WithWorkers(n int) Option {
	return func(o *Orchestrator) {
		if n < 1 {
			n = 1
		}
		if n > maxWorkers {
			n = maxWorkers
		}
		o.workers = n
	}
}

// WithSkipPrefixes replaces the excluded serial prefixes.
func WithSkipPrefixes(prefixes []string) Option {
	return func(o *Orchestrator) {
		o.skipPrefixes = prefixes
	}
}

// WithPassInterval sets the delay between passes in continuous mode.
func WithPassInterval(d time.Duration) Option {
	return func(o *Orchestrator) {
		o.passInterval = d
	}
}

// WithSavePath sets the download directory handed to backends.
func WithSavePath(path string) Option {
	return func(o *Orchestrator) {
		o.savePath = path
	}
}

// WithBackendName pins passes to a named backend instead of the first
// registered one.
func WithBackendName(name string) Option {
	return func(o *Orchestrator) {
		o.backendName = name
	}
}

// WithTitleTimeout bounds the work done for a single title.
func WithTitleTimeout(d time.Duration) Option {
	return func(o *Orchestrator) {
		o.titleTimeout = d
	}
}

// New creates an Orchestrator.
func New(
	backends *backend.Registry,
	store catalog.Store,
	lib library.Checker,
	failover *FailoverController,
	source SerialSource,
	opts ...Option,
) *Orchestrator {
	o := &Orchestrator{
		backends:     backends,
		store:        store,
		library:      lib,
		failover:     failover,
		source:       source,
		logger:       zerolog.Nop(),
		skipPrefixes: defaultSkipPrefixes,
		workers:      defaultWorkers,
		passInterval: defaultPassInterval,
		titleTimeout: defaultTitleTimeout,
	}

	for _, opt := range opts {
		opt(o)
	}

	return o
}

// Start verifies backend connectivity and begins the pass loop.
func (o *Orchestrator) Start(ctx context.Context) error {
	o.ctx, o.cancel = context.WithCancel(ctx)

	all := o.backends.All()
	if len(all) == 0 {
		return errors.New("no backends registered")
	}

	o.publish(events.SystemStarted, nil, map[string]any{
		"backends": len(all),
		"workers":  o.workers,
	})

	g, gctx := errgroup.WithContext(o.ctx)
	for _, b := range all {
		g.Go(func() error {
			if err := b.Healthy(gctx); err != nil {
				return fmt.Errorf("backend %s unhealthy: %w", b.Name(), err)
			}
			o.publish(events.BackendConnected, nil, map[string]any{
				"backend": b.Name(),
				"kind":    b.Kind(),
			})
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}

	o.wg.Add(1)
	go func() {
		defer o.wg.Done()
		o.passLoop()
	}()

	o.logger.Info().Int("workers", o.workers).Msg("orchestrator started")
	return nil
}

// Stop halts the pass loop, waiting briefly for in-flight work.
func (o *Orchestrator) Stop() {
	if o.cancel != nil {
		o.cancel()
	}

	done := make(chan struct{})
	go func() {
		o.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		o.logger.Debug().Msg("all goroutines completed cleanly")
	case <-time.After(defaultShutdownTimeout):
		o.logger.Warn().Msg("timeout waiting for goroutines, some work may still be running")
	}

	o.logger.Info().Msg("orchestrator stopped")
}

func (o *Orchestrator) passLoop() {
	ticker := time.NewTicker(o.passInterval)
	defer ticker.Stop()

	if _, err := o.RunPass(o.ctx); err != nil {
		o.logger.Error().Err(err).Msg("pass failed")
	}

	for {
		select {
		case <-o.ctx.Done():
			return
		case <-ticker.C:
			if _, err := o.RunPass(o.ctx); err != nil {
				o.logger.Error().Err(err).Msg("pass failed")
			}
		}
	}
}

// RunPass processes every serial from the source once and returns the pass
// summary. Titles run on a bounded worker pool; a canceled ctx stops the
// pass after in-flight titles finish.
func (o *Orchestrator) RunPass(ctx context.Context) (Summary, error) {
	b, err := o.backend()
	if err != nil {
		return Summary{}, err
	}

	serials, err := o.source.Serials(ctx)
	if err != nil {
		return Summary{}, fmt.Errorf("load serials: %w", err)
	}

	// Stale snapshots from a previous pass must not drive this one.
	o.failover.FlushSnapshots()

	o.lastMu.Lock()
	o.passSeq++
	seq := o.passSeq
	o.lastMu.Unlock()

	o.publish(events.PassStarted, nil, map[string]any{
		"pass":    seq,
		"serials": len(serials),
	})

	c := &counters{s: Summary{StartedAt: time.Now()}}

	sem := make(chan struct{}, o.workers)
	var wg sync.WaitGroup

	for _, serial := range serials {
		if ctx.Err() != nil {
			break
		}

		sem <- struct{}{}
		wg.Add(1)
		go func(serial string) {
			defer wg.Done()
			defer func() { <-sem }()
			o.processSerial(ctx, b, serial, c)
		}(serial)
	}

	wg.Wait()

	c.mu.Lock()
	c.s.FinishedAt = time.Now()
	summary := c.s
	c.mu.Unlock()

	o.lastMu.Lock()
	o.last = summary
	o.hasRun = true
	o.lastMu.Unlock()

	o.publish(events.PassCompleted, summary, map[string]any{
		"pass":      seq,
		"processed": summary.Processed,
		"added":     summary.Added,
		"failed":    summary.Failed,
	})

	o.logger.Info().
		Int("processed", summary.Processed).
		Int("in_library", summary.AlreadyInLibrary).
		Int("added", summary.Added).
		Int("restarted", summary.Restarted).
		Int("failed", summary.Failed).
		Int("skipped", summary.Skipped).
		Msg("pass completed")

	return summary, nil
}

// LastSummary returns the most recent pass summary, if any pass has run.
func (o *Orchestrator) LastSummary() (Summary, bool) {
	o.lastMu.RLock()
	defer o.lastMu.RUnlock()
	return o.last, o.hasRun
}

func (o *Orchestrator) backend() (backend.Backend, error) {
	if o.backendName != "" {
		return o.backends.Get(o.backendName)
	}
	all := o.backends.All()
	if len(all) == 0 {
		return nil, errors.New("no backends registered")
	}
	return all[0], nil
}

func (o *Orchestrator) processSerial(ctx context.Context, b backend.Backend, serial string, c *counters) {
	ctx, cancel := context.WithTimeout(ctx, o.titleTimeout)
	defer cancel()

	c.add(&c.s.Processed)

	if prefix := o.matchSkipPrefix(serial); prefix != "" {
		c.add(&c.s.Skipped)
		o.publish(events.TitleSkipped, nil, map[string]any{
			"serial": serial,
			"reason": "excluded prefix " + prefix,
		})
		return
	}

	title, err := o.getOrCreateTitle(ctx, serial)
	if err != nil {
		o.logger.Error().Err(err).Str("serial", serial).Msg("failed to resolve title")
		return
	}

	if title.Status == backend.StatusInLibrary {
		c.add(&c.s.AlreadyInLibrary)
		return
	}

	if o.library != nil && !title.Status.InFlight() {
		found, err := o.library.Contains(ctx, serial)
		if err != nil {
			o.logger.Warn().Err(err).Str("serial", serial).Msg("library check failed")
		}
		if found {
			if err := o.store.UpdateStatus(ctx, serial, backend.StatusInLibrary, title.Hash); err != nil {
				o.logger.Error().Err(err).Str("serial", serial).Msg("failed to mark in library")
				return
			}
			c.add(&c.s.AlreadyInLibrary)
			o.publish(events.TitleInLibrary, title, map[string]any{"serial": serial})
			return
		}
	}

	switch Decide(title.Status) {
	case ActionNone:
		// Completed, InLibrary, or a backend-owned state: nothing to do.

	case ActionMonitor:
		o.monitor(ctx, b, title, c)

	case ActionStart:
		o.startDownload(ctx, b, title, false, c)

	case ActionRestart:
		o.startDownload(ctx, b, title, true, c)
	}
}

func (o *Orchestrator) matchSkipPrefix(serial string) string {
	for _, p := range o.skipPrefixes {
		if p != "" && strings.HasPrefix(serial, p) {
			return p
		}
	}
	return ""
}

func (o *Orchestrator) getOrCreateTitle(ctx context.Context, serial string) (*catalog.Title, error) {
	title, err := o.store.GetBySerial(ctx, serial)
	if err == nil {
		return title, nil
	}
	if !errors.Is(err, catalog.ErrNotFound) {
		return nil, err
	}

	title, err = o.store.CreateTitle(ctx, &catalog.Title{
		SerialCode: serial,
		Status:     backend.StatusDiscovered,
	})
	if errors.Is(err, catalog.ErrConflict) {
		// Another worker won the insert; use its row.
		return o.store.GetBySerial(ctx, serial)
	}
	if err != nil {
		return nil, err
	}

	o.publish(events.TitleDiscovered, title, map[string]any{"serial": serial})
	return title, nil
}

// monitor evaluates an in-flight transfer and applies the failover outcome.
func (o *Orchestrator) monitor(ctx context.Context, b backend.Backend, title *catalog.Title, c *counters) {
	ev, err := o.failover.Evaluate(ctx, b, title)
	if err != nil {
		o.logger.Error().Err(err).Str("serial", title.SerialCode).Msg("failover evaluation failed")
		return
	}

	switch ev.Outcome {
	case OutcomeHealthy:
		c.add(&c.s.Downloading)
		o.publish(events.DownloadProgress, ev.Snapshot, map[string]any{
			"serial":   title.SerialCode,
			"backend":  b.Name(),
			"progress": ev.Snapshot.Progress,
		})

	case OutcomeCompleted:
		if err := o.store.UpdateStatus(ctx, title.SerialCode, backend.StatusCompleted, title.Hash); err != nil {
			o.logger.Error().Err(err).Str("serial", title.SerialCode).Msg("failed to mark completed")
			return
		}
		o.publish(events.DownloadCompleted, ev.Snapshot, map[string]any{
			"serial":  title.SerialCode,
			"backend": b.Name(),
			"hash":    title.Hash,
		})

	case OutcomeMissing:
		// The backend lost the transfer; treat it as a fresh restart.
		o.startDownload(ctx, b, title, true, c)

	case OutcomeReplaced:
		if err := o.store.UpdateStatus(ctx, title.SerialCode, backend.StatusDownloading, ev.NewHash); err != nil {
			o.logger.Error().Err(err).Str("serial", title.SerialCode).Msg("failed to record replacement")
			return
		}
		c.add(&c.s.Restarted)

	case OutcomeExhausted:
		if err := o.store.UpdateStatus(ctx, title.SerialCode, backend.StatusDownloadFailed, title.Hash); err != nil {
			o.logger.Error().Err(err).Str("serial", title.SerialCode).Msg("failed to mark exhausted")
			return
		}
		c.add(&c.s.Failed)
		o.publish(events.DownloadFailed, title, map[string]any{
			"serial":  title.SerialCode,
			"backend": b.Name(),
			"probed":  ev.Probed,
		})
	}
}

// startDownload hands the best unfailed candidate to the backend. A title
// with no viable candidates moves to NoSource and counts as skipped; a
// candidate the backend refuses moves the title to DownloadFailed.
func (o *Orchestrator) startDownload(ctx context.Context, b backend.Backend, title *catalog.Title, restart bool, c *counters) {
	candidates, _, err := o.failover.alternates(ctx, title.SerialCode, title.Hash)
	if err != nil {
		o.logger.Error().Err(err).Str("serial", title.SerialCode).Msg("failed to load candidates")
		return
	}

	if len(candidates) == 0 {
		if err := o.store.UpdateStatus(ctx, title.SerialCode, backend.StatusNoSource, ""); err != nil {
			o.logger.Error().Err(err).Str("serial", title.SerialCode).Msg("failed to mark no source")
			return
		}
		c.add(&c.s.Skipped)
		o.publish(events.TitleSkipped, title, map[string]any{
			"serial": title.SerialCode,
			"reason": "no candidates",
		})
		return
	}

	best := candidates[0]
	uri, err := magnet.BuildURI(best.Hash)
	if err == nil {
		err = b.AddMagnet(ctx, uri, o.savePath)
	}
	if err != nil {
		o.logger.Error().Err(err).Str("serial", title.SerialCode).Str("hash", best.Hash).Msg("failed to start download")
		o.failStart(ctx, b, title, best.Hash, err, c)
		return
	}

	if err := o.store.UpdateStatus(ctx, title.SerialCode, backend.StatusDownloading, best.Hash); err != nil {
		o.logger.Error().Err(err).Str("serial", title.SerialCode).Msg("failed to record started download")
		return
	}

	if restart {
		c.add(&c.s.Restarted)
	} else {
		c.add(&c.s.Added)
	}

	o.publish(events.DownloadStarted, title, map[string]any{
		"serial":  title.SerialCode,
		"backend": b.Name(),
		"hash":    best.Hash,
		"restart": restart,
	})
}

// failStart records a candidate the backend refused so later passes skip it,
// and marks the title failed.
func (o *Orchestrator) failStart(ctx context.Context, b backend.Backend, title *catalog.Title, hash string, cause error, c *counters) {
	failure := &catalog.Failure{
		SerialCode: title.SerialCode,
		Hash:       hash,
		Backend:    b.Name(),
		Reason:     cause.Error(),
		FailedAt:   time.Now(),
	}
	if err := o.store.RecordFailure(ctx, failure); err != nil {
		o.logger.Error().Err(err).Str("serial", title.SerialCode).Msg("failed to record failure")
	}

	if err := o.store.UpdateStatus(ctx, title.SerialCode, backend.StatusDownloadFailed, hash); err != nil {
		o.logger.Error().Err(err).Str("serial", title.SerialCode).Msg("failed to mark download failed")
		return
	}

	c.add(&c.s.Failed)
	o.publish(events.DownloadFailed, title, map[string]any{
		"serial":  title.SerialCode,
		"backend": b.Name(),
		"hash":    hash,
		"reason":  cause.Error(),
	})
}

func (o *Orchestrator) publish(typ events.Type, subject any, data map[string]any) {
	if o.bus == nil {
		return
	}
	o.bus.Publish(events.Event{Type: typ, Subject: subject, Data: data})
}
