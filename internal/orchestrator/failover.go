package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/reelgrab/reelgrab/internal/backend"
	"github.com/reelgrab/reelgrab/internal/catalog"
	"github.com/reelgrab/reelgrab/internal/events"
	"github.com/reelgrab/reelgrab/internal/magnet"
)

const (
	// defaultSnapshotTTL is how long a cached transfer snapshot stays fresh.
	defaultSnapshotTTL = 5 * time.Minute

	// defaultStallAfter is the minimum transfer age before a slow transfer
	// counts as stalled. Young transfers are still resolving peers.
	defaultStallAfter = 30 * time.Minute

	// defaultQualityCeiling protects high-quality sources from failover.
	// A source rated at or above it is never abandoned for being slow.
	defaultQualityCeiling = 7.0

	// defaultProbeWindow is how long an alternate candidate gets to find
	// peers before it is judged dead.
	defaultProbeWindow = 10 * time.Second
)

// FailoverConfig tunes stall detection and candidate probing.
// Zero durations fall back to the defaults above.
type FailoverConfig struct {
	SnapshotTTL time.Duration
	StallAfter  time.Duration

	// MinRate is the download rate floor in bytes per second. At or below
	// it the transfer is considered not moving. The zero value means a
	// transfer stalls only at 0 B/s.
	MinRate int64

	QualityCeiling float64
	ProbeWindow    time.Duration
}

func (c *FailoverConfig) applyDefaults() {
	if c.SnapshotTTL <= 0 {
		c.SnapshotTTL = defaultSnapshotTTL
	}
	if c.StallAfter <= 0 {
		c.StallAfter = defaultStallAfter
	}
	if c.MinRate < 0 {
		c.MinRate = 0
	}
	if c.QualityCeiling <= 0 {
		c.QualityCeiling = defaultQualityCeiling
	}
	if c.ProbeWindow <= 0 {
		c.ProbeWindow = defaultProbeWindow
	}
}

// Outcome classifies what Evaluate found and did for one in-flight title.
type Outcome int

const (
	// OutcomeHealthy means the transfer is progressing; nothing changed.
	OutcomeHealthy Outcome = iota
	// OutcomeCompleted means the backend reports the transfer finished.
	OutcomeCompleted
	// OutcomeMissing means the backend no longer knows the hash.
	OutcomeMissing
	// OutcomeReplaced means a stalled transfer was swapped for an alternate.
	OutcomeReplaced
	// OutcomeExhausted means every alternate was probed and none had peers.
	OutcomeExhausted
)

func (o Outcome) String() string {
	switch o {
	case OutcomeHealthy:
		return "healthy"
	case OutcomeCompleted:
		return "completed"
	case OutcomeMissing:
		return "missing"
	case OutcomeReplaced:
		return "replaced"
	case OutcomeExhausted:
		return "exhausted"
	}
	return "outcome(?)"
}

// Evaluation is the immutable result of one Evaluate call.
type Evaluation struct {
	Outcome  Outcome
	Snapshot backend.TransferSnapshot // valid for Healthy and Completed
	NewHash  string                   // set when Outcome is Replaced
	Probed   int                      // alternates tried during failover
}

type cachedSnapshot struct {
	snap      backend.TransferSnapshot
	fetchedAt time.Time
}

// FailoverController watches in-flight transfers and replaces the ones that
// stall with ranked alternate candidates.
type FailoverController struct {
	store catalog.Store
	bus   *events.Bus
	cfg   FailoverConfig
	log   zerolog.Logger

	now   func() time.Time
	sleep func(ctx context.Context, d time.Duration) error

	// cache holds recent snapshots keyed by backend name and hash so that
	// overlapping passes do not hammer the client. One writer at a time.
	mu    sync.Mutex
	cache map[string]cachedSnapshot
}

// FailoverOption customizes a FailoverController.
type FailoverOption func(*FailoverController)

// WithFailoverLogger sets the controller logger.
func WithFailoverLogger(log zerolog.Logger) FailoverOption {
	return func(f *FailoverController) {
		f.log = log.With().Str("component", "failover").Logger()
	}
}

// WithFailoverClock overrides the time source.
func WithFailoverClock(now func() time.Time) FailoverOption {
	return func(f *FailoverController) {
		f.now = now
	}
}

// WithFailoverSleep overrides the probe wait.
func WithFailoverSleep(sleep func(ctx context.Context, d time.Duration) error) FailoverOption {
	return func(f *FailoverController) {
		f.sleep = sleep
	}
}

// NewFailoverController creates a controller over the given store and bus.
func NewFailoverController(store catalog.Store, bus *events.Bus, cfg FailoverConfig, opts ...FailoverOption) *FailoverController {
	cfg.applyDefaults()

	f := &FailoverController{
		store: store,
		bus:   bus,
		cfg:   cfg,
		log:   zerolog.Nop(),
		now:   time.Now,
		sleep: sleepCtx,
		cache: make(map[string]cachedSnapshot),
	}

	for _, opt := range opts {
		opt(f)
	}

	return f
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// snapshot returns a transfer snapshot, serving from the cache while it is
// fresh. A hash the backend no longer knows returns backend.ErrNotFound and
// evicts any stale entry.
func (f *FailoverController) snapshot(ctx context.Context, b backend.Backend, hash string) (backend.TransferSnapshot, error) {
	key := b.Name() + "\x00" + hash

	f.mu.Lock()
	defer f.mu.Unlock()

	if entry, ok := f.cache[key]; ok && f.now().Sub(entry.fetchedAt) < f.cfg.SnapshotTTL {
		return entry.snap, nil
	}

	snap, err := b.Snapshot(ctx, hash)
	if err != nil {
		delete(f.cache, key)
		return backend.TransferSnapshot{}, err
	}

	f.cache[key] = cachedSnapshot{snap: snap, fetchedAt: f.now()}
	return snap, nil
}

// Invalidate drops the cached snapshot for a hash on a backend.
func (f *FailoverController) Invalidate(backendName, hash string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.cache, backendName+"\x00"+hash)
}

// FlushSnapshots drops every cached snapshot. Called at the start of a pass
// so each title is judged on backend state no older than the pass itself.
func (f *FailoverController) FlushSnapshots() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.cache = make(map[string]cachedSnapshot)
}

// stalled reports whether a snapshot meets all three stall conditions:
// the transfer is old enough, the rate is at or below the floor, and the
// source's quality rating is under the protection ceiling.
func (f *FailoverController) stalled(snap backend.TransferSnapshot, quality float64) bool {
	if snap.Elapsed(f.now()) <= f.cfg.StallAfter {
		return false
	}
	if snap.DownloadRate > f.cfg.MinRate {
		return false
	}
	return quality < f.cfg.QualityCeiling
}

// Evaluate inspects the in-flight transfer for a title and, if it has
// stalled, probes ranked alternates until one shows peers. The stalled
// transfer is only removed once a live replacement is confirmed or every
// alternate turned out dead; a probe cut short by a transport error leaves
// it in place for the next pass. Stalled and dead candidates are recorded
// as failures so later passes do not retry them. The returned Evaluation
// never changes after the call.
func (f *FailoverController) Evaluate(ctx context.Context, b backend.Backend, title *catalog.Title) (Evaluation, error) {
	snap, err := f.snapshot(ctx, b, title.Hash)
	if errors.Is(err, backend.ErrNotFound) {
		return Evaluation{Outcome: OutcomeMissing}, nil
	}
	if err != nil {
		return Evaluation{}, fmt.Errorf("snapshot %s: %w", title.SerialCode, err)
	}

	if snap.Status.Absorbing() {
		return Evaluation{Outcome: OutcomeCompleted, Snapshot: snap}, nil
	}

	candidates, ranker, err := f.alternates(ctx, title.SerialCode, title.Hash)
	if err != nil {
		return Evaluation{}, err
	}

	if !f.stalled(snap, ranker.Quality(title.Hash)) {
		return Evaluation{Outcome: OutcomeHealthy, Snapshot: snap}, nil
	}

	f.log.Info().
		Str("serial", title.SerialCode).
		Str("hash", title.Hash).
		Dur("elapsed", snap.Elapsed(f.now())).
		Int64("rate", snap.DownloadRate).
		Int("alternates", len(candidates)).
		Msg("transfer stalled, failing over")

	probed := 0
	for _, candidate := range candidates {
		probed++

		alive, err := f.probe(ctx, b, candidate)
		if err != nil {
			return Evaluation{Probed: probed}, err
		}

		f.publish(events.FailoverProbe, title.SerialCode, b.Name(), map[string]any{
			"hash":  candidate.Hash,
			"alive": alive,
		})

		if alive {
			if err := f.abandon(ctx, b, title.SerialCode, title.Hash, "stalled"); err != nil {
				return Evaluation{Probed: probed}, err
			}
			f.publish(events.FailoverTriggered, title.SerialCode, b.Name(), map[string]any{
				"old_hash": title.Hash,
				"new_hash": candidate.Hash,
			})
			return Evaluation{Outcome: OutcomeReplaced, NewHash: candidate.Hash, Probed: probed}, nil
		}

		if err := f.abandon(ctx, b, title.SerialCode, candidate.Hash, "probe found no peers"); err != nil {
			return Evaluation{Probed: probed}, err
		}
	}

	if err := f.abandon(ctx, b, title.SerialCode, title.Hash, "stalled"); err != nil {
		return Evaluation{Probed: probed}, err
	}

	return Evaluation{Outcome: OutcomeExhausted, Probed: probed}, nil
}

// alternates loads the title's stored candidates, drops previously failed
// hashes and the current one, and returns them ranked best first.
func (f *FailoverController) alternates(ctx context.Context, serialCode, currentHash string) ([]magnet.Magnet, *magnet.Ranker, error) {
	records, err := f.store.MagnetsBySerial(ctx, serialCode)
	if err != nil {
		return nil, nil, fmt.Errorf("load candidates for %s: %w", serialCode, err)
	}

	failed, err := f.store.FailedHashes(ctx, serialCode)
	if err != nil {
		return nil, nil, fmt.Errorf("load failed hashes for %s: %w", serialCode, err)
	}
	excluded := make(map[string]bool, len(failed))
	for _, h := range failed {
		excluded[h] = true
	}

	quality := make(map[string]float64, len(records))
	candidates := make([]magnet.Magnet, 0, len(records))
	for i, rec := range records {
		if rec.Quality > 0 {
			quality[rec.Hash] = rec.Quality
		}
		if excluded[rec.Hash] {
			continue
		}
		candidates = append(candidates, magnet.Magnet{
			Hash:  rec.Hash,
			Name:  rec.Name,
			Size:  rec.Size,
			Seeds: rec.Seeds,
			Rank:  i,
		})
	}

	ranker := magnet.NewRanker(quality)
	return ranker.RankExcluding(candidates, currentHash), ranker, nil
}

// probe adds a candidate and gives it one probe window to show peers.
// Dead candidates are cleaned up by the caller via abandon.
func (f *FailoverController) probe(ctx context.Context, b backend.Backend, candidate magnet.Magnet) (bool, error) {
	uri, err := magnet.BuildURI(candidate.Hash)
	if err != nil {
		return false, fmt.Errorf("build probe uri: %w", err)
	}

	if err := b.AddMagnet(ctx, uri, ""); err != nil {
		return false, fmt.Errorf("add probe %s: %w", candidate.Hash, err)
	}

	if err := f.sleep(ctx, f.cfg.ProbeWindow); err != nil {
		return false, err
	}

	probeCtx, cancel := context.WithTimeout(ctx, f.cfg.ProbeWindow)
	defer cancel()

	snap, err := b.Snapshot(probeCtx, candidate.Hash)
	if errors.Is(err, backend.ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("probe snapshot %s: %w", candidate.Hash, err)
	}

	return snap.Seeds+snap.Peers > 0, nil
}

// abandon removes a transfer from the backend and records the hash as
// failed for this title.
func (f *FailoverController) abandon(ctx context.Context, b backend.Backend, serialCode, hash, reason string) error {
	if err := b.Remove(ctx, hash, true); err != nil && !errors.Is(err, backend.ErrNotFound) {
		return fmt.Errorf("remove %s: %w", hash, err)
	}
	f.Invalidate(b.Name(), hash)

	failure := &catalog.Failure{
		SerialCode: serialCode,
		Hash:       hash,
		Backend:    b.Name(),
		Reason:     reason,
		FailedAt:   f.now(),
	}
	if err := f.store.RecordFailure(ctx, failure); err != nil {
		return fmt.Errorf("record failure %s: %w", hash, err)
	}
	return nil
}

func (f *FailoverController) publish(typ events.Type, serial, backendName string, data map[string]any) {
	if f.bus == nil {
		return
	}
	if data == nil {
		data = map[string]any{}
	}
	data["serial"] = serial
	data["backend"] = backendName
	f.bus.Publish(events.Event{Type: typ, Data: data})
}
