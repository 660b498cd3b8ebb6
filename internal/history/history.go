// Package history keeps an in-memory record of orchestration passes and
// per-title activity for inspection over the API.
package history

import (
	"context"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"
	"github.com/rs/zerolog"

	"github.com/reelgrab/reelgrab/internal/events"
)

// PassRecord is the outcome of one orchestration pass.
type PassRecord struct {
	ID               string    `json:"id"`
	StartedAt        time.Time `json:"started_at"`
	FinishedAt       time.Time `json:"finished_at"`
	Processed        int       `json:"processed"`
	AlreadyInLibrary int       `json:"already_in_library"`
	Downloading      int       `json:"downloading"`
	Restarted        int       `json:"restarted"`
	Added            int       `json:"added"`
	Failed           int       `json:"failed"`
	Skipped          int       `json:"skipped"`
}

// Activity is a single recorded pipeline occurrence.
type Activity struct {
	ID        string         `json:"id"`
	Type      events.Type    `json:"type"`
	Timestamp time.Time      `json:"timestamp"`
	Serial    string         `json:"serial,omitempty"`
	Backend   string         `json:"backend,omitempty"`
	Hash      string         `json:"hash,omitempty"`
	Details   map[string]any `json:"details,omitempty"`
}

// Recorder records and retrieves pass and activity history.
type Recorder interface {
	// RecordPass appends a completed pass.
	RecordPass(rec PassRecord)

	// Passes returns recorded passes, newest first.
	Passes() []PassRecord

	// RecordActivity appends one activity row.
	RecordActivity(a Activity)

	// Activities returns all activity, newest first.
	Activities() []Activity

	// ActivityBySerial returns activity for one title, newest first.
	ActivityBySerial(serial string) []Activity
}

type recorder struct {
	mu         sync.RWMutex
	passes     []PassRecord
	activities []Activity
	maxPasses  int
	maxRows    int
	logger     zerolog.Logger
}

// Option is a functional option for configuring the recorder.
type Option func(*recorder)

// WithLogger sets the logger.
func WithLogger(logger zerolog.Logger) Option {
	return func(r *recorder) {
		r.logger = logger
	}
}

// WithMaxPasses sets how many pass records are retained.
func WithMaxPasses(n int) Option {
	return func(r *recorder) {
		r.maxPasses = n
	}
}

// WithMaxActivities sets how many activity rows are retained.
func WithMaxActivities(n int) Option {
	return func(r *recorder) {
		r.maxRows = n
	}
}

const (
	defaultMaxPasses     = 200
	defaultMaxActivities = 10000
)

// NewRecorder creates an in-memory history recorder.
func NewRecorder(opts ...Option) Recorder {
	r := &recorder{
		maxPasses: defaultMaxPasses,
		maxRows:   defaultMaxActivities,
		logger:    zerolog.Nop(),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

func (r *recorder) RecordPass(rec PassRecord) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if rec.ID == "" {
		rec.ID = ulid.Make().String()
	}
	if rec.FinishedAt.IsZero() {
		rec.FinishedAt = time.Now()
	}

	r.passes = append([]PassRecord{rec}, r.passes...)
	if len(r.passes) > r.maxPasses {
		r.passes = r.passes[:r.maxPasses]
	}

	r.logger.Debug().
		Str("id", rec.ID).
		Int("processed", rec.Processed).
		Int("failed", rec.Failed).
		Msg("pass recorded")
}

func (r *recorder) Passes() []PassRecord {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]PassRecord, len(r.passes))
	copy(out, r.passes)
	return out
}

func (r *recorder) RecordActivity(a Activity) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if a.ID == "" {
		a.ID = ulid.Make().String()
	}
	if a.Timestamp.IsZero() {
		a.Timestamp = time.Now()
	}

	r.activities = append([]Activity{a}, r.activities...)
	if len(r.activities) > r.maxRows {
		r.activities = r.activities[:r.maxRows]
	}
}

func (r *recorder) Activities() []Activity {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]Activity, len(r.activities))
	copy(out, r.activities)
	return out
}

func (r *recorder) ActivityBySerial(serial string) []Activity {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var out []Activity
	for _, a := range r.activities {
		if a.Serial == serial {
			out = append(out, a)
		}
	}
	return out
}

// Follow subscribes the recorder to the bus and records title and download
// events until ctx is cancelled. It runs in its own goroutine and returns a
// done channel that closes when the tail stops.
func Follow(ctx context.Context, bus *events.Bus, rec Recorder) <-chan struct{} {
	sub := bus.Subscribe(
		events.TitleDiscovered,
		events.TitleSkipped,
		events.TitleInLibrary,
		events.DownloadStarted,
		events.DownloadCompleted,
		events.DownloadFailed,
		events.FailoverTriggered,
		events.FailoverProbe,
	)

	done := make(chan struct{})
	go func() {
		defer close(done)
		defer bus.Unsubscribe(sub)

		for {
			select {
			case <-ctx.Done():
				return
			case e, ok := <-sub:
				if !ok {
					return
				}
				rec.RecordActivity(activityFrom(e))
			}
		}
	}()
	return done
}

func activityFrom(e events.Event) Activity {
	a := Activity{
		Type:      e.Type,
		Timestamp: e.Timestamp,
		Details:   e.Data,
	}
	if serial, ok := e.Data["serial"].(string); ok {
		a.Serial = serial
	}
	if name, ok := e.Data["backend"].(string); ok {
		a.Backend = name
	}
	if hash, ok := e.Data["hash"].(string); ok {
		a.Hash = hash
	}
	return a
}
