// Package backend abstracts torrent download clients behind a single
// interface. Each adapter speaks one client's wire protocol and translates
// its native transfer states into the shared DownloadStatus space.
package backend

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/avast/retry-go"
	"github.com/rs/zerolog"
)

const (
	// defaultWireTimeout bounds every backend HTTP round trip.
	defaultWireTimeout = 30 * time.Second

	// retryAttempts is the per-operation transport retry budget.
	retryAttempts = 3
	retryDelay    = 500 * time.Millisecond
)

// configurable is implemented by all adapters to support shared options.
type configurable interface {
	setLogger(zerolog.Logger)
}

// Option is a functional option for configuring adapters.
type Option func(configurable)

// WithLogger sets the logger for any adapter.
func WithLogger(logger zerolog.Logger) Option {
	return func(c configurable) {
		c.setLogger(logger)
	}
}

var (
	// ErrNotFound is returned when a hash has no matching transfer.
	ErrNotFound = errors.New("backend: transfer not found")

	// ErrTransport wraps connectivity failures: timeouts, refused
	// connections, unexpected HTTP statuses.
	ErrTransport = errors.New("backend: transport failure")

	// ErrAuth is returned when the client rejects our credentials.
	ErrAuth = errors.New("backend: authentication failed")
)

// TransferSnapshot is a point-in-time view of one transfer.
type TransferSnapshot struct {
	Hash         string
	Name         string
	Size         int64
	Downloaded   int64
	Uploaded     int64
	Progress     float64 // 0.0 through 1.0
	DownloadRate int64   // bytes per second
	UploadRate   int64
	Seeds        int
	Peers        int
	Priority     int
	Status       DownloadStatus
	NativeStatus string
	SavePath     string
	AddedAt      time.Time
}

// Elapsed reports how long the transfer has been with the backend.
func (s TransferSnapshot) Elapsed(now time.Time) time.Duration {
	if s.AddedAt.IsZero() {
		return 0
	}
	return now.Sub(s.AddedAt)
}

// Backend is the contract every torrent client adapter satisfies.
//
// AddMagnet is idempotent: adding a hash the client already holds succeeds
// without side effects. Snapshot returns ErrNotFound for unknown hashes.
// All blocking calls honor ctx cancellation.
type Backend interface {
	// Name identifies the configured instance, e.g. "seedbox-1".
	Name() string

	// Kind identifies the adapter protocol, e.g. "qbittorrent".
	Kind() string

	// Healthy verifies connectivity and credentials.
	Healthy(ctx context.Context) error

	AddMagnet(ctx context.Context, uri, savePath string) error
	Remove(ctx context.Context, hash string, deleteFiles bool) error
	Pause(ctx context.Context, hash string) error
	Resume(ctx context.Context, hash string) error

	Snapshot(ctx context.Context, hash string) (TransferSnapshot, error)
	Snapshots(ctx context.Context) ([]TransferSnapshot, error)

	SetPriority(ctx context.Context, hash string, priority int) error
	SetRateLimits(ctx context.Context, downBPS, upBPS int64) error
}

// withRetry runs op with the shared transport retry policy. Only transport
// failures are retried; logical errors such as ErrNotFound return at once.
func withRetry(ctx context.Context, op func() error) error {
	return retry.Do(
		func() error {
			err := op()
			if err != nil && !errors.Is(err, ErrTransport) {
				return retry.Unrecoverable(err)
			}
			return err
		},
		retry.Context(ctx),
		retry.Attempts(retryAttempts),
		retry.Delay(retryDelay),
		retry.DelayType(retry.BackOffDelay),
		retry.LastErrorOnly(true),
	)
}

// Registry holds the configured backends keyed by instance name.
type Registry struct {
	mu       sync.RWMutex
	backends map[string]Backend
	order    []string
	log      zerolog.Logger
}

// RegistryOption customizes a Registry.
type RegistryOption func(*Registry)

// WithRegistryLogger sets the registry logger.
func WithRegistryLogger(log zerolog.Logger) RegistryOption {
	return func(r *Registry) {
		r.log = log.With().Str("component", "backend-registry").Logger()
	}
}

// NewRegistry creates an empty backend registry.
func NewRegistry(opts ...RegistryOption) *Registry {
	r := &Registry{
		backends: make(map[string]Backend),
		log:      zerolog.Nop(),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Register adds a backend. Duplicate names are rejected.
func (r *Registry) Register(b Backend) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.backends[b.Name()]; exists {
		return fmt.Errorf("backend %q already registered", b.Name())
	}
	r.backends[b.Name()] = b
	r.order = append(r.order, b.Name())
	r.log.Info().Str("name", b.Name()).Str("kind", b.Kind()).Msg("backend registered")
	return nil
}

// Get returns the named backend.
func (r *Registry) Get(name string) (Backend, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	b, ok := r.backends[name]
	if !ok {
		return nil, fmt.Errorf("backend %q not registered", name)
	}
	return b, nil
}

// All returns the registered backends in registration order.
func (r *Registry) All() []Backend {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]Backend, 0, len(r.order))
	for _, name := range r.order {
		out = append(out, r.backends[name])
	}
	return out
}
