package catalog

import (
	"context"
	"errors"

	"github.com/reelgrab/reelgrab/internal/backend"
)

var (
	// ErrNotFound is returned when a lookup matches no record.
	ErrNotFound = errors.New("catalog: not found")

	// ErrConflict is returned when an insert loses a uniqueness race.
	// Callers refetch the winning record instead of failing.
	ErrConflict = errors.New("catalog: conflict")
)

// EntityStore persists shared catalog entities.
type EntityStore interface {
	// FindByName returns the entity with this kind and name, or ErrNotFound.
	FindByName(ctx context.Context, kind EntityKind, name string) (*Entity, error)

	// Create inserts a new entity. A (kind, name) collision returns
	// ErrConflict.
	Create(ctx context.Context, e *Entity) (*Entity, error)

	// UpdateFields replaces the stored field map for an entity.
	UpdateFields(ctx context.Context, id string, fields map[string]string) error

	// AttachRelation links an entity to a title. Re-attaching is a no-op.
	AttachRelation(ctx context.Context, titleID, entityID string) error

	// RelatedEntities returns the entities linked to a title.
	RelatedEntities(ctx context.Context, titleID string) ([]*Entity, error)
}

// TitleStore persists titles and their download state.
type TitleStore interface {
	// GetBySerial returns the title with this serial code, or ErrNotFound.
	GetBySerial(ctx context.Context, serialCode string) (*Title, error)

	// CreateTitle inserts a new title. A serial code collision returns
	// ErrConflict.
	CreateTitle(ctx context.Context, t *Title) (*Title, error)

	// UpdateStatus moves a title to a new status, recording the active hash.
	UpdateStatus(ctx context.Context, serialCode string, status backend.DownloadStatus, hash string) error

	// ListByStatus returns every title currently in one of the statuses.
	ListByStatus(ctx context.Context, statuses ...backend.DownloadStatus) ([]*Title, error)
}

// MagnetStore persists magnet candidates and their quality history.
type MagnetStore interface {
	// SaveMagnet upserts a candidate for a title.
	SaveMagnet(ctx context.Context, m *MagnetRecord) error

	// MagnetsBySerial returns the stored candidates for a title in
	// insertion order.
	MagnetsBySerial(ctx context.Context, serialCode string) ([]*MagnetRecord, error)

	// SetQuality records an observed quality score for a hash.
	SetQuality(ctx context.Context, hash string, quality float64) error
}

// FailureStore persists exhausted download attempts.
type FailureStore interface {
	// RecordFailure appends a failure row.
	RecordFailure(ctx context.Context, f *Failure) error

	// FailuresBySerial returns failures for a title, most recent first.
	FailuresBySerial(ctx context.Context, serialCode string) ([]*Failure, error)

	// FailedHashes returns the hashes that previously failed for a title.
	FailedHashes(ctx context.Context, serialCode string) ([]string, error)
}

// Store is the full persistence surface the orchestrator depends on.
type Store interface {
	EntityStore
	TitleStore
	MagnetStore
	FailureStore

	Close() error
}
