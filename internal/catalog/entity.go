// Package catalog persists titles, their related entities, magnet candidates,
// and download failure history.
package catalog

import (
	"time"

	"github.com/reelgrab/reelgrab/internal/backend"
)

// EntityKind names the entity tables a title can relate to.
type EntityKind string

const (
	KindStudio   EntityKind = "studio"
	KindActor    EntityKind = "actor"
	KindDirector EntityKind = "director"
	KindGenre    EntityKind = "genre"
	KindLabel    EntityKind = "label"
	KindSeries   EntityKind = "series"
)

// Kinds lists every entity kind.
func Kinds() []EntityKind {
	return []EntityKind{KindStudio, KindActor, KindDirector, KindGenre, KindLabel, KindSeries}
}

// Entity is a shared catalog record: an actor, director, genre, label or
// series. Fields holds scraped attributes keyed by name; relation payloads
// are stripped before an entity is persisted.
type Entity struct {
	ID        string
	Kind      EntityKind
	Name      string
	Fields    map[string]string
	CreatedAt time.Time
	UpdatedAt time.Time
}

// Title is one downloadable release tracked by the catalog.
type Title struct {
	ID         string
	SerialCode string
	Name       string
	Status     backend.DownloadStatus
	Hash       string
	Size       int64
	CreatedAt  time.Time
	UpdatedAt  time.Time
}

// MagnetRecord is a persisted magnet candidate for a title.
type MagnetRecord struct {
	Hash       string
	SerialCode string
	Name       string
	Size       int64
	Seeds      int
	Quality    float64
	CreatedAt  time.Time
}

// Failure records one exhausted download attempt.
type Failure struct {
	ID         string
	SerialCode string
	Hash       string
	Backend    string
	Reason     string
	FailedAt   time.Time
}
