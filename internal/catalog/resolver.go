package catalog

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/rs/zerolog"
)

// relationFields are scraped payload keys that carry nested relation lists.
// They are stripped before an entity is persisted so entity rows never embed
// other records.
var relationFields = map[string]struct{}{
	"movies":    {},
	"titles":    {},
	"studios":   {},
	"actors":    {},
	"directors": {},
	"genres":    {},
	"labels":    {},
	"series":    {},
}

// Resolver deduplicates entity lookups within and across passes. Resolution
// order is cache, store lookup, create. A create that loses a uniqueness
// race refetches the winner, so concurrent resolution of the same name is
// idempotent.
type Resolver struct {
	store EntityStore
	log   zerolog.Logger

	mu    sync.RWMutex
	cache map[string]*Entity
}

// ResolverOption customizes a Resolver.
type ResolverOption func(*Resolver)

// WithResolverLogger sets the resolver logger.
func WithResolverLogger(log zerolog.Logger) ResolverOption {
	return func(r *Resolver) {
		r.log = log.With().Str("component", "entity-resolver").Logger()
	}
}

// NewResolver creates a resolver backed by the given store.
func NewResolver(store EntityStore, opts ...ResolverOption) *Resolver {
	r := &Resolver{
		store: store,
		log:   zerolog.Nop(),
		cache: make(map[string]*Entity),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// cacheKey folds the name so case variants of the same entity share one
// cache entry, matching the store's case-insensitive uniqueness.
func cacheKey(kind EntityKind, name string) string {
	return string(kind) + "\x00" + strings.ToLower(name)
}

// Resolve returns the canonical entity for (kind, name), creating it when
// absent. Incoming fields only back-fill values the stored record is missing;
// existing values always win.
func (r *Resolver) Resolve(ctx context.Context, kind EntityKind, name string, fields map[string]string) (*Entity, error) {
	if name == "" {
		return nil, fmt.Errorf("catalog: empty %s name", kind)
	}

	fields = stripRelationFields(fields)

	key := cacheKey(kind, name)
	r.mu.RLock()
	cached, ok := r.cache[key]
	r.mu.RUnlock()
	if ok {
		return r.merge(ctx, cached, fields)
	}

	e, err := r.store.FindByName(ctx, kind, name)
	switch {
	case err == nil:
		// found below
	case errors.Is(err, ErrNotFound):
		e, err = r.create(ctx, kind, name, fields)
		if err != nil {
			return nil, err
		}
	default:
		return nil, err
	}

	e, err = r.merge(ctx, e, fields)
	if err != nil {
		return nil, err
	}

	r.mu.Lock()
	r.cache[key] = e
	r.mu.Unlock()

	return e, nil
}

// Invalidate drops the cached entry for (kind, name).
func (r *Resolver) Invalidate(kind EntityKind, name string) {
	r.mu.Lock()
	delete(r.cache, cacheKey(kind, name))
	r.mu.Unlock()
}

func (r *Resolver) create(ctx context.Context, kind EntityKind, name string, fields map[string]string) (*Entity, error) {
	created, err := r.store.Create(ctx, &Entity{
		Kind:   kind,
		Name:   name,
		Fields: fields,
	})
	if err == nil {
		r.log.Debug().Str("kind", string(kind)).Str("name", name).Msg("entity created")
		return created, nil
	}
	if !errors.Is(err, ErrConflict) {
		return nil, err
	}

	// Another writer inserted the same (kind, name) first; adopt its row.
	winner, ferr := r.store.FindByName(ctx, kind, name)
	if ferr != nil {
		return nil, fmt.Errorf("refetch after conflict: %w", ferr)
	}
	return winner, nil
}

// merge back-fills fields the stored entity is missing. Stored non-empty
// values are never overwritten.
func (r *Resolver) merge(ctx context.Context, e *Entity, fields map[string]string) (*Entity, error) {
	if len(fields) == 0 {
		return e, nil
	}

	merged := make(map[string]string, len(e.Fields)+len(fields))
	for k, v := range e.Fields {
		merged[k] = v
	}

	changed := false
	for k, v := range fields {
		if v == "" {
			continue
		}
		if existing, ok := merged[k]; !ok || existing == "" {
			merged[k] = v
			changed = true
		}
	}
	if !changed {
		return e, nil
	}

	if err := r.store.UpdateFields(ctx, e.ID, merged); err != nil {
		return nil, err
	}

	updated := *e
	updated.Fields = merged
	return &updated, nil
}

func stripRelationFields(fields map[string]string) map[string]string {
	if len(fields) == 0 {
		return nil
	}
	out := make(map[string]string, len(fields))
	for k, v := range fields {
		if _, isRelation := relationFields[k]; isRelation {
			continue
		}
		out[k] = v
	}
	return out
}
