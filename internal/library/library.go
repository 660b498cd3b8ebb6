// Package library answers whether a title is already present in the media
// library, either in a Jellyfin server or on the local filesystem.
package library

import (
	"context"
	"errors"
)

// Checker reports library membership for a serial code.
type Checker interface {
	// Contains reports whether the library already holds this title.
	Contains(ctx context.Context, serialCode string) (bool, error)
}

// Multi checks sources in order and reports the first hit. A source error
// does not mask a later hit; errors surface only when no source matched.
type Multi []Checker

func (m Multi) Contains(ctx context.Context, serialCode string) (bool, error) {
	var errs []error
	for _, c := range m {
		found, err := c.Contains(ctx, serialCode)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		if found {
			return true, nil
		}
	}
	return false, errors.Join(errs...)
}
