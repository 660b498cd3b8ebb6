package chart

import (
	"context"
	"fmt"

	"github.com/rs/zerolog"
)

// DirSource yields serial codes from chart files in a directory. Charts
// are re-read on every call so edits show up on the next pass.
type DirSource struct {
	dir    string
	logger zerolog.Logger
}

// DirSourceOption customizes a DirSource.
type DirSourceOption func(*DirSource)

// WithLogger sets the source logger.
func WithLogger(log zerolog.Logger) DirSourceOption {
	return func(s *DirSource) {
		s.logger = log.With().Str("component", "charts").Logger()
	}
}

// NewDirSource creates a serial source backed by chart files under dir.
func NewDirSource(dir string, opts ...DirSourceOption) *DirSource {
	s := &DirSource{
		dir:    dir,
		logger: zerolog.Nop(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Serials returns every serial code found across the charts, in chart
// order with duplicates dropped.
func (s *DirSource) Serials(ctx context.Context) ([]string, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	entries, err := ParseDir(s.dir)
	if err != nil {
		return nil, fmt.Errorf("parse charts: %w", err)
	}

	serials := make([]string, len(entries))
	for i, e := range entries {
		serials[i] = e.SerialCode
	}

	s.logger.Debug().Int("serials", len(serials)).Str("dir", s.dir).Msg("charts parsed")
	return serials, nil
}
