package magnet

import (
	"sort"
)

// Magnet is one candidate source for a title.
type Magnet struct {
	// Hash is the normalized lowercase 40-char hex info-hash.
	Hash string
	// Name is the display name from the discovery source.
	Name string
	// Size is the advertised content size in bytes.
	Size int64
	// Seeds is the seed count hint from discovery (0 if unknown).
	Seeds int
	// Rank is the position in which the magnet was discovered.
	Rank int
}

// Scoring constants. A candidate starts from its source's historical quality
// and earns bonuses for size and seed availability.
const (
	DefaultQuality = 5.0
	sizeBonus      = 1.0
	seedBonus      = 0.5

	sizeBonusThreshold = 4 << 30 // 4 GiB
	seedBonusThreshold = 10
)

// Ranker orders a title's candidate magnets by score.
// The zero value ranks with default quality for every source.
type Ranker struct {
	// quality maps info-hash to a historical quality score, overriding
	// DefaultQuality for sources we have prior data on.
	quality map[string]float64
}

// NewRanker creates a Ranker with per-source historical quality ratings.
func NewRanker(quality map[string]float64) *Ranker {
	return &Ranker{quality: quality}
}

// Quality returns the historical quality score for a source hash, or
// DefaultQuality when no rating is known.
func (r *Ranker) Quality(hash string) float64 {
	if r == nil || r.quality == nil {
		return DefaultQuality
	}
	if q, ok := r.quality[hash]; ok {
		return q
	}
	return DefaultQuality
}

// Score computes the ranking score for a single candidate.
func (r *Ranker) Score(m Magnet) float64 {
	score := r.Quality(m.Hash)
	if m.Size > sizeBonusThreshold {
		score += sizeBonus
	}
	if m.Seeds > seedBonusThreshold {
		score += seedBonus
	}
	return score
}

// Rank returns the candidates ordered by descending score. The sort is
// stable: equal scores keep their discovery order. The input slice is not
// modified.
func (r *Ranker) Rank(magnets []Magnet) []Magnet {
	ranked := make([]Magnet, len(magnets))
	copy(ranked, magnets)

	sort.SliceStable(ranked, func(i, j int) bool {
		return r.Score(ranked[i]) > r.Score(ranked[j])
	})

	return ranked
}

// RankExcluding ranks the candidates whose hash differs from exclude.
// Used during failover to pick alternates for a stalled transfer.
func (r *Ranker) RankExcluding(magnets []Magnet, exclude string) []Magnet {
	filtered := make([]Magnet, 0, len(magnets))
	for _, m := range magnets {
		if m.Hash == exclude {
			continue
		}
		filtered = append(filtered, m)
	}
	return r.Rank(filtered)
}
