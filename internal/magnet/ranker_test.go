package magnet_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/reelgrab/reelgrab/internal/magnet"
)

func TestRankerScore(t *testing.T) {
	r := magnet.NewRanker(nil)

	t.Run("base score only", func(t *testing.T) {
		m := magnet.Magnet{Hash: "h1", Size: 1 << 30, Seeds: 2}
		assert.InDelta(t, 5.0, r.Score(m), 0.001)
	})

	t.Run("size bonus over 4 GiB", func(t *testing.T) {
		m := magnet.Magnet{Hash: "h1", Size: 5 << 30, Seeds: 2}
		assert.InDelta(t, 6.0, r.Score(m), 0.001)
	})

	t.Run("seed bonus over 10 seeds", func(t *testing.T) {
		m := magnet.Magnet{Hash: "h1", Size: 1 << 30, Seeds: 20}
		assert.InDelta(t, 5.5, r.Score(m), 0.001)
	})

	t.Run("exactly 4 GiB earns no bonus", func(t *testing.T) {
		m := magnet.Magnet{Hash: "h1", Size: 4 << 30, Seeds: 10}
		assert.InDelta(t, 5.0, r.Score(m), 0.001)
	})

	t.Run("historical quality overrides default", func(t *testing.T) {
		rated := magnet.NewRanker(map[string]float64{"h1": 8.5})
		m := magnet.Magnet{Hash: "h1"}
		assert.InDelta(t, 8.5, rated.Score(m), 0.001)
		assert.InDelta(t, 8.5, rated.Quality("h1"), 0.001)
		assert.InDelta(t, magnet.DefaultQuality, rated.Quality("h2"), 0.001)
	})
}

func TestRankerRank(t *testing.T) {
	r := magnet.NewRanker(nil)

	t.Run("bigger well seeded candidate wins", func(t *testing.T) {
		magnets := []magnet.Magnet{
			{Hash: "h2", Size: 1 << 30, Seeds: 2, Rank: 0},
			{Hash: "h1", Size: 5 << 30, Seeds: 20, Rank: 1},
		}

		ranked := r.Rank(magnets)
		require.Len(t, ranked, 2)
		assert.Equal(t, "h1", ranked[0].Hash)
		assert.Equal(t, "h2", ranked[1].Hash)
	})

	t.Run("ties keep discovery order", func(t *testing.T) {
		magnets := []magnet.Magnet{
			{Hash: "a", Size: 1 << 30, Seeds: 1, Rank: 0},
			{Hash: "b", Size: 1 << 30, Seeds: 1, Rank: 1},
			{Hash: "c", Size: 1 << 30, Seeds: 1, Rank: 2},
		}

		ranked := r.Rank(magnets)
		require.Len(t, ranked, 3)
		assert.Equal(t, "a", ranked[0].Hash)
		assert.Equal(t, "b", ranked[1].Hash)
		assert.Equal(t, "c", ranked[2].Hash)
	})

	t.Run("deterministic across invocations", func(t *testing.T) {
		magnets := []magnet.Magnet{
			{Hash: "a", Size: 5 << 30, Seeds: 20},
			{Hash: "b", Size: 5 << 30, Seeds: 20},
			{Hash: "c", Size: 1 << 30, Seeds: 1},
		}

		first := r.Rank(magnets)
		second := r.Rank(magnets)
		assert.Equal(t, first, second)
	})

	t.Run("does not modify the input", func(t *testing.T) {
		magnets := []magnet.Magnet{
			{Hash: "low", Size: 1 << 30},
			{Hash: "high", Size: 5 << 30},
		}

		_ = r.Rank(magnets)
		assert.Equal(t, "low", magnets[0].Hash)
	})
}

func TestRankerRankExcluding(t *testing.T) {
	r := magnet.NewRanker(nil)

	magnets := []magnet.Magnet{
		{Hash: "current", Size: 5 << 30, Seeds: 50},
		{Hash: "alt1", Size: 5 << 30, Seeds: 20},
		{Hash: "alt2", Size: 1 << 30, Seeds: 1},
	}

	ranked := r.RankExcluding(magnets, "current")
	require.Len(t, ranked, 2)
	assert.Equal(t, "alt1", ranked[0].Hash)
	assert.Equal(t, "alt2", ranked[1].Hash)
}
