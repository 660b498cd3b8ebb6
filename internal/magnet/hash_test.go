package magnet_test

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/reelgrab/reelgrab/internal/magnet"
)

const (
	hexHash    = "0123456789abcdef0123456789abcdef01234567"
	base32Hash = "AERUKZ4JVPG66AJDIVTYTK6N54ASGRLH"
)

func TestExtractHash(t *testing.T) {
	t.Run("bare hex hash", func(t *testing.T) {
		got, err := magnet.ExtractHash(hexHash)
		require.NoError(t, err)
		assert.Equal(t, hexHash, got)
	})

	t.Run("uppercase hex is lowercased", func(t *testing.T) {
		got, err := magnet.ExtractHash(strings.ToUpper(hexHash))
		require.NoError(t, err)
		assert.Equal(t, hexHash, got)
	})

	t.Run("base32 and hex normalize to the same value", func(t *testing.T) {
		fromHex, err := magnet.ExtractHash(hexHash)
		require.NoError(t, err)

		fromBase32, err := magnet.ExtractHash(base32Hash)
		require.NoError(t, err)

		assert.Equal(t, fromHex, fromBase32)
	})

	t.Run("magnet link with hex hash", func(t *testing.T) {
		got, err := magnet.ExtractHash("magnet:?xt=urn:btih:" + hexHash + "&dn=example")
		require.NoError(t, err)
		assert.Equal(t, hexHash, got)
	})

	t.Run("magnet link with base32 hash", func(t *testing.T) {
		got, err := magnet.ExtractHash("magnet:?xt=urn:btih:" + base32Hash)
		require.NoError(t, err)
		assert.Equal(t, hexHash, got)
	})

	t.Run("rejects wrong length", func(t *testing.T) {
		_, err := magnet.ExtractHash(hexHash[:39])
		require.ErrorIs(t, err, magnet.ErrInvalidHash)
	})

	t.Run("rejects bad alphabet", func(t *testing.T) {
		// '1' and '8' are outside the RFC 4648 Base32 alphabet.
		_, err := magnet.ExtractHash("1898189818981898189818981898189Z")
		require.ErrorIs(t, err, magnet.ErrInvalidHash)
	})

	t.Run("rejects magnet link without btih", func(t *testing.T) {
		_, err := magnet.ExtractHash("magnet:?dn=example&tr=udp://tracker.example/announce")
		require.ErrorIs(t, err, magnet.ErrInvalidHash)
	})

	t.Run("rejects arbitrary strings", func(t *testing.T) {
		_, err := magnet.ExtractHash("not a hash at all")
		require.ErrorIs(t, err, magnet.ErrInvalidHash)
	})
}

func TestBuildURI(t *testing.T) {
	t.Run("from bare hash adds default trackers", func(t *testing.T) {
		uri, err := magnet.BuildURI(hexHash)
		require.NoError(t, err)

		assert.True(t, strings.HasPrefix(uri, "magnet:?"))
		assert.Contains(t, uri, "urn%3Abtih%3A"+hexHash)
		assert.Contains(t, uri, "tr=")
	})

	t.Run("preserves display name and trackers", func(t *testing.T) {
		in := "magnet:?xt=urn:btih:" + hexHash + "&dn=My.Title&tr=udp%3A%2F%2Ftracker.example%3A1337"
		uri, err := magnet.BuildURI(in)
		require.NoError(t, err)

		assert.Contains(t, uri, "dn=My.Title")
		assert.Contains(t, uri, "tracker.example")
	})

	t.Run("caps trackers at five", func(t *testing.T) {
		var sb strings.Builder
		sb.WriteString("magnet:?xt=urn:btih:" + hexHash)
		for range 8 {
			sb.WriteString("&tr=udp%3A%2F%2Ftracker.example%3A1337")
		}

		uri, err := magnet.BuildURI(sb.String())
		require.NoError(t, err)
		assert.Equal(t, 5, strings.Count(uri, "tr="))
	})

	t.Run("rejects invalid input", func(t *testing.T) {
		_, err := magnet.BuildURI("garbage")
		require.ErrorIs(t, err, magnet.ErrInvalidHash)
	})
}
