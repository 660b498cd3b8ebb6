// Package magnet provides BitTorrent magnet link parsing, info-hash
// normalization, and candidate ranking.
package magnet

import (
	"encoding/base32"
	"encoding/hex"
	"fmt"
	"net/url"
	"regexp"
	"strings"
)

// infoHashLen is the decoded length of a BitTorrent info-hash in bytes.
const infoHashLen = 20

var (
	hexHashPattern    = regexp.MustCompile(`^[a-fA-F0-9]{40}$`)
	base32HashPattern = regexp.MustCompile(`^[A-Z2-7]{32}$`)
	btihPattern       = regexp.MustCompile(`(?i)btih:([a-zA-Z0-9]{40}|[A-Za-z2-7]{32})`)
)

// ErrInvalidHash is returned when an input cannot be normalized to a
// 20-byte info-hash.
var ErrInvalidHash = fmt.Errorf("invalid info-hash or magnet link")

// ExtractHash extracts the BitTorrent info-hash from a magnet URI, a bare
// 40-char hex hash, or a bare 32-char Base32 hash, and normalizes it to
// lowercase 40-char hex. Invalid inputs are rejected, never truncated.
func ExtractHash(input string) (string, error) {
	input = strings.TrimSpace(input)

	if hexHashPattern.MatchString(input) {
		return strings.ToLower(input), nil
	}
	if base32HashPattern.MatchString(strings.ToUpper(input)) {
		return base32ToHex(strings.ToUpper(input))
	}

	if strings.HasPrefix(input, "magnet:") {
		if m := btihPattern.FindStringSubmatch(input); m != nil {
			return normalizeCandidate(m[1])
		}

		// Fall back to parsing xt query parameters; some links carry
		// multiple exact-topic params (xt, xt.1, ...).
		u, err := url.Parse(input)
		if err != nil {
			return "", fmt.Errorf("%w: %v", ErrInvalidHash, err)
		}
		for key, values := range u.Query() {
			if !strings.EqualFold(key, "xt") && !strings.EqualFold(key, "xt.1") {
				continue
			}
			for _, v := range values {
				idx := strings.LastIndex(strings.ToLower(v), "btih:")
				if idx < 0 {
					continue
				}
				return normalizeCandidate(v[idx+len("btih:"):])
			}
		}
	}

	return "", ErrInvalidHash
}

// normalizeCandidate normalizes a hash candidate that is already known to be
// 40-hex or 32-Base32 shaped.
func normalizeCandidate(candidate string) (string, error) {
	if len(candidate) == 32 && base32HashPattern.MatchString(strings.ToUpper(candidate)) {
		return base32ToHex(strings.ToUpper(candidate))
	}
	if hexHashPattern.MatchString(candidate) {
		return strings.ToLower(candidate), nil
	}
	return "", ErrInvalidHash
}

// base32ToHex decodes a 32-char Base32 info-hash (RFC 4648) and returns it
// as lowercase 40-char hex. The decoded payload must be exactly 20 bytes.
func base32ToHex(b32 string) (string, error) {
	if !base32HashPattern.MatchString(b32) {
		return "", ErrInvalidHash
	}

	decoded, err := base32.StdEncoding.WithPadding(base32.NoPadding).DecodeString(b32)
	if err != nil {
		return "", fmt.Errorf("%w: base32 decode: %v", ErrInvalidHash, err)
	}
	if len(decoded) != infoHashLen {
		return "", fmt.Errorf("%w: decoded payload is %d bytes, want %d", ErrInvalidHash, len(decoded), infoHashLen)
	}

	return hex.EncodeToString(decoded), nil
}

// defaultTrackers are appended when building a magnet link from a bare hash
// so clients without DHT bootstrap can still find peers.
var defaultTrackers = []string{
	"udp://tracker.opentrackr.org:1337/announce",
	"udp://open.tracker.cl:1337/announce",
	"udp://tracker.openbittorrent.com:6969/announce",
}

// maxTrackers caps the number of trackers kept when simplifying a link.
const maxTrackers = 5

// BuildURI builds a canonical magnet URI from a hash, bare hash string, or
// existing magnet link. Display name and trackers from an existing link are
// preserved (trackers capped at 5); links built from bare hashes get a small
// default tracker set.
func BuildURI(input string) (string, error) {
	hash, err := ExtractHash(input)
	if err != nil {
		return "", err
	}

	params := url.Values{}
	params.Set("xt", "urn:btih:"+hash)

	if strings.HasPrefix(input, "magnet:") {
		if u, parseErr := url.Parse(input); parseErr == nil {
			q := u.Query()
			if dn := q.Get("dn"); dn != "" {
				params.Set("dn", dn)
			}
			trackers := q["tr"]
			if len(trackers) > maxTrackers {
				trackers = trackers[:maxTrackers]
			}
			for _, tr := range trackers {
				params.Add("tr", tr)
			}
		}
	}

	if len(params["tr"]) == 0 {
		for _, tr := range defaultTrackers {
			params.Add("tr", tr)
		}
	}

	return "magnet:?" + params.Encode(), nil
}
