package store

import (
	"crypto/sha256"
	"encoding/hex"
	"strings"
	"unicode"
)

// HashLength is the number of hex characters kept from the SHA-256 digest
const HashLength = 16

// Normalize returns the canonical form of a URL used for cache keys.
//
// The URL is trimmed and lowercased, the http(s) scheme and a leading "www."
// are dropped, the fragment is removed and trailing slashes are stripped.
// Query strings are kept, so "a.com/p?x=1" and "a.com/p?x=2" are distinct
// entries while "a.com/p#one" and "a.com/p#two" share one.
func Normalize(rawURL string) string {
	u := strings.ToLower(rawURL)

	// Strip until nothing changes so that Normalize(Normalize(u)) == Normalize(u)
	for {
		prev := u
		u = strings.TrimSpace(u)
		u = strings.TrimPrefix(u, "https://")
		u = strings.TrimPrefix(u, "http://")
		u = strings.TrimPrefix(u, "www.")
		if u == prev {
			break
		}
	}

	if i := strings.IndexByte(u, '#'); i >= 0 {
		u = u[:i]
	}

	return strings.TrimRightFunc(u, func(r rune) bool {
		return r == '/' || unicode.IsSpace(r)
	})
}

// URLHash derives the index key for a canonical URL.
//
// Only the first 64 bits of the SHA-256 digest are kept. That keeps index
// keys short at the price of a theoretical collision risk, which is
// negligible for the number of documents this cache holds. Collisions are
// not detected.
func URLHash(canonical string) string {
	sum := sha256.Sum256([]byte(canonical))
	return hex.EncodeToString(sum[:])[:HashLength]
}

// KeyFor normalizes rawURL and returns its index key
func KeyFor(rawURL string) string {
	return URLHash(Normalize(rawURL))
}
