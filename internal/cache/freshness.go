// Package cache decides when a stored artifact may be reused instead of
// calling an external provider again.
package cache

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"time"
)

// Clock returns the current time. Tests inject a fixed clock.
type Clock func() time.Time

// Policy is a freshness window. A zero window never expires.
type Policy struct {
	Window time.Duration
}

// Defaults used when configuration leaves a window unset.
var (
	SearchPolicy    = Policy{Window: 24 * time.Hour}
	PagePolicy      = Policy{Window: 7 * 24 * time.Hour}
	EmbeddingPolicy = Policy{}
)

// Fresh reports whether an artifact stamped at ts may be reused at now.
func (p Policy) Fresh(ts, now time.Time) bool {
	if p.Window <= 0 {
		return true
	}
	return now.Sub(ts) < p.Window
}

// SearchKey is the lookup key of a search artifact. Params are encoded
// with sorted map keys so equal params always produce the same key.
func SearchKey(keyword string, params map[string]any) (string, error) {
	if params == nil {
		params = map[string]any{}
	}
	canonical, err := json.Marshal(params)
	if err != nil {
		return "", err
	}
	return Hash(keyword + "\x00" + string(canonical)), nil
}

// Hash returns the hex sha256 of s.
func Hash(s string) string {
	sum := sha256.Sum256([]byte(s))
	return hex.EncodeToString(sum[:])
}

// HashJSON hashes the JSON encoding of v.
func HashJSON(v any) (string, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return "", err
	}
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:]), nil
}
