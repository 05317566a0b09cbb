// Package digest computes the deterministic identifiers used for transition
// decisions and wave attempts.
//
// Digests are content-based and time-excluded: identical logical inputs
// produce identical digests regardless of wall-clock time or map iteration
// order. All parts are length-prefixed to prevent ambiguity between adjacent
// components, and map-shaped inputs are flattened in sorted key order.
package digest

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"sort"
)

// Compute returns the hex sha256 digest of the length-prefixed parts.
func Compute(parts ...string) string {
	h := sha256.New()
	for _, part := range parts {
		fmt.Fprintf(h, "%d:", len(part))
		h.Write([]byte(part))
	}
	return hex.EncodeToString(h.Sum(nil))
}

// SortedPairs flattens a map into alternating key/value parts in sorted key
// order, suitable for Compute.
func SortedPairs(values map[string]string) []string {
	keys := make([]string, 0, len(values))
	for k := range values {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	parts := make([]string, 0, len(keys)*2)
	for _, k := range keys {
		parts = append(parts, k, values[k])
	}
	return parts
}
