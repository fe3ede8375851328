// Package bucket maps strings onto a stable position in [0, 100).
//
// The same key always lands on the same position, in every process, so a
// user keeps their variant across requests and restarts.
package bucket

import "github.com/cespare/xxhash/v2"

// resolution is the number of distinct positions in [0, 100).
const resolution = 1_000_000

// Hash returns a deterministic value in [0, 100) for key.
func Hash(key string) float64 {
	return float64(xxhash.Sum64String(key)%resolution) * 100 / resolution
}

// AssignmentKey is the key used to pick a user's variant.
func AssignmentKey(testID, userID string) string {
	return testID + ":" + userID
}

// AudienceKey is the key used for percentage audience sampling. It differs
// from AssignmentKey so audience membership and variant choice are uncorrelated.
func AudienceKey(testID, userID string) string {
	return testID + ":" + userID + ":audience"
}
