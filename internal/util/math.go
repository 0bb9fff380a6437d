// Package util holds small numeric helpers shared by the router and the usage tracker.
package util

import "cmp"

// Clamp returns v limited to [lo, hi].
func Clamp[T cmp.Ordered](v, lo, hi T) T {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

// Ratio returns used/limit, or 0 when limit is not positive.
func Ratio(used, limit float64) float64 {
	if limit <= 0 {
		return 0
	}
	return used / limit
}
