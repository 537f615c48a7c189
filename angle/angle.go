// Package angle implements wraparound-safe arithmetic on bearings in degrees.
package angle

import "math"

// Normalize reduces a to the range [0, 360).
func Normalize(a float64) float64 {
	a = math.Mod(a, 360)
	if a < 0 {
		a += 360
	}
	// -tiny + 360 rounds to 360 in floating point.
	if a >= 360 {
		a = 0
	}
	return a
}

// ShortestError returns the signed delta in (-180, 180] that takes current
// to target by the shorter way around the circle.
func ShortestError(current, target float64) float64 {
	d := Normalize(target) - Normalize(current)
	switch {
	case d > 180:
		d -= 360
	case d <= -180:
		d += 360
	}
	return d
}
