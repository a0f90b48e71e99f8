// Package util contains misc internal utilities.
package util

import (
	"math"
	"time"
)

// Clamp limits input to the closed interval [low, high]
func Clamp(input, low, high float64) float64 {
	if input < low {
		return low
	}
	if input > high {
		return high
	}
	return input
}

// SecsToDuration converts floating point seconds to a time.Duration,
// rounded to the nearest nanosecond
func SecsToDuration(secs float64) time.Duration {
	return time.Duration(math.Round(secs * 1e9))
}

// Steps returns the n values start, start+step, ... start+(n-1)*step.
// Each value is computed by multiplication so error does not accumulate.
func Steps(start, step float64, n int) []float64 {
	if n <= 0 {
		return nil
	}
	out := make([]float64, n)
	for i := range out {
		out[i] = start + float64(i)*step
	}
	return out
}

// SignOf returns x with the sign of y
func SignOf(x, y float64) float64 {
	return math.Copysign(x, y)
}
