// Package stats holds the numeric helpers shared by ingestion, status
// aggregation and comparisons.
package stats

import (
	"math"
)

// Geomean returns the geometric mean of the positive, finite values.
// It returns 0 when no such value exists. The mean is computed in log
// space so large inputs do not overflow.
func Geomean(values []float64) float64 {
	var (
		sum float64
		n   int
	)

	for _, v := range values {
		if !(v > 0) || math.IsInf(v, 0) {
			continue
		}

		sum += math.Log(v)
		n++
	}

	if n == 0 {
		return 0
	}

	return math.Exp(sum / float64(n))
}

// Mean returns the arithmetic mean of values, or 0 for an empty slice.
func Mean(values []float64) float64 {
	if len(values) == 0 {
		return 0
	}

	var sum float64
	for _, v := range values {
		sum += v
	}

	return sum / float64(len(values))
}

// StdDev returns the population standard deviation of values.
func StdDev(values []float64) float64 {
	if len(values) == 0 {
		return 0
	}

	mean := Mean(values)

	var sq float64
	for _, v := range values {
		sq += (v - mean) * (v - mean)
	}

	return math.Sqrt(sq / float64(len(values)))
}

// Finite drops NaN and infinite values, preserving order.
func Finite(values []float64) []float64 {
	out := make([]float64, 0, len(values))

	for _, v := range values {
		if math.IsNaN(v) || math.IsInf(v, 0) {
			continue
		}

		out = append(out, v)
	}

	return out
}
