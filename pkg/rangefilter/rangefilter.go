// Package rangefilter truncates a descending-score result list using a
// combined standard-deviation and absolute-range gate.
package rangefilter

import "math"

// Scored pairs an item with its similarity score. Input must be sorted by
// Score descending.
type Scored[T any] struct {
	Score float64
	Item  T
}

// Filter returns the longest prefix of scores whose population standard
// deviation is strictly below maxStddev (each prefix length is judged on
// its own, so a shorter prefix above the gate does not stop the scan), then drops
// any of those entries whose score does not lie strictly above
// scores[0]-maxRange.
func Filter[T any](scores []Scored[T], maxRange, maxStddev float64) []Scored[T] {
	if len(scores) == 0 {
		return nil
	}

	take := -1
	var sum, sumSq float64
	for d := 1; d <= len(scores); d++ {
		x := scores[d-1].Score
		sum += x
		sumSq += x * x
		n := float64(d)
		variance := (sumSq - sum*sum/n) / n
		if variance < 0 {
			variance = 0
		}
		stddev := math.Sqrt(variance)
		if stddev < maxStddev {
			take = d
		}
	}
	if take < 0 {
		return nil
	}

	threshold := scores[0].Score - maxRange
	out := make([]Scored[T], 0, take)
	for _, s := range scores[:take] {
		if s.Score > threshold {
			out = append(out, s)
		}
	}
	return out
}
