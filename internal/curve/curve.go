// Package curve maps a channel's outbound liquidity ratio to a target fee.
//
// The curve is anchored on the channel's average earned fee A and a pivot
// ratio p. At r == p the target is exactly A; a drained channel (r -> 0)
// asks for up to 2A and a full channel decays toward zero. Pivots below 0.5
// compress the decay so the fee reaches zero at r == 2p instead of r == 1.
package curve

import "math"

// TargetFee computes the target fee for average avg at outbound ratio ratio
// with the given pivot. Ratio and pivot are expected in [0, 1].
func TargetFee(avg, ratio, pivot float64) float64 {
	if pivot >= 0.5 {
		if ratio >= pivot {
			return avg * (1 - ratio) / (1 - pivot)
		}
		return avg * (1 + (pivot-ratio)/(1-pivot))
	}

	zero := 2 * pivot
	switch {
	case ratio >= zero:
		return 0
	case ratio >= pivot:
		return avg * (zero - ratio) / (zero - pivot)
	default:
		return avg * (1 + (pivot-ratio)/pivot)
	}
}

// Step moves current toward target, rate limited by adjustmentFactor. A
// nonzero step smaller than one ppm is forced to a full ppm so small
// corrections cannot stall, and the result never goes below zero.
func Step(current int64, target, adjustmentFactor float64) int64 {
	step := adjustmentFactor * (target - float64(current))
	if step != 0 && math.Abs(step) < 1 {
		if step > 0 {
			step = 1
		} else {
			step = -1
		}
	}
	next := current + int64(math.Round(step))
	if next < 0 {
		return 0
	}
	return next
}
