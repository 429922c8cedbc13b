// Package q8conv tolerance-based verification for quantized kernel output
package q8conv

import (
	"fmt"
	"math"
)

// RequantTolerance is the accepted absolute error, in output quanta,
// between a kernel's requantized output and the exact scaled reference:
// one rounding unit plus margin for multiply-accumulate reordering in
// vectorized kernels. Empirically tuned for the Q31 kernel family;
// do not re-derive.
const RequantTolerance = 0.6

// VerificationResult summarizes a comparison of kernel output against
// the high-precision reference.
type VerificationResult struct {
	MaxAbsError  float64
	NumErrors    int
	TotalItems   int
	FirstX       int // Output position of first error, -1 if none
	FirstChannel int // Channel of first error, -1 if none
	Expected     float64
	Got          int32
}

// Ok reports whether every output value was within tolerance.
func (r VerificationResult) Ok() bool {
	return r.NumErrors == 0
}

// String formats the verification result for display
func (r VerificationResult) String() string {
	if r.NumErrors == 0 {
		return "PASS: all values match within tolerance"
	}
	errorRate := float64(r.NumErrors) / float64(r.TotalItems) * 100
	return fmt.Sprintf("FAIL: %d/%d values differ (%.2f%%)\n"+
		"  Max absolute error: %g\n"+
		"  First error at x = %d, channel = %d: expected %g, got %d",
		r.NumErrors, r.TotalItems, errorRate,
		r.MaxAbsError, r.FirstX, r.FirstChannel, r.Expected, r.Got)
}

// CompareQuantized checks a kernel's 8-bit output against reference
// accumulators. Each accumulator is rescaled by 1/scale and clamped to
// [qmin-zeroPoint, qmax-zeroPoint], modeling the saturation a correct
// kernel applies, then compared against output minus zeroPoint with
// absolute tolerance tol.
//
// Accumulators are laid out densely, width*channels; output rows are
// outputStride bytes apart.
func CompareQuantized(
	accumulators []int32, output []uint8,
	width, channels, outputStride int,
	scale float64, zeroPoint uint8, qmin, qmax uint8,
	tol float64,
) VerificationResult {
	result := VerificationResult{
		TotalItems:   width * channels,
		FirstX:       -1,
		FirstChannel: -1,
	}

	zp := float64(zeroPoint)
	lo := float64(qmin) - zp
	hi := float64(qmax) - zp

	for x := 0; x < width; x++ {
		for c := 0; c < channels; c++ {
			scaled := float64(accumulators[x*channels+c]) / scale
			clamped := math.Min(math.Max(scaled, lo), hi)
			got := int32(output[x*outputStride+c]) - int32(zeroPoint)

			diff := math.Abs(clamped - float64(got))
			if diff > tol {
				result.NumErrors++
				if result.FirstX == -1 {
					result.FirstX = x
					result.FirstChannel = c
					result.Expected = clamped
					result.Got = got
				}
				if diff > result.MaxAbsError {
					result.MaxAbsError = diff
				}
			}
		}
	}

	return result
}
