package q8conv

import (
	"fmt"
	"math"
)

// RequantParams carries the fixed-point parameters a depthwise kernel
// uses to fold its 32-bit accumulators back into 8-bit output codes.
//
// The multiplier/shift pair encodes the floating-point requantization
// scale as a Q31 fixed-point number: the accumulator is multiplied into
// a 63-bit product, rounded at bit 31, then arithmetically shifted
// right with round-to-nearest correction driven by the remainder mask
// and threshold. The clamp bounds are pre-biased by the output zero
// point so the kernel clamps before re-adding it.
type RequantParams struct {
	Multiplier         int32
	RemainderMask      int32
	RemainderThreshold int32
	Shift              uint32
	MinLessZeroPoint   int32
	MaxLessZeroPoint   int32
	ZeroPoint          int32
}

// computeQ31Params derives the multiplier/shift encoding of scale.
// The scale must be in [2^-32, 1): requantization always shrinks the
// accumulator range, and narrower scales cannot be represented with a
// 31-bit shift.
func computeQ31Params(scale float32, zeroPoint, qmin, qmax uint8) RequantParams {
	if !(scale < 1.0) || !(scale >= 0x1p-32) {
		panic(NewNumericalError("ComputeRequantParams",
			"requantization scale out of [2^-32, 1) range", scale))
	}

	scaleBits := math.Float32bits(scale)

	// Multiplier is the mantissa with the implicit bit restored,
	// promoted into the [0x40000000, 0x7FFFFF80] Q31 range.
	multiplier := int32((scaleBits&0x007FFFFF | 0x00800000) << 7)

	// Shift absorbs the exponent; in [0, 31] by the scale precondition.
	shift := int32(127+31-32) - int32(scaleBits>>23)
	if shift < 0 || shift >= 32 {
		panic(fmt.Sprintf("q8conv: requantization shift %d out of [0, 32) range", shift))
	}

	remainderMask := int32(uint32(1)<<uint32(shift) - 1)
	return RequantParams{
		Multiplier:         multiplier,
		RemainderMask:      remainderMask,
		RemainderThreshold: int32(uint32(remainderMask) >> 1),
		Shift:              uint32(shift),
		MinLessZeroPoint:   int32(qmin) - int32(zeroPoint),
		MaxLessZeroPoint:   int32(qmax) - int32(zeroPoint),
		ZeroPoint:          int32(zeroPoint),
	}
}

// ComputeRequantParams derives the parameter bundle consumed by the
// vectorized kernel variants.
func ComputeRequantParams(scale float32, zeroPoint, qmin, qmax uint8) RequantParams {
	return computeQ31Params(scale, zeroPoint, qmin, qmax)
}

// ComputeScalarRequantParams derives the parameter bundle for the
// scalar fallback path. It must be numerically equivalent to the
// vectorized bundle for the same inputs; the two exist separately
// because specialized kernels historically consumed different layouts.
func ComputeScalarRequantParams(scale float32, zeroPoint, qmin, qmax uint8) RequantParams {
	return computeQ31Params(scale, zeroPoint, qmin, qmax)
}

// RequantizeQ31 converts one 32-bit accumulator into its 8-bit output
// code: Q31 multiply with rounding at bit 31, arithmetic shift with
// round-to-nearest (ties away from zero), clamp, zero-point bias.
func RequantizeQ31(n int32, p RequantParams) uint8 {
	product := int64(n) * int64(p.Multiplier)
	q31product := int32(uint32(uint64(product+0x40000000) >> 31))
	remainder := q31product & p.RemainderMask
	if n < 0 {
		remainder--
	}
	out := q31product >> p.Shift
	if remainder > p.RemainderThreshold {
		out++
	}
	if out < p.MinLessZeroPoint {
		out = p.MinLessZeroPoint
	}
	if out > p.MaxLessZeroPoint {
		out = p.MaxLessZeroPoint
	}
	return uint8(out + p.ZeroPoint)
}

// requantizePrecise is the arbitrary-precision model of RequantizeQ31,
// used to validate the fixed-point path. Rounding is to nearest with
// ties away from zero, matching the Q31 remainder correction.
func requantizePrecise(n int32, scale float32, zeroPoint, qmin, qmax uint8) uint8 {
	scaled := float64(n) * float64(scale)
	clamped := math.Min(math.Max(scaled, float64(qmin)-float64(zeroPoint)),
		float64(qmax)-float64(zeroPoint))
	return uint8(int32(math.Round(clamped)) + int32(zeroPoint))
}
