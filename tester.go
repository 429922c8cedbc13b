package q8conv

import (
	"math"
	"math/rand"
	"testing"
)

// guardBytes is the number of bytes prepended to the input tensor in
// front of the first addressable sample. A kernel that under-reads its
// indirection pointers lands in the guard region and produces values
// the reference never saw, which the comparison stage then flags.
const guardBytes = 8

// Input and weight bytes are generated around the midpoint of the
// 8-bit range so the dequantized values are symmetric about zero and
// positive and negative accumulator contributions are stressed equally.
const (
	testInputZeroPoint  uint8 = 127
	testKernelZeroPoint uint8 = 127
)

// DepthwiseTester verifies a DepthwiseKernel against an exact integer
// reference over randomized trials. Configuration uses fluent setters
// that validate eagerly and panic on contract violations; an invalid
// shape is a bug in the test that configured it, not a runtime
// condition to recover from.
//
//	q8conv.NewDepthwiseTester().
//		KernelHeight(3).KernelWidth(3).
//		Channels(24).CR(8).Width(5).
//		Run(t, kernel)
type DepthwiseTester struct {
	channels     int
	cr           int
	width        int
	subsampling  int
	kernelHeight int
	kernelWidth  int
	inputStride  int
	outputStride int
	qmin         uint8
	qmax         uint8
	iterations   int
	seed         int64
}

// NewDepthwiseTester returns a tester for the minimal 1x1 single
// channel convolution with the full 8-bit output range, three trials,
// and a fixed seed.
func NewDepthwiseTester() *DepthwiseTester {
	return &DepthwiseTester{
		channels:     1,
		cr:           1,
		width:        1,
		subsampling:  1,
		kernelHeight: 1,
		kernelWidth:  1,
		qmin:         0,
		qmax:         255,
		iterations:   3,
		seed:         42,
	}
}

// Width sets the number of output positions along the row.
func (tst *DepthwiseTester) Width(width int) *DepthwiseTester {
	if width < 1 {
		panic("q8conv: width must be at least 1")
	}
	tst.width = width
	return tst
}

// Subsampling sets the stride between successive kernel applications.
func (tst *DepthwiseTester) Subsampling(subsampling int) *DepthwiseTester {
	if subsampling < 1 {
		panic("q8conv: subsampling must be at least 1")
	}
	tst.subsampling = subsampling
	return tst
}

// Channels sets the depth of the convolution.
func (tst *DepthwiseTester) Channels(channels int) *DepthwiseTester {
	if channels < 1 {
		panic("q8conv: channels must be at least 1")
	}
	tst.channels = channels
	return tst
}

// CR sets the channel tile size of the packed weight layout.
func (tst *DepthwiseTester) CR(cr int) *DepthwiseTester {
	if cr < 1 || cr&(cr-1) != 0 {
		panic("q8conv: channel tile size must be a positive power of two")
	}
	tst.cr = cr
	return tst
}

// KernelHeight sets the number of kernel taps along the height axis.
func (tst *DepthwiseTester) KernelHeight(kernelHeight int) *DepthwiseTester {
	if kernelHeight < 1 {
		panic("q8conv: kernel height must be at least 1")
	}
	tst.kernelHeight = kernelHeight
	return tst
}

// KernelWidth sets the number of kernel taps along the width axis.
func (tst *DepthwiseTester) KernelWidth(kernelWidth int) *DepthwiseTester {
	if kernelWidth < 1 {
		panic("q8conv: kernel width must be at least 1")
	}
	tst.kernelWidth = kernelWidth
	return tst
}

// InputStride sets the element stride between input rows, modeling a
// padded input layout. Must be at least Channels.
func (tst *DepthwiseTester) InputStride(inputStride int) *DepthwiseTester {
	if inputStride < 1 {
		panic("q8conv: input stride must be at least 1")
	}
	tst.inputStride = inputStride
	return tst
}

// OutputStride sets the element stride between output rows, modeling a
// padded output layout. Must be at least Channels.
func (tst *DepthwiseTester) OutputStride(outputStride int) *DepthwiseTester {
	if outputStride < 1 {
		panic("q8conv: output stride must be at least 1")
	}
	tst.outputStride = outputStride
	return tst
}

// QMin sets the lower clamp bound of the quantized output range.
func (tst *DepthwiseTester) QMin(qmin uint8) *DepthwiseTester {
	tst.qmin = qmin
	return tst
}

// QMax sets the upper clamp bound of the quantized output range.
func (tst *DepthwiseTester) QMax(qmax uint8) *DepthwiseTester {
	tst.qmax = qmax
	return tst
}

// Iterations sets the number of independent randomized trials.
func (tst *DepthwiseTester) Iterations(iterations int) *DepthwiseTester {
	if iterations < 1 {
		panic("q8conv: iterations must be at least 1")
	}
	tst.iterations = iterations
	return tst
}

// Seed fixes the pseudo-random seed so a failing trial can be replayed.
func (tst *DepthwiseTester) Seed(seed int64) *DepthwiseTester {
	tst.seed = seed
	return tst
}

// KernelSize returns the total number of kernel taps.
func (tst *DepthwiseTester) KernelSize() int {
	return tst.kernelHeight * tst.kernelWidth
}

// PackedChannels returns the channel count of the packed weight and
// bias buffers, per PackedChannelCount.
func (tst *DepthwiseTester) PackedChannels() int {
	return PackedChannelCount(tst.channels, tst.cr)
}

// EffectiveInputStride returns the configured input stride, defaulting
// to the channel count when unset.
func (tst *DepthwiseTester) EffectiveInputStride() int {
	if tst.inputStride == 0 {
		return tst.channels
	}
	if tst.inputStride < tst.channels {
		panic("q8conv: input stride must be at least channels")
	}
	return tst.inputStride
}

// EffectiveOutputStride returns the configured output stride,
// defaulting to the channel count when unset.
func (tst *DepthwiseTester) EffectiveOutputStride() int {
	if tst.outputStride == 0 {
		return tst.channels
	}
	if tst.outputStride < tst.channels {
		panic("q8conv: output stride must be at least channels")
	}
	return tst.outputStride
}

// Run drives the configured number of randomized trials against kernel
// and fails t at the first mismatch. Each trial regenerates every
// buffer: nothing is carried across iterations except the
// configuration and the random number generator.
func (tst *DepthwiseTester) Run(t testing.TB, kernel DepthwiseKernel) {
	t.Helper()

	rng := rand.New(rand.NewSource(tst.seed))

	kernelSize := tst.KernelSize()
	indirectStride := tst.kernelHeight * tst.subsampling
	taps := kernelSize + (tst.width-1)*indirectStride
	inputStride := tst.EffectiveInputStride()
	outputStride := tst.EffectiveOutputStride()
	packedChannels := tst.PackedChannels()

	input := make([]uint8, guardBytes+(taps-1)*inputStride+tst.channels)
	weights := make([]uint8, tst.channels*kernelSize)
	accumulators := make([]int32, tst.width*tst.channels)
	output := make([]uint8, (tst.width-1)*outputStride+tst.channels)
	indirect := make([][]uint8, taps)

	// The kernel-facing buffers come from the aligned pool, matching
	// what a production packing path hands to the kernel.
	packedBuf := MallocOrFail(t, kernelSize*packedChannels)
	defer FreeOrFail(t, packedBuf)
	packed := packedBuf.Uint8()

	biasBuf := MallocOrFail(t, packedChannels*4)
	defer FreeOrFail(t, biasBuf)
	bias := biasBuf.Int32()

	for iteration := 0; iteration < tst.iterations; iteration++ {
		fillUint8(rng, input)
		fillUint8(rng, weights)
		for i := range bias {
			bias[i] = int32(rng.Intn(20001) - 10000)
		}
		for i := range accumulators {
			accumulators[i] = 0
		}

		checkValueContrast(t, iteration, "input", input)
		checkValueContrast(t, iteration, "weights", weights)

		for i := range packed {
			packed[i] = testKernelZeroPoint
		}
		PackDepthwiseWeights(tst.channels, kernelSize, tst.cr, weights, packed)

		for i := range indirect {
			indirect[i] = input[guardBytes+i*inputStride:]
		}
		rng.Shuffle(len(indirect), func(i, j int) {
			indirect[i], indirect[j] = indirect[j], indirect[i]
		})

		referenceDepthwise(accumulators, indirect, weights, bias,
			tst.width, tst.channels, kernelSize, indirectStride,
			testInputZeroPoint, testKernelZeroPoint)

		accMin, accMax := checkAccumulatorContrast(t, iteration, accumulators)
		accRange := uint32(accMax) - uint32(accMin)

		// A range below 256 already fits the output byte; a scale
		// slightly above one keeps the derivation away from the
		// zero-scale edge without collapsing distinct codes.
		outputScale := 1.00001
		if accRange >= 256 {
			outputScale = float64(accRange) / 255.0
		}
		outputZeroPoint := deriveOutputZeroPoint(accMin, accMax, outputScale)

		requantScale := float32(1.0 / outputScale)
		params := ComputeRequantParams(requantScale, outputZeroPoint, tst.qmin, tst.qmax)
		scalarParams := ComputeScalarRequantParams(requantScale, outputZeroPoint, tst.qmin, tst.qmax)
		if params != scalarParams {
			t.Fatalf("iteration %d: vector and scalar requantization parameters disagree:\n  vector: %+v\n  scalar: %+v",
				iteration, params, scalarParams)
		}

		kernel(tst.channels, tst.width, indirect, packed, bias, output,
			indirectStride, outputStride-tst.channels,
			testInputZeroPoint, testKernelZeroPoint, params)

		result := CompareQuantized(accumulators, output,
			tst.width, tst.channels, outputStride,
			outputScale, outputZeroPoint, tst.qmin, tst.qmax,
			RequantTolerance)
		if !result.Ok() {
			t.Fatalf("iteration %d: %s", iteration, result)
		}
	}
}

// checkValueContrast aborts the trial when every byte of buf is the
// same value: such a trial cannot tell a correct kernel from a broken
// one and must not count as a pass. A single-element buffer has no
// contrast to demand and is exempt.
func checkValueContrast(t testing.TB, iteration int, name string, buf []uint8) {
	t.Helper()
	if len(buf) < 2 {
		return
	}
	if lo, hi := minMaxUint8(buf); lo == hi {
		t.Fatalf("iteration %d: degenerate %s, every byte is %d", iteration, name, lo)
	}
}

// checkAccumulatorContrast returns the accumulator extremes, aborting
// the trial when more than one accumulator exists but all hold the
// same value.
func checkAccumulatorContrast(t testing.TB, iteration int, acc []int32) (accMin, accMax int32) {
	t.Helper()
	accMin, accMax = minMaxInt32(acc)
	if len(acc) > 1 && accMin == accMax {
		t.Fatalf("iteration %d: degenerate accumulators, range is zero (all %d)",
			iteration, accMin)
	}
	return accMin, accMax
}

// referenceDepthwise computes the exact 32-bit accumulators for every
// output position and channel. It reads input through the same
// indirection table the kernel sees, so a shuffled table exercises both
// sides identically. Pure function of its inputs.
func referenceDepthwise(
	acc []int32,
	indirect [][]uint8, weights []uint8, bias []int32,
	width, channels, kernelSize, indirectStride int,
	inputZeroPoint, kernelZeroPoint uint8,
) {
	izp := int32(inputZeroPoint)
	kzp := int32(kernelZeroPoint)
	for x := 0; x < width; x++ {
		for c := 0; c < channels; c++ {
			a := bias[c]
			for k := 0; k < kernelSize; k++ {
				a += (int32(indirect[x*indirectStride+k][c]) - izp) *
					(int32(weights[c*kernelSize+k]) - kzp)
			}
			acc[x*channels+c] = a
		}
	}
}

// deriveOutputZeroPoint centers the quantized representation on the
// accumulator range so both extremes stay representable whenever
// possible, clamped to the 8-bit domain.
func deriveOutputZeroPoint(accMin, accMax int32, scale float64) uint8 {
	zp := math.Round(127.5 - 0.5*(float64(accMin)+float64(accMax))/scale)
	if zp < 0 {
		zp = 0
	}
	if zp > 255 {
		zp = 255
	}
	return uint8(zp)
}

func fillUint8(rng *rand.Rand, b []uint8) {
	for i := range b {
		b[i] = uint8(rng.Intn(256))
	}
}

func minMaxUint8(b []uint8) (lo, hi uint8) {
	lo, hi = b[0], b[0]
	for _, v := range b[1:] {
		if v < lo {
			lo = v
		}
		if v > hi {
			hi = v
		}
	}
	return lo, hi
}

func minMaxInt32(v []int32) (lo, hi int32) {
	lo, hi = v[0], v[0]
	for _, x := range v[1:] {
		if x < lo {
			lo = x
		}
		if x > hi {
			hi = x
		}
	}
	return lo, hi
}
