package q8conv

// DepthwiseKernel computes one row of 8-bit quantized depthwise
// convolution output. It is the contract every optimized kernel in
// this package, and any external implementation under verification,
// must satisfy.
//
// The kernel writes width*channels output bytes. Input samples are
// addressed through indirectInput: for output position x, the samples
// for kernel tap k come from indirectInput[x*indirectStride+k], indexed
// by channel. packedWeights holds the channel-tiled layout produced by
// PackDepthwiseWeights, with padded lanes pre-set to kernelZeroPoint so
// they accumulate nothing. After writing channels bytes for one output
// position the kernel skips outputIncrement bytes of row padding.
//
// The kernel must not read outside the slices it is handed; padded
// tiles are covered by the packed buffer's PackedChannelCount sizing.
type DepthwiseKernel func(
	channels, width int,
	indirectInput [][]uint8,
	packedWeights []uint8,
	bias []int32,
	output []uint8,
	indirectStride, outputIncrement int,
	inputZeroPoint, kernelZeroPoint uint8,
	params RequantParams,
)

// DepthwiseScalar returns a kernel specialized for the given kernel
// size and channel tile. The implementation is straight scalar code
// and serves as the portable fallback for any shape.
func DepthwiseScalar(kernelSize, cr int) DepthwiseKernel {
	if kernelSize < 1 {
		panic("q8conv: kernel size must be at least 1")
	}
	if cr < 1 || cr&(cr-1) != 0 {
		panic("q8conv: channel tile size must be a positive power of two")
	}
	return func(
		channels, width int,
		indirectInput [][]uint8,
		packedWeights []uint8,
		bias []int32,
		output []uint8,
		indirectStride, outputIncrement int,
		inputZeroPoint, kernelZeroPoint uint8,
		params RequantParams,
	) {
		izp := int32(inputZeroPoint)
		kzp := int32(kernelZeroPoint)
		out := 0
		for x := 0; x < width; x++ {
			taps := indirectInput[x*indirectStride:]
			for c := 0; c < channels; c++ {
				tileBase := (c / cr) * kernelSize * cr
				lane := c % cr
				acc := bias[c]
				for k := 0; k < kernelSize; k++ {
					w := packedWeights[tileBase+k*cr+lane]
					acc += (int32(taps[k][c]) - izp) * (int32(w) - kzp)
				}
				output[out+c] = RequantizeQ31(acc, params)
			}
			out += channels + outputIncrement
		}
	}
}

// DepthwiseTiled8 returns a kernel for cr=8 packing that walks whole
// channel tiles with eight parallel accumulators, the shape compilers
// vectorize on wide-vector targets. The final partial tile falls back
// to per-lane scalar code.
func DepthwiseTiled8(kernelSize int) DepthwiseKernel {
	if kernelSize < 1 {
		panic("q8conv: kernel size must be at least 1")
	}
	const cr = 8
	return func(
		channels, width int,
		indirectInput [][]uint8,
		packedWeights []uint8,
		bias []int32,
		output []uint8,
		indirectStride, outputIncrement int,
		inputZeroPoint, kernelZeroPoint uint8,
		params RequantParams,
	) {
		izp := int32(inputZeroPoint)
		kzp := int32(kernelZeroPoint)
		out := 0
		for x := 0; x < width; x++ {
			taps := indirectInput[x*indirectStride:]

			c := 0
			for ; c+cr <= channels; c += cr {
				tileBase := (c / cr) * kernelSize * cr
				var acc [cr]int32
				for lane := 0; lane < cr; lane++ {
					acc[lane] = bias[c+lane]
				}
				for k := 0; k < kernelSize; k++ {
					in := taps[k][c : c+cr : c+cr]
					w := packedWeights[tileBase+k*cr : tileBase+(k+1)*cr : tileBase+(k+1)*cr]
					for lane := 0; lane < cr; lane++ {
						acc[lane] += (int32(in[lane]) - izp) * (int32(w[lane]) - kzp)
					}
				}
				for lane := 0; lane < cr; lane++ {
					output[out+c+lane] = RequantizeQ31(acc[lane], params)
				}
			}

			for ; c < channels; c++ {
				tileBase := (c / cr) * kernelSize * cr
				lane := c % cr
				acc := bias[c]
				for k := 0; k < kernelSize; k++ {
					w := packedWeights[tileBase+k*cr+lane]
					acc += (int32(taps[k][c]) - izp) * (int32(w) - kzp)
				}
				output[out+c] = RequantizeQ31(acc, params)
			}
			out += channels + outputIncrement
		}
	}
}

// SelectDepthwiseKernel returns the preferred kernel for the given
// packing shape on this CPU: the tiled variant when the packing uses
// 8-channel tiles and the CPU has wide vector units, the scalar
// fallback otherwise.
func SelectDepthwiseKernel(kernelSize, cr int) DepthwiseKernel {
	if cr == 8 && HasWideVectors() {
		return DepthwiseTiled8(kernelSize)
	}
	return DepthwiseScalar(kernelSize, cr)
}
