package q8conv

// PackedChannelCount returns (channels | (cr-1)) + 1 for a channel
// tile size cr, which must be a power of two. Unaligned counts round
// up to the next multiple of cr; counts already a multiple of cr
// advance by a full tile, so the packed layout always carries at least
// one padding lane. Packed weight and bias buffers are sized by this
// count so kernels can read whole tiles without bounds logic on the
// last partial tile.
func PackedChannelCount(channels, cr int) int {
	if channels < 1 {
		panic("q8conv: channels must be at least 1")
	}
	if cr < 1 || cr&(cr-1) != 0 {
		panic("q8conv: channel tile size must be a positive power of two")
	}
	return (channels | (cr - 1)) + 1
}

// PackDepthwiseWeights rearranges flat channel-major depthwise weights
// into the channel-tiled layout the kernels consume:
//
//	packed[(c/cr)*kernelSize*cr + k*cr + c%cr] = w[c*kernelSize + k]
//
// Within a tile the weights for one kernel tap sit contiguously across
// cr channels, so a kernel loads one tap for a whole tile at a time.
//
// Entries for padding channels (channels up to PackedChannelCount) are
// left untouched; callers must pre-fill packed with the kernel zero
// point so padded lanes contribute zero after zero-point subtraction.
func PackDepthwiseWeights(channels, kernelSize, cr int, w, packed []uint8) {
	if kernelSize < 1 {
		panic("q8conv: kernel size must be at least 1")
	}
	packedChannels := PackedChannelCount(channels, cr)
	if len(w) < channels*kernelSize {
		panic("q8conv: weight buffer shorter than channels*kernelSize")
	}
	if len(packed) < packedChannels*kernelSize {
		panic("q8conv: packed buffer shorter than packedChannels*kernelSize")
	}

	for tileStart := 0; tileStart < channels; tileStart += cr {
		tileBase := (tileStart / cr) * kernelSize * cr
		lanes := channels - tileStart
		if lanes > cr {
			lanes = cr
		}
		for k := 0; k < kernelSize; k++ {
			for lane := 0; lane < lanes; lane++ {
				packed[tileBase+k*cr+lane] = w[(tileStart+lane)*kernelSize+k]
			}
		}
	}
}
