package q8conv

import (
	"golang.org/x/sys/cpu"
)

// CPUFeatures tracks the instruction set extensions the kernel
// dispatcher cares about.
type CPUFeatures struct {
	HasSSE4    bool
	HasAVX2    bool
	HasAVX512  bool
	HasNEON    bool
	HasDotProd bool
}

// Global CPU feature detection
var cpuFeatures CPUFeatures

func init() {
	detectCPUFeatures()
}

// detectCPUFeatures populates the global cpuFeatures struct
func detectCPUFeatures() {
	cpuFeatures = CPUFeatures{
		HasSSE4:    cpu.X86.HasSSE41 || cpu.X86.HasSSE42,
		HasAVX2:    cpu.X86.HasAVX2,
		HasAVX512:  cpu.X86.HasAVX512F && cpu.X86.HasAVX512BW,
		HasNEON:    cpu.ARM64.HasASIMD,
		HasDotProd: cpu.ARM64.HasASIMDDP,
	}
}

// HasWideVectors reports whether the CPU has vector units wide enough
// for the channel-tiled kernel variants to pay off. On x86 that means
// AVX2 with byte shuffles; on ARM64 plain NEON suffices.
func HasWideVectors() bool {
	return cpuFeatures.HasAVX2 || cpuFeatures.HasAVX512 || cpuFeatures.HasNEON
}

// BestKernelVariant names the depthwise kernel family the dispatcher
// would pick on this CPU.
func BestKernelVariant() string {
	switch {
	case cpuFeatures.HasAVX512:
		return "tiled-avx512"
	case cpuFeatures.HasAVX2:
		return "tiled-avx2"
	case cpuFeatures.HasDotProd:
		return "tiled-neon-dotprod"
	case cpuFeatures.HasNEON:
		return "tiled-neon"
	case cpuFeatures.HasSSE4:
		return "tiled-sse4"
	}
	return "scalar"
}

// GetCPUInfo returns a string describing available CPU features
func GetCPUInfo() string {
	features := []string{}

	if cpuFeatures.HasSSE4 {
		features = append(features, "SSE4")
	}
	if cpuFeatures.HasAVX2 {
		features = append(features, "AVX2")
	}
	if cpuFeatures.HasAVX512 {
		features = append(features, "AVX512")
	}
	if cpuFeatures.HasNEON {
		features = append(features, "NEON")
	}
	if cpuFeatures.HasDotProd {
		features = append(features, "DOTPROD")
	}

	if len(features) == 0 {
		return "No SIMD extensions detected"
	}

	result := "CPU features: "
	for i, f := range features {
		if i > 0 {
			result += ", "
		}
		result += f
	}
	return result
}
