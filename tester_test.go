package q8conv

import (
	"fmt"
	"math/rand"
	"strings"
	"testing"
)

func TestDepthwiseMinimal(t *testing.T) {
	// Single tap, single channel, single output position.
	NewDepthwiseTester().Run(t, DepthwiseScalar(1, 1))
}

func TestDepthwiseSingleTile(t *testing.T) {
	for _, cr := range []int{1, 2, 4, 8, 16} {
		tester := NewDepthwiseTester().
			KernelHeight(3).KernelWidth(3).
			Channels(cr).CR(cr)
		tester.Run(t, DepthwiseScalar(9, cr))
	}
}

func TestDepthwiseMultiTile(t *testing.T) {
	for channels := 1; channels <= 16; channels++ {
		tester := NewDepthwiseTester().
			KernelHeight(3).KernelWidth(3).
			Channels(channels).CR(4)
		tester.Run(t, DepthwiseScalar(9, 4))
	}
}

func TestDepthwisePartialTile(t *testing.T) {
	// Channels not a multiple of the tile: the packed buffer covers 8
	// channels and the padding lanes must contribute nothing.
	tester := NewDepthwiseTester().
		KernelHeight(3).KernelWidth(3).
		Channels(5).CR(8)
	if got := tester.PackedChannels(); got != 8 {
		t.Fatalf("PackedChannels() = %d, want 8", got)
	}
	tester.Run(t, DepthwiseScalar(9, 8))
	tester.Run(t, DepthwiseTiled8(9))
}

func TestDepthwiseWide(t *testing.T) {
	for _, width := range []int{2, 3, 5, 8, 17} {
		tester := NewDepthwiseTester().
			KernelHeight(3).KernelWidth(3).
			Channels(8).CR(8).Width(width)
		tester.Run(t, DepthwiseScalar(9, 8))
		tester.Run(t, DepthwiseTiled8(9))
	}
}

func TestDepthwiseSubsampling(t *testing.T) {
	for _, subsampling := range []int{1, 2, 3} {
		tester := NewDepthwiseTester().
			KernelHeight(3).KernelWidth(3).
			Channels(4).CR(4).Width(4).
			Subsampling(subsampling)
		tester.Run(t, DepthwiseScalar(9, 4))
	}
}

func TestDepthwiseTallNarrowKernels(t *testing.T) {
	shapes := []struct{ kh, kw int }{
		{1, 3}, {3, 1}, {5, 5}, {1, 9}, {2, 2},
	}
	for _, shape := range shapes {
		tester := NewDepthwiseTester().
			KernelHeight(shape.kh).KernelWidth(shape.kw).
			Channels(6).CR(2).Width(3)
		tester.Run(t, DepthwiseScalar(shape.kh*shape.kw, 2))
	}
}

func TestDepthwiseInputStride(t *testing.T) {
	tester := NewDepthwiseTester().
		KernelHeight(3).KernelWidth(3).
		Channels(5).CR(8).Width(3).
		InputStride(17)
	tester.Run(t, DepthwiseScalar(9, 8))
}

func TestDepthwiseOutputStride(t *testing.T) {
	// Row padding between output positions must stay untouched and
	// must not corrupt neighboring rows.
	tester := NewDepthwiseTester().
		KernelHeight(3).KernelWidth(3).
		Channels(5).CR(8).Width(3).
		OutputStride(21)
	tester.Run(t, DepthwiseScalar(9, 8))
	tester.Run(t, DepthwiseTiled8(9))
}

func TestDepthwiseRestrictedRange(t *testing.T) {
	ranges := []struct{ qmin, qmax uint8 }{
		{0, 127},
		{128, 255},
		{64, 192},
	}
	for _, r := range ranges {
		tester := NewDepthwiseTester().
			KernelHeight(3).KernelWidth(3).
			Channels(8).CR(8).Width(2).
			QMin(r.qmin).QMax(r.qmax)
		tester.Run(t, DepthwiseScalar(9, 8))
		tester.Run(t, DepthwiseTiled8(9))
	}
}

func TestDepthwiseSelectedKernel(t *testing.T) {
	tester := NewDepthwiseTester().
		KernelHeight(3).KernelWidth(3).
		Channels(24).CR(8).Width(5)
	tester.Run(t, SelectDepthwiseKernel(9, 8))
}

func TestDepthwiseSeedsReproduce(t *testing.T) {
	// Distinct seeds must both verify; a fixed seed exists so a
	// failure can be replayed exactly.
	for _, seed := range []int64{1, 7, 12345} {
		tester := NewDepthwiseTester().
			KernelHeight(3).KernelWidth(3).
			Channels(5).CR(8).Width(3).
			Seed(seed)
		tester.Run(t, DepthwiseScalar(9, 8))
	}
}

func TestReferenceIdempotence(t *testing.T) {
	const (
		width          = 3
		channels       = 4
		kernelSize     = 9
		indirectStride = 3
	)
	rng := rand.New(rand.NewSource(99))

	taps := kernelSize + (width-1)*indirectStride
	input := make([]uint8, taps*channels)
	weights := make([]uint8, channels*kernelSize)
	bias := make([]int32, channels)
	fillUint8(rng, input)
	fillUint8(rng, weights)
	for i := range bias {
		bias[i] = int32(rng.Intn(20001) - 10000)
	}

	indirect := make([][]uint8, taps)
	for i := range indirect {
		indirect[i] = input[i*channels:]
	}

	first := make([]int32, width*channels)
	second := make([]int32, width*channels)
	referenceDepthwise(first, indirect, weights, bias,
		width, channels, kernelSize, indirectStride, 127, 127)
	referenceDepthwise(second, indirect, weights, bias,
		width, channels, kernelSize, indirectStride, 127, 127)

	for i := range first {
		if first[i] != second[i] {
			t.Fatalf("accumulator %d changed between runs: %d vs %d", i, first[i], second[i])
		}
	}
}

func TestReferenceSingleTap(t *testing.T) {
	// One tap, one channel: accumulator is bias + (in-127)*(w-127).
	input := []uint8{200}
	weights := []uint8{50}
	bias := []int32{1000}
	indirect := [][]uint8{input}

	acc := make([]int32, 1)
	referenceDepthwise(acc, indirect, weights, bias, 1, 1, 1, 1, 127, 127)

	want := int32(1000 + (200-127)*(50-127))
	if acc[0] != want {
		t.Errorf("accumulator = %d, want %d", acc[0], want)
	}
}

func TestDeriveOutputZeroPoint(t *testing.T) {
	tests := []struct {
		name  string
		min   int32
		max   int32
		scale float64
		want  uint8
	}{
		{"symmetric range", -1000, 1000, 2000.0 / 255.0, 128},
		{"positive range clamps low", 100000, 200000, 100000.0 / 255.0, 0},
		{"negative range clamps high", -200000, -100000, 100000.0 / 255.0, 255},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := deriveOutputZeroPoint(tt.min, tt.max, tt.scale); got != tt.want {
				t.Errorf("deriveOutputZeroPoint(%d, %d, %g) = %d, want %d",
					tt.min, tt.max, tt.scale, got, tt.want)
			}
		})
	}
}

func TestTesterDerivedGetters(t *testing.T) {
	tester := NewDepthwiseTester().
		KernelHeight(3).KernelWidth(5).
		Channels(5).CR(8)

	if got := tester.KernelSize(); got != 15 {
		t.Errorf("KernelSize() = %d, want 15", got)
	}
	if got := tester.PackedChannels(); got != 8 {
		t.Errorf("PackedChannels() = %d, want 8", got)
	}
	if got := tester.EffectiveInputStride(); got != 5 {
		t.Errorf("EffectiveInputStride() = %d, want 5 (default to channels)", got)
	}
	if got := tester.EffectiveOutputStride(); got != 5 {
		t.Errorf("EffectiveOutputStride() = %d, want 5 (default to channels)", got)
	}

	tester.InputStride(16).OutputStride(32)
	if got := tester.EffectiveInputStride(); got != 16 {
		t.Errorf("EffectiveInputStride() = %d, want 16", got)
	}
	if got := tester.EffectiveOutputStride(); got != 32 {
		t.Errorf("EffectiveOutputStride() = %d, want 32", got)
	}
}

// recordingTB captures Fatalf so trial-abort paths can be observed
// without failing the enclosing test. Only the methods the guards call
// are overridden.
type recordingTB struct {
	testing.TB
	failed bool
	msg    string
}

func (r *recordingTB) Helper() {}

func (r *recordingTB) Fatalf(format string, args ...interface{}) {
	r.failed = true
	r.msg = fmt.Sprintf(format, args...)
}

func TestDegenerateTrialsAbort(t *testing.T) {
	t.Run("constant input", func(t *testing.T) {
		rec := &recordingTB{}
		checkValueContrast(rec, 2, "input", []uint8{9, 9, 9, 9})
		if !rec.failed {
			t.Fatal("constant buffer did not abort the trial")
		}
		if !strings.Contains(rec.msg, "degenerate input") || !strings.Contains(rec.msg, "iteration 2") {
			t.Errorf("abort message %q lacks buffer name or iteration", rec.msg)
		}
	})

	t.Run("contrasting input", func(t *testing.T) {
		rec := &recordingTB{}
		checkValueContrast(rec, 0, "input", []uint8{9, 9, 10})
		if rec.failed {
			t.Fatalf("contrasting buffer aborted the trial: %s", rec.msg)
		}
	})

	t.Run("single byte exempt", func(t *testing.T) {
		rec := &recordingTB{}
		checkValueContrast(rec, 0, "weights", []uint8{7})
		if rec.failed {
			t.Fatalf("single-element buffer aborted the trial: %s", rec.msg)
		}
	})

	t.Run("constant accumulators", func(t *testing.T) {
		rec := &recordingTB{}
		checkAccumulatorContrast(rec, 1, []int32{-5, -5, -5})
		if !rec.failed {
			t.Fatal("zero accumulator range did not abort the trial")
		}
		if !strings.Contains(rec.msg, "degenerate accumulators") {
			t.Errorf("abort message %q lacks accumulator diagnosis", rec.msg)
		}
	})

	t.Run("single accumulator exempt", func(t *testing.T) {
		rec := &recordingTB{}
		lo, hi := checkAccumulatorContrast(rec, 0, []int32{42})
		if rec.failed {
			t.Fatalf("single accumulator aborted the trial: %s", rec.msg)
		}
		if lo != 42 || hi != 42 {
			t.Errorf("extremes = (%d, %d), want (42, 42)", lo, hi)
		}
	})

	t.Run("accumulator extremes", func(t *testing.T) {
		rec := &recordingTB{}
		lo, hi := checkAccumulatorContrast(rec, 0, []int32{3, -8, 11, 0})
		if rec.failed {
			t.Fatalf("contrasting accumulators aborted the trial: %s", rec.msg)
		}
		if lo != -8 || hi != 11 {
			t.Errorf("extremes = (%d, %d), want (-8, 11)", lo, hi)
		}
	})
}

func TestTesterContractViolationsPanic(t *testing.T) {
	tests := []struct {
		name string
		fn   func()
	}{
		{"zero width", func() { NewDepthwiseTester().Width(0) }},
		{"zero channels", func() { NewDepthwiseTester().Channels(0) }},
		{"non power-of-two tile", func() { NewDepthwiseTester().CR(3) }},
		{"zero tile", func() { NewDepthwiseTester().CR(0) }},
		{"zero kernel height", func() { NewDepthwiseTester().KernelHeight(0) }},
		{"zero kernel width", func() { NewDepthwiseTester().KernelWidth(0) }},
		{"zero subsampling", func() { NewDepthwiseTester().Subsampling(0) }},
		{"zero iterations", func() { NewDepthwiseTester().Iterations(0) }},
		{
			"input stride below channels",
			func() { NewDepthwiseTester().Channels(8).InputStride(4).EffectiveInputStride() },
		},
		{
			"output stride below channels",
			func() { NewDepthwiseTester().Channels(8).OutputStride(4).EffectiveOutputStride() },
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			defer func() {
				r := recover()
				if r == nil {
					t.Fatal("expected panic, got none")
				}
				if msg, ok := r.(string); !ok || !strings.HasPrefix(msg, "q8conv:") {
					t.Fatalf("unexpected panic value: %v", r)
				}
			}()
			tt.fn()
		})
	}
}
