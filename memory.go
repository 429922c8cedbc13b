package q8conv

import (
	"sync"
	"unsafe"
)

// bufferAlignment is the guaranteed alignment of every allocation, in
// bytes. Vectorized kernels load packed weights with full-width aligned
// moves, so one cache line covers every lane width in use.
const bufferAlignment = 64

// MemoryPool hands out aligned buffers and keeps returned ones on a
// free list for reuse. Kernel verification allocates the same handful
// of buffer shapes over and over, so reuse keeps allocation churn out
// of the measurement path.
type MemoryPool struct {
	mu         sync.Mutex
	allocated  map[uintptr]*allocation
	freeList   []*allocation
	totalAlloc int64
	peakAlloc  int64
}

type allocation struct {
	backing []byte // keeps the region reachable for the GC
	ptr     unsafe.Pointer
	size    int
	used    bool
}

// NewMemoryPool creates an empty pool.
func NewMemoryPool() *MemoryPool {
	return &MemoryPool{
		allocated: make(map[uintptr]*allocation),
	}
}

// defaultPool backs the package-level Malloc and Free.
var defaultPool = NewMemoryPool()

// Malloc allocates size bytes aligned to bufferAlignment from the
// package default pool.
func Malloc(size int) (AlignedBuffer, error) {
	return defaultPool.Allocate(size)
}

// Free returns a buffer obtained from Malloc to the default pool.
func Free(buf AlignedBuffer) error {
	return defaultPool.Free(buf)
}

// Allocate returns an aligned buffer of at least size bytes.
func (mp *MemoryPool) Allocate(size int) (AlignedBuffer, error) {
	if size <= 0 {
		return AlignedBuffer{}, ErrInvalidSize
	}

	mp.mu.Lock()
	defer mp.mu.Unlock()

	// Round up so reused blocks can serve any request of equal class.
	paddedSize := (size + bufferAlignment - 1) &^ (bufferAlignment - 1)

	for i, alloc := range mp.freeList {
		if alloc.size >= paddedSize {
			mp.freeList = append(mp.freeList[:i], mp.freeList[i+1:]...)
			alloc.used = true
			mp.totalAlloc += int64(alloc.size)
			if mp.totalAlloc > mp.peakAlloc {
				mp.peakAlloc = mp.totalAlloc
			}
			return AlignedBuffer{ptr: alloc.ptr, size: size}, nil
		}
	}

	// Over-allocate so the usable region can be rounded up to the
	// alignment boundary regardless of where the backing array lands.
	backing := make([]byte, paddedSize+bufferAlignment)
	base := uintptr(unsafe.Pointer(&backing[0]))
	offset := (bufferAlignment - base%bufferAlignment) % bufferAlignment
	ptr := unsafe.Pointer(&backing[offset])

	alloc := &allocation{
		backing: backing,
		ptr:     ptr,
		size:    paddedSize,
		used:    true,
	}
	mp.allocated[uintptr(ptr)] = alloc

	mp.totalAlloc += int64(paddedSize)
	if mp.totalAlloc > mp.peakAlloc {
		mp.peakAlloc = mp.totalAlloc
	}

	return AlignedBuffer{ptr: ptr, size: size}, nil
}

// Free returns a buffer to the pool.
func (mp *MemoryPool) Free(buf AlignedBuffer) error {
	if buf.ptr == nil {
		return nil
	}

	mp.mu.Lock()
	defer mp.mu.Unlock()

	alloc, ok := mp.allocated[uintptr(buf.ptr)]
	if !ok {
		return NewMemoryError("Free", "pointer not found in allocation pool", nil)
	}
	if !alloc.used {
		return ErrDoubleFree
	}

	alloc.used = false
	mp.freeList = append(mp.freeList, alloc)
	mp.totalAlloc -= int64(alloc.size)
	return nil
}

// GetStats returns current and peak allocation totals in bytes.
func (mp *MemoryPool) GetStats() (allocated, peak int64) {
	mp.mu.Lock()
	defer mp.mu.Unlock()
	return mp.totalAlloc, mp.peakAlloc
}

// AlignedBuffer is a view of pool memory whose base address is aligned
// to bufferAlignment. The typed accessors share the same underlying
// region.
type AlignedBuffer struct {
	ptr  unsafe.Pointer
	size int
}

// Uint8 returns a byte slice view of the buffer.
func (b AlignedBuffer) Uint8() []uint8 {
	if b.ptr == nil {
		return nil
	}
	return unsafe.Slice((*uint8)(b.ptr), b.size)
}

// Int32 returns an int32 slice view of the buffer. The trailing bytes
// beyond the last full element are not visible through this view.
func (b AlignedBuffer) Int32() []int32 {
	if b.ptr == nil {
		return nil
	}
	return unsafe.Slice((*int32)(b.ptr), b.size/4)
}

// Size returns the usable size of the buffer in bytes.
func (b AlignedBuffer) Size() int {
	return b.size
}
