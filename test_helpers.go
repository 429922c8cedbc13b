package q8conv

import (
	"testing"
)

// MallocOrFail allocates an aligned buffer and fails the test if unsuccessful
func MallocOrFail(t testing.TB, size int) AlignedBuffer {
	t.Helper()
	buf, err := Malloc(size)
	if err != nil {
		t.Fatalf("Failed to allocate %d bytes: %v", size, err)
	}
	return buf
}

// FreeOrFail returns a buffer to the pool and fails the test if unsuccessful
func FreeOrFail(t testing.TB, buf AlignedBuffer) {
	t.Helper()
	if err := Free(buf); err != nil {
		t.Fatalf("Free failed: %v", err)
	}
}
