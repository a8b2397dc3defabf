// Package unsafehelpers centralises the unavoidable usage of the `unsafe`
// standard-library package so the rest of pmemkv stays clean and auditable.
// Every helper documents its pre-/post-conditions.
//
// ⚠️  DISCLAIMER  These helpers deliberately break the Go memory-safety model
// for zero-allocation conversions and backing-region arithmetic. Use only
// inside this repository; they are not part of the public API and may
// change without notice. Misuse leads to subtle data races or corruption of
// the extent heap's in-band headers.
//
// All functions are go:linkname-free, cgo-free and pure Go.
//
// © 2025 pmemkv authors. MIT License.
package unsafehelpers

import "unsafe"

/* -------------------------------------------------------------------------
   1. Zero-copy string/[]byte conversions
   ------------------------------------------------------------------------- */

// BytesToString converts a byte slice to a string without allocating. The
// caller must guarantee b is never modified for the lifetime of the
// returned string; otherwise the program exhibits undefined behaviour.
func BytesToString(b []byte) string {
	if len(b) == 0 {
		return ""
	}
	return unsafe.String(&b[0], len(b))
}

// StringToBytes re-interprets string data as a byte slice. The slice MUST
// remain read-only; writing to it mutates immutable string storage.
func StringToBytes(s string) []byte {
	if len(s) == 0 {
		return nil
	}
	return unsafe.Slice(unsafe.StringData(s), len(s))
}

/* -------------------------------------------------------------------------
   2. Region/pointer helpers
   ------------------------------------------------------------------------- */

// ByteSliceFrom returns a []byte view of raw memory starting at ptr with the
// given length. Caller must ensure the memory block is at least `length`
// bytes.
func ByteSliceFrom(ptr unsafe.Pointer, length uintptr) []byte {
	if length == 0 {
		return nil
	}
	return unsafe.Slice((*byte)(ptr), length)
}

/* -------------------------------------------------------------------------
   3. Alignment helpers
   ------------------------------------------------------------------------- */

// AlignUp rounds x up to the nearest multiple of align (which must be a
// power of two).
func AlignUp(x, align uintptr) uintptr {
	return (x + align - 1) &^ (align - 1)
}

// IsPowerOfTwo returns true if x is a power of two (exactly one bit set).
func IsPowerOfTwo(x uintptr) bool {
	return x != 0 && (x&(x-1)) == 0
}
