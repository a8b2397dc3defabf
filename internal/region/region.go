// Package region implements pmemkv's backing-region manager (spec component
// G). It opens a directory or DAX device, maps a byte-addressable region of
// the requested size, and hands the raw pointer+size to the extent heap.
//
// For a directory we create an unlinked, exclusive-access file inside it,
// grow it with Ftruncate to the requested size rounded up to the OS mapping
// alignment, and mmap it MAP_SHARED so stores go straight to the page cache
// (or, on a DAX-mounted filesystem, straight to persistent memory) without
// an intervening syscall. For a device path we map the whole device and
// treat its size as the cache's true ceiling.
//
// We deliberately use the stdlib `syscall` package rather than
// golang.org/x/sys/unix for the mmap/ftruncate calls, the way
// `_examples/other_examples` (calvinalkan-agent-task/slotcache,
// theflywheel-phash) do for the same operations — no extra dependency for a
// handful of already-stable syscalls.
//
// © 2025 pmemkv authors. MIT License.
package region

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"syscall"
)

// Region is a memory-mapped byte-addressable span backing the cache's
// extent heap. It is the sole owner of the mapping; Close unmaps it and,
// for directory-backed regions, the unlinked file disappears with it.
type Region struct {
	mu     sync.Mutex
	data   []byte
	fd     int
	file   *os.File
	isDev  bool
	path   string
	closed bool
}

// mmapAlignment is the granularity page-aligned mappings must respect. We
// do not query the runtime page size; 4 KiB is the alignment every
// supported platform's MAP_SHARED mapping already requires, and rounding up
// to a multiple of it never hurts on larger-page systems.
const mmapAlignment = 4096

// OpenDir creates an anonymous, unlinked file inside dir sized to at least
// size bytes (rounded up to the mapping alignment) and maps it. The file is
// unlinked immediately after creation: it has no name in the directory once
// Open returns, so Close only needs to munmap — there is nothing left on
// disk to clean up, matching spec.md §4.G ("On destroy: munmap; the
// unlinked file disappears").
func OpenDir(dir string, size int64) (*Region, error) {
	if size <= 0 {
		return nil, fmt.Errorf("region: size must be > 0")
	}
	aligned := alignUp(size, mmapAlignment)

	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, fmt.Errorf("region: mkdir %s: %w", dir, err)
	}

	tmp, err := os.CreateTemp(dir, "pmemkv-*.region")
	if err != nil {
		return nil, fmt.Errorf("region: create: %w", err)
	}
	fd := int(tmp.Fd())
	path := tmp.Name()

	// Unlink immediately: the fd keeps the storage alive for the life of
	// the mapping, but no directory entry survives a crash or a later
	// directory scan — the backing region is never meant to be
	// rediscovered (spec.md §6 "Persisted state layout").
	if err := syscall.Unlink(path); err != nil {
		tmp.Close()
		return nil, fmt.Errorf("region: unlink: %w", err)
	}

	if err := syscall.Ftruncate(fd, aligned); err != nil {
		tmp.Close()
		return nil, fmt.Errorf("region: ftruncate: %w", err)
	}

	data, err := syscall.Mmap(fd, 0, int(aligned), syscall.PROT_READ|syscall.PROT_WRITE, syscall.MAP_SHARED)
	if err != nil {
		tmp.Close()
		return nil, fmt.Errorf("region: mmap: %w", err)
	}

	// Keep tmp itself reachable inside Region, not just its fd: otherwise
	// tmp becomes unreachable the instant OpenDir returns, and the
	// *os.File finalizer can close fd from a GC goroutine at an arbitrary
	// later time — after which Close's syscall.Close(r.fd) (or a raw
	// Ftruncate/Mmap by some other part of the process) could hit an
	// unrelated file whose descriptor number the OS has since recycled.
	return &Region{data: data, fd: fd, file: tmp, path: filepath.Clean(dir)}, nil
}

// OpenDevice maps the whole of a DAX (or any mmappable block/char) device.
// The device's true size becomes the cache's ceiling: if the caller asked
// for more than the device holds, the configured size is silently
// truncated down to what fits, per spec.md §4.G.
func OpenDevice(devPath string, requested int64) (*Region, error) {
	f, err := os.OpenFile(devPath, os.O_RDWR, 0)
	if err != nil {
		return nil, fmt.Errorf("region: open device %s: %w", devPath, err)
	}

	var st syscall.Stat_t
	if err := syscall.Fstat(int(f.Fd()), &st); err != nil {
		f.Close()
		return nil, fmt.Errorf("region: fstat: %w", err)
	}

	size := st.Size
	if size <= 0 {
		size = requested
	}
	if requested > 0 && requested < size {
		size = requested
	}
	if size <= 0 {
		f.Close()
		return nil, fmt.Errorf("region: cannot determine device size for %s", devPath)
	}

	data, err := syscall.Mmap(int(f.Fd()), 0, int(size), syscall.PROT_READ|syscall.PROT_WRITE, syscall.MAP_SHARED)
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("region: mmap device: %w", err)
	}

	// Same reasoning as OpenDir: retain f so its finalizer can't close the
	// fd out from under the mapping.
	return &Region{data: data, fd: int(f.Fd()), file: f, isDev: true, path: devPath}, nil
}

// Bytes returns the mapped region as a byte slice. The returned slice is
// valid until Close; the extent heap reads and writes it directly.
func (r *Region) Bytes() []byte {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.data
}

// Size returns the number of mapped bytes.
func (r *Region) Size() int64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return int64(len(r.data))
}

// Close unmaps the region. It is safe to call exactly once; a second call
// returns nil without doing anything.
func (r *Region) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return nil
	}
	r.closed = true
	if r.data == nil {
		return nil
	}
	err := syscall.Munmap(r.data)
	r.data = nil
	if r.file != nil {
		_ = r.file.Close()
	} else {
		_ = syscall.Close(r.fd)
	}
	return err
}

func alignUp(x, align int64) int64 {
	return (x + align - 1) &^ (align - 1)
}
