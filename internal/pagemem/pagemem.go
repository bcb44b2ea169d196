// Package pagemem provides chunk-aligned anonymous page mappings for the
// slab and huge allocators. It plays the role of the original collector's
// PageAllocator<T>: allocate (aligned), deallocate, and advise-unused.
package pagemem

import (
	"fmt"
	"unsafe"

	"golang.org/x/sys/unix"
)

// Mapping is a single anonymous mmap region.
type Mapping struct {
	addr uintptr
	data []byte
}

// Addr returns the base address of the mapping.
func (m *Mapping) Addr() uintptr { return m.addr }

// Bytes returns the mapping's backing slice.
func (m *Mapping) Bytes() []byte { return m.data }

// Len returns the size of the mapping in bytes.
func (m *Mapping) Len() int { return len(m.data) }

// AllocateAligned maps size bytes, anonymous and private, aligned to
// align (which must be a power of two). Unlike the BSD MAP_ALIGNED flag
// the original relies on, Linux has no portable "aligned mmap" request, so
// this over-maps by align and trims the unaligned head and tail, mirroring
// the technique every production Go allocator that wants superpage-aligned
// anonymous mappings uses in place of MAP_ALIGNED.
func AllocateAligned(size, align int) (*Mapping, error) {
	if size <= 0 {
		return nil, fmt.Errorf("pagemem: invalid size %d", size)
	}
	total := size + align
	raw, err := unix.Mmap(-1, 0, total, unix.PROT_NONE, unix.MAP_ANON|unix.MAP_PRIVATE)
	if err != nil {
		return nil, fmt.Errorf("pagemem: mmap reservation: %w", err)
	}
	base := uintptr(unsafe.Pointer(&raw[0]))
	aligned := (base + uintptr(align) - 1) &^ (uintptr(align) - 1)
	headTrim := int(aligned - base)
	tailTrim := total - headTrim - size

	if headTrim > 0 {
		if err := unix.Munmap(raw[:headTrim]); err != nil {
			unix.Munmap(raw)
			return nil, fmt.Errorf("pagemem: trim head: %w", err)
		}
	}
	if tailTrim > 0 {
		if err := unix.Munmap(raw[headTrim+size:]); err != nil {
			unix.Munmap(raw[headTrim : headTrim+size])
			return nil, fmt.Errorf("pagemem: trim tail: %w", err)
		}
	}
	region := raw[headTrim : headTrim+size]

	prot := unix.PROT_READ | unix.PROT_WRITE
	if err := unix.Mprotect(region, prot); err != nil {
		unix.Munmap(region)
		return nil, fmt.Errorf("pagemem: protect: %w", err)
	}
	return &Mapping{addr: aligned, data: region}, nil
}

// Deallocate unmaps the region entirely.
func Deallocate(m *Mapping) error {
	if m == nil || m.data == nil {
		return nil
	}
	return unix.Munmap(m.data)
}

// AdviseUnused tells the OS that the pages backing the given byte range are
// no longer needed and may be reclaimed without being written back. It
// uses MADV_DONTNEED, so a later read of these anonymous pages sees zeroes.
func AdviseUnused(b []byte) error {
	if len(b) == 0 {
		return nil
	}
	return unix.Madvise(b, unix.MADV_DONTNEED)
}

// Protect changes the protection of an already-mapped region to
// read-only or read-write.
func Protect(b []byte, writable bool) error {
	prot := unix.PROT_READ
	if writable {
		prot |= unix.PROT_WRITE
	}
	return unix.Mprotect(b, prot)
}
