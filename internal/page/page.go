// Package page implements the page descriptor and the real OS memory
// facility a thread-private storage layer needs: anonymous page mapping
// with per-page protection changes and unmapping. Grounded on
// biscuit/src/mem/mem.go's Physpg_t/Physmem_t: a refcounted physical page
// descriptor with atomic Refup/Refdown, translated here onto a single
// real anonymous userspace mapping per descriptor rather than biscuit's
// whole-of-physical-memory bitmap allocator, since a TPS page is backed
// directly by the host OS instead of a kernel's own physical memory pool.
package page

import (
	"sync/atomic"
	"unsafe"

	"golang.org/x/sys/unix"

	"github.com/oichkatzelesfrettschen/tps/internal/defs"
)

// Protection is a page's current access mode.
type Protection int

const (
	None Protection = iota
	Read
	ReadWrite
)

// Bytes is PAGE_BYTES: the fixed constant equal to the OS virtual-memory
// page size. Anonymous mappings are always created in units of this size.
var Bytes = unix.Getpagesize()

// Descriptor is one anonymous page of Bytes bytes. Refcount and
// Protection are mutated only by callers
// holding the engine gate (internal/sched); Refcount uses atomic
// operations for the same defensive reason biscuit's Physpg_t.Refcnt
// does, even though the gate alone already serializes access.
type Descriptor struct {
	mem      []byte
	refcount int32
	prot     Protection
}

// New maps a fresh anonymous page of Bytes bytes with protection None and
// a refcount of 1.
func New() (*Descriptor, defs.Err_t) {
	return NewSized(Bytes)
}

// NewSized maps a fresh anonymous region of size bytes with protection
// None and a refcount of 1. mprotect still operates at OS page
// granularity underneath, so a size smaller than the real page size is
// fine for synthetic, cheap-to-allocate test fixtures; it only narrows
// the byte range this Descriptor itself addresses.
func NewSized(size int) (*Descriptor, defs.Err_t) {
	mem, err := unix.Mmap(-1, 0, size, unix.PROT_NONE, unix.MAP_PRIVATE|unix.MAP_ANON)
	if err != nil {
		return nil, defs.ERR_OS
	}
	atomic.AddInt64(&allocCount, 1)
	return &Descriptor{mem: mem, refcount: 1, prot: None}, defs.OK
}

// allocCount tracks the number of pages mapped by NewSized (and so by
// New, which calls it), observed by tests
// verifying the copy-on-write laziness law: clone performs no
// allocation, and a shared write allocates exactly one new page.
var allocCount int64

// AllocCount returns the number of pages mapped by NewSized since the process
// started or since the last ResetAllocCountForTests call.
func AllocCount() int64 {
	return atomic.LoadInt64(&allocCount)
}

// ResetAllocCountForTests zeroes the allocation counter.
func ResetAllocCountForTests() {
	atomic.StoreInt64(&allocCount, 0)
}

// Base returns the mapped page's virtual address, used by the registry
// and fault interceptor for address-based attribution.
func (d *Descriptor) Base() uintptr {
	if len(d.mem) == 0 {
		return 0
	}
	return uintptr(unsafe.Pointer(&d.mem[0]))
}

// Refcount returns the current sharer count.
func (d *Descriptor) Refcount() int32 {
	return atomic.LoadInt32(&d.refcount)
}

// Refup records an additional sharer; the only caller is clone.
func (d *Descriptor) Refup() {
	atomic.AddInt32(&d.refcount, 1)
}

// Refdown drops a sharer and reports whether it was the last one, in
// which case the caller is responsible for calling Unmap.
func (d *Descriptor) Refdown() bool {
	return atomic.AddInt32(&d.refcount, -1) == 0
}

// Protection returns the page's current protection mode.
func (d *Descriptor) Protection() Protection {
	return d.prot
}

// Protect transitions the page to prot via mprotect. Every call brackets
// a copy phase inside the engine's gate; outside those windows every
// live page is back at None.
func (d *Descriptor) Protect(prot Protection) defs.Err_t {
	var bits int
	switch prot {
	case None:
		bits = unix.PROT_NONE
	case Read:
		bits = unix.PROT_READ
	case ReadWrite:
		bits = unix.PROT_READ | unix.PROT_WRITE
	}
	if err := unix.Mprotect(d.mem, bits); err != nil {
		return defs.ERR_OS
	}
	d.prot = prot
	return defs.OK
}

// ReadAt copies length bytes starting at offset into dst. The caller must
// have already transitioned the page to at least Read.
func (d *Descriptor) ReadAt(offset, length int, dst []byte) {
	copy(dst, d.mem[offset:offset+length])
}

// WriteAt copies length bytes from src into the page starting at offset.
// The caller must have already transitioned the page to ReadWrite.
func (d *Descriptor) WriteAt(offset, length int, src []byte) {
	copy(d.mem[offset:offset+length], src)
}

// CopyFullFrom copies the entire page's contents from src, used by the
// engine's copy-on-write path.
// Both pages must already be protected for the copy (src at least Read,
// d at ReadWrite).
func (d *Descriptor) CopyFullFrom(src *Descriptor) {
	copy(d.mem, src.mem)
}

// Unmap releases the page's mapping. Unmapping is permitted regardless
// of the page's current protection state. Linux munmap itself never
// requires a particular mprotect state first, so no restore-to-ReadWrite
// step precedes it.
func Unmap(d *Descriptor) defs.Err_t {
	if err := unix.Munmap(d.mem); err != nil {
		return defs.ERR_OS
	}
	d.mem = nil
	return defs.OK
}
