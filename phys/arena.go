// Package phys provides guest-physical memory for virtqueues and the buffers
// posted to them. An Arena is one contiguous, zeroed mapping placed at a fixed
// physical base address, so translating between the two address spaces is a
// constant offset.
package phys

import (
	"errors"
	"fmt"
	"sync"
	"unsafe"

	"golang.org/x/sys/unix"
)

// PageSize is the guest page size.
const PageSize = 4096

// PageShift is log2(PageSize).
const PageShift = 12

var (
	ErrConfig   = errors.New("phys: invalid arena config")
	ErrMmap     = errors.New("phys: arena mmap failed")
	ErrNoMemory = errors.New("phys: out of memory")
	ErrBadAddr  = errors.New("phys: address is outside the arena")
)

// Arena is a bump allocator over a contiguous guest-physical region.
// Memory is never reused, so every allocation is zeroed.
type Arena struct {
	base uint64

	mu   sync.Mutex
	mem  []byte
	next int
}

// NewArena maps size bytes of anonymous memory and places it at the
// guest-physical address base. Both must be multiples of PageSize.
func NewArena(base uint64, size int) (*Arena, error) {
	if size <= 0 || size%PageSize != 0 {
		return nil, fmt.Errorf("%w: size %d is not a positive multiple of %d", ErrConfig, size, PageSize)
	}

	if base%PageSize != 0 {
		return nil, fmt.Errorf("%w: base %#x is not page-aligned", ErrConfig, base)
	}

	mem, err := unix.Mmap(-1, 0, size,
		unix.PROT_READ|unix.PROT_WRITE,
		unix.MAP_PRIVATE|unix.MAP_ANONYMOUS|unix.MAP_NORESERVE)

	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrMmap, err)
	}

	return &Arena{base: base, mem: mem}, nil
}

// Base returns the guest-physical address of the first byte of the arena.
func (a *Arena) Base() uint64 {
	return a.base
}

// Size returns the size of the arena in bytes.
func (a *Arena) Size() int {
	return len(a.mem)
}

// Alloc returns size zeroed bytes aligned to 8.
func (a *Arena) Alloc(size int) ([]byte, error) {
	return a.AllocAligned(size, 8)
}

// AllocAligned returns size zeroed bytes whose guest-physical address is a
// multiple of align. Align must be a power of two.
func (a *Arena) AllocAligned(size, align int) ([]byte, error) {
	if size <= 0 {
		return nil, fmt.Errorf("%w: bad allocation size %d", ErrConfig, size)
	}

	if align <= 0 || align&(align-1) != 0 {
		return nil, fmt.Errorf("%w: alignment %d is not a power of two", ErrConfig, align)
	}

	a.mu.Lock()
	defer a.mu.Unlock()

	if a.mem == nil {
		return nil, fmt.Errorf("%w: arena is closed", ErrNoMemory)
	}

	var (
		mask  = uint64(align) - 1
		start = int((a.base+uint64(a.next)+mask)&^mask - a.base)
	)

	if start+size > len(a.mem) {
		return nil, fmt.Errorf("%w: %d bytes (align %d), %d free", ErrNoMemory, size, align, len(a.mem)-a.next)
	}

	a.next = start + size
	return a.mem[start : start+size : start+size], nil
}

// Translate returns the guest-physical address of b's first byte.
// It panics if b doesn't lie entirely within the arena.
func (a *Arena) Translate(b []byte) uint64 {
	off, ok := a.offset(b)
	if !ok {
		panic(fmt.Sprintf("phys: translate %p+%d: %v", unsafe.SliceData(b), len(b), ErrBadAddr))
	}

	return a.base + uint64(off)
}

// Map returns a slice aliasing size bytes of the arena at the guest-physical
// address addr.
func (a *Arena) Map(addr uint64, size int) ([]byte, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if size < 0 || addr < a.base || addr-a.base > uint64(len(a.mem)) ||
		uint64(size) > uint64(len(a.mem))-(addr-a.base) {
		return nil, fmt.Errorf("%w: %#x+%d", ErrBadAddr, addr, size)
	}

	off := int(addr - a.base)
	return a.mem[off : off+size : off+size], nil
}

// Close unmaps the arena. Slices returned by the arena must not be used
// after Close.
func (a *Arena) Close() error {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.mem == nil {
		return nil
	}

	err := unix.Munmap(a.mem)
	a.mem = nil

	return err
}

func (a *Arena) offset(b []byte) (int, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if len(b) == 0 || a.mem == nil {
		return 0, false
	}

	var (
		start = uintptr(unsafe.Pointer(&a.mem[0]))
		p     = uintptr(unsafe.Pointer(&b[0]))
	)

	if p < start || p-start+uintptr(len(b)) > uintptr(len(a.mem)) {
		return 0, false
	}

	return int(p - start), true
}
