// Package virtq implements split virtqueues as described by the Virtual I/O
// Device (VIRTIO) Version 1.0: a descriptor table, an available ring
// written by the driver and a used ring written by the device, all in one
// region of memory shared by both sides.
//
// Queue is the driver side. Device is a device-side view of the same memory,
// used by emulated devices. Neither side takes a lock; see barrier.go.
package virtq

import (
	"errors"
	"sync/atomic"
	"unsafe"
)

// Desc is a descriptor in the descriptor table.
type Desc struct {
	Addr  uint64
	Len   uint32
	Flags uint16
	Next  uint16
}

// UsedElem is an entry in the used ring.
type UsedElem struct {
	ID  uint32 // index of the head of the used descriptor chain
	Len uint32 // bytes written into the chain by the device
}

const (
	DescFNext     = 1 // buffer continues in the Next descriptor
	DescFWrite    = 2 // buffer is device wo (otherwise ro)
	DescFIndirect = 4 // buffer contains a descriptor table
)

// MaxSize is the largest queue size allowed by virtio.
const MaxSize = 1 << 15

// chainEnd terminates the free list. It can't be a descriptor index
// because it exceeds MaxSize.
const chainEnd = 0xffff

var (
	// ErrCapacityExhausted is returned when there aren't enough free
	// descriptors for a buffer. Reclaim used buffers with GetBuf and retry.
	ErrCapacityExhausted = errors.New("virtq: not enough free descriptors")

	// ErrLayout is returned when a queue size, alignment or memory region
	// can't hold a split virtqueue.
	ErrLayout = errors.New("virtq: invalid ring layout")

	// ErrBadChain is returned by the device side when the driver published
	// a malformed descriptor chain.
	ErrBadChain = errors.New("virtq: invalid descriptor chain")
)

// ringHdr is the flags and idx header at the start of both rings.
type ringHdr struct {
	Flags uint16
	Idx   uint16
}

// The header is accessed as one little-endian word so that idx can be
// published and observed atomically; flags share the word and are owned by
// the same side as idx.

func (h *ringHdr) load() (flags, idx uint16) {
	v := atomic.LoadUint32((*uint32)(unsafe.Pointer(h)))
	return uint16(v), uint16(v >> 16)
}

func (h *ringHdr) store(flags, idx uint16) {
	atomic.StoreUint32((*uint32)(unsafe.Pointer(h)), uint32(flags)|uint32(idx)<<16)
}

// rings holds typed views of a ring region.
type rings struct {
	layout    Layout
	mask      uint16
	desc      []Desc
	avail     *ringHdr
	availRing []uint16
	used      *ringHdr
	usedRing  []UsedElem
}

func newRings(mem []byte, num, align int) (rings, error) {
	l, err := NewLayout(num, align)
	if err != nil {
		return rings{}, err
	}

	if len(mem) < l.Size {
		return rings{}, errLayoutf("memory size %d < ring size %d", len(mem), l.Size)
	}

	if p := uintptr(unsafe.Pointer(&mem[0])); p%16 != 0 {
		return rings{}, errLayoutf("descriptor table at %#x is not 16-byte aligned", p)
	}

	return rings{
		layout:    l,
		mask:      uint16(num - 1),
		desc:      unsafe.Slice((*Desc)(unsafe.Pointer(&mem[l.DescOff])), num),
		avail:     (*ringHdr)(unsafe.Pointer(&mem[l.AvailOff])),
		availRing: unsafe.Slice((*uint16)(unsafe.Pointer(&mem[l.AvailOff+4])), num),
		used:      (*ringHdr)(unsafe.Pointer(&mem[l.UsedOff])),
		usedRing:  unsafe.Slice((*UsedElem)(unsafe.Pointer(&mem[l.UsedOff+4])), num),
	}, nil
}
