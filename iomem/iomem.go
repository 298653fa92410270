// Package iomem provides ordered byte, half-word and word access to
// memory-mapped register regions.
package iomem

import (
	"encoding/binary"
	"log/slog"
	"sync/atomic"
	"unsafe"
)

// Region is a mapped register region. Offsets are relative to the start of
// the region. Accesses are performed in program order and are never cached
// or combined.
type Region interface {
	Read8(off uint64) uint8
	Read16(off uint64) uint16
	Read32(off uint64) uint32

	Write8(off uint64, v uint8)
	Write16(off uint64, v uint16)
	Write32(off uint64, v uint32)
}

// Mem is a region backed by ordinary memory, e.g. a device window mapped
// into the process. Aligned word accesses are single atomic loads and stores.
// Accesses outside the slice panic.
type Mem []byte

// Func is a region whose accesses are routed to a handler, usually an
// emulated device. The handler gets the offset, a little-endian buffer sized
// to the access width and whether the access is a write. Handler errors are
// logged; a failed read returns zero.
type Func func(off uint64, data []byte, isWrite bool) error

var le = binary.LittleEndian

func (m Mem) Read8(off uint64) uint8 {
	return m[off]
}

func (m Mem) Read16(off uint64) uint16 {
	return le.Uint16(m[off:off+2:len(m)])
}

func (m Mem) Read32(off uint64) uint32 {
	if p, ok := m.word(off); ok {
		return atomic.LoadUint32(p)
	}

	return le.Uint32(m[off:off+4:len(m)])
}

func (m Mem) Write8(off uint64, v uint8) {
	m[off] = v
}

func (m Mem) Write16(off uint64, v uint16) {
	le.PutUint16(m[off:off+2:len(m)], v)
}

func (m Mem) Write32(off uint64, v uint32) {
	if p, ok := m.word(off); ok {
		atomic.StoreUint32(p, v)
		return
	}

	le.PutUint32(m[off:off+4:len(m)], v)
}

// word returns a pointer to the aligned word at off.
// The atomic path assumes a little-endian host.
func (m Mem) word(off uint64) (*uint32, bool) {
	b := m[off:off+4:len(m)]
	p := unsafe.Pointer(&b[0])
	if uintptr(p)%4 != 0 {
		return nil, false
	}

	return (*uint32)(p), true
}

func (f Func) Read8(off uint64) uint8 {
	var b [1]byte
	f.access(off, b[:], false)
	return b[0]
}

func (f Func) Read16(off uint64) uint16 {
	var b [2]byte
	f.access(off, b[:], false)
	return le.Uint16(b[:])
}

func (f Func) Read32(off uint64) uint32 {
	var b [4]byte
	f.access(off, b[:], false)
	return le.Uint32(b[:])
}

func (f Func) Write8(off uint64, v uint8) {
	f.access(off, []byte{v}, true)
}

func (f Func) Write16(off uint64, v uint16) {
	var b [2]byte
	le.PutUint16(b[:], v)
	f.access(off, b[:], true)
}

func (f Func) Write32(off uint64, v uint32) {
	var b [4]byte
	le.PutUint32(b[:], v)
	f.access(off, b[:], true)
}

func (f Func) access(off uint64, data []byte, isWrite bool) {
	if err := f(off, data, isWrite); err != nil {
		slog.Error("mmio access failed",
			"off", off, "len", len(data), "write", isWrite, "err", err)

		if !isWrite {
			clear(data)
		}
	}
}
