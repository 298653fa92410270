package virtq

import "fmt"

// DeviceConfig holds the capabilities a Device needs from its environment.
type DeviceConfig struct {

	// MemAt returns a slice aliasing size bytes of driver memory at the
	// physical address addr.
	MemAt func(addr uint64, size int) ([]byte, error)

	// Notify, if set, is called after a chain is released to tell the
	// driver that the used ring advanced.
	Notify func() error
}

// Device is the device side of a split virtqueue. It consumes chains from
// the avail ring and returns them on the used ring. Like Queue it is owned
// by one goroutine at a time.
type Device struct {
	rings

	lastAvail uint16
	usedIdx   uint16

	cfg DeviceConfig
}

// Chain is a descriptor chain taken from the avail ring. Desc is a snapshot
// of the chain's descriptors in order.
type Chain struct {
	d        *Device
	head     uint16
	released bool

	Desc []Desc
}

// NewDevice returns a device-side view of the queue whose driver laid it out
// over mem with num descriptors and the given used ring alignment. It doesn't
// modify mem.
func NewDevice(mem []byte, num, align int, cfg DeviceConfig) (*Device, error) {
	r, err := newRings(mem, num, align)
	if err != nil {
		return nil, err
	}

	return &Device{rings: r, cfg: cfg}, nil
}

// Next returns the next available chain, or nil if the driver hasn't
// published one. The chain must be released before the device stops using
// the queue, but chains may be released in any order.
func (d *Device) Next() (*Chain, error) {

	// read barrier
	_, idx := d.avail.load()
	if idx == d.lastAvail {
		return nil, nil
	}

	head := d.availRing[d.lastAvail&d.mask]
	if int(head) >= len(d.desc) {
		return nil, fmt.Errorf("%w: head %d >= queue size %d", ErrBadChain, head, len(d.desc))
	}

	var (
		i    = head
		desc []Desc
	)

	for {
		if len(desc) == len(d.desc) {
			return nil, fmt.Errorf("%w: chain at %d loops", ErrBadChain, head)
		}

		x := d.desc[i]
		if x.Flags&DescFIndirect != 0 {
			return nil, fmt.Errorf("%w: indirect descriptor %d", ErrBadChain, i)
		}

		desc = append(desc, x)
		if x.Flags&DescFNext == 0 {
			break
		}

		if int(x.Next) >= len(d.desc) {
			return nil, fmt.Errorf("%w: descriptor %d links to %d", ErrBadChain, i, x.Next)
		}

		i = x.Next
	}

	d.lastAvail++

	return &Chain{d: d, head: head, Desc: desc}, nil
}

// Len returns the number of descriptors in the chain.
func (c *Chain) Len() int {
	return len(c.Desc)
}

// IsRO reports whether the i'th buffer is device read-only.
func (c *Chain) IsRO(i int) bool {
	return c.Desc[i].Flags&DescFWrite == 0
}

// IsWO reports whether the i'th buffer is device write-only.
func (c *Chain) IsWO(i int) bool {
	return !c.IsRO(i)
}

// Buf returns a slice aliasing the i'th buffer of the chain.
// It panics if i is out of range.
func (c *Chain) Buf(i int) ([]byte, error) {
	d := c.Desc[i]
	if d.Len == 0 {
		return nil, nil
	}

	return c.d.cfg.MemAt(d.Addr, int(d.Len))
}

// Release puts the chain on the used ring, recording that the device wrote
// bytesWritten bytes into it, and notifies the driver.
func (c *Chain) Release(bytesWritten int) error {
	if c.released {
		panic("virtq: chain released twice")
	}

	c.released = true

	d := c.d
	d.usedRing[d.usedIdx&d.mask] = UsedElem{
		ID:  uint32(c.head),
		Len: uint32(bytesWritten),
	}

	d.usedIdx++

	// write barrier + publish
	d.used.store(0, d.usedIdx)

	if d.cfg.Notify != nil {
		return d.cfg.Notify()
	}

	return nil
}
