package virtq

import "fmt"

// Config holds the capabilities a Queue needs from its environment.
type Config struct {

	// Translate returns the device-visible (physical) address of a buffer.
	// It must be set.
	Translate func(buf []byte) uint64

	// Notify tells the device that buffers are available. Its result
	// reflects only the notification itself. If Notify is nil, Kick does
	// nothing and returns false.
	Notify func() bool
}

// Queue is the driver side of a split virtqueue.
//
// A Queue is owned by one goroutine at a time: Add, AddOutbuf, Kick and
// GetBuf must not be called concurrently without external locking. Distinct
// queues are independent.
type Queue struct {
	rings

	availFlags uint16
	availIdx   uint16 // shadow of avail.idx

	freeHead    uint16
	numFree     int
	numAdded    int
	lastUsedIdx uint16

	// data[i] is the buffer posted at the head of an outstanding chain;
	// it is nil for every other descriptor.
	data [][]byte

	translate func([]byte) uint64
	notify    func() bool
}

// New lays out a queue with num descriptors over mem, whose used ring is
// aligned to align, and links every descriptor into the free list. The ring
// memory is cleared. Mem must be at least Size(num, align) bytes and its
// first byte must be 16-byte aligned.
func New(mem []byte, num, align int, cfg Config) (*Queue, error) {
	if cfg.Translate == nil {
		return nil, fmt.Errorf("%w: no address translation", ErrLayout)
	}

	r, err := newRings(mem, num, align)
	if err != nil {
		return nil, err
	}

	clear(mem[:r.layout.Size])

	q := &Queue{
		rings:     r,
		data:      make([][]byte, num),
		translate: cfg.Translate,
		notify:    cfg.Notify,
	}

	for i := range q.desc {
		q.desc[i].Next = uint16(i + 1)
	}

	q.desc[num-1].Next = chainEnd
	q.freeHead = 0
	q.numFree = num

	return q, nil
}

// AddOutbuf posts buf as a single device-readable buffer.
// See Add.
func (q *Queue) AddOutbuf(buf []byte) error {
	return q.Add([][]byte{buf}, nil)
}

// Add posts a chain of buffers: the device reads the out buffers and writes
// the in buffers, in that order. It returns ErrCapacityExhausted if fewer
// descriptors are free than the chain needs. Add doesn't notify the device;
// call Kick. Empty chains and empty buffers panic.
func (q *Queue) Add(out, in [][]byte) error {
	q.mustBeInit()

	n := len(out) + len(in)
	if n == 0 {
		panic("virtq: add of an empty chain")
	}

	if n > q.numFree {
		return ErrCapacityExhausted
	}

	var (
		head = q.freeHead
		i    = head
		last uint16
	)

	for j := 0; j < n; j++ {
		var (
			buf   []byte
			flags uint16
		)

		if j < len(out) {
			buf = out[j]
		} else {
			buf = in[j-len(out)]
			flags |= DescFWrite
		}

		if len(buf) == 0 {
			panic("virtq: add of an empty buffer")
		}

		if uint64(len(buf)) > 1<<32-1 {
			panic(fmt.Sprintf("virtq: buffer of %d bytes is too large", len(buf)))
		}

		if j < n-1 {
			flags |= DescFNext
		}

		d := &q.desc[i]
		d.Addr = q.translate(buf)
		d.Len = uint32(len(buf))
		d.Flags = flags

		// Next is left alone: for inner descriptors it already links to
		// the following free descriptor, for the last it's the new free head.
		last = i
		i = d.Next
	}

	q.freeHead = q.desc[last].Next
	q.numFree -= n

	if len(out) > 0 {
		q.data[head] = out[0]
	} else {
		q.data[head] = in[0]
	}

	q.availRing[q.availIdx&q.mask] = head
	q.availIdx++

	// write barrier + publish
	q.avail.store(q.availFlags, q.availIdx)
	q.numAdded++

	return nil
}

// Kick notifies the device that buffers are available. Its result is the
// result of the notification, not of the buffers posted before it.
func (q *Queue) Kick() bool {
	q.mustBeInit()
	mb()

	if q.notify == nil {
		return false
	}

	return q.notify()
}

// HasUsed reports whether the device has used a buffer that hasn't been
// reclaimed by GetBuf.
func (q *Queue) HasUsed() bool {
	q.mustBeInit()

	// read barrier
	_, idx := q.used.load()
	return idx != q.lastUsedIdx
}

// GetBuf reclaims the next used buffer. It returns the buffer posted at the
// head of the used chain and the number of bytes the device wrote into the
// chain. It returns ok=false if the device hasn't used a new buffer. Every
// descriptor of the chain goes back on the free list.
func (q *Queue) GetBuf() (buf []byte, n uint32, ok bool) {
	if !q.HasUsed() {
		return nil, 0, false
	}

	e := q.usedRing[q.lastUsedIdx&q.mask]
	if e.ID >= uint32(len(q.desc)) || q.data[e.ID] == nil {
		panic(fmt.Sprintf("virtq: device used descriptor %d, which is not outstanding", e.ID))
	}

	id := uint16(e.ID)
	buf = q.data[id]
	q.detach(id)
	q.lastUsedIdx++

	return buf, e.Len, true
}

// detach returns the chain at head to the free list.
func (q *Queue) detach(head uint16) {
	q.data[head] = nil

	i := head
	for q.desc[i].Flags&DescFNext != 0 {
		i = q.desc[i].Next
		q.numFree++
	}

	q.desc[i].Next = q.freeHead
	q.freeHead = head
	q.numFree++
}

// Num returns the number of descriptors in the queue.
func (q *Queue) Num() int {
	q.mustBeInit()
	return len(q.desc)
}

// NumFree returns the number of descriptors on the free list.
func (q *Queue) NumFree() int {
	q.mustBeInit()
	return q.numFree
}

// NumAdded returns the number of chains posted since the queue was created.
func (q *Queue) NumAdded() int {
	q.mustBeInit()
	return q.numAdded
}

// Layout returns the queue's memory layout.
func (q *Queue) Layout() Layout {
	q.mustBeInit()
	return q.layout
}

func (q *Queue) mustBeInit() {
	if q == nil || q.desc == nil {
		panic("virtq: queue is not initialized")
	}
}
