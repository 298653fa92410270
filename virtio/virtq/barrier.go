package virtq

import "sync/atomic"

// The driver and the device share the rings without a lock. Ownership is
// split: the driver writes descriptors and the avail ring, the device
// writes the used ring. The ring index words are the points where one side
// hands memory to the other:
//
//   - write barrier: the driver stores avail.idx atomically after the
//     descriptors and the avail ring entry are written (ringHdr.store), so a
//     device that observes the new index observes the entry.
//   - read barrier: the driver loads used.idx atomically before it reads a
//     used ring entry (ringHdr.load), so an entry is never read ahead of the
//     index that published it. The device side mirrors both.
//   - full barrier: Kick orders everything published so far before the
//     notification write.

// fence is the target of the read-modify-write that implements mb.
var fence atomic.Uint32

// mb is a full barrier. Sequentially consistent atomics order every
// preceding memory access before every following one.
func mb() {
	fence.Add(1)
}
