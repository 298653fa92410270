// Package mmio implements the legacy virtio-mmio transport: a driver that
// binds devices described by "virtio,mmio" device-tree nodes and sets up
// their queues, and an emulated device bus for those drivers to run against.
package mmio

import "github.com/c35s/virtguest/virtio"

// Compatible is the device-tree compatible string of a virtio-mmio node.
const Compatible = "virtio,mmio"

// VendorQEMU is the vendor id reported by the emulated bus ("QEMU").
const VendorQEMU = 0x554d4551

const (
	// QueueNum is the size of every queue the driver sets up.
	QueueNum = 128

	// QueueAlign is the used ring alignment of every queue the driver sets
	// up. It matches the guest page size.
	QueueAlign = 4096
)

// PhysLimit is the end of the physical range that QUEUE_PFN can address.
const PhysLimit = 1 << (32 + 12)

// DeviceInfo describes an installed virtio-mmio device.
type DeviceInfo struct {
	Type virtio.DeviceID
	IRQ  int
	Addr uint64
	Size uint64
}

// interrupt status bits

const (
	intStatusUsedBuffer   = 1 << 0 // the device has used at least 1 buffer
	intStatusConfigChange = 1 << 1 // the configuration of the device has changed
)

// legacy mmio register offsets

const (
	regMagicValue       = 0x000 // always 0x74726976 (R; "virt")
	regVersion          = 0x004 // always 0x1 (R)
	regDeviceID         = 0x008 // virtio subsystem device id (R)
	regVendorID         = 0x00c // virtio subsystem vendor id (R)
	regHostFeatures     = 0x010 // flags, depends on regHostFeaturesSel (R)
	regHostFeaturesSel  = 0x014 // word selection for regHostFeatures (W)
	regGuestFeatures    = 0x020 // feature flags activated by the driver (W)
	regGuestFeaturesSel = 0x024 // word selection for regGuestFeatures (W)
	regGuestPageSize    = 0x028 // guest page size in bytes, for regQueuePFN (W)
	regQueueSel         = 0x030 // virtual queue index (W)
	regQueueNumMax      = 0x034 // maximum virtual queue size (R)
	regQueueNum         = 0x038 // virtual queue size (W)
	regQueueAlign       = 0x03c // used ring alignment in bytes (W)
	regQueuePFN         = 0x040 // queue page frame number, 0 if unused (RW)
	regQueueNotify      = 0x050 // queue notifier (W)
	regInterruptStatus  = 0x060 // interrupt status (R)
	regInterruptAck     = 0x064 // interrupt acknowledge (W)
	regStatus           = 0x070 // device status (RW)
	regConfig           = 0x100 // device specific configuration space >= 0x100 (RW)
)
