// Package virtio implements the guest side of virtio device binding: device
// identity, the per-transport configuration interface and the dispatcher that
// finds a device on the first transport that has one. It also holds the device
// models emulated by the in-process device bus in package mmio.
package virtio

import (
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/c35s/virtguest/virtio/virtq"
)

// DeviceID identifies the type of a virtio device.
type DeviceID uint32

const (
	InvalidDeviceID = DeviceID(0)
	NetworkDeviceID = DeviceID(1)
	BlockDeviceID   = DeviceID(2)
	ConsoleDeviceID = DeviceID(3)
	EntropyDeviceID = DeviceID(4)
	SocketDeviceID  = DeviceID(19)
)

const (
	MagicValue    = 0x74726976 // "virt"
	LegacyVersion = 0x1
	Version       = 0x2
)

const (

	// FIndirectDesc (VIRTIO_F_INDIRECT_DESC) "indicates that the driver can use
	// descriptors with the VIRTQ_DESC_F_INDIRECT flag set".
	FIndirectDesc = 1 << 28

	// FEventIdx (VIRTIO_F_EVENT_IDX) "enables the used_event and the avail_event fields".
	FEventIdx = 1 << 29

	// FVersion1 (VIRTIO_F_VERSION_1) "indicates compliance with [the virtio]
	// specification, giving a simple way to detect legacy devices or drivers."
	FVersion1 = 1 << 32
)

var (
	// ErrNotFound is returned when no transport has a device with the
	// requested id. It's an expected outcome: the caller may try another
	// transport or skip whatever needed the device.
	ErrNotFound = errors.New("virtio: device not found")

	// ErrProtocol is returned when the device doesn't behave the way the
	// transport requires, e.g. it reports a queue that's already set up.
	// It means the environment is broken, and callers shouldn't continue.
	ErrProtocol = errors.New("virtio: protocol violation")
)

// Identity is the immutable identity of a bound device.
type Identity struct {
	Device DeviceID
	Vendor uint32
}

// Device is a bound virtio device.
type Device struct {
	ID     Identity
	Config ConfigInterface
}

// ConfigInterface is implemented by each transport for the devices it binds.
type ConfigInterface interface {

	// Get reads len(p) bytes of device configuration at off into p.
	Get(off int, p []byte)

	// Set writes p to the device configuration at off.
	Set(off int, p []byte)

	// FindVQs sets up one virtqueue per name, with indexes 0..len(names)-1.
	FindVQs(names ...string) ([]*virtq.Queue, error)
}

// DeviceHandler is a device model served by an emulated transport.
type DeviceHandler interface {

	// GetType identifies the type of the device.
	GetType() DeviceID

	// GetFeatures returns the feature bits offered by the device.
	GetFeatures() uint64

	// Handle is called when new buffers are available to the device. It is
	// called in a separate goroutine per queueNum, and calls with the same
	// queueNum do not overlap. It's fine to block in Handle. Notifications
	// are coalesced, so Handle may only be called once in response to multiple
	// driver notifications.
	Handle(queueNum int, q *virtq.Device) error

	// ReadConfig reads the device configuration at off into p.
	ReadConfig(p []byte, off int) error

	// WriteConfig writes p to the device configuration at off.
	WriteConfig(p []byte, off int) error
}

var le = binary.LittleEndian

// ReadConfig8 reads a byte of device configuration.
func ReadConfig8(d *Device, off int) uint8 {
	var b [1]byte
	d.Config.Get(off, b[:])
	return b[0]
}

// ReadConfig16 reads a 16-bit field of device configuration.
func ReadConfig16(d *Device, off int) uint16 {
	var b [2]byte
	d.Config.Get(off, b[:])
	return le.Uint16(b[:])
}

// ReadConfig32 reads a 32-bit field of device configuration.
func ReadConfig32(d *Device, off int) uint32 {
	var b [4]byte
	d.Config.Get(off, b[:])
	return le.Uint32(b[:])
}

// ReadConfig64 reads a 64-bit field of device configuration.
func ReadConfig64(d *Device, off int) uint64 {
	var b [8]byte
	d.Config.Get(off, b[:])
	return le.Uint64(b[:])
}

func WriteConfig8(d *Device, off int, v uint8) {
	d.Config.Set(off, []byte{v})
}

func WriteConfig16(d *Device, off int, v uint16) {
	var b [2]byte
	le.PutUint16(b[:], v)
	d.Config.Set(off, b[:])
}

func WriteConfig32(d *Device, off int, v uint32) {
	var b [4]byte
	le.PutUint32(b[:], v)
	d.Config.Set(off, b[:])
}

func (id DeviceID) String() string {
	switch id {
	case InvalidDeviceID:
		return "invalid"

	case NetworkDeviceID:
		return "network"

	case BlockDeviceID:
		return "block"

	case ConsoleDeviceID:
		return "console"

	case EntropyDeviceID:
		return "entropy"

	case SocketDeviceID:
		return "socket"

	default:
		return fmt.Sprintf("DeviceID(%d)", id)
	}
}
