package virtio

import (
	"errors"
	"fmt"
	"log/slog"
)

// HWDesc is a kind of hardware description a transport discovers devices from.
type HWDesc int

const (
	HWDescDeviceTree HWDesc = iota
)

// BusType is a virtio transport.
type BusType int

const (
	BusMMIO BusType = iota
)

// Transport binds devices on one (hardware description, bus) pair.
type Transport interface {

	// Probe reports whether the transport's hardware description exists.
	Probe() bool

	// DeviceBind returns the first device with the given id. It returns an
	// error wrapping ErrNotFound if there isn't one.
	DeviceBind(id DeviceID) (*Device, error)
}

// Binding tags a transport with the pair it serves.
type Binding struct {
	HWDesc    HWDesc
	Bus       BusType
	Transport Transport
}

// Dispatcher binds devices by trying its transports in a fixed order.
type Dispatcher struct {
	bindings []Binding
}

// NewDispatcher returns a dispatcher that tries the given bindings in order.
// Earlier bindings take priority when more than one transport has a device.
func NewDispatcher(bindings ...Binding) *Dispatcher {
	return &Dispatcher{bindings: append([]Binding(nil), bindings...)}
}

// Bindings returns the dispatcher's bindings in priority order.
func (d *Dispatcher) Bindings() []Binding {
	return append([]Binding(nil), d.bindings...)
}

// Bind returns the first device with the given id. Transports whose probe
// fails are skipped. It returns an error wrapping ErrNotFound if no transport
// has the device, and stops at the first error that isn't ErrNotFound.
func (d *Dispatcher) Bind(id DeviceID) (*Device, error) {
	for _, b := range d.bindings {
		if !b.Transport.Probe() {
			continue
		}

		dev, err := b.Transport.DeviceBind(id)
		switch {
		case err == nil:
			slog.Debug("virtio device bound", "hwdesc", b.HWDesc, "bus", b.Bus, "device", id)
			return dev, nil

		case !errors.Is(err, ErrNotFound):
			return nil, fmt.Errorf("virtio: bind %v on %v/%v: %w", id, b.HWDesc, b.Bus, err)
		}
	}

	return nil, fmt.Errorf("%w: %v", ErrNotFound, id)
}

func (h HWDesc) String() string {
	switch h {
	case HWDescDeviceTree:
		return "dt"

	default:
		return fmt.Sprintf("HWDesc(%d)", int(h))
	}
}

func (b BusType) String() string {
	switch b {
	case BusMMIO:
		return "mmio"

	default:
		return fmt.Sprintf("BusType(%d)", int(b))
	}
}
