// Package guest wires a guest-side virtio environment together: guest
// memory, an emulated virtio-mmio bus, the device tree that describes it and
// the dispatcher that binds devices through it.
package guest

import (
	"errors"
	"fmt"
	"io"
	"log/slog"

	"github.com/c35s/virtguest/devicetree"
	"github.com/c35s/virtguest/iomem"
	"github.com/c35s/virtguest/phys"
	"github.com/c35s/virtguest/virtio"
	"github.com/c35s/virtguest/virtio/mmio"
	"github.com/c35s/virtguest/virtio/virtq"
	"golang.org/x/sys/unix"
)

// Config describes a new machine.
type Config struct {

	// MemSize is the size of guest memory in bytes.
	// It must be a multiple of the page size.
	// If MemSize is 0, the machine will have 16M of memory.
	MemSize int

	// PhysBase is the guest-physical address of guest memory.
	// The default is 0x40000000.
	PhysBase uint64

	// MMIOBase is the address of the first virtio-mmio window.
	// The default is 0x0a000000.
	MMIOBase uint64

	// QueueNumMax is the largest queue the devices accept.
	// The default is 1024.
	QueueNumMax int

	// Devices configures the machine's virtio-mmio devices.
	// Devices that implement io.Closer are closed by Machine.Close.
	Devices []virtio.DeviceHandler

	// NoDeviceTree hides the device tree, so no transport can probe.
	NoDeviceTree bool
}

// Machine is a guest with emulated virtio-mmio devices.
type Machine struct {
	devs []virtio.DeviceHandler
	mem  *phys.Arena
	bus  *mmio.Bus
	tree devicetree.Tree
	vio  *virtio.Dispatcher
}

const (
	MemSizeMin     = 1 << 20  // 1M
	MemSizeDefault = 16 << 20 // 16M
	MemSizeMax     = 1 << 30  // 1G
)

var (
	ErrConfig      = errors.New("guest: invalid config")
	ErrAllocMemory = errors.New("guest: memory allocation failed")
)

var _ mmio.Mapper = (*Machine)(nil)

// New creates a new machine.
func New(cfg Config) (*Machine, error) {
	cfg = cfg.withDefaults()
	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrConfig, err)
	}

	mem, err := phys.NewArena(cfg.PhysBase, cfg.MemSize)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrAllocMemory, err)
	}

	bus := mmio.NewBus(cfg.Devices, mmio.BusConfig{
		Base:        cfg.MMIOBase,
		QueueNumMax: cfg.QueueNumMax,
		MemAt:       mem.Map,
		Notify: func(irq int) error {
			slog.Debug("virtio interrupt", "irq", irq)
			return nil
		},
	})

	m := &Machine{
		devs: cfg.Devices,
		mem:  mem,
		bus: bus,
	}

	var tree *devicetree.Static
	if !cfg.NoDeviceTree {
		tree = &devicetree.Static{}
		for _, d := range bus.Devices() {
			tree.Nodes = append(tree.Nodes, devicetree.Node{
				Path:       fmt.Sprintf("/virtio_mmio@%x", d.Addr),
				Compatible: []string{mmio.Compatible},
				Reg:        []devicetree.Reg{{Addr: d.Addr, Size: d.Size}},
			})
		}
	}

	m.tree = tree
	m.vio = virtio.NewDispatcher(virtio.Binding{
		HWDesc: virtio.HWDescDeviceTree,
		Bus:    virtio.BusMMIO,
		Transport: &mmio.Transport{
			Tree:   tree,
			Mapper: m,
			Mem:    mem,
		},
	})

	return m, nil
}

// Bind returns the first device with the given id.
// See virtio.Dispatcher.Bind.
func (m *Machine) Bind(id virtio.DeviceID) (*virtio.Device, error) {
	return m.vio.Bind(id)
}

// Mem returns the machine's guest memory.
func (m *Machine) Mem() *phys.Arena {
	return m.mem
}

// Devices describes the installed virtio-mmio devices.
func (m *Machine) Devices() []mmio.DeviceInfo {
	return m.bus.Devices()
}

// Tree returns the machine's device tree.
func (m *Machine) Tree() devicetree.Tree {
	return m.tree
}

// IORemap maps a register window. A window in guest memory maps the memory
// itself. Elsewhere, accesses that don't hit a device fail with EFAULT, and
// a failed read returns zero.
func (m *Machine) IORemap(addr, size uint64) (iomem.Region, error) {
	if size == 0 {
		return nil, fmt.Errorf("guest: map %#x: empty window", addr)
	}

	if b, err := m.mem.Map(addr, int(size)); err == nil {
		return iomem.Mem(b), nil
	}

	return iomem.Func(func(off uint64, data []byte, isWrite bool) error {
		if off+uint64(len(data)) > size {
			return unix.EFAULT
		}

		found, err := m.bus.HandleMMIO(addr+off, data, isWrite)
		if !found {
			return unix.EFAULT
		}

		return err
	}), nil
}

// Close stops the devices and releases guest memory.
func (m *Machine) Close() error {
	errs := []error{m.bus.Close()}
	for _, d := range m.devs {
		if c, ok := d.(io.Closer); ok {
			errs = append(errs, c.Close())
		}
	}

	errs = append(errs, m.mem.Close())
	return errors.Join(errs...)
}

func (c Config) validate() error {
	if c.MemSize%phys.PageSize != 0 {
		return fmt.Errorf("memory size must be a multiple of the page size (%d)", phys.PageSize)
	}

	if c.MemSize < MemSizeMin {
		return fmt.Errorf("memory is too small: %d < %d", c.MemSize, MemSizeMin)
	}

	if c.MemSize > MemSizeMax {
		return fmt.Errorf("memory is too large: %d > %d", c.MemSize, MemSizeMax)
	}

	if c.PhysBase%phys.PageSize != 0 {
		return fmt.Errorf("physical base %#x is not page-aligned", c.PhysBase)
	}

	if c.PhysBase > mmio.PhysLimit-uint64(c.MemSize) {
		return fmt.Errorf("memory [%#x, %#x) is beyond the virtio-mmio pfn limit %#x",
			c.PhysBase, c.PhysBase+uint64(c.MemSize), uint64(mmio.PhysLimit))
	}

	if n := c.QueueNumMax; n < 1 || n > virtq.MaxSize || n&(n-1) != 0 {
		return fmt.Errorf("queue num max %d is not a power of 2 in [1, %d]", n, virtq.MaxSize)
	}

	var (
		ramEnd  = c.PhysBase + uint64(c.MemSize)
		mmioEnd = c.MMIOBase + uint64(len(c.Devices))*mmio.DeviceWindowSize
	)

	if len(c.Devices) > 0 && c.MMIOBase < ramEnd && c.PhysBase < mmioEnd {
		return fmt.Errorf("mmio windows [%#x, %#x) overlap memory [%#x, %#x)", c.MMIOBase, mmioEnd, c.PhysBase, ramEnd)
	}

	return nil
}

func (c Config) withDefaults() Config {
	if c.MemSize == 0 {
		c.MemSize = MemSizeDefault
	}

	if c.PhysBase == 0 {
		c.PhysBase = 0x40000000
	}

	if c.MMIOBase == 0 {
		c.MMIOBase = 0x0a000000
	}

	if c.QueueNumMax == 0 {
		c.QueueNumMax = 1024
	}

	return c
}
