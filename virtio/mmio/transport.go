package mmio

import (
	"fmt"
	"log/slog"

	"github.com/c35s/virtguest/devicetree"
	"github.com/c35s/virtguest/iomem"
	"github.com/c35s/virtguest/phys"
	"github.com/c35s/virtguest/virtio"
	"github.com/c35s/virtguest/virtio/virtq"
)

// Allocator provides physically contiguous queue memory.
type Allocator interface {

	// AllocAligned returns size zeroed bytes whose physical address is a
	// multiple of align.
	AllocAligned(size, align int) ([]byte, error)

	// Translate returns the physical address of b.
	Translate(b []byte) uint64
}

// Mapper maps physical register windows.
type Mapper interface {
	IORemap(addr, size uint64) (iomem.Region, error)
}

// Transport binds virtio-mmio devices found in a device tree.
type Transport struct {
	Tree   devicetree.Tree
	Mapper Mapper
	Mem    Allocator
}

// Device is a bound virtio-mmio device. It implements virtio.ConfigInterface.
type Device struct {
	base iomem.Region
	mem  Allocator
}

var _ virtio.Transport = (*Transport)(nil)
var _ virtio.ConfigInterface = (*Device)(nil)

// Probe reports whether there is a device tree to search.
func (t *Transport) Probe() bool {
	return t.Tree != nil && t.Tree.Available()
}

// DeviceBind returns the first virtio-mmio device with the given id.
// Nodes without the virtio signature are skipped.
func (t *Transport) DeviceBind(id virtio.DeviceID) (*virtio.Device, error) {
	for _, n := range t.Tree.FindCompatible(Compatible) {
		reg, ok := n.Base()
		if !ok {
			return nil, fmt.Errorf("%w: %s has no reg", virtio.ErrProtocol, n.Path)
		}

		base, err := t.Mapper.IORemap(reg.Addr, reg.Size)
		if err != nil {
			return nil, fmt.Errorf("mmio: map %s: %w", n.Path, err)
		}

		if magic := base.Read32(regMagicValue); magic != virtio.MagicValue {
			slog.Debug("virtio-mmio node rejected", "node", n.Path, "magic", fmt.Sprintf("%#x", magic))
			continue
		}

		if dev := virtio.DeviceID(base.Read32(regDeviceID)); dev != id {
			slog.Debug("virtio-mmio node skipped", "node", n.Path, "device", dev)
			continue
		}

		vendor := base.Read32(regVendorID)
		base.Write32(regGuestPageSize, phys.PageSize)

		slog.Debug("virtio-mmio device found", "node", n.Path, "device", id,
			"vendor", fmt.Sprintf("%#x", vendor), "version", base.Read32(regVersion))

		return &virtio.Device{
			ID: virtio.Identity{
				Device: id,
				Vendor: vendor,
			},

			Config: &Device{base: base, mem: t.Mem},
		}, nil
	}

	return nil, fmt.Errorf("%w: no %s node for %v", virtio.ErrNotFound, Compatible, id)
}

// Get reads the device configuration byte by byte.
func (d *Device) Get(off int, p []byte) {
	for i := range p {
		p[i] = d.base.Read8(uint64(regConfig + off + i))
	}
}

// Set writes the device configuration byte by byte.
func (d *Device) Set(off int, p []byte) {
	for i, b := range p {
		d.base.Write8(uint64(regConfig+off+i), b)
	}
}

// FindVQs sets up a queue of QueueNum descriptors for each name. Queue i's
// notifications write i to the device's notify register.
func (d *Device) FindVQs(names ...string) ([]*virtq.Queue, error) {
	vqs := make([]*virtq.Queue, len(names))
	for i, name := range names {
		vq, err := d.setupVQ(i, name)
		if err != nil {
			return nil, err
		}

		vqs[i] = vq
	}

	return vqs, nil
}

// setupVQ programs queue index. The register order is fixed.
func (d *Device) setupVQ(index int, name string) (*virtq.Queue, error) {
	d.base.Write32(regQueueSel, uint32(index))

	if numMax := d.base.Read32(regQueueNumMax); numMax < QueueNum {
		return nil, fmt.Errorf("%w: queue %d (%s): num max %d < %d", virtio.ErrProtocol, index, name, numMax, QueueNum)
	}

	if pfn := d.base.Read32(regQueuePFN); pfn != 0 {
		return nil, fmt.Errorf("%w: queue %d (%s) is already set up at pfn %#x", virtio.ErrProtocol, index, name, pfn)
	}

	size, err := virtq.Size(QueueNum, QueueAlign)
	if err != nil {
		return nil, err
	}

	mem, err := d.mem.AllocAligned(alignUp(size, phys.PageSize), QueueAlign)
	if err != nil {
		return nil, fmt.Errorf("mmio: queue %d (%s): %w", index, name, err)
	}

	addr := d.mem.Translate(mem)
	if addr+uint64(len(mem)) > PhysLimit {
		return nil, fmt.Errorf("%w: queue %d (%s) at %#x is beyond the pfn limit %#x", virtio.ErrProtocol, index, name, addr, uint64(PhysLimit))
	}

	pfn := uint32(addr >> phys.PageShift)

	d.base.Write32(regQueueNum, QueueNum)
	d.base.Write32(regQueueAlign, QueueAlign)
	d.base.Write32(regQueuePFN, pfn)

	vq, err := virtq.New(mem, QueueNum, QueueAlign, virtq.Config{
		Translate: d.mem.Translate,
		Notify: func() bool {
			d.base.Write32(regQueueNotify, uint32(index))
			return true
		},
	})

	if err != nil {
		return nil, fmt.Errorf("mmio: queue %d (%s): %w", index, name, err)
	}

	slog.Debug("virtio-mmio queue created", "index", index, "name", name, "num", QueueNum, "pfn", fmt.Sprintf("%#x", pfn))

	return vq, nil
}

func alignUp(n, align int) int {
	return (n + align - 1) &^ (align - 1)
}
