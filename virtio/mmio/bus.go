package mmio

import (
	"encoding/binary"
	"fmt"
	"log/slog"
	"sync"

	"github.com/c35s/virtguest/virtio"
	"github.com/c35s/virtguest/virtio/virtq"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sys/unix"
)

// BusConfig configures an emulated bus.
type BusConfig struct {

	// Base is the address of the first device window.
	// The default is 0xd0000000.
	Base uint64

	// IRQ is the interrupt of the first device. The default is 5.
	IRQ int

	// QueueNumMax is the largest queue the devices accept.
	// The default is 1024.
	QueueNumMax int

	// MemAt is called when a device needs to access a virtqueue or buffer in
	// guest memory. It must be set.
	MemAt func(addr uint64, size int) ([]byte, error)

	// Notify is called when a device needs to notify the guest of a config
	// or buffer event. It may be nil.
	Notify func(irq int) error
}

// Bus is an emulated legacy virtio-mmio bus. Each device runs one handler
// goroutine per active queue.
type Bus struct {
	cfg     BusConfig
	devices []*device

	mu     sync.RWMutex
	closed bool
	done   chan struct{}
	g      errgroup.Group
}

type device struct {
	bus  *Bus
	info DeviceInfo

	mu      sync.Mutex
	handler virtio.DeviceHandler
	state   deviceState
	run     [maxQueues]*queueRunner
}

type deviceState struct {
	status uint32

	hostFeaturesSel  uint32
	guestFeaturesSel uint32
	guestFeatures    uint64
	guestPageSize    uint32

	queueSel uint32
	queue    [maxQueues]queueState

	intStatus uint32
}

type queueState struct {
	Num   uint32
	Align uint32
	PFN   uint32
}

// queueRunner wakes a queue's handler goroutine.
type queueRunner struct {
	kick chan struct{}
	stop chan struct{}
}

const maxQueues = 16

// DeviceWindowSize is the size of each device's register window.
const DeviceWindowSize = 0x1000

const (
	statusAcknowledge = 1   // recognized by the guest
	statusDriver      = 2   // the guest has a driver
	statusDriverOK    = 4   // ready to drive
	statusFeaturesOK  = 8   // features negotiated
	statusNeedsReset  = 64  // fatal device error
	statusFailed      = 128 // fatal driver error
)

var le = binary.LittleEndian

// NewBus creates a new bus and installs a device for each of the given handlers.
// Devices are assigned consecutive IRQs and 4K windows. See the Devices method.
func NewBus(handlers []virtio.DeviceHandler, cfg BusConfig) *Bus {
	cfg = cfg.withDefaults()

	b := &Bus{
		cfg:     cfg,
		devices: make([]*device, len(handlers)),
		done:    make(chan struct{}),
	}

	var (
		irq  = cfg.IRQ
		addr = cfg.Base
	)

	for i, h := range handlers {
		b.devices[i] = &device{
			bus: b,

			info: DeviceInfo{
				Type: h.GetType(),
				IRQ:  irq,
				Addr: addr,
				Size: DeviceWindowSize,
			},

			handler: h,
		}

		irq++
		addr += DeviceWindowSize
	}

	return b
}

func (cfg BusConfig) withDefaults() BusConfig {
	if cfg.Base == 0 {
		cfg.Base = 0xd0000000
	}

	if cfg.IRQ == 0 {
		cfg.IRQ = 5
	}

	if cfg.QueueNumMax == 0 {
		cfg.QueueNumMax = 1024
	}

	return cfg
}

// HandleMMIO routes an MMIO event to the appropriate device.
// It returns (found=false, err=nil) if no device is found.
func (b *Bus) HandleMMIO(addr uint64, data []byte, isWrite bool) (found bool, err error) {
	var dev *device
	for _, d := range b.devices {
		if addr >= d.info.Addr && addr < d.info.Addr+d.info.Size {
			dev = d
			break
		}
	}

	if dev == nil {
		return false, nil
	}

	off := int(addr - dev.info.Addr)
	return true, dev.HandleMMIO(off, data, isWrite)
}

// Devices returns a slice describing the installed devices.
func (b *Bus) Devices() []DeviceInfo {
	dd := make([]DeviceInfo, len(b.devices))
	for i, d := range b.devices {
		dd[i] = d.info
	}

	return dd
}

// Close stops the handler goroutines and waits for them to return. A handler
// blocked in Handle must be unblocked by its owner, e.g. by closing its I/O.
// Close returns the first handler error.
func (b *Bus) Close() error {
	b.mu.Lock()
	if !b.closed {
		b.closed = true
		close(b.done)
	}

	b.mu.Unlock()

	return b.g.Wait()
}

func (d *device) HandleMMIO(off int, data []byte, isWrite bool) (err error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	defer func() {
		if err != nil {
			slog.Error("virtio-mmio register access failed", "device", d.info.Type,
				"off", fmt.Sprintf("%#x", off), "write", isWrite, "err", err)

			d.setNeedsReset()
		}
	}()

	if off < regConfig && len(data) != 4 {
		return fmt.Errorf("register %#x: %d-byte access: %w", off, len(data), unix.EINVAL)
	}

	if isWrite {
		return d.writeMMIO(off, data)
	}

	return d.readMMIO(off, data)
}

func (d *device) readMMIO(off int, p []byte) error {
	switch off {
	case regMagicValue:
		le.PutUint32(p, virtio.MagicValue)

	case regVersion:
		le.PutUint32(p, virtio.LegacyVersion)

	case regDeviceID:
		le.PutUint32(p, uint32(d.handler.GetType()))

	case regVendorID:
		le.PutUint32(p, VendorQEMU)

	case regHostFeatures:
		le.PutUint32(p, uint32(d.handler.GetFeatures()>>(32*d.state.hostFeaturesSel)))

	case regQueueNumMax:
		var v uint32
		if d.state.queueSel < maxQueues {
			v = uint32(d.bus.cfg.QueueNumMax)
		}

		le.PutUint32(p, v)

	case regQueuePFN:
		var v uint32
		if qs := d.selectedQueue(); qs != nil {
			v = qs.PFN
		}

		le.PutUint32(p, v)

	case regInterruptStatus:
		le.PutUint32(p, d.state.intStatus)

	case regStatus:
		le.PutUint32(p, d.state.status)

	default:
		if off < regConfig || off >= DeviceWindowSize {
			return fmt.Errorf("read register %#x: %w", off, unix.EINVAL)
		}

		return d.handler.ReadConfig(p, off-regConfig)
	}

	return nil
}

func (d *device) writeMMIO(off int, p []byte) error {
	// if the device or driver has failed, only allow status register writes (to reset)
	if d.state.status&(statusNeedsReset|statusFailed) > 0 && off != regStatus {
		return unix.EPERM
	}

	if off >= regConfig {
		if off >= DeviceWindowSize {
			return fmt.Errorf("write register %#x: %w", off, unix.EINVAL)
		}

		return d.handler.WriteConfig(p, off-regConfig)
	}

	v := le.Uint32(p)

	switch off {
	case regHostFeaturesSel:
		return d.writeHostFeaturesSel(v)

	case regGuestFeatures:
		return d.writeGuestFeatures(v)

	case regGuestFeaturesSel:
		return d.writeGuestFeaturesSel(v)

	case regGuestPageSize:
		return d.writeGuestPageSize(v)

	case regQueueSel:
		d.state.queueSel = v
		return nil

	case regQueueNum:
		return d.writeQueueNum(v)

	case regQueueAlign:
		return d.writeQueueAlign(v)

	case regQueuePFN:
		return d.writeQueuePFN(v)

	case regQueueNotify:
		return d.writeQueueNotify(v)

	case regInterruptAck:
		d.state.intStatus &^= v
		return nil

	case regStatus:
		return d.writeStatus(v)

	default:
		return fmt.Errorf("write register %#x: %w", off, unix.EINVAL)
	}
}

func (d *device) writeStatus(v uint32) error {
	if v == 0 {
		d.reset()
		return nil
	}

	if v&statusNeedsReset > 0 {
		return unix.EINVAL
	}

	d.state.status = v

	if v&statusFailed > 0 {
		slog.Error("virtio driver failed", "device", d.info.Type)
	}

	return nil
}

func (d *device) writeHostFeaturesSel(v uint32) error {
	if v > 1 {
		return unix.EINVAL
	}

	d.state.hostFeaturesSel = v
	return nil
}

func (d *device) writeGuestFeaturesSel(v uint32) error {
	if v > 1 {
		return unix.EINVAL
	}

	d.state.guestFeaturesSel = v
	return nil
}

func (d *device) writeGuestFeatures(v uint32) error {
	d.state.guestFeatures |= uint64(v) << (32 * d.state.guestFeaturesSel)

	if d.state.guestFeatures&^d.handler.GetFeatures() != 0 {
		return unix.EINVAL
	}

	return nil
}

func (d *device) writeGuestPageSize(v uint32) error {
	if v == 0 || v&(v-1) != 0 {
		return unix.EINVAL
	}

	d.state.guestPageSize = v
	return nil
}

func (d *device) writeQueueNum(v uint32) error {
	qs := d.selectedQueue()
	if qs == nil {
		return unix.EINVAL
	}

	if qs.PFN != 0 {
		return unix.EPERM
	}

	if v == 0 || v > uint32(d.bus.cfg.QueueNumMax) {
		return unix.EINVAL
	}

	qs.Num = v
	return nil
}

func (d *device) writeQueueAlign(v uint32) error {
	qs := d.selectedQueue()
	if qs == nil {
		return unix.EINVAL
	}

	if qs.PFN != 0 {
		return unix.EPERM
	}

	qs.Align = v
	return nil
}

// writeQueuePFN activates the selected queue, or resets it if v is 0.
func (d *device) writeQueuePFN(v uint32) error {
	qs := d.selectedQueue()
	if qs == nil {
		return unix.EINVAL
	}

	qn := int(d.state.queueSel)

	if v == 0 {
		d.stopQueue(qn)
		*qs = queueState{}
		return nil
	}

	if qs.PFN != 0 || d.state.guestPageSize == 0 {
		return unix.EPERM
	}

	if qs.Num == 0 {
		return unix.EINVAL
	}

	align := int(qs.Align)
	if align == 0 {
		align = QueueAlign
	}

	size, err := virtq.Size(int(qs.Num), align)
	if err != nil {
		return err
	}

	addr := uint64(v) * uint64(d.state.guestPageSize)
	mem, err := d.bus.cfg.MemAt(addr, size)
	if err != nil {
		return err
	}

	vq, err := virtq.NewDevice(mem, int(qs.Num), align, virtq.DeviceConfig{
		MemAt:  d.bus.cfg.MemAt,
		Notify: d.notifyUsed,
	})

	if err != nil {
		return err
	}

	if err := d.startQueue(qn, vq); err != nil {
		return err
	}

	qs.PFN = v
	return nil
}

func (d *device) writeQueueNotify(v uint32) error {
	if v >= maxQueues || d.run[v] == nil {
		return unix.EPERM
	}

	select {
	case d.run[v].kick <- struct{}{}:
	default:
	}

	return nil
}

// startQueue runs the handler for queue qn in a new goroutine.
func (d *device) startQueue(qn int, vq *virtq.Device) error {
	b := d.bus

	b.mu.RLock()
	defer b.mu.RUnlock()

	if b.closed {
		return unix.ENODEV
	}

	r := &queueRunner{
		kick: make(chan struct{}, 1),
		stop: make(chan struct{}),
	}

	d.run[qn] = r

	b.g.Go(func() error {
		for {
			select {
			case <-r.kick:
			case <-r.stop:
				return nil
			case <-b.done:
				return nil
			}

			if err := d.handler.Handle(qn, vq); err != nil {
				err = fmt.Errorf("%v: handle queue %d: %w", d.info.Type, qn, err)
				slog.Error("virtio device handler failed", "irq", d.info.IRQ, "err", err)

				d.mu.Lock()
				d.setNeedsReset()
				d.mu.Unlock()

				return err
			}
		}
	})

	return nil
}

func (d *device) stopQueue(qn int) {
	if r := d.run[qn]; r != nil {
		close(r.stop)
		d.run[qn] = nil
	}
}

func (d *device) reset() {
	for qn := range d.run {
		d.stopQueue(qn)
	}

	// the driver sets the page size once, at bind
	d.state = deviceState{guestPageSize: d.state.guestPageSize}
}

// notifyUsed is called by the queues after a chain is released.
func (d *device) notifyUsed() error {
	d.mu.Lock()
	defer d.mu.Unlock()

	d.state.intStatus |= intStatusUsedBuffer
	return d.notify()
}

// setNeedsReset must be called with d.mu held.
func (d *device) setNeedsReset() {
	if d.state.status&(statusNeedsReset|statusFailed) != 0 {
		return
	}

	notify := d.state.status&statusDriverOK != 0
	d.state.status |= statusNeedsReset

	if notify {
		d.state.intStatus |= intStatusConfigChange
		if err := d.notify(); err != nil {
			slog.Error("virtio config change notification failed",
				"irq", d.info.IRQ, "err", err)
		}
	}
}

func (d *device) notify() error {
	if d.bus.cfg.Notify == nil {
		return nil
	}

	return d.bus.cfg.Notify(d.info.IRQ)
}

func (d *device) selectedQueue() *queueState {
	if d.state.queueSel >= maxQueues {
		return nil
	}

	return &d.state.queue[d.state.queueSel]
}
