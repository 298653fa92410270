// Package chrtestdev implements the test-exit device: a virtio console whose
// output carries the guest's exit code to the host as "<code>q".
package chrtestdev

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"sync"
	"time"

	"github.com/c35s/virtguest/virtio"
	"github.com/c35s/virtguest/virtio/virtq"
)

// Binder binds virtio devices, e.g. a *virtio.Dispatcher.
type Binder interface {
	Bind(id virtio.DeviceID) (*virtio.Device, error)
}

// Allocator provides buffers in guest memory.
type Allocator interface {
	Alloc(size int) ([]byte, error)
}

// Dev is the guest side of the test-exit device. Its zero value is an
// unbound device.
type Dev struct {
	mu  sync.Mutex
	in  *virtq.Queue
	out *virtq.Queue
	mem Allocator

	// free holds record buffers the device has given back
	free [][]byte
}

// PollInterval is how often Exit checks for the reclaimed exit record.
var PollInterval = time.Millisecond

// longest record: "-2147483648q"
const recordSize = 16

// Init binds the first console. If there is none, the returned device is
// unbound and Exit does nothing. Other bind and setup errors are returned.
func Init(b Binder, mem Allocator) (*Dev, error) {
	d, err := b.Bind(virtio.ConsoleDeviceID)
	if errors.Is(err, virtio.ErrNotFound) {
		slog.Info("chr-testdev: no console, exit codes will not be reported")
		return &Dev{}, nil
	}

	if err != nil {
		return nil, fmt.Errorf("chr-testdev: %w", err)
	}

	vqs, err := d.Config.FindVQs("input", "output")
	if err != nil {
		return nil, fmt.Errorf("chr-testdev: %w", err)
	}

	buf, err := mem.Alloc(recordSize)
	if err != nil {
		return nil, fmt.Errorf("chr-testdev: %w", err)
	}

	return &Dev{in: vqs[0], out: vqs[1], mem: mem, free: [][]byte{buf}}, nil
}

// Bound reports whether the device has a console.
func (d *Dev) Bound() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.out != nil
}

// Pending returns the number of exit records the device hasn't given back.
func (d *Dev) Pending() int {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.out == nil {
		return 0
	}

	return d.out.Num() - d.out.NumFree()
}

// Exit sends code to the host and waits until the device has consumed it
// or ctx is done. A record left behind by a timeout is still delivered
// before later ones.
func (d *Dev) Exit(ctx context.Context, code int) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.out == nil {
		return nil
	}

	// records left behind by earlier timeouts
	for d.out.HasUsed() {
		d.reclaim()
	}

	buf, err := d.record()
	if err != nil {
		return fmt.Errorf("chr-testdev: exit %d: %w", code, err)
	}

	rec := strconv.AppendInt(buf[:0], int64(code), 10)
	rec = append(rec, 'q')

	if err := d.out.AddOutbuf(rec); err != nil {
		d.free = append(d.free, buf)
		return fmt.Errorf("chr-testdev: exit %d: %w", code, err)
	}

	d.out.Kick()

	for {
		for !d.out.HasUsed() {
			select {
			case <-ctx.Done():
				return fmt.Errorf("chr-testdev: exit %d: %w", code, ctx.Err())

			case <-time.After(PollInterval):
			}
		}

		if b := d.reclaim(); &b[0] == &rec[0] {
			return nil
		}
	}
}

// record returns a buffer for an exit record. A buffer is only reused once
// the device has given it back.
func (d *Dev) record() ([]byte, error) {
	if n := len(d.free); n > 0 {
		buf := d.free[n-1]
		d.free = d.free[:n-1]
		return buf, nil
	}

	return d.mem.Alloc(recordSize)
}

// reclaim takes the next used record off the output queue.
func (d *Dev) reclaim() []byte {
	b, _, _ := d.out.GetBuf()
	b = b[:cap(b)]
	d.free = append(d.free, b)
	return b
}
