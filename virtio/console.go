package virtio

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"io"

	"github.com/c35s/virtguest/virtio/virtq"
)

// Console is an emulated virtio console with a single port.
type Console struct {
	In  io.Reader
	Out io.Writer

	// Cols and Rows are reported in the config space.
	Cols, Rows uint16
}

// consoleConfig has the same fields as struct virtio_console_config.
type consoleConfig struct {
	Cols       uint16
	Rows       uint16
	MaxNrPorts uint32
	EmergWr    uint32
}

const (
	consoleFSize      = 1 << 0 // cols and rows are valid
	consoleFEmergWr   = 1 << 2 // emerg_wr is supported
	consoleEmergWrOff = 8
)

const (
	consoleRxQ = 0
	consoleTxQ = 1
)

func (c *Console) GetType() DeviceID {
	return ConsoleDeviceID
}

func (c *Console) GetFeatures() (features uint64) {
	if c.Cols != 0 || c.Rows != 0 {
		features |= consoleFSize
	}

	if c.Out != nil {
		features |= consoleFEmergWr
	}

	return
}

func (c *Console) Handle(queueNum int, q *virtq.Device) error {
	switch queueNum {
	case consoleRxQ:
		if c.In != nil {
			return c.handleRx(q)
		}

	case consoleTxQ:
		if c.Out != nil {
			return c.handleTx(q)
		}
	}

	return nil
}

func (dev *Console) handleRx(q *virtq.Device) error {
	for {
		c, err := q.Next()
		if err != nil {
			return err
		}

		if c == nil {
			return nil
		}

		var total int
		for i := 0; i < c.Len(); i++ {
			if !c.IsWO(i) {
				return fmt.Errorf("console rx: descriptor %d is not write-only", i)
			}

			buf, err := c.Buf(i)
			if err != nil {
				return err
			}

			n, err := dev.In.Read(buf)
			if err != nil {
				return err
			}

			total += n
		}

		if err := c.Release(total); err != nil {
			return err
		}
	}
}

func (dev *Console) handleTx(q *virtq.Device) error {
	for {
		c, err := q.Next()
		if err != nil {
			return err
		}

		if c == nil {
			return nil
		}

		for i := 0; i < c.Len(); i++ {
			if !c.IsRO(i) {
				return fmt.Errorf("console tx: descriptor %d is not read-only", i)
			}

			buf, err := c.Buf(i)
			if err != nil {
				return err
			}

			if _, err := dev.Out.Write(buf); err != nil {
				return err
			}
		}

		if err := c.Release(0); err != nil {
			return err
		}
	}
}

func (c *Console) ReadConfig(p []byte, off int) error {
	cfg := consoleConfig{
		Cols:       c.Cols,
		Rows:       c.Rows,
		MaxNrPorts: 1,
	}

	buf := new(bytes.Buffer)
	if err := binary.Write(buf, binary.LittleEndian, cfg); err != nil {
		return err
	}

	raw := buf.Bytes()
	if off < 0 || off+len(p) > len(raw) {
		return fmt.Errorf("console config read [%d, %d) is out of bounds", off, off+len(p))
	}

	copy(p, raw[off:])
	return nil
}

// WriteConfig accepts writes to emerg_wr, which put one character on Out.
func (c *Console) WriteConfig(p []byte, off int) error {
	if c.Out == nil || off < consoleEmergWrOff || off+len(p) > consoleEmergWrOff+4 {
		return fmt.Errorf("console config write [%d, %d) is read-only", off, off+len(p))
	}

	// a byte-wise write of the low byte carries the character
	if off != consoleEmergWrOff {
		return nil
	}

	_, err := c.Out.Write(p[:1])
	return err
}
