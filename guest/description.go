package guest

import (
	"fmt"
	"io"
	"os"

	"github.com/c35s/virtguest/virtio"
	"gopkg.in/yaml.v3"
)

// Description is a machine description file.
type Description struct {
	MemSize     int          `yaml:"mem_size"`
	PhysBase    uint64       `yaml:"phys_base"`
	MMIOBase    uint64       `yaml:"mmio_base"`
	QueueNumMax int          `yaml:"queue_num_max"`
	Devices     []DeviceDesc `yaml:"devices"`
}

// DeviceDesc describes one emulated device.
type DeviceDesc struct {

	// Type is "console" or "block".
	Type string `yaml:"type"`

	// Sectors is the size of a block device's in-memory storage.
	Sectors int `yaml:"sectors"`

	// Path is a block device's backing file, used instead of Sectors.
	Path string `yaml:"path"`

	// ReadOnly makes a block device read-only.
	ReadOnly bool `yaml:"read_only"`

	// Cols and Rows set a console's size.
	Cols uint16 `yaml:"cols"`
	Rows uint16 `yaml:"rows"`
}

// LoadDescription decodes a YAML machine description. Unknown keys are errors.
func LoadDescription(r io.Reader) (*Description, error) {
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)

	var d Description
	if err := dec.Decode(&d); err != nil && err != io.EOF {
		return nil, fmt.Errorf("%w: %w", ErrConfig, err)
	}

	return &d, nil
}

// Config converts the description to a machine config. Console output goes
// to out. Backing files are opened here and closed by Machine.Close.
func (d *Description) Config(out io.Writer) (cfg Config, err error) {
	defer func() {
		if err != nil {
			for _, dev := range cfg.Devices {
				if c, ok := dev.(io.Closer); ok {
					c.Close()
				}
			}
		}
	}()

	cfg = Config{
		MemSize:     d.MemSize,
		PhysBase:    d.PhysBase,
		MMIOBase:    d.MMIOBase,
		QueueNumMax: d.QueueNumMax,
	}

	for i, dd := range d.Devices {
		switch dd.Type {
		case "console":
			cfg.Devices = append(cfg.Devices, &virtio.Console{
				Out:  out,
				Cols: dd.Cols,
				Rows: dd.Rows,
			})

		case "block":
			storage, err := dd.blockStorage()
			if err != nil {
				return cfg, fmt.Errorf("%w: device %d: %w", ErrConfig, i, err)
			}

			cfg.Devices = append(cfg.Devices, &virtio.Block{
				ReadOnly: dd.ReadOnly,
				Storage:  storage,
			})

		default:
			return cfg, fmt.Errorf("%w: device %d: unknown type %q", ErrConfig, i, dd.Type)
		}
	}

	return cfg, nil
}

func (dd DeviceDesc) blockStorage() (virtio.BlockStorage, error) {
	switch {
	case dd.Path != "" && dd.Sectors != 0:
		return nil, fmt.Errorf("block takes sectors or path, not both")

	case dd.Path != "":
		flag := os.O_RDWR
		if dd.ReadOnly {
			flag = os.O_RDONLY
		}

		f, err := os.OpenFile(dd.Path, flag, 0)
		if err != nil {
			return nil, err
		}

		return &virtio.FileStorage{File: f}, nil

	case dd.Sectors > 0:
		return &virtio.MemStorage{Bytes: make([]byte, dd.Sectors*512)}, nil

	default:
		return nil, fmt.Errorf("block needs sectors > 0 or a path")
	}
}
