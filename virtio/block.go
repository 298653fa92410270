package virtio

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"io"
	"log/slog"
	"os"

	"github.com/c35s/virtguest/virtio/virtq"
)

// Block is an emulated virtio block device with pluggable storage.
type Block struct {

	// ReadOnly forces the device to be read-only.
	ReadOnly bool

	// Storage is the backing storage for the device. Storage may also
	// implement the io.WriterAt interface to enable writes.
	Storage BlockStorage

	writeback uint8
}

// BlockStorage is the basic interface to a block device's backing storage. It is
// read-only: To enable writes, storage types should also implement io.WriterAt.
type BlockStorage interface {
	io.ReaderAt

	// Size returns the storage size in bytes.
	Size() (int64, error)
}

// MemStorage is read-write block storage backed by a byte slice.
type MemStorage struct {
	Bytes []byte
}

// FileStorage is read-write block storage backed by a file.
type FileStorage struct {
	File *os.File
}

// blkConfig has the same fields as struct virtio_blk_config.
type blkConfig struct {
	Capacity uint64 // expressed in 512-byte sectors
	SizeMax  uint32
	SegMax   uint32
	Geometry struct {
		Cylinders uint16
		Heads     uint8
		Sectors   uint8
	}
	BlkSize  uint32
	Topology struct {
		PhysicalBlockExp uint8
		AlignmentOffset  uint8
		MinIOSize        uint16
		OptIOSize        uint32
	}
	Writeback uint8
	_         byte
	NumQueues uint16
}

// BlockWritebackOff is the config space offset of the writeback byte.
const BlockWritebackOff = 32

// features

const (
	blkFRO        = 1 << 4  // device is read-only
	blkFFlush     = 1 << 9  // cache flush command support
	blkFConfigWCE = 1 << 11 // device can toggle its cache between writeback and writethrough modes
)

// op type

const (
	blkTIn    = 0
	blkTOut   = 1
	blkTFlush = 4
)

// op status

const (
	blkSOK     = 0
	blkSIOErr  = 1
	blkSUnsupp = 2
)

const sectorSize = 512

func (dev *Block) GetType() DeviceID {
	return BlockDeviceID
}

func (dev *Block) GetFeatures() uint64 {
	features := uint64(blkFFlush | blkFConfigWCE)
	if dev.writer() == nil {
		features |= blkFRO
	}

	return features
}

func (dev *Block) Handle(queueNum int, q *virtq.Device) error {
	if queueNum != 0 {
		return fmt.Errorf("block: no queue %d", queueNum)
	}

	for {
		c, err := q.Next()
		if err != nil {
			return err
		}

		if c == nil {
			return nil
		}

		if err := dev.handleRequest(c); err != nil {
			return err
		}
	}
}

// handleRequest serves a 3-descriptor chain: header, data, status.
func (dev *Block) handleRequest(c *virtq.Chain) error {
	if c.Len() != 3 {
		return fmt.Errorf("block: chain length %d != 3", c.Len())
	}

	if !c.IsRO(0) {
		return fmt.Errorf("block: descriptor 0 (hdr) is not read-only")
	}

	if !c.IsWO(2) {
		return fmt.Errorf("block: descriptor 2 (status) is not write-only")
	}

	var bufs [3][]byte
	for i := range bufs {
		b, err := c.Buf(i)
		if err != nil {
			return err
		}

		bufs[i] = b
	}

	var (
		hdr    = bufs[0]
		data   = bufs[1]
		status = bufs[2]
	)

	if len(hdr) != 16 {
		return fmt.Errorf("block: hdr length %d != 16", len(hdr))
	}

	if len(status) != 1 {
		return fmt.Errorf("block: status length %d != 1", len(status))
	}

	var (
		optype = binary.LittleEndian.Uint32(hdr)
		offsec = binary.LittleEndian.Uint64(hdr[8:])
	)

	var n int
	var err error

	status[0] = blkSOK

	switch optype {
	case blkTIn:
		if !c.IsWO(1) {
			return fmt.Errorf("block: descriptor 1 (data) is not write-only")
		}

		n, err = dev.Storage.ReadAt(data, int64(offsec)*sectorSize)

	case blkTOut:
		w := dev.writer()
		if w == nil {
			status[0] = blkSUnsupp
			break
		}

		if !c.IsRO(1) {
			return fmt.Errorf("block: descriptor 1 (data) is not read-only")
		}

		_, err = w.WriteAt(data, int64(offsec)*sectorSize)

	case blkTFlush:

	default:
		status[0] = blkSUnsupp
	}

	if err != nil {
		status[0] = blkSIOErr
		slog.Error("block io error", "op", optype, "sector", offsec, "err", err)
	}

	// the status byte counts as written
	return c.Release(n + 1)
}

func (dev *Block) ReadConfig(p []byte, off int) error {
	cfg, err := dev.getConfig()
	if err != nil {
		return err
	}

	buf := new(bytes.Buffer)
	if err := binary.Write(buf, binary.LittleEndian, cfg); err != nil {
		return err
	}

	raw := buf.Bytes()
	if off < 0 || off+len(p) > len(raw) {
		return fmt.Errorf("block config read [%d, %d) is out of bounds", off, off+len(p))
	}

	copy(p, raw[off:])
	return nil
}

// WriteConfig accepts writes to the writeback byte.
func (dev *Block) WriteConfig(p []byte, off int) error {
	if off != BlockWritebackOff || len(p) != 1 {
		return fmt.Errorf("block config write [%d, %d) is read-only", off, off+len(p))
	}

	dev.writeback = p[0]
	return nil
}

func (dev *Block) getConfig() (*blkConfig, error) {
	sz, err := dev.Storage.Size()
	if err != nil {
		return nil, err
	}

	if sz%sectorSize != 0 {
		return nil, fmt.Errorf("block: storage size %d is not a multiple of %d", sz, sectorSize)
	}

	cfg := blkConfig{
		Capacity:  uint64(sz / sectorSize),
		BlkSize:   sectorSize,
		Writeback: dev.writeback,
		NumQueues: 1,
	}

	return &cfg, nil
}

// Close closes the storage if it is an io.Closer.
func (dev *Block) Close() error {
	if c, ok := dev.Storage.(io.Closer); ok {
		return c.Close()
	}

	return nil
}

func (dev *Block) writer() io.WriterAt {
	if dev.ReadOnly {
		return nil
	}

	w, _ := dev.Storage.(io.WriterAt)
	return w
}

// ReadAt copies from the backing slice at off into p.
func (ms *MemStorage) ReadAt(p []byte, off int64) (n int, err error) {
	if off >= int64(len(ms.Bytes)) {
		return 0, io.EOF
	}

	return copy(p, ms.Bytes[off:]), nil
}

// Size returns the size of the backing slice in bytes.
func (ms *MemStorage) Size() (int64, error) {
	return int64(len(ms.Bytes)), nil
}

// WriteAt copies p into the backing slice at off.
func (ms *MemStorage) WriteAt(p []byte, off int64) (n int, err error) {
	if off >= int64(len(ms.Bytes)) {
		return 0, io.ErrShortWrite
	}

	return copy(ms.Bytes[off:], p), nil
}

// ReadAt reads from the backing file.
func (fs *FileStorage) ReadAt(p []byte, off int64) (n int, err error) {
	return fs.File.ReadAt(p, off)
}

// Size stats the backing file and returns its size in bytes.
func (fs *FileStorage) Size() (int64, error) {
	info, err := fs.File.Stat()
	if err != nil {
		return 0, err
	}

	return info.Size(), nil
}

// WriteAt writes to the backing file.
func (fs *FileStorage) WriteAt(p []byte, off int64) (n int, err error) {
	return fs.File.WriteAt(p, off)
}

// Close closes the backing file.
func (fs *FileStorage) Close() error {
	return fs.File.Close()
}
