package virtio

import (
	"bytes"
	"encoding/binary"
	"io"
	"os"
	"path/filepath"
	"testing"
)

// roStorage hides MemStorage's WriteAt.
type roStorage struct {
	ms *MemStorage
}

func (s roStorage) ReadAt(p []byte, off int64) (int, error) {
	return s.ms.ReadAt(p, off)
}

func (s roStorage) Size() (int64, error) {
	return s.ms.Size()
}

func TestBlockReadConfig(t *testing.T) {
	dev := &Block{Storage: &MemStorage{Bytes: make([]byte, 4*sectorSize)}}

	t.Run("config", func(t *testing.T) {
		buf := make([]byte, binary.Size(blkConfig{}))
		if err := dev.ReadConfig(buf, 0); err != nil {
			t.Fatal(err)
		}

		var cfg blkConfig
		if err := binary.Read(bytes.NewReader(buf), binary.LittleEndian, &cfg); err != nil {
			t.Fatal(err)
		}

		if cfg.Capacity != 4 {
			t.Errorf("capacity %d != 4", cfg.Capacity)
		}

		if cfg.BlkSize != sectorSize {
			t.Errorf("blk_size %d != %d", cfg.BlkSize, sectorSize)
		}

		if cfg.NumQueues != 1 {
			t.Errorf("num_queues %d != 1", cfg.NumQueues)
		}
	})

	t.Run("unaligned", func(t *testing.T) {
		buf := make([]byte, 3)
		if err := dev.ReadConfig(buf, 19); err != nil {
			t.Fatal(err)
		}

		// sectors byte of the geometry, then the low bytes of blk_size
		if want := []byte{0, 0, 2}; !bytes.Equal(buf, want) {
			t.Errorf("config[19:22] %v != %v", buf, want)
		}
	})

	t.Run("oob", func(t *testing.T) {
		buf := make([]byte, 8)
		if err := dev.ReadConfig(buf, 32); err == nil {
			t.Error("no error")
		}
	})

	t.Run("bad size", func(t *testing.T) {
		bad := &Block{Storage: &MemStorage{Bytes: make([]byte, sectorSize+1)}}
		if err := bad.ReadConfig(make([]byte, 8), 0); err == nil {
			t.Error("no error")
		}
	})
}

func TestBlockWriteConfig(t *testing.T) {
	dev := &Block{Storage: &MemStorage{Bytes: make([]byte, sectorSize)}}

	if err := dev.WriteConfig([]byte{1}, BlockWritebackOff); err != nil {
		t.Fatal(err)
	}

	buf := make([]byte, 1)
	if err := dev.ReadConfig(buf, BlockWritebackOff); err != nil {
		t.Fatal(err)
	}

	if buf[0] != 1 {
		t.Errorf("writeback %d != 1", buf[0])
	}

	if err := dev.WriteConfig([]byte{1}, 0); err == nil {
		t.Error("capacity write: no error")
	}

	if err := dev.WriteConfig([]byte{1, 0}, BlockWritebackOff); err == nil {
		t.Error("2-byte writeback write: no error")
	}
}

func TestBlockFeatures(t *testing.T) {
	ms := &MemStorage{Bytes: make([]byte, sectorSize)}

	tests := []struct {
		name string
		dev  *Block
		ro   bool
	}{
		{"read-write", &Block{Storage: ms}, false},
		{"forced read-only", &Block{Storage: ms, ReadOnly: true}, true},
		{"read-only storage", &Block{Storage: roStorage{ms}}, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := tt.dev.GetFeatures()
			if ro := f&blkFRO != 0; ro != tt.ro {
				t.Errorf("read-only %v != %v", ro, tt.ro)
			}

			if f&blkFConfigWCE == 0 {
				t.Error("no config wce")
			}
		})
	}
}

func TestMemStorage(t *testing.T) {
	ms := &MemStorage{Bytes: make([]byte, 8)}

	if n, err := ms.WriteAt([]byte("virt"), 2); n != 4 || err != nil {
		t.Fatalf("write %d, %v", n, err)
	}

	buf := make([]byte, 6)
	if n, err := ms.ReadAt(buf, 2); n != 6 || err != nil {
		t.Fatalf("read %d, %v", n, err)
	}

	if want := []byte("virt\x00\x00"); !bytes.Equal(buf, want) {
		t.Errorf("read %q != %q", buf, want)
	}

	if _, err := ms.ReadAt(buf, 8); err != io.EOF {
		t.Errorf("read at end: %v != EOF", err)
	}

	if _, err := ms.WriteAt(buf, 8); err != io.ErrShortWrite {
		t.Errorf("write at end: %v != ErrShortWrite", err)
	}
}

func TestFileStorage(t *testing.T) {
	f, err := os.Create(filepath.Join(t.TempDir(), "disk.img"))
	if err != nil {
		t.Fatal(err)
	}

	defer f.Close()

	if err := f.Truncate(2 * sectorSize); err != nil {
		t.Fatal(err)
	}

	dev := &Block{Storage: &FileStorage{File: f}}
	if dev.GetFeatures()&blkFRO != 0 {
		t.Error("file storage is read-only")
	}

	if _, err := dev.writer().WriteAt([]byte("virt"), sectorSize); err != nil {
		t.Fatal(err)
	}

	buf := make([]byte, 4)
	if _, err := dev.Storage.ReadAt(buf, sectorSize); err != nil {
		t.Fatal(err)
	}

	if string(buf) != "virt" {
		t.Errorf("read %q != %q", buf, "virt")
	}

	var cfg [8]byte
	if err := dev.ReadConfig(cfg[:], 0); err != nil {
		t.Fatal(err)
	}

	if c := binary.LittleEndian.Uint64(cfg[:]); c != 2 {
		t.Errorf("capacity %d != 2", c)
	}
}
