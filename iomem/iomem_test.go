package iomem_test

import (
	"errors"
	"testing"

	"github.com/c35s/virtguest/iomem"
	"github.com/google/go-cmp/cmp"
)

func TestMem(t *testing.T) {
	t.Run("aligned word", func(t *testing.T) {
		m := make(iomem.Mem, 8)
		m.Write32(4, 0x74726976)

		if diff := cmp.Diff([]byte{0, 0, 0, 0, 'v', 'i', 'r', 't'}, []byte(m)); diff != "" {
			t.Errorf("memory (-want +got):\n%s", diff)
		}

		if v := m.Read32(4); v != 0x74726976 {
			t.Errorf("read %#x != %#x", v, 0x74726976)
		}
	})

	t.Run("unaligned", func(t *testing.T) {
		m := make(iomem.Mem, 8)
		m.Write32(1, 0x04030201)
		m.Write16(5, 0x0605)
		m.Write8(7, 0x07)

		if diff := cmp.Diff([]byte{0, 1, 2, 3, 4, 5, 6, 7}, []byte(m)); diff != "" {
			t.Errorf("memory (-want +got):\n%s", diff)
		}

		if v := m.Read32(3); v != 0x06050403 {
			t.Errorf("read %#x != %#x", v, 0x06050403)
		}

		if v := m.Read16(1); v != 0x0201 {
			t.Errorf("read %#x != %#x", v, 0x0201)
		}

		if v := m.Read8(7); v != 7 {
			t.Errorf("read %d != 7", v)
		}
	})

	t.Run("out of range", func(t *testing.T) {
		defer func() {
			if r := recover(); r == nil {
				t.Error("no panic")
			}
		}()

		make(iomem.Mem, 4).Read32(2)
		t.Fatal("unreachable")
	})
}

func TestFunc(t *testing.T) {
	type access struct {
		Off   uint64
		Data  []byte
		Write bool
	}

	var got []access
	f := iomem.Func(func(off uint64, data []byte, isWrite bool) error {
		if !isWrite {
			for i := range data {
				data[i] = byte(off) + byte(i)
			}
		}

		got = append(got, access{off, append([]byte(nil), data...), isWrite})
		return nil
	})

	f.Write32(0x30, 0x01020304)
	f.Write8(0x100, 0xff)

	if v := f.Read32(0x10); v != 0x13121110 {
		t.Errorf("read %#x != %#x", v, 0x13121110)
	}

	if v := f.Read16(0x20); v != 0x2120 {
		t.Errorf("read %#x != %#x", v, 0x2120)
	}

	want := []access{
		{0x30, []byte{4, 3, 2, 1}, true},
		{0x100, []byte{0xff}, true},
		{0x10, []byte{0x10, 0x11, 0x12, 0x13}, false},
		{0x20, []byte{0x20, 0x21}, false},
	}

	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("accesses (-want +got):\n%s", diff)
	}

	t.Run("failed read", func(t *testing.T) {
		f := iomem.Func(func(off uint64, data []byte, isWrite bool) error {
			data[0] = 0xff
			return errors.New("boom")
		})

		if v := f.Read32(0); v != 0 {
			t.Errorf("read %#x != 0", v)
		}
	})
}
