package virtq

import (
	"errors"
	"testing"

	"github.com/c35s/virtguest/phys"
	"github.com/google/go-cmp/cmp"
)

func TestNewLayout(t *testing.T) {
	t.Run("128 descriptors page aligned", func(t *testing.T) {
		l, err := NewLayout(128, 4096)
		if err != nil {
			t.Fatal(err)
		}

		want := Layout{
			Num:      128,
			Align:    4096,
			DescOff:  0,
			AvailOff: 2048,
			UsedOff:  4096,
			Size:     4096 + 6 + 8*128,
		}

		if diff := cmp.Diff(want, l); diff != "" {
			t.Errorf("layout (-want +got):\n%s", diff)
		}
	})

	t.Run("used ring follows avail ring", func(t *testing.T) {
		for num := 1; num <= MaxSize; num <<= 1 {
			for _, align := range []int{4, 16, 4096} {
				l, err := NewLayout(num, align)
				if err != nil {
					t.Fatal(err)
				}

				if l.UsedOff < l.AvailOff+l.AvailSize() {
					t.Errorf("num=%d align=%d: used %d < avail end %d", num, align, l.UsedOff, l.AvailOff+l.AvailSize())
				}

				if l.UsedOff%align != 0 {
					t.Errorf("num=%d align=%d: used %d is not aligned", num, align, l.UsedOff)
				}

				if l.AvailOff != l.DescSize() {
					t.Errorf("num=%d align=%d: avail %d != desc size %d", num, align, l.AvailOff, l.DescSize())
				}
			}
		}
	})

	t.Run("bad sizes", func(t *testing.T) {
		for _, num := range []int{-1, 0, 3, 100, MaxSize + 1, 2 * MaxSize} {
			if _, err := NewLayout(num, 4096); !errors.Is(err, ErrLayout) {
				t.Errorf("num %d: error isn't ErrLayout: %v", num, err)
			}
		}
	})

	t.Run("bad alignments", func(t *testing.T) {
		for _, align := range []int{0, 1, 2, 3, 12, 4095} {
			if _, err := NewLayout(128, align); !errors.Is(err, ErrLayout) {
				t.Errorf("align %d: error isn't ErrLayout: %v", align, err)
			}
		}
	})
}

func TestQueueInit(t *testing.T) {
	a, err := phys.NewArena(0x40000000, 4*phys.PageSize)
	if err != nil {
		t.Fatal(err)
	}

	defer a.Close()

	sz, err := Size(128, 4096)
	if err != nil {
		t.Fatal(err)
	}

	mem, err := a.AllocAligned(sz, phys.PageSize)
	if err != nil {
		t.Fatal(err)
	}

	q, err := New(mem, 128, 4096, Config{Translate: a.Translate})
	if err != nil {
		t.Fatal(err)
	}

	// the free list is 0 -> 1 -> ... -> 127 -> end
	var chain []uint16
	for i, n := q.freeHead, 0; i != chainEnd && n <= 128; i, n = q.desc[i].Next, n+1 {
		chain = append(chain, i)
	}

	if len(chain) != 128 {
		t.Fatalf("free chain length %d != 128", len(chain))
	}

	for i, d := range chain {
		if int(d) != i {
			t.Fatalf("free chain[%d] %d != %d", i, d, i)
		}
	}

	if q.numFree != 128 || q.numAdded != 0 || q.lastUsedIdx != 0 {
		t.Errorf("numFree=%d numAdded=%d lastUsedIdx=%d", q.numFree, q.numAdded, q.lastUsedIdx)
	}

	buf, err := a.Alloc(5)
	if err != nil {
		t.Fatal(err)
	}

	if err := q.AddOutbuf(buf); err != nil {
		t.Fatal(err)
	}

	want := Desc{Addr: a.Translate(buf), Len: 5, Flags: 0, Next: 1}
	if diff := cmp.Diff(want, q.desc[0]); diff != "" {
		t.Errorf("desc[0] (-want +got):\n%s", diff)
	}

	if _, idx := q.avail.load(); idx != 1 {
		t.Errorf("avail.idx %d != 1", idx)
	}

	if q.availRing[0] != 0 {
		t.Errorf("avail.ring[0] %d != 0", q.availRing[0])
	}

	if q.numFree != 127 || q.freeHead != 1 || q.numAdded != 1 {
		t.Errorf("numFree=%d freeHead=%d numAdded=%d", q.numFree, q.freeHead, q.numAdded)
	}

	if q.data[0] == nil {
		t.Error("data[0] is nil")
	}

	for i := 1; i < len(q.data); i++ {
		if q.data[i] != nil {
			t.Fatalf("data[%d] is set", i)
		}
	}
}

func TestNewRejectsBadMemory(t *testing.T) {
	translate := func([]byte) uint64 { return 0 }

	t.Run("too small", func(t *testing.T) {
		if _, err := New(make([]byte, 64), 8, 16, Config{Translate: translate}); !errors.Is(err, ErrLayout) {
			t.Errorf("error isn't ErrLayout: %v", err)
		}
	})

	t.Run("misaligned", func(t *testing.T) {
		mem := make([]byte, 4096)
		if _, err := New(mem[1:], 8, 16, Config{Translate: translate}); !errors.Is(err, ErrLayout) {
			t.Errorf("error isn't ErrLayout: %v", err)
		}
	})

	t.Run("no translate", func(t *testing.T) {
		if _, err := New(make([]byte, 4096), 8, 16, Config{}); !errors.Is(err, ErrLayout) {
			t.Errorf("error isn't ErrLayout: %v", err)
		}
	})
}
