package virtq

import "fmt"

const (
	descSize     = 16
	usedElemSize = 8
)

// Layout describes where the parts of a split virtqueue live in its memory
// region. Offsets are in bytes from the start of the region.
type Layout struct {
	Num   int // queue size
	Align int // used ring alignment

	DescOff  int
	AvailOff int // immediately follows the descriptor table
	UsedOff  int // first Align boundary after the avail ring
	Size     int // total bytes needed for the region
}

// NewLayout computes the layout of a queue with num descriptors whose used ring
// is aligned to align. Num must be a power of two no larger than MaxSize and
// align must be a power of two of at least 4.
func NewLayout(num, align int) (Layout, error) {
	if num <= 0 || num > MaxSize || num&(num-1) != 0 {
		return Layout{}, errLayoutf("queue size %d is not a power of two in [1, %d]", num, MaxSize)
	}

	if align < 4 || align&(align-1) != 0 {
		return Layout{}, errLayoutf("alignment %d is not a power of two >= 4", align)
	}

	l := Layout{
		Num:      num,
		Align:    align,
		DescOff:  0,
		AvailOff: descSize * num,
	}

	l.UsedOff = (l.AvailOff + l.AvailSize() + align - 1) &^ (align - 1)
	l.Size = l.UsedOff + l.UsedSize()

	if l.UsedOff < l.AvailOff+l.AvailSize() {
		panic(fmt.Sprintf("virtq: used ring at %d overlaps avail ring [%d, %d)",
			l.UsedOff, l.AvailOff, l.AvailOff+l.AvailSize()))
	}

	return l, nil
}

// Size returns the number of bytes needed for a queue with num descriptors
// and the given used ring alignment.
func Size(num, align int) (int, error) {
	l, err := NewLayout(num, align)
	return l.Size, err
}

// DescSize returns the size of the descriptor table.
func (l Layout) DescSize() int {
	return descSize * l.Num
}

// AvailSize returns the size of the avail ring: flags, idx, ring[Num] and
// used_event.
func (l Layout) AvailSize() int {
	return 2 * (3 + l.Num)
}

// UsedSize returns the size of the used ring: flags, idx, ring[Num] and
// avail_event.
func (l Layout) UsedSize() int {
	return 2*3 + usedElemSize*l.Num
}

func errLayoutf(format string, a ...any) error {
	return fmt.Errorf("%w: %s", ErrLayout, fmt.Sprintf(format, a...))
}
