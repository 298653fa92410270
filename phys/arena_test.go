package phys_test

import (
	"testing"

	"github.com/c35s/virtguest/phys"
	"github.com/stretchr/testify/require"
)

func TestArena(t *testing.T) {
	const base = 0x40000000

	t.Run("rejects bad config", func(t *testing.T) {
		r := require.New(t)

		_, err := phys.NewArena(base, 0)
		r.ErrorIs(err, phys.ErrConfig)

		_, err = phys.NewArena(base, phys.PageSize+1)
		r.ErrorIs(err, phys.ErrConfig)

		_, err = phys.NewArena(base+1, phys.PageSize)
		r.ErrorIs(err, phys.ErrConfig)
	})

	t.Run("allocates aligned zeroed memory", func(t *testing.T) {
		r := require.New(t)

		a, err := phys.NewArena(base, 4*phys.PageSize)
		r.NoError(err)
		defer a.Close()

		small, err := a.Alloc(3)
		r.NoError(err)
		r.Len(small, 3)
		r.Equal(uint64(base), a.Translate(small))

		page, err := a.AllocAligned(phys.PageSize, phys.PageSize)
		r.NoError(err)
		r.Equal(uint64(base+phys.PageSize), a.Translate(page))

		for _, b := range page {
			r.Zero(b)
		}

		next, err := a.Alloc(1)
		r.NoError(err)
		r.Equal(uint64(base+2*phys.PageSize), a.Translate(next))
	})

	t.Run("exhausts", func(t *testing.T) {
		r := require.New(t)

		a, err := phys.NewArena(base, phys.PageSize)
		r.NoError(err)
		defer a.Close()

		_, err = a.AllocAligned(phys.PageSize, phys.PageSize)
		r.NoError(err)

		_, err = a.Alloc(1)
		r.ErrorIs(err, phys.ErrNoMemory)
	})

	t.Run("rejects bad alignment", func(t *testing.T) {
		r := require.New(t)

		a, err := phys.NewArena(base, phys.PageSize)
		r.NoError(err)
		defer a.Close()

		_, err = a.AllocAligned(16, 3)
		r.ErrorIs(err, phys.ErrConfig)
	})

	t.Run("maps physical addresses", func(t *testing.T) {
		r := require.New(t)

		a, err := phys.NewArena(base, 2*phys.PageSize)
		r.NoError(err)
		defer a.Close()

		b, err := a.AllocAligned(8, phys.PageSize)
		r.NoError(err)
		copy(b, "virtq!!!")

		m, err := a.Map(a.Translate(b), 8)
		r.NoError(err)
		r.Equal("virtq!!!", string(m))

		_, err = a.Map(base-1, 1)
		r.ErrorIs(err, phys.ErrBadAddr)

		_, err = a.Map(base+2*phys.PageSize-4, 8)
		r.ErrorIs(err, phys.ErrBadAddr)
	})

	t.Run("translate panics outside the arena", func(t *testing.T) {
		r := require.New(t)

		a, err := phys.NewArena(base, phys.PageSize)
		r.NoError(err)
		defer a.Close()

		r.Panics(func() { a.Translate(make([]byte, 8)) })
	})
}
