package devicetree_test

import (
	"testing"

	"github.com/c35s/virtguest/devicetree"
	"github.com/google/go-cmp/cmp"
)

func TestStatic(t *testing.T) {
	t.Run("nil tree", func(t *testing.T) {
		var s *devicetree.Static
		if s.Available() {
			t.Error("nil tree is available")
		}

		if nn := s.FindCompatible("virtio,mmio"); nn != nil {
			t.Errorf("nodes: %v", nn)
		}
	})

	t.Run("find compatible", func(t *testing.T) {
		s := &devicetree.Static{
			Nodes: []devicetree.Node{
				{Path: "/pl011@9000000", Compatible: []string{"arm,pl011", "arm,primecell"}},
				{Path: "/virtio_mmio@a000000", Compatible: []string{"virtio,mmio"}, Reg: []devicetree.Reg{{0xa000000, 0x200}}},
				{Path: "/virtio_mmio@a000200", Compatible: []string{"virtio,mmio"}, Reg: []devicetree.Reg{{0xa000200, 0x200}}},
			},
		}

		if !s.Available() {
			t.Error("tree is not available")
		}

		var paths []string
		for _, n := range s.FindCompatible("virtio,mmio") {
			paths = append(paths, n.Path)
		}

		want := []string{"/virtio_mmio@a000000", "/virtio_mmio@a000200"}
		if diff := cmp.Diff(want, paths); diff != "" {
			t.Errorf("paths (-want +got):\n%s", diff)
		}
	})

	t.Run("base", func(t *testing.T) {
		if _, ok := (devicetree.Node{}).Base(); ok {
			t.Error("node without reg has a base")
		}

		n := devicetree.Node{Reg: []devicetree.Reg{{0xa000000, 0x200}, {0xb000000, 0x10}}}
		if reg, ok := n.Base(); !ok || reg.Addr != 0xa000000 || reg.Size != 0x200 {
			t.Errorf("base %+v ok=%v", reg, ok)
		}
	})
}
