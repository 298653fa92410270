// Package devicetree describes the hardware nodes a guest discovers devices
// from. It models only what device binding needs: a node's compatible strings
// and its register windows.
package devicetree

import "slices"

// Reg is a register window on the node's parent bus.
type Reg struct {
	Addr uint64
	Size uint64
}

// Node is a device-tree node.
type Node struct {
	Path       string
	Compatible []string
	Reg        []Reg
}

// Tree is a source of device-tree nodes.
type Tree interface {

	// Available reports whether a device tree was provided at all.
	Available() bool

	// FindCompatible returns the nodes listing compatible, in tree order.
	FindCompatible(compatible string) []Node
}

// Static is a tree built from a fixed list of nodes.
// A nil *Static is an unavailable tree.
type Static struct {
	Nodes []Node
}

// IsCompatible reports whether the node lists the compatible string c.
func (n Node) IsCompatible(c string) bool {
	return slices.Contains(n.Compatible, c)
}

// Base returns the node's first register window.
func (n Node) Base() (Reg, bool) {
	if len(n.Reg) == 0 {
		return Reg{}, false
	}

	return n.Reg[0], true
}

func (s *Static) Available() bool {
	return s != nil
}

func (s *Static) FindCompatible(compatible string) []Node {
	if s == nil {
		return nil
	}

	var nn []Node
	for _, n := range s.Nodes {
		if n.IsCompatible(compatible) {
			nn = append(nn, n)
		}
	}

	return nn
}
