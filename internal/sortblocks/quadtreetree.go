// Package sortblocks partitions the quadtree space into target-sized groups
// and routes elements into their destination blocks, spilling to temporary
// files when the planet does not fit in memory.
package sortblocks

import (
	"fmt"
	"sort"

	"github.com/jharris2268/osmquadtree/internal/quadtree"
)

const noItem = ^uint32(0)

// A TreeItem is one arena slot of a QuadtreeTree: the local weight of its
// tile, the subtree total, and the arena indices of up to four children.
type TreeItem struct {
	Qt       quadtree.Quadtree
	Parent   uint32
	Weight   uint32
	Total    int64
	Children [4]uint32
}

func newTreeItem(qt quadtree.Quadtree, parent uint32) TreeItem {
	return TreeItem{Qt: qt, Parent: parent, Children: [4]uint32{noItem, noItem, noItem, noItem}}
}

// A QuadtreeTree aggregates per-tile weights in an arena-backed quadtree.
// It is single-threaded during building; a finished tree is read-only and
// may be shared across lanes.
type QuadtreeTree struct {
	items []TreeItem
	count int
}

func NewQuadtreeTree() *QuadtreeTree {
	t := &QuadtreeTree{items: make([]TreeItem, 0, 1024)}
	t.items = append(t.items, newTreeItem(quadtree.Root, noItem))
	return t
}

func (t *QuadtreeTree) TotalWeight() int64 {
	return t.items[0].Total
}

// Len counts tiles with their own weight.
func (t *QuadtreeTree) Len() int {
	return t.count
}

func (t *QuadtreeTree) At(i uint32) *TreeItem {
	return &t.items[i]
}

func (t *QuadtreeTree) Clone() *QuadtreeTree {
	return &QuadtreeTree{items: append([]TreeItem(nil), t.items...), count: t.count}
}

// findInt walks as deep as the tree goes towards qt.
func (t *QuadtreeTree) findInt(qt quadtree.Quadtree) uint32 {
	i := uint32(0)
	for j := 0; j < qt.Depth(); j++ {
		c := t.items[i].Children[qt.Quad(j)]
		if c == noItem {
			return i
		}
		i = c
	}
	return i
}

// Find returns the closest tile at or above qt that carries weight (falling
// back to the root). This is how elements are routed to their group.
func (t *QuadtreeTree) Find(qt quadtree.Quadtree) *TreeItem {
	i := t.findInt(qt)
	for {
		it := &t.items[i]
		if it.Weight > 0 || it.Parent == noItem {
			return it
		}
		i = it.Parent
	}
}

// Add creates ancestors as needed and adds w to the tile's weight.
func (t *QuadtreeTree) Add(qt quadtree.Quadtree, w uint32) *TreeItem {
	if qt < 0 {
		panic("QuadtreeTree.Add: negative quadtree")
	}
	ti := uint32(0)
	for i := 0; i < qt.Depth(); i++ {
		t.items[ti].Total += int64(w)
		v := qt.Quad(i)
		if t.items[ti].Children[v] == noItem {
			n := uint32(len(t.items))
			t.items = append(t.items, newTreeItem(qt.Round(i+1), ti))
			t.items[ti].Children[v] = n
		}
		ti = t.items[ti].Children[v]
	}
	it := &t.items[ti]
	if w > 0 && it.Weight == 0 {
		t.count++
	}
	it.Weight += w
	it.Total += int64(w)
	return it
}

// Remove zeroes a tile's subtree and propagates the total change upward,
// returning the removed total.
func (t *QuadtreeTree) Remove(qt quadtree.Quadtree) int64 {
	i := t.findInt(qt)
	it := &t.items[i]
	w := it.Total
	it.Weight = 0
	it.Total = 0
	it.Children = [4]uint32{noItem, noItem, noItem, noItem}
	if it.Parent != noItem {
		pt := &t.items[it.Parent]
		for j := range pt.Children {
			if pt.Children[j] == i {
				pt.Children[j] = noItem
			}
		}
	}
	for p := it.Parent; p != noItem; p = t.items[p].Parent {
		t.items[p].Total -= w
	}
	return w
}

// next returns the arena index following i in depth-first order, or noItem.
func (t *QuadtreeTree) next(i uint32) uint32 {
	return t.nextFrom(i, 0)
}

func (t *QuadtreeTree) nextFrom(i uint32, child int) uint32 {
	it := &t.items[i]
	for c := child; c < 4; c++ {
		if it.Children[c] != noItem {
			return it.Children[c]
		}
	}
	return t.nextSibling(i)
}

func (t *QuadtreeTree) nextSibling(i uint32) uint32 {
	it := &t.items[i]
	if it.Parent == noItem {
		return noItem
	}
	p := &t.items[it.Parent]
	for c := 0; c < 4; c++ {
		if p.Children[c] == i {
			if c == 3 {
				return t.nextSibling(it.Parent)
			}
			return t.nextFrom(it.Parent, c+1)
		}
	}
	panic("QuadtreeTree: child not registered with parent")
}

// Iter visits every tile with weight > 0 in depth-first order.
func (t *QuadtreeTree) Iter(fn func(*TreeItem)) {
	for i := uint32(0); i != noItem; i = t.next(i) {
		if t.items[i].Weight > 0 {
			fn(&t.items[i])
		}
	}
}

// Weights returns the weighted tiles in depth-first order.
func (t *QuadtreeTree) Weights() []TreeItem {
	res := make([]TreeItem, 0, t.count)
	t.Iter(func(it *TreeItem) { res = append(res, *it) })
	return res
}

func (t *QuadtreeTree) String() string {
	return fmt.Sprintf("QuadtreeTree[%d total, %d tiles, %d items]", t.TotalWeight(), t.count, len(t.items))
}

func (t *QuadtreeTree) allChildrenSmall(it *TreeItem, min int64) bool {
	for _, c := range it.Children {
		if c != noItem && t.items[c].Total > min {
			return false
		}
	}
	return true
}

// findWithin collects tiles whose totals fall inside the current target
// window: a tile is emitted when its subtree is small enough, when it has
// weight of its own that cannot be split deeper, or when all its children
// are individually below the absolute minimum.
func (t *QuadtreeTree) findWithin(minTarget, maxTarget, absMin int64) []quadtree.Quadtree {
	var res []quadtree.Quadtree
	if t.TotalWeight() < minTarget {
		return append(res, quadtree.Root)
	}
	i := uint32(0)
	for i != noItem {
		it := &t.items[i]
		switch {
		case it.Total < minTarget:
			i = t.nextSibling(i)
		case it.Total <= maxTarget:
			res = append(res, it.Qt)
			i = t.nextSibling(i)
		case it.Weight > 0 && it.Total == int64(it.Weight):
			res = append(res, it.Qt)
			i = t.nextSibling(i)
		case it.Weight > 0 && t.allChildrenSmall(it, absMin):
			res = append(res, it.Qt)
			i = t.nextSibling(i)
		default:
			i = t.next(i)
		}
	}
	return res
}

// FindTreeGroups collapses the weighted tree into groups of roughly target
// elements, progressively widening the acceptance window whenever a pass
// finds nothing. The result tree holds one weighted tile per group.
func FindTreeGroups(tree *QuadtreeTree, target int64, absMin int64) *QuadtreeTree {
	if absMin <= 0 {
		absMin = target / 8
	}
	minTarget := target - 50
	maxTarget := target + 50

	type group struct {
		qt quadtree.Quadtree
		w  int64
	}
	var all []group
	for tree.TotalWeight() > 0 {
		found := tree.findWithin(minTarget, maxTarget, absMin)
		if len(found) == 0 {
			minTarget -= 50
			if minTarget < absMin {
				minTarget = absMin
			}
			maxTarget += 50
			continue
		}
		for _, qt := range found {
			all = append(all, group{qt, tree.Remove(qt)})
		}
	}
	sort.Slice(all, func(i, j int) bool { return all[i].qt < all[j].qt })

	res := NewQuadtreeTree()
	for _, g := range all {
		res.Add(g.qt, uint32(g.w))
	}
	return res
}
