package sortblocks

import (
	"io"
	"os"

	"github.com/jharris2268/osmquadtree/internal/elements"
	"github.com/jharris2268/osmquadtree/internal/pbffile"
	"github.com/jharris2268/osmquadtree/internal/progress"
	"github.com/jharris2268/osmquadtree/internal/quadtree"
)

// FindGroups builds the per-tile weight tree from a .qts.pbf file, tiles
// rounded to maxDepth, and collapses it into groups of roughly target
// elements.
func FindGroups(qtsfn string, maxDepth int, target int64, absMin int64) (*QuadtreeTree, error) {
	tree := NewQuadtreeTree()

	f, err := os.Open(qtsfn)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	bar := progress.NewBar(int64(pbffile.FileLength(qtsfn)), "find groups "+qtsfn)
	pos := uint64(0)
	for {
		fb, err := pbffile.ReadFileBlock(f, pos)
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, err
		}
		pos += fb.Length
		bar.Set(int64(pos))
		if fb.BlockType != "OSMData" {
			continue
		}
		data, err := fb.Data()
		if err != nil {
			return nil, err
		}
		qb, err := elements.UnpackQuadtreeBlock(0, fb.Position, data)
		if err != nil {
			return nil, err
		}
		addWeights(tree, qb.Nodes, maxDepth)
		addWeights(tree, qb.Ways, maxDepth)
		addWeights(tree, qb.Relations, maxDepth)
	}
	bar.Finish()

	progress.Message("%s", tree)
	groups := FindTreeGroups(tree, target, absMin)
	progress.Message("groups: %s", groups)
	return groups, nil
}

func addWeights(tree *QuadtreeTree, vals []elements.IDQuadtree, maxDepth int) {
	for _, v := range vals {
		q := v.Quadtree
		if q < 0 {
			q = quadtree.Root
		}
		tree.Add(q.Round(maxDepth), 1)
	}
}

// TreeFromBlocks builds the weight tree directly from in-memory blocks,
// used when calcqts kept the planet resident.
func TreeFromBlocks(blocks []*elements.PrimitiveBlock, maxDepth int) *QuadtreeTree {
	tree := NewQuadtreeTree()
	add := func(q quadtree.Quadtree) {
		if q < 0 {
			q = quadtree.Root
		}
		tree.Add(q.Round(maxDepth), 1)
	}
	for _, bl := range blocks {
		for i := range bl.Nodes {
			add(bl.Nodes[i].Quadtree)
		}
		for i := range bl.Ways {
			add(bl.Ways[i].Quadtree)
		}
		for i := range bl.Relations {
			add(bl.Relations[i].Quadtree)
		}
	}
	return tree
}
