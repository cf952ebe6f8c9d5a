package sortblocks

import (
	"io"
	"os"
	"path/filepath"
	"testing"

	"github.com/jharris2268/osmquadtree/internal/elements"
	"github.com/jharris2268/osmquadtree/internal/pbffile"
	"github.com/jharris2268/osmquadtree/internal/quadtree"
)

func mustQt(t *testing.T, s string) quadtree.Quadtree {
	t.Helper()
	q, err := quadtree.FromString(s)
	if err != nil {
		t.Fatal(err)
	}
	return q
}

func TestQuadtreeTreeAddFind(t *testing.T) {
	tree := NewQuadtreeTree()
	qa := mustQt(t, "AB")
	qb := mustQt(t, "AC")
	tree.Add(qa, 10)
	tree.Add(qb, 5)
	if tree.TotalWeight() != 15 {
		t.Fatalf("total %d", tree.TotalWeight())
	}
	if tree.Len() != 2 {
		t.Fatalf("len %d", tree.Len())
	}

	// an element deeper than a weighted tile routes to that tile
	deep := mustQt(t, "ABDD")
	if got := tree.Find(deep).Qt; got != qa {
		t.Fatalf("find(%v) = %v", deep, got)
	}
	// an element outside any weighted tile falls back to the root
	other := mustQt(t, "D")
	if got := tree.Find(other).Qt; got != quadtree.Root {
		t.Fatalf("find(%v) = %v", other, got)
	}
}

func TestQuadtreeTreeRemove(t *testing.T) {
	tree := NewQuadtreeTree()
	qa := mustQt(t, "AB")
	qb := mustQt(t, "AC")
	tree.Add(qa, 10)
	tree.Add(qb, 5)
	if w := tree.Remove(qa); w != 10 {
		t.Fatalf("removed %d", w)
	}
	if tree.TotalWeight() != 5 {
		t.Fatalf("total %d", tree.TotalWeight())
	}
	items := tree.Weights()
	if len(items) != 1 || items[0].Qt != qb {
		t.Fatalf("items %+v", items)
	}
}

func TestQuadtreeTreeIterOrder(t *testing.T) {
	tree := NewQuadtreeTree()
	for _, s := range []string{"D", "A", "AB", "C"} {
		tree.Add(mustQt(t, s), 1)
	}
	var got []quadtree.Quadtree
	tree.Iter(func(it *TreeItem) { got = append(got, it.Qt) })
	want := []quadtree.Quadtree{mustQt(t, "A"), mustQt(t, "AB"), mustQt(t, "C"), mustQt(t, "D")}
	if len(got) != len(want) {
		t.Fatalf("got %v", got)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("order %v, want %v", got, want)
		}
	}
}

func TestFindTreeGroupsSingleHeavyTile(t *testing.T) {
	// one tile with weight well beyond the target must still come out as a
	// single group: its own weight cannot be split
	tree := NewQuadtreeTree()
	tree.Add(mustQt(t, "AB"), 100000)
	groups := FindTreeGroups(tree, 40000, -1)
	items := groups.Weights()
	if len(items) != 1 {
		t.Fatalf("groups %+v", items)
	}
	if items[0].Qt != mustQt(t, "AB") || items[0].Weight != 100000 {
		t.Fatalf("group %+v", items[0])
	}
}

func TestFindTreeGroupsConservesWeight(t *testing.T) {
	tree := NewQuadtreeTree()
	total := int64(0)
	for i, s := range []string{"A", "AB", "ABC", "ABD", "B", "BC", "C", "CA", "CB", "D", "DD", "DDD"} {
		w := uint32(3000 * (i + 1))
		tree.Add(mustQt(t, s), w)
		total += int64(w)
	}
	groups := FindTreeGroups(tree.Clone(), 40000, -1)
	if groups.TotalWeight() != total {
		t.Fatalf("group total %d, want %d", groups.TotalWeight(), total)
	}
	// every original tile must route to exactly one group
	for _, it := range tree.Weights() {
		g := groups.Find(it.Qt)
		if g.Weight == 0 {
			t.Fatalf("tile %v routed to weightless %v", it.Qt, g.Qt)
		}
	}
}

func TestSortBlocksRouting(t *testing.T) {
	groups := NewQuadtreeTree()
	groups.Add(quadtree.Root, 1)
	groups.Add(mustQt(t, "A"), 1)

	sb := NewSortBlocks(groups)
	blk := &elements.PrimitiveBlock{
		Nodes: []elements.Node{
			{Common: elements.Common{ID: 2, Quadtree: mustQt(t, "AB")}},
			// a node at the origin has the root quadtree and must land in
			// the root group
			{Common: elements.Common{ID: 1, Quadtree: quadtree.Root}},
		},
	}
	sb.AddAll(blk)
	blocks := sb.Finish()
	if len(blocks) != 2 {
		t.Fatalf("%d blocks", len(blocks))
	}
	if blocks[0].Quadtree != quadtree.Root || blocks[0].Nodes[0].ID != 1 {
		t.Fatalf("root block %+v", blocks[0])
	}
	if blocks[1].Quadtree != mustQt(t, "A") || blocks[1].Nodes[0].ID != 2 {
		t.Fatalf("A block %+v", blocks[1])
	}
}

// writeTestPlanet writes a small unsorted planet file and its matching
// .qts.pbf, returning the paths of both files.
func writeTestPlanet(t *testing.T, dir string) (infn, qtsfn string) {
	t.Helper()
	infn = filepath.Join(dir, "planet.pbf")
	qtsfn = filepath.Join(dir, "planet.qts.pbf")

	nodes := []elements.Node{}
	qts := &elements.QuadtreeBlock{}
	for i := int64(1); i <= 8; i++ {
		n := elements.Node{Common: elements.Common{ID: i, Info: elements.Info{Version: 1, Timestamp: 100}},
			Lon: i * 1000, Lat: i * 1000}
		nodes = append(nodes, n)
		q := quadtree.FromPoint(n.Lon, n.Lat, 17, 0.05)
		qts.AddNode(i, q)
	}
	way := elements.Way{Common: elements.Common{ID: 1, Info: elements.Info{Version: 1, Timestamp: 100}},
		Refs: []int64{1, 2, 3}}
	qts.AddWay(1, quadtree.FromBbox(quadtree.Bbox{Minlon: 1000, Minlat: 1000, Maxlon: 3000, Maxlat: 3000}, 17, 0.05))

	blk := &elements.PrimitiveBlock{Nodes: nodes, Ways: []elements.Way{way}}
	data, err := blk.Pack(false, false)
	if err != nil {
		t.Fatal(err)
	}
	packed, err := pbffile.PackFileBlock("OSMData", data, pbffile.Zlib, 0)
	if err != nil {
		t.Fatal(err)
	}
	wf, err := pbffile.NewWriteFile(infn, pbffile.HeaderNoLocs, quadtree.Planet(), false)
	if err != nil {
		t.Fatal(err)
	}
	wf.Call([]pbffile.KeyedData{{Key: 0, Data: packed}})
	if _, err := wf.Finish(); err != nil {
		t.Fatal(err)
	}

	qdata, err := pbffile.PackFileBlock("OSMData", qts.Pack(), pbffile.Zlib, 0)
	if err != nil {
		t.Fatal(err)
	}
	qwf, err := pbffile.NewWriteFile(qtsfn, pbffile.HeaderNone, quadtree.EmptyBbox(), false)
	if err != nil {
		t.Fatal(err)
	}
	qwf.Call([]pbffile.KeyedData{{Key: 0, Data: qdata}})
	if _, err := qwf.Finish(); err != nil {
		t.Fatal(err)
	}
	return infn, qtsfn
}

func readAllBlocks(t *testing.T, fname string) []*elements.PrimitiveBlock {
	t.Helper()
	f, err := os.Open(fname)
	if err != nil {
		t.Fatal(err)
	}
	defer f.Close()
	var res []*elements.PrimitiveBlock
	pos := uint64(0)
	for {
		fb, err := pbffile.ReadFileBlock(f, pos)
		if err == io.EOF {
			break
		}
		if err != nil {
			t.Fatal(err)
		}
		pos += fb.Length
		if fb.BlockType != "OSMData" {
			continue
		}
		data, err := fb.Data()
		if err != nil {
			t.Fatal(err)
		}
		blk, err := elements.ReadPrimitiveBlock(0, fb.Position, data, false)
		if err != nil {
			t.Fatal(err)
		}
		res = append(res, blk)
	}
	return res
}

func TestSortBlocksInmemEndToEnd(t *testing.T) {
	for _, numchan := range []int{0, 4} {
		dir := t.TempDir()
		infn, qtsfn := writeTestPlanet(t, dir)
		outfn := filepath.Join(dir, "sorted.pbf")

		groups := NewQuadtreeTree()
		groups.Add(quadtree.Root, 1)

		if err := SortBlocksInmem(infn, qtsfn, outfn, groups, numchan, 4000, pbffile.Zlib, 0); err != nil {
			t.Fatal(err)
		}

		blocks := readAllBlocks(t, outfn)
		nn, nw := 0, 0
		for _, b := range blocks {
			nn += len(b.Nodes)
			nw += len(b.Ways)
			for _, n := range b.Nodes {
				if !b.Quadtree.IsParent(n.Quadtree) && b.Quadtree != n.Quadtree {
					t.Errorf("node %d qt %v outside block %v", n.ID, n.Quadtree, b.Quadtree)
				}
			}
			if b.EndDate != 4000 {
				t.Errorf("end date %d", b.EndDate)
			}
		}
		if nn != 8 || nw != 1 {
			t.Fatalf("numchan %d: %d nodes, %d ways", numchan, nn, nw)
		}

		hb, _, err := pbffile.ReadHeader(outfn)
		if err != nil {
			t.Fatal(err)
		}
		if len(hb.Index) != len(blocks) {
			t.Fatalf("index %d entries, %d blocks", len(hb.Index), len(blocks))
		}
	}
}
