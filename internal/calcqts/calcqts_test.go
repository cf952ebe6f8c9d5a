package calcqts

import (
	"io"
	"os"
	"path/filepath"
	"testing"

	"github.com/jharris2268/osmquadtree/internal/elements"
	"github.com/jharris2268/osmquadtree/internal/pbffile"
	"github.com/jharris2268/osmquadtree/internal/quadtree"
)

var testNodes = []struct {
	id       int64
	lon, lat int64
}{
	{1, 10000000, 10000000},
	{2, 10100000, 10100000},
	{3, 10200000, 10200000},
	{4, -900000000, 400000000},
	{5, 300000000, -300000000},
	{6, 300100000, -300100000},
}

func writeTestPlanet(t *testing.T, dir string) string {
	t.Helper()
	blk := &elements.PrimitiveBlock{}
	for _, n := range testNodes {
		blk.Nodes = append(blk.Nodes, elements.Node{
			Common: elements.Common{ID: n.id, Info: elements.Info{Version: 1, Timestamp: 1600000000 + n.id}},
			Lon:    n.lon, Lat: n.lat,
		})
	}
	blk.Ways = []elements.Way{
		{Common: elements.Common{ID: 1, Info: elements.Info{Version: 1, Timestamp: 1600000100}}, Refs: []int64{1, 2}},
		{Common: elements.Common{ID: 2, Info: elements.Info{Version: 1, Timestamp: 1600000200}}, Refs: []int64{2, 3}},
	}
	blk.Relations = []elements.Relation{
		{Common: elements.Common{ID: 1, Info: elements.Info{Version: 1, Timestamp: 1600000300}},
			Members: []elements.Member{
				{Type: elements.NodeType, Ref: 4},
				{Type: elements.WayType, Ref: 1},
			}},
		{Common: elements.Common{ID: 2, Info: elements.Info{Version: 1, Timestamp: 1600000400}},
			Members: []elements.Member{
				{Type: elements.RelationType, Ref: 1},
			}},
	}

	data, err := blk.Pack(false, false)
	if err != nil {
		t.Fatal(err)
	}
	packed, err := pbffile.PackFileBlock("OSMData", data, pbffile.Zlib, 0)
	if err != nil {
		t.Fatal(err)
	}
	infn := filepath.Join(dir, "planet.pbf")
	wf, err := pbffile.NewWriteFile(infn, pbffile.HeaderNoLocs, quadtree.Planet(), false)
	if err != nil {
		t.Fatal(err)
	}
	wf.Call([]pbffile.KeyedData{{Key: 0, Data: packed}})
	if _, err := wf.Finish(); err != nil {
		t.Fatal(err)
	}
	return infn
}

func readQts(t *testing.T, fname string) (nodes, ways, relations map[int64]quadtree.Quadtree) {
	t.Helper()
	nodes = map[int64]quadtree.Quadtree{}
	ways = map[int64]quadtree.Quadtree{}
	relations = map[int64]quadtree.Quadtree{}
	f, err := os.Open(fname)
	if err != nil {
		t.Fatal(err)
	}
	defer f.Close()
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
		qb, err := elements.UnpackQuadtreeBlock(0, fb.Position, data)
		if err != nil {
			t.Fatal(err)
		}
		for _, v := range qb.Nodes {
			nodes[v.ID] = v.Quadtree
		}
		for _, v := range qb.Ways {
			ways[v.ID] = v.Quadtree
		}
		for _, v := range qb.Relations {
			relations[v.ID] = v.Quadtree
		}
	}
	return
}

func checkQts(t *testing.T, nodes, ways, relations map[int64]quadtree.Quadtree) {
	t.Helper()
	const maxDepth = 18
	const buffer = 0.05

	w1Want := quadtree.FromBbox(quadtree.Bbox{Minlon: 10000000, Minlat: 10000000, Maxlon: 10100000, Maxlat: 10100000}, maxDepth, buffer)
	w2Want := quadtree.FromBbox(quadtree.Bbox{Minlon: 10100000, Minlat: 10100000, Maxlon: 10200000, Maxlat: 10200000}, maxDepth, buffer)
	if ways[1] != w1Want {
		t.Errorf("way 1 qt %v, want %v", ways[1], w1Want)
	}
	if ways[2] != w2Want {
		t.Errorf("way 2 qt %v, want %v", ways[2], w2Want)
	}

	// a node shared by two ways takes the ways' common ancestor
	if want := w1Want.Common(w2Want); nodes[2] != want {
		t.Errorf("node 2 qt %v, want %v", nodes[2], want)
	}
	// a node used by a single way takes that way's quadtree
	if nodes[1] != w1Want {
		t.Errorf("node 1 qt %v, want %v", nodes[1], w1Want)
	}
	// a free-standing node derives from its point
	if want := quadtree.FromPoint(-900000000, 400000000, maxDepth, buffer); nodes[4] != want {
		t.Errorf("node 4 qt %v, want %v", nodes[4], want)
	}

	// relation 1 spans node 4 and way 1; relation 2 wraps relation 1
	if want := nodes[4].Common(w1Want); relations[1] != want {
		t.Errorf("relation 1 qt %v, want %v", relations[1], want)
	}
	if relations[2] != relations[1] {
		t.Errorf("relation 2 qt %v, want %v", relations[2], relations[1])
	}
}

func TestRunStrategies(t *testing.T) {
	for _, strategy := range []Strategy{StrategyInMem, StrategySimple, StrategyFlatVec} {
		for _, numchan := range []int{0, 2} {
			t.Run(strategy.String(), func(t *testing.T) {
				dir := t.TempDir()
				infn := writeTestPlanet(t, dir)
				qtsfn := filepath.Join(dir, "planet.qts.pbf")

				opts := DefaultOptions()
				opts.Strategy = strategy
				opts.Numchan = numchan
				maxTS, err := Run(infn, qtsfn, opts)
				if err != nil {
					t.Fatal(err)
				}
				if maxTS != 1600000400 {
					t.Errorf("max timestamp %d", maxTS)
				}
				nodes, ways, relations := readQts(t, qtsfn)
				checkQts(t, nodes, ways, relations)
			})
		}
	}
}

func TestRunPrelimThenLoadExisting(t *testing.T) {
	dir := t.TempDir()
	infn := writeTestPlanet(t, dir)
	qtsfn := filepath.Join(dir, "planet.qts.pbf")
	waynodesFn := filepath.Join(dir, "waynodes.pbf")

	if err := RunPrelim(infn, waynodesFn, DefaultOptions()); err != nil {
		t.Fatal(err)
	}
	if _, err := os.Stat(waynodesFn); err != nil {
		t.Fatal(err)
	}

	opts := DefaultOptions()
	opts.WayNodesFn = waynodesFn
	opts.LoadExisting = true
	if _, err := Run(infn, qtsfn, opts); err != nil {
		t.Fatal(err)
	}
	nodes, ways, relations := readQts(t, qtsfn)
	checkQts(t, nodes, ways, relations)
}

func TestRunInmem(t *testing.T) {
	dir := t.TempDir()
	infn := writeTestPlanet(t, dir)
	blocks, maxTS, err := RunInmem(infn, 18, 0.05, 2)
	if err != nil {
		t.Fatal(err)
	}
	if maxTS != 1600000400 {
		t.Errorf("max timestamp %d", maxTS)
	}
	nodes := map[int64]quadtree.Quadtree{}
	ways := map[int64]quadtree.Quadtree{}
	relations := map[int64]quadtree.Quadtree{}
	for _, bl := range blocks {
		for _, n := range bl.Nodes {
			nodes[n.ID] = n.Quadtree
		}
		for _, w := range bl.Ways {
			ways[w.ID] = w.Quadtree
		}
		for _, r := range bl.Relations {
			relations[r.ID] = r.Quadtree
		}
	}
	checkQts(t, nodes, ways, relations)
}

func TestWayNodePackRoundtrip(t *testing.T) {
	pairs := []WayNodePair{{Node: 5, Way: 100}, {Node: 7, Way: 100}, {Node: 7, Way: 200}}
	key, got, err := unpackWayNodes(packWayNodes(3, pairs))
	if err != nil {
		t.Fatal(err)
	}
	if key != 3 {
		t.Fatalf("key %d", key)
	}
	if len(got) != len(pairs) {
		t.Fatalf("got %v", got)
	}
	for i := range pairs {
		if got[i] != pairs[i] {
			t.Fatalf("pair %d: %v != %v", i, got[i], pairs[i])
		}
	}
}
