package mergechanges

import (
	"io"
	"os"
	"path/filepath"
	"testing"

	"github.com/jharris2268/osmquadtree/internal/elements"
	"github.com/jharris2268/osmquadtree/internal/pbffile"
	"github.com/jharris2268/osmquadtree/internal/quadtree"
	"github.com/jharris2268/osmquadtree/internal/repo"
)

// the base archive holds nodes 1..3 in two tiles; the diff modifies node 1,
// deletes node 2 and creates node 4
func writeStore(t *testing.T, root string) []repo.FilelistEntry {
	t.Helper()
	tileA, _ := quadtree.FromString("A")
	tileB, _ := quadtree.FromString("B")

	mk := func(id, lon, lat int64, version int64, ct elements.Changetype) elements.Node {
		return elements.Node{
			Common: elements.Common{ID: id, Changetype: ct,
				Info:     elements.Info{Version: version, Timestamp: 1700000000},
				Quadtree: quadtree.FromPoint(lon, lat, 18, 0.05)},
			Lon: lon, Lat: lat,
		}
	}

	write := func(fname string, isChange bool, blocks ...*elements.PrimitiveBlock) {
		wf, err := pbffile.NewWriteFile(filepath.Join(root, fname), pbffile.HeaderInternalLocs, quadtree.Planet(), isChange)
		if err != nil {
			t.Fatal(err)
		}
		for _, blk := range blocks {
			data, err := blk.Pack(true, isChange)
			if err != nil {
				t.Fatal(err)
			}
			blob, err := pbffile.PackFileBlock("OSMData", data, pbffile.Zlib, 0)
			if err != nil {
				t.Fatal(err)
			}
			wf.Call([]pbffile.KeyedData{{Key: int64(blk.Quadtree), Data: blob}})
		}
		if _, err := wf.Finish(); err != nil {
			t.Fatal(err)
		}
	}

	write("20260101.pbf", false,
		&elements.PrimitiveBlock{Quadtree: tileA, Nodes: []elements.Node{
			mk(1, -900000000, 450000000, 1, elements.Normal),
			mk(2, -900010000, 450010000, 1, elements.Normal),
		}},
		&elements.PrimitiveBlock{Quadtree: tileB, Nodes: []elements.Node{
			mk(3, 900000000, 450000000, 1, elements.Normal),
		}},
	)
	write("20260102.pbfc", true,
		&elements.PrimitiveBlock{Quadtree: tileA, Nodes: []elements.Node{
			mk(1, -900000000, 450000000, 2, elements.Modify),
			mk(2, -900010000, 450010000, 2, elements.Delete),
		}},
		&elements.PrimitiveBlock{Quadtree: tileB, Nodes: []elements.Node{
			mk(4, 900020000, 450020000, 1, elements.Create),
		}},
	)
	return []repo.FilelistEntry{
		{Filename: "20260101.pbf", EndDate: "2026-01-01T00:00:00", NumTiles: 2, State: 1},
		{Filename: "20260102.pbfc", EndDate: "2026-01-02T00:00:00", NumTiles: 2, State: 2},
	}
}

func readNodes(t *testing.T, fname string) map[int64]elements.Node {
	t.Helper()
	f, err := os.Open(fname)
	if err != nil {
		t.Fatal(err)
	}
	defer f.Close()
	res := map[int64]elements.Node{}
	var lastID int64 = -1
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
		for _, n := range blk.Nodes {
			res[n.ID] = n
			if n.ID < lastID {
				t.Errorf("node %d out of order after %d", n.ID, lastID)
			}
			lastID = n.ID
		}
	}
	return res
}

func TestRunSortInmemOverlay(t *testing.T) {
	root := t.TempDir()
	filelist := writeStore(t, root)
	outfn := filepath.Join(root, "merged.pbf")

	if err := RunSortInmem(root, filelist, outfn, &SpatialFilter{Bbox: quadtree.EmptyBbox()}, 0, 1700086400, pbffile.Zlib, 0); err != nil {
		t.Fatal(err)
	}
	nodes := readNodes(t, outfn)
	if _, ok := nodes[2]; ok {
		t.Error("deleted node 2 survived the merge")
	}
	if n, ok := nodes[1]; !ok || n.Info.Version != 2 {
		t.Errorf("node 1: %+v (latest version must win)", nodes[1])
	}
	if _, ok := nodes[4]; !ok {
		t.Error("created node 4 missing")
	}
	if _, ok := nodes[3]; !ok {
		t.Error("untouched node 3 missing")
	}
}

func TestRunBboxFilter(t *testing.T) {
	root := t.TempDir()
	filelist := writeStore(t, root)
	outfn := filepath.Join(root, "west.pbf")

	// west of Greenwich only
	filter := &SpatialFilter{Bbox: quadtree.Bbox{Minlon: -1800000000, Minlat: -900000000, Maxlon: 0, Maxlat: 900000000}}
	if err := Run(root, filelist, outfn, filter, 0, 1700086400, pbffile.Zlib, 0); err != nil {
		t.Fatal(err)
	}
	nodes := readNodes(t, outfn)
	if _, ok := nodes[1]; !ok {
		t.Error("node 1 inside the filter missing")
	}
	if _, ok := nodes[3]; ok {
		t.Error("node 3 outside the filter survived")
	}
	if _, ok := nodes[4]; ok {
		t.Error("node 4 outside the filter survived")
	}
}

func TestRunSortFromExisting(t *testing.T) {
	root := t.TempDir()
	filelist := writeStore(t, root)
	outfn := filepath.Join(root, "sorted.pbf")
	tempfn := filepath.Join(root, "sorted-temp.pbf")

	if err := RunSort(root, filelist, outfn, tempfn, &SpatialFilter{Bbox: quadtree.EmptyBbox()}, 0, 1700086400, true, pbffile.Zlib, 0); err != nil {
		t.Fatal(err)
	}
	if _, err := os.Stat(tempfn); err != nil {
		t.Fatalf("temp archive not retained: %v", err)
	}
	first := readNodes(t, outfn)

	// re-running from the retained temp must give the same elements
	outfn2 := filepath.Join(root, "sorted2.pbf")
	if err := RunSortFromExisting(outfn2, tempfn, 1700086400, pbffile.Zlib, 0); err != nil {
		t.Fatal(err)
	}
	second := readNodes(t, outfn2)
	if len(first) != len(second) {
		t.Fatalf("%d vs %d nodes", len(first), len(second))
	}
	for id := range first {
		if _, ok := second[id]; !ok {
			t.Errorf("node %d missing from re-run", id)
		}
	}
}

func TestCutoffSkipsNewerArchives(t *testing.T) {
	root := t.TempDir()
	filelist := writeStore(t, root)
	outfn := filepath.Join(root, "old.pbf")

	// cutoff before the diff: the base state must come back untouched
	cutoff := int64(1767225600) // 2026-01-01
	if err := RunSortInmem(root, filelist, outfn, &SpatialFilter{Bbox: quadtree.EmptyBbox()}, cutoff, cutoff, pbffile.Zlib, 0); err != nil {
		t.Fatal(err)
	}
	nodes := readNodes(t, outfn)
	if n := nodes[1]; n.Info.Version != 1 {
		t.Errorf("node 1 version %d, want 1", n.Info.Version)
	}
	if _, ok := nodes[2]; !ok {
		t.Error("node 2 must survive below the cutoff")
	}
	if _, ok := nodes[4]; ok {
		t.Error("node 4 is newer than the cutoff")
	}
}