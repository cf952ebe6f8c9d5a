package update

import (
	"io"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/jharris2268/osmquadtree/internal/elements"
	"github.com/jharris2268/osmquadtree/internal/idset"
	"github.com/jharris2268/osmquadtree/internal/pbffile"
	"github.com/jharris2268/osmquadtree/internal/quadtree"
	"github.com/jharris2268/osmquadtree/internal/repo"
)

const changeXML = `<?xml version="1.0" encoding="UTF-8"?>
<osmChange version="0.6" generator="test">
<create>
<node id="4" version="1" timestamp="2026-01-02T00:00:00Z" changeset="9" uid="1" user="alice" lon="90.1" lat="45.1"/>
</create>
<modify>
<way id="1" version="2" timestamp="2026-01-02T00:00:00Z" changeset="9" uid="1" user="alice">
<nd ref="3"/>
<nd ref="4"/>
<tag k="highway" v="residential"/>
</way>
</modify>
<delete>
<node id="2" version="2" timestamp="2026-01-02T00:00:00Z" changeset="9" uid="1" user="alice" lon="-90.0001" lat="45.0001"/>
</delete>
</osmChange>
`

func TestReadXMLChange(t *testing.T) {
	cb, err := ReadXMLChange(strings.NewReader(changeXML), false)
	if err != nil {
		t.Fatal(err)
	}
	if len(cb.Nodes) != 2 || len(cb.Ways) != 1 {
		t.Fatalf("%d nodes, %d ways", len(cb.Nodes), len(cb.Ways))
	}
	n4 := cb.Nodes[4]
	if n4.Changetype != elements.Create || n4.Lon != 901000000 || n4.Lat != 451000000 {
		t.Fatalf("node 4: %+v", n4)
	}
	if n4.Info.User != "alice" || n4.Info.Version != 1 || n4.Info.Timestamp == 0 {
		t.Fatalf("node 4 info: %+v", n4.Info)
	}
	if cb.Nodes[2].Changetype != elements.Delete {
		t.Fatal("node 2 should be a delete")
	}
	w := cb.Ways[1]
	if w.Changetype != elements.Modify || len(w.Refs) != 2 || w.Refs[0] != 3 || w.Refs[1] != 4 {
		t.Fatalf("way: %+v", w)
	}
	if len(w.Tags) != 1 || w.Tags[0].Key != "highway" {
		t.Fatalf("way tags: %+v", w.Tags)
	}
}

func TestPrepIdset(t *testing.T) {
	cb, err := ReadXMLChange(strings.NewReader(changeXML), false)
	if err != nil {
		t.Fatal(err)
	}
	ids := PrepIdset(cb)
	if !ids.ContainsWay(1) || !ids.ContainsNode(4) || !ids.ContainsNode(2) {
		t.Fatal("direct ids missing")
	}
	// node 3 is referenced by the modified way but not itself touched
	if !ids.ContainsExnode(3) || !ids.ContainsNode(3) {
		t.Fatal("exnode 3 missing")
	}
	if ids.ContainsExnode(4) {
		t.Fatal("node 4 is in the change set, not an exnode")
	}
}

// writeBaseStore lays out a two-tile sorted archive plus index sidecar and
// filelist: tile A holds nodes 1,2 and way 1; tile B holds node 3.
func writeBaseStore(t *testing.T, root string) (tileA, tileB quadtree.Quadtree) {
	t.Helper()
	var err error
	tileA, err = quadtree.FromString("A")
	if err != nil {
		t.Fatal(err)
	}
	tileB, err = quadtree.FromString("B")
	if err != nil {
		t.Fatal(err)
	}

	mk := func(id, lon, lat int64) elements.Node {
		return elements.Node{
			Common: elements.Common{ID: id,
				Info:     elements.Info{Version: 1, Timestamp: 1700000000},
				Quadtree: quadtree.FromPoint(lon, lat, updateMaxDepth, updateBuffer)},
			Lon: lon, Lat: lat,
		}
	}
	n1 := mk(1, -900000000, 450000000)
	n2 := mk(2, -900001000, 450001000)
	n3 := mk(3, 900000000, 450000000)

	wayQt := quadtree.FromBbox(quadtree.Bbox{
		Minlon: n2.Lon, Minlat: n1.Lat, Maxlon: n1.Lon, Maxlat: n2.Lat}, updateMaxDepth, updateBuffer)
	w1 := elements.Way{
		Common: elements.Common{ID: 1,
			Info:     elements.Info{Version: 1, Timestamp: 1700000000},
			Quadtree: wayQt},
		Refs: []int64{1, 2},
	}
	// way nodes carry their way's quadtree
	n1.Quadtree = wayQt
	n2.Quadtree = wayQt

	blockA := &elements.PrimitiveBlock{Quadtree: tileA,
		Nodes: []elements.Node{n1, n2}, Ways: []elements.Way{w1}}
	blockB := &elements.PrimitiveBlock{Quadtree: tileB, Nodes: []elements.Node{n3}}

	baseFn := "20260101.pbf"
	wf, err := pbffile.NewWriteFile(filepath.Join(root, baseFn), pbffile.HeaderInternalLocs, quadtree.Planet(), false)
	if err != nil {
		t.Fatal(err)
	}
	for _, blk := range []*elements.PrimitiveBlock{blockA, blockB} {
		data, err := blk.Pack(true, false)
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

	tiles, err := WriteIndexFile(filepath.Join(root, baseFn), filepath.Join(root, baseFn+"-index.pbf"))
	if err != nil {
		t.Fatal(err)
	}
	if tiles != 2 {
		t.Fatalf("index wrote %d tiles", tiles)
	}
	if err := repo.WriteFilelist(root, []repo.FilelistEntry{{
		Filename: baseFn, EndDate: "2026-01-01T00:00:00", NumTiles: tiles, State: 100}}); err != nil {
		t.Fatal(err)
	}
	return tileA, tileB
}

func TestCheckIndexFile(t *testing.T) {
	root := t.TempDir()
	tileA, tileB := writeBaseStore(t, root)

	ids := idset.NewSet()
	ids.AddWay(1)
	got, err := CheckIndexFile(filepath.Join(root, "20260101.pbf-index.pbf"), ids)
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 1 || got[0] != tileA {
		t.Fatalf("tiles %v", got)
	}

	ids2 := idset.NewSet()
	ids2.AddExnode(3)
	got2, err := CheckIndexFile(filepath.Join(root, "20260101.pbf-index.pbf"), ids2)
	if err != nil {
		t.Fatal(err)
	}
	if len(got2) != 1 || got2[0] != tileB {
		t.Fatalf("tiles %v", got2)
	}
}

func readChangeArchive(t *testing.T, fname string) map[quadtree.Quadtree]*elements.PrimitiveBlock {
	t.Helper()
	f, err := os.Open(fname)
	if err != nil {
		t.Fatal(err)
	}
	defer f.Close()
	res := map[quadtree.Quadtree]*elements.PrimitiveBlock{}
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
		blk, err := elements.ReadPrimitiveBlock(0, fb.Position, data, true)
		if err != nil {
			t.Fatal(err)
		}
		res[blk.Quadtree] = blk
	}
	return res
}

func TestFindUpdateWayMovesTile(t *testing.T) {
	root := t.TempDir()
	tileA, tileB := writeBaseStore(t, root)

	changeFn := filepath.Join(root, "change.osc")
	if err := os.WriteFile(changeFn, []byte(changeXML), 0644); err != nil {
		t.Fatal(err)
	}
	filelist, err := repo.ReadFilelist(root)
	if err != nil {
		t.Fatal(err)
	}

	tiles, err := FindUpdate(root, filelist, changeFn, 1700000000, 1700086400, "20260102.pbfc", 1)
	if err != nil {
		t.Fatal(err)
	}
	if tiles == 0 {
		t.Fatal("no tiles written")
	}

	blocks := readChangeArchive(t, filepath.Join(root, "20260102.pbfc"))

	// the modified way moved from tile A to tile B: a full Modify record in
	// B and a Remove tombstone in A
	var modifyTile, removeTile quadtree.Quadtree = quadtree.Empty, quadtree.Empty
	for qt, blk := range blocks {
		for _, w := range blk.Ways {
			if w.ID != 1 {
				continue
			}
			switch w.Changetype {
			case elements.Modify:
				modifyTile = qt
				if len(w.Refs) != 2 || w.Refs[0] != 3 {
					t.Errorf("modify record refs %v", w.Refs)
				}
			case elements.Remove:
				removeTile = qt
			}
		}
	}
	if modifyTile != tileB {
		t.Errorf("modify record in %v, want %v", modifyTile, tileB)
	}
	if removeTile != tileA {
		t.Errorf("remove record in %v, want %v", removeTile, tileA)
	}

	// the deleted node gets a tombstone in its old tile
	foundDelete := false
	for qt, blk := range blocks {
		for _, n := range blk.Nodes {
			if n.ID == 2 && n.Changetype == elements.Delete {
				foundDelete = true
				if qt != tileA {
					t.Errorf("delete record in %v, want %v", qt, tileA)
				}
			}
		}
	}
	if !foundDelete {
		t.Error("no delete record for node 2")
	}

	// the created node appears in tile B
	foundCreate := false
	for qt, blk := range blocks {
		for _, n := range blk.Nodes {
			if n.ID == 4 && n.Changetype == elements.Create {
				foundCreate = true
				if qt != tileB {
					t.Errorf("create record in %v, want %v", qt, tileB)
				}
			}
		}
	}
	if !foundCreate {
		t.Error("no create record for node 4")
	}

	// the archive header carries the tile index, marked as change data
	hb, _, err := pbffile.ReadHeader(filepath.Join(root, "20260102.pbfc"))
	if err != nil {
		t.Fatal(err)
	}
	if len(hb.Index) == 0 || !hb.Index[0].IsChange {
		t.Fatalf("header index %+v", hb.Index)
	}
}

func TestDropLastRefusesBase(t *testing.T) {
	root := t.TempDir()
	writeBaseStore(t, root)
	if err := DropLast(root); err == nil {
		t.Fatal("drop-last on a single-entry filelist must fail")
	}
}
