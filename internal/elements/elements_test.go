package elements

import (
	"testing"

	"github.com/google/go-cmp/cmp"

	"github.com/jharris2268/osmquadtree/internal/quadtree"
)

func testBlock() *PrimitiveBlock {
	qt, _ := quadtree.FromString("AB")
	return &PrimitiveBlock{
		Quadtree:  qt,
		StartDate: 1000,
		EndDate:   2000,
		Nodes: []Node{
			{
				Common: Common{
					ID:       101,
					Info:     Info{Version: 2, Timestamp: 1500000000, Changeset: 55, UserID: 7, User: "alice"},
					Tags:     []Tag{{"amenity", "pub"}, {"name", "The Swan"}},
					Quadtree: qt,
				},
				Lon: -1300000, Lat: 515000000,
			},
			{
				Common: Common{
					ID:       102,
					Info:     Info{Version: 1, Timestamp: 1500000100, Changeset: 55, UserID: 7, User: "alice"},
					Quadtree: qt,
				},
				Lon: -1310000, Lat: 515100000,
			},
		},
		Ways: []Way{
			{
				Common: Common{
					ID:       201,
					Info:     Info{Version: 3, Timestamp: 1400000000, Changeset: 44, UserID: 9, User: "bob"},
					Tags:     []Tag{{"highway", "residential"}},
					Quadtree: qt,
				},
				Refs: []int64{101, 102},
			},
		},
		Relations: []Relation{
			{
				Common: Common{
					ID:       301,
					Info:     Info{Version: 1, Timestamp: 1300000000, Changeset: 33, UserID: 9, User: "bob"},
					Tags:     []Tag{{"type", "route"}},
					Quadtree: qt,
				},
				Members: []Member{
					{Role: "outer", Type: WayType, Ref: 201},
					{Role: "", Type: NodeType, Ref: 101},
				},
			},
		},
	}
}

func TestPrimitiveBlockRoundtrip(t *testing.T) {
	blk := testBlock()
	data, err := blk.Pack(true, false)
	if err != nil {
		t.Fatal(err)
	}
	got, err := ReadPrimitiveBlock(0, 0, data, false)
	if err != nil {
		t.Fatal(err)
	}
	if diff := cmp.Diff(blk, got); diff != "" {
		t.Fatalf("roundtrip mismatch (-want +got):\n%s", diff)
	}
}

func TestEmptyBlockRoundtrip(t *testing.T) {
	blk := &PrimitiveBlock{Quadtree: quadtree.Root}
	data, err := blk.Pack(true, false)
	if err != nil {
		t.Fatal(err)
	}
	if len(data) == 0 {
		t.Fatal("empty block packed to nothing")
	}
	got, err := ReadPrimitiveBlock(0, 0, data, false)
	if err != nil {
		t.Fatal(err)
	}
	if got.Len() != 0 || got.Quadtree != quadtree.Root {
		t.Fatalf("got %+v", got)
	}
}

func TestChangeBlockRoundtrip(t *testing.T) {
	blk := testBlock()
	blk.Nodes[0].Changetype = Modify
	blk.Nodes[1].Changetype = Delete
	blk.Ways[0].Changetype = Create
	blk.Relations[0].Changetype = Remove

	data, err := blk.Pack(true, true)
	if err != nil {
		t.Fatal(err)
	}
	got, err := ReadPrimitiveBlock(0, 0, data, true)
	if err != nil {
		t.Fatal(err)
	}
	got.SortByID()
	byID := map[int64]Changetype{}
	for _, n := range got.Nodes {
		byID[n.ID] = n.Changetype
	}
	for _, w := range got.Ways {
		byID[w.ID] = w.Changetype
	}
	for _, r := range got.Relations {
		byID[r.ID] = r.Changetype
	}
	want := map[int64]Changetype{101: Modify, 102: Delete, 201: Create, 301: Remove}
	if diff := cmp.Diff(want, byID); diff != "" {
		t.Fatalf("changetypes mismatch (-want +got):\n%s", diff)
	}

	// reading the same bytes as a non-change block flattens everything back
	// to Normal
	plain, err := ReadPrimitiveBlock(0, 0, data, false)
	if err != nil {
		t.Fatal(err)
	}
	for _, n := range plain.Nodes {
		if n.Changetype != Normal {
			t.Fatalf("non-change read kept changetype %v", n.Changetype)
		}
	}
}

type waysOnly struct{}

func (waysOnly) ContainsNode(int64) bool     { return false }
func (waysOnly) ContainsWay(int64) bool      { return true }
func (waysOnly) ContainsRelation(int64) bool { return false }

func TestReadCheckIDs(t *testing.T) {
	blk := testBlock()
	data, err := blk.Pack(true, false)
	if err != nil {
		t.Fatal(err)
	}
	got, err := ReadCheckIDs(0, 0, data, false, waysOnly{})
	if err != nil {
		t.Fatal(err)
	}
	if len(got.Nodes) != 0 || len(got.Relations) != 0 || len(got.Ways) != 1 {
		t.Fatalf("filter failed: %d/%d/%d", len(got.Nodes), len(got.Ways), len(got.Relations))
	}
}

func TestMinimalBlockRead(t *testing.T) {
	blk := testBlock()
	data, err := blk.Pack(true, false)
	if err != nil {
		t.Fatal(err)
	}
	mb, err := ReadMinimalBlock(0, 0, data)
	if err != nil {
		t.Fatal(err)
	}
	if len(mb.Nodes) != 2 || len(mb.Ways) != 1 || len(mb.Relations) != 1 {
		t.Fatalf("got %d/%d/%d", len(mb.Nodes), len(mb.Ways), len(mb.Relations))
	}
	if mb.Nodes[0].ID != 101 || mb.Nodes[0].Lon != -1300000 || mb.Nodes[0].Version != 2 {
		t.Fatalf("node mismatch: %+v", mb.Nodes[0])
	}
	refs, err := mb.Ways[0].Refs()
	if err != nil {
		t.Fatal(err)
	}
	if diff := cmp.Diff([]int64{101, 102}, refs); diff != "" {
		t.Fatalf("refs mismatch:\n%s", diff)
	}
	types, mrefs, err := mb.Relations[0].Members()
	if err != nil {
		t.Fatal(err)
	}
	if types[0] != WayType || mrefs[0] != 201 || types[1] != NodeType || mrefs[1] != 101 {
		t.Fatalf("members mismatch: %v %v", types, mrefs)
	}

	onlyWays, err := ReadMinimalBlockParts(0, 0, data, ReadParts{Ways: true})
	if err != nil {
		t.Fatal(err)
	}
	if len(onlyWays.Nodes) != 0 || len(onlyWays.Ways) != 1 {
		t.Fatal("parts filter failed")
	}
}

func TestQuadtreeBlockRoundtrip(t *testing.T) {
	qa, _ := quadtree.FromString("A")
	qb, _ := quadtree.FromString("BC")
	blk := &QuadtreeBlock{}
	blk.AddNode(5, qa)
	blk.AddNode(3, qb)
	blk.AddWay(7, qa)
	blk.AddRelation(9, quadtree.Root)

	got, err := UnpackQuadtreeBlock(0, 0, blk.Pack())
	if err != nil {
		t.Fatal(err)
	}
	want := &QuadtreeBlock{
		Nodes:     []IDQuadtree{{3, qb}, {5, qa}},
		Ways:      []IDQuadtree{{7, qa}},
		Relations: []IDQuadtree{{9, quadtree.Root}},
	}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Fatalf("roundtrip mismatch (-want +got):\n%s", diff)
	}
}

func TestCommonOrdering(t *testing.T) {
	a := Common{ID: 1, Info: Info{Version: 1}}
	b := Common{ID: 1, Info: Info{Version: 2}}
	c := Common{ID: 1, Info: Info{Version: 2}, Changetype: Delete}
	d := Common{ID: 2}
	if !a.Less(&b) || !b.Less(&c) || !c.Less(&d) || b.Less(&a) {
		t.Fatal("ordering wrong")
	}
}
