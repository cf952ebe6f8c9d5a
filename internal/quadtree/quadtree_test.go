package quadtree

import (
	"testing"
)

func TestCommonAlgebra(t *testing.T) {
	mk := func(s string) Quadtree {
		q, err := FromString(s)
		if err != nil {
			t.Fatal(err)
		}
		return q
	}
	a := mk("ABCD")
	b := mk("ABDA")
	if got := a.Common(b); got != mk("AB") {
		t.Errorf("common(ABCD,ABDA) = %v, want AB", got)
	}
	if a.Common(b) != b.Common(a) {
		t.Error("common not commutative")
	}
	if a.Common(a) != a {
		t.Error("common not idempotent")
	}
	if a.Common(Empty) != a || Empty.Common(a) != a {
		t.Error("empty not identity")
	}
	if got := a.Common(a.Round(2)); got != a.Round(2) {
		t.Errorf("common with own round = %v", got)
	}
	if d := a.Common(b).Depth(); d > a.Depth() || d > b.Depth() {
		t.Error("common deeper than operands")
	}
}

func TestRoundAndQuad(t *testing.T) {
	q, err := FromString("DCBA")
	if err != nil {
		t.Fatal(err)
	}
	if q.Depth() != 4 {
		t.Fatalf("depth = %d", q.Depth())
	}
	for i, want := range []int{3, 2, 1, 0} {
		if got := q.Quad(i); got != want {
			t.Errorf("quad(%d) = %d, want %d", i, got, want)
		}
	}
	if q.Round(2).String() != "DC" {
		t.Errorf("round(2) = %v", q.Round(2))
	}
	if q.Round(10) != q {
		t.Error("round beyond depth changed value")
	}
	if Root.Depth() != 0 || Root.String() != "0" {
		t.Error("root malformed")
	}
}

func TestStringRoundtrip(t *testing.T) {
	for _, s := range []string{"0", "A", "D", "ABCD", "DDDDDDDD", "NULL"} {
		q, err := FromString(s)
		if err != nil {
			t.Fatal(err)
		}
		if q.String() != s {
			t.Errorf("%q -> %v -> %q", s, int64(q), q.String())
		}
	}
	if _, err := FromString("AXB"); err == nil {
		t.Error("expected error for bad quadrant")
	}
}

func TestFromPointOrigin(t *testing.T) {
	// A point at (0,0) sits on the corner shared by all four children of the
	// root, so no child can contain it: the root tile wins.
	for _, buffer := range []float64{0, 0.05} {
		if got := FromPoint(0, 0, 18, buffer); got != Root {
			t.Errorf("FromPoint(0,0,18,%v) = %v, want root", buffer, got)
		}
	}
}

func TestFromPointContained(t *testing.T) {
	// London-ish
	lon, lat := int64(-1300000), int64(515000000)
	for _, d := range []int{4, 10, 18} {
		q := FromPoint(lon, lat, d, 0)
		if q.Depth() > d {
			t.Fatalf("depth %d exceeds max %d", q.Depth(), d)
		}
		cell := q.Cell()
		if !cell.Contains(lon, lat) {
			t.Errorf("point not inside own tile at depth %d: %v %v", d, q, cell)
		}
	}
}

func TestFromBboxContained(t *testing.T) {
	b := Bbox{Minlon: -15000000, Minlat: 495000000, Maxlon: 25000000, Maxlat: 540000000}
	q := FromBbox(b, 17, 0.05)
	if q < 0 {
		t.Fatal("empty quadtree for non-empty bbox")
	}
	cell := q.Cell()
	if !cell.Contains(b.Minlon, b.Minlat) || !cell.Contains(b.Maxlon, b.Maxlat) {
		t.Errorf("tile %v (%v) does not cover box %v", q, cell, b)
	}
	if FromBbox(EmptyBbox(), 17, 0.05) != Empty {
		t.Error("empty bbox should give empty quadtree")
	}
}

func TestFromBboxDeeperForSmaller(t *testing.T) {
	small := Bbox{Minlon: 1000000, Minlat: 1000000, Maxlon: 1000010, Maxlat: 1000010}
	q := FromBbox(small, 18, 0)
	if q.Depth() < 10 {
		t.Errorf("tiny bbox only reached depth %d", q.Depth())
	}
	qp := FromPoint(1000005, 1000005, 18, 0)
	if !q.IsParent(qp) {
		t.Errorf("point and covering box disagree: %v vs %v", qp, q)
	}
}

func TestParseBbox(t *testing.T) {
	b, err := ParseBbox("-1.5,49.5,2.5,54.0")
	if err != nil {
		t.Fatal(err)
	}
	want := Bbox{Minlon: -15000000, Minlat: 495000000, Maxlon: 25000000, Maxlat: 540000000}
	if b != want {
		t.Fatalf("got %+v, want %+v", b, want)
	}
	for _, bad := range []string{"", "1,2,3", "a,b,c,d", "3,3,1,1"} {
		if _, err := ParseBbox(bad); err == nil {
			t.Errorf("ParseBbox(%q): expected error", bad)
		}
	}
}

func TestBboxOps(t *testing.T) {
	b := EmptyBbox()
	if !b.IsEmpty() {
		t.Fatal("EmptyBbox not empty")
	}
	b.Expand(100, 200)
	b.Expand(-50, 500)
	want := Bbox{Minlon: -50, Minlat: 200, Maxlon: 100, Maxlat: 500}
	if b != want {
		t.Fatalf("got %+v", b)
	}
	if !b.Contains(0, 300) || b.Contains(200, 300) {
		t.Error("contains wrong")
	}
	if !b.Overlaps(Bbox{Minlon: 50, Minlat: 400, Maxlon: 500, Maxlat: 600}) {
		t.Error("overlap missed")
	}
	if b.Overlaps(Bbox{Minlon: 500, Minlat: 400, Maxlon: 600, Maxlat: 600}) {
		t.Error("false overlap")
	}
}

func TestIsParent(t *testing.T) {
	a, _ := FromString("AB")
	b, _ := FromString("ABCD")
	if !a.IsParent(b) {
		t.Error("AB should be parent of ABCD")
	}
	if b.IsParent(a) {
		t.Error("ABCD should not be parent of AB")
	}
	if !Root.IsParent(b) {
		t.Error("root parents everything")
	}
}
