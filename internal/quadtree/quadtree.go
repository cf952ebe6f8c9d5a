// Package quadtree implements the hierarchical spatial key used to name
// tiles on the quad-recursive subdivision of the web-mercator plane.
//
// A value packs the tile depth (0 to 31) into the low five bits and the
// two-bit quadrant choices into the bits above, aligned at bit 61 so that
// truncating a key to a shallower depth is a mask. Negative values mean "no
// tile"; Empty (-1) is the canonical null.
package quadtree

import (
	"math"
	"strings"

	"golang.org/x/xerrors"
)

type Quadtree int64

const (
	Empty Quadtree = -1
	Root  Quadtree = 0
)

// Depth is the tile depth, 0 to 31.
func (q Quadtree) Depth() int {
	return int(q & 31)
}

// Quad is the quadrant taken at level i (0-based from the root): 0 top-left,
// 1 top-right, 2 bottom-left, 3 bottom-right.
func (q Quadtree) Quad(i int) int {
	return int((q >> uint(61-2*(i+1))) & 3)
}

// Round truncates to depth min(q.Depth(), d).
func (q Quadtree) Round(d int) Quadtree {
	if q < 0 {
		return q
	}
	if d >= q.Depth() {
		return q
	}
	shift := uint(61 - 2*d)
	return (q>>shift)<<shift | Quadtree(d)
}

// Common is the deepest tile containing both q and other. Empty is the
// identity.
func (q Quadtree) Common(other Quadtree) Quadtree {
	if q < 0 {
		return other
	}
	if other < 0 {
		return q
	}
	d := q.Depth()
	if od := other.Depth(); od < d {
		d = od
	}
	i := 0
	for i < d && q.Quad(i) == other.Quad(i) {
		i++
	}
	return q.Round(i)
}

// IsParent reports whether q is other or an ancestor of other.
func (q Quadtree) IsParent(other Quadtree) bool {
	if q < 0 || other < 0 {
		return false
	}
	return other.Round(q.Depth()) == q
}

func (q Quadtree) String() string {
	if q < 0 {
		return "NULL"
	}
	var sb strings.Builder
	for i := 0; i < q.Depth(); i++ {
		sb.WriteByte(byte('A' + q.Quad(i)))
	}
	if sb.Len() == 0 {
		return "0"
	}
	return sb.String()
}

// FromString parses the letter form produced by String.
func FromString(s string) (Quadtree, error) {
	switch s {
	case "NULL":
		return Empty, nil
	case "0", "":
		return Root, nil
	}
	q := Quadtree(0)
	for i, c := range s {
		if c < 'A' || c > 'D' {
			return Empty, xerrors.Errorf("quadtree: bad quadrant %q in %q", c, s)
		}
		q |= Quadtree(c-'A') << uint(61-2*(i+1))
	}
	return q | Quadtree(len(s)), nil
}

func mercator(latDeg float64) float64 {
	return math.Log(math.Tan(math.Pi*(1.0+latDeg/90.0)/4.0)) * 90.0 / math.Pi
}

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}

// toXY maps fixed-point coordinates (units of 1e-7 degree) onto the unit
// square, y increasing southwards.
func toXY(lon, lat int64) (float64, float64) {
	x := float64(lon)*1e-7/360.0 + 0.5
	y := 0.5 - mercator(float64(lat)*1e-7)/360.0
	return clamp01(x), clamp01(y)
}

// FromPoint descends from the root into whichever child contains the point
// expanded by buffer times the tile width, stopping at maxDepth or when the
// buffered point straddles children.
func FromPoint(lon, lat int64, maxDepth int, buffer float64) Quadtree {
	x, y := toXY(lon, lat)
	return descend(x, y, x, y, maxDepth, buffer)
}

// FromBbox descends while the buffered box fits entirely within one child.
// An empty box yields Empty.
func FromBbox(b Bbox, maxDepth int, buffer float64) Quadtree {
	if b.IsEmpty() {
		return Empty
	}
	mx, My := toXY(b.Minlon, b.Minlat)
	Mx, my := toXY(b.Maxlon, b.Maxlat)
	return descend(mx, my, Mx, My, maxDepth, buffer)
}

func descend(mx, my, Mx, My float64, maxDepth int, buffer float64) Quadtree {
	if maxDepth > 31 {
		maxDepth = 31
	}
	x0, y0 := 0.0, 0.0
	w := 1.0
	q := Quadtree(0)
	for d := 0; d < maxDepth; d++ {
		bf := buffer * w
		cx, cy := x0+w/2, y0+w/2
		var qx, qy int
		switch {
		case Mx+bf < cx:
			qx = 0
		case mx-bf > cx:
			qx = 1
		default:
			return q
		}
		switch {
		case My+bf < cy:
			qy = 0
		case my-bf > cy:
			qy = 1
		default:
			return q
		}
		quad := qx | qy<<1
		q |= Quadtree(quad) << uint(61-2*(d+1))
		q = q&^31 | Quadtree(d+1)
		if qx == 1 {
			x0 = cx
		}
		if qy == 1 {
			y0 = cy
		}
		w /= 2
	}
	return q
}

// Cell is the tile extent in fixed-point coordinates, for tests and for the
// bbox filters.
func (q Quadtree) Cell() Bbox {
	if q < 0 {
		return EmptyBbox()
	}
	x0, y0 := 0.0, 0.0
	w := 1.0
	for i := 0; i < q.Depth(); i++ {
		v := q.Quad(i)
		w /= 2
		if v&1 != 0 {
			x0 += w
		}
		if v&2 != 0 {
			y0 += w
		}
	}
	minlon := int64(math.Round((x0 - 0.5) * 360.0 * 1e7))
	maxlon := int64(math.Round((x0 + w - 0.5) * 360.0 * 1e7))
	// y grows southwards
	maxlat := int64(math.Round(unMercator((0.5-y0)*360.0) * 1e7))
	minlat := int64(math.Round(unMercator((0.5-y0-w)*360.0) * 1e7))
	return Bbox{Minlon: minlon, Minlat: minlat, Maxlon: maxlon, Maxlat: maxlat}
}

func unMercator(y float64) float64 {
	return (math.Atan(math.Exp(y*math.Pi/90.0))*4.0/math.Pi - 1.0) * 90.0
}
