// Package mergechanges merges a base archive with its supplemental diffs
// into a single filtered output: for every id the element from the newest
// archive wins, deletions drop out, and a bounding box or polygon keeps only
// the spatially relevant elements.
package mergechanges

import (
	"os"
	"strconv"
	"strings"

	"github.com/paulmach/orb"
	"github.com/paulmach/orb/planar"
	"golang.org/x/xerrors"

	"github.com/jharris2268/osmquadtree/internal/quadtree"
)

// A SpatialFilter accepts node positions. A filter with no polygon and an
// empty Bbox (quadtree.EmptyBbox) accepts all; the zero value's Bbox is the
// single point (0,0), not an empty box.
type SpatialFilter struct {
	Bbox quadtree.Bbox
	Poly orb.Polygon
}

func (f *SpatialFilter) All() bool {
	return f.Poly == nil && f.Bbox.IsEmpty()
}

func (f *SpatialFilter) ContainsPoint(lon, lat int64) bool {
	if f.Poly != nil {
		return planar.PolygonContains(f.Poly, orb.Point{float64(lon) * 1e-7, float64(lat) * 1e-7})
	}
	if f.Bbox.IsEmpty() {
		return true
	}
	return f.Bbox.Contains(lon, lat)
}

// OverlapsTile decides whether a tile is worth reading at all.
func (f *SpatialFilter) OverlapsTile(qt quadtree.Quadtree) bool {
	box := f.filterBox()
	if box.IsEmpty() {
		return true
	}
	return qt.Cell().Overlaps(box)
}

func (f *SpatialFilter) filterBox() quadtree.Bbox {
	if f.Poly != nil {
		b := quadtree.EmptyBbox()
		bound := f.Poly.Bound()
		b.Expand(int64(bound.Min[0]*1e7), int64(bound.Min[1]*1e7))
		b.Expand(int64(bound.Max[0]*1e7), int64(bound.Max[1]*1e7))
		return b
	}
	return f.Bbox
}

// ReadPolyFile parses the Osmosis .poly format: a name line, one or more
// sections of "lon lat" vertex lines, END after each section and after the
// file. Only the outer ring of the first section is used.
func ReadPolyFile(fname string) (orb.Polygon, error) {
	data, err := os.ReadFile(fname)
	if err != nil {
		return nil, err
	}
	var ring orb.Ring
	first := true
	inSection := false
	for _, raw := range strings.Split(string(data), "\n") {
		line := strings.TrimSpace(raw)
		if line == "" {
			continue
		}
		switch {
		case first:
			first = false
		case line == "END":
			if inSection {
				inSection = false
				if len(ring) >= 3 {
					if ring[0] != ring[len(ring)-1] {
						ring = append(ring, ring[0])
					}
					return orb.Polygon{ring}, nil
				}
				ring = nil
			}
		case !inSection:
			// section name line
			inSection = true
		default:
			fields := strings.Fields(line)
			if len(fields) != 2 {
				return nil, xerrors.Errorf("poly file %s: bad vertex line %q", fname, line)
			}
			lon, err1 := strconv.ParseFloat(fields[0], 64)
			lat, err2 := strconv.ParseFloat(fields[1], 64)
			if err1 != nil || err2 != nil {
				return nil, xerrors.Errorf("poly file %s: bad vertex line %q", fname, line)
			}
			ring = append(ring, orb.Point{lon, lat})
		}
	}
	return nil, xerrors.Errorf("poly file %s: no usable ring", fname)
}
