package quadtree

import (
	"fmt"
	"math"
	"strconv"
	"strings"

	"golang.org/x/xerrors"
)

// A Bbox is an axis-aligned box in fixed-point coordinates (units of 1e-7
// degree). An empty box has min greater than max.
type Bbox struct {
	Minlon, Minlat, Maxlon, Maxlat int64
}

const bboxSentinel = 1800000001

func EmptyBbox() Bbox {
	return Bbox{bboxSentinel, bboxSentinel, -bboxSentinel, -bboxSentinel}
}

// Planet covers the whole usable coordinate range.
func Planet() Bbox {
	return Bbox{-1800000000, -900000000, 1800000000, 900000000}
}

func (b Bbox) IsEmpty() bool {
	return b.Minlon > b.Maxlon || b.Minlat > b.Maxlat
}

func (b *Bbox) Expand(lon, lat int64) {
	if lon < b.Minlon {
		b.Minlon = lon
	}
	if lon > b.Maxlon {
		b.Maxlon = lon
	}
	if lat < b.Minlat {
		b.Minlat = lat
	}
	if lat > b.Maxlat {
		b.Maxlat = lat
	}
}

func (b *Bbox) ExpandBox(o Bbox) {
	if o.IsEmpty() {
		return
	}
	b.Expand(o.Minlon, o.Minlat)
	b.Expand(o.Maxlon, o.Maxlat)
}

func (b Bbox) Contains(lon, lat int64) bool {
	return lon >= b.Minlon && lon <= b.Maxlon && lat >= b.Minlat && lat <= b.Maxlat
}

func (b Bbox) Overlaps(o Bbox) bool {
	if b.IsEmpty() || o.IsEmpty() {
		return false
	}
	return b.Minlon <= o.Maxlon && o.Minlon <= b.Maxlon && b.Minlat <= o.Maxlat && o.Minlat <= b.Maxlat
}

func (b Bbox) String() string {
	return fmt.Sprintf("[%0.5f, %0.5f, %0.5f, %0.5f]",
		float64(b.Minlon)*1e-7, float64(b.Minlat)*1e-7,
		float64(b.Maxlon)*1e-7, float64(b.Maxlat)*1e-7)
}

// ParseBbox parses "minlon,minlat,maxlon,maxlat" given in degrees.
func ParseBbox(s string) (Bbox, error) {
	parts := strings.Split(s, ",")
	if len(parts) != 4 {
		return Bbox{}, xerrors.Errorf("bbox %q: expected four comma-separated values", s)
	}
	var vals [4]int64
	for i, p := range parts {
		f, err := strconv.ParseFloat(strings.TrimSpace(p), 64)
		if err != nil {
			return Bbox{}, xerrors.Errorf("bbox %q: %w", s, err)
		}
		vals[i] = int64(math.Round(f * 1e7))
	}
	b := Bbox{vals[0], vals[1], vals[2], vals[3]}
	if b.IsEmpty() {
		return Bbox{}, xerrors.Errorf("bbox %q: min exceeds max", s)
	}
	return b, nil
}
