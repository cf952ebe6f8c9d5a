package calcqts

import (
	"sort"

	"github.com/jharris2268/osmquadtree/internal/elements"
	"github.com/jharris2268/osmquadtree/internal/quadtree"
)

// A wayBoxStore accumulates, per way id, the bounding box of the nodes seen
// so far. The map variant suits extracts; the tiled flat variant keeps
// per-way overhead at sixteen bytes for planet-scale runs.
type wayBoxStore interface {
	Expand(way int64, lon, lat int64)
	Iter(fn func(way int64, box quadtree.Bbox) error) error
	Len() int
}

type wayBoxMap struct {
	boxes map[int64]*quadtree.Bbox
}

func newWayBoxMap() *wayBoxMap {
	return &wayBoxMap{boxes: map[int64]*quadtree.Bbox{}}
}

func (w *wayBoxMap) Expand(way int64, lon, lat int64) {
	b, ok := w.boxes[way]
	if !ok {
		e := quadtree.EmptyBbox()
		b = &e
		w.boxes[way] = b
	}
	b.Expand(lon, lat)
}

func (w *wayBoxMap) Iter(fn func(int64, quadtree.Bbox) error) error {
	ids := make([]int64, 0, len(w.boxes))
	for id := range w.boxes {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	for _, id := range ids {
		if err := fn(id, *w.boxes[id]); err != nil {
			return err
		}
	}
	return nil
}

func (w *wayBoxMap) Len() int { return len(w.boxes) }

// wayBoxVec stores boxes in tiles of int32 coordinate arrays indexed by way
// id. Coordinates fit int32 (fixed point, 1e-7 degree).
const wayBoxTileShift = 20
const wayBoxTileSize = 1 << wayBoxTileShift

type wayBoxTile struct {
	minLon, minLat, maxLon, maxLat []int32
}

func newWayBoxTile() *wayBoxTile {
	t := &wayBoxTile{
		minLon: make([]int32, wayBoxTileSize),
		minLat: make([]int32, wayBoxTileSize),
		maxLon: make([]int32, wayBoxTileSize),
		maxLat: make([]int32, wayBoxTileSize),
	}
	for i := 0; i < wayBoxTileSize; i++ {
		t.minLon[i] = wayBoxEmpty
		t.minLat[i] = wayBoxEmpty
		t.maxLon[i] = -wayBoxEmpty
		t.maxLat[i] = -wayBoxEmpty
	}
	return t
}

const wayBoxEmpty = int32(1800000001)

type wayBoxVec struct {
	tiles map[int64]*wayBoxTile
	count int
}

func newWayBoxVec() *wayBoxVec {
	return &wayBoxVec{tiles: map[int64]*wayBoxTile{}}
}

func (w *wayBoxVec) Expand(way int64, lon, lat int64) {
	k := way >> wayBoxTileShift
	t, ok := w.tiles[k]
	if !ok {
		t = newWayBoxTile()
		w.tiles[k] = t
	}
	i := way & (wayBoxTileSize - 1)
	if t.minLon[i] == wayBoxEmpty && t.maxLon[i] == -wayBoxEmpty {
		w.count++
	}
	lo, la := int32(lon), int32(lat)
	if lo < t.minLon[i] {
		t.minLon[i] = lo
	}
	if lo > t.maxLon[i] {
		t.maxLon[i] = lo
	}
	if la < t.minLat[i] {
		t.minLat[i] = la
	}
	if la > t.maxLat[i] {
		t.maxLat[i] = la
	}
}

func (w *wayBoxVec) Iter(fn func(int64, quadtree.Bbox) error) error {
	keys := make([]int64, 0, len(w.tiles))
	for k := range w.tiles {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool { return keys[i] < keys[j] })
	for _, k := range keys {
		t := w.tiles[k]
		for i := 0; i < wayBoxTileSize; i++ {
			if t.minLon[i] == wayBoxEmpty && t.maxLon[i] == -wayBoxEmpty {
				continue
			}
			box := quadtree.Bbox{
				Minlon: int64(t.minLon[i]), Minlat: int64(t.minLat[i]),
				Maxlon: int64(t.maxLon[i]), Maxlat: int64(t.maxLat[i]),
			}
			if err := fn(k<<wayBoxTileShift|int64(i), box); err != nil {
				return err
			}
		}
	}
	return nil
}

func (w *wayBoxVec) Len() int { return w.count }

// A qtStore maps element ids to calculated quadtrees.
type qtStore interface {
	Set(id int64, qt quadtree.Quadtree)
	Get(id int64) (quadtree.Quadtree, bool)
	Iter(fn func(id int64, qt quadtree.Quadtree) error) error
	Len() int
}

type qtMap struct {
	qts map[int64]quadtree.Quadtree
}

func newQtMap() *qtMap {
	return &qtMap{qts: map[int64]quadtree.Quadtree{}}
}

func (q *qtMap) Set(id int64, qt quadtree.Quadtree) { q.qts[id] = qt }

func (q *qtMap) Get(id int64) (quadtree.Quadtree, bool) {
	v, ok := q.qts[id]
	return v, ok
}

func (q *qtMap) Iter(fn func(int64, quadtree.Quadtree) error) error {
	ids := make([]int64, 0, len(q.qts))
	for id := range q.qts {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	for _, id := range ids {
		if err := fn(id, q.qts[id]); err != nil {
			return err
		}
	}
	return nil
}

func (q *qtMap) Len() int { return len(q.qts) }

// qtVec is the flat variant: tiles of int64 values indexed by id, Empty-1
// marking an unset slot.
type qtVec struct {
	tiles map[int64][]quadtree.Quadtree
	count int
}

func newQtVec() *qtVec {
	return &qtVec{tiles: map[int64][]quadtree.Quadtree{}}
}

func (q *qtVec) tile(k int64) []quadtree.Quadtree {
	t, ok := q.tiles[k]
	if !ok {
		t = make([]quadtree.Quadtree, wayBoxTileSize)
		for i := range t {
			t[i] = quadtree.Empty - 1
		}
		q.tiles[k] = t
	}
	return t
}

func (q *qtVec) Set(id int64, qt quadtree.Quadtree) {
	t := q.tile(id >> wayBoxTileShift)
	if t[id&(wayBoxTileSize-1)] == quadtree.Empty-1 {
		q.count++
	}
	t[id&(wayBoxTileSize-1)] = qt
}

func (q *qtVec) Get(id int64) (quadtree.Quadtree, bool) {
	t, ok := q.tiles[id>>wayBoxTileShift]
	if !ok {
		return quadtree.Empty, false
	}
	v := t[id&(wayBoxTileSize-1)]
	if v == quadtree.Empty-1 {
		return quadtree.Empty, false
	}
	return v, true
}

func (q *qtVec) Iter(fn func(int64, quadtree.Quadtree) error) error {
	keys := make([]int64, 0, len(q.tiles))
	for k := range q.tiles {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool { return keys[i] < keys[j] })
	for _, k := range keys {
		for i, v := range q.tiles[k] {
			if v == quadtree.Empty-1 {
				continue
			}
			if err := fn(k<<wayBoxTileShift|int64(i), v); err != nil {
				return err
			}
		}
	}
	return nil
}

func (q *qtVec) Len() int { return q.count }

// relMems keeps every relation's member references resident; relations are
// few compared to ways and nodes.
type relMems struct {
	ids []int64

	nodeRefs map[int64][]int
	wayRefs  map[int64][]int
	relRefs  []relRelRef
	qts      []quadtree.Quadtree
	empty    []bool
}

type relRelRef struct {
	rel int // index into ids
	ref int64
}

func newRelMems() *relMems {
	return &relMems{
		nodeRefs: map[int64][]int{},
		wayRefs:  map[int64][]int{},
	}
}

func (r *relMems) add(id int64, types []elements.ElementType, refs []int64) {
	idx := len(r.ids)
	r.ids = append(r.ids, id)
	r.qts = append(r.qts, quadtree.Empty)
	r.empty = append(r.empty, len(refs) == 0)
	for i := range refs {
		switch types[i] {
		case elements.NodeType:
			r.nodeRefs[refs[i]] = append(r.nodeRefs[refs[i]], idx)
		case elements.WayType:
			r.wayRefs[refs[i]] = append(r.wayRefs[refs[i]], idx)
		case elements.RelationType:
			r.relRefs = append(r.relRefs, relRelRef{rel: idx, ref: refs[i]})
		}
	}
}

func (r *relMems) expand(idx int, q quadtree.Quadtree) {
	r.qts[idx] = r.qts[idx].Common(q)
}
