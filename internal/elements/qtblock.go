package elements

import (
	"sort"

	"golang.org/x/xerrors"

	"github.com/jharris2268/osmquadtree/internal/quadtree"
	"github.com/jharris2268/osmquadtree/pb"
)

// IDQuadtree pairs an element id with its calculated quadtree.
type IDQuadtree struct {
	ID       int64
	Quadtree quadtree.Quadtree
}

// A QuadtreeBlock is one block of a .qts.pbf file: three (id, quadtree)
// lists, one per element kind.
type QuadtreeBlock struct {
	Index     int64
	Position  uint64
	Nodes     []IDQuadtree
	Ways      []IDQuadtree
	Relations []IDQuadtree
}

func (qb *QuadtreeBlock) Len() int {
	return len(qb.Nodes) + len(qb.Ways) + len(qb.Relations)
}

func (qb *QuadtreeBlock) AddNode(id int64, q quadtree.Quadtree) {
	qb.Nodes = append(qb.Nodes, IDQuadtree{id, q})
}
func (qb *QuadtreeBlock) AddWay(id int64, q quadtree.Quadtree) {
	qb.Ways = append(qb.Ways, IDQuadtree{id, q})
}
func (qb *QuadtreeBlock) AddRelation(id int64, q quadtree.Quadtree) {
	qb.Relations = append(qb.Relations, IDQuadtree{id, q})
}

// Pack encodes the block as an OSMData payload: nodes dense, ways and
// relations as minimal element messages. Each list is sorted by id first.
func (qb *QuadtreeBlock) Pack() []byte {
	var res []byte
	if len(qb.Nodes) > 0 {
		sortIDQuadtree(qb.Nodes)
		res = pb.PackData(res, 2, qb.packNodes())
	}
	if len(qb.Ways) > 0 {
		sortIDQuadtree(qb.Ways)
		res = pb.PackData(res, 2, packIDQuadtrees(qb.Ways, 3))
	}
	if len(qb.Relations) > 0 {
		sortIDQuadtree(qb.Relations)
		res = pb.PackData(res, 2, packIDQuadtrees(qb.Relations, 4))
	}
	return res
}

func sortIDQuadtree(v []IDQuadtree) {
	sort.Slice(v, func(i, j int) bool { return v[i].ID < v[j].ID })
}

func (qb *QuadtreeBlock) packNodes() []byte {
	ids := make([]int64, len(qb.Nodes))
	qts := make([]int64, len(qb.Nodes))
	zeros := make([]int64, len(qb.Nodes))
	for i, n := range qb.Nodes {
		ids[i] = n.ID
		qts[i] = int64(n.Quadtree)
	}
	var d []byte
	d = pb.PackData(d, 1, pb.PackDeltaInt(ids))
	d = pb.PackData(d, 8, pb.PackDeltaInt(zeros))
	d = pb.PackData(d, 9, pb.PackDeltaInt(zeros))
	d = pb.PackData(d, 20, pb.PackDeltaInt(qts))
	return pb.PackData(nil, 2, d)
}

func packIDQuadtrees(vals []IDQuadtree, field uint64) []byte {
	var res []byte
	for _, v := range vals {
		var e []byte
		e = pb.PackValue(e, 1, uint64(v.ID))
		e = pb.PackValue(e, 20, pb.ZigZag(int64(v.Quadtree)))
		res = pb.PackData(res, field, e)
	}
	return res
}

// UnpackQuadtreeBlock decodes a block written by Pack.
func UnpackQuadtreeBlock(index int64, pos uint64, data []byte) (*QuadtreeBlock, error) {
	res := &QuadtreeBlock{Index: index, Position: pos}
	it := pb.NewIter(data)
	for it.Next() {
		t := it.Tag()
		if t.Field != 2 || !t.IsData {
			continue
		}
		it2 := pb.NewIter(t.Data)
		for it2.Next() {
			t2 := it2.Tag()
			if !t2.IsData {
				continue
			}
			var err error
			switch t2.Field {
			case 1:
				var v IDQuadtree
				if v, err = unpackIDQuadtree(t2.Data); err == nil {
					res.Nodes = append(res.Nodes, v)
				}
			case 2:
				err = unpackDenseIDQuadtree(&res.Nodes, t2.Data)
			case 3:
				var v IDQuadtree
				if v, err = unpackIDQuadtree(t2.Data); err == nil {
					res.Ways = append(res.Ways, v)
				}
			case 4:
				var v IDQuadtree
				if v, err = unpackIDQuadtree(t2.Data); err == nil {
					res.Relations = append(res.Relations, v)
				}
			}
			if err != nil {
				return nil, xerrors.Errorf("quadtree block at %d: %w", pos, err)
			}
		}
		if err := it2.Err(); err != nil {
			return nil, err
		}
	}
	return res, it.Err()
}

func unpackIDQuadtree(data []byte) (IDQuadtree, error) {
	res := IDQuadtree{Quadtree: quadtree.Empty}
	found := false
	it := pb.NewIter(data)
	for it.Next() {
		t := it.Tag()
		if t.IsData {
			continue
		}
		switch t.Field {
		case 1:
			res.ID = int64(t.Value)
			found = true
		case 20:
			res.Quadtree = quadtree.Quadtree(pb.UnZigZag(t.Value))
		}
	}
	if err := it.Err(); err != nil {
		return res, err
	}
	if !found {
		return res, xerrors.New("quadtree block entry without id")
	}
	if res.Quadtree == quadtree.Empty {
		return res, xerrors.Errorf("quadtree block entry %d without quadtree", res.ID)
	}
	return res, nil
}

func unpackDenseIDQuadtree(out *[]IDQuadtree, data []byte) error {
	var ids, qts []int64
	it := pb.NewIter(data)
	for it.Next() {
		t := it.Tag()
		if !t.IsData {
			continue
		}
		var err error
		switch t.Field {
		case 1:
			ids, err = pb.ReadDeltaPackedInt(t.Data)
		case 20:
			qts, err = pb.ReadDeltaPackedInt(t.Data)
		}
		if err != nil {
			return err
		}
	}
	if err := it.Err(); err != nil {
		return err
	}
	if len(ids) == 0 {
		return xerrors.New("dense quadtree entries without ids")
	}
	if len(ids) != len(qts) {
		return xerrors.Errorf("dense quadtree entries: %d ids but %d quadtrees", len(ids), len(qts))
	}
	for i := range ids {
		*out = append(*out, IDQuadtree{ids[i], quadtree.Quadtree(qts[i])})
	}
	return nil
}
