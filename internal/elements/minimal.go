package elements

import (
	"golang.org/x/xerrors"

	"github.com/jharris2268/osmquadtree/internal/quadtree"
	"github.com/jharris2268/osmquadtree/pb"
)

// The minimal representations skip tag and user decoding and keep child refs
// as raw packed bytes. Quadtree calculation and counting run over these.
type MinimalNode struct {
	ID        int64
	Version   int64
	Timestamp int64
	Quadtree  quadtree.Quadtree
	Lon, Lat  int64
}

type MinimalWay struct {
	ID        int64
	Version   int64
	Timestamp int64
	Quadtree  quadtree.Quadtree
	RefsData  []byte
}

// Refs decodes the packed node refs.
func (w *MinimalWay) Refs() ([]int64, error) {
	return pb.ReadDeltaPackedInt(w.RefsData)
}

type MinimalRelation struct {
	ID        int64
	Version   int64
	Timestamp int64
	Quadtree  quadtree.Quadtree
	TypesData []byte
	RefsData  []byte
}

// Members decodes the packed member types and refs.
func (r *MinimalRelation) Members() ([]ElementType, []int64, error) {
	types, err := pb.ReadPackedInt(r.TypesData)
	if err != nil {
		return nil, nil, err
	}
	refs, err := pb.ReadDeltaPackedInt(r.RefsData)
	if err != nil {
		return nil, nil, err
	}
	if len(types) != len(refs) {
		return nil, nil, xerrors.Errorf("relation %d: %d member types but %d refs", r.ID, len(types), len(refs))
	}
	res := make([]ElementType, len(types))
	for i, t := range types {
		res[i] = ElementType(t)
	}
	return res, refs, nil
}

type MinimalBlock struct {
	Index     int64
	Position  uint64
	Quadtree  quadtree.Quadtree
	StartDate int64
	EndDate   int64
	Nodes     []MinimalNode
	Ways      []MinimalWay
	Relations []MinimalRelation
}

func (mb *MinimalBlock) Len() int {
	return len(mb.Nodes) + len(mb.Ways) + len(mb.Relations)
}

// ReadParts controls which element kinds ReadMinimalBlockParts decodes.
type ReadParts struct {
	Nodes, Ways, Relations bool
}

func ReadMinimalBlock(index int64, pos uint64, data []byte) (*MinimalBlock, error) {
	return ReadMinimalBlockParts(index, pos, data, ReadParts{true, true, true})
}

func ReadMinimalBlockParts(index int64, pos uint64, data []byte, parts ReadParts) (*MinimalBlock, error) {
	res := &MinimalBlock{Index: index, Position: pos, Quadtree: quadtree.Empty}
	var groups [][]byte

	it := pb.NewIter(data)
	for it.Next() {
		t := it.Tag()
		switch {
		case t.Field == 1 && t.IsData:
			// string table, unused here
		case t.Field == 2 && t.IsData:
			groups = append(groups, t.Data)
		case t.Field == 32 && !t.IsData:
			res.Quadtree = quadtree.Quadtree(pb.UnZigZag(t.Value))
		case t.Field == 33 && !t.IsData:
			res.StartDate = int64(t.Value)
		case t.Field == 34 && !t.IsData:
			res.EndDate = int64(t.Value)
		default:
			return nil, xerrors.Errorf("minimal block at %d: unexpected field %d", pos, t.Field)
		}
	}
	if err := it.Err(); err != nil {
		return nil, xerrors.Errorf("minimal block at %d: %w", pos, err)
	}

	for _, g := range groups {
		if err := res.readGroup(g, parts); err != nil {
			return nil, xerrors.Errorf("minimal block at %d: %w", pos, err)
		}
	}
	return res, nil
}

func (res *MinimalBlock) readGroup(data []byte, parts ReadParts) error {
	it := pb.NewIter(data)
	for it.Next() {
		t := it.Tag()
		if !t.IsData {
			continue
		}
		var err error
		switch t.Field {
		case 1:
			if parts.Nodes {
				err = res.readNode(t.Data)
			}
		case 2:
			if parts.Nodes {
				err = res.readDense(t.Data)
			}
		case 3:
			if parts.Ways {
				err = res.readWay(t.Data)
			}
		case 4:
			if parts.Relations {
				err = res.readRelation(t.Data)
			}
		}
		if err != nil {
			return err
		}
	}
	return it.Err()
}

func readMinimalInfo(data []byte) (version, timestamp int64) {
	it := pb.NewIter(data)
	for it.Next() {
		t := it.Tag()
		if t.IsData {
			continue
		}
		switch t.Field {
		case 1:
			version = int64(t.Value)
		case 2:
			timestamp = int64(t.Value)
		}
	}
	return
}

func (res *MinimalBlock) readNode(data []byte) error {
	var nd MinimalNode
	nd.Quadtree = quadtree.Empty
	it := pb.NewIter(data)
	for it.Next() {
		t := it.Tag()
		switch t.Field {
		case 1:
			nd.ID = int64(t.Value)
		case 4:
			if t.IsData {
				nd.Version, nd.Timestamp = readMinimalInfo(t.Data)
			}
		case 7:
			nd.Lat = int64(t.Value)
		case 8:
			nd.Lon = int64(t.Value)
		case 20:
			nd.Quadtree = quadtree.Quadtree(pb.UnZigZag(t.Value))
		}
	}
	if err := it.Err(); err != nil {
		return err
	}
	res.Nodes = append(res.Nodes, nd)
	return nil
}

func (res *MinimalBlock) readWay(data []byte) error {
	var wy MinimalWay
	wy.Quadtree = quadtree.Empty
	it := pb.NewIter(data)
	for it.Next() {
		t := it.Tag()
		switch t.Field {
		case 1:
			wy.ID = int64(t.Value)
		case 4:
			if t.IsData {
				wy.Version, wy.Timestamp = readMinimalInfo(t.Data)
			}
		case 8:
			if t.IsData {
				wy.RefsData = append([]byte(nil), t.Data...)
			}
		case 20:
			wy.Quadtree = quadtree.Quadtree(pb.UnZigZag(t.Value))
		}
	}
	if err := it.Err(); err != nil {
		return err
	}
	res.Ways = append(res.Ways, wy)
	return nil
}

func (res *MinimalBlock) readRelation(data []byte) error {
	var rl MinimalRelation
	rl.Quadtree = quadtree.Empty
	it := pb.NewIter(data)
	for it.Next() {
		t := it.Tag()
		switch t.Field {
		case 1:
			rl.ID = int64(t.Value)
		case 4:
			if t.IsData {
				rl.Version, rl.Timestamp = readMinimalInfo(t.Data)
			}
		case 9:
			if t.IsData {
				rl.RefsData = append([]byte(nil), t.Data...)
			}
		case 10:
			if t.IsData {
				rl.TypesData = append([]byte(nil), t.Data...)
			}
		case 20:
			rl.Quadtree = quadtree.Quadtree(pb.UnZigZag(t.Value))
		}
	}
	if err := it.Err(); err != nil {
		return err
	}
	res.Relations = append(res.Relations, rl)
	return nil
}

func (res *MinimalBlock) readDense(data []byte) error {
	var ids, lats, lons, qts, ts []int64
	var vs []uint64
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
		case 5:
			it2 := pb.NewIter(t.Data)
			for it2.Next() {
				t2 := it2.Tag()
				if !t2.IsData {
					continue
				}
				switch t2.Field {
				case 1:
					vs, err = pb.ReadPackedInt(t2.Data)
				case 2:
					ts, err = pb.ReadDeltaPackedInt(t2.Data)
				}
				if err != nil {
					return err
				}
			}
			err = it2.Err()
		case 8:
			lats, err = pb.ReadDeltaPackedInt(t.Data)
		case 9:
			lons, err = pb.ReadDeltaPackedInt(t.Data)
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
		return nil
	}
	for name, l := range map[string]int{
		"lats": len(lats), "lons": len(lons), "qts": len(qts),
		"versions": len(vs), "timestamps": len(ts),
	} {
		if l > 0 && l != len(ids) {
			return xerrors.Errorf("dense nodes: %d ids but %d %s", len(ids), l, name)
		}
	}
	for i := range ids {
		nd := MinimalNode{ID: ids[i], Quadtree: quadtree.Empty}
		if len(lats) > 0 {
			nd.Lat = lats[i]
		}
		if len(lons) > 0 {
			nd.Lon = lons[i]
		}
		if len(qts) > 0 {
			nd.Quadtree = quadtree.Quadtree(qts[i])
		}
		if len(vs) > 0 {
			nd.Version = int64(vs[i])
		}
		if len(ts) > 0 {
			nd.Timestamp = ts[i]
		}
		res.Nodes = append(res.Nodes, nd)
	}
	return nil
}
