package elements

import (
	"golang.org/x/xerrors"

	"github.com/jharris2268/osmquadtree/internal/quadtree"
	"github.com/jharris2268/osmquadtree/pb"
)

// A PrimitiveBlock is the decoded form of one OSMData payload. Position is
// the file offset of the enclosing file block, Index the sequence number the
// reader assigned.
type PrimitiveBlock struct {
	Index     int64
	Position  uint64
	StartDate int64
	EndDate   int64
	Quadtree  quadtree.Quadtree
	Nodes     []Node
	Ways      []Way
	Relations []Relation
}

func (pb *PrimitiveBlock) Len() int {
	return len(pb.Nodes) + len(pb.Ways) + len(pb.Relations)
}

// ReadPrimitiveBlock decodes an OSMData payload. When isChange is set the
// per-group changetype field is honoured, otherwise all elements are Normal.
func ReadPrimitiveBlock(index int64, pos uint64, data []byte, isChange bool) (*PrimitiveBlock, error) {
	return ReadCheckIDs(index, pos, data, isChange, nil)
}

// ReadCheckIDs is the filtered variant used by the update engine: elements
// whose ids the set does not contain are dropped before tag decoding.
func ReadCheckIDs(index int64, pos uint64, data []byte, isChange bool, ids IdSet) (*PrimitiveBlock, error) {
	res := &PrimitiveBlock{Index: index, Position: pos, Quadtree: quadtree.Empty}

	var strings []string
	var groups [][]byte

	it := pb.NewIter(data)
	for it.Next() {
		t := it.Tag()
		switch {
		case t.Field == 1 && t.IsData:
			var err error
			strings, err = readStringTable(t.Data)
			if err != nil {
				return nil, err
			}
		case t.Field == 2 && t.IsData:
			groups = append(groups, t.Data)
		case t.Field == 32 && !t.IsData:
			res.Quadtree = quadtree.Quadtree(pb.UnZigZag(t.Value))
		case t.Field == 33 && !t.IsData:
			res.StartDate = int64(t.Value)
		case t.Field == 34 && !t.IsData:
			res.EndDate = int64(t.Value)
		default:
			return nil, xerrors.Errorf("primitive block at %d: unexpected field %d", pos, t.Field)
		}
	}
	if err := it.Err(); err != nil {
		return nil, xerrors.Errorf("primitive block at %d: %w", pos, err)
	}

	for _, g := range groups {
		ct := Normal
		if isChange {
			ct = findChangetype(g)
		}
		if err := res.readGroup(ct, strings, g, ids); err != nil {
			return nil, xerrors.Errorf("primitive block at %d: %w", pos, err)
		}
	}
	return res, nil
}

func readStringTable(data []byte) ([]string, error) {
	var res []string
	it := pb.NewIter(data)
	for it.Next() {
		if t := it.Tag(); t.Field == 1 && t.IsData {
			res = append(res, string(t.Data))
		}
	}
	return res, it.Err()
}

func findChangetype(data []byte) Changetype {
	it := pb.NewIter(data)
	for it.Next() {
		if t := it.Tag(); t.Field == 10 && !t.IsData {
			return Changetype(t.Value)
		}
	}
	return Normal
}

func (res *PrimitiveBlock) readGroup(ct Changetype, strings []string, data []byte, ids IdSet) error {
	it := pb.NewIter(data)
	for it.Next() {
		t := it.Tag()
		if !t.IsData {
			if t.Field == 10 {
				continue
			}
			return xerrors.Errorf("primitive group: unexpected field %d", t.Field)
		}
		var err error
		switch t.Field {
		case 1:
			err = res.readNode(ct, strings, t.Data, ids)
		case 2:
			err = res.readDense(ct, strings, t.Data, ids)
		case 3:
			err = res.readWay(ct, strings, t.Data, ids)
		case 4:
			err = res.readRelation(ct, strings, t.Data, ids)
		default:
			err = xerrors.Errorf("primitive group: unexpected field %d", t.Field)
		}
		if err != nil {
			return err
		}
	}
	return it.Err()
}

// scanID pulls field 1 without decoding the rest, so filtered reads stay
// cheap.
func scanID(data []byte) int64 {
	it := pb.NewIter(data)
	for it.Next() {
		if t := it.Tag(); t.Field == 1 && !t.IsData {
			return int64(t.Value)
		}
	}
	return 0
}

func readInfo(strings []string, data []byte) (Info, error) {
	var res Info
	it := pb.NewIter(data)
	for it.Next() {
		t := it.Tag()
		if t.IsData {
			continue
		}
		switch t.Field {
		case 1:
			res.Version = int64(t.Value)
		case 2:
			res.Timestamp = int64(t.Value)
		case 3:
			res.Changeset = int64(t.Value)
		case 4:
			res.UserID = int64(t.Value)
		case 5:
			if int(t.Value) >= len(strings) {
				return res, xerrors.Errorf("info: user index %d out of range (%d strings)", t.Value, len(strings))
			}
			res.User = strings[t.Value]
		}
	}
	return res, it.Err()
}

func readCommon(ct Changetype, strings []string, data []byte) (Common, error) {
	res := Common{Changetype: ct, Quadtree: quadtree.Empty}
	var kk, vv []uint64
	it := pb.NewIter(data)
	for it.Next() {
		t := it.Tag()
		switch t.Field {
		case 1:
			res.ID = int64(t.Value)
		case 2:
			if t.IsData {
				var err error
				if kk, err = pb.ReadPackedInt(t.Data); err != nil {
					return res, err
				}
			}
		case 3:
			if t.IsData {
				var err error
				if vv, err = pb.ReadPackedInt(t.Data); err != nil {
					return res, err
				}
			}
		case 4:
			if t.IsData {
				var err error
				if res.Info, err = readInfo(strings, t.Data); err != nil {
					return res, err
				}
			}
		case 20:
			if !t.IsData {
				res.Quadtree = quadtree.Quadtree(pb.UnZigZag(t.Value))
			}
		}
	}
	if err := it.Err(); err != nil {
		return res, err
	}
	if len(kk) != len(vv) {
		return res, xerrors.Errorf("element %d: %d tag keys but %d vals", res.ID, len(kk), len(vv))
	}
	if len(kk) > 0 {
		res.Tags = make([]Tag, 0, len(kk))
		for i := range kk {
			if kk[i] >= uint64(len(strings)) || vv[i] >= uint64(len(strings)) {
				return res, xerrors.Errorf("element %d: tag string index out of range (%d strings)", res.ID, len(strings))
			}
			res.Tags = append(res.Tags, Tag{Key: strings[kk[i]], Val: strings[vv[i]]})
		}
	}
	return res, nil
}

func (res *PrimitiveBlock) readNode(ct Changetype, strings []string, data []byte, ids IdSet) error {
	if ids != nil && !ids.ContainsNode(scanID(data)) {
		return nil
	}
	common, err := readCommon(ct, strings, data)
	if err != nil {
		return err
	}
	nd := Node{Common: common}
	it := pb.NewIter(data)
	for it.Next() {
		t := it.Tag()
		if t.IsData {
			continue
		}
		switch t.Field {
		case 7:
			nd.Lat = int64(t.Value)
		case 8:
			nd.Lon = int64(t.Value)
		}
	}
	if err := it.Err(); err != nil {
		return err
	}
	res.Nodes = append(res.Nodes, nd)
	return nil
}

func (res *PrimitiveBlock) readWay(ct Changetype, strings []string, data []byte, ids IdSet) error {
	if ids != nil && !ids.ContainsWay(scanID(data)) {
		return nil
	}
	common, err := readCommon(ct, strings, data)
	if err != nil {
		return err
	}
	wy := Way{Common: common}
	it := pb.NewIter(data)
	for it.Next() {
		t := it.Tag()
		if t.Field == 8 && t.IsData {
			if wy.Refs, err = pb.ReadDeltaPackedInt(t.Data); err != nil {
				return err
			}
		}
	}
	if err := it.Err(); err != nil {
		return err
	}
	res.Ways = append(res.Ways, wy)
	return nil
}

func (res *PrimitiveBlock) readRelation(ct Changetype, strings []string, data []byte, ids IdSet) error {
	if ids != nil && !ids.ContainsRelation(scanID(data)) {
		return nil
	}
	common, err := readCommon(ct, strings, data)
	if err != nil {
		return err
	}
	rl := Relation{Common: common}
	var roles, types []uint64
	var refs []int64
	it := pb.NewIter(data)
	for it.Next() {
		t := it.Tag()
		if !t.IsData {
			continue
		}
		switch t.Field {
		case 8:
			if roles, err = pb.ReadPackedInt(t.Data); err != nil {
				return err
			}
		case 9:
			if refs, err = pb.ReadDeltaPackedInt(t.Data); err != nil {
				return err
			}
		case 10:
			if types, err = pb.ReadPackedInt(t.Data); err != nil {
				return err
			}
		}
	}
	if err := it.Err(); err != nil {
		return err
	}
	if len(refs) != len(types) || (len(roles) > 0 && len(roles) != len(refs)) {
		return xerrors.Errorf("relation %d: member lists disagree (%d refs, %d types, %d roles)",
			rl.ID, len(refs), len(types), len(roles))
	}
	rl.Members = make([]Member, 0, len(refs))
	for i := range refs {
		m := Member{Type: ElementType(types[i]), Ref: refs[i]}
		if len(roles) > 0 {
			if roles[i] >= uint64(len(strings)) {
				return xerrors.Errorf("relation %d: role index out of range", rl.ID)
			}
			m.Role = strings[roles[i]]
		}
		rl.Members = append(rl.Members, m)
	}
	res.Relations = append(res.Relations, rl)
	return nil
}

func (res *PrimitiveBlock) readDense(ct Changetype, strings []string, data []byte, ids IdSet) error {
	var nn, lats, lons, qts, ts, cs, ui, us []int64
	var vs, kv []uint64
	it := pb.NewIter(data)
	for it.Next() {
		t := it.Tag()
		if !t.IsData {
			continue
		}
		var err error
		switch t.Field {
		case 1:
			nn, err = pb.ReadDeltaPackedInt(t.Data)
		case 5:
			it2 := pb.NewIter(t.Data)
			for it2.Next() {
				t2 := it2.Tag()
				if !t2.IsData {
					continue
				}
				switch t2.Field {
				case 1:
					// versions are packed plain, not delta
					vs, err = pb.ReadPackedInt(t2.Data)
				case 2:
					ts, err = pb.ReadDeltaPackedInt(t2.Data)
				case 3:
					cs, err = pb.ReadDeltaPackedInt(t2.Data)
				case 4:
					ui, err = pb.ReadDeltaPackedInt(t2.Data)
				case 5:
					us, err = pb.ReadDeltaPackedInt(t2.Data)
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
		case 10:
			kv, err = pb.ReadPackedInt(t.Data)
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
	if len(nn) == 0 {
		return nil
	}
	for name, l := range map[string]int{
		"lats": len(lats), "lons": len(lons), "qts": len(qts),
		"versions": len(vs), "timestamps": len(ts),
	} {
		if l > 0 && l != len(nn) {
			return xerrors.Errorf("dense nodes: %d ids but %d %s", len(nn), l, name)
		}
	}
	kvpos := 0
	for i := range nn {
		if ids != nil && !ids.ContainsNode(nn[i]) {
			// step over this node's keys_vals run without decoding it
			for kvpos < len(kv) && kv[kvpos] != 0 {
				kvpos += 2
			}
			kvpos++
			continue
		}
		nd := Node{Common: Common{ID: nn[i], Changetype: ct, Quadtree: quadtree.Empty}}
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
			nd.Info.Version = int64(vs[i])
		}
		if len(ts) > 0 {
			nd.Info.Timestamp = ts[i]
		}
		if len(cs) > 0 {
			nd.Info.Changeset = cs[i]
		}
		if len(ui) > 0 {
			nd.Info.UserID = ui[i]
		}
		if len(us) > 0 {
			if us[i] < 0 || us[i] >= int64(len(strings)) {
				return xerrors.Errorf("dense nodes: user index %d out of range", us[i])
			}
			nd.Info.User = strings[us[i]]
		}
		for kvpos < len(kv) && kv[kvpos] != 0 {
			if kvpos+1 >= len(kv) {
				return xerrors.Errorf("dense nodes: dangling key in keys_vals")
			}
			k, v := kv[kvpos], kv[kvpos+1]
			if k >= uint64(len(strings)) || v >= uint64(len(strings)) {
				return xerrors.Errorf("dense nodes: tag string index out of range")
			}
			nd.Tags = append(nd.Tags, Tag{Key: strings[k], Val: strings[v]})
			kvpos += 2
		}
		kvpos++
		res.Nodes = append(res.Nodes, nd)
	}
	return nil
}
