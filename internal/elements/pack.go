package elements

import (
	"sort"

	"github.com/jharris2268/osmquadtree/pb"
)

// packStringTable assigns 1-based indices as strings are first seen; index 0
// is the reserved sentinel.
type packStringTable struct {
	idx  map[string]uint64
	vals []string
}

func newPackStringTable() *packStringTable {
	return &packStringTable{idx: map[string]uint64{"": 0}, vals: []string{""}}
}

func (st *packStringTable) get(s string) uint64 {
	if i, ok := st.idx[s]; ok {
		return i
	}
	i := uint64(len(st.vals))
	st.idx[s] = i
	st.vals = append(st.vals, s)
	return i
}

func (st *packStringTable) pack() []byte {
	var res []byte
	for _, s := range st.vals {
		res = pb.PackData(res, 1, []byte(s))
	}
	return res
}

// Pack encodes the block as an OSMData payload. Nodes are emitted in the
// dense form. When asChange is set, one primitive group is written per
// changetype present; otherwise a single group with no changetype field.
func (blk *PrimitiveBlock) Pack(includeQts, asChange bool) ([]byte, error) {
	st := newPackStringTable()
	var groups [][]byte

	if asChange {
		for ct := Normal; ct <= Create; ct++ {
			g := blk.packGroup(st, includeQts, ct, true)
			if g != nil {
				groups = append(groups, g)
			}
		}
	} else {
		if g := blk.packGroup(st, includeQts, Normal, false); g != nil {
			groups = append(groups, g)
		} else {
			// a block with no elements still carries one empty group, so
			// that empty tiles survive a round trip
			groups = append(groups, []byte{})
		}
	}

	var res []byte
	res = pb.PackData(res, 1, st.pack())
	for _, g := range groups {
		res = pb.PackData(res, 2, g)
	}
	if includeQts {
		res = pb.PackValue(res, 32, pb.ZigZag(int64(blk.Quadtree)))
	}
	if blk.StartDate != 0 {
		res = pb.PackValue(res, 33, uint64(blk.StartDate))
	}
	if blk.EndDate != 0 {
		res = pb.PackValue(res, 34, uint64(blk.EndDate))
	}
	return res, nil
}

func (blk *PrimitiveBlock) packGroup(st *packStringTable, includeQts bool, ct Changetype, filter bool) []byte {
	var nodes []Node
	var ways []Way
	var relations []Relation
	if filter {
		for _, n := range blk.Nodes {
			if n.Changetype == ct {
				nodes = append(nodes, n)
			}
		}
		for _, w := range blk.Ways {
			if w.Changetype == ct {
				ways = append(ways, w)
			}
		}
		for _, r := range blk.Relations {
			if r.Changetype == ct {
				relations = append(relations, r)
			}
		}
		if len(nodes)+len(ways)+len(relations) == 0 {
			return nil
		}
	} else {
		nodes, ways, relations = blk.Nodes, blk.Ways, blk.Relations
		if len(nodes)+len(ways)+len(relations) == 0 {
			return nil
		}
	}

	var res []byte
	if len(nodes) > 0 {
		res = pb.PackData(res, 2, packDense(st, nodes, includeQts))
	}
	for i := range ways {
		res = pb.PackData(res, 3, packWay(st, &ways[i], includeQts))
	}
	for i := range relations {
		res = pb.PackData(res, 4, packRelation(st, &relations[i], includeQts))
	}
	if filter {
		res = pb.PackValue(res, 10, uint64(ct))
	}
	return res
}

func packInfo(st *packStringTable, info *Info) []byte {
	var res []byte
	res = pb.PackValue(res, 1, uint64(info.Version))
	res = pb.PackValue(res, 2, uint64(info.Timestamp))
	if info.Changeset != 0 {
		res = pb.PackValue(res, 3, uint64(info.Changeset))
	}
	if info.UserID != 0 {
		res = pb.PackValue(res, 4, uint64(info.UserID))
	}
	if info.User != "" {
		res = pb.PackValue(res, 5, st.get(info.User))
	}
	return res
}

func packTags(st *packStringTable, res []byte, tags []Tag) []byte {
	if len(tags) == 0 {
		return res
	}
	kk := make([]uint64, len(tags))
	vv := make([]uint64, len(tags))
	for i, t := range tags {
		kk[i] = st.get(t.Key)
		vv[i] = st.get(t.Val)
	}
	res = pb.PackData(res, 2, pb.PackInt(kk))
	res = pb.PackData(res, 3, pb.PackInt(vv))
	return res
}

func packDense(st *packStringTable, nodes []Node, includeQts bool) []byte {
	ids := make([]int64, len(nodes))
	lats := make([]int64, len(nodes))
	lons := make([]int64, len(nodes))
	qts := make([]int64, len(nodes))
	hasInfo := false
	hasTags := false
	for i := range nodes {
		ids[i] = nodes[i].ID
		lats[i] = nodes[i].Lat
		lons[i] = nodes[i].Lon
		qts[i] = int64(nodes[i].Quadtree)
		if nodes[i].Info.Version > 0 {
			hasInfo = true
		}
		if len(nodes[i].Tags) > 0 {
			hasTags = true
		}
	}
	var res []byte
	res = pb.PackData(res, 1, pb.PackDeltaInt(ids))
	if hasInfo {
		vs := make([]uint64, len(nodes))
		ts := make([]int64, len(nodes))
		cs := make([]int64, len(nodes))
		ui := make([]int64, len(nodes))
		us := make([]int64, len(nodes))
		for i := range nodes {
			info := &nodes[i].Info
			vs[i] = uint64(info.Version)
			ts[i] = info.Timestamp
			cs[i] = info.Changeset
			ui[i] = info.UserID
			us[i] = int64(st.get(info.User))
		}
		var di []byte
		di = pb.PackData(di, 1, pb.PackInt(vs))
		di = pb.PackData(di, 2, pb.PackDeltaInt(ts))
		di = pb.PackData(di, 3, pb.PackDeltaInt(cs))
		di = pb.PackData(di, 4, pb.PackDeltaInt(ui))
		di = pb.PackData(di, 5, pb.PackDeltaInt(us))
		res = pb.PackData(res, 5, di)
	}
	res = pb.PackData(res, 8, pb.PackDeltaInt(lats))
	res = pb.PackData(res, 9, pb.PackDeltaInt(lons))
	if hasTags {
		var kv []uint64
		for i := range nodes {
			for _, t := range nodes[i].Tags {
				kv = append(kv, st.get(t.Key), st.get(t.Val))
			}
			kv = append(kv, 0)
		}
		res = pb.PackData(res, 10, pb.PackInt(kv))
	}
	if includeQts {
		res = pb.PackData(res, 20, pb.PackDeltaInt(qts))
	}
	return res
}

func packWay(st *packStringTable, w *Way, includeQts bool) []byte {
	var res []byte
	res = pb.PackValue(res, 1, uint64(w.ID))
	res = packTags(st, res, w.Tags)
	res = pb.PackData(res, 4, packInfo(st, &w.Info))
	res = pb.PackData(res, 8, pb.PackDeltaInt(w.Refs))
	if includeQts {
		res = pb.PackValue(res, 20, pb.ZigZag(int64(w.Quadtree)))
	}
	return res
}

func packRelation(st *packStringTable, r *Relation, includeQts bool) []byte {
	var res []byte
	res = pb.PackValue(res, 1, uint64(r.ID))
	res = packTags(st, res, r.Tags)
	res = pb.PackData(res, 4, packInfo(st, &r.Info))
	if len(r.Members) > 0 {
		roles := make([]uint64, len(r.Members))
		refs := make([]int64, len(r.Members))
		types := make([]uint64, len(r.Members))
		for i, m := range r.Members {
			roles[i] = st.get(m.Role)
			refs[i] = m.Ref
			types[i] = uint64(m.Type)
		}
		res = pb.PackData(res, 8, pb.PackInt(roles))
		res = pb.PackData(res, 9, pb.PackDeltaInt(refs))
		res = pb.PackData(res, 10, pb.PackInt(types))
	}
	if includeQts {
		res = pb.PackValue(res, 20, pb.ZigZag(int64(r.Quadtree)))
	}
	return res
}

// SortByID orders each kind by (id, version, changetype), the canonical
// within-block order.
func (blk *PrimitiveBlock) SortByID() {
	sort.SliceStable(blk.Nodes, func(i, j int) bool {
		return blk.Nodes[i].Less(&blk.Nodes[j].Common)
	})
	sort.SliceStable(blk.Ways, func(i, j int) bool {
		return blk.Ways[i].Less(&blk.Ways[j].Common)
	})
	sort.SliceStable(blk.Relations, func(i, j int) bool {
		return blk.Relations[i].Less(&blk.Relations[j].Common)
	})
}
