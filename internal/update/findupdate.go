package update

import (
	"os"
	"path/filepath"
	"strings"

	"golang.org/x/xerrors"

	"github.com/jharris2268/osmquadtree/internal/callback"
	"github.com/jharris2268/osmquadtree/internal/elements"
	"github.com/jharris2268/osmquadtree/internal/idset"
	"github.com/jharris2268/osmquadtree/internal/pbffile"
	"github.com/jharris2268/osmquadtree/internal/progress"
	"github.com/jharris2268/osmquadtree/internal/quadtree"
	"github.com/jharris2268/osmquadtree/internal/repo"
	"github.com/jharris2268/osmquadtree/internal/sortblocks"
)

// missingNodesLimit is zero in the update path: a way referencing a node
// that neither the change set nor the store can supply aborts the run.
const missingNodesLimit = 0

const updateMaxDepth = 18
const updateBuffer = 0.05

// qtAlloc records, for one element, the quadtree it currently carries and
// the tile it is currently allocated to.
type qtAlloc struct {
	qt    quadtree.Quadtree
	alloc quadtree.Quadtree
}

// OrigData is the snapshot of the store's current knowledge about every
// touched id, gathered by scanning affected tiles.
type OrigData struct {
	NodeQts     map[int64]qtAlloc
	WayQts      map[int64]qtAlloc
	RelationQts map[int64]qtAlloc
	// OtherNodes carries the full payload of every exnode (nil marks a
	// deleted one); way bboxes cannot be recomputed without them.
	OtherNodes map[int64]*elements.Node
}

func NewOrigData() *OrigData {
	return &OrigData{
		NodeQts:     map[int64]qtAlloc{},
		WayQts:      map[int64]qtAlloc{},
		RelationQts: map[int64]qtAlloc{},
		OtherNodes:  map[int64]*elements.Node{},
	}
}

// Add folds one scanned block into the snapshot.
func (od *OrigData) Add(pb *elements.PrimitiveBlock, ids *idset.Set) {
	for i := range pb.Nodes {
		n := &pb.Nodes[i]
		switch n.Changetype {
		case elements.Normal, elements.Unchanged, elements.Modify, elements.Create:
			od.NodeQts[n.ID] = qtAlloc{n.Quadtree, pb.Quadtree}
			if ids.ContainsExnode(n.ID) {
				cp := *n
				cp.Changetype = elements.Normal
				od.OtherNodes[n.ID] = &cp
			}
		case elements.Delete:
			od.NodeQts[n.ID] = qtAlloc{quadtree.Empty, quadtree.Empty}
			if ids.ContainsExnode(n.ID) {
				od.OtherNodes[n.ID] = nil
			}
		}
	}
	for i := range pb.Ways {
		w := &pb.Ways[i]
		switch w.Changetype {
		case elements.Normal, elements.Unchanged, elements.Modify, elements.Create:
			od.WayQts[w.ID] = qtAlloc{w.Quadtree, pb.Quadtree}
		case elements.Delete:
			od.WayQts[w.ID] = qtAlloc{quadtree.Empty, quadtree.Empty}
		}
	}
	for i := range pb.Relations {
		r := &pb.Relations[i]
		switch r.Changetype {
		case elements.Normal, elements.Unchanged, elements.Modify, elements.Create:
			od.RelationQts[r.ID] = qtAlloc{r.Quadtree, pb.Quadtree}
		case elements.Delete:
			od.RelationQts[r.ID] = qtAlloc{quadtree.Empty, quadtree.Empty}
		}
	}
}

func (od *OrigData) Extend(other *OrigData) {
	for k, v := range other.NodeQts {
		od.NodeQts[k] = v
	}
	for k, v := range other.WayQts {
		od.WayQts[k] = v
	}
	for k, v := range other.RelationQts {
		od.RelationQts[k] = v
	}
	for k, v := range other.OtherNodes {
		od.OtherNodes[k] = v
	}
}

func (od *OrigData) table(t elements.ElementType) map[int64]qtAlloc {
	switch t {
	case elements.NodeType:
		return od.NodeQts
	case elements.WayType:
		return od.WayQts
	}
	return od.RelationQts
}

func (od *OrigData) getQt(t elements.ElementType, id int64) (quadtree.Quadtree, bool) {
	v, ok := od.table(t)[id]
	if !ok || v.qt < 0 {
		return quadtree.Empty, false
	}
	return v.qt, true
}

func (od *OrigData) getAlloc(t elements.ElementType, id int64) (quadtree.Quadtree, bool) {
	v, ok := od.table(t)[id]
	if !ok || v.alloc < 0 {
		return quadtree.Empty, false
	}
	return v.alloc, true
}

func (od *OrigData) expand(t elements.ElementType, id int64, q quadtree.Quadtree) {
	m := od.table(t)
	v, ok := m[id]
	if !ok {
		m[id] = qtAlloc{q, quadtree.Empty}
		return
	}
	v.qt = v.qt.Common(q)
	m[id] = v
}

func (od *OrigData) replace(t elements.ElementType, id int64, q quadtree.Quadtree) {
	m := od.table(t)
	v, ok := m[id]
	if !ok {
		m[id] = qtAlloc{q, quadtree.Empty}
		return
	}
	v.qt = q
	m[id] = v
}

// PrepIdset seeds the id-set with every touched id plus indirect
// references; way nodes missing from the change set are exnodes.
func PrepIdset(cb *ChangeBlock) *idset.Set {
	ids := idset.NewSet()
	for id := range cb.Nodes {
		ids.AddNode(id)
	}
	for id, w := range cb.Ways {
		ids.AddWay(id)
		for _, r := range w.Refs {
			if _, ok := cb.Nodes[r]; ok {
				ids.AddNode(r)
			} else {
				ids.AddExnode(r)
			}
		}
	}
	for id, r := range cb.Relations {
		ids.AddRelation(id)
		for _, m := range r.Members {
			switch m.Type {
			case elements.NodeType:
				ids.AddNode(m.Ref)
			case elements.WayType:
				ids.AddWay(m.Ref)
			case elements.RelationType:
				ids.AddRelation(m.Ref)
			}
		}
	}
	return ids
}

// readPB folds filtered blocks into a per-lane snapshot.
type readPB struct {
	od       *OrigData
	ids      *idset.Set
	isChange bool
}

func (r *readPB) Call(ib pbffile.IndexedBlock) {
	data, err := ib.Block.Data()
	if err != nil {
		progress.Message("skipping block at %d: %v", ib.Block.Position, err)
		return
	}
	blk, err := elements.ReadCheckIDs(int64(ib.Index), ib.Block.Position, data, r.isChange, r.ids)
	if err != nil {
		progress.Message("skipping block at %d: %v", ib.Block.Position, err)
		return
	}
	r.od.Add(blk, r.ids)
}

func (r *readPB) Finish() (*OrigData, error) {
	return r.od, nil
}

// readChangeTiles fetches the named tiles from one archive and extracts the
// snapshot for every relevant id.
func readChangeTiles(fname string, tiles map[quadtree.Quadtree]bool, ids *idset.Set, numchan int) (*OrigData, error) {
	isChange := strings.HasSuffix(fname, ".pbfc")
	hb, _, err := pbffile.ReadHeader(fname)
	if err != nil {
		return nil, err
	}
	if len(hb.Index) == 0 {
		return nil, xerrors.Errorf("%s: no locations index in header", fname)
	}
	var locs []uint64
	for _, e := range hb.Index {
		if tiles[e.Quadtree] {
			locs = append(locs, e.Location)
		}
	}

	r, err := pbffile.OpenMmap(fname)
	if err != nil {
		return nil, err
	}
	defer r.Close()

	bar := progress.NewCountBar(int64(len(locs)), "read "+filepath.Base(fname))
	defer bar.Finish()

	if numchan <= 1 {
		h := &readPB{od: NewOrigData(), ids: ids, isChange: isChange}
		return pbffile.ReadBlocksLocs[*OrigData](r, fname, locs, h, bar)
	}

	lanes := make([]callback.Handler[pbffile.IndexedBlock, *OrigData], 0, numchan)
	for i := 0; i < numchan; i++ {
		lanes = append(lanes, callback.NewCallback[pbffile.IndexedBlock, *OrigData](
			&readPB{od: NewOrigData(), ids: ids, isChange: isChange}))
	}
	merged := callback.NewCallbackMerge[pbffile.IndexedBlock, *OrigData, *OrigData](lanes,
		func(ods []*OrigData) *OrigData {
			res := NewOrigData()
			for _, od := range ods {
				res.Extend(od)
			}
			return res
		})
	return pbffile.ReadBlocksLocs[*OrigData](r, fname, locs, merged, bar)
}

// CollectExisting walks every archive of the store in order, building the
// combined snapshot for the id-set.
func CollectExisting(prefix string, filelist []repo.FilelistEntry, ids *idset.Set, numchan int) (*OrigData, error) {
	od := NewOrigData()
	for i, fle := range filelist {
		nc := numchan
		if i > 0 {
			nc = 1
		}
		fnameIdx := filepath.Join(prefix, fle.Filename+"-index.pbf")
		tilesList, err := CheckIndexFile(fnameIdx, ids)
		if err != nil {
			return nil, err
		}
		tiles := map[quadtree.Quadtree]bool{}
		for _, t := range tilesList {
			tiles[t] = true
		}
		if len(tiles) == 0 {
			continue
		}
		fname := filepath.Join(prefix, fle.Filename)
		part, err := readChangeTiles(fname, tiles, ids, nc)
		if err != nil {
			return nil, err
		}
		od.Extend(part)
	}
	return od, nil
}

// PrepTree loads the store's group tree from the base archive header.
func PrepTree(prefix string, filelist []repo.FilelistEntry) (*sortblocks.QuadtreeTree, error) {
	if len(filelist) == 0 {
		return nil, xerrors.New("empty filelist")
	}
	hb, _, err := pbffile.ReadHeader(filepath.Join(prefix, filelist[0].Filename))
	if err != nil {
		return nil, err
	}
	if len(hb.Index) == 0 {
		return nil, xerrors.Errorf("%s: no locations index in header", filelist[0].Filename)
	}
	tree := sortblocks.NewQuadtreeTree()
	for _, e := range hb.Index {
		tree.Add(e.Quadtree, 1)
	}
	return tree, nil
}

func findTile(tree *sortblocks.QuadtreeTree, q quadtree.Quadtree, ok bool) (quadtree.Quadtree, bool) {
	if !ok {
		return quadtree.Empty, false
	}
	return tree.Find(q).Qt, true
}

// CalcQts recomputes the quadtree of every touched element and allocates
// each to its destination tile, emitting the supplemental block records.
func CalcQts(cb *ChangeBlock, od *OrigData, tree *sortblocks.QuadtreeTree, startDate, endDate int64) (map[quadtree.Quadtree]*elements.PrimitiveBlock, error) {
	missingNodes := 0
	wayNodes := map[int64]bool{}
	type relRef struct {
		rel int64
		ref int64
	}
	var relRels []relRef

	// non-deleted ways: bbox over change-set nodes, then push the way's
	// quadtree back onto its nodes
	for _, wid := range cb.SortedWayIDs() {
		w := cb.Ways[wid]
		if w.Changetype == elements.Delete {
			continue
		}
		box := quadtree.EmptyBbox()
		for _, r := range w.Refs {
			n, ok := cb.Nodes[r]
			if !ok || n.Changetype == elements.Delete {
				progress.Message("[%d] way %d references missing node %d", missingNodes, w.ID, r)
				missingNodes++
				if missingNodes > missingNodesLimit {
					return nil, xerrors.Errorf("too many missing nodes (%d)", missingNodes)
				}
				continue
			}
			box.Expand(n.Lon, n.Lat)
		}
		q := quadtree.FromBbox(box, updateMaxDepth, updateBuffer)
		if q < 0 {
			q = quadtree.Root
		}
		od.replace(elements.WayType, w.ID, q)
		for _, r := range w.Refs {
			od.expand(elements.NodeType, r, q)
			wayNodes[r] = true
		}
	}

	// non-deleted nodes not bounded by a way derive from their point
	for _, nid := range cb.SortedNodeIDs() {
		n := cb.Nodes[nid]
		if n.Changetype == elements.Delete || wayNodes[n.ID] {
			continue
		}
		q := quadtree.FromPoint(n.Lon, n.Lat, updateMaxDepth, updateBuffer)
		if q < 0 {
			q = quadtree.Root
		}
		od.expand(elements.NodeType, n.ID, q)
	}

	// non-deleted relations: common ancestor of resolved members, bounded
	// fixpoint for relation members
	for _, rid := range cb.SortedRelationIDs() {
		r := cb.Relations[rid]
		if r.Changetype == elements.Delete {
			continue
		}
		if len(r.Members) == 0 {
			od.replace(elements.RelationType, r.ID, quadtree.Root)
			continue
		}
		q := quadtree.Empty
		for _, m := range r.Members {
			if m.Type == elements.RelationType {
				relRels = append(relRels, relRef{r.ID, m.Ref})
				continue
			}
			if mq, ok := od.getQt(m.Type, m.Ref); ok {
				q = q.Common(mq)
			} else {
				progress.Message("missing member %s %d for relation %d", m.Type, m.Ref, r.ID)
			}
		}
		od.expand(elements.RelationType, r.ID, q)
	}
	for round := 0; round < 5; round++ {
		for _, rr := range relRels {
			if q, ok := od.getQt(elements.RelationType, rr.ref); ok {
				od.expand(elements.RelationType, rr.rel, q)
			} else if round == 4 {
				progress.Message("missing member relation %d for relation %d", rr.ref, rr.rel)
			}
		}
	}

	blocks := map[quadtree.Quadtree]*elements.PrimitiveBlock{}
	addTo := func(tile quadtree.Quadtree, add func(*elements.PrimitiveBlock)) {
		b, ok := blocks[tile]
		if !ok {
			b = &elements.PrimitiveBlock{Quadtree: tile, StartDate: startDate, EndDate: endDate}
			blocks[tile] = b
		}
		add(b)
	}

	unneeded, createDelete := 0, 0

	for _, nid := range cb.SortedNodeIDs() {
		n := cb.Nodes[nid]
		q, qok := od.getQt(elements.NodeType, n.ID)
		tile, tileOK := findTile(tree, q, qok)
		alloc, allocOK := od.getAlloc(elements.NodeType, n.ID)

		switch {
		case n.Changetype == elements.Normal && allocOK:
			// an exnode pulled in by a touched way: only emit when its
			// quadtree actually moved
			if n.Quadtree == q {
				unneeded++
				continue
			}
			n2 := *n
			n2.Quadtree = q
			n2.Changetype = elements.Unchanged
			addTo(tile, func(b *elements.PrimitiveBlock) { b.Nodes = append(b.Nodes, n2) })
			if tile != alloc {
				n3 := *n
				n3.Quadtree = quadtree.Root
				n3.Changetype = elements.Remove
				addTo(alloc, func(b *elements.PrimitiveBlock) { b.Nodes = append(b.Nodes, n3) })
			}
		case n.Changetype == elements.Delete && allocOK:
			n2 := *n
			n2.Quadtree = quadtree.Root
			addTo(alloc, func(b *elements.PrimitiveBlock) { b.Nodes = append(b.Nodes, n2) })
		case n.Changetype == elements.Delete:
			createDelete++
		case (n.Changetype == elements.Modify || n.Changetype == elements.Create) && tileOK:
			n2 := *n
			n2.Quadtree = q
			addTo(tile, func(b *elements.PrimitiveBlock) { b.Nodes = append(b.Nodes, n2) })
			if allocOK && tile != alloc {
				n3 := *n
				n3.Quadtree = quadtree.Root
				n3.Changetype = elements.Remove
				addTo(alloc, func(b *elements.PrimitiveBlock) { b.Nodes = append(b.Nodes, n3) })
			}
		default:
			progress.Message("node %d: unexpected %v (qt %v alloc %v)", n.ID, n.Changetype, q, alloc)
		}
	}

	for _, wid := range cb.SortedWayIDs() {
		w := cb.Ways[wid]
		q, qok := od.getQt(elements.WayType, w.ID)
		tile, tileOK := findTile(tree, q, qok)
		alloc, allocOK := od.getAlloc(elements.WayType, w.ID)

		switch {
		case w.Changetype == elements.Delete && allocOK:
			w2 := *w
			w2.Quadtree = quadtree.Root
			addTo(alloc, func(b *elements.PrimitiveBlock) { b.Ways = append(b.Ways, w2) })
		case w.Changetype == elements.Delete:
			createDelete++
		case (w.Changetype == elements.Modify || w.Changetype == elements.Create) && tileOK:
			w2 := *w
			w2.Quadtree = q
			addTo(tile, func(b *elements.PrimitiveBlock) { b.Ways = append(b.Ways, w2) })
			if allocOK && tile != alloc {
				w3 := *w
				w3.Quadtree = quadtree.Root
				w3.Changetype = elements.Remove
				addTo(alloc, func(b *elements.PrimitiveBlock) { b.Ways = append(b.Ways, w3) })
			}
		default:
			progress.Message("way %d: unexpected %v (qt %v alloc %v)", w.ID, w.Changetype, q, alloc)
		}
	}

	for _, rid := range cb.SortedRelationIDs() {
		r := cb.Relations[rid]
		q, qok := od.getQt(elements.RelationType, r.ID)
		tile, tileOK := findTile(tree, q, qok)
		alloc, allocOK := od.getAlloc(elements.RelationType, r.ID)

		switch {
		case r.Changetype == elements.Delete && allocOK:
			r2 := *r
			r2.Quadtree = quadtree.Root
			addTo(alloc, func(b *elements.PrimitiveBlock) { b.Relations = append(b.Relations, r2) })
		case r.Changetype == elements.Delete:
			createDelete++
		case (r.Changetype == elements.Modify || r.Changetype == elements.Create) && tileOK:
			r2 := *r
			r2.Quadtree = q
			addTo(tile, func(b *elements.PrimitiveBlock) { b.Relations = append(b.Relations, r2) })
			if allocOK && tile != alloc {
				r3 := *r
				r3.Quadtree = quadtree.Root
				r3.Changetype = elements.Remove
				addTo(alloc, func(b *elements.PrimitiveBlock) { b.Relations = append(b.Relations, r3) })
			}
		default:
			progress.Message("relation %d: unexpected %v (qt %v alloc %v)", r.ID, r.Changetype, q, alloc)
		}
	}

	progress.Message("%d unneeded extra nodes, %d deletes of absent elements", unneeded, createDelete)
	return blocks, nil
}

// FindUpdate runs the whole pipeline for one change file and writes the
// supplemental archive. It returns the number of tiles written.
func FindUpdate(prefix string, filelist []repo.FilelistEntry, changeFn string, prevTS, ts int64, outFn string, numchan int) (int, error) {
	f, err := os.Open(changeFn)
	if err != nil {
		return 0, err
	}
	defer f.Close()
	cb, err := ReadXMLChange(f, strings.HasSuffix(changeFn, ".gz"))
	if err != nil {
		return 0, err
	}

	ids := PrepIdset(cb)
	progress.Message("%s", ids)

	od, err := CollectExisting(prefix, filelist, ids, numchan)
	if err != nil {
		return 0, err
	}
	progress.Message("collected %d node, %d way, %d relation quadtrees, %d exnodes",
		len(od.NodeQts), len(od.WayQts), len(od.RelationQts), len(od.OtherNodes))

	// fold the surviving exnodes into the change set so that ways see a
	// consistent node table
	for id, n := range od.OtherNodes {
		if n == nil {
			continue
		}
		if _, ok := cb.Nodes[id]; !ok {
			cb.Nodes[id] = n
		}
	}

	tree, err := PrepTree(prefix, filelist)
	if err != nil {
		return 0, err
	}

	tiles, err := CalcQts(cb, od, tree, prevTS, ts)
	if err != nil {
		return 0, err
	}

	wf, err := pbffile.NewWriteFile(filepath.Join(prefix, outFn), pbffile.HeaderInternalLocs, quadtree.Planet(), true)
	if err != nil {
		return 0, err
	}
	for qt, blk := range tiles {
		blk.SortByID()
		data, err := blk.Pack(true, true)
		if err != nil {
			return 0, err
		}
		blob, err := pbffile.PackFileBlock("OSMData", data, pbffile.Zlib, 0)
		if err != nil {
			return 0, err
		}
		wf.Call([]pbffile.KeyedData{{Key: int64(qt), Data: blob}})
	}
	if _, err := wf.Finish(); err != nil {
		return 0, err
	}
	return len(tiles), nil
}
