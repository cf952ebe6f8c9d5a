package calcqts

import (
	"os"

	"golang.org/x/xerrors"

	"github.com/jharris2268/osmquadtree/internal/elements"
	"github.com/jharris2268/osmquadtree/internal/pbffile"
	"github.com/jharris2268/osmquadtree/internal/progress"
	"github.com/jharris2268/osmquadtree/internal/quadtree"
)

const relationFixpointRounds = 5
const qtsBlockLimit = 8000

// pairStream feeds sorted waynode pairs from a producer goroutine in
// per-bucket batches.
type pairStream struct {
	ch   chan []WayNodePair
	errc chan error
	curr []WayNodePair
	i    int
}

func newPairStream(vals *wayNodeVals) *pairStream {
	ps := &pairStream{ch: make(chan []WayNodePair, 4), errc: make(chan error, 1)}
	go func() {
		defer close(ps.ch)
		var batch []WayNodePair
		const batchSize = 1 << 16
		err := vals.iter(func(p WayNodePair) error {
			batch = append(batch, p)
			if len(batch) >= batchSize {
				ps.ch <- batch
				batch = nil
			}
			return nil
		})
		if len(batch) > 0 {
			ps.ch <- batch
		}
		ps.errc <- err
	}()
	return ps
}

func (ps *pairStream) peek() (WayNodePair, bool) {
	for ps.i >= len(ps.curr) {
		b, ok := <-ps.ch
		if !ok {
			return WayNodePair{}, false
		}
		ps.curr, ps.i = b, 0
	}
	return ps.curr[ps.i], true
}

func (ps *pairStream) advance() {
	ps.i++
}

func (ps *pairStream) close() error {
	for range ps.ch {
	}
	return <-ps.errc
}

// qtsWriter batches (id, quadtree) pairs into QuadtreeBlocks and frames
// them for the .qts.pbf output.
type qtsWriter struct {
	wf   *pbffile.WriteFile
	curr *elements.QuadtreeBlock
	seq  int64
	err  error
}

func newQtsWriter(fname string) (*qtsWriter, error) {
	wf, err := pbffile.NewWriteFile(fname, pbffile.HeaderNoLocs, quadtree.Planet(), false)
	if err != nil {
		return nil, err
	}
	return &qtsWriter{wf: wf, curr: &elements.QuadtreeBlock{}}, nil
}

func (w *qtsWriter) flush() {
	if w.err != nil || w.curr.Len() == 0 {
		return
	}
	data, err := pbffile.PackFileBlock("OSMData", w.curr.Pack(), pbffile.Zlib, 0)
	if err != nil {
		w.err = err
		return
	}
	w.wf.Call([]pbffile.KeyedData{{Key: w.seq, Data: data}})
	w.seq++
	w.curr = &elements.QuadtreeBlock{}
}

func (w *qtsWriter) addNode(id int64, q quadtree.Quadtree) {
	w.curr.AddNode(id, q)
	if w.curr.Len() >= qtsBlockLimit {
		w.flush()
	}
}

func (w *qtsWriter) addWay(id int64, q quadtree.Quadtree) {
	w.curr.AddWay(id, q)
	if w.curr.Len() >= qtsBlockLimit {
		w.flush()
	}
}

func (w *qtsWriter) addRelation(id int64, q quadtree.Quadtree) {
	w.curr.AddRelation(id, q)
	if w.curr.Len() >= qtsBlockLimit {
		w.flush()
	}
}

func (w *qtsWriter) finish() error {
	w.flush()
	if w.err != nil {
		return w.err
	}
	_, err := w.wf.Finish()
	return err
}

// Run computes quadtrees for every element of infn and writes them to
// qtsfn. It returns the maximum info timestamp seen, which callers round
// into the archive date.
func Run(infn, qtsfn string, opts Options) (int64, error) {
	maxTS := int64(0)
	seeTS := func(ts int64) {
		if ts > maxTS {
			maxTS = ts
		}
	}

	waynodesFn := opts.WayNodesFn
	if waynodesFn == "" {
		waynodesFn = qtsfn + "-waynodes"
	}

	rels := newRelMems()

	// pass 1: ways feed the waynodes table; relation members are held
	var vals *wayNodeVals
	if opts.LoadExisting {
		v, err := loadWayNodesFile(waynodesFn)
		if err != nil {
			return 0, xerrors.Errorf("calcqts-load-existing: %w", err)
		}
		vals = v
		if err := scanRelations(infn, opts.Numchan, rels, seeTS); err != nil {
			return 0, err
		}
	} else {
		v, err := writeWayNodes(infn, waynodesFn, opts, rels, seeTS)
		if err != nil {
			return 0, err
		}
		vals = v
	}

	var boxes wayBoxStore
	var wayQts qtStore
	if opts.Strategy == StrategyFlatVec {
		boxes = newWayBoxVec()
		wayQts = newQtVec()
	} else {
		boxes = newWayBoxMap()
		wayQts = newQtMap()
	}

	// pass 2: node coordinates expand the bbox of every way that uses them
	missing, err := consumeBoxes(vals, boxes, infn, opts, seeTS)
	if err != nil {
		return 0, err
	}
	if opts.MissingNodesLimit >= 0 && missing > opts.MissingNodesLimit {
		return 0, xerrors.Errorf("calcqts: %d way node references to missing nodes (limit %d)", missing, opts.MissingNodesLimit)
	}

	// pass 3: way boxes become way quadtrees; relations see their way
	// members
	if err := boxes.Iter(func(way int64, box quadtree.Bbox) error {
		q := quadtree.FromBbox(box, opts.MaxDepth, opts.Buffer)
		if q < 0 {
			q = quadtree.Root
		}
		wayQts.Set(way, q)
		for _, idx := range rels.wayRefs[way] {
			rels.expand(idx, q)
		}
		return nil
	}); err != nil {
		return 0, err
	}
	progress.Message("calculated %d way quadtrees", wayQts.Len())

	// pass 4: node quadtrees stream straight to the output; way nodes take
	// the common ancestor of their ways, free nodes derive from their point
	writer, err := newQtsWriter(qtsfn)
	if err != nil {
		return 0, err
	}
	ps := newPairStream(vals)
	err = ScanMinimal(infn, elements.ReadParts{Nodes: true}, opts.Numchan, "calc node quadtrees", func(mb *elements.MinimalBlock) error {
		for i := range mb.Nodes {
			nd := &mb.Nodes[i]
			q := quadtree.Empty
			for {
				p, ok := ps.peek()
				if !ok || p.Node > nd.ID {
					break
				}
				if p.Node == nd.ID {
					if wq, ok := wayQts.Get(p.Way); ok {
						q = q.Common(wq)
					}
				}
				ps.advance()
			}
			if q < 0 {
				q = quadtree.FromPoint(nd.Lon, nd.Lat, opts.MaxDepth, opts.Buffer)
				if q < 0 {
					q = quadtree.Root
				}
			}
			writer.addNode(nd.ID, q)
			for _, idx := range rels.nodeRefs[nd.ID] {
				rels.expand(idx, q)
			}
		}
		return nil
	})
	if cerr := ps.close(); err == nil {
		err = cerr
	}
	if err != nil {
		return 0, err
	}
	writer.flush()

	// ways next, in id order
	if err := wayQts.Iter(func(id int64, q quadtree.Quadtree) error {
		writer.addWay(id, q)
		return nil
	}); err != nil {
		return 0, err
	}
	writer.flush()

	// pass 5: relations converge over bounded rounds; relation-of-relation
	// references resolve as their targets settle
	finishRelations(rels, writer)

	if err := writer.finish(); err != nil {
		return 0, err
	}

	if !opts.KeepWayNodes && !opts.LoadExisting && vals.fname != "" {
		if err := os.Remove(vals.fname); err != nil {
			return 0, err
		}
	}
	return maxTS, nil
}

// consumeBoxes merges the node scan with the waynodes stream. It is a
// separate scan so that the waynodes iterator sees nodes exactly once.
func consumeBoxes(vals *wayNodeVals, boxes wayBoxStore, infn string, opts Options, seeTS func(int64)) (int, error) {
	ps := newPairStream(vals)
	missing := 0
	err := ScanMinimal(infn, elements.ReadParts{Nodes: true}, opts.Numchan, "expand way boxes", func(mb *elements.MinimalBlock) error {
		for i := range mb.Nodes {
			nd := &mb.Nodes[i]
			seeTS(nd.Timestamp)
			for {
				p, ok := ps.peek()
				if !ok || p.Node > nd.ID {
					break
				}
				if p.Node == nd.ID {
					boxes.Expand(p.Way, nd.Lon, nd.Lat)
				} else {
					// a pair below the current node references a node the
					// planet does not contain
					missing++
					if missing < 10 {
						progress.Message("way %d references missing node %d", p.Way, p.Node)
					}
				}
				ps.advance()
			}
		}
		return nil
	})
	if cerr := ps.close(); err == nil {
		err = cerr
	}
	return missing, err
}

func finishRelations(rels *relMems, writer *qtsWriter) {
	byID := make(map[int64]int, len(rels.ids))
	for i, id := range rels.ids {
		byID[id] = i
	}
	for round := 0; round < relationFixpointRounds; round++ {
		for _, rr := range rels.relRefs {
			if i, ok := byID[rr.ref]; ok && rels.qts[i] >= 0 {
				rels.expand(rr.rel, rels.qts[i])
			}
		}
	}
	unresolved := 0
	for i, id := range rels.ids {
		q := rels.qts[i]
		if rels.empty[i] || q < 0 {
			if !rels.empty[i] {
				unresolved++
			}
			q = quadtree.Root
		}
		writer.addRelation(id, q)
	}
	if unresolved > 0 {
		progress.Message("%d relations with unresolved members placed at the root", unresolved)
	}
}

// RunPrelim performs the waynodes pass alone, leaving the sorted table on
// disk for a later calcqts-load-existing run to pick up.
func RunPrelim(infn, waynodesFn string, opts Options) error {
	if opts.Strategy == StrategyInMem {
		opts.Strategy = StrategySimple
	}
	rels := newRelMems()
	_, err := writeWayNodes(infn, waynodesFn, opts, rels, func(int64) {})
	return err
}

func scanRelations(infn string, numchan int, rels *relMems, seeTS func(int64)) error {
	return ScanMinimal(infn, elements.ReadParts{Relations: true}, numchan, "scan relations", func(mb *elements.MinimalBlock) error {
		for i := range mb.Relations {
			rl := &mb.Relations[i]
			seeTS(rl.Timestamp)
			types, refs, err := rl.Members()
			if err != nil {
				return err
			}
			rels.add(rl.ID, types, refs)
		}
		return nil
	})
}

// writeWayNodes is pass 1: stream ways, bucket (node, way) pairs, spill to
// the waynodes file (or keep them resident for the in-memory strategy), and
// collect relation members along the way.
func writeWayNodes(infn, waynodesFn string, opts Options, rels *relMems, seeTS func(int64)) (*wayNodeVals, error) {
	var sinkFile *wayNodesFile
	var inMem *wayNodeVals
	var sink func(int64, []byte) error

	if opts.Strategy == StrategyInMem {
		inMem = &wayNodeVals{inMem: map[int64][][]byte{}}
		sink = func(key int64, chunk []byte) error {
			if _, ok := inMem.inMem[key]; !ok {
				inMem.keys = append(inMem.keys, key)
			}
			inMem.inMem[key] = append(inMem.inMem[key], chunk)
			return nil
		}
	} else {
		wf, err := newWayNodesFile(waynodesFn)
		if err != nil {
			return nil, err
		}
		sinkFile = wf
		sink = wf.add
	}

	collect := newCollectWayNodes(sink)
	err := ScanMinimal(infn, elements.ReadParts{Ways: true, Relations: true}, opts.Numchan, "scan waynodes", func(mb *elements.MinimalBlock) error {
		for i := range mb.Ways {
			wy := &mb.Ways[i]
			seeTS(wy.Timestamp)
			refs, err := wy.Refs()
			if err != nil {
				return err
			}
			for _, r := range refs {
				collect.add(r, wy.ID)
			}
		}
		for i := range mb.Relations {
			rl := &mb.Relations[i]
			seeTS(rl.Timestamp)
			types, refs, err := rl.Members()
			if err != nil {
				return err
			}
			rels.add(rl.ID, types, refs)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	if err := collect.flush(); err != nil {
		return nil, err
	}
	if sinkFile != nil {
		return sinkFile.finish()
	}
	inMem.sortKeys()
	return inMem, nil
}
