package sortblocks

import (
	"sort"
	"time"

	"github.com/jharris2268/osmquadtree/internal/callback"
	"github.com/jharris2268/osmquadtree/internal/elements"
	"github.com/jharris2268/osmquadtree/internal/pbffile"
	"github.com/jharris2268/osmquadtree/internal/progress"
	"github.com/jharris2268/osmquadtree/internal/quadtree"
)

// sortBlocksAccumulator routes elements into the destination block named by the group
// tree tile that is the closest ancestor of each element's quadtree.
type sortBlocksAccumulator struct {
	groups *QuadtreeTree
	blocks map[int64]*elements.PrimitiveBlock
}

func NewSortBlocks(groups *QuadtreeTree) *sortBlocksAccumulator {
	return &sortBlocksAccumulator{groups: groups, blocks: map[int64]*elements.PrimitiveBlock{}}
}

func (sb *sortBlocksAccumulator) block(q quadtree.Quadtree) *elements.PrimitiveBlock {
	g := sb.groups.Find(q).Qt
	b, ok := sb.blocks[int64(g)]
	if !ok {
		b = &elements.PrimitiveBlock{Quadtree: g}
		sb.blocks[int64(g)] = b
	}
	return b
}

// AddAll distributes every element of bl to its destination block.
func (sb *sortBlocksAccumulator) AddAll(bl *elements.PrimitiveBlock) {
	for _, n := range bl.Nodes {
		t := sb.block(n.Quadtree)
		t.Nodes = append(t.Nodes, n)
	}
	for _, w := range bl.Ways {
		t := sb.block(w.Quadtree)
		t.Ways = append(t.Ways, w)
	}
	for _, r := range bl.Relations {
		t := sb.block(r.Quadtree)
		t.Relations = append(t.Relations, r)
	}
}

// Finish returns the destination blocks in quadtree order, elements sorted
// by (id, version, changetype).
func (sb *sortBlocksAccumulator) Finish() []*elements.PrimitiveBlock {
	res := make([]*elements.PrimitiveBlock, 0, len(sb.blocks))
	for _, b := range sb.blocks {
		b.SortByID()
		res = append(res, b)
	}
	sort.Slice(res, func(i, j int) bool { return res[i].Quadtree < res[j].Quadtree })
	sb.blocks = map[int64]*elements.PrimitiveBlock{}
	return res
}

// Result carries a pipeline's timings plus whatever the collecting stage
// accumulated.
type Result struct {
	Timings callback.Timings
	Blocks  []*elements.PrimitiveBlock
	Locs    pbffile.FileLocs
}

func mergeResults(rs []Result) Result {
	var out Result
	for _, r := range rs {
		out.Timings.Combine(r.Timings)
		out.Blocks = append(out.Blocks, r.Blocks...)
		out.Locs = append(out.Locs, r.Locs...)
	}
	return out
}

// collectBlocks is the in-memory collector: every decoded block is routed
// into its destination, everything is held until Finish.
type collectBlocks struct {
	sb  *sortBlocksAccumulator
	dur time.Duration
}

func (c *collectBlocks) Call(bl *elements.PrimitiveBlock) {
	start := time.Now()
	c.sb.AddAll(bl)
	c.dur += time.Since(start)
}

func (c *collectBlocks) Finish() (Result, error) {
	var res Result
	res.Timings.Add("find blocks", c.dur)
	res.Blocks = c.sb.Finish()
	return res, nil
}

// addQuadtreeStage joins decoded blocks with the .qts.pbf stream before
// passing them downstream. It must see blocks in file order, so it sits
// behind a fan-in when the decode runs on several lanes.
type addQuadtreeStage struct {
	cursor *QtsCursor
	out    callback.Handler[*elements.PrimitiveBlock, Result]
	err    error
	dur    time.Duration
}

func (a *addQuadtreeStage) Call(blk *elements.PrimitiveBlock) {
	if a.err != nil {
		return
	}
	start := time.Now()
	if err := a.cursor.AddQuadtrees(blk); err != nil {
		a.err = err
		return
	}
	a.dur += time.Since(start)
	a.out.Call(blk)
}

func (a *addQuadtreeStage) Finish() (Result, error) {
	res, err := a.out.Finish()
	if a.err != nil {
		return res, a.err
	}
	res.Timings.Add("add quadtrees", a.dur)
	return res, err
}

func decodePrimitive(ib pbffile.IndexedBlock) *elements.PrimitiveBlock {
	if ib.Block.BlockType != "OSMData" {
		return &elements.PrimitiveBlock{Index: int64(ib.Index)}
	}
	data, err := ib.Block.Data()
	if err != nil {
		progress.Message("skipping block %d at %d: %v", ib.Index, ib.Block.Position, err)
		return &elements.PrimitiveBlock{Index: int64(ib.Index)}
	}
	blk, err := elements.ReadPrimitiveBlock(int64(ib.Index), ib.Block.Position, data, false)
	if err != nil {
		progress.Message("skipping block %d at %d: %v", ib.Index, ib.Block.Position, err)
		return &elements.PrimitiveBlock{Index: int64(ib.Index)}
	}
	return blk
}

// readSorted drives the input scan: decode lanes feed the quadtree join,
// which feeds the supplied collector.
func readSorted(infn, qtsfn string, out callback.Handler[*elements.PrimitiveBlock, Result], numchan int) (Result, error) {
	cursor, err := OpenQts(qtsfn)
	if err != nil {
		return Result{}, err
	}
	defer cursor.Close()

	aq := &addQuadtreeStage{cursor: cursor, out: out}
	bar := progress.NewBar(int64(pbffile.FileLength(infn)), "read "+infn)

	if numchan == 0 {
		conv := callback.NewCallAll[pbffile.IndexedBlock, *elements.PrimitiveBlock, Result](aq, "unpack", decodePrimitive)
		return pbffile.ReadAllBlocks[Result](infn, conv, bar)
	}

	lanes := callback.NewCallbackSync[*elements.PrimitiveBlock, Result](aq, numchan)
	decoders := make([]callback.Handler[pbffile.IndexedBlock, Result], 0, numchan)
	for _, lane := range lanes {
		lane := lane
		decoders = append(decoders, callback.NewCallback[pbffile.IndexedBlock, Result](
			callback.NewCallAll[pbffile.IndexedBlock, *elements.PrimitiveBlock, Result](lane, "unpack", decodePrimitive)))
	}
	merged := callback.NewCallbackMerge[pbffile.IndexedBlock, Result, Result](decoders, mergeResults)
	return pbffile.ReadAllBlocks[Result](infn, merged, bar)
}

// GetBlocks reads the planet, joins quadtrees and collects the sorted
// blocks fully in memory.
func GetBlocks(infn, qtsfn string, groups *QuadtreeTree, numchan int) ([]*elements.PrimitiveBlock, callback.Timings, error) {
	cc := &collectBlocks{sb: NewSortBlocks(groups)}
	var out callback.Handler[*elements.PrimitiveBlock, Result] = cc
	if numchan > 0 {
		out = callback.NewCallback[*elements.PrimitiveBlock, Result](cc)
	}
	res, err := readSorted(infn, qtsfn, out, numchan)
	if err != nil {
		return nil, res.Timings, err
	}
	return res.Blocks, res.Timings, nil
}
