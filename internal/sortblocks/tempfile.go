package sortblocks

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"sort"
	"time"

	"golang.org/x/xerrors"

	"github.com/jharris2268/osmquadtree/internal/callback"
	"github.com/jharris2268/osmquadtree/internal/elements"
	"github.com/jharris2268/osmquadtree/internal/pbffile"
	"github.com/jharris2268/osmquadtree/internal/progress"
	"github.com/jharris2268/osmquadtree/internal/quadtree"
)

// element weights for the spill threshold: relations and ways carry far
// more payload than nodes
const (
	nodeWeight     = 1
	wayWeight      = 8
	relationWeight = 20
)

// tempSplitSize keeps any single temp file under ~2GB.
const tempSplitSize = 1 << 31

// tempData is what stage one hands to stage two: either packed blobs held
// in memory, or the locations of blobs spilled to disk.
type tempData struct {
	inMem map[int64][][]byte

	fnames []string
	locs   map[int64][]pbffile.Loc

	keys []int64
}

// tempWriter spills packed chunk blobs to disk, rotating files to stay
// under the split size.
type tempWriter struct {
	base string

	fnames []string
	f      *os.File
	buf    *bufio.Writer
	pos    uint64

	td  *tempData
	err error
}

func newTempWriter(base string) (*tempWriter, error) {
	tw := &tempWriter{base: base, td: &tempData{locs: map[int64][]pbffile.Loc{}}}
	if err := tw.rotate(); err != nil {
		return nil, err
	}
	return tw, nil
}

func (tw *tempWriter) rotate() error {
	if tw.f != nil {
		if err := tw.buf.Flush(); err != nil {
			return err
		}
		if err := tw.f.Close(); err != nil {
			return err
		}
	}
	fname := fmt.Sprintf("%s.%d", tw.base, len(tw.fnames))
	f, err := os.Create(fname)
	if err != nil {
		return err
	}
	tw.fnames = append(tw.fnames, fname)
	tw.f = f
	tw.buf = bufio.NewWriterSize(f, 1<<20)
	tw.pos = 0
	return nil
}

func (tw *tempWriter) Call(items []pbffile.KeyedData) {
	if tw.err != nil {
		return
	}
	for _, it := range items {
		if tw.pos > 0 && tw.pos+uint64(len(it.Data)) > tempSplitSize {
			if err := tw.rotate(); err != nil {
				tw.err = err
				return
			}
		}
		if _, ok := tw.td.locs[it.Key]; !ok {
			tw.td.keys = append(tw.td.keys, it.Key)
		}
		tw.td.locs[it.Key] = append(tw.td.locs[it.Key], pbffile.Loc{File: len(tw.fnames) - 1, Pos: tw.pos})
		if _, err := tw.buf.Write(it.Data); err != nil {
			tw.err = err
			return
		}
		tw.pos += uint64(len(it.Data))
	}
}

func (tw *tempWriter) Finish() (Result, error) {
	if tw.err != nil {
		return Result{}, tw.err
	}
	if err := tw.buf.Flush(); err != nil {
		return Result{}, err
	}
	if err := tw.f.Close(); err != nil {
		return Result{}, err
	}
	tw.td.fnames = tw.fnames
	return Result{}, nil
}

// memTempWriter is the tempinmem variant: blobs stay in a map.
type memTempWriter struct {
	td  *tempData
	dur time.Duration
}

func newMemTempWriter() *memTempWriter {
	return &memTempWriter{td: &tempData{inMem: map[int64][][]byte{}}}
}

func (mw *memTempWriter) Call(items []pbffile.KeyedData) {
	start := time.Now()
	for _, it := range items {
		if _, ok := mw.td.inMem[it.Key]; !ok {
			mw.td.keys = append(mw.td.keys, it.Key)
		}
		mw.td.inMem[it.Key] = append(mw.td.inMem[it.Key], it.Data)
	}
	mw.dur += time.Since(start)
}

func (mw *memTempWriter) Finish() (Result, error) {
	var res Result
	res.Timings.Add("store temp", mw.dur)
	return res, nil
}

// collectTemp batches joined elements into per-chunk blocks (splitat groups
// per chunk) and flushes a chunk downstream whenever its weighted size
// reaches the limit.
type collectTemp struct {
	out     callback.Handler[*elements.PrimitiveBlock, Result]
	limit   int
	splitat int64
	groups  *QuadtreeTree
	qtToIdx map[quadtree.Quadtree]int64
	pending map[int64]*elements.PrimitiveBlock
	dur     time.Duration
}

func newCollectTemp(out callback.Handler[*elements.PrimitiveBlock, Result], groups *QuadtreeTree, splitat int64, limit int) *collectTemp {
	qtToIdx := map[quadtree.Quadtree]int64{}
	i := int64(0)
	groups.Iter(func(it *TreeItem) {
		qtToIdx[it.Qt] = i
		i++
	})
	return &collectTemp{
		out: out, limit: limit, splitat: splitat, groups: groups,
		qtToIdx: qtToIdx, pending: map[int64]*elements.PrimitiveBlock{},
	}
}

func (ct *collectTemp) chunk(q quadtree.Quadtree) *elements.PrimitiveBlock {
	g := ct.groups.Find(q).Qt
	k := ct.qtToIdx[g] / ct.splitat
	b, ok := ct.pending[k]
	if !ok {
		b = &elements.PrimitiveBlock{Index: k}
		ct.pending[k] = b
	}
	return b
}

func (ct *collectTemp) weight(b *elements.PrimitiveBlock) int {
	return nodeWeight*len(b.Nodes) + wayWeight*len(b.Ways) + relationWeight*len(b.Relations)
}

func (ct *collectTemp) Call(bl *elements.PrimitiveBlock) {
	start := time.Now()
	var full []*elements.PrimitiveBlock
	flushIfFull := func(b *elements.PrimitiveBlock) {
		if ct.weight(b) >= ct.limit {
			ct.pending[b.Index] = &elements.PrimitiveBlock{Index: b.Index}
			full = append(full, b)
		}
	}
	for _, n := range bl.Nodes {
		b := ct.chunk(n.Quadtree)
		b.Nodes = append(b.Nodes, n)
		flushIfFull(b)
	}
	for _, w := range bl.Ways {
		b := ct.chunk(w.Quadtree)
		b.Ways = append(b.Ways, w)
		flushIfFull(b)
	}
	for _, r := range bl.Relations {
		b := ct.chunk(r.Quadtree)
		b.Relations = append(b.Relations, r)
		flushIfFull(b)
	}
	ct.dur += time.Since(start)
	for _, b := range full {
		ct.out.Call(b)
	}
}

func (ct *collectTemp) Finish() (Result, error) {
	keys := make([]int64, 0, len(ct.pending))
	for k := range ct.pending {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool { return keys[i] < keys[j] })
	for _, k := range keys {
		if ct.pending[k].Len() > 0 {
			ct.out.Call(ct.pending[k])
		}
	}
	res, err := ct.out.Finish()
	res.Timings.Add("collect temp", ct.dur)
	return res, err
}

// writeTempBlocks is stage one: scan the planet, join quadtrees, batch into
// chunks and spill.
func writeTempBlocks(infn, qtsfn string, groups *QuadtreeTree, numchan int, splitat int64, limit int, tempInMem bool, tempBase string,
	compression pbffile.CompressionType, level int) (*tempData, error) {

	var sink callback.Handler[[]pbffile.KeyedData, Result]
	var td *tempData
	if tempInMem {
		mw := newMemTempWriter()
		td = mw.td
		sink = mw
	} else {
		tw, err := newTempWriter(tempBase)
		if err != nil {
			return nil, err
		}
		td = tw.td
		sink = tw
	}

	pack := func(blk *elements.PrimitiveBlock) []pbffile.KeyedData {
		p, err := blk.Pack(true, false)
		if err != nil {
			progress.Message("pack temp chunk %d failed: %v", blk.Index, err)
			return nil
		}
		q, err := pbffile.PackFileBlock("OSMData", p, compression, level)
		if err != nil {
			progress.Message("pack temp chunk %d failed: %v", blk.Index, err)
			return nil
		}
		return []pbffile.KeyedData{{Key: blk.Index, Data: q}}
	}

	var packStage callback.Handler[*elements.PrimitiveBlock, Result]
	if numchan == 0 {
		packStage = callback.NewCallAll[*elements.PrimitiveBlock, []pbffile.KeyedData, Result](sink, "pack temp", pack)
	} else {
		lanes := callback.NewCallbackSync[[]pbffile.KeyedData, Result](sink, numchan)
		packers := make([]callback.Handler[*elements.PrimitiveBlock, Result], 0, numchan)
		for _, lane := range lanes {
			packers = append(packers, callback.NewCallback[*elements.PrimitiveBlock, Result](
				callback.NewCallAll[*elements.PrimitiveBlock, []pbffile.KeyedData, Result](lane, "pack temp", pack)))
		}
		packStage = callback.NewCallbackMerge[*elements.PrimitiveBlock, Result, Result](packers, mergeResults)
	}

	collect := newCollectTemp(packStage, groups, splitat, limit)
	var out callback.Handler[*elements.PrimitiveBlock, Result] = collect
	if numchan > 0 {
		out = callback.NewCallback[*elements.PrimitiveBlock, Result](collect)
	}

	res, err := readSorted(infn, qtsfn, out, numchan)
	if err != nil {
		return nil, err
	}
	progress.Message("wrote temp blocks [%s]", res.Timings)
	return td, nil
}

// resortChunk rebuilds the final destination blocks of one chunk.
func resortChunk(groups *QuadtreeTree, blocks []*pbffile.FileBlock, timestamp int64) ([]*elements.PrimitiveBlock, error) {
	sb := NewSortBlocks(groups)
	for _, fb := range blocks {
		if fb.BlockType != "OSMData" {
			continue
		}
		data, err := fb.Data()
		if err != nil {
			return nil, err
		}
		pb, err := elements.ReadPrimitiveBlock(0, fb.Position, data, false)
		if err != nil {
			return nil, err
		}
		sb.AddAll(pb)
	}
	res := sb.Finish()
	for _, b := range res {
		b.EndDate = timestamp
	}
	return res, nil
}

// writeBlocksFromTemp is stage two: read each chunk back, split it into its
// final groups, and write the archive in quadtree order.
func writeBlocksFromTemp(td *tempData, outfn string, groups *QuadtreeTree, numchan int, timestamp int64,
	compression pbffile.CompressionType, level int) error {

	wf, err := pbffile.NewWriteFile(outfn, pbffile.HeaderInternalLocs, quadtree.Planet(), false)
	if err != nil {
		return err
	}

	resort := func(kb pbffile.KeyedBlocks) []pbffile.KeyedData {
		bls, err := resortChunk(groups, kb.Blocks, timestamp)
		if err != nil {
			progress.Message("resort chunk %d failed: %v", kb.Key, err)
			return nil
		}
		var out []pbffile.KeyedData
		for _, bl := range bls {
			p, err := bl.Pack(true, false)
			if err != nil {
				progress.Message("pack block %v failed: %v", bl.Quadtree, err)
				continue
			}
			q, err := pbffile.PackFileBlock("OSMData", p, compression, level)
			if err != nil {
				progress.Message("pack block %v failed: %v", bl.Quadtree, err)
				continue
			}
			out = append(out, pbffile.KeyedData{Key: int64(bl.Quadtree), Data: q})
		}
		return out
	}

	var sink callback.Handler[pbffile.KeyedBlocks, Result]
	if numchan == 0 {
		sink = callback.NewCallAll[pbffile.KeyedBlocks, []pbffile.KeyedData, Result](writeFileStage{wf}, "resort", resort)
	} else {
		lanes := callback.NewCallbackSync[[]pbffile.KeyedData, Result](writeFileStage{wf}, numchan)
		workers := make([]callback.Handler[pbffile.KeyedBlocks, Result], 0, numchan)
		for _, lane := range lanes {
			workers = append(workers, callback.NewCallback[pbffile.KeyedBlocks, Result](
				callback.NewCallAll[pbffile.KeyedBlocks, []pbffile.KeyedData, Result](lane, "resort", resort)))
		}
		sink = callback.NewCallbackMerge[pbffile.KeyedBlocks, Result, Result](workers, mergeResults)
	}

	sort.Slice(td.keys, func(i, j int) bool { return td.keys[i] < td.keys[j] })

	if td.inMem != nil {
		bar := progress.NewCountBar(int64(len(td.keys)), "read temp blocks from memory")
		for _, k := range td.keys {
			var blocks []*pbffile.FileBlock
			for _, blob := range td.inMem[k] {
				fb, err := pbffile.UnpackFileBlock(0, blob)
				if err != nil {
					return err
				}
				blocks = append(blocks, fb)
			}
			sink.Call(pbffile.KeyedBlocks{Key: k, Blocks: blocks})
			bar.Add(1)
		}
		bar.Finish()
		res, err := sink.Finish()
		if err != nil {
			return err
		}
		progress.Message("wrote %s [%s]", outfn, res.Timings)
		return nil
	}

	readers := make([]io.ReaderAt, 0, len(td.fnames))
	for _, fn := range td.fnames {
		r, err := pbffile.OpenMmap(fn)
		if err != nil {
			return err
		}
		defer r.Close()
		readers = append(readers, r)
	}
	locs := make([]pbffile.KeyedLocs, 0, len(td.keys))
	for _, k := range td.keys {
		locs = append(locs, pbffile.KeyedLocs{Key: k, Locs: td.locs[k]})
	}
	bar := progress.NewCountBar(int64(len(locs)), "read temp blocks")
	res, err := pbffile.ReadBlocksParallel[Result](readers, locs, max(numchan, 1), sink, bar)
	bar.Finish()
	if err != nil {
		return err
	}
	progress.Message("wrote %s [%s]", outfn, res.Timings)
	return nil
}

// SortBlocks is the disk-spilling sorter for planets that exceed the memory
// budget.
func SortBlocks(infn, qtsfn, outfn string, groups *QuadtreeTree, numchan int, splitat int64, tempInMem bool, limit int,
	timestamp int64, keepTemps bool, compression pbffile.CompressionType, level int) error {

	if splitat <= 0 {
		splitat = 1500000 / 40000
	}
	if limit <= 0 {
		limit = 1 << 20
	}
	if err := writeGroupsFile(outfn, groups); err != nil {
		return err
	}

	tempBase := outfn + "-temp.pbf"
	td, err := writeTempBlocks(infn, qtsfn, groups, numchan, splitat, limit, tempInMem, tempBase, compression, level)
	if err != nil {
		return err
	}
	if td.inMem == nil {
		nb := 0
		for _, l := range td.locs {
			nb += len(l)
		}
		progress.Message("temp files %v: %d chunks, %d blobs", td.fnames, len(td.keys), nb)
	}

	if err := writeBlocksFromTemp(td, outfn, groups, numchan, timestamp, compression, level); err != nil {
		return err
	}
	if !keepTemps {
		for _, fn := range td.fnames {
			if err := os.Remove(fn); err != nil {
				return xerrors.Errorf("removing temp: %w", err)
			}
		}
	}
	return nil
}
