package sortblocks

import (
	"fmt"
	"os"

	"github.com/jharris2268/osmquadtree/internal/callback"
	"github.com/jharris2268/osmquadtree/internal/elements"
	"github.com/jharris2268/osmquadtree/internal/pbffile"
	"github.com/jharris2268/osmquadtree/internal/progress"
	"github.com/jharris2268/osmquadtree/internal/quadtree"
)

// packBlock frames one destination block for the output archive.
func packBlock(blk *elements.PrimitiveBlock, compression pbffile.CompressionType, level int, asChange bool) ([]pbffile.KeyedData, error) {
	p, err := blk.Pack(true, asChange)
	if err != nil {
		return nil, err
	}
	q, err := pbffile.PackFileBlock("OSMData", p, compression, level)
	if err != nil {
		return nil, err
	}
	return []pbffile.KeyedData{{Key: int64(blk.Quadtree), Data: q}}, nil
}

// writeFileStage adapts a WriteFile to the handler result shape.
type writeFileStage struct {
	wf *pbffile.WriteFile
}

func (w writeFileStage) Call(items []pbffile.KeyedData) {
	w.wf.Call(items)
}

func (w writeFileStage) Finish() (Result, error) {
	locs, err := w.wf.Finish()
	if err != nil {
		return Result{}, err
	}
	return Result{Locs: locs}, nil
}

// WriteBlocks packs the destination blocks on numchan lanes and streams
// them, in order, into a single output archive.
func WriteBlocks(outfn string, blocks []*elements.PrimitiveBlock, numchan int, timestamp int64,
	headerType pbffile.HeaderType, bbox quadtree.Bbox, compression pbffile.CompressionType, level int) (pbffile.FileLocs, callback.Timings, error) {

	wf, err := pbffile.NewWriteFile(outfn, headerType, bbox, false)
	if err != nil {
		return nil, callback.Timings{}, err
	}

	pack := func(blk *elements.PrimitiveBlock) []pbffile.KeyedData {
		kd, err := packBlock(blk, compression, level, false)
		if err != nil {
			progress.Message("pack block %v failed: %v", blk.Quadtree, err)
			return nil
		}
		return kd
	}

	var sink callback.Handler[*elements.PrimitiveBlock, Result]
	if numchan == 0 {
		sink = callback.NewCallAll[*elements.PrimitiveBlock, []pbffile.KeyedData, Result](
			writeFileStage{wf}, "pack", pack)
	} else {
		lanes := callback.NewCallbackSync[[]pbffile.KeyedData, Result](writeFileStage{wf}, numchan)
		packers := make([]callback.Handler[*elements.PrimitiveBlock, Result], 0, numchan)
		for _, lane := range lanes {
			packers = append(packers, callback.NewCallback[*elements.PrimitiveBlock, Result](
				callback.NewCallAll[*elements.PrimitiveBlock, []pbffile.KeyedData, Result](lane, "pack", pack)))
		}
		sink = callback.NewCallbackMerge[*elements.PrimitiveBlock, Result, Result](packers, mergeResults)
	}

	for _, b := range blocks {
		b.EndDate = timestamp
		sink.Call(b)
	}
	res, err := sink.Finish()
	return res.Locs, res.Timings, err
}

// writeGroupsFile records the planned groups next to the output, one
// "qt;weight;total" line per group.
func writeGroupsFile(outfn string, groups *QuadtreeTree) error {
	f, err := os.Create(outfn + "-groups.txt")
	if err != nil {
		return err
	}
	defer f.Close()
	var werr error
	groups.Iter(func(it *TreeItem) {
		if werr == nil {
			_, werr = fmt.Fprintf(f, "%s;%d;%d\n", it.Qt, it.Weight, it.Total)
		}
	})
	return werr
}

// SortBlocksInmem sorts a planet that fits in memory: one scan, all
// destination blocks held until the end, then written in quadtree order.
func SortBlocksInmem(infn, qtsfn, outfn string, groups *QuadtreeTree, numchan int, timestamp int64,
	compression pbffile.CompressionType, level int) error {

	if err := writeGroupsFile(outfn, groups); err != nil {
		return err
	}
	blocks, tm, err := GetBlocks(infn, qtsfn, groups, numchan)
	if err != nil {
		return err
	}
	progress.Message("sorted into %d blocks [%s]", len(blocks), tm)

	_, tm2, err := WriteBlocks(outfn, blocks, numchan, timestamp, pbffile.HeaderInternalLocs, quadtree.Planet(), compression, level)
	if err != nil {
		return err
	}
	progress.Message("wrote %s [%s]", outfn, tm2)
	return nil
}
