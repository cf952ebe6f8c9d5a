package mergechanges

import (
	"io"
	"os"
	"sort"

	"github.com/jharris2268/osmquadtree/internal/elements"
	"github.com/jharris2268/osmquadtree/internal/idset"
	"github.com/jharris2268/osmquadtree/internal/pbffile"
	"github.com/jharris2268/osmquadtree/internal/progress"
	"github.com/jharris2268/osmquadtree/internal/quadtree"
	"github.com/jharris2268/osmquadtree/internal/repo"
)

const outBlockSize = 8000

// filterBlock keeps only the elements the id-set retains.
func filterBlock(blk *elements.PrimitiveBlock, ids idset.IdSet) *elements.PrimitiveBlock {
	if _, all := ids.(idset.All); all {
		return blk
	}
	res := &elements.PrimitiveBlock{Quadtree: blk.Quadtree, StartDate: blk.StartDate, EndDate: blk.EndDate}
	for i := range blk.Nodes {
		if ids.ContainsNode(blk.Nodes[i].ID) {
			res.Nodes = append(res.Nodes, blk.Nodes[i])
		}
	}
	for i := range blk.Ways {
		if ids.ContainsWay(blk.Ways[i].ID) {
			res.Ways = append(res.Ways, blk.Ways[i])
		}
	}
	for i := range blk.Relations {
		if ids.ContainsRelation(blk.Relations[i].ID) {
			res.Relations = append(res.Relations, blk.Relations[i])
		}
	}
	return res
}

func prepIdset(prefix string, filelist []repo.FilelistEntry, filter *SpatialFilter, cutoff int64) (idset.IdSet, error) {
	if filter.All() {
		return idset.All{}, nil
	}
	return buildIdset(prefix, filelist, filter, cutoff)
}

// Run merges and filters, leaving the result in quadtree-sorted blocks.
func Run(prefix string, filelist []repo.FilelistEntry, outfn string, filter *SpatialFilter, cutoff int64, timestamp int64,
	compression pbffile.CompressionType, level int) error {

	ids, err := prepIdset(prefix, filelist, filter, cutoff)
	if err != nil {
		return err
	}
	wf, err := pbffile.NewWriteFile(outfn, pbffile.HeaderInternalLocs, filter.filterBox(), false)
	if err != nil {
		return err
	}
	err = scanTiles(prefix, filelist, filter, cutoff, "merge "+outfn, func(blk *elements.PrimitiveBlock) error {
		out := filterBlock(blk, ids)
		if out.Len() == 0 {
			return nil
		}
		out.EndDate = timestamp
		data, err := out.Pack(true, false)
		if err != nil {
			return err
		}
		blob, err := pbffile.PackFileBlock("OSMData", data, compression, level)
		if err != nil {
			return err
		}
		wf.Call([]pbffile.KeyedData{{Key: int64(out.Quadtree), Data: blob}})
		return nil
	})
	if err != nil {
		return err
	}
	_, err = wf.Finish()
	return err
}

// writeSorted emits the collected elements back in original-id order, in
// blocks of a few thousand, without quadtrees.
func writeSorted(outfn string, nodes []elements.Node, ways []elements.Way, relations []elements.Relation,
	timestamp int64, bbox quadtree.Bbox, compression pbffile.CompressionType, level int) error {

	sort.SliceStable(nodes, func(i, j int) bool { return nodes[i].Less(&nodes[j].Common) })
	sort.SliceStable(ways, func(i, j int) bool { return ways[i].Less(&ways[j].Common) })
	sort.SliceStable(relations, func(i, j int) bool { return relations[i].Less(&relations[j].Common) })

	wf, err := pbffile.NewWriteFile(outfn, pbffile.HeaderNoLocs, bbox, false)
	if err != nil {
		return err
	}
	seq := int64(0)
	emit := func(blk *elements.PrimitiveBlock) error {
		blk.EndDate = timestamp
		data, err := blk.Pack(false, false)
		if err != nil {
			return err
		}
		blob, err := pbffile.PackFileBlock("OSMData", data, compression, level)
		if err != nil {
			return err
		}
		wf.Call([]pbffile.KeyedData{{Key: seq, Data: blob}})
		seq++
		return nil
	}
	for i := 0; i < len(nodes); i += outBlockSize {
		end := min(i+outBlockSize, len(nodes))
		if err := emit(&elements.PrimitiveBlock{Nodes: nodes[i:end]}); err != nil {
			return err
		}
	}
	for i := 0; i < len(ways); i += outBlockSize {
		end := min(i+outBlockSize, len(ways))
		if err := emit(&elements.PrimitiveBlock{Ways: ways[i:end]}); err != nil {
			return err
		}
	}
	for i := 0; i < len(relations); i += outBlockSize {
		end := min(i+outBlockSize, len(relations))
		if err := emit(&elements.PrimitiveBlock{Relations: relations[i:end]}); err != nil {
			return err
		}
	}
	_, err = wf.Finish()
	return err
}

// RunSortInmem merges, filters and sorts back into original-id order, all
// in memory.
func RunSortInmem(prefix string, filelist []repo.FilelistEntry, outfn string, filter *SpatialFilter, cutoff int64,
	timestamp int64, compression pbffile.CompressionType, level int) error {

	ids, err := prepIdset(prefix, filelist, filter, cutoff)
	if err != nil {
		return err
	}
	var nodes []elements.Node
	var ways []elements.Way
	var relations []elements.Relation
	err = scanTiles(prefix, filelist, filter, cutoff, "merge "+outfn, func(blk *elements.PrimitiveBlock) error {
		out := filterBlock(blk, ids)
		nodes = append(nodes, out.Nodes...)
		ways = append(ways, out.Ways...)
		relations = append(relations, out.Relations...)
		return nil
	})
	if err != nil {
		return err
	}
	progress.Message("merged %d nodes, %d ways, %d relations", len(nodes), len(ways), len(relations))
	return writeSorted(outfn, nodes, ways, relations, timestamp, filter.filterBox(), compression, level)
}

// RunSort is the temp-file variant: the filtered tiles are retained in a
// temp archive first, so the final resort can be re-run from it
// (mergechanges-sort-from-existing) without repeating the merge.
func RunSort(prefix string, filelist []repo.FilelistEntry, outfn, tempfn string, filter *SpatialFilter, cutoff int64,
	timestamp int64, keepTemps bool, compression pbffile.CompressionType, level int) error {

	ids, err := prepIdset(prefix, filelist, filter, cutoff)
	if err != nil {
		return err
	}
	wf, err := pbffile.NewWriteFile(tempfn, pbffile.HeaderExternalLocs, filter.filterBox(), false)
	if err != nil {
		return err
	}
	err = scanTiles(prefix, filelist, filter, cutoff, "merge to temp "+tempfn, func(blk *elements.PrimitiveBlock) error {
		out := filterBlock(blk, ids)
		if out.Len() == 0 {
			return nil
		}
		data, err := out.Pack(true, false)
		if err != nil {
			return err
		}
		blob, err := pbffile.PackFileBlock("OSMData", data, compression, level)
		if err != nil {
			return err
		}
		wf.Call([]pbffile.KeyedData{{Key: int64(out.Quadtree), Data: blob}})
		return nil
	})
	if err != nil {
		return err
	}
	if _, err := wf.Finish(); err != nil {
		return err
	}

	if err := RunSortFromExisting(outfn, tempfn, timestamp, compression, level); err != nil {
		return err
	}
	if !keepTemps {
		os.Remove(tempfn)
		os.Remove(tempfn + "-filelocs.json")
	}
	return nil
}

// RunSortFromExisting resorts a retained temp archive into original-id
// order.
func RunSortFromExisting(outfn, tempfn string, timestamp int64, compression pbffile.CompressionType, level int) error {
	f, err := os.Open(tempfn)
	if err != nil {
		return err
	}
	defer f.Close()

	var nodes []elements.Node
	var ways []elements.Way
	var relations []elements.Relation
	bbox := quadtree.EmptyBbox()

	bar := progress.NewBar(int64(pbffile.FileLength(tempfn)), "read "+tempfn)
	pos := uint64(0)
	for {
		fb, err := pbffile.ReadFileBlock(f, pos)
		if err == io.EOF {
			break
		}
		if err != nil {
			return err
		}
		pos += fb.Length
		bar.Set(int64(pos))
		if fb.BlockType == "OSMHeader" {
			data, err := fb.Data()
			if err != nil {
				return err
			}
			hb, err := pbffile.ReadHeaderBlock(data)
			if err != nil {
				return err
			}
			bbox = hb.Bbox
			continue
		}
		if fb.BlockType != "OSMData" {
			continue
		}
		data, err := fb.Data()
		if err != nil {
			return err
		}
		blk, err := elements.ReadPrimitiveBlock(0, fb.Position, data, false)
		if err != nil {
			return err
		}
		nodes = append(nodes, blk.Nodes...)
		ways = append(ways, blk.Ways...)
		relations = append(relations, blk.Relations...)
	}
	bar.Finish()
	return writeSorted(outfn, nodes, ways, relations, timestamp, bbox, compression, level)
}
