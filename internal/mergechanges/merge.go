package mergechanges

import (
	"io"
	"path/filepath"
	"sort"
	"strings"

	"golang.org/x/xerrors"

	osmquadtree "github.com/jharris2268/osmquadtree"
	"github.com/jharris2268/osmquadtree/internal/elements"
	"github.com/jharris2268/osmquadtree/internal/idset"
	"github.com/jharris2268/osmquadtree/internal/pbffile"
	"github.com/jharris2268/osmquadtree/internal/progress"
	"github.com/jharris2268/osmquadtree/internal/quadtree"
	"github.com/jharris2268/osmquadtree/internal/repo"
)

// tileSource is one tile's blocks across every archive that carries it, in
// archive order.
type tileSource struct {
	qt   quadtree.Quadtree
	locs []pbffile.Loc
}

// planTiles reads every archive's header index and lists, per tile, the
// blocks to overlay. Archives newer than the cutoff are skipped.
func planTiles(prefix string, filelist []repo.FilelistEntry, filter *SpatialFilter, cutoff int64) ([]string, []tileSource, error) {
	var fnames []string
	byTile := map[quadtree.Quadtree][]pbffile.Loc{}
	var order []quadtree.Quadtree

	for _, fle := range filelist {
		if cutoff > 0 {
			end, err := osmquadtree.ParseTimestamp(fle.EndDate)
			if err != nil {
				return nil, nil, xerrors.Errorf("filelist end_date: %w", err)
			}
			if end > cutoff {
				continue
			}
		}
		fname := filepath.Join(prefix, fle.Filename)
		hb, _, err := pbffile.ReadHeader(fname)
		if err != nil {
			return nil, nil, err
		}
		if len(hb.Index) == 0 {
			return nil, nil, xerrors.Errorf("%s: no locations index", fname)
		}
		fileIdx := len(fnames)
		fnames = append(fnames, fname)
		for _, e := range hb.Index {
			if !filter.OverlapsTile(e.Quadtree) {
				continue
			}
			if _, ok := byTile[e.Quadtree]; !ok {
				order = append(order, e.Quadtree)
			}
			byTile[e.Quadtree] = append(byTile[e.Quadtree], pbffile.Loc{File: fileIdx, Pos: e.Location})
		}
	}
	sort.Slice(order, func(i, j int) bool { return order[i] < order[j] })
	res := make([]tileSource, 0, len(order))
	for _, qt := range order {
		res = append(res, tileSource{qt: qt, locs: byTile[qt]})
	}
	return fnames, res, nil
}

// overlayTile applies the change semantics: within one tile, the record
// from the latest archive wins per (kind, id); a winning Delete or Remove
// drops the element.
func overlayTile(qt quadtree.Quadtree, blocks []*pbffile.FileBlock, isChange []bool) (*elements.PrimitiveBlock, error) {
	nodes := map[int64]*elements.Node{}
	ways := map[int64]*elements.Way{}
	relations := map[int64]*elements.Relation{}

	for bi, fb := range blocks {
		if fb.BlockType != "OSMData" {
			continue
		}
		data, err := fb.Data()
		if err != nil {
			return nil, err
		}
		blk, err := elements.ReadPrimitiveBlock(0, fb.Position, data, isChange[bi])
		if err != nil {
			return nil, err
		}
		for i := range blk.Nodes {
			switch blk.Nodes[i].Changetype {
			case elements.Delete, elements.Remove:
				delete(nodes, blk.Nodes[i].ID)
			default:
				nodes[blk.Nodes[i].ID] = &blk.Nodes[i]
			}
		}
		for i := range blk.Ways {
			switch blk.Ways[i].Changetype {
			case elements.Delete, elements.Remove:
				delete(ways, blk.Ways[i].ID)
			default:
				ways[blk.Ways[i].ID] = &blk.Ways[i]
			}
		}
		for i := range blk.Relations {
			switch blk.Relations[i].Changetype {
			case elements.Delete, elements.Remove:
				delete(relations, blk.Relations[i].ID)
			default:
				relations[blk.Relations[i].ID] = &blk.Relations[i]
			}
		}
	}

	res := &elements.PrimitiveBlock{Quadtree: qt}
	for _, n := range nodes {
		n.Changetype = elements.Normal
		res.Nodes = append(res.Nodes, *n)
	}
	for _, w := range ways {
		w.Changetype = elements.Normal
		res.Ways = append(res.Ways, *w)
	}
	for _, r := range relations {
		r.Changetype = elements.Normal
		res.Relations = append(res.Relations, *r)
	}
	res.SortByID()
	return res, nil
}

// scanTiles streams every overlaid tile of the store through fn, in tile
// order.
func scanTiles(prefix string, filelist []repo.FilelistEntry, filter *SpatialFilter, cutoff int64, desc string,
	fn func(*elements.PrimitiveBlock) error) error {

	fnames, tiles, err := planTiles(prefix, filelist, filter, cutoff)
	if err != nil {
		return err
	}
	isChange := make([]bool, len(fnames))
	readers := make([]io.ReaderAt, len(fnames))
	for i, fname := range fnames {
		isChange[i] = strings.HasSuffix(fname, ".pbfc")
		r, err := pbffile.OpenMmap(fname)
		if err != nil {
			return err
		}
		defer r.Close()
		readers[i] = r
	}

	bar := progress.NewCountBar(int64(len(tiles)), desc)
	defer bar.Finish()
	for _, ts := range tiles {
		var blocks []*pbffile.FileBlock
		for _, l := range ts.locs {
			fb, err := pbffile.ReadFileBlockAt(readers[l.File], l.Pos)
			if err != nil {
				return err
			}
			blocks = append(blocks, fb)
		}
		merged, err := overlayTile(ts.qt, blocks, tileIsChange(ts.locs, isChange))
		if err != nil {
			return err
		}
		if err := fn(merged); err != nil {
			return err
		}
		bar.Add(1)
	}
	return nil
}

func tileIsChange(locs []pbffile.Loc, isChange []bool) []bool {
	res := make([]bool, len(locs))
	for i, l := range locs {
		res[i] = isChange[l.File]
	}
	return res
}

// buildIdset is the first pass of a filtered merge: nodes inside the
// filter, ways with any such node (plus all their nodes as exnodes), and
// relations touching anything retained.
func buildIdset(prefix string, filelist []repo.FilelistEntry, filter *SpatialFilter, cutoff int64) (*idset.Set, error) {
	ids := idset.NewSet()
	type wayRefs struct {
		id   int64
		refs []int64
	}
	var ways []wayRefs
	type relMember struct {
		id      int64
		members []elements.Member
	}
	var relations []relMember

	err := scanTiles(prefix, filelist, filter, cutoff, "filter pass", func(blk *elements.PrimitiveBlock) error {
		for i := range blk.Nodes {
			n := &blk.Nodes[i]
			if filter.ContainsPoint(n.Lon, n.Lat) {
				ids.AddNode(n.ID)
			}
		}
		for i := range blk.Ways {
			ways = append(ways, wayRefs{blk.Ways[i].ID, blk.Ways[i].Refs})
		}
		for i := range blk.Relations {
			relations = append(relations, relMember{blk.Relations[i].ID, blk.Relations[i].Members})
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	for _, w := range ways {
		keep := false
		for _, r := range w.refs {
			if ids.ContainsNode(r) && !ids.ContainsExnode(r) {
				keep = true
				break
			}
		}
		if !keep {
			continue
		}
		ids.AddWay(w.id)
		for _, r := range w.refs {
			if !ids.ContainsNode(r) {
				ids.AddExnode(r)
			}
		}
	}
	for _, rl := range relations {
		for _, m := range rl.members {
			keep := false
			switch m.Type {
			case elements.NodeType:
				keep = ids.ContainsNode(m.Ref)
			case elements.WayType:
				keep = ids.ContainsWay(m.Ref)
			case elements.RelationType:
				keep = ids.ContainsRelation(m.Ref)
			}
			if keep {
				ids.AddRelation(rl.id)
				break
			}
		}
	}
	progress.Message("%s", ids)
	return ids, nil
}
