package calcqts

import (
	"github.com/jharris2268/osmquadtree/internal/callback"
	"github.com/jharris2268/osmquadtree/internal/elements"
	"github.com/jharris2268/osmquadtree/internal/pbffile"
	"github.com/jharris2268/osmquadtree/internal/progress"
	"github.com/jharris2268/osmquadtree/internal/quadtree"
)

// RunInmem reads the whole file into memory, computes every quadtree and
// writes it straight onto the elements, returning the blocks. Only suitable
// when the planet fits the RAM budget; setup uses this for small extracts.
func RunInmem(infn string, maxDepth int, buffer float64, numchan int) ([]*elements.PrimitiveBlock, int64, error) {
	collector := &funcStage[*elements.PrimitiveBlock]{fn: nil}
	var blocks []*elements.PrimitiveBlock
	collector.fn = func(b *elements.PrimitiveBlock) error {
		if b.Len() > 0 {
			blocks = append(blocks, b)
		}
		return nil
	}

	decode := func(ib pbffile.IndexedBlock) *elements.PrimitiveBlock {
		if ib.Block.BlockType != "OSMData" {
			return &elements.PrimitiveBlock{}
		}
		data, err := ib.Block.Data()
		if err != nil {
			progress.Message("skipping block %d: %v", ib.Index, err)
			return &elements.PrimitiveBlock{}
		}
		blk, err := elements.ReadPrimitiveBlock(int64(ib.Index), ib.Block.Position, data, false)
		if err != nil {
			progress.Message("skipping block %d: %v", ib.Index, err)
			return &elements.PrimitiveBlock{}
		}
		return blk
	}

	bar := progress.NewBar(int64(pbffile.FileLength(infn)), "read "+infn)
	var err error
	if numchan == 0 {
		conv := callback.NewCallAll[pbffile.IndexedBlock, *elements.PrimitiveBlock, unit](collector, "unpack", decode)
		_, err = pbffile.ReadAllBlocks[unit](infn, conv, bar)
	} else {
		lanes := callback.NewCallbackSync[*elements.PrimitiveBlock, unit](collector, numchan)
		decoders := make([]callback.Handler[pbffile.IndexedBlock, unit], 0, numchan)
		for _, lane := range lanes {
			decoders = append(decoders, callback.NewCallback[pbffile.IndexedBlock, unit](
				callback.NewCallAll[pbffile.IndexedBlock, *elements.PrimitiveBlock, unit](lane, "unpack", decode)))
		}
		merged := callback.NewCallbackMerge[pbffile.IndexedBlock, unit, unit](decoders,
			func([]unit) unit { return unit{} })
		_, err = pbffile.ReadAllBlocks[unit](infn, merged, bar)
	}
	if err != nil {
		return nil, 0, err
	}

	maxTS := int64(0)
	nodeLoc := map[int64][2]int64{}
	for _, bl := range blocks {
		for i := range bl.Nodes {
			n := &bl.Nodes[i]
			nodeLoc[n.ID] = [2]int64{n.Lon, n.Lat}
			if n.Info.Timestamp > maxTS {
				maxTS = n.Info.Timestamp
			}
		}
		for i := range bl.Ways {
			if ts := bl.Ways[i].Info.Timestamp; ts > maxTS {
				maxTS = ts
			}
		}
		for i := range bl.Relations {
			if ts := bl.Relations[i].Info.Timestamp; ts > maxTS {
				maxTS = ts
			}
		}
	}

	// way quadtrees from node coordinates; remember each node's ways
	wayQts := map[int64]quadtree.Quadtree{}
	nodeWayQt := map[int64]quadtree.Quadtree{}
	missing := 0
	for _, bl := range blocks {
		for i := range bl.Ways {
			w := &bl.Ways[i]
			box := quadtree.EmptyBbox()
			for _, r := range w.Refs {
				if loc, ok := nodeLoc[r]; ok {
					box.Expand(loc[0], loc[1])
				} else {
					missing++
					if missing < 10 {
						progress.Message("way %d references missing node %d", w.ID, r)
					}
				}
			}
			q := quadtree.FromBbox(box, maxDepth, buffer)
			if q < 0 {
				q = quadtree.Root
			}
			w.Quadtree = q
			wayQts[w.ID] = q
			for _, r := range w.Refs {
				cur, ok := nodeWayQt[r]
				if !ok {
					cur = quadtree.Empty
				}
				nodeWayQt[r] = cur.Common(q)
			}
		}
	}
	if missing > 0 {
		progress.Message("%d missing way nodes", missing)
	}

	nodeQts := map[int64]quadtree.Quadtree{}
	for _, bl := range blocks {
		for i := range bl.Nodes {
			n := &bl.Nodes[i]
			if q, ok := nodeWayQt[n.ID]; ok && q >= 0 {
				n.Quadtree = q
			} else {
				q := quadtree.FromPoint(n.Lon, n.Lat, maxDepth, buffer)
				if q < 0 {
					q = quadtree.Root
				}
				n.Quadtree = q
			}
			nodeQts[n.ID] = n.Quadtree
		}
	}

	// relations: common ancestor of resolved members, bounded fixpoint for
	// relation members
	relQts := map[int64]quadtree.Quadtree{}
	type relRef struct{ rel, ref int64 }
	var relRels []relRef
	for _, bl := range blocks {
		for i := range bl.Relations {
			r := &bl.Relations[i]
			q := quadtree.Empty
			for _, m := range r.Members {
				switch m.Type {
				case elements.NodeType:
					if nq, ok := nodeQts[m.Ref]; ok {
						q = q.Common(nq)
					}
				case elements.WayType:
					if wq, ok := wayQts[m.Ref]; ok {
						q = q.Common(wq)
					}
				case elements.RelationType:
					relRels = append(relRels, relRef{r.ID, m.Ref})
				}
			}
			relQts[r.ID] = q
		}
	}
	for round := 0; round < relationFixpointRounds; round++ {
		for _, rr := range relRels {
			if q, ok := relQts[rr.ref]; ok && q >= 0 {
				relQts[rr.rel] = relQts[rr.rel].Common(q)
			}
		}
	}
	for _, bl := range blocks {
		for i := range bl.Relations {
			r := &bl.Relations[i]
			q := relQts[r.ID]
			if q < 0 {
				q = quadtree.Root
			}
			r.Quadtree = q
		}
	}

	return blocks, maxTS, nil
}
