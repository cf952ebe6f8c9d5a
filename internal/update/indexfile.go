package update

import (
	"io"
	"os"

	"golang.org/x/xerrors"

	"github.com/jharris2268/osmquadtree/internal/elements"
	"github.com/jharris2268/osmquadtree/internal/idset"
	"github.com/jharris2268/osmquadtree/internal/pbffile"
	"github.com/jharris2268/osmquadtree/internal/progress"
	"github.com/jharris2268/osmquadtree/internal/quadtree"
	"github.com/jharris2268/osmquadtree/pb"
)

// An index file (<archive>-index.pbf) lists, per tile, the ids the tile
// contains. The update engine scans it instead of the archive itself to
// decide which tiles a change touches.
//
// Index block payload: 1 tile quadtree (zigzag), 2/3/4 delta-packed
// node/way/relation ids.

func packIndexBlock(qt quadtree.Quadtree, nodes, ways, relations []int64) []byte {
	var res []byte
	res = pb.PackValue(res, 1, pb.ZigZag(int64(qt)))
	if len(nodes) > 0 {
		res = pb.PackData(res, 2, pb.PackDeltaInt(nodes))
	}
	if len(ways) > 0 {
		res = pb.PackData(res, 3, pb.PackDeltaInt(ways))
	}
	if len(relations) > 0 {
		res = pb.PackData(res, 4, pb.PackDeltaInt(relations))
	}
	return res
}

type indexTile struct {
	qt        quadtree.Quadtree
	nodes     []int64
	ways      []int64
	relations []int64
}

func unpackIndexBlock(data []byte) (*indexTile, error) {
	res := &indexTile{qt: quadtree.Empty}
	it := pb.NewIter(data)
	for it.Next() {
		t := it.Tag()
		var err error
		switch {
		case t.Field == 1 && !t.IsData:
			res.qt = quadtree.Quadtree(pb.UnZigZag(t.Value))
		case t.Field == 2 && t.IsData:
			res.nodes, err = pb.ReadDeltaPackedInt(t.Data)
		case t.Field == 3 && t.IsData:
			res.ways, err = pb.ReadDeltaPackedInt(t.Data)
		case t.Field == 4 && t.IsData:
			res.relations, err = pb.ReadDeltaPackedInt(t.Data)
		}
		if err != nil {
			return nil, err
		}
	}
	if err := it.Err(); err != nil {
		return nil, err
	}
	if res.qt == quadtree.Empty {
		return nil, xerrors.New("index block without quadtree")
	}
	return res, nil
}

// WriteIndexFile scans an archive and writes its -index.pbf sidecar.
func WriteIndexFile(archiveFn, indexFn string) (int, error) {
	f, err := os.Open(archiveFn)
	if err != nil {
		return 0, err
	}
	defer f.Close()

	wf, err := pbffile.NewWriteFile(indexFn, pbffile.HeaderNone, quadtree.EmptyBbox(), false)
	if err != nil {
		return 0, err
	}

	bar := progress.NewBar(int64(pbffile.FileLength(archiveFn)), "write index "+indexFn)
	tiles := 0
	pos := uint64(0)
	for {
		fb, err := pbffile.ReadFileBlock(f, pos)
		if err == io.EOF {
			break
		}
		if err != nil {
			return 0, err
		}
		pos += fb.Length
		bar.Set(int64(pos))
		if fb.BlockType != "OSMData" {
			continue
		}
		data, err := fb.Data()
		if err != nil {
			return 0, err
		}
		mb, err := elements.ReadMinimalBlock(int64(tiles), fb.Position, data)
		if err != nil {
			return 0, err
		}
		var nodes, ways, relations []int64
		for i := range mb.Nodes {
			nodes = append(nodes, mb.Nodes[i].ID)
		}
		for i := range mb.Ways {
			ways = append(ways, mb.Ways[i].ID)
		}
		for i := range mb.Relations {
			relations = append(relations, mb.Relations[i].ID)
		}
		blob, err := pbffile.PackFileBlock("Index", packIndexBlock(mb.Quadtree, nodes, ways, relations), pbffile.Zlib, 0)
		if err != nil {
			return 0, err
		}
		wf.Call([]pbffile.KeyedData{{Key: int64(mb.Quadtree), Data: blob}})
		tiles++
	}
	bar.Finish()
	if _, err := wf.Finish(); err != nil {
		return 0, err
	}
	return tiles, nil
}

// CheckIndexFile returns the tiles of the archive that contain any id the
// set cares about.
func CheckIndexFile(indexFn string, ids *idset.Set) ([]quadtree.Quadtree, error) {
	f, err := os.Open(indexFn)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	var res []quadtree.Quadtree
	pos := uint64(0)
	for {
		fb, err := pbffile.ReadFileBlock(f, pos)
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, err
		}
		pos += fb.Length
		if fb.BlockType != "Index" {
			continue
		}
		data, err := fb.Data()
		if err != nil {
			return nil, err
		}
		tile, err := unpackIndexBlock(data)
		if err != nil {
			return nil, err
		}
		if tileMatches(tile, ids) {
			res = append(res, tile.qt)
		}
	}
	return res, nil
}

func tileMatches(tile *indexTile, ids *idset.Set) bool {
	for _, id := range tile.nodes {
		if ids.ContainsNode(id) {
			return true
		}
	}
	for _, id := range tile.ways {
		if ids.ContainsWay(id) {
			return true
		}
	}
	for _, id := range tile.relations {
		if ids.ContainsRelation(id) {
			return true
		}
	}
	return false
}
