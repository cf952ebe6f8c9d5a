package pbffile

import (
	"golang.org/x/xerrors"

	"github.com/jharris2268/osmquadtree/internal/quadtree"
	"github.com/jharris2268/osmquadtree/pb"
)

// An IndexEntry locates one tile within an archive, stored in the OSMHeader
// extension (field 22) so readers can seek without scanning.
type IndexEntry struct {
	Quadtree quadtree.Quadtree
	IsChange bool
	Location uint64
	Length   uint64
}

// A HeaderBlock is the decoded OSMHeader payload.
type HeaderBlock struct {
	Bbox     quadtree.Bbox
	Writer   string
	Features []string
	Index    []IndexEntry
}

const writingProgram = "osmquadtree"

var requiredFeatures = []string{"OsmSchema-V0.6", "DenseNodes"}

// header bbox coordinates are nanodegrees; ours are 1e-7 degree.
const headerCoordScale = 100

// PackHeaderBlock encodes an OSMHeader payload, including the locations
// index when entries are supplied.
func PackHeaderBlock(bbox quadtree.Bbox, index []IndexEntry) []byte {
	var res []byte
	if !bbox.IsEmpty() {
		var bb []byte
		bb = pb.PackValue(bb, 1, pb.ZigZag(bbox.Minlon*headerCoordScale))
		bb = pb.PackValue(bb, 2, pb.ZigZag(bbox.Maxlon*headerCoordScale))
		bb = pb.PackValue(bb, 3, pb.ZigZag(bbox.Maxlat*headerCoordScale))
		bb = pb.PackValue(bb, 4, pb.ZigZag(bbox.Minlat*headerCoordScale))
		res = pb.PackData(res, 1, bb)
	}
	for _, f := range requiredFeatures {
		res = pb.PackData(res, 4, []byte(f))
	}
	res = pb.PackData(res, 16, []byte(writingProgram))
	for _, e := range index {
		var ee []byte
		ee = pb.PackValue(ee, 1, pb.ZigZag(int64(e.Quadtree)))
		if e.IsChange {
			ee = pb.PackValue(ee, 2, 1)
		}
		ee = pb.PackValue(ee, 3, e.Location)
		ee = pb.PackValue(ee, 4, e.Length)
		res = pb.PackData(res, 22, ee)
	}
	return res
}

// ReadHeaderBlock decodes an OSMHeader payload.
func ReadHeaderBlock(data []byte) (*HeaderBlock, error) {
	res := &HeaderBlock{Bbox: quadtree.EmptyBbox()}
	it := pb.NewIter(data)
	for it.Next() {
		t := it.Tag()
		if !t.IsData {
			continue
		}
		switch t.Field {
		case 1:
			bb, err := readHeaderBbox(t.Data)
			if err != nil {
				return nil, err
			}
			res.Bbox = bb
		case 4, 5:
			res.Features = append(res.Features, string(t.Data))
		case 16:
			res.Writer = string(t.Data)
		case 22:
			e, err := readIndexEntry(t.Data)
			if err != nil {
				return nil, err
			}
			res.Index = append(res.Index, e)
		}
	}
	return res, it.Err()
}

func readHeaderBbox(data []byte) (quadtree.Bbox, error) {
	bb := quadtree.EmptyBbox()
	it := pb.NewIter(data)
	for it.Next() {
		t := it.Tag()
		if t.IsData {
			continue
		}
		v := pb.UnZigZag(t.Value) / headerCoordScale
		switch t.Field {
		case 1:
			bb.Minlon = v
		case 2:
			bb.Maxlon = v
		case 3:
			bb.Maxlat = v
		case 4:
			bb.Minlat = v
		}
	}
	return bb, it.Err()
}

func readIndexEntry(data []byte) (IndexEntry, error) {
	var e IndexEntry
	e.Quadtree = quadtree.Empty
	it := pb.NewIter(data)
	for it.Next() {
		t := it.Tag()
		if t.IsData {
			continue
		}
		switch t.Field {
		case 1:
			e.Quadtree = quadtree.Quadtree(pb.UnZigZag(t.Value))
		case 2:
			e.IsChange = t.Value != 0
		case 3:
			e.Location = t.Value
		case 4:
			e.Length = t.Value
		}
	}
	if err := it.Err(); err != nil {
		return e, err
	}
	if e.Quadtree == quadtree.Empty {
		return e, xerrors.New("header index entry without quadtree")
	}
	return e, nil
}

// ReadHeader reads and decodes the leading OSMHeader block of an archive.
func ReadHeader(fname string) (*HeaderBlock, *FileBlock, error) {
	f, err := OpenMmap(fname)
	if err != nil {
		return nil, nil, err
	}
	defer f.Close()
	fb, err := ReadFileBlockAt(f, 0)
	if err != nil {
		return nil, nil, err
	}
	if fb.BlockType != "OSMHeader" {
		return nil, nil, xerrors.Errorf("%s: first block is %q, not an OSMHeader", fname, fb.BlockType)
	}
	data, err := fb.Data()
	if err != nil {
		return nil, nil, err
	}
	hb, err := ReadHeaderBlock(data)
	if err != nil {
		return nil, nil, xerrors.Errorf("%s: %w", fname, err)
	}
	return hb, fb, nil
}
