package calcqts

import (
	"io"
	"os"
	"sort"

	"golang.org/x/xerrors"

	"github.com/jharris2268/osmquadtree/internal/pbffile"
	"github.com/jharris2268/osmquadtree/pb"
)

// Waynode pairs are bucketed by node id so that one bucket's pairs fit
// comfortably in memory: bucket key = node id >> waynodeBucketShift.
const waynodeBucketShift = 22

// flush a bucket to its own block once it holds this many pairs; buckets
// written in several chunks are merged and re-sorted when read back
const waynodeChunkSize = 1 << 20

// A WayNodePair records that the way references the node.
type WayNodePair struct {
	Node int64
	Way  int64
}

// packWayNodes encodes one chunk: delta-packed node ids (field 1) and way
// ids (field 2), plus the bucket key (field 3).
func packWayNodes(key int64, pairs []WayNodePair) []byte {
	nodes := make([]int64, len(pairs))
	ways := make([]int64, len(pairs))
	for i, p := range pairs {
		nodes[i] = p.Node
		ways[i] = p.Way
	}
	var res []byte
	res = pb.PackData(res, 1, pb.PackDeltaInt(nodes))
	res = pb.PackData(res, 2, pb.PackDeltaInt(ways))
	res = pb.PackValue(res, 3, uint64(key))
	return res
}

func unpackWayNodes(data []byte) (int64, []WayNodePair, error) {
	var nodes, ways []int64
	key := int64(-1)
	it := pb.NewIter(data)
	for it.Next() {
		t := it.Tag()
		var err error
		switch {
		case t.Field == 1 && t.IsData:
			nodes, err = pb.ReadDeltaPackedInt(t.Data)
		case t.Field == 2 && t.IsData:
			ways, err = pb.ReadDeltaPackedInt(t.Data)
		case t.Field == 3 && !t.IsData:
			key = int64(t.Value)
		}
		if err != nil {
			return 0, nil, err
		}
	}
	if err := it.Err(); err != nil {
		return 0, nil, err
	}
	if len(nodes) != len(ways) {
		return 0, nil, xerrors.Errorf("waynodes chunk: %d nodes but %d ways", len(nodes), len(ways))
	}
	pairs := make([]WayNodePair, len(nodes))
	for i := range nodes {
		pairs[i] = WayNodePair{Node: nodes[i], Way: ways[i]}
	}
	return key, pairs, nil
}

func sortPairs(pairs []WayNodePair) {
	sort.Slice(pairs, func(i, j int) bool {
		if pairs[i].Node != pairs[j].Node {
			return pairs[i].Node < pairs[j].Node
		}
		return pairs[i].Way < pairs[j].Way
	})
}

// wayNodeVals is the assembled waynodes table: per bucket, one or more
// packed chunks, either held in memory or spilled to a temp file.
type wayNodeVals struct {
	inMem map[int64][][]byte

	fname string
	locs  map[int64][]uint64

	keys []int64
}

func (w *wayNodeVals) sortKeys() {
	sort.Slice(w.keys, func(i, j int) bool { return w.keys[i] < w.keys[j] })
}

// collectWayNodes buckets pairs as ways stream past and flushes full
// buckets as packed chunks.
type collectWayNodes struct {
	sink    func(key int64, chunk []byte) error
	buckets map[int64][]WayNodePair
	err     error
}

func newCollectWayNodes(sink func(int64, []byte) error) *collectWayNodes {
	return &collectWayNodes{sink: sink, buckets: map[int64][]WayNodePair{}}
}

func (c *collectWayNodes) add(node, way int64) {
	if c.err != nil {
		return
	}
	key := node >> waynodeBucketShift
	b := append(c.buckets[key], WayNodePair{Node: node, Way: way})
	if len(b) >= waynodeChunkSize {
		sortPairs(b)
		c.err = c.sink(key, packWayNodes(key, b))
		b = b[:0]
	}
	c.buckets[key] = b
}

func (c *collectWayNodes) flush() error {
	if c.err != nil {
		return c.err
	}
	keys := make([]int64, 0, len(c.buckets))
	for k := range c.buckets {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool { return keys[i] < keys[j] })
	for _, k := range keys {
		b := c.buckets[k]
		if len(b) == 0 {
			continue
		}
		sortPairs(b)
		if err := c.sink(k, packWayNodes(k, b)); err != nil {
			return err
		}
	}
	c.buckets = map[int64][]WayNodePair{}
	return nil
}

// wayNodesFile streams packed chunks into <base>-waynodes as WayNodes
// file blocks.
type wayNodesFile struct {
	fname string
	f     *os.File
	pos   uint64
	vals  *wayNodeVals
}

func newWayNodesFile(fname string) (*wayNodesFile, error) {
	f, err := os.Create(fname)
	if err != nil {
		return nil, err
	}
	return &wayNodesFile{
		fname: fname,
		f:     f,
		vals:  &wayNodeVals{fname: fname, locs: map[int64][]uint64{}},
	}, nil
}

func (w *wayNodesFile) add(key int64, chunk []byte) error {
	blob, err := pbffile.PackFileBlock("WayNodes", chunk, pbffile.Zlib, 0)
	if err != nil {
		return err
	}
	if _, ok := w.vals.locs[key]; !ok {
		w.vals.keys = append(w.vals.keys, key)
	}
	w.vals.locs[key] = append(w.vals.locs[key], w.pos)
	if _, err := w.f.Write(blob); err != nil {
		return err
	}
	w.pos += uint64(len(blob))
	return nil
}

func (w *wayNodesFile) finish() (*wayNodeVals, error) {
	if err := w.f.Close(); err != nil {
		return nil, err
	}
	w.vals.sortKeys()
	return w.vals, nil
}

// loadWayNodesFile indexes an existing -waynodes file (calcqts-load-existing).
func loadWayNodesFile(fname string) (*wayNodeVals, error) {
	f, err := os.Open(fname)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	vals := &wayNodeVals{fname: fname, locs: map[int64][]uint64{}}
	pos := uint64(0)
	for {
		fb, err := pbffile.ReadFileBlock(f, pos)
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, err
		}
		if fb.BlockType != "WayNodes" {
			return nil, xerrors.Errorf("%s: unexpected block type %q", fname, fb.BlockType)
		}
		data, err := fb.Data()
		if err != nil {
			return nil, err
		}
		key, _, err := unpackWayNodes(data)
		if err != nil {
			return nil, err
		}
		if _, ok := vals.locs[key]; !ok {
			vals.keys = append(vals.keys, key)
		}
		vals.locs[key] = append(vals.locs[key], pos)
		pos += fb.Length
	}
	vals.sortKeys()
	return vals, nil
}

// iter yields every pair in node-id order. Buckets written as a
// single sorted chunk stream straight through; multi-chunk buckets are
// merged and re-sorted first.
func (w *wayNodeVals) iter(fn func(WayNodePair) error) error {
	var reader io.ReaderAt
	if w.fname != "" {
		r, err := pbffile.OpenMmap(w.fname)
		if err != nil {
			return err
		}
		defer r.Close()
		reader = r
	}

	for _, key := range w.keys {
		var chunks [][]byte
		if w.inMem != nil {
			chunks = w.inMem[key]
		} else {
			for _, pos := range w.locs[key] {
				fb, err := pbffile.ReadFileBlockAt(reader, pos)
				if err != nil {
					return err
				}
				data, err := fb.Data()
				if err != nil {
					return err
				}
				chunks = append(chunks, data)
			}
		}
		var pairs []WayNodePair
		for _, c := range chunks {
			_, pp, err := unpackWayNodes(c)
			if err != nil {
				return err
			}
			pairs = append(pairs, pp...)
		}
		if len(chunks) > 1 {
			// chunks are individually sorted but overlap; merge by re-sort
			sortPairs(pairs)
		}
		for _, p := range pairs {
			if err := fn(p); err != nil {
				return err
			}
		}
	}
	return nil
}
