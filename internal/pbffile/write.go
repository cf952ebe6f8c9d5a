package pbffile

import (
	"bufio"
	"encoding/json"
	"io"
	"os"
	"sort"

	"github.com/google/renameio"
	"golang.org/x/xerrors"

	"github.com/jharris2268/osmquadtree/internal/quadtree"
)

// HeaderType selects what a WriteFile emits ahead of (and after) the data
// blocks.
type HeaderType int

const (
	// HeaderNone writes data blocks only (temp files).
	HeaderNone HeaderType = iota
	// HeaderNoLocs writes an OSMHeader without a locations index.
	HeaderNoLocs
	// HeaderExternalLocs writes an OSMHeader and a -filelocs.json sidecar.
	HeaderExternalLocs
	// HeaderInternalLocs spools blocks to a temporary file and assembles
	// the archive at Finish, with the locations index inside the OSMHeader.
	HeaderInternalLocs
)

// A BlockLoc is one written block's position and framed length.
type BlockLoc struct {
	Pos uint64 `json:"pos"`
	Len uint64 `json:"len"`
}

// KeyedBlockLocs collects the written blocks of one tile.
type KeyedBlockLocs struct {
	Key    int64      `json:"key"`
	Blocks []BlockLoc `json:"blocks"`
}

type FileLocs []KeyedBlockLocs

// KeyedData pairs a tile key with one fully framed file block.
type KeyedData struct {
	Key  int64
	Data []byte
}

// A WriteFile owns one output archive. It is not safe for concurrent use;
// fan-in writers route all writes through one lane (NewCallbackSync).
type WriteFile struct {
	fname      string
	headerType HeaderType
	bbox       quadtree.Bbox
	isChange   bool

	f   *os.File
	buf *bufio.Writer
	pos uint64

	locs map[int64][]BlockLoc
	keys []int64

	err error
}

// NewWriteFile creates the archive. With HeaderInternalLocs the data blocks
// are spooled to <fname>.tmp and the final file, index included, is
// assembled by Finish.
func NewWriteFile(fname string, headerType HeaderType, bbox quadtree.Bbox, isChange bool) (*WriteFile, error) {
	wf := &WriteFile{
		fname:      fname,
		headerType: headerType,
		bbox:       bbox,
		isChange:   isChange,
		locs:       map[int64][]BlockLoc{},
	}
	target := fname
	if headerType == HeaderInternalLocs {
		target = fname + ".tmp"
	}
	f, err := os.Create(target)
	if err != nil {
		return nil, err
	}
	wf.f = f
	wf.buf = bufio.NewWriterSize(f, 1<<20)
	if headerType == HeaderNoLocs || headerType == HeaderExternalLocs {
		head, err := PackFileBlock("OSMHeader", PackHeaderBlock(bbox, nil), Zlib, 0)
		if err != nil {
			f.Close()
			return nil, err
		}
		if _, err := wf.buf.Write(head); err != nil {
			f.Close()
			return nil, err
		}
		wf.pos = uint64(len(head))
	}
	return wf, nil
}

// Call writes a batch of framed blocks. Errors stick and surface at Finish.
func (wf *WriteFile) Call(items []KeyedData) {
	if wf.err != nil {
		return
	}
	for _, it := range items {
		if _, ok := wf.locs[it.Key]; !ok {
			wf.keys = append(wf.keys, it.Key)
		}
		wf.locs[it.Key] = append(wf.locs[it.Key], BlockLoc{Pos: wf.pos, Len: uint64(len(it.Data))})
		if _, err := wf.buf.Write(it.Data); err != nil {
			wf.err = xerrors.Errorf("write %s: %w", wf.fname, err)
			return
		}
		wf.pos += uint64(len(it.Data))
	}
}

// Finish flushes the archive, emits the locations index in the form the
// header type calls for, and returns the per-tile block locations in key
// order.
func (wf *WriteFile) Finish() (FileLocs, error) {
	if wf.err != nil {
		return nil, wf.err
	}
	if err := wf.buf.Flush(); err != nil {
		return nil, err
	}
	if err := wf.f.Close(); err != nil {
		return nil, err
	}

	if wf.headerType == HeaderInternalLocs {
		if err := wf.assemble(); err != nil {
			return nil, err
		}
	}

	sort.Slice(wf.keys, func(i, j int) bool { return wf.keys[i] < wf.keys[j] })
	res := make(FileLocs, 0, len(wf.keys))
	for _, k := range wf.keys {
		res = append(res, KeyedBlockLocs{Key: k, Blocks: wf.locs[k]})
	}

	if wf.headerType == HeaderExternalLocs {
		data, err := json.MarshalIndent(res, "", " ")
		if err != nil {
			return nil, err
		}
		if err := renameio.WriteFile(wf.fname+"-filelocs.json", data, 0644); err != nil {
			return nil, err
		}
	}
	return res, nil
}

// assemble copies the spooled blocks behind a header carrying the index.
// Blocks land in key order regardless of the order they were written in.
func (wf *WriteFile) assemble() error {
	tmp := wf.fname + ".tmp"
	defer os.Remove(tmp)

	sort.Slice(wf.keys, func(i, j int) bool { return wf.keys[i] < wf.keys[j] })
	type pending struct {
		key int64
		loc BlockLoc
	}
	var all []pending
	for _, k := range wf.keys {
		for _, l := range wf.locs[k] {
			all = append(all, pending{k, l})
		}
	}

	index := make([]IndexEntry, len(all))
	for i, p := range all {
		index[i] = IndexEntry{
			Quadtree: quadtree.Quadtree(p.key),
			IsChange: wf.isChange,
			Length:   p.loc.Len,
		}
	}

	// block locations depend on the header length, which depends on the
	// encoded locations: iterate until the size settles
	head, err := PackFileBlock("OSMHeader", PackHeaderBlock(wf.bbox, index), Zlib, 0)
	if err != nil {
		return err
	}
	headLen := len(head)
	for tries := 0; ; tries++ {
		pos := uint64(headLen)
		for i := range index {
			index[i].Location = pos
			pos += index[i].Length
		}
		head, err = PackFileBlock("OSMHeader", PackHeaderBlock(wf.bbox, index), Zlib, 0)
		if err != nil {
			return err
		}
		if len(head) == headLen {
			break
		}
		if tries >= 10 {
			return xerrors.Errorf("write %s: header index did not stabilise", wf.fname)
		}
		headLen = len(head)
	}

	src, err := os.Open(tmp)
	if err != nil {
		return err
	}
	defer src.Close()
	out, err := os.Create(wf.fname)
	if err != nil {
		return err
	}
	buf := bufio.NewWriterSize(out, 1<<20)
	if _, err := buf.Write(head); err != nil {
		out.Close()
		return err
	}
	newLocs := map[int64][]BlockLoc{}
	pos := uint64(len(head))
	for _, p := range all {
		if _, err := src.Seek(int64(p.loc.Pos), io.SeekStart); err != nil {
			out.Close()
			return err
		}
		if _, err := io.CopyN(buf, src, int64(p.loc.Len)); err != nil {
			out.Close()
			return err
		}
		newLocs[p.key] = append(newLocs[p.key], BlockLoc{Pos: pos, Len: p.loc.Len})
		pos += p.loc.Len
	}
	wf.locs = newLocs
	wf.pos = pos
	if err := buf.Flush(); err != nil {
		out.Close()
		return err
	}
	return out.Close()
}

// BytesWritten reports the archive size so far.
func (wf *WriteFile) BytesWritten() uint64 {
	return wf.pos
}
