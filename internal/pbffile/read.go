package pbffile

import (
	"io"
	"os"

	"golang.org/x/exp/mmap"
	"golang.org/x/sync/errgroup"
	"golang.org/x/xerrors"

	"github.com/jharris2268/osmquadtree/internal/callback"
	"github.com/jharris2268/osmquadtree/internal/progress"
	"github.com/jharris2268/osmquadtree/pb"
)

// ReadFileBlock reads one framed block from the reader. io.EOF at a frame
// boundary means end of archive.
func ReadFileBlock(r io.Reader, pos uint64) (*FileBlock, error) {
	var lenbuf [4]byte
	if _, err := io.ReadFull(r, lenbuf[:]); err != nil {
		if err == io.EOF {
			return nil, io.EOF
		}
		return nil, xerrors.Errorf("block at %d: %w", pos, err)
	}
	hl, _, err := pb.ReadUint32(lenbuf[:], 0)
	if err != nil {
		return nil, err
	}
	head := make([]byte, hl)
	if _, err := io.ReadFull(r, head); err != nil {
		return nil, xerrors.Errorf("block at %d: header: %w", pos, err)
	}
	var blockType string
	var dataLen uint64
	it := pb.NewIter(head)
	for it.Next() {
		t := it.Tag()
		switch {
		case t.Field == 1 && t.IsData:
			blockType = string(t.Data)
		case t.Field == 3 && !t.IsData:
			dataLen = t.Value
		}
	}
	if err := it.Err(); err != nil {
		return nil, xerrors.Errorf("block at %d: header: %w", pos, err)
	}
	body := make([]byte, dataLen)
	if _, err := io.ReadFull(r, body); err != nil {
		return nil, xerrors.Errorf("block at %d: body: %w", pos, err)
	}
	fb := &FileBlock{Position: pos, BlockType: blockType, Compression: Uncompressed}
	if err := fb.parseBlob(body); err != nil {
		return nil, err
	}
	fb.Length = uint64(4 + int(hl) + int(dataLen))
	return fb, nil
}

// ReadFileBlockAt reads one framed block at an absolute offset.
func ReadFileBlockAt(r io.ReaderAt, pos uint64) (*FileBlock, error) {
	var lenbuf [4]byte
	if _, err := r.ReadAt(lenbuf[:], int64(pos)); err != nil {
		return nil, xerrors.Errorf("block at %d: %w", pos, err)
	}
	hl, _, err := pb.ReadUint32(lenbuf[:], 0)
	if err != nil {
		return nil, err
	}
	head := make([]byte, hl)
	if _, err := r.ReadAt(head, int64(pos)+4); err != nil {
		return nil, xerrors.Errorf("block at %d: header: %w", pos, err)
	}
	var dataLen uint64
	var blockType string
	it := pb.NewIter(head)
	for it.Next() {
		t := it.Tag()
		switch {
		case t.Field == 1 && t.IsData:
			blockType = string(t.Data)
		case t.Field == 3 && !t.IsData:
			dataLen = t.Value
		}
	}
	if err := it.Err(); err != nil {
		return nil, xerrors.Errorf("block at %d: header: %w", pos, err)
	}
	body := make([]byte, dataLen)
	if _, err := r.ReadAt(body, int64(pos)+4+int64(hl)); err != nil {
		return nil, xerrors.Errorf("block at %d: body: %w", pos, err)
	}
	fb := &FileBlock{Position: pos, BlockType: blockType, Compression: Uncompressed}
	if err := fb.parseBlob(body); err != nil {
		return nil, err
	}
	fb.Length = uint64(4) + uint64(hl) + dataLen
	return fb, nil
}

// An IndexedBlock is one block paired with its sequence number in the scan.
type IndexedBlock struct {
	Index int
	Block *FileBlock
}

// FileLength returns the file size, or 0 when it cannot be read.
func FileLength(fname string) uint64 {
	fi, err := os.Stat(fname)
	if err != nil {
		return 0
	}
	return uint64(fi.Size())
}

// ReadAllBlocks streams every block of the named file through the handler in
// order, reporting file-offset progress, and returns the handler result.
func ReadAllBlocks[T any](fname string, h callback.Handler[IndexedBlock, T], bar progress.Bar) (T, error) {
	var zero T
	f, err := os.Open(fname)
	if err != nil {
		return zero, err
	}
	defer f.Close()

	pos := uint64(0)
	for idx := 0; ; idx++ {
		fb, err := ReadFileBlock(f, pos)
		if err == io.EOF {
			break
		}
		if err != nil {
			return zero, err
		}
		pos += fb.Length
		bar.Set(int64(pos))
		h.Call(IndexedBlock{Index: idx, Block: fb})
	}
	bar.Finish()
	return h.Finish()
}

// ReadBlocksLocs reads the blocks at the given offsets, in order, through
// the handler. Used for the targeted tile reads of the update engine.
func ReadBlocksLocs[T any](r io.ReaderAt, fname string, locs []uint64, h callback.Handler[IndexedBlock, T], bar progress.Bar) (T, error) {
	var zero T
	for idx, pos := range locs {
		fb, err := ReadFileBlockAt(r, pos)
		if err != nil {
			return zero, xerrors.Errorf("%s: %w", fname, err)
		}
		h.Call(IndexedBlock{Index: idx, Block: fb})
		bar.Add(1)
	}
	return h.Finish()
}

// A Loc names one block of a file group: which file of the set, and where.
type Loc struct {
	File int
	Pos  uint64
}

// KeyedLocs lists the blocks of one group, keyed by the group's quadtree.
type KeyedLocs struct {
	Key  int64
	Locs []Loc
}

// KeyedBlocks is the parallel reader's unit of delivery: every block of one
// group, in file order.
type KeyedBlocks struct {
	Key    int64
	Blocks []*FileBlock
}

// OpenMmap opens a file for random access reads.
func OpenMmap(fname string) (*mmap.ReaderAt, error) {
	return mmap.Open(fname)
}

// ReadBlocksParallel fetches each group's blocks using numchan concurrent
// lanes over shared ReaderAts and delivers them to the handler in key order.
func ReadBlocksParallel[T any](files []io.ReaderAt, locs []KeyedLocs, numchan int, h callback.Handler[KeyedBlocks, T], bar progress.Bar) (T, error) {
	var zero T
	if numchan < 1 {
		numchan = 1
	}

	type fetched struct {
		blocks []*FileBlock
		err    error
	}
	chans := make([]chan fetched, numchan)
	for i := range chans {
		chans[i] = make(chan fetched, 1)
	}

	var eg errgroup.Group
	for lane := 0; lane < numchan; lane++ {
		lane := lane
		eg.Go(func() error {
			defer close(chans[lane])
			for gi := lane; gi < len(locs); gi += numchan {
				g := locs[gi]
				blocks := make([]*FileBlock, 0, len(g.Locs))
				var ferr error
				for _, l := range g.Locs {
					if l.File >= len(files) {
						ferr = xerrors.Errorf("group %d: file index %d out of range", g.Key, l.File)
						break
					}
					fb, err := ReadFileBlockAt(files[l.File], l.Pos)
					if err != nil {
						ferr = err
						break
					}
					blocks = append(blocks, fb)
				}
				chans[lane] <- fetched{blocks: blocks, err: ferr}
				if ferr != nil {
					return ferr
				}
			}
			return nil
		})
	}

	var readErr error
	for gi := range locs {
		f, ok := <-chans[gi%numchan]
		if !ok {
			break
		}
		if f.err != nil {
			readErr = f.err
			break
		}
		h.Call(KeyedBlocks{Key: locs[gi].Key, Blocks: f.blocks})
		bar.Add(1)
	}
	// drain so lane goroutines can exit
	for _, c := range chans {
		for range c {
		}
	}
	if err := eg.Wait(); err != nil && readErr == nil {
		readErr = err
	}
	res, err := h.Finish()
	if readErr != nil {
		return zero, readErr
	}
	return res, err
}
