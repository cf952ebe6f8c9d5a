// Package pbffile reads and writes the length-prefixed file blocks a pbf
// archive is framed into. It never decodes the inner OSM payloads; it only
// unwraps framing and codecs (zlib by default, brotli and lzma as
// alternatives).
package pbffile

import (
	"bytes"
	"io"

	"github.com/andybalholm/brotli"
	"github.com/klauspost/compress/zlib"
	"github.com/ulikunitz/xz/lzma"
	"golang.org/x/xerrors"

	"github.com/jharris2268/osmquadtree/pb"
)

type CompressionType int

const (
	Zlib CompressionType = iota
	Uncompressed
	Brotli
	Lzma
)

func (c CompressionType) String() string {
	switch c {
	case Zlib:
		return "zlib"
	case Uncompressed:
		return "uncompressed"
	case Brotli:
		return "brotli"
	case Lzma:
		return "lzma"
	}
	return "compression?"
}

// blob field numbers: 1 raw, 2 raw_size, 3 zlib, 4 lzma. Brotli payloads use
// 8, clear of the tags other writers assign.
const (
	blobRaw     = 1
	blobRawSize = 2
	blobZlib    = 3
	blobLzma    = 4
	blobBrotli  = 8
)

// A FileBlock is the typed envelope around one framed blob. The payload is
// kept in its on-disk form; Data decompresses on demand.
type FileBlock struct {
	Position    uint64
	Length      uint64
	BlockType   string
	Compression CompressionType
	RawSize     int64

	body []byte
}

// Data returns the decompressed payload.
func (fb *FileBlock) Data() ([]byte, error) {
	switch fb.Compression {
	case Uncompressed:
		return fb.body, nil
	case Zlib:
		r, err := zlib.NewReader(bytes.NewReader(fb.body))
		if err != nil {
			return nil, xerrors.Errorf("block at %d: zlib: %w", fb.Position, err)
		}
		defer r.Close()
		return readSized(r, fb.RawSize)
	case Brotli:
		return readSized(brotli.NewReader(bytes.NewReader(fb.body)), fb.RawSize)
	case Lzma:
		r, err := lzma.NewReader(bytes.NewReader(fb.body))
		if err != nil {
			return nil, xerrors.Errorf("block at %d: lzma: %w", fb.Position, err)
		}
		return readSized(r, fb.RawSize)
	}
	return nil, xerrors.Errorf("block at %d: unknown compression %d", fb.Position, fb.Compression)
}

func readSized(r io.Reader, size int64) ([]byte, error) {
	var buf bytes.Buffer
	if size > 0 {
		buf.Grow(int(size))
	}
	if _, err := buf.ReadFrom(r); err != nil {
		return nil, err
	}
	if size > 0 && int64(buf.Len()) != size {
		return nil, xerrors.Errorf("decompressed to %d bytes, expected %d", buf.Len(), size)
	}
	return buf.Bytes(), nil
}

// PackFileBlock frames a payload: [u32 BE header-length][header][blob].
func PackFileBlock(blockType string, data []byte, compression CompressionType, level int) ([]byte, error) {
	var blob []byte
	switch compression {
	case Uncompressed:
		blob = pb.PackData(blob, blobRaw, data)
	case Zlib, Brotli, Lzma:
		comp, err := compress(data, compression, level)
		if err != nil {
			return nil, xerrors.Errorf("pack %s block: %w", blockType, err)
		}
		blob = pb.PackValue(blob, blobRawSize, uint64(len(data)))
		field := uint64(blobZlib)
		switch compression {
		case Brotli:
			field = blobBrotli
		case Lzma:
			field = blobLzma
		}
		blob = pb.PackData(blob, field, comp)
	default:
		return nil, xerrors.Errorf("pack %s block: unknown compression %d", blockType, compression)
	}

	var head []byte
	head = pb.PackData(head, 1, []byte(blockType))
	head = pb.PackValue(head, 3, uint64(len(blob)))

	res := make([]byte, 0, 4+len(head)+len(blob))
	res = pb.AppendUint32(res, uint32(len(head)))
	res = append(res, head...)
	return append(res, blob...), nil
}

func compress(data []byte, compression CompressionType, level int) ([]byte, error) {
	var buf bytes.Buffer
	var w io.WriteCloser
	var err error
	switch compression {
	case Zlib:
		if level == 0 {
			level = zlib.DefaultCompression
		}
		w, err = zlib.NewWriterLevel(&buf, level)
	case Brotli:
		if level == 0 {
			level = brotli.DefaultCompression
		}
		w = brotli.NewWriterLevel(&buf, level)
	case Lzma:
		w, err = lzma.NewWriter(&buf)
	}
	if err != nil {
		return nil, err
	}
	if _, err := w.Write(data); err != nil {
		return nil, err
	}
	if err := w.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// UnpackFileBlock parses one framed block from a byte slice.
func UnpackFileBlock(pos uint64, data []byte) (*FileBlock, error) {
	hl, p, err := pb.ReadUint32(data, 0)
	if err != nil {
		return nil, xerrors.Errorf("block at %d: %w", pos, err)
	}
	if p+int(hl) > len(data) {
		return nil, xerrors.Errorf("block at %d: header runs past input: %w", pos, pb.ErrTruncated)
	}
	fb := &FileBlock{Position: pos, Compression: Uncompressed}
	var dataLen uint64
	it := pb.NewIter(data[p : p+int(hl)])
	for it.Next() {
		t := it.Tag()
		switch {
		case t.Field == 1 && t.IsData:
			fb.BlockType = string(t.Data)
		case t.Field == 3 && !t.IsData:
			dataLen = t.Value
		}
	}
	if err := it.Err(); err != nil {
		return nil, xerrors.Errorf("block at %d: header: %w", pos, err)
	}
	p += int(hl)
	if p+int(dataLen) > len(data) {
		return nil, xerrors.Errorf("block at %d: body runs past input: %w", pos, pb.ErrTruncated)
	}
	if err := fb.parseBlob(data[p : p+int(dataLen)]); err != nil {
		return nil, err
	}
	fb.Length = uint64(4 + int(hl) + int(dataLen))
	return fb, nil
}

func (fb *FileBlock) parseBlob(blob []byte) error {
	it := pb.NewIter(blob)
	for it.Next() {
		t := it.Tag()
		switch t.Field {
		case blobRaw:
			if t.IsData {
				fb.Compression = Uncompressed
				fb.body = t.Data
			}
		case blobRawSize:
			if !t.IsData {
				fb.RawSize = int64(t.Value)
			}
		case blobZlib:
			if t.IsData {
				fb.Compression = Zlib
				fb.body = t.Data
			}
		case blobLzma:
			if t.IsData {
				fb.Compression = Lzma
				fb.body = t.Data
			}
		case blobBrotli:
			if t.IsData {
				fb.Compression = Brotli
				fb.body = t.Data
			}
		default:
			return xerrors.Errorf("block at %d: unexpected blob field %d", fb.Position, t.Field)
		}
	}
	return it.Err()
}
