// Package pb implements the subset of the protobuf wire format used by OSM
// pbf files: varints, zig-zag values, length-delimited fields and the packed
// (and delta-packed) repeated encodings. Field structure is hand-walked
// rather than driven by generated message types because pbf payloads lean on
// delta-packed columns which generated code cannot stream.
package pb

import (
	"google.golang.org/protobuf/encoding/protowire"

	"golang.org/x/xerrors"
)

// ErrTruncated is wrapped by all decode failures caused by running off the
// end of the input.
var ErrTruncated = xerrors.New("pb: truncated input")

// ReadUint32 reads the big-endian length prefix used by pbf file framing.
func ReadUint32(data []byte, pos int) (uint32, int, error) {
	if pos+4 > len(data) {
		return 0, pos, ErrTruncated
	}
	v := uint32(data[pos])<<24 | uint32(data[pos+1])<<16 | uint32(data[pos+2])<<8 | uint32(data[pos+3])
	return v, pos + 4, nil
}

// ReadVarint reads one varint, at most ten bytes.
func ReadVarint(data []byte, pos int) (uint64, int, error) {
	v, n := protowire.ConsumeVarint(data[pos:])
	if n < 0 {
		return 0, pos, xerrors.Errorf("pb: varint at %d: %w", pos, ErrTruncated)
	}
	return v, pos + n, nil
}

// UnZigZag decodes a zig-zag encoded signed value.
func UnZigZag(v uint64) int64 {
	return protowire.DecodeZigZag(v)
}

// A Tag is one decoded field. Exactly one of Value (wire type 0) or Data
// (wire type 2) is meaningful, selected by IsData.
type Tag struct {
	Field  uint64
	Value  uint64
	Data   []byte
	IsData bool
}

// An Iter walks the fields of one message body. Groups and fixed-width wire
// types do not occur in pbf data and stop iteration with an error.
type Iter struct {
	data []byte
	pos  int
	tag  Tag
	err  error
}

func NewIter(data []byte) *Iter {
	return &Iter{data: data}
}

// Next advances to the next field, returning false at end of input or on a
// malformed field (check Err).
func (it *Iter) Next() bool {
	if it.err != nil || it.pos >= len(it.data) {
		return false
	}
	key, pos, err := ReadVarint(it.data, it.pos)
	if err != nil {
		it.err = err
		return false
	}
	if key == 0 {
		it.pos = pos
		return it.Next()
	}
	field := key >> 3
	switch key & 7 {
	case 0:
		v, npos, err := ReadVarint(it.data, pos)
		if err != nil {
			it.err = err
			return false
		}
		it.tag = Tag{Field: field, Value: v}
		it.pos = npos
	case 2:
		l, npos, err := ReadVarint(it.data, pos)
		if err != nil {
			it.err = err
			return false
		}
		end := npos + int(l)
		if end > len(it.data) {
			it.err = xerrors.Errorf("pb: field %d length %d at %d: %w", field, l, npos, ErrTruncated)
			return false
		}
		it.tag = Tag{Field: field, Data: it.data[npos:end], IsData: true}
		it.pos = end
	default:
		it.err = xerrors.Errorf("pb: field %d has unsupported wire type %d", field, key&7)
		return false
	}
	return true
}

func (it *Iter) Tag() Tag   { return it.tag }
func (it *Iter) Err() error { return it.err }

// ReadAllTags decodes every field of a message body at once.
func ReadAllTags(data []byte) ([]Tag, error) {
	var res []Tag
	it := NewIter(data)
	for it.Next() {
		res = append(res, it.Tag())
	}
	return res, it.Err()
}

func countPacked(data []byte) int {
	count := 0
	for pos := 0; pos < len(data); {
		_, n := protowire.ConsumeVarint(data[pos:])
		if n < 0 {
			return count
		}
		pos += n
		count++
	}
	return count
}

// ReadPackedInt decodes a packed repeated uint field.
func ReadPackedInt(data []byte) ([]uint64, error) {
	res := make([]uint64, 0, countPacked(data))
	for pos := 0; pos < len(data); {
		v, npos, err := ReadVarint(data, pos)
		if err != nil {
			return nil, err
		}
		res = append(res, v)
		pos = npos
	}
	return res, nil
}

// ReadDeltaPackedInt decodes a packed repeated sint field where successive
// values are deltas from the previous one.
func ReadDeltaPackedInt(data []byte) ([]int64, error) {
	res := make([]int64, 0, countPacked(data))
	curr := int64(0)
	for pos := 0; pos < len(data); {
		v, npos, err := ReadVarint(data, pos)
		if err != nil {
			return nil, err
		}
		curr += UnZigZag(v)
		res = append(res, curr)
		pos = npos
	}
	return res, nil
}
