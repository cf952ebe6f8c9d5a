package pb

import (
	"google.golang.org/protobuf/encoding/protowire"
)

// AppendUint32 appends the big-endian length prefix used by pbf file framing.
func AppendUint32(res []byte, v uint32) []byte {
	return append(res, byte(v>>24), byte(v>>16), byte(v>>8), byte(v))
}

// ZigZag encodes a signed value for the sint wire encoding.
func ZigZag(v int64) uint64 {
	return protowire.EncodeZigZag(v)
}

// PackValue appends a wire type 0 field.
func PackValue(res []byte, field uint64, v uint64) []byte {
	res = protowire.AppendVarint(res, field<<3)
	return protowire.AppendVarint(res, v)
}

// PackData appends a wire type 2 field.
func PackData(res []byte, field uint64, data []byte) []byte {
	res = protowire.AppendVarint(res, field<<3|2)
	res = protowire.AppendVarint(res, uint64(len(data)))
	return append(res, data...)
}

// ValueLength is the encoded size of a wire type 0 field.
func ValueLength(field uint64, v uint64) int {
	return protowire.SizeVarint(field<<3) + protowire.SizeVarint(v)
}

// DataLength is the encoded size of a wire type 2 field with an l-byte body.
func DataLength(field uint64, l int) int {
	return protowire.SizeVarint(field<<3|2) + protowire.SizeVarint(uint64(l)) + l
}

// PackInt encodes a packed repeated uint field body.
func PackInt(vals []uint64) []byte {
	var res []byte
	for _, v := range vals {
		res = protowire.AppendVarint(res, v)
	}
	return res
}

// PackDeltaInt encodes a packed repeated sint field body, each value a delta
// from the previous one.
func PackDeltaInt(vals []int64) []byte {
	var res []byte
	curr := int64(0)
	for _, v := range vals {
		res = protowire.AppendVarint(res, ZigZag(v-curr))
		curr = v
	}
	return res
}

// PackedDeltaIntLength is the encoded size of PackDeltaInt(vals).
func PackedDeltaIntLength(vals []int64) int {
	l := 0
	curr := int64(0)
	for _, v := range vals {
		l += protowire.SizeVarint(ZigZag(v - curr))
		curr = v
	}
	return l
}

// PackedIntLength is the encoded size of PackInt(vals).
func PackedIntLength(vals []uint64) int {
	l := 0
	for _, v := range vals {
		l += protowire.SizeVarint(v)
	}
	return l
}
