package pb

import (
	"bytes"
	"testing"

	"github.com/google/go-cmp/cmp"
)

func TestPackValueData(t *testing.T) {
	var res []byte
	res = PackValue(res, 1, 27)
	res = PackValue(res, 2, 99233120053)
	res = PackData(res, 3, []byte("frog"))

	want := []byte{8, 27, 16, 181, 254, 132, 214, 241, 2, 26, 4, 102, 114, 111, 103}
	if !bytes.Equal(res, want) {
		t.Fatalf("got % d, want % d", res, want)
	}

	tags, err := ReadAllTags(res)
	if err != nil {
		t.Fatal(err)
	}
	wantTags := []Tag{
		{Field: 1, Value: 27},
		{Field: 2, Value: 99233120053},
		{Field: 3, Data: []byte("frog"), IsData: true},
	}
	if diff := cmp.Diff(wantTags, tags); diff != "" {
		t.Fatalf("tags mismatch (-want +got):\n%s", diff)
	}
}

func TestUint32(t *testing.T) {
	res := AppendUint32(nil, 188532351)
	if !bytes.Equal(res, []byte{11, 60, 198, 127}) {
		t.Fatalf("got % d", res)
	}
	v, pos, err := ReadUint32(res, 0)
	if err != nil {
		t.Fatal(err)
	}
	if v != 188532351 || pos != 4 {
		t.Fatalf("got %d at %d", v, pos)
	}
	if _, _, err := ReadUint32([]byte{1, 2}, 0); err == nil {
		t.Fatal("expected truncation error")
	}
}

func TestPackedInt(t *testing.T) {
	vals := []uint64{25, 33*128 + 27, 3*128*128 + 26*128 + 104, 0}
	packed := PackInt(vals)
	if !bytes.Equal(packed, []byte{25, 155, 33, 232, 154, 3, 0}) {
		t.Fatalf("got % d", packed)
	}
	got, err := ReadPackedInt(packed)
	if err != nil {
		t.Fatal(err)
	}
	if diff := cmp.Diff(vals, got); diff != "" {
		t.Fatalf("mismatch (-want +got):\n%s", diff)
	}
}

func TestDeltaPackedRoundtrip(t *testing.T) {
	vals := []int64{100, 105, 95, -20, 4000000000, 4000000001}
	packed := PackDeltaInt(vals)
	if len(packed) != PackedDeltaIntLength(vals) {
		t.Fatalf("length helper disagrees: %d != %d", len(packed), PackedDeltaIntLength(vals))
	}
	got, err := ReadDeltaPackedInt(packed)
	if err != nil {
		t.Fatal(err)
	}
	if diff := cmp.Diff(vals, got); diff != "" {
		t.Fatalf("mismatch (-want +got):\n%s", diff)
	}
}

func TestZigZag(t *testing.T) {
	for _, v := range []int64{0, 1, -1, 63, -64, 1 << 40, -(1 << 40)} {
		if got := UnZigZag(ZigZag(v)); got != v {
			t.Errorf("zigzag roundtrip %d -> %d", v, got)
		}
	}
}

func TestIterStopsOnBadWireType(t *testing.T) {
	// wire type 5 (fixed32) is not used by pbf data
	data := []byte{0x0d, 1, 2, 3, 4}
	it := NewIter(data)
	if it.Next() {
		t.Fatal("expected no tags")
	}
	if it.Err() == nil {
		t.Fatal("expected error")
	}
}
