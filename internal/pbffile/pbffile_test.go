package pbffile

import (
	"bytes"
	"io"
	"os"
	"path/filepath"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/orcaman/writerseeker"

	"github.com/jharris2268/osmquadtree/internal/progress"
	"github.com/jharris2268/osmquadtree/internal/quadtree"
)

func TestFileBlockRoundtrip(t *testing.T) {
	payload := bytes.Repeat([]byte("osm data, osm data, osm data. "), 100)
	for _, ct := range []CompressionType{Uncompressed, Zlib, Brotli, Lzma} {
		t.Run(ct.String(), func(t *testing.T) {
			packed, err := PackFileBlock("OSMData", payload, ct, 0)
			if err != nil {
				t.Fatal(err)
			}
			fb, err := UnpackFileBlock(17, packed)
			if err != nil {
				t.Fatal(err)
			}
			if fb.BlockType != "OSMData" {
				t.Fatalf("type %q", fb.BlockType)
			}
			if fb.Position != 17 || fb.Length != uint64(len(packed)) {
				t.Fatalf("pos %d len %d (packed %d)", fb.Position, fb.Length, len(packed))
			}
			if fb.Compression != ct {
				t.Fatalf("compression %v", fb.Compression)
			}
			got, err := fb.Data()
			if err != nil {
				t.Fatal(err)
			}
			if !bytes.Equal(got, payload) {
				t.Fatal("payload mismatch")
			}
		})
	}
}

func TestUnpackTruncated(t *testing.T) {
	packed, err := PackFileBlock("OSMData", []byte("hello"), Zlib, 0)
	if err != nil {
		t.Fatal(err)
	}
	for _, cut := range []int{0, 2, 6, len(packed) - 1} {
		if _, err := UnpackFileBlock(0, packed[:cut]); err == nil {
			t.Errorf("cut at %d: expected error", cut)
		}
	}
}

func TestStreamBlocks(t *testing.T) {
	ws := &writerseeker.WriterSeeker{}
	var want []string
	for _, s := range []string{"first", "second", "third"} {
		packed, err := PackFileBlock("OSMData", []byte(s), Zlib, 0)
		if err != nil {
			t.Fatal(err)
		}
		if _, err := ws.Write(packed); err != nil {
			t.Fatal(err)
		}
		want = append(want, s)
	}
	r := ws.BytesReader()
	var got []string
	pos := uint64(0)
	for {
		fb, err := ReadFileBlock(r, pos)
		if err == io.EOF {
			break
		}
		if err != nil {
			t.Fatal(err)
		}
		pos += fb.Length
		data, err := fb.Data()
		if err != nil {
			t.Fatal(err)
		}
		got = append(got, string(data))
	}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Fatalf("stream mismatch (-want +got):\n%s", diff)
	}
}

func TestHeaderBlockRoundtrip(t *testing.T) {
	bbox := quadtree.Bbox{Minlon: -15000000, Minlat: 495000000, Maxlon: 25000000, Maxlat: 540000000}
	qa, _ := quadtree.FromString("A")
	qb, _ := quadtree.FromString("AB")
	index := []IndexEntry{
		{Quadtree: qa, Location: 100, Length: 50},
		{Quadtree: qb, IsChange: true, Location: 150, Length: 60},
	}
	hb, err := ReadHeaderBlock(PackHeaderBlock(bbox, index))
	if err != nil {
		t.Fatal(err)
	}
	if hb.Bbox != bbox {
		t.Fatalf("bbox %+v", hb.Bbox)
	}
	if hb.Writer != "osmquadtree" {
		t.Fatalf("writer %q", hb.Writer)
	}
	if diff := cmp.Diff(index, hb.Index); diff != "" {
		t.Fatalf("index mismatch (-want +got):\n%s", diff)
	}
	if len(hb.Features) != 2 {
		t.Fatalf("features %v", hb.Features)
	}
}

func TestWriteFileInternalLocs(t *testing.T) {
	dir := t.TempDir()
	fname := filepath.Join(dir, "test.pbfc")

	wf, err := NewWriteFile(fname, HeaderInternalLocs, quadtree.EmptyBbox(), true)
	if err != nil {
		t.Fatal(err)
	}
	qa, _ := quadtree.FromString("A")
	qb, _ := quadtree.FromString("B")
	blobA, _ := PackFileBlock("OSMData", []byte("tile a"), Zlib, 0)
	blobB, _ := PackFileBlock("OSMData", []byte("tile b"), Zlib, 0)
	// write out of order; the file must come out sorted by key
	wf.Call([]KeyedData{{Key: int64(qb), Data: blobB}})
	wf.Call([]KeyedData{{Key: int64(qa), Data: blobA}})
	locs, err := wf.Finish()
	if err != nil {
		t.Fatal(err)
	}
	if len(locs) != 2 || locs[0].Key != int64(qa) {
		t.Fatalf("locs %+v", locs)
	}

	hb, _, err := ReadHeader(fname)
	if err != nil {
		t.Fatal(err)
	}
	if len(hb.Index) != 2 {
		t.Fatalf("index %+v", hb.Index)
	}
	if hb.Index[0].Quadtree != qa || !hb.Index[0].IsChange {
		t.Fatalf("first entry %+v", hb.Index[0])
	}

	r, err := OpenMmap(fname)
	if err != nil {
		t.Fatal(err)
	}
	defer r.Close()
	for i, want := range []string{"tile a", "tile b"} {
		fb, err := ReadFileBlockAt(r, hb.Index[i].Location)
		if err != nil {
			t.Fatal(err)
		}
		data, err := fb.Data()
		if err != nil {
			t.Fatal(err)
		}
		if string(data) != want {
			t.Fatalf("tile %d: %q", i, data)
		}
	}
}

func TestWriteFileExternalLocs(t *testing.T) {
	dir := t.TempDir()
	fname := filepath.Join(dir, "test.pbf")
	wf, err := NewWriteFile(fname, HeaderExternalLocs, quadtree.Planet(), false)
	if err != nil {
		t.Fatal(err)
	}
	blob, _ := PackFileBlock("OSMData", []byte("x"), Zlib, 0)
	wf.Call([]KeyedData{{Key: 0, Data: blob}})
	if _, err := wf.Finish(); err != nil {
		t.Fatal(err)
	}
	if _, err := os.Stat(fname + "-filelocs.json"); err != nil {
		t.Fatalf("sidecar missing: %v", err)
	}
	hb, _, err := ReadHeader(fname)
	if err != nil {
		t.Fatal(err)
	}
	if len(hb.Index) != 0 {
		t.Fatal("no internal index expected")
	}
}

func TestReadBlocksParallel(t *testing.T) {
	dir := t.TempDir()
	fname := filepath.Join(dir, "blocks.pbf")
	wf, err := NewWriteFile(fname, HeaderNone, quadtree.EmptyBbox(), false)
	if err != nil {
		t.Fatal(err)
	}
	var locs []KeyedLocs
	pos := uint64(0)
	for i := 0; i < 20; i++ {
		blob, _ := PackFileBlock("OSMData", []byte{byte(i)}, Zlib, 0)
		wf.Call([]KeyedData{{Key: int64(i), Data: blob}})
		locs = append(locs, KeyedLocs{Key: int64(i), Locs: []Loc{{File: 0, Pos: pos}}})
		pos += uint64(len(blob))
	}
	if _, err := wf.Finish(); err != nil {
		t.Fatal(err)
	}

	r, err := OpenMmap(fname)
	if err != nil {
		t.Fatal(err)
	}
	defer r.Close()

	var keys []int64
	h := &collectKeys{keys: &keys}
	if _, err := ReadBlocksParallel[int]([]io.ReaderAt{r}, locs, 4, h, progress.Discard()); err != nil {
		t.Fatal(err)
	}
	for i, k := range keys {
		if k != int64(i) {
			t.Fatalf("delivery out of order at %d: %d", i, k)
		}
	}
	if len(keys) != 20 {
		t.Fatalf("got %d groups", len(keys))
	}
}

type collectKeys struct {
	keys *[]int64
}

func (c *collectKeys) Call(kb KeyedBlocks) {
	*c.keys = append(*c.keys, kb.Key)
}

func (c *collectKeys) Finish() (int, error) {
	return len(*c.keys), nil
}
