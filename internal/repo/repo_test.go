package repo

import (
	"strings"
	"testing"
)

func TestSettingsRoundtrip(t *testing.T) {
	root := t.TempDir()
	want := &Settings{
		InitialState:  4200,
		DiffsLocation: "/data/diffs",
		SourcePrefix:  "https://planet.openstreetmap.org/replication/day/",
		RoundTime:     true,
	}
	if err := WriteSettings(root, want); err != nil {
		t.Fatal(err)
	}
	got, err := ReadSettings(root)
	if err != nil {
		t.Fatal(err)
	}
	if *got != *want {
		t.Fatalf("got %+v", got)
	}
}

func TestFilelistAppendDrop(t *testing.T) {
	root := t.TempDir()
	base := FilelistEntry{Filename: "20260101.pbf", EndDate: "2026-01-01T00:00:00", NumTiles: 10, State: 4200}
	if err := WriteFilelist(root, []FilelistEntry{base}); err != nil {
		t.Fatal(err)
	}
	if _, err := DropLast(root); err == nil {
		t.Fatal("dropping the base must fail")
	}
	diff := FilelistEntry{Filename: "20260102.pbfc", EndDate: "2026-01-02T00:00:00", NumTiles: 3, State: 4201}
	if err := AppendFilelist(root, diff); err != nil {
		t.Fatal(err)
	}
	fl, err := ReadFilelist(root)
	if err != nil {
		t.Fatal(err)
	}
	if len(fl) != 2 || fl[1].Filename != "20260102.pbfc" {
		t.Fatalf("filelist %+v", fl)
	}
	dropped, err := DropLast(root)
	if err != nil {
		t.Fatal(err)
	}
	if dropped.Filename != "20260102.pbfc" {
		t.Fatalf("dropped %+v", dropped)
	}
	fl, err = ReadFilelist(root)
	if err != nil {
		t.Fatal(err)
	}
	if len(fl) != 1 {
		t.Fatalf("filelist %+v", fl)
	}
}

func TestParseState(t *testing.T) {
	in := `#Thu Jul 30 01:00:00 UTC 2026
sequenceNumber=4242
timestamp=2026-07-30T00\:00\:00Z
`
	st, err := ParseState(strings.NewReader(in))
	if err != nil {
		t.Fatal(err)
	}
	if st.Sequence != 4242 {
		t.Errorf("sequence %d", st.Sequence)
	}
	if st.Timestamp != "2026-07-30T00:00:00Z" {
		t.Errorf("timestamp %q", st.Timestamp)
	}
	if _, err := ParseState(strings.NewReader("timestamp=x\n")); err == nil {
		t.Error("missing sequenceNumber must fail")
	}
}

func TestSeqPath(t *testing.T) {
	if got := seqPath(4242); got != "000/004/242" {
		t.Errorf("seqPath %q", got)
	}
	if got := seqPath(1234567); got != "001/234/567" {
		t.Errorf("seqPath %q", got)
	}
}
