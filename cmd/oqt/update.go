package main

import (
	"context"
	"flag"

	"golang.org/x/xerrors"

	"github.com/jharris2268/osmquadtree/internal/progress"
	"github.com/jharris2268/osmquadtree/internal/repo"
	"github.com/jharris2268/osmquadtree/internal/update"
)

const updateInitialHelp = `oqt update-initial [-flags] <root> <base.pbf> <end-date>

Prepare a sorted planet for updates: write the tile index sidecar, the
settings and the initial filelist. The base file must live inside <root>.

Example:
  % oqt update-initial -state 4200 -source https://planet.openstreetmap.org/replication/day/ -diffs /data/diffs planet/ 20260101.pbf 2026-01-01T00:00:00
`

func updateInitial(ctx context.Context, args []string) error {
	fset := flag.NewFlagSet("update-initial", flag.ExitOnError)
	state := fset.Int64("state", 0, "replication state the base file corresponds to")
	source := fset.String("source", "https://planet.openstreetmap.org/replication/day/", "replication source url")
	diffs := fset.String("diffs", "", "local directory for downloaded diffs")
	fset.Usage = usage(fset, updateInitialHelp)
	fset.Parse(args)
	if fset.NArg() != 3 {
		return xerrors.New("syntax: update-initial <root> <base.pbf> <end-date>")
	}
	root := addTrailingSlash(fset.Arg(0))
	return update.RunInitial(root, fset.Arg(1), fset.Arg(2), *state, *source, addTrailingSlash(*diffs))
}

const updateHelp = `oqt update [-flags] <root>

Fetch pending replication diffs and apply each in turn, appending a
supplemental .pbfc archive and its index to the store.

Example:
  % oqt update planet/
`

func cmdupdate(ctx context.Context, args []string) error {
	fset := flag.NewFlagSet("update", flag.ExitOnError)
	numchan := fset.Int("numchan", defaultNumchan(), "number of parallel lanes")
	limit := fset.Int("limit", 0, "apply at most this many diffs (0 = all available)")
	fset.Usage = usage(fset, updateHelp)
	fset.Parse(args)
	if fset.NArg() != 1 {
		return xerrors.New("syntax: update <root>")
	}
	return update.Run(addTrailingSlash(fset.Arg(0)), *limit, false, *numchan)
}

const updateDemoHelp = `oqt update-demo [-flags] <root>

Calculate the next update and write the supplemental file with a -demo
suffix, without touching the filelist.
`

func updateDemo(ctx context.Context, args []string) error {
	fset := flag.NewFlagSet("update-demo", flag.ExitOnError)
	numchan := fset.Int("numchan", defaultNumchan(), "number of parallel lanes")
	fset.Usage = usage(fset, updateDemoHelp)
	fset.Parse(args)
	if fset.NArg() != 1 {
		return xerrors.New("syntax: update-demo <root>")
	}
	return update.Run(addTrailingSlash(fset.Arg(0)), 1, true, *numchan)
}

const updateDropLastHelp = `oqt update-droplast <root>

Remove the newest update from the filelist. The supplemental archive is
left on disk.
`

func updateDropLast(ctx context.Context, args []string) error {
	fset := flag.NewFlagSet("update-droplast", flag.ExitOnError)
	fset.Usage = usage(fset, updateDropLastHelp)
	fset.Parse(args)
	if fset.NArg() != 1 {
		return xerrors.New("syntax: update-droplast <root>")
	}
	return update.DropLast(addTrailingSlash(fset.Arg(0)))
}

const writeIndexFileHelp = `oqt write-index-file [-flags] <archive.pbf>

Write the -index.pbf sidecar listing, per tile, the element ids the tile
contains. The update engine scans these instead of the archives themselves.
`

func writeIndexFile(ctx context.Context, args []string) error {
	fset := flag.NewFlagSet("write-index-file", flag.ExitOnError)
	outfn := fset.String("outfn", "", "index file name (default: <archive>-index.pbf)")
	fset.Usage = usage(fset, writeIndexFileHelp)
	fset.Parse(args)
	if fset.NArg() != 1 {
		return xerrors.New("syntax: write-index-file <archive.pbf>")
	}
	archive := fset.Arg(0)
	if *outfn == "" {
		*outfn = archive + "-index.pbf"
	}
	tiles, err := update.WriteIndexFile(archive, *outfn)
	if err != nil {
		return err
	}
	progress.Message("wrote %s (%d tiles)", *outfn, tiles)
	return nil
}

// readStore loads the filelist of a store root, shared by the merge verbs.
func readStore(root string) (string, []repo.FilelistEntry, error) {
	root = addTrailingSlash(root)
	fl, err := repo.ReadFilelist(root)
	if err != nil {
		return "", nil, err
	}
	if len(fl) == 0 {
		return "", nil, xerrors.New("empty filelist")
	}
	return root, fl, nil
}
