package main

import (
	"context"
	"flag"

	"golang.org/x/xerrors"

	osmquadtree "github.com/jharris2268/osmquadtree"
	"github.com/jharris2268/osmquadtree/internal/mergechanges"
	"github.com/jharris2268/osmquadtree/internal/repo"
)

const mergechangesHelp = `oqt mergechanges [-flags] <root>

Merge the base archive and its updates into a single file, applying the
overlaid-change semantics (for each id the newest archive wins, deletions
drop out), optionally filtered by a bounding box or polygon. The result
stays in quadtree-sorted blocks.

Example:
  % oqt mergechanges -filter "-1.5,49.5,2.5,54.0" -outfn extract.pbf planet/
`

type mergeFlags struct {
	outfn     *string
	filter    *string
	timestamp *string
	numchan   *int
	comp      *compressionFlags
}

func addMergeFlags(fset *flag.FlagSet) *mergeFlags {
	return &mergeFlags{
		outfn:     fset.String("outfn", "merged.pbf", "output file"),
		filter:    fset.String("filter", "", `bounding box "minlon,minlat,maxlon,maxlat" or .poly file`),
		timestamp: fset.String("timestamp", "", "only use archives up to this date"),
		numchan:   fset.Int("numchan", defaultNumchan(), "number of parallel lanes"),
		comp:      addCompressionFlags(fset),
	}
}

func cmdmergechanges(ctx context.Context, args []string) error {
	fset := flag.NewFlagSet("mergechanges", flag.ExitOnError)
	mf := addMergeFlags(fset)
	fset.Usage = usage(fset, mergechangesHelp)
	fset.Parse(args)
	if fset.NArg() != 1 {
		return xerrors.New("syntax: mergechanges <root>")
	}
	root, fl, err := readStore(fset.Arg(0))
	if err != nil {
		return err
	}
	filter, cutoff, err := mf.filterAndCutoff()
	if err != nil {
		return err
	}
	compression, level, err := mf.comp.get()
	if err != nil {
		return err
	}
	return mergechanges.Run(root, fl, *mf.outfn, filter, cutoff, mergeTimestamp(cutoff, fl), compression, level)
}

const mergechangesSortHelp = `oqt mergechanges-sort [-flags] <root>

Merge and filter like mergechanges, then sort the result back into the
normal id order, via a retained temporary archive.
`

func mergechangesSort(ctx context.Context, args []string) error {
	fset := flag.NewFlagSet("mergechanges-sort", flag.ExitOnError)
	mf := addMergeFlags(fset)
	tempfn := fset.String("tempfn", "", "temporary archive (default: <outfn>-temp.pbf)")
	keepTemps := fset.Bool("keeptemps", false, "keep the temporary archive on success")
	fset.Usage = usage(fset, mergechangesSortHelp)
	fset.Parse(args)
	if fset.NArg() != 1 {
		return xerrors.New("syntax: mergechanges-sort <root>")
	}
	root, fl, err := readStore(fset.Arg(0))
	if err != nil {
		return err
	}
	filter, cutoff, err := mf.filterAndCutoff()
	if err != nil {
		return err
	}
	compression, level, err := mf.comp.get()
	if err != nil {
		return err
	}
	if *tempfn == "" {
		*tempfn = *mf.outfn + "-temp.pbf"
	}
	return mergechanges.RunSort(root, fl, *mf.outfn, *tempfn, filter, cutoff, mergeTimestamp(cutoff, fl), *keepTemps, compression, level)
}

const mergechangesSortInmemHelp = `oqt mergechanges-sort-inmem [-flags] <root>

Merge, filter and sort back into normal id order, holding everything in
memory.
`

func mergechangesSortInmem(ctx context.Context, args []string) error {
	fset := flag.NewFlagSet("mergechanges-sort-inmem", flag.ExitOnError)
	mf := addMergeFlags(fset)
	fset.Usage = usage(fset, mergechangesSortInmemHelp)
	fset.Parse(args)
	if fset.NArg() != 1 {
		return xerrors.New("syntax: mergechanges-sort-inmem <root>")
	}
	root, fl, err := readStore(fset.Arg(0))
	if err != nil {
		return err
	}
	filter, cutoff, err := mf.filterAndCutoff()
	if err != nil {
		return err
	}
	compression, level, err := mf.comp.get()
	if err != nil {
		return err
	}
	return mergechanges.RunSortInmem(root, fl, *mf.outfn, filter, cutoff, mergeTimestamp(cutoff, fl), compression, level)
}

const mergechangesSortFromExistingHelp = `oqt mergechanges-sort-from-existing [-flags] <temp.pbf>

Sort a temporary archive retained by mergechanges-sort -keeptemps into
normal id order.
`

func mergechangesSortFromExisting(ctx context.Context, args []string) error {
	fset := flag.NewFlagSet("mergechanges-sort-from-existing", flag.ExitOnError)
	outfn := fset.String("outfn", "merged.pbf", "output file")
	timestamp := fset.String("timestamp", "", "end date recorded in the output")
	comp := addCompressionFlags(fset)
	fset.Usage = usage(fset, mergechangesSortFromExistingHelp)
	fset.Parse(args)
	if fset.NArg() != 1 {
		return xerrors.New("syntax: mergechanges-sort-from-existing <temp.pbf>")
	}
	compression, level, err := comp.get()
	if err != nil {
		return err
	}
	ts := int64(0)
	if *timestamp != "" {
		ts, err = osmquadtree.ParseTimestamp(*timestamp)
		if err != nil {
			return err
		}
	}
	return mergechanges.RunSortFromExisting(*outfn, fset.Arg(0), ts, compression, level)
}

// filterAndCutoff resolves the shared filter and timestamp flags.
func (m *mergeFlags) filterAndCutoff() (*mergechanges.SpatialFilter, int64, error) {
	filter, err := parseFilter(*m.filter)
	if err != nil {
		return nil, 0, err
	}
	cutoff := int64(0)
	if *m.timestamp != "" {
		cutoff, err = osmquadtree.ParseTimestamp(*m.timestamp)
		if err != nil {
			return nil, 0, err
		}
	}
	return filter, cutoff, nil
}

// mergeTimestamp records the cutoff, or the newest archive's end date when
// no cutoff was given.
func mergeTimestamp(cutoff int64, fl []repo.FilelistEntry) int64 {
	if cutoff > 0 {
		return cutoff
	}
	if ts, err := osmquadtree.ParseTimestamp(fl[len(fl)-1].EndDate); err == nil {
		return ts
	}
	return 0
}
