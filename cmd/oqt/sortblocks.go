package main

import (
	"context"
	"flag"

	"golang.org/x/xerrors"

	osmquadtree "github.com/jharris2268/osmquadtree"
	"github.com/jharris2268/osmquadtree/internal/progress"
	"github.com/jharris2268/osmquadtree/internal/sortblocks"
)

const sortblocksHelp = `oqt sortblocks [-flags] <input.pbf>

Incorporate the quadtrees calculated by calcqts into the planet file and
sort the elements into blocks of spatially related elements. Spills to
temporary files sized by the -ram budget; use sortblocks-inmem when the
whole file fits in memory.

Example:
  % oqt sortblocks -qtsfn planet-qts.pbf -outfn planet-sorted.pbf planet-latest.osm.pbf
`

func sortblocksFlags(fset *flag.FlagSet) (qtsfn, outfn *string, numchan, target, ram *int, timestamp *string) {
	qtsfn = fset.String("qtsfn", "", "quadtrees file from calcqts (default: <input>-qts.pbf)")
	outfn = fset.String("outfn", "", "output file (default: <input>-sorted.pbf)")
	numchan = fset.Int("numchan", defaultNumchan(), "number of parallel lanes (0 = single threaded)")
	target = fset.Int("target", 40000, "target elements per block")
	ram = fset.Int("ram", defaultRAMGB(), "memory budget in GB")
	timestamp = fset.String("timestamp", "", "end date recorded in the output (default: now)")
	return
}

func resolveTimestamp(s string) (int64, error) {
	if s == "" {
		return 0, nil
	}
	return osmquadtree.ParseTimestamp(s)
}

func cmdsortblocks(ctx context.Context, args []string) error {
	fset := flag.NewFlagSet("sortblocks", flag.ExitOnError)
	qtsfn, outfn, numchan, target, ram, timestamp := sortblocksFlags(fset)
	comp := addCompressionFlags(fset)
	keepTemps := fset.Bool("keeptemps", false, "keep temporary files on success")
	fset.Usage = usage(fset, sortblocksHelp)
	fset.Parse(args)
	if fset.NArg() != 1 {
		return xerrors.New("syntax: sortblocks <input.pbf>")
	}
	return runSortblocks(fset.Arg(0), *qtsfn, *outfn, *numchan, *target, *ram, *timestamp, *keepTemps, comp, false)
}

const sortblocksInmemHelp = `oqt sortblocks-inmem [-flags] <input.pbf>

Incorporate quadtrees and sort into blocks, holding everything in memory.
`

func sortblocksInmem(ctx context.Context, args []string) error {
	fset := flag.NewFlagSet("sortblocks-inmem", flag.ExitOnError)
	qtsfn, outfn, numchan, target, ram, timestamp := sortblocksFlags(fset)
	comp := addCompressionFlags(fset)
	fset.Usage = usage(fset, sortblocksInmemHelp)
	fset.Parse(args)
	if fset.NArg() != 1 {
		return xerrors.New("syntax: sortblocks-inmem <input.pbf>")
	}
	return runSortblocks(fset.Arg(0), *qtsfn, *outfn, *numchan, *target, *ram, *timestamp, false, comp, true)
}

func runSortblocks(infn, qtsfn, outfn string, numchan, target, ram int, timestamp string, keepTemps bool, comp *compressionFlags, inmem bool) error {
	if qtsfn == "" {
		qtsfn = qtsFilename(infn)
	}
	if outfn == "" {
		outfn = infn + "-sorted.pbf"
	}
	compression, level, err := comp.get()
	if err != nil {
		return err
	}
	ts, err := resolveTimestamp(timestamp)
	if err != nil {
		return err
	}

	groups, err := sortblocks.FindGroups(qtsfn, 17, int64(target), -1)
	if err != nil {
		return err
	}
	progress.Message("%d groups, %d elements", groups.Len(), groups.TotalWeight())

	if inmem {
		return sortblocks.SortBlocksInmem(infn, qtsfn, outfn, groups, numchan, ts, compression, level)
	}

	splitat := max(int64(1500000)/int64(target), 1)
	// spill threshold scales with the budget and the chunk count
	limit := 4000000 * ram / max(groups.Len()/int(splitat), 1)
	return sortblocks.SortBlocks(infn, qtsfn, outfn, groups, numchan, splitat, false, limit, ts, keepTemps, compression, level)
}
