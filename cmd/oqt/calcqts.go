package main

import (
	"context"
	"flag"

	"golang.org/x/xerrors"

	osmquadtree "github.com/jharris2268/osmquadtree"
	"github.com/jharris2268/osmquadtree/internal/calcqts"
	"github.com/jharris2268/osmquadtree/internal/progress"
)

const calcqtsHelp = `oqt calcqts [-flags] <input.pbf>

Calculate the quadtree of every element: nodes from their location (or from
the ways using them), ways from the bounding box of their nodes, relations
from the common ancestor of their members. The result is written as a
.qts.pbf file consumed by sortblocks.

Example:
  % oqt calcqts -qtsfn planet-qts.pbf planet-latest.osm.pbf
`

func calcqtsFlags(fset *flag.FlagSet) (*string, *int, *float64, *int, *int) {
	qtsfn := fset.String("qtsfn", "", "output .qts.pbf file (default: <input>-qts.pbf)")
	maxdepth := fset.Int("maxdepth", 18, "maximum quadtree depth")
	buffer := fset.Float64("buffer", 0.05, "tile buffer fraction")
	numchan := fset.Int("numchan", defaultNumchan(), "number of parallel decode lanes (0 = single threaded)")
	ram := fset.Int("ram", defaultRAMGB(), "memory budget in GB; picks the storage strategy")
	return qtsfn, maxdepth, buffer, numchan, ram
}

func cmdcalcqts(ctx context.Context, args []string) error {
	fset := flag.NewFlagSet("calcqts", flag.ExitOnError)
	qtsfn, maxdepth, buffer, numchan, ram := calcqtsFlags(fset)
	inmem := fset.Bool("inmem", false, "force the in-memory strategy")
	fset.Usage = usage(fset, calcqtsHelp)
	fset.Parse(args)
	if fset.NArg() != 1 {
		return xerrors.New("syntax: calcqts <input.pbf>")
	}
	infn := fset.Arg(0)
	if *qtsfn == "" {
		*qtsfn = qtsFilename(infn)
	}

	opts := calcqts.DefaultOptions()
	opts.MaxDepth = *maxdepth
	opts.Buffer = *buffer
	opts.Numchan = *numchan
	opts.Strategy = calcqts.ChooseStrategy(infn, *ram)
	if *inmem {
		opts.Strategy = calcqts.StrategyInMem
	}
	progress.Message("calcqts %s -> %s [%s]", infn, *qtsfn, opts.Strategy)

	maxTS, err := calcqts.Run(infn, *qtsfn, opts)
	if err != nil {
		return err
	}
	progress.Message("wrote %s, newest element %s", *qtsfn, osmquadtree.TimestampString(maxTS))
	return nil
}

const calcqtsPrelimHelp = `oqt calcqts-prelim [-flags] <input.pbf>

Prepare the way-nodes file for calculating quadtrees; continue with
calcqts-load-existing. Useful when the way-nodes pass should run on its own
(it is the cheapest to restart).
`

func calcqtsPrelim(ctx context.Context, args []string) error {
	fset := flag.NewFlagSet("calcqts-prelim", flag.ExitOnError)
	qtsfn, _, _, numchan, _ := calcqtsFlags(fset)
	fset.Usage = usage(fset, calcqtsPrelimHelp)
	fset.Parse(args)
	if fset.NArg() != 1 {
		return xerrors.New("syntax: calcqts-prelim <input.pbf>")
	}
	infn := fset.Arg(0)
	if *qtsfn == "" {
		*qtsfn = qtsFilename(infn)
	}
	opts := calcqts.DefaultOptions()
	opts.Numchan = *numchan
	waynodesFn := *qtsfn + "-waynodes"
	if err := calcqts.RunPrelim(infn, waynodesFn, opts); err != nil {
		return err
	}
	progress.Message("wrote %s", waynodesFn)
	return nil
}

const calcqtsLoadExistingHelp = `oqt calcqts-load-existing [-flags] <input.pbf>

Calculate quadtrees continuing from a way-nodes file written by
calcqts-prelim.
`

func calcqtsLoadExisting(ctx context.Context, args []string) error {
	fset := flag.NewFlagSet("calcqts-load-existing", flag.ExitOnError)
	qtsfn, maxdepth, buffer, numchan, ram := calcqtsFlags(fset)
	fset.Usage = usage(fset, calcqtsLoadExistingHelp)
	fset.Parse(args)
	if fset.NArg() != 1 {
		return xerrors.New("syntax: calcqts-load-existing <input.pbf>")
	}
	infn := fset.Arg(0)
	if *qtsfn == "" {
		*qtsfn = qtsFilename(infn)
	}
	opts := calcqts.DefaultOptions()
	opts.MaxDepth = *maxdepth
	opts.Buffer = *buffer
	opts.Numchan = *numchan
	opts.Strategy = calcqts.ChooseStrategy(infn, *ram)
	opts.LoadExisting = true
	maxTS, err := calcqts.Run(infn, *qtsfn, opts)
	if err != nil {
		return err
	}
	progress.Message("wrote %s, newest element %s", *qtsfn, osmquadtree.TimestampString(maxTS))
	return nil
}
