package main

import (
	"context"
	"flag"
	"fmt"

	"golang.org/x/xerrors"

	"github.com/jharris2268/osmquadtree/internal/count"
)

const countHelp = `oqt count [-flags] <input.pbf>

Read an OpenStreetMap pbf file and report basic information: element counts,
id and timestamp ranges and the covered bounding box.

Example:
  % oqt count planet-latest.osm.pbf
`

func cmdcount(ctx context.Context, args []string) error {
	fset := flag.NewFlagSet("count", flag.ExitOnError)
	numchan := fset.Int("numchan", defaultNumchan(), "number of parallel decode lanes (0 = single threaded)")
	fset.Usage = usage(fset, countHelp)
	fset.Parse(args)
	if fset.NArg() != 1 {
		return xerrors.New("syntax: count <input.pbf>")
	}
	res, err := count.Run(fset.Arg(0), *numchan)
	if err != nil {
		return err
	}
	fmt.Println(res)
	return nil
}
