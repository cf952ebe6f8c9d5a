package main

import (
	"bufio"
	"context"
	"flag"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"golang.org/x/xerrors"

	osmquadtree "github.com/jharris2268/osmquadtree"
	"github.com/jharris2268/osmquadtree/internal/calcqts"
	"github.com/jharris2268/osmquadtree/internal/pbffile"
	"github.com/jharris2268/osmquadtree/internal/progress"
	"github.com/jharris2268/osmquadtree/internal/quadtree"
	"github.com/jharris2268/osmquadtree/internal/repo"
	"github.com/jharris2268/osmquadtree/internal/sortblocks"
	"github.com/jharris2268/osmquadtree/internal/update"
)

const setupHelp = `oqt setup

Interactive end-to-end preparation: sorts a planet (or extract) pbf file
into spatially related blocks and optionally configures replication diff
updating.
`

type prompter struct {
	in *bufio.Reader
}

func (p *prompter) ask(q, def string) string {
	if def != "" {
		fmt.Printf("%s [%s]: ", q, def)
	} else {
		fmt.Printf("%s: ", q)
	}
	line, err := p.in.ReadString('\n')
	if err != nil {
		return def
	}
	line = strings.TrimSpace(line)
	if line == "" {
		return def
	}
	return line
}

func (p *prompter) confirm(q string, def bool) bool {
	d := "y/N"
	if def {
		d = "Y/n"
	}
	ans := strings.ToLower(p.ask(q+" ("+d+")", ""))
	if ans == "" {
		return def
	}
	return ans == "y" || ans == "yes"
}

func (p *prompter) askInt(q string, def int) int {
	v, err := strconv.Atoi(p.ask(q, strconv.Itoa(def)))
	if err != nil {
		return def
	}
	return v
}

func setup(ctx context.Context, args []string) error {
	fset := flag.NewFlagSet("setup", flag.ExitOnError)
	fset.Usage = usage(fset, setupHelp)
	fset.Parse(args)

	p := &prompter{in: bufio.NewReader(os.Stdin)}
	fmt.Println("Welcome to the osmquadtree setup wizard.")
	fmt.Println("This will sort a planet (or extract) pbf file into spatially related blocks.")
	if !p.confirm("Have you downloaded a planet.osm.pbf file?", true) {
		fmt.Println("Please read https://wiki.openstreetmap.org/wiki/Downloading_data first,")
		fmt.Println("and download a planet (or extract) pbf file.")
		return nil
	}

	numchan := defaultNumchan()
	ramGB := defaultRAMGB()
	compression := pbffile.Zlib
	if p.confirm("Do you want extra options?", false) {
		numchan = p.askInt("How many parallel threads (0 for single threading)?", numchan)
		ramGB = p.askInt("Maximum memory available (in GB)?", ramGB)
		switch strings.ToLower(p.ask("Compression (zlib/brotli/none)", "zlib")) {
		case "brotli":
			compression = pbffile.Brotli
		case "none":
			compression = pbffile.Uncompressed
		}
	}

	srcFilename := p.ask("Please enter the planet file name", "")
	if srcFilename == "" {
		return xerrors.New("no input file given")
	}
	if _, err := os.Stat(srcFilename); err != nil {
		return err
	}
	destRoot := p.ask("Please specify the output directory", "")
	if destRoot == "" {
		return xerrors.New("no output directory given")
	}
	if fi, err := os.Stat(destRoot); err == nil {
		if !fi.IsDir() {
			return xerrors.Errorf("%s exists and is a file", destRoot)
		}
	} else if err := os.Mkdir(destRoot, 0755); err != nil {
		return err
	}

	var replicationSrc, diffsLocation string
	fmt.Println("osmquadtree can also sort replication diffs in the same way.")
	fmt.Println("These can be combined with the original data to produce up-to-date extracts.")
	if p.confirm("Set up replication diff updating?", false) {
		replicationSrc = p.ask("Replication source", "https://planet.openstreetmap.org/replication/day/")
		if !strings.HasSuffix(replicationSrc, "/") {
			replicationSrc += "/"
		}
		st, err := repo.FetchState(replicationSrc, -1)
		if err != nil {
			return xerrors.Errorf("replication source incorrect? state.txt not available: %w", err)
		}
		progress.Message("replication source ok, current state %d [timestamp %s]", st.Sequence, st.Timestamp)
		diffsLocation = p.ask("Replication diff local file location", filepath.Join(destRoot, "diffs"))
		if fi, err := os.Stat(diffsLocation); err != nil {
			if err := os.Mkdir(diffsLocation, 0755); err != nil {
				return err
			}
		} else if !fi.IsDir() {
			return xerrors.Errorf("%s exists and is a file", diffsLocation)
		}
	}

	fileLen := pbffile.FileLength(srcFilename)
	budget := uint64(ramGB) << 30

	var outFilenameFile string
	var timestamp int64
	if fileLen < budget/64 {
		// small extract: everything stays in memory
		blocks, maxTS, err := calcqts.RunInmem(srcFilename, 18, 0.05, numchan)
		if err != nil {
			return err
		}
		timestamp = osmquadtree.RoundTimestamp(maxTS)
		outFilenameFile = osmquadtree.DateString(timestamp) + ".pbf"
		outFilename := filepath.Join(destRoot, outFilenameFile)
		progress.Message("will write to %s", outFilename)

		tree := sortblocks.TreeFromBlocks(blocks, 17)
		groups := sortblocks.FindTreeGroups(tree, 40000, -1)
		progress.Message("groups: %s", groups)

		sb := sortblocks.NewSortBlocks(groups)
		for _, bl := range blocks {
			sb.AddAll(bl)
		}
		sorted := sb.Finish()
		if _, _, err := sortblocks.WriteBlocks(outFilename, sorted, numchan, timestamp,
			pbffile.HeaderInternalLocs, quadtree.Planet(), compression, 0); err != nil {
			return err
		}
	} else {
		qtsfn := filepath.Join(destRoot, "qts.pbf")
		opts := calcqts.DefaultOptions()
		opts.Numchan = numchan
		opts.Strategy = calcqts.ChooseStrategy(srcFilename, ramGB)
		maxTS, err := calcqts.Run(srcFilename, qtsfn, opts)
		if err != nil {
			return err
		}
		timestamp = osmquadtree.RoundTimestamp(maxTS)
		outFilenameFile = osmquadtree.DateString(timestamp) + ".pbf"
		outFilename := filepath.Join(destRoot, outFilenameFile)

		groups, err := sortblocks.FindGroups(qtsfn, 17, 40000, -1)
		if err != nil {
			return err
		}
		if fileLen < budget/32 {
			err = sortblocks.SortBlocksInmem(srcFilename, qtsfn, outFilename, groups, numchan, timestamp, compression, 0)
		} else {
			splitat := int64(1500000 / 40000)
			tempInMem := fileLen < budget/16
			limit := 4000000 * ramGB / max(groups.Len()/int(splitat), 1)
			if tempInMem {
				limit = max(1000, limit/10)
			}
			err = sortblocks.SortBlocks(srcFilename, qtsfn, outFilename, groups, numchan, splitat, tempInMem, limit, timestamp, false, compression, 0)
		}
		if err != nil {
			return err
		}
		if err := os.Remove(qtsfn); err != nil {
			return err
		}
	}

	if replicationSrc != "" {
		st, err := repo.FetchState(replicationSrc, -1)
		if err != nil {
			return err
		}
		if err := update.RunInitial(addTrailingSlash(destRoot), outFilenameFile,
			osmquadtree.TimestampString(timestamp), st.Sequence, replicationSrc, addTrailingSlash(diffsLocation)); err != nil {
			return err
		}
		return update.Run(addTrailingSlash(destRoot), 0, false, numchan)
	}
	return nil
}
