package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"runtime"
	"runtime/pprof"
	"strconv"
	"strings"

	"golang.org/x/sys/unix"

	osmquadtree "github.com/jharris2268/osmquadtree"
	"github.com/jharris2268/osmquadtree/internal/trace"
)

var (
	debug      = flag.Bool("debug", false, "enable debug mode: format error messages with additional detail")
	cpuprofile = flag.String("cpuprofile", "", "path to store a CPU profile at")
	memprofile = flag.String("memprofile", "", "path to store a memory profile at")
	ctracefile = flag.String("ctracefile", "", "path to store a chrome trace event file at (load in chrome://tracing)")
)

// bumpRlimitNOFILE raises the open file limit; the parallel readers open
// one descriptor per lane per archive.
func bumpRlimitNOFILE() error {
	// The smaller of the two is the highest which Linux will let us set:
	var fileMax, nrOpen uint64
	{
		b, err := os.ReadFile("/proc/sys/fs/file-max")
		if err != nil {
			return err
		}
		fileMax, err = strconv.ParseUint(strings.TrimSpace(string(b)), 0, 64)
		if err != nil {
			return err
		}
	}
	{
		b, err := os.ReadFile("/proc/sys/fs/nr_open")
		if err != nil {
			return err
		}
		nrOpen, err = strconv.ParseUint(strings.TrimSpace(string(b)), 0, 64)
		if err != nil {
			return err
		}
	}
	max := fileMax
	if nrOpen < max {
		max = nrOpen
	}
	set := unix.Rlimit{
		Max: max,
		Cur: max,
	}
	return unix.Setrlimit(unix.RLIMIT_NOFILE, &set)
}

func funcmain() error {
	flag.Parse()

	if *cpuprofile != "" {
		f, err := os.Create(*cpuprofile)
		if err != nil {
			return err
		}
		pprof.StartCPUProfile(f)
		defer pprof.StopCPUProfile()
	}

	if *ctracefile != "" {
		f, err := os.Create(*ctracefile)
		if err != nil {
			return err
		}
		trace.Sink(f)
	}

	type cmd struct {
		fn func(ctx context.Context, args []string) error
	}
	verbs := map[string]cmd{
		"count":                           {cmdcount},
		"calcqts":                         {cmdcalcqts},
		"calcqts-prelim":                  {calcqtsPrelim},
		"calcqts-load-existing":           {calcqtsLoadExisting},
		"sortblocks":                      {cmdsortblocks},
		"sortblocks-inmem":                {sortblocksInmem},
		"update-initial":                  {updateInitial},
		"update":                          {cmdupdate},
		"update-demo":                     {updateDemo},
		"update-droplast":                 {updateDropLast},
		"write-index-file":                {writeIndexFile},
		"mergechanges":                    {cmdmergechanges},
		"mergechanges-sort":               {mergechangesSort},
		"mergechanges-sort-inmem":         {mergechangesSortInmem},
		"mergechanges-sort-from-existing": {mergechangesSortFromExisting},
		"setup":                           {setup},
	}

	args := flag.Args()
	if len(args) == 0 {
		printUsage()
		os.Exit(2)
	}
	verb, args := args[0], args[1:]

	if verb == "help" {
		if len(args) != 1 {
			printUsage()
			os.Exit(2)
		}
		verb = args[0]
		args = []string{"-help"}
	}

	if err := bumpRlimitNOFILE(); err != nil {
		log.Printf("Warning: bumping RLIMIT_NOFILE failed: %v", err)
	}

	ctx, canc := osmquadtree.InterruptibleContext()
	defer canc()
	v, ok := verbs[verb]
	if !ok {
		fmt.Fprintf(os.Stderr, "unknown command %q\n", verb)
		fmt.Fprintf(os.Stderr, "syntax: oqt <command> [options]\n")
		os.Exit(2)
	}
	if err := v.fn(ctx, args); err != nil {
		if *memprofile != "" {
			f, err := os.Create(*memprofile)
			if err != nil {
				log.Fatal("could not create memory profile: ", err)
			}
			defer f.Close()
			runtime.GC() // get up-to-date statistics
			if err := pprof.WriteHeapProfile(f); err != nil {
				log.Fatal("could not write memory profile: ", err)
			}
		}
		if *debug {
			return fmt.Errorf("%s: %+v", verb, err)
		}
		return fmt.Errorf("%s: %v", verb, err)
	}

	return osmquadtree.RunAtExit()
}

func printUsage() {
	fmt.Fprintf(os.Stderr, "oqt [-flags] <command> [-flags] <args>\n")
	fmt.Fprintln(os.Stderr)
	fmt.Fprintf(os.Stderr, "To get help on any command, use oqt <command> -help or oqt help <command>.\n")
	fmt.Fprintln(os.Stderr)
	fmt.Fprintf(os.Stderr, "Preparation commands:\n")
	fmt.Fprintf(os.Stderr, "\tcount                 - read a pbf file and report basic information\n")
	fmt.Fprintf(os.Stderr, "\tcalcqts               - calculate quadtrees for each element\n")
	fmt.Fprintf(os.Stderr, "\tcalcqts-prelim        - prepare the way-nodes file only\n")
	fmt.Fprintf(os.Stderr, "\tcalcqts-load-existing - continue from calcqts-prelim\n")
	fmt.Fprintf(os.Stderr, "\tsortblocks            - sort elements into quadtree blocks\n")
	fmt.Fprintf(os.Stderr, "\tsortblocks-inmem      - same, for files which fit in memory\n")
	fmt.Fprintf(os.Stderr, "\tsetup                 - interactive end-to-end preparation\n")
	fmt.Fprintln(os.Stderr)
	fmt.Fprintf(os.Stderr, "Update commands:\n")
	fmt.Fprintf(os.Stderr, "\tupdate-initial        - prepare a sorted planet for updates\n")
	fmt.Fprintf(os.Stderr, "\tupdate                - fetch and apply replication diffs\n")
	fmt.Fprintf(os.Stderr, "\tupdate-demo           - calculate an update without recording it\n")
	fmt.Fprintf(os.Stderr, "\tupdate-droplast       - remove the last update\n")
	fmt.Fprintf(os.Stderr, "\twrite-index-file      - write the tile index for a sorted pbf\n")
	fmt.Fprintln(os.Stderr)
	fmt.Fprintf(os.Stderr, "Extract commands:\n")
	fmt.Fprintf(os.Stderr, "\tmergechanges                    - merge and filter, keep quadtree blocks\n")
	fmt.Fprintf(os.Stderr, "\tmergechanges-sort               - merge and filter, sort into normal order\n")
	fmt.Fprintf(os.Stderr, "\tmergechanges-sort-inmem         - same, in memory\n")
	fmt.Fprintf(os.Stderr, "\tmergechanges-sort-from-existing - resort retained temp files\n")
}

func main() {
	if err := funcmain(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
