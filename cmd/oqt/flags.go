package main

import (
	"flag"
	"os"
	"path/filepath"
	"runtime"
	"strings"

	"golang.org/x/xerrors"

	"github.com/jharris2268/osmquadtree/internal/mergechanges"
	"github.com/jharris2268/osmquadtree/internal/pbffile"
	"github.com/jharris2268/osmquadtree/internal/quadtree"
)

// the callback runtime caps fan-out lanes at eight
const maxNumchan = 8

func defaultNumchan() int {
	n := runtime.NumCPU()
	if n > maxNumchan {
		n = maxNumchan
	}
	return n
}

func defaultRAMGB() int {
	// /proc/meminfo MemTotal is in kB
	b, err := os.ReadFile("/proc/meminfo")
	if err != nil {
		return 8
	}
	for _, line := range strings.Split(string(b), "\n") {
		if !strings.HasPrefix(line, "MemTotal:") {
			continue
		}
		fields := strings.Fields(line)
		if len(fields) < 2 {
			break
		}
		var kb int64
		for _, c := range fields[1] {
			if c < '0' || c > '9' {
				return 8
			}
			kb = kb*10 + int64(c-'0')
		}
		gb := int(kb >> 20)
		if gb < 1 {
			return 1
		}
		return gb
	}
	return 8
}

// compressionFlags registers the one-of compression selection.
type compressionFlags struct {
	brotli       *bool
	lzma         *bool
	uncompressed *bool
	level        *int
}

func addCompressionFlags(fset *flag.FlagSet) *compressionFlags {
	return &compressionFlags{
		brotli:       fset.Bool("brotli", false, "compress blocks with brotli instead of zlib"),
		lzma:         fset.Bool("lzma", false, "compress blocks with lzma instead of zlib"),
		uncompressed: fset.Bool("uncompressed", false, "write uncompressed blocks"),
		level:        fset.Int("compression-level", 0, "compression level (0 = codec default)"),
	}
}

func (c *compressionFlags) get() (pbffile.CompressionType, int, error) {
	set := 0
	ct := pbffile.Zlib
	if *c.brotli {
		set++
		ct = pbffile.Brotli
	}
	if *c.lzma {
		set++
		ct = pbffile.Lzma
	}
	if *c.uncompressed {
		set++
		ct = pbffile.Uncompressed
	}
	if set > 1 {
		return ct, 0, xerrors.New("at most one of -brotli, -lzma, -uncompressed")
	}
	return ct, *c.level, nil
}

// parseFilter accepts "minlon,minlat,maxlon,maxlat" or the path of an
// Osmosis .poly file.
func parseFilter(s string) (*mergechanges.SpatialFilter, error) {
	if s == "" {
		return &mergechanges.SpatialFilter{Bbox: quadtree.EmptyBbox()}, nil
	}
	if strings.HasSuffix(s, ".poly") {
		poly, err := mergechanges.ReadPolyFile(s)
		if err != nil {
			return nil, err
		}
		return &mergechanges.SpatialFilter{Bbox: quadtree.EmptyBbox(), Poly: poly}, nil
	}
	bbox, err := quadtree.ParseBbox(s)
	if err != nil {
		return nil, err
	}
	return &mergechanges.SpatialFilter{Bbox: bbox}, nil
}

// addTrailingSlash normalises directory arguments.
func addTrailingSlash(p string) string {
	if strings.HasSuffix(p, "/") {
		return p
	}
	if fi, err := os.Stat(p); err == nil && fi.IsDir() {
		return p + "/"
	}
	return p
}

// qtsFilename derives the default .qts.pbf name from the input.
func qtsFilename(infn string) string {
	base := strings.TrimSuffix(infn, filepath.Ext(infn))
	return base + "-qts.pbf"
}
