// Package calcqts assigns every element its quadtree: nodes from their
// coordinates (or the ways that use them), ways from the bounding box of
// their nodes, relations from the common ancestor of their members. The
// planet is scanned three times; the waynodes table built on the first scan
// is consumed by the next two.
package calcqts

import (
	"github.com/jharris2268/osmquadtree/internal/callback"
	"github.com/jharris2268/osmquadtree/internal/elements"
	"github.com/jharris2268/osmquadtree/internal/pbffile"
	"github.com/jharris2268/osmquadtree/internal/progress"
)

// Strategy selects the memory layout for the way-keyed stores. The choice
// is made before the pipeline starts and never changes mid-stream.
type Strategy int

const (
	// StrategyInMem holds waynodes and way boxes in maps; only for inputs
	// whose way count fits the budget.
	StrategyInMem Strategy = iota
	// StrategySimple holds way boxes in maps but spills waynodes to disk.
	StrategySimple
	// StrategyFlatVec stores way boxes and quadtrees in id-indexed flat
	// tiles; required for planet-scale input.
	StrategyFlatVec
)

func (s Strategy) String() string {
	switch s {
	case StrategyInMem:
		return "inmem"
	case StrategySimple:
		return "simple"
	case StrategyFlatVec:
		return "flatvec"
	}
	return "strategy?"
}

// ChooseStrategy picks the lightest strategy the input size allows under
// the configured RAM budget.
func ChooseStrategy(infn string, ramGB int) Strategy {
	flen := pbffile.FileLength(infn)
	budget := uint64(ramGB) << 30
	switch {
	case flen < budget/32:
		return StrategyInMem
	case flen < budget/8:
		return StrategySimple
	}
	return StrategyFlatVec
}

type Options struct {
	MaxDepth int
	Buffer   float64
	Numchan  int
	Strategy Strategy

	// WayNodesFn overrides the default <qtsfn>-waynodes location. When
	// LoadExisting is set the file must already exist (calcqts-prelim ran
	// before) and the way scan is skipped.
	WayNodesFn   string
	LoadExisting bool
	KeepWayNodes bool

	// MissingNodesLimit aborts the run when more way-node references
	// point at absent nodes; negative means unlimited.
	MissingNodesLimit int
}

func DefaultOptions() Options {
	return Options{
		MaxDepth:          18,
		Buffer:            0.05,
		Numchan:           4,
		Strategy:          StrategySimple,
		MissingNodesLimit: -1,
	}
}

type unit struct{}

// funcStage adapts a plain sequential function to the handler shape; it
// sits behind the decode fan-in so it sees blocks in file order.
type funcStage[T any] struct {
	fn  func(T) error
	err error
}

func (f *funcStage[T]) Call(v T) {
	if f.err != nil {
		return
	}
	f.err = f.fn(v)
}

func (f *funcStage[T]) Finish() (unit, error) {
	return unit{}, f.err
}

// ScanMinimal streams the file's blocks through parallel decode lanes into
// the sequential consumer fn.
func ScanMinimal(infn string, parts elements.ReadParts, numchan int, desc string, fn func(*elements.MinimalBlock) error) error {
	decode := func(ib pbffile.IndexedBlock) *elements.MinimalBlock {
		if ib.Block.BlockType != "OSMData" {
			return &elements.MinimalBlock{Index: int64(ib.Index)}
		}
		data, err := ib.Block.Data()
		if err != nil {
			progress.Message("skipping block %d at %d: %v", ib.Index, ib.Block.Position, err)
			return &elements.MinimalBlock{Index: int64(ib.Index)}
		}
		mb, err := elements.ReadMinimalBlockParts(int64(ib.Index), ib.Block.Position, data, parts)
		if err != nil {
			progress.Message("skipping block %d at %d: %v", ib.Index, ib.Block.Position, err)
			return &elements.MinimalBlock{Index: int64(ib.Index)}
		}
		return mb
	}

	consumer := &funcStage[*elements.MinimalBlock]{fn: fn}
	bar := progress.NewBar(int64(pbffile.FileLength(infn)), desc)

	if numchan == 0 {
		conv := callback.NewCallAll[pbffile.IndexedBlock, *elements.MinimalBlock, unit](consumer, desc, decode)
		_, err := pbffile.ReadAllBlocks[unit](infn, conv, bar)
		return err
	}

	lanes := callback.NewCallbackSync[*elements.MinimalBlock, unit](consumer, numchan)
	decoders := make([]callback.Handler[pbffile.IndexedBlock, unit], 0, numchan)
	for _, lane := range lanes {
		decoders = append(decoders, callback.NewCallback[pbffile.IndexedBlock, unit](
			callback.NewCallAll[pbffile.IndexedBlock, *elements.MinimalBlock, unit](lane, desc, decode)))
	}
	merged := callback.NewCallbackMerge[pbffile.IndexedBlock, unit, unit](decoders,
		func([]unit) unit { return unit{} })
	_, err := pbffile.ReadAllBlocks[unit](infn, merged, bar)
	return err
}
