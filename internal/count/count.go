// Package count streams a pbf file and reports basic per-kind statistics:
// element counts, id and timestamp ranges, and the covered bounding box.
package count

import (
	"fmt"
	"strings"

	osmquadtree "github.com/jharris2268/osmquadtree"
	"github.com/jharris2268/osmquadtree/internal/elements"
	"github.com/jharris2268/osmquadtree/internal/quadtree"
)

type KindCount struct {
	Count  int64
	MinID  int64
	MaxID  int64
	MinTS  int64
	MaxTS  int64
	MaxVer int64
}

func (k *KindCount) add(id, ts, version int64) {
	if k.Count == 0 || id < k.MinID {
		k.MinID = id
	}
	if id > k.MaxID {
		k.MaxID = id
	}
	if ts > 0 && (k.MinTS == 0 || ts < k.MinTS) {
		k.MinTS = ts
	}
	if ts > k.MaxTS {
		k.MaxTS = ts
	}
	if version > k.MaxVer {
		k.MaxVer = version
	}
	k.Count++
}

func (k *KindCount) String() string {
	if k.Count == 0 {
		return "none"
	}
	return fmt.Sprintf("%d objects: %d => %d [%s => %s]",
		k.Count, k.MinID, k.MaxID,
		osmquadtree.TimestampString(k.MinTS), osmquadtree.TimestampString(k.MaxTS))
}

type Counts struct {
	Blocks    int64
	Nodes     KindCount
	Ways      KindCount
	Relations KindCount
	Bbox      quadtree.Bbox
	WayRefs   int64
	RelMems   int64
}

// AddBlock folds one minimal block into the totals.
func (c *Counts) AddBlock(mb *elements.MinimalBlock) error {
	c.Blocks++
	for i := range mb.Nodes {
		n := &mb.Nodes[i]
		c.Nodes.add(n.ID, n.Timestamp, n.Version)
		c.Bbox.Expand(n.Lon, n.Lat)
	}
	for i := range mb.Ways {
		w := &mb.Ways[i]
		c.Ways.add(w.ID, w.Timestamp, w.Version)
		refs, err := w.Refs()
		if err != nil {
			return err
		}
		c.WayRefs += int64(len(refs))
	}
	for i := range mb.Relations {
		r := &mb.Relations[i]
		c.Relations.add(r.ID, r.Timestamp, r.Version)
		types, _, err := r.Members()
		if err != nil {
			return err
		}
		c.RelMems += int64(len(types))
	}
	return nil
}

// Combine folds another lane's totals in; used by the merge collector.
func (c *Counts) Combine(o *Counts) {
	c.Blocks += o.Blocks
	combineKind(&c.Nodes, &o.Nodes)
	combineKind(&c.Ways, &o.Ways)
	combineKind(&c.Relations, &o.Relations)
	c.Bbox.ExpandBox(o.Bbox)
	c.WayRefs += o.WayRefs
	c.RelMems += o.RelMems
}

func combineKind(a, b *KindCount) {
	if b.Count == 0 {
		return
	}
	if a.Count == 0 {
		*a = *b
		return
	}
	if b.MinID < a.MinID {
		a.MinID = b.MinID
	}
	if b.MaxID > a.MaxID {
		a.MaxID = b.MaxID
	}
	if b.MinTS > 0 && (a.MinTS == 0 || b.MinTS < a.MinTS) {
		a.MinTS = b.MinTS
	}
	if b.MaxTS > a.MaxTS {
		a.MaxTS = b.MaxTS
	}
	if b.MaxVer > a.MaxVer {
		a.MaxVer = b.MaxVer
	}
	a.Count += b.Count
}

func (c *Counts) String() string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "%d blocks\n", c.Blocks)
	fmt.Fprintf(&sb, "nodes:     %s\n", c.Nodes.String())
	fmt.Fprintf(&sb, "ways:      %s (%d refs)\n", c.Ways.String(), c.WayRefs)
	fmt.Fprintf(&sb, "relations: %s (%d members)\n", c.Relations.String(), c.RelMems)
	fmt.Fprintf(&sb, "bbox: %s", c.Bbox)
	return sb.String()
}

func NewCounts() *Counts {
	return &Counts{Bbox: quadtree.EmptyBbox()}
}
