package sortblocks

import (
	"io"
	"os"

	"golang.org/x/xerrors"

	"github.com/jharris2268/osmquadtree/internal/elements"
	"github.com/jharris2268/osmquadtree/internal/pbffile"
	"github.com/jharris2268/osmquadtree/internal/quadtree"
)

// A QtsCursor streams a .qts.pbf file alongside an id-ordered planet scan,
// answering "what quadtree did calcqts give this element" without holding
// the whole table in memory.
type QtsCursor struct {
	f   *os.File
	pos uint64
	eof bool

	nodes, ways, relations []elements.IDQuadtree
}

func OpenQts(fname string) (*QtsCursor, error) {
	f, err := os.Open(fname)
	if err != nil {
		return nil, err
	}
	return &QtsCursor{f: f}, nil
}

func (c *QtsCursor) Close() error {
	return c.f.Close()
}

func (c *QtsCursor) refill() error {
	if c.eof {
		return io.EOF
	}
	for {
		fb, err := pbffile.ReadFileBlock(c.f, c.pos)
		if err == io.EOF {
			c.eof = true
			return io.EOF
		}
		if err != nil {
			return err
		}
		c.pos += fb.Length
		if fb.BlockType != "OSMData" {
			continue
		}
		data, err := fb.Data()
		if err != nil {
			return err
		}
		qb, err := elements.UnpackQuadtreeBlock(0, fb.Position, data)
		if err != nil {
			return err
		}
		if qb.Len() == 0 {
			continue
		}
		c.nodes = append(c.nodes, qb.Nodes...)
		c.ways = append(c.ways, qb.Ways...)
		c.relations = append(c.relations, qb.Relations...)
		return nil
	}
}

func (c *QtsCursor) find(list *[]elements.IDQuadtree, id int64, kind string) (quadtree.Quadtree, error) {
	for {
		for len(*list) > 0 {
			head := (*list)[0]
			if head.ID == id {
				*list = (*list)[1:]
				return head.Quadtree, nil
			}
			if head.ID > id {
				return quadtree.Empty, xerrors.Errorf("no quadtree found for %s %d (next is %d)", kind, id, head.ID)
			}
			*list = (*list)[1:]
		}
		if err := c.refill(); err != nil {
			if err == io.EOF {
				return quadtree.Empty, xerrors.Errorf("no quadtree found for %s %d (quadtree stream exhausted)", kind, id)
			}
			return quadtree.Empty, err
		}
	}
}

func (c *QtsCursor) NodeQt(id int64) (quadtree.Quadtree, error) {
	return c.find(&c.nodes, id, "node")
}

func (c *QtsCursor) WayQt(id int64) (quadtree.Quadtree, error) {
	return c.find(&c.ways, id, "way")
}

func (c *QtsCursor) RelationQt(id int64) (quadtree.Quadtree, error) {
	return c.find(&c.relations, id, "relation")
}

// AddQuadtrees joins a decoded block with the quadtree stream, overwriting
// each element's quadtree with the calculated one.
func (c *QtsCursor) AddQuadtrees(blk *elements.PrimitiveBlock) error {
	for i := range blk.Nodes {
		q, err := c.NodeQt(blk.Nodes[i].ID)
		if err != nil {
			return err
		}
		blk.Nodes[i].Quadtree = q
	}
	for i := range blk.Ways {
		q, err := c.WayQt(blk.Ways[i].ID)
		if err != nil {
			return err
		}
		blk.Ways[i].Quadtree = q
	}
	for i := range blk.Relations {
		q, err := c.RelationQt(blk.Relations[i].ID)
		if err != nil {
			return err
		}
		blk.Relations[i].Quadtree = q
	}
	return nil
}
