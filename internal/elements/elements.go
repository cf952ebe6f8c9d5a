// Package elements holds the typed representations of OSM nodes, ways and
// relations together with the structural encode/decode of primitive blocks.
// Coordinates are fixed-point, units of 1e-7 degree. Ids are never
// reinterpreted; ordering is always (id, version, changetype).
package elements

import (
	"github.com/jharris2268/osmquadtree/internal/quadtree"
)

// Changetype marks the role of an element inside a supplemental block.
type Changetype uint8

const (
	Normal Changetype = iota
	Delete
	Remove
	Unchanged
	Modify
	Create
)

func (c Changetype) String() string {
	switch c {
	case Normal:
		return "Normal"
	case Delete:
		return "Delete"
	case Remove:
		return "Remove"
	case Unchanged:
		return "Unchanged"
	case Modify:
		return "Modify"
	case Create:
		return "Create"
	}
	return "Changetype?"
}

type ElementType uint8

const (
	NodeType ElementType = iota
	WayType
	RelationType
)

func (e ElementType) String() string {
	switch e {
	case NodeType:
		return "node"
	case WayType:
		return "way"
	case RelationType:
		return "relation"
	}
	return "element?"
}

type Tag struct {
	Key, Val string
}

type Info struct {
	Version   int64
	Timestamp int64
	Changeset int64
	UserID    int64
	User      string
}

type Member struct {
	Role string
	Type ElementType
	Ref  int64
}

// Common carries the fields shared by all three element kinds.
type Common struct {
	ID         int64
	Changetype Changetype
	Info       Info
	Tags       []Tag
	Quadtree   quadtree.Quadtree
}

// Less orders by (id, version, changetype).
func (c *Common) Less(o *Common) bool {
	if c.ID != o.ID {
		return c.ID < o.ID
	}
	if c.Info.Version != o.Info.Version {
		return c.Info.Version < o.Info.Version
	}
	return c.Changetype < o.Changetype
}

type Node struct {
	Common
	Lon, Lat int64
}

type Way struct {
	Common
	Refs []int64
}

type Relation struct {
	Common
	Members []Member
}

// An IdSet filters elements by id during block decoding. The zero filter
// (nil) accepts everything.
type IdSet interface {
	ContainsNode(id int64) bool
	ContainsWay(id int64) bool
	ContainsRelation(id int64) bool
}
