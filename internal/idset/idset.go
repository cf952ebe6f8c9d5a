// Package idset tracks which element ids an operation cares about. The
// update engine seeds a set from a change file to find affected tiles; the
// merge engine uses one to keep only spatially relevant elements.
package idset

import (
	"fmt"
)

// An IdSet answers membership queries for the three element kinds plus
// "exnodes": nodes that are not themselves touched but are referenced by a
// touched way, whose geometry must still be fetched.
type IdSet interface {
	ContainsNode(id int64) bool
	ContainsWay(id int64) bool
	ContainsRelation(id int64) bool
	ContainsExnode(id int64) bool
}

// All accepts every id.
type All struct{}

func (All) ContainsNode(int64) bool     { return true }
func (All) ContainsWay(int64) bool      { return true }
func (All) ContainsRelation(int64) bool { return true }
func (All) ContainsExnode(int64) bool   { return false }

// A Set is the explicit variant: three id sets plus the exnode subset.
// Mutation is not goroutine-safe; once built a Set is read-only and may be
// shared across lanes.
type Set struct {
	Nodes     map[int64]struct{}
	Ways      map[int64]struct{}
	Relations map[int64]struct{}
	Exnodes   map[int64]struct{}
}

func NewSet() *Set {
	return &Set{
		Nodes:     map[int64]struct{}{},
		Ways:      map[int64]struct{}{},
		Relations: map[int64]struct{}{},
		Exnodes:   map[int64]struct{}{},
	}
}

func (s *Set) AddNode(id int64)     { s.Nodes[id] = struct{}{} }
func (s *Set) AddWay(id int64)      { s.Ways[id] = struct{}{} }
func (s *Set) AddRelation(id int64) { s.Relations[id] = struct{}{} }

// AddExnode records a referenced-but-unmodified node; it is also a node for
// membership purposes.
func (s *Set) AddExnode(id int64) {
	s.Nodes[id] = struct{}{}
	s.Exnodes[id] = struct{}{}
}

func (s *Set) ContainsNode(id int64) bool {
	_, ok := s.Nodes[id]
	return ok
}

func (s *Set) ContainsWay(id int64) bool {
	_, ok := s.Ways[id]
	return ok
}

func (s *Set) ContainsRelation(id int64) bool {
	_, ok := s.Relations[id]
	return ok
}

func (s *Set) ContainsExnode(id int64) bool {
	_, ok := s.Exnodes[id]
	return ok
}

// Union folds other into s.
func (s *Set) Union(other *Set) {
	for id := range other.Nodes {
		s.Nodes[id] = struct{}{}
	}
	for id := range other.Ways {
		s.Ways[id] = struct{}{}
	}
	for id := range other.Relations {
		s.Relations[id] = struct{}{}
	}
	for id := range other.Exnodes {
		s.Exnodes[id] = struct{}{}
	}
}

func (s *Set) Len() int {
	return len(s.Nodes) + len(s.Ways) + len(s.Relations)
}

func (s *Set) String() string {
	return fmt.Sprintf("IdSet[%d nodes (%d ex), %d ways, %d relations]",
		len(s.Nodes), len(s.Exnodes), len(s.Ways), len(s.Relations))
}
