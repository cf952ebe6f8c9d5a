package idset

import "testing"

func TestSet(t *testing.T) {
	s := NewSet()
	s.AddNode(1)
	s.AddWay(2)
	s.AddRelation(3)
	s.AddExnode(4)

	if !s.ContainsNode(1) || s.ContainsNode(2) {
		t.Error("node membership wrong")
	}
	if !s.ContainsWay(2) || s.ContainsWay(1) {
		t.Error("way membership wrong")
	}
	if !s.ContainsRelation(3) {
		t.Error("relation membership wrong")
	}
	if !s.ContainsExnode(4) || s.ContainsExnode(1) {
		t.Error("exnode membership wrong")
	}
	if !s.ContainsNode(4) {
		t.Error("exnode should also be a node")
	}
	if s.Len() != 4 {
		t.Errorf("len %d", s.Len())
	}
}

func TestUnion(t *testing.T) {
	a, b := NewSet(), NewSet()
	a.AddNode(1)
	b.AddNode(2)
	b.AddWay(3)
	b.AddExnode(4)
	a.Union(b)
	if !a.ContainsNode(2) || !a.ContainsWay(3) || !a.ContainsExnode(4) {
		t.Error("union missed entries")
	}
}

func TestAll(t *testing.T) {
	var s IdSet = All{}
	if !s.ContainsNode(99) || !s.ContainsWay(99) || !s.ContainsRelation(99) {
		t.Error("All should accept everything")
	}
	if s.ContainsExnode(99) {
		t.Error("All has no exnodes")
	}
}
