// Package update applies an OSM change file to a quadtree-sorted planet
// store: it finds every existing block a touched id lives in, recomputes the
// affected quadtrees and emits a supplemental archive of created, modified,
// deleted and relocated elements.
package update

import (
	"encoding/xml"
	"io"
	"sort"
	"strconv"
	"strings"
	"time"

	pgzip "github.com/klauspost/pgzip"
	"golang.org/x/xerrors"

	"github.com/jharris2268/osmquadtree/internal/elements"
	"github.com/jharris2268/osmquadtree/internal/quadtree"
)

// A ChangeBlock is the decoded form of one .osc file: the touched elements
// keyed by id. Within one file a later operation on the same id replaces an
// earlier one.
type ChangeBlock struct {
	Nodes     map[int64]*elements.Node
	Ways      map[int64]*elements.Way
	Relations map[int64]*elements.Relation
}

func NewChangeBlock() *ChangeBlock {
	return &ChangeBlock{
		Nodes:     map[int64]*elements.Node{},
		Ways:      map[int64]*elements.Way{},
		Relations: map[int64]*elements.Relation{},
	}
}

// SortedNodeIDs returns the node ids in ascending order; joins against the
// ordered planet scan rely on it. Same for ways and relations.
func (cb *ChangeBlock) SortedNodeIDs() []int64 {
	return sortedKeys(cb.Nodes)
}

func (cb *ChangeBlock) SortedWayIDs() []int64 {
	return sortedKeys(cb.Ways)
}

func (cb *ChangeBlock) SortedRelationIDs() []int64 {
	return sortedKeys(cb.Relations)
}

func sortedKeys[T any](m map[int64]*T) []int64 {
	res := make([]int64, 0, len(m))
	for id := range m {
		res = append(res, id)
	}
	sort.Slice(res, func(i, j int) bool { return res[i] < res[j] })
	return res
}

// ReadXMLChange parses an .osc stream (optionally gzip-compressed when the
// name says so).
func ReadXMLChange(r io.Reader, gzipped bool) (*ChangeBlock, error) {
	if gzipped {
		gz, err := pgzip.NewReader(r)
		if err != nil {
			return nil, xerrors.Errorf("change file: %w", err)
		}
		defer gz.Close()
		r = gz
	}
	return parseXMLChange(r)
}

func parseXMLChange(r io.Reader) (*ChangeBlock, error) {
	res := NewChangeBlock()
	dec := xml.NewDecoder(r)

	ct := elements.Normal
	var curNode *elements.Node
	var curWay *elements.Way
	var curRelation *elements.Relation

	for {
		tok, err := dec.Token()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, xerrors.Errorf("change file: %w", err)
		}
		switch t := tok.(type) {
		case xml.StartElement:
			switch t.Name.Local {
			case "osmChange":
			case "create":
				ct = elements.Create
			case "modify":
				ct = elements.Modify
			case "delete":
				ct = elements.Delete
			case "node":
				common, lon, lat, err := parseCommon(t.Attr, ct)
				if err != nil {
					return nil, err
				}
				curNode = &elements.Node{Common: common, Lon: lon, Lat: lat}
			case "way":
				common, _, _, err := parseCommon(t.Attr, ct)
				if err != nil {
					return nil, err
				}
				curWay = &elements.Way{Common: common}
			case "relation":
				common, _, _, err := parseCommon(t.Attr, ct)
				if err != nil {
					return nil, err
				}
				curRelation = &elements.Relation{Common: common}
			case "tag":
				tag := elements.Tag{}
				for _, a := range t.Attr {
					switch a.Name.Local {
					case "k":
						tag.Key = a.Value
					case "v":
						tag.Val = a.Value
					}
				}
				switch {
				case curNode != nil:
					curNode.Tags = append(curNode.Tags, tag)
				case curWay != nil:
					curWay.Tags = append(curWay.Tags, tag)
				case curRelation != nil:
					curRelation.Tags = append(curRelation.Tags, tag)
				}
			case "nd":
				if curWay == nil {
					return nil, xerrors.New("change file: <nd> outside a way")
				}
				for _, a := range t.Attr {
					if a.Name.Local == "ref" {
						ref, err := strconv.ParseInt(a.Value, 10, 64)
						if err != nil {
							return nil, xerrors.Errorf("change file: nd ref: %w", err)
						}
						curWay.Refs = append(curWay.Refs, ref)
					}
				}
			case "member":
				if curRelation == nil {
					return nil, xerrors.New("change file: <member> outside a relation")
				}
				m := elements.Member{}
				for _, a := range t.Attr {
					switch a.Name.Local {
					case "type":
						switch a.Value {
						case "node":
							m.Type = elements.NodeType
						case "way":
							m.Type = elements.WayType
						case "relation":
							m.Type = elements.RelationType
						default:
							return nil, xerrors.Errorf("change file: member type %q", a.Value)
						}
					case "ref":
						ref, err := strconv.ParseInt(a.Value, 10, 64)
						if err != nil {
							return nil, xerrors.Errorf("change file: member ref: %w", err)
						}
						m.Ref = ref
					case "role":
						m.Role = a.Value
					}
				}
				curRelation.Members = append(curRelation.Members, m)
			}
		case xml.EndElement:
			switch t.Name.Local {
			case "create", "modify", "delete":
				ct = elements.Normal
			case "node":
				res.Nodes[curNode.ID] = curNode
				curNode = nil
			case "way":
				res.Ways[curWay.ID] = curWay
				curWay = nil
			case "relation":
				res.Relations[curRelation.ID] = curRelation
				curRelation = nil
			}
		}
	}
	return res, nil
}

func parseCommon(attrs []xml.Attr, ct elements.Changetype) (elements.Common, int64, int64, error) {
	common := elements.Common{Changetype: ct, Quadtree: quadtree.Empty}
	var lon, lat int64
	for _, a := range attrs {
		var err error
		switch a.Name.Local {
		case "id":
			common.ID, err = strconv.ParseInt(a.Value, 10, 64)
		case "version":
			common.Info.Version, err = strconv.ParseInt(a.Value, 10, 64)
		case "changeset":
			common.Info.Changeset, err = strconv.ParseInt(a.Value, 10, 64)
		case "uid":
			common.Info.UserID, err = strconv.ParseInt(a.Value, 10, 64)
		case "user":
			common.Info.User = a.Value
		case "timestamp":
			var ts time.Time
			ts, err = time.Parse("2006-01-02T15:04:05Z", a.Value)
			if err == nil {
				common.Info.Timestamp = ts.Unix()
			}
		case "lon":
			lon, err = parseCoord(a.Value)
		case "lat":
			lat, err = parseCoord(a.Value)
		}
		if err != nil {
			return common, 0, 0, xerrors.Errorf("change file: attribute %s=%q: %w", a.Name.Local, a.Value, err)
		}
	}
	if common.ID == 0 {
		return common, 0, 0, xerrors.New("change file: element without id")
	}
	return common, lon, lat, nil
}

func parseCoord(s string) (int64, error) {
	f, err := strconv.ParseFloat(strings.TrimSpace(s), 64)
	if err != nil {
		return 0, err
	}
	if f < 0 {
		return int64(f*1e7 - 0.5), nil
	}
	return int64(f*1e7 + 0.5), nil
}
