package count

import (
	"github.com/jharris2268/osmquadtree/internal/calcqts"
	"github.com/jharris2268/osmquadtree/internal/elements"
)

// Run streams the file once and returns the totals.
func Run(infn string, numchan int) (*Counts, error) {
	res := NewCounts()
	err := calcqts.ScanMinimal(infn, elements.ReadParts{Nodes: true, Ways: true, Relations: true},
		numchan, "count "+infn, res.AddBlock)
	if err != nil {
		return nil, err
	}
	return res, nil
}
