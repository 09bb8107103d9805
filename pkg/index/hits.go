package index

import (
	"fmt"
	"iter"
	"slices"

	"github.com/orneryd/koandb/pkg/storage"
)

// Hits is the result of an index query: distinct node IDs in result order.
type Hits struct {
	nodes []storage.NodeID
}

// NewHits wraps a list of node IDs.
func NewHits(nodes []storage.NodeID) Hits {
	return Hits{nodes: nodes}
}

// Len returns the number of hits.
func (h Hits) Len() int { return len(h.nodes) }

// Nodes returns a copy of the hit IDs.
func (h Hits) Nodes() []storage.NodeID { return slices.Clone(h.nodes) }

// All iterates the hits in result order.
func (h Hits) All() iter.Seq[storage.NodeID] { return slices.Values(h.nodes) }

// Contains reports whether id is among the hits.
func (h Hits) Contains(id storage.NodeID) bool { return slices.Contains(h.nodes, id) }

// Single returns the only hit. ok is false when there are no hits; more than
// one hit is ErrNotUnique.
func (h Hits) Single() (id storage.NodeID, ok bool, err error) {
	switch len(h.nodes) {
	case 0:
		return 0, false, nil
	case 1:
		return h.nodes[0], true, nil
	default:
		return 0, false, fmt.Errorf("%w: %d nodes", ErrNotUnique, len(h.nodes))
	}
}
