package storage

import (
	"fmt"
	"math"
)

// NormalizeValue validates a property value and converts it to its canonical
// representation.
//
// Only scalars are allowed. Integers of every width are stored as int64 and
// floats as float64, so values read back from any engine have the same Go
// type regardless of what the caller passed in.
func NormalizeValue(value any) (any, error) {
	switch v := value.(type) {
	case string, bool, int64, float64:
		return v, nil
	case int:
		return int64(v), nil
	case int8:
		return int64(v), nil
	case int16:
		return int64(v), nil
	case int32:
		return int64(v), nil
	case uint:
		return normalizeUint(uint64(v))
	case uint8:
		return int64(v), nil
	case uint16:
		return int64(v), nil
	case uint32:
		return int64(v), nil
	case uint64:
		return normalizeUint(v)
	case float32:
		return float64(v), nil
	case nil:
		return nil, fmt.Errorf("%w: nil value", ErrInvalidProperty)
	default:
		return nil, fmt.Errorf("%w: unsupported type %T", ErrInvalidProperty, value)
	}
}

func normalizeUint(v uint64) (any, error) {
	if v > math.MaxInt64 {
		return nil, fmt.Errorf("%w: %d overflows int64", ErrInvalidProperty, v)
	}
	return int64(v), nil
}

// validateProperty checks a key/value pair and returns the normalized value.
func validateProperty(key string, value any) (any, error) {
	if key == "" {
		return nil, fmt.Errorf("%w: empty key", ErrInvalidProperty)
	}
	v, err := NormalizeValue(value)
	if err != nil {
		return nil, fmt.Errorf("property %q: %w", key, err)
	}
	return v, nil
}

func copyProperties(props map[string]any) map[string]any {
	out := make(map[string]any, len(props))
	for k, v := range props {
		out[k] = v
	}
	return out
}

// copyNode creates a deep copy of a node. Property values are scalars, so a
// map copy is a deep copy.
func copyNode(node *Node) *Node {
	if node == nil {
		return nil
	}
	return &Node{
		ID:         node.ID,
		Properties: copyProperties(node.Properties),
		CreatedAt:  node.CreatedAt,
		UpdatedAt:  node.UpdatedAt,
	}
}

// copyEdge creates a deep copy of an edge.
func copyEdge(edge *Edge) *Edge {
	if edge == nil {
		return nil
	}
	return &Edge{
		ID:         edge.ID,
		StartNode:  edge.StartNode,
		EndNode:    edge.EndNode,
		Type:       edge.Type,
		Properties: copyProperties(edge.Properties),
		CreatedAt:  edge.CreatedAt,
		UpdatedAt:  edge.UpdatedAt,
	}
}
