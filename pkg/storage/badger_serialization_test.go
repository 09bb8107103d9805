package storage

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBadgerSerialization_PreservesNumericTypes(t *testing.T) {
	now := time.Now()
	node := &Node{
		ID: 7,
		Properties: map[string]any{
			"count":  int64(3),
			"ratio":  float64(3),
			"name":   "Sontaran",
			"clone":  true,
			"offset": int64(-12),
		},
		CreatedAt: now,
		UpdatedAt: now,
	}

	data, err := encodeNode(node)
	require.NoError(t, err)
	decoded, err := decodeNode(data)
	require.NoError(t, err)

	assert.Equal(t, NodeID(7), decoded.ID)
	assert.Equal(t, node.Properties, decoded.Properties)
	assert.IsType(t, int64(0), decoded.Properties["count"])
	assert.IsType(t, float64(0), decoded.Properties["ratio"])
	assert.True(t, now.Equal(decoded.CreatedAt))
}

func TestBadgerSerialization_EmptyProperties(t *testing.T) {
	data, err := encodeEdge(&Edge{ID: 1, StartNode: 1, EndNode: 2, Type: "KNOWS"})
	require.NoError(t, err)

	edge, err := decodeEdge(data)
	require.NoError(t, err)
	assert.NotNil(t, edge.Properties)
	assert.Empty(t, edge.Properties)
	assert.True(t, edge.CreatedAt.IsZero())
	assert.Equal(t, "KNOWS", edge.Type)
}
