// Package storage - Serialization helpers for BadgerDB.
package storage

import (
	"fmt"
	"time"

	"github.com/fxamacker/cbor/v2"
)

// CBOR keeps the distinction between integer and float property values that
// a JSON round-trip would lose. Integers decode as int64 to match
// NormalizeValue.
var cborDecMode = mustDecMode(cbor.DecOptions{
	IntDec: cbor.IntDecConvertSignedOrFail,
})

func mustDecMode(opts cbor.DecOptions) cbor.DecMode {
	dm, err := opts.DecMode()
	if err != nil {
		panic(fmt.Sprintf("storage: invalid cbor decode options: %v", err))
	}
	return dm
}

// storedNode is the on-disk form of a Node.
type storedNode struct {
	ID         uint64         `cbor:"1,keyasint"`
	Properties map[string]any `cbor:"2,keyasint,omitempty"`
	CreatedAt  int64          `cbor:"3,keyasint"`
	UpdatedAt  int64          `cbor:"4,keyasint"`
}

// storedEdge is the on-disk form of an Edge.
type storedEdge struct {
	ID         uint64         `cbor:"1,keyasint"`
	StartNode  uint64         `cbor:"2,keyasint"`
	EndNode    uint64         `cbor:"3,keyasint"`
	Type       string         `cbor:"4,keyasint"`
	Properties map[string]any `cbor:"5,keyasint,omitempty"`
	CreatedAt  int64          `cbor:"6,keyasint"`
	UpdatedAt  int64          `cbor:"7,keyasint"`
}

// encodeNode serializes a Node to CBOR bytes for BadgerDB storage.
func encodeNode(n *Node) ([]byte, error) {
	return cbor.Marshal(storedNode{
		ID:         uint64(n.ID),
		Properties: n.Properties,
		CreatedAt:  timeToUnixNano(n.CreatedAt),
		UpdatedAt:  timeToUnixNano(n.UpdatedAt),
	})
}

// decodeNode converts CBOR bytes back to a Node.
func decodeNode(data []byte) (*Node, error) {
	var sn storedNode
	if err := cborDecMode.Unmarshal(data, &sn); err != nil {
		return nil, fmt.Errorf("unmarshaling node: %w", err)
	}
	if sn.Properties == nil {
		sn.Properties = make(map[string]any)
	}
	return &Node{
		ID:         NodeID(sn.ID),
		Properties: sn.Properties,
		CreatedAt:  unixNanoToTime(sn.CreatedAt),
		UpdatedAt:  unixNanoToTime(sn.UpdatedAt),
	}, nil
}

// encodeEdge serializes an Edge to CBOR bytes for BadgerDB storage.
func encodeEdge(e *Edge) ([]byte, error) {
	return cbor.Marshal(storedEdge{
		ID:         uint64(e.ID),
		StartNode:  uint64(e.StartNode),
		EndNode:    uint64(e.EndNode),
		Type:       e.Type,
		Properties: e.Properties,
		CreatedAt:  timeToUnixNano(e.CreatedAt),
		UpdatedAt:  timeToUnixNano(e.UpdatedAt),
	})
}

// decodeEdge converts CBOR bytes back to an Edge.
func decodeEdge(data []byte) (*Edge, error) {
	var se storedEdge
	if err := cborDecMode.Unmarshal(data, &se); err != nil {
		return nil, fmt.Errorf("unmarshaling relationship: %w", err)
	}
	if se.Properties == nil {
		se.Properties = make(map[string]any)
	}
	return &Edge{
		ID:         EdgeID(se.ID),
		StartNode:  NodeID(se.StartNode),
		EndNode:    NodeID(se.EndNode),
		Type:       se.Type,
		Properties: se.Properties,
		CreatedAt:  unixNanoToTime(se.CreatedAt),
		UpdatedAt:  unixNanoToTime(se.UpdatedAt),
	}, nil
}

func timeToUnixNano(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UnixNano()
}

func unixNanoToTime(ns int64) time.Time {
	if ns == 0 {
		return time.Time{}
	}
	return time.Unix(0, ns)
}
