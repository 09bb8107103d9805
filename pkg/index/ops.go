package index

import (
	"errors"
	"fmt"

	"github.com/orneryd/koandb/pkg/storage"
)

// Errors returned by index operations.
var (
	ErrConfigMismatch = errors.New("index configuration mismatch")
	ErrInvalidConfig  = errors.New("invalid index configuration")
	ErrInvalidEntry   = errors.New("invalid index entry")
	ErrNotUnique      = errors.New("more than one hit")
)

// Type selects the analyzer of a named index.
type Type string

const (
	// TypeExact matches whole values, case-sensitively.
	TypeExact Type = "exact"
	// TypeFulltext matches individual lowercased words.
	TypeFulltext Type = "fulltext"
)

// Config is the configuration of a named index. The zero value is an exact
// index.
type Config struct {
	Type Type `yaml:"type" json:"type" validate:"omitempty,oneof=exact fulltext"`
}

// withDefaults fills unset fields from def.
func (c Config) withDefaults(def Config) Config {
	if c.Type == "" {
		c.Type = def.Type
	}
	if c.Type == "" {
		c.Type = TypeExact
	}
	return c
}

func (c Config) validate() error {
	switch c.Type {
	case "", TypeExact, TypeFulltext:
		return nil
	default:
		return fmt.Errorf("%w: unknown type %q", ErrInvalidConfig, c.Type)
	}
}

func (c Config) analyzer() Analyzer {
	if c.Type == TypeFulltext {
		return fulltextAnalyzer{}
	}
	return exactAnalyzer{}
}

// OpType identifies an index mutation.
type OpType int

const (
	// OpConfigure creates a named index with an explicit Config.
	OpConfigure OpType = iota + 1
	// OpAdd adds a (node, field, value) entry.
	OpAdd
	// OpRemoveNode removes every entry of a node from a named index.
	OpRemoveNode
	// OpRemoveField removes a node's entries under one field.
	OpRemoveField
	// OpRemoveEntry removes a node's entry for one field and value.
	OpRemoveEntry
)

func (t OpType) String() string {
	switch t {
	case OpConfigure:
		return "configure"
	case OpAdd:
		return "add"
	case OpRemoveNode:
		return "remove_node"
	case OpRemoveField:
		return "remove_field"
	case OpRemoveEntry:
		return "remove_entry"
	default:
		return fmt.Sprintf("op(%d)", int(t))
	}
}

// Op is a single index mutation. Which fields are used depends on Type.
type Op struct {
	Type   OpType
	Index  string
	Config Config
	Node   storage.NodeID
	Field  string
	Value  any
}
