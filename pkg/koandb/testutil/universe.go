// Package testutil builds the Doctor Who universe used by koandb tests.
//
// The universe has one node per character and per species, a "characters",
// "companions", "enemies" and "species" index, and IS_A, COMPANION_OF and
// ENEMY_OF relationships between them.
package testutil

import (
	"context"
	"fmt"
	"io"
	"testing"

	"github.com/charmbracelet/log"
	"github.com/stretchr/testify/require"

	"github.com/orneryd/koandb/pkg/config"
	"github.com/orneryd/koandb/pkg/koandb"
)

// Species in insertion order.
var Species = []string{
	"Silurian", "Slitheen", "Sontaran", "Dalek", "Cyberman",
	"Human", "Time Lord", "Ood", "Sycorax",
}

// Companions of the Doctor in insertion order.
var Companions = []string{
	"Rose Tyler", "Adam Mitchell", "Jack Harkness",
	"Mickey Smith", "Donna Noble", "Martha Jones",
}

// Enemies of the Doctor in insertion order.
var Enemies = []string{"Cyberleader", "Dalek Sec", "The Master", "Sycorax Leader"}

var speciesOf = map[string]string{
	"Doctor":         "Time Lord",
	"Rose Tyler":     "Human",
	"Adam Mitchell":  "Human",
	"Jack Harkness":  "Human",
	"Mickey Smith":   "Human",
	"Donna Noble":    "Human",
	"Martha Jones":   "Human",
	"Cyberleader":    "Cyberman",
	"Dalek Sec":      "Dalek",
	"The Master":     "Time Lord",
	"Sycorax Leader": "Sycorax",
}

// Universe holds the IDs of the loaded nodes.
type Universe struct {
	DB         *koandb.DB
	Doctor     koandb.NodeID
	Characters map[string]koandb.NodeID
	Species    map[string]koandb.NodeID
}

// Character returns the ID of a named character.
func (u *Universe) Character(name string) koandb.NodeID {
	return u.Characters[name]
}

// Load populates db with the universe in a single transaction.
func Load(ctx context.Context, db *koandb.DB) (*Universe, error) {
	u := &Universe{
		DB:         db,
		Characters: make(map[string]koandb.NodeID),
		Species:    make(map[string]koandb.NodeID),
	}

	err := db.Update(ctx, func(tx *koandb.Tx) error {
		if err := tx.SetMetadata(map[string]any{"fixture": "doctor-who"}); err != nil {
			return err
		}

		for _, name := range Species {
			node, err := tx.CreateNode(map[string]any{"species": name})
			if err != nil {
				return fmt.Errorf("species %s: %w", name, err)
			}
			if err := tx.AddToIndex("species", node.ID, "species", name); err != nil {
				return err
			}
			u.Species[name] = node.ID
		}

		names := append([]string{"Doctor"}, Companions...)
		names = append(names, Enemies...)
		for _, name := range names {
			node, err := tx.CreateNode(map[string]any{"name": name})
			if err != nil {
				return fmt.Errorf("character %s: %w", name, err)
			}
			if err := tx.AddToIndex("characters", node.ID, "name", name); err != nil {
				return err
			}
			if _, err := tx.CreateRelationship(node.ID, u.Species[speciesOf[name]], "IS_A", nil); err != nil {
				return fmt.Errorf("species of %s: %w", name, err)
			}
			u.Characters[name] = node.ID
		}
		u.Doctor = u.Characters["Doctor"]

		for _, name := range Companions {
			id := u.Characters[name]
			if err := tx.AddToIndex("companions", id, "name", name); err != nil {
				return err
			}
			if _, err := tx.CreateRelationship(id, u.Doctor, "COMPANION_OF", nil); err != nil {
				return err
			}
		}

		for _, name := range Enemies {
			id := u.Characters[name]
			if err := tx.AddToIndex("enemies", id, "name", name); err != nil {
				return err
			}
			if _, err := tx.CreateRelationship(id, u.Doctor, "ENEMY_OF", nil); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("loading universe: %w", err)
	}
	return u, nil
}

// NewUniverse opens a database with cfg (config.Default() when nil), loads
// the universe and closes the database when the test ends.
func NewUniverse(tb testing.TB, cfg *config.Config, opts ...koandb.Option) *Universe {
	tb.Helper()

	opts = append([]koandb.Option{koandb.WithLogger(log.New(io.Discard))}, opts...)
	db, err := koandb.Open(cfg, opts...)
	require.NoError(tb, err)
	tb.Cleanup(func() { _ = db.Close() })

	u, err := Load(context.Background(), db)
	require.NoError(tb, err)
	return u
}
