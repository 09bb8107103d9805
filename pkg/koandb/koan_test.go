package koandb_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/orneryd/koandb/pkg/config"
	"github.com/orneryd/koandb/pkg/koandb"
	"github.com/orneryd/koandb/pkg/koandb/testutil"
)

// forEachEngine runs fn against a freshly loaded universe on every storage
// engine.
func forEachEngine(t *testing.T, fn func(t *testing.T, u *testutil.Universe)) {
	for _, engine := range []string{config.EngineMemory, config.EngineBadger} {
		t.Run(engine, func(t *testing.T) {
			cfg := config.Default()
			cfg.Storage.Engine = engine
			cfg.Storage.LowMemory = true
			fn(t, testutil.NewUniverse(t, cfg))
		})
	}
}

// names resolves hits to the given property of each node, in hit order.
func names(t *testing.T, db *koandb.DB, hits koandb.Hits, property string) []string {
	t.Helper()
	out := make([]string, 0, hits.Len())
	for id := range hits.All() {
		node, err := db.GetNode(id)
		require.NoError(t, err)
		out = append(out, node.Properties[property].(string))
	}
	return out
}

func TestKoan_CompanionsIndex(t *testing.T) {
	forEachEngine(t, func(t *testing.T, u *testutil.Universe) {
		exists, err := u.DB.IndexExists("companions")
		require.NoError(t, err)
		require.True(t, exists)

		hits, err := u.DB.WildcardQuery("companions", "name", "*")
		require.NoError(t, err)
		assert.ElementsMatch(t, testutil.Companions, names(t, u.DB, hits, "name"))

		for _, name := range testutil.Companions {
			hits, err := u.DB.ExactQuery("companions", "name", name)
			require.NoError(t, err)
			id, ok, err := hits.Single()
			require.NoError(t, err)
			require.True(t, ok, name)
			assert.Equal(t, u.Character(name), id)
		}
	})
}

func TestKoan_AddingToAnIndexIsAMutatingOperation(t *testing.T) {
	ctx := context.Background()
	forEachEngine(t, func(t *testing.T, u *testutil.Universe) {
		var nixon koandb.NodeID
		require.NoError(t, u.DB.Update(ctx, func(tx *koandb.Tx) error {
			node, err := tx.CreateNode(map[string]any{"name": "Richard Nixon"})
			if err != nil {
				return err
			}
			nixon = node.ID
			return nil
		}))

		tx, err := u.DB.Begin(ctx)
		require.NoError(t, err)
		defer tx.Rollback()

		node, err := tx.GetNode(nixon)
		require.NoError(t, err)
		require.NoError(t, tx.AddToIndex("characters", nixon, "name", node.Properties["name"]))

		hits, err := u.DB.ExactQuery("characters", "name", "Richard Nixon")
		require.NoError(t, err)
		assert.Zero(t, hits.Len(), "uncommitted index entries are invisible")

		require.NoError(t, tx.Commit())

		hits, err = u.DB.ExactQuery("characters", "name", "Richard Nixon")
		require.NoError(t, err)
		id, ok, err := hits.Single()
		require.NoError(t, err)
		require.True(t, ok)
		assert.Equal(t, nixon, id)
	})
}

func TestKoan_SpeciesBeginningWithSAndEndingWithN(t *testing.T) {
	forEachEngine(t, func(t *testing.T, u *testutil.Universe) {
		hits, err := u.DB.WildcardQuery("species", "species", "S*n")
		require.NoError(t, err)
		assert.Equal(t, []string{"Silurian", "Slitheen", "Sontaran"}, names(t, u.DB, hits, "species"))

		again, err := u.DB.WildcardQuery("species", "species", "S*n")
		require.NoError(t, err)
		assert.Equal(t, hits.Nodes(), again.Nodes(), "ordering is deterministic")
	})
}

func TestKoan_WildcardShapes(t *testing.T) {
	u := testutil.NewUniverse(t, nil)

	tests := []struct {
		pattern string
		want    []string
	}{
		{"Dalek", []string{"Dalek"}},
		{"Sy*", []string{"Sycorax"}},
		{"*an", []string{"Silurian", "Sontaran", "Cyberman", "Human"}},
		{"*or*", []string{"Time Lord", "Sycorax"}},
		{"Dalek*", []string{"Dalek"}},
		{"Zygon", []string{}},
	}
	for _, tt := range tests {
		t.Run(tt.pattern, func(t *testing.T) {
			hits, err := u.DB.WildcardQuery("species", "species", tt.pattern)
			require.NoError(t, err)
			assert.Equal(t, tt.want, names(t, u.DB, hits, "species"))
		})
	}
}

func TestKoan_DatabaseAndIndexStayInSyncWhenCyberleaderIsDeleted(t *testing.T) {
	ctx := context.Background()
	forEachEngine(t, func(t *testing.T, u *testutil.Universe) {
		hits, err := u.DB.ExactQuery("enemies", "name", "Cyberleader")
		require.NoError(t, err)
		cyberleader, ok, err := hits.Single()
		require.NoError(t, err)
		require.True(t, ok)

		nodesBefore, err := u.DB.NodeCount()
		require.NoError(t, err)

		err = u.DB.Update(ctx, func(tx *koandb.Tx) error {
			if err := tx.RemoveFromIndex("enemies", cyberleader); err != nil {
				return err
			}
			if err := tx.RemoveFromIndex("characters", cyberleader); err != nil {
				return err
			}
			rels, err := tx.Relationships(cyberleader)
			if err != nil {
				return err
			}
			for _, rel := range rels {
				if err := tx.DeleteRelationship(rel.ID); err != nil {
					return err
				}
			}
			return tx.DeleteNode(cyberleader)
		})
		require.NoError(t, err)

		hits, err = u.DB.ExactQuery("enemies", "name", "Cyberleader")
		require.NoError(t, err)
		_, ok, err = hits.Single()
		require.NoError(t, err)
		assert.False(t, ok, "Cyberleader has not been deleted from the enemies index")

		_, err = u.DB.GetNode(cyberleader)
		assert.ErrorIs(t, err, koandb.ErrNotFound, "Cyberleader has not been deleted from the database")

		nodesAfter, err := u.DB.NodeCount()
		require.NoError(t, err)
		assert.Equal(t, nodesBefore-1, nodesAfter)

		rels, err := u.DB.Relationships(u.Doctor)
		require.NoError(t, err)
		for _, rel := range rels {
			assert.NotEqual(t, cyberleader, rel.Other(u.Doctor))
		}
	})
}

func TestKoan_DeletingAnIndexedNodeFailsAtCommit(t *testing.T) {
	ctx := context.Background()
	forEachEngine(t, func(t *testing.T, u *testutil.Universe) {
		cyberleader := u.Character("Cyberleader")
		relsBefore, err := u.DB.Relationships(cyberleader)
		require.NoError(t, err)
		require.Len(t, relsBefore, 2)
		version := u.DB.Version()

		tx, err := u.DB.Begin(ctx)
		require.NoError(t, err)
		defer tx.Rollback()

		for _, rel := range relsBefore {
			require.NoError(t, tx.DeleteRelationship(rel.ID))
		}
		require.NoError(t, tx.DeleteNode(cyberleader))

		err = tx.Commit()
		require.Error(t, err)
		assert.ErrorIs(t, err, koandb.ErrCommitFailed)
		assert.ErrorIs(t, err, koandb.ErrIntegrityViolation)
		assert.Equal(t, koandb.TxRolledBack, tx.Status())

		// Nothing from the transaction is visible.
		assert.Equal(t, version, u.DB.Version())
		_, err = u.DB.GetNode(cyberleader)
		assert.NoError(t, err)
		relsAfter, err := u.DB.Relationships(cyberleader)
		require.NoError(t, err)
		assert.Len(t, relsAfter, 2)
		hits, err := u.DB.ExactQuery("enemies", "name", "Cyberleader")
		require.NoError(t, err)
		assert.True(t, hits.Contains(cyberleader))
	})
}

func TestKoan_UniverseShape(t *testing.T) {
	u := testutil.NewUniverse(t, nil)

	indexes, err := u.DB.IndexNames()
	require.NoError(t, err)
	assert.Equal(t, []string{"characters", "companions", "enemies", "species"}, indexes)

	nodes, err := u.DB.NodeCount()
	require.NoError(t, err)
	characters := 1 + len(testutil.Companions) + len(testutil.Enemies)
	assert.Equal(t, int64(len(testutil.Species)+characters), nodes)

	rels, err := u.DB.RelationshipCount()
	require.NoError(t, err)
	assert.Equal(t, int64(characters+len(testutil.Companions)+len(testutil.Enemies)), rels)

	doctor, err := u.DB.Relationships(u.Doctor)
	require.NoError(t, err)
	assert.Len(t, doctor, 1+len(testutil.Companions)+len(testutil.Enemies))
}
