package catalog_test

import (
	"testing"

	"github.com/brianvoe/gofakeit/v7"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/reelgrab/reelgrab/internal/backend"
	"github.com/reelgrab/reelgrab/internal/catalog"
)

func newTestStore(t *testing.T) *catalog.SQLiteStore {
	t.Helper()
	store, err := catalog.OpenSQLite(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })
	return store
}

func TestEntityStore(t *testing.T) {
	t.Run("CreateAndFindByName", func(t *testing.T) {
		store := newTestStore(t)
		name := gofakeit.Name()

		created, err := store.Create(t.Context(), &catalog.Entity{
			Kind:   catalog.KindActor,
			Name:   name,
			Fields: map[string]string{"birthplace": "Tokyo"},
		})
		require.NoError(t, err)
		assert.NotEmpty(t, created.ID)

		found, err := store.FindByName(t.Context(), catalog.KindActor, name)
		require.NoError(t, err)
		assert.Equal(t, created.ID, found.ID)
		assert.Equal(t, "Tokyo", found.Fields["birthplace"])
	})

	t.Run("FindByNameMissing", func(t *testing.T) {
		store := newTestStore(t)

		_, err := store.FindByName(t.Context(), catalog.KindActor, "nobody")
		assert.ErrorIs(t, err, catalog.ErrNotFound)
	})

	t.Run("DuplicateCreateConflicts", func(t *testing.T) {
		store := newTestStore(t)

		_, err := store.Create(t.Context(), &catalog.Entity{Kind: catalog.KindGenre, Name: "drama"})
		require.NoError(t, err)

		_, err = store.Create(t.Context(), &catalog.Entity{Kind: catalog.KindGenre, Name: "drama"})
		assert.ErrorIs(t, err, catalog.ErrConflict)
	})

	t.Run("SameNameDifferentKind", func(t *testing.T) {
		store := newTestStore(t)

		_, err := store.Create(t.Context(), &catalog.Entity{Kind: catalog.KindGenre, Name: "noir"})
		require.NoError(t, err)

		_, err = store.Create(t.Context(), &catalog.Entity{Kind: catalog.KindLabel, Name: "noir"})
		assert.NoError(t, err)
	})

	t.Run("UpdateFields", func(t *testing.T) {
		store := newTestStore(t)

		e, err := store.Create(t.Context(), &catalog.Entity{Kind: catalog.KindDirector, Name: gofakeit.Name()})
		require.NoError(t, err)

		require.NoError(t, store.UpdateFields(t.Context(), e.ID, map[string]string{"debut": "2001"}))

		found, err := store.FindByName(t.Context(), e.Kind, e.Name)
		require.NoError(t, err)
		assert.Equal(t, "2001", found.Fields["debut"])
	})

	t.Run("UpdateFieldsMissingEntity", func(t *testing.T) {
		store := newTestStore(t)
		err := store.UpdateFields(t.Context(), "nonexistent", map[string]string{"a": "b"})
		assert.ErrorIs(t, err, catalog.ErrNotFound)
	})

	t.Run("AttachRelationIdempotent", func(t *testing.T) {
		store := newTestStore(t)

		title, err := store.CreateTitle(t.Context(), &catalog.Title{
			SerialCode: "ABC-123",
			Name:       gofakeit.Sentence(3),
			Status:     backend.StatusDiscovered,
		})
		require.NoError(t, err)

		actor, err := store.Create(t.Context(), &catalog.Entity{Kind: catalog.KindActor, Name: gofakeit.Name()})
		require.NoError(t, err)

		require.NoError(t, store.AttachRelation(t.Context(), title.ID, actor.ID))
		require.NoError(t, store.AttachRelation(t.Context(), title.ID, actor.ID))

		related, err := store.RelatedEntities(t.Context(), title.ID)
		require.NoError(t, err)
		require.Len(t, related, 1)
		assert.Equal(t, actor.ID, related[0].ID)
	})
}

func TestTitleStore(t *testing.T) {
	t.Run("CreateAndGet", func(t *testing.T) {
		store := newTestStore(t)

		created, err := store.CreateTitle(t.Context(), &catalog.Title{
			SerialCode: "ABCD-001",
			Name:       "First Movie",
			Status:     backend.StatusDiscovered,
		})
		require.NoError(t, err)

		got, err := store.GetBySerial(t.Context(), "ABCD-001")
		require.NoError(t, err)
		assert.Equal(t, created.ID, got.ID)
		assert.Equal(t, backend.StatusDiscovered, got.Status)
	})

	t.Run("DuplicateSerialConflicts", func(t *testing.T) {
		store := newTestStore(t)

		_, err := store.CreateTitle(t.Context(), &catalog.Title{SerialCode: "ABCD-001", Status: backend.StatusDiscovered})
		require.NoError(t, err)

		_, err = store.CreateTitle(t.Context(), &catalog.Title{SerialCode: "ABCD-001", Status: backend.StatusDiscovered})
		assert.ErrorIs(t, err, catalog.ErrConflict)
	})

	t.Run("UpdateStatus", func(t *testing.T) {
		store := newTestStore(t)

		_, err := store.CreateTitle(t.Context(), &catalog.Title{SerialCode: "ABCD-002", Status: backend.StatusDiscovered})
		require.NoError(t, err)

		hash := "0123456789abcdef0123456789abcdef01234567"
		require.NoError(t, store.UpdateStatus(t.Context(), "ABCD-002", backend.StatusDownloading, hash))

		got, err := store.GetBySerial(t.Context(), "ABCD-002")
		require.NoError(t, err)
		assert.Equal(t, backend.StatusDownloading, got.Status)
		assert.Equal(t, hash, got.Hash)
	})

	t.Run("UpdateStatusMissingTitle", func(t *testing.T) {
		store := newTestStore(t)
		err := store.UpdateStatus(t.Context(), "NONE-000", backend.StatusDownloading, "")
		assert.ErrorIs(t, err, catalog.ErrNotFound)
	})

	t.Run("ListByStatus", func(t *testing.T) {
		store := newTestStore(t)

		seed := []struct {
			serial string
			status backend.DownloadStatus
		}{
			{"AAA-001", backend.StatusDiscovered},
			{"AAA-002", backend.StatusDownloading},
			{"AAA-003", backend.StatusCompleted},
			{"AAA-004", backend.StatusDownloading},
		}
		for _, row := range seed {
			_, err := store.CreateTitle(t.Context(), &catalog.Title{SerialCode: row.serial, Status: row.status})
			require.NoError(t, err)
		}

		downloading, err := store.ListByStatus(t.Context(), backend.StatusDownloading)
		require.NoError(t, err)
		require.Len(t, downloading, 2)
		assert.Equal(t, "AAA-002", downloading[0].SerialCode)
		assert.Equal(t, "AAA-004", downloading[1].SerialCode)

		mixed, err := store.ListByStatus(t.Context(), backend.StatusDiscovered, backend.StatusCompleted)
		require.NoError(t, err)
		assert.Len(t, mixed, 2)

		none, err := store.ListByStatus(t.Context())
		require.NoError(t, err)
		assert.Empty(t, none)
	})
}

func TestMagnetStore(t *testing.T) {
	t.Run("SaveAndList", func(t *testing.T) {
		store := newTestStore(t)

		require.NoError(t, store.SaveMagnet(t.Context(), &catalog.MagnetRecord{
			Hash:       "aaa111",
			SerialCode: "ABCD-001",
			Name:       "release-a",
			Size:       5 << 30,
			Seeds:      12,
		}))
		require.NoError(t, store.SaveMagnet(t.Context(), &catalog.MagnetRecord{
			Hash:       "bbb222",
			SerialCode: "ABCD-001",
			Name:       "release-b",
			Size:       2 << 30,
			Seeds:      3,
		}))

		magnets, err := store.MagnetsBySerial(t.Context(), "ABCD-001")
		require.NoError(t, err)
		require.Len(t, magnets, 2)
	})

	t.Run("SaveUpsertsSwarmStats", func(t *testing.T) {
		store := newTestStore(t)

		require.NoError(t, store.SaveMagnet(t.Context(), &catalog.MagnetRecord{
			Hash: "aaa111", SerialCode: "ABCD-001", Seeds: 3, Quality: 6.5,
		}))
		require.NoError(t, store.SaveMagnet(t.Context(), &catalog.MagnetRecord{
			Hash: "aaa111", SerialCode: "ABCD-001", Seeds: 20,
		}))

		magnets, err := store.MagnetsBySerial(t.Context(), "ABCD-001")
		require.NoError(t, err)
		require.Len(t, magnets, 1)
		assert.Equal(t, 20, magnets[0].Seeds)
		// Quality history survives re-saves.
		assert.InDelta(t, 6.5, magnets[0].Quality, 0.001)
	})

	t.Run("SetQuality", func(t *testing.T) {
		store := newTestStore(t)

		require.NoError(t, store.SaveMagnet(t.Context(), &catalog.MagnetRecord{
			Hash: "aaa111", SerialCode: "ABCD-001",
		}))
		require.NoError(t, store.SetQuality(t.Context(), "aaa111", 3.5))

		magnets, err := store.MagnetsBySerial(t.Context(), "ABCD-001")
		require.NoError(t, err)
		require.Len(t, magnets, 1)
		assert.InDelta(t, 3.5, magnets[0].Quality, 0.001)

		assert.ErrorIs(t, store.SetQuality(t.Context(), "missing", 1.0), catalog.ErrNotFound)
	})
}

func TestFailureStore(t *testing.T) {
	store := newTestStore(t)

	require.NoError(t, store.RecordFailure(t.Context(), &catalog.Failure{
		SerialCode: "ABCD-001",
		Hash:       "aaa111",
		Backend:    "seedbox",
		Reason:     "stalled after exhausting candidates",
	}))
	require.NoError(t, store.RecordFailure(t.Context(), &catalog.Failure{
		SerialCode: "ABCD-001",
		Hash:       "bbb222",
		Backend:    "seedbox",
		Reason:     "no peers",
	}))
	require.NoError(t, store.RecordFailure(t.Context(), &catalog.Failure{
		SerialCode: "EFGH-002",
		Hash:       "ccc333",
	}))

	failures, err := store.FailuresBySerial(t.Context(), "ABCD-001")
	require.NoError(t, err)
	require.Len(t, failures, 2)

	hashes, err := store.FailedHashes(t.Context(), "ABCD-001")
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"aaa111", "bbb222"}, hashes)

	hashes, err = store.FailedHashes(t.Context(), "NONE-000")
	require.NoError(t, err)
	assert.Empty(t, hashes)
}
