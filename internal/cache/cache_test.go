package cache

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"

	"github.com/shelfbridge/shelfbridge/internal/clock"
	"github.com/shelfbridge/shelfbridge/internal/logger"
)

func newTestCache(t *testing.T) (*BookCache, *clock.Fake) {
	t.Helper()
	clk := clock.NewFake(time.Date(2026, 8, 25, 12, 0, 0, 0, time.UTC))
	path := filepath.Join(t.TempDir(), "cache.db")
	c, err := OpenWithClock(path, logger.Get(), clk)
	require.NoError(t, err)
	t.Cleanup(func() { c.Close() })
	return c, clk
}

func storeBook(t *testing.T, c *BookCache, identifier, identifierType, title string, pct float64) {
	t.Helper()
	editionID := int64(42)
	err := c.StoreBookSyncData(
		EditionMapping{
			UserID:         "alice",
			Identifier:     identifier,
			IdentifierType: identifierType,
			Title:          title,
			Author:         "Stephen King",
			EditionID:      editionID,
		},
		ProgressUpdate{
			UserID:         "alice",
			Identifier:     identifier,
			IdentifierType: identifierType,
			Title:          title,
			Author:         "Stephen King",
			Progress:       pct,
		},
	)
	require.NoError(t, err)
}

func TestStartNewReadRestampsStartedAt(t *testing.T) {
	t.Parallel()
	c, clk := newTestCache(t)

	storeBook(t, c, "B002V0QK4C", IdentifierASIN, "The Stand", 100)
	first := c.GetCachedBookInfo("alice", "B002V0QK4C", "The Stand", IdentifierASIN)
	require.NotNil(t, first.StartedAt)

	clk.Advance(48 * time.Hour)

	// A plain progress write keeps the original start
	require.NoError(t, c.StoreProgress(ProgressUpdate{
		UserID: "alice", Identifier: "B002V0QK4C", IdentifierType: IdentifierASIN,
		Title: "The Stand", Author: "Stephen King", Progress: 5,
	}))
	info := c.GetCachedBookInfo("alice", "B002V0QK4C", "The Stand", IdentifierASIN)
	require.NotNil(t, info.StartedAt)
	assert.WithinDuration(t, *first.StartedAt, *info.StartedAt, time.Second)

	// StartNewRead moves it to now
	require.NoError(t, c.StoreProgress(ProgressUpdate{
		UserID: "alice", Identifier: "B002V0QK4C", IdentifierType: IdentifierASIN,
		Title: "The Stand", Author: "Stephen King", Progress: 8, StartNewRead: true,
	}))
	info = c.GetCachedBookInfo("alice", "B002V0QK4C", "The Stand", IdentifierASIN)
	require.NotNil(t, info.StartedAt)
	assert.WithinDuration(t, clk.Current, *info.StartedAt, time.Second)
}

func TestStoreAndReadBack(t *testing.T) {
	t.Parallel()
	c, _ := newTestCache(t)

	storeBook(t, c, "B002V0QK4C", IdentifierASIN, "The Stand", 37.5)

	info := c.GetCachedBookInfo("alice", "B002V0QK4C", "The Stand", IdentifierASIN)
	require.True(t, info.Exists)
	assert.Equal(t, 37.5, info.ProgressPercent)
	assert.Equal(t, IdentifierASIN, info.IdentifierType)
	require.NotNil(t, info.EditionID)
	assert.Equal(t, int64(42), *info.EditionID)
	assert.NotNil(t, info.LastSync)
	assert.NotNil(t, info.StartedAt)
	assert.Nil(t, info.FinishedAt)
}

func TestStoreIsIdempotent(t *testing.T) {
	t.Parallel()
	c, _ := newTestCache(t)

	storeBook(t, c, "B002V0QK4C", IdentifierASIN, "The Stand", 30)
	storeBook(t, c, "B002V0QK4C", IdentifierASIN, "The Stand", 30)
	storeBook(t, c, "B002V0QK4C", IdentifierASIN, "The Stand", 35)

	stats, err := c.GetCacheStats()
	require.NoError(t, err)
	assert.Equal(t, int64(1), stats.TotalBooks, "repeated writes must not duplicate the row")

	info := c.GetCachedBookInfo("alice", "B002V0QK4C", "The Stand", IdentifierASIN)
	assert.Equal(t, 35.0, info.ProgressPercent)
}

func TestUserIsolation(t *testing.T) {
	t.Parallel()
	c, _ := newTestCache(t)

	storeBook(t, c, "B002V0QK4C", IdentifierASIN, "The Stand", 30)

	info := c.GetCachedBookInfo("bob", "B002V0QK4C", "The Stand", IdentifierASIN)
	assert.False(t, info.Exists, "records are namespaced per user")
}

func TestWriteValidation(t *testing.T) {
	t.Parallel()
	c, _ := newTestCache(t)

	err := c.StoreProgress(ProgressUpdate{
		UserID:         "alice",
		Identifier:     "x",
		IdentifierType: "barcode",
		Title:          "The Stand",
		Progress:       50,
	})
	var verr *ValidationError
	require.ErrorAs(t, err, &verr)
	assert.Equal(t, "identifier_type", verr.Field)

	err = c.StoreProgress(ProgressUpdate{
		UserID:         "alice",
		Identifier:     "x",
		IdentifierType: IdentifierISBN,
		Title:          "The Stand",
		Progress:       150,
	})
	require.ErrorAs(t, err, &verr)
	assert.Equal(t, "progress_percent", verr.Field)
}

func TestHasProgressChanged(t *testing.T) {
	t.Parallel()
	c, _ := newTestCache(t)

	assert.True(t, c.HasProgressChanged("alice", "B002V0QK4C", "The Stand", 10, IdentifierASIN),
		"unknown books always count as changed")

	storeBook(t, c, "B002V0QK4C", IdentifierASIN, "The Stand", 50)

	assert.False(t, c.HasProgressChanged("alice", "B002V0QK4C", "The Stand", 50.005, IdentifierASIN),
		"sub-epsilon deltas are not changes")
	assert.True(t, c.HasProgressChanged("alice", "B002V0QK4C", "The Stand", 50.02, IdentifierASIN))
}

func TestStoreBookCompletionData(t *testing.T) {
	t.Parallel()
	c, _ := newTestCache(t)

	storeBook(t, c, "B002V0QK4C", IdentifierASIN, "The Stand", 90)

	require.NoError(t, c.StoreBookCompletionData("alice", "B002V0QK4C", IdentifierASIN, "The Stand", "Stephen King"))

	info := c.GetCachedBookInfo("alice", "B002V0QK4C", "The Stand", IdentifierASIN)
	require.True(t, info.Exists)
	assert.Equal(t, 100.0, info.ProgressPercent)
	assert.NotNil(t, info.FinishedAt)
	assert.False(t, c.HasActiveSession("alice", "B002V0QK4C", "The Stand"))
}

func TestAtomicSyncDataWrite(t *testing.T) {
	t.Parallel()
	c, _ := newTestCache(t)

	// Second op fails: the edition mapping from the first op must not
	// land either
	rolledBack := false
	err := c.RunTransaction([]TxOp{
		func(tx *gorm.DB) error {
			return c.upsertEditionMapping(tx, EditionMapping{
				UserID:         "alice",
				Identifier:     "B002V0QK4C",
				IdentifierType: IdentifierASIN,
				Title:          "The Stand",
				Author:         "Stephen King",
				EditionID:      42,
			})
		},
		func(tx *gorm.DB) error {
			return assert.AnError
		},
	}, []RollbackFn{
		func() error {
			rolledBack = true
			return nil
		},
	})
	require.Error(t, err)
	assert.True(t, rolledBack)

	info := c.GetCachedBookInfo("alice", "B002V0QK4C", "The Stand", IdentifierASIN)
	assert.False(t, info.Exists, "partial writes must be rolled back")
}

func TestLegacyIdentifierRewrite(t *testing.T) {
	t.Parallel()
	c, _ := newTestCache(t)

	legacy := "the stand:stephen king"
	storeBook(t, c, legacy, IdentifierTitleAuthor, "The Stand", 60)

	// Reading the legacy row rewrites its identifier to the canonical
	// derivation, and the returned info reports the new key
	info := c.GetCachedBookInfo("alice", legacy, "The Stand", IdentifierTitleAuthor)
	require.True(t, info.Exists)

	canonical := GenerateTitleAuthorIdentifier("The Stand", "Stephen King")
	assert.Equal(t, canonical, info.Identifier)
	info = c.GetCachedBookInfo("alice", canonical, "The Stand", IdentifierTitleAuthor)
	assert.True(t, info.Exists, "canonical key should find the rewritten row")
}

func TestFindRecordsByTitle(t *testing.T) {
	t.Parallel()
	c, _ := newTestCache(t)

	storeBook(t, c, "B002V0QK4C", IdentifierASIN, "The Stand", 30)
	storeBook(t, c, "9780307743688", IdentifierISBN, "The Stand", 30)

	recs := c.FindRecordsByTitle("alice", "  THE STAND ")
	assert.Len(t, recs, 2)
}

func TestExportImportRoundTrip(t *testing.T) {
	t.Parallel()
	c, _ := newTestCache(t)

	storeBook(t, c, "B002V0QK4C", IdentifierASIN, "The Stand", 64)
	require.NoError(t, c.IncrementSyncCount("alice"))

	path := filepath.Join(t.TempDir(), "export.json")
	require.NoError(t, c.ExportToJSON(path))

	other, _ := newTestCache(t)
	require.NoError(t, other.ImportFromJSON(path))

	info := other.GetCachedBookInfo("alice", "B002V0QK4C", "The Stand", IdentifierASIN)
	require.True(t, info.Exists)
	assert.Equal(t, 64.0, info.ProgressPercent)

	tracking, err := other.GetSyncTracking("alice")
	require.NoError(t, err)
	assert.Equal(t, 1, tracking.TotalSyncs)
}

func TestClearCache(t *testing.T) {
	t.Parallel()
	c, _ := newTestCache(t)

	storeBook(t, c, "B002V0QK4C", IdentifierASIN, "The Stand", 30)
	require.NoError(t, c.ClearCache())

	stats, err := c.GetCacheStats()
	require.NoError(t, err)
	assert.Zero(t, stats.TotalBooks)
}

func TestGetCacheStats(t *testing.T) {
	t.Parallel()
	c, _ := newTestCache(t)

	storeBook(t, c, "B002V0QK4C", IdentifierASIN, "The Stand", 30)
	storeBook(t, c, "9780441013593", IdentifierISBN, "Dune", 80)
	require.NoError(t, c.StoreBookCompletionData("alice", "9780441013593", IdentifierISBN, "Dune", "Frank Herbert"))

	stats, err := c.GetCacheStats()
	require.NoError(t, err)
	assert.Equal(t, int64(2), stats.TotalBooks)
	assert.Equal(t, int64(1), stats.Users)
	assert.Equal(t, int64(1), stats.ByType[IdentifierASIN])
	assert.Equal(t, int64(1), stats.ByType[IdentifierISBN])
	assert.Equal(t, int64(1), stats.Finished)
}
