package cache

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSyncCounting(t *testing.T) {
	t.Parallel()
	c, _ := newTestCache(t)

	require.NoError(t, c.IncrementSyncCount("alice"))
	require.NoError(t, c.IncrementSyncCount("alice"))

	tracking, err := c.GetSyncTracking("alice")
	require.NoError(t, err)
	assert.Equal(t, 2, tracking.SyncCount)
	assert.Equal(t, 2, tracking.TotalSyncs)
}

func TestDeepScanCadence(t *testing.T) {
	t.Parallel()
	c, _ := newTestCache(t)

	// No deep scan has ever run: one is due immediately
	due, err := c.ShouldPerformDeepScan("alice", 10)
	require.NoError(t, err)
	assert.True(t, due)

	require.NoError(t, c.RecordDeepScan("alice"))

	due, err = c.ShouldPerformDeepScan("alice", 3)
	require.NoError(t, err)
	assert.False(t, due)

	for i := 0; i < 3; i++ {
		require.NoError(t, c.IncrementSyncCount("alice"))
	}
	due, err = c.ShouldPerformDeepScan("alice", 3)
	require.NoError(t, err)
	assert.True(t, due, "interval reached")

	// A deep scan resets the counter, the total keeps counting
	require.NoError(t, c.RecordDeepScan("alice"))
	tracking, err := c.GetSyncTracking("alice")
	require.NoError(t, err)
	assert.Zero(t, tracking.SyncCount)
	assert.Equal(t, 3, tracking.TotalSyncs)

	due, err = c.ShouldPerformDeepScan("alice", 3)
	require.NoError(t, err)
	assert.False(t, due)
}

func TestDeepScanDisabled(t *testing.T) {
	t.Parallel()
	c, _ := newTestCache(t)

	require.NoError(t, c.RecordDeepScan("alice"))
	for i := 0; i < 50; i++ {
		require.NoError(t, c.IncrementSyncCount("alice"))
	}

	due, err := c.ShouldPerformDeepScan("alice", 0)
	require.NoError(t, err)
	assert.False(t, due, "interval 0 disables periodic deep scans")
}

func TestLibraryStatsRoundTrip(t *testing.T) {
	t.Parallel()
	c, _ := newTestCache(t)

	_, ok := c.GetLibraryStats("alice")
	assert.False(t, ok)

	require.NoError(t, c.StoreLibraryStats(LibraryStats{
		UserID:          "alice",
		BooksTotal:      120,
		BooksInProgress: 4,
		BooksFinished:   80,
	}))

	stats, ok := c.GetLibraryStats("alice")
	require.True(t, ok)
	assert.Equal(t, 120, stats.BooksTotal)
	assert.Equal(t, 4, stats.BooksInProgress)
	assert.Equal(t, 80, stats.BooksFinished)
	assert.False(t, stats.CapturedAt.IsZero())

	// Upsert, not duplicate
	require.NoError(t, c.StoreLibraryStats(LibraryStats{UserID: "alice", BooksTotal: 121}))
	stats, ok = c.GetLibraryStats("alice")
	require.True(t, ok)
	assert.Equal(t, 121, stats.BooksTotal)
}
