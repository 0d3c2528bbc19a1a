package cache

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSessionLifecycle(t *testing.T) {
	t.Parallel()
	c, clk := newTestCache(t)

	storeBook(t, c, "B002V0QK4C", IdentifierASIN, "The Stand", 50)

	require.NoError(t, c.UpdateSessionProgress("alice", "B002V0QK4C", IdentifierASIN, "The Stand", "Stephen King", 52))
	assert.True(t, c.HasActiveSession("alice", "B002V0QK4C", "The Stand"))

	// Pending progress is staged, not pushed
	info := c.GetCachedBookInfo("alice", "B002V0QK4C", "The Stand", IdentifierASIN)
	assert.Equal(t, 50.0, info.ProgressPercent)

	clk.Advance(time.Minute)
	require.NoError(t, c.MarkSessionComplete("alice", "B002V0QK4C", "The Stand"))

	assert.False(t, c.HasActiveSession("alice", "B002V0QK4C", "The Stand"))
	info = c.GetCachedBookInfo("alice", "B002V0QK4C", "The Stand", IdentifierASIN)
	assert.Equal(t, 52.0, info.ProgressPercent, "completion promotes pending progress")

	last := c.GetLastHardcoverSync("alice", "B002V0QK4C", "The Stand")
	require.NotNil(t, last)
	assert.WithinDuration(t, clk.Current, *last, time.Second)
}

func TestSessionCreatesRecordWhenAbsent(t *testing.T) {
	t.Parallel()
	c, _ := newTestCache(t)

	require.NoError(t, c.UpdateSessionProgress("alice", "B002V0QK4C", IdentifierASIN, "The Stand", "Stephen King", 12))
	assert.True(t, c.HasActiveSession("alice", "B002V0QK4C", "The Stand"))
}

func TestGetExpiredSessions(t *testing.T) {
	t.Parallel()
	c, clk := newTestCache(t)

	require.NoError(t, c.UpdateSessionProgress("alice", "B002V0QK4C", IdentifierASIN, "The Stand", "Stephen King", 40))
	clk.Advance(10 * time.Minute)
	require.NoError(t, c.UpdateSessionProgress("alice", "9780441013593", IdentifierISBN, "Dune", "Frank Herbert", 70))

	clk.Advance(10 * time.Minute)

	// 15 minute timeout: only the first session has aged out
	expired, err := c.GetExpiredSessions("alice", 15*time.Minute)
	require.NoError(t, err)
	require.Len(t, expired, 1)
	assert.Equal(t, "B002V0QK4C", expired[0].Identifier)
	require.NotNil(t, expired[0].SessionPendingProgress)
	assert.Equal(t, 40.0, *expired[0].SessionPendingProgress)
}

func TestMarkSessionCompleteNoSession(t *testing.T) {
	t.Parallel()
	c, _ := newTestCache(t)

	storeBook(t, c, "B002V0QK4C", IdentifierASIN, "The Stand", 50)
	require.NoError(t, c.MarkSessionComplete("alice", "B002V0QK4C", "The Stand"))

	info := c.GetCachedBookInfo("alice", "B002V0QK4C", "The Stand", IdentifierASIN)
	assert.Equal(t, 50.0, info.ProgressPercent, "no-op without an active session")
}

func TestGetLastHardcoverSyncFallsBackToLastSync(t *testing.T) {
	t.Parallel()
	c, clk := newTestCache(t)

	storeBook(t, c, "B002V0QK4C", IdentifierASIN, "The Stand", 50)

	last := c.GetLastHardcoverSync("alice", "B002V0QK4C", "The Stand")
	require.NotNil(t, last)
	assert.WithinDuration(t, clk.Current, *last, time.Second)
}
