package session

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/shelfbridge/shelfbridge/internal/cache"
	"github.com/shelfbridge/shelfbridge/internal/clock"
	"github.com/shelfbridge/shelfbridge/internal/config"
	"github.com/shelfbridge/shelfbridge/internal/logger"
)

func enabledConfig() config.DelayedUpdates {
	return config.DelayedUpdates{
		Enabled:             true,
		SessionTimeout:      900,
		MaxDelay:            3600,
		ImmediateCompletion: true,
	}
}

func newTestManager(t *testing.T, cfg config.DelayedUpdates) (*Manager, *cache.BookCache, *clock.Fake) {
	t.Helper()
	clk := clock.NewFake(time.Date(2026, 8, 25, 12, 0, 0, 0, time.UTC))
	c, err := cache.OpenWithClock(filepath.Join(t.TempDir(), "cache.db"), logger.Get(), clk)
	require.NoError(t, err)
	t.Cleanup(func() { c.Close() })

	m, err := NewManager(c, cfg, clk, nil)
	require.NoError(t, err)
	return m, c, clk
}

// seedBook writes a synced record so the book has pushed progress.
func seedBook(t *testing.T, c *cache.BookCache, identifier string, pct float64) {
	t.Helper()
	require.NoError(t, c.StoreProgress(cache.ProgressUpdate{
		UserID:         "alice",
		Identifier:     identifier,
		IdentifierType: cache.IdentifierASIN,
		Title:          "The Stand",
		Author:         "Stephen King",
		Progress:       pct,
	}))
}

func input(identifier string, current float64) UpdateInput {
	return UpdateInput{
		UserID:         "alice",
		Identifier:     identifier,
		IdentifierType: cache.IdentifierASIN,
		Title:          "The Stand",
		Author:         "Stephen King",
		Current:        current,
	}
}

func TestNewManagerValidation(t *testing.T) {
	t.Parallel()
	c, err := cache.OpenWithClock(filepath.Join(t.TempDir(), "cache.db"), logger.Get(), clock.New())
	require.NoError(t, err)
	t.Cleanup(func() { c.Close() })

	tests := []struct {
		name string
		cfg  config.DelayedUpdates
		ok   bool
	}{
		{"valid", enabledConfig(), true},
		{"disabled skips range checks", config.DelayedUpdates{Enabled: false, SessionTimeout: 1}, true},
		{"timeout too small", config.DelayedUpdates{Enabled: true, SessionTimeout: 30, MaxDelay: 3600}, false},
		{"timeout too large", config.DelayedUpdates{Enabled: true, SessionTimeout: 8000, MaxDelay: 86400}, false},
		{"max delay too small", config.DelayedUpdates{Enabled: true, SessionTimeout: 120, MaxDelay: 200}, false},
		{"timeout not below max delay", config.DelayedUpdates{Enabled: true, SessionTimeout: 900, MaxDelay: 900}, false},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			_, err := NewManager(c, tt.cfg, clock.New(), nil)
			if tt.ok {
				assert.NoError(t, err)
			} else {
				assert.Error(t, err)
			}
		})
	}
}

func TestShouldDelayUpdate(t *testing.T) {
	t.Parallel()

	t.Run("disabled always syncs immediately", func(t *testing.T) {
		t.Parallel()
		m, _, _ := newTestManager(t, config.DelayedUpdates{Enabled: false})
		d := m.ShouldDelayUpdate(input("B002V0QK4C", 42))
		assert.Equal(t, SyncImmediately, d.Action)
		assert.Equal(t, ReasonDisabled, d.Reason)
	})

	t.Run("completion bypasses the session layer", func(t *testing.T) {
		t.Parallel()
		m, c, _ := newTestManager(t, enabledConfig())
		seedBook(t, c, "B002V0QK4C", 90)

		in := input("B002V0QK4C", 99)
		in.IsComplete = true
		d := m.ShouldDelayUpdate(in)
		assert.Equal(t, SyncImmediately, d.Action)
		assert.Equal(t, ReasonCompletion, d.Reason)
	})

	t.Run("first sync of a book goes straight through", func(t *testing.T) {
		t.Parallel()
		m, _, _ := newTestManager(t, enabledConfig())
		d := m.ShouldDelayUpdate(input("B002V0QK4C", 12))
		assert.Equal(t, SyncImmediately, d.Action)
	})

	t.Run("small delta is delayed", func(t *testing.T) {
		t.Parallel()
		m, c, _ := newTestManager(t, enabledConfig())
		seedBook(t, c, "B002V0QK4C", 51)

		d := m.ShouldDelayUpdate(input("B002V0QK4C", 52))
		assert.Equal(t, DelayUpdate, d.Action)
		assert.Equal(t, ReasonActiveSession, d.Reason)
		assert.Equal(t, 900*time.Second, d.SessionTimeout)
	})

	t.Run("milestone crossing syncs immediately", func(t *testing.T) {
		t.Parallel()
		m, c, _ := newTestManager(t, enabledConfig())
		seedBook(t, c, "B002V0QK4C", 49)

		d := m.ShouldDelayUpdate(input("B002V0QK4C", 51))
		assert.Equal(t, SyncImmediately, d.Action)
		assert.Equal(t, ReasonSignificantChange, d.Reason)
	})

	t.Run("large delta syncs immediately", func(t *testing.T) {
		t.Parallel()
		m, c, _ := newTestManager(t, enabledConfig())
		seedBook(t, c, "B002V0QK4C", 51)

		d := m.ShouldDelayUpdate(input("B002V0QK4C", 58))
		assert.Equal(t, SyncImmediately, d.Action)
		assert.Equal(t, ReasonSignificantChange, d.Reason)
	})

	t.Run("max delay forces a push", func(t *testing.T) {
		t.Parallel()
		m, c, clk := newTestManager(t, enabledConfig())
		seedBook(t, c, "B002V0QK4C", 51)

		clk.Advance(2 * time.Hour)
		d := m.ShouldDelayUpdate(input("B002V0QK4C", 52))
		assert.Equal(t, SyncImmediately, d.Action)
		assert.Equal(t, ReasonMaxDelayExceeded, d.Reason)
	})
}

func TestCrossesMilestone(t *testing.T) {
	t.Parallel()

	assert.True(t, crossesMilestone(49, 51))
	assert.True(t, crossesMilestone(9.5, 10))
	assert.True(t, crossesMilestone(91, 89), "crossing counts in either direction")
	assert.False(t, crossesMilestone(51, 52))
	assert.False(t, crossesMilestone(10, 10))
}

func TestSessionLifecycleThroughManager(t *testing.T) {
	t.Parallel()
	m, c, _ := newTestManager(t, enabledConfig())
	seedBook(t, c, "B002V0QK4C", 50)

	require.NoError(t, m.UpdateSession(input("B002V0QK4C", 52)))
	assert.True(t, c.HasActiveSession("alice", "B002V0QK4C", "The Stand"))

	require.NoError(t, m.CompleteSession("alice", "B002V0QK4C", "The Stand"))
	assert.False(t, c.HasActiveSession("alice", "B002V0QK4C", "The Stand"))

	info := c.GetCachedBookInfo("alice", "B002V0QK4C", "The Stand", cache.IdentifierASIN)
	assert.Equal(t, 52.0, info.ProgressPercent)
}

func TestProcessExpiredSessions(t *testing.T) {
	t.Parallel()
	m, c, clk := newTestManager(t, enabledConfig())

	require.NoError(t, m.UpdateSession(input("B002V0QK4C", 40)))
	require.NoError(t, m.UpdateSession(UpdateInput{
		UserID:         "alice",
		Identifier:     "9780441013593",
		IdentifierType: cache.IdentifierISBN,
		Title:          "Dune",
		Author:         "Frank Herbert",
		Current:        70,
	}))

	clk.Advance(20 * time.Minute)

	var flushedTitles []string
	flushed, failed, err := m.ProcessExpiredSessions(context.Background(), "alice", func(ctx context.Context, rec cache.BookRecord) error {
		if rec.TitleNormalized == "dune" {
			return assert.AnError
		}
		flushedTitles = append(flushedTitles, rec.TitleNormalized)
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, 1, flushed)
	assert.Equal(t, 1, failed, "a failing flush is counted, not fatal")
	assert.Equal(t, []string{"the stand"}, flushedTitles)

	assert.False(t, c.HasActiveSession("alice", "B002V0QK4C", "The Stand"))
	assert.True(t, c.HasActiveSession("alice", "9780441013593", "Dune"), "failed flush keeps its session")
}

func TestProcessExpiredSessionsDisabled(t *testing.T) {
	t.Parallel()
	m, _, _ := newTestManager(t, config.DelayedUpdates{Enabled: false})

	flushed, failed, err := m.ProcessExpiredSessions(context.Background(), "alice", func(ctx context.Context, rec cache.BookRecord) error {
		t.Fatal("must not be called")
		return nil
	})
	require.NoError(t, err)
	assert.Zero(t, flushed)
	assert.Zero(t, failed)
}
