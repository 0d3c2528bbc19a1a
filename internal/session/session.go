// Package session converts a stream of small progress updates into a
// sparser stream of Hardcover writes. Updates that matter (completions,
// milestones, big jumps) push immediately; the rest coalesce into a
// pending session that flushes on timeout.
package session

import (
	"context"
	"fmt"
	"math"
	"time"

	"github.com/shelfbridge/shelfbridge/internal/cache"
	"github.com/shelfbridge/shelfbridge/internal/clock"
	"github.com/shelfbridge/shelfbridge/internal/config"
	"github.com/shelfbridge/shelfbridge/internal/logger"
)

// Action is what the pipeline should do with one update.
type Action string

const (
	// SyncImmediately pushes the update to Hardcover now
	SyncImmediately Action = "sync_immediately"
	// DelayUpdate stages the update in a pending session
	DelayUpdate Action = "delay_update"
)

// Decision reasons
const (
	ReasonDisabled          = "delayed_updates_disabled"
	ReasonCompletion        = "book_completion"
	ReasonSignificantChange = "significant_progress_change"
	ReasonMaxDelayExceeded  = "max_delay_exceeded"
	ReasonActiveSession     = "active_session_detected"
)

// SignificantChangeThreshold is the absolute progress delta that always
// pushes immediately.
const SignificantChangeThreshold = 5.0

// milestones are round progress points whose crossing always pushes
// immediately.
var milestones = []float64{10, 25, 50, 75, 90}

// Decision is the outcome of shouldDelayUpdate for one update.
type Decision struct {
	Action         Action
	Reason         string
	SessionTimeout time.Duration
}

// Manager owns the delay decisions and session lifecycle. Session state
// is persisted in the book cache so it survives restarts.
type Manager struct {
	cache *cache.BookCache
	cfg   config.DelayedUpdates
	clock clock.Clock
	log   *logger.Logger
}

// NewManager validates the config and creates a Manager.
func NewManager(bookCache *cache.BookCache, cfg config.DelayedUpdates, clk clock.Clock, log *logger.Logger) (*Manager, error) {
	if cfg.Enabled {
		if cfg.SessionTimeout < 60 || cfg.SessionTimeout > 7200 {
			return nil, fmt.Errorf("session_timeout %d out of range [60, 7200]", cfg.SessionTimeout)
		}
		if cfg.MaxDelay < 300 || cfg.MaxDelay > 86400 {
			return nil, fmt.Errorf("max_delay %d out of range [300, 86400]", cfg.MaxDelay)
		}
		if cfg.SessionTimeout >= cfg.MaxDelay {
			return nil, fmt.Errorf("session_timeout %d must be less than max_delay %d", cfg.SessionTimeout, cfg.MaxDelay)
		}
	}
	if clk == nil {
		clk = clock.New()
	}
	if log == nil {
		log = logger.Get()
	}
	return &Manager{
		cache: bookCache,
		cfg:   cfg,
		clock: clk,
		log: log.With(map[string]interface{}{
			"component": "session_manager",
		}),
	}, nil
}

// Enabled reports whether delayed updates are on.
func (m *Manager) Enabled() bool { return m.cfg.Enabled }

// UpdateInput is one progress update under consideration.
type UpdateInput struct {
	UserID         string
	Identifier     string
	IdentifierType string
	Title          string
	Author         string
	Current        float64
	IsComplete     bool
}

// ShouldDelayUpdate decides whether to push now or stage the update.
func (m *Manager) ShouldDelayUpdate(in UpdateInput) Decision {
	if !m.cfg.Enabled {
		return Decision{Action: SyncImmediately, Reason: ReasonDisabled}
	}

	if in.IsComplete && m.cfg.ImmediateCompletion {
		return Decision{Action: SyncImmediately, Reason: ReasonCompletion}
	}

	info := m.cache.GetCachedBookInfo(in.UserID, in.Identifier, in.Title, in.IdentifierType)
	if !info.Exists || info.LastSync == nil {
		// Bootstrap: nothing pushed yet, push now
		return Decision{Action: SyncImmediately, Reason: ReasonSignificantChange}
	}

	if last := m.cache.GetLastHardcoverSync(in.UserID, in.Identifier, in.Title); last != nil {
		if m.clock.Since(*last) > time.Duration(m.cfg.MaxDelay)*time.Second {
			return Decision{Action: SyncImmediately, Reason: ReasonMaxDelayExceeded}
		}
	}

	prev := info.ProgressPercent
	delta := math.Abs(in.Current - prev)
	if delta > SignificantChangeThreshold || crossesMilestone(prev, in.Current) {
		return Decision{Action: SyncImmediately, Reason: ReasonSignificantChange}
	}

	return Decision{
		Action:         DelayUpdate,
		Reason:         ReasonActiveSession,
		SessionTimeout: time.Duration(m.cfg.SessionTimeout) * time.Second,
	}
}

// crossesMilestone reports whether the transition passes a round
// milestone in either direction.
func crossesMilestone(prev, curr float64) bool {
	lo, hi := prev, curr
	if lo > hi {
		lo, hi = hi, lo
	}
	for _, ms := range milestones {
		if lo < ms && hi >= ms {
			return true
		}
	}
	return false
}

// UpdateSession stages pending progress for a book.
func (m *Manager) UpdateSession(in UpdateInput) error {
	err := m.cache.UpdateSessionProgress(
		in.UserID, in.Identifier, in.IdentifierType, in.Title, in.Author, in.Current,
	)
	if err != nil {
		return fmt.Errorf("failed to stage session progress: %w", err)
	}
	m.log.Debug("Staged progress in pending session", map[string]interface{}{
		"user_id":  in.UserID,
		"title":    in.Title,
		"progress": in.Current,
	})
	return nil
}

// CompleteSession pushes pending state into the last-pushed columns and
// clears the session flags.
func (m *Manager) CompleteSession(userID, identifier, title string) error {
	if err := m.cache.MarkSessionComplete(userID, identifier, title); err != nil {
		return fmt.Errorf("failed to complete session: %w", err)
	}
	return nil
}

// FlushFn performs the actual Hardcover write for one expired session.
type FlushFn func(ctx context.Context, rec cache.BookRecord) error

// ProcessExpiredSessions flushes sessions whose last change is older
// than session_timeout. Callback failures are counted, logged and do
// not abort the batch. Returns (flushed, failed).
func (m *Manager) ProcessExpiredSessions(ctx context.Context, userID string, flush FlushFn) (int, int, error) {
	if !m.cfg.Enabled {
		return 0, 0, nil
	}

	timeout := time.Duration(m.cfg.SessionTimeout) * time.Second
	expired, err := m.cache.GetExpiredSessions(userID, timeout)
	if err != nil {
		return 0, 0, fmt.Errorf("failed to load expired sessions: %w", err)
	}
	if len(expired) == 0 {
		return 0, 0, nil
	}

	m.log.Info("Processing expired sessions", map[string]interface{}{
		"user_id": userID,
		"count":   len(expired),
	})

	flushed, failed := 0, 0
	for _, rec := range expired {
		if err := ctx.Err(); err != nil {
			return flushed, failed, err
		}
		if err := flush(ctx, rec); err != nil {
			failed++
			m.log.Error("Session flush failed, continuing with next", map[string]interface{}{
				"user_id": userID,
				"title":   rec.TitleNormalized,
				"error":   err.Error(),
			})
			continue
		}
		if err := m.cache.MarkSessionComplete(userID, rec.Identifier, rec.TitleNormalized); err != nil {
			failed++
			m.log.Error("Failed to mark session complete", map[string]interface{}{
				"user_id": userID,
				"title":   rec.TitleNormalized,
				"error":   err.Error(),
			})
			continue
		}
		flushed++
	}

	return flushed, failed, nil
}
