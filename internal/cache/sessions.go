package cache

import (
	"fmt"
	"time"

	"gorm.io/gorm"
)

// UpdateSessionProgress stages pending progress for a book: the session
// becomes active and session_last_change is stamped. The last-pushed
// progress columns are untouched until the session completes.
func (c *BookCache) UpdateSessionProgress(userID, identifier, identifierType, title, author string, pending float64) error {
	if err := validateWrite(identifierType, pending); err != nil {
		return err
	}

	now := c.clock.Now()
	titleNorm := NormalizeTitle(title)

	return c.db.Transaction(func(tx *gorm.DB) error {
		rec, err := findRecord(tx, userID, identifier, titleNorm)
		if err != nil {
			return fmt.Errorf("failed to load record for session update: %w", err)
		}
		if rec == nil {
			rec = &BookRecord{
				UserID:                 userID,
				Identifier:             identifier,
				IdentifierType:         identifierType,
				TitleNormalized:        titleNorm,
				Author:                 author,
				SessionIsActive:        true,
				SessionPendingProgress: &pending,
				SessionLastChange:      &now,
				UpdatedAt:              now,
			}
			return tx.Create(rec).Error
		}

		return tx.Model(rec).Updates(map[string]interface{}{
			"session_is_active":        true,
			"session_pending_progress": pending,
			"session_last_change":      now,
			"updated_at":               now,
		}).Error
	})
}

// MarkSessionComplete pushes the pending progress into the last-pushed
// columns and clears the session flags, all in one transaction.
func (c *BookCache) MarkSessionComplete(userID, identifier, title string) error {
	now := c.clock.Now()
	titleNorm := NormalizeTitle(title)

	return c.db.Transaction(func(tx *gorm.DB) error {
		rec, err := findRecord(tx, userID, identifier, titleNorm)
		if err != nil {
			return fmt.Errorf("failed to load record for session completion: %w", err)
		}
		if rec == nil || !rec.SessionIsActive {
			return nil
		}

		updates := map[string]interface{}{
			"session_is_active":        false,
			"session_pending_progress": nil,
			"session_last_change":      nil,
			"last_hardcover_sync":      now,
			"last_sync":                now,
			"updated_at":               now,
		}
		if rec.SessionPendingProgress != nil {
			updates["progress_percent"] = *rec.SessionPendingProgress
		}
		return tx.Model(rec).Updates(updates).Error
	})
}

// HasActiveSession reports whether the book has a pending session.
func (c *BookCache) HasActiveSession(userID, identifier, title string) bool {
	rec, err := findRecord(c.db, userID, identifier, NormalizeTitle(title))
	if err != nil {
		c.log.Error("Failed to check active session", map[string]interface{}{
			"user_id": userID,
			"error":   err.Error(),
		})
		return false
	}
	return rec != nil && rec.SessionIsActive
}

// GetActiveSessions returns every book with an active session for the
// user.
func (c *BookCache) GetActiveSessions(userID string) ([]BookRecord, error) {
	var recs []BookRecord
	err := c.db.Where(
		"user_id = ? AND session_is_active = ?", userID, true,
	).Order("session_last_change").Find(&recs).Error
	if err != nil {
		return nil, fmt.Errorf("failed to load active sessions: %w", err)
	}
	return recs, nil
}

// GetExpiredSessions returns active sessions whose last change is older
// than the timeout.
func (c *BookCache) GetExpiredSessions(userID string, timeout time.Duration) ([]BookRecord, error) {
	cutoff := c.clock.Now().Add(-timeout)
	var recs []BookRecord
	err := c.db.Where(
		"user_id = ? AND session_is_active = ? AND session_last_change < ?",
		userID, true, cutoff,
	).Order("session_last_change").Find(&recs).Error
	if err != nil {
		return nil, fmt.Errorf("failed to load expired sessions: %w", err)
	}
	return recs, nil
}

// GetLastHardcoverSync returns when this book last reached Hardcover,
// or nil when it never has.
func (c *BookCache) GetLastHardcoverSync(userID, identifier, title string) *time.Time {
	rec, err := findRecord(c.db, userID, identifier, NormalizeTitle(title))
	if err != nil || rec == nil {
		return nil
	}
	if rec.LastHardcoverSync != nil {
		return rec.LastHardcoverSync
	}
	return rec.LastSync
}
