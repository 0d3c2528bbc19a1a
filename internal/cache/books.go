package cache

import (
	"errors"
	"fmt"
	"math"
	"time"

	"gorm.io/gorm"
)

// findRecord loads one record by its composite key.
func findRecord(tx *gorm.DB, userID, identifier, titleNorm string) (*BookRecord, error) {
	var rec BookRecord
	err := tx.Where(
		"user_id = ? AND identifier = ? AND title_normalized = ?",
		userID, identifier, titleNorm,
	).First(&rec).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &rec, nil
}

// GetCachedBookInfo returns the cached view of one book. Read errors are
// logged and yield an empty result; reads never fail the pipeline.
func (c *BookCache) GetCachedBookInfo(userID, identifier, title, identifierType string) BookInfo {
	titleNorm := NormalizeTitle(title)

	rec, err := findRecord(c.db, userID, identifier, titleNorm)
	if err != nil {
		c.log.Error("Failed to read cached book info", map[string]interface{}{
			"user_id":    userID,
			"identifier": identifier,
			"error":      err.Error(),
		})
		return BookInfo{}
	}
	if rec == nil {
		return BookInfo{}
	}

	c.maybeRewriteLegacyIdentifier(rec)

	return BookInfo{
		Exists:          true,
		Identifier:      rec.Identifier,
		EditionID:       rec.EditionID,
		ProgressPercent: rec.ProgressPercent,
		Author:          rec.Author,
		IdentifierType:  rec.IdentifierType,
		LastSync:        rec.LastSync,
		StartedAt:       rec.StartedAt,
		FinishedAt:      rec.FinishedAt,
		LastListenedAt:  rec.LastListenedAt,
		UpdatedAt:       rec.UpdatedAt,
	}
}

// maybeRewriteLegacyIdentifier opportunistically rewrites legacy
// title/author identifier forms to the canonical derivation. Failures
// are logged only; the read already succeeded.
func (c *BookCache) maybeRewriteLegacyIdentifier(rec *BookRecord) {
	if rec.IdentifierType != IdentifierTitleAuthor || !isLegacyTitleAuthorIdentifier(rec.Identifier) {
		return
	}
	canonical := GenerateTitleAuthorIdentifier(rec.TitleNormalized, rec.Author)
	if canonical == rec.Identifier {
		return
	}
	err := c.db.Transaction(func(tx *gorm.DB) error {
		return tx.Model(&BookRecord{}).
			Where("id = ?", rec.ID).
			Update("identifier", canonical).Error
	})
	if err != nil {
		c.log.Warn("Failed to rewrite legacy identifier", map[string]interface{}{
			"identifier": rec.Identifier,
			"error":      err.Error(),
		})
		return
	}
	c.log.Debug("Rewrote legacy identifier to canonical form", map[string]interface{}{
		"old": rec.Identifier,
		"new": canonical,
	})
	rec.Identifier = canonical
}

// FindRecordsByTitle returns every cached row for the user with the
// given normalized title, regardless of identifier. Used by the early
// fast-path to discover legacy title/author keys.
func (c *BookCache) FindRecordsByTitle(userID, title string) []BookRecord {
	var recs []BookRecord
	err := c.db.Where(
		"user_id = ? AND title_normalized = ?",
		userID, NormalizeTitle(title),
	).Find(&recs).Error
	if err != nil {
		c.log.Error("Failed to look up records by title", map[string]interface{}{
			"user_id": userID,
			"error":   err.Error(),
		})
		return nil
	}
	return recs
}

// HasProgressChanged reports whether current differs from the cached
// last-pushed progress by more than 0.01. No cached record means true.
// Internal errors also return true: fail open toward syncing.
func (c *BookCache) HasProgressChanged(userID, identifier, title string, current float64, identifierType string) bool {
	titleNorm := NormalizeTitle(title)

	rec, err := findRecord(c.db, userID, identifier, titleNorm)
	if err != nil {
		c.log.Error("Failed to check progress change, assuming changed", map[string]interface{}{
			"user_id":    userID,
			"identifier": identifier,
			"error":      err.Error(),
		})
		return true
	}
	if rec == nil {
		return true
	}
	return math.Abs(rec.ProgressPercent-current) > progressEpsilon
}

// EditionMapping carries the matched edition and snapshot metadata.
type EditionMapping struct {
	UserID         string
	Identifier     string
	IdentifierType string
	Title          string
	Author         string
	EditionID      int64
}

// ProgressUpdate carries a progress write.
type ProgressUpdate struct {
	UserID         string
	Identifier     string
	IdentifierType string
	Title          string
	Author         string
	Progress       float64
	LastListenedAt *time.Time
	StartedAt      *time.Time
	// StartNewRead stamps started_at even when one is already set; used
	// when a reread begins on an already finished book
	StartNewRead bool
}

// StoreEditionMapping upserts edition_id and metadata without touching
// progress.
func (c *BookCache) StoreEditionMapping(m EditionMapping) error {
	if err := validateWrite(m.IdentifierType, 0); err != nil {
		c.log.Error("Rejected edition mapping write", map[string]interface{}{
			"user_id":    m.UserID,
			"identifier": m.Identifier,
			"error":      err.Error(),
		})
		return err
	}
	return c.db.Transaction(func(tx *gorm.DB) error {
		return c.upsertEditionMapping(tx, m)
	})
}

func (c *BookCache) upsertEditionMapping(tx *gorm.DB, m EditionMapping) error {
	now := c.clock.Now()
	titleNorm := NormalizeTitle(m.Title)

	rec, err := findRecord(tx, m.UserID, m.Identifier, titleNorm)
	if err != nil {
		return fmt.Errorf("failed to load record for edition mapping: %w", err)
	}
	if rec == nil {
		rec = &BookRecord{
			UserID:          m.UserID,
			Identifier:      m.Identifier,
			IdentifierType:  m.IdentifierType,
			TitleNormalized: titleNorm,
			Author:          m.Author,
			EditionID:       &m.EditionID,
			UpdatedAt:       now,
		}
		return tx.Create(rec).Error
	}

	return tx.Model(rec).Updates(map[string]interface{}{
		"edition_id": m.EditionID,
		"author":     m.Author,
		"updated_at": now,
	}).Error
}

// StoreProgress upserts the last-pushed progress columns. Validates the
// write and rejects invariant violations with a descriptive error.
func (c *BookCache) StoreProgress(u ProgressUpdate) error {
	if err := validateWrite(u.IdentifierType, u.Progress); err != nil {
		c.log.Error("Rejected progress write", map[string]interface{}{
			"user_id":    u.UserID,
			"identifier": u.Identifier,
			"error":      err.Error(),
		})
		return err
	}
	return c.db.Transaction(func(tx *gorm.DB) error {
		return c.upsertProgress(tx, u)
	})
}

func (c *BookCache) upsertProgress(tx *gorm.DB, u ProgressUpdate) error {
	now := c.clock.Now()
	titleNorm := NormalizeTitle(u.Title)

	rec, err := findRecord(tx, u.UserID, u.Identifier, titleNorm)
	if err != nil {
		return fmt.Errorf("failed to load record for progress write: %w", err)
	}

	started := u.StartedAt
	if started == nil {
		started = &now
	}

	if rec == nil {
		rec = &BookRecord{
			UserID:          u.UserID,
			Identifier:      u.Identifier,
			IdentifierType:  u.IdentifierType,
			TitleNormalized: titleNorm,
			Author:          u.Author,
			ProgressPercent: u.Progress,
			LastSync:        &now,
			UpdatedAt:       now,
			LastListenedAt:  u.LastListenedAt,
			StartedAt:       started,
		}
		return tx.Create(rec).Error
	}

	updates := map[string]interface{}{
		"progress_percent": u.Progress,
		"last_sync":        now,
		"updated_at":       now,
	}
	if u.LastListenedAt != nil {
		updates["last_listened_at"] = *u.LastListenedAt
	}
	if rec.StartedAt == nil || u.StartNewRead {
		updates["started_at"] = *started
	}
	return tx.Model(rec).Updates(updates).Error
}

// StoreBookSyncData writes edition mapping and progress atomically: on
// failure neither lands.
func (c *BookCache) StoreBookSyncData(m EditionMapping, u ProgressUpdate) error {
	if err := validateWrite(m.IdentifierType, u.Progress); err != nil {
		c.log.Error("Rejected sync data write", map[string]interface{}{
			"user_id":    m.UserID,
			"identifier": m.Identifier,
			"error":      err.Error(),
		})
		return err
	}
	return c.RunTransaction([]TxOp{
		func(tx *gorm.DB) error { return c.upsertEditionMapping(tx, m) },
		func(tx *gorm.DB) error { return c.upsertProgress(tx, u) },
	}, nil)
}

// StoreBookCompletionData atomically records a detected completion:
// progress 100, finished_at stamped, session state cleared.
func (c *BookCache) StoreBookCompletionData(userID, identifier, identifierType, title, author string) error {
	if err := validateWrite(identifierType, 100); err != nil {
		return err
	}

	now := c.clock.Now()
	titleNorm := NormalizeTitle(title)

	return c.db.Transaction(func(tx *gorm.DB) error {
		rec, err := findRecord(tx, userID, identifier, titleNorm)
		if err != nil {
			return fmt.Errorf("failed to load record for completion: %w", err)
		}
		if rec == nil {
			rec = &BookRecord{
				UserID:          userID,
				Identifier:      identifier,
				IdentifierType:  identifierType,
				TitleNormalized: titleNorm,
				Author:          author,
				ProgressPercent: 100,
				LastSync:        &now,
				UpdatedAt:       now,
				StartedAt:       &now,
				FinishedAt:      &now,
			}
			return tx.Create(rec).Error
		}

		return tx.Model(rec).Updates(map[string]interface{}{
			"progress_percent":         100.0,
			"finished_at":              now,
			"last_sync":                now,
			"updated_at":               now,
			"session_is_active":        false,
			"session_pending_progress": nil,
			"session_last_change":      nil,
			"last_hardcover_sync":      now,
		}).Error
	})
}
