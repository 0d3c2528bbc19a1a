package cache

import (
	"errors"
	"fmt"

	"gorm.io/gorm"
)

// IncrementSyncCount bumps both counters for the user, creating the
// tracking row on first sync.
func (c *BookCache) IncrementSyncCount(userID string) error {
	return c.db.Transaction(func(tx *gorm.DB) error {
		var tracking SyncTracking
		err := tx.Where("user_id = ?", userID).First(&tracking).Error
		if errors.Is(err, gorm.ErrRecordNotFound) {
			tracking = SyncTracking{UserID: userID, SyncCount: 1, TotalSyncs: 1}
			return tx.Create(&tracking).Error
		}
		if err != nil {
			return fmt.Errorf("failed to load sync tracking: %w", err)
		}
		return tx.Model(&tracking).Updates(map[string]interface{}{
			"sync_count":  tracking.SyncCount + 1,
			"total_syncs": tracking.TotalSyncs + 1,
		}).Error
	})
}

// GetSyncTracking returns the tracking row for the user; a zero row when
// none exists yet.
func (c *BookCache) GetSyncTracking(userID string) (SyncTracking, error) {
	var tracking SyncTracking
	err := c.db.Where("user_id = ?", userID).First(&tracking).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return SyncTracking{UserID: userID}, nil
	}
	if err != nil {
		return SyncTracking{}, fmt.Errorf("failed to load sync tracking: %w", err)
	}
	return tracking, nil
}

// RecordDeepScan resets the fast-sync counter and stamps the deep scan
// date.
func (c *BookCache) RecordDeepScan(userID string) error {
	now := c.clock.Now()
	return c.db.Transaction(func(tx *gorm.DB) error {
		var tracking SyncTracking
		err := tx.Where("user_id = ?", userID).First(&tracking).Error
		if errors.Is(err, gorm.ErrRecordNotFound) {
			tracking = SyncTracking{UserID: userID, LastDeepScanDate: &now}
			return tx.Create(&tracking).Error
		}
		if err != nil {
			return fmt.Errorf("failed to load sync tracking: %w", err)
		}
		return tx.Model(&tracking).Updates(map[string]interface{}{
			"sync_count":          0,
			"last_deep_scan_date": now,
		}).Error
	})
}

// ShouldPerformDeepScan reports whether the next sync should bypass the
// identifier index and reconcile against the full Hardcover library:
// true when no deep scan has ever run or the fast-sync count reached the
// interval.
func (c *BookCache) ShouldPerformDeepScan(userID string, interval int) (bool, error) {
	tracking, err := c.GetSyncTracking(userID)
	if err != nil {
		return false, err
	}
	if tracking.LastDeepScanDate == nil {
		return true, nil
	}
	return interval > 0 && tracking.SyncCount >= interval, nil
}

// StoreLibraryStats saves counts captured during a deep scan.
func (c *BookCache) StoreLibraryStats(stats LibraryStats) error {
	stats.CapturedAt = c.clock.Now()
	return c.db.Transaction(func(tx *gorm.DB) error {
		var existing LibraryStats
		err := tx.Where("user_id = ?", stats.UserID).First(&existing).Error
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return tx.Create(&stats).Error
		}
		if err != nil {
			return fmt.Errorf("failed to load library stats: %w", err)
		}
		return tx.Model(&existing).Updates(map[string]interface{}{
			"books_total":       stats.BooksTotal,
			"books_in_progress": stats.BooksInProgress,
			"books_finished":    stats.BooksFinished,
			"captured_at":       stats.CapturedAt,
		}).Error
	})
}

// GetLibraryStats returns the stats captured by the last deep scan.
func (c *BookCache) GetLibraryStats(userID string) (LibraryStats, bool) {
	var stats LibraryStats
	err := c.db.Where("user_id = ?", userID).First(&stats).Error
	if err != nil {
		if !errors.Is(err, gorm.ErrRecordNotFound) {
			c.log.Error("Failed to load library stats", map[string]interface{}{
				"user_id": userID,
				"error":   err.Error(),
			})
		}
		return LibraryStats{}, false
	}
	return stats, true
}
