package cache

import (
	"fmt"

	"gorm.io/gorm"
)

// migrate performs idempotent schema evolution. Safe to re-run on an
// already-current schema: every step checks before it acts.
func (c *BookCache) migrate() error {
	c.log.Debug("Running cache migrations", nil)

	if err := c.db.AutoMigrate(&BookRecord{}, &SyncTracking{}, &LibraryStats{}); err != nil {
		return fmt.Errorf("auto-migrate failed: %w", err)
	}

	if err := c.dropLegacyLastSynced(); err != nil {
		return err
	}
	if err := c.backfillIdentifierType(); err != nil {
		return err
	}

	c.log.Debug("Cache migrations completed", nil)
	return nil
}

func (c *BookCache) columnExists(table, column string) (bool, error) {
	var count int
	err := c.db.Raw(
		"SELECT count(*) FROM pragma_table_info(?) WHERE name = ?",
		table, column,
	).Scan(&count).Error
	if err != nil {
		return false, fmt.Errorf("failed to inspect %s.%s: %w", table, column, err)
	}
	return count > 0, nil
}

// dropLegacyLastSynced rebuilds the books table without the redundant
// last_synced column carried by old caches. SQLite cannot drop columns
// on old versions, so the migration copies into a fresh table, renames
// it into place and recreates the indexes, all inside one transaction.
func (c *BookCache) dropLegacyLastSynced() error {
	exists, err := c.columnExists("books", "last_synced")
	if err != nil {
		return err
	}
	if !exists {
		return nil
	}

	c.log.Info("Dropping legacy last_synced column from books table", nil)

	return c.db.Transaction(func(tx *gorm.DB) error {
		stmts := []string{
			`CREATE TABLE books_new (
				id INTEGER PRIMARY KEY AUTOINCREMENT,
				user_id TEXT,
				identifier TEXT,
				identifier_type TEXT,
				title_normalized TEXT,
				author TEXT,
				edition_id INTEGER,
				progress_percent REAL,
				last_sync DATETIME,
				updated_at DATETIME,
				last_listened_at DATETIME,
				started_at DATETIME,
				finished_at DATETIME,
				session_is_active NUMERIC,
				session_pending_progress REAL,
				session_last_change DATETIME,
				last_hardcover_sync DATETIME
			)`,
			`INSERT INTO books_new (
				id, user_id, identifier, identifier_type, title_normalized, author,
				edition_id, progress_percent, last_sync, updated_at, last_listened_at,
				started_at, finished_at, session_is_active, session_pending_progress,
				session_last_change, last_hardcover_sync
			)
			SELECT
				id, user_id, identifier, identifier_type, title_normalized, author,
				edition_id, progress_percent, last_sync, updated_at, last_listened_at,
				started_at, finished_at, session_is_active, session_pending_progress,
				session_last_change, last_hardcover_sync
			FROM books`,
			`DROP TABLE books`,
			`ALTER TABLE books_new RENAME TO books`,
			`CREATE UNIQUE INDEX IF NOT EXISTS idx_books_user_identifier_title
				ON books(user_id, identifier, title_normalized)`,
			`CREATE INDEX IF NOT EXISTS idx_books_user_title
				ON books(user_id, title_normalized)`,
		}
		for _, stmt := range stmts {
			if err := tx.Exec(stmt).Error; err != nil {
				return fmt.Errorf("table rebuild failed: %w", err)
			}
		}
		return nil
	})
}

// backfillIdentifierType populates identifier_type='isbn' on rows written
// before the column existed. Rows carrying canonical title/author keys
// are classified by their prefix instead.
func (c *BookCache) backfillIdentifierType() error {
	res := c.db.Exec(
		`UPDATE books SET identifier_type = CASE
			WHEN identifier LIKE 'title_author:%' THEN 'title_author'
			ELSE 'isbn'
		END
		WHERE identifier_type IS NULL OR identifier_type = ''`,
	)
	if res.Error != nil {
		return fmt.Errorf("identifier_type backfill failed: %w", res.Error)
	}
	if res.RowsAffected > 0 {
		c.log.Info("Backfilled identifier_type on legacy rows", map[string]interface{}{
			"rows": res.RowsAffected,
		})
	}
	return nil
}
