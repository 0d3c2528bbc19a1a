package cache

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"golang.org/x/sync/singleflight"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"

	"github.com/shelfbridge/shelfbridge/internal/clock"
	"github.com/shelfbridge/shelfbridge/internal/logger"
)

const (
	// DefaultPath is the default location of the cache database
	DefaultPath = "data/.book_cache.db"
	// DefaultBusyTimeout bounds how long a transaction waits on the
	// store's write lock
	DefaultBusyTimeout = 5 * time.Second
	// progressEpsilon is the smallest progress delta considered a change
	progressEpsilon = 0.01
)

// BookCache is the SQLite-backed store of per-user book records, session
// state and sync tracking. A single writer at a time; readers go through
// the same connection.
type BookCache struct {
	db          *gorm.DB
	log         *logger.Logger
	clock       clock.Clock
	path        string
	busyTimeout time.Duration
}

var openGroup singleflight.Group

// Open opens (or creates) the cache at path and applies schema
// migrations. Initialization is single-flight: concurrent openers of the
// same path share one result.
func Open(path string, log *logger.Logger) (*BookCache, error) {
	return OpenWithClock(path, log, clock.New())
}

// OpenWithClock is Open with an injected clock, used by tests.
func OpenWithClock(path string, log *logger.Logger, clk clock.Clock) (*BookCache, error) {
	if path == "" {
		path = DefaultPath
	}
	if log == nil {
		log = logger.Get()
	}

	v, err, _ := openGroup.Do(path, func() (interface{}, error) {
		return open(path, log, clk)
	})
	if err != nil {
		return nil, err
	}
	return v.(*BookCache), nil
}

func open(path string, log *logger.Logger, clk clock.Clock) (*BookCache, error) {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create cache directory %q: %w", dir, err)
	}

	db, err := gorm.Open(sqlite.Open(path), &gorm.Config{
		Logger: gormlogger.Default.LogMode(gormlogger.Silent),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to open cache database: %w", err)
	}

	sqlDB, err := db.DB()
	if err != nil {
		return nil, fmt.Errorf("failed to get underlying sql.DB: %w", err)
	}
	// SQLite supports one writer at a time
	sqlDB.SetMaxOpenConns(1)
	sqlDB.SetMaxIdleConns(1)
	sqlDB.SetConnMaxLifetime(time.Hour)

	c := &BookCache{
		db:          db,
		log:         log,
		clock:       clk,
		path:        path,
		busyTimeout: DefaultBusyTimeout,
	}

	if err := c.applyPragmas(); err != nil {
		return nil, err
	}
	if err := c.migrate(); err != nil {
		return nil, fmt.Errorf("failed to run cache migrations: %w", err)
	}

	log.Info("Book cache opened", map[string]interface{}{
		"path": path,
	})

	return c, nil
}

func (c *BookCache) applyPragmas() error {
	pragmas := []string{
		"PRAGMA journal_mode = WAL",
		"PRAGMA synchronous = NORMAL",
		fmt.Sprintf("PRAGMA busy_timeout = %d", c.busyTimeout.Milliseconds()),
	}
	for _, p := range pragmas {
		if err := c.db.Exec(p).Error; err != nil {
			return fmt.Errorf("failed to apply %q: %w", p, err)
		}
	}
	return nil
}

// Close closes the underlying database.
func (c *BookCache) Close() error {
	openGroup.Forget(c.path)
	sqlDB, err := c.db.DB()
	if err != nil {
		return fmt.Errorf("failed to get underlying sql.DB: %w", err)
	}
	if err := sqlDB.Close(); err != nil {
		return fmt.Errorf("failed to close cache database: %w", err)
	}
	c.log.Info("Book cache closed", nil)
	return nil
}

// ClearCache removes every record. Operator action; the sync engine
// never deletes rows.
func (c *BookCache) ClearCache() error {
	return c.db.Transaction(func(tx *gorm.DB) error {
		for _, table := range []string{"books", "sync_tracking", "library_stats"} {
			if err := tx.Exec("DELETE FROM " + table).Error; err != nil {
				return fmt.Errorf("failed to clear %s: %w", table, err)
			}
		}
		return nil
	})
}

// CacheStats summarizes cache contents for the CLI.
type CacheStats struct {
	TotalBooks     int64            `json:"total_books"`
	Users          int64            `json:"users"`
	ByType         map[string]int64 `json:"by_identifier_type"`
	ActiveSessions int64            `json:"active_sessions"`
	Finished       int64            `json:"finished"`
}

// GetCacheStats returns aggregate counts over the books table.
func (c *BookCache) GetCacheStats() (*CacheStats, error) {
	stats := &CacheStats{ByType: make(map[string]int64)}

	if err := c.db.Model(&BookRecord{}).Count(&stats.TotalBooks).Error; err != nil {
		return nil, fmt.Errorf("failed to count books: %w", err)
	}
	if err := c.db.Model(&BookRecord{}).Distinct("user_id").Count(&stats.Users).Error; err != nil {
		return nil, fmt.Errorf("failed to count users: %w", err)
	}
	if err := c.db.Model(&BookRecord{}).Where("session_is_active = ?", true).Count(&stats.ActiveSessions).Error; err != nil {
		return nil, fmt.Errorf("failed to count active sessions: %w", err)
	}
	if err := c.db.Model(&BookRecord{}).Where("finished_at IS NOT NULL").Count(&stats.Finished).Error; err != nil {
		return nil, fmt.Errorf("failed to count finished books: %w", err)
	}

	type typeCount struct {
		IdentifierType string
		N              int64
	}
	var counts []typeCount
	if err := c.db.Model(&BookRecord{}).
		Select("identifier_type, count(*) as n").
		Group("identifier_type").
		Scan(&counts).Error; err != nil {
		return nil, fmt.Errorf("failed to count identifier types: %w", err)
	}
	for _, tc := range counts {
		stats.ByType[tc.IdentifierType] = tc.N
	}

	return stats, nil
}

// cacheExport is the JSON export shape; re-importing a schema-equivalent
// dump reproduces every queryable field.
type cacheExport struct {
	ExportedAt   time.Time      `json:"exported_at"`
	Books        []BookRecord   `json:"books"`
	SyncTracking []SyncTracking `json:"sync_tracking"`
	LibraryStats []LibraryStats `json:"library_stats"`
}

// ExportToJSON writes the full cache contents as indented JSON.
func (c *BookCache) ExportToJSON(path string) error {
	export := cacheExport{ExportedAt: c.clock.Now()}

	if err := c.db.Order("user_id, title_normalized").Find(&export.Books).Error; err != nil {
		return fmt.Errorf("failed to read books: %w", err)
	}
	if err := c.db.Order("user_id").Find(&export.SyncTracking).Error; err != nil {
		return fmt.Errorf("failed to read sync tracking: %w", err)
	}
	if err := c.db.Order("user_id").Find(&export.LibraryStats).Error; err != nil {
		return fmt.Errorf("failed to read library stats: %w", err)
	}

	data, err := json.MarshalIndent(export, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal export: %w", err)
	}
	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("failed to write export file %q: %w", path, err)
	}

	c.log.Info("Cache exported", map[string]interface{}{
		"path":  path,
		"books": len(export.Books),
	})
	return nil
}

// ImportFromJSON loads a previous export into an empty cache.
func (c *BookCache) ImportFromJSON(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("failed to read import file %q: %w", path, err)
	}
	var export cacheExport
	if err := json.Unmarshal(data, &export); err != nil {
		return fmt.Errorf("failed to parse import file: %w", err)
	}

	return c.db.Transaction(func(tx *gorm.DB) error {
		for i := range export.Books {
			export.Books[i].ID = 0
			if err := tx.Create(&export.Books[i]).Error; err != nil {
				return fmt.Errorf("failed to import book record: %w", err)
			}
		}
		for i := range export.SyncTracking {
			if err := tx.Create(&export.SyncTracking[i]).Error; err != nil {
				return fmt.Errorf("failed to import sync tracking: %w", err)
			}
		}
		for i := range export.LibraryStats {
			if err := tx.Create(&export.LibraryStats[i]).Error; err != nil {
				return fmt.Errorf("failed to import library stats: %w", err)
			}
		}
		return nil
	})
}
