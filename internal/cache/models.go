package cache

import (
	"fmt"
	"math"
	"time"
)

// Identifier types accepted by the books table. Writes carrying anything
// else are rejected.
const (
	IdentifierISBN        = "isbn"
	IdentifierASIN        = "asin"
	IdentifierTitleAuthor = "title_author"
)

// BookRecord is one cached book for one user. A record exists at most
// once per (user_id, identifier, title_normalized).
type BookRecord struct {
	ID              uint   `gorm:"primaryKey" json:"-"`
	UserID          string `gorm:"column:user_id;uniqueIndex:idx_books_user_identifier_title;index:idx_books_user_title" json:"user_id"`
	Identifier      string `gorm:"uniqueIndex:idx_books_user_identifier_title" json:"identifier"`
	IdentifierType  string `gorm:"column:identifier_type" json:"identifier_type"`
	TitleNormalized string `gorm:"column:title_normalized;uniqueIndex:idx_books_user_identifier_title;index:idx_books_user_title" json:"title_normalized"`
	Author          string `json:"author"`

	EditionID       *int64  `gorm:"column:edition_id" json:"edition_id"`
	ProgressPercent float64 `gorm:"column:progress_percent" json:"progress_percent"`

	LastSync       *time.Time `gorm:"column:last_sync" json:"last_sync"`
	UpdatedAt      time.Time  `gorm:"column:updated_at" json:"updated_at"`
	LastListenedAt *time.Time `gorm:"column:last_listened_at" json:"last_listened_at"`
	StartedAt      *time.Time `gorm:"column:started_at" json:"started_at"`
	FinishedAt     *time.Time `gorm:"column:finished_at" json:"finished_at"`

	SessionIsActive        bool       `gorm:"column:session_is_active" json:"session_is_active"`
	SessionPendingProgress *float64   `gorm:"column:session_pending_progress" json:"session_pending_progress"`
	SessionLastChange      *time.Time `gorm:"column:session_last_change" json:"session_last_change"`
	LastHardcoverSync      *time.Time `gorm:"column:last_hardcover_sync" json:"last_hardcover_sync"`
}

// TableName keeps the historical table name
func (BookRecord) TableName() string { return "books" }

// SyncTracking counts syncs per user and remembers the last deep scan.
type SyncTracking struct {
	UserID           string     `gorm:"primaryKey;column:user_id" json:"user_id"`
	SyncCount        int        `gorm:"column:sync_count" json:"sync_count"`
	TotalSyncs       int        `gorm:"column:total_syncs" json:"total_syncs"`
	LastDeepScanDate *time.Time `gorm:"column:last_deep_scan_date" json:"last_deep_scan_date"`
}

// TableName keeps the historical table name
func (SyncTracking) TableName() string { return "sync_tracking" }

// LibraryStats captures counts on a deep scan so fast syncs can report
// without refetching the Hardcover library.
type LibraryStats struct {
	UserID          string    `gorm:"primaryKey;column:user_id" json:"user_id"`
	BooksTotal      int       `gorm:"column:books_total" json:"books_total"`
	BooksInProgress int       `gorm:"column:books_in_progress" json:"books_in_progress"`
	BooksFinished   int       `gorm:"column:books_finished" json:"books_finished"`
	CapturedAt      time.Time `gorm:"column:captured_at" json:"captured_at"`
}

// TableName keeps the historical table name
func (LibraryStats) TableName() string { return "library_stats" }

// ValidationError is returned when a write violates a cache invariant.
// These are hard errors: the write is rejected and the caller records
// the book as errored.
type ValidationError struct {
	Field string
	Msg   string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("cache validation: %s: %s", e.Field, e.Msg)
}

func validIdentifierType(t string) bool {
	switch t {
	case IdentifierISBN, IdentifierASIN, IdentifierTitleAuthor:
		return true
	}
	return false
}

func validateWrite(identifierType string, progress float64) error {
	if !validIdentifierType(identifierType) {
		return &ValidationError{
			Field: "identifier_type",
			Msg:   fmt.Sprintf("must be one of isbn, asin, title_author; got %q", identifierType),
		}
	}
	if math.IsNaN(progress) || math.IsInf(progress, 0) {
		return &ValidationError{Field: "progress_percent", Msg: "must be a finite number"}
	}
	if progress < 0 || progress > 100 {
		return &ValidationError{
			Field: "progress_percent",
			Msg:   fmt.Sprintf("must be within [0, 100]; got %g", progress),
		}
	}
	return nil
}

// BookInfo is the read-side view of a cached record.
type BookInfo struct {
	Exists bool
	// Identifier is the key the row is stored under after the read; a
	// legacy title/author key may have been rewritten to canonical form
	Identifier      string
	EditionID       *int64
	ProgressPercent float64
	Author          string
	IdentifierType  string
	LastSync        *time.Time
	StartedAt       *time.Time
	FinishedAt      *time.Time
	LastListenedAt  *time.Time
	UpdatedAt       time.Time
}
