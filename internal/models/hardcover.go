package models

// EditionFormat distinguishes how progress is written to an edition
type EditionFormat string

const (
	// FormatAudiobook is seconds-based progress
	FormatAudiobook EditionFormat = "audiobook"
	// FormatEbook is page-based progress
	FormatEbook EditionFormat = "ebook"
	// FormatPhysical is page-based progress for print editions
	FormatPhysical EditionFormat = "physical"
)

// HardcoverEdition is a specific release of a book on Hardcover.
// Progress is always written against an edition.
type HardcoverEdition struct {
	ID           int64         `json:"id"`
	BookID       int64         `json:"book_id"`
	Title        string        `json:"title,omitempty"`
	ISBN10       string        `json:"isbn_10,omitempty"`
	ISBN13       string        `json:"isbn_13,omitempty"`
	ASIN         string        `json:"asin,omitempty"`
	Format       EditionFormat `json:"reading_format,omitempty"`
	Pages        int           `json:"pages,omitempty"`
	AudioSeconds int           `json:"audio_seconds,omitempty"`
}

// HardcoverBook is a book with its editions as returned by library and
// search queries. Relationships are carried as ids, not pointers.
type HardcoverBook struct {
	ID       int64              `json:"id"`
	Title    string             `json:"title"`
	Author   string             `json:"author,omitempty"`
	Editions []HardcoverEdition `json:"editions,omitempty"`
}

// HardcoverUserBook links a user to a book with a chosen edition and
// status. Search-result matches carry no user book until the book is
// added to the library.
type HardcoverUserBook struct {
	ID        int64 `json:"id"`
	BookID    int64 `json:"book_id"`
	EditionID int64 `json:"edition_id,omitempty"`
	StatusID  int   `json:"status_id"`
}

// HardcoverLibraryEntry is one row of the user's library: the user book
// plus the book and its editions.
type HardcoverLibraryEntry struct {
	UserBook HardcoverUserBook `json:"user_book"`
	Book     HardcoverBook     `json:"book"`
}

// Hardcover user book status ids
const (
	StatusWantToRead = 1
	StatusReading    = 2
	StatusRead       = 3
)

// ProgressPayload is what gets written to Hardcover for one update.
// Seconds for audiobooks, pages otherwise.
type ProgressPayload struct {
	Seconds  int     `json:"seconds,omitempty"`
	Pages    int     `json:"pages,omitempty"`
	Percent  float64 `json:"percent"`
	Finished bool    `json:"finished"`
}
