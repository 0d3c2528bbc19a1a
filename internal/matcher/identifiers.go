package matcher

import (
	"regexp"
	"strings"

	"github.com/shelfbridge/shelfbridge/internal/models"
)

// ExtractedMetadata is what identifier extraction pulls from one ABS
// item. Missing metadata falls back to unknown-title/author so the
// pipeline never sees empty keys.
type ExtractedMetadata struct {
	Title  string
	Author string
	ASIN   string
	ISBN   string
}

var (
	asinPattern   = regexp.MustCompile(`^[A-Z0-9]{10}$`)
	nonISBNChars  = regexp.MustCompile(`[^0-9Xx]`)
	isbn10Pattern = regexp.MustCompile(`^[0-9]{9}[0-9Xx]$`)
	isbn13Pattern = regexp.MustCompile(`^[0-9]{13}$`)
)

// NormalizeASIN validates and normalizes an ASIN; empty when invalid.
func NormalizeASIN(raw string) string {
	asin := strings.ToUpper(strings.TrimSpace(raw))
	if !asinPattern.MatchString(asin) {
		return ""
	}
	return asin
}

// NormalizeISBN strips separators and validates ISBN-10/13; empty when
// invalid.
func NormalizeISBN(raw string) string {
	isbn := nonISBNChars.ReplaceAllString(strings.TrimSpace(raw), "")
	if isbn10Pattern.MatchString(isbn) || isbn13Pattern.MatchString(isbn) {
		return strings.ToUpper(isbn)
	}
	return ""
}

// ExtractMetadata pulls identifiers and naming from an ABS item.
func ExtractMetadata(book *models.AudiobookshelfBook) ExtractedMetadata {
	return ExtractedMetadata{
		Title:  book.Title(),
		Author: book.Author(),
		ASIN:   NormalizeASIN(book.Media.Metadata.ASIN),
		ISBN:   NormalizeISBN(book.Media.Metadata.ISBN),
	}
}

// HasIdentifier reports whether the item carries any exact identifier.
func (m ExtractedMetadata) HasIdentifier() bool {
	return m.ASIN != "" || m.ISBN != ""
}
