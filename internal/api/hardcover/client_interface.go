package hardcover

import (
	"context"

	"github.com/shelfbridge/shelfbridge/internal/models"
)

// Client is the consumed interface for the Hardcover GraphQL API. The
// sync pipeline and its tests depend on this, not on the concrete
// client.
type Client interface {
	// GetUserLibrary returns the authenticated user's library: user
	// books joined with their books and editions.
	GetUserLibrary(ctx context.Context) ([]models.HardcoverLibraryEntry, error)

	// SearchBooksByASIN finds editions carrying the given ASIN.
	SearchBooksByASIN(ctx context.Context, asin string) ([]models.HardcoverBook, error)

	// SearchBooksByISBN finds editions carrying the given ISBN-10 or
	// ISBN-13.
	SearchBooksByISBN(ctx context.Context, isbn string) ([]models.HardcoverBook, error)

	// SearchBooksForMatching finds candidate books by title for the
	// tier-3 title/author strategy.
	SearchBooksForMatching(ctx context.Context, title, author string) ([]models.HardcoverBook, error)

	// AddBookToLibrary creates a user book for the given book/edition
	// and returns it.
	AddBookToLibrary(ctx context.Context, bookID int64, statusID int, editionID int64) (*models.HardcoverUserBook, error)

	// UpdateReadingProgress writes one progress payload against a user
	// book and edition.
	UpdateReadingProgress(ctx context.Context, userBookID, editionID int64, payload models.ProgressPayload) error

	// MarkRead flips the user book status to read.
	MarkRead(ctx context.Context, userBookID int64) error

	// StartNewReadingSession opens a fresh read for a re-read of an
	// already finished book.
	StartNewReadingSession(ctx context.Context, userBookID, editionID int64) error
}
