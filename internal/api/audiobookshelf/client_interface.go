package audiobookshelf

import (
	"context"

	"github.com/shelfbridge/shelfbridge/internal/models"
)

// Client is the consumed interface for the Audiobookshelf API.
type Client interface {
	// ListLibraries returns all libraries visible to the token.
	ListLibraries(ctx context.Context) ([]models.AudiobookshelfLibrary, error)

	// ListItems pages through a library's items. pageSize controls the
	// request size; max caps the total returned (0 = unlimited).
	ListItems(ctx context.Context, libraryID string, pageSize, max int) ([]models.AudiobookshelfBook, error)

	// GetItem fetches a single item with progress.
	GetItem(ctx context.Context, itemID string) (*models.AudiobookshelfBook, error)
}
