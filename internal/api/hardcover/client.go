package hardcover

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/hasura/go-graphql-client"

	"github.com/shelfbridge/shelfbridge/internal/logger"
	"github.com/shelfbridge/shelfbridge/internal/models"
	"github.com/shelfbridge/shelfbridge/internal/util"
)

const (
	// DefaultBaseURL is the Hardcover GraphQL endpoint
	DefaultBaseURL = "https://api.hardcover.app/v1/graphql"
	// DefaultTimeout bounds a single HTTP request
	DefaultTimeout = 30 * time.Second
	// DefaultMaxRetries bounds retry attempts on transient failures
	DefaultMaxRetries = 3
	// DefaultRetryDelay is the base backoff between retries
	DefaultRetryDelay = 500 * time.Millisecond

	// EndpointKey is the logical rate-limit key for all Hardcover calls
	EndpointKey = "hardcover.graphql"
)

// Sentinel errors surfaced to the pipeline
var (
	ErrUnauthorized = errors.New("hardcover: unauthorized")
	ErrNotFound     = errors.New("hardcover: not found")
)

// ClientConfig holds configuration for the GraphQL client.
type ClientConfig struct {
	BaseURL    string
	Timeout    time.Duration
	MaxRetries int
	RetryDelay time.Duration
}

// DefaultClientConfig returns the default client configuration.
func DefaultClientConfig() *ClientConfig {
	return &ClientConfig{
		BaseURL:    DefaultBaseURL,
		Timeout:    DefaultTimeout,
		MaxRetries: DefaultMaxRetries,
		RetryDelay: DefaultRetryDelay,
	}
}

// headerAddingTransport adds the auth headers Hardcover requires.
type headerAddingTransport struct {
	token string
	rt    http.RoundTripper
}

func (t *headerAddingTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	token := strings.TrimSpace(t.token)
	if token != "" && !strings.HasPrefix(token, "Bearer ") {
		token = "Bearer " + token
	}
	req.Header.Set("Authorization", token)
	req.Header.Set("Content-Type", "application/json")
	return t.rt.RoundTrip(req)
}

// GraphQLClient implements Client against the real Hardcover API.
type GraphQLClient struct {
	gql        *graphql.Client
	log        *logger.Logger
	limiter    *util.RateLimiter
	sem        *util.Semaphore
	maxRetries int
	retryDelay time.Duration
}

// NewClient creates a Hardcover client. limiter and sem gate every
// outbound call; both may be shared across users hitting the same
// endpoint.
func NewClient(cfg *ClientConfig, token string, limiter *util.RateLimiter, sem *util.Semaphore, log *logger.Logger) *GraphQLClient {
	if cfg == nil {
		cfg = DefaultClientConfig()
	}
	if log == nil {
		log = logger.Get()
	}
	log = log.With(map[string]interface{}{
		"component": "hardcover_client",
	})

	httpClient := &http.Client{
		Timeout: cfg.Timeout,
		Transport: &headerAddingTransport{
			token: token,
			rt:    http.DefaultTransport,
		},
	}

	return &GraphQLClient{
		gql:        graphql.NewClient(cfg.BaseURL, httpClient),
		log:        log,
		limiter:    limiter,
		sem:        sem,
		maxRetries: cfg.MaxRetries,
		retryDelay: cfg.RetryDelay,
	}
}

// exec runs one GraphQL operation under the rate limiter and semaphore,
// retrying transient failures with linear backoff. Auth failures are not
// retried.
func (c *GraphQLClient) exec(ctx context.Context, query string, result interface{}, variables map[string]interface{}) error {
	var lastErr error
	for attempt := 0; attempt <= c.maxRetries; attempt++ {
		if attempt > 0 {
			delay := c.retryDelay * time.Duration(attempt)
			timer := time.NewTimer(delay)
			select {
			case <-ctx.Done():
				timer.Stop()
				return ctx.Err()
			case <-timer.C:
			}
		}

		if c.limiter != nil {
			if err := c.limiter.WaitIfNeeded(ctx, EndpointKey); err != nil {
				return fmt.Errorf("rate limiter wait: %w", err)
			}
		}
		if c.sem != nil {
			if err := c.sem.Acquire(ctx); err != nil {
				return err
			}
		}

		err := c.gql.Exec(ctx, query, result, variables)
		if c.sem != nil {
			c.sem.Release()
		}
		if err == nil {
			return nil
		}

		if isAuthError(err) {
			return fmt.Errorf("%w: %v", ErrUnauthorized, err)
		}
		if !isTransient(err) {
			return err
		}

		lastErr = err
		c.log.Warn("Transient Hardcover error, will retry", map[string]interface{}{
			"attempt": attempt + 1,
			"error":   err.Error(),
		})
	}
	return fmt.Errorf("hardcover request failed after %d attempts: %w", c.maxRetries+1, lastErr)
}

func isAuthError(err error) bool {
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "401") ||
		strings.Contains(msg, "403") ||
		strings.Contains(msg, "unauthorized") ||
		strings.Contains(msg, "forbidden")
}

func isTransient(err error) bool {
	msg := err.Error()
	return strings.Contains(msg, "429") ||
		strings.Contains(msg, "500") ||
		strings.Contains(msg, "502") ||
		strings.Contains(msg, "503") ||
		strings.Contains(msg, "504") ||
		strings.Contains(msg, "timeout") ||
		strings.Contains(msg, "connection reset")
}

// libraryRow mirrors the user_books join used by the library query.
type libraryRow struct {
	ID        int64  `json:"id" graphql:"id"`
	BookID    int64  `json:"book_id" graphql:"book_id"`
	EditionID *int64 `json:"edition_id" graphql:"edition_id"`
	StatusID  int    `json:"status_id" graphql:"status_id"`
	Book      struct {
		ID            int64  `json:"id" graphql:"id"`
		Title         string `json:"title" graphql:"title"`
		Contributions []struct {
			Author struct {
				Name string `json:"name" graphql:"name"`
			} `json:"author" graphql:"author"`
		} `json:"contributions" graphql:"contributions"`
		Editions []editionRow `json:"editions" graphql:"editions"`
	} `json:"book" graphql:"book"`
}

type editionRow struct {
	ID            int64   `json:"id" graphql:"id"`
	BookID        int64   `json:"book_id" graphql:"book_id"`
	Title         *string `json:"title" graphql:"title"`
	ISBN10        *string `json:"isbn_10" graphql:"isbn_10"`
	ISBN13        *string `json:"isbn_13" graphql:"isbn_13"`
	ASIN          *string `json:"asin" graphql:"asin"`
	Pages         *int    `json:"pages" graphql:"pages"`
	AudioSeconds  *int    `json:"audio_seconds" graphql:"audio_seconds"`
	ReadingFormat *struct {
		Format string `json:"format" graphql:"format"`
	} `json:"reading_format" graphql:"reading_format"`
}

func (e *editionRow) toModel() models.HardcoverEdition {
	ed := models.HardcoverEdition{
		ID:     e.ID,
		BookID: e.BookID,
	}
	if e.Title != nil {
		ed.Title = *e.Title
	}
	if e.ISBN10 != nil {
		ed.ISBN10 = *e.ISBN10
	}
	if e.ISBN13 != nil {
		ed.ISBN13 = *e.ISBN13
	}
	if e.ASIN != nil {
		ed.ASIN = *e.ASIN
	}
	if e.Pages != nil {
		ed.Pages = *e.Pages
	}
	if e.AudioSeconds != nil {
		ed.AudioSeconds = *e.AudioSeconds
		ed.Format = models.FormatAudiobook
	}
	if e.ReadingFormat != nil {
		switch strings.ToLower(e.ReadingFormat.Format) {
		case "audiobook", "audio":
			ed.Format = models.FormatAudiobook
		case "ebook":
			ed.Format = models.FormatEbook
		case "physical", "physical book":
			ed.Format = models.FormatPhysical
		}
	}
	return ed
}

const userLibraryQuery = `
query UserLibrary {
  me {
    user_books {
      id
      book_id
      edition_id
      status_id
      book {
        id
        title
        contributions { author { name } }
        editions {
          id
          book_id
          title
          isbn_10
          isbn_13
          asin
          pages
          audio_seconds
          reading_format { format }
        }
      }
    }
  }
}`

// GetUserLibrary returns the authenticated user's library.
func (c *GraphQLClient) GetUserLibrary(ctx context.Context) ([]models.HardcoverLibraryEntry, error) {
	var result struct {
		Me []struct {
			UserBooks []libraryRow `json:"user_books" graphql:"user_books"`
		} `json:"me" graphql:"me"`
	}

	if err := c.exec(ctx, userLibraryQuery, &result, nil); err != nil {
		return nil, fmt.Errorf("failed to fetch user library: %w", err)
	}

	var entries []models.HardcoverLibraryEntry
	for _, me := range result.Me {
		for _, row := range me.UserBooks {
			entry := models.HardcoverLibraryEntry{
				UserBook: models.HardcoverUserBook{
					ID:       row.ID,
					BookID:   row.BookID,
					StatusID: row.StatusID,
				},
				Book: models.HardcoverBook{
					ID:    row.Book.ID,
					Title: row.Book.Title,
				},
			}
			if row.EditionID != nil {
				entry.UserBook.EditionID = *row.EditionID
			}
			if len(row.Book.Contributions) > 0 {
				entry.Book.Author = row.Book.Contributions[0].Author.Name
			}
			for i := range row.Book.Editions {
				entry.Book.Editions = append(entry.Book.Editions, row.Book.Editions[i].toModel())
			}
			entries = append(entries, entry)
		}
	}

	c.log.Debug("Fetched user library", map[string]interface{}{
		"entries": len(entries),
	})
	return entries, nil
}

const editionSearchQuery = `
query EditionSearch($where: editions_bool_exp!) {
  editions(where: $where, limit: 10) {
    id
    book_id
    title
    isbn_10
    isbn_13
    asin
    pages
    audio_seconds
    reading_format { format }
    book {
      id
      title
      contributions { author { name } }
    }
  }
}`

type editionSearchRow struct {
	editionRow
	Book struct {
		ID            int64  `json:"id" graphql:"id"`
		Title         string `json:"title" graphql:"title"`
		Contributions []struct {
			Author struct {
				Name string `json:"name" graphql:"name"`
			} `json:"author" graphql:"author"`
		} `json:"contributions" graphql:"contributions"`
	} `json:"book" graphql:"book"`
}

func (c *GraphQLClient) searchEditions(ctx context.Context, where map[string]interface{}) ([]models.HardcoverBook, error) {
	var result struct {
		Editions []editionSearchRow `json:"editions" graphql:"editions"`
	}
	variables := map[string]interface{}{"where": where}
	if err := c.exec(ctx, editionSearchQuery, &result, variables); err != nil {
		return nil, err
	}

	byBook := make(map[int64]*models.HardcoverBook)
	var order []int64
	for i := range result.Editions {
		row := &result.Editions[i]
		book, ok := byBook[row.Book.ID]
		if !ok {
			book = &models.HardcoverBook{
				ID:    row.Book.ID,
				Title: row.Book.Title,
			}
			if len(row.Book.Contributions) > 0 {
				book.Author = row.Book.Contributions[0].Author.Name
			}
			byBook[row.Book.ID] = book
			order = append(order, row.Book.ID)
		}
		book.Editions = append(book.Editions, row.editionRow.toModel())
	}

	books := make([]models.HardcoverBook, 0, len(order))
	for _, id := range order {
		books = append(books, *byBook[id])
	}
	return books, nil
}

// SearchBooksByASIN finds editions carrying the given ASIN.
func (c *GraphQLClient) SearchBooksByASIN(ctx context.Context, asin string) ([]models.HardcoverBook, error) {
	books, err := c.searchEditions(ctx, map[string]interface{}{
		"asin": map[string]interface{}{"_eq": asin},
	})
	if err != nil {
		return nil, fmt.Errorf("ASIN search failed: %w", err)
	}
	return books, nil
}

// SearchBooksByISBN finds editions by ISBN-10 or ISBN-13.
func (c *GraphQLClient) SearchBooksByISBN(ctx context.Context, isbn string) ([]models.HardcoverBook, error) {
	books, err := c.searchEditions(ctx, map[string]interface{}{
		"_or": []map[string]interface{}{
			{"isbn_13": map[string]interface{}{"_eq": isbn}},
			{"isbn_10": map[string]interface{}{"_eq": isbn}},
		},
	})
	if err != nil {
		return nil, fmt.Errorf("ISBN search failed: %w", err)
	}
	return books, nil
}

const bookSearchQuery = `
query BookSearch($title: String!) {
  books(where: {title: {_ilike: $title}}, limit: 25) {
    id
    title
    contributions { author { name } }
    editions {
      id
      book_id
      title
      isbn_10
      isbn_13
      asin
      pages
      audio_seconds
      reading_format { format }
    }
  }
}`

// SearchBooksForMatching finds candidate books by title. Author ranking
// happens in the matcher, not here.
func (c *GraphQLClient) SearchBooksForMatching(ctx context.Context, title, author string) ([]models.HardcoverBook, error) {
	var result struct {
		Books []struct {
			ID            int64  `json:"id" graphql:"id"`
			Title         string `json:"title" graphql:"title"`
			Contributions []struct {
				Author struct {
					Name string `json:"name" graphql:"name"`
				} `json:"author" graphql:"author"`
			} `json:"contributions" graphql:"contributions"`
			Editions []editionRow `json:"editions" graphql:"editions"`
		} `json:"books" graphql:"books"`
	}

	variables := map[string]interface{}{
		"title": "%" + strings.TrimSpace(title) + "%",
	}
	if err := c.exec(ctx, bookSearchQuery, &result, variables); err != nil {
		return nil, fmt.Errorf("title search failed: %w", err)
	}

	books := make([]models.HardcoverBook, 0, len(result.Books))
	for _, row := range result.Books {
		book := models.HardcoverBook{
			ID:    row.ID,
			Title: row.Title,
		}
		if len(row.Contributions) > 0 {
			book.Author = row.Contributions[0].Author.Name
		}
		for i := range row.Editions {
			book.Editions = append(book.Editions, row.Editions[i].toModel())
		}
		books = append(books, book)
	}
	return books, nil
}

const addBookMutation = `
mutation AddBook($object: UserBookCreateInput!) {
  insert_user_book(object: $object) {
    id
    user_book {
      id
      book_id
      edition_id
      status_id
    }
  }
}`

// AddBookToLibrary creates a user book for the given book and edition.
func (c *GraphQLClient) AddBookToLibrary(ctx context.Context, bookID int64, statusID int, editionID int64) (*models.HardcoverUserBook, error) {
	var result struct {
		Insert struct {
			ID       int64 `json:"id" graphql:"id"`
			UserBook struct {
				ID        int64  `json:"id" graphql:"id"`
				BookID    int64  `json:"book_id" graphql:"book_id"`
				EditionID *int64 `json:"edition_id" graphql:"edition_id"`
				StatusID  int    `json:"status_id" graphql:"status_id"`
			} `json:"user_book" graphql:"user_book"`
		} `json:"insert_user_book" graphql:"insert_user_book"`
	}

	object := map[string]interface{}{
		"book_id":   bookID,
		"status_id": statusID,
	}
	if editionID > 0 {
		object["edition_id"] = editionID
	}

	err := c.exec(ctx, addBookMutation, &result, map[string]interface{}{"object": object})
	if err != nil {
		return nil, fmt.Errorf("failed to add book %d to library: %w", bookID, err)
	}

	ub := &models.HardcoverUserBook{
		ID:       result.Insert.UserBook.ID,
		BookID:   result.Insert.UserBook.BookID,
		StatusID: result.Insert.UserBook.StatusID,
	}
	if ub.ID == 0 {
		ub.ID = result.Insert.ID
	}
	if result.Insert.UserBook.EditionID != nil {
		ub.EditionID = *result.Insert.UserBook.EditionID
	}

	c.log.Info("Added book to Hardcover library", map[string]interface{}{
		"book_id":      bookID,
		"edition_id":   editionID,
		"user_book_id": ub.ID,
	})
	return ub, nil
}

const updateProgressMutation = `
mutation UpdateProgress($userBookId: Int!, $object: DatesReadInput!) {
  insert_user_book_read(user_book_id: $userBookId, user_book_read: $object) {
    id
  }
}`

// UpdateReadingProgress writes one progress payload. Seconds for
// audiobooks, pages otherwise.
func (c *GraphQLClient) UpdateReadingProgress(ctx context.Context, userBookID, editionID int64, payload models.ProgressPayload) error {
	object := map[string]interface{}{
		"edition_id": editionID,
	}
	if payload.Seconds > 0 {
		object["progress_seconds"] = payload.Seconds
	} else {
		object["progress_pages"] = payload.Pages
	}

	var result struct {
		Insert struct {
			ID int64 `json:"id" graphql:"id"`
		} `json:"insert_user_book_read" graphql:"insert_user_book_read"`
	}
	err := c.exec(ctx, updateProgressMutation, &result, map[string]interface{}{
		"userBookId": userBookID,
		"object":     object,
	})
	if err != nil {
		return fmt.Errorf("failed to update reading progress for user book %d: %w", userBookID, err)
	}

	c.log.Debug("Updated reading progress", map[string]interface{}{
		"user_book_id": userBookID,
		"edition_id":   editionID,
		"percent":      payload.Percent,
	})
	return nil
}

const markReadMutation = `
mutation MarkRead($id: Int!, $statusId: Int!) {
  update_user_book(id: $id, object: {status_id: $statusId}) {
    id
  }
}`

// MarkRead flips the user book status to read.
func (c *GraphQLClient) MarkRead(ctx context.Context, userBookID int64) error {
	var result struct {
		Update struct {
			ID int64 `json:"id" graphql:"id"`
		} `json:"update_user_book" graphql:"update_user_book"`
	}
	err := c.exec(ctx, markReadMutation, &result, map[string]interface{}{
		"id":       userBookID,
		"statusId": models.StatusRead,
	})
	if err != nil {
		return fmt.Errorf("failed to mark user book %d read: %w", userBookID, err)
	}
	return nil
}

const newSessionMutation = `
mutation StartSession($userBookId: Int!, $editionId: Int!) {
  insert_user_book_read(user_book_id: $userBookId, user_book_read: {edition_id: $editionId, progress_seconds: 0}) {
    id
  }
}`

// StartNewReadingSession opens a fresh read for a re-read.
func (c *GraphQLClient) StartNewReadingSession(ctx context.Context, userBookID, editionID int64) error {
	var result struct {
		Insert struct {
			ID int64 `json:"id" graphql:"id"`
		} `json:"insert_user_book_read" graphql:"insert_user_book_read"`
	}
	err := c.exec(ctx, newSessionMutation, &result, map[string]interface{}{
		"userBookId": userBookID,
		"editionId":  editionID,
	})
	if err != nil {
		return fmt.Errorf("failed to start new reading session for user book %d: %w", userBookID, err)
	}

	c.log.Info("Started new reading session", map[string]interface{}{
		"user_book_id": userBookID,
		"edition_id":   editionID,
	})
	return nil
}
