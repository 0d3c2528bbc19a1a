package hardcover

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/shelfbridge/shelfbridge/internal/models"
)

func testClient(t *testing.T, srvURL, token string) *GraphQLClient {
	t.Helper()
	cfg := &ClientConfig{
		BaseURL:    srvURL,
		Timeout:    5 * time.Second,
		MaxRetries: 2,
		RetryDelay: time.Millisecond,
	}
	return NewClient(cfg, token, nil, nil, nil)
}

func graphqlResponse(data string) string {
	return `{"data":` + data + `}`
}

func TestGetUserLibrary(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "Bearer tok", r.Header.Get("Authorization"))
		fmt.Fprint(w, graphqlResponse(`{
			"me": [{"user_books": [{
				"id": 11, "book_id": 100, "edition_id": 200, "status_id": 2,
				"book": {
					"id": 100, "title": "The Stand",
					"contributions": [{"author": {"name": "Stephen King"}}],
					"editions": [
						{"id": 200, "book_id": 100, "asin": "B002V0QK4C", "audio_seconds": 174000},
						{"id": 201, "book_id": 100, "isbn_13": "9780307743688", "pages": 1153, "reading_format": {"format": "physical"}}
					]
				}
			}]}]
		}`))
	}))
	defer srv.Close()

	c := testClient(t, srv.URL, "tok")
	entries, err := c.GetUserLibrary(context.Background())
	require.NoError(t, err)
	require.Len(t, entries, 1)

	entry := entries[0]
	assert.Equal(t, int64(11), entry.UserBook.ID)
	assert.Equal(t, int64(200), entry.UserBook.EditionID)
	assert.Equal(t, models.StatusReading, entry.UserBook.StatusID)
	assert.Equal(t, "The Stand", entry.Book.Title)
	assert.Equal(t, "Stephen King", entry.Book.Author)

	require.Len(t, entry.Book.Editions, 2)
	assert.Equal(t, models.FormatAudiobook, entry.Book.Editions[0].Format)
	assert.Equal(t, 174000, entry.Book.Editions[0].AudioSeconds)
	assert.Equal(t, models.FormatPhysical, entry.Book.Editions[1].Format)
	assert.Equal(t, 1153, entry.Book.Editions[1].Pages)
}

func TestSearchByASINGroupsEditionsByBook(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, graphqlResponse(`{
			"editions": [
				{"id": 1, "book_id": 100, "asin": "B002V0QK4C", "audio_seconds": 3600,
				 "book": {"id": 100, "title": "Dune", "contributions": [{"author": {"name": "Frank Herbert"}}]}},
				{"id": 2, "book_id": 100, "isbn_13": "9780441013593", "pages": 412,
				 "book": {"id": 100, "title": "Dune", "contributions": [{"author": {"name": "Frank Herbert"}}]}},
				{"id": 3, "book_id": 101, "asin": "B002V0QK4C",
				 "book": {"id": 101, "title": "Dune Messiah", "contributions": []}}
			]
		}`))
	}))
	defer srv.Close()

	c := testClient(t, srv.URL, "tok")
	books, err := c.SearchBooksByASIN(context.Background(), "B002V0QK4C")
	require.NoError(t, err)
	require.Len(t, books, 2, "editions of the same book collapse into one result")

	assert.Equal(t, "Dune", books[0].Title)
	assert.Equal(t, "Frank Herbert", books[0].Author)
	assert.Len(t, books[0].Editions, 2)
	assert.Equal(t, "Dune Messiah", books[1].Title)
	assert.Empty(t, books[1].Author)
}

func TestAuthErrorIsNotRetried(t *testing.T) {
	t.Parallel()

	calls := 0
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		w.WriteHeader(http.StatusUnauthorized)
	}))
	defer srv.Close()

	c := testClient(t, srv.URL, "bad")
	_, err := c.GetUserLibrary(context.Background())
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrUnauthorized)
	assert.Equal(t, 1, calls, "auth failures must fail fast")
}

func TestTransientErrorRetries(t *testing.T) {
	t.Parallel()

	calls := 0
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		if calls < 3 {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		fmt.Fprint(w, graphqlResponse(`{"me": []}`))
	}))
	defer srv.Close()

	c := testClient(t, srv.URL, "tok")
	entries, err := c.GetUserLibrary(context.Background())
	require.NoError(t, err)
	assert.Empty(t, entries)
	assert.Equal(t, 3, calls)
}

func TestTransientErrorExhaustsRetries(t *testing.T) {
	t.Parallel()

	calls := 0
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	c := testClient(t, srv.URL, "tok")
	_, err := c.GetUserLibrary(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "after 3 attempts")
	assert.Equal(t, 3, calls)
}

func TestHeaderTransportNormalizesToken(t *testing.T) {
	t.Parallel()

	var got string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		got = r.Header.Get("Authorization")
		fmt.Fprint(w, graphqlResponse(`{"me": []}`))
	}))
	defer srv.Close()

	c := testClient(t, srv.URL, "raw-token")
	_, err := c.GetUserLibrary(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "Bearer raw-token", got)

	c = testClient(t, srv.URL, "Bearer already-prefixed")
	_, err = c.GetUserLibrary(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "Bearer already-prefixed", got, "an existing Bearer prefix is kept as-is")
}

func TestUpdateReadingProgressPayloadSelection(t *testing.T) {
	t.Parallel()

	var bodies []string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		bodies = append(bodies, string(body))
		fmt.Fprint(w, graphqlResponse(`{"insert_user_book_read": {"id": 1}}`))
	}))
	defer srv.Close()

	c := testClient(t, srv.URL, "tok")

	err := c.UpdateReadingProgress(context.Background(), 11, 200, models.ProgressPayload{Seconds: 1800, Percent: 50})
	require.NoError(t, err)
	err = c.UpdateReadingProgress(context.Background(), 11, 201, models.ProgressPayload{Pages: 120, Percent: 30})
	require.NoError(t, err)

	require.Len(t, bodies, 2)
	assert.Contains(t, bodies[0], "progress_seconds")
	assert.NotContains(t, bodies[0], "progress_pages")
	assert.Contains(t, bodies[1], "progress_pages")
	assert.NotContains(t, bodies[1], "progress_seconds")
}

func TestErrorClassification(t *testing.T) {
	t.Parallel()

	assert.True(t, isAuthError(errors.New("Message: 401 Unauthorized")))
	assert.True(t, isAuthError(errors.New("response was Forbidden")))
	assert.False(t, isAuthError(errors.New("Message: 502 Bad Gateway")))

	for _, msg := range []string{"429 Too Many Requests", "500 Internal Server Error", "dial tcp: i/o timeout", "connection reset by peer"} {
		assert.True(t, isTransient(errors.New(msg)), msg)
	}
	assert.False(t, isTransient(errors.New("GraphQL errors: field not found")))
	assert.False(t, isTransient(errors.New(strings.ToLower("Unauthorized"))))
}
