// Package matcher resolves one Audiobookshelf book to exactly one
// Hardcover edition. Three strategies run in tier order: ASIN exact,
// ISBN exact, then fuzzy title/author. An identifier lookup index over
// the user's Hardcover library backs the exact tiers.
package matcher

import (
	"context"
	"fmt"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/shelfbridge/shelfbridge/internal/api/hardcover"
	"github.com/shelfbridge/shelfbridge/internal/cache"
	"github.com/shelfbridge/shelfbridge/internal/config"
	"github.com/shelfbridge/shelfbridge/internal/logger"
	"github.com/shelfbridge/shelfbridge/internal/models"
)

// searchMemoTTL bounds how long Hardcover search results are reused.
// Long enough to cover one sync run, short enough that a new run sees
// fresh data.
const searchMemoTTL = 5 * time.Minute

// Match types reported on a successful match
const (
	MatchTypeASIN        = "asin"
	MatchTypeISBN        = "isbn"
	MatchTypeTitleAuthor = "title_author"
)

// Match is the outcome of a successful strategy. UserBook is nil for
// search-result matches: exact identifier hits from the Hardcover search
// endpoint carry no user book until the book is added to the library.
// Callers must null-check it.
type Match struct {
	UserBook          *models.HardcoverUserBook
	Book              *models.HardcoverBook
	Edition           *models.HardcoverEdition
	MatchType         string
	Tier              int
	IsSearchResult    bool
	NeedsBookIDLookup bool
	Score             float64
}

// indexEntry points from an identifier to its place in the library
// snapshot.
type indexEntry struct {
	userBook *models.HardcoverUserBook
	book     *models.HardcoverBook
	edition  *models.HardcoverEdition
}

// userIndex is the per-user identifier lookup index. Readers are
// lock-free after publication; rebuilds replace the reference.
type userIndex struct {
	byIdentifier map[string]indexEntry
	contentHash  string
}

// Matcher orchestrates the strategies over per-user library snapshots.
type Matcher struct {
	hc  hardcover.Client
	cfg config.TitleAuthorMatching
	log *logger.Logger

	mu        sync.RWMutex
	libraries map[string][]models.HardcoverLibraryEntry
	indexes   map[string]*userIndex

	buildGroup singleflight.Group
	searchMemo *cache.MemoryCache[string, []models.HardcoverBook]

	// formatMapper optionally biases tier-3 format fit toward the ABS
	// item's media type
	formatMapper func(*models.AudiobookshelfBook) models.EditionFormat
}

// New creates a Matcher.
func New(hc hardcover.Client, cfg config.TitleAuthorMatching, log *logger.Logger) *Matcher {
	if log == nil {
		log = logger.Get()
	}
	return &Matcher{
		hc:  hc,
		cfg: cfg,
		log: log.With(map[string]interface{}{
			"component": "book_matcher",
		}),
		libraries:    make(map[string][]models.HardcoverLibraryEntry),
		indexes:      make(map[string]*userIndex),
		searchMemo:   cache.NewMemoryCache[string, []models.HardcoverBook](),
		formatMapper: defaultFormatMapper,
	}
}

// searchWithMemo memoizes successful Hardcover searches for the life of
// a run. Errors are never cached so a failed tier retries next time.
func (m *Matcher) searchWithMemo(key string, fetch func() ([]models.HardcoverBook, error)) ([]models.HardcoverBook, error) {
	if books, ok := m.searchMemo.Get(key); ok {
		return books, nil
	}
	books, err := fetch()
	if err != nil {
		return nil, err
	}
	m.searchMemo.Set(key, books, searchMemoTTL)
	return books, nil
}

func defaultFormatMapper(book *models.AudiobookshelfBook) models.EditionFormat {
	if book.IsAudiobook() {
		return models.FormatAudiobook
	}
	return models.FormatEbook
}

// SetUserLibrary replaces the library snapshot for a user and
// invalidates the identifier index.
func (m *Matcher) SetUserLibrary(userID string, entries []models.HardcoverLibraryEntry) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.libraries[userID] = entries
	delete(m.indexes, userID)
}

// UserLibrary returns the current snapshot for a user.
func (m *Matcher) UserLibrary(userID string) []models.HardcoverLibraryEntry {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.libraries[userID]
}

// contentHash fingerprints a library snapshot: size, a sample of ids,
// and whether a format mapper is present. Cheap to compute, changes
// whenever the snapshot meaningfully changes.
func (m *Matcher) contentHash(entries []models.HardcoverLibraryEntry) string {
	sample := ""
	for i := 0; i < len(entries) && i < 5; i++ {
		sample += fmt.Sprintf(":%d.%d", entries[i].UserBook.ID, entries[i].Book.ID)
	}
	if len(entries) > 5 {
		last := entries[len(entries)-1]
		sample += fmt.Sprintf(":%d.%d", last.UserBook.ID, last.Book.ID)
	}
	return fmt.Sprintf("%d%s:fm=%t", len(entries), sample, m.formatMapper != nil)
}

// index returns the identifier index for a user, building it lazily.
// The index is rebuilt when the snapshot's content hash changes;
// concurrent builders share one build.
func (m *Matcher) index(userID string) *userIndex {
	m.mu.RLock()
	entries := m.libraries[userID]
	idx := m.indexes[userID]
	m.mu.RUnlock()

	hash := m.contentHash(entries)
	if idx != nil && idx.contentHash == hash {
		return idx
	}

	v, _, _ := m.buildGroup.Do(userID+":"+hash, func() (interface{}, error) {
		built := buildIndex(entries, hash)
		m.mu.Lock()
		m.indexes[userID] = built
		m.mu.Unlock()
		m.log.Debug("Built identifier lookup index", map[string]interface{}{
			"user_id":     userID,
			"identifiers": len(built.byIdentifier),
		})
		return built, nil
	})
	return v.(*userIndex)
}

func buildIndex(entries []models.HardcoverLibraryEntry, hash string) *userIndex {
	idx := &userIndex{
		byIdentifier: make(map[string]indexEntry),
		contentHash:  hash,
	}
	for i := range entries {
		entry := &entries[i]
		for j := range entry.Book.Editions {
			ed := &entry.Book.Editions[j]
			for _, id := range []string{ed.ASIN, ed.ISBN10, ed.ISBN13} {
				if id == "" {
					continue
				}
				// First edition wins for duplicate identifiers
				if _, exists := idx.byIdentifier[id]; !exists {
					idx.byIdentifier[id] = indexEntry{
						userBook: &entry.UserBook,
						book:     &entry.Book,
						edition:  ed,
					}
				}
			}
		}
	}
	return idx
}

// FindMatch runs the strategies in tier order and returns the first
// match, or nil when no strategy succeeds. Strategy errors never cross
// this boundary: they are logged and the next tier runs.
func (m *Matcher) FindMatch(ctx context.Context, book *models.AudiobookshelfBook, userID string) (*Match, ExtractedMetadata) {
	meta := ExtractMetadata(book)

	mc := &matchContext{
		book:   book,
		meta:   meta,
		userID: userID,
	}

	for _, s := range m.strategies() {
		match, err := s.find(ctx, mc)
		if err != nil {
			m.log.Warn("Match strategy failed, falling through", map[string]interface{}{
				"strategy": s.name(),
				"tier":     s.tier(),
				"title":    meta.Title,
				"error":    err.Error(),
			})
			continue
		}
		if match != nil {
			m.log.Debug("Matched book", map[string]interface{}{
				"title":      meta.Title,
				"match_type": match.MatchType,
				"tier":       match.Tier,
				"edition_id": match.Edition.ID,
			})
			return match, meta
		}
	}

	return nil, meta
}

// strategies returns the sealed strategy set in tier order. Adding a
// strategy adds a variant here.
func (m *Matcher) strategies() []strategy {
	s := []strategy{
		&asinStrategy{m},
		&isbnStrategy{m},
	}
	if m.cfg.Enabled {
		s = append(s, &titleAuthorStrategy{m})
	}
	return s
}

// attachUserBook fills in the user book on a search-result match when
// the matched book is already in the user's library.
func (m *Matcher) attachUserBook(userID string, match *Match) {
	if match.UserBook != nil || match.Book == nil || match.Book.ID == 0 {
		return
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	entries := m.libraries[userID]
	for i := range entries {
		if entries[i].Book.ID == match.Book.ID {
			match.UserBook = &entries[i].UserBook
			match.IsSearchResult = false
			return
		}
	}
}

// matchContext carries one book through the strategy chain.
type matchContext struct {
	book   *models.AudiobookshelfBook
	meta   ExtractedMetadata
	userID string
}
