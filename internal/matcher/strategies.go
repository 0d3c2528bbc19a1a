package matcher

import (
	"context"

	"github.com/shelfbridge/shelfbridge/internal/models"
)

// strategy is one matching tier. Implementations must not let errors
// escape FindMatch; the matcher logs and falls through.
type strategy interface {
	tier() int
	name() string
	find(ctx context.Context, mc *matchContext) (*Match, error)
}

// asinStrategy is tier 1: exact ASIN match, preferred for audiobooks.
type asinStrategy struct {
	m *Matcher
}

func (s *asinStrategy) tier() int    { return 1 }
func (s *asinStrategy) name() string { return "asin" }

func (s *asinStrategy) find(ctx context.Context, mc *matchContext) (*Match, error) {
	if mc.meta.ASIN == "" {
		return nil, nil
	}

	idx := s.m.index(mc.userID)
	if entry, ok := idx.byIdentifier[mc.meta.ASIN]; ok {
		return &Match{
			UserBook:  entry.userBook,
			Book:      entry.book,
			Edition:   entry.edition,
			MatchType: MatchTypeASIN,
			Tier:      1,
		}, nil
	}

	// Not in the library: the search endpoint can still identify the
	// edition. Such matches carry no user book.
	books, err := s.m.searchWithMemo("asin:"+mc.meta.ASIN, func() ([]models.HardcoverBook, error) {
		return s.m.hc.SearchBooksByASIN(ctx, mc.meta.ASIN)
	})
	if err != nil {
		return nil, err
	}
	match := searchResultMatch(books, mc.meta.ASIN, MatchTypeASIN, 1)
	if match != nil {
		s.m.attachUserBook(mc.userID, match)
	}
	return match, nil
}

// isbnStrategy is tier 2: exact ISBN-10/13 match.
type isbnStrategy struct {
	m *Matcher
}

func (s *isbnStrategy) tier() int    { return 2 }
func (s *isbnStrategy) name() string { return "isbn" }

func (s *isbnStrategy) find(ctx context.Context, mc *matchContext) (*Match, error) {
	if mc.meta.ISBN == "" {
		return nil, nil
	}

	idx := s.m.index(mc.userID)
	if entry, ok := idx.byIdentifier[mc.meta.ISBN]; ok {
		return &Match{
			UserBook:  entry.userBook,
			Book:      entry.book,
			Edition:   entry.edition,
			MatchType: MatchTypeISBN,
			Tier:      2,
		}, nil
	}

	books, err := s.m.searchWithMemo("isbn:"+mc.meta.ISBN, func() ([]models.HardcoverBook, error) {
		return s.m.hc.SearchBooksByISBN(ctx, mc.meta.ISBN)
	})
	if err != nil {
		return nil, err
	}
	match := searchResultMatch(books, mc.meta.ISBN, MatchTypeISBN, 2)
	if match != nil {
		s.m.attachUserBook(mc.userID, match)
	}
	return match, nil
}

// searchResultMatch picks the edition carrying the identifier out of
// search results. UserBook stays nil until the book joins the library.
func searchResultMatch(books []models.HardcoverBook, identifier, matchType string, tier int) *Match {
	for i := range books {
		book := &books[i]
		for j := range book.Editions {
			ed := &book.Editions[j]
			if ed.ASIN == identifier || ed.ISBN10 == identifier || ed.ISBN13 == identifier {
				return &Match{
					Book:              book,
					Edition:           ed,
					MatchType:         matchType,
					Tier:              tier,
					IsSearchResult:    true,
					NeedsBookIDLookup: book.ID == 0,
				}
			}
		}
	}
	return nil
}

// titleAuthorStrategy is tier 3: fuzzy two-stage matching. Stage one
// searches Hardcover by normalized title; stage two ranks candidates by
// title similarity, author similarity and edition format fit.
type titleAuthorStrategy struct {
	m *Matcher
}

func (s *titleAuthorStrategy) tier() int    { return 3 }
func (s *titleAuthorStrategy) name() string { return "title_author" }

func (s *titleAuthorStrategy) find(ctx context.Context, mc *matchContext) (*Match, error) {
	candidates, err := s.m.searchWithMemo("title:"+mc.meta.Title+"|"+mc.meta.Author, func() ([]models.HardcoverBook, error) {
		return s.m.hc.SearchBooksForMatching(ctx, mc.meta.Title, mc.meta.Author)
	})
	if err != nil {
		return nil, err
	}
	if len(candidates) == 0 {
		return nil, nil
	}

	wantFormat := models.FormatEbook
	if s.m.formatMapper != nil {
		wantFormat = s.m.formatMapper(mc.book)
	}

	cfg := s.m.cfg
	weightSum := cfg.TitleWeight + cfg.AuthorWeight + cfg.FormatWeight

	var best *Match
	for i := range candidates {
		book := &candidates[i]
		titleScore := similarity(mc.meta.Title, book.Title)
		authorScore := similarity(mc.meta.Author, book.Author)

		for j := range book.Editions {
			ed := &book.Editions[j]
			formatScore := 0.5
			if ed.Format == wantFormat {
				formatScore = 1.0
			} else if ed.Format != "" {
				formatScore = 0.0
			}

			score := (cfg.TitleWeight*titleScore +
				cfg.AuthorWeight*authorScore +
				cfg.FormatWeight*formatScore) / weightSum

			if score < cfg.MinScore {
				continue
			}
			if best == nil || score > best.Score {
				best = &Match{
					Book:              book,
					Edition:           ed,
					MatchType:         MatchTypeTitleAuthor,
					Tier:              3,
					IsSearchResult:    true,
					NeedsBookIDLookup: book.ID == 0,
					Score:             score,
				}
			}
		}
	}

	if best != nil {
		s.m.attachUserBook(mc.userID, best)
	}
	return best, nil
}
