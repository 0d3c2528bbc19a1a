package sync

import (
	"context"
	"fmt"
	gosync "sync"
	"time"

	"github.com/shelfbridge/shelfbridge/internal/api/audiobookshelf"
	"github.com/shelfbridge/shelfbridge/internal/api/hardcover"
	"github.com/shelfbridge/shelfbridge/internal/cache"
	"github.com/shelfbridge/shelfbridge/internal/config"
	"github.com/shelfbridge/shelfbridge/internal/logger"
	"github.com/shelfbridge/shelfbridge/internal/matcher"
	"github.com/shelfbridge/shelfbridge/internal/models"
	"github.com/shelfbridge/shelfbridge/internal/progress"
	"github.com/shelfbridge/shelfbridge/internal/session"
)

// userRun carries one user's state through one sync run. The Hardcover
// library snapshot loads lazily: fast syncs that skip every book never
// fetch it.
type userRun struct {
	m       *Manager
	user    config.User
	abs     audiobookshelf.Client
	hc      hardcover.Client
	matcher *matcher.Matcher
	log     *logger.Logger

	// deep forces full matching: cached edition mappings are ignored so
	// the run reconciles against the live library
	deep bool

	libOnce gosync.Once
	libErr  error
}

// ensureLibrary loads the user's Hardcover library into the matcher,
// once per run.
func (r *userRun) ensureLibrary(ctx context.Context) error {
	r.libOnce.Do(func() {
		entries, err := r.hc.GetUserLibrary(ctx)
		if err != nil {
			r.libErr = fmt.Errorf("failed to fetch Hardcover library: %w", err)
			return
		}
		r.matcher.SetUserLibrary(r.user.ID, entries)
		r.log.Debug("Loaded Hardcover library", map[string]interface{}{
			"entries": len(entries),
		})
	})
	return r.libErr
}

// deepScan eagerly reconciles against the full Hardcover library,
// captures library stats and resets the fast-sync counter.
func (r *userRun) deepScan(ctx context.Context) error {
	if err := r.ensureLibrary(ctx); err != nil {
		return err
	}

	entries := r.matcher.UserLibrary(r.user.ID)
	stats := cache.LibraryStats{UserID: r.user.ID, BooksTotal: len(entries)}
	for i := range entries {
		switch entries[i].UserBook.StatusID {
		case models.StatusReading:
			stats.BooksInProgress++
		case models.StatusRead:
			stats.BooksFinished++
		}
	}
	if err := r.m.cache.StoreLibraryStats(stats); err != nil {
		r.log.Warn("Failed to store library stats", map[string]interface{}{"error": err.Error()})
	}
	if err := r.m.cache.RecordDeepScan(r.user.ID); err != nil {
		return fmt.Errorf("failed to record deep scan: %w", err)
	}
	r.log.Info("Deep scan complete", map[string]interface{}{
		"books_total":       stats.BooksTotal,
		"books_in_progress": stats.BooksInProgress,
		"books_finished":    stats.BooksFinished,
	})
	return nil
}

// collectBooks lists the user's synced libraries and gathers their items.
func (r *userRun) collectBooks(ctx context.Context) ([]models.AudiobookshelfBook, error) {
	libraries, err := r.abs.ListLibraries(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to list Audiobookshelf libraries: %w", err)
	}

	filter := r.m.cfg.Libraries
	if len(r.user.Libraries.Include) > 0 || len(r.user.Libraries.Exclude) > 0 {
		filter = r.user.Libraries
	}
	libraries = audiobookshelf.FilterLibraries(libraries, filter.Include, filter.Exclude)

	var books []models.AudiobookshelfBook
	for _, lib := range libraries {
		items, err := r.abs.ListItems(ctx, lib.ID, r.m.cfg.PageSize, r.m.cfg.MaxBooksToFetch)
		if err != nil {
			return nil, fmt.Errorf("failed to list items in library %q: %w", lib.Name, err)
		}
		books = append(books, items...)
	}
	return books, nil
}

// writeKey is the cache key one book's writes land under. Once a record
// exists its identifier and type are preserved across runs, even when a
// stronger identifier appears later.
type writeKey struct {
	identifier     string
	identifierType string
}

// cachedLookup is the outcome of the early fast-path cache probe.
type cachedLookup struct {
	info  cache.BookInfo
	key   writeKey
	found bool
}

// lookupCached probes every candidate cache key for the book: ASIN,
// ISBN, the canonical title/author identifier, then any legacy rows
// sharing the normalized title.
func (r *userRun) lookupCached(meta matcher.ExtractedMetadata) cachedLookup {
	candidates := make([]writeKey, 0, 3)
	if meta.ASIN != "" {
		candidates = append(candidates, writeKey{meta.ASIN, cache.IdentifierASIN})
	}
	if meta.ISBN != "" {
		candidates = append(candidates, writeKey{meta.ISBN, cache.IdentifierISBN})
	}
	candidates = append(candidates, writeKey{
		cache.GenerateTitleAuthorIdentifier(meta.Title, meta.Author),
		cache.IdentifierTitleAuthor,
	})

	for _, key := range candidates {
		info := r.m.cache.GetCachedBookInfo(r.user.ID, key.identifier, meta.Title, key.identifierType)
		if info.Exists {
			return cachedLookup{info: info, key: key, found: true}
		}
	}

	// Legacy rows carry identifier forms no candidate derivation
	// produces. The read may rewrite the row to the canonical key, so
	// later writes must use the identifier it reports, not the one the
	// title lookup found
	for _, rec := range r.m.cache.FindRecordsByTitle(r.user.ID, meta.Title) {
		info := r.m.cache.GetCachedBookInfo(r.user.ID, rec.Identifier, meta.Title, rec.IdentifierType)
		if info.Exists {
			return cachedLookup{
				info:  info,
				key:   writeKey{info.Identifier, info.IdentifierType},
				found: true,
			}
		}
	}

	return cachedLookup{}
}

// syncBook runs the full pipeline for one book and returns its terminal
// result.
func (r *userRun) syncBook(ctx context.Context, book *models.AudiobookshelfBook) BookResult {
	meta := matcher.ExtractMetadata(book)
	result := BookResult{Title: meta.Title, Author: meta.Author}

	pct, err := progress.ValidatedProgress(book)
	if err != nil {
		result.Status = StatusError
		result.Err = err
		r.log.Error("Invalid progress value", map[string]interface{}{
			"title": meta.Title,
			"error": err.Error(),
		})
		return result
	}
	result.Progress = pct

	isComplete := progress.IsComplete(book, pct, r.m.opts)

	claimKey := r.user.ID + "|" + cache.NormalizeTitle(meta.Title)
	if !r.m.tryClaim(claimKey) {
		result.Status = StatusSkipped
		result.Reason = ReasonRaceCondition
		r.log.Warn("Another worker is already syncing this book", map[string]interface{}{
			"title": meta.Title,
		})
		return result
	}
	defer r.m.release(claimKey)

	cached := r.lookupCached(meta)

	// Below the threshold only books already tracked keep syncing; the
	// rest are noise from sampling a few minutes of a new book. Tracked
	// means cached here: the Hardcover library loads lazily after this
	// gate, so a library book with no cache row waits until it crosses
	// the threshold
	if pct < r.m.cfg.MinProgressThreshold && !isComplete && !cached.found && !r.m.cfg.ForceSync {
		result.Status = StatusSkipped
		result.Reason = ReasonBelowThreshold
		return result
	}

	if cached.found {
		// A finished book whose cached row never got its finished_at
		// stamp must not be skipped: the completion still has to reach
		// Hardcover
		completionPending := isComplete && cached.info.FinishedAt == nil
		unchanged := !r.m.cache.HasProgressChanged(r.user.ID, cached.key.identifier, meta.Title, pct, cached.key.identifierType)
		if unchanged && !completionPending && !r.m.cfg.ForceSync {
			result.Status = StatusSkipped
			result.Reason = ReasonProgressUnchanged
			return result
		}
	}

	return r.pushBook(ctx, book, meta, cached, pct, isComplete, result)
}

// pushBook matches the book and writes the update to Hardcover and the
// cache.
func (r *userRun) pushBook(ctx context.Context, book *models.AudiobookshelfBook, meta matcher.ExtractedMetadata, cached cachedLookup, pct float64, isComplete bool, result BookResult) BookResult {
	if err := r.ensureLibrary(ctx); err != nil {
		result.Status = StatusError
		result.Err = err
		return result
	}

	match := r.matchFromCache(cached)
	if match == nil {
		match, _ = r.matcher.FindMatch(ctx, book, r.user.ID)
	}
	if match == nil {
		result.Status = StatusSkipped
		result.Reason = ReasonNoMatch
		r.log.Info("No Hardcover match found", map[string]interface{}{
			"title":  meta.Title,
			"author": meta.Author,
		})
		return result
	}
	result.MatchType = match.MatchType

	key := r.writeKeyFor(match, meta, cached)

	autoAdded := false
	if match.UserBook == nil {
		if match.NeedsBookIDLookup || !r.m.cfg.AutoAddBooks {
			result.Status = StatusSkipped
			if !r.m.cfg.AutoAddBooks {
				result.Reason = ReasonAutoAddDisabled
			} else {
				result.Reason = ReasonNotInLibrary
			}
			return result
		}
		userBook, err := r.addToLibrary(ctx, match, isComplete, &result)
		if err != nil {
			result.Status = StatusError
			result.Err = err
			r.log.Error("Failed to add book to Hardcover library", map[string]interface{}{
				"title": meta.Title,
				"error": err.Error(),
			})
			return result
		}
		match.UserBook = userBook
		autoAdded = true
	}

	// Regression rules run against the last progress this pipeline
	// pushed, not against anything Hardcover reports
	newRead := false
	if cached.found && r.m.cfg.PreventProgressRegression {
		done, reread := r.classifyRegression(ctx, match, cached, pct, meta, &result)
		if done {
			return result
		}
		newRead = reread
	}

	if r.m.sessions.Enabled() && !isCompletionWrite(isComplete, r.m.cfg) {
		decision := r.m.sessions.ShouldDelayUpdate(session.UpdateInput{
			UserID:         r.user.ID,
			Identifier:     key.identifier,
			IdentifierType: key.identifierType,
			Title:          meta.Title,
			Author:         meta.Author,
			Current:        pct,
			IsComplete:     isComplete,
		})
		if decision.Action == session.DelayUpdate {
			if r.m.cfg.DryRun {
				result.Actions = append(result.Actions, "stage pending session")
			} else if err := r.m.sessions.UpdateSession(session.UpdateInput{
				UserID:         r.user.ID,
				Identifier:     key.identifier,
				IdentifierType: key.identifierType,
				Title:          meta.Title,
				Author:         meta.Author,
				Current:        pct,
			}); err != nil {
				result.Status = StatusError
				result.Err = err
				return result
			}
			result.Status = StatusDelayed
			result.Reason = decision.Reason
			return result
		}
	}

	if err := r.writeProgress(ctx, book, match, key, meta, pct, isComplete, newRead, &result); err != nil {
		result.Status = StatusError
		result.Err = err
		r.log.Error("Failed to push progress", map[string]interface{}{
			"title": meta.Title,
			"error": err.Error(),
		})
		return result
	}

	switch {
	case autoAdded:
		result.Status = StatusAutoAdded
	case isComplete:
		result.Status = StatusCompleted
	default:
		result.Status = StatusSynced
	}
	return result
}

// matchFromCache resolves a cached edition mapping against the library
// snapshot, skipping the matcher entirely. Returns nil when the mapping
// is absent, the edition left the library, or the run is a deep scan.
func (r *userRun) matchFromCache(cached cachedLookup) *matcher.Match {
	if r.deep || !cached.found || cached.info.EditionID == nil {
		return nil
	}
	entries := r.matcher.UserLibrary(r.user.ID)
	for i := range entries {
		for j := range entries[i].Book.Editions {
			if entries[i].Book.Editions[j].ID == *cached.info.EditionID {
				return &matcher.Match{
					UserBook:  &entries[i].UserBook,
					Book:      &entries[i].Book,
					Edition:   &entries[i].Book.Editions[j],
					MatchType: cached.key.identifierType,
				}
			}
		}
	}
	return nil
}

// writeKeyFor picks the cache key for this book's writes. An existing
// record always keeps its identifier and type; new records key on the
// match tier that found them.
func (r *userRun) writeKeyFor(match *matcher.Match, meta matcher.ExtractedMetadata, cached cachedLookup) writeKey {
	if cached.found {
		return cached.key
	}
	switch match.MatchType {
	case matcher.MatchTypeASIN:
		return writeKey{meta.ASIN, cache.IdentifierASIN}
	case matcher.MatchTypeISBN:
		return writeKey{meta.ISBN, cache.IdentifierISBN}
	default:
		return writeKey{
			cache.GenerateTitleAuthorIdentifier(meta.Title, meta.Author),
			cache.IdentifierTitleAuthor,
		}
	}
}

// addToLibrary creates the user book on Hardcover, or records the intent
// in dry-run mode.
func (r *userRun) addToLibrary(ctx context.Context, match *matcher.Match, isComplete bool, result *BookResult) (*models.HardcoverUserBook, error) {
	statusID := models.StatusReading
	if isComplete {
		statusID = models.StatusRead
	}

	action := fmt.Sprintf("add book %d to library (edition %d)", match.Book.ID, match.Edition.ID)
	result.Actions = append(result.Actions, action)
	if r.m.cfg.DryRun {
		return &models.HardcoverUserBook{BookID: match.Book.ID, EditionID: match.Edition.ID, StatusID: statusID}, nil
	}

	userBook, err := r.hc.AddBookToLibrary(ctx, match.Book.ID, statusID, match.Edition.ID)
	if err != nil {
		return nil, err
	}
	r.log.Info("Added book to Hardcover library", map[string]interface{}{
		"book_id":      match.Book.ID,
		"edition_id":   match.Edition.ID,
		"user_book_id": userBook.ID,
	})
	return userBook, nil
}

// classifyRegression applies the reread and regression rules. The first
// return is true when the result is terminal (blocked); the second is
// true when a reread was detected. A blocked regression stays blocked
// even under force sync.
func (r *userRun) classifyRegression(ctx context.Context, match *matcher.Match, cached cachedLookup, pct float64, meta matcher.ExtractedMetadata, result *BookResult) (bool, bool) {
	prev := cached.info.ProgressPercent
	wasCompleted := cached.info.FinishedAt != nil

	switch progress.Classify(prev, pct, wasCompleted, r.m.opts) {
	case progress.RegressionBlock:
		result.Status = StatusSkipped
		result.Reason = ReasonRegressionBlocked
		r.log.Warn("Blocked progress regression", map[string]interface{}{
			"title":    meta.Title,
			"previous": prev,
			"current":  pct,
		})
		return true, false

	case progress.RegressionNewSession:
		result.Actions = append(result.Actions, "start new reading session")
		r.log.Info("Detected re-read, starting a fresh reading session", map[string]interface{}{
			"title":    meta.Title,
			"previous": prev,
			"current":  pct,
		})
		if !r.m.cfg.DryRun {
			if err := r.hc.StartNewReadingSession(ctx, match.UserBook.ID, match.Edition.ID); err != nil {
				r.log.Warn("Failed to start new reading session", map[string]interface{}{
					"title": meta.Title,
					"error": err.Error(),
				})
			}
		}
		return false, true

	case progress.RegressionWarn:
		r.log.Warn("Large progress drop, syncing anyway", map[string]interface{}{
			"title":    meta.Title,
			"previous": prev,
			"current":  pct,
		})
	}
	return false, false
}

// isCompletionWrite reports whether this update bypasses the session
// layer entirely.
func isCompletionWrite(isComplete bool, cfg *config.Config) bool {
	return isComplete && cfg.DelayedUpdates.ImmediateCompletion
}

// writeProgress pushes the update to Hardcover and records it in the
// cache atomically. newRead re-stamps started_at for rereads.
func (r *userRun) writeProgress(ctx context.Context, book *models.AudiobookshelfBook, match *matcher.Match, key writeKey, meta matcher.ExtractedMetadata, pct float64, isComplete, newRead bool, result *BookResult) error {
	payload := buildPayload(book, match.Edition, pct, isComplete)

	result.Actions = append(result.Actions, fmt.Sprintf("update progress to %.2f%%", pct))
	if isComplete {
		result.Actions = append(result.Actions, "set status to read")
	}
	if r.m.cfg.DryRun {
		return nil
	}

	if err := r.hc.UpdateReadingProgress(ctx, match.UserBook.ID, match.Edition.ID, payload); err != nil {
		return fmt.Errorf("failed to update reading progress: %w", err)
	}

	if isComplete {
		// The finished state came from Audiobookshelf; Hardcover just
		// gets told about it
		if err := r.hc.MarkRead(ctx, match.UserBook.ID); err != nil {
			return fmt.Errorf("failed to set read status: %w", err)
		}
		r.log.Info("Detected completed book, synced finished state", map[string]interface{}{
			"title":    meta.Title,
			"progress": pct,
		})
		if err := r.m.cache.StoreBookCompletionData(r.user.ID, key.identifier, key.identifierType, meta.Title, meta.Author); err != nil {
			return fmt.Errorf("failed to record completion in cache: %w", err)
		}
		return nil
	}

	err := r.m.cache.StoreBookSyncData(
		cache.EditionMapping{
			UserID:         r.user.ID,
			Identifier:     key.identifier,
			IdentifierType: key.identifierType,
			Title:          meta.Title,
			Author:         meta.Author,
			EditionID:      match.Edition.ID,
		},
		cache.ProgressUpdate{
			UserID:         r.user.ID,
			Identifier:     key.identifier,
			IdentifierType: key.identifierType,
			Title:          meta.Title,
			Author:         meta.Author,
			Progress:       pct,
			LastListenedAt: unixMilliPtr(book.Progress.LastListenedAt),
			StartedAt:      unixMilliPtr(book.Progress.StartedAt),
			StartNewRead:   newRead,
		},
	)
	if err != nil {
		return fmt.Errorf("failed to record sync in cache: %w", err)
	}
	return nil
}

// flushSession pushes one expired session's pending progress to
// Hardcover. Used as the ProcessExpiredSessions callback.
func (r *userRun) flushSession(ctx context.Context, rec cache.BookRecord) error {
	if rec.SessionPendingProgress == nil {
		return fmt.Errorf("session for %q has no pending progress", rec.TitleNormalized)
	}
	if rec.EditionID == nil {
		return fmt.Errorf("session for %q has no edition mapping", rec.TitleNormalized)
	}
	if err := r.ensureLibrary(ctx); err != nil {
		return err
	}

	userBook, edition := findUserBookForEdition(r.matcher.UserLibrary(r.user.ID), *rec.EditionID)
	if userBook == nil {
		return fmt.Errorf("edition %d for %q is not in the Hardcover library", *rec.EditionID, rec.TitleNormalized)
	}

	pct := *rec.SessionPendingProgress
	payload := models.ProgressPayload{Percent: pct}
	if edition.Format == models.FormatAudiobook && edition.AudioSeconds > 0 {
		payload.Seconds = int(pct / 100 * float64(edition.AudioSeconds))
	} else if edition.Pages > 0 {
		payload.Pages = int(pct / 100 * float64(edition.Pages))
	}

	if err := r.hc.UpdateReadingProgress(ctx, userBook.ID, edition.ID, payload); err != nil {
		return fmt.Errorf("failed to flush session progress: %w", err)
	}
	r.log.Info("Flushed expired session", map[string]interface{}{
		"title":    rec.TitleNormalized,
		"progress": pct,
	})
	return nil
}

// buildPayload converts a progress percentage into the unit the matched
// edition expects: seconds for audiobooks, pages otherwise. Raw player
// positions win over derived values.
func buildPayload(book *models.AudiobookshelfBook, edition *models.HardcoverEdition, pct float64, finished bool) models.ProgressPayload {
	payload := models.ProgressPayload{Percent: pct, Finished: finished}
	if edition.Format == models.FormatAudiobook {
		switch {
		case book.Progress.CurrentTime > 0:
			payload.Seconds = int(book.Progress.CurrentTime)
		case edition.AudioSeconds > 0:
			payload.Seconds = int(pct / 100 * float64(edition.AudioSeconds))
		}
		return payload
	}
	switch {
	case book.Progress.CurrentPage > 0:
		payload.Pages = book.Progress.CurrentPage
	case edition.Pages > 0:
		payload.Pages = int(pct / 100 * float64(edition.Pages))
	}
	return payload
}

// findUserBookForEdition locates the library entry holding the edition.
func findUserBookForEdition(entries []models.HardcoverLibraryEntry, editionID int64) (*models.HardcoverUserBook, *models.HardcoverEdition) {
	for i := range entries {
		for j := range entries[i].Book.Editions {
			if entries[i].Book.Editions[j].ID == editionID {
				return &entries[i].UserBook, &entries[i].Book.Editions[j]
			}
		}
	}
	return nil, nil
}

// unixMilliPtr converts an epoch-milliseconds stamp to a time pointer;
// zero means absent.
func unixMilliPtr(ms int64) *time.Time {
	if ms <= 0 {
		return nil
	}
	t := time.UnixMilli(ms)
	return &t
}
