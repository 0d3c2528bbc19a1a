// Package sync runs the one-way Audiobookshelf to Hardcover pipeline:
// fetch listening progress, match each book to a Hardcover edition, and
// push updates that pass the skip, regression and session rules. Book
// failures never abort a user; user failures never abort the run.
package sync

import (
	"context"
	"fmt"
	gosync "sync"

	"github.com/shelfbridge/shelfbridge/internal/api/audiobookshelf"
	"github.com/shelfbridge/shelfbridge/internal/api/hardcover"
	"github.com/shelfbridge/shelfbridge/internal/cache"
	"github.com/shelfbridge/shelfbridge/internal/clock"
	"github.com/shelfbridge/shelfbridge/internal/config"
	"github.com/shelfbridge/shelfbridge/internal/logger"
	"github.com/shelfbridge/shelfbridge/internal/matcher"
	"github.com/shelfbridge/shelfbridge/internal/models"
	"github.com/shelfbridge/shelfbridge/internal/progress"
	"github.com/shelfbridge/shelfbridge/internal/session"
)

// Clients bundles the per-user API clients.
type Clients struct {
	ABS audiobookshelf.Client
	HC  hardcover.Client
}

// ClientFactory builds the API clients for one configured user. Tests
// inject mocks here.
type ClientFactory func(user config.User) (Clients, error)

// Manager orchestrates sync runs across the configured users.
type Manager struct {
	cfg      *config.Config
	cache    *cache.BookCache
	factory  ClientFactory
	clock    clock.Clock
	log      *logger.Logger
	opts     progress.Options
	sessions *session.Manager

	// inFlight guards against two workers writing the same book for the
	// same user at once
	mu       gosync.Mutex
	inFlight map[string]struct{}
}

// NewManager wires a Manager from configuration.
func NewManager(cfg *config.Config, bookCache *cache.BookCache, factory ClientFactory, clk clock.Clock, log *logger.Logger) (*Manager, error) {
	if clk == nil {
		clk = clock.New()
	}
	if log == nil {
		log = logger.Get()
	}

	sessions, err := session.NewManager(bookCache, cfg.DelayedUpdates, clk, log)
	if err != nil {
		return nil, fmt.Errorf("failed to create session manager: %w", err)
	}

	return &Manager{
		cfg:     cfg,
		cache:   bookCache,
		factory: factory,
		clock:   clk,
		log: log.With(map[string]interface{}{
			"component": "sync_manager",
		}),
		opts:     optionsFromConfig(cfg),
		sessions: sessions,
		inFlight: make(map[string]struct{}),
	}, nil
}

func optionsFromConfig(cfg *config.Config) progress.Options {
	opts := progress.DefaultOptions()
	rd := cfg.RereadDetection
	if rd.HighProgressThreshold > 0 {
		opts.HighProgressThreshold = rd.HighProgressThreshold
	}
	if rd.RereadThreshold > 0 {
		opts.RereadThreshold = rd.RereadThreshold
	}
	if rd.RegressionBlockThreshold > 0 {
		opts.RegressionBlockThreshold = rd.RegressionBlockThreshold
	}
	if rd.RegressionWarnThreshold > 0 {
		opts.RegressionWarnThreshold = rd.RegressionWarnThreshold
	}
	return opts
}

// SyncAll runs the pipeline for every configured user. Users run in
// parallel when configured; a user's failure is recorded on their
// summary and the run continues.
func (m *Manager) SyncAll(ctx context.Context) *Summary {
	summary := &Summary{Started: m.clock.Now()}
	summary.Users = make([]UserSummary, len(m.cfg.Users))

	if m.cfg.Parallel && len(m.cfg.Users) > 1 {
		var wg gosync.WaitGroup
		for i := range m.cfg.Users {
			wg.Add(1)
			go func(i int) {
				defer wg.Done()
				summary.Users[i] = m.SyncUser(ctx, m.cfg.Users[i])
			}(i)
		}
		wg.Wait()
	} else {
		for i := range m.cfg.Users {
			summary.Users[i] = m.SyncUser(ctx, m.cfg.Users[i])
		}
	}

	summary.Finished = m.clock.Now()
	m.log.Info("Sync run finished", map[string]interface{}{
		"users":    len(summary.Users),
		"errors":   summary.TotalErrors(),
		"duration": summary.Finished.Sub(summary.Started).String(),
	})
	return summary
}

// SyncUser runs the pipeline for one user.
func (m *Manager) SyncUser(ctx context.Context, user config.User) UserSummary {
	started := m.clock.Now()
	summary := UserSummary{UserID: user.ID}
	log := m.log.With(map[string]interface{}{"user_id": user.ID})

	defer func() {
		summary.Duration = m.clock.Since(started)
	}()

	clients, err := m.factory(user)
	if err != nil {
		summary.Err = fmt.Errorf("failed to build API clients: %w", err)
		log.Error("User sync aborted", map[string]interface{}{"error": summary.Err.Error()})
		return summary
	}

	run := &userRun{
		m:       m,
		user:    user,
		abs:     clients.ABS,
		hc:      clients.HC,
		matcher: matcher.New(clients.HC, m.cfg.TitleAuthorMatching, log),
		log:     log,
	}

	if err := m.cache.IncrementSyncCount(user.ID); err != nil {
		log.Warn("Failed to increment sync count", map[string]interface{}{"error": err.Error()})
	}

	deep, err := m.cache.ShouldPerformDeepScan(user.ID, m.cfg.DeepScanInterval)
	if err != nil {
		log.Warn("Failed to read deep scan cadence, staying on fast sync", map[string]interface{}{
			"error": err.Error(),
		})
	}
	summary.DeepScan = deep
	if deep && !m.cfg.DryRun {
		if err := run.deepScan(ctx); err != nil {
			log.Warn("Deep scan failed, continuing with fast sync", map[string]interface{}{
				"error": err.Error(),
			})
			summary.DeepScan = false
		}
	}
	run.deep = summary.DeepScan

	// Flush sessions that aged out since the last run before processing
	// fresh progress
	if m.sessions.Enabled() && !m.cfg.DryRun {
		flushed, failed, err := m.sessions.ProcessExpiredSessions(ctx, user.ID, run.flushSession)
		if err != nil {
			log.Warn("Expired session processing aborted", map[string]interface{}{"error": err.Error()})
		}
		summary.SessionsFlushed = flushed
		summary.SessionsFailed = failed
	}

	books, err := run.collectBooks(ctx)
	if err != nil {
		summary.Err = err
		log.Error("User sync aborted", map[string]interface{}{"error": err.Error()})
		return summary
	}

	log.Info("Starting book sync", map[string]interface{}{
		"books":     len(books),
		"deep_scan": summary.DeepScan,
		"dry_run":   m.cfg.DryRun,
	})

	for _, r := range m.processBooks(ctx, run, books) {
		summary.add(r)
	}

	log.Info("User sync finished", map[string]interface{}{
		"synced":     summary.Synced,
		"completed":  summary.Completed,
		"auto_added": summary.AutoAdded,
		"delayed":    summary.Delayed,
		"skipped":    summary.Skipped,
		"errors":     summary.Errors,
	})
	return summary
}

// processBooks fans the books out over the worker pool and collects
// results. A single worker degrades to serial processing.
func (m *Manager) processBooks(ctx context.Context, run *userRun, books []models.AudiobookshelfBook) []BookResult {
	workers := m.cfg.Workers
	if workers < 1 {
		workers = 1
	}
	if workers > len(books) {
		workers = len(books)
	}
	if workers == 0 {
		return nil
	}

	jobs := make(chan *models.AudiobookshelfBook)
	out := make(chan BookResult, len(books))

	var wg gosync.WaitGroup
	for w := 0; w < workers; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for book := range jobs {
				out <- run.syncBook(ctx, book)
			}
		}()
	}

	for i := range books {
		if ctx.Err() != nil {
			break
		}
		jobs <- &books[i]
	}
	close(jobs)
	wg.Wait()
	close(out)

	results := make([]BookResult, 0, len(books))
	for r := range out {
		results = append(results, r)
	}
	return results
}

// tryClaim reserves a (user, title) slot. Returns false when another
// worker already holds it.
func (m *Manager) tryClaim(key string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, held := m.inFlight[key]; held {
		return false
	}
	m.inFlight[key] = struct{}{}
	return true
}

func (m *Manager) release(key string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.inFlight, key)
}
