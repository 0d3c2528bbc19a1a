// shelfbridge syncs Audiobookshelf listening progress to Hardcover.
//
// One-way only: Audiobookshelf is the source of truth and nothing is
// ever written back to it. Progress flows through a local SQLite cache
// that keeps syncs incremental and idempotent.
package main

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/urfave/cli/v2"

	"github.com/shelfbridge/shelfbridge/internal/api/audiobookshelf"
	"github.com/shelfbridge/shelfbridge/internal/api/hardcover"
	"github.com/shelfbridge/shelfbridge/internal/cache"
	"github.com/shelfbridge/shelfbridge/internal/config"
	"github.com/shelfbridge/shelfbridge/internal/logger"
	"github.com/shelfbridge/shelfbridge/internal/scheduler"
	"github.com/shelfbridge/shelfbridge/internal/sync"
	"github.com/shelfbridge/shelfbridge/internal/util"
)

var version = "dev" // Set during build

func main() {
	app := newApp()
	if err := app.Run(os.Args); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func newApp() *cli.App {
	return &cli.App{
		Name:    "shelfbridge",
		Usage:   "sync Audiobookshelf reading progress to Hardcover",
		Version: version,
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "config",
				Aliases: []string{"c"},
				Usage:   "path to the YAML config file",
				EnvVars: []string{"SHELFBRIDGE_CONFIG"},
			},
		},
		Commands: []*cli.Command{
			syncCommand(),
			startCommand(),
			validateCommand(),
			debugCommand(),
			cacheCommand(),
			interactiveCommand(),
		},
	}
}

// loadConfig loads configuration and initializes the global logger.
// Commands exposing a skip-validation flag load without validating.
func loadConfig(c *cli.Context) (*config.Config, *logger.Logger, error) {
	load := config.Load
	if c.Bool("skip-validation") {
		load = config.LoadUnvalidated
	}
	cfg, err := load(c.String("config"))
	if err != nil {
		return nil, nil, err
	}

	logger.Setup(logger.Config{
		Level:      cfg.Logging.Level,
		Format:     logger.ParseLogFormat(cfg.Logging.Format),
		Output:     os.Stdout,
		TimeFormat: time.RFC3339,
	})
	return cfg, logger.Get(), nil
}

// buildManager wires the cache, shared rate limiting and the client
// factory into a sync manager. The caller owns closing the cache.
func buildManager(cfg *config.Config, log *logger.Logger) (*sync.Manager, *cache.BookCache, error) {
	bookCache, err := cache.Open(cfg.CachePath, log)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to open book cache: %w", err)
	}

	// Rate limits and semaphores are shared across users: the quotas
	// protect the services, not individual tokens
	limiter := util.NewRateLimiter(map[string]int{
		hardcover.EndpointKey:      cfg.HardcoverRateLimit,
		audiobookshelf.EndpointKey: cfg.AudiobookshelfRateLimit,
	}, log)
	hcSem := util.NewSemaphore(cfg.HardcoverSemaphore)
	absSem := util.NewSemaphore(cfg.AudiobookshelfSemaphore)

	factory := func(user config.User) (sync.Clients, error) {
		return sync.Clients{
			ABS: audiobookshelf.NewClient(user.AbsURL, user.AbsToken, limiter, absSem, log),
			HC:  hardcover.NewClient(nil, user.HardcoverToken, limiter, hcSem, log),
		}, nil
	}

	manager, err := sync.NewManager(cfg, bookCache, factory, nil, log)
	if err != nil {
		bookCache.Close()
		return nil, nil, err
	}
	return manager, bookCache, nil
}

func syncCommand() *cli.Command {
	return &cli.Command{
		Name:  "sync",
		Usage: "run one sync now and exit",
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "user", Usage: "sync only this configured user id"},
			&cli.BoolFlag{Name: "dry-run", Usage: "log intended changes without writing anything"},
			&cli.BoolFlag{Name: "force", Usage: "sync books even when cached progress is unchanged"},
			&cli.BoolFlag{Name: "skip-validation", Usage: "load the configuration without validating it"},
		},
		Action: func(c *cli.Context) error {
			cfg, log, err := loadConfig(c)
			if err != nil {
				return err
			}
			if c.Bool("dry-run") {
				cfg.DryRun = true
			}
			if c.Bool("force") {
				cfg.ForceSync = true
			}

			manager, bookCache, err := buildManager(cfg, log)
			if err != nil {
				return err
			}
			defer bookCache.Close()

			ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			if userID := c.String("user"); userID != "" {
				user, ok := cfg.UserByID(userID)
				if !ok {
					return fmt.Errorf("unknown user %q", userID)
				}
				summary := manager.SyncUser(ctx, *user)
				printUserSummary(&summary)
				return summary.Err
			}

			summary := manager.SyncAll(ctx)
			for i := range summary.Users {
				printUserSummary(&summary.Users[i])
			}
			// Per-book errors are reported in the summary, not via the
			// exit code
			return nil
		},
	}
}

func startCommand() *cli.Command {
	return &cli.Command{
		Name:  "start",
		Usage: "run an initial sync, then sync on the configured schedule",
		Action: func(c *cli.Context) error {
			cfg, log, err := loadConfig(c)
			if err != nil {
				return err
			}

			manager, bookCache, err := buildManager(cfg, log)
			if err != nil {
				return err
			}
			defer bookCache.Close()

			sched, err := scheduler.New(cfg, manager, log)
			if err != nil {
				return err
			}

			ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			log.Info("Running initial sync", nil)
			sched.RunNow(ctx)

			if err := sched.Start(ctx); err != nil && err != context.Canceled {
				return err
			}
			log.Info("Shutdown complete", nil)
			return nil
		},
	}
}

func validateCommand() *cli.Command {
	return &cli.Command{
		Name:  "validate",
		Usage: "check the configuration and exit",
		Action: func(c *cli.Context) error {
			cfg, _, err := loadConfig(c)
			if err != nil {
				return err
			}
			fmt.Printf("Configuration is valid: %d user(s), schedule %q, cache %s\n",
				len(cfg.Users), cfg.SyncSchedule, cfg.CachePath)
			return nil
		},
	}
}

func debugCommand() *cli.Command {
	return &cli.Command{
		Name:  "debug",
		Usage: "print cache and sync state for troubleshooting",
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "user", Usage: "limit output to this user id"},
			&cli.StringFlag{Name: "item", Usage: "fetch one Audiobookshelf item by id (requires --user)"},
			&cli.BoolFlag{Name: "items", Usage: "dump a sample of Audiobookshelf items (requires --user)"},
		},
		Action: func(c *cli.Context) error {
			cfg, log, err := loadConfig(c)
			if err != nil {
				return err
			}
			bookCache, err := cache.Open(cfg.CachePath, log)
			if err != nil {
				return err
			}
			defer bookCache.Close()

			stats, err := bookCache.GetCacheStats()
			if err != nil {
				return err
			}
			printJSON("cache", stats)

			users := cfg.Users
			if userID := c.String("user"); userID != "" {
				user, ok := cfg.UserByID(userID)
				if !ok {
					return fmt.Errorf("unknown user %q", userID)
				}
				users = []config.User{*user}
			}

			for _, user := range users {
				tracking, err := bookCache.GetSyncTracking(user.ID)
				if err != nil {
					return err
				}
				printJSON("sync_tracking:"+user.ID, tracking)
				if libStats, ok := bookCache.GetLibraryStats(user.ID); ok {
					printJSON("library_stats:"+user.ID, libStats)
				}
				sessions, err := bookCache.GetActiveSessions(user.ID)
				if err != nil {
					return err
				}
				fmt.Printf("active_sessions:%s = %d\n", user.ID, len(sessions))
			}

			if c.Bool("items") || c.String("item") != "" {
				if len(users) != 1 {
					return fmt.Errorf("--item and --items require --user")
				}
				return dumpAbsItems(c, cfg, users[0], log)
			}
			return nil
		},
	}
}

// dumpAbsItems fetches a sample of Audiobookshelf items, or one item by
// id, so raw shapes can be inspected without a sync run.
func dumpAbsItems(c *cli.Context, cfg *config.Config, user config.User, log *logger.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	abs := audiobookshelf.NewClient(user.AbsURL, user.AbsToken, nil, nil, log)

	if itemID := c.String("item"); itemID != "" {
		item, err := abs.GetItem(ctx, itemID)
		if err != nil {
			return err
		}
		printJSON("item:"+itemID, item)
		return nil
	}

	libraries, err := abs.ListLibraries(ctx)
	if err != nil {
		return err
	}
	libraries = audiobookshelf.FilterLibraries(libraries, cfg.Libraries.Include, cfg.Libraries.Exclude)
	for _, lib := range libraries {
		items, err := abs.ListItems(ctx, lib.ID, cfg.PageSize, 5)
		if err != nil {
			return err
		}
		printJSON("items:"+lib.Name, items)
	}
	return nil
}

func cacheCommand() *cli.Command {
	return &cli.Command{
		Name:  "cache",
		Usage: "inspect and manage the book cache",
		Flags: []cli.Flag{
			&cli.BoolFlag{Name: "stats", Usage: "print aggregate cache statistics"},
			&cli.BoolFlag{Name: "show", Usage: "dump the full cache contents as JSON"},
			&cli.BoolFlag{Name: "clear", Usage: "delete all cached data"},
			&cli.StringFlag{Name: "export", Usage: "export the cache to the given JSON file"},
			&cli.StringFlag{Name: "import", Usage: "import cache contents from the given JSON file"},
		},
		Action: func(c *cli.Context) error {
			cfg, log, err := loadConfig(c)
			if err != nil {
				return err
			}
			bookCache, err := cache.Open(cfg.CachePath, log)
			if err != nil {
				return err
			}
			defer bookCache.Close()

			switch {
			case c.Bool("clear"):
				if err := bookCache.ClearCache(); err != nil {
					return err
				}
				fmt.Println("Cache cleared")
			case c.String("export") != "":
				path := c.String("export")
				if err := bookCache.ExportToJSON(path); err != nil {
					return err
				}
				fmt.Printf("Cache exported to %s\n", path)
			case c.String("import") != "":
				path := c.String("import")
				if err := bookCache.ImportFromJSON(path); err != nil {
					return err
				}
				fmt.Printf("Cache imported from %s\n", path)
			case c.Bool("show"):
				tmp, err := os.CreateTemp("", "shelfbridge-cache-*.json")
				if err != nil {
					return err
				}
				tmp.Close()
				defer os.Remove(tmp.Name())
				if err := bookCache.ExportToJSON(tmp.Name()); err != nil {
					return err
				}
				data, err := os.ReadFile(tmp.Name())
				if err != nil {
					return err
				}
				fmt.Println(string(data))
			default:
				stats, err := bookCache.GetCacheStats()
				if err != nil {
					return err
				}
				printJSON("cache", stats)
			}
			return nil
		},
	}
}

func interactiveCommand() *cli.Command {
	return &cli.Command{
		Name:  "interactive",
		Usage: "interactive prompt for running syncs and inspecting state",
		Action: func(c *cli.Context) error {
			cfg, log, err := loadConfig(c)
			if err != nil {
				return err
			}
			manager, bookCache, err := buildManager(cfg, log)
			if err != nil {
				return err
			}
			defer bookCache.Close()

			ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			fmt.Println("shelfbridge interactive mode. Commands: sync, stats, users, quit")
			scanner := bufio.NewScanner(os.Stdin)
			for {
				fmt.Print("> ")
				if !scanner.Scan() {
					return scanner.Err()
				}
				switch strings.TrimSpace(scanner.Text()) {
				case "sync":
					summary := manager.SyncAll(ctx)
					for i := range summary.Users {
						printUserSummary(&summary.Users[i])
					}
				case "stats":
					stats, err := bookCache.GetCacheStats()
					if err != nil {
						fmt.Printf("error: %v\n", err)
						continue
					}
					printJSON("cache", stats)
				case "users":
					for _, u := range cfg.Users {
						fmt.Printf("%s  %s\n", u.ID, u.AbsURL)
					}
				case "quit", "exit", "q":
					return nil
				case "":
				default:
					fmt.Println("Commands: sync, stats, users, quit")
				}
			}
		},
	}
}

func printUserSummary(s *sync.UserSummary) {
	if s.Err != nil {
		fmt.Printf("user %s: FAILED: %v\n", s.UserID, s.Err)
		return
	}
	fmt.Printf("user %s: %d synced, %d completed, %d auto-added, %d delayed, %d skipped, %d errors (%s)\n",
		s.UserID, s.Synced, s.Completed, s.AutoAdded, s.Delayed, s.Skipped, s.Errors,
		s.Duration.Round(time.Millisecond))
	for _, r := range s.Results {
		if r.Status == sync.StatusError {
			fmt.Printf("  error: %s: %v\n", r.Title, r.Err)
		}
	}
}

func printJSON(label string, v interface{}) {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		fmt.Printf("%s: %v\n", label, err)
		return
	}
	fmt.Printf("%s = %s\n", label, data)
}
