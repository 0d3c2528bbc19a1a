package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"
)

// EnvPrefix is the prefix for environment variable overrides, e.g.
// SHELFBRIDGE_DELAYED_UPDATES_SESSION_TIMEOUT.
const EnvPrefix = "SHELFBRIDGE_"

// RereadDetection holds the thresholds for regression classification
type RereadDetection struct {
	RereadThreshold          float64 `yaml:"reread_threshold"`
	HighProgressThreshold    float64 `yaml:"high_progress_threshold"`
	RegressionBlockThreshold float64 `yaml:"regression_block_threshold"`
	RegressionWarnThreshold  float64 `yaml:"regression_warn_threshold"`
}

// TitleAuthorMatching configures the tier-3 fuzzy match
type TitleAuthorMatching struct {
	Enabled      bool    `yaml:"enabled"`
	TitleWeight  float64 `yaml:"title_weight"`
	AuthorWeight float64 `yaml:"author_weight"`
	FormatWeight float64 `yaml:"format_weight"`
	MinScore     float64 `yaml:"min_score"`
}

// DelayedUpdates configures session-based coalescing of small progress
// deltas into sparser Hardcover writes
type DelayedUpdates struct {
	Enabled             bool `yaml:"enabled"`
	SessionTimeout      int  `yaml:"session_timeout"` // seconds
	MaxDelay            int  `yaml:"max_delay"`       // seconds
	ImmediateCompletion bool `yaml:"immediate_completion"`
}

// Libraries filters which ABS libraries are synced
type Libraries struct {
	Include []string `yaml:"include"`
	Exclude []string `yaml:"exclude"`
}

// User is one configured sync user. Each user owns an isolated namespace
// in the book cache.
type User struct {
	ID             string    `yaml:"id"`
	AbsURL         string    `yaml:"abs_url"`
	AbsToken       string    `yaml:"abs_token"`
	HardcoverToken string    `yaml:"hardcover_token"`
	Libraries      Libraries `yaml:"libraries"`
}

// Config holds all configuration for the application
type Config struct {
	MinProgressThreshold      float64 `yaml:"min_progress_threshold"`
	Parallel                  bool    `yaml:"parallel"`
	Workers                   int     `yaml:"workers"`
	Timezone                  string  `yaml:"timezone"`
	SyncSchedule              string  `yaml:"sync_schedule"`
	DryRun                    bool    `yaml:"dry_run"`
	ForceSync                 bool    `yaml:"force_sync"`
	AutoAddBooks              bool    `yaml:"auto_add_books"`
	PreventProgressRegression bool    `yaml:"prevent_progress_regression"`
	HardcoverSemaphore        int     `yaml:"hardcover_semaphore"`
	HardcoverRateLimit        int     `yaml:"hardcover_rate_limit"`
	AudiobookshelfSemaphore   int     `yaml:"audiobookshelf_semaphore"`
	AudiobookshelfRateLimit   int     `yaml:"audiobookshelf_rate_limit"`
	PageSize                  int     `yaml:"page_size"`
	MaxBooksToFetch           int     `yaml:"max_books_to_fetch"`
	DeepScanInterval          int     `yaml:"deep_scan_interval"`
	CachePath                 string  `yaml:"cache_path"`

	RereadDetection     RereadDetection     `yaml:"reread_detection"`
	TitleAuthorMatching TitleAuthorMatching `yaml:"title_author_matching"`
	DelayedUpdates      DelayedUpdates      `yaml:"delayed_updates"`
	Libraries           Libraries           `yaml:"libraries"`

	Logging struct {
		Level  string `yaml:"level"`
		Format string `yaml:"format"`
	} `yaml:"logging"`

	Users []User `yaml:"users"`
}

// Default returns a Config populated with all documented defaults.
func Default() *Config {
	cfg := &Config{
		MinProgressThreshold:      5.0,
		Parallel:                  true,
		Workers:                   3,
		Timezone:                  "UTC",
		SyncSchedule:              "0 3 * * *",
		PreventProgressRegression: true,
		HardcoverSemaphore:        1,
		HardcoverRateLimit:        55,
		AudiobookshelfSemaphore:   5,
		AudiobookshelfRateLimit:   600,
		PageSize:                  100,
		MaxBooksToFetch:           0, // unlimited
		DeepScanInterval:          10,
		CachePath:                 "data/.book_cache.db",
		RereadDetection: RereadDetection{
			RereadThreshold:          30,
			HighProgressThreshold:    85,
			RegressionBlockThreshold: 50,
			RegressionWarnThreshold:  15,
		},
		TitleAuthorMatching: TitleAuthorMatching{
			Enabled:      true,
			TitleWeight:  0.5,
			AuthorWeight: 0.35,
			FormatWeight: 0.15,
			MinScore:     0.55,
		},
		DelayedUpdates: DelayedUpdates{
			Enabled:             false,
			SessionTimeout:      900,
			MaxDelay:            3600,
			ImmediateCompletion: true,
		},
	}
	cfg.Logging.Level = "info"
	cfg.Logging.Format = "console"
	return cfg
}

// Load reads configuration with precedence YAML file > environment >
// defaults. Missing file is only an error when a path was given
// explicitly.
func Load(path string) (*Config, error) {
	cfg, err := LoadUnvalidated(path)
	if err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// LoadUnvalidated reads configuration without running validation.
// Useful for inspecting a broken config.
func LoadUnvalidated(path string) (*Config, error) {
	cfg := Default()

	// Environment first, YAML second: values present in the file win over
	// env, env wins over defaults.
	applyEnv(cfg)

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read config file %q: %w", path, err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config file %q: %w", path, err)
		}
	}
	return cfg, nil
}

// applyEnv overlays SHELFBRIDGE_ environment variables onto cfg.
// Booleans accept true/false/1/0, case-insensitive, trimmed.
func applyEnv(cfg *Config) {
	if v, ok := envFloat("MIN_PROGRESS_THRESHOLD"); ok {
		cfg.MinProgressThreshold = v
	}
	if v, ok := envBool("PARALLEL"); ok {
		cfg.Parallel = v
	}
	if v, ok := envInt("WORKERS"); ok {
		cfg.Workers = v
	}
	if v, ok := envString("TIMEZONE"); ok {
		cfg.Timezone = v
	}
	if v, ok := envString("SYNC_SCHEDULE"); ok {
		cfg.SyncSchedule = v
	}
	if v, ok := envBool("DRY_RUN"); ok {
		cfg.DryRun = v
	}
	if v, ok := envBool("FORCE_SYNC"); ok {
		cfg.ForceSync = v
	}
	if v, ok := envBool("AUTO_ADD_BOOKS"); ok {
		cfg.AutoAddBooks = v
	}
	if v, ok := envBool("PREVENT_PROGRESS_REGRESSION"); ok {
		cfg.PreventProgressRegression = v
	}
	if v, ok := envInt("HARDCOVER_SEMAPHORE"); ok {
		cfg.HardcoverSemaphore = v
	}
	if v, ok := envInt("HARDCOVER_RATE_LIMIT"); ok {
		cfg.HardcoverRateLimit = v
	}
	if v, ok := envInt("AUDIOBOOKSHELF_SEMAPHORE"); ok {
		cfg.AudiobookshelfSemaphore = v
	}
	if v, ok := envInt("AUDIOBOOKSHELF_RATE_LIMIT"); ok {
		cfg.AudiobookshelfRateLimit = v
	}
	if v, ok := envInt("PAGE_SIZE"); ok {
		cfg.PageSize = v
	}
	if v, ok := envInt("MAX_BOOKS_TO_FETCH"); ok {
		cfg.MaxBooksToFetch = v
	}
	if v, ok := envInt("DEEP_SCAN_INTERVAL"); ok {
		cfg.DeepScanInterval = v
	}
	if v, ok := envString("CACHE_PATH"); ok {
		cfg.CachePath = v
	}
	if v, ok := envBool("DELAYED_UPDATES_ENABLED"); ok {
		cfg.DelayedUpdates.Enabled = v
	}
	if v, ok := envInt("DELAYED_UPDATES_SESSION_TIMEOUT"); ok {
		cfg.DelayedUpdates.SessionTimeout = v
	}
	if v, ok := envInt("DELAYED_UPDATES_MAX_DELAY"); ok {
		cfg.DelayedUpdates.MaxDelay = v
	}
	if v, ok := envBool("DELAYED_UPDATES_IMMEDIATE_COMPLETION"); ok {
		cfg.DelayedUpdates.ImmediateCompletion = v
	}
	if v, ok := envBool("TITLE_AUTHOR_MATCHING_ENABLED"); ok {
		cfg.TitleAuthorMatching.Enabled = v
	}
	if v, ok := envFloat("REREAD_DETECTION_REREAD_THRESHOLD"); ok {
		cfg.RereadDetection.RereadThreshold = v
	}
	if v, ok := envFloat("REREAD_DETECTION_HIGH_PROGRESS_THRESHOLD"); ok {
		cfg.RereadDetection.HighProgressThreshold = v
	}
	if v, ok := envFloat("REREAD_DETECTION_REGRESSION_BLOCK_THRESHOLD"); ok {
		cfg.RereadDetection.RegressionBlockThreshold = v
	}
	if v, ok := envFloat("REREAD_DETECTION_REGRESSION_WARN_THRESHOLD"); ok {
		cfg.RereadDetection.RegressionWarnThreshold = v
	}
	if v, ok := envString("LOG_LEVEL"); ok {
		cfg.Logging.Level = v
	}
	if v, ok := envString("LOG_FORMAT"); ok {
		cfg.Logging.Format = v
	}

	// Single-user setup straight from the environment
	if url, ok := envString("USER_ABS_URL"); ok {
		user := User{
			ID:     "default",
			AbsURL: strings.TrimSuffix(url, "/"),
		}
		if v, ok := envString("USER_ID"); ok {
			user.ID = v
		}
		if v, ok := envString("USER_ABS_TOKEN"); ok {
			user.AbsToken = v
		}
		if v, ok := envString("USER_HARDCOVER_TOKEN"); ok {
			user.HardcoverToken = v
		}
		if len(cfg.Users) == 0 {
			cfg.Users = []User{user}
		}
	}
}

func envString(key string) (string, bool) {
	v, ok := os.LookupEnv(EnvPrefix + key)
	if !ok || strings.TrimSpace(v) == "" {
		return "", false
	}
	return strings.TrimSpace(v), true
}

func envBool(key string) (bool, bool) {
	raw, ok := envString(key)
	if !ok {
		return false, false
	}
	switch strings.ToLower(raw) {
	case "true", "1":
		return true, true
	case "false", "0":
		return false, true
	default:
		return false, false
	}
}

func envInt(key string) (int, bool) {
	raw, ok := envString(key)
	if !ok {
		return 0, false
	}
	i, err := strconv.Atoi(raw)
	if err != nil {
		return 0, false
	}
	return i, true
}

func envFloat(key string) (float64, bool) {
	raw, ok := envString(key)
	if !ok {
		return 0, false
	}
	f, err := strconv.ParseFloat(raw, 64)
	if err != nil {
		return 0, false
	}
	return f, true
}

// ConfigError names the offending field so startup failures are
// actionable.
type ConfigError struct {
	Field string
	Msg   string
}

func (e *ConfigError) Error() string {
	return fmt.Sprintf("config error: %s: %s", e.Field, e.Msg)
}

// Validate refuses configurations that cannot run.
func (c *Config) Validate() error {
	if len(c.Users) == 0 {
		return &ConfigError{Field: "users", Msg: "at least one user is required"}
	}
	seen := make(map[string]bool, len(c.Users))
	for i, u := range c.Users {
		field := fmt.Sprintf("users[%d]", i)
		if u.ID == "" {
			return &ConfigError{Field: field + ".id", Msg: "user id is required"}
		}
		if seen[u.ID] {
			return &ConfigError{Field: field + ".id", Msg: "duplicate user id " + u.ID}
		}
		seen[u.ID] = true
		if u.AbsURL == "" {
			return &ConfigError{Field: field + ".abs_url", Msg: "Audiobookshelf URL is required"}
		}
		if u.AbsToken == "" {
			return &ConfigError{Field: field + ".abs_token", Msg: "Audiobookshelf token is required"}
		}
		if u.HardcoverToken == "" {
			return &ConfigError{Field: field + ".hardcover_token", Msg: "Hardcover token is required"}
		}
	}

	if c.Workers < 1 {
		return &ConfigError{Field: "workers", Msg: "must be at least 1"}
	}
	if c.MinProgressThreshold < 0 || c.MinProgressThreshold > 100 {
		return &ConfigError{Field: "min_progress_threshold", Msg: "must be between 0 and 100"}
	}
	if c.HardcoverRateLimit < 1 || c.AudiobookshelfRateLimit < 1 {
		return &ConfigError{Field: "rate_limit", Msg: "rate limits must be positive"}
	}
	if c.PageSize < 1 {
		return &ConfigError{Field: "page_size", Msg: "must be at least 1"}
	}

	if c.DelayedUpdates.Enabled {
		du := c.DelayedUpdates
		if du.SessionTimeout < 60 || du.SessionTimeout > 7200 {
			return &ConfigError{Field: "delayed_updates.session_timeout", Msg: "must be between 60 and 7200 seconds"}
		}
		if du.MaxDelay < 300 || du.MaxDelay > 86400 {
			return &ConfigError{Field: "delayed_updates.max_delay", Msg: "must be between 300 and 86400 seconds"}
		}
		if du.SessionTimeout >= du.MaxDelay {
			return &ConfigError{Field: "delayed_updates.session_timeout", Msg: "must be less than max_delay"}
		}
	}

	tam := c.TitleAuthorMatching
	if tam.Enabled {
		sum := tam.TitleWeight + tam.AuthorWeight + tam.FormatWeight
		if sum <= 0 {
			return &ConfigError{Field: "title_author_matching", Msg: "score weights must sum to a positive value"}
		}
	}

	return nil
}

// UserByID returns the configured user with the given id.
func (c *Config) UserByID(id string) (*User, bool) {
	for i := range c.Users {
		if c.Users[i].ID == id {
			return &c.Users[i], true
		}
	}
	return nil, false
}
