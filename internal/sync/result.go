package sync

import "time"

// Terminal statuses for one book in one sync run.
const (
	StatusSynced    = "synced"
	StatusCompleted = "completed"
	StatusAutoAdded = "auto_added"
	StatusDelayed   = "delayed"
	StatusSkipped   = "skipped"
	StatusError     = "error"
)

// Skip and error reasons.
const (
	ReasonProgressUnchanged = "progress_unchanged"
	ReasonBelowThreshold    = "below_threshold"
	ReasonNoMatch           = "no_match"
	ReasonRegressionBlocked = "regression_blocked"
	ReasonRaceCondition     = "race_condition_prevented"
	ReasonNotInLibrary      = "not_in_library"
	ReasonAutoAddDisabled   = "auto_add_disabled"
)

// BookResult is the terminal outcome for one book.
type BookResult struct {
	Title     string
	Author    string
	Status    string
	Reason    string
	MatchType string
	Progress  float64
	// Actions lists the writes performed, or that would be performed in
	// dry-run mode
	Actions []string
	Err     error
}

// UserSummary aggregates one user's run.
type UserSummary struct {
	UserID  string
	Results []BookResult

	Synced    int
	Completed int
	AutoAdded int
	Delayed   int
	Skipped   int
	Errors    int

	SessionsFlushed int
	SessionsFailed  int

	DeepScan bool
	Duration time.Duration
	Err      error
}

func (s *UserSummary) add(r BookResult) {
	s.Results = append(s.Results, r)
	switch r.Status {
	case StatusSynced:
		s.Synced++
	case StatusCompleted:
		s.Completed++
	case StatusAutoAdded:
		s.AutoAdded++
	case StatusDelayed:
		s.Delayed++
	case StatusSkipped:
		s.Skipped++
	case StatusError:
		s.Errors++
	}
}

// Summary aggregates a whole run across users.
type Summary struct {
	Users    []UserSummary
	Started  time.Time
	Finished time.Time
}

// TotalErrors counts errored books plus failed users.
func (s *Summary) TotalErrors() int {
	n := 0
	for i := range s.Users {
		n += s.Users[i].Errors
		if s.Users[i].Err != nil {
			n++
		}
	}
	return n
}
