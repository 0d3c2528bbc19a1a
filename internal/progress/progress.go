// Package progress holds the pure functions for progress validation,
// completion detection and regression classification. No state, no IO:
// everything the sync pipeline decides about a progress value starts
// here.
package progress

import (
	"fmt"
	"math"

	"github.com/shelfbridge/shelfbridge/internal/models"
)

const (
	// ChangeEpsilon is the smallest delta treated as a real change
	ChangeEpsilon = 0.01

	// DefaultCompletionThreshold marks a book complete at this percent
	DefaultCompletionThreshold = 95.0
	// DefaultHighProgressThreshold is where regression protection arms
	DefaultHighProgressThreshold = 85.0
	// DefaultRereadThreshold is the restart point for a fresh read
	DefaultRereadThreshold = 30.0
	// DefaultRegressionBlockThreshold blocks drops larger than this
	DefaultRegressionBlockThreshold = 50.0
	// DefaultRegressionWarnThreshold warns on drops larger than this
	DefaultRegressionWarnThreshold = 15.0

	// audioSecondsTolerance: time remaining below this counts as done
	audioSecondsTolerance = 300.0
	// pagesTolerance: pages remaining at or below this counts as done
	pagesTolerance = 3
)

// Options carries the configurable thresholds.
type Options struct {
	CompletionThreshold      float64
	HighProgressThreshold    float64
	RereadThreshold          float64
	RegressionBlockThreshold float64
	RegressionWarnThreshold  float64
}

// DefaultOptions returns the documented defaults.
func DefaultOptions() Options {
	return Options{
		CompletionThreshold:      DefaultCompletionThreshold,
		HighProgressThreshold:    DefaultHighProgressThreshold,
		RereadThreshold:          DefaultRereadThreshold,
		RegressionBlockThreshold: DefaultRegressionBlockThreshold,
		RegressionWarnThreshold:  DefaultRegressionWarnThreshold,
	}
}

// ValidatedProgress extracts the progress percentage from an ABS item.
// Returns an error on NaN or infinity; clamps silently only for
// sub-epsilon float noise around the bounds.
func ValidatedProgress(book *models.AudiobookshelfBook) (float64, error) {
	p := book.Progress.ProgressPercentage
	if math.IsNaN(p) || math.IsInf(p, 0) {
		return 0, fmt.Errorf("invalid progress value for %q: %v", book.Title(), p)
	}
	if p < 0 {
		if p > -ChangeEpsilon {
			return 0, nil
		}
		return 0, fmt.Errorf("progress out of range for %q: %g", book.Title(), p)
	}
	if p > 100 {
		if p < 100+ChangeEpsilon {
			return 100, nil
		}
		return 0, fmt.Errorf("progress out of range for %q: %g", book.Title(), p)
	}
	return p, nil
}

// IsComplete detects whether the item is at a completed state: the ABS
// finished flag, the percent threshold, near-zero time remaining for
// audiobooks, or near-zero pages remaining for ebooks.
func IsComplete(book *models.AudiobookshelfBook, progressPercent float64, opts Options) bool {
	if book.Progress.IsFinished {
		return true
	}
	if progressPercent >= opts.CompletionThreshold {
		return true
	}
	if book.Media.Duration > 0 && book.Progress.CurrentTime > 0 {
		remaining := book.Media.Duration - book.Progress.CurrentTime
		if remaining <= audioSecondsTolerance {
			return true
		}
	}
	if book.Media.NumPages > 0 && book.Progress.CurrentPage > 0 {
		remaining := book.Media.NumPages - book.Progress.CurrentPage
		if remaining <= pagesTolerance {
			return true
		}
	}
	return false
}

// Direction of a progress change.
type Direction string

const (
	DirectionNone     Direction = "none"
	DirectionIncrease Direction = "increase"
	DirectionDecrease Direction = "decrease"
)

// Change describes the delta between two progress values.
type Change struct {
	HasChange      bool
	Direction      Direction
	AbsoluteChange float64
}

// DetectChange compares two progress values with the standard epsilon.
func DetectChange(prev, curr float64) Change {
	delta := curr - prev
	abs := math.Abs(delta)
	if abs <= ChangeEpsilon {
		return Change{Direction: DirectionNone}
	}
	dir := DirectionIncrease
	if delta < 0 {
		dir = DirectionDecrease
	}
	return Change{HasChange: true, Direction: dir, AbsoluteChange: abs}
}

// Classification of a prev→curr transition under reread/regression
// rules.
type Classification string

const (
	// RegressionOK allows the update through
	RegressionOK Classification = "ok"
	// RegressionWarn allows the update but logs the drop
	RegressionWarn Classification = "warn"
	// RegressionBlock refuses the update
	RegressionBlock Classification = "block"
	// RegressionNewSession treats the drop as a fresh read
	RegressionNewSession Classification = "new_session"
)

// Classify applies the reread/regression rules to a transition.
// isCompleted means the cached record is already finished.
func Classify(prev, curr float64, isCompleted bool, opts Options) Classification {
	drop := prev - curr

	if isCompleted && curr < opts.HighProgressThreshold {
		if curr <= opts.RereadThreshold {
			return RegressionNewSession
		}
		return RegressionBlock
	}

	if prev >= opts.HighProgressThreshold {
		if curr <= opts.RereadThreshold {
			return RegressionNewSession
		}
		if drop > opts.RegressionBlockThreshold {
			return RegressionBlock
		}
		if drop > opts.RegressionWarnThreshold {
			return RegressionWarn
		}
	}

	return RegressionOK
}
