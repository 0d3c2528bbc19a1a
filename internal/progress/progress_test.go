package progress

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/shelfbridge/shelfbridge/internal/models"
)

func bookWithProgress(pct float64) *models.AudiobookshelfBook {
	book := &models.AudiobookshelfBook{}
	book.Media.Metadata.Title = "The Stand"
	book.Progress.ProgressPercentage = pct
	return book
}

func TestValidatedProgress(t *testing.T) {
	t.Parallel()

	t.Run("accepts values in range", func(t *testing.T) {
		t.Parallel()
		got, err := ValidatedProgress(bookWithProgress(42.5))
		require.NoError(t, err)
		assert.Equal(t, 42.5, got)
	})

	t.Run("rejects NaN and infinity", func(t *testing.T) {
		t.Parallel()
		_, err := ValidatedProgress(bookWithProgress(math.NaN()))
		assert.Error(t, err)
		_, err = ValidatedProgress(bookWithProgress(math.Inf(1)))
		assert.Error(t, err)
	})

	t.Run("clamps sub-epsilon float noise", func(t *testing.T) {
		t.Parallel()
		got, err := ValidatedProgress(bookWithProgress(-0.005))
		require.NoError(t, err)
		assert.Equal(t, 0.0, got)

		got, err = ValidatedProgress(bookWithProgress(100.005))
		require.NoError(t, err)
		assert.Equal(t, 100.0, got)
	})

	t.Run("rejects values clearly out of range", func(t *testing.T) {
		t.Parallel()
		_, err := ValidatedProgress(bookWithProgress(-5))
		assert.Error(t, err)
		_, err = ValidatedProgress(bookWithProgress(120))
		assert.Error(t, err)
	})
}

func TestIsComplete(t *testing.T) {
	t.Parallel()
	opts := DefaultOptions()

	t.Run("threshold boundary", func(t *testing.T) {
		t.Parallel()
		assert.False(t, IsComplete(bookWithProgress(94.99), 94.99, opts))
		assert.True(t, IsComplete(bookWithProgress(95.0), 95.0, opts))
	})

	t.Run("finished flag wins regardless of percent", func(t *testing.T) {
		t.Parallel()
		book := bookWithProgress(50)
		book.Progress.IsFinished = true
		assert.True(t, IsComplete(book, 50, opts))
	})

	t.Run("audiobook with little time remaining", func(t *testing.T) {
		t.Parallel()
		book := bookWithProgress(93)
		book.Media.Duration = 36000
		book.Progress.CurrentTime = 35800 // 200s left
		assert.True(t, IsComplete(book, 93, opts))

		book.Progress.CurrentTime = 30000 // 6000s left
		assert.False(t, IsComplete(book, 93, opts))
	})

	t.Run("ebook with a few pages remaining", func(t *testing.T) {
		t.Parallel()
		book := bookWithProgress(92)
		book.Media.NumPages = 400
		book.Progress.CurrentPage = 398
		assert.True(t, IsComplete(book, 92, opts))

		book.Progress.CurrentPage = 380
		assert.False(t, IsComplete(book, 92, opts))
	})
}

func TestDetectChange(t *testing.T) {
	t.Parallel()

	c := DetectChange(50, 50.005)
	assert.False(t, c.HasChange)
	assert.Equal(t, DirectionNone, c.Direction)

	c = DetectChange(50, 50.02)
	assert.True(t, c.HasChange)
	assert.Equal(t, DirectionIncrease, c.Direction)
	assert.InDelta(t, 0.02, c.AbsoluteChange, 1e-9)

	c = DetectChange(50, 40)
	assert.True(t, c.HasChange)
	assert.Equal(t, DirectionDecrease, c.Direction)
}

func TestClassify(t *testing.T) {
	t.Parallel()
	opts := DefaultOptions()

	tests := []struct {
		name        string
		prev, curr  float64
		isCompleted bool
		want        Classification
	}{
		{"normal forward progress", 40, 55, false, RegressionOK},
		{"small drop from low progress", 50, 45, false, RegressionOK},
		{"finished book restarted near zero", 100, 5, true, RegressionNewSession},
		{"finished book at mid progress", 100, 60, true, RegressionBlock},
		{"finished book still near the end", 100, 96, true, RegressionOK},
		{"high progress dropping to reread range", 90, 20, false, RegressionNewSession},
		{"high progress reread boundary", 90, 30, false, RegressionNewSession},
		{"high progress large drop", 90, 35, false, RegressionBlock},
		{"high progress moderate drop", 90, 70, false, RegressionWarn},
		{"high progress tiny drop", 90, 80, false, RegressionOK},
		{"below high threshold never blocks", 80, 20, false, RegressionOK},
	}

	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			assert.Equal(t, tt.want, Classify(tt.prev, tt.curr, tt.isCompleted, opts))
		})
	}
}
