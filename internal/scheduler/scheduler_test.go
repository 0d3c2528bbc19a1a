package scheduler

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/shelfbridge/shelfbridge/internal/config"
)

func TestNewRejectsInvalidTimezone(t *testing.T) {
	t.Parallel()

	cfg := config.Default()
	cfg.Timezone = "Mars/Olympus_Mons"
	_, err := New(cfg, nil, nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "invalid timezone")
}

func TestNewAcceptsKnownTimezones(t *testing.T) {
	t.Parallel()

	for _, tz := range []string{"", "UTC", "Europe/Berlin"} {
		cfg := config.Default()
		cfg.Timezone = tz
		_, err := New(cfg, nil, nil)
		assert.NoError(t, err, tz)
	}
}

func TestKVFields(t *testing.T) {
	t.Parallel()

	fields := kvFields([]interface{}{"entry", 3, "now", "later"})
	assert.Equal(t, map[string]interface{}{"entry": 3, "now": "later"}, fields)

	// Odd trailing values are dropped, non-string keys are stringified
	fields = kvFields([]interface{}{42, "answer", "dangling"})
	assert.Equal(t, map[string]interface{}{"42": "answer"}, fields)

	assert.Empty(t, kvFields(nil))
}
