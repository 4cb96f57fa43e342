package printer

import (
	"testing"
	"time"

	"github.com/fatih/color"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestError(t *testing.T) {
	t.Run("returns error with title", func(t *testing.T) {
		err := Error("Test Error", "This is a test error", []string{})
		require.Error(t, err)
		require.Equal(t, "Test Error", err.Error())
	})

	t.Run("returns error with title when including suggestions", func(t *testing.T) {
		err := Error("Test Error", "Explanation", []string{"Try this fix"})
		require.Error(t, err)
		require.Equal(t, "Test Error", err.Error())
	})

	t.Run("returns error with title for multiple suggestions", func(t *testing.T) {
		err := Error("Test Error", "Explanation", []string{
			"First option",
			"Second option",
		})
		require.Error(t, err)
		require.Equal(t, "Test Error", err.Error())
	})
}

func TestStatusLabel(t *testing.T) {
	// Strip ANSI noise so the assertions only see the text
	old := color.NoColor
	color.NoColor = true
	defer func() { color.NoColor = old }()

	assert.Equal(t, "active", StatusLabel("active"))
	assert.Equal(t, "suspended", StatusLabel("suspended"))
	assert.Equal(t, "offline", StatusLabel("offline"))
	assert.Equal(t, "weird", StatusLabel("weird"))
}

func TestLagLabel(t *testing.T) {
	old := color.NoColor
	color.NoColor = true
	defer func() { color.NoColor = old }()

	assert.Equal(t, "never", LagLabel(-1, time.Second))
	assert.Equal(t, "250ms", LagLabel(250*time.Millisecond, time.Second))
	assert.Equal(t, "2s", LagLabel(2*time.Second, time.Second))
}

// Note: The Error function prints formatted output to stderr with colors.
// The error object returned only contains the title for Cobra's error
// handling. This is intentional to avoid duplicate output while providing
// rich formatted errors.
