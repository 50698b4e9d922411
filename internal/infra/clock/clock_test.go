package clock

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestManualAdvance(t *testing.T) {
	start := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	c := NewManual(start)

	c.Advance(90 * time.Second)
	require.Equal(t, start.Add(90*time.Second), c.Now())

	c.Advance(-time.Hour)
	require.Equal(t, start.Add(90*time.Second), c.Now(), "negative advance ignored")
}

func TestManualSetOnlyMovesForward(t *testing.T) {
	start := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	c := NewManual(start)

	c.Set(start.Add(-time.Minute))
	require.Equal(t, start, c.Now())

	c.Set(start.Add(time.Minute))
	require.Equal(t, start.Add(time.Minute), c.Now())
}

func TestNewManualZeroStart(t *testing.T) {
	c := NewManual(time.Time{})
	require.Equal(t, int64(0), c.Now().Unix())
}
