package frequency

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/elastalert-go/elastalert/internal/models"
)

func mkHit(ts time.Time) models.Match {
	return models.Match{"@timestamp": ts.UTC().Format(time.RFC3339)}
}

func TestNewRequiresOptions(t *testing.T) {
	_, err := New(map[string]any{"timeframe_seconds": 60})
	assert.Error(t, err, "missing num_events")

	_, err = New(map[string]any{"num_events": 3})
	assert.Error(t, err, "missing timeframe_seconds")

	_, err = New(map[string]any{"num_events": 0, "timeframe_seconds": 60})
	assert.Error(t, err, "num_events must be positive")
}

func TestFiresOnceThresholdReached(t *testing.T) {
	det, err := New(map[string]any{"num_events": 3, "timeframe_seconds": 60})
	require.NoError(t, err)

	base := time.Date(2026, 7, 29, 12, 0, 0, 0, time.UTC)
	det.AddHits([]models.Match{mkHit(base), mkHit(base.Add(time.Second))})
	assert.Len(t, det.Matches(), 0, "below threshold, no match yet")

	det.AddHits([]models.Match{mkHit(base.Add(2 * time.Second))})
	matches := det.Matches()
	require.Len(t, matches, 1)

	// Matches() drains; a second call without new data returns nothing.
	assert.Len(t, det.Matches(), 0)
}

func TestOldEventsAgeOutOfWindow(t *testing.T) {
	det, err := New(map[string]any{"num_events": 3, "timeframe_seconds": 60})
	require.NoError(t, err)

	base := time.Date(2026, 7, 29, 12, 0, 0, 0, time.UTC)
	det.AddHits([]models.Match{mkHit(base), mkHit(base.Add(10 * time.Second))})

	// This hit lands 90s after the first two, well past the 60s timeframe:
	// the window trims the stale events before the threshold is checked.
	det.AddHits([]models.Match{mkHit(base.Add(90 * time.Second))})
	assert.Len(t, det.Matches(), 0, "stale events must not count toward the threshold")
}

func TestAddCountFiresWhenCumulativeCountReachesThreshold(t *testing.T) {
	det, err := New(map[string]any{"num_events": 10, "timeframe_seconds": 3600})
	require.NoError(t, err)

	windowEnd := time.Date(2026, 7, 29, 12, 0, 0, 0, time.UTC)
	det.AddCount(windowEnd, 4)
	assert.Len(t, det.Matches(), 0)

	det.AddCount(windowEnd, 6)
	matches := det.Matches()
	require.Len(t, matches, 1)
	assert.Equal(t, 6, matches[0]["num_hits"])
}

func TestGarbageCollectTrimsWindow(t *testing.T) {
	rawDet, err := New(map[string]any{"num_events": 2, "timeframe_seconds": 30})
	require.NoError(t, err)
	det := rawDet.(*Detector)

	base := time.Date(2026, 7, 29, 12, 0, 0, 0, time.UTC)
	det.AddHits([]models.Match{mkHit(base)})
	assert.Len(t, det.seen, 1)

	det.GarbageCollect(base.Add(time.Hour))
	assert.Len(t, det.seen, 0, "garbage collecting far past the timeframe drops all tracked timestamps")
}
