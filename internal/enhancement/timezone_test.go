package enhancement

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/elastalert-go/elastalert/internal/models"
)

func TestNewTimeZoneEnhancementValidatesOptions(t *testing.T) {
	_, err := NewTimeZoneEnhancement(map[string]any{"timezone": "UTC"})
	assert.Error(t, err, "missing field")

	_, err = NewTimeZoneEnhancement(map[string]any{"field": "@timestamp"})
	assert.Error(t, err, "missing timezone")

	_, err = NewTimeZoneEnhancement(map[string]any{"field": "@timestamp", "timezone": "Not/AZone"})
	assert.Error(t, err, "invalid IANA zone")
}

func TestProcessConvertsConfiguredField(t *testing.T) {
	e, err := NewTimeZoneEnhancement(map[string]any{"field": "@timestamp", "timezone": "America/New_York"})
	require.NoError(t, err)

	match := models.Match{"@timestamp": "2026-07-29T12:00:00Z"}
	require.NoError(t, e.Process(match))

	converted, ok := match.StringField("@timestamp")
	require.True(t, ok)
	assert.Contains(t, converted, "2026-07-29T08:00:00")
	assert.Contains(t, converted, "-04:00")
}

func TestProcessLeavesMissingFieldAlone(t *testing.T) {
	e, err := NewTimeZoneEnhancement(map[string]any{"field": "@timestamp", "timezone": "UTC"})
	require.NoError(t, err)

	match := models.Match{"other": "value"}
	assert.NoError(t, e.Process(match))
	assert.Equal(t, models.Match{"other": "value"}, match)
}

func TestProcessErrorsOnUnparsableTimestamp(t *testing.T) {
	e, err := NewTimeZoneEnhancement(map[string]any{"field": "@timestamp", "timezone": "UTC"})
	require.NoError(t, err)

	match := models.Match{"@timestamp": "not-a-timestamp"}
	assert.Error(t, e.Process(match))
}

func TestIsDropDetectsErrDropMatch(t *testing.T) {
	assert.True(t, IsDrop(ErrDropMatch))
	assert.False(t, IsDrop(nil))
	assert.False(t, IsDrop(assertErr{}))
}

type assertErr struct{}

func (assertErr) Error() string { return "not a drop" }
