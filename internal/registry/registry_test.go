package registry

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/elastalert-go/elastalert/internal/detector"
)

func TestNewRegistersBuiltins(t *testing.T) {
	r := New()

	det, err := r.BuildDetector("frequency", map[string]any{"num_events": 1, "timeframe_seconds": 60})
	require.NoError(t, err)
	assert.NotNil(t, det)

	det, err = r.BuildDetector("blacklist", map[string]any{"compare_key": "field", "blacklist": []any{"a"}})
	require.NoError(t, err)
	assert.NotNil(t, det)

	a, err := r.BuildAlerter("debug", nil)
	require.NoError(t, err)
	assert.NotNil(t, a)

	e, err := r.BuildEnhancement("timezone", map[string]any{"field": "@timestamp", "timezone": "UTC"})
	require.NoError(t, err)
	assert.NotNil(t, e)
}

func TestBuildDetectorUnknownTypeErrors(t *testing.T) {
	r := New()
	_, err := r.BuildDetector("nonexistent", nil)
	assert.ErrorContains(t, err, "unknown detector type")
}

func TestBuildAlerterUnknownNameErrors(t *testing.T) {
	r := New()
	_, err := r.BuildAlerter("nonexistent", nil)
	assert.ErrorContains(t, err, "unknown sink")
}

func TestBuildEnhancementUnknownNameErrors(t *testing.T) {
	r := New()
	_, err := r.BuildEnhancement("nonexistent", nil)
	assert.ErrorContains(t, err, "unknown enhancement")
}

func TestRegisterDetectorAddsNewType(t *testing.T) {
	r := New()
	r.RegisterDetector("frequency-copy", func(options map[string]any) (detector.Detector, error) {
		return r.detectors["frequency"](options)
	})

	det, err := r.BuildDetector("frequency-copy", map[string]any{"num_events": 1, "timeframe_seconds": 60})
	require.NoError(t, err)
	assert.NotNil(t, det)
}
