package engine

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/elastalert-go/elastalert/internal/config"
	"github.com/elastalert-go/elastalert/internal/dashboard"
	"github.com/elastalert-go/elastalert/internal/detector/frequency"
	"github.com/elastalert-go/elastalert/internal/query/memclient"
	"github.com/elastalert-go/elastalert/internal/statestore"
)

func newTestRule(name string) *config.Rule {
	return &config.Rule{
		Name:              name,
		IndexPattern:      "events",
		TimestampField:    "@timestamp",
		QueryMode:         config.QueryModeHits,
		RunEverySeconds:   60,
		BufferTimeSeconds: 300,
		MaxQuerySize:      10000,
	}
}

func seedHit(c *memclient.Client, index, id string, ts time.Time, fields map[string]any) {
	doc := map[string]any{"@timestamp": ts.UTC().Format(time.RFC3339)}
	for k, v := range fields {
		doc[k] = v
	}
	c.Seed(index, id, doc)
}

func newFrequencyDetector(t *testing.T, numEvents int, timeframe time.Duration) *frequency.Detector {
	t.Helper()
	det, err := frequency.New(map[string]any{
		"num_events":        numEvents,
		"timeframe_seconds": int(timeframe.Seconds()),
	})
	require.NoError(t, err)
	return det.(*frequency.Detector)
}

// TestRunChunkedDedupesOverlappingWindows: the same document id seen
// across two overlapping tick windows must only reach the detector
// once.
func TestRunChunkedDedupesOverlappingWindows(t *testing.T) {
	client := memclient.New()
	base := time.Date(2026, 7, 29, 12, 0, 0, 0, time.UTC)
	seedHit(client, "events", "doc-1", base, nil)

	store := statestore.New(client, "elastalert_status")
	det := newFrequencyDetector(t, 100, time.Hour)
	rule := newTestRule("dedup-rule")
	rt := NewRuleRuntime(rule, client, store, det, nil, nil, dashboard.NullLinker{}, false)

	// First tick's window covers the doc.
	n1, err := rt.runChunked(context.Background(), base.Add(-time.Minute), base.Add(time.Minute))
	require.NoError(t, err)
	assert.Equal(t, 1, n1)

	// Second tick's window overlaps the first and still contains the doc;
	// it must not be fed to the detector again.
	n2, err := rt.runChunked(context.Background(), base.Add(-2*time.Minute), base.Add(2*time.Minute))
	require.NoError(t, err)
	assert.Equal(t, 1, n2, "second tick still reports the raw hit count")
	assert.Len(t, det.Matches(), 0, "num_events is far above 1, so no match should have fired yet, but more importantly dedup must not double count toward it")

	// Feed enough additional distinct hits for a match to become possible,
	// and confirm the deduped doc-1 never contributes a second time.
	for i := 0; i < 98; i++ {
		seedHit(client, "events", fmt.Sprintf("fresh-%d", i), base.Add(time.Duration(i)*time.Second), nil)
	}
	_, err = rt.runChunked(context.Background(), base.Add(-2*time.Minute), base.Add(5*time.Minute))
	require.NoError(t, err)
	assert.Len(t, det.Matches(), 0, "doc-1 plus 98 fresh hits is 99 distinct events, one short of num_events")
}

// TestTickSkipsFutureStart covers the boundary case where a computed
// window start is after "now" (an operator-supplied --start in the
// future, or a badly configured query_delay): the tick must be skipped
// without mutating the checkpoint.
func TestTickSkipsFutureStart(t *testing.T) {
	client := memclient.New()
	store := statestore.New(client, "elastalert_status")
	det := newFrequencyDetector(t, 5, time.Hour)
	rule := newTestRule("future-start-rule")
	rt := NewRuleRuntime(rule, client, store, det, nil, nil, dashboard.NullLinker{}, false)

	silences := NewSilenceCache(store)
	flow := NewAlertFlow(store, silences, nil, true, time.Hour)

	now := time.Date(2026, 7, 29, 12, 0, 0, 0, time.UTC)
	future := now.Add(24 * time.Hour)

	rt.Tick(context.Background(), flow, now, future, time.Time{})
	assert.True(t, rt.Checkpoint().IsZero(), "checkpoint must not advance when start is in the future")
}

// TestRunQueryExpandsStrftimeIndexPattern confirms the pipeline expands a
// tokenized index pattern to the concrete index covering the query window
// before handing it to the client.
func TestRunQueryExpandsStrftimeIndexPattern(t *testing.T) {
	client := memclient.New()
	base := time.Date(2026, 7, 29, 12, 0, 0, 0, time.UTC)
	seedHit(client, "logs-2026.07.29", "doc-1", base, nil)

	store := statestore.New(client, "elastalert_status")
	det := newFrequencyDetector(t, 100, time.Hour)
	rule := newTestRule("strftime-rule")
	rule.IndexPattern = "logs-%Y.%m.%d"
	rt := NewRuleRuntime(rule, client, store, det, nil, nil, dashboard.NullLinker{}, false)

	n, err := rt.runQuery(context.Background(), base.Add(-time.Minute), base.Add(time.Minute))
	require.NoError(t, err)
	assert.Equal(t, 1, n, "the hit lives under the expanded daily index name")
}

// TestMaxQuerySizeBoundary confirms a search capped at max_query_size
// still dedups and feeds the detector the returned (truncated) hits
// without erroring.
func TestMaxQuerySizeBoundary(t *testing.T) {
	client := memclient.New()
	base := time.Date(2026, 7, 29, 12, 0, 0, 0, time.UTC)
	for i := 0; i < 10; i++ {
		seedHit(client, "events", fmt.Sprintf("doc-%d", i), base.Add(time.Duration(i)*time.Second), nil)
	}

	store := statestore.New(client, "elastalert_status")
	det := newFrequencyDetector(t, 1000, time.Hour)
	rule := newTestRule("capped-rule")
	rule.MaxQuerySize = 3
	rt := NewRuleRuntime(rule, client, store, det, nil, nil, dashboard.NullLinker{}, false)

	n, err := rt.runQuery(context.Background(), base.Add(-time.Minute), base.Add(time.Minute))
	require.NoError(t, err)
	assert.Equal(t, 3, n, "runQuery reports only the hits actually returned under the size cap")
}
