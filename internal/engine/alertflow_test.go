package engine

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/elastalert-go/elastalert/internal/alerter"
	"github.com/elastalert-go/elastalert/internal/config"
	"github.com/elastalert-go/elastalert/internal/dashboard"
	"github.com/elastalert-go/elastalert/internal/detector/frequency"
	"github.com/elastalert-go/elastalert/internal/models"
	"github.com/elastalert-go/elastalert/internal/query/memclient"
	"github.com/elastalert-go/elastalert/internal/statestore"
)

// fakeSink records every batch delivered to it; failUntil lets a test
// simulate an outage that later clears, for the retry scenario.
type fakeSink struct {
	mu        sync.Mutex
	delivered [][]models.Match
	failUntil int
	calls     int
}

func (s *fakeSink) Type() string { return "fake" }

func (s *fakeSink) Alert(ctx context.Context, ruleName string, matches []models.Match) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls++
	if s.calls <= s.failUntil {
		return errors.New("sink outage")
	}
	s.delivered = append(s.delivered, matches)
	return nil
}

func (s *fakeSink) batches() [][]models.Match {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([][]models.Match, len(s.delivered))
	copy(out, s.delivered)
	return out
}

func newAlertFlowHarness(t *testing.T, ruleName string, sink alerter.Alerter) (*AlertFlow, *RuleRuntime) {
	t.Helper()
	client := memclient.New()
	store := statestore.New(client, "writeback")
	silences := NewSilenceCache(store)
	flow := NewAlertFlow(store, silences, nil, false, 24*time.Hour)

	det, err := frequency.New(map[string]any{"num_events": 1, "timeframe_seconds": 60})
	require.NoError(t, err)

	rule := &config.Rule{Name: ruleName, TimestampField: "@timestamp", Sinks: []string{"fake"}}
	rt := NewRuleRuntime(rule, client, store, det, map[string]alerter.Alerter{"fake": sink}, nil, dashboard.NullLinker{}, false)
	return flow, rt
}

func TestDispatchSilenceBlocksRealert(t *testing.T) {
	sink := &fakeSink{}
	flow, rt := newAlertFlowHarness(t, "silence-rule", sink)
	rt.Rule.RealertSeconds = 300 // 5m

	ctx := context.Background()
	t0 := time.Date(2026, 7, 29, 12, 0, 0, 0, time.UTC)

	flow.Dispatch(ctx, rt, models.Match{"@timestamp": t0.Format(time.RFC3339)}, t0)
	flow.Dispatch(ctx, rt, models.Match{"@timestamp": t0.Add(time.Minute).Format(time.RFC3339)}, t0.Add(time.Minute))
	flow.Dispatch(ctx, rt, models.Match{"@timestamp": t0.Add(6 * time.Minute).Format(time.RFC3339)}, t0.Add(6*time.Minute))

	assert.Len(t, sink.batches(), 2, "the 1m-later match is suppressed by realert; first and 6m-later matches deliver")
}

func TestAddAggregatedAlertGroupsWithinWindow(t *testing.T) {
	sink := &fakeSink{}
	flow, rt := newAlertFlowHarness(t, "agg-rule", sink)
	rt.Rule.AggregationSeconds = 120 // 2m

	ctx := context.Background()
	t0 := time.Date(2026, 7, 29, 12, 0, 0, 0, time.UTC)

	flow.Dispatch(ctx, rt, models.Match{"@timestamp": t0.Format(time.RFC3339)}, t0)
	flow.Dispatch(ctx, rt, models.Match{"@timestamp": t0.Add(30 * time.Second).Format(time.RFC3339)}, t0.Add(30*time.Second))
	flow.Dispatch(ctx, rt, models.Match{"@timestamp": t0.Add(90 * time.Second).Format(time.RFC3339)}, t0.Add(90*time.Second))

	assert.Len(t, sink.batches(), 0, "nothing is delivered immediately while the aggregation window is open")
	require.NotNil(t, rt.pendingAggregate)
	assert.True(t, rt.pendingAggregate.FireAt.Equal(t0.Add(2*time.Minute)))

	// Flushing before fire_at does nothing; flushing at/after fire_at
	// delivers every match folded into the window as one combined batch.
	flow.flushPendingAggregate(ctx, rt, t0.Add(time.Minute))
	assert.Len(t, sink.batches(), 0)

	flow.flushPendingAggregate(ctx, rt, t0.Add(2*time.Minute))
	batches := sink.batches()
	require.Len(t, batches, 1)
	assert.Len(t, batches[0], 3)
	assert.Nil(t, rt.pendingAggregate)
}

func TestAddAggregatedAlertOpensNewWindowAfterExpiry(t *testing.T) {
	sink := &fakeSink{}
	flow, rt := newAlertFlowHarness(t, "agg-rule-2", sink)
	rt.Rule.AggregationSeconds = 120

	ctx := context.Background()
	t0 := time.Date(2026, 7, 29, 12, 0, 0, 0, time.UTC)

	flow.Dispatch(ctx, rt, models.Match{"@timestamp": t0.Format(time.RFC3339)}, t0)
	firstWindow := rt.pendingAggregate.FireAt

	// A match arriving after the first window's fire_at opens a fresh
	// window instead of folding into the (already-due) one.
	flow.Dispatch(ctx, rt, models.Match{"@timestamp": t0.Add(3 * time.Minute).Format(time.RFC3339)}, t0.Add(3*time.Minute))
	assert.False(t, rt.pendingAggregate.FireAt.Equal(firstWindow))
}

// TestAlertDebugModeSkipsSinksAndPersistence: debug mode delivers to the
// debug sink only and returns — real sinks never fire and nothing lands
// in the writeback index.
func TestAlertDebugModeSkipsSinksAndPersistence(t *testing.T) {
	sink := &fakeSink{}
	client := memclient.New()
	store := statestore.New(client, "writeback")
	silences := NewSilenceCache(store)
	flow := NewAlertFlow(store, silences, nil, true, 24*time.Hour)

	det, err := frequency.New(map[string]any{"num_events": 1, "timeframe_seconds": 60})
	require.NoError(t, err)

	rule := &config.Rule{Name: "debug-rule", TimestampField: "@timestamp", Sinks: []string{"fake"}}
	rt := NewRuleRuntime(rule, client, store, det, map[string]alerter.Alerter{"fake": sink}, nil, dashboard.NullLinker{}, false)

	ctx := context.Background()
	now := time.Date(2026, 7, 29, 12, 0, 0, 0, time.UTC)
	flow.Alert(ctx, rt, []models.Match{{"@timestamp": now.Format(time.RFC3339)}}, now)

	assert.Len(t, sink.batches(), 0, "real sinks must not fire in debug mode")
	assert.Empty(t, client.Docs("writeback"), "debug mode must not persist alert records")
}

func TestSendPendingAlertsRedeliversAfterSinkRecovers(t *testing.T) {
	sink := &fakeSink{failUntil: 1}
	flow, rt := newAlertFlowHarness(t, "retry-rule", sink)

	ctx := context.Background()
	now := time.Date(2026, 7, 29, 12, 0, 0, 0, time.UTC)

	flow.Alert(ctx, rt, []models.Match{{"@timestamp": now.Format(time.RFC3339)}}, now)
	assert.Len(t, sink.batches(), 0, "first delivery attempt fails and is persisted pending")

	pending, err := flow.store.FindPendingAlerts(ctx, rt.Rule.Name)
	require.NoError(t, err)
	require.Len(t, pending, 1)
	assert.False(t, pending[0].AlertSent)

	flow.SendPendingAlerts(ctx, rt, now)
	assert.Len(t, sink.batches(), 1, "retry succeeds once the sink recovers")

	pending, err = flow.store.FindPendingAlerts(ctx, rt.Rule.Name)
	require.NoError(t, err)
	assert.Len(t, pending, 0, "delivered record is removed from the pending set")
}

func TestSendPendingAlertsSkipsRecordsNotYetDue(t *testing.T) {
	sink := &fakeSink{}
	flow, rt := newAlertFlowHarness(t, "future-retry-rule", sink)

	ctx := context.Background()
	now := time.Date(2026, 7, 29, 12, 0, 0, 0, time.UTC)

	_, err := flow.store.WriteAlert(ctx, models.AlertRecord{
		RuleName:  rt.Rule.Name,
		MatchBody: models.Match{"@timestamp": now.Format(time.RFC3339)},
		AlertSent: false,
		AlertTime: now.Add(time.Hour), // not due yet
	})
	require.NoError(t, err)

	flow.SendPendingAlerts(ctx, rt, now)
	assert.Len(t, sink.batches(), 0, "a record whose alert_time is still in the future must not be redelivered")
}
