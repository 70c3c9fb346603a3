package main

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/elastalert-go/elastalert/internal/config"
	"github.com/elastalert-go/elastalert/internal/dashboard"
	"github.com/elastalert-go/elastalert/internal/detector/frequency"
	"github.com/elastalert-go/elastalert/internal/engine"
	"github.com/elastalert-go/elastalert/internal/models"
	"github.com/elastalert-go/elastalert/internal/query/memclient"
	"github.com/elastalert-go/elastalert/internal/statestore"
)

func TestParseSilenceSpecValidUnits(t *testing.T) {
	cases := map[string]time.Duration{
		"seconds=30": 30 * time.Second,
		"minutes=5":  5 * time.Minute,
		"hours=2":    2 * time.Hour,
		"days=1":     24 * time.Hour,
		"weeks=1":    7 * 24 * time.Hour,
	}
	for spec, want := range cases {
		got, err := parseSilenceSpec(spec)
		require.NoError(t, err, spec)
		assert.Equal(t, want, got, spec)
	}
}

func TestParseSilenceSpecRejectsMalformedInput(t *testing.T) {
	_, err := parseSilenceSpec("hours")
	assert.ErrorContains(t, err, "unit=n")

	_, err = parseSilenceSpec("hours=two")
	assert.Error(t, err)

	_, err = parseSilenceSpec("fortnights=1")
	assert.ErrorContains(t, err, "unrecognized silence unit")
}

func TestClientPoolMockSharesOneMemclientAcrossEndpoints(t *testing.T) {
	pool := clientPool(&config.Global{}, true)
	c1, err := pool.Get("a", 1)
	require.NoError(t, err)
	c2, err := pool.Get("b", 2)
	require.NoError(t, err)
	assert.Same(t, c1, c2, "--mock wires every rule to the same in-memory client regardless of es_host/es_port")
}

func TestRunSilenceCommandSetsRealertAndReturnsNoError(t *testing.T) {
	client := memclient.New()
	store := statestore.New(client, "writeback")

	ctx := context.Background()
	err := runSilenceCommand(ctx, store, loadedRule{Path: "r.yaml", Rule: &config.Rule{Name: "pinned-rule"}}, "hours=1")
	require.NoError(t, err)

	silences := engine.NewSilenceCache(store)
	assert.True(t, silences.IsSilenced(ctx, "pinned-rule", time.Now()))
	assert.False(t, silences.IsSilenced(ctx, "pinned-rule", time.Now().Add(2*time.Hour)))
}

func TestRecoverCheckpointAdoptsPriorEndTimeWithinOldQueryLimit(t *testing.T) {
	client := memclient.New()
	store := statestore.New(client, "writeback")
	ctx := context.Background()

	rule := &config.Rule{Name: "r1", TimestampField: "@timestamp", OldQueryLimitSeconds: 86400}
	endTime := time.Now().Add(-time.Hour)
	require.NoError(t, store.WriteStatus(ctx, models.StatusRecord{
		RuleName: "r1",
		EndTime:  endTime,
	}))

	det, derr := frequency.New(map[string]any{"num_events": 1, "timeframe_seconds": 60})
	require.NoError(t, derr)
	rt := engine.NewRuleRuntime(rule, client, store, det, nil, nil, dashboard.NullLinker{}, false)

	global := &config.Global{}
	recoverCheckpoint(ctx, store, rt, rule, global)
	assert.True(t, rt.Checkpoint().Equal(endTime), "recoverCheckpoint adopts the last run's end_time as the new checkpoint")
}

func TestRecoverCheckpointNoOpWhenNoPriorStatus(t *testing.T) {
	client := memclient.New()
	store := statestore.New(client, "writeback")
	ctx := context.Background()

	rule := &config.Rule{Name: "unknown-rule", TimestampField: "@timestamp"}
	det, derr := frequency.New(map[string]any{"num_events": 1, "timeframe_seconds": 60})
	require.NoError(t, derr)
	rt := engine.NewRuleRuntime(rule, client, store, det, nil, nil, dashboard.NullLinker{}, false)

	before := rt.Checkpoint()
	global := &config.Global{}
	recoverCheckpoint(ctx, store, rt, rule, global)
	assert.True(t, rt.Checkpoint().Equal(before), "with no prior status recorded, the checkpoint is left untouched")
}
