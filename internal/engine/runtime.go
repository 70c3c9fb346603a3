// Package engine is the core polling/detection/alerting loop: the
// per-rule runtime and query pipeline, the top-level scheduler, the
// alert delivery flow, and the silence cache. One RuleRuntime exists per
// loaded rule and owns all of that rule's mutable state; the Scheduler
// drives a RuleRuntime's Tick once per cadence, serialized per rule by
// its own mutex so a worker-pool Scheduler never touches one rule's
// state from two goroutines at once.
package engine

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/elastalert-go/elastalert/internal/alerter"
	"github.com/elastalert-go/elastalert/internal/config"
	"github.com/elastalert-go/elastalert/internal/dashboard"
	"github.com/elastalert-go/elastalert/internal/detector"
	"github.com/elastalert-go/elastalert/internal/enhancement"
	"github.com/elastalert-go/elastalert/internal/events"
	"github.com/elastalert-go/elastalert/internal/metrics"
	"github.com/elastalert-go/elastalert/internal/models"
	"github.com/elastalert-go/elastalert/internal/query"
	"github.com/elastalert-go/elastalert/internal/statestore"
	"github.com/elastalert-go/elastalert/internal/timeutil"
)

// PendingAggregate is the in-flight aggregation window for a rule. At
// most one exists per rule; its ID is the persisted record id of the
// first match in the group.
type PendingAggregate struct {
	ID      string
	FireAt  time.Time
	Matches []models.Match
}

// RuleRuntime owns one rule's mutable execution state: its checkpoint,
// dedup set, pending aggregate, and the injected detector/sinks/
// enhancements capability sets. Every exported method locks mu, so
// calling a RuleRuntime from multiple goroutines is safe, but callers
// should still prefer the Scheduler's per-rule serialization to avoid
// two ticks for the same rule running concurrently (checkpoint
// monotonicity assumes that doesn't happen).
type RuleRuntime struct {
	mu sync.Mutex

	Rule *config.Rule

	checkpoint         time.Time
	originalCheckpoint time.Time
	processedIDs       map[string]time.Time
	pendingAggregate   *PendingAggregate

	Detector     detector.Detector
	Sinks        []alerterBinding
	Enhancements []enhancement.Enhancement

	client    query.Client
	store     *statestore.StateStore
	linker    dashboard.Linker
	debugMode bool
}

type alerterBinding struct {
	name string
	impl alerter.Alerter
}

// NewRuleRuntime builds a fresh RuleRuntime for a newly loaded rule,
// with blank runtime state; RecoverCheckpoint may then seed the
// checkpoint from a persisted status record.
func NewRuleRuntime(rule *config.Rule, client query.Client, store *statestore.StateStore, det detector.Detector, sinks map[string]alerter.Alerter, enh []enhancement.Enhancement, linker dashboard.Linker, debugMode bool) *RuleRuntime {
	rt := &RuleRuntime{
		Rule:         rule,
		processedIDs: make(map[string]time.Time),
		Detector:     det,
		Enhancements: enh,
		client:       client,
		store:        store,
		linker:       linker,
		debugMode:    debugMode,
	}
	for _, name := range rule.Sinks {
		if impl, ok := sinks[name]; ok {
			rt.Sinks = append(rt.Sinks, alerterBinding{name: name, impl: impl})
		} else {
			log.Warn().Str("rule", rule.Name).Str("sink", name).Msg("configured sink not found, skipping")
		}
	}
	return rt
}

// RecoverCheckpoint sets the runtime's checkpoint from the most recent
// StatusRecord.endtime for this rule. A recovered endtime older than
// oldQueryLimit is discarded so a long-dormant process doesn't backfill
// from weeks ago.
func (rt *RuleRuntime) RecoverCheckpoint(endtime time.Time, now time.Time, oldQueryLimit time.Duration) {
	rt.mu.Lock()
	defer rt.mu.Unlock()
	if now.Sub(endtime) < oldQueryLimit {
		rt.checkpoint = endtime
	}
}

// ReplaceConfig swaps in a newly parsed Rule on hot reload. Runtime
// fields (processed ids, pending aggregate, checkpoint) carry over;
// only the configuration is replaced.
func (rt *RuleRuntime) ReplaceConfig(rule *config.Rule) {
	rt.mu.Lock()
	defer rt.mu.Unlock()
	rt.Rule = rule
}

// Checkpoint returns the runtime's current checkpoint, for tests and
// status reporting.
func (rt *RuleRuntime) Checkpoint() time.Time {
	rt.mu.Lock()
	defer rt.mu.Unlock()
	return rt.checkpoint
}

// tickWindow computes (start, end) for this tick. An explicit --end
// wins over a configured query_delay; cliEnd and cliStart are zero when
// the operator passed no override.
func (rt *RuleRuntime) tickWindow(now, cliStart, cliEnd time.Time) (start, end time.Time) {
	switch {
	case !cliEnd.IsZero():
		end = cliEnd
	case rt.Rule.QueryDelay() > 0:
		end = now.Add(-rt.Rule.QueryDelay())
	default:
		end = now
	}

	// --start only seeds the very first window; once a checkpoint exists
	// the incremental contract takes over.
	if !cliStart.IsZero() && rt.checkpoint.IsZero() {
		start = cliStart
	} else if !rt.checkpoint.IsZero() {
		start = rt.checkpoint
	} else if rt.Rule.QueryMode == config.QueryModeHits || rt.Rule.QueryMode == "" {
		start = end.Add(-rt.Rule.BufferTime())
	} else {
		start = end.Add(-rt.Rule.RunEvery())
	}
	return start, end
}

// Tick runs one full scheduling cycle for the rule: window computation,
// chunked querying, garbage collection, match disposition, status
// persistence, and processed-id eviction.
func (rt *RuleRuntime) Tick(ctx context.Context, flow *AlertFlow, now, cliStart, cliEnd time.Time) {
	rt.mu.Lock()
	defer rt.mu.Unlock()

	tickStartedAt := time.Now()
	start, end := rt.tickWindow(now, cliStart, cliEnd)
	rt.originalCheckpoint = rt.checkpoint

	if start.After(now) {
		log.Warn().Str("rule", rt.Rule.Name).Time("start", start).Time("now", now).
			Msg("rule start is in the future, skipping tick")
		return
	}

	flow.flushPendingAggregate(ctx, rt, now)

	hits, err := rt.runChunked(ctx, start, end)
	if err != nil {
		log.Error().Str("rule", rt.Rule.Name).Time("checkpoint_at_tick_start", rt.originalCheckpoint).
			Err(err).Msg("tick aborted")
		metrics.TicksTotal.WithLabelValues(rt.Rule.Name, outcomeFor(err)).Inc()
		rt.persistError(ctx, err)
		return
	}
	metrics.TicksTotal.WithLabelValues(rt.Rule.Name, "ok").Inc()

	rt.Detector.GarbageCollect(end)

	matches := rt.Detector.Matches()
	metrics.MatchesTotal.WithLabelValues(rt.Rule.Name).Add(float64(len(matches)))
	for _, m := range matches {
		flow.Dispatch(ctx, rt, m, now)
	}

	elapsed := time.Since(tickStartedAt)
	metrics.TickDuration.WithLabelValues(rt.Rule.Name).Observe(elapsed.Seconds())
	rt.persistStatus(ctx, start, end, hits, len(matches), elapsed)
	rt.evictProcessedIDs(now)
	flow.publish(events.KindTick, rt.Rule.Name, fmt.Sprintf("%d hits, %d matches in %s", hits, len(matches), elapsed.Round(time.Millisecond)))
}

func outcomeFor(err error) string {
	if query.IsTransient(err) {
		return "transient_error"
	}
	return "error"
}

// runChunked splits a long window into consecutive run_every-sized
// chunks, each a separate query, advancing the checkpoint after each
// chunk fully ingests. On any chunk failure the whole tick aborts and
// the checkpoint does not advance past the failing chunk's start.
func (rt *RuleRuntime) runChunked(ctx context.Context, start, end time.Time) (totalHits int, err error) {
	step := rt.Rule.RunEvery()
	if step <= 0 {
		step = end.Sub(start)
	}

	chunkStart := start
	for {
		chunkEnd := chunkStart.Add(step)
		last := false
		if !chunkEnd.Before(end) {
			chunkEnd = end
			last = true
		}

		n, err := rt.runQuery(ctx, chunkStart, chunkEnd)
		if err != nil {
			return totalHits, err
		}
		totalHits += n
		rt.checkpoint = chunkEnd

		if last {
			break
		}
		chunkStart = chunkEnd
	}
	return totalHits, nil
}

// runQuery builds the query body for one chunk, dispatches by
// query_mode, dedups hits against processedIDs, and feeds the detector.
func (rt *RuleRuntime) runQuery(ctx context.Context, start, end time.Time) (int, error) {
	index := timeutil.ExpandIndexPattern(rt.Rule.IndexPattern, start, end)

	switch rt.Rule.QueryMode {
	case config.QueryModeCount:
		body := query.BuildCountBody(rt.Rule.Filters, rt.Rule.TimestampField, start, end)
		count, err := rt.client.Count(ctx, index, rt.Rule.DocType, body)
		if err != nil {
			return 0, fmt.Errorf("runtime.runQuery: count: %w", err)
		}
		rt.Detector.AddCount(end, count)
		return count, nil

	case config.QueryModeTerms:
		body := query.BuildTermsBody(rt.Rule.Filters, rt.Rule.TimestampField, start, end, rt.Rule.TermsKey, rt.Rule.TermsSize)
		res, err := rt.client.Terms(ctx, index, rt.Rule.DocType, body)
		if err != nil {
			return 0, fmt.Errorf("runtime.runQuery: terms: %w", err)
		}
		buckets := make(map[string]int, len(res.Buckets))
		total := 0
		for _, b := range res.Buckets {
			buckets[b.Key] = b.DocCount
			total += b.DocCount
		}
		rt.Detector.AddTerms(end, buckets)
		return total, nil

	default: // hits
		body := query.BuildSearchBody(rt.Rule.Filters, rt.Rule.TimestampField, start, end, true)
		size := rt.Rule.MaxQuerySize
		res, err := rt.client.Search(ctx, index, body, size, rt.Rule.IncludedFields)
		if err != nil {
			return 0, fmt.Errorf("runtime.runQuery: search: %w", err)
		}
		if size > 0 && len(res.Hits) >= size {
			log.Warn().Str("rule", rt.Rule.Name).Int("size", size).
				Msg("query hit max_query_size, data may have been lost to the ceiling")
		}

		var fresh []models.Match
		for _, h := range res.Hits {
			if _, seen := rt.processedIDs[h.ID]; seen {
				continue
			}
			match := models.Match(h.Source)
			ts, ok := match.Timestamp(rt.Rule.TimestampField)
			if !ok {
				ts = end
			}
			rt.processedIDs[h.ID] = ts
			fresh = append(fresh, match)
		}
		rt.Detector.AddHits(fresh)
		return len(res.Hits), nil
	}
}

func (rt *RuleRuntime) evictProcessedIDs(now time.Time) {
	cutoff := now.Add(-rt.Rule.BufferTime())
	for id, seenAt := range rt.processedIDs {
		if seenAt.Before(cutoff) {
			delete(rt.processedIDs, id)
		}
	}
}

func (rt *RuleRuntime) persistStatus(ctx context.Context, start, end time.Time, hits, matchCount int, elapsed time.Duration) {
	rec := models.StatusRecord{
		RuleName:  rt.Rule.Name,
		StartTime: start,
		EndTime:   end,
		Hits:      hits,
		Matches:   matchCount,
		TimeTaken: elapsed.Seconds(),
		Timestamp: time.Now().UTC(),
	}
	if err := rt.store.WriteStatus(ctx, rec); err != nil {
		log.Warn().Str("rule", rt.Rule.Name).Err(err).Msg("failed to persist status record")
	}
}

func (rt *RuleRuntime) persistError(ctx context.Context, err error) {
	rec := models.ErrorRecord{
		Message:   err.Error(),
		Data:      map[string]any{"rule_name": rt.Rule.Name},
		Timestamp: time.Now().UTC(),
	}
	if werr := rt.store.WriteError(ctx, rec); werr != nil {
		log.Warn().Str("rule", rt.Rule.Name).Err(werr).Msg("failed to persist error record")
	}
}
