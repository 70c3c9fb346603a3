package engine

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/elastalert-go/elastalert/internal/dashboard"
	"github.com/elastalert-go/elastalert/internal/enhancement"
	"github.com/elastalert-go/elastalert/internal/events"
	"github.com/elastalert-go/elastalert/internal/metrics"
	"github.com/elastalert-go/elastalert/internal/models"
	"github.com/elastalert-go/elastalert/internal/statestore"
)

// AlertFlow owns the delivery side of a match's life: silence check,
// realert, aggregation, enhancement chain, sink fan-out, result
// persistence, and retry. It is process-wide (unlike RuleRuntime, which
// is per-rule) since silences and the pending-alert retry query span
// all rules.
type AlertFlow struct {
	store          *statestore.StateStore
	silences       *SilenceCache
	linker         dashboard.Linker
	debug          bool
	alertTimeLimit time.Duration
	hub            *events.Hub
}

// NewAlertFlow builds an AlertFlow. alertTimeLimit bounds how long an
// undelivered AlertRecord is retried before it's abandoned.
func NewAlertFlow(store *statestore.StateStore, silences *SilenceCache, linker dashboard.Linker, debug bool, alertTimeLimit time.Duration) *AlertFlow {
	if linker == nil {
		linker = dashboard.NullLinker{}
	}
	return &AlertFlow{store: store, silences: silences, linker: linker, debug: debug, alertTimeLimit: alertTimeLimit}
}

// SetHub attaches an events.Hub so delivery outcomes are broadcast to any
// connected operator dashboard. Optional; a nil hub (the default) makes
// publishing a no-op.
func (f *AlertFlow) SetHub(hub *events.Hub) {
	f.hub = hub
}

func (f *AlertFlow) publish(kind events.Kind, rule, message string) {
	if f.hub == nil {
		return
	}
	f.hub.Publish(events.Event{Kind: kind, Rule: rule, Message: message, Timestamp: time.Now().UTC()})
}

// Dispatch routes a single drained match: silence check, realert, then
// either immediate delivery or aggregation.
func (f *AlertFlow) Dispatch(ctx context.Context, rt *RuleRuntime, match models.Match, now time.Time) {
	key := rt.Rule.Name
	if rt.Rule.QueryKey != "" {
		if v, ok := match.StringField(rt.Rule.QueryKey); ok {
			key = rt.Rule.Name + "." + v
		}
	}

	if f.silences.IsSilenced(ctx, key, now) {
		return
	}

	if rt.Rule.Realert() > 0 {
		f.silences.SetRealert(ctx, key, now.Add(rt.Rule.Realert()))
	}

	if rt.Rule.Aggregation() <= 0 {
		f.Alert(ctx, rt, []models.Match{match}, now)
		return
	}
	f.addAggregatedAlert(ctx, rt, match, now)
}

// Alert is the immediate-delivery path: dashboard enrichment,
// enhancement chain, debug short-circuit, sink fan-out, and per-match
// AlertRecord persistence.
func (f *AlertFlow) Alert(ctx context.Context, rt *RuleRuntime, matches []models.Match, now time.Time) {
	if len(matches) == 0 {
		return
	}

	f.linkerFor(rt).Link(rt.Rule.Name, matches[0])

	kept := make([]models.Match, 0, len(matches))
	for _, m := range matches {
		dropped := false
		for _, e := range rt.Enhancements {
			if err := e.Process(m); err != nil {
				if enhancement.IsDrop(err) {
					dropped = true
					break
				}
				log.Warn().Str("rule", rt.Rule.Name).Err(err).Msg("enhancement failed, continuing with unmodified match")
			}
		}
		if !dropped {
			kept = append(kept, m)
		}
	}
	if len(kept) == 0 {
		return
	}

	// Debug mode delivers to the debug sink only and stops: nothing is
	// persisted, so a debug run leaves the writeback index untouched.
	if rt.debugMode || f.debug {
		deliverDebug(rt, kept)
		return
	}

	var sinkErr error
	sent := 0
	for _, s := range rt.Sinks {
		if err := s.impl.Alert(ctx, rt.Rule.Name, kept); err != nil {
			metrics.AlertsFailedTotal.WithLabelValues(rt.Rule.Name, s.name).Inc()
			if sinkErr == nil {
				sinkErr = fmt.Errorf("%s: %w", s.name, err)
			}
			log.Warn().Str("rule", rt.Rule.Name).Str("sink", s.name).Err(err).Msg("sink delivery failed")
			continue
		}
		metrics.AlertsSentTotal.WithLabelValues(rt.Rule.Name, s.name).Inc()
		sent++
	}

	if sent > 0 {
		f.publish(events.KindAlertSent, rt.Rule.Name, fmt.Sprintf("%d match(es) delivered", len(kept)))
	}
	if sinkErr != nil {
		f.publish(events.KindAlertFailed, rt.Rule.Name, sinkErr.Error())
	}

	f.persistBatch(ctx, rt.Rule.Name, kept, now, sent > 0, sinkErr)
}

// linkerFor prefers a rule's own dashboard linker over the process-wide
// one, so rules pointing at different stores can link to different
// dashboards.
func (f *AlertFlow) linkerFor(rt *RuleRuntime) dashboard.Linker {
	if rt.linker != nil {
		return rt.linker
	}
	return f.linker
}

func deliverDebug(rt *RuleRuntime, matches []models.Match) {
	for _, m := range matches {
		log.Info().Str("rule", rt.Rule.Name).Interface("match", map[string]any(m)).Msg("debug alert")
	}
}

// persistBatch writes one AlertRecord per match; the first persisted id
// becomes the aggregate_id shared by the rest of the batch.
func (f *AlertFlow) persistBatch(ctx context.Context, ruleName string, matches []models.Match, now time.Time, sent bool, sinkErr error) {
	var aggregateID string
	for i, m := range matches {
		rec := models.AlertRecord{
			RuleName:  ruleName,
			MatchBody: m,
			AlertInfo: models.AlertInfo{Type: "batch"},
			AlertSent: sent,
			AlertTime: now,
			Timestamp: now,
		}
		if sinkErr != nil {
			rec.AlertException = sinkErr.Error()
		}
		if i > 0 {
			rec.AggregateID = aggregateID
		}
		id, err := f.store.WriteAlert(ctx, rec)
		if err != nil {
			log.Warn().Str("rule", ruleName).Err(err).Msg("failed to persist alert record")
			continue
		}
		if i == 0 {
			aggregateID = id
		}
	}
}

// addAggregatedAlert opens a new aggregation window if none is pending
// or the pending one has expired, otherwise folds the match into the
// existing window.
func (f *AlertFlow) addAggregatedAlert(ctx context.Context, rt *RuleRuntime, match models.Match, now time.Time) {
	ts, ok := match.Timestamp(rt.Rule.TimestampField)
	if !ok {
		ts = now
	}

	if rt.pendingAggregate == nil || !rt.pendingAggregate.FireAt.After(ts) {
		rec := models.AlertRecord{
			RuleName:  rt.Rule.Name,
			MatchBody: match,
			AlertInfo: models.AlertInfo{Type: "aggregate"},
			AlertSent: false,
			AlertTime: ts.Add(rt.Rule.Aggregation()),
			Timestamp: now,
		}
		id, err := f.store.WriteAlert(ctx, rec)
		if err != nil {
			log.Warn().Str("rule", rt.Rule.Name).Err(err).Msg("failed to persist aggregated alert; buffering in memory")
			rt.pendingAggregate = &PendingAggregate{
				FireAt:  ts.Add(rt.Rule.Aggregation()),
				Matches: []models.Match{match},
			}
			return
		}
		rt.pendingAggregate = &PendingAggregate{
			ID:     id,
			FireAt: ts.Add(rt.Rule.Aggregation()),
		}
		return
	}

	rec := models.AlertRecord{
		RuleName:    rt.Rule.Name,
		MatchBody:   match,
		AlertInfo:   models.AlertInfo{Type: "aggregate"},
		AlertSent:   false,
		AlertTime:   rt.pendingAggregate.FireAt,
		AggregateID: rt.pendingAggregate.ID,
		Timestamp:   now,
	}
	if _, err := f.store.WriteAlert(ctx, rec); err != nil {
		log.Warn().Str("rule", rt.Rule.Name).Err(err).Msg("failed to persist aggregated alert; buffering in memory")
		rt.pendingAggregate.Matches = append(rt.pendingAggregate.Matches, match)
	}
}

// flushPendingAggregate delivers and clears a rule's pending aggregate
// once its fire_at is due, called at the start of each tick so matches
// carried over from prior ticks go out before new ones arrive.
func (f *AlertFlow) flushPendingAggregate(ctx context.Context, rt *RuleRuntime, now time.Time) {
	if rt.pendingAggregate == nil || rt.pendingAggregate.FireAt.After(now) {
		return
	}

	matches := rt.pendingAggregate.Matches
	if rt.pendingAggregate.ID != "" {
		siblings, err := f.store.FindPendingAlerts(ctx, rt.Rule.Name)
		if err != nil {
			log.Warn().Str("rule", rt.Rule.Name).Err(err).Msg("failed to look up aggregated alert siblings")
		} else {
			for _, rec := range siblings {
				if rec.AggregateID == rt.pendingAggregate.ID || rec.ID == rt.pendingAggregate.ID {
					matches = append(matches, rec.MatchBody)
					if err := f.store.DeletePendingAlert(ctx, rec.ID); err != nil {
						log.Warn().Str("rule", rt.Rule.Name).Err(err).Msg("failed to delete aggregated alert record")
					}
				}
			}
		}
	}

	rt.pendingAggregate = nil
	if len(matches) == 0 {
		return
	}
	f.Alert(ctx, rt, matches, now)
}

// SendPendingAlerts is the retry path: redeliver AlertRecords that are
// due (alert_time <= now) and still unsent, gathering aggregate
// siblings, then deleting every involved record.
func (f *AlertFlow) SendPendingAlerts(ctx context.Context, rt *RuleRuntime, now time.Time) {
	records, err := f.store.FindPendingAlerts(ctx, rt.Rule.Name)
	if err != nil {
		log.Warn().Str("rule", rt.Rule.Name).Err(err).Msg("failed to query pending alerts")
		return
	}

	groups := make(map[string][]models.AlertRecord)
	var singles []models.AlertRecord
	for _, rec := range records {
		if now.Sub(rec.AlertTime) > f.alertTimeLimit {
			continue
		}
		if rec.AlertTime.After(now) {
			continue
		}
		if rec.AggregateID != "" {
			groups[rec.AggregateID] = append(groups[rec.AggregateID], rec)
			continue
		}
		singles = append(singles, rec)
	}

	for _, rec := range singles {
		all := append([]models.AlertRecord{rec}, groups[rec.ID]...)
		delete(groups, rec.ID)
		f.redeliver(ctx, rt, all, now)
	}
}

func (f *AlertFlow) redeliver(ctx context.Context, rt *RuleRuntime, records []models.AlertRecord, now time.Time) {
	matches := make([]models.Match, 0, len(records))
	for _, r := range records {
		matches = append(matches, r.MatchBody)
	}

	for _, s := range rt.Sinks {
		if err := s.impl.Alert(ctx, rt.Rule.Name, matches); err != nil {
			metrics.AlertsFailedTotal.WithLabelValues(rt.Rule.Name, s.name).Inc()
			log.Warn().Str("rule", rt.Rule.Name).Str("sink", s.name).Err(err).Msg("retry delivery failed")
			return
		}
		metrics.AlertsSentTotal.WithLabelValues(rt.Rule.Name, s.name).Inc()
	}

	for _, r := range records {
		if err := f.store.DeletePendingAlert(ctx, r.ID); err != nil {
			log.Warn().Str("rule", rt.Rule.Name).Err(err).Msg("failed to delete delivered alert record")
		}
	}
}
