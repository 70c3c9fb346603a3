package engine

import (
	"context"
	"time"

	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"

	"github.com/elastalert-go/elastalert/internal/config"
	"github.com/elastalert-go/elastalert/internal/events"
	"github.com/elastalert-go/elastalert/internal/metrics"
)

// Scheduler is the top-level polling loop: one tick processes every
// loaded rule, optionally fanning out across a bounded worker pool,
// while keeping each RuleRuntime serialized to a single worker.
type Scheduler struct {
	flow        *AlertFlow
	watcher     *config.Watcher
	pinRules    bool
	concurrency int

	runtimes map[string]*RuleRuntime
	build    func(*config.Rule) (*RuleRuntime, error)
}

// NewScheduler builds a Scheduler over an initial set of runtimes.
// build is used to construct a RuleRuntime for a rule file the hot-reload
// watcher reports as Added.
func NewScheduler(flow *AlertFlow, watcher *config.Watcher, pinRules bool, concurrency int, initial map[string]*RuleRuntime, build func(*config.Rule) (*RuleRuntime, error)) *Scheduler {
	if concurrency <= 0 {
		concurrency = 1
	}
	return &Scheduler{
		flow:        flow,
		watcher:     watcher,
		pinRules:    pinRules,
		concurrency: concurrency,
		runtimes:    initial,
		build:       build,
	}
}

// Run drives ticks every runEvery until ctx is canceled. cliStart/cliEnd
// are the operator's --start/--end overrides (zero if absent). It
// returns only once the current tick's in-flight rules finish, so a
// shutdown never abandons a chunk mid-ingest.
func (s *Scheduler) Run(ctx context.Context, runEvery time.Duration, cliStart, cliEnd time.Time) {
	for {
		tickStart := time.Now()
		s.runOnce(ctx, tickStart, cliStart, cliEnd)

		if !s.pinRules {
			s.reconcileRules()
		}

		elapsed := time.Since(tickStart)
		if elapsed > runEvery {
			log.Warn().Dur("elapsed", elapsed).Dur("run_every", runEvery).Msg("tick exceeded cadence, starting next tick immediately")
			select {
			case <-ctx.Done():
				return
			default:
				continue
			}
		}

		select {
		case <-ctx.Done():
			return
		case <-time.After(runEvery - elapsed):
		}
	}
}

// runOnce ticks every loaded rule exactly once, bounded by s.concurrency
// concurrent workers via errgroup, each rule serialized onto its own
// RuleRuntime.
func (s *Scheduler) runOnce(ctx context.Context, now, cliStart, cliEnd time.Time) {
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(s.concurrency)

	for _, rt := range s.runtimes {
		rt := rt
		g.Go(func() error {
			rt.Tick(gctx, s.flow, now, cliStart, cliEnd)
			s.flow.SendPendingAlerts(gctx, rt, now)
			return nil
		})
	}
	_ = g.Wait()
}

// reconcileRules consults the hot-reload watcher for added/changed/
// removed rule files. It never races an in-flight tick since it only
// runs between calls to runOnce.
func (s *Scheduler) reconcileRules() {
	select {
	case change, ok := <-s.watcher.Changes():
		if !ok {
			return
		}
		s.applyChange(change)
		s.drainPending()
	default:
	}
}

func (s *Scheduler) drainPending() {
	for {
		select {
		case change, ok := <-s.watcher.Changes():
			if !ok {
				return
			}
			s.applyChange(change)
		default:
			return
		}
	}
}

func (s *Scheduler) applyChange(change config.Change) {
	defer metrics.RulesLoaded.Set(float64(len(s.runtimes)))
	switch change.Kind {
	case config.Removed:
		delete(s.runtimes, change.Path)
		log.Info().Str("path", change.Path).Msg("rule file removed, dropping runtime")

	case config.Changed:
		if change.Err != nil {
			log.Warn().Str("path", change.Path).Err(change.Err).Msg("failed to reparse rule file, keeping previous runtime")
			return
		}
		if rt, ok := s.runtimes[change.Path]; ok {
			rt.ReplaceConfig(change.Rule)
			log.Info().Str("path", change.Path).Str("rule", change.Rule.Name).Msg("rule file changed, runtime state carried over")
			s.flow.publish(events.KindRuleReload, change.Rule.Name, "rule file changed")
			return
		}
		s.addRule(change)

	case config.Added:
		if s.pinRules {
			return
		}
		s.addRule(change)
	}
}

func (s *Scheduler) addRule(change config.Change) {
	rt, err := s.build(change.Rule)
	if err != nil {
		log.Warn().Str("path", change.Path).Err(err).Msg("failed to initialize runtime for new rule")
		return
	}
	s.runtimes[change.Path] = rt
	log.Info().Str("path", change.Path).Str("rule", change.Rule.Name).Msg("rule file added")
}
