// Command elastalert is the CLI entrypoint: cobra-based flag parsing,
// config/rule loading, and the top-level run loop.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/elastalert-go/elastalert/internal/bootstrap"
	"github.com/elastalert-go/elastalert/internal/config"
	"github.com/elastalert-go/elastalert/internal/engine"
	"github.com/elastalert-go/elastalert/internal/events"
	"github.com/elastalert-go/elastalert/internal/logging"
	"github.com/elastalert-go/elastalert/internal/metrics"
	"github.com/elastalert-go/elastalert/internal/query"
	"github.com/elastalert-go/elastalert/internal/query/memclient"
	"github.com/elastalert-go/elastalert/internal/registry"
	"github.com/elastalert-go/elastalert/internal/statestore"
	"github.com/elastalert-go/elastalert/internal/timeutil"
)

// Version is set at build time with -ldflags.
var Version = "dev"

type cliFlags struct {
	configPath  string
	rulePin     string
	debug       bool
	verbose     bool
	start       string
	end         string
	silence     string
	pinRules    bool
	mock        bool
	metricsAddr string
	eventsAddr  string
}

func main() {
	var flags cliFlags

	rootCmd := &cobra.Command{
		Use:     "elastalert",
		Short:   "Rule-driven alerting engine for a time-series document store",
		Version: Version,
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(cmd.Context(), flags)
		},
	}

	rootCmd.Flags().StringVar(&flags.configPath, "config", "config.yaml", "path to the global configuration file")
	rootCmd.Flags().StringVar(&flags.rulePin, "rule", "", "pin execution to a single rule file")
	rootCmd.Flags().BoolVar(&flags.debug, "debug", false, "log matches instead of calling real sinks")
	rootCmd.Flags().BoolVar(&flags.verbose, "verbose", false, "enable info-level logging")
	rootCmd.Flags().StringVar(&flags.start, "start", "", "override the query window start (ISO 8601), first tick only")
	rootCmd.Flags().StringVar(&flags.end, "end", "", "override the query window end (ISO 8601) every tick")
	rootCmd.Flags().StringVar(&flags.silence, "silence", "", "silence the pinned rule for a duration (unit=n, e.g. hours=2) and exit")
	rootCmd.Flags().BoolVar(&flags.pinRules, "pin_rules", false, "disable hot reload of the rules folder")
	rootCmd.Flags().BoolVar(&flags.mock, "mock", false, "use an in-memory backing store instead of Elasticsearch")
	rootCmd.Flags().StringVar(&flags.metricsAddr, "metrics-addr", "", "address to serve Prometheus metrics on (empty disables)")
	rootCmd.Flags().StringVar(&flags.eventsAddr, "events-addr", "", "address to serve the live event websocket on (empty disables)")

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()
	rootCmd.SetContext(ctx)

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, flags cliFlags) error {
	logging.Setup(flags.debug, flags.verbose)

	if flags.silence != "" && flags.rulePin == "" {
		log.Fatal().Msg("--silence requires --rule")
	}

	config.LoadDotEnv(".env")
	global, err := config.LoadGlobal(flags.configPath)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to load global configuration")
	}

	var cliStart, cliEnd time.Time
	if flags.start != "" {
		cliStart, err = timeutil.Parse(flags.start)
		if err != nil {
			log.Fatal().Err(err).Msg("invalid --start timestamp")
		}
	}
	if flags.end != "" {
		cliEnd, err = timeutil.Parse(flags.end)
		if err != nil {
			log.Fatal().Err(err).Msg("invalid --end timestamp")
		}
	}

	rules, err := loadRules(global, flags.rulePin)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to load rules")
	}
	if len(rules) == 0 {
		log.Warn().Msg("no rules loaded")
	}
	if flags.rulePin != "" {
		// A pinned single-rule run never hot-reloads.
		flags.pinRules = true
	}

	pool := clientPool(global, flags.mock)
	store, err := newStateStore(global, pool)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to initialize state store")
	}

	if flags.silence != "" {
		return runSilenceCommand(ctx, store, rules[0], flags.silence)
	}

	builder := &bootstrap.Builder{
		Registry: registry.New(),
		Clients:  pool,
		Store:    store,
		Debug:    flags.debug,
	}

	silences := engine.NewSilenceCache(store)
	flow := engine.NewAlertFlow(store, silences, nil, flags.debug, global.AlertTimeLimit())

	var hub *events.Hub
	if flags.eventsAddr != "" {
		hub = events.NewHub()
		flow.SetHub(hub)
		hub.Serve(ctx, flags.eventsAddr)
	}
	if flags.metricsAddr != "" {
		metrics.Serve(ctx, flags.metricsAddr)
	}

	runtimes := make(map[string]*engine.RuleRuntime, len(rules))
	for _, lr := range rules {
		rt, err := builder.Build(lr.Rule)
		if err != nil {
			log.Warn().Str("path", lr.Path).Err(err).Msg("failed to initialize rule, skipping")
			continue
		}
		if cliStart.IsZero() {
			recoverCheckpoint(ctx, store, rt, lr.Rule, global)
		}
		runtimes[lr.Path] = rt
	}
	metrics.RulesLoaded.Set(float64(len(runtimes)))

	watcher, err := watcherFor(global, flags)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to start rules folder watcher")
	}
	defer watcher.Stop()

	scheduler := engine.NewScheduler(flow, watcher, flags.pinRules, concurrencyFor(global), runtimes, builder.Build)

	runEvery := global.RunEvery()
	if len(rules) > 0 && rules[0].Rule.RunEvery() > 0 {
		runEvery = rules[0].Rule.RunEvery()
	}
	scheduler.Run(ctx, runEvery, cliStart, cliEnd)
	log.Info().Msg("shutdown complete")
	return nil
}

func concurrencyFor(global *config.Global) int {
	return 4
}

type loadedRule struct {
	Path string
	Rule *config.Rule
}

func loadRules(global *config.Global, pin string) ([]loadedRule, error) {
	if pin != "" {
		rule, err := config.LoadRuleFile(pin, global)
		if err != nil {
			return nil, err
		}
		return []loadedRule{{Path: pin, Rule: rule}}, nil
	}

	results, err := config.LoadRulesFolder(global.RulesFolder, global)
	if err != nil {
		return nil, err
	}
	var out []loadedRule
	for _, r := range results {
		if r.Err != nil {
			log.Warn().Str("path", r.Path).Err(r.Err).Msg("failed to load rule file, skipping")
			continue
		}
		out = append(out, loadedRule{Path: r.Path, Rule: r.Rule})
	}
	return out, nil
}

func watcherFor(global *config.Global, flags cliFlags) (*config.Watcher, error) {
	return config.NewWatcher(global.RulesFolder, global)
}

func clientPool(global *config.Global, mock bool) *bootstrap.ClientPool {
	if !mock {
		return bootstrap.NewClientPool(global.ESUsername, global.ESPassword)
	}
	shared := memclient.New()
	return bootstrap.NewClientPoolWith(func(host string, port int) (query.Client, error) {
		return shared, nil
	})
}

func newStateStore(global *config.Global, pool *bootstrap.ClientPool) (*statestore.StateStore, error) {
	return statestore.NewWithRebuild(global.WritebackIndex, func() (query.Client, error) {
		return pool.Get(global.ESHost, global.ESPort)
	})
}

func recoverCheckpoint(ctx context.Context, store *statestore.StateStore, rt *engine.RuleRuntime, rule *config.Rule, global *config.Global) {
	rec, found, err := store.LatestStatus(ctx, rule.Name)
	if err != nil || !found {
		return
	}
	limit := rule.OldQueryLimit()
	if limit <= 0 {
		limit = global.OldQueryLimit()
	}
	rt.RecoverCheckpoint(rec.EndTime, timeutil.Now(), limit)
}

func runSilenceCommand(ctx context.Context, store *statestore.StateStore, rule loadedRule, spec string) error {
	until, err := parseSilenceSpec(spec)
	if err != nil {
		log.Fatal().Err(err).Msg("invalid --silence duration")
	}
	silences := engine.NewSilenceCache(store)
	silences.SetRealert(ctx, rule.Rule.Name, timeutil.Now().Add(until))
	fmt.Printf("silenced %s until %s\n", rule.Rule.Name, timeutil.Format(timeutil.Now().Add(until)))
	return nil
}

// parseSilenceSpec parses the "unit=n" form the one-shot --silence
// command takes (e.g. "hours=2", "minutes=30", "days=1").
func parseSilenceSpec(spec string) (time.Duration, error) {
	parts := strings.SplitN(spec, "=", 2)
	if len(parts) != 2 {
		return 0, fmt.Errorf("silence spec must be unit=n, got %q", spec)
	}
	n, err := strconv.Atoi(parts[1])
	if err != nil {
		return 0, fmt.Errorf("silence spec %q: %w", spec, err)
	}

	var unit time.Duration
	switch parts[0] {
	case "seconds":
		unit = time.Second
	case "minutes":
		unit = time.Minute
	case "hours":
		unit = time.Hour
	case "days":
		unit = 24 * time.Hour
	case "weeks":
		unit = 7 * 24 * time.Hour
	default:
		return 0, fmt.Errorf("unrecognized silence unit %q", parts[0])
	}
	return time.Duration(n) * unit, nil
}
