// Package metrics defines the Prometheus collectors the engine exports
// and the HTTP endpoint that serves them.
package metrics

import (
	"context"
	"net/http"
	"os"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog/log"
	"github.com/shirou/gopsutil/v4/process"
)

var shutdownTimeout = 5 * time.Second
var processStatsInterval = 15 * time.Second

var (
	// TicksTotal counts completed rule ticks, labeled by rule and outcome
	// ("ok", "transient_error", "error").
	TicksTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "elastalert_ticks_total",
		Help: "Total number of rule ticks run, by rule and outcome.",
	}, []string{"rule", "outcome"})

	// MatchesTotal counts matches detectors have produced, by rule.
	MatchesTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "elastalert_matches_total",
		Help: "Total number of matches produced, by rule.",
	}, []string{"rule"})

	// AlertsSentTotal counts delivered alerts, by rule and sink.
	AlertsSentTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "elastalert_alerts_sent_total",
		Help: "Total number of alerts successfully delivered, by rule and sink.",
	}, []string{"rule", "sink"})

	// AlertsFailedTotal counts delivery failures, by rule and sink.
	AlertsFailedTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "elastalert_alerts_failed_total",
		Help: "Total number of alert delivery failures, by rule and sink.",
	}, []string{"rule", "sink"})

	// TickDuration observes how long each rule's tick took.
	TickDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "elastalert_tick_duration_seconds",
		Help:    "Duration of a single rule tick.",
		Buckets: prometheus.DefBuckets,
	}, []string{"rule"})

	// RulesLoaded reports how many rule files are currently active.
	RulesLoaded = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "elastalert_rules_loaded",
		Help: "Number of rule files currently loaded.",
	})

	// ProcessCPUPercent reports this process's own CPU usage, percent of
	// one core, so an operator can tell a lagging scheduler from a
	// starved host apart from a slow backing store.
	ProcessCPUPercent = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "elastalert_process_cpu_percent",
		Help: "CPU utilization of this process, percent of one core.",
	})

	// ProcessMemoryRSSBytes reports this process's resident set size.
	ProcessMemoryRSSBytes = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "elastalert_process_memory_rss_bytes",
		Help: "Resident set size of this process, in bytes.",
	})
)

func init() {
	prometheus.MustRegister(TicksTotal, MatchesTotal, AlertsSentTotal, AlertsFailedTotal, TickDuration, RulesLoaded,
		ProcessCPUPercent, ProcessMemoryRSSBytes)
}

// Serve starts the /metrics HTTP endpoint on addr and shuts it down when
// ctx is canceled.
func Serve(ctx context.Context, addr string) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())

	srv := &http.Server{
		Addr:         addr,
		Handler:      mux,
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 10 * time.Second,
		IdleTimeout:  30 * time.Second,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil && err != http.ErrServerClosed {
			log.Warn().Err(err).Str("addr", addr).Msg("failed to shut down metrics server cleanly")
		}
	}()

	go func() {
		log.Info().Str("addr", addr).Msg("metrics endpoint listening")
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Warn().Err(err).Str("addr", addr).Msg("metrics server stopped unexpectedly")
		}
	}()

	go collectProcessStats(ctx)
}

// collectProcessStats polls gopsutil for this process's own CPU and
// memory usage on a fixed interval, alongside the tick-health counters
// above, until ctx is canceled.
func collectProcessStats(ctx context.Context) {
	proc, err := process.NewProcess(int32(os.Getpid()))
	if err != nil {
		log.Warn().Err(err).Msg("process stats collector disabled: could not open self process handle")
		return
	}

	ticker := time.NewTicker(processStatsInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if pct, err := proc.CPUPercent(); err == nil {
				ProcessCPUPercent.Set(pct)
			}
			if mem, err := proc.MemoryInfo(); err == nil && mem != nil {
				ProcessMemoryRSSBytes.Set(float64(mem.RSS))
			}
		}
	}
}
