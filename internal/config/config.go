// Package config loads the global YAML configuration and per-rule YAML
// rule files, and watches the rules folder for changes with fsnotify,
// content-hash-diffing and debouncing so editor-save bursts and no-op
// touches never trigger a spurious reload.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// QueryMode selects how a rule's backing-store query is shaped.
type QueryMode string

const (
	QueryModeHits  QueryMode = "hits"
	QueryModeCount QueryMode = "count"
	QueryModeTerms QueryMode = "terms"
)

// Rule is the immutable, parsed form of one rule file. Runtime state
// lives on the engine's RuleRuntime, never here.
type Rule struct {
	Name        string `yaml:"name"`
	SourcePath  string `yaml:"-"`
	ContentHash string `yaml:"-"`

	Filters        []any     `yaml:"filter"`
	IndexPattern   string    `yaml:"index"`
	TimestampField string    `yaml:"timestamp_field"`
	DocType        string    `yaml:"doc_type"`
	IncludedFields []string  `yaml:"include"`
	QueryMode      QueryMode `yaml:"query_mode"`
	TermsKey       string    `yaml:"terms_key"`
	TermsSize      int       `yaml:"terms_size"`

	RunEverySeconds      int `yaml:"run_every"`
	BufferTimeSeconds    int `yaml:"buffer_time"`
	QueryDelaySeconds    int `yaml:"query_delay"`
	MaxQuerySize         int `yaml:"max_query_size"`
	OldQueryLimitSeconds int `yaml:"old_query_limit"`

	RealertSeconds     int                       `yaml:"realert"`
	AggregationSeconds int                       `yaml:"aggregation"`
	QueryKey           string                    `yaml:"query_key"`
	UseLocalTime       bool                      `yaml:"use_local_time"`
	Type               string                    `yaml:"type"`
	TypeOptions        map[string]any            `yaml:"type_options"`
	Enhancements       []string                  `yaml:"match_enhancements"`
	EnhancementOptions map[string]map[string]any `yaml:"enhancement_options"`
	Sinks              []string                  `yaml:"alert"`
	SinkOptions        map[string]map[string]any `yaml:"alert_options"`

	ESHost string `yaml:"es_host"`
	ESPort int    `yaml:"es_port"`
}

// RunEvery returns the rule's tick interval as a time.Duration.
func (r *Rule) RunEvery() time.Duration {
	return time.Duration(r.RunEverySeconds) * time.Second
}

// BufferTime returns the rule's per-tick lookback window.
func (r *Rule) BufferTime() time.Duration {
	return time.Duration(r.BufferTimeSeconds) * time.Second
}

// QueryDelay returns the rule's configured query delay.
func (r *Rule) QueryDelay() time.Duration {
	return time.Duration(r.QueryDelaySeconds) * time.Second
}

// OldQueryLimit returns the rule's configured backfill ceiling.
func (r *Rule) OldQueryLimit() time.Duration {
	return time.Duration(r.OldQueryLimitSeconds) * time.Second
}

// Realert returns the rule's configured silence duration.
func (r *Rule) Realert() time.Duration {
	return time.Duration(r.RealertSeconds) * time.Second
}

// Aggregation returns the rule's configured aggregation window.
func (r *Rule) Aggregation() time.Duration {
	return time.Duration(r.AggregationSeconds) * time.Second
}

// Global holds the process-wide options from the main config file;
// per-rule files may override most of them.
type Global struct {
	ESHost                string `yaml:"es_host"`
	ESPort                int    `yaml:"es_port"`
	ESUsername            string `yaml:"es_username"`
	ESPassword            string `yaml:"es_password"`
	WritebackIndex        string `yaml:"writeback_index"`
	RunEverySeconds       int    `yaml:"run_every"`
	BufferTimeSeconds     int    `yaml:"buffer_time"`
	MaxQuerySize          int    `yaml:"max_query_size"`
	OldQueryLimitSeconds  int    `yaml:"old_query_limit"`
	AlertTimeLimitSeconds int    `yaml:"alert_time_limit"`
	RulesFolder           string `yaml:"rules_folder"`
}

// RunEvery returns the global default tick interval.
func (g *Global) RunEvery() time.Duration {
	return time.Duration(g.RunEverySeconds) * time.Second
}

// BufferTime returns the global default lookback window.
func (g *Global) BufferTime() time.Duration {
	return time.Duration(g.BufferTimeSeconds) * time.Second
}

// OldQueryLimit returns the global default backfill ceiling.
func (g *Global) OldQueryLimit() time.Duration {
	return time.Duration(g.OldQueryLimitSeconds) * time.Second
}

// AlertTimeLimit returns how long a pending (undelivered) alert is kept
// before it's abandoned.
func (g *Global) AlertTimeLimit() time.Duration {
	return time.Duration(g.AlertTimeLimitSeconds) * time.Second
}

// LoadGlobal reads and parses the global config file at path, layering
// environment overrides and defaults over whatever the file sets.
func LoadGlobal(path string) (*Global, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config.LoadGlobal: %w", err)
	}
	var g Global
	if err := yaml.Unmarshal(data, &g); err != nil {
		return nil, fmt.Errorf("config.LoadGlobal: parse %s: %w", path, err)
	}
	applyEnvOverrides(&g)
	applyGlobalDefaults(&g)
	return &g, nil
}

// applyEnvOverrides layers ELASTALERT_-prefixed environment variables
// (typically loaded by LoadDotEnv) over the YAML file, so a deployment
// can keep endpoint and credentials out of the checked-in config.
func applyEnvOverrides(g *Global) {
	if v := os.Getenv("ELASTALERT_ES_HOST"); v != "" {
		g.ESHost = v
	}
	if v := os.Getenv("ELASTALERT_ES_PORT"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			g.ESPort = n
		}
	}
	if v := os.Getenv("ELASTALERT_ES_USERNAME"); v != "" {
		g.ESUsername = v
	}
	if v := os.Getenv("ELASTALERT_ES_PASSWORD"); v != "" {
		g.ESPassword = v
	}
}

func applyGlobalDefaults(g *Global) {
	if g.RunEverySeconds == 0 {
		g.RunEverySeconds = 60
	}
	if g.BufferTimeSeconds == 0 {
		g.BufferTimeSeconds = 45 * 60
	}
	if g.MaxQuerySize == 0 {
		g.MaxQuerySize = 10000
	}
	if g.OldQueryLimitSeconds == 0 {
		g.OldQueryLimitSeconds = 7 * 24 * 3600
	}
	if g.AlertTimeLimitSeconds == 0 {
		g.AlertTimeLimitSeconds = 2 * 24 * 3600
	}
	if g.WritebackIndex == "" {
		g.WritebackIndex = "elastalert_status"
	}
	if g.RulesFolder == "" {
		g.RulesFolder = "rules"
	}
}
