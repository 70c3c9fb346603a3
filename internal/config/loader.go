package config

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"
)

// LoadResult pairs a rule file's path with its parse outcome, so a
// directory load can report which specific files failed without
// aborting the others.
type LoadResult struct {
	Path string
	Rule *Rule
	Err  error
}

// LoadRulesFolder parses every *.yaml/*.yml file directly under dir
// (not recursive), applying rule-level defaults from global wherever a
// rule omits them.
func LoadRulesFolder(dir string, global *Global) ([]LoadResult, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("config.LoadRulesFolder: %w", err)
	}

	var results []LoadResult
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		name := e.Name()
		if !strings.HasSuffix(name, ".yaml") && !strings.HasSuffix(name, ".yml") {
			continue
		}
		path := filepath.Join(dir, name)
		rule, err := LoadRuleFile(path, global)
		results = append(results, LoadResult{Path: path, Rule: rule, Err: err})
	}
	return results, nil
}

// LoadRuleFile parses a single rule file and applies global defaults to
// any field the rule leaves unset.
func LoadRuleFile(path string, global *Global) (*Rule, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config.LoadRuleFile: %w", err)
	}

	var r Rule
	if err := yaml.Unmarshal(data, &r); err != nil {
		return nil, fmt.Errorf("config.LoadRuleFile: parse %s: %w", path, err)
	}
	if r.Type == "" {
		return nil, fmt.Errorf("config.LoadRuleFile: %s: type is required", path)
	}
	if r.TimestampField == "" {
		r.TimestampField = "@timestamp"
	}
	if r.Name == "" {
		r.Name = strings.TrimSuffix(filepath.Base(path), filepath.Ext(path))
	}
	r.SourcePath = path
	r.ContentHash = HashContent(data)

	applyRuleDefaults(&r, global)
	return &r, nil
}

func applyRuleDefaults(r *Rule, global *Global) {
	if global == nil {
		return
	}
	if r.RunEverySeconds == 0 {
		r.RunEverySeconds = global.RunEverySeconds
	}
	if r.BufferTimeSeconds == 0 {
		r.BufferTimeSeconds = global.BufferTimeSeconds
	}
	if r.MaxQuerySize == 0 {
		r.MaxQuerySize = global.MaxQuerySize
	}
	if r.OldQueryLimitSeconds == 0 {
		r.OldQueryLimitSeconds = global.OldQueryLimitSeconds
	}
	if r.ESHost == "" {
		r.ESHost = global.ESHost
	}
	if r.ESPort == 0 {
		r.ESPort = global.ESPort
	}
}

// HashContent returns a stable content hash of a rule file's raw bytes,
// used to distinguish a real edit from a filesystem event that didn't
// change the content (the reload watcher compares it to decide whether a
// rule changed).
func HashContent(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}
