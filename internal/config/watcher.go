package config

import (
	"fmt"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog/log"
)

var osStat = os.Stat

// debounceInterval coalesces the editor-save write bursts fsnotify
// reports into a single reload.
var debounceInterval = 250 * time.Millisecond

// Change classifies one rule file's state transition between reloads.
type Change struct {
	Path string
	Kind ChangeKind
	Rule *Rule // nil for Removed
	Err  error // set when Kind is Changed/Added but the reparse failed
}

// ChangeKind enumerates the three ways a rule file can change between
// reload cycles.
type ChangeKind int

const (
	Added ChangeKind = iota
	Changed
	Removed
)

// Watcher watches a rules folder and reports added/changed/removed rule
// files, debounced and content-hash-diffed so a no-op filesystem touch
// does not trigger a spurious reload.
type Watcher struct {
	dir    string
	global *Global
	fsw    *fsnotify.Watcher

	mu     sync.Mutex
	hashes map[string]string // path -> last-seen content hash

	changes chan Change
	done    chan struct{}
}

// NewWatcher builds a Watcher over dir, seeding its hash table from an
// initial LoadRulesFolder pass so the first real edit is diffed against
// what's already on disk rather than reported as Added.
func NewWatcher(dir string, global *Global) (*Watcher, error) {
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("config.NewWatcher: %w", err)
	}
	if err := fsw.Add(dir); err != nil {
		fsw.Close()
		return nil, fmt.Errorf("config.NewWatcher: watch %s: %w", dir, err)
	}

	w := &Watcher{
		dir:     dir,
		global:  global,
		fsw:     fsw,
		hashes:  make(map[string]string),
		changes: make(chan Change, 16),
		done:    make(chan struct{}),
	}

	results, err := LoadRulesFolder(dir, global)
	if err != nil {
		fsw.Close()
		return nil, err
	}
	for _, r := range results {
		if r.Rule != nil {
			w.hashes[r.Path] = r.Rule.ContentHash
		}
	}

	go w.run()
	return w, nil
}

// Changes returns the channel of rule-file changes. The channel is
// closed when Stop is called.
func (w *Watcher) Changes() <-chan Change {
	return w.changes
}

// Stop releases the underlying fsnotify watch.
func (w *Watcher) Stop() {
	close(w.done)
	w.fsw.Close()
}

func (w *Watcher) run() {
	defer close(w.changes)

	var timer *time.Timer
	pending := make(map[string]struct{})

	flush := func() {
		for path := range pending {
			w.reconcile(path)
		}
		pending = make(map[string]struct{})
	}

	for {
		select {
		case <-w.done:
			return
		case ev, ok := <-w.fsw.Events:
			if !ok {
				return
			}
			if !isRuleFile(ev.Name) {
				continue
			}
			if ev.Op.Has(fsnotify.Remove) || ev.Op.Has(fsnotify.Rename) {
				delete(pending, ev.Name)
				w.mu.Lock()
				_, existed := w.hashes[ev.Name]
				delete(w.hashes, ev.Name)
				w.mu.Unlock()
				if existed {
					w.changes <- Change{Path: ev.Name, Kind: Removed}
				}
				continue
			}
			pending[ev.Name] = struct{}{}
			if timer == nil {
				timer = time.AfterFunc(debounceInterval, flush)
			} else {
				timer.Reset(debounceInterval)
			}
		case err, ok := <-w.fsw.Errors:
			if !ok {
				return
			}
			log.Warn().Err(err).Str("dir", w.dir).Msg("rules folder watch error")
		}
	}
}

func isRuleFile(path string) bool {
	return strings.HasSuffix(path, ".yaml") || strings.HasSuffix(path, ".yml")
}

// reconcile re-reads path and emits the appropriate Change, comparing
// against the last-seen content hash so an unrelated metadata touch
// (e.g. chmod) never produces a spurious reload.
func (w *Watcher) reconcile(path string) {
	w.mu.Lock()
	prevHash, existed := w.hashes[path]
	w.mu.Unlock()

	rule, err := LoadRuleFile(path, w.global)
	if err != nil {
		if !existed {
			return
		}
		if _, statErr := osStat(path); statErr != nil {
			w.mu.Lock()
			delete(w.hashes, path)
			w.mu.Unlock()
			w.changes <- Change{Path: path, Kind: Removed}
			return
		}
		// A file that can no longer be parsed is reported as Changed with
		// Err set rather than Removed: the previous, still-valid rule
		// keeps running until the operator fixes the file.
		w.changes <- Change{Path: path, Kind: Changed, Err: err}
		return
	}

	if existed && rule.ContentHash == prevHash {
		return
	}

	w.mu.Lock()
	w.hashes[path] = rule.ContentHash
	w.mu.Unlock()

	kind := Changed
	if !existed {
		kind = Added
	}
	w.changes <- Change{Path: path, Kind: kind, Rule: rule}
}
