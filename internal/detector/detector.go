// Package detector defines the DetectorPort: the per-rule stateful
// component that consumes a tick's hits/counts/terms and emits matches.
package detector

import (
	"time"

	"github.com/elastalert-go/elastalert/internal/models"
)

// Detector is the stateful match-detection component every rule type
// implements. The engine feeds it one tick's data at a time, in the order
// the query ran (AddHits, or AddCount/AddTerms for count- and
// terms-mode rules), then calls GarbageCollect to let the detector age
// out state that can no longer affect future matches, and finally
// Matches to drain whatever the detector decided to emit.
type Detector interface {
	// AddHits feeds one chunk's worth of raw hit documents, in ascending
	// timestamp order, to the detector.
	AddHits(hits []models.Match)

	// AddCount feeds a single window's count observation from a
	// count-mode query.
	AddCount(windowEnd time.Time, count int)

	// AddTerms feeds one tick's terms-aggregation buckets.
	AddTerms(windowEnd time.Time, buckets map[string]int)

	// Matches drains and returns whatever matches have been decided since
	// the last call to Matches.
	Matches() []models.Match

	// GarbageCollect lets the detector discard state older than the
	// supplied checkpoint, the way frequency-type rules drop timestamps
	// outside their window and blacklist-type rules have nothing to do.
	GarbageCollect(checkpoint time.Time)
}

// Factory builds a Detector for a rule, given the rule's decoded options.
// Each concrete detector package registers itself under a name the rule
// config's `type:` field selects.
type Factory func(options map[string]any) (Detector, error)
