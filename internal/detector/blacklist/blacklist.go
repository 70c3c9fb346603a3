// Package blacklist implements the "blacklist" detector: it fires on any
// hit whose configured field matches one of a list of blacklisted
// patterns (exact or wildcard).
package blacklist

import (
	"fmt"
	"time"

	"github.com/IGLOU-EU/go-wildcard/v2"
	"github.com/oklog/ulid/v2"

	"github.com/elastalert-go/elastalert/internal/detector"
	"github.com/elastalert-go/elastalert/internal/models"
)

// Options configures a blacklist Detector.
type Options struct {
	CompareField string
	Blacklist    []string
}

// Detector has no window state: every hit is checked independently
// against the configured blacklist, so GarbageCollect is a no-op.
type Detector struct {
	opts    Options
	matches []models.Match
}

// New builds a blacklist Detector, satisfying detector.Factory.
func New(options map[string]any) (detector.Detector, error) {
	field, ok := options["compare_key"].(string)
	if !ok || field == "" {
		return nil, fmt.Errorf("blacklist: compare_key is required")
	}

	raw, ok := options["blacklist"].([]any)
	if !ok || len(raw) == 0 {
		return nil, fmt.Errorf("blacklist: blacklist must be a non-empty list")
	}
	terms := make([]string, 0, len(raw))
	for _, v := range raw {
		s, ok := v.(string)
		if !ok {
			return nil, fmt.Errorf("blacklist: blacklist entries must be strings")
		}
		terms = append(terms, s)
	}

	return &Detector{opts: Options{CompareField: field, Blacklist: terms}}, nil
}

func (d *Detector) AddHits(hits []models.Match) {
	for _, h := range hits {
		v, ok := h.StringField(d.opts.CompareField)
		if !ok {
			continue
		}
		if d.blacklisted(v) {
			d.matches = append(d.matches, h)
		}
	}
}

func (d *Detector) blacklisted(value string) bool {
	for _, term := range d.opts.Blacklist {
		if term == value || wildcard.Match(term, value) {
			return true
		}
	}
	return false
}

// AddCount is a no-op: blacklist is a hit-level detector and does not
// apply to count-mode rules.
func (d *Detector) AddCount(windowEnd time.Time, count int) {}

// AddTerms fires once per tick for any bucket key on the blacklist.
func (d *Detector) AddTerms(windowEnd time.Time, buckets map[string]int) {
	for key, count := range buckets {
		if d.blacklisted(key) {
			d.matches = append(d.matches, models.Match{
				d.opts.CompareField: key,
				"@timestamp":        windowEnd.Format(time.RFC3339),
				"num_hits":          count,
				"_id":               ulid.Make().String(),
			})
		}
	}
}

func (d *Detector) Matches() []models.Match {
	out := d.matches
	d.matches = nil
	return out
}

func (d *Detector) GarbageCollect(checkpoint time.Time) {}
