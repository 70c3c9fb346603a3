// Package frequency implements the classic "frequency" detector: it fires
// once NumEvents hits have landed within a trailing Timeframe window.
package frequency

import (
	"fmt"
	"time"

	"github.com/oklog/ulid/v2"

	"github.com/elastalert-go/elastalert/internal/detector"
	"github.com/elastalert-go/elastalert/internal/models"
)

// Options configures a frequency Detector.
type Options struct {
	NumEvents      int
	Timeframe      time.Duration
	TimestampField string
}

// Detector tracks timestamps of recent hits and fires once NumEvents of
// them fall within a trailing Timeframe window.
type Detector struct {
	opts    Options
	seen    []time.Time // ascending, trimmed to the current window on each add
	matches []models.Match
}

// New builds a frequency Detector, satisfying detector.Factory.
func New(options map[string]any) (detector.Detector, error) {
	opts, err := parseOptions(options)
	if err != nil {
		return nil, err
	}
	return &Detector{opts: opts}, nil
}

func parseOptions(options map[string]any) (Options, error) {
	var opts Options
	n, ok := options["num_events"]
	if !ok {
		return opts, fmt.Errorf("frequency: num_events is required")
	}
	switch v := n.(type) {
	case int:
		opts.NumEvents = v
	case float64:
		opts.NumEvents = int(v)
	default:
		return opts, fmt.Errorf("frequency: num_events must be a number")
	}
	if opts.NumEvents <= 0 {
		return opts, fmt.Errorf("frequency: num_events must be positive")
	}

	secs, ok := options["timeframe_seconds"]
	if !ok {
		return opts, fmt.Errorf("frequency: timeframe_seconds is required")
	}
	switch v := secs.(type) {
	case int:
		opts.Timeframe = time.Duration(v) * time.Second
	case float64:
		opts.Timeframe = time.Duration(v) * time.Second
	default:
		return opts, fmt.Errorf("frequency: timeframe_seconds must be a number")
	}

	opts.TimestampField = "@timestamp"
	if field, ok := options["timestamp_field"].(string); ok && field != "" {
		opts.TimestampField = field
	}
	return opts, nil
}

func (d *Detector) AddHits(hits []models.Match) {
	for _, h := range hits {
		ts, ok := h.Timestamp(d.opts.TimestampField)
		if !ok {
			continue
		}
		d.seen = append(d.seen, ts)
		d.trim(ts)
		if len(d.seen) >= d.opts.NumEvents {
			d.matches = append(d.matches, h)
			d.seen = nil
		}
	}
}

func (d *Detector) AddCount(windowEnd time.Time, count int) {
	for i := 0; i < count; i++ {
		d.seen = append(d.seen, windowEnd)
	}
	d.trim(windowEnd)
	if len(d.seen) >= d.opts.NumEvents {
		// count/terms-mode windows have no backing-store _id to key an
		// AlertRecord's aggregate grouping off of, so synthesize one: a
		// ULID sorts lexically by creation time, which is convenient when
		// scanning a rule's persisted alerts by age.
		d.matches = append(d.matches, models.Match{
			d.opts.TimestampField: windowEnd.Format(time.RFC3339),
			"num_hits":            count,
			"_id":                 ulid.Make().String(),
		})
		d.seen = nil
	}
}

func (d *Detector) AddTerms(windowEnd time.Time, buckets map[string]int) {
	total := 0
	for _, c := range buckets {
		total += c
	}
	d.AddCount(windowEnd, total)
}

func (d *Detector) Matches() []models.Match {
	out := d.matches
	d.matches = nil
	return out
}

// GarbageCollect drops tracked timestamps older than the window
// relative to checkpoint, so occurrences that can no longer reach the
// threshold stop holding memory.
func (d *Detector) GarbageCollect(checkpoint time.Time) {
	d.trim(checkpoint)
}

func (d *Detector) trim(now time.Time) {
	cutoff := now.Add(-d.opts.Timeframe)
	i := 0
	for ; i < len(d.seen); i++ {
		if d.seen[i].After(cutoff) {
			break
		}
	}
	d.seen = d.seen[i:]
}
