// Package alerter defines the AlerterPort: the pluggable sink interface
// AlertFlow delivers matches through.
package alerter

import (
	"context"

	"github.com/elastalert-go/elastalert/internal/models"
)

// Alerter delivers a single match (or an aggregated batch of matches) to
// a downstream system. AlertFlow does not inspect the error beyond
// logging it: any error counts as a failed delivery for that sink, and
// the persisted AlertRecord is marked sent only if at least one sink
// succeeded; unsent records are retried on later ticks.
type Alerter interface {
	// Type names the sink, stored on the persisted AlertRecord for
	// diagnostics.
	Type() string

	// Alert delivers matches (len==1 for a single match, >1 for an
	// aggregated batch) for the named rule.
	Alert(ctx context.Context, ruleName string, matches []models.Match) error
}

// Factory builds an Alerter for a rule, given the rule's decoded sink
// options.
type Factory func(options map[string]any) (Alerter, error)
