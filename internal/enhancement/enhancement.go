// Package enhancement defines the pre-delivery mutator stage that runs
// over a match before it reaches the configured sinks.
package enhancement

import (
	"errors"

	"github.com/elastalert-go/elastalert/internal/models"
)

// ErrDropMatch is returned (wrapped or bare) by an enhancement to
// signal the match should be discarded rather than delivered. Dropping
// is flow control, not a failure.
var ErrDropMatch = errors.New("enhancement: match dropped")

// Enhancement modifies match in place, or returns ErrDropMatch to signal
// the match should not be alerted on at all. Any other error is logged
// by the caller and the match proceeds unmodified.
type Enhancement interface {
	Process(match models.Match) error
}

// Factory builds an Enhancement for a rule, given the rule's decoded
// enhancement options.
type Factory func(options map[string]any) (Enhancement, error)

// IsDrop reports whether err (or one it wraps) is ErrDropMatch.
func IsDrop(err error) bool {
	return errors.Is(err, ErrDropMatch)
}
