// Package debug implements the alerter sink behind the --debug flag: it
// logs the match instead of delivering it anywhere.
package debug

import (
	"context"

	"github.com/rs/zerolog/log"

	"github.com/elastalert-go/elastalert/internal/alerter"
	"github.com/elastalert-go/elastalert/internal/models"
)

// Alerter logs each match at Info level and never fails.
type Alerter struct{}

// New builds a debug Alerter, satisfying alerter.Factory. It accepts (and
// ignores) options so it can be registered under the same factory
// signature as every other sink.
func New(options map[string]any) (alerter.Alerter, error) {
	return &Alerter{}, nil
}

func (a *Alerter) Type() string { return "debug" }

func (a *Alerter) Alert(ctx context.Context, ruleName string, matches []models.Match) error {
	for _, m := range matches {
		log.Info().Str("rule", ruleName).Interface("match", map[string]any(m)).Msg("debug alert")
	}
	return nil
}
