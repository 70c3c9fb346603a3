// Package dashboard defines the Linker collaborator the alert flow
// calls through to annotate a match with a link to visualize it.
// NullLinker satisfies the interface with a no-op for deployments with
// no dashboard to link to.
package dashboard

import "github.com/elastalert-go/elastalert/internal/models"

// Linker adds a visualization link to match, keyed under a
// implementation-chosen field (e.g. "kibana_link"). It must not fail:
// an implementation unable to build a link simply leaves match
// unmodified.
type Linker interface {
	Link(ruleName string, match models.Match)
}

// NullLinker is the default Linker: it does nothing.
type NullLinker struct{}

func (NullLinker) Link(ruleName string, match models.Match) {}
