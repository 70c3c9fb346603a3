// Package registry resolves a rule's configured detector type, sink
// names, and enhancement names to concrete implementations. The core
// engine never imports a concrete detector, sink, or enhancement
// package directly — only this registry does, keeping RuleRuntime's
// dependency on "some Detector" instead of "the frequency Detector."
package registry

import (
	"fmt"

	"github.com/elastalert-go/elastalert/internal/alerter"
	"github.com/elastalert-go/elastalert/internal/alerter/debug"
	"github.com/elastalert-go/elastalert/internal/alerter/webhook"
	"github.com/elastalert-go/elastalert/internal/detector"
	"github.com/elastalert-go/elastalert/internal/detector/blacklist"
	"github.com/elastalert-go/elastalert/internal/detector/frequency"
	"github.com/elastalert-go/elastalert/internal/enhancement"
)

// Registry holds the named factories new Rules are resolved against.
// Built once at process startup with the built-in detector/sink/
// enhancement set; operators embedding this engine in a larger binary can
// register additional types before the first rule load.
type Registry struct {
	detectors    map[string]detector.Factory
	alerters     map[string]alerter.Factory
	enhancements map[string]enhancement.Factory
}

// New builds a Registry pre-populated with the built-in reference
// detectors (frequency, blacklist), sinks (debug, webhook), and
// enhancements (timezone).
func New() *Registry {
	r := &Registry{
		detectors:    make(map[string]detector.Factory),
		alerters:     make(map[string]alerter.Factory),
		enhancements: make(map[string]enhancement.Factory),
	}
	r.RegisterDetector("frequency", frequency.New)
	r.RegisterDetector("blacklist", blacklist.New)
	r.RegisterAlerter("debug", debug.New)
	r.RegisterAlerter("webhook", webhook.New)
	r.RegisterEnhancement("timezone", enhancement.NewTimeZoneEnhancement)
	return r
}

func (r *Registry) RegisterDetector(name string, f detector.Factory) { r.detectors[name] = f }
func (r *Registry) RegisterAlerter(name string, f alerter.Factory)    { r.alerters[name] = f }
func (r *Registry) RegisterEnhancement(name string, f enhancement.Factory) {
	r.enhancements[name] = f
}

// BuildDetector resolves typeName against the registry and builds one
// instance configured with options.
func (r *Registry) BuildDetector(typeName string, options map[string]any) (detector.Detector, error) {
	f, ok := r.detectors[typeName]
	if !ok {
		return nil, fmt.Errorf("registry: unknown detector type %q", typeName)
	}
	return f(options)
}

// BuildAlerter resolves name against the registry and builds one sink
// instance configured with options.
func (r *Registry) BuildAlerter(name string, options map[string]any) (alerter.Alerter, error) {
	f, ok := r.alerters[name]
	if !ok {
		return nil, fmt.Errorf("registry: unknown sink %q", name)
	}
	return f(options)
}

// BuildEnhancement resolves name against the registry and builds one
// enhancement instance configured with options.
func (r *Registry) BuildEnhancement(name string, options map[string]any) (enhancement.Enhancement, error) {
	f, ok := r.enhancements[name]
	if !ok {
		return nil, fmt.Errorf("registry: unknown enhancement %q", name)
	}
	return f(options)
}
