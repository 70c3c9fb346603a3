// Package bootstrap wires a parsed config.Rule into a fully built
// engine.RuleRuntime: it resolves the rule's detector type, sinks, and
// enhancements through a registry.Registry, and reuses one query.Client
// per distinct backing-store endpoint across rules.
package bootstrap

import (
	"fmt"
	"sync"

	"github.com/elastalert-go/elastalert/internal/alerter"
	"github.com/elastalert-go/elastalert/internal/config"
	"github.com/elastalert-go/elastalert/internal/dashboard"
	"github.com/elastalert-go/elastalert/internal/engine"
	"github.com/elastalert-go/elastalert/internal/enhancement"
	"github.com/elastalert-go/elastalert/internal/query"
	"github.com/elastalert-go/elastalert/internal/query/esclient"
	"github.com/elastalert-go/elastalert/internal/registry"
	"github.com/elastalert-go/elastalert/internal/statestore"
)

// ClientPool lazily builds and caches one query.Client per (host, port)
// endpoint, so rules sharing a backing store share a connection.
type ClientPool struct {
	mu      sync.Mutex
	clients map[string]query.Client
	newFn   func(host string, port int) (query.Client, error)
}

// NewClientPool builds a pool backed by real esclient.Client connections,
// all sharing the supplied basic-auth credentials (empty for none).
func NewClientPool(username, password string) *ClientPool {
	return &ClientPool{
		clients: make(map[string]query.Client),
		newFn: func(host string, port int) (query.Client, error) {
			return esclient.New([]string{fmt.Sprintf("http://%s:%d", host, port)}, username, password)
		},
	}
}

// NewClientPoolWith builds a pool backed by a caller-supplied constructor,
// used by tests and the --mock demo mode to substitute memclient.
func NewClientPoolWith(newFn func(host string, port int) (query.Client, error)) *ClientPool {
	return &ClientPool{clients: make(map[string]query.Client), newFn: newFn}
}

// Get returns the cached client for (host, port), building and caching
// one on first use. A failed build is never cached, so the next rule
// sharing the endpoint gets a fresh attempt.
func (p *ClientPool) Get(host string, port int) (query.Client, error) {
	key := fmt.Sprintf("%s:%d", host, port)

	p.mu.Lock()
	defer p.mu.Unlock()
	if c, ok := p.clients[key]; ok {
		return c, nil
	}
	c, err := p.newFn(host, port)
	if err != nil {
		return nil, fmt.Errorf("bootstrap.ClientPool.Get: %w", err)
	}
	p.clients[key] = c
	return c, nil
}

// Builder constructs RuleRuntimes from parsed rules, sharing a registry,
// client pool, state store, and dashboard linker across
// every rule it builds.
type Builder struct {
	Registry *registry.Registry
	Clients  *ClientPool
	Store    *statestore.StateStore
	Linker   dashboard.Linker
	Debug    bool
}

// Build resolves rule's detector, sinks, and enhancements and returns a
// ready-to-tick RuleRuntime.
func (b *Builder) Build(rule *config.Rule) (*engine.RuleRuntime, error) {
	client, err := b.Clients.Get(rule.ESHost, rule.ESPort)
	if err != nil {
		return nil, fmt.Errorf("bootstrap.Build: %s: %w", rule.Name, err)
	}

	det, err := b.Registry.BuildDetector(rule.Type, rule.TypeOptions)
	if err != nil {
		return nil, fmt.Errorf("bootstrap.Build: %s: %w", rule.Name, err)
	}

	sinks := make(map[string]alerter.Alerter, len(rule.Sinks))
	for _, name := range rule.Sinks {
		opts := rule.SinkOptions[name]
		a, err := b.Registry.BuildAlerter(name, opts)
		if err != nil {
			return nil, fmt.Errorf("bootstrap.Build: %s: sink %s: %w", rule.Name, name, err)
		}
		sinks[name] = a
	}

	enhancements := make([]enhancement.Enhancement, 0, len(rule.Enhancements))
	for _, name := range rule.Enhancements {
		opts := rule.EnhancementOptions[name]
		e, err := b.Registry.BuildEnhancement(name, opts)
		if err != nil {
			return nil, fmt.Errorf("bootstrap.Build: %s: enhancement %s: %w", rule.Name, name, err)
		}
		enhancements = append(enhancements, e)
	}

	linker := b.Linker
	if linker == nil {
		linker = dashboard.NullLinker{}
	}

	return engine.NewRuleRuntime(rule, client, b.Store, det, sinks, enhancements, linker, b.Debug), nil
}
