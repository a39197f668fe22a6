package service

import (
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/nfrund/sphere/internal/bus"
	"github.com/nfrund/sphere/internal/errs"
	"github.com/nfrund/sphere/internal/schema"
	"github.com/nfrund/sphere/internal/topic"
)

// Endpoint locates a named service.
type Endpoint struct {
	Schema  string        `yaml:"schema" json:"schema" validate:"required"`
	Topic   string        `yaml:"topic" json:"topic" validate:"required"`
	Timeout time.Duration `yaml:"timeout" json:"timeout"`
}

// Directory hands out cached proxies for configured services.
type Directory struct {
	bus     *bus.Bus
	schemas schema.Registry
	log     *slog.Logger

	mu        sync.Mutex
	endpoints map[string]Endpoint
	proxies   map[string]*Proxy
}

// NewDirectory creates a directory over endpoints.
func NewDirectory(b *bus.Bus, schemas schema.Registry, endpoints map[string]Endpoint, log *slog.Logger) *Directory {
	d := &Directory{
		bus:       b,
		schemas:   schemas,
		log:       log,
		endpoints: make(map[string]Endpoint, len(endpoints)),
		proxies:   make(map[string]*Proxy),
	}
	for name, ep := range endpoints {
		d.endpoints[name] = ep
	}
	return d
}

// Register adds or replaces an endpoint. A cached proxy for name is closed.
func (d *Directory) Register(name string, ep Endpoint) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.endpoints[name] = ep
	if p, ok := d.proxies[name]; ok {
		p.Close()
		delete(d.proxies, name)
	}
}

// Names lists the known service names.
func (d *Directory) Names() []string {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := make([]string, 0, len(d.endpoints))
	for name := range d.endpoints {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}

// Get returns the proxy for name, creating it on first use.
func (d *Directory) Get(name string) (*Proxy, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if p, ok := d.proxies[name]; ok {
		return p, nil
	}
	ep, ok := d.endpoints[name]
	if !ok {
		return nil, errs.New(errs.SchemaNotFound, "service.Directory", "no service named %q", name)
	}
	t, err := topic.Parse(ep.Topic, topic.Timeout(ep.Timeout))
	if err != nil {
		return nil, err
	}
	p, err := NewProxy(d.bus, d.schemas, ep.Schema, t, d.log)
	if err != nil {
		return nil, err
	}
	d.proxies[name] = p
	return p, nil
}

// Close closes every cached proxy.
func (d *Directory) Close() {
	d.mu.Lock()
	defer d.mu.Unlock()
	for name, p := range d.proxies {
		p.Close()
		delete(d.proxies, name)
	}
}
