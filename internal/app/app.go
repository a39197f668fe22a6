// Package app wires a sphere process together: transport, bus, schemas,
// topics, service binder and directory, and the module director.
package app

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/samber/do/v2"
	"github.com/spf13/afero"
	"go.opentelemetry.io/otel/trace"

	"github.com/nfrund/sphere/internal/bus"
	"github.com/nfrund/sphere/internal/config"
	"github.com/nfrund/sphere/internal/device"
	"github.com/nfrund/sphere/internal/identity"
	"github.com/nfrund/sphere/internal/logging"
	"github.com/nfrund/sphere/internal/schema"
	"github.com/nfrund/sphere/internal/service"
	"github.com/nfrund/sphere/internal/supervisor"
	"github.com/nfrund/sphere/internal/topicmgr"
	"github.com/nfrund/sphere/internal/transport"
)

// App owns the services of one sphere process. Services are built lazily on
// first use.
type App struct {
	Config *config.Config
	Log    *slog.Logger
	NodeID string
	// Name identifies the process, e.g. as the MQTT client id.
	Name string
	// ModuleArgs are passed to every module the director starts.
	ModuleArgs []string

	injector *do.RootScope

	mu      sync.Mutex
	closers []func()
}

// Option configures an App.
type Option func(*options)

type options struct {
	fs        afero.Fs
	log       *slog.Logger
	name      string
	transport transport.Transport
	registry  *prometheus.Registry
}

// WithFs sets the filesystem for schemas, modules and the node id.
func WithFs(fs afero.Fs) Option { return func(o *options) { o.fs = fs } }

// WithLogger replaces the logger built from the configuration.
func WithLogger(log *slog.Logger) Option { return func(o *options) { o.log = log } }

// WithName sets the process name; the working directory name by default.
func WithName(name string) Option { return func(o *options) { o.name = name } }

// WithTransport uses tr instead of dialling the configured broker.
func WithTransport(tr transport.Transport) Option { return func(o *options) { o.transport = tr } }

// WithRegistry sets the prometheus registry metrics are registered with.
func WithRegistry(reg *prometheus.Registry) Option { return func(o *options) { o.registry = reg } }

// New registers every service provider. Nothing connects until a service is
// first requested.
func New(cfg *config.Config, opts ...Option) *App {
	o := options{fs: afero.NewOsFs()}
	for _, opt := range opts {
		opt(&o)
	}
	if o.log == nil {
		o.log = logging.New(cfg.Log)
	}
	if o.name == "" {
		o.name = processName()
	}
	if o.registry == nil {
		o.registry = prometheus.NewRegistry()
		o.registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	}

	a := &App{
		Config:   cfg,
		Log:      logging.Component(o.log, o.name),
		NodeID:   identity.NodeID(o.fs, cfg.NodeID),
		Name:     o.name,
		injector: do.New(),
	}

	do.ProvideValue(a.injector, cfg)
	do.ProvideValue(a.injector, a.Log)
	do.ProvideValue(a.injector, o.fs)
	do.ProvideValue(a.injector, o.registry)
	if o.transport != nil {
		do.ProvideValue(a.injector, o.transport)
	} else {
		do.Provide(a.injector, a.provideTransport)
	}
	do.Provide(a.injector, a.provideTracer)
	do.Provide(a.injector, a.provideBus)
	do.Provide(a.injector, a.provideCatalog)
	do.Provide(a.injector, a.provideTopics)
	do.Provide(a.injector, a.provideBinder)
	do.Provide(a.injector, a.provideDirectory)
	do.Provide(a.injector, a.provideSupervisor)
	return a
}

func processName() string {
	wd, err := os.Getwd()
	if err != nil {
		return "sphere"
	}
	name := filepath.Base(wd)
	if name == "driver-combined" {
		return "drivers"
	}
	return name
}

func (a *App) onClose(fn func()) {
	a.mu.Lock()
	a.closers = append(a.closers, fn)
	a.mu.Unlock()
}

func (a *App) provideTransport(i do.Injector) (transport.Transport, error) {
	cfg := do.MustInvoke[*config.Config](i)
	log := logging.Component(a.Log, "transport")

	var (
		tr  transport.Transport
		err error
	)
	switch transport.Kind(cfg.Transport) {
	case transport.KindLocal:
		tr, err = transport.NewLocal(log)
	case transport.KindNATS:
		tr, err = transport.NewNATS(cfg.NATS.URL, a.clientID(), log)
	case transport.KindMQTT:
		m := transport.NewMQTT(transport.MQTTConfig{
			Host:           cfg.MQTT.Host,
			Port:           cfg.MQTT.Port,
			ClientID:       a.clientID(),
			Keepalive:      cfg.MQTT.Keepalive,
			ConnectTimeout: cfg.MQTT.ConnectTimeout,
		}, log)
		ctx, cancel := context.WithTimeout(context.Background(), cfg.MQTT.ConnectTimeout)
		defer cancel()
		if err = m.Connect(ctx); err == nil {
			tr = m
		}
	default:
		err = fmt.Errorf("unknown transport %q", cfg.Transport)
	}
	if err != nil {
		return nil, fmt.Errorf("connecting %s transport: %w", cfg.Transport, err)
	}
	a.onClose(func() {
		if err := tr.Close(); err != nil {
			a.Log.Warn("Failed to close transport", "error", err)
		}
	})
	return tr, nil
}

func (a *App) clientID() string {
	if a.Config.MQTT.ClientID != "" {
		return a.Config.MQTT.ClientID
	}
	return a.Name
}

func (a *App) provideTracer(i do.Injector) (trace.Tracer, error) {
	cfg := do.MustInvoke[*config.Config](i)
	tracer, cleanup, err := bus.SetupTracing(context.Background(), bus.TracingConfig{
		Enabled:     cfg.Tracing.Enabled,
		ServiceName: cfg.Tracing.ServiceName,
		ZipkinURL:   cfg.Tracing.ZipkinURL,
	})
	if err != nil {
		return nil, fmt.Errorf("setting up tracing: %w", err)
	}
	a.onClose(cleanup)
	return tracer, nil
}

func (a *App) provideBus(i do.Injector) (*bus.Bus, error) {
	tr, err := do.Invoke[transport.Transport](i)
	if err != nil {
		return nil, err
	}
	tracer, err := do.Invoke[trace.Tracer](i)
	if err != nil {
		return nil, err
	}
	b := bus.New(tr,
		bus.WithLogger(a.Log),
		bus.WithTrace(a.Config.MQTT.Trace),
		bus.WithTracer(tracer),
		bus.WithMetrics(bus.NewMetrics(do.MustInvoke[*prometheus.Registry](i))),
	)
	a.onClose(b.Close)
	return b, nil
}

func (a *App) provideCatalog(i do.Injector) (*schema.Catalog, error) {
	cat := schema.NewCatalog(a.Log)
	if err := cat.LoadBuiltin(); err != nil {
		return nil, fmt.Errorf("loading built-in schemas: %w", err)
	}
	if dir := a.Config.Schemas.Dir; dir != "" {
		n, err := cat.LoadDir(do.MustInvoke[afero.Fs](i), dir)
		if err != nil {
			return nil, err
		}
		a.Log.Debug("Loaded schemas", "dir", dir, "count", n)
	}
	return cat, nil
}

func (a *App) provideTopics(do.Injector) (*topicmgr.Manager, error) {
	topics := topicmgr.NewManager(a.Log)
	if err := topics.RegisterDefaults(a.Config.Topics); err != nil {
		return nil, fmt.Errorf("registering topics: %w", err)
	}
	return topics, nil
}

func (a *App) provideBinder(i do.Injector) (*service.Binder, error) {
	b, err := do.Invoke[*bus.Bus](i)
	if err != nil {
		return nil, err
	}
	cat, err := do.Invoke[*schema.Catalog](i)
	if err != nil {
		return nil, err
	}
	return service.NewBinder(b, cat, a.Log), nil
}

func (a *App) provideDirectory(i do.Injector) (*service.Directory, error) {
	b, err := do.Invoke[*bus.Bus](i)
	if err != nil {
		return nil, err
	}
	cat, err := do.Invoke[*schema.Catalog](i)
	if err != nil {
		return nil, err
	}
	dir := service.NewDirectory(b, cat, a.Config.Services, a.Log)
	a.onClose(dir.Close)
	return dir, nil
}

func (a *App) provideSupervisor(i do.Injector) (*supervisor.Supervisor, error) {
	b, err := do.Invoke[*bus.Bus](i)
	if err != nil {
		return nil, err
	}
	topics, err := do.Invoke[*topicmgr.Manager](i)
	if err != nil {
		return nil, err
	}
	cfg := a.Config.Director
	return supervisor.New(supervisor.Config{
		ModulePaths:     cfg.ModulePaths,
		Args:            a.ModuleArgs,
		NodeID:          a.NodeID,
		MonitorInterval: cfg.MonitorInterval,
		ShutdownTimeout: cfg.ShutdownTimeout,
		AnnounceDelay:   cfg.AnnounceDelay,
		Watch:           cfg.Watch,
	},
		supervisor.WithFs(do.MustInvoke[afero.Fs](i)),
		supervisor.WithBus(b, topics),
		supervisor.WithLogger(a.Log),
		supervisor.WithMetrics(supervisor.NewMetrics(do.MustInvoke[*prometheus.Registry](i))),
	), nil
}

// Bus returns the connected bus.
func (a *App) Bus() (*bus.Bus, error) { return do.Invoke[*bus.Bus](a.injector) }

// Schemas returns the schema catalog.
func (a *App) Schemas() (*schema.Catalog, error) { return do.Invoke[*schema.Catalog](a.injector) }

// Topics returns the topic registry.
func (a *App) Topics() (*topicmgr.Manager, error) { return do.Invoke[*topicmgr.Manager](a.injector) }

// Binder returns the service binder.
func (a *App) Binder() (*service.Binder, error) { return do.Invoke[*service.Binder](a.injector) }

// Services returns the directory of configured remote services.
func (a *App) Services() (*service.Directory, error) {
	return do.Invoke[*service.Directory](a.injector)
}

// Supervisor returns the module director.
func (a *App) Supervisor() (*supervisor.Supervisor, error) {
	return do.Invoke[*supervisor.Supervisor](a.injector)
}

// Registry returns the prometheus registry.
func (a *App) Registry() *prometheus.Registry {
	return do.MustInvoke[*prometheus.Registry](a.injector)
}

// Context is what drivers, devices and apps are handed: everything they need
// to talk on the bus.
type Context struct {
	Config   *config.Config
	Log      *slog.Logger
	NodeID   string
	Bus      *bus.Bus
	Schemas  *schema.Catalog
	Topics   *topicmgr.Manager
	Binder   *service.Binder
	Services *service.Directory
}

// Context builds the shared services.
func (a *App) Context() (*Context, error) {
	c := &Context{Config: a.Config, Log: a.Log, NodeID: a.NodeID}
	var err error
	if c.Bus, err = a.Bus(); err != nil {
		return nil, err
	}
	if c.Schemas, err = a.Schemas(); err != nil {
		return nil, err
	}
	if c.Topics, err = a.Topics(); err != nil {
		return nil, err
	}
	if c.Binder, err = a.Binder(); err != nil {
		return nil, err
	}
	if c.Services, err = a.Services(); err != nil {
		return nil, err
	}
	return c, nil
}

// DeviceDeps adapts the context for the device package.
func (c *Context) DeviceDeps() device.Deps {
	return device.Deps{
		Bus:     c.Bus,
		Binder:  c.Binder,
		Schemas: c.Schemas,
		Topics:  c.Topics,
		NodeID:  c.NodeID,
		Log:     c.Log,
	}
}

// Shutdown releases the services in reverse order of creation.
func (a *App) Shutdown() {
	a.mu.Lock()
	closers := a.closers
	a.closers = nil
	a.mu.Unlock()
	for i := len(closers) - 1; i >= 0; i-- {
		closers[i]()
	}
	a.injector.Shutdown()
}
