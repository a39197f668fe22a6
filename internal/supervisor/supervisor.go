// Package supervisor discovers installed modules and keeps their processes
// running.
//
// A module is a directory holding a package.json descriptor, found under one
// of the configured search paths. Started modules that terminate on their own,
// including those killed for exceeding their memory budget, are restarted
// with a growing delay. Modules stopped on request are not, and nothing is
// restarted once shutdown begins.
package supervisor

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/spf13/afero"

	"github.com/nfrund/sphere/internal/bus"
	"github.com/nfrund/sphere/internal/errs"
	"github.com/nfrund/sphere/internal/logging"
	"github.com/nfrund/sphere/internal/topicmgr"
)

// Config holds the supervisor settings.
type Config struct {
	// ModulePaths are searched in order; earlier paths take priority.
	ModulePaths []string
	// Args are passed to every module process.
	Args []string
	// NodeID binds the node parameter of the module topics.
	NodeID string

	MonitorInterval time.Duration
	ShutdownTimeout time.Duration
	AnnounceDelay   time.Duration
	// Watch rescans the module paths when their contents change.
	Watch bool
}

// DefaultConfig returns the stock intervals.
func DefaultConfig() Config {
	return Config{
		MonitorInterval: 10 * time.Second,
		ShutdownTimeout: 30 * time.Second,
		AnnounceDelay:   2 * time.Second,
	}
}

// AfterFunc runs f once d has elapsed, on another goroutine, and returns a
// function that cancels it.
type AfterFunc func(d time.Duration, f func()) (stop func() bool)

func timeAfterFunc(d time.Duration, f func()) func() bool {
	return time.AfterFunc(d, f).Stop
}

// Option configures a Supervisor.
type Option func(*Supervisor)

// WithFs sets the filesystem modules are discovered on.
func WithFs(fs afero.Fs) Option { return func(s *Supervisor) { s.fs = fs } }

// WithSpawner sets how module processes are started.
func WithSpawner(sp Spawner) Option { return func(s *Supervisor) { s.spawner = sp } }

// WithUsage sets the resource sampler.
func WithUsage(u UsageSource) Option { return func(s *Supervisor) { s.usage = u } }

// WithBus connects the supervisor to the bus, resolving its topics through
// topics.
func WithBus(b *bus.Bus, topics *topicmgr.Manager) Option {
	return func(s *Supervisor) {
		s.bus = b
		s.topics = topics
	}
}

// WithTopics registers module descriptor topics without a bus.
func WithTopics(topics *topicmgr.Manager) Option { return func(s *Supervisor) { s.topics = topics } }

// WithLogger sets the logger.
func WithLogger(log *slog.Logger) Option { return func(s *Supervisor) { s.log = log } }

// WithMetrics sets the prometheus collectors.
func WithMetrics(m *Metrics) Option { return func(s *Supervisor) { s.metrics = m } }

// WithAfterFunc replaces the timer used for restarts and announcements.
func WithAfterFunc(after AfterFunc) Option { return func(s *Supervisor) { s.after = after } }

// ProcessInfo describes a running module.
type ProcessInfo struct {
	Name      string    `json:"name"`
	Version   string    `json:"version"`
	Path      string    `json:"path"`
	PID       int       `json:"pid"`
	StartTime time.Time `json:"startTime"`
	Attempt   int       `json:"attempt"`
	MaxMemory float64   `json:"maxMemory,omitempty"`
}

type managed struct {
	name      string
	desc      *Descriptor
	proc      Process
	startTime time.Time
	attempt   int
	// stopped is set, under Supervisor.mu, when the exit was requested.
	stopped bool
}

// Supervisor owns the module processes of one node.
type Supervisor struct {
	cfg     Config
	fs      afero.Fs
	spawner Spawner
	usage   UsageSource
	bus     *bus.Bus
	topics  *topicmgr.Manager
	log     *slog.Logger
	metrics *Metrics
	after   AfterFunc
	now     func() time.Time
	paths   []string

	mu       sync.Mutex
	modules  map[string][]*Descriptor
	procs    map[string]*managed
	restarts map[string]func() bool
	// stops counts StopModule calls per module. A scheduled restart only
	// proceeds if the count has not moved since it was scheduled.
	stops map[string]int
	dead  bool

	cron   *cron.Cron
	subs   []*bus.Subscription
	cancel context.CancelFunc
}

// New creates a supervisor. Search paths that do not exist are dropped; when
// none remain the parent directory and its drivers and apps folders are
// used.
func New(cfg Config, opts ...Option) *Supervisor {
	def := DefaultConfig()
	if cfg.MonitorInterval <= 0 {
		cfg.MonitorInterval = def.MonitorInterval
	}
	if cfg.ShutdownTimeout <= 0 {
		cfg.ShutdownTimeout = def.ShutdownTimeout
	}
	if cfg.AnnounceDelay <= 0 {
		cfg.AnnounceDelay = def.AnnounceDelay
	}

	s := &Supervisor{
		cfg:      cfg,
		fs:       afero.NewOsFs(),
		spawner:  ExecSpawner{},
		log:      slog.Default(),
		after:    timeAfterFunc,
		now:      time.Now,
		modules:  make(map[string][]*Descriptor),
		procs:    make(map[string]*managed),
		restarts: make(map[string]func() bool),
		stops:    make(map[string]int),
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.usage == nil {
		s.usage = NewGopsutilUsage()
	}
	s.log = logging.Component(s.log, "director")
	s.paths = s.resolvePaths()
	return s
}

func (s *Supervisor) resolvePaths() []string {
	var paths []string
	for _, p := range s.cfg.ModulePaths {
		if ok, _ := afero.DirExists(s.fs, p); ok {
			paths = append(paths, p)
		}
	}
	if len(paths) > 0 {
		return paths
	}
	for _, rel := range []string{"..", "../drivers", "../apps"} {
		abs, err := filepath.Abs(rel)
		if err != nil {
			abs = rel
		}
		paths = append(paths, abs)
	}
	s.log.Warn("No module paths defined, or none exist. Using the parent directory",
		"provided", s.cfg.ModulePaths, "using", paths)
	return paths
}

// Paths returns the module search paths in priority order.
func (s *Supervisor) Paths() []string {
	return append([]string(nil), s.paths...)
}

// UpdateModules rescans the search paths for module descriptors. Nothing is
// started or stopped.
func (s *Supervisor) UpdateModules() error {
	s.log.Debug("Updating local module list")
	found := make(map[string][]*Descriptor)

	for _, dir := range s.paths {
		entries, err := afero.ReadDir(s.fs, dir)
		if err != nil {
			s.log.Warn("Could not read module path", "path", dir, "error", err)
			continue
		}
		var names []string
		for _, entry := range entries {
			if !entry.IsDir() {
				continue
			}
			d, err := ReadDescriptor(s.fs, filepath.Join(dir, entry.Name()))
			if err != nil {
				s.log.Log(context.Background(), logging.LevelTrace, "Not a module", "path", filepath.Join(dir, entry.Name()), "error", err)
				continue
			}
			found[d.Name] = append(found[d.Name], d)
			names = append(names, d.Name)
		}
		s.log.Debug("Found modules", "path", dir, "modules", names)
	}

	s.mu.Lock()
	s.modules = found
	s.mu.Unlock()

	if s.topics != nil {
		for name, list := range found {
			if len(list[0].Topics) == 0 {
				continue
			}
			if _, err := s.topics.LoadDescriptorTopics(name, list[0].Topics); err != nil {
				s.log.Warn("Ignoring module topics", "module", name, "error", err)
			}
		}
	}
	return nil
}

// Modules returns the discovered descriptors by module name. The first
// descriptor of each name comes from the highest priority path.
func (s *Supervisor) Modules() map[string][]Descriptor {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[string][]Descriptor, len(s.modules))
	for name, list := range s.modules {
		for _, d := range list {
			out[name] = append(out[name], *d)
		}
	}
	return out
}

// Available maps each discovered module to the version that would run, taken
// from the first configured path containing it. Later paths never override
// earlier ones.
func (s *Supervisor) Available() map[string]string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[string]string, len(s.modules))
	for name, list := range s.modules {
		out[name] = list[0].Version
	}
	return out
}

// FindModulePath returns the directory of module name in the first search
// path containing it, or "".
func (s *Supervisor) FindModulePath(name string) string {
	if name == "" || name == "." || name == ".." || strings.ContainsAny(name, `/\`) {
		return ""
	}
	for _, dir := range s.paths {
		p := filepath.Join(dir, name)
		if ok, _ := afero.Exists(s.fs, p); ok {
			return p
		}
	}
	return ""
}

// StartModule launches module name unless it is already running.
func (s *Supervisor) StartModule(name string) error {
	return s.startModule(name, s.now(), 1, -1)
}

// startModule launches name. A restart passes the stop count seen when it
// was scheduled; any other caller passes -1.
func (s *Supervisor) startModule(name string, startTime time.Time, attempt, stops int) error {
	const op = "supervisor.StartModule"
	log := s.log.With("module", name)
	log.Info("Starting", "attempt", attempt, "since_first_start", s.now().Sub(startTime).Round(time.Millisecond))

	path := s.FindModulePath(name)
	if path == "" {
		return errs.New(errs.ModuleNotFound, op, "Module %q was not found in search paths %q", name, strings.Join(s.paths, ","))
	}
	desc, err := ReadDescriptor(s.fs, path)
	if err != nil {
		return err
	}

	s.mu.Lock()
	if s.dead {
		s.mu.Unlock()
		log.Info("Shutting down, not starting module")
		return nil
	}
	if stops >= 0 && s.stops[name] != stops {
		s.mu.Unlock()
		log.Info("Module was stopped, not restarting")
		return nil
	}
	if _, running := s.procs[name]; running {
		s.mu.Unlock()
		log.Info("Process already running, ignoring.")
		return nil
	}
	if stop, pending := s.restarts[name]; pending {
		stop()
		delete(s.restarts, name)
	}
	if desc.MaxMemory > 0 {
		log.Info("Maximum memory", "mb", desc.MaxMemory)
	}

	proc, err := s.spawner.Spawn(SpawnSpec{
		Name:    name,
		Command: desc.EntryPoint(),
		Args:    s.cfg.Args,
		Dir:     path,
		Log:     logging.Component(s.log, name),
	})
	if err != nil {
		s.mu.Unlock()
		return fmt.Errorf("launching module %s: %w", name, err)
	}
	m := &managed{name: name, desc: desc, proc: proc, startTime: startTime, attempt: attempt}
	s.procs[name] = m
	running := len(s.procs)
	s.mu.Unlock()

	s.metrics.setRunning(running)
	log.Info("Launched module", "version", desc.Version, "path", path, "pid", proc.PID())
	go func() {
		<-proc.Done()
		s.exited(m)
	}()
	return nil
}

// exited handles the end of a module process, scheduling a restart unless
// the exit was requested or the supervisor is shutting down.
func (s *Supervisor) exited(m *managed) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.procs[m.name] == m {
		delete(s.procs, m.name)
	}
	s.metrics.setRunning(len(s.procs))
	s.metrics.forget(m.name)
	s.usage.Forget(m.proc.PID())
	if m.stopped || s.dead {
		return
	}

	log := s.log.With("module", m.name)
	log.Info("Module was terminated unexpectedly", "pid", m.proc.PID())
	delay := RestartDelay(m.attempt)
	if delay > 0 {
		log.Info("Module has died repeatedly. Delaying restart", "times", m.attempt, "delay", delay)
	}
	s.metrics.restart(m.name)

	stops := s.stops[m.name]
	s.restarts[m.name] = s.after(delay, func() {
		s.mu.Lock()
		delete(s.restarts, m.name)
		dead := s.dead
		s.mu.Unlock()
		if dead {
			return
		}
		if err := s.startModule(m.name, m.startTime, m.attempt+1, stops); err != nil {
			log.Error("Failed to restart module", "error", err)
		}
	})
}

// StopModule terminates module name without restarting it. Stopping a
// module that is not running does nothing.
func (s *Supervisor) StopModule(name string) error {
	s.mu.Lock()
	s.stops[name]++
	if stop, pending := s.restarts[name]; pending {
		stop()
		delete(s.restarts, name)
	}
	m := s.procs[name]
	if m != nil {
		m.stopped = true
		delete(s.procs, name)
	}
	running := len(s.procs)
	s.mu.Unlock()

	if m == nil {
		s.log.Debug("Module is not running", "module", name)
		return nil
	}
	s.metrics.setRunning(running)
	s.log.Info("Stopping module", "module", name, "pid", m.proc.PID())
	return m.proc.Terminate()
}

// Running lists the running modules by name.
func (s *Supervisor) Running() []ProcessInfo {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]ProcessInfo, 0, len(s.procs))
	for _, m := range s.procs {
		out = append(out, ProcessInfo{
			Name:      m.name,
			Version:   m.desc.Version,
			Path:      m.desc.Path,
			PID:       m.proc.PID(),
			StartTime: m.startTime,
			Attempt:   m.attempt,
			MaxMemory: m.desc.MaxMemory,
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

func (s *Supervisor) snapshot() []*managed {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*managed, 0, len(s.procs))
	for _, m := range s.procs {
		out = append(out, m)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].name < out[j].name })
	return out
}
