package supervisor

import (
	"context"
	"fmt"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/robfig/cron/v3"

	"github.com/nfrund/sphere/internal/bus"
	"github.com/nfrund/sphere/internal/errs"
	"github.com/nfrund/sphere/internal/topic"
	"github.com/nfrund/sphere/internal/topicmgr"
)

// Start scans the module paths, subscribes to the module command topics and
// starts the resource monitor. It does not start any module.
func (s *Supervisor) Start(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	s.cancel = cancel

	if err := s.UpdateModules(); err != nil {
		return err
	}

	if s.bus != nil && s.topics != nil {
		if err := s.subscribe(); err != nil {
			return err
		}
	}

	s.cron = cron.New()
	spec := fmt.Sprintf("@every %s", s.cfg.MonitorInterval)
	if _, err := s.cron.AddFunc(spec, func() { s.Monitor(ctx) }); err != nil {
		return fmt.Errorf("scheduling monitor: %w", err)
	}
	s.cron.Start()

	if s.cfg.Watch {
		if err := s.watchPaths(ctx); err != nil {
			s.log.Warn("Module paths will not be watched", "error", err)
		}
	}

	s.log.Info("Director started", "paths", s.paths, "modules", len(s.Available()))
	return nil
}

func (s *Supervisor) nodeTopic(name string) (*topic.Template, error) {
	return s.topics.Bind(name, map[string]string{"node": s.cfg.NodeID})
}

func (s *Supervisor) subscribe() error {
	start, err := s.nodeTopic(topicmgr.ModuleStart)
	if err != nil {
		return err
	}
	stop, err := s.nodeTopic(topicmgr.ModuleStop)
	if err != nil {
		return err
	}
	siteChange, err := s.topics.Template(topicmgr.SiteChange)
	if err != nil {
		return err
	}

	handlers := []struct {
		topic   *topic.Template
		handler bus.Handler
	}{
		{start.WithTimeout(0), s.onStart},
		{stop.WithTimeout(0), s.onStop},
		{siteChange.WithTimeout(0), s.onSiteChange},
	}
	for _, h := range handlers {
		sub, err := s.bus.Subscribe(h.topic, h.handler)
		if err != nil {
			return err
		}
		s.subs = append(s.subs, sub)
	}
	return nil
}

func moduleName(params bus.Params) (string, error) {
	var name string
	if err := params.Decode(&name); err != nil {
		return "", err
	}
	if name == "" {
		return "", errs.New(errs.InvalidPayload, "supervisor", "module name missing")
	}
	return name, nil
}

func (s *Supervisor) onStart(_ *bus.Message, params bus.Params, reply bus.ReplyFunc) {
	name, err := moduleName(params)
	if err == nil {
		s.log.Info("Start requested via bus", "module", name)
		if err = s.StartModule(name); err != nil {
			s.log.Error("Failed to start module", "module", name, "error", err)
		}
	}
	if reply != nil {
		reply(name, err)
	}
}

func (s *Supervisor) onStop(_ *bus.Message, params bus.Params, reply bus.ReplyFunc) {
	name, err := moduleName(params)
	if err == nil {
		s.log.Info("Stop requested via bus", "module", name)
		if err = s.StopModule(name); err != nil {
			s.log.Error("Failed to stop module", "module", name, "error", err)
		}
	}
	if reply != nil {
		reply(name, err)
	}
}

func (s *Supervisor) onSiteChange(_ *bus.Message, _ bus.Params, _ bus.ReplyFunc) {
	s.after(s.cfg.AnnounceDelay, func() {
		if err := s.AnnounceAvailableModules(); err != nil {
			s.log.Error("Failed to announce modules", "error", err)
		}
	})
}

// AnnounceAvailableModules publishes the installed module versions on the
// module availability topic.
func (s *Supervisor) AnnounceAvailableModules() error {
	if s.bus == nil || s.topics == nil {
		return errs.New(errs.Validation, "supervisor.AnnounceAvailableModules", "no bus configured")
	}
	t, err := s.nodeTopic(topicmgr.ModuleAvailable)
	if err != nil {
		return err
	}
	return s.bus.Publish(t, s.Available())
}

// Monitor samples every running module, publishes its status and kills
// modules over their memory budget. Killed modules go through the normal
// restart path.
func (s *Supervisor) Monitor(ctx context.Context) {
	var status *topic.Template
	if s.bus != nil && s.topics != nil {
		t, err := s.nodeTopic(topicmgr.ModuleStatus)
		if err != nil {
			s.log.Error("No status topic", "error", err)
		} else {
			status = t
		}
	}

	for _, m := range s.snapshot() {
		u, err := s.usage.Usage(ctx, m.proc.PID())
		if err != nil {
			s.log.Error("Failed to get process stats", "module", m.name, "error", err)
			continue
		}
		s.metrics.observe(m.name, u)

		if status != nil {
			if err := s.bus.Publish(status, m.name, u); err != nil {
				s.log.Warn("Failed to publish module status", "module", m.name, "error", err)
			}
		}

		if limit := m.desc.MaxMemoryBytes(); limit > 0 && u.Memory > limit {
			s.log.Info("Module is using too much memory", "module", m.name, "current", u.Memory, "max_mb", m.desc.MaxMemory)
			if err := m.proc.Kill(); err != nil {
				s.log.Error("Failed to kill module", "module", m.name, "error", err)
			}
		}
	}
}

// watchPaths rescans the module paths when entries are added or removed.
func (s *Supervisor) watchPaths(ctx context.Context) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("failed to create file system watcher: %w", err)
	}
	for _, dir := range s.paths {
		if err := watcher.Add(dir); err != nil {
			s.log.Debug("Not watching module path", "path", dir, "error", err)
		}
	}

	refresh := make(chan struct{}, 1)
	go func() {
		defer watcher.Close()
		var pending <-chan time.Time
		for {
			select {
			case <-ctx.Done():
				return
			case event, ok := <-watcher.Events:
				if !ok {
					return
				}
				if event.Op&(fsnotify.Create|fsnotify.Remove|fsnotify.Rename|fsnotify.Write) != 0 && pending == nil {
					pending = time.After(500 * time.Millisecond)
				}
			case <-pending:
				pending = nil
				select {
				case refresh <- struct{}{}:
				default:
				}
			case err, ok := <-watcher.Errors:
				if !ok {
					return
				}
				s.log.Error("File system watcher error", "error", err)
			}
		}
	}()

	go func() {
		for {
			select {
			case <-ctx.Done():
				return
			case <-refresh:
				s.log.Info("Module paths changed, rescanning")
				_ = s.UpdateModules()
				if s.bus != nil && s.topics != nil {
					if err := s.AnnounceAvailableModules(); err != nil {
						s.log.Error("Failed to announce modules", "error", err)
					}
				}
			}
		}
	}()
	return nil
}

// Shutdown stops restarting modules, kills every running module and waits
// for them to exit. If they have not all exited within the shutdown timeout
// or before ctx ends, it returns a ForcedShutdown error.
func (s *Supervisor) Shutdown(ctx context.Context) error {
	const op = "supervisor.Shutdown"

	s.mu.Lock()
	if s.dead {
		s.mu.Unlock()
		return nil
	}
	s.dead = true
	for name, stop := range s.restarts {
		stop()
		delete(s.restarts, name)
	}
	s.mu.Unlock()

	if s.cancel != nil {
		s.cancel()
	}
	if s.cron != nil {
		<-s.cron.Stop().Done()
	}
	for _, sub := range s.subs {
		if sub.Active() {
			s.bus.Unsubscribe(sub)
		}
	}

	procs := s.snapshot()
	s.log.Info("Killing child processes", "count", len(procs))
	for _, m := range procs {
		if err := m.proc.Kill(); err != nil {
			s.log.Warn("Failed killing process", "module", m.name, "error", err)
		}
	}

	ctx, cancel := context.WithTimeout(ctx, s.cfg.ShutdownTimeout)
	defer cancel()
	ticker := time.NewTicker(500 * time.Millisecond)
	defer ticker.Stop()

	for _, m := range procs {
		for waiting := true; waiting; {
			select {
			case <-m.proc.Done():
				s.log.Info("Terminated", "module", m.name)
				waiting = false
			case <-ticker.C:
				s.log.Info("Processes still stopping", "count", stillRunning(procs))
			case <-ctx.Done():
				return errs.Wrap(errs.ForcedShutdown, op, ctx.Err(), "%d processes still stopping", stillRunning(procs))
			}
		}
	}
	s.log.Info("All stopped.")
	return nil
}

func stillRunning(procs []*managed) int {
	n := 0
	for _, m := range procs {
		select {
		case <-m.proc.Done():
		default:
			n++
		}
	}
	return n
}
