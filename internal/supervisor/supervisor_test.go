package supervisor

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nfrund/sphere/internal/bus"
	"github.com/nfrund/sphere/internal/errs"
	"github.com/nfrund/sphere/internal/topic"
	"github.com/nfrund/sphere/internal/topicmgr"
	"github.com/nfrund/sphere/internal/transport"
)

type fakeProcess struct {
	pid      int
	done     chan struct{}
	once     sync.Once
	stubborn bool

	mu         sync.Mutex
	terminated bool
	killed     bool
}

func (p *fakeProcess) PID() int              { return p.pid }
func (p *fakeProcess) Done() <-chan struct{} { return p.done }

func (p *fakeProcess) exit() { p.once.Do(func() { close(p.done) }) }

func (p *fakeProcess) Terminate() error {
	p.mu.Lock()
	p.terminated = true
	p.mu.Unlock()
	p.exit()
	return nil
}

func (p *fakeProcess) Kill() error {
	p.mu.Lock()
	p.killed = true
	p.mu.Unlock()
	if !p.stubborn {
		p.exit()
	}
	return nil
}

type fakeSpawner struct {
	mu       sync.Mutex
	specs    []SpawnSpec
	procs    []*fakeProcess
	stubborn bool
}

func (f *fakeSpawner) Spawn(spec SpawnSpec) (Process, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	p := &fakeProcess{pid: 1000 + len(f.procs), done: make(chan struct{}), stubborn: f.stubborn}
	f.specs = append(f.specs, spec)
	f.procs = append(f.procs, p)
	return p, nil
}

func (f *fakeSpawner) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.procs)
}

func (f *fakeSpawner) last() *fakeProcess {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.procs[len(f.procs)-1]
}

type timerCall struct {
	delay time.Duration
	fn    func()
}

// fakeTimers records scheduled functions for the test to fire.
type fakeTimers struct {
	mu    sync.Mutex
	calls []*timerCall
}

func (f *fakeTimers) after(d time.Duration, fn func()) func() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	c := &timerCall{delay: d, fn: fn}
	f.calls = append(f.calls, c)
	return func() bool {
		f.mu.Lock()
		defer f.mu.Unlock()
		stopped := c.fn != nil
		c.fn = nil
		return stopped
	}
}

func (f *fakeTimers) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.calls)
}

// take removes the i-th scheduled function as if its timer had just fired,
// so cancelling it afterwards has no effect.
func (f *fakeTimers) take(i int) func() {
	f.mu.Lock()
	defer f.mu.Unlock()
	fn := f.calls[i].fn
	f.calls[i].fn = nil
	return fn
}

// fire runs the i-th scheduled function unless it was cancelled.
func (f *fakeTimers) fire(i int) bool {
	f.mu.Lock()
	fn := f.calls[i].fn
	f.calls[i].fn = nil
	f.mu.Unlock()
	if fn == nil {
		return false
	}
	fn()
	return true
}

func (f *fakeTimers) delay(i int) time.Duration {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls[i].delay
}

type fakeUsage struct {
	mu        sync.Mutex
	usage     map[int]Usage
	forgotten []int
}

func (f *fakeUsage) Usage(_ context.Context, pid int) (Usage, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	u, ok := f.usage[pid]
	if !ok {
		return Usage{}, errors.New("no such process")
	}
	return u, nil
}

func (f *fakeUsage) Forget(pid int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.usage, pid)
	f.forgotten = append(f.forgotten, pid)
}

func (f *fakeUsage) forgot(pid int) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, p := range f.forgotten {
		if p == pid {
			return true
		}
	}
	return false
}

func (f *fakeUsage) set(pid int, u Usage) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.usage[pid] = u
}

func writeModule(t *testing.T, fs afero.Fs, dir, name, descriptor string) {
	t.Helper()
	require.NoError(t, fs.MkdirAll(filepath.Join(dir, name), 0o755))
	require.NoError(t, afero.WriteFile(fs, filepath.Join(dir, name, DescriptorFile), []byte(descriptor), 0o644))
}

type harness struct {
	sup     *Supervisor
	fs      afero.Fs
	spawner *fakeSpawner
	timers  *fakeTimers
	usage   *fakeUsage
}

func newHarness(t *testing.T, opts ...Option) *harness {
	t.Helper()
	h := &harness{
		fs:      afero.NewMemMapFs(),
		spawner: &fakeSpawner{},
		timers:  &fakeTimers{},
		usage:   &fakeUsage{usage: make(map[int]Usage)},
	}
	writeModule(t, h.fs, "/opt/drivers", "driver-hue", `{"name": "driver-hue", "version": "1.2.0", "main": "driver-hue"}`)
	writeModule(t, h.fs, "/opt/drivers", "driver-fat", `{"name": "driver-fat", "version": "0.1.0", "maxMemory": 100}`)
	writeModule(t, h.fs, "/opt/apps", "driver-hue", `{"name": "driver-hue", "version": "0.9.0"}`)
	writeModule(t, h.fs, "/opt/apps", "broken", `{"version": `)
	require.NoError(t, h.fs.MkdirAll("/opt/apps/not-a-module", 0o755))

	all := append([]Option{
		WithFs(h.fs),
		WithSpawner(h.spawner),
		WithUsage(h.usage),
		WithAfterFunc(h.timers.after),
		WithMetrics(NewMetrics(prometheus.NewRegistry())),
	}, opts...)
	h.sup = New(Config{
		ModulePaths:     []string{"/opt/drivers", "/opt/missing", "/opt/apps"},
		Args:            []string{"--mqtt-host", "localhost"},
		NodeID:          "NODE1",
		ShutdownTimeout: 200 * time.Millisecond,
	}, all...)
	require.NoError(t, h.sup.UpdateModules())
	return h
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	require.Eventually(t, cond, 2*time.Second, 5*time.Millisecond)
}

func TestRestartDelay(t *testing.T) {
	assert.Zero(t, RestartDelay(0))
	assert.Zero(t, RestartDelay(1))
	assert.Equal(t, 2250*time.Millisecond, RestartDelay(2))
	assert.Equal(t, 7593750*time.Microsecond, RestartDelay(5))
	assert.Equal(t, 240*time.Second, RestartDelay(14))
	for attempt := 0; attempt < 100; attempt++ {
		assert.LessOrEqual(t, RestartDelay(attempt), 240*time.Second)
	}
}

func TestDiscovery(t *testing.T) {
	h := newHarness(t)

	t.Run("paths that do not exist are dropped", func(t *testing.T) {
		assert.Equal(t, []string{"/opt/drivers", "/opt/apps"}, h.sup.Paths())
	})

	t.Run("earlier paths take priority", func(t *testing.T) {
		mods := h.sup.Modules()
		require.Len(t, mods["driver-hue"], 2)
		assert.Equal(t, "1.2.0", mods["driver-hue"][0].Version)
		assert.Equal(t, "/opt/drivers/driver-hue", h.sup.FindModulePath("driver-hue"))
		assert.Equal(t, map[string]string{"driver-hue": "1.2.0", "driver-fat": "0.1.0"}, h.sup.Available())
	})

	t.Run("unknown or unsafe names", func(t *testing.T) {
		assert.Empty(t, h.sup.FindModulePath("nope"))
		assert.Empty(t, h.sup.FindModulePath("../drivers"))
	})

	t.Run("fallback paths", func(t *testing.T) {
		s := New(Config{ModulePaths: []string{"/does/not/exist"}}, WithFs(afero.NewMemMapFs()))
		paths := s.Paths()
		require.Len(t, paths, 3)
		assert.Equal(t, "drivers", filepath.Base(paths[1]))
		assert.Equal(t, "apps", filepath.Base(paths[2]))
	})

	t.Run("descriptor topics are registered", func(t *testing.T) {
		fs := afero.NewMemMapFs()
		writeModule(t, fs, "/m", "weather", `{"name": "weather", "version": "1.0.0", "topics": {"weather.forecast": "$node/:node/app/weather/forecast"}}`)
		topics := topicmgr.NewManager(nil)
		s := New(Config{ModulePaths: []string{"/m"}}, WithFs(fs), WithTopics(topics))
		require.NoError(t, s.UpdateModules())
		_, ok := topics.Get("weather.forecast")
		assert.True(t, ok)
	})
}

func TestStartModule(t *testing.T) {
	t.Run("spawns the entry point", func(t *testing.T) {
		h := newHarness(t)
		require.NoError(t, h.sup.StartModule("driver-hue"))

		spec := h.spawner.specs[0]
		assert.Equal(t, "/opt/drivers/driver-hue/driver-hue", spec.Command)
		assert.Equal(t, "/opt/drivers/driver-hue", spec.Dir)
		assert.Equal(t, []string{"--mqtt-host", "localhost"}, spec.Args)

		require.NoError(t, h.sup.StartModule("driver-fat"))
		assert.Equal(t, "/opt/drivers/driver-fat/run", h.spawner.specs[1].Command)
	})

	t.Run("already running is a no-op", func(t *testing.T) {
		h := newHarness(t)
		require.NoError(t, h.sup.StartModule("driver-hue"))
		require.NoError(t, h.sup.StartModule("driver-hue"))
		assert.Equal(t, 1, h.spawner.count())
		assert.Len(t, h.sup.Running(), 1)
	})

	t.Run("module not found", func(t *testing.T) {
		h := newHarness(t)
		err := h.sup.StartModule("nope")
		assert.ErrorIs(t, err, errs.ErrModuleNotFound)
	})

	t.Run("unreadable descriptor", func(t *testing.T) {
		h := newHarness(t)
		err := h.sup.StartModule("broken")
		assert.ErrorIs(t, err, errs.ErrPackageDescriptor)
		err = h.sup.StartModule("not-a-module")
		assert.ErrorIs(t, err, errs.ErrPackageDescriptor)
	})
}

func TestCrashRestart(t *testing.T) {
	h := newHarness(t)
	require.NoError(t, h.sup.StartModule("driver-hue"))
	first := h.sup.Running()[0]

	h.spawner.last().exit()
	waitFor(t, func() bool { return h.timers.count() == 1 })
	assert.Zero(t, h.timers.delay(0), "first crash restarts immediately")
	assert.Empty(t, h.sup.Running())

	require.True(t, h.timers.fire(0))
	require.Len(t, h.sup.Running(), 1)
	second := h.sup.Running()[0]
	assert.Equal(t, 2, second.Attempt)
	assert.Equal(t, first.StartTime, second.StartTime, "start time survives restarts")

	h.spawner.last().exit()
	waitFor(t, func() bool { return h.timers.count() == 2 })
	assert.Equal(t, RestartDelay(2), h.timers.delay(1))

	t.Run("stop cancels a pending restart", func(t *testing.T) {
		require.NoError(t, h.sup.StopModule("driver-hue"))
		assert.False(t, h.timers.fire(1))
		assert.Empty(t, h.sup.Running())
	})
}

func TestStopDuringRestart(t *testing.T) {
	h := newHarness(t)
	require.NoError(t, h.sup.StartModule("driver-hue"))

	h.spawner.last().exit()
	waitFor(t, func() bool { return h.timers.count() == 1 })

	// The timer has fired but the restart has not started yet.
	restart := h.timers.take(0)
	require.NotNil(t, restart)
	require.NoError(t, h.sup.StopModule("driver-hue"))

	restart()
	assert.Empty(t, h.sup.Running())
	assert.Equal(t, 1, h.spawner.count(), "a stopped module is not relaunched")

	t.Run("an explicit start still works", func(t *testing.T) {
		require.NoError(t, h.sup.StartModule("driver-hue"))
		assert.Len(t, h.sup.Running(), 1)
	})
}

func TestExitForgetsUsage(t *testing.T) {
	h := newHarness(t)
	require.NoError(t, h.sup.StartModule("driver-hue"))
	proc := h.spawner.last()
	h.usage.set(proc.pid, Usage{CPU: 1, Memory: 1000})

	proc.exit()
	waitFor(t, func() bool { return h.usage.forgot(proc.pid) })

	t.Run("stopped modules are forgotten too", func(t *testing.T) {
		waitFor(t, func() bool { return h.timers.count() == 1 })
		require.True(t, h.timers.fire(0))
		restarted := h.spawner.last()
		require.NotEqual(t, proc.pid, restarted.pid)

		require.NoError(t, h.sup.StopModule("driver-hue"))
		waitFor(t, func() bool { return h.usage.forgot(restarted.pid) })
	})
}

func TestStopModule(t *testing.T) {
	h := newHarness(t)
	require.NoError(t, h.sup.StartModule("driver-hue"))
	proc := h.spawner.last()

	require.NoError(t, h.sup.StopModule("driver-hue"))
	<-proc.Done()
	assert.True(t, proc.terminated)
	assert.Empty(t, h.sup.Running())

	time.Sleep(20 * time.Millisecond)
	assert.Zero(t, h.timers.count(), "a requested stop is not restarted")

	assert.NoError(t, h.sup.StopModule("driver-hue"), "stopping a stopped module does nothing")
}

func TestMonitor(t *testing.T) {
	h := newHarness(t)
	require.NoError(t, h.sup.StartModule("driver-fat"))
	require.NoError(t, h.sup.StartModule("driver-hue"))
	fat := h.spawner.procs[0]
	hue := h.spawner.procs[1]

	h.usage.set(fat.pid, Usage{CPU: 3, Memory: 150 * 1000000})
	h.usage.set(hue.pid, Usage{CPU: 1, Memory: 500 * 1000000})

	h.sup.Monitor(context.Background())

	assert.True(t, fat.killed, "over budget")
	assert.False(t, hue.killed, "no budget declared")
	waitFor(t, func() bool { return h.timers.count() == 1 })
}

func TestShutdown(t *testing.T) {
	t.Run("kills everything and suppresses restarts", func(t *testing.T) {
		h := newHarness(t)
		require.NoError(t, h.sup.StartModule("driver-hue"))
		require.NoError(t, h.sup.StartModule("driver-fat"))

		require.NoError(t, h.sup.Shutdown(context.Background()))
		for _, p := range h.spawner.procs {
			assert.True(t, p.killed)
		}
		time.Sleep(20 * time.Millisecond)
		assert.Zero(t, h.timers.count())

		require.NoError(t, h.sup.StartModule("driver-hue"))
		assert.Equal(t, 2, h.spawner.count(), "nothing starts after shutdown")
	})

	t.Run("forced when a child does not exit", func(t *testing.T) {
		h := newHarness(t)
		h.spawner.stubborn = true
		require.NoError(t, h.sup.StartModule("driver-hue"))

		err := h.sup.Shutdown(context.Background())
		assert.ErrorIs(t, err, errs.ErrForcedShutdown)
		h.spawner.last().exit()
	})
}

func TestBusIntegration(t *testing.T) {
	tr, err := transport.NewLocal(nil)
	require.NoError(t, err)
	b := bus.New(tr)
	t.Cleanup(func() {
		b.Close()
		_ = tr.Close()
	})
	topics := topicmgr.NewManager(nil)
	require.NoError(t, topics.RegisterDefaults(nil))

	h := newHarness(t, WithBus(b, topics))
	ctx := context.Background()
	require.NoError(t, h.sup.Start(ctx))
	t.Cleanup(func() { _ = h.sup.Shutdown(ctx) })

	available := make(chan map[string]string, 1)
	status := make(chan []json.RawMessage, 4)
	_, err = b.SubscribeTopic("$node/NODE1/module/available", func(_ *bus.Message, params bus.Params, _ bus.ReplyFunc) {
		var mods map[string]string
		_ = params.Decode(&mods)
		available <- mods
	})
	require.NoError(t, err)
	_, err = b.SubscribeTopic("$node/NODE1/module/status", func(_ *bus.Message, params bus.Params, _ bus.ReplyFunc) {
		status <- params
	})
	require.NoError(t, err)

	t.Run("start and stop commands", func(t *testing.T) {
		start := topic.MustParse("$node/NODE1/module/start", topic.Timeout(2*time.Second))
		raw, err := b.Call(ctx, start, "", "driver-hue")
		require.NoError(t, err)
		assert.JSONEq(t, `"driver-hue"`, string(raw))
		require.Len(t, h.sup.Running(), 1)

		require.NoError(t, b.Publish(topic.MustParse("$node/NODE1/module/stop"), "driver-hue"))
		waitFor(t, func() bool { return len(h.sup.Running()) == 0 })

		_, err = b.Call(ctx, start, "", "nope")
		assert.ErrorIs(t, err, errs.ErrRemote)
	})

	t.Run("site change announces modules after a delay", func(t *testing.T) {
		before := h.timers.count()
		require.NoError(t, b.Publish(topic.MustParse("$cloud/site/change")))
		waitFor(t, func() bool { return h.timers.count() == before+1 })
		assert.Equal(t, 2*time.Second, h.timers.delay(before))
		h.timers.fire(before)

		select {
		case mods := <-available:
			assert.Equal(t, "1.2.0", mods["driver-hue"])
		case <-time.After(2 * time.Second):
			t.Fatal("no announcement")
		}
	})

	t.Run("monitor publishes status", func(t *testing.T) {
		require.NoError(t, h.sup.StartModule("driver-fat"))
		h.usage.set(h.spawner.last().pid, Usage{CPU: 12.5, Memory: 1000})
		h.sup.Monitor(ctx)

		select {
		case params := <-status:
			require.Len(t, params, 2)
			assert.JSONEq(t, `"driver-fat"`, string(params[0]))
			assert.JSONEq(t, `{"cpu": 12.5, "memory": 1000}`, string(params[1]))
		case <-time.After(2 * time.Second):
			t.Fatal("no status")
		}
	})
}

func TestDescriptor(t *testing.T) {
	fs := afero.NewMemMapFs()
	writeModule(t, fs, "/m", "a", `{"name": "a", "version": "1", "maxMemory": 64.5}`)
	writeModule(t, fs, "/m", "b", `{"version": "1"}`)
	writeModule(t, fs, "/m", "c", `{"name": "c", "main": "/usr/bin/c"}`)

	d, err := ReadDescriptor(fs, "/m/a")
	require.NoError(t, err)
	assert.Equal(t, uint64(64500000), d.MaxMemoryBytes())
	assert.Equal(t, "/m/a/run", d.EntryPoint())

	_, err = ReadDescriptor(fs, "/m/b")
	assert.ErrorIs(t, err, errs.ErrPackageDescriptor, "name is required")

	d, err = ReadDescriptor(fs, "/m/c")
	require.NoError(t, err)
	assert.Equal(t, "/usr/bin/c", d.EntryPoint())
}

func ExampleRestartDelay() {
	for _, attempt := range []int{1, 2, 5, 20} {
		fmt.Println(attempt, RestartDelay(attempt))
	}
	// Output:
	// 1 0s
	// 2 2.25s
	// 5 7.59375s
	// 20 4m0s
}

func TestGopsutilUsage(t *testing.T) {
	g := NewGopsutilUsage()
	pid := os.Getpid()

	u, err := g.Usage(context.Background(), pid)
	require.NoError(t, err)
	assert.NotZero(t, u.Memory)
	assert.Len(t, g.procs, 1)

	g.Forget(pid)
	assert.Empty(t, g.procs)
}
