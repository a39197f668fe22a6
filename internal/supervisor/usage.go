package supervisor

import (
	"context"
	"math"
	"sync"
	"time"

	"github.com/shirou/gopsutil/v4/process"
)

// Usage is a resource sample of one process.
type Usage struct {
	// CPU is the percentage of one core used since the previous sample.
	CPU float64 `json:"cpu"`
	// Memory is the resident set size in bytes.
	Memory uint64 `json:"memory"`
}

// UsageSource samples process resource usage.
type UsageSource interface {
	Usage(ctx context.Context, pid int) (Usage, error)
	// Forget drops any state kept for pid once the process has exited.
	Forget(pid int)
}

// RestartDelay is the backoff before restart attempt+1 of a module whose
// attempt-th run terminated: nothing for the first crash, then 1.5^attempt
// seconds, capped at four minutes.
func RestartDelay(attempt int) time.Duration {
	if attempt <= 1 {
		return 0
	}
	ms := math.Min(240000, 1000*math.Pow(1.5, float64(attempt)))
	return time.Duration(ms * float64(time.Millisecond))
}

// GopsutilUsage reads usage from the OS. Process handles are kept between
// samples so CPU is measured over the sampling interval.
type GopsutilUsage struct {
	mu    sync.Mutex
	procs map[int]*process.Process
}

// NewGopsutilUsage creates a sampler.
func NewGopsutilUsage() *GopsutilUsage {
	return &GopsutilUsage{procs: make(map[int]*process.Process)}
}

// Usage samples pid.
func (g *GopsutilUsage) Usage(ctx context.Context, pid int) (Usage, error) {
	p, err := g.handle(ctx, pid)
	if err != nil {
		return Usage{}, err
	}
	cpu, err := p.PercentWithContext(ctx, 0)
	if err != nil {
		g.Forget(pid)
		return Usage{}, err
	}
	mem, err := p.MemoryInfoWithContext(ctx)
	if err != nil {
		g.Forget(pid)
		return Usage{}, err
	}
	return Usage{CPU: cpu, Memory: mem.RSS}, nil
}

func (g *GopsutilUsage) handle(ctx context.Context, pid int) (*process.Process, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if p, ok := g.procs[pid]; ok {
		return p, nil
	}
	p, err := process.NewProcessWithContext(ctx, int32(pid))
	if err != nil {
		return nil, err
	}
	g.procs[pid] = p
	return p, nil
}

// Forget drops the cached handle for pid.
func (g *GopsutilUsage) Forget(pid int) {
	g.mu.Lock()
	defer g.mu.Unlock()
	delete(g.procs, pid)
}
