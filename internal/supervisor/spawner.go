package supervisor

import (
	"bufio"
	"fmt"
	"io"
	"log/slog"
	"os/exec"
	"sync"
	"syscall"
)

// SpawnSpec describes one module launch.
type SpawnSpec struct {
	Name    string
	Command string
	Args    []string
	Dir     string
	// Log receives the child's output line by line.
	Log *slog.Logger
}

// Process is a running module.
type Process interface {
	PID() int
	// Terminate asks the process to exit.
	Terminate() error
	// Kill ends the process immediately.
	Kill() error
	// Done is closed once the process has exited.
	Done() <-chan struct{}
}

// Spawner starts module processes.
type Spawner interface {
	Spawn(spec SpawnSpec) (Process, error)
}

// ExecSpawner runs modules as child processes of the director.
type ExecSpawner struct{}

// Spawn starts spec.Command in spec.Dir and streams its stdout at info level
// and its stderr at error level.
func (ExecSpawner) Spawn(spec SpawnSpec) (Process, error) {
	cmd := exec.Command(spec.Command, spec.Args...)
	cmd.Dir = spec.Dir

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("stdout pipe for %s: %w", spec.Name, err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return nil, fmt.Errorf("stderr pipe for %s: %w", spec.Name, err)
	}
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("starting %s: %w", spec.Command, err)
	}

	log := spec.Log
	if log == nil {
		log = slog.Default()
	}
	p := &execProcess{cmd: cmd, done: make(chan struct{})}

	var streams sync.WaitGroup
	streams.Add(2)
	go pipeLines(&streams, stdout, func(line string) { log.Info(line) })
	go pipeLines(&streams, stderr, func(line string) { log.Error(line) })

	go func() {
		// Wait closes the pipes, so drain them first.
		streams.Wait()
		err := cmd.Wait()
		log.Debug("Process exited", "pid", p.PID(), "error", err)
		close(p.done)
	}()
	return p, nil
}

func pipeLines(wg *sync.WaitGroup, r io.Reader, emit func(string)) {
	defer wg.Done()
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 64*1024), 1024*1024)
	for scanner.Scan() {
		emit(scanner.Text())
	}
}

type execProcess struct {
	cmd  *exec.Cmd
	done chan struct{}
}

func (p *execProcess) PID() int {
	if p.cmd.Process == nil {
		return 0
	}
	return p.cmd.Process.Pid
}

func (p *execProcess) Terminate() error {
	if p.exited() {
		return nil
	}
	return p.cmd.Process.Signal(syscall.SIGTERM)
}

func (p *execProcess) Kill() error {
	if p.exited() {
		return nil
	}
	return p.cmd.Process.Kill()
}

func (p *execProcess) Done() <-chan struct{} { return p.done }

func (p *execProcess) exited() bool {
	select {
	case <-p.done:
		return true
	default:
		return false
	}
}
