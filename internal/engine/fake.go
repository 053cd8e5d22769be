package engine

import (
	"context"
	"os"
	"sync"
)

// FakeProcess is a scripted ProcessHandle for runner tests: its
// stdout/stderr lines and exit code are set up before the runner ever
// reads them.
type FakeProcess struct {
	pid         int
	stdoutLines []string
	stderrLines []string
	exitCode    int
	exitErr     error
	blocking    bool

	mu            sync.Mutex
	killed        []os.Signal
	stdout        chan string
	stderr        chan string
	done          chan struct{}
	started       sync.Once
	closeDoneOnce sync.Once
}

// NewFakeProcess builds a handle that, once drained, reports exitCode.
func NewFakeProcess(pid int, stdoutLines []string, exitCode int) *FakeProcess {
	return &FakeProcess{
		pid:         pid,
		stdoutLines: stdoutLines,
		exitCode:    exitCode,
		stdout:      make(chan string, len(stdoutLines)+1),
		stderr:      make(chan string, 1),
		done:        make(chan struct{}),
	}
}

// NewBlockingFakeProcess builds a handle whose Wait never returns on its
// own; it only unblocks once Kill is called, reporting exitCode. Used by
// runner tests that need a worker to still be in flight when a
// pause/stop is issued against it.
func NewBlockingFakeProcess(pid, exitCode int) *FakeProcess {
	return &FakeProcess{
		pid:      pid,
		exitCode: exitCode,
		blocking: true,
		stdout:   make(chan string),
		stderr:   make(chan string),
		done:     make(chan struct{}),
	}
}

func (p *FakeProcess) deliver() {
	p.started.Do(func() {
		go func() {
			for _, line := range p.stdoutLines {
				p.stdout <- line
			}
			close(p.stdout)
			for _, line := range p.stderrLines {
				p.stderr <- line
			}
			close(p.stderr)
			if !p.blocking {
				p.closeDoneOnce.Do(func() { close(p.done) })
			}
		}()
	})
}

func (p *FakeProcess) PID() int { return p.pid }

func (p *FakeProcess) Stdout() <-chan string {
	p.deliver()
	return p.stdout
}

func (p *FakeProcess) Stderr() <-chan string {
	p.deliver()
	return p.stderr
}

func (p *FakeProcess) Wait() (int, error) {
	p.deliver()
	<-p.done
	return p.exitCode, p.exitErr
}

// Kill records the signal a caller sent instead of actually signaling
// anything. On a blocking process, the first Kill unblocks Wait.
func (p *FakeProcess) Kill(signal os.Signal) error {
	p.mu.Lock()
	p.killed = append(p.killed, signal)
	p.mu.Unlock()
	if p.blocking {
		p.closeDoneOnce.Do(func() { close(p.done) })
	}
	return nil
}

// Signals returns every signal Kill was called with, in order.
func (p *FakeProcess) Signals() []os.Signal {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]os.Signal, len(p.killed))
	copy(out, p.killed)
	return out
}

// FakeProcessManager hands out pre-scripted FakeProcesses keyed by call
// order, so a test can assert a specific sequence of spawns without a
// real child process.
type FakeProcessManager struct {
	mu        sync.Mutex
	processes []*FakeProcess
	calls     []FakeSpawnCall
	next      int
}

// FakeSpawnCall records one Spawn invocation's arguments.
type FakeSpawnCall struct {
	Name string
	Args []string
	Opts SpawnOptions
}

// NewFakeProcessManager returns a manager that yields processes in the
// given order, one per Spawn call; Spawn beyond the scripted count
// reuses the last process.
func NewFakeProcessManager(processes ...*FakeProcess) *FakeProcessManager {
	return &FakeProcessManager{processes: processes}
}

func (m *FakeProcessManager) Spawn(ctx context.Context, name string, args []string, opts SpawnOptions) (ProcessHandle, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls = append(m.calls, FakeSpawnCall{Name: name, Args: args, Opts: opts})

	if len(m.processes) == 0 {
		return NewFakeProcess(1, nil, 0), nil
	}
	idx := m.next
	if idx >= len(m.processes) {
		idx = len(m.processes) - 1
	} else {
		m.next++
	}
	return m.processes[idx], nil
}

// Calls returns every Spawn call observed so far.
func (m *FakeProcessManager) Calls() []FakeSpawnCall {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]FakeSpawnCall, len(m.calls))
	copy(out, m.calls)
	return out
}
