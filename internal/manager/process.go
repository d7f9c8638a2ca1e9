package manager

import (
	"context"
	"os/exec"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/shirou/gopsutil/v4/process"
)

const (
	pollInterval = 100 * time.Millisecond
	inspectLimit = 2 * time.Second
	// createTimeTolerance absorbs clock-tick rounding in process start times.
	createTimeTolerance = int64(1000)
)

// ProcessRef is a tracked scraper process. Owned processes were spawned by
// this manager and are waited on directly; recovered processes were adopted
// by PID after a manager restart.
type ProcessRef interface {
	PID() int
	Alive() bool
	// Terminate asks the process to exit (SIGTERM where supported).
	Terminate() error
	Kill() error
	// Wait blocks until the process exits or timeout elapses and reports whether it exited.
	Wait(timeout time.Duration) bool
	// ExitCode returns the exit code when known. Recovered processes never know it.
	ExitCode() (int, bool)
}

// ownedProcess wraps a child started with exec.Cmd. A goroutine reaps it.
type ownedProcess struct {
	cmd  *exec.Cmd
	done chan struct{}

	mu       sync.Mutex
	exitCode int
}

func startOwned(cmd *exec.Cmd) (*ownedProcess, error) {
	if err := cmd.Start(); err != nil {
		return nil, err
	}
	p := &ownedProcess{cmd: cmd, done: make(chan struct{})}
	go p.reap()
	return p, nil
}

func (p *ownedProcess) reap() {
	_ = p.cmd.Wait()
	p.mu.Lock()
	p.exitCode = -1
	if p.cmd.ProcessState != nil {
		p.exitCode = p.cmd.ProcessState.ExitCode()
	}
	p.mu.Unlock()
	close(p.done)
}

func (p *ownedProcess) PID() int { return p.cmd.Process.Pid }

func (p *ownedProcess) Alive() bool {
	select {
	case <-p.done:
		return false
	default:
		return true
	}
}

func (p *ownedProcess) Terminate() error { return terminate(p.cmd.Process) }

func (p *ownedProcess) Kill() error { return p.cmd.Process.Kill() }

func (p *ownedProcess) Wait(timeout time.Duration) bool {
	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case <-p.done:
		return true
	case <-timer.C:
		return false
	}
}

func (p *ownedProcess) ExitCode() (int, bool) {
	if p.Alive() {
		return 0, false
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.exitCode, true
}

// recoveredProcess is known only by PID.
type recoveredProcess struct {
	pid int
}

func newRecovered(pid int) *recoveredProcess {
	return &recoveredProcess{pid: pid}
}

func (p *recoveredProcess) PID() int { return p.pid }

// Alive reports whether the PID exists and is not a zombie.
func (p *recoveredProcess) Alive() bool {
	ctx, cancel := context.WithTimeout(context.Background(), inspectLimit)
	defer cancel()

	exists, err := process.PidExistsWithContext(ctx, int32(p.pid))
	if err != nil || !exists {
		return false
	}
	proc, err := process.NewProcessWithContext(ctx, int32(p.pid))
	if err != nil {
		return false
	}
	if status, statusErr := proc.StatusWithContext(ctx); statusErr == nil && slices.Contains(status, process.Zombie) {
		return false
	}
	return true
}

func (p *recoveredProcess) Terminate() error {
	proc, err := process.NewProcess(int32(p.pid))
	if err != nil {
		return err
	}
	return proc.Terminate()
}

func (p *recoveredProcess) Kill() error {
	proc, err := process.NewProcess(int32(p.pid))
	if err != nil {
		return err
	}
	return proc.Kill()
}

func (p *recoveredProcess) Wait(timeout time.Duration) bool {
	deadline := time.Now().Add(timeout)
	for {
		if !p.Alive() {
			return true
		}
		if time.Now().After(deadline) {
			return false
		}
		time.Sleep(pollInterval)
	}
}

func (p *recoveredProcess) ExitCode() (int, bool) { return 0, false }

// Inspector reads a process's command line and start time. It returns an
// error when the information is unavailable.
type Inspector func(ctx context.Context, pid int) (cmdline string, createTimeMillis int64, err error)

// InspectProcess is the gopsutil-backed Inspector.
func InspectProcess(ctx context.Context, pid int) (string, int64, error) {
	proc, err := process.NewProcessWithContext(ctx, int32(pid))
	if err != nil {
		return "", 0, err
	}
	args, err := proc.CmdlineSliceWithContext(ctx)
	if err != nil {
		return "", 0, err
	}
	created, err := proc.CreateTimeWithContext(ctx)
	if err != nil {
		created = 0
	}
	return strings.Join(args, " "), created, nil
}

// verdict of an identity check.
type verdict int

const (
	verdictMatch verdict = iota
	verdictMismatch
	verdictInconclusive
)

// verifyIdentity decides whether pid still runs the scraper for retailer.
// Unreadable process information is inconclusive and callers trust the PID.
func verifyIdentity(ctx context.Context, inspect Inspector, pid int, retailer, entrypoint string, recordedCreate int64) (verdict, string) {
	cmdline, created, err := inspect(ctx, pid)
	if err != nil || cmdline == "" {
		return verdictInconclusive, ""
	}
	if !strings.Contains(cmdline, retailer) || !strings.Contains(cmdline, entrypoint) {
		return verdictMismatch, cmdline
	}
	if recordedCreate > 0 && created > 0 && absDiff(recordedCreate, created) > createTimeTolerance {
		return verdictMismatch, cmdline
	}
	return verdictMatch, cmdline
}

func absDiff(a, b int64) int64 {
	if a > b {
		return a - b
	}
	return b - a
}

// ProcessCreateTime returns the start time of pid in unix milliseconds, or 0.
func ProcessCreateTime(pid int) int64 {
	ctx, cancel := context.WithTimeout(context.Background(), inspectLimit)
	defer cancel()

	proc, err := process.NewProcessWithContext(ctx, int32(pid))
	if err != nil {
		return 0
	}
	created, err := proc.CreateTimeWithContext(ctx)
	if err != nil {
		return 0
	}
	return created
}
