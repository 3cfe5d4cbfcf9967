// Package proc launches the external media tools and gives callers a handle
// that can be awaited or forcibly stopped together with any children.
package proc

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"strings"
	"sync"
	"sync/atomic"
	"time"
)

const (
	maxStderrBytes = 8 * 1024 // tail of stderr kept for diagnostics
	waitDelay      = 5 * time.Second
)

var commandContext = exec.CommandContext

// Spec describes one invocation.
type Spec struct {
	Path string
	Args []string
	Dir  string

	// OnLine receives each stdout line as it is produced. Carriage returns
	// also terminate a line.
	OnLine func(line string)
}

// Result is the outcome of a finished process.
type Result struct {
	ExitCode   int
	StderrTail string
	Duration   time.Duration
	Killed     bool
	Err        error
}

// IsSuccess returns true if the process exited with code 0.
func (r Result) IsSuccess() bool {
	return r.ExitCode == 0 && r.Err == nil
}

// Handle is a started process.
type Handle interface {
	Kill() error
	Wait() Result
}

// Runner starts processes.
type Runner interface {
	Start(ctx context.Context, spec Spec) (Handle, error)
}

// Exec is the os/exec backed Runner.
type Exec struct {
	logger *slog.Logger
}

// NewExec returns a Runner that logs through logger.
func NewExec(logger *slog.Logger) *Exec {
	return &Exec{logger: logger}
}

// Start launches spec in its own process group. Cancelling ctx kills the
// whole group.
func (e *Exec) Start(ctx context.Context, spec Spec) (Handle, error) {
	if spec.Path == "" {
		return nil, errors.New("proc: empty executable path")
	}

	cmd := commandContext(ctx, spec.Path, spec.Args...) //nolint:gosec
	cmd.Dir = spec.Dir
	cmd.SysProcAttr = sysProcAttr()
	cmd.WaitDelay = waitDelay

	stderr := &limitedWriter{limit: maxStderrBytes}
	cmd.Stderr = stderr

	var lines *lineWriter
	if spec.OnLine != nil {
		lines = &lineWriter{fn: spec.OnLine}
		cmd.Stdout = lines
	} else {
		cmd.Stdout = io.Discard
	}

	p := &Process{
		cmd:    cmd,
		done:   make(chan struct{}),
		logger: e.logger,
	}
	cmd.Cancel = func() error {
		p.killed.Store(true)
		return killTree(cmd.Process)
	}

	e.logger.Debug("starting process", "path", spec.Path, "args", spec.Args)

	start := time.Now()
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("start %s: %w", spec.Path, err)
	}

	go func() {
		err := cmd.Wait()
		if lines != nil {
			lines.Flush()
		}
		p.finish(err, stderr.String(), time.Since(start))
	}()

	return p, nil
}

// Process is a running child started by Exec.
type Process struct {
	cmd    *exec.Cmd
	done   chan struct{}
	logger *slog.Logger

	killed atomic.Bool
	once   sync.Once
	result Result
}

// PID returns the operating system process id.
func (p *Process) PID() int {
	return p.cmd.Process.Pid
}

// Kill stops the process and its children. Killing a process that has
// already exited is not an error.
func (p *Process) Kill() error {
	select {
	case <-p.done:
		return nil
	default:
	}

	p.killed.Store(true)
	if err := killTree(p.cmd.Process); err != nil && !errors.Is(err, os.ErrProcessDone) {
		return fmt.Errorf("kill pid %d: %w", p.cmd.Process.Pid, err)
	}
	return nil
}

// Wait blocks until the process exits.
func (p *Process) Wait() Result {
	<-p.done
	return p.result
}

// Done is closed when the process has exited.
func (p *Process) Done() <-chan struct{} {
	return p.done
}

func (p *Process) finish(err error, stderrTail string, elapsed time.Duration) {
	p.once.Do(func() {
		exitCode := 0
		var runErr error
		if err != nil {
			var exitErr *exec.ExitError
			if errors.As(err, &exitErr) {
				exitCode = exitErr.ExitCode()
			} else {
				exitCode = -1
				runErr = err
			}
		}

		p.result = Result{
			ExitCode:   exitCode,
			StderrTail: stderrTail,
			Duration:   elapsed,
			Killed:     p.killed.Load(),
			Err:        runErr,
		}

		if exitCode != 0 {
			p.logger.Debug("process exited with error",
				"pid", p.cmd.Process.Pid,
				"exit_code", exitCode,
				"killed", p.result.Killed,
				"duration_ms", elapsed.Milliseconds(),
				"stderr_tail", Truncate(stderrTail, 512),
			)
		} else {
			p.logger.Debug("process exited",
				"pid", p.cmd.Process.Pid,
				"duration_ms", elapsed.Milliseconds(),
			)
		}
		close(p.done)
	})
}

// Truncate keeps the last maxLen bytes of s.
func Truncate(s string, maxLen int) string {
	if len(s) <= maxLen {
		return s
	}
	return "..." + s[len(s)-maxLen:]
}

// limitedWriter keeps only the last limit bytes written to it.
type limitedWriter struct {
	mu    sync.Mutex
	buf   []byte
	limit int
}

func (lw *limitedWriter) Write(p []byte) (int, error) {
	lw.mu.Lock()
	defer lw.mu.Unlock()

	n := len(p)
	lw.buf = append(lw.buf, p...)
	if len(lw.buf) > lw.limit {
		lw.buf = append(lw.buf[:0], lw.buf[len(lw.buf)-lw.limit:]...)
	}
	return n, nil
}

func (lw *limitedWriter) String() string {
	lw.mu.Lock()
	defer lw.mu.Unlock()
	return string(lw.buf)
}

// lineWriter splits written bytes into lines on '\n' or '\r'.
type lineWriter struct {
	fn      func(string)
	partial strings.Builder
}

func (w *lineWriter) Write(p []byte) (int, error) {
	for _, b := range p {
		if b == '\n' || b == '\r' {
			w.emit()
			continue
		}
		w.partial.WriteByte(b)
	}
	return len(p), nil
}

// Flush emits any unterminated trailing line.
func (w *lineWriter) Flush() {
	w.emit()
}

func (w *lineWriter) emit() {
	if w.partial.Len() == 0 {
		return
	}
	line := w.partial.String()
	w.partial.Reset()
	w.fn(line)
}
