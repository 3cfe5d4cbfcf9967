//go:build unix

package proc

import (
	"context"
	"io"
	"log/slog"
	"os/exec"
	"strings"
	"sync"
	"testing"
	"time"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func requireShell(t *testing.T) string {
	t.Helper()
	sh, err := exec.LookPath("sh")
	if err != nil {
		t.Skip("sh not available")
	}
	return sh
}

func TestExec_CapturesLinesAndExitCode(t *testing.T) {
	sh := requireShell(t)

	var mu sync.Mutex
	var lines []string
	h, err := NewExec(testLogger()).Start(context.Background(), Spec{
		Path: sh,
		Args: []string{"-c", "echo one; echo two; echo oops 1>&2; exit 3"},
		OnLine: func(s string) {
			mu.Lock()
			lines = append(lines, s)
			mu.Unlock()
		},
	})
	if err != nil {
		t.Fatalf("Start() error = %v", err)
	}

	res := h.Wait()
	if res.ExitCode != 3 {
		t.Errorf("ExitCode = %d, want 3", res.ExitCode)
	}
	if !strings.Contains(res.StderrTail, "oops") {
		t.Errorf("StderrTail = %q, want it to contain oops", res.StderrTail)
	}
	if res.Killed {
		t.Error("Killed = true for a normal exit")
	}

	mu.Lock()
	defer mu.Unlock()
	if strings.Join(lines, ",") != "one,two" {
		t.Errorf("lines = %v, want [one two]", lines)
	}
}

func TestExec_KillStopsProcessGroup(t *testing.T) {
	sh := requireShell(t)

	h, err := NewExec(testLogger()).Start(context.Background(), Spec{
		Path: sh,
		Args: []string{"-c", "sleep 30 & sleep 30; wait"},
	})
	if err != nil {
		t.Fatalf("Start() error = %v", err)
	}

	if err := h.Kill(); err != nil {
		t.Fatalf("Kill() error = %v", err)
	}

	done := make(chan Result, 1)
	go func() { done <- h.Wait() }()

	select {
	case res := <-done:
		if res.IsSuccess() {
			t.Error("killed process reported success")
		}
		if !res.Killed {
			t.Error("Killed = false after Kill()")
		}
	case <-time.After(10 * time.Second):
		t.Fatal("process did not exit after Kill()")
	}

	if err := h.Kill(); err != nil {
		t.Errorf("second Kill() error = %v, want nil", err)
	}
}

func TestExec_ContextCancelKills(t *testing.T) {
	sh := requireShell(t)

	ctx, cancel := context.WithCancel(context.Background())
	h, err := NewExec(testLogger()).Start(ctx, Spec{Path: sh, Args: []string{"-c", "sleep 30"}})
	if err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	cancel()

	select {
	case <-h.(*Process).Done():
	case <-time.After(10 * time.Second):
		t.Fatal("process did not exit after context cancel")
	}
	if !h.Wait().Killed {
		t.Error("Killed = false after context cancel")
	}
}

func TestExec_MissingBinary(t *testing.T) {
	_, err := NewExec(testLogger()).Start(context.Background(), Spec{Path: "/nonexistent/tool-xyz"})
	if err == nil {
		t.Fatal("expected error for missing binary")
	}
}
