package doctor

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"runtime"
	"sync/atomic"
	"testing"
	"time"

	"github.com/clipcut/clipcut-agent/internal/proc"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type fakeHandle struct{ res proc.Result }

func (h *fakeHandle) Kill() error       { return nil }
func (h *fakeHandle) Wait() proc.Result { return h.res }

type fakeRunner struct {
	lines map[string]string
	exit  map[string]int
	calls atomic.Int32
}

func (r *fakeRunner) Start(_ context.Context, spec proc.Spec) (proc.Handle, error) {
	r.calls.Add(1)
	name := filepath.Base(spec.Path)
	if line, ok := r.lines[name]; ok && spec.OnLine != nil {
		spec.OnLine(line)
		spec.OnLine("second line ignored")
	}
	return &fakeHandle{res: proc.Result{ExitCode: r.exit[name]}}, nil
}

// fakeBinary creates an executable file so exec.LookPath resolves it.
func fakeBinary(t *testing.T, name string) string {
	t.Helper()
	if runtime.GOOS == "windows" {
		t.Skip("executable bit not meaningful on windows")
	}
	path := filepath.Join(t.TempDir(), name)
	if err := os.WriteFile(path, []byte("#!/bin/sh\n"), 0755); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestParseVersion(t *testing.T) {
	tests := map[string]string{
		"ffmpeg version 6.1.1 Copyright (c) 2000-2023": "6.1.1",
		"2024.08.06":                                   "2024.08.06",
		"":                                             "",
	}
	for in, want := range tests {
		if got := parseVersion(in); got != want {
			t.Errorf("parseVersion(%q) = %q, want %q", in, got, want)
		}
	}
}

func TestProbe_AllAvailable(t *testing.T) {
	runner := &fakeRunner{lines: map[string]string{
		"yt-dlp": "2024.08.06",
		"ffmpeg": "ffmpeg version 6.1.1 Copyright",
	}}
	d := New(runner, DefaultTools(fakeBinary(t, "yt-dlp"), fakeBinary(t, "ffmpeg")), testLogger())

	report, err := d.Probe(context.Background())
	if err != nil {
		t.Fatalf("Probe() error = %v", err)
	}
	if !report.AllOK || !report.CanFetch() || !report.CanExtract() {
		t.Errorf("report = %+v, want all ok", report)
	}
	if v := report.Tools[ToolFFmpeg].Version; v != "6.1.1" {
		t.Errorf("ffmpeg version = %q", v)
	}
	if v := report.Tools[ToolYtDlp].Version; v != "2024.08.06" {
		t.Errorf("yt-dlp version = %q", v)
	}
}

func TestProbe_MissingAndFailing(t *testing.T) {
	runner := &fakeRunner{exit: map[string]int{"ffmpeg": 1}}
	tools := DefaultTools(filepath.Join(t.TempDir(), "missing", "yt-dlp"), fakeBinary(t, "ffmpeg"))
	d := New(runner, tools, testLogger())

	report, err := d.Probe(context.Background())
	if err != nil {
		t.Fatalf("Probe() error = %v", err)
	}
	if report.AllOK {
		t.Error("AllOK = true with missing tools")
	}
	if report.CanFetch() || report.Tools[ToolYtDlp].Error == "" {
		t.Errorf("yt-dlp = %+v, want unavailable with error", report.Tools[ToolYtDlp])
	}
	if report.CanExtract() {
		t.Error("ffmpeg reported available despite non-zero exit")
	}
	if runner.calls.Load() != 1 {
		t.Errorf("runner called %d times, want 1 (missing binary is not executed)", runner.calls.Load())
	}
}

type countingProber struct {
	calls atomic.Int32
	fail  atomic.Bool
}

func (p *countingProber) Probe(context.Context) (*Report, error) {
	p.calls.Add(1)
	if p.fail.Load() {
		return nil, errors.New("boom")
	}
	return &Report{Tools: map[string]ToolInfo{}, AllOK: true, ProbedAt: time.Now()}, nil
}

func TestCachedDoctor(t *testing.T) {
	p := &countingProber{}
	d := NewCachedDoctor(p, testLogger())
	ctx := context.Background()

	if d.Peek() != nil {
		t.Fatal("Peek() non-nil before first probe")
	}
	if _, err := d.Get(ctx); err != nil {
		t.Fatal(err)
	}
	if _, err := d.Get(ctx); err != nil {
		t.Fatal(err)
	}
	if p.calls.Load() != 1 {
		t.Errorf("probe called %d times, want 1 (cached)", p.calls.Load())
	}

	p.fail.Store(true)
	r, err := d.Refresh(ctx)
	if err != nil || r == nil {
		t.Fatalf("Refresh() with stale cache = %v, %v; want stale report", r, err)
	}

	d.Invalidate()
	if _, err := d.Get(ctx); err == nil {
		t.Error("Get() after Invalidate with failing prober returned nil error")
	}
}
