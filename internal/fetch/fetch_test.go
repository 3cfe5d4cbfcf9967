package fetch

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/clipcut/clipcut-agent/internal/operation"
	"github.com/clipcut/clipcut-agent/internal/proc"
	"github.com/clipcut/clipcut-agent/internal/segment"
)

type fakeHandle struct {
	res     proc.Result
	release chan struct{}
	once    sync.Once
	killed  atomic.Int32
}

func (h *fakeHandle) Kill() error {
	h.killed.Add(1)
	h.once.Do(func() { close(h.release) })
	return nil
}

func (h *fakeHandle) Wait() proc.Result {
	<-h.release
	return h.res
}

// fakeRunner hands each spec to run, which may write files and emit lines.
// When run returns block=true the handle waits for Kill.
type fakeRunner struct {
	mu      sync.Mutex
	specs   []proc.Spec
	handles []*fakeHandle
	started chan struct{}
	run     func(spec proc.Spec) (res proc.Result, block bool)
}

func newFakeRunner(run func(proc.Spec) (proc.Result, bool)) *fakeRunner {
	return &fakeRunner{run: run, started: make(chan struct{}, 16)}
}

func (r *fakeRunner) Start(_ context.Context, spec proc.Spec) (proc.Handle, error) {
	res, block := r.run(spec)
	h := &fakeHandle{res: res, release: make(chan struct{})}
	if !block {
		close(h.release)
	}
	r.mu.Lock()
	r.specs = append(r.specs, spec)
	r.handles = append(r.handles, h)
	r.mu.Unlock()
	r.started <- struct{}{}
	return h, nil
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func outputTemplate(t *testing.T, spec proc.Spec) string {
	t.Helper()
	for i, a := range spec.Args {
		if a == "-o" {
			return spec.Args[i+1]
		}
	}
	t.Fatal("no -o in args")
	return ""
}

func TestFormatSelector(t *testing.T) {
	for _, q := range Qualities() {
		if sel, ok := FormatSelector(q); !ok || sel == "" {
			t.Errorf("FormatSelector(%q) not recognised", q)
		}
	}
	if _, ok := FormatSelector("720p"); !ok {
		t.Error("FormatSelector(720p) should accept a p suffix")
	}
	if _, ok := FormatSelector("4k"); ok {
		t.Error("FormatSelector(4k) should not be recognised")
	}
	sel, _ := FormatSelector("480")
	if !strings.Contains(sel, "height<=480") {
		t.Errorf("480 selector = %q, want height bound", sel)
	}
}

func TestParseProgress(t *testing.T) {
	tests := []struct {
		line string
		want float64
		ok   bool
	}{
		{"[download]  42.3% of 10.00MiB at 1.00MiB/s ETA 00:05", 0.423, true},
		{"[download] 100% of 10.00MiB", 1, true},
		{"[download]   7% ", 0.07, true},
		{"[info] Downloading 1 format(s)", 0, false},
		{"[download] Destination: chunk_0.mp4", 0, false},
	}
	for _, tt := range tests {
		got, ok := ParseProgress(tt.line)
		if ok != tt.ok {
			t.Errorf("ParseProgress(%q) ok = %v, want %v", tt.line, ok, tt.ok)
			continue
		}
		if ok && (got < tt.want-1e-9 || got > tt.want+1e-9) {
			t.Errorf("ParseProgress(%q) = %v, want %v", tt.line, got, tt.want)
		}
	}
}

func TestArgs(t *testing.T) {
	req := Request{
		Source:     "https://example.com/watch?v=abc",
		Chunk:      segment.Chunk{Start: 10, End: 52.5},
		ChunkIndex: 2,
		OutputDir:  "/tmp/s",
	}
	args := Args(req, "best")
	joined := strings.Join(args, " ")

	for _, want := range []string{
		"--download-sections *10-52.5",
		"-f best",
		"--newline",
		"-o /tmp/s/chunk_2.%(ext)s",
	} {
		if !strings.Contains(joined, want) {
			t.Errorf("args %q missing %q", joined, want)
		}
	}
	if args[len(args)-1] != req.Source || args[len(args)-2] != "--" {
		t.Errorf("source must follow --, got %v", args[len(args)-2:])
	}
}

func TestFindChunk(t *testing.T) {
	dir := t.TempDir()
	write := func(name, data string) {
		if err := os.WriteFile(filepath.Join(dir, name), []byte(data), 0644); err != nil {
			t.Fatal(err)
		}
	}

	if _, err := FindChunk(dir, 0); err == nil {
		t.Fatal("expected error for empty dir")
	}

	write("chunk_0.f137.mp4", "intermediate-video-stream")
	write("chunk_0.mp4.part", "partial")
	write("chunk_1.mp4", "other")
	if _, err := FindChunk(dir, 0); err == nil {
		t.Fatal("intermediates should not count as the chunk")
	}

	write("chunk_0.mp4", "final")
	got, err := FindChunk(dir, 0)
	if err != nil {
		t.Fatalf("FindChunk() error = %v", err)
	}
	if filepath.Base(got) != "chunk_0.mp4" {
		t.Errorf("FindChunk() = %s, want chunk_0.mp4", got)
	}

	write("chunk_3.webm", "")
	if _, err := FindChunk(dir, 3); err == nil {
		t.Fatal("expected error for empty chunk file")
	}
}

func TestFetch_Success(t *testing.T) {
	dir := t.TempDir()
	ops := operation.NewController(testLogger())
	_ = ops.Begin("s1")

	runner := newFakeRunner(func(spec proc.Spec) (proc.Result, bool) {
		spec.OnLine("[download]  25.0% of 1MiB")
		spec.OnLine("[download]  80.0% of 1MiB")
		out := strings.Replace(outputTemplate(t, spec), "%(ext)s", "mp4", 1)
		if err := os.WriteFile(out, []byte("video"), 0644); err != nil {
			t.Errorf("write fake output: %v", err)
		}
		return proc.Result{ExitCode: 0}, false
	})

	var fractions []float64
	f := New(runner, ops, Config{Binary: "yt-dlp", Logger: testLogger()})
	path, err := f.Fetch(context.Background(), Request{
		Source:     "https://example.com/v",
		Chunk:      segment.Chunk{Start: 0, End: 30},
		Quality:    "720",
		SessionID:  "s1",
		OutputDir:  dir,
		OnProgress: func(v float64) { fractions = append(fractions, v) },
	})
	if err != nil {
		t.Fatalf("Fetch() error = %v", err)
	}
	if filepath.Base(path) != "chunk_0.mp4" {
		t.Errorf("path = %s, want chunk_0.mp4", path)
	}

	want := []float64{0.25, 0.8, 1}
	if len(fractions) != len(want) {
		t.Fatalf("fractions = %v, want %v", fractions, want)
	}
	for i := range want {
		if fractions[i] != want[i] {
			t.Errorf("fractions[%d] = %v, want %v", i, fractions[i], want[i])
		}
	}

	if st, _ := ops.Snapshot("s1"); st.Handle != nil {
		t.Error("handle still registered after fetch returned")
	}
}

func TestFetch_UnknownQualityUsesDefault(t *testing.T) {
	dir := t.TempDir()
	ops := operation.NewController(testLogger())
	_ = ops.Begin("s1")

	runner := newFakeRunner(func(spec proc.Spec) (proc.Result, bool) {
		out := strings.Replace(outputTemplate(t, spec), "%(ext)s", "mp4", 1)
		_ = os.WriteFile(out, []byte("v"), 0644)
		return proc.Result{}, false
	})

	f := New(runner, ops, Config{DefaultQuality: "240", Logger: testLogger()})
	if _, err := f.Fetch(context.Background(), Request{SessionID: "s1", OutputDir: dir, Quality: "8k"}); err != nil {
		t.Fatalf("Fetch() error = %v", err)
	}

	want, _ := FormatSelector("240")
	if got := runner.specs[0].Args[3]; got != want {
		t.Errorf("selector = %q, want %q", got, want)
	}
}

func TestFetch_NonZeroExit(t *testing.T) {
	ops := operation.NewController(testLogger())
	_ = ops.Begin("s1")

	runner := newFakeRunner(func(proc.Spec) (proc.Result, bool) {
		return proc.Result{ExitCode: 1, StderrTail: "ERROR: Video unavailable"}, false
	})

	f := New(runner, ops, Config{Logger: testLogger()})
	_, err := f.Fetch(context.Background(), Request{SessionID: "s1", OutputDir: t.TempDir()})

	var ff *FetchFailure
	if !errors.As(err, &ff) {
		t.Fatalf("error = %v, want *FetchFailure", err)
	}
	if ff.ExitCode != 1 || !strings.Contains(ff.Error(), "Video unavailable") {
		t.Errorf("FetchFailure = %v", ff)
	}
}

func TestFetch_CancelDuringDownload(t *testing.T) {
	ops := operation.NewController(testLogger())
	_ = ops.Begin("s1")

	runner := newFakeRunner(func(proc.Spec) (proc.Result, bool) {
		return proc.Result{ExitCode: -1, Killed: true}, true
	})

	f := New(runner, ops, Config{Logger: testLogger()})

	errc := make(chan error, 1)
	go func() {
		_, err := f.Fetch(context.Background(), Request{SessionID: "s1", OutputDir: t.TempDir()})
		errc <- err
	}()

	<-runner.started
	if !ops.Cancel("s1") {
		t.Fatal("Cancel() = false")
	}

	select {
	case err := <-errc:
		if !errors.Is(err, operation.ErrCanceled) {
			t.Fatalf("error = %v, want ErrCanceled", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("Fetch did not return after cancel")
	}

	if runner.handles[0].killed.Load() != 1 {
		t.Error("running fetch was not killed")
	}
}

func TestFetch_AlreadyCancelledDoesNotStart(t *testing.T) {
	ops := operation.NewController(testLogger())
	_ = ops.Begin("s1")
	ops.Cancel("s1")

	runner := newFakeRunner(func(proc.Spec) (proc.Result, bool) {
		t.Error("runner should not be invoked")
		return proc.Result{}, false
	})

	f := New(runner, ops, Config{Logger: testLogger()})
	if _, err := f.Fetch(context.Background(), Request{SessionID: "s1", OutputDir: t.TempDir()}); !errors.Is(err, operation.ErrCanceled) {
		t.Fatalf("error = %v, want ErrCanceled", err)
	}
}
