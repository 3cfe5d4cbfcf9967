// Package fetch downloads a time window of a remote video with yt-dlp.
package fetch

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"

	"github.com/clipcut/clipcut-agent/internal/operation"
	"github.com/clipcut/clipcut-agent/internal/proc"
	"github.com/clipcut/clipcut-agent/internal/segment"
)

// DefaultQuality is used when a request names no known quality tag.
const DefaultQuality = "360"

var progressPattern = regexp.MustCompile(`\[download\]\s+(\d+\.?\d*)%`)

var selectors = map[string]string{
	"best": "bestvideo[ext=mp4]+bestaudio[ext=m4a]/best[ext=mp4]/best",
	"1080": heightSelector(1080),
	"720":  heightSelector(720),
	"480":  heightSelector(480),
	"360":  heightSelector(360),
	"240":  heightSelector(240),
	"144":  heightSelector(144),
}

func heightSelector(h int) string {
	return fmt.Sprintf(
		"bestvideo[height<=%[1]d][ext=mp4]+bestaudio[ext=m4a]/best[height<=%[1]d][ext=mp4]/best[height<=%[1]d]/best",
		h,
	)
}

// Qualities returns the recognised quality tags.
func Qualities() []string {
	return []string{"best", "1080", "720", "480", "360", "240", "144"}
}

// FormatSelector maps a quality tag to a yt-dlp format expression. The
// boolean is false when the tag was not recognised.
func FormatSelector(quality string) (string, bool) {
	sel, ok := selectors[strings.ToLower(strings.TrimSpace(strings.TrimSuffix(quality, "p")))]
	return sel, ok
}

// FetchFailure is returned when yt-dlp fails without a pending cancellation.
type FetchFailure struct {
	ExitCode   int
	StderrTail string
	Err        error
}

func (e *FetchFailure) Error() string {
	msg := fmt.Sprintf("fetch failed (exit %d)", e.ExitCode)
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	if tail := strings.TrimSpace(e.StderrTail); tail != "" {
		msg += ": " + proc.Truncate(tail, 512)
	}
	return msg
}

func (e *FetchFailure) Unwrap() error { return e.Err }

// Config holds fetcher settings.
type Config struct {
	Binary         string // yt-dlp path
	DefaultQuality string
	Logger         *slog.Logger
}

// Request describes one chunk download.
type Request struct {
	Source     string
	Chunk      segment.Chunk
	ChunkIndex int
	Quality    string
	SessionID  string
	OutputDir  string

	// OnProgress receives the fraction in [0,1] downloaded so far.
	OnProgress func(fraction float64)
}

// Fetcher runs yt-dlp for one chunk at a time.
type Fetcher struct {
	runner proc.Runner
	ops    *operation.Controller
	cfg    Config
}

// New creates a Fetcher.
func New(runner proc.Runner, ops *operation.Controller, cfg Config) *Fetcher {
	if cfg.Binary == "" {
		cfg.Binary = "yt-dlp"
	}
	if _, ok := FormatSelector(cfg.DefaultQuality); !ok {
		cfg.DefaultQuality = DefaultQuality
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Fetcher{runner: runner, ops: ops, cfg: cfg}
}

// Fetch downloads req.Chunk and returns the path of the produced file.
func (f *Fetcher) Fetch(ctx context.Context, req Request) (string, error) {
	if err := f.ops.Checkpoint(req.SessionID); err != nil {
		return "", err
	}
	if err := os.MkdirAll(req.OutputDir, 0755); err != nil {
		return "", &FetchFailure{ExitCode: -1, Err: fmt.Errorf("create chunk dir: %w", err)}
	}

	selector, ok := FormatSelector(req.Quality)
	if !ok {
		selector, _ = FormatSelector(f.cfg.DefaultQuality)
	}
	args := Args(req, selector)

	log := f.cfg.Logger.With("session_id", req.SessionID, "chunk", req.ChunkIndex)
	log.Info("fetching chunk",
		"start", req.Chunk.Start,
		"end", req.Chunk.End,
		"segments", len(req.Chunk.Segments),
	)

	h, err := f.runner.Start(ctx, proc.Spec{
		Path: f.cfg.Binary,
		Args: args,
		Dir:  req.OutputDir,
		OnLine: func(line string) {
			if frac, ok := ParseProgress(line); ok && req.OnProgress != nil {
				req.OnProgress(frac)
			}
		},
	})
	if err != nil {
		return "", &FetchFailure{ExitCode: -1, Err: err}
	}

	f.ops.Register(req.SessionID, h, operation.KindFetch)
	defer f.ops.Unregister(req.SessionID, h)

	res := h.Wait()

	if f.ops.IsCancelled(req.SessionID) || ctx.Err() != nil {
		return "", operation.ErrCanceled
	}
	if !res.IsSuccess() {
		log.Warn("fetch failed", "exit_code", res.ExitCode, "stderr_tail", proc.Truncate(res.StderrTail, 512))
		return "", &FetchFailure{ExitCode: res.ExitCode, StderrTail: res.StderrTail, Err: res.Err}
	}

	path, err := FindChunk(req.OutputDir, req.ChunkIndex)
	if err != nil {
		return "", &FetchFailure{ExitCode: 0, StderrTail: res.StderrTail, Err: err}
	}
	if req.OnProgress != nil {
		req.OnProgress(1)
	}

	log.Info("chunk fetched", "file", filepath.Base(path), "duration_ms", res.Duration.Milliseconds())
	return path, nil
}

// Args builds the yt-dlp argument list.
func Args(req Request, selector string) []string {
	return []string{
		"--download-sections", fmt.Sprintf("*%s-%s", seconds(req.Chunk.Start), seconds(req.Chunk.End)),
		"-f", selector,
		"--merge-output-format", "mp4",
		"--no-playlist",
		"--newline",
		"-o", filepath.Join(req.OutputDir, ChunkBase(req.ChunkIndex)+".%(ext)s"),
		"--",
		req.Source,
	}
}

// ParseProgress extracts a download fraction from a yt-dlp progress line.
func ParseProgress(line string) (float64, bool) {
	m := progressPattern.FindStringSubmatch(line)
	if m == nil {
		return 0, false
	}
	pct, err := strconv.ParseFloat(m[1], 64)
	if err != nil {
		return 0, false
	}
	if pct > 100 {
		pct = 100
	}
	return pct / 100, true
}

// ChunkBase is the file name stem of chunk n.
func ChunkBase(n int) string {
	return fmt.Sprintf("chunk_%d", n)
}

// FindChunk returns the final file yt-dlp produced for chunk n. Partial
// downloads and per-format intermediates are ignored.
func FindChunk(dir string, n int) (string, error) {
	matches, err := filepath.Glob(filepath.Join(dir, ChunkBase(n)+".*"))
	if err != nil {
		return "", err
	}

	var best string
	var bestSize int64 = -1
	for _, m := range matches {
		ext := strings.TrimPrefix(filepath.Base(m), ChunkBase(n)+".")
		if ext == "" || strings.Contains(ext, ".") {
			continue
		}
		if ext == "part" || ext == "ytdl" || ext == "temp" {
			continue
		}
		info, err := os.Stat(m)
		if err != nil || info.IsDir() {
			continue
		}
		if info.Size() > bestSize {
			best, bestSize = m, info.Size()
		}
	}

	if best == "" {
		return "", errors.New("yt-dlp produced no output file")
	}
	if bestSize == 0 {
		return "", errors.New("downloaded chunk is empty")
	}
	return best, nil
}

func seconds(v float64) string {
	return strconv.FormatFloat(v, 'f', -1, 64)
}
