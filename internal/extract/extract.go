// Package extract cuts a time range out of a media file with ffmpeg stream
// copy.
package extract

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/clipcut/clipcut-agent/internal/operation"
	"github.com/clipcut/clipcut-agent/internal/proc"
	"github.com/clipcut/clipcut-agent/internal/segment"
)

// ExtractFailure is returned when the cut could not be produced.
type ExtractFailure struct {
	Input      string
	ExitCode   int
	StderrTail string
	Err        error
}

func (e *ExtractFailure) Error() string {
	msg := fmt.Sprintf("extract from %s failed", filepath.Base(e.Input))
	if e.ExitCode != 0 {
		msg += fmt.Sprintf(" (exit %d)", e.ExitCode)
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	if tail := strings.TrimSpace(e.StderrTail); tail != "" {
		msg += ": " + proc.Truncate(tail, 512)
	}
	return msg
}

func (e *ExtractFailure) Unwrap() error { return e.Err }

// Request describes one cut. RelativeStart is measured from the beginning of
// Input.
type Request struct {
	Input         string
	RelativeStart float64
	Duration      float64
	Output        string
	SessionID     string
}

// Config holds extractor settings.
type Config struct {
	Binary string // ffmpeg path
	Logger *slog.Logger
}

// Extractor runs ffmpeg once per segment.
type Extractor struct {
	runner proc.Runner
	ops    *operation.Controller
	cfg    Config
}

// New creates an Extractor.
func New(runner proc.Runner, ops *operation.Controller, cfg Config) *Extractor {
	if cfg.Binary == "" {
		cfg.Binary = "ffmpeg"
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Extractor{runner: runner, ops: ops, cfg: cfg}
}

// Extract writes req.Output from req.Input without re-encoding.
func (x *Extractor) Extract(ctx context.Context, req Request) error {
	if err := x.ops.Checkpoint(req.SessionID); err != nil {
		return err
	}

	info, err := os.Stat(req.Input)
	if err != nil {
		return &ExtractFailure{Input: req.Input, Err: fmt.Errorf("input missing: %w", err)}
	}
	if info.Size() == 0 {
		return &ExtractFailure{Input: req.Input, Err: errors.New("input is empty")}
	}
	if req.Duration <= 0 || req.RelativeStart < 0 {
		return &ExtractFailure{Input: req.Input, Err: fmt.Errorf("invalid window start=%v duration=%v", req.RelativeStart, req.Duration)}
	}
	if err := os.MkdirAll(filepath.Dir(req.Output), 0755); err != nil {
		return &ExtractFailure{Input: req.Input, Err: fmt.Errorf("create output dir: %w", err)}
	}

	h, err := x.runner.Start(ctx, proc.Spec{
		Path: x.cfg.Binary,
		Args: Args(req),
	})
	if err != nil {
		return &ExtractFailure{Input: req.Input, ExitCode: -1, Err: err}
	}

	x.ops.Register(req.SessionID, h, operation.KindExtract)
	defer x.ops.Unregister(req.SessionID, h)

	res := h.Wait()

	if x.ops.IsCancelled(req.SessionID) || ctx.Err() != nil {
		return operation.ErrCanceled
	}
	if !res.IsSuccess() {
		x.cfg.Logger.Warn("extract failed",
			"session_id", req.SessionID,
			"output", filepath.Base(req.Output),
			"exit_code", res.ExitCode,
			"stderr_tail", proc.Truncate(res.StderrTail, 512),
		)
		return &ExtractFailure{Input: req.Input, ExitCode: res.ExitCode, StderrTail: res.StderrTail, Err: res.Err}
	}

	x.cfg.Logger.Info("segment extracted",
		"session_id", req.SessionID,
		"output", filepath.Base(req.Output),
		"start", req.RelativeStart,
		"duration", req.Duration,
		"duration_ms", res.Duration.Milliseconds(),
	)
	return nil
}

// Args builds the ffmpeg argument list. Seeking before -i is fast and, with
// stream copy, snaps to the nearest preceding keyframe.
func Args(req Request) []string {
	return []string{
		"-hide_banner",
		"-nostdin",
		"-y",
		"-ss", seconds(req.RelativeStart),
		"-i", req.Input,
		"-t", seconds(req.Duration),
		"-map", "0",
		"-c", "copy",
		"-avoid_negative_ts", "make_zero",
		req.Output,
	}
}

// RelativeWindow returns the start of seg relative to chunk and its
// duration, clamped so the window stays inside the chunk.
func RelativeWindow(chunk segment.Chunk, seg segment.Segment) (start, duration float64) {
	start = seg.Start - chunk.Start
	if start < 0 {
		start = 0
	}
	duration = seg.End - seg.Start
	if limit := chunk.Duration() - start; duration > limit {
		duration = limit
	}
	if duration < 0 {
		duration = 0
	}
	return start, duration
}

func seconds(v float64) string {
	return strconv.FormatFloat(v, 'f', 3, 64)
}
