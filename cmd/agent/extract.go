package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"

	"github.com/dustin/go-humanize"
	"github.com/mattn/go-isatty"
	"github.com/spf13/cobra"

	"github.com/clipcut/clipcut-agent/internal/config"
	"github.com/clipcut/clipcut-agent/internal/doctor"
	"github.com/clipcut/clipcut-agent/internal/logging"
	"github.com/clipcut/clipcut-agent/internal/operation"
	"github.com/clipcut/clipcut-agent/internal/orchestrator"
	"github.com/clipcut/clipcut-agent/internal/progress"
	"github.com/clipcut/clipcut-agent/internal/segment"
)

type extractOptions struct {
	source    string
	segments  []string
	quality   string
	sessionID string
}

func newExtractCommand(ctx *commandContext) *cobra.Command {
	var opts extractOptions

	cmd := &cobra.Command{
		Use:   "extract",
		Short: "Extract segments from a local file or URL and exit",
		Example: `  clipcut extract --source ./talk.mp4 --segment 10-20 --segment 1:05-1:30
  clipcut extract --source https://www.youtube.com/watch?v=abc --segment 0-15 --quality 720`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := ctx.ensureConfig()
			if err != nil {
				return err
			}
			segs, err := parseSegments(opts.segments)
			if err != nil {
				return err
			}
			return runExtract(cmd.Context(), cfg, opts, segs, cmd.OutOrStdout())
		},
	}

	cmd.Flags().StringVarP(&opts.source, "source", "s", "", "Local file path or http(s) URL")
	cmd.Flags().StringArrayVar(&opts.segments, "segment", nil, "Time range START-END in seconds or [HH:]MM:SS (repeatable)")
	cmd.Flags().StringVarP(&opts.quality, "quality", "q", "", "Maximum video height for remote sources (e.g. 360, 720p)")
	cmd.Flags().StringVar(&opts.sessionID, "session", "", "Session id (generated when empty)")
	_ = cmd.MarkFlagRequired("source")
	_ = cmd.MarkFlagRequired("segment")
	return cmd
}

func runExtract(parent context.Context, cfg *config.EnvConfig, opts extractOptions, segs []segment.Segment, out io.Writer) error {
	logger := logging.NewLoggerTo(os.Stderr, cfg.LogLevel(), cfg.LogFormat())

	a, err := openAgent(cfg, logger)
	if err != nil {
		return err
	}
	defer a.Close()

	source := strings.TrimSpace(opts.source)
	remote := orchestrator.IsRemote(source)
	if !remote {
		if abs, err := filepath.Abs(source); err == nil {
			source = abs
		}
	}

	report, err := a.doctor.Get(parent)
	if err != nil {
		return fmt.Errorf("probe tools: %w", err)
	}
	if !report.CanExtract() {
		return fmt.Errorf("ffmpeg is not available: %s", report.Tools[doctor.ToolFFmpeg].Error)
	}
	if remote && !report.CanFetch() {
		return fmt.Errorf("yt-dlp is not available: %s", report.Tools[doctor.ToolYtDlp].Error)
	}

	h, err := a.orch.StartExtraction(parent, orchestrator.Request{
		SessionID: opts.sessionID,
		Source:    source,
		Segments:  segs,
		Quality:   opts.quality,
	})
	if err != nil {
		return err
	}

	sigCtx, stop := signal.NotifyContext(parent, os.Interrupt, syscall.SIGTERM)
	defer stop()
	go func() {
		select {
		case <-sigCtx.Done():
			a.orch.Cancel(h.SessionID)
		case <-h.Done():
		}
	}()

	tty := isTerminal(out)
	for ev := range h.Events() {
		renderProgress(out, ev, tty)
	}
	if tty {
		fmt.Fprintln(out)
	}

	res, runErr := h.Wait()
	if len(res.OutputFiles) > 0 {
		printOutputs(out, a, h.SessionID, res.OutputFiles)
	}
	switch {
	case runErr == nil:
		return nil
	case errors.Is(runErr, operation.ErrCanceled):
		return fmt.Errorf("extraction canceled (%d of %d segments written)", len(res.OutputFiles), len(segs))
	default:
		return fmt.Errorf("extraction failed: %w", runErr)
	}
}

func printOutputs(out io.Writer, a *agent, sessionID string, names []string) {
	ws, err := a.workspaces.Lookup(sessionID)
	if err != nil {
		return
	}
	fmt.Fprintf(out, "session %s\n", sessionID)
	for _, name := range names {
		p := ws.OutputPath(name)
		size := "?"
		if info, err := os.Stat(p); err == nil {
			size = humanize.Bytes(uint64(info.Size()))
		}
		fmt.Fprintf(out, "  %-20s %8s  %s\n", name, size, p)
	}
}

const barWidth = 30

// renderProgress draws a bar that rewrites itself on a terminal and plain
// lines otherwise.
func renderProgress(w io.Writer, ev progress.Event, tty bool) {
	if !tty {
		fmt.Fprintf(w, "%3d%% %s\n", ev.Percentage, ev.Phase)
		return
	}
	pct := ev.Percentage
	if pct < 0 {
		pct = 0
	}
	if pct > 100 {
		pct = 100
	}
	filled := pct * barWidth / 100
	bar := strings.Repeat("#", filled) + strings.Repeat("-", barWidth-filled)
	fmt.Fprintf(w, "\r[%s] %3d%% %-10s", bar, pct, ev.Phase)
}

func isTerminal(w io.Writer) bool {
	f, ok := w.(*os.File)
	if !ok {
		return false
	}
	return isatty.IsTerminal(f.Fd()) || isatty.IsCygwinTerminal(f.Fd())
}

// parseSegments parses START-END flags. Indexes follow flag order.
func parseSegments(values []string) ([]segment.Segment, error) {
	if len(values) == 0 {
		return nil, errors.New("at least one --segment is required")
	}
	segs := make([]segment.Segment, 0, len(values))
	for i, v := range values {
		startStr, endStr, ok := strings.Cut(strings.TrimSpace(v), "-")
		if !ok {
			return nil, fmt.Errorf("segment %q: want START-END", v)
		}
		start, err := parseTimestamp(startStr)
		if err != nil {
			return nil, fmt.Errorf("segment %q: start: %w", v, err)
		}
		end, err := parseTimestamp(endStr)
		if err != nil {
			return nil, fmt.Errorf("segment %q: end: %w", v, err)
		}
		segs = append(segs, segment.Segment{Start: start, End: end, OriginalIndex: i + 1})
	}
	return segs, nil
}

// parseTimestamp accepts seconds ("75.5"), MM:SS or HH:MM:SS.
func parseTimestamp(s string) (float64, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return 0, errors.New("empty timestamp")
	}
	parts := strings.Split(s, ":")
	if len(parts) > 3 {
		return 0, fmt.Errorf("invalid timestamp %q", s)
	}
	var total float64
	for i, p := range parts {
		last := i == len(parts)-1
		var v float64
		if last {
			f, err := strconv.ParseFloat(p, 64)
			if err != nil || f < 0 {
				return 0, fmt.Errorf("invalid timestamp %q", s)
			}
			v = f
		} else {
			n, err := strconv.Atoi(p)
			if err != nil || n < 0 {
				return 0, fmt.Errorf("invalid timestamp %q", s)
			}
			v = float64(n)
		}
		if !last && len(parts) > 1 && i > 0 && v >= 60 {
			return 0, fmt.Errorf("invalid timestamp %q", s)
		}
		total = total*60 + v
	}
	if len(parts) > 1 {
		if sec, _ := strconv.ParseFloat(parts[len(parts)-1], 64); sec >= 60 {
			return 0, fmt.Errorf("invalid timestamp %q", s)
		}
	}
	return total, nil
}
