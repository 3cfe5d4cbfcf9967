// Package doctor checks that the external media tools are installed and
// reports their versions.
package doctor

import (
	"context"
	"fmt"
	"log/slog"
	"os/exec"
	"strings"
	"sync"
	"time"

	"github.com/clipcut/clipcut-agent/internal/proc"
)

const (
	defaultCacheTTL = 5 * time.Minute
	defaultTimeout  = 10 * time.Second
)

// Tool names reported by the doctor.
const (
	ToolYtDlp  = "yt-dlp"
	ToolFFmpeg = "ffmpeg"
)

// Tool describes one external binary to probe.
type Tool struct {
	Name        string
	Path        string
	VersionArgs []string
}

// ToolInfo is the probe result for a single tool.
type ToolInfo struct {
	Available bool   `json:"available"`
	Path      string `json:"path,omitempty"`
	Version   string `json:"version,omitempty"`
	Error     string `json:"error,omitempty"`
}

// Report is the outcome of a full probe.
type Report struct {
	Tools    map[string]ToolInfo `json:"tools"`
	AllOK    bool                `json:"all_ok"`
	ProbedAt time.Time           `json:"probed_at"`
}

// CanFetch reports whether remote sources can be downloaded.
func (r *Report) CanFetch() bool {
	return r.Tools[ToolYtDlp].Available
}

// CanExtract reports whether segments can be cut.
func (r *Report) CanExtract() bool {
	return r.Tools[ToolFFmpeg].Available
}

// DefaultTools returns the tool set the agent depends on.
func DefaultTools(ytDlpPath, ffmpegPath string) []Tool {
	return []Tool{
		{Name: ToolYtDlp, Path: ytDlpPath, VersionArgs: []string{"--version"}},
		{Name: ToolFFmpeg, Path: ffmpegPath, VersionArgs: []string{"-version"}},
	}
}

// Doctor probes tools by running their version command.
type Doctor struct {
	runner  proc.Runner
	tools   []Tool
	timeout time.Duration
	logger  *slog.Logger
}

func New(runner proc.Runner, tools []Tool, logger *slog.Logger) *Doctor {
	return &Doctor{runner: runner, tools: tools, timeout: defaultTimeout, logger: logger}
}

// Probe checks every tool. A missing tool is reported, not returned as error.
func (d *Doctor) Probe(ctx context.Context) (*Report, error) {
	report := &Report{Tools: make(map[string]ToolInfo, len(d.tools)), AllOK: true}
	for _, tool := range d.tools {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		info := d.probeTool(ctx, tool)
		if !info.Available {
			report.AllOK = false
		}
		report.Tools[tool.Name] = info
	}
	report.ProbedAt = time.Now()

	d.logger.Info("doctor probe complete",
		"yt_dlp", report.Tools[ToolYtDlp].Available,
		"ffmpeg", report.Tools[ToolFFmpeg].Available,
		"all_ok", report.AllOK,
	)
	return report, nil
}

func (d *Doctor) probeTool(ctx context.Context, tool Tool) ToolInfo {
	path, err := resolveBinary(tool.Path, tool.Name)
	if err != nil {
		return ToolInfo{Error: err.Error()}
	}
	info := ToolInfo{Path: path}

	ctx, cancel := context.WithTimeout(ctx, d.timeout)
	defer cancel()

	var first string
	handle, err := d.runner.Start(ctx, proc.Spec{
		Path: path,
		Args: tool.VersionArgs,
		OnLine: func(line string) {
			if first == "" {
				first = strings.TrimSpace(line)
			}
		},
	})
	if err != nil {
		info.Error = err.Error()
		return info
	}
	res := handle.Wait()
	if !res.IsSuccess() {
		info.Error = fmt.Sprintf("%s exited %d: %s", tool.Name, res.ExitCode, proc.Truncate(res.StderrTail, 256))
		return info
	}

	info.Available = true
	info.Version = parseVersion(first)
	return info
}

// resolveBinary finds a usable binary, falling back to the tool name on PATH.
func resolveBinary(preferred, name string) (string, error) {
	if preferred != "" {
		if p, err := exec.LookPath(preferred); err == nil {
			return p, nil
		}
		return "", fmt.Errorf("configured %s %q not found", name, preferred)
	}
	if p, err := exec.LookPath(name); err == nil {
		return p, nil
	}
	return "", fmt.Errorf("no %s binary found on PATH", name)
}

// parseVersion reduces "ffmpeg version 6.1.1 Copyright ..." to "6.1.1";
// single-token output such as yt-dlp's is returned unchanged.
func parseVersion(line string) string {
	fields := strings.Fields(line)
	for i, f := range fields {
		if f == "version" && i+1 < len(fields) {
			return fields[i+1]
		}
	}
	if len(fields) > 0 {
		return fields[0]
	}
	return ""
}

// Prober is implemented by Doctor.
type Prober interface {
	Probe(ctx context.Context) (*Report, error)
}

// CachedDoctor wraps a Prober to cache reports with a TTL.
type CachedDoctor struct {
	prober Prober
	ttl    time.Duration
	logger *slog.Logger

	mu     sync.RWMutex
	cached *Report
}

// NewCachedDoctor creates a caching wrapper around doctor probes.
func NewCachedDoctor(prober Prober, logger *slog.Logger) *CachedDoctor {
	return &CachedDoctor{
		prober: prober,
		ttl:    defaultCacheTTL,
		logger: logger,
	}
}

// Get returns the cached report if fresh, otherwise re-probes.
func (d *CachedDoctor) Get(ctx context.Context) (*Report, error) {
	d.mu.RLock()
	if d.cached != nil && time.Since(d.cached.ProbedAt) < d.ttl {
		r := d.cached
		d.mu.RUnlock()
		return r, nil
	}
	d.mu.RUnlock()

	return d.Refresh(ctx)
}

func (d *CachedDoctor) Peek() *Report {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.cached
}

// Refresh forces a new probe regardless of cache freshness.
func (d *CachedDoctor) Refresh(ctx context.Context) (*Report, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	r, err := d.prober.Probe(ctx)
	if err != nil {
		d.logger.Warn("doctor probe failed", "error", err)
		// Return stale cache if available
		if d.cached != nil {
			d.logger.Info("returning stale doctor report")
			return d.cached, nil
		}
		return nil, err
	}

	d.cached = r
	return r, nil
}

// Invalidate clears the cached report.
func (d *CachedDoctor) Invalidate() {
	d.mu.Lock()
	d.cached = nil
	d.mu.Unlock()
}
