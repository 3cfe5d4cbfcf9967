// Package orchestrator runs extraction sessions: it merges the requested
// segments into download chunks, fetches each chunk, cuts every segment out
// of it and reports one overall progress value.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/clipcut/clipcut-agent/internal/extract"
	"github.com/clipcut/clipcut-agent/internal/fetch"
	"github.com/clipcut/clipcut-agent/internal/operation"
	"github.com/clipcut/clipcut-agent/internal/progress"
	"github.com/clipcut/clipcut-agent/internal/segment"
	"github.com/clipcut/clipcut-agent/internal/sessions"
	"github.com/clipcut/clipcut-agent/internal/workspace"
)

// retainedFinished is how many finished handles stay reachable through
// Handle; older sessions are served from the repository.
const retainedFinished = 16

var (
	// ErrNotFound is returned for unknown session ids.
	ErrNotFound = errors.New("session not found")
	// ErrInvalidSource is returned when the source is empty or unusable.
	ErrInvalidSource = errors.New("invalid source")
)

// Fetcher downloads one chunk.
type Fetcher interface {
	Fetch(ctx context.Context, req fetch.Request) (string, error)
}

// Extractor cuts one segment.
type Extractor interface {
	Extract(ctx context.Context, req extract.Request) error
}

// Config holds orchestrator settings.
type Config struct {
	GapThreshold    float64
	FetchWeight     float64
	RemoteExtension string
	Logger          *slog.Logger
}

// Request describes an extraction. Source is either an http(s) URL or a
// path to a local file.
type Request struct {
	SessionID string
	Source    string
	Segments  []segment.Segment
	Quality   string
}

// Result lists the output files of a finished session, in the order they
// were produced.
type Result struct {
	SessionID   string
	OutputFiles []string
}

// Orchestrator owns all running sessions.
type Orchestrator struct {
	fetcher    Fetcher
	extractor  Extractor
	ops        *operation.Controller
	workspaces *workspace.Manager
	repo       sessions.Repository
	cfg        Config
	logger     *slog.Logger

	mu       sync.Mutex
	handles  map[string]*Handle
	finished []*Handle
	wg       sync.WaitGroup
}

// New creates an Orchestrator. repo may be nil, in which case session state
// is only kept in memory.
func New(fetcher Fetcher, extractor Extractor, ops *operation.Controller, workspaces *workspace.Manager, repo sessions.Repository, cfg Config) *Orchestrator {
	if cfg.GapThreshold < 0 {
		cfg.GapThreshold = segment.DefaultGapThreshold
	}
	if cfg.RemoteExtension == "" {
		cfg.RemoteExtension = "mp4"
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Orchestrator{
		fetcher:    fetcher,
		extractor:  extractor,
		ops:        ops,
		workspaces: workspaces,
		repo:       repo,
		cfg:        cfg,
		logger:     cfg.Logger.With("component", "orchestrator"),
		handles:    make(map[string]*Handle),
	}
}

// IsRemote reports whether source names a network video.
func IsRemote(source string) bool {
	u, err := url.Parse(strings.TrimSpace(source))
	if err != nil {
		return false
	}
	return (u.Scheme == "http" || u.Scheme == "https") && u.Host != ""
}

// StartExtraction validates req, registers the session and runs it in the
// background. Validation errors, including *segment.MergeInputError, are
// returned before any process starts.
func (o *Orchestrator) StartExtraction(ctx context.Context, req Request) (*Handle, error) {
	if err := segment.Validate(req.Segments); err != nil {
		return nil, err
	}
	if strings.TrimSpace(req.Source) == "" {
		return nil, fmt.Errorf("%w: source is required", ErrInvalidSource)
	}

	remote := IsRemote(req.Source)
	if !remote {
		info, err := os.Stat(req.Source)
		if err != nil {
			return nil, fmt.Errorf("%w: %w", ErrInvalidSource, err)
		}
		if !info.Mode().IsRegular() {
			return nil, fmt.Errorf("%w: %s is not a regular file", ErrInvalidSource, req.Source)
		}
	}

	if req.SessionID == "" {
		req.SessionID = sessions.NewID()
	}
	if err := workspace.ValidateSessionID(req.SessionID); err != nil {
		return nil, err
	}

	ws, err := o.workspaces.Open(req.SessionID)
	if err != nil {
		return nil, err
	}
	if err := o.ops.Begin(req.SessionID); err != nil {
		return nil, err
	}

	kind := sessions.SourceLocal
	if remote {
		kind = sessions.SourceRemote
	}
	if o.repo != nil {
		rec := &sessions.Session{
			ID:           req.SessionID,
			SourceKind:   kind,
			Source:       req.Source,
			Quality:      req.Quality,
			Status:       sessions.StatusRunning,
			SegmentCount: len(req.Segments),
		}
		if err := o.repo.CreateSession(ctx, rec); err != nil {
			o.ops.Clear(req.SessionID)
			return nil, fmt.Errorf("persist session: %w", err)
		}
	}

	h := newHandle(req.SessionID, kind)

	o.mu.Lock()
	o.handles[req.SessionID] = h
	o.mu.Unlock()

	o.logger.Info("extraction started",
		"session_id", req.SessionID,
		"source_kind", kind,
		"segments", len(req.Segments),
		"quality", req.Quality,
	)

	o.wg.Add(1)
	go func() {
		defer o.wg.Done()
		o.run(context.WithoutCancel(ctx), h, ws, req, remote)
	}()

	return h, nil
}

// Cancel requests cancellation of a running session. It returns false when
// the session has no running operation.
func (o *Orchestrator) Cancel(sessionID string) bool {
	ok := o.ops.Cancel(sessionID)
	if ok {
		o.logger.Info("cancellation requested", "session_id", sessionID)
	}
	return ok
}

// Handle returns the in-memory handle of a running or recently finished
// session started by this process.
func (o *Orchestrator) Handle(sessionID string) (*Handle, bool) {
	o.mu.Lock()
	defer o.mu.Unlock()
	h, ok := o.handles[sessionID]
	return h, ok
}

// Active returns the ids of sessions that are still running.
func (o *Orchestrator) Active() []string {
	return o.ops.Active()
}

// Status returns the session record, preferring the persisted one.
func (o *Orchestrator) Status(ctx context.Context, sessionID string) (*sessions.Session, error) {
	if o.repo != nil {
		s, err := o.repo.GetSession(ctx, sessionID)
		if err != nil {
			return nil, err
		}
		if s != nil {
			return s, nil
		}
	}
	if h, ok := o.Handle(sessionID); ok {
		return h.Snapshot(), nil
	}
	return nil, fmt.Errorf("%w: %s", ErrNotFound, sessionID)
}

// Shutdown cancels every running session and waits for them to finish
// cleaning up, or for ctx to expire.
func (o *Orchestrator) Shutdown(ctx context.Context) error {
	for _, id := range o.ops.Active() {
		o.Cancel(id)
	}

	done := make(chan struct{})
	go func() {
		o.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (o *Orchestrator) run(ctx context.Context, h *Handle, ws *workspace.Workspace, req Request, remote bool) {
	log := o.logger.With("session_id", h.SessionID)
	start := time.Now()

	agg := progress.NewAggregator(o.cfg.FetchWeight)
	var lastPersisted progress.Event
	publish := func(pct int, phase progress.Phase) {
		ev := progress.Event{Percentage: pct, Phase: phase}
		h.publish(ev)
		if o.repo != nil && ev != lastPersisted {
			lastPersisted = ev
			if err := o.repo.UpdateSessionProgress(ctx, h.SessionID, pct, string(phase)); err != nil {
				log.Warn("failed to persist progress", "error", err)
			}
		}
	}

	var outputs []string
	var runErr error

	defer func() {
		if err := ws.RemoveChunks(); err != nil {
			log.Warn("failed to remove chunk files", "error", err)
		}

		status := sessions.StatusCompleted
		errMsg := ""
		switch {
		case runErr == nil:
			h.setState(StateCompleted)
			publish(agg.Complete(), progress.PhaseCompleted)
			log.Info("extraction completed", "outputs", len(outputs), "duration_ms", time.Since(start).Milliseconds())
		case errors.Is(runErr, operation.ErrCanceled):
			status = sessions.StatusCanceled
			errMsg = runErr.Error()
			h.setState(StateCanceled)
			log.Info("extraction canceled", "outputs", len(outputs))
		default:
			status = sessions.StatusFailed
			errMsg = runErr.Error()
			h.setState(StateFailed)
			log.Error("extraction failed", "error", runErr, "outputs", len(outputs))
		}

		partial := runErr != nil && len(outputs) > 0
		if o.repo != nil {
			if err := o.repo.FinishSession(ctx, h.SessionID, status, errMsg, outputs, partial); err != nil {
				log.Warn("failed to persist session result", "error", err)
			}
		}
		// the id is released only after its record is final
		o.ops.Clear(h.SessionID)
		o.retire(h)
		h.finish(Result{SessionID: h.SessionID, OutputFiles: outputs}, runErr, partial)
	}()

	if remote {
		outputs, runErr = o.runRemote(ctx, h, ws, req, agg, publish)
	} else {
		outputs, runErr = o.runLocal(ctx, h, ws, req, agg, publish)
	}
}

// retire moves h to the recent set, evicting the oldest finished handle
// unless its id already belongs to a newer run.
func (o *Orchestrator) retire(h *Handle) {
	o.mu.Lock()
	defer o.mu.Unlock()

	o.finished = append(o.finished, h)
	for len(o.finished) > retainedFinished {
		old := o.finished[0]
		o.finished = o.finished[1:]
		if o.handles[old.SessionID] == old {
			delete(o.handles, old.SessionID)
		}
	}
}

func (o *Orchestrator) runRemote(ctx context.Context, h *Handle, ws *workspace.Workspace, req Request, agg *progress.Aggregator, publish func(int, progress.Phase)) ([]string, error) {
	h.setState(StateMerging)
	chunks := segment.Merge(segment.Numbered(req.Segments), o.cfg.GapThreshold)
	n := len(chunks)
	o.logger.Debug("segments merged", "session_id", h.SessionID, "segments", len(req.Segments), "chunks", n)

	publish(0, progress.PhaseFetching)

	var outputs []string
	for i, chunk := range chunks {
		if err := o.ops.Checkpoint(h.SessionID); err != nil {
			return outputs, err
		}

		h.setState(StateFetching)
		chunkPath, err := o.fetcher.Fetch(ctx, fetch.Request{
			Source:     req.Source,
			Chunk:      chunk,
			ChunkIndex: i,
			Quality:    req.Quality,
			SessionID:  h.SessionID,
			OutputDir:  ws.ChunkDir(),
			OnProgress: func(f float64) {
				publish(agg.Report(i, n, progress.PhaseFetching, f), progress.PhaseFetching)
			},
		})
		if err != nil {
			return outputs, err
		}

		produced, err := o.extractChunk(ctx, h, ws, chunkPath, chunk, i, n, o.cfg.RemoteExtension, agg, publish)
		outputs = append(outputs, produced...)

		if rmErr := workspace.RemoveFile(chunkPath); rmErr != nil {
			o.logger.Warn("failed to remove chunk", "session_id", h.SessionID, "chunk", i, "error", rmErr)
		}
		if err != nil {
			return outputs, err
		}
	}
	return outputs, nil
}

// runLocal cuts each segment straight from the resident file; no merging or
// fetching is needed.
func (o *Orchestrator) runLocal(ctx context.Context, h *Handle, ws *workspace.Workspace, req Request, agg *progress.Aggregator, publish func(int, progress.Phase)) ([]string, error) {
	ext := segment.ExtensionOf(req.Source)
	if ext == "" {
		ext = o.cfg.RemoteExtension
	}

	segs := segment.Numbered(req.Segments)
	n := len(segs)
	publish(0, progress.PhaseExtracting)

	var outputs []string
	for i, seg := range segs {
		// the whole file acts as a chunk starting at zero
		whole := segment.Chunk{Start: 0, End: seg.End, Segments: []segment.Segment{seg}}
		produced, err := o.extractChunk(ctx, h, ws, req.Source, whole, i, n, ext, agg, publish)
		outputs = append(outputs, produced...)
		if err != nil {
			return outputs, err
		}
	}
	return outputs, nil
}

func (o *Orchestrator) extractChunk(ctx context.Context, h *Handle, ws *workspace.Workspace, input string, chunk segment.Chunk, i, n int, ext string, agg *progress.Aggregator, publish func(int, progress.Phase)) ([]string, error) {
	if err := o.ops.Checkpoint(h.SessionID); err != nil {
		return nil, err
	}
	h.setState(StateExtracting)

	var produced []string
	for j, seg := range chunk.Segments {
		if err := o.ops.Checkpoint(h.SessionID); err != nil {
			return produced, err
		}

		rel, dur := extract.RelativeWindow(chunk, seg)
		name := segment.OutputName(seg, ext)
		err := o.extractor.Extract(ctx, extract.Request{
			Input:         input,
			RelativeStart: rel,
			Duration:      dur,
			Output:        ws.OutputPath(name),
			SessionID:     h.SessionID,
		})
		if err != nil {
			return produced, err
		}
		produced = append(produced, name)
		h.addOutput(name)

		publish(agg.Report(i, n, progress.PhaseExtracting, progress.ExtractFraction(j, len(chunk.Segments))), progress.PhaseExtracting)

		if err := o.ops.Checkpoint(h.SessionID); err != nil {
			return produced, err
		}
	}
	return produced, nil
}
