package api

import (
	"time"

	"github.com/dustin/go-humanize"

	"github.com/clipcut/clipcut-agent/internal/doctor"
	"github.com/clipcut/clipcut-agent/internal/segment"
	"github.com/clipcut/clipcut-agent/internal/sessions"
	"github.com/clipcut/clipcut-agent/internal/workspace"
)

type HealthResponse struct {
	Status  string `json:"status"`
	Version string `json:"version"`
	UptimeS int64  `json:"uptime_s"`
}

type StatusResponse struct {
	State          string            `json:"state"`
	ActiveSessions []string          `json:"active_sessions"`
	LastError      string            `json:"last_error,omitempty"`
	Tools          *ToolsResponse    `json:"tools,omitempty"`
	Recent         []SessionResponse `json:"recent,omitempty"`
}

type ToolsResponse struct {
	YtDlp       doctor.ToolInfo `json:"yt_dlp"`
	FFmpeg      doctor.ToolInfo `json:"ffmpeg"`
	AllOK       bool            `json:"all_ok"`
	LastProbeAt string          `json:"last_probe_at,omitempty"`
}

type ImportLocalRequest struct {
	Path string `json:"path"`
}

type ImportLocalResponse struct {
	SessionID string `json:"session_id"`
	Filename  string `json:"filename"`
}

type SegmentRequest struct {
	Start         float64 `json:"start"`
	End           float64 `json:"end"`
	OriginalIndex int     `json:"original_index,omitempty"`
}

// ExtractionRequest names either a remote/local Source, or a file previously
// imported with POST /sessions/local via SessionID and Filename.
type ExtractionRequest struct {
	Source    string           `json:"source,omitempty"`
	SessionID string           `json:"session_id,omitempty"`
	Filename  string           `json:"filename,omitempty"`
	Segments  []SegmentRequest `json:"segments"`
	Quality   string           `json:"quality,omitempty"`
}

func (r ExtractionRequest) segments() []segment.Segment {
	out := make([]segment.Segment, len(r.Segments))
	for i, s := range r.Segments {
		out[i] = segment.Segment{Start: s.Start, End: s.End, OriginalIndex: s.OriginalIndex}
	}
	return out
}

type ExtractionAccepted struct {
	SessionID string `json:"session_id"`
	EventsURL string `json:"events_url"`
}

type SessionResponse struct {
	ID           string   `json:"id"`
	SourceKind   string   `json:"source_kind"`
	Source       string   `json:"source,omitempty"`
	Quality      string   `json:"quality,omitempty"`
	Status       string   `json:"status"`
	Phase        string   `json:"phase,omitempty"`
	Progress     int      `json:"progress"`
	SegmentCount int      `json:"segment_count"`
	Error        string   `json:"error,omitempty"`
	Outputs      []string `json:"outputs"`
	Partial      bool     `json:"partial"`
	CreatedAt    string   `json:"created_at"`
	UpdatedAt    string   `json:"updated_at"`
}

type SessionsResponse struct {
	Sessions []SessionResponse `json:"sessions"`
}

type CancelResponse struct {
	Cancelled bool   `json:"cancelled"`
	Status    string `json:"status,omitempty"`
}

type OutputResponse struct {
	Name       string `json:"name"`
	Size       int64  `json:"size"`
	SizeHuman  string `json:"size_human"`
	ModifiedAt string `json:"modified_at"`
	URL        string `json:"url"`
}

type OutputsResponse struct {
	SessionID string           `json:"session_id"`
	Files     []OutputResponse `json:"files"`
	TotalSize string           `json:"total_size"`
}

type ClearOutputsResponse struct {
	Removed int `json:"removed"`
}

type ProgressEventResponse struct {
	Percentage int    `json:"percentage"`
	Phase      string `json:"phase"`
}

type ErrorResponse struct {
	Error string `json:"error"`
	Code  string `json:"code,omitempty"`
}

func SessionToResponse(s *sessions.Session) SessionResponse {
	outputs := s.Outputs
	if outputs == nil {
		outputs = []string{}
	}
	return SessionResponse{
		ID:           s.ID,
		SourceKind:   s.SourceKind,
		Source:       s.Source,
		Quality:      s.Quality,
		Status:       s.Status,
		Phase:        s.Phase,
		Progress:     s.Progress,
		SegmentCount: s.SegmentCount,
		Error:        s.Error,
		Outputs:      outputs,
		Partial:      s.Partial,
		CreatedAt:    s.CreatedAt.Format(time.RFC3339),
		UpdatedAt:    s.UpdatedAt.Format(time.RFC3339),
	}
}

func OutputsToResponse(sessionID string, files []workspace.OutputFile) OutputsResponse {
	resp := OutputsResponse{SessionID: sessionID, Files: make([]OutputResponse, len(files))}
	var total uint64
	for i, f := range files {
		resp.Files[i] = OutputResponse{
			Name:       f.Name,
			Size:       f.Size,
			SizeHuman:  humanize.Bytes(uint64(f.Size)),
			ModifiedAt: f.ModTime.UTC().Format(time.RFC3339),
			URL:        "/sessions/" + sessionID + "/outputs/" + f.Name,
		}
		total += uint64(f.Size)
	}
	resp.TotalSize = humanize.Bytes(total)
	return resp
}

func ToolsToResponse(r *doctor.Report) *ToolsResponse {
	resp := &ToolsResponse{
		YtDlp:  r.Tools[doctor.ToolYtDlp],
		FFmpeg: r.Tools[doctor.ToolFFmpeg],
		AllOK:  r.AllOK,
	}
	if !r.ProbedAt.IsZero() {
		resp.LastProbeAt = r.ProbedAt.Format(time.RFC3339)
	}
	return resp
}
