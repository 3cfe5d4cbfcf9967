// Package playback streams extracted segment files over HTTP with byte-range
// support so players can seek without downloading the whole file.
package playback

import (
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"mime"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"time"
)

// FileServer is implemented by Server.
type FileServer interface {
	ServeFile(w http.ResponseWriter, r *http.Request, path string, download bool) error
}

type Server struct {
	logger *slog.Logger
}

func NewServer(logger *slog.Logger) *Server {
	return &Server{logger: logger}
}

// ServeFile writes path to w, honouring Range and HEAD. When download is
// set the response carries an attachment Content-Disposition.
func (s *Server) ServeFile(w http.ResponseWriter, r *http.Request, path string, download bool) error {
	file, err := os.Open(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			http.Error(w, "file not found", http.StatusNotFound)
			return nil
		}
		return fmt.Errorf("open %s: %w", filepath.Base(path), err)
	}
	defer file.Close()

	stat, err := file.Stat()
	if err != nil {
		return fmt.Errorf("stat %s: %w", filepath.Base(path), err)
	}
	if stat.IsDir() {
		http.Error(w, "file not found", http.StatusNotFound)
		return nil
	}

	size := stat.Size()
	h := w.Header()
	h.Set("Accept-Ranges", "bytes")
	h.Set("Content-Type", contentType(path))
	h.Set("Last-Modified", stat.ModTime().UTC().Format(http.TimeFormat))
	if download {
		h.Set("Content-Disposition", mime.FormatMediaType("attachment", map[string]string{"filename": filepath.Base(path)}))
	}

	rng, err := ParseRange(r.Header.Get("Range"), size)
	if errors.Is(err, ErrUnsatisfiable) {
		h.Set("Content-Range", fmt.Sprintf("bytes */%d", size))
		http.Error(w, "range not satisfiable", http.StatusRequestedRangeNotSatisfiable)
		return nil
	}
	// A malformed Range header is ignored and the full file is sent.
	if errors.Is(err, ErrInvalidRange) {
		rng = nil
	}

	if rng == nil {
		h.Set("Content-Length", strconv.FormatInt(size, 10))
		w.WriteHeader(http.StatusOK)
		if r.Method == http.MethodHead {
			return nil
		}
		return s.copy(w, file, size)
	}

	h.Set("Content-Length", strconv.FormatInt(rng.Length(), 10))
	h.Set("Content-Range", rng.Header(size))
	w.WriteHeader(http.StatusPartialContent)
	if r.Method == http.MethodHead {
		return nil
	}

	if _, err := file.Seek(rng.Start, io.SeekStart); err != nil {
		return fmt.Errorf("seek: %w", err)
	}
	return s.copy(w, file, rng.Length())
}

func (s *Server) copy(w io.Writer, r io.Reader, n int64) error {
	start := time.Now()
	written, err := io.CopyN(w, r, n)
	if err != nil {
		// The client usually went away mid-stream; headers are already sent.
		s.logger.Debug("playback copy interrupted", "written", written, "want", n, "error", err)
		return nil
	}
	s.logger.Debug("playback served", "bytes", written, "duration_ms", time.Since(start).Milliseconds())
	return nil
}

func contentType(path string) string {
	ext := filepath.Ext(path)
	if ct := mime.TypeByExtension(ext); ct != "" {
		return ct
	}
	switch ext {
	case ".mp4", ".m4v":
		return "video/mp4"
	case ".mkv":
		return "video/x-matroska"
	case ".webm":
		return "video/webm"
	case ".mov":
		return "video/quicktime"
	}
	return "application/octet-stream"
}
