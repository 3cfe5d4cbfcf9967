// Package workspace manages the per-session directory tree:
//
//	<data_dir>/sessions/<id>/            source file and transient chunks
//	<data_dir>/sessions/<id>/outputs/    extracted segments
package workspace

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strings"
	"time"
	"unicode"
)

const (
	outputsDirName = "outputs"
	chunkPrefix    = "chunk_"
	maxNameLen     = 128
)

var (
	ErrInvalidSessionID = errors.New("invalid session id")
	ErrNotFound         = errors.New("session workspace not found")
	ErrInvalidName      = errors.New("invalid file name")
)

var sessionIDPattern = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9_-]{0,63}$`)

// ValidateSessionID rejects ids that are not safe as a directory name.
func ValidateSessionID(id string) error {
	if !sessionIDPattern.MatchString(id) {
		return fmt.Errorf("%w: %q", ErrInvalidSessionID, id)
	}
	return nil
}

// Manager roots all session workspaces under one directory.
type Manager struct {
	root string
}

// NewManager returns a manager for <dataDir>/sessions.
func NewManager(dataDir string) *Manager {
	return &Manager{root: filepath.Join(dataDir, "sessions")}
}

// Root returns the sessions directory.
func (m *Manager) Root() string { return m.root }

// Open returns the workspace for id, creating it if needed.
func (m *Manager) Open(id string) (*Workspace, error) {
	if err := ValidateSessionID(id); err != nil {
		return nil, err
	}
	w := &Workspace{ID: id, Dir: filepath.Join(m.root, id)}
	if err := os.MkdirAll(w.OutputsDir(), 0755); err != nil {
		return nil, fmt.Errorf("create workspace: %w", err)
	}
	return w, nil
}

// Lookup returns an existing workspace.
func (m *Manager) Lookup(id string) (*Workspace, error) {
	if err := ValidateSessionID(id); err != nil {
		return nil, err
	}
	dir := filepath.Join(m.root, id)
	info, err := os.Stat(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
		}
		return nil, err
	}
	if !info.IsDir() {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return &Workspace{ID: id, Dir: dir}, nil
}

// Remove deletes the whole workspace of id.
func (m *Manager) Remove(id string) error {
	if err := ValidateSessionID(id); err != nil {
		return err
	}
	return os.RemoveAll(filepath.Join(m.root, id))
}

// Workspace is one session's directory.
type Workspace struct {
	ID  string
	Dir string
}

// OutputsDir is where extracted segments are written.
func (w *Workspace) OutputsDir() string {
	return filepath.Join(w.Dir, outputsDirName)
}

// OutputPath returns the path of an output file name.
func (w *Workspace) OutputPath(name string) string {
	return filepath.Join(w.OutputsDir(), name)
}

// ChunkDir is where transient chunk downloads are written.
func (w *Workspace) ChunkDir() string {
	return w.Dir
}

// RemoveChunks deletes every chunk file, including partial downloads. It
// returns the first error but attempts all files.
func (w *Workspace) RemoveChunks() error {
	matches, err := filepath.Glob(filepath.Join(w.ChunkDir(), chunkPrefix+"*"))
	if err != nil {
		return err
	}
	var firstErr error
	for _, m := range matches {
		if err := os.RemoveAll(m); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// RemoveFile deletes path, ignoring a missing file.
func RemoveFile(path string) error {
	if path == "" {
		return nil
	}
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		return err
	}
	return nil
}

// ImportFile copies src into the workspace and returns the stored name.
func (w *Workspace) ImportFile(src string) (string, error) {
	info, err := os.Stat(src)
	if err != nil {
		return "", fmt.Errorf("stat source: %w", err)
	}
	if !info.Mode().IsRegular() {
		return "", fmt.Errorf("source is not a regular file")
	}

	name := SanitizeName(filepath.Base(src), maxNameLen)
	if name == "" || strings.HasPrefix(name, ".") || strings.HasPrefix(name, chunkPrefix) {
		name = "source" + strings.ToLower(filepath.Ext(src))
	}

	in, err := os.Open(src)
	if err != nil {
		return "", fmt.Errorf("open source: %w", err)
	}
	defer in.Close()

	dst := filepath.Join(w.Dir, name)
	tmp := dst + ".importing"
	out, err := os.Create(tmp)
	if err != nil {
		return "", fmt.Errorf("create destination: %w", err)
	}
	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		os.Remove(tmp)
		return "", fmt.Errorf("copy source: %w", err)
	}
	if err := out.Close(); err != nil {
		os.Remove(tmp)
		return "", fmt.Errorf("close destination: %w", err)
	}
	if err := os.Rename(tmp, dst); err != nil {
		os.Remove(tmp)
		return "", fmt.Errorf("finalize import: %w", err)
	}
	return name, nil
}

// SourcePath resolves a file previously imported into the workspace.
func (w *Workspace) SourcePath(name string) (string, error) {
	if err := validateFileName(name); err != nil {
		return "", err
	}
	p := filepath.Join(w.Dir, name)
	info, err := os.Stat(p)
	if err != nil {
		return "", fmt.Errorf("%w: %s", ErrNotFound, name)
	}
	if !info.Mode().IsRegular() {
		return "", fmt.Errorf("%w: %s", ErrInvalidName, name)
	}
	return p, nil
}

// OutputFile describes one extracted file.
type OutputFile struct {
	Name    string    `json:"name"`
	Size    int64     `json:"size"`
	ModTime time.Time `json:"mod_time"`
}

// ListOutputs returns the output files sorted by name.
func (w *Workspace) ListOutputs() ([]OutputFile, error) {
	entries, err := os.ReadDir(w.OutputsDir())
	if err != nil {
		if os.IsNotExist(err) {
			return []OutputFile{}, nil
		}
		return nil, err
	}

	files := make([]OutputFile, 0, len(entries))
	for _, e := range entries {
		if !e.Type().IsRegular() {
			continue
		}
		info, err := e.Info()
		if err != nil {
			continue
		}
		files = append(files, OutputFile{Name: e.Name(), Size: info.Size(), ModTime: info.ModTime()})
	}
	sort.Slice(files, func(i, j int) bool { return files[i].Name < files[j].Name })
	return files, nil
}

// ResolveOutput returns the path of an existing output file.
func (w *Workspace) ResolveOutput(name string) (string, error) {
	if err := validateFileName(name); err != nil {
		return "", err
	}
	p := w.OutputPath(name)
	info, err := os.Stat(p)
	if err != nil || !info.Mode().IsRegular() {
		return "", fmt.Errorf("%w: %s", ErrNotFound, name)
	}
	return p, nil
}

// ClearOutputs deletes every output file and returns how many were removed.
func (w *Workspace) ClearOutputs() (int, error) {
	files, err := w.ListOutputs()
	if err != nil {
		return 0, err
	}
	removed := 0
	for _, f := range files {
		if err := os.Remove(w.OutputPath(f.Name)); err != nil && !os.IsNotExist(err) {
			return removed, err
		}
		removed++
	}
	return removed, nil
}

func validateFileName(name string) error {
	if name == "" || name == "." || name == ".." ||
		strings.ContainsAny(name, `/\`) || filepath.Base(name) != name {
		return fmt.Errorf("%w: %q", ErrInvalidName, name)
	}
	return nil
}

// SanitizeName replaces characters that are unsafe in file names and drops
// control characters.
func SanitizeName(s string, maxLen int) string {
	var b strings.Builder
	for _, r := range s {
		if unicode.IsControl(r) {
			continue
		}
		if isAllowedNameRune(r) {
			b.WriteRune(r)
		} else {
			b.WriteRune('_')
		}
	}

	cleaned := strings.TrimSpace(b.String())
	if maxLen > 0 {
		runes := []rune(cleaned)
		if len(runes) > maxLen {
			cleaned = string(runes[:maxLen])
		}
	}
	return cleaned
}

func isAllowedNameRune(r rune) bool {
	if unicode.IsLetter(r) || unicode.IsDigit(r) {
		return true
	}
	switch r {
	case ' ', '-', '_', '.', ',', '(', ')':
		return true
	default:
		return false
	}
}
