// Package segment holds the user-requested time ranges and the chunk planner
// that groups them into shared download windows.
package segment

import (
	"fmt"
	"math"
	"path/filepath"
	"sort"
	"strings"
)

// DefaultGapThreshold is the largest gap, in seconds, between two segments
// that still lets them share one download chunk.
const DefaultGapThreshold = 5.0

// Segment is one requested [Start, End] range in seconds.
// OriginalIndex is the caller's stable 1-based identity; zero means unset.
type Segment struct {
	Start         float64 `json:"start"`
	End           float64 `json:"end"`
	OriginalIndex int     `json:"original_index,omitempty"`
}

// Duration returns End - Start.
func (s Segment) Duration() float64 {
	return s.End - s.Start
}

// Chunk is a merged download window covering one or more segments.
type Chunk struct {
	Start    float64   `json:"start"`
	End      float64   `json:"end"`
	Segments []Segment `json:"segments"`
}

// Duration returns End - Start.
func (c Chunk) Duration() float64 {
	return c.End - c.Start
}

// Contains reports whether seg lies fully inside the chunk.
func (c Chunk) Contains(seg Segment) bool {
	return c.Start <= seg.Start && seg.End <= c.End
}

// MergeInputError reports a malformed segment list.
type MergeInputError struct {
	Position int
	Reason   string
}

func (e *MergeInputError) Error() string {
	return fmt.Sprintf("invalid segment %d: %s", e.Position, e.Reason)
}

// Validate checks every segment before any work is scheduled, including
// that no two segments map to the same output index (see Numbered).
// Positions in errors are 1-based to match output numbering.
func Validate(segments []Segment) error {
	if len(segments) == 0 {
		return &MergeInputError{Position: 0, Reason: "no segments"}
	}

	for i, s := range segments {
		pos := i + 1
		if isBad(s.Start) || isBad(s.End) {
			return &MergeInputError{Position: pos, Reason: "start and end must be finite numbers"}
		}
		if s.Start < 0 {
			return &MergeInputError{Position: pos, Reason: "start must not be negative"}
		}
		if s.End <= s.Start {
			return &MergeInputError{Position: pos, Reason: fmt.Sprintf("end (%.3f) must be greater than start (%.3f)", s.End, s.Start)}
		}
		if s.OriginalIndex < 0 {
			return &MergeInputError{Position: pos, Reason: "original_index must be positive"}
		}
	}

	seen := make(map[int]int, len(segments))
	// Output names come from the effective index, so an unset index that
	// equals another segment's explicit one would overwrite its file.
	for i, s := range segments {
		pos := i + 1
		idx := s.OriginalIndex
		if idx == 0 {
			idx = pos
		}
		if prev, dup := seen[idx]; dup {
			return &MergeInputError{Position: pos, Reason: fmt.Sprintf("output index %d already used by segment %d", idx, prev)}
		}
		seen[idx] = pos
	}
	return nil
}

func isBad(v float64) bool {
	return math.IsNaN(v) || math.IsInf(v, 0)
}

// Merge groups segments into the minimal ordered set of non-overlapping
// chunks. A segment joins the current chunk when it starts no later than
// the chunk end plus gap. Input order is not required; ties keep input order.
func Merge(segments []Segment, gap float64) []Chunk {
	if len(segments) == 0 {
		return []Chunk{}
	}
	if gap < 0 {
		gap = 0
	}

	sorted := make([]Segment, len(segments))
	copy(sorted, segments)
	sort.SliceStable(sorted, func(i, j int) bool {
		return sorted[i].Start < sorted[j].Start
	})

	chunks := []Chunk{{
		Start:    sorted[0].Start,
		End:      sorted[0].End,
		Segments: []Segment{sorted[0]},
	}}

	for _, seg := range sorted[1:] {
		cur := &chunks[len(chunks)-1]
		if seg.Start <= cur.End+gap {
			cur.End = math.Max(cur.End, seg.End)
			cur.Segments = append(cur.Segments, seg)
			continue
		}
		chunks = append(chunks, Chunk{
			Start:    seg.Start,
			End:      seg.End,
			Segments: []Segment{seg},
		})
	}

	return chunks
}

// Numbered returns a copy of segments where every entry carries an
// OriginalIndex, assigning the 1-based list position to unset entries.
func Numbered(segments []Segment) []Segment {
	out := make([]Segment, len(segments))
	for i, s := range segments {
		if s.OriginalIndex == 0 {
			s.OriginalIndex = i + 1
		}
		out[i] = s
	}
	return out
}

// OutputName returns segment_<index>.<ext>.
func OutputName(seg Segment, ext string) string {
	ext = strings.TrimPrefix(strings.TrimSpace(ext), ".")
	if ext == "" {
		ext = "mp4"
	}
	return fmt.Sprintf("segment_%d.%s", seg.OriginalIndex, ext)
}

// ExtensionOf returns the lowercase container extension of path without the dot.
func ExtensionOf(path string) string {
	return strings.ToLower(strings.TrimPrefix(filepath.Ext(path), "."))
}
