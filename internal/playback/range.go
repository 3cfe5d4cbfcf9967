package playback

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
)

var (
	ErrInvalidRange  = errors.New("invalid range format")
	ErrUnsatisfiable = errors.New("range not satisfiable")
)

// Range is an inclusive byte range within a file.
type Range struct {
	Start int64
	End   int64
}

func (r Range) Length() int64 {
	return r.End - r.Start + 1
}

func (r Range) Header(total int64) string {
	return fmt.Sprintf("bytes %d-%d/%d", r.Start, r.End, total)
}

// ParseRange parses a single "bytes=" range against a file of size bytes.
// An empty header yields (nil, nil). Only the first range of a multi-range
// request is honoured.
func ParseRange(header string, size int64) (*Range, error) {
	header = strings.TrimSpace(header)
	if header == "" {
		return nil, nil
	}

	spec, ok := strings.CutPrefix(header, "bytes=")
	if !ok {
		return nil, ErrInvalidRange
	}
	if first, _, multi := strings.Cut(spec, ","); multi {
		spec = first
	}
	startStr, endStr, ok := strings.Cut(strings.TrimSpace(spec), "-")
	if !ok {
		return nil, ErrInvalidRange
	}

	if size <= 0 {
		return nil, ErrUnsatisfiable
	}

	var r Range
	if startStr == "" {
		// suffix form: last N bytes
		n, err := strconv.ParseInt(endStr, 10, 64)
		if err != nil || n <= 0 {
			return nil, ErrInvalidRange
		}
		r.Start = max(size-n, 0)
		r.End = size - 1
		return &r, nil
	}

	start, err := strconv.ParseInt(startStr, 10, 64)
	if err != nil || start < 0 {
		return nil, ErrInvalidRange
	}
	end := size - 1
	if endStr != "" {
		end, err = strconv.ParseInt(endStr, 10, 64)
		if err != nil {
			return nil, ErrInvalidRange
		}
	}

	if start > end || start >= size {
		return nil, ErrUnsatisfiable
	}
	r.Start = start
	r.End = min(end, size-1)
	return &r, nil
}
