package playback

import (
	"errors"
	"testing"
)

func TestParseRange(t *testing.T) {
	tests := []struct {
		name      string
		header    string
		size      int64
		wantStart int64
		wantEnd   int64
		wantNil   bool
		wantErr   error
	}{
		{"empty header", "", 1000, 0, 0, true, nil},
		{"full range", "bytes=0-999", 1000, 0, 999, false, nil},
		{"open ended", "bytes=500-", 1000, 500, 999, false, nil},
		{"suffix", "bytes=-500", 1000, 500, 999, false, nil},
		{"single byte", "bytes=0-0", 1000, 0, 0, false, nil},
		{"end clamped", "bytes=0-2000", 1000, 0, 999, false, nil},
		{"suffix larger than file", "bytes=-2000", 500, 0, 499, false, nil},
		{"first of multi range", "bytes=0-99, 200-299", 1000, 0, 99, false, nil},
		{"surrounding space", "  bytes=10-19 ", 1000, 10, 19, false, nil},

		{"start at size", "bytes=1000-", 1000, 0, 0, false, ErrUnsatisfiable},
		{"beyond size", "bytes=1500-2000", 1000, 0, 0, false, ErrUnsatisfiable},
		{"reversed", "bytes=200-100", 1000, 0, 0, false, ErrUnsatisfiable},
		{"empty file", "bytes=0-", 0, 0, 0, false, ErrUnsatisfiable},
		{"no unit", "invalid", 1000, 0, 0, false, ErrInvalidRange},
		{"wrong unit", "chars=0-100", 1000, 0, 0, false, ErrInvalidRange},
		{"missing dash", "bytes=100", 1000, 0, 0, false, ErrInvalidRange},
		{"bad start", "bytes=abc-100", 1000, 0, 0, false, ErrInvalidRange},
		{"bad end", "bytes=0-abc", 1000, 0, 0, false, ErrInvalidRange},
		{"zero suffix", "bytes=-0", 1000, 0, 0, false, ErrInvalidRange},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := ParseRange(tt.header, tt.size)

			if tt.wantErr != nil {
				if !errors.Is(err, tt.wantErr) {
					t.Errorf("ParseRange() error = %v, want %v", err, tt.wantErr)
				}
				return
			}
			if err != nil {
				t.Fatalf("ParseRange() unexpected error: %v", err)
			}
			if tt.wantNil {
				if got != nil {
					t.Errorf("ParseRange() = %v, want nil", got)
				}
				return
			}
			if got == nil {
				t.Fatal("ParseRange() = nil, want range")
			}
			if got.Start != tt.wantStart || got.End != tt.wantEnd {
				t.Errorf("ParseRange() = {%d, %d}, want {%d, %d}", got.Start, got.End, tt.wantStart, tt.wantEnd)
			}
		})
	}
}

func TestRange_LengthAndHeader(t *testing.T) {
	r := Range{Start: 500, End: 999}
	if r.Length() != 500 {
		t.Errorf("Length() = %d, want 500", r.Length())
	}
	if got := r.Header(1000); got != "bytes 500-999/1000" {
		t.Errorf("Header() = %q", got)
	}
}
