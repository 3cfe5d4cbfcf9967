package segment

import (
	"errors"
	"math"
	"math/rand"
	"testing"
)

func TestMerge_GapWithinThreshold(t *testing.T) {
	chunks := Merge([]Segment{{Start: 0, End: 10}, {Start: 12, End: 20}}, 5)

	if len(chunks) != 1 {
		t.Fatalf("len(chunks) = %d, want 1", len(chunks))
	}
	if chunks[0].Start != 0 || chunks[0].End != 20 {
		t.Errorf("chunk = {%v,%v}, want {0,20}", chunks[0].Start, chunks[0].End)
	}
	if len(chunks[0].Segments) != 2 {
		t.Errorf("chunk segments = %d, want 2", len(chunks[0].Segments))
	}
}

func TestMerge_GapAboveThreshold(t *testing.T) {
	chunks := Merge([]Segment{{Start: 0, End: 10}, {Start: 20, End: 30}}, 5)

	if len(chunks) != 2 {
		t.Fatalf("len(chunks) = %d, want 2", len(chunks))
	}
	if chunks[0].Start != 0 || chunks[0].End != 10 {
		t.Errorf("chunk[0] = {%v,%v}, want {0,10}", chunks[0].Start, chunks[0].End)
	}
	if chunks[1].Start != 20 || chunks[1].End != 30 {
		t.Errorf("chunk[1] = {%v,%v}, want {20,30}", chunks[1].Start, chunks[1].End)
	}
}

func TestMerge_Empty(t *testing.T) {
	chunks := Merge(nil, 5)
	if chunks == nil || len(chunks) != 0 {
		t.Fatalf("Merge(nil) = %#v, want empty non-nil slice", chunks)
	}
}

func TestMerge_ThreeSegmentExample(t *testing.T) {
	segs := []Segment{{Start: 0, End: 5}, {Start: 7, End: 9}, {Start: 50, End: 60}}
	chunks := Merge(segs, 5)

	if len(chunks) != 2 {
		t.Fatalf("len(chunks) = %d, want 2", len(chunks))
	}
	if chunks[0].Start != 0 || chunks[0].End != 9 {
		t.Errorf("chunk[0] = {%v,%v}, want {0,9}", chunks[0].Start, chunks[0].End)
	}
	if chunks[1].Start != 50 || chunks[1].End != 60 {
		t.Errorf("chunk[1] = {%v,%v}, want {50,60}", chunks[1].Start, chunks[1].End)
	}
}

func TestMerge_UnsortedAndNested(t *testing.T) {
	segs := []Segment{
		{Start: 40, End: 45, OriginalIndex: 1},
		{Start: 0, End: 30, OriginalIndex: 2},
		{Start: 5, End: 10, OriginalIndex: 3},
	}
	chunks := Merge(segs, 0)

	if len(chunks) != 2 {
		t.Fatalf("len(chunks) = %d, want 2", len(chunks))
	}
	if chunks[0].End != 30 {
		t.Errorf("nested segment shrank chunk: end = %v, want 30", chunks[0].End)
	}
	if chunks[0].Segments[0].OriginalIndex != 2 || chunks[0].Segments[1].OriginalIndex != 3 {
		t.Errorf("segments not in start order: %+v", chunks[0].Segments)
	}
}

func TestMerge_StableTies(t *testing.T) {
	segs := []Segment{
		{Start: 10, End: 12, OriginalIndex: 7},
		{Start: 10, End: 15, OriginalIndex: 3},
	}
	chunks := Merge(segs, 0)
	if got := chunks[0].Segments[0].OriginalIndex; got != 7 {
		t.Errorf("first tied segment = %d, want 7 (input order)", got)
	}
}

func TestMerge_DoesNotMutateInput(t *testing.T) {
	segs := []Segment{{Start: 20, End: 30}, {Start: 0, End: 5}}
	Merge(segs, 5)
	if segs[0].Start != 20 {
		t.Errorf("input reordered: %+v", segs)
	}
}

func TestMerge_Properties(t *testing.T) {
	rng := rand.New(rand.NewSource(42))

	for iter := 0; iter < 200; iter++ {
		n := 1 + rng.Intn(12)
		segs := make([]Segment, n)
		for i := range segs {
			start := math.Round(rng.Float64()*300*10) / 10
			segs[i] = Segment{Start: start, End: start + 0.5 + rng.Float64()*20}
		}
		gap := rng.Float64() * 10

		chunks := Merge(segs, gap)

		for i := 1; i < len(chunks); i++ {
			if chunks[i].Start < chunks[i-1].Start {
				t.Fatalf("chunks not sorted: %+v", chunks)
			}
			if chunks[i].Start <= chunks[i-1].End {
				t.Fatalf("chunks overlap: %+v", chunks)
			}
		}

		for _, s := range segs {
			containing := 0
			for _, c := range chunks {
				if c.Contains(s) {
					containing++
				}
			}
			if containing != 1 {
				t.Fatalf("segment %+v contained in %d chunks: %+v", s, containing, chunks)
			}
		}

		total := 0
		for _, c := range chunks {
			total += len(c.Segments)
			for _, s := range c.Segments {
				if !c.Contains(s) {
					t.Fatalf("chunk %+v lists segment %+v it does not contain", c, s)
				}
			}
		}
		if total != n {
			t.Fatalf("chunks list %d segments, want %d", total, n)
		}
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		segs    []Segment
		wantErr bool
	}{
		{"valid", []Segment{{Start: 0, End: 1}, {Start: 2, End: 3}}, false},
		{"empty", nil, true},
		{"end equals start", []Segment{{Start: 4, End: 4}}, true},
		{"end before start", []Segment{{Start: 5, End: 1}}, true},
		{"negative start", []Segment{{Start: -1, End: 1}}, true},
		{"nan", []Segment{{Start: math.NaN(), End: 1}}, true},
		{"inf", []Segment{{Start: 0, End: math.Inf(1)}}, true},
		{"duplicate index", []Segment{{Start: 0, End: 1, OriginalIndex: 2}, {Start: 3, End: 4, OriginalIndex: 2}}, true},
		{"negative index", []Segment{{Start: 0, End: 1, OriginalIndex: -3}}, true},
		{"implicit position collides with explicit index", []Segment{{Start: 0, End: 5, OriginalIndex: 2}, {Start: 100, End: 105}}, true},
		{"explicit index collides with earlier position", []Segment{{Start: 0, End: 5}, {Start: 10, End: 15, OriginalIndex: 1}}, true},
		{"mixed indexes without collision", []Segment{{Start: 0, End: 5, OriginalIndex: 7}, {Start: 100, End: 105}}, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := Validate(tt.segs)
			if (err != nil) != tt.wantErr {
				t.Fatalf("Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
			if err != nil {
				var mie *MergeInputError
				if !errors.As(err, &mie) {
					t.Fatalf("error %T is not *MergeInputError", err)
				}
			}
		})
	}
}

func TestNumberedAndOutputName(t *testing.T) {
	segs := Numbered([]Segment{{Start: 0, End: 1}, {Start: 2, End: 3, OriginalIndex: 9}, {Start: 4, End: 5}})

	want := []string{"segment_1.mp4", "segment_9.mkv", "segment_3.mp4"}
	exts := []string{"mp4", ".mkv", ""}
	for i, s := range segs {
		if got := OutputName(s, exts[i]); got != want[i] {
			t.Errorf("OutputName(%+v, %q) = %q, want %q", s, exts[i], got, want[i])
		}
	}
}

func TestExtensionOf(t *testing.T) {
	if got := ExtensionOf("/videos/Clip.MKV"); got != "mkv" {
		t.Errorf("ExtensionOf = %q, want mkv", got)
	}
	if got := ExtensionOf("noext"); got != "" {
		t.Errorf("ExtensionOf(noext) = %q, want empty", got)
	}
}
