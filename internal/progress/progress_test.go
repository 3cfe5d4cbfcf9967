package progress

import (
	"math"
	"testing"
)

func TestOverall(t *testing.T) {
	tests := []struct {
		name     string
		i, n     int
		phase    Phase
		fraction float64
		want     float64
	}{
		{"first chunk fetch start", 0, 2, PhaseFetching, 0, 0},
		{"first chunk fetch half", 0, 2, PhaseFetching, 0.5, 17.5},
		{"first chunk fetch done", 0, 2, PhaseFetching, 1, 35},
		{"first chunk extract done", 0, 2, PhaseExtracting, 1, 50},
		{"second chunk fetch start", 1, 2, PhaseFetching, 0, 50},
		{"single chunk extract half", 0, 1, PhaseExtracting, 0.5, 85},
		{"fraction clamped high", 0, 1, PhaseFetching, 3, 70},
		{"fraction clamped low", 0, 1, PhaseFetching, -1, 0},
		{"zero chunks", 0, 0, PhaseFetching, 1, 0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := Overall(tt.i, tt.n, tt.phase, tt.fraction, DefaultFetchWeight)
			if math.Abs(got-tt.want) > 1e-9 {
				t.Errorf("Overall() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestExtractFraction(t *testing.T) {
	if got := ExtractFraction(0, 2); got != 0.5 {
		t.Errorf("ExtractFraction(0,2) = %v, want 0.5", got)
	}
	if got := ExtractFraction(1, 2); got != 1 {
		t.Errorf("ExtractFraction(1,2) = %v, want 1", got)
	}
	if got := ExtractFraction(0, 0); got != 1 {
		t.Errorf("ExtractFraction(0,0) = %v, want 1", got)
	}
}

func TestAggregator_MonotonicAndCapped(t *testing.T) {
	a := NewAggregator(DefaultFetchWeight)

	seq := []struct {
		i        int
		phase    Phase
		fraction float64
	}{
		{0, PhaseFetching, 0.5},
		{0, PhaseFetching, 0.2}, // fetcher restarted a stream; must not go back
		{0, PhaseExtracting, 1},
		{1, PhaseFetching, 1},
		{1, PhaseExtracting, 1},
	}

	prev := -1
	for _, s := range seq {
		got := a.Report(s.i, 2, s.phase, s.fraction)
		if got < prev {
			t.Fatalf("progress decreased: %d -> %d", prev, got)
		}
		if got >= 100 {
			t.Fatalf("progress reached %d before Complete", got)
		}
		prev = got
	}

	if a.Last() != 99 {
		t.Errorf("Last() = %d, want 99 at end of final chunk", a.Last())
	}
	if a.Complete() != 100 || a.Last() != 100 {
		t.Error("Complete() did not move progress to 100")
	}
}

func TestNewAggregator_InvalidWeight(t *testing.T) {
	a := NewAggregator(0)
	if got := a.Report(0, 1, PhaseFetching, 1); got != 70 {
		t.Errorf("fallback weight gave %d, want 70", got)
	}

	b := NewAggregator(0.5)
	if got := b.Report(0, 1, PhaseFetching, 1); got != 50 {
		t.Errorf("custom weight gave %d, want 50", got)
	}
}

func TestStream_LatestValueDelivery(t *testing.T) {
	s := NewStream()
	ch := s.Subscribe()

	s.Publish(Event{Percentage: 10, Phase: PhaseFetching})
	s.Publish(Event{Percentage: 20, Phase: PhaseFetching})
	s.Publish(Event{Percentage: 30, Phase: PhaseExtracting})

	ev := <-ch
	if ev.Percentage != 30 {
		t.Fatalf("slow subscriber got %d, want latest 30", ev.Percentage)
	}

	s.Close()
	if _, ok := <-ch; ok {
		t.Fatal("channel still open after Close")
	}
}

func TestStream_LateSubscriberGetsLatest(t *testing.T) {
	s := NewStream()
	s.Publish(Event{Percentage: 42, Phase: PhaseExtracting})
	s.Close()

	ch := s.Subscribe()
	ev, ok := <-ch
	if !ok || ev.Percentage != 42 {
		t.Fatalf("late subscriber got %+v ok=%v, want 42", ev, ok)
	}
	if _, ok := <-ch; ok {
		t.Fatal("late subscriber channel not closed")
	}
}

func TestStream_PublishAfterCloseIgnored(t *testing.T) {
	s := NewStream()
	s.Publish(Event{Percentage: 5, Phase: PhaseFetching})
	s.Close()
	s.Publish(Event{Percentage: 99, Phase: PhaseExtracting})

	if ev, _ := s.Latest(); ev.Percentage != 5 {
		t.Fatalf("Latest() = %d after close, want 5", ev.Percentage)
	}
}

func TestStream_Unsubscribe(t *testing.T) {
	s := NewStream()
	a := s.Subscribe()
	b := s.Subscribe()

	s.Unsubscribe(a)
	if _, ok := <-a; ok {
		t.Fatal("unsubscribed channel still open")
	}

	s.Publish(Event{Percentage: 10, Phase: PhaseFetching})
	if ev := <-b; ev.Percentage != 10 {
		t.Fatalf("remaining subscriber got %+v", ev)
	}

	// unknown or repeated unsubscribes are ignored
	s.Unsubscribe(a)
	s.Close()
}
