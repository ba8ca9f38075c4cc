package interval

import (
	"testing"
	"time"
)

func span(t *testing.T, startHour, endHour int) Span {
	t.Helper()
	day := time.Date(2026, 3, 10, 0, 0, 0, 0, time.UTC)
	return Span{Start: day.Add(time.Duration(startHour) * time.Hour), End: day.Add(time.Duration(endHour) * time.Hour)}
}

func TestOverlaps(t *testing.T) {
	cases := []struct {
		name string
		a, b Span
		want bool
	}{
		{"disjoint", span(t, 9, 10), span(t, 11, 12), false},
		{"touching is not overlap", span(t, 9, 10), span(t, 10, 11), false},
		{"partial", span(t, 9, 11), span(t, 10, 12), true},
		{"contained", span(t, 9, 12), span(t, 10, 11), true},
		{"identical", span(t, 9, 10), span(t, 9, 10), true},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := Overlaps(tc.a, tc.b); got != tc.want {
				t.Fatalf("Overlaps(%v, %v) = %v, want %v", tc.a, tc.b, got, tc.want)
			}
			if got := Overlaps(tc.b, tc.a); got != tc.want {
				t.Fatalf("Overlaps is not symmetric for %v, %v", tc.a, tc.b)
			}
		})
	}
}

func TestMergeSorted(t *testing.T) {
	in := []Span{span(t, 9, 10), span(t, 10, 11), span(t, 11, 12), span(t, 13, 14)}
	got := MergeSorted(in)
	if len(got) != 2 {
		t.Fatalf("expected 2 merged spans, got %d: %v", len(got), got)
	}
	if !got[0].Start.Equal(span(t, 9, 12).Start) || !got[0].End.Equal(span(t, 9, 12).End) {
		t.Fatalf("expected [09,12), got %v", got[0])
	}
	if !got[1].Start.Equal(span(t, 13, 14).Start) {
		t.Fatalf("expected [13,14), got %v", got[1])
	}
}

func TestMergeSortedOverlapping(t *testing.T) {
	in := []Span{span(t, 9, 11), span(t, 10, 12)}
	got := MergeSorted(in)
	if len(got) != 1 {
		t.Fatalf("expected 1 merged span, got %d", len(got))
	}
	if !got[0].End.Equal(span(t, 10, 12).End) {
		t.Fatalf("expected merged end 12:00, got %v", got[0].End)
	}
}

func TestMergeSortedEmpty(t *testing.T) {
	if got := MergeSorted(nil); got != nil {
		t.Fatalf("expected nil for empty input, got %v", got)
	}
}

func TestGapsEmptyBusy(t *testing.T) {
	w := span(t, 0, 24)
	got := Gaps(nil, w.Start, w.End)
	if len(got) != 1 {
		t.Fatalf("expected single gap, got %d", len(got))
	}
	if !got[0].Start.Equal(w.Start) || !got[0].End.Equal(w.End) {
		t.Fatalf("gap should span the full window, got %v", got[0])
	}
}

func TestGapsBetweenBusySpans(t *testing.T) {
	w := span(t, 0, 24)
	busy := []Span{span(t, 9, 10), span(t, 13, 14)}
	got := Gaps(busy, w.Start, w.End)
	want := []Span{span(t, 0, 9), span(t, 10, 13), span(t, 14, 24)}
	if len(got) != len(want) {
		t.Fatalf("expected %d gaps, got %d: %v", len(want), len(got), got)
	}
	for i := range want {
		if !got[i].Start.Equal(want[i].Start) || !got[i].End.Equal(want[i].End) {
			t.Fatalf("gap %d = %v, want %v", i, got[i], want[i])
		}
	}
}

func TestGapsFullyCovered(t *testing.T) {
	w := span(t, 9, 17)
	busy := []Span{span(t, 8, 18)}
	if got := Gaps(busy, w.Start, w.End); len(got) != 0 {
		t.Fatalf("expected no gaps, got %v", got)
	}
}

func TestGapsBusyExtendsPastWindow(t *testing.T) {
	w := span(t, 9, 17)
	busy := []Span{span(t, 8, 10), span(t, 16, 18)}
	got := Gaps(busy, w.Start, w.End)
	if len(got) != 1 {
		t.Fatalf("expected 1 gap, got %d: %v", len(got), got)
	}
	if !got[0].Start.Equal(span(t, 10, 16).Start) || !got[0].End.Equal(span(t, 10, 16).End) {
		t.Fatalf("expected [10,16), got %v", got[0])
	}
}

func TestGapsInvertedWindow(t *testing.T) {
	w := span(t, 17, 9)
	if got := Gaps(nil, w.Start, w.End); got != nil {
		t.Fatalf("expected nil for inverted window, got %v", got)
	}
}
