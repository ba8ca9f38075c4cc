// Package interval provides the pure time-interval arithmetic the scheduling
// engine is built on. All intervals are half-open [start, end): an interval
// ending at 10:00 does not overlap one starting at 10:00.
package interval

import "time"

type Span struct {
	Start time.Time
	End   time.Time
}

// Valid reports whether the span is non-empty with start strictly before end.
func (s Span) Valid() bool {
	return s.Start.Before(s.End)
}

// Overlaps reports whether two half-open spans share any instant.
// [a.Start,a.End) overlaps [b.Start,b.End) iff a.Start < b.End && b.Start < a.End.
func Overlaps(a, b Span) bool {
	return a.Start.Before(b.End) && b.Start.Before(a.End)
}

// MergeSorted collapses spans pre-sorted by start into a minimal covering set.
// Spans that overlap or touch are merged; touching matters here because two
// back-to-back busy spans leave no usable gap between them.
func MergeSorted(spans []Span) []Span {
	if len(spans) == 0 {
		return nil
	}
	merged := make([]Span, 0, len(spans))
	current := spans[0]
	for _, s := range spans[1:] {
		if !s.Start.After(current.End) {
			if s.End.After(current.End) {
				current.End = s.End
			}
			continue
		}
		merged = append(merged, current)
		current = s
	}
	return append(merged, current)
}

// Gaps returns the complement of busy (already merged and sorted) within
// [windowStart, windowEnd), clipped to the window bounds. An empty busy list
// yields a single gap spanning the whole window; busy spans fully covering
// the window yield none.
func Gaps(busy []Span, windowStart, windowEnd time.Time) []Span {
	if !windowStart.Before(windowEnd) {
		return nil
	}

	var gaps []Span
	cursor := windowStart
	for _, b := range busy {
		if !b.End.After(cursor) {
			continue
		}
		if !b.Start.Before(windowEnd) {
			break
		}
		if b.Start.After(cursor) {
			gaps = append(gaps, Span{Start: cursor, End: b.Start})
		}
		if b.End.After(cursor) {
			cursor = b.End
		}
	}
	if cursor.Before(windowEnd) {
		gaps = append(gaps, Span{Start: cursor, End: windowEnd})
	}
	return gaps
}

// Clip bounds the span to the window, returning false when nothing remains.
func Clip(s Span, windowStart, windowEnd time.Time) (Span, bool) {
	if s.Start.Before(windowStart) {
		s.Start = windowStart
	}
	if s.End.After(windowEnd) {
		s.End = windowEnd
	}
	if !s.Valid() {
		return Span{}, false
	}
	return s, true
}
