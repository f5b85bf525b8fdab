package tracing

import "sort"

type (
	// TraceSummary is the rooted view of one trace.
	TraceSummary struct {
		RootSpan *SummarySpan
		Spans    []*SummarySpan
	}

	// SummarySpan is a span with cancellation-propagated derived state. The
	// underlying row is never mutated; IsPartial, IsCancelled and Duration
	// here are the effective values.
	SummarySpan struct {
		*Span

		IsPartial   bool
		IsCancelled bool
		Duration    int64

		Children []*SummarySpan
	}
)

// BuildTraceSummary reconstructs a rooted trace from a flat set of span rows
// ordered by start time ascending (later-written rows last among duplicates).
//
// Steps:
//  1. Dedup by SpanID: a non-partial or cancelled row supersedes a partial
//     one; among equally eligible rows the last-written wins.
//  2. Derive cancellation state through ancestry: a partial span below a
//     cancelled ancestor reports cancelled, not partial.
//  3. Override durations of such spans using the nearest cancelled ancestor's
//     cancellation time (clamped non-negative).
//  4. Root detection: the span with no parent. No root means no summary.
//
// Ancestor walks are memoized and depth-bounded by the span count, so
// malformed parent links cannot loop.
func BuildTraceSummary(rows []*Span) *TraceSummary {
	if len(rows) == 0 {
		return nil
	}

	deduped := dedupBySpanID(rows)

	byID := make(map[string]*SummarySpan, len(deduped))
	spans := make([]*SummarySpan, 0, len(deduped))

	for _, row := range deduped {
		s := &SummarySpan{
			Span:        row,
			IsPartial:   row.IsPartial,
			IsCancelled: row.IsCancelled,
			Duration:    row.Duration,
		}
		byID[row.SpanID] = s
		spans = append(spans, s)
	}

	d := &derivation{byID: byID, cancelled: make(map[string]bool, len(byID)), maxDepth: len(byID)}

	var root *SummarySpan

	for _, s := range spans {
		d.applyDerivedState(s)

		if s.ParentID == "" && root == nil {
			root = s
		}
	}

	if root == nil {
		return nil
	}

	for _, s := range spans {
		if s.ParentID == "" {
			continue
		}

		if parent, ok := byID[s.ParentID]; ok {
			parent.Children = append(parent.Children, s)
		}
	}

	for _, s := range spans {
		sort.SliceStable(s.Children, func(i, j int) bool {
			return s.Children[i].StartTime < s.Children[j].StartTime
		})
	}

	return &TraceSummary{RootSpan: root, Spans: spans}
}

// dedupBySpanID keeps one row per SpanID. Input order is start time ascending
// with later-written rows last, so iterating forward and letting superseding
// (or equally eligible later) rows replace earlier ones yields the winner.
func dedupBySpanID(rows []*Span) []*Span {
	kept := make(map[string]*Span, len(rows))
	order := make([]string, 0, len(rows))

	for _, row := range rows {
		existing, ok := kept[row.SpanID]
		if !ok {
			kept[row.SpanID] = row
			order = append(order, row.SpanID)

			continue
		}

		// A completed/cancelled row always beats a live partial; otherwise
		// the later-written row wins unless it would demote a completed row
		// back to partial.
		if row.Supersedes(existing) || !existing.Supersedes(row) {
			kept[row.SpanID] = row
		}
	}

	deduped := make([]*Span, 0, len(order))
	for _, id := range order {
		deduped = append(deduped, kept[id])
	}

	return deduped
}

// derivation computes cancellation propagation over the deduped span set.
type derivation struct {
	byID      map[string]*SummarySpan
	cancelled map[string]bool // memoized ancestorCancelled per span id
	maxDepth  int
}

func (d *derivation) applyDerivedState(s *SummarySpan) {
	if !s.Span.IsPartial {
		return
	}

	if !d.ancestorCancelled(s.SpanID, 0) {
		return
	}

	if s.Span.IsCancelled {
		// The row carries its own cancellation; it is no longer live but
		// keeps its recorded duration.
		s.IsPartial = false

		return
	}

	// A partial span below a cancelled ancestor reads as cancelled, with its
	// duration cut off at the ancestor's cancellation time.
	s.IsPartial = false
	s.IsCancelled = true

	if at := d.nearestCancellationTime(s); at > 0 {
		duration := at - s.StartTime
		if duration < 0 {
			duration = 0
		}

		s.Duration = duration
	}
}

// ancestorCancelled reports whether the span or any ancestor is cancelled.
func (d *derivation) ancestorCancelled(spanID string, depth int) bool {
	if depth > d.maxDepth {
		// Malformed parent chain; stop walking.
		return false
	}

	if known, ok := d.cancelled[spanID]; ok {
		return known
	}

	s, ok := d.byID[spanID]
	if !ok {
		return false
	}

	result := s.Span.IsCancelled
	if !result && s.ParentID != "" {
		result = d.ancestorCancelled(s.ParentID, depth+1)
	}

	d.cancelled[spanID] = result

	return result
}

// nearestCancellationTime walks up to the closest cancelled ancestor and
// returns its cancellation event time, or 0 if none is recorded.
func (d *derivation) nearestCancellationTime(s *SummarySpan) int64 {
	current := s.ParentID

	for depth := 0; current != "" && depth <= d.maxDepth; depth++ {
		ancestor, ok := d.byID[current]
		if !ok {
			return 0
		}

		if ancestor.Span.IsCancelled {
			return ancestor.Span.cancellationTime()
		}

		current = ancestor.ParentID
	}

	return 0
}
