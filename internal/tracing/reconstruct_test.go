package tracing

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func span(spanID, parentID string, start int64, mutate ...func(*Span)) *Span {
	s := &Span{
		ID:        spanID + "-row",
		TraceID:   "trace",
		SpanID:    spanID,
		ParentID:  parentID,
		StartTime: start,
		Status:    SpanStatusOK,
	}

	for _, m := range mutate {
		m(s)
	}

	return s
}

func partial(s *Span)   { s.IsPartial = true }
func cancelled(s *Span) { s.IsCancelled = true }

func withCancellationEvent(at int64, reason string) func(*Span) {
	return func(s *Span) {
		s.Events = append(s.Events, SpanEvent{
			Name:       SpanEventCancellation,
			Time:       at,
			Properties: map[string]interface{}{"reason": reason},
		})
	}
}

func TestBuildTraceSummary_Empty(t *testing.T) {
	assert.Nil(t, BuildTraceSummary(nil))
}

func TestBuildTraceSummary_NoRoot(t *testing.T) {
	rows := []*Span{span("a", "missing-parent", 0)}

	assert.Nil(t, BuildTraceSummary(rows))
}

func TestBuildTraceSummary_SimpleTree(t *testing.T) {
	rows := []*Span{
		span("root", "", 0, func(s *Span) { s.Duration = 1000 }),
		span("late", "root", 300, func(s *Span) { s.Duration = 100 }),
		span("early", "root", 100, func(s *Span) { s.Duration = 100 }),
	}

	summary := BuildTraceSummary(rows)
	require.NotNil(t, summary)

	assert.Equal(t, "root", summary.RootSpan.SpanID)
	assert.Len(t, summary.Spans, 3)

	require.Len(t, summary.RootSpan.Children, 2)
	assert.Equal(t, "early", summary.RootSpan.Children[0].SpanID, "children ordered by start time")
	assert.Equal(t, "late", summary.RootSpan.Children[1].SpanID)
}

func TestBuildTraceSummary_CompletedSupersedesPartial(t *testing.T) {
	rows := []*Span{
		span("root", "", 0),
		span("x", "root", 100, partial),
		span("x", "root", 100, func(s *Span) { s.Duration = 900; s.ID = "x-complete" }),
	}

	summary := BuildTraceSummary(rows)
	require.NotNil(t, summary)
	require.Len(t, summary.Spans, 2)

	var x *SummarySpan

	for _, s := range summary.Spans {
		if s.SpanID == "x" {
			x = s
		}
	}

	require.NotNil(t, x)
	assert.Equal(t, "x-complete", x.ID)
	assert.False(t, x.IsPartial)
	assert.Equal(t, int64(900), x.Duration)
}

// Arrival order must not matter: a partial row written after the completed
// row cannot demote it.
func TestBuildTraceSummary_LatePartialDoesNotDemote(t *testing.T) {
	rows := []*Span{
		span("root", "", 0),
		span("x", "root", 100, func(s *Span) { s.Duration = 900; s.ID = "x-complete" }),
		span("x", "root", 100, partial),
	}

	summary := BuildTraceSummary(rows)
	require.NotNil(t, summary)

	for _, s := range summary.Spans {
		if s.SpanID == "x" {
			assert.Equal(t, "x-complete", s.ID)
			assert.False(t, s.IsPartial)
		}
	}
}

func TestBuildTraceSummary_EquallyEligibleLastWrittenWins(t *testing.T) {
	rows := []*Span{
		span("root", "", 0),
		span("x", "root", 100, func(s *Span) { s.ID = "first"; s.Duration = 500 }),
		span("x", "root", 100, func(s *Span) { s.ID = "second"; s.Duration = 700 }),
	}

	summary := BuildTraceSummary(rows)
	require.NotNil(t, summary)

	for _, s := range summary.Spans {
		if s.SpanID == "x" {
			assert.Equal(t, "second", s.ID)
		}
	}
}

// Spans A (partial root) at t=0, B (partial child) at t=100. A is cancelled
// at t=500: A reports cancelled with duration 500; B reports cancelled (not
// partial) with duration 400.
func TestBuildTraceSummary_CancellationPropagation(t *testing.T) {
	rows := []*Span{
		span("A", "", 0, partial),
		span("B", "A", 100, partial),
		span("A", "", 0, cancelled, withCancellationEvent(500, "user"), func(s *Span) {
			s.ID = "A-cancel"
			s.Duration = 500
		}),
	}

	summary := BuildTraceSummary(rows)
	require.NotNil(t, summary)

	byID := make(map[string]*SummarySpan)
	for _, s := range summary.Spans {
		byID[s.SpanID] = s
	}

	a := byID["A"]
	require.NotNil(t, a)
	assert.True(t, a.IsCancelled)
	assert.False(t, a.IsPartial)
	assert.Equal(t, int64(500), a.Duration)

	b := byID["B"]
	require.NotNil(t, b)
	assert.True(t, b.IsCancelled, "partial descendant of a cancelled ancestor reads cancelled")
	assert.False(t, b.IsPartial)
	assert.Equal(t, int64(400), b.Duration)
}

func TestBuildTraceSummary_CancellationDeepPropagation(t *testing.T) {
	rows := []*Span{
		span("A", "", 0, cancelled, withCancellationEvent(1000, "timeout")),
		span("B", "A", 100, func(s *Span) { s.Duration = 50 }),
		span("C", "B", 200, partial),
		span("D", "C", 300, partial),
	}

	summary := BuildTraceSummary(rows)
	require.NotNil(t, summary)

	byID := make(map[string]*SummarySpan)
	for _, s := range summary.Spans {
		byID[s.SpanID] = s
	}

	// B completed: untouched by ancestor cancellation.
	assert.False(t, byID["B"].IsCancelled)
	assert.Equal(t, int64(50), byID["B"].Duration)

	// C and D are partial under a cancelled ancestor.
	assert.True(t, byID["C"].IsCancelled)
	assert.Equal(t, int64(800), byID["C"].Duration)
	assert.True(t, byID["D"].IsCancelled)
	assert.Equal(t, int64(700), byID["D"].Duration)
}

// A single row flagged both partial and cancelled is in-model (external
// producers write arbitrary flag combinations); it must read as cancelled,
// not live.
func TestBuildTraceSummary_PartialAndCancelledRowIsNotLive(t *testing.T) {
	rows := []*Span{
		span("A", "", 0, partial, cancelled, withCancellationEvent(500, "user"), func(s *Span) {
			s.Duration = 500
		}),
	}

	summary := BuildTraceSummary(rows)
	require.NotNil(t, summary)

	a := summary.RootSpan
	require.NotNil(t, a)
	assert.False(t, a.IsPartial)
	assert.True(t, a.IsCancelled)
	assert.Equal(t, int64(500), a.Duration, "recorded duration is kept")
}

func TestBuildTraceSummary_NegativeDurationClampsToZero(t *testing.T) {
	rows := []*Span{
		span("A", "", 0, cancelled, withCancellationEvent(100, "user")),
		// Starts after the ancestor's cancellation time.
		span("B", "A", 400, partial),
	}

	summary := BuildTraceSummary(rows)
	require.NotNil(t, summary)

	for _, s := range summary.Spans {
		if s.SpanID == "B" {
			assert.True(t, s.IsCancelled)
			assert.Equal(t, int64(0), s.Duration)
		}
	}
}

// A malformed self-referencing parent link must not loop the ancestor walk.
func TestBuildTraceSummary_MalformedParentChainTerminates(t *testing.T) {
	rows := []*Span{
		span("root", "", 0),
		span("loop", "loop", 100, partial),
	}

	summary := BuildTraceSummary(rows)
	require.NotNil(t, summary)
	assert.Equal(t, "root", summary.RootSpan.SpanID)
}

func TestBuildTraceSummary_MissingParentTolerated(t *testing.T) {
	rows := []*Span{
		span("root", "", 0),
		span("orphan", "vanished", 50, partial),
	}

	summary := BuildTraceSummary(rows)
	require.NotNil(t, summary)
	assert.Len(t, summary.Spans, 2)
	assert.Empty(t, summary.RootSpan.Children)
}
