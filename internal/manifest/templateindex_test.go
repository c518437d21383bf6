package manifest

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func buildTemplateIndex(dynamic bool) *TemplateIndex {
	return NewTemplateIndex(1000, "$Time$.m4s", "init.mp4", []TimelineEntry{
		{Start: 0, Duration: 2000, Repeat: 2}, // segments at 0, 2000, 4000
	}, dynamic)
}

func TestTemplateIndexSegmentsForRange(t *testing.T) {
	idx := buildTemplateIndex(false)
	segs := idx.SegmentsForRange(1, 5)
	require.Len(t, segs, 3, "segments at 0s, 2s and 4s intersect [1,5)")
	assert.Equal(t, uint64(0), segs[0].Time)
	assert.Equal(t, uint64(2000), segs[1].Time)
	assert.Equal(t, uint64(4000), segs[2].Time)
}

func TestTemplateIndexFirstLastAvailable(t *testing.T) {
	idx := buildTemplateIndex(false)
	first, ok := idx.FirstAvailablePosition()
	require.True(t, ok)
	assert.Equal(t, 0.0, first)

	last, ok := idx.LastAvailablePosition()
	require.True(t, ok)
	assert.Equal(t, 6.0, last)
}

func TestTemplateIndexShouldRefresh(t *testing.T) {
	dynamic := buildTemplateIndex(true)
	assert.True(t, dynamic.ShouldRefresh(0, 10), "wanted end beyond the last known segment")
	assert.False(t, dynamic.ShouldRefresh(0, 5), "wanted end within known segments")

	static := buildTemplateIndex(false)
	assert.False(t, static.ShouldRefresh(0, 1000), "static indices never need a refresh")

	dynamic.KnownEnd = true
	assert.False(t, dynamic.ShouldRefresh(0, 1000), "a known end closes the dynamic index")
}

func TestTemplateIndexIsSegmentStillAvailable(t *testing.T) {
	idx := buildTemplateIndex(true)
	seg := idx.flat[0]
	still, known := idx.IsSegmentStillAvailable(seg)
	assert.True(t, known)
	assert.True(t, still)

	// Simulate the window sliding past the first segment.
	idx.entries = []TimelineEntry{{Start: 4000, Duration: 2000, Repeat: 0}}
	idx.rebuildFlat()
	still, known = idx.IsSegmentStillAvailable(seg)
	assert.True(t, known)
	assert.False(t, still, "the original segment fell out of the availability window")
}

func TestTemplateIndexCanBeOutOfSyncError(t *testing.T) {
	idx := buildTemplateIndex(true)
	seg := idx.flat[0]
	assert.True(t, idx.CanBeOutOfSyncError(seg, 404))
	assert.False(t, idx.CanBeOutOfSyncError(seg, 500))
}

func TestTemplateIndexCheckDiscontinuity(t *testing.T) {
	idx := NewTemplateIndex(1000, "$Time$.m4s", "", []TimelineEntry{
		{Start: 0, Duration: 2000, Repeat: 0},
		{Start: 6000, Duration: 2000, Repeat: 0}, // gap between 2s and 6s
	}, false)

	next, found := idx.CheckDiscontinuity(3)
	require.True(t, found)
	assert.Equal(t, 6.0, next)

	_, found = idx.CheckDiscontinuity(0)
	assert.False(t, found)
}

func TestTemplateIndexUpdateMergesByStartOverwritingDuplicates(t *testing.T) {
	idx := buildTemplateIndex(true)
	other := NewTemplateIndex(1000, "$Time$.m4s", "init2.mp4", []TimelineEntry{
		{Start: 4000, Duration: 2000, Repeat: 1}, // overwrites the Start:0 entry's tail, adds 6000
	}, true)

	idx.update(other)

	first, _ := idx.FirstAvailablePosition()
	last, _ := idx.LastAvailablePosition()
	assert.Equal(t, 0.0, first, "segments preceding the overwritten entry are kept")
	assert.Equal(t, 8.0, last)
	assert.Equal(t, "init2.mp4", idx.InitURL, "update refreshes the init URL")
}

func TestTemplateIndexAddPredictedSegments(t *testing.T) {
	idx := buildTemplateIndex(true)
	idx.AddPredictedSegments([]Segment{{Time: 6000, Duration: 2000}})
	last, ok := idx.LastAvailablePosition()
	require.True(t, ok)
	assert.Equal(t, 8.0, last)
}

func TestListIndexIsAlwaysStatic(t *testing.T) {
	idx := NewListIndex(&Segment{IsInit: true, URLTemplate: "init.mp4"}, []Segment{
		{Time: 0, End: 2, Timescale: 1},
		{Time: 2, End: 4, Timescale: 1},
	})

	assert.True(t, idx.IsFinished())
	assert.False(t, idx.ShouldRefresh(0, 1000))

	init, ok := idx.InitSegment()
	require.True(t, ok)
	assert.Equal(t, "init.mp4", init.URLTemplate)

	segs := idx.SegmentsForRange(1, 3)
	assert.Len(t, segs, 2)
}
