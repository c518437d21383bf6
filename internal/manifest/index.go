package manifest

// SegmentIndex is the per-Representation mapping from time to
// Segment, plus the availability-window and discontinuity queries
// described in §3/§4.B. Two families implement it: TemplateIndex
// (derivable from a SegmentTemplate+SegmentTimeline, the shape
// dash2hlsd/internal/dash.SegmentTimeline already carries) and
// ListIndex (a precomputed SegmentList).
type SegmentIndex interface {
	// InitSegment returns the initialization segment, if any.
	InitSegment() (Segment, bool)

	// SegmentsForRange returns every segment whose [time,end)
	// intersects [start,end), ordered, filtered to those currently
	// available.
	SegmentsForRange(start, end float64) []Segment

	// FirstAvailablePosition returns the earliest position with an
	// available segment.
	FirstAvailablePosition() (float64, bool)

	// LastAvailablePosition returns the latest position with an
	// available segment.
	LastAvailablePosition() (float64, bool)

	// ShouldRefresh reports whether the requested range goes past the
	// last known segment in a dynamic index and the manifest should be
	// refreshed before the caller can know what comes next.
	ShouldRefresh(tip, wantedEnd float64) bool

	// IsSegmentStillAvailable reports whether seg, previously returned
	// by this index, is still within the availability window. known is
	// false when the index cannot determine this; a static index always
	// reports (still=true, known=true).
	IsSegmentStillAvailable(seg Segment) (still bool, known bool)

	// CanBeOutOfSyncError distinguishes a 404 on a segment that should
	// be available per the manifest (an out-of-sync candidate, true)
	// from a permanent 404 (false).
	CanBeOutOfSyncError(seg Segment, statusCode int) bool

	// CheckDiscontinuity reports whether there is a gap in the index
	// at time t, returning the time immediately after the gap.
	CheckDiscontinuity(t float64) (nextTime float64, found bool)

	// IsFinished reports whether the index will never produce new
	// segments (static presentation fully indexed, or a dynamic
	// presentation that has reached its known end).
	IsFinished() bool

	// AddPredictedSegments absorbs segments predicted by a parsed
	// media chunk (e.g. an in-band event box) ahead of the next
	// manifest refresh.
	AddPredictedSegments(segs []Segment)
}

// mutableIndex is implemented by both concrete index types to support
// the manifest merge procedure (§4.A step 2: "delegate merging to ...
// SegmentIndex._update").
type mutableIndex interface {
	replace(other SegmentIndex)
	update(other SegmentIndex)
}
