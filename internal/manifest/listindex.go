package manifest

import "sort"

// ListIndex is a SegmentIndex backed by a precomputed, fully-known
// segment list (a DASH SegmentList, or any transport pipeline that
// hands the engine an already-resolved list rather than a derivable
// template). Always static: list-based indices do not grow on their
// own, so ShouldRefresh is always false and IsFinished is always true.
type ListIndex struct {
	init *Segment

	segments []Segment // kept sorted by Time
}

// NewListIndex builds a ListIndex from a precomputed segment list.
func NewListIndex(init *Segment, segs []Segment) *ListIndex {
	idx := &ListIndex{init: init, segments: append([]Segment(nil), segs...)}
	sort.Slice(idx.segments, func(i, j int) bool { return idx.segments[i].Time < idx.segments[j].Time })
	return idx
}

func (idx *ListIndex) InitSegment() (Segment, bool) {
	if idx.init == nil {
		return Segment{}, false
	}
	return *idx.init, true
}

func (idx *ListIndex) SegmentsForRange(start, end float64) []Segment {
	lo := sort.Search(len(idx.segments), func(i int) bool {
		return idx.segments[i].EndSeconds() > start
	})
	var out []Segment
	for i := lo; i < len(idx.segments); i++ {
		if idx.segments[i].TimeSeconds() >= end {
			break
		}
		out = append(out, idx.segments[i])
	}
	return out
}

func (idx *ListIndex) FirstAvailablePosition() (float64, bool) {
	if len(idx.segments) == 0 {
		return 0, false
	}
	return idx.segments[0].TimeSeconds(), true
}

func (idx *ListIndex) LastAvailablePosition() (float64, bool) {
	if len(idx.segments) == 0 {
		return 0, false
	}
	return idx.segments[len(idx.segments)-1].EndSeconds(), true
}

func (idx *ListIndex) ShouldRefresh(tip, wantedEnd float64) bool { return false }

func (idx *ListIndex) IsSegmentStillAvailable(seg Segment) (bool, bool) { return true, true }

func (idx *ListIndex) CanBeOutOfSyncError(seg Segment, statusCode int) bool { return false }

func (idx *ListIndex) CheckDiscontinuity(t float64) (float64, bool) {
	segs := idx.SegmentsForRange(t, t+0.001)
	if len(segs) > 0 {
		return 0, false
	}
	for _, s := range idx.segments {
		if s.TimeSeconds() > t {
			return s.TimeSeconds(), true
		}
	}
	return 0, false
}

func (idx *ListIndex) IsFinished() bool { return true }

func (idx *ListIndex) AddPredictedSegments(segs []Segment) {
	idx.segments = append(idx.segments, segs...)
	sort.Slice(idx.segments, func(i, j int) bool { return idx.segments[i].Time < idx.segments[j].Time })
}

func (idx *ListIndex) replace(other SegmentIndex) {
	o, ok := other.(*ListIndex)
	if !ok {
		return
	}
	idx.init = o.init
	idx.segments = o.segments
}

func (idx *ListIndex) update(other SegmentIndex) {
	o, ok := other.(*ListIndex)
	if !ok {
		return
	}
	byTime := make(map[uint64]Segment, len(idx.segments)+len(o.segments))
	for _, s := range idx.segments {
		byTime[s.Time] = s
	}
	for _, s := range o.segments {
		byTime[s.Time] = s
	}
	merged := make([]Segment, 0, len(byTime))
	for _, s := range byTime {
		merged = append(merged, s)
	}
	sort.Slice(merged, func(i, j int) bool { return merged[i].Time < merged[j].Time })
	idx.segments = merged
	if o.init != nil {
		idx.init = o.init
	}
}

var _ SegmentIndex = (*ListIndex)(nil)
var _ mutableIndex = (*ListIndex)(nil)
