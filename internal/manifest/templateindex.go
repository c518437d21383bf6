package manifest

import (
	"sort"
	"strconv"
)

// TimelineEntry mirrors a DASH SegmentTimeline "S" element: a run of
// Repeat+1 segments of Duration starting at Start, grounded on
// dash2hlsd/internal/dash.S.
type TimelineEntry struct {
	Start    uint64
	Duration uint64
	Repeat   int
}

// TemplateIndex is a SegmentIndex derived from a SegmentTemplate plus
// SegmentTimeline, generalizing dash2hlsd/internal/dash.SegmentTimeline
// (a flat struct consumed ad hoc by session.go) into a queryable,
// mergeable index.
type TemplateIndex struct {
	Timescale   uint64
	URLTemplate string
	InitURL     string
	IsDynamic   bool
	// KnownEnd, when set, marks a dynamic index as finished (the
	// presentation's last Period is known and this is its last
	// Representation index).
	KnownEnd bool

	entries []TimelineEntry
	// flat is entries expanded into individual segments, kept sorted
	// by Start; recomputed on every mutation.
	flat []Segment
}

// NewTemplateIndex builds a TemplateIndex from its timeline entries.
func NewTemplateIndex(timescale uint64, urlTemplate, initURL string, entries []TimelineEntry, isDynamic bool) *TemplateIndex {
	idx := &TemplateIndex{
		Timescale:   timescale,
		URLTemplate: urlTemplate,
		InitURL:     initURL,
		IsDynamic:   isDynamic,
		entries:     append([]TimelineEntry(nil), entries...),
	}
	idx.rebuildFlat()
	return idx
}

func (idx *TemplateIndex) rebuildFlat() {
	sort.Slice(idx.entries, func(i, j int) bool { return idx.entries[i].Start < idx.entries[j].Start })
	flat := make([]Segment, 0, len(idx.entries))
	for _, e := range idx.entries {
		cursor := e.Start
		for i := 0; i <= e.Repeat; i++ {
			flat = append(flat, Segment{
				ID:          formatSegmentID(cursor),
				Time:        cursor,
				End:         cursor + e.Duration,
				Duration:    e.Duration,
				Timescale:   idx.Timescale,
				URLTemplate: idx.URLTemplate,
			})
			cursor += e.Duration
		}
	}
	idx.flat = flat
}

func formatSegmentID(time uint64) string {
	return strconv.FormatUint(time, 10)
}

func (idx *TemplateIndex) InitSegment() (Segment, bool) {
	if idx.InitURL == "" {
		return Segment{}, false
	}
	return Segment{IsInit: true, URLTemplate: idx.InitURL, Timescale: idx.Timescale}, true
}

func (idx *TemplateIndex) segmentsSeconds() func(s Segment) (start, end float64) {
	return func(s Segment) (float64, float64) {
		return s.TimeSeconds(), s.EndSeconds()
	}
}

func (idx *TemplateIndex) SegmentsForRange(start, end float64) []Segment {
	toSeconds := idx.segmentsSeconds()
	lo := sort.Search(len(idx.flat), func(i int) bool {
		_, segEnd := toSeconds(idx.flat[i])
		return segEnd > start
	})
	var out []Segment
	for i := lo; i < len(idx.flat); i++ {
		segStart, _ := toSeconds(idx.flat[i])
		if segStart >= end {
			break
		}
		out = append(out, idx.flat[i])
	}
	return out
}

func (idx *TemplateIndex) FirstAvailablePosition() (float64, bool) {
	if len(idx.flat) == 0 {
		return 0, false
	}
	return idx.flat[0].TimeSeconds(), true
}

func (idx *TemplateIndex) LastAvailablePosition() (float64, bool) {
	if len(idx.flat) == 0 {
		return 0, false
	}
	return idx.flat[len(idx.flat)-1].EndSeconds(), true
}

func (idx *TemplateIndex) ShouldRefresh(tip, wantedEnd float64) bool {
	if !idx.IsDynamic || idx.KnownEnd {
		return false
	}
	last, ok := idx.LastAvailablePosition()
	if !ok {
		return true
	}
	return wantedEnd > last
}

func (idx *TemplateIndex) IsSegmentStillAvailable(seg Segment) (bool, bool) {
	if !idx.IsDynamic {
		return true, true
	}
	first, ok := idx.FirstAvailablePosition()
	if !ok {
		return false, true
	}
	return seg.TimeSeconds() >= first, true
}

func (idx *TemplateIndex) CanBeOutOfSyncError(seg Segment, statusCode int) bool {
	if statusCode != 404 {
		return false
	}
	still, known := idx.IsSegmentStillAvailable(seg)
	return known && still
}

func (idx *TemplateIndex) CheckDiscontinuity(t float64) (float64, bool) {
	segs := idx.SegmentsForRange(t, t+0.001)
	if len(segs) > 0 {
		return 0, false
	}
	toSeconds := idx.segmentsSeconds()
	for _, s := range idx.flat {
		start, _ := toSeconds(s)
		if start > t {
			return start, true
		}
	}
	return 0, false
}

func (idx *TemplateIndex) IsFinished() bool {
	return !idx.IsDynamic || idx.KnownEnd
}

func (idx *TemplateIndex) AddPredictedSegments(segs []Segment) {
	for _, s := range segs {
		idx.entries = append(idx.entries, TimelineEntry{Start: s.Time, Duration: s.Duration})
	}
	idx.rebuildFlat()
}

// replace discards idx's timeline wholesale in favor of other's,
// implementing the "full update" half of §4.A step 2.
func (idx *TemplateIndex) replace(other SegmentIndex) {
	o, ok := other.(*TemplateIndex)
	if !ok {
		return
	}
	idx.Timescale = o.Timescale
	idx.URLTemplate = o.URLTemplate
	idx.InitURL = o.InitURL
	idx.IsDynamic = o.IsDynamic
	idx.KnownEnd = o.KnownEnd
	idx.entries = o.entries
	idx.rebuildFlat()
}

// update merges other's timeline into idx's, generalizing
// dash2hlsd/internal/dash.MergeTimelines's bisect-and-splice approach
// from a flat struct merge into a SegmentIndex._update method: idx's
// segments that start before other's first entry are kept (a run
// crossing that point is cut short) and other's timeline replaces
// everything from there on.
func (idx *TemplateIndex) update(other SegmentIndex) {
	o, ok := other.(*TemplateIndex)
	if !ok {
		return
	}
	merged := make([]TimelineEntry, 0, len(idx.entries)+len(o.entries))
	for _, e := range idx.entries {
		if len(o.entries) > 0 && e.Start >= o.entries[0].Start {
			continue
		}
		if len(o.entries) > 0 && e.Duration > 0 {
			if fit := int((o.entries[0].Start-e.Start)/e.Duration) - 1; e.Repeat > fit {
				e.Repeat = fit
			}
		}
		merged = append(merged, e)
	}
	idx.entries = append(merged, o.entries...)
	idx.URLTemplate = o.URLTemplate
	if o.InitURL != "" {
		idx.InitURL = o.InitURL
	}
	idx.KnownEnd = o.KnownEnd
	idx.rebuildFlat()
}

var _ SegmentIndex = (*TemplateIndex)(nil)
var _ mutableIndex = (*TemplateIndex)(nil)
