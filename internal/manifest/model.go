// Package manifest implements the manifest model and segment index
// described in the engine design (§3, §4.A, §4.B): a typed tree of
// Period/Adaptation/Representation with live timing, update/merge
// semantics, and per-Representation segment index queries.
//
// The tree is grounded on dash2hlsd/internal/dash's MPD/Period/
// AdaptationSet/Representation structs, generalized from a one-shot
// XML-decoded snapshot into a mutable model that supports partial
// updates (dash2hlsd/internal/dash.MergeTimelines generalizes into
// SegmentIndex._update here).
package manifest

import (
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

// TrackType identifies the kind of content an Adaptation carries.
type TrackType string

const (
	TrackAudio TrackType = "audio"
	TrackVideo TrackType = "video"
	TrackText  TrackType = "text"
)

// Tri is a three-state boolean: true, false, or unknown.
type Tri int

const (
	TriUnknown Tri = iota
	TriTrue
	TriFalse
)

func TriFromBool(b bool) Tri {
	if b {
		return TriTrue
	}
	return TriFalse
}

// MaximumTimeData describes the live edge of a dynamic Manifest.
type MaximumTimeData struct {
	MaximumSafePosition float64
	LivePosition        *float64
	IsLinear            bool
	// Time is the monotonic clock reading (seconds) at which this data
	// was computed; used to project MaximumSafePosition forward when
	// IsLinear.
	Time float64
}

// TimeBounds holds the manifest's seekable-range derivation inputs.
type TimeBounds struct {
	MinimumSafePosition *float64
	TimeshiftDepth      *float64
	MaximumTimeData     MaximumTimeData
}

// MinimumPosition returns the derived minimum seekable position per
// §3's invariant.
func (tb TimeBounds) MinimumPosition() float64 {
	min := 0.0
	if tb.MinimumSafePosition != nil {
		min = *tb.MinimumSafePosition
	}
	if tb.TimeshiftDepth != nil {
		candidate := tb.MaximumTimeData.MaximumSafePosition - *tb.TimeshiftDepth
		if candidate > min {
			return candidate
		}
	}
	return min
}

// MaximumPosition returns the derived maximum seekable position,
// growing monotonically with the monotonic clock when the manifest is
// linear (live).
func (tb TimeBounds) MaximumPosition(nowMonotonic float64) float64 {
	if tb.MaximumTimeData.IsLinear {
		elapsed := nowMonotonic - tb.MaximumTimeData.Time
		if elapsed < 0 {
			elapsed = 0
		}
		return tb.MaximumTimeData.MaximumSafePosition + elapsed
	}
	return tb.MaximumTimeData.MaximumSafePosition
}

// StreamEvent is an in-manifest cue point (§3 EXPANSION).
type StreamEvent struct {
	ID          string
	SchemeIDURI string
	EventTime   float64
	Duration    float64
	Data        []byte
	IsCue       bool
}

// Manifest is the root container of the presentation tree.
type Manifest struct {
	mu sync.RWMutex

	ID                         string
	IsDynamic                  bool
	IsLive                     bool
	IsLastPeriodKnown          bool
	ClockOffset                time.Duration
	AvailabilityStartTime      time.Time
	SuggestedPresentationDelay time.Duration
	Lifetime                   *time.Duration
	Expired                    bool
	TimeBounds                 TimeBounds
	URIs                       []string

	periods []*Period

	codecSupport *codecSupportCache
	listeners    manifestListeners
}

// NewManifest constructs an empty Manifest ready for Replace/Update.
func NewManifest(id string) *Manifest {
	return &Manifest{
		ID:           id,
		codecSupport: newCodecSupportCache(),
	}
}

// Periods returns a snapshot of the current, ordered Period list.
func (m *Manifest) Periods() []*Period {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]*Period, len(m.periods))
	copy(out, m.periods)
	return out
}

// PeriodForTime returns the Period whose [start, end) contains t, if
// any.
func (m *Manifest) PeriodForTime(t float64) *Period {
	m.mu.RLock()
	defer m.mu.RUnlock()
	idx := sort.Search(len(m.periods), func(i int) bool {
		return m.periods[i].Start > t
	})
	if idx == 0 {
		return nil
	}
	p := m.periods[idx-1]
	if p.End != nil && t >= *p.End {
		return nil
	}
	return p
}

// PeriodByID returns the Period with the given id, if any.
func (m *Manifest) PeriodByID(id string) *Period {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, p := range m.periods {
		if p.ID == id {
			return p
		}
	}
	return nil
}

// Period represents a contiguous timespan with a fixed set of
// Adaptations.
type Period struct {
	ID       string
	Start    float64
	Duration *float64
	// End is start+duration when Duration is set.
	End *float64

	Adaptations  map[TrackType][]*Adaptation
	StreamEvents []StreamEvent
}

func newPeriodEnd(start float64, duration *float64) *float64 {
	if duration == nil {
		return nil
	}
	end := start + *duration
	return &end
}

// AdaptationsOfType returns the Adaptations of the given type, or nil.
func (p *Period) AdaptationsOfType(t TrackType) []*Adaptation {
	return p.Adaptations[t]
}

// AdaptationByID searches every type for an Adaptation with the given
// id.
func (p *Period) AdaptationByID(id string) *Adaptation {
	for _, list := range p.Adaptations {
		for _, a := range list {
			if a.ID == id {
				return a
			}
		}
	}
	return nil
}

// SupportStatus is the three-state support/decipherability triple
// described in §3.
type SupportStatus struct {
	IsDecipherable              Tri
	HasSupportedCodec           Tri
	HasCodecWithUndefinedSupport bool
}

// Adaptation is a set of Representations encoding the same content at
// different qualities, for one track type.
type Adaptation struct {
	ID                 string
	Type               TrackType
	Language           string
	NormalizedLanguage string
	IsAudioDescription bool
	IsClosedCaption    bool
	IsForcedSubtitles  bool
	IsDub              bool
	IsSignInterpreted  bool
	IsTrickModeTrack   bool
	TrickModeTrackIDs  []string

	Representations []*Representation
	Support         SupportStatus
}

// IsUnsupported reports whether every Representation in the
// Adaptation is definitely unsupported (§4.A updateCodecSupport).
func (a *Adaptation) IsUnsupported() bool {
	if len(a.Representations) == 0 {
		return true
	}
	for _, r := range a.Representations {
		if r.IsSupported != TriFalse {
			return false
		}
	}
	return true
}

// RepresentationByID searches the Adaptation for a Representation with
// the given id.
func (a *Adaptation) RepresentationByID(id string) *Representation {
	for _, r := range a.Representations {
		if r.ID == id {
			return r
		}
	}
	return nil
}

// ContentProtection describes a single DRM system's key requirements
// for a Representation.
type ContentProtection struct {
	SystemID string
	KeyIDs   [][]byte
}

// CDNMetadata describes one candidate origin for a Representation's
// segments.
type CDNMetadata struct {
	ID       string
	BaseURL  string
	Priority int
}

// HDRInfo carries the representation's dynamic-range signaling.
type HDRInfo struct {
	ColorDepth int
	EOTF       string
	ColorSpace string
}

// Representation is one specific encoding: codec, bitrate, resolution.
type Representation struct {
	ID       string
	UniqueID string
	Bitrate  int
	Codecs   []string
	MimeType string
	Width    *int
	Height   *int
	FrameRate *float64
	HDRInfo   *HDRInfo

	ContentProtections []ContentProtection
	CDNMetadata         []CDNMetadata // nil means "use the manifest-wide default"

	Index SegmentIndex

	IsSupported Tri
	Decipherable Tri
	ShouldBeAvoided bool

	// EffectiveCodec is the first codec in Codecs determined to be
	// supported; set by updateCodecSupport.
	EffectiveCodec string
}

// NewRepresentation builds a Representation, minting a UniqueID with
// uuid.NewString() when the caller does not already have a
// globally-unique id from the transport pipeline (§3 EXPANSION).
func NewRepresentation(id string, bitrate int, codecs []string) *Representation {
	return &Representation{
		ID:           id,
		UniqueID:     uuid.NewString(),
		Bitrate:      bitrate,
		Codecs:       codecs,
		IsSupported:  TriUnknown,
		Decipherable: TriUnknown,
	}
}

// IsUsable reports whether the Representation may ever be selected for
// loading: supported, decipherable (or unknown, optimistically), and
// not avoided.
func (r *Representation) IsUsable() bool {
	if r.ShouldBeAvoided {
		return false
	}
	if r.IsSupported == TriFalse {
		return false
	}
	if r.Decipherable == TriFalse {
		return false
	}
	return true
}

// KeyIDs flattens every ContentProtection's key ids.
func (r *Representation) KeyIDs() [][]byte {
	var out [][]byte
	for _, cp := range r.ContentProtections {
		out = append(out, cp.KeyIDs...)
	}
	return out
}
