package stream

import (
	"context"
	"sync"

	"github.com/dashflow/streamengine/internal/cancellation"
	"github.com/dashflow/streamengine/internal/logger"
	"github.com/dashflow/streamengine/internal/manifest"
	"golang.org/x/sync/errgroup"
)

// PeriodCallbacks mirrors AdaptationCallbacks but fans out per track
// type, plus the Period-level lifecycle events named in §4.G.
type PeriodCallbacks struct {
	OnPeriodStreamReady func()
	OnRepresentationChange func(trackType manifest.TrackType, rep *manifest.Representation)
	OnAddedSegment         func(trackType manifest.TrackType, rep *manifest.Representation, seg manifest.Segment)
	OnLocked               func(trackType manifest.TrackType)
	OnError                func(trackType manifest.TrackType, rep *manifest.Representation, err error)
	OnRequestManifestRefresh func()
	OnRequestCleanup        func(trackType manifest.TrackType, start, end float64)
	OnManifestMightBeOutOfSync func()
}

// AdaptationFactory builds an AdaptationStream for one track type's
// chosen Adaptation within the Period.
type AdaptationFactory func(trackType manifest.TrackType, adaptation *manifest.Adaptation, canceller *cancellation.Canceller, cb AdaptationCallbacks) *AdaptationStream

// PeriodStream creates one Adaptation Stream per declared track type
// present in the Period, respecting which types the caller wants
// (e.g. "hasVideo", "hasText") and disposing everything together
// (§4.G).
type PeriodStream struct {
	log       logger.Logger
	period    *manifest.Period
	canceller *cancellation.Canceller
	cb        PeriodCallbacks

	mu     sync.Mutex
	tracks map[manifest.TrackType]*AdaptationStream
	ready  bool
}

// NewPeriodStream constructs a PeriodStream and starts one Adaptation
// Stream per requested track type that the Period actually declares.
// The chosen Adaptation per type is the caller's responsibility
// (track selection is an external, UI-driven concern); this
// constructor takes the already-chosen Adaptation map.
func NewPeriodStream(log logger.Logger, period *manifest.Period, canceller *cancellation.Canceller, chosen map[manifest.TrackType]*manifest.Adaptation, factory AdaptationFactory, cb PeriodCallbacks) *PeriodStream {
	ps := &PeriodStream{
		log:       log.With("period-stream"),
		period:    period,
		canceller: canceller,
		cb:        cb,
		tracks:    make(map[manifest.TrackType]*AdaptationStream),
	}

	for trackType, adaptation := range chosen {
		if adaptation == nil {
			continue
		}
		tt := trackType
		childCanceller := canceller.Derive()
		ps.tracks[trackType] = factory(tt, adaptation, childCanceller, AdaptationCallbacks{
			OnRepresentationChange: func(rep *manifest.Representation) {
				if cb.OnRepresentationChange != nil {
					cb.OnRepresentationChange(tt, rep)
				}
			},
			OnAddedSegment: func(rep *manifest.Representation, seg manifest.Segment) {
				if cb.OnAddedSegment != nil {
					cb.OnAddedSegment(tt, rep, seg)
				}
			},
			OnLocked: func() {
				if cb.OnLocked != nil {
					cb.OnLocked(tt)
				}
			},
			OnError: func(rep *manifest.Representation, err error) {
				if cb.OnError != nil {
					cb.OnError(tt, rep, err)
				}
			},
			OnRequestManifestRefresh: cb.OnRequestManifestRefresh,
			OnRequestCleanup: func(start, end float64) {
				if cb.OnRequestCleanup != nil {
					cb.OnRequestCleanup(tt, start, end)
				}
			},
			OnManifestMightBeOutOfSync: cb.OnManifestMightBeOutOfSync,
		})
	}

	ps.mu.Lock()
	ps.ready = true
	ps.mu.Unlock()
	if cb.OnPeriodStreamReady != nil {
		cb.OnPeriodStreamReady()
	}

	return ps
}

// CheckStatus drives every track's Adaptation Stream concurrently,
// generalizing the teacher's single download loop into one fan-out
// per tick across the Period's track types.
func (ps *PeriodStream) CheckStatus(ctx context.Context, wantedPosition float64) error {
	ps.mu.Lock()
	tracks := make([]*AdaptationStream, 0, len(ps.tracks))
	for _, as := range ps.tracks {
		tracks = append(tracks, as)
	}
	ps.mu.Unlock()

	g, gctx := errgroup.WithContext(ctx)
	for _, as := range tracks {
		as := as
		g.Go(func() error {
			as.CheckStatus(gctx, wantedPosition)
			return nil
		})
	}
	return g.Wait()
}

// Track returns the Adaptation Stream for a track type, if started.
func (ps *PeriodStream) Track(t manifest.TrackType) *AdaptationStream {
	ps.mu.Lock()
	defer ps.mu.Unlock()
	return ps.tracks[t]
}

// LockedTracks reports which of the Period's started tracks currently
// have no selectable Representation (§4.H "locked streams").
func (ps *PeriodStream) LockedTracks() []manifest.TrackType {
	ps.mu.Lock()
	defer ps.mu.Unlock()
	var locked []manifest.TrackType
	for t, as := range ps.tracks {
		if as.Locked() {
			locked = append(locked, t)
		}
	}
	return locked
}

// Dispose tears down every Adaptation Stream (§4.G
// "periodStreamCleared").
func (ps *PeriodStream) Dispose() {
	ps.mu.Lock()
	tracks := ps.tracks
	ps.tracks = make(map[manifest.TrackType]*AdaptationStream)
	ps.mu.Unlock()

	for _, as := range tracks {
		as.Terminate()
	}
	ps.canceller.Cancel()
}
