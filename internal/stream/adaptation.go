package stream

import (
	"context"
	"math"
	"sync"

	"github.com/dashflow/streamengine/internal/cancellation"
	"github.com/dashflow/streamengine/internal/logger"
	"github.com/dashflow/streamengine/internal/manifest"
)

// AdaptationCallbacks are the events an Adaptation Stream forwards
// upward, each already annotated with which Representation emitted
// it (§4.F "Surfaces each sub-stream's events upward, annotated with
// Adaptation context").
type AdaptationCallbacks struct {
	OnRepresentationChange func(rep *manifest.Representation)
	OnAddedSegment         func(rep *manifest.Representation, seg manifest.Segment)
	OnLocked               func()
	OnError                func(rep *manifest.Representation, err error)
	OnRequestManifestRefresh func()
	OnRequestCleanup        func(start, end float64)
	OnManifestMightBeOutOfSync func()
}

// RepresentationFactory builds a RepresentationStream for the chosen
// Representation, wired to the caller's Sink/SegmentQueue/ChunkLoader
// for this track type.
type RepresentationFactory func(rep *manifest.Representation, canceller *cancellation.Canceller, cfg RepresentationStreamConfig, cb Callbacks) *RepresentationStream

// AdaptationStream runs at most one "current" Representation Stream
// at a time for one (Period, Adaptation), switching as the choice
// SharedReference updates and keeping the outgoing stream alive only
// until its queue drains (§4.F).
type AdaptationStream struct {
	log       logger.Logger
	period    *manifest.Period
	adaptation *manifest.Adaptation
	canceller *cancellation.Canceller
	factory   RepresentationFactory
	cb        AdaptationCallbacks

	mu       sync.Mutex
	current  *RepresentationStream
	currentRep *manifest.Representation
	outgoing []*RepresentationStream
	// generation increments on every SelectRepresentation call so a
	// selection made mid-tick (R1 then R2 within one tick) can be
	// elided per §4.F's ordering guarantee.
	generation int
}

// NewAdaptationStream constructs an AdaptationStream with no current Representation
// Stream; call SelectRepresentation to start one.
func NewAdaptationStream(log logger.Logger, period *manifest.Period, adaptation *manifest.Adaptation, canceller *cancellation.Canceller, factory RepresentationFactory, cb AdaptationCallbacks) *AdaptationStream {
	return &AdaptationStream{
		log:        log.With("adaptation-stream"),
		period:     period,
		adaptation: adaptation,
		canceller:  canceller,
		factory:    factory,
		cb:         cb,
	}
}

// SelectRepresentation switches the current Representation Stream to
// rep (§4.F). fastSwitch sets the new stream's FastSwitchThreshold to
// wantedPosition plus a small margin (+Inf otherwise); the
// Representation Stream does not read that threshold, so segments
// already buffered from the previous Representation are not replaced
// either way. urgent
// indicates the outgoing stream must terminate immediately (codec
// change, or a major bitrate drop after a stall) rather than drain.
func (as *AdaptationStream) SelectRepresentation(ctx context.Context, rep *manifest.Representation, wantedPosition float64, fastSwitch, urgent bool, baseCfg RepresentationStreamConfig) {
	as.mu.Lock()
	as.generation++
	myGeneration := as.generation
	previous := as.current
	previousRep := as.currentRep
	as.mu.Unlock()

	if previousRep != nil && previousRep.ID == rep.ID {
		return
	}

	cfg := baseCfg
	if fastSwitch {
		cfg.FastSwitchThreshold = wantedPosition + fastSwitchEpsilon
	} else {
		cfg.FastSwitchThreshold = math.Inf(1)
	}

	childCanceller := as.canceller.Derive()
	newStream := as.factory(rep, childCanceller, cfg, Callbacks{
		OnStatusUpdate: func(BufferStatus) {},
		OnAddedSegment: func(seg manifest.Segment) {
			if as.cb.OnAddedSegment != nil {
				as.cb.OnAddedSegment(rep, seg)
			}
		},
		OnError: func(err error) {
			if as.cb.OnError != nil {
				as.cb.OnError(rep, err)
			}
		},
		OnRequestManifestRefresh:   as.cb.OnRequestManifestRefresh,
		OnRequestCleanup:           as.cb.OnRequestCleanup,
		OnManifestMightBeOutOfSync: as.cb.OnManifestMightBeOutOfSync,
	})

	as.mu.Lock()
	if as.generation != myGeneration {
		// A later selection already superseded this one within the
		// same tick; elide this Representation Stream entirely per
		// §4.F's ordering guarantee.
		as.mu.Unlock()
		newStream.Terminate(true)
		return
	}
	as.current = newStream
	as.currentRep = rep
	if previous != nil {
		as.outgoing = append(as.outgoing, previous)
	}
	as.mu.Unlock()

	if previous != nil {
		previous.Terminate(urgent)
	}

	if as.cb.OnRepresentationChange != nil {
		as.cb.OnRepresentationChange(rep)
	}
}

// fastSwitchEpsilon matches the small lookahead margin implied by
// §4.F's "wanted_position + ε".
const fastSwitchEpsilon = 0.5

// CheckStatus drives the current Representation Stream and every
// still-draining outgoing one, reaping any that have fully
// terminated.
func (as *AdaptationStream) CheckStatus(ctx context.Context, wantedPosition float64) {
	as.mu.Lock()
	current := as.current
	outgoing := append([]*RepresentationStream(nil), as.outgoing...)
	as.mu.Unlock()

	if current != nil {
		current.CheckStatus(ctx, wantedPosition)
	}

	var stillDraining []*RepresentationStream
	for _, rs := range outgoing {
		rs.CheckStatus(ctx, wantedPosition)
		if rs.State().Kind != RepTerminated {
			stillDraining = append(stillDraining, rs)
		}
	}

	as.mu.Lock()
	as.outgoing = stillDraining
	as.mu.Unlock()
}

// Locked reports whether every Representation in the Adaptation is
// unusable (§4.H "locked streams").
func (as *AdaptationStream) Locked() bool {
	for _, rep := range as.adaptation.Representations {
		if rep.IsUsable() {
			return false
		}
	}
	if as.cb.OnLocked != nil {
		as.cb.OnLocked()
	}
	return true
}

// Terminate tears down the current and every outgoing Representation
// Stream immediately.
func (as *AdaptationStream) Terminate() {
	as.mu.Lock()
	current := as.current
	outgoing := as.outgoing
	as.current = nil
	as.outgoing = nil
	as.mu.Unlock()

	if current != nil {
		current.Terminate(true)
	}
	for _, rs := range outgoing {
		rs.Terminate(true)
	}
}
