// Package engine wires the otherwise-standalone estimator, freeze
// resolver, fetcher, and orchestrator packages into the single
// feedback loop §6 describes: throughput/buffer samples drive a
// chosen Representation per track, a chosen Representation drives the
// orchestrator's Adaptation Streams, and playback-freeze observations
// drive buffer flushes, Representation avoidance, or a reload request.
//
// This is the composition layer the individual packages deliberately
// leave undone — each of them is grounded on its own teacher/example
// file independently (see DESIGN.md); Engine itself has no single
// teacher file, since the teacher has no equivalent of a pluggable
// estimator/freeze-resolver feedback loop (dash2hlsd always drives a
// single fixed-interval download loop, §4.I's DESIGN.md entry).
package engine

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/dashflow/streamengine/internal/cancellation"
	"github.com/dashflow/streamengine/internal/cmcd"
	"github.com/dashflow/streamengine/internal/engineerr"
	"github.com/dashflow/streamengine/internal/estimator"
	"github.com/dashflow/streamengine/internal/fetcher"
	"github.com/dashflow/streamengine/internal/freeze"
	"github.com/dashflow/streamengine/internal/logger"
	"github.com/dashflow/streamengine/internal/manifest"
	"github.com/dashflow/streamengine/internal/orchestrator"
	"github.com/dashflow/streamengine/internal/stream"
	"github.com/dashflow/streamengine/internal/telemetry"
)

// Telemetry is the subset of *telemetry.Store Engine depends on,
// narrowed so tests can substitute a fake.
type Telemetry interface {
	RecordBitrate(trackType string, bitrate int, bufferLevel float64)
	RecordError(component, code, representationID, message string)
}

var _ Telemetry = (*telemetry.Store)(nil)

// Config holds the knobs Engine threads through to its estimators and
// freeze resolver.
type Config struct {
	Estimator estimator.Config
	Freeze    freeze.Config
	CMCD      cmcd.Data                         // static fields (session id, streaming format); per-request fields are filled in per call
	Stream    stream.RepresentationStreamConfig // passed through to every SelectRepresentation call
}

// Engine owns one Estimator per track type, one freeze Resolver, and
// drives an Orchestrator and Fetcher from their output.
type Engine struct {
	log     logger.Logger
	mf      *manifest.Manifest
	orch    *orchestrator.Orchestrator
	fetcher *fetcher.Fetcher
	store   Telemetry
	cfg     Config

	mu         sync.Mutex
	estimators map[manifest.TrackType]*estimator.Estimator
	resolver   *freeze.Resolver
	knownReps  map[string]*manifest.Representation // uniqueID -> rep, for freeze avoidance lookups
	bufferFn   map[manifest.TrackType]func() float64
}

// New wires an Engine around an already-constructed Orchestrator and
// Fetcher. store may be nil to disable telemetry persistence.
func New(log logger.Logger, mf *manifest.Manifest, orch *orchestrator.Orchestrator, f *fetcher.Fetcher, store Telemetry, cfg Config) *Engine {
	return &Engine{
		log:        log.With("engine"),
		mf:         mf,
		orch:       orch,
		fetcher:    f,
		store:      store,
		cfg:        cfg,
		estimators: make(map[manifest.TrackType]*estimator.Estimator),
		resolver:   freeze.New(cfg.Freeze),
		knownReps:  make(map[string]*manifest.Representation),
		bufferFn:   make(map[manifest.TrackType]func() float64),
	}
}

// SetOrchestrator attaches the Orchestrator this Engine drives track
// selections through. Supports building the two around each other:
// construct the Engine first with a nil Orchestrator, build the
// Orchestrator with Events(), then call SetOrchestrator so the
// Orchestrator's own callbacks (out-of-sync, bitrate, error) can reach
// back into this Engine.
func (e *Engine) SetOrchestrator(orch *orchestrator.Orchestrator) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.orch = orch
}

// Events builds the orchestrator.Events forwarding table for this
// Engine: bitrate changes land in telemetry, errors are classified and
// persisted the same way RecordError does elsewhere, and an
// out-of-sync hint from a Representation Stream's segment index is
// forwarded straight to SignalManifestMightBeOutOfSync (§8 S6).
func (e *Engine) Events() orchestrator.Events {
	return orchestrator.Events{
		OnBitrateEstimateChange: func(t manifest.TrackType, bitrate int) {
			if e.store == nil {
				return
			}
			e.mu.Lock()
			bufferFn := e.bufferFn[t]
			e.mu.Unlock()
			level := 0.0
			if bufferFn != nil {
				level = bufferFn()
			}
			e.store.RecordBitrate(string(t), bitrate, level)
		},
		OnError: func(err error) {
			e.RecordError("orchestrator", err)
		},
		OnManifestMightBeOutOfSync: e.SignalManifestMightBeOutOfSync,
	}
}

// EnableTrack creates (if absent) the Estimator for trackType and
// subscribes its Chosen reference to drive the orchestrator's
// Adaptation Stream for the current Period, per §4.I/§4.F's handoff.
// bufferLevel reports the caller's current buffered-ahead seconds for
// this track, used by subsequent Evaluate calls triggered internally;
// a caller still calls Evaluate directly with fresh candidates on its
// own schedule — EnableTrack only wires the *output* side.
func (e *Engine) EnableTrack(trackType manifest.TrackType, bufferLevel func() float64) *estimator.Estimator {
	e.mu.Lock()
	defer e.mu.Unlock()

	if est, ok := e.estimators[trackType]; ok {
		return est
	}

	est := estimator.New(e.log, trackType, e.cfg.Estimator, func(change estimator.BitrateEstimateChange) {
		if e.store != nil {
			level := 0.0
			if bufferLevel != nil {
				level = bufferLevel()
			}
			e.store.RecordBitrate(string(change.TrackType), change.Bitrate, level)
		}
	})

	est.Chosen.Listen(func(rep *manifest.Representation) {
		if rep == nil {
			return
		}
		e.mu.Lock()
		e.knownReps[rep.UniqueID] = rep
		if e.orch == nil {
			e.mu.Unlock()
			return
		}
		periodID := e.orch.CurrentPeriodID()
		e.mu.Unlock()

		if periodID == "" {
			return
		}
		track := e.orch.Track(periodID, trackType)
		if track == nil {
			return
		}
		track.SelectRepresentation(context.Background(), rep, 0, false, false, e.cfg.Stream)
	})

	e.estimators[trackType] = est
	e.bufferFn[trackType] = bufferLevel
	return est
}

// ReportSegmentMetrics feeds one completed segment fetch into
// trackType's estimator.
func (e *Engine) ReportSegmentMetrics(trackType manifest.TrackType, m estimator.RequestMetrics) {
	e.mu.Lock()
	est, ok := e.estimators[trackType]
	e.mu.Unlock()
	if !ok {
		return
	}
	est.ReportRequest(m)
}

// EvaluateTrack re-runs trackType's estimator against the current
// candidate set and buffer level, publishing a new Chosen
// Representation (which EnableTrack's subscription then applies).
func (e *Engine) EvaluateTrack(trackType manifest.TrackType, candidates []*manifest.Representation, bufferLevel float64, screen estimator.ScreenInfo) *manifest.Representation {
	e.mu.Lock()
	est, ok := e.estimators[trackType]
	e.mu.Unlock()
	if !ok {
		return nil
	}
	return est.Evaluate(candidates, bufferLevel, screen)
}

// CMCDForRequest builds the CMCD data for one upcoming request, laying
// the static config fields under the per-request ones the caller
// supplies.
func (e *Engine) CMCDForRequest(objectType cmcd.ObjectType, bufferLengthMs int, measuredThroughputKbps int) cmcd.Data {
	d := e.cfg.CMCD
	d.ObjectType = objectType
	d.BufferLengthMs = bufferLengthMs
	d.MeasuredThroughputKbps = measuredThroughputKbps
	return d
}

// NoteRepresentationSwitch tells the freeze resolver a Representation
// switch just completed, for its F2 recent-switch rule.
func (e *Engine) NoteRepresentationSwitch(uniqueID string, at time.Time) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.resolver.NoteRepresentationSwitch(uniqueID, at)
}

// FreezeAction is what the caller (owner of the playback buffer/media
// source) must do in response to HandlePlaybackObservation.
type FreezeAction struct {
	freeze.Resolution
	AvoidRepresentations []*manifest.Representation
}

// HandlePlaybackObservation runs one playback sample through the
// freeze resolver and resolves any avoid_representations ids back to
// Representation objects the caller can mark unusable.
func (e *Engine) HandlePlaybackObservation(obs freeze.Observation, hasLowerSibling freeze.LowerQualitySibling) FreezeAction {
	e.mu.Lock()
	resolution := e.resolver.OnNewObservation(obs, hasLowerSibling)
	var reps []*manifest.Representation
	for _, id := range resolution.Representations {
		if r, ok := e.knownReps[id]; ok {
			reps = append(reps, r)
		}
	}
	e.mu.Unlock()

	if resolution.Kind == freeze.ResolutionAvoidRepresentations && len(reps) > 0 {
		e.mf.AddRepresentationsToAvoid(reps)
	}
	return FreezeAction{Resolution: resolution, AvoidRepresentations: reps}
}

// SignalManifestMightBeOutOfSync forwards an out-of-sync hint (raised
// when a segment fetch gets a 404 for a segment the index still lists
// as available, §8 S6) to the Fetcher's scheduler.
func (e *Engine) SignalManifestMightBeOutOfSync() {
	if e.fetcher != nil {
		e.fetcher.SignalOutOfSync()
	}
}

// RecordError persists a non-cancellation error to telemetry, if
// configured.
func (e *Engine) RecordError(component string, err error) {
	if e.store == nil || err == nil || engineerr.IsCancellation(err) {
		return
	}
	e.store.RecordError(component, errorCode(err), "", err.Error())
}

// errorCode extracts a short label from one of engineerr's typed
// variants, for telemetry rows. NetworkError carries no Code field of
// its own, so it gets a fixed label instead.
func errorCode(err error) string {
	var mediaErr *engineerr.MediaError
	if errors.As(err, &mediaErr) {
		return string(mediaErr.Code)
	}
	var emeErr *engineerr.EncryptedMediaError
	if errors.As(err, &emeErr) {
		return string(emeErr.Code)
	}
	var sbErr *engineerr.SourceBufferError
	if errors.As(err, &sbErr) {
		return string(sbErr.Code)
	}
	var otherErr *engineerr.OtherError
	if errors.As(err, &otherErr) {
		return string(otherErr.Code)
	}
	var netErr *engineerr.NetworkError
	if errors.As(err, &netErr) {
		return "NETWORK_ERROR"
	}
	return "UNKNOWN"
}
