// Package orchestrator implements the Stream Orchestrator (§4.H): the
// top-level loop that decides which Periods have an active Period
// Stream, reacts to codec switches and manifest updates, and forwards
// every sub-component event upward with enough context for a host to
// react (reload the MediaSource, switch tracks, flush buffers).
//
// Grounded on dash2hlsd/internal/session.SessionManager's map of
// active StreamSessions, generalized from "one session per channel"
// to "one Period Stream per live Period, keyed by Period id."
package orchestrator

import (
	"context"
	"sort"
	"sync"

	"github.com/dashflow/streamengine/internal/cancellation"
	"github.com/dashflow/streamengine/internal/logger"
	"github.com/dashflow/streamengine/internal/manifest"
	"github.com/dashflow/streamengine/internal/stream"
)

// CodecSwitchPolicy selects how the orchestrator reacts when a
// Representation change also changes codec (§4.H.4).
type CodecSwitchPolicy int

const (
	CodecSwitchContinue CodecSwitchPolicy = iota
	CodecSwitchReload
)

// ReloadRequest is the payload of a needs_media_source_reload event.
type ReloadRequest struct {
	TimeOffset      float64
	MinimumPosition float64
	MaximumPosition float64
}

// Events are the callbacks the Stream Orchestrator forwards upward,
// named after §4.H.5's event list.
type Events struct {
	OnNeedsBufferFlush          func(trackType manifest.TrackType, start, end float64)
	OnRepresentationChange      func(trackType manifest.TrackType, rep *manifest.Representation)
	OnBitrateEstimateChange     func(trackType manifest.TrackType, bitrate int)
	OnNeedsManifestRefresh      func()
	OnManifestMightBeOutOfSync  func()
	OnNeedsDecipherabilityFlush func()
	OnNeedsMediaSourceReload    func(req ReloadRequest)
	OnLockedStream              func(trackType manifest.TrackType)
	OnWarning                   func(err error)
	OnError                     func(err error)
}

// TrackSelector picks which Adaptation to use per track type for a
// newly-started Period. Track/language selection is an external,
// UI-driven concern (§4.H); the orchestrator only decides *when* a
// Period Stream starts, never *which* Adaptation it uses.
type TrackSelector func(period *manifest.Period) map[manifest.TrackType]*manifest.Adaptation

// PeriodStreamFactory builds a PeriodStream for one Period.
type PeriodStreamFactory func(period *manifest.Period, canceller *cancellation.Canceller, chosen map[manifest.TrackType]*manifest.Adaptation, cb stream.PeriodCallbacks) *stream.PeriodStream

// Config holds the orchestrator's tunables.
type Config struct {
	// WantedBufferAhead is how far past the live edge (in seconds of
	// cumulative Period duration) the orchestrator keeps starting
	// upcoming Period Streams (§4.H.1).
	WantedBufferAhead float64
	OnCodecSwitch     CodecSwitchPolicy
}

func DefaultConfig() Config {
	return Config{WantedBufferAhead: 30, OnCodecSwitch: CodecSwitchContinue}
}

type periodEntry struct {
	ps     *stream.PeriodStream
	period *manifest.Period
	// lastCodec records, per track type, the codec of the most
	// recently forwarded Representation for this Period so a codec
	// switch can be detected on the next change (§4.H.4).
	lastCodec map[manifest.TrackType]string
}

// Orchestrator owns the Period lineup and forwards every
// sub-component's events upward.
type Orchestrator struct {
	log       logger.Logger
	mf        *manifest.Manifest
	canceller *cancellation.Canceller
	selector  TrackSelector
	factory   PeriodStreamFactory
	cfg       Config
	events    Events

	mu                sync.Mutex
	periods           map[string]*periodEntry
	current           string
	lastWantedPosition float64
}

// New wires an Orchestrator to mf and subscribes to manifest updates
// so the Period lineup is re-evaluated whenever the manifest changes
// (§4.H.6).
func New(log logger.Logger, mf *manifest.Manifest, canceller *cancellation.Canceller, selector TrackSelector, factory PeriodStreamFactory, cfg Config, events Events) *Orchestrator {
	o := &Orchestrator{
		log:       log.With("orchestrator"),
		mf:        mf,
		canceller: canceller,
		selector:  selector,
		factory:   factory,
		cfg:       cfg,
		events:    events,
		periods:   make(map[string]*periodEntry),
	}
	mf.OnManifestUpdate(func(manifest.ManifestUpdateEvent) {
		o.mu.Lock()
		defer o.mu.Unlock()
		o.reconcileLineup(o.lastWantedPosition)
	})
	return o
}

// CheckStatus drives every live Period Stream and re-evaluates the
// Period lineup against wantedPosition (§4.H.1/2).
func (o *Orchestrator) CheckStatus(ctx context.Context, wantedPosition float64) error {
	o.mu.Lock()
	o.lastWantedPosition = wantedPosition
	o.reconcileLineup(wantedPosition)
	entries := make([]*periodEntry, 0, len(o.periods))
	for _, e := range o.periods {
		entries = append(entries, e)
	}
	o.mu.Unlock()

	for _, e := range entries {
		if err := e.ps.CheckStatus(ctx, wantedPosition); err != nil && o.events.OnError != nil {
			o.events.OnError(err)
		}
		for _, t := range e.ps.LockedTracks() {
			if o.events.OnLockedStream != nil {
				o.events.OnLockedStream(t)
			}
		}
	}
	return nil
}

// reconcileLineup must be called with o.mu held. It starts Period
// Streams for the current Period and as many consecutive upcoming
// ones as WantedBufferAhead calls for, and disposes Period Streams
// whose Period has been pruned from the manifest or fallen behind.
func (o *Orchestrator) reconcileLineup(wantedPosition float64) {
	periods := o.mf.Periods()
	sort.Slice(periods, func(i, j int) bool { return periods[i].Start < periods[j].Start })

	live := make(map[string]bool, len(periods))
	for _, p := range periods {
		live[p.ID] = true
	}
	for id, e := range o.periods {
		if !live[id] {
			e.ps.Dispose()
			delete(o.periods, id)
		}
	}

	current := o.mf.PeriodForTime(wantedPosition)
	if current == nil {
		return
	}
	o.current = current.ID
	o.ensureStarted(current)

	startIdx := -1
	for i, p := range periods {
		if p.ID == current.ID {
			startIdx = i
			break
		}
	}
	if startIdx < 0 {
		return
	}

	var cumulative float64
	for i := startIdx; i < len(periods); i++ {
		p := periods[i]
		o.ensureStarted(p)
		if p.Duration != nil {
			cumulative += *p.Duration
		}
		if cumulative >= o.cfg.WantedBufferAhead {
			break
		}
	}

	// Keep only the immediate predecessor alive (tail/head buffering
	// overlap, §4.H.2); anything further behind is disposed.
	for i := 0; i < startIdx-1; i++ {
		p := periods[i]
		if e, ok := o.periods[p.ID]; ok {
			e.ps.Dispose()
			delete(o.periods, p.ID)
		}
	}
}

// ensureStarted must be called with o.mu held.
func (o *Orchestrator) ensureStarted(p *manifest.Period) {
	if _, ok := o.periods[p.ID]; ok {
		return
	}
	chosen := o.selector(p)
	child := o.canceller.Derive()
	entry := &periodEntry{period: p, lastCodec: make(map[manifest.TrackType]string)}
	entry.ps = o.factory(p, child, chosen, o.periodCallbacks(entry))
	o.periods[p.ID] = entry
}

func (o *Orchestrator) periodCallbacks(entry *periodEntry) stream.PeriodCallbacks {
	return stream.PeriodCallbacks{
		OnRepresentationChange: func(t manifest.TrackType, rep *manifest.Representation) {
			o.handleRepresentationChange(entry, t, rep)
		},
		OnAddedSegment: func(t manifest.TrackType, rep *manifest.Representation, seg manifest.Segment) {
			if o.events.OnBitrateEstimateChange != nil {
				o.events.OnBitrateEstimateChange(t, rep.Bitrate)
			}
		},
		OnLocked: func(t manifest.TrackType) {
			if o.events.OnLockedStream != nil {
				o.events.OnLockedStream(t)
			}
		},
		OnError: func(t manifest.TrackType, rep *manifest.Representation, err error) {
			if o.events.OnError != nil {
				o.events.OnError(err)
			}
		},
		OnRequestManifestRefresh: func() {
			if o.events.OnNeedsManifestRefresh != nil {
				o.events.OnNeedsManifestRefresh()
			}
		},
		OnRequestCleanup: func(t manifest.TrackType, start, end float64) {
			if o.events.OnNeedsBufferFlush != nil {
				o.events.OnNeedsBufferFlush(t, start, end)
			}
		},
		OnManifestMightBeOutOfSync: func() {
			if o.events.OnManifestMightBeOutOfSync != nil {
				o.events.OnManifestMightBeOutOfSync()
			}
		},
	}
}

// handleRepresentationChange forwards representation_change and, on
// a codec change, applies the configured continue/reload policy
// (§4.H.4).
func (o *Orchestrator) handleRepresentationChange(entry *periodEntry, t manifest.TrackType, rep *manifest.Representation) {
	o.mu.Lock()
	prevCodec, had := entry.lastCodec[t]
	entry.lastCodec[t] = rep.EffectiveCodec
	wantedPosition := o.lastWantedPosition
	o.mu.Unlock()

	if o.events.OnRepresentationChange != nil {
		o.events.OnRepresentationChange(t, rep)
	}

	codecChanged := had && prevCodec != "" && rep.EffectiveCodec != "" && prevCodec != rep.EffectiveCodec
	if !codecChanged || o.cfg.OnCodecSwitch != CodecSwitchReload {
		return
	}
	if o.events.OnNeedsMediaSourceReload == nil {
		return
	}
	o.events.OnNeedsMediaSourceReload(ReloadRequest{
		TimeOffset:      wantedPosition,
		MinimumPosition: o.mf.TimeBounds.MinimumPosition(),
		MaximumPosition: o.mf.TimeBounds.MaximumPosition(wantedPosition),
	})
}

// CurrentPeriodID returns the id of the Period currently considered
// active, or "" if none has been determined yet.
func (o *Orchestrator) CurrentPeriodID() string {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.current
}

// Track returns the Adaptation Stream for a track type within a
// started Period, or nil if that Period hasn't started or the track
// wasn't chosen.
func (o *Orchestrator) Track(periodID string, t manifest.TrackType) *stream.AdaptationStream {
	o.mu.Lock()
	defer o.mu.Unlock()
	e, ok := o.periods[periodID]
	if !ok {
		return nil
	}
	return e.ps.Track(t)
}

// Dispose tears down every started Period Stream.
func (o *Orchestrator) Dispose() {
	o.mu.Lock()
	periods := o.periods
	o.periods = make(map[string]*periodEntry)
	o.mu.Unlock()

	for _, e := range periods {
		e.ps.Dispose()
	}
	o.canceller.Cancel()
}
