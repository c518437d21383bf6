// Package stream implements the per-Representation, per-Adaptation,
// and per-Period state machines described in the engine design
// (§4.E/F/G): what the original expresses as callbacks closing over
// mutually-referential mutable cells is encoded here as explicit
// tagged-union states with named transitions (§9 design note), one
// state machine type per granularity.
//
// Grounded on dash2hlsd/internal/session.StreamSession's
// downloadLoop/resultLoop split (a producer goroutine deciding what
// to fetch next, a consumer goroutine draining fetch results), here
// scoped down from "one session, every representation" to one
// Representation Stream per (Period, Adaptation, Representation)
// triple and generalized with an explicit status computation
// (checkStatus) instead of a fixed-interval ticker.
package stream

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/dashflow/streamengine/internal/cancellation"
	"github.com/dashflow/streamengine/internal/engineerr"
	"github.com/dashflow/streamengine/internal/logger"
	"github.com/dashflow/streamengine/internal/manifest"
	"github.com/dashflow/streamengine/internal/queue"
	"github.com/dashflow/streamengine/internal/sink"
)

// RepStateKind tags a RepresentationState's variant.
type RepStateKind int

const (
	RepActive RepStateKind = iota
	RepTerminating
	RepTerminated
	RepErrored
)

// RepresentationState is the tagged-union state of a Representation
// Stream (§4.E). Urgent and Err are only meaningful for their
// corresponding Kind.
type RepresentationState struct {
	Kind   RepStateKind
	Urgent bool
	Err    error
}

// BufferStatus is the outcome of one checkStatus pass (§4.E step 1).
type BufferStatus struct {
	NeededSegments        []manifest.Segment
	ImminentDiscontinuity bool
	HasFinishedLoading    bool
	IsBufferFull          bool
	ShouldRefreshManifest bool
}

// UPTOCurrentPositionCleanup is the amount, in seconds, kept behind the
// wanted position when the sink reports a full buffer: the cleanup
// requested covers everything before wantedPosition minus this value
// (§4.C GC policy).
const UPTOCurrentPositionCleanup = 30.0

// RepresentationStreamConfig carries the observable tuning inputs
// named in §4.E.
type RepresentationStreamConfig struct {
	BufferGoal          float64
	MaxBufferSize       float64
	FastSwitchThreshold float64 // wanted_position+epsilon, or +Inf to disable fast switching
}

// Callbacks are the upward-facing events a Representation Stream
// emits, annotated by the owning Adaptation Stream with its own
// context before forwarding further (§4.F "Surfaces each sub-stream's
// events upward").
type Callbacks struct {
	OnStatusUpdate             func(BufferStatus)
	OnAddedSegment             func(manifest.Segment)
	OnTerminating              func()
	OnEncryptionDataEncountered func(protectionData manifest.ContentProtection)
	OnInbandEvents             func([]manifest.StreamEvent)
	OnError                    func(error)
	OnRequestManifestRefresh   func()
	OnRequestCleanup           func(start, end float64)
	// OnManifestMightBeOutOfSync fires instead of OnError when a fetch
	// fails with a status the Representation's SegmentIndex recognizes
	// as a stale-manifest symptom (§4.D CanBeOutOfSyncError), so the
	// caller can trigger a manifest refresh rather than killing the
	// Representation outright.
	OnManifestMightBeOutOfSync func()
}

// RepresentationStream runs the fetch/parse/push loop for one
// Representation against one Sink (§4.E).
type RepresentationStream struct {
	log       logger.Logger
	rep       *manifest.Representation
	period    *manifest.Period
	snk       *sink.Sink
	sq        *queue.SegmentQueue
	canceller *cancellation.Canceller
	loader    ChunkLoader
	cb        Callbacks

	mu          sync.Mutex
	state       RepresentationState
	cfg         RepresentationStreamConfig
	initLoaded  bool
	outstanding int // in-flight requestInit/requestOne goroutines, checked on non-urgent terminate drain
}

// ChunkLoader resolves a queued fetch result into parsed chunks,
// abstracting the transport pipeline's parse_segment callback (§6).
type ChunkLoader interface {
	ParseInit(data []byte) (protectionData []manifest.ContentProtection, err error)
	ParseMedia(data []byte) (predictedSegments []manifest.Segment, inbandEvents []manifest.StreamEvent, err error)
}

// NewRepresentationStream constructs a Representation Stream in the Active state.
// canceller should be derived from the owning Adaptation Stream's
// token so a terminate() call tears down this stream's queue too.
func NewRepresentationStream(log logger.Logger, rep *manifest.Representation, period *manifest.Period, snk *sink.Sink, sq *queue.SegmentQueue, loader ChunkLoader, canceller *cancellation.Canceller, cfg RepresentationStreamConfig, cb Callbacks) *RepresentationStream {
	if len(rep.KeyIDs()) > 0 && cb.OnEncryptionDataEncountered != nil {
		for _, cp := range rep.ContentProtections {
			cb.OnEncryptionDataEncountered(cp)
		}
	}
	return &RepresentationStream{
		log:       log.With("representation-stream"),
		rep:       rep,
		period:    period,
		snk:       snk,
		sq:        sq,
		canceller: canceller,
		loader:    loader,
		cb:        cb,
		state:     RepresentationState{Kind: RepActive},
		cfg:       cfg,
	}
}

// State returns a snapshot of the stream's current tagged state.
func (rs *RepresentationStream) State() RepresentationState {
	rs.mu.Lock()
	defer rs.mu.Unlock()
	return rs.state
}

// Terminate transitions the stream toward Terminated (§4.E state
// machine). An urgent terminate clears the queue and cancels
// immediately; a non-urgent terminate lets the in-flight request
// drain first.
func (rs *RepresentationStream) Terminate(urgent bool) {
	rs.mu.Lock()
	if rs.state.Kind == RepTerminated || rs.state.Kind == RepErrored {
		rs.mu.Unlock()
		return
	}
	rs.state = RepresentationState{Kind: RepTerminating, Urgent: urgent}
	rs.mu.Unlock()

	if rs.cb.OnTerminating != nil {
		rs.cb.OnTerminating()
	}
	if urgent {
		rs.canceller.Cancel()
		rs.mu.Lock()
		rs.state = RepresentationState{Kind: RepTerminated}
		rs.mu.Unlock()
	}
	// Non-urgent: the stream moves to Terminated through MarkDrained
	// once nothing is outstanding, called from finishRequest or from
	// the next CheckStatus.
}

// MarkDrained transitions a non-urgent terminating stream to
// Terminated once its queue has drained naturally.
func (rs *RepresentationStream) MarkDrained() {
	rs.mu.Lock()
	defer rs.mu.Unlock()
	if rs.state.Kind == RepTerminating && !rs.state.Urgent {
		rs.state = RepresentationState{Kind: RepTerminated}
	}
}

// finishRequest marks one requestInit/requestOne goroutine as no
// longer outstanding, draining a non-urgent terminating stream the
// moment nothing is left in flight (§4.E "finish when queue drains")
// rather than waiting for the next CheckStatus tick to notice.
func (rs *RepresentationStream) finishRequest() {
	rs.mu.Lock()
	rs.outstanding--
	state := rs.state
	outstanding := rs.outstanding
	rs.mu.Unlock()
	if state.Kind == RepTerminating && !state.Urgent && outstanding == 0 {
		rs.MarkDrained()
	}
}

func (rs *RepresentationStream) fail(err error) {
	if engineerr.IsCancellation(err) {
		return // a cancellation caused by our own teardown is not an error
	}
	rs.mu.Lock()
	rs.state = RepresentationState{Kind: RepErrored, Err: err}
	rs.mu.Unlock()
	rs.canceller.Cancel()
	if rs.cb.OnError != nil {
		rs.cb.OnError(err)
	}
}

// CheckStatus computes buffer status against wantedPosition and acts
// on it (§4.E checkStatus): it enqueues fetches for missing segments,
// requests cleanup when the buffer is full, and requests a manifest
// refresh when the index says the queue wants a not-yet-known
// segment.
func (rs *RepresentationStream) CheckStatus(ctx context.Context, wantedPosition float64) BufferStatus {
	rs.mu.Lock()
	state := rs.state
	initLoaded := rs.initLoaded
	bufferGoal := rs.cfg.BufferGoal
	rs.mu.Unlock()

	if state.Kind == RepTerminated || state.Kind == RepErrored {
		return BufferStatus{}
	}

	status := rs.computeBufferStatus(wantedPosition, bufferGoal)

	if state.Kind == RepTerminating && state.Urgent {
		if rs.cb.OnStatusUpdate != nil {
			rs.cb.OnStatusUpdate(status)
		}
		return status
	}

	terminatingNonUrgent := state.Kind == RepTerminating && !state.Urgent

	// A non-urgent terminate stops requesting new work entirely (§4.E
	// "keep only mostNeeded if it matches the current in-flight; finish
	// when queue drains"); whatever is already in flight is left to
	// finish on its own via finishRequest.
	if !terminatingNonUrgent {
		// §4.E step 3: TemplateIndex/ListIndex are always queryable
		// without parsing the init segment (§4.B), so init and the
		// needed media segments are requested together rather than
		// serialized, per §4.D's concurrency guarantee.
		if !initLoaded {
			if initSeg, ok := rs.rep.Index.InitSegment(); ok {
				priority := -1.0
				if len(status.NeededSegments) > 0 {
					priority = segmentPriority(status.NeededSegments[0], 0)
				}
				rs.requestInit(ctx, initSeg, priority)
			}
		}
		if len(status.NeededSegments) > 0 {
			rs.requestSegments(ctx, status.NeededSegments)
		}
	}

	if status.IsBufferFull && rs.cb.OnRequestCleanup != nil {
		rs.cb.OnRequestCleanup(0, wantedPosition-UPTOCurrentPositionCleanup)
	}
	if status.ShouldRefreshManifest && rs.cb.OnRequestManifestRefresh != nil {
		rs.cb.OnRequestManifestRefresh()
	}
	if rs.cb.OnStatusUpdate != nil {
		rs.cb.OnStatusUpdate(status)
	}

	if terminatingNonUrgent {
		rs.mu.Lock()
		outstanding := rs.outstanding
		rs.mu.Unlock()
		if outstanding == 0 {
			rs.MarkDrained()
		}
	}

	return status
}

func (rs *RepresentationStream) computeBufferStatus(wantedPosition, bufferGoal float64) BufferStatus {
	inventory := rs.snk.Inventory()
	wantedEnd := wantedPosition + bufferGoal

	covered := make(map[string]bool, len(inventory))
	for _, entry := range inventory {
		covered[entry.Segment.ID] = true
	}

	needed := rs.rep.Index.SegmentsForRange(wantedPosition, wantedEnd)
	var missing []manifest.Segment
	for _, seg := range needed {
		if !covered[seg.ID] {
			missing = append(missing, seg)
		}
	}

	_, discontinuity := rs.rep.Index.CheckDiscontinuity(wantedPosition)

	isBufferFull := false
	if len(inventory) > 0 {
		last := inventory[len(inventory)-1]
		if last.BufferedEnd-wantedPosition >= rs.cfg.MaxBufferSize && rs.cfg.MaxBufferSize > 0 {
			isBufferFull = true
		}
	}

	return BufferStatus{
		NeededSegments:        missing,
		ImminentDiscontinuity: discontinuity,
		HasFinishedLoading:    len(missing) == 0 && rs.rep.Index.IsFinished(),
		IsBufferFull:          isBufferFull,
		ShouldRefreshManifest: rs.rep.Index.ShouldRefresh(wantedPosition, wantedEnd),
	}
}

// segmentPriority mirrors §4.E's fetch ordering: timed segments sort
// by their presentation time, untimed ones (or a tie-break stand-in
// for the init request) fall back to their position in the list.
func segmentPriority(seg manifest.Segment, index int) float64 {
	if seg.Timescale > 0 {
		return seg.TimeSeconds()
	}
	return float64(index)
}

func (rs *RepresentationStream) requestInit(ctx context.Context, initSeg manifest.Segment, priority float64) {
	rs.mu.Lock()
	rs.outstanding++
	rs.mu.Unlock()
	go func() {
		defer rs.finishRequest()
		res := rs.sq.Enqueue(ctx, &queue.Request{Segment: initSeg, IsInit: true, Priority: priority}, rs.rep.CDNMetadata)
		if res.Err != nil {
			rs.handleFetchError(initSeg, res.Err)
			return
		}
		protectionData, err := rs.loader.ParseInit(res.Data)
		if err != nil {
			rs.fail(&engineerr.MediaError{Code: engineerr.CodeManifestParse, Err: err})
			return
		}
		if _, err := rs.snk.PushInitSegment(ctx, sink.PushData{Segment: initSeg}); err != nil {
			rs.handleBufferError(err)
			return
		}
		rs.mu.Lock()
		rs.initLoaded = true
		rs.mu.Unlock()

		if len(protectionData) > 0 && rs.cb.OnEncryptionDataEncountered != nil {
			for _, pd := range protectionData {
				rs.cb.OnEncryptionDataEncountered(pd)
			}
		}
	}()
}

func (rs *RepresentationStream) requestSegments(ctx context.Context, segs []manifest.Segment) {
	for i, seg := range segs {
		priority := segmentPriority(seg, i)
		rs.mu.Lock()
		rs.outstanding++
		rs.mu.Unlock()
		go rs.requestOne(ctx, seg, priority)
	}
}

func (rs *RepresentationStream) requestOne(ctx context.Context, seg manifest.Segment, priority float64) {
	defer rs.finishRequest()
	res := rs.sq.Enqueue(ctx, &queue.Request{Segment: seg, Priority: priority}, rs.rep.CDNMetadata)
	if res.Err != nil {
		rs.handleFetchError(seg, res.Err)
		return
	}
	predicted, inband, err := rs.loader.ParseMedia(res.Data)
	if err != nil {
		rs.fail(&engineerr.MediaError{Code: engineerr.CodeManifestParse, Err: err})
		return
	}
	if _, err := rs.snk.PushSegment(ctx, sink.PushData{Segment: seg}); err != nil {
		rs.handleBufferError(err)
		return
	}
	if err := rs.snk.SignalSegmentComplete(ctx, seg); err != nil {
		rs.handleBufferError(err)
		return
	}
	if len(predicted) > 0 {
		rs.rep.Index.AddPredictedSegments(predicted)
	}
	if len(inband) > 0 && rs.cb.OnInbandEvents != nil {
		rs.cb.OnInbandEvents(inband)
	}
	if rs.cb.OnAddedSegment != nil {
		rs.cb.OnAddedSegment(seg)
	}
}

// handleFetchError classifies a failed segment fetch: a NetworkError
// whose status the SegmentIndex flags as a stale-manifest symptom
// surfaces as OnManifestMightBeOutOfSync instead of failing the
// Representation outright (§4.D).
func (rs *RepresentationStream) handleFetchError(seg manifest.Segment, err error) {
	var netErr *engineerr.NetworkError
	if errors.As(err, &netErr) && rs.rep.Index.CanBeOutOfSyncError(seg, netErr.StatusCode) {
		if rs.cb.OnManifestMightBeOutOfSync != nil {
			rs.cb.OnManifestMightBeOutOfSync()
			return
		}
	}
	rs.fail(err)
}

func (rs *RepresentationStream) handleBufferError(err error) {
	if !engineerr.IsFatalToRepresentation(err) {
		rs.log.Warnf("recoverable buffer error on representation %s: %v", rs.rep.ID, err)
		return
	}
	rs.fail(err)
}

// waitBriefly gives an enqueued request a moment to settle before the
// caller re-checks status; used by the package's tests when polling
// without a dedicated notification channel.
func waitBriefly() { time.Sleep(time.Millisecond) }
