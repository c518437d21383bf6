// Package sink implements the segment sink and inventory described in
// the engine design (§4.C): a FIFO-serialized proxy over one platform
// media buffer, plus the ordered record of which segments currently
// occupy which buffered ranges.
//
// Grounded on dash2hlsd/internal/cache.SegmentCache: that type backs a
// ticker-driven eviction worker over a mutex-guarded map. Here the
// same "one goroutine owns the mutable state" shape is generalized
// from a periodic sweep into a request queue that serializes every
// buffer mutation through a single worker goroutine, so that two
// concurrent push_segment calls on the same Sink can never race
// against the underlying platform buffer.
package sink

import (
	"context"
	"errors"
	"sort"
	"sync"

	"github.com/dashflow/streamengine/internal/engineerr"
	"github.com/dashflow/streamengine/internal/logger"
	"github.com/dashflow/streamengine/internal/manifest"
)

// DefaultSyncEpsilon is the tolerance, in seconds, by which a
// platform-reported buffered range may diverge from a recorded
// inventory entry's [time,end) before the entry is deemed lost
// (§9 Open Question, resolved here).
const DefaultSyncEpsilon = 0.05

// BufferedRange is a contiguous span of buffered media.
type BufferedRange struct {
	Start float64
	End   float64
}

// MediaBuffer is the platform media buffer contract consumed by a
// Sink (§6 EXTERNAL INTERFACES).
type MediaBuffer interface {
	Create(ctx context.Context, trackType manifest.TrackType, codec string) (Handle, error)
	Append(ctx context.Context, h Handle, data []byte, timeOffset *float64) ([]BufferedRange, error)
	Remove(ctx context.Context, h Handle, start, end float64) ([]BufferedRange, error)
	Abort(ctx context.Context, h Handle) error
	Dispose(ctx context.Context, h Handle) error
}

// Handle opaquely identifies a platform buffer instance.
type Handle interface{}

// PushData is the payload of a push_segment/push_init_segment
// request.
type PushData struct {
	Segment    manifest.Segment
	Data       []byte
	TimeOffset *float64
}

// InventoryEntry records one segment's occupancy of the buffer.
type InventoryEntry struct {
	Segment       manifest.Segment
	BufferedStart float64
	BufferedEnd   float64
	Complete      bool
}

type opKind int

const (
	opPushInit opKind = iota
	opPushMedia
	opSignalComplete
	opSynchronize
	opRemoveBuffer
)

type opRequest struct {
	kind   opKind
	ctx    context.Context
	push   PushData
	seg    manifest.Segment
	ranges []BufferedRange
	start  float64
	end    float64

	resultCh chan opResult
}

type opResult struct {
	ranges []BufferedRange
	err    error
}

// Sink serializes every mutating operation against one platform
// media buffer through a single FIFO worker goroutine (§4.C
// "Concurrency on one sink").
type Sink struct {
	log       logger.Logger
	buffer    MediaBuffer
	trackType manifest.TrackType
	handle    Handle

	requests chan opRequest
	done     chan struct{}

	mu        sync.Mutex
	inventory []InventoryEntry
	initRefs  map[string]int

	epsilon float64
}

// New constructs a Sink bound to a platform buffer handle for one
// track type, and starts its FIFO worker.
func New(log logger.Logger, buf MediaBuffer, trackType manifest.TrackType, handle Handle, epsilon float64) *Sink {
	if epsilon <= 0 {
		epsilon = DefaultSyncEpsilon
	}
	s := &Sink{
		log:       log.With("sink"),
		buffer:    buf,
		trackType: trackType,
		handle:    handle,
		requests:  make(chan opRequest, 64),
		done:      make(chan struct{}),
		initRefs:  make(map[string]int),
		epsilon:   epsilon,
	}
	go s.run()
	return s
}

// Close stops the FIFO worker. In-flight and queued operations
// resolve with a CancellationError.
func (s *Sink) Close() {
	close(s.done)
}

func (s *Sink) run() {
	for {
		select {
		case <-s.done:
			return
		case req := <-s.requests:
			select {
			case <-req.ctx.Done():
				req.resultCh <- opResult{err: engineerr.NewCancellation("sink operation cancelled before execution")}
				continue
			default:
			}
			ranges, err := s.execute(req)
			req.resultCh <- opResult{ranges: ranges, err: err}
		}
	}
}

func (s *Sink) submit(ctx context.Context, req opRequest) ([]BufferedRange, error) {
	req.ctx = ctx
	req.resultCh = make(chan opResult, 1)
	select {
	case s.requests <- req:
	case <-s.done:
		return nil, engineerr.NewCancellation("sink closed")
	case <-ctx.Done():
		return nil, engineerr.NewCancellation("sink operation cancelled before enqueue")
	}
	select {
	case res := <-req.resultCh:
		return res.ranges, res.err
	case <-s.done:
		return nil, engineerr.NewCancellation("sink closed")
	}
}

func (s *Sink) execute(req opRequest) ([]BufferedRange, error) {
	switch req.kind {
	case opPushInit:
		return s.doPushInit(req.ctx, req.push)
	case opPushMedia:
		return s.doPushMedia(req.ctx, req.push)
	case opSignalComplete:
		s.doSignalComplete(req.seg)
		return nil, nil
	case opSynchronize:
		s.doSynchronize(req.ranges)
		return nil, nil
	case opRemoveBuffer:
		return s.doRemoveBuffer(req.ctx, req.start, req.end)
	}
	return nil, nil
}

// DeclareInitSegment increments the reference count for an init
// segment, identified by the Representation's UniqueID.
func (s *Sink) DeclareInitSegment(uniqueID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.initRefs[uniqueID]++
}

// FreeInitSegment decrements the reference count for an init segment,
// returning true once it reaches zero (the caller may then evict the
// underlying bytes).
func (s *Sink) FreeInitSegment(uniqueID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.initRefs[uniqueID] <= 0 {
		return true
	}
	s.initRefs[uniqueID]--
	return s.initRefs[uniqueID] == 0
}

// PushInitSegment enqueues an init segment append.
func (s *Sink) PushInitSegment(ctx context.Context, data PushData) ([]BufferedRange, error) {
	return s.submit(ctx, opRequest{kind: opPushInit, push: data})
}

// PushSegment enqueues a media segment append.
func (s *Sink) PushSegment(ctx context.Context, data PushData) ([]BufferedRange, error) {
	return s.submit(ctx, opRequest{kind: opPushMedia, push: data})
}

// SignalSegmentComplete marks the inventory entry for seg complete.
func (s *Sink) SignalSegmentComplete(ctx context.Context, seg manifest.Segment) error {
	_, err := s.submit(ctx, opRequest{kind: opSignalComplete, seg: seg})
	return err
}

// SynchronizeInventory reconciles the inventory against the
// platform's reported buffered ranges.
func (s *Sink) SynchronizeInventory(ctx context.Context, real []BufferedRange) error {
	_, err := s.submit(ctx, opRequest{kind: opSynchronize, ranges: real})
	return err
}

// RemoveBuffer evicts [start,end) from the underlying buffer.
func (s *Sink) RemoveBuffer(ctx context.Context, start, end float64) ([]BufferedRange, error) {
	return s.submit(ctx, opRequest{kind: opRemoveBuffer, start: start, end: end})
}

func (s *Sink) doPushInit(ctx context.Context, data PushData) ([]BufferedRange, error) {
	ranges, err := s.buffer.Append(ctx, s.handle, data.Data, data.TimeOffset)
	if err != nil {
		return nil, wrapBufferError(err)
	}
	return ranges, nil
}

func (s *Sink) doPushMedia(ctx context.Context, data PushData) ([]BufferedRange, error) {
	ranges, err := s.buffer.Append(ctx, s.handle, data.Data, data.TimeOffset)
	if err != nil {
		return nil, wrapBufferError(err)
	}

	// The entry records the segment's own [time,end); synchronization
	// drops it once the platform's ranges no longer cover that span.
	bufferedStart, bufferedEnd := data.Segment.TimeSeconds(), data.Segment.EndSeconds()
	s.mu.Lock()
	s.inventory = insertSorted(s.inventory, InventoryEntry{
		Segment:       data.Segment,
		BufferedStart: bufferedStart,
		BufferedEnd:   bufferedEnd,
	})
	s.mu.Unlock()
	return ranges, nil
}

func (s *Sink) doSignalComplete(seg manifest.Segment) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i := range s.inventory {
		if s.inventory[i].Segment.ID == seg.ID {
			s.inventory[i].Complete = true
			return
		}
	}
}

func (s *Sink) doRemoveBuffer(ctx context.Context, start, end float64) ([]BufferedRange, error) {
	ranges, err := s.buffer.Remove(ctx, s.handle, start, end)
	if err != nil {
		return nil, wrapBufferError(err)
	}
	s.mu.Lock()
	kept := s.inventory[:0:0]
	for _, entry := range s.inventory {
		if entry.BufferedEnd <= start || entry.BufferedStart >= end {
			kept = append(kept, entry)
		}
	}
	s.inventory = kept
	s.mu.Unlock()
	return ranges, nil
}

// doSynchronize reconciles the recorded inventory against real,
// platform-reported buffered ranges (§3/§4.C invariants): any entry
// whose recorded span is not covered, within epsilon, by some real
// range is dropped as lost.
func (s *Sink) doSynchronize(real []BufferedRange) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var kept []InventoryEntry
	for _, entry := range s.inventory {
		if coveredWithinEpsilon(real, entry.BufferedStart, entry.BufferedEnd, s.epsilon) {
			kept = append(kept, entry)
		} else {
			s.log.Debugf("inventory entry %s no longer covered by buffered ranges, dropping", entry.Segment.ID)
		}
	}
	s.inventory = kept
}

// Inventory returns a snapshot of the current inventory, ordered by
// segment start.
func (s *Sink) Inventory() []InventoryEntry {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]InventoryEntry, len(s.inventory))
	copy(out, s.inventory)
	return out
}

func coveredWithinEpsilon(ranges []BufferedRange, start, end, epsilon float64) bool {
	for _, r := range ranges {
		if r.Start-epsilon <= start && end <= r.End+epsilon {
			return true
		}
	}
	return false
}

func rangeCovering(ranges []BufferedRange, t float64) (float64, float64) {
	for _, r := range ranges {
		if t >= r.Start && t <= r.End {
			return r.Start, r.End
		}
	}
	if len(ranges) > 0 {
		last := ranges[len(ranges)-1]
		return last.Start, last.End
	}
	return t, t
}

func insertSorted(inventory []InventoryEntry, entry InventoryEntry) []InventoryEntry {
	i := sort.Search(len(inventory), func(i int) bool {
		return inventory[i].Segment.TimeSeconds() >= entry.Segment.TimeSeconds()
	})
	if i < len(inventory) && inventory[i].Segment.ID == entry.Segment.ID {
		inventory[i] = entry
		return inventory
	}
	inventory = append(inventory, InventoryEntry{})
	copy(inventory[i+1:], inventory[i:])
	inventory[i] = entry
	return inventory
}

// QuotaExceededError is the error a MediaBuffer implementation
// returns (optionally wrapped) when an append fails because the
// underlying buffer is full. It is the one SourceBufferError
// condition the sink treats as recoverable via targeted eviction
// and retry (§7).
type QuotaExceededError struct{ Err error }

func (e *QuotaExceededError) Error() string { return "buffer quota exceeded: " + e.Err.Error() }
func (e *QuotaExceededError) Unwrap() error { return e.Err }

func wrapBufferError(err error) error {
	var qe *QuotaExceededError
	if errors.As(err, &qe) {
		return &engineerr.SourceBufferError{Code: engineerr.CodeQuotaExceeded, Err: err}
	}
	return &engineerr.SourceBufferError{Code: engineerr.CodeSourceBufferOther, Err: err}
}
