package queue

import (
	"container/heap"
	"context"
	"errors"
	"sync"
	"time"

	"github.com/dashflow/streamengine/internal/cancellation"
	"github.com/dashflow/streamengine/internal/engineerr"
	"github.com/dashflow/streamengine/internal/logger"
	"github.com/dashflow/streamengine/internal/manifest"
)

// RetryConfig bounds request retries per §4.D ("Timeouts. Per-request
// connection timeout and total-request timeout; both configurable;
// -1 disables.") and separates the regular retry budget from a
// smaller one applied once the queue has observed the client go
// offline, so a flaky network doesn't retry as aggressively as a
// momentary blip.
type RetryConfig struct {
	MaxRegularRetries int
	MaxOfflineRetries int
	RetryBaseDelay    time.Duration
	// RequestTimeout bounds one whole request including retries; -1
	// disables it.
	RequestTimeout time.Duration
	// PipelineDepth bounds concurrent media requests in flight for this
	// queue; §8 invariant 4 requires this never exceed 1.
	PipelineDepth int
}

// DefaultRetryConfig matches the values implied by scenario S6 and the
// teacher's Downloader defaults, adapted to the offline/regular split.
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		MaxRegularRetries: 3,
		MaxOfflineRetries: 1,
		RetryBaseDelay:    200 * time.Millisecond,
		RequestTimeout:    10 * time.Second,
		PipelineDepth:     1,
	}
}

// Request is one pending or in-flight segment fetch.
type Request struct {
	Segment  manifest.Segment
	IsInit   bool
	Priority float64 // lower sorts first (typically the segment's playback time)

	index int // heap bookkeeping
}

type priorityHeap []*Request

func (h priorityHeap) Len() int            { return len(h) }
func (h priorityHeap) Less(i, j int) bool  { return h[i].Priority < h[j].Priority }
func (h priorityHeap) Swap(i, j int)       { h[i], h[j] = h[j], h[i]; h[i].index, h[j].index = i, j }
func (h *priorityHeap) Push(x interface{}) {
	r := x.(*Request)
	r.index = len(*h)
	*h = append(*h, r)
}
func (h *priorityHeap) Pop() interface{} {
	old := *h
	n := len(old)
	r := old[n-1]
	old[n-1] = nil
	r.index = -1
	*h = old[:n-1]
	return r
}

// Result is delivered to a request's caller once a fetch settles.
type Result struct {
	Segment manifest.Segment
	Data    []byte
	IsInit  bool
	Err     error
}

// SegmentQueue is the per-Representation request queue described in
// §4.D. It owns at most one in-flight media fetch and one in-flight
// init fetch at a time (backpressure via PipelineDepth, enforcing §8
// invariant 4 for the media lane), retries through a transport
// SegmentLoader with a CDN Prioritizer choosing the origin, and tears
// down cleanly when its Canceller fires.
type SegmentQueue struct {
	log     logger.Logger
	loader  SegmentLoader
	prio    *Prioritizer
	cfg     RetryConfig
	canceller *cancellation.Canceller

	mu           sync.Mutex
	mediaPending priorityHeap
	initPending  priorityHeap
	mediaInFlight int
	initInFlight  int
	offline       bool

	cond *sync.Cond
}

// New constructs a SegmentQueue. canceller is typically derived from
// the owning Representation Stream's token (queue.New(..., streamToken.Derive())
// at the call site) so an urgent cancellation of the stream tears the
// queue down too.
func New(log logger.Logger, loader SegmentLoader, prio *Prioritizer, cfg RetryConfig, canceller *cancellation.Canceller) *SegmentQueue {
	if cfg.PipelineDepth <= 0 {
		cfg.PipelineDepth = 1
	}
	q := &SegmentQueue{
		log:       log.With("queue"),
		loader:    loader,
		prio:      prio,
		cfg:       cfg,
		canceller: canceller,
	}
	q.cond = sync.NewCond(&q.mu)
	canceller.Register(func() {
		q.mu.Lock()
		q.mediaPending = nil
		q.initPending = nil
		q.mu.Unlock()
		q.cond.Broadcast()
	})
	return q
}

// SetOffline toggles the network-offline state used to pick the
// retry budget for subsequent fetches.
func (q *SegmentQueue) SetOffline(offline bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.offline = offline
}

// Enqueue schedules a fetch and blocks until a pipeline slot is free,
// the fetch completes, or the queue's Canceller fires.
func (q *SegmentQueue) Enqueue(ctx context.Context, req *Request, cdns []manifest.CDNMetadata) Result {
	lane := &q.mediaPending
	inFlight := &q.mediaInFlight
	if req.IsInit {
		lane = &q.initPending
		inFlight = &q.initInFlight
	}

	q.mu.Lock()
	heap.Push(lane, req)
	for {
		if q.canceller.IsCancelled() {
			q.mu.Unlock()
			return Result{Segment: req.Segment, IsInit: req.IsInit, Err: engineerr.NewCancellation("segment queue torn down")}
		}
		if *inFlight < q.cfg.PipelineDepth && lane.Len() > 0 && (*lane)[0] == req {
			heap.Pop(lane)
			*inFlight++
			break
		}
		q.cond.Wait()
	}
	q.mu.Unlock()

	result := q.fetch(ctx, req, cdns)

	q.mu.Lock()
	*inFlight--
	q.mu.Unlock()
	q.cond.Broadcast()

	return result
}

func (q *SegmentQueue) fetch(ctx context.Context, req *Request, cdns []manifest.CDNMetadata) Result {
	q.mu.Lock()
	offline := q.offline
	q.mu.Unlock()

	maxRetries := q.cfg.MaxRegularRetries
	if offline {
		maxRetries = q.cfg.MaxOfflineRetries
	}

	ranked := q.prio.Rank(cdns)
	if len(ranked) == 0 {
		ranked = []manifest.CDNMetadata{{}}
	}

	var lastErr error
	for attempt := 0; attempt <= maxRetries; attempt++ {
		if q.canceller.IsCancelled() {
			return Result{Segment: req.Segment, IsInit: req.IsInit, Err: engineerr.NewCancellation("segment queue torn down")}
		}
		cdn := ranked[attempt%len(ranked)]

		fetchCtx := ctx
		var cancel context.CancelFunc
		if q.cfg.RequestTimeout > 0 {
			fetchCtx, cancel = context.WithTimeout(ctx, q.cfg.RequestTimeout)
		}

		start := time.Now()
		var buf []byte
		err := q.loader.LoadSegment(fetchCtx, req.Segment, cdn, func(chunk SegmentChunk) error {
			buf = append(buf, chunk.Data...)
			return nil
		})
		if cancel != nil {
			cancel()
		}

		if err == nil {
			q.prio.ReportSuccess(cdn.ID, float64(time.Since(start).Milliseconds()))
			return Result{Segment: req.Segment, IsInit: req.IsInit, Data: buf}
		}

		q.prio.ReportFailure(cdn.ID)
		lastErr = err
		if errors.Is(ctx.Err(), context.Canceled) || q.canceller.IsCancelled() {
			return Result{Segment: req.Segment, IsInit: req.IsInit, Err: engineerr.NewCancellation("segment fetch cancelled")}
		}
		if attempt < maxRetries {
			q.log.Warnf("segment %s fetch attempt %d/%d failed: %v", req.Segment.ID, attempt+1, maxRetries+1, err)
			time.Sleep(q.cfg.RetryBaseDelay * time.Duration(attempt+1))
		}
	}

	var netErr *engineerr.NetworkError
	if errors.As(lastErr, &netErr) {
		return Result{Segment: req.Segment, IsInit: req.IsInit, Err: netErr}
	}
	return Result{Segment: req.Segment, IsInit: req.IsInit, Err: &engineerr.NetworkError{Err: lastErr}}
}

// PendingCount returns the number of requests still waiting for a
// pipeline slot in the given lane.
func (q *SegmentQueue) PendingCount(isInit bool) int {
	q.mu.Lock()
	defer q.mu.Unlock()
	if isInit {
		return q.initPending.Len()
	}
	return q.mediaPending.Len()
}
