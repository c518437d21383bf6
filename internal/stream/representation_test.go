package stream

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/dashflow/streamengine/internal/cancellation"
	"github.com/dashflow/streamengine/internal/engineerr"
	"github.com/dashflow/streamengine/internal/logger"
	"github.com/dashflow/streamengine/internal/manifest"
	"github.com/dashflow/streamengine/internal/queue"
	"github.com/dashflow/streamengine/internal/sink"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeMediaBuffer struct {
	mu     sync.Mutex
	ranges []sink.BufferedRange
}

func (f *fakeMediaBuffer) Create(ctx context.Context, t manifest.TrackType, codec string) (sink.Handle, error) {
	return "h", nil
}
func (f *fakeMediaBuffer) Append(ctx context.Context, h sink.Handle, data []byte, timeOffset *float64) ([]sink.BufferedRange, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.ranges = append(f.ranges, sink.BufferedRange{Start: 0, End: 100})
	return append([]sink.BufferedRange(nil), f.ranges...), nil
}
func (f *fakeMediaBuffer) Remove(ctx context.Context, h sink.Handle, start, end float64) ([]sink.BufferedRange, error) {
	return nil, nil
}
func (f *fakeMediaBuffer) Abort(ctx context.Context, h sink.Handle) error  { return nil }
func (f *fakeMediaBuffer) Dispose(ctx context.Context, h sink.Handle) error { return nil }

type fakeSegmentLoader struct{}

func (fakeSegmentLoader) LoadSegment(ctx context.Context, seg manifest.Segment, cdn manifest.CDNMetadata, onChunk func(queue.SegmentChunk) error) error {
	return onChunk(queue.SegmentChunk{Data: []byte("x"), IsLast: true})
}

type fakeChunkLoader struct{}

func (fakeChunkLoader) ParseInit(data []byte) ([]manifest.ContentProtection, error) { return nil, nil }
func (fakeChunkLoader) ParseMedia(data []byte) ([]manifest.Segment, []manifest.StreamEvent, error) {
	return nil, nil, nil
}

func buildTestStream(t *testing.T) (*RepresentationStream, *sink.Sink) {
	t.Helper()
	idx := manifest.NewTemplateIndex(1000, "$Time$.m4s", "init.mp4", []manifest.TimelineEntry{
		{Start: 0, Duration: 2000, Repeat: 4},
	}, false)
	rep := manifest.NewRepresentation("r0", 500_000, []string{"avc1.64"})
	rep.Index = idx
	period := manifest.NewPeriod("p0", 0, nil)

	snk := sink.New(logger.Noop(), &fakeMediaBuffer{}, manifest.TrackVideo, "h", 0)
	sq := queue.New(logger.Noop(), fakeSegmentLoader{}, queue.NewPrioritizer(0.3), queue.DefaultRetryConfig(), cancellation.New())

	rs := NewRepresentationStream(logger.Noop(), rep, period, snk, sq, fakeChunkLoader{}, cancellation.New(),
		RepresentationStreamConfig{BufferGoal: 4, MaxBufferSize: 10}, Callbacks{})
	return rs, snk
}

// slowInitLoader delays only the init segment's fetch, so a test can
// tell whether media segments are requested in parallel with it
// (§4.D/§4.E step 3) rather than waiting for it to finish first.
type slowInitLoader struct {
	initDelay time.Duration
}

func (l slowInitLoader) LoadSegment(ctx context.Context, seg manifest.Segment, cdn manifest.CDNMetadata, onChunk func(queue.SegmentChunk) error) error {
	if seg.IsInit {
		time.Sleep(l.initDelay)
	}
	return onChunk(queue.SegmentChunk{Data: []byte("x"), IsLast: true})
}

func TestCheckStatusRequestsMediaAlongsideInit(t *testing.T) {
	idx := manifest.NewTemplateIndex(1000, "$Time$.m4s", "init.mp4", []manifest.TimelineEntry{
		{Start: 0, Duration: 2000, Repeat: 4},
	}, false)
	rep := manifest.NewRepresentation("r0", 500_000, []string{"avc1.64"})
	rep.Index = idx
	period := manifest.NewPeriod("p0", 0, nil)

	snk := sink.New(logger.Noop(), &fakeMediaBuffer{}, manifest.TrackVideo, "h", 0)
	sq := queue.New(logger.Noop(), slowInitLoader{initDelay: 50 * time.Millisecond}, queue.NewPrioritizer(0.3), queue.DefaultRetryConfig(), cancellation.New())

	rs := NewRepresentationStream(logger.Noop(), rep, period, snk, sq, fakeChunkLoader{}, cancellation.New(),
		RepresentationStreamConfig{BufferGoal: 4, MaxBufferSize: 10}, Callbacks{})

	status := rs.CheckStatus(context.Background(), 0)
	assert.NotEmpty(t, status.NeededSegments, "segments within the buffer goal are missing")

	require.Eventually(t, func() bool {
		return len(snk.Inventory()) > 0
	}, 200*time.Millisecond, 5*time.Millisecond, "media segments must be requested alongside the init segment, not only after it finishes")
}

// countingLoader records which segment IDs it has been asked to load,
// so a test can check that no segment outside an expected set is ever
// requested.
type countingLoader struct {
	mu    sync.Mutex
	seen  map[string]int
	delay time.Duration
}

func newCountingLoader(delay time.Duration) *countingLoader {
	return &countingLoader{seen: make(map[string]int), delay: delay}
}

func (l *countingLoader) LoadSegment(ctx context.Context, seg manifest.Segment, cdn manifest.CDNMetadata, onChunk func(queue.SegmentChunk) error) error {
	l.mu.Lock()
	l.seen[seg.ID]++
	l.mu.Unlock()
	if l.delay > 0 {
		time.Sleep(l.delay)
	}
	return onChunk(queue.SegmentChunk{Data: []byte("x"), IsLast: true})
}

func (l *countingLoader) count() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.seen)
}

func TestNonUrgentTerminateStopsRequestingNewSegmentsAndDrains(t *testing.T) {
	idx := manifest.NewTemplateIndex(1000, "$Time$.m4s", "init.mp4", []manifest.TimelineEntry{
		{Start: 0, Duration: 2000, Repeat: 4},
	}, false)
	rep := manifest.NewRepresentation("r0", 500_000, []string{"avc1.64"})
	rep.Index = idx
	period := manifest.NewPeriod("p0", 0, nil)

	snk := sink.New(logger.Noop(), &fakeMediaBuffer{}, manifest.TrackVideo, "h", 0)
	loader := newCountingLoader(30 * time.Millisecond)
	sq := queue.New(logger.Noop(), loader, queue.NewPrioritizer(0.3), queue.DefaultRetryConfig(), cancellation.New())

	rs := NewRepresentationStream(logger.Noop(), rep, period, snk, sq, fakeChunkLoader{}, cancellation.New(),
		RepresentationStreamConfig{BufferGoal: 4, MaxBufferSize: 10}, Callbacks{})

	rs.CheckStatus(context.Background(), 0)
	time.Sleep(60 * time.Millisecond) // let every segment the first tick requested register with the loader

	rs.Terminate(false)
	seenAfterTerminate := loader.count()

	for i := 0; i < 5; i++ {
		rs.CheckStatus(context.Background(), 0)
		waitBriefly()
	}
	time.Sleep(50 * time.Millisecond)

	assert.Equal(t, seenAfterTerminate, loader.count(), "a non-urgent terminate must not request new segments once it starts draining")

	require.Eventually(t, func() bool {
		return rs.State().Kind == RepTerminated
	}, time.Second, 5*time.Millisecond, "stream must drain to Terminated once nothing is left outstanding")
}

func TestCheckStatusEventuallyFillsBufferGoal(t *testing.T) {
	rs, snk := buildTestStream(t)

	deadline := time.Now().Add(500 * time.Millisecond)
	for time.Now().Before(deadline) {
		rs.CheckStatus(context.Background(), 0)
		if len(snk.Inventory()) >= 2 {
			break
		}
		waitBriefly()
	}

	assert.NotEmpty(t, snk.Inventory())
}

func TestUrgentTerminateCancelsImmediately(t *testing.T) {
	rs, _ := buildTestStream(t)
	var terminatingFired bool
	rs.cb.OnTerminating = func() { terminatingFired = true }

	rs.Terminate(true)
	assert.Equal(t, RepTerminated, rs.State().Kind)
	assert.True(t, terminatingFired)
}

func TestNonUrgentTerminateWaitsForDrain(t *testing.T) {
	rs, _ := buildTestStream(t)
	rs.Terminate(false)
	assert.Equal(t, RepTerminating, rs.State().Kind)
	assert.False(t, rs.State().Urgent)
}

func TestCheckStatusAfterTerminatedIsNoop(t *testing.T) {
	rs, _ := buildTestStream(t)
	rs.Terminate(true)
	status := rs.CheckStatus(context.Background(), 0)
	assert.Empty(t, status.NeededSegments)
}

func TestHandleFetchErrorSignalsOutOfSyncFor404KnownSegment(t *testing.T) {
	rs, _ := buildTestStream(t)
	status := rs.CheckStatus(context.Background(), 0)
	require.NotEmpty(t, status.NeededSegments)
	seg := status.NeededSegments[0]

	var outOfSync, failed bool
	rs.cb.OnManifestMightBeOutOfSync = func() { outOfSync = true }
	rs.cb.OnError = func(error) { failed = true }

	rs.handleFetchError(seg, &engineerr.NetworkError{StatusCode: 404})

	assert.True(t, outOfSync, "a 404 for a segment the index still lists as available should be treated as a stale-manifest symptom")
	assert.False(t, failed)
}

func TestHandleFetchErrorFailsRepresentationForOtherStatusCodes(t *testing.T) {
	rs, _ := buildTestStream(t)
	var failed bool
	rs.cb.OnError = func(error) { failed = true }

	rs.handleFetchError(manifest.Segment{ID: "unrelated"}, &engineerr.NetworkError{StatusCode: 503})

	assert.True(t, failed)
}

