package stream

import (
	"context"
	"testing"
	"time"

	"github.com/dashflow/streamengine/internal/cancellation"
	"github.com/dashflow/streamengine/internal/logger"
	"github.com/dashflow/streamengine/internal/manifest"
	"github.com/dashflow/streamengine/internal/queue"
	"github.com/dashflow/streamengine/internal/sink"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func buildTestRepresentation(id string, bitrate int) *manifest.Representation {
	idx := manifest.NewTemplateIndex(1000, "$Time$.m4s", "init.mp4", []manifest.TimelineEntry{
		{Start: 0, Duration: 2000, Repeat: 9},
	}, false)
	rep := manifest.NewRepresentation(id, bitrate, []string{"avc1.64"})
	rep.Index = idx
	return rep
}

func buildFactory(t *testing.T) RepresentationFactory {
	t.Helper()
	return func(rep *manifest.Representation, canceller *cancellation.Canceller, cfg RepresentationStreamConfig, cb Callbacks) *RepresentationStream {
		snk := sink.New(logger.Noop(), &fakeMediaBuffer{}, manifest.TrackVideo, "h", 0)
		sq := queue.New(logger.Noop(), fakeSegmentLoader{}, queue.NewPrioritizer(0.3), queue.DefaultRetryConfig(), canceller)
		period := manifest.NewPeriod("p0", 0, nil)
		return NewRepresentationStream(logger.Noop(), rep, period, snk, sq, fakeChunkLoader{}, canceller, cfg, cb)
	}
}

func TestSelectRepresentationStartsAndTerminatesPrevious(t *testing.T) {
	adaptation := manifest.NewAdaptation("v0", manifest.TrackVideo)
	repLo := buildTestRepresentation("lo", 500_000)
	repHi := buildTestRepresentation("hi", 4_000_000)
	adaptation.AddRepresentation(repLo)
	adaptation.AddRepresentation(repHi)

	var changes []string
	as := NewAdaptationStream(logger.Noop(), manifest.NewPeriod("p0", 0, nil), adaptation, cancellation.New(), buildFactory(t), AdaptationCallbacks{
		OnRepresentationChange: func(rep *manifest.Representation) { changes = append(changes, rep.ID) },
	})

	as.SelectRepresentation(context.Background(), repLo, 0, false, false, RepresentationStreamConfig{BufferGoal: 4, MaxBufferSize: 10})
	require.Equal(t, []string{"lo"}, changes)

	as.SelectRepresentation(context.Background(), repHi, 0, true, false, RepresentationStreamConfig{BufferGoal: 4, MaxBufferSize: 10})
	require.Equal(t, []string{"lo", "hi"}, changes)

	as.mu.Lock()
	outgoingCount := len(as.outgoing)
	as.mu.Unlock()
	assert.Equal(t, 1, outgoingCount, "the previous stream is kept alive to drain, not dropped")
}

func TestSelectSameRepresentationIsNoop(t *testing.T) {
	adaptation := manifest.NewAdaptation("v0", manifest.TrackVideo)
	rep := buildTestRepresentation("lo", 500_000)
	adaptation.AddRepresentation(rep)

	var changeCount int
	as := NewAdaptationStream(logger.Noop(), manifest.NewPeriod("p0", 0, nil), adaptation, cancellation.New(), buildFactory(t), AdaptationCallbacks{
		OnRepresentationChange: func(*manifest.Representation) { changeCount++ },
	})

	as.SelectRepresentation(context.Background(), rep, 0, false, false, RepresentationStreamConfig{BufferGoal: 4, MaxBufferSize: 10})
	as.SelectRepresentation(context.Background(), rep, 0, false, false, RepresentationStreamConfig{BufferGoal: 4, MaxBufferSize: 10})
	assert.Equal(t, 1, changeCount)
}

func TestLockedReportsWhenNoRepresentationUsable(t *testing.T) {
	adaptation := manifest.NewAdaptation("v0", manifest.TrackVideo)
	rep := buildTestRepresentation("lo", 500_000)
	rep.IsSupported = manifest.TriFalse
	adaptation.AddRepresentation(rep)

	var lockedFired bool
	as := NewAdaptationStream(logger.Noop(), manifest.NewPeriod("p0", 0, nil), adaptation, cancellation.New(), buildFactory(t), AdaptationCallbacks{
		OnLocked: func() { lockedFired = true },
	})

	assert.True(t, as.Locked())
	assert.True(t, lockedFired)
}

func TestAdaptationStreamReapOutgoingOnceDrained(t *testing.T) {
	adaptation := manifest.NewAdaptation("v0", manifest.TrackVideo)
	repLo := buildTestRepresentation("lo", 500_000)
	repHi := buildTestRepresentation("hi", 4_000_000)
	adaptation.AddRepresentation(repLo)
	adaptation.AddRepresentation(repHi)

	as := NewAdaptationStream(logger.Noop(), manifest.NewPeriod("p0", 0, nil), adaptation, cancellation.New(), buildFactory(t), AdaptationCallbacks{})

	as.SelectRepresentation(context.Background(), repLo, 0, false, false, RepresentationStreamConfig{BufferGoal: 4, MaxBufferSize: 10})
	as.SelectRepresentation(context.Background(), repHi, 0, true, true, RepresentationStreamConfig{BufferGoal: 4, MaxBufferSize: 10})

	// Urgent terminate of repLo's stream should already be Terminated.
	deadline := time.Now().Add(200 * time.Millisecond)
	for time.Now().Before(deadline) {
		as.CheckStatus(context.Background(), 0)
		as.mu.Lock()
		remaining := len(as.outgoing)
		as.mu.Unlock()
		if remaining == 0 {
			break
		}
	}

	as.mu.Lock()
	defer as.mu.Unlock()
	assert.Empty(t, as.outgoing, "urgently terminated outgoing stream must be reaped")
}
