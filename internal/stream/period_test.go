package stream

import (
	"context"
	"testing"

	"github.com/dashflow/streamengine/internal/cancellation"
	"github.com/dashflow/streamengine/internal/logger"
	"github.com/dashflow/streamengine/internal/manifest"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func buildPeriodFactory(t *testing.T) AdaptationFactory {
	t.Helper()
	return func(trackType manifest.TrackType, adaptation *manifest.Adaptation, canceller *cancellation.Canceller, cb AdaptationCallbacks) *AdaptationStream {
		return NewAdaptationStream(logger.Noop(), manifest.NewPeriod("p0", 0, nil), adaptation, canceller, buildFactory(t), cb)
	}
}

func TestNewPeriodStreamStartsOneAdaptationStreamPerTrack(t *testing.T) {
	period := manifest.NewPeriod("p0", 0, nil)
	video := manifest.NewAdaptation("v0", manifest.TrackVideo)
	video.AddRepresentation(buildTestRepresentation("v-lo", 500_000))
	audio := manifest.NewAdaptation("a0", manifest.TrackAudio)
	audio.AddRepresentation(buildTestRepresentation("a-0", 128_000))

	var readyFired bool
	ps := NewPeriodStream(logger.Noop(), period, cancellation.New(), map[manifest.TrackType]*manifest.Adaptation{
		manifest.TrackVideo: video,
		manifest.TrackAudio: audio,
	}, buildPeriodFactory(t), PeriodCallbacks{
		OnPeriodStreamReady: func() { readyFired = true },
	})

	require.True(t, readyFired)
	assert.NotNil(t, ps.Track(manifest.TrackVideo))
	assert.NotNil(t, ps.Track(manifest.TrackAudio))
	assert.Nil(t, ps.Track(manifest.TrackText))
}

func TestPeriodStreamSkipsNilChosenAdaptations(t *testing.T) {
	period := manifest.NewPeriod("p0", 0, nil)
	video := manifest.NewAdaptation("v0", manifest.TrackVideo)
	video.AddRepresentation(buildTestRepresentation("v-lo", 500_000))

	ps := NewPeriodStream(logger.Noop(), period, cancellation.New(), map[manifest.TrackType]*manifest.Adaptation{
		manifest.TrackVideo: video,
		manifest.TrackText:  nil,
	}, buildPeriodFactory(t), PeriodCallbacks{})

	assert.NotNil(t, ps.Track(manifest.TrackVideo))
	assert.Nil(t, ps.Track(manifest.TrackText))
}

func TestPeriodStreamCheckStatusFansOutAcrossTracks(t *testing.T) {
	period := manifest.NewPeriod("p0", 0, nil)
	video := manifest.NewAdaptation("v0", manifest.TrackVideo)
	video.AddRepresentation(buildTestRepresentation("v-lo", 500_000))
	audio := manifest.NewAdaptation("a0", manifest.TrackAudio)
	audio.AddRepresentation(buildTestRepresentation("a-0", 128_000))

	ps := NewPeriodStream(logger.Noop(), period, cancellation.New(), map[manifest.TrackType]*manifest.Adaptation{
		manifest.TrackVideo: video,
		manifest.TrackAudio: audio,
	}, buildPeriodFactory(t), PeriodCallbacks{})

	ps.Track(manifest.TrackVideo).SelectRepresentation(context.Background(), video.Representations[0], 0, false, false,
		RepresentationStreamConfig{BufferGoal: 4, MaxBufferSize: 10})
	ps.Track(manifest.TrackAudio).SelectRepresentation(context.Background(), audio.Representations[0], 0, false, false,
		RepresentationStreamConfig{BufferGoal: 4, MaxBufferSize: 10})

	err := ps.CheckStatus(context.Background(), 0)
	assert.NoError(t, err)
}

func TestPeriodStreamLockedTracksReportsUnusableAdaptations(t *testing.T) {
	period := manifest.NewPeriod("p0", 0, nil)
	video := manifest.NewAdaptation("v0", manifest.TrackVideo)
	lockedRep := buildTestRepresentation("v-lo", 500_000)
	lockedRep.IsSupported = manifest.TriFalse
	video.AddRepresentation(lockedRep)

	audio := manifest.NewAdaptation("a0", manifest.TrackAudio)
	audio.AddRepresentation(buildTestRepresentation("a-0", 128_000))

	ps := NewPeriodStream(logger.Noop(), period, cancellation.New(), map[manifest.TrackType]*manifest.Adaptation{
		manifest.TrackVideo: video,
		manifest.TrackAudio: audio,
	}, buildPeriodFactory(t), PeriodCallbacks{})

	locked := ps.LockedTracks()
	require.Len(t, locked, 1)
	assert.Equal(t, manifest.TrackVideo, locked[0])
}

func TestPeriodStreamDisposeTerminatesEveryTrack(t *testing.T) {
	period := manifest.NewPeriod("p0", 0, nil)
	video := manifest.NewAdaptation("v0", manifest.TrackVideo)
	video.AddRepresentation(buildTestRepresentation("v-lo", 500_000))

	ps := NewPeriodStream(logger.Noop(), period, cancellation.New(), map[manifest.TrackType]*manifest.Adaptation{
		manifest.TrackVideo: video,
	}, buildPeriodFactory(t), PeriodCallbacks{})

	ps.Track(manifest.TrackVideo).SelectRepresentation(context.Background(), video.Representations[0], 0, false, false,
		RepresentationStreamConfig{BufferGoal: 4, MaxBufferSize: 10})

	ps.Dispose()

	ps.mu.Lock()
	defer ps.mu.Unlock()
	assert.Empty(t, ps.tracks)
}
