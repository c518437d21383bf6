package orchestrator

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dashflow/streamengine/internal/cancellation"
	"github.com/dashflow/streamengine/internal/logger"
	"github.com/dashflow/streamengine/internal/manifest"
	"github.com/dashflow/streamengine/internal/stream"
)

// buildSingleTrackManifest and a no-op TrackSelector/PeriodStreamFactory
// are enough to exercise reconcileLineup/periodCallbacks without any
// real transport.
func buildSingleTrackManifest() *manifest.Manifest {
	mf := manifest.NewManifest("m1")
	period := manifest.NewPeriod("p1", 0, nil)
	adaptation := manifest.NewAdaptation("a1", manifest.TrackVideo)
	rep := manifest.NewRepresentation("r1", 1_000_000, []string{"avc1"})
	adaptation.AddRepresentation(rep)
	period.AddAdaptation(adaptation)
	mf.AddPeriod(period)
	return mf
}

func noopSelector(p *manifest.Period) map[manifest.TrackType]*manifest.Adaptation {
	chosen := make(map[manifest.TrackType]*manifest.Adaptation)
	for t, ads := range p.Adaptations {
		if len(ads) > 0 {
			chosen[t] = ads[0]
		}
	}
	return chosen
}

// capturingFactory records the PeriodCallbacks it was built with instead
// of starting a real PeriodStream, so a test can fire them directly.
func capturingFactory(captured *stream.PeriodCallbacks) PeriodStreamFactory {
	return func(period *manifest.Period, canceller *cancellation.Canceller, chosen map[manifest.TrackType]*manifest.Adaptation, cb stream.PeriodCallbacks) *stream.PeriodStream {
		*captured = cb
		return stream.NewPeriodStream(logger.Noop(), period, canceller, nil, func(manifest.TrackType, *manifest.Adaptation, *cancellation.Canceller, stream.AdaptationCallbacks) *stream.AdaptationStream {
			return nil
		}, cb)
	}
}

func TestPeriodCallbacksForwardManifestMightBeOutOfSync(t *testing.T) {
	mf := buildSingleTrackManifest()
	var captured stream.PeriodCallbacks
	var signalled bool

	o := New(logger.Noop(), mf, cancellation.New(), noopSelector, capturingFactory(&captured), DefaultConfig(), Events{
		OnManifestMightBeOutOfSync: func() { signalled = true },
	})

	require.NoError(t, o.CheckStatus(context.Background(), 0))
	require.NotNil(t, captured.OnManifestMightBeOutOfSync)

	captured.OnManifestMightBeOutOfSync()
	assert.True(t, signalled)
}

func TestPeriodCallbacksForwardError(t *testing.T) {
	mf := buildSingleTrackManifest()
	var captured stream.PeriodCallbacks
	var gotErr error

	o := New(logger.Noop(), mf, cancellation.New(), noopSelector, capturingFactory(&captured), DefaultConfig(), Events{
		OnError: func(err error) { gotErr = err },
	})

	require.NoError(t, o.CheckStatus(context.Background(), 0))
	require.NotNil(t, captured.OnError)

	sentinel := assert.AnError
	captured.OnError(manifest.TrackVideo, nil, sentinel)
	assert.Equal(t, sentinel, gotErr)
}
