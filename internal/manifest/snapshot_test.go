package manifest

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// TestSnapshotRoundTripPreservesLookupAnswers exercises the §8
// round-trip property: serializing a Manifest's metadata and
// rehydrating it elsewhere must answer the same lookup queries.
func TestSnapshotRoundTripPreservesLookupAnswers(t *testing.T) {
	original := buildTestManifest()

	data, err := original.ToSnapshot().Marshal()
	require.NoError(t, err)

	rehydrated, err := FromSnapshot(data)
	require.NoError(t, err)

	for _, tc := range []float64{0, 5, 9.999, 10, 1000} {
		orig := original.PeriodForTime(tc)
		got := rehydrated.PeriodForTime(tc)
		if orig == nil {
			assert.Nil(t, got, "t=%v", tc)
			continue
		}
		require.NotNil(t, got, "t=%v", tc)
		assert.Equal(t, orig.ID, got.ID, "t=%v", tc)
	}

	origAd := original.PeriodByID("p0").AdaptationByID("v0")
	gotAd := rehydrated.PeriodByID("p0").AdaptationByID("v0")
	require.NotNil(t, gotAd)
	assert.Equal(t, origAd.Type, gotAd.Type)

	origRep := origAd.RepresentationByID("v0-hi")
	gotRep := gotAd.RepresentationByID("v0-hi")
	require.NotNil(t, gotRep)
	assert.Equal(t, origRep.Bitrate, gotRep.Bitrate)

	assert.Nil(t, rehydrated.PeriodByID("nonexistent"))
}
