package cmcd

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestBuildHeaderValueIsCommaSeparatedAndSorted(t *testing.T) {
	got := BuildHeaderValue(Data{
		EncodedBitrateKbps: 3000,
		BufferLengthMs:     4950,
		ObjectType:         ObjectVideo,
		IsLive:             true,
		SessionID:          "abc-123",
	})
	assert.Equal(t, `bl=5000,br=3000,ot=v,sid="abc-123",st=l`, got)
}

func TestBuildHeaderValueOmitsZeroFields(t *testing.T) {
	got := BuildHeaderValue(Data{})
	assert.Equal(t, "", got)
}

func TestBuildHeaderValueBooleanFlagHasNoValue(t *testing.T) {
	got := BuildHeaderValue(Data{StartupUrgent: true})
	assert.Equal(t, "su", got)
}

func TestBuildQueryURLEncodesThePairList(t *testing.T) {
	got := BuildQuery(Data{ObjectType: ObjectInit, SessionID: "s1"})
	assert.NotContains(t, got, " ")
	assert.Contains(t, got, "ot%3Di")
}

func TestRoundTo100(t *testing.T) {
	assert.Equal(t, 100, roundTo100(120))
	assert.Equal(t, 100, roundTo100(149))
	assert.Equal(t, 200, roundTo100(150))
	assert.Equal(t, 0, roundTo100(0))
}
