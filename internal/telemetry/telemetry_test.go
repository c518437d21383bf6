package telemetry

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dashflow/streamengine/internal/logger"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	path := filepath.Join(t.TempDir(), "telemetry.db")
	s, err := Open(logger.Noop(), path)
	require.NoError(t, err)
	t.Cleanup(func() {
		s.Close()
		os.Remove(path)
	})
	return s
}

func TestOpenMigratesTables(t *testing.T) {
	s := openTestStore(t)
	rows, err := s.RecentErrors(10)
	require.NoError(t, err)
	assert.Empty(t, rows)
}

func TestRecordAndQueryErrorObservation(t *testing.T) {
	s := openTestStore(t)
	s.RecordError("queue", "segment-404", "rep-1", "not found")

	rows, err := s.RecentErrors(10)
	require.NoError(t, err)
	require.Len(t, rows, 1)
	assert.Equal(t, "queue", rows[0].Component)
	assert.Equal(t, "segment-404", rows[0].Code)
	assert.Equal(t, "rep-1", rows[0].RepresentationID)
}

func TestRecordAndQueryBitrateObservation(t *testing.T) {
	s := openTestStore(t)
	s.RecordBitrate("video", 2_500_000, 12.5)
	s.RecordBitrate("audio", 128_000, 30.0)

	videoRows, err := s.RecentBitrates("video", 10)
	require.NoError(t, err)
	require.Len(t, videoRows, 1)
	assert.Equal(t, 2_500_000, videoRows[0].Bitrate)

	audioRows, err := s.RecentBitrates("audio", 10)
	require.NoError(t, err)
	require.Len(t, audioRows, 1)
}

func TestRecentErrorsRespectsLimit(t *testing.T) {
	s := openTestStore(t)
	for i := 0; i < 5; i++ {
		s.RecordError("estimator", "throttled", "", "")
	}
	rows, err := s.RecentErrors(2)
	require.NoError(t, err)
	assert.Len(t, rows, 2)
}
