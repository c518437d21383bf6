package controlapi

import (
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dashflow/streamengine/internal/logger"
	"github.com/dashflow/streamengine/internal/manifest"
)

type fakeProvider struct {
	mf     *manifest.Manifest
	chosen []RepresentationSummary
}

func (p *fakeProvider) Manifest() *manifest.Manifest               { return p.mf }
func (p *fakeProvider) ChosenRepresentations() []RepresentationSummary { return p.chosen }
func (p *fakeProvider) BufferLevels() map[string]float64           { return map[string]float64{"video": 12.5} }

func newTestServer(t *testing.T) (*Server, *httptest.Server) {
	t.Helper()
	mf := manifest.NewManifest("m1")
	period := &manifest.Period{ID: "p1", Start: 0, Adaptations: map[manifest.TrackType][]*manifest.Adaptation{
		manifest.TrackVideo: {{ID: "a1", Type: manifest.TrackVideo, Representations: []*manifest.Representation{
			manifest.NewRepresentation("rep1", 2_000_000, []string{"avc1"}),
		}}},
	}}
	mf.AddPeriod(period)

	s := NewServer(logger.Noop(), "127.0.0.1:0", &fakeProvider{
		mf:     mf,
		chosen: []RepresentationSummary{{TrackType: "video", ID: "rep1", Bitrate: 2_000_000}},
	})
	ts := httptest.NewServer(s.router)
	t.Cleanup(ts.Close)
	return s, ts
}

func TestHandleStatusReturnsSnapshot(t *testing.T) {
	_, ts := newTestServer(t)
	resp, err := http.Get(ts.URL + "/status")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	var snap StatusSnapshot
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&snap))
	assert.Equal(t, "m1", snap.ManifestID)
	assert.Equal(t, 1, snap.PeriodCount)
	require.Len(t, snap.Chosen, 1)
	assert.Equal(t, "rep1", snap.Chosen[0].ID)
	assert.Equal(t, 12.5, snap.BufferLevels["video"])
}

func TestHandleManifestListsRepresentations(t *testing.T) {
	_, ts := newTestServer(t)
	resp, err := http.Get(ts.URL + "/manifest")
	require.NoError(t, err)
	defer resp.Body.Close()

	body, _ := io.ReadAll(resp.Body)
	assert.Contains(t, string(body), "rep1")
}

func TestEventsWebSocketReceivesBroadcast(t *testing.T) {
	s, ts := newTestServer(t)
	go s.hub.run()
	t.Cleanup(s.hub.close)

	wsURL := "ws" + strings.TrimPrefix(ts.URL, "http") + "/events"
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	require.NoError(t, err)
	defer conn.Close()

	time.Sleep(20 * time.Millisecond) // allow registration to land before broadcasting
	s.Broadcast("representationChange", map[string]string{"trackType": "video"})

	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, msg, err := conn.ReadMessage()
	require.NoError(t, err)

	var ev Event
	require.NoError(t, json.Unmarshal(msg, &ev))
	assert.Equal(t, "representationChange", ev.Type)
}
