package freeze

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func obs(t time.Time, currentTime float64) Observation {
	return Observation{CurrentTime: currentTime, Paused: false, BufferedEnd: currentTime + 5, ReadyToPlay: true, At: t}
}

func noSibling(string) (string, bool) { return "", false }

func TestOnNewObservationNoneWhenAdvancing(t *testing.T) {
	r := New(DefaultConfig())
	base := time.Now()
	r.OnNewObservation(obs(base, 10.0), noSibling)
	res := r.OnNewObservation(obs(base.Add(200*time.Millisecond), 10.2), noSibling)
	assert.Equal(t, ResolutionNone, res.Kind)
}

func TestShortFreezeThenFlush(t *testing.T) {
	cfg := DefaultConfig()
	r := New(cfg)
	base := time.Now()

	r.OnNewObservation(obs(base, 10.0), noSibling)                       // establishes baseline
	r.OnNewObservation(obs(base.Add(500*time.Millisecond), 10.0), noSibling) // frozen, below F1
	res := r.OnNewObservation(obs(base.Add(1200*time.Millisecond), 10.0), noSibling)

	assert.Equal(t, ResolutionFlush, res.Kind)
	assert.InDelta(t, cfg.ForwardNudgeSeconds, res.RelativeSeek, 1e-9)
}

func TestLongFreezeEscalatesToReload(t *testing.T) {
	cfg := DefaultConfig()
	r := New(cfg)
	base := time.Now()

	r.OnNewObservation(obs(base, 10.0), noSibling)
	r.OnNewObservation(obs(base.Add(1200*time.Millisecond), 10.0), noSibling) // -> flush
	res := r.OnNewObservation(obs(base.Add(4*time.Second), 10.0), noSibling)

	assert.Equal(t, ResolutionReload, res.Kind)
}

func TestRecentSwitchPrefersAvoidanceWhenEnabled(t *testing.T) {
	cfg := DefaultConfig()
	cfg.EnableRepresentationAvoidance = true
	r := New(cfg)
	base := time.Now()
	r.NoteRepresentationSwitch("rep-high", base)

	hasLower := func(id string) (string, bool) {
		if id == "rep-high" {
			return "rep-low", true
		}
		return "", false
	}

	r.OnNewObservation(obs(base, 10.0), hasLower)
	res := r.OnNewObservation(obs(base.Add(1200*time.Millisecond), 10.0), hasLower)

	assert.Equal(t, ResolutionAvoidRepresentations, res.Kind)
	assert.Equal(t, []string{"rep-high"}, res.Representations)
}

func TestRecentSwitchIgnoredWhenAvoidanceDisabled(t *testing.T) {
	cfg := DefaultConfig()
	cfg.EnableRepresentationAvoidance = false
	r := New(cfg)
	base := time.Now()
	r.NoteRepresentationSwitch("rep-high", base)

	hasLower := func(string) (string, bool) { return "rep-low", true }

	r.OnNewObservation(obs(base, 10.0), hasLower)
	res := r.OnNewObservation(obs(base.Add(1200*time.Millisecond), 10.0), hasLower)

	assert.Equal(t, ResolutionFlush, res.Kind)
}

func TestPausedNeverCountsAsFreeze(t *testing.T) {
	r := New(DefaultConfig())
	base := time.Now()
	o := obs(base, 10.0)
	o.Paused = true
	r.OnNewObservation(o, noSibling)
	o2 := obs(base.Add(2*time.Second), 10.0)
	o2.Paused = true
	res := r.OnNewObservation(o2, noSibling)
	assert.Equal(t, ResolutionNone, res.Kind)
}
