// Package estimator implements the adaptive Representation selector
// described in the engine design (§4.I): a short-window bandwidth
// estimator and a buffer-based estimator, combined and throttled into
// a single chosen Representation per track type, with upswitch
// hysteresis to avoid oscillation.
//
// Grounded on dash2hlsd/internal/session.selectRepresentations, which
// always picks the single highest-bandwidth Representation for video
// and every Representation for audio/text. That one-shot "pick max
// bandwidth under a hard constraint" heuristic is generalized here
// into a continuous throughput estimate, feeding a chosen
// Representation SharedReference instead of a static list.
package estimator

import (
	"math"
	"sort"
	"time"

	"github.com/dashflow/streamengine/internal/cancellation"
	"github.com/dashflow/streamengine/internal/logger"
	"github.com/dashflow/streamengine/internal/manifest"
)

// RequestMetrics is the per-request sample reported by a Segment
// Queue's pluggable request-metrics callback after each successful
// fetch (§4.I).
type RequestMetrics struct {
	DurationMs         float64
	SizeBytes          int64
	BufferLevelAtStart float64
	BufferLevelAtEnd   float64
}

// BitrateMbps is the instantaneous throughput implied by one sample.
func (m RequestMetrics) BitrateMbps() float64 {
	if m.DurationMs <= 0 {
		return 0
	}
	bits := float64(m.SizeBytes) * 8
	seconds := m.DurationMs / 1000
	return bits / seconds / 1_000_000
}

// Config holds the tuning constants named as an Open Question in §9,
// resolved to defaults matching scenario S3.
type Config struct {
	// ShortWindowSamples bounds the exponentially-weighted bandwidth
	// history (N ≈ 5 per §4.I).
	ShortWindowSamples int
	// SafetyFactor scales the effective estimate down from the raw
	// min(bandwidth, buffer-based) figure.
	SafetyFactor float64
	// BufferSafeMargin is subtracted from the observed buffer level
	// before the buffer-based estimator maps it linearly to a target
	// bitrate.
	BufferSafeMargin float64
	// UpswitchMargin requires the target bitrate to exceed the
	// current Representation's bitrate by this multiple before an
	// upswitch is allowed (default 1.15, matching S3).
	UpswitchMargin float64
	// UpswitchHold is how long the upswitch condition must hold
	// before it is actually applied.
	UpswitchHold time.Duration

	LimitResolution     bool
	ThrottleVideoBitrate int // 0 disables

	InitialAudioBitrate int
	InitialVideoBitrate int
}

// DefaultConfig matches the values recorded in DESIGN.md's Open
// Question decisions.
func DefaultConfig() Config {
	return Config{
		ShortWindowSamples: 5,
		SafetyFactor:       0.9,
		BufferSafeMargin:   5,
		UpswitchMargin:     1.15,
		UpswitchHold:       2 * time.Second,
	}
}

// Candidate is one Representation under consideration, with the
// screen constraints needed for the resolution throttle.
type Candidate struct {
	Rep *manifest.Representation
}

// ScreenInfo describes the platform video element used by
// limit_resolution (§4.I).
type ScreenInfo struct {
	Width       int
	Height      int
	PixelRatio  float64
}

// Event payloads mirror §6's "Exposed events".
type BitrateEstimateChange struct {
	TrackType manifest.TrackType
	Bitrate   int
}

// Estimator tracks throughput and buffer-level samples for one track
// type and chooses a Representation from the avoidance-filtered,
// throttled candidate set.
type Estimator struct {
	log       logger.Logger
	trackType manifest.TrackType
	cfg       Config

	Chosen *cancellation.SharedReference[*manifest.Representation]

	onEstimateChange func(BitrateEstimateChange)

	samples []float64 // Mbps, most recent last

	lastUpswitchEligible time.Time
	lastChosenBitrate    int
	now                  func() time.Time
}

// New constructs an Estimator for one track type. now defaults to
// time.Now; tests inject a controllable clock.
func New(log logger.Logger, trackType manifest.TrackType, cfg Config, onEstimateChange func(BitrateEstimateChange)) *Estimator {
	return &Estimator{
		log:              log.With("estimator"),
		trackType:        trackType,
		cfg:              cfg,
		Chosen:           cancellation.NewSharedReference[*manifest.Representation](nil),
		onEstimateChange: onEstimateChange,
		now:              time.Now,
	}
}

// ReportRequest absorbs one RequestMetrics sample into the
// short-window bandwidth estimate.
func (e *Estimator) ReportRequest(m RequestMetrics) {
	bw := m.BitrateMbps()
	if bw <= 0 {
		return
	}
	e.samples = append(e.samples, bw)
	if len(e.samples) > e.cfg.ShortWindowSamples {
		e.samples = e.samples[len(e.samples)-e.cfg.ShortWindowSamples:]
	}
}

// shortWindowEstimateMbps exponentially weights recent samples,
// favoring the most recent observation (§4.I).
func (e *Estimator) shortWindowEstimateMbps() float64 {
	if len(e.samples) == 0 {
		return 0
	}
	const alpha = 0.4
	est := e.samples[0]
	for _, s := range e.samples[1:] {
		est = alpha*s + (1-alpha)*est
	}
	return est
}

// bufferBasedEstimateMbps maps buffer_level-safe_margin linearly onto
// [minBitrate, maxBitrate] in Mbps.
func bufferBasedEstimateMbps(bufferLevel, safeMargin, minMbps, maxMbps float64) float64 {
	adjusted := bufferLevel - safeMargin
	if adjusted <= 0 {
		return minMbps
	}
	// Treat 30s of adjusted buffer as "fully confident in maxMbps";
	// anything beyond saturates rather than extrapolating further.
	const saturationSeconds = 30.0
	frac := adjusted / saturationSeconds
	if frac > 1 {
		frac = 1
	}
	return minMbps + frac*(maxMbps-minMbps)
}

// Evaluate filters candidates by usability and throttles, chooses the
// best-fitting Representation under the current throughput estimate
// with upswitch hysteresis, publishes it to Chosen, and emits
// bitrate_estimate_change.
func (e *Estimator) Evaluate(candidates []*manifest.Representation, bufferLevel float64, screen ScreenInfo) *manifest.Representation {
	usable := e.filterCandidates(candidates, screen)
	if len(usable) == 0 {
		return nil
	}
	sort.Slice(usable, func(i, j int) bool { return usable[i].Bitrate < usable[j].Bitrate })

	minMbps := float64(usable[0].Bitrate) / 1_000_000
	maxMbps := float64(usable[len(usable)-1].Bitrate) / 1_000_000

	bwEstimate := e.shortWindowEstimateMbps()
	bufEstimate := bufferBasedEstimateMbps(bufferLevel, e.cfg.BufferSafeMargin, minMbps, maxMbps)

	effective := bufEstimate
	if bwEstimate > 0 && bwEstimate < effective {
		effective = bwEstimate
	}
	safetyFactor := e.cfg.SafetyFactor
	if safetyFactor <= 0 {
		safetyFactor = 1
	}
	effective *= safetyFactor
	targetBitrate := int(effective * 1_000_000)

	chosen := pickUnderBudget(usable, targetBitrate)
	chosen = e.applyUpswitchHysteresis(usable, chosen, targetBitrate)

	e.lastChosenBitrate = chosen.Bitrate
	e.Chosen.Set(chosen)
	if e.onEstimateChange != nil {
		e.onEstimateChange(BitrateEstimateChange{TrackType: e.trackType, Bitrate: chosen.Bitrate})
	}
	return chosen
}

// applyUpswitchHysteresis requires the target to exceed the currently
// chosen bitrate by UpswitchMargin for at least UpswitchHold before
// actually moving to a higher Representation; downswitches and
// same-or-lower picks apply immediately.
func (e *Estimator) applyUpswitchHysteresis(usable []*manifest.Representation, candidate *manifest.Representation, targetBitrate int) *manifest.Representation {
	if e.lastChosenBitrate == 0 || candidate.Bitrate <= e.lastChosenBitrate {
		e.lastUpswitchEligible = time.Time{}
		return candidate
	}

	margin := e.cfg.UpswitchMargin
	if margin <= 0 {
		margin = 1
	}
	if float64(targetBitrate) < float64(e.lastChosenBitrate)*margin {
		// Not comfortably past the margin: hold at current bitrate if
		// still usable.
		e.lastUpswitchEligible = time.Time{}
		return findOrFallback(usable, e.lastChosenBitrate, candidate)
	}

	now := e.now()
	if e.lastUpswitchEligible.IsZero() {
		e.lastUpswitchEligible = now
	}
	if now.Sub(e.lastUpswitchEligible) < e.cfg.UpswitchHold {
		return findOrFallback(usable, e.lastChosenBitrate, candidate)
	}
	return candidate
}

func findOrFallback(usable []*manifest.Representation, bitrate int, fallback *manifest.Representation) *manifest.Representation {
	for _, r := range usable {
		if r.Bitrate == bitrate {
			return r
		}
	}
	return fallback
}

// pickUnderBudget returns the highest-bitrate candidate at or below
// target, or the lowest-bitrate candidate if none fit.
func pickUnderBudget(usable []*manifest.Representation, target int) *manifest.Representation {
	best := usable[0]
	for _, r := range usable {
		if r.Bitrate <= target && r.Bitrate >= best.Bitrate {
			best = r
		}
	}
	return best
}

// filterCandidates drops unusable, avoided, and throttled
// Representations (§4.I).
func (e *Estimator) filterCandidates(candidates []*manifest.Representation, screen ScreenInfo) []*manifest.Representation {
	var out []*manifest.Representation
	for _, r := range candidates {
		if !r.IsUsable() {
			continue
		}
		if e.trackType == manifest.TrackVideo {
			if e.cfg.LimitResolution && screen.Width > 0 && r.Width != nil && r.Height != nil {
				maxW := float64(screen.Width) * maxFloat(screen.PixelRatio, 1)
				maxH := float64(screen.Height) * maxFloat(screen.PixelRatio, 1)
				if float64(*r.Width) > maxW || float64(*r.Height) > maxH {
					continue
				}
			}
			if e.cfg.ThrottleVideoBitrate > 0 && r.Bitrate > e.cfg.ThrottleVideoBitrate {
				continue
			}
		}
		out = append(out, r)
	}
	return out
}

func maxFloat(a, b float64) float64 {
	if a > b {
		return a
	}
	return b
}

// InitialBitrate returns the configured initial bitrate for this
// track type, used before any throughput sample has arrived.
func (e *Estimator) InitialBitrate() int {
	if e.trackType == manifest.TrackAudio {
		return e.cfg.InitialAudioBitrate
	}
	if e.trackType == manifest.TrackVideo {
		return e.cfg.InitialVideoBitrate
	}
	return math.MaxInt32
}
