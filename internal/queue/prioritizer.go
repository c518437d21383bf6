package queue

import (
	"math"
	"sort"
	"sync"

	"github.com/dashflow/streamengine/internal/manifest"
)

// cdnStats is the moving-average latency/error bookkeeping kept per
// CDN id.
type cdnStats struct {
	avgLatencyMs float64
	errorRate    float64
	samples      int
}

// Prioritizer ranks a Representation's candidate CDNMetadata entries
// by observed latency and error rate, replacing the teacher's single
// fixed *http.Client with a choice among origins. New CDNs start
// unranked (ordered by their manifest-declared Priority) until their
// first success or failure is recorded; from then on observed
// performance overrides it.
type Prioritizer struct {
	mu    sync.Mutex
	stats map[string]*cdnStats
	// alpha is the exponential-moving-average smoothing factor applied
	// to each new latency/error sample.
	alpha float64
}

// NewPrioritizer constructs a Prioritizer with the given EMA smoothing
// factor (0 < alpha <= 1; smaller values weigh history more heavily).
func NewPrioritizer(alpha float64) *Prioritizer {
	if alpha <= 0 || alpha > 1 {
		alpha = 0.3
	}
	return &Prioritizer{stats: make(map[string]*cdnStats), alpha: alpha}
}

// Rank returns candidates ordered best-first: CDNs with at least one
// recorded sample are ordered by a latency/error score, followed by
// unsampled CDNs in their manifest-declared Priority order.
func (p *Prioritizer) Rank(candidates []manifest.CDNMetadata) []manifest.CDNMetadata {
	if len(candidates) <= 1 {
		return candidates
	}

	p.mu.Lock()
	scored := make([]manifest.CDNMetadata, len(candidates))
	copy(scored, candidates)
	stats := make(map[string]cdnStats, len(candidates))
	for _, c := range candidates {
		if s, ok := p.stats[c.ID]; ok {
			stats[c.ID] = *s
		}
	}
	p.mu.Unlock()

	sort.SliceStable(scored, func(i, j int) bool {
		si, iKnown := stats[scored[i].ID]
		sj, jKnown := stats[scored[j].ID]
		if iKnown && jKnown {
			return score(si) < score(sj)
		}
		if iKnown != jKnown {
			return iKnown // a known-good CDN outranks an unsampled one
		}
		return scored[i].Priority < scored[j].Priority
	})
	return scored
}

func score(s cdnStats) float64 {
	// Error rate dominates the score: a CDN erroring half the time is
	// worse than one twice as slow but reliable.
	return s.avgLatencyMs*(1+10*s.errorRate)
}

// ReportSuccess records a successful request's latency against cdnID.
func (p *Prioritizer) ReportSuccess(cdnID string, latencyMs float64) {
	p.mu.Lock()
	defer p.mu.Unlock()
	s := p.statsFor(cdnID)
	if s.samples == 0 {
		s.avgLatencyMs = latencyMs
	} else {
		s.avgLatencyMs = p.alpha*latencyMs + (1-p.alpha)*s.avgLatencyMs
	}
	s.errorRate = (1 - p.alpha) * s.errorRate
	s.samples++
}

// ReportFailure records a failed request against cdnID.
func (p *Prioritizer) ReportFailure(cdnID string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	s := p.statsFor(cdnID)
	s.errorRate = p.alpha*1 + (1-p.alpha)*s.errorRate
	s.samples++
}

func (p *Prioritizer) statsFor(cdnID string) *cdnStats {
	s, ok := p.stats[cdnID]
	if !ok {
		s = &cdnStats{}
		p.stats[cdnID] = s
	}
	return s
}

// ErrorRate returns the current smoothed error rate for a CDN, or NaN
// if unobserved.
func (p *Prioritizer) ErrorRate(cdnID string) float64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	s, ok := p.stats[cdnID]
	if !ok {
		return math.NaN()
	}
	return s.errorRate
}
