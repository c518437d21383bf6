package manifest

import (
	"fmt"
	"sync"

	"github.com/dashflow/streamengine/internal/engineerr"
)

// CodecSupportInfo is one entry of the codec-support cache, reported
// by the platform via UpdateCodecSupport.
type CodecSupportInfo struct {
	MimeType             string
	Codec                string
	Supported            bool
	SupportedIfEncrypted bool
}

func codecKey(mime, codec string) string { return mime + "|" + codec }

// codecSupportCache is a monotonic map (§5: "entries are added, never
// contradicted; contradictory input is a bug"): once a (mime, codec)
// pair is recorded as supported or unsupported, later input agreeing
// with it is a no-op and later input contradicting it is not applied
// (Add returns it instead).
type codecSupportCache struct {
	mu      sync.Mutex
	entries map[string]CodecSupportInfo
}

func newCodecSupportCache() *codecSupportCache {
	return &codecSupportCache{entries: make(map[string]CodecSupportInfo)}
}

// Add records infos into the cache. It returns the subset that
// contradicted an existing entry, which callers should treat as a bug
// report rather than apply.
func (c *codecSupportCache) Add(infos []CodecSupportInfo) []CodecSupportInfo {
	c.mu.Lock()
	defer c.mu.Unlock()
	var contradictions []CodecSupportInfo
	for _, info := range infos {
		key := codecKey(info.MimeType, info.Codec)
		if existing, ok := c.entries[key]; ok {
			if existing.Supported != info.Supported {
				contradictions = append(contradictions, info)
				continue
			}
		}
		c.entries[key] = info
	}
	return contradictions
}

func (c *codecSupportCache) Lookup(mime, codec string) (CodecSupportInfo, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	info, ok := c.entries[codecKey(mime, codec)]
	return info, ok
}

// UpdateCodecSupport consumes a batch of platform-reported codec
// support facts (§4.A). It updates every Representation's IsSupported
// (true if any codec matches a supported entry; false only when every
// codec has a definite false; unknown otherwise) and recomputes each
// Adaptation's unsupported status. For every Adaptation whose
// Representations are all unsupported it returns a MediaErrorEvent
// carrying CodeIncompatibleCodecs (Fatal for audio or video), and, when
// such an Adaptation is audio or video, a MediaError with the same code
// as the error.
func (m *Manifest) UpdateCodecSupport(infos []CodecSupportInfo) ([]*MediaErrorEvent, error) {
	m.codecSupport.Add(infos)

	m.mu.Lock()
	var warnings []*MediaErrorEvent
	var fatal error
	for _, p := range m.periods {
		for _, trackType := range []TrackType{TrackAudio, TrackVideo, TrackText} {
			for _, ad := range p.Adaptations[trackType] {
				anySupported := false
				anyUnknown := false
				for _, rep := range ad.Representations {
					rep.IsSupported, rep.EffectiveCodec = m.resolveCodecSupport(rep)
					if rep.IsSupported == TriTrue {
						anySupported = true
					} else if rep.IsSupported == TriUnknown {
						anyUnknown = true
					}
				}
				if !anySupported {
					ad.Support.HasSupportedCodec = TriFalse
					if anyUnknown {
						ad.Support.HasSupportedCodec = TriUnknown
					}
				} else {
					ad.Support.HasSupportedCodec = TriTrue
				}
				if ad.IsUnsupported() {
					warnings = append(warnings, &MediaErrorEvent{
						Code:  engineerr.CodeIncompatibleCodecs,
						Fatal: trackType == TrackAudio || trackType == TrackVideo,
					})
					if trackType == TrackAudio || trackType == TrackVideo {
						fatal = &engineerr.MediaError{Code: engineerr.CodeIncompatibleCodecs, Err: fmt.Errorf("adaptation %s has no supported codec", ad.ID)}
					}
				}
			}
		}
	}
	m.mu.Unlock()

	m.emitSupportUpdate()
	return warnings, fatal
}

// MediaErrorEvent is a non-fatal-by-default media condition surfaced
// as a warning, escalated to fatal for the caller to decide on when
// Fatal is true.
type MediaErrorEvent struct {
	Code  engineerr.Code
	Fatal bool
}

func (m *Manifest) resolveCodecSupport(rep *Representation) (Tri, string) {
	anyUnknown := false
	for _, codec := range rep.Codecs {
		info, ok := m.codecSupport.Lookup(rep.MimeType, codec)
		if !ok {
			anyUnknown = true
			continue
		}
		if info.Supported {
			return TriTrue, codec
		}
	}
	if anyUnknown {
		return TriUnknown, ""
	}
	return TriFalse, ""
}

// UpdateRepresentationsDecipherability applies fn to every
// Representation in the manifest, aggregates the resulting
// decipherability onto each Adaptation, and reports the set of
// Representations whose decipherability actually changed (§4.A).
func (m *Manifest) UpdateRepresentationsDecipherability(fn func(*Representation) bool) []DecipherabilityChange {
	m.mu.Lock()
	var changes []DecipherabilityChange
	for _, p := range m.periods {
		for _, trackType := range []TrackType{TrackAudio, TrackVideo, TrackText} {
			for _, ad := range p.Adaptations[trackType] {
				anyDecipherable := false
				anyUnknown := false
				for _, rep := range ad.Representations {
					before := rep.Decipherable
					after := TriFromBool(fn(rep))
					if before != after {
						rep.Decipherable = after
						changes = append(changes, DecipherabilityChange{Representation: rep, Decipherable: after})
					}
					if rep.Decipherable == TriTrue {
						anyDecipherable = true
					} else if rep.Decipherable == TriUnknown {
						anyUnknown = true
					}
				}
				if anyDecipherable {
					ad.Support.IsDecipherable = TriTrue
				} else if anyUnknown {
					ad.Support.IsDecipherable = TriUnknown
				} else {
					ad.Support.IsDecipherable = TriFalse
				}
			}
		}
	}
	m.mu.Unlock()

	m.emitDecipherabilityUpdate(changes)
	return changes
}

// AddRepresentationsToAvoid marks the given Representations as
// should_be_avoided. This flag is never auto-cleared (§4.A).
func (m *Manifest) AddRepresentationsToAvoid(reps []*Representation) {
	if len(reps) == 0 {
		return
	}
	for _, r := range reps {
		r.ShouldBeAvoided = true
	}
	m.emitRepresentationAvoidance(reps)
}
