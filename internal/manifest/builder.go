package manifest

// NewPeriod constructs a Period, deriving End from Start+Duration per
// §3.
func NewPeriod(id string, start float64, duration *float64) *Period {
	return &Period{
		ID:          id,
		Start:       start,
		Duration:    duration,
		End:         newPeriodEnd(start, duration),
		Adaptations: make(map[TrackType][]*Adaptation),
	}
}

// NewAdaptation constructs an Adaptation with unknown support status.
func NewAdaptation(id string, t TrackType) *Adaptation {
	return &Adaptation{
		ID:   id,
		Type: t,
		Support: SupportStatus{
			IsDecipherable:    TriUnknown,
			HasSupportedCodec: TriUnknown,
		},
	}
}

// AddRepresentation appends rep to the Adaptation's representation
// list.
func (a *Adaptation) AddRepresentation(rep *Representation) {
	a.Representations = append(a.Representations, rep)
}

// AddAdaptation appends ad under the given track type within the
// Period.
func (p *Period) AddAdaptation(ad *Adaptation) {
	if p.Adaptations == nil {
		p.Adaptations = make(map[TrackType][]*Adaptation)
	}
	p.Adaptations[ad.Type] = append(p.Adaptations[ad.Type], ad)
}

// AddPeriod appends p to the manifest being built. Used when
// constructing a "newer" Manifest from a transport-pipeline parse,
// ahead of a Replace/Update call; not safe to call on a Manifest
// already installed into the engine (use Replace/Update instead).
func (m *Manifest) AddPeriod(p *Period) {
	m.periods = append(m.periods, p)
}
