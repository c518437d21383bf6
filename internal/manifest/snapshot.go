package manifest

import "encoding/json"

// Snapshot is a JSON-serializable projection of a Manifest's lookup
// metadata (§8 round-trip property): enough to answer
// PeriodForTime/PeriodByID/AdaptationByID/RepresentationByID
// identically in a second process, without carrying live segment
// indices or subscriber lists.
type Snapshot struct {
	ID        string           `json:"id"`
	IsDynamic bool             `json:"isDynamic"`
	Periods   []PeriodSnapshot `json:"periods"`
}

type PeriodSnapshot struct {
	ID          string                      `json:"id"`
	Start       float64                     `json:"start"`
	Duration    *float64                    `json:"duration,omitempty"`
	Adaptations map[TrackType][]AdaptationSnapshot `json:"adaptations"`
}

type AdaptationSnapshot struct {
	ID              string                  `json:"id"`
	Type            TrackType               `json:"type"`
	Representations []RepresentationSnapshot `json:"representations"`
}

type RepresentationSnapshot struct {
	ID      string `json:"id"`
	Bitrate int    `json:"bitrate"`
}

// ToSnapshot projects m into its serializable lookup metadata.
func (m *Manifest) ToSnapshot() Snapshot {
	m.mu.RLock()
	defer m.mu.RUnlock()

	snap := Snapshot{ID: m.ID, IsDynamic: m.IsDynamic}
	for _, p := range m.periods {
		ps := PeriodSnapshot{ID: p.ID, Start: p.Start, Duration: p.Duration, Adaptations: make(map[TrackType][]AdaptationSnapshot)}
		for trackType, ads := range p.Adaptations {
			var asnaps []AdaptationSnapshot
			for _, a := range ads {
				asnap := AdaptationSnapshot{ID: a.ID, Type: a.Type}
				for _, r := range a.Representations {
					asnap.Representations = append(asnap.Representations, RepresentationSnapshot{ID: r.ID, Bitrate: r.Bitrate})
				}
				asnaps = append(asnaps, asnap)
			}
			ps.Adaptations[trackType] = asnaps
		}
		snap.Periods = append(snap.Periods, ps)
	}
	return snap
}

// Marshal encodes the snapshot as JSON.
func (s Snapshot) Marshal() ([]byte, error) { return json.Marshal(s) }

// FromSnapshot rehydrates a Manifest sufficient to answer the same
// lookup queries as the Manifest the Snapshot was taken from.
func FromSnapshot(data []byte) (*Manifest, error) {
	var snap Snapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		return nil, err
	}
	m := NewManifest(snap.ID)
	m.IsDynamic = snap.IsDynamic
	for _, ps := range snap.Periods {
		p := NewPeriod(ps.ID, ps.Start, ps.Duration)
		for trackType, ads := range ps.Adaptations {
			for _, asnap := range ads {
				ad := NewAdaptation(asnap.ID, trackType)
				for _, rsnap := range asnap.Representations {
					ad.AddRepresentation(NewRepresentation(rsnap.ID, rsnap.Bitrate, nil))
				}
				p.AddAdaptation(ad)
			}
		}
		m.AddPeriod(p)
	}
	return m, nil
}
