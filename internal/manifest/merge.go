package manifest

import "sort"

// Replace performs a full manifest update (§4.A): the Period list is
// replaced wholesale and every scalar field is copied from newer.
func (m *Manifest) Replace(newer *Manifest) {
	m.mu.Lock()

	var removed []string
	for _, p := range m.periods {
		removed = append(removed, p.ID)
	}

	m.ID = newer.ID
	m.IsDynamic = newer.IsDynamic
	m.IsLive = newer.IsLive
	m.IsLastPeriodKnown = newer.IsLastPeriodKnown
	m.ClockOffset = newer.ClockOffset
	m.AvailabilityStartTime = newer.AvailabilityStartTime
	m.SuggestedPresentationDelay = newer.SuggestedPresentationDelay
	m.Lifetime = newer.Lifetime
	m.Expired = newer.Expired
	m.TimeBounds = newer.TimeBounds
	m.URIs = newer.URIs

	m.periods = append([]*Period(nil), newer.periods...)
	sort.Slice(m.periods, func(i, j int) bool { return m.periods[i].Start < m.periods[j].Start })

	added := append([]*Period(nil), m.periods...)
	m.mu.Unlock()

	m.emitManifestUpdate(ManifestUpdateEvent{Kind: UpdateFull, AddedPeriods: added, RemovedPeriods: removed})
}

// Update performs a partial update (§4.A): scalar fields are updated,
// Periods are merged by id (matched Periods delegate to
// Period.merge, unmatched new Periods are appended), then Periods
// whose end is at or before the current minimum safe position are
// pruned. No Period id is ever duplicated (§8 invariant 2).
func (m *Manifest) Update(newer *Manifest) {
	m.mu.Lock()

	m.IsDynamic = newer.IsDynamic
	m.IsLive = newer.IsLive
	m.IsLastPeriodKnown = newer.IsLastPeriodKnown
	m.ClockOffset = newer.ClockOffset
	m.AvailabilityStartTime = newer.AvailabilityStartTime
	m.SuggestedPresentationDelay = newer.SuggestedPresentationDelay
	m.Lifetime = newer.Lifetime
	m.Expired = newer.Expired
	m.TimeBounds = newer.TimeBounds
	m.URIs = newer.URIs

	byID := make(map[string]*Period, len(m.periods))
	for _, p := range m.periods {
		byID[p.ID] = p
	}

	var added []*Period
	for _, np := range newer.periods {
		if existing, ok := byID[np.ID]; ok {
			existing.merge(np)
			continue
		}
		m.periods = append(m.periods, np)
		byID[np.ID] = np
		added = append(added, np)
	}
	sort.Slice(m.periods, func(i, j int) bool { return m.periods[i].Start < m.periods[j].Start })

	minPos := m.TimeBounds.MinimumPosition()
	var kept []*Period
	var removed []string
	for _, p := range m.periods {
		if p.End != nil && *p.End <= minPos {
			removed = append(removed, p.ID)
			continue
		}
		kept = append(kept, p)
	}
	m.periods = kept

	m.mu.Unlock()

	if len(added) > 0 || len(removed) > 0 {
		m.emitManifestUpdate(ManifestUpdateEvent{Kind: UpdatePartial, AddedPeriods: added, RemovedPeriods: removed})
	}
}

// merge folds np's scalar fields and Adaptations into p, matching
// Adaptations by id and delegating Representation-level merging
// (ultimately SegmentIndex._update) per §4.A step 2.
func (p *Period) merge(np *Period) {
	p.Duration = np.Duration
	p.End = np.End
	if len(np.StreamEvents) > 0 {
		p.StreamEvents = np.StreamEvents
	}

	for trackType, newList := range np.Adaptations {
		existingList := p.Adaptations[trackType]
		byID := make(map[string]*Adaptation, len(existingList))
		for _, a := range existingList {
			byID[a.ID] = a
		}
		for _, na := range newList {
			if existing, ok := byID[na.ID]; ok {
				existing.merge(na)
				continue
			}
			existingList = append(existingList, na)
			byID[na.ID] = na
		}
		if p.Adaptations == nil {
			p.Adaptations = make(map[TrackType][]*Adaptation)
		}
		p.Adaptations[trackType] = existingList
	}
}

// merge folds na's Representations into a, matching by id.
func (a *Adaptation) merge(na *Adaptation) {
	if na.Language != "" {
		a.Language = na.Language
	}
	byID := make(map[string]*Representation, len(a.Representations))
	for _, r := range a.Representations {
		byID[r.ID] = r
	}
	for _, nr := range na.Representations {
		if existing, ok := byID[nr.ID]; ok {
			existing.merge(nr)
			continue
		}
		a.Representations = append(a.Representations, nr)
		byID[nr.ID] = nr
	}
}

// merge folds nr into r: scalar fields are refreshed and the segment
// index is updated in place via SegmentIndex._update, preserving r's
// identity (and any should_be_avoided/decipherable flags already
// recorded against it).
func (r *Representation) merge(nr *Representation) {
	r.Bitrate = nr.Bitrate
	r.Codecs = nr.Codecs
	r.MimeType = nr.MimeType
	r.Width = nr.Width
	r.Height = nr.Height
	r.FrameRate = nr.FrameRate
	r.HDRInfo = nr.HDRInfo
	if len(nr.ContentProtections) > 0 {
		r.ContentProtections = nr.ContentProtections
	}
	if nr.CDNMetadata != nil {
		r.CDNMetadata = nr.CDNMetadata
	}

	if mi, ok := r.Index.(mutableIndex); ok {
		mi.update(nr.Index)
	} else {
		r.Index = nr.Index
	}
}
