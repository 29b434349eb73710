package journey

import (
	"sync"
)

// Store owns the displayed state of one call and serializes every
// mutation to it. All writes go through Apply; Seed is the one
// exception, used to load a fetched snapshot without clobbering fields
// a live event has already moved past the snapshot.
//
// Revisions: every effective mutation bumps Rev. Apply stamps the
// revision onto each merge group it writes, and Seed skips any group
// stamped after the revision the caller captured before fetching.
type Store struct {
	mu       sync.Mutex
	session  *CallSession
	rev      uint64
	touched  map[string]uint64
	onChange func(*CallSession)
}

// NewStore creates a store bound to one call id, holding the initial
// session state.
func NewStore(callID string) *Store {
	return &Store{
		session: NewSession(callID),
		touched: make(map[string]uint64),
	}
}

// OnChange registers the observer invoked after every effective
// mutation with a snapshot of the new state. The observer runs on the
// mutating goroutine, outside the store lock, so it may call back into
// the store.
func (s *Store) OnChange(fn func(*CallSession)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.onChange = fn
}

// CallID returns the call this store is bound to.
func (s *Store) CallID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.session.CallID
}

// Rev returns the current revision counter.
func (s *Store) Rev() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.rev
}

// Snapshot returns a deep copy of the current session state.
func (s *Store) Snapshot() *CallSession {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.session.Clone()
}

// Apply merges a partial update into the session. Group rules:
// station and segment groups replace wholesale, capturedInfo merges
// key by key, detectedJobs upsert by stable id preserving first
// arrival order. An empty update is a no-op.
func (s *Store) Apply(u Update) {
	fields := u.touchedFields()
	if len(fields) == 0 {
		return
	}

	s.mu.Lock()

	if u.Reset {
		s.session = NewSession(s.session.CallID)
	}
	if u.Station != nil {
		s.session.CurrentStation = u.Station.Current
		s.session.CompletedStations = append([]Station(nil), u.Station.Completed...)
		s.session.RecommendedDestination = cloneDestination(u.Station.Recommended)
	}
	if u.Segment != nil {
		seg := u.Segment.Segment
		s.session.DetectedSegment = &seg
		s.session.SegmentConfidence = u.Segment.Confidence
		s.session.SegmentOptions = cloneOptions(u.Segment.Options)
		if s.session.SegmentOptions == nil {
			s.session.SegmentOptions = []SegmentOption{}
		}
	}
	if u.Captured != nil {
		u.Captured.mergeInto(&s.session.CapturedInfo)
	}
	if u.ClearQualified {
		s.session.IsQualified = nil
	}
	if u.Qualified != nil {
		s.session.IsQualified = cloneBool(u.Qualified)
	}
	if u.ClearSelected {
		s.session.SelectedDestination = nil
	}
	if u.Selected != nil {
		s.session.SelectedDestination = cloneDestination(u.Selected)
	}
	if len(u.Jobs) > 0 {
		s.upsertJobsLocked(u.Jobs)
	}

	s.rev++
	for _, f := range fields {
		s.touched[f] = s.rev
	}

	snap, fn := s.notifyLocked()
	s.mu.Unlock()

	if fn != nil {
		fn(snap)
	}
}

// Seed loads a fetched snapshot, skipping every merge group touched by
// an Apply after asOf. Callers capture asOf with Rev() before issuing
// the fetch, so live events that landed while the fetch was in flight
// keep their newer values.
func (s *Store) Seed(snap *CallSession, asOf uint64) {
	if snap == nil {
		return
	}

	s.mu.Lock()

	fresh := func(field string) bool { return s.touched[field] <= asOf }
	applied := 0

	if fresh(fieldStation) {
		s.session.CurrentStation = snap.CurrentStation
		s.session.CompletedStations = append([]Station(nil), snap.CompletedStations...)
		s.session.RecommendedDestination = cloneDestination(snap.RecommendedDestination)
		applied++
	}
	if fresh(fieldSegment) && snap.DetectedSegment != nil {
		s.session.DetectedSegment = cloneSegment(snap.DetectedSegment)
		s.session.SegmentConfidence = snap.SegmentConfidence
		s.session.SegmentOptions = cloneOptions(snap.SegmentOptions)
		if s.session.SegmentOptions == nil {
			s.session.SegmentOptions = []SegmentOption{}
		}
		applied++
	}
	applied += seedCaptured(&s.session.CapturedInfo, snap.CapturedInfo, fresh)
	if fresh(fieldQualified) && snap.IsQualified != nil {
		s.session.IsQualified = cloneBool(snap.IsQualified)
		applied++
	}
	if fresh(fieldSelected) && snap.SelectedDestination != nil {
		s.session.SelectedDestination = cloneDestination(snap.SelectedDestination)
		applied++
	}
	if fresh(fieldJobs) && len(snap.DetectedJobs) > 0 {
		s.upsertJobsLocked(snap.DetectedJobs)
		applied++
	}

	if applied == 0 {
		s.mu.Unlock()
		return
	}

	s.rev++
	snapOut, fn := s.notifyLocked()
	s.mu.Unlock()

	if fn != nil {
		fn(snapOut)
	}
}

// upsertJobsLocked merges detections by stable id: known ids update in
// place, new ids append in arrival order.
func (s *Store) upsertJobsLocked(jobs []JobDetection) {
	for _, job := range jobs {
		replaced := false
		for i, existing := range s.session.DetectedJobs {
			if existing.ID == job.ID {
				s.session.DetectedJobs[i] = job
				replaced = true
				break
			}
		}
		if !replaced {
			s.session.DetectedJobs = append(s.session.DetectedJobs, job)
		}
	}
}

func (s *Store) notifyLocked() (*CallSession, func(*CallSession)) {
	if s.onChange == nil {
		return nil, nil
	}
	return s.session.Clone(), s.onChange
}

func seedCaptured(dst *CapturedInfo, src CapturedInfo, fresh func(string) bool) int {
	applied := 0
	if src.JobDescription != nil && fresh(capturedPrefix+"jobDescription") {
		dst.JobDescription = cloneString(src.JobDescription)
		applied++
	}
	if src.Postcode != nil && fresh(capturedPrefix+"postcode") {
		dst.Postcode = cloneString(src.Postcode)
		applied++
	}
	if src.Name != nil && fresh(capturedPrefix+"name") {
		dst.Name = cloneString(src.Name)
		applied++
	}
	if src.Contact != nil && fresh(capturedPrefix+"contact") {
		dst.Contact = cloneString(src.Contact)
		applied++
	}
	if src.DecisionMaker != nil && fresh(capturedPrefix+"decisionMaker") {
		dst.DecisionMaker = cloneBool(src.DecisionMaker)
		applied++
	}
	if src.RemoteOwner != nil && fresh(capturedPrefix+"remoteOwner") {
		dst.RemoteOwner = cloneBool(src.RemoteOwner)
		applied++
	}
	if src.TenantPresent != nil && fresh(capturedPrefix+"tenantPresent") {
		dst.TenantPresent = cloneBool(src.TenantPresent)
		applied++
	}
	return applied
}
