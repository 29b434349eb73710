package journey

import (
	"fmt"
	"hash/fnv"
	"strings"
)

// SegmentOption is one ranked segment candidate with the transcript
// signals that produced it.
type SegmentOption struct {
	Segment    Segment  `json:"segment"`
	Confidence int      `json:"confidence"`
	Signals    []string `json:"signals,omitempty"`
}

// CapturedInfo holds the facts captured from the caller so far.
// Every field is nullable: nil means "not yet captured", which is
// distinct from an explicit false or empty answer.
type CapturedInfo struct {
	JobDescription *string `json:"jobDescription,omitempty"`
	Postcode       *string `json:"postcode,omitempty"`
	Name           *string `json:"name,omitempty"`
	Contact        *string `json:"contact,omitempty"`
	DecisionMaker  *bool   `json:"decisionMaker,omitempty"`
	RemoteOwner    *bool   `json:"remoteOwner,omitempty"`
	TenantPresent  *bool   `json:"tenantPresent,omitempty"`
}

// JobDetection is one job the analyzer spotted in the conversation,
// optionally matched against the price catalog.
type JobDetection struct {
	ID          string `json:"id"`
	Description string `json:"description"`
	Matched     bool   `json:"matched"`
	CatalogItem string `json:"catalogItem,omitempty"`
	PricePence  int    `json:"pricePence,omitempty"`
}

// JobID derives a stable identifier from a detection's description, so
// the same underlying job keeps its identity across redetection and
// reordering.
func JobID(description string) string {
	h := fnv.New64a()
	h.Write([]byte(strings.ToLower(strings.TrimSpace(description))))
	return fmt.Sprintf("job-%x", h.Sum64())
}

// CallSession is the full journey state of one live call.
type CallSession struct {
	CallID                 string          `json:"callId"`
	CurrentStation         Station         `json:"currentStation"`
	CompletedStations      []Station       `json:"completedStations"`
	DetectedSegment        *Segment        `json:"detectedSegment"`
	SegmentConfidence      int             `json:"segmentConfidence"`
	SegmentOptions         []SegmentOption `json:"segmentOptions"`
	CapturedInfo           CapturedInfo    `json:"capturedInfo"`
	IsQualified            *bool           `json:"isQualified"`
	RecommendedDestination *Destination    `json:"recommendedDestination"`
	SelectedDestination    *Destination    `json:"selectedDestination"`
	DetectedJobs           []JobDetection  `json:"detectedJobs"`
}

// NewSession returns the initial session state for a call: first
// station, nothing completed, nothing captured.
func NewSession(callID string) *CallSession {
	return &CallSession{
		CallID:            callID,
		CurrentStation:    StationListen,
		CompletedStations: []Station{},
		SegmentOptions:    []SegmentOption{},
		DetectedJobs:      []JobDetection{},
	}
}

// Clone returns a deep copy sharing no slices or pointers with the
// original.
func (s *CallSession) Clone() *CallSession {
	out := *s
	out.CompletedStations = append([]Station(nil), s.CompletedStations...)
	out.SegmentOptions = cloneOptions(s.SegmentOptions)
	out.DetectedJobs = append([]JobDetection(nil), s.DetectedJobs...)
	out.DetectedSegment = cloneSegment(s.DetectedSegment)
	out.IsQualified = cloneBool(s.IsQualified)
	out.RecommendedDestination = cloneDestination(s.RecommendedDestination)
	out.SelectedDestination = cloneDestination(s.SelectedDestination)
	out.CapturedInfo = s.CapturedInfo.clone()
	return &out
}

// HasJob reports whether a detection with the given id is present.
func (s *CallSession) HasJob(id string) bool {
	for _, j := range s.DetectedJobs {
		if j.ID == id {
			return true
		}
	}
	return false
}

func (c CapturedInfo) clone() CapturedInfo {
	return CapturedInfo{
		JobDescription: cloneString(c.JobDescription),
		Postcode:       cloneString(c.Postcode),
		Name:           cloneString(c.Name),
		Contact:        cloneString(c.Contact),
		DecisionMaker:  cloneBool(c.DecisionMaker),
		RemoteOwner:    cloneBool(c.RemoteOwner),
		TenantPresent:  cloneBool(c.TenantPresent),
	}
}

func cloneOptions(opts []SegmentOption) []SegmentOption {
	if opts == nil {
		return nil
	}
	out := make([]SegmentOption, len(opts))
	for i, o := range opts {
		out[i] = o
		out[i].Signals = append([]string(nil), o.Signals...)
	}
	return out
}

func cloneString(p *string) *string {
	if p == nil {
		return nil
	}
	v := *p
	return &v
}

func cloneBool(p *bool) *bool {
	if p == nil {
		return nil
	}
	v := *p
	return &v
}

func cloneSegment(p *Segment) *Segment {
	if p == nil {
		return nil
	}
	v := *p
	return &v
}

func cloneDestination(p *Destination) *Destination {
	if p == nil {
		return nil
	}
	v := *p
	return &v
}
