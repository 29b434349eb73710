// Package stream defines the wire protocol shared by the hub, the
// analyzer intake, and dashboard clients: the event envelope pushed
// over the live channel and the snapshot/action shapes of the REST
// endpoints.
package stream

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/fixfirsthq/callpilot/internal/journey"
)

// EventType discriminates the live-channel envelope.
type EventType string

const (
	EventSessionStarted      EventType = "session_started"
	EventStationUpdate       EventType = "station_update"
	EventSegmentDetected     EventType = "segment_detected"
	EventSegmentConfirmed    EventType = "segment_confirmed"
	EventInfoCaptured        EventType = "info_captured"
	EventQualifiedSet        EventType = "qualified_set"
	EventDestinationSelected EventType = "destination_selected"
	EventJobDetected         EventType = "job_detected"
	EventTranscriptSegment   EventType = "transcript_segment"
	EventSessionEnded        EventType = "session_ended"
	EventError               EventType = "error"
)

// Envelope is the raw wire frame: a discriminant plus an undecoded
// payload. Every payload carries the call id it belongs to.
type Envelope struct {
	Type EventType       `json:"type"`
	Data json.RawMessage `json:"data"`
}

// Event is one decoded live-channel message. The set of
// implementations is closed; consumers dispatch with a type switch
// over the concrete types below, so an unhandled kind is visible at
// the switch instead of silently ignored.
type Event interface {
	Call() string
	Kind() EventType
	event()
}

// Meta carries the field every payload shares. Event types embed it.
type Meta struct {
	CallID string `json:"callId"`
}

// Call returns the call id the event belongs to.
func (m Meta) Call() string { return m.CallID }

func (Meta) event() {}

// SessionStarted announces a new call; consumers reset to initial
// journey state.
type SessionStarted struct {
	Meta
	StartedAt time.Time `json:"startedAt,omitzero"`
}

// StationUpdate replaces the station group: current stage, completed
// set, and the current destination recommendation.
type StationUpdate struct {
	Meta
	CurrentStation         journey.Station      `json:"currentStation"`
	CompletedStations      []journey.Station    `json:"completedStations"`
	RecommendedDestination *journey.Destination `json:"recommendedDestination,omitempty"`
}

// SegmentDetected carries a fresh classification: the primary segment
// with its confidence and signals, plus ranked alternatives.
type SegmentDetected struct {
	Meta
	Segment      journey.Segment         `json:"segment"`
	Confidence   int                     `json:"confidence"`
	Signals      []string                `json:"signals,omitempty"`
	Alternatives []journey.SegmentOption `json:"alternatives,omitempty"`
}

// RankedOptions merges the primary segment with the alternatives into
// one ranked candidate list, sorted by confidence with ties keeping
// arrival order, capped at the display limit.
func (e SegmentDetected) RankedOptions() []journey.SegmentOption {
	opts := make([]journey.SegmentOption, 0, len(e.Alternatives)+1)
	opts = append(opts, journey.SegmentOption{
		Segment:    e.Segment,
		Confidence: e.Confidence,
		Signals:    e.Signals,
	})
	opts = append(opts, e.Alternatives...)
	return journey.RankOptions(opts)
}

// SegmentConfirmed reports an agent-confirmed segment. Confirmed
// segments are maximally trusted, so consumers force confidence to
// 100.
type SegmentConfirmed struct {
	Meta
	Segment journey.Segment `json:"segment"`
}

// InfoCaptured is a sparse patch of caller facts; absent keys mean
// "no news", not "unknown again".
type InfoCaptured struct {
	Meta
	journey.CapturedInfo
}

// QualifiedSet reports the qualification outcome.
type QualifiedSet struct {
	Meta
	Qualified bool `json:"qualified"`
}

// DestinationSelected reports an explicit destination choice.
type DestinationSelected struct {
	Meta
	Destination journey.Destination `json:"destination"`
}

// JobDetected reports one job the analyzer spotted, possibly a
// redetection of an already-known job under the same stable id.
type JobDetected struct {
	Meta
	Job journey.JobDetection `json:"job"`
}

// TranscriptSegment is one live-caption line. It feeds the transcript
// ring only and never touches journey state.
type TranscriptSegment struct {
	Meta
	Speaker string    `json:"speaker"`
	Text    string    `json:"text"`
	Final   bool      `json:"final"`
	At      time.Time `json:"at,omitzero"`
}

// SessionEnded announces the call is over.
type SessionEnded struct {
	Meta
	Reason string `json:"reason,omitempty"`
}

// ErrorEvent surfaces a server-side problem with the call. It carries
// no state change.
type ErrorEvent struct {
	Meta
	Code    string `json:"code,omitempty"`
	Message string `json:"message"`
}

func (SessionStarted) Kind() EventType      { return EventSessionStarted }
func (StationUpdate) Kind() EventType       { return EventStationUpdate }
func (SegmentDetected) Kind() EventType     { return EventSegmentDetected }
func (SegmentConfirmed) Kind() EventType    { return EventSegmentConfirmed }
func (InfoCaptured) Kind() EventType        { return EventInfoCaptured }
func (QualifiedSet) Kind() EventType        { return EventQualifiedSet }
func (DestinationSelected) Kind() EventType { return EventDestinationSelected }
func (JobDetected) Kind() EventType         { return EventJobDetected }
func (TranscriptSegment) Kind() EventType   { return EventTranscriptSegment }
func (SessionEnded) Kind() EventType        { return EventSessionEnded }
func (ErrorEvent) Kind() EventType          { return EventError }

// Decode parses a raw frame into its typed event. It returns an error
// for malformed JSON, a missing or unknown discriminant, a payload
// that does not match the discriminant, or a payload without a call
// id. Callers log and drop; one bad frame never takes the channel
// down.
func Decode(raw []byte) (Event, error) {
	var env Envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return nil, fmt.Errorf("decode envelope: %w", err)
	}
	return env.Decode()
}

// Decode parses the envelope payload according to its discriminant.
func (e Envelope) Decode() (Event, error) {
	if e.Type == "" {
		return nil, fmt.Errorf("envelope missing type")
	}

	var ev Event
	switch e.Type {
	case EventSessionStarted:
		ev = decodeInto[SessionStarted](e.Data)
	case EventStationUpdate:
		ev = decodeInto[StationUpdate](e.Data)
	case EventSegmentDetected:
		ev = decodeInto[SegmentDetected](e.Data)
	case EventSegmentConfirmed:
		ev = decodeInto[SegmentConfirmed](e.Data)
	case EventInfoCaptured:
		ev = decodeInto[InfoCaptured](e.Data)
	case EventQualifiedSet:
		ev = decodeInto[QualifiedSet](e.Data)
	case EventDestinationSelected:
		ev = decodeInto[DestinationSelected](e.Data)
	case EventJobDetected:
		ev = decodeInto[JobDetected](e.Data)
	case EventTranscriptSegment:
		ev = decodeInto[TranscriptSegment](e.Data)
	case EventSessionEnded:
		ev = decodeInto[SessionEnded](e.Data)
	case EventError:
		ev = decodeInto[ErrorEvent](e.Data)
	default:
		return nil, fmt.Errorf("unknown event type %q", e.Type)
	}

	if ev == nil {
		return nil, fmt.Errorf("decode %s payload", e.Type)
	}
	if ev.Call() == "" {
		return nil, fmt.Errorf("%s payload missing callId", e.Type)
	}
	return ev, nil
}

// decodeInto returns nil on unmarshal failure; Decode turns that into
// the error carrying the event type.
func decodeInto[T Event](data json.RawMessage) Event {
	var v T
	if err := json.Unmarshal(data, &v); err != nil {
		return nil
	}
	return v
}

// Marshal wraps a typed event back into its wire frame.
func Marshal(ev Event) ([]byte, error) {
	data, err := json.Marshal(ev)
	if err != nil {
		return nil, fmt.Errorf("marshal %s payload: %w", ev.Kind(), err)
	}
	return json.Marshal(Envelope{Type: ev.Kind(), Data: data})
}
