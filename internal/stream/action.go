package stream

import (
	"encoding/json"

	"github.com/fixfirsthq/callpilot/internal/journey"
)

// Action names accepted by the session action endpoint.
const (
	ActionConfirmStation    = "confirm_station"
	ActionSelectSegment     = "select_segment"
	ActionSetQualified      = "set_qualified"
	ActionSelectDestination = "select_destination"
)

// ActionRequest is the body of POST /api/session/{callId}/action.
type ActionRequest struct {
	Action  string          `json:"action"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// ActionResult is the envelope every action call answers with. A
// rejected action carries Error and no State; an accepted one carries
// the full fresh State.
type ActionResult struct {
	Success bool          `json:"success"`
	State   *SessionState `json:"state,omitempty"`
	Error   string        `json:"error,omitempty"`
}

// SessionResult is the response of GET /api/session/{callId}.
type SessionResult struct {
	Success bool          `json:"success"`
	State   *SessionState `json:"state,omitempty"`
	Error   string        `json:"error,omitempty"`
}

// ConfirmStationPayload asks the hub to advance past the named
// station. Station is optional; when set it must match the hub's
// current station, which catches a dashboard acting on a stale view.
type ConfirmStationPayload struct {
	Station journey.Station `json:"station,omitempty" validate:"omitempty,oneof=LISTEN SEGMENT QUALIFY DESTINATION"`
}

// SelectSegmentPayload confirms a customer segment.
type SelectSegmentPayload struct {
	Segment journey.Segment `json:"segment" validate:"required,oneof=HOMEOWNER LANDLORD PROP_MGR BUSY_PRO OAP"`
}

// SetQualifiedPayload records the qualification outcome. The pointer
// keeps "explicitly false" distinct from "field absent".
type SetQualifiedPayload struct {
	Qualified *bool `json:"qualified" validate:"required"`
}

// SelectDestinationPayload records the agent's destination choice.
type SelectDestinationPayload struct {
	Destination journey.Destination `json:"destination" validate:"required,oneof=INSTANT_PRICE VIDEO_REQUEST SITE_VISIT EMERGENCY_DISPATCH EXIT"`
}
