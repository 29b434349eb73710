// Package journey contains the core domain types for a live call:
// the guided funnel stations, customer segments, destinations, and the
// per-call session state assembled from analyzer events and agent actions.
package journey

// Station is a discrete stage in the guided call funnel.
type Station string

const (
	StationListen      Station = "LISTEN"
	StationSegment     Station = "SEGMENT"
	StationQualify     Station = "QUALIFY"
	StationDestination Station = "DESTINATION"
)

// stationOrder is the fixed forward order of the funnel.
var stationOrder = []Station{StationListen, StationSegment, StationQualify, StationDestination}

// Stations returns the funnel stations in forward order.
func Stations() []Station {
	out := make([]Station, len(stationOrder))
	copy(out, stationOrder)
	return out
}

// Index returns the position of the station in the funnel, or -1 if unknown.
func (s Station) Index() int {
	for i, st := range stationOrder {
		if st == s {
			return i
		}
	}
	return -1
}

// Valid reports whether the station is a known funnel stage.
func (s Station) Valid() bool {
	return s.Index() >= 0
}

// Next returns the station after s in the funnel.
// The second return is false when s is terminal or unknown.
func (s Station) Next() (Station, bool) {
	i := s.Index()
	if i < 0 || i+1 >= len(stationOrder) {
		return "", false
	}
	return stationOrder[i+1], true
}

// Segment is the enumerated customer-type classification.
type Segment string

const (
	SegmentHomeowner Segment = "HOMEOWNER"
	SegmentLandlord  Segment = "LANDLORD"
	SegmentPropMgr   Segment = "PROP_MGR"
	SegmentBusyPro   Segment = "BUSY_PRO"
	SegmentOAP       Segment = "OAP"
)

// Valid reports whether the segment is a known classification.
func (s Segment) Valid() bool {
	switch s {
	case SegmentHomeowner, SegmentLandlord, SegmentPropMgr, SegmentBusyPro, SegmentOAP:
		return true
	}
	return false
}

// Destination is the funnel's terminal outcome for a call.
type Destination string

const (
	DestinationInstantPrice      Destination = "INSTANT_PRICE"
	DestinationVideoRequest      Destination = "VIDEO_REQUEST"
	DestinationSiteVisit         Destination = "SITE_VISIT"
	DestinationEmergencyDispatch Destination = "EMERGENCY_DISPATCH"
	DestinationExit              Destination = "EXIT"
)

// Valid reports whether the destination is a known outcome.
func (d Destination) Valid() bool {
	switch d {
	case DestinationInstantPrice, DestinationVideoRequest, DestinationSiteVisit,
		DestinationEmergencyDispatch, DestinationExit:
		return true
	}
	return false
}
