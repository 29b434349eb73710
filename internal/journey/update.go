package journey

// StationChange replaces the station group wholesale: the current
// station, the completed set, and the server's destination
// recommendation travel together because the server is authoritative
// on sequencing.
type StationChange struct {
	Current     Station
	Completed   []Station
	Recommended *Destination
}

// SegmentChange replaces the segment classification atomically. A
// confidence value must never be displayed against a segment it was
// not computed for, so the pair (plus the ranked options) always
// changes as one unit.
type SegmentChange struct {
	Segment    Segment
	Confidence int
	Options    []SegmentOption
}

// Update is a partial mutation of a CallSession. Nil groups are left
// untouched; each non-nil group follows its own merge rule (see
// Store.Apply).
type Update struct {
	// Reset reinitializes the session to the first station with an
	// empty completed set before any other group applies.
	Reset bool

	Station   *StationChange
	Segment   *SegmentChange
	Captured  *CapturedInfo
	Qualified *bool
	Selected  *Destination
	Jobs      []JobDetection

	// ClearQualified and ClearSelected drop derived downstream state,
	// used when an upstream fact (the segment) changes and anything
	// computed from it is no longer trustworthy.
	ClearQualified bool
	ClearSelected  bool
}

// merge groups used for revision stamping.
const (
	fieldStation   = "station"
	fieldSegment   = "segment"
	fieldQualified = "qualified"
	fieldSelected  = "selected"
	fieldJobs      = "jobs"
	capturedPrefix = "captured."
)

// touchedFields lists the merge groups this update writes.
func (u Update) touchedFields() []string {
	var fields []string
	if u.Reset || u.Station != nil {
		fields = append(fields, fieldStation)
	}
	if u.Reset || u.Segment != nil {
		fields = append(fields, fieldSegment)
	}
	if u.Reset || u.Qualified != nil || u.ClearQualified {
		fields = append(fields, fieldQualified)
	}
	if u.Reset || u.Selected != nil || u.ClearSelected {
		fields = append(fields, fieldSelected)
	}
	if u.Reset || len(u.Jobs) > 0 {
		fields = append(fields, fieldJobs)
	}
	if u.Captured != nil {
		for _, key := range u.Captured.setKeys() {
			fields = append(fields, capturedPrefix+key)
		}
	} else if u.Reset {
		for _, key := range capturedKeys {
			fields = append(fields, capturedPrefix+key)
		}
	}
	return fields
}

var capturedKeys = []string{
	"jobDescription", "postcode", "name", "contact",
	"decisionMaker", "remoteOwner", "tenantPresent",
}

// setKeys lists the captured-info keys this patch carries.
func (c CapturedInfo) setKeys() []string {
	var keys []string
	if c.JobDescription != nil {
		keys = append(keys, "jobDescription")
	}
	if c.Postcode != nil {
		keys = append(keys, "postcode")
	}
	if c.Name != nil {
		keys = append(keys, "name")
	}
	if c.Contact != nil {
		keys = append(keys, "contact")
	}
	if c.DecisionMaker != nil {
		keys = append(keys, "decisionMaker")
	}
	if c.RemoteOwner != nil {
		keys = append(keys, "remoteOwner")
	}
	if c.TenantPresent != nil {
		keys = append(keys, "tenantPresent")
	}
	return keys
}

// mergeInto applies the patch key by key. Keys the patch does not
// carry keep their previous value; a captured fact is never knocked
// back to "unknown" by an update that did not mention it.
func (c CapturedInfo) mergeInto(dst *CapturedInfo) {
	if c.JobDescription != nil {
		dst.JobDescription = cloneString(c.JobDescription)
	}
	if c.Postcode != nil {
		dst.Postcode = cloneString(c.Postcode)
	}
	if c.Name != nil {
		dst.Name = cloneString(c.Name)
	}
	if c.Contact != nil {
		dst.Contact = cloneString(c.Contact)
	}
	if c.DecisionMaker != nil {
		dst.DecisionMaker = cloneBool(c.DecisionMaker)
	}
	if c.RemoteOwner != nil {
		dst.RemoteOwner = cloneBool(c.RemoteOwner)
	}
	if c.TenantPresent != nil {
		dst.TenantPresent = cloneBool(c.TenantPresent)
	}
}
