package hub

import (
	"strings"

	"github.com/fixfirsthq/callpilot/internal/journey"
)

// emergencyWords are the phrases that route a call straight to the
// emergency crew when they show up in a job description.
var emergencyWords = []string{
	"emergency",
	"burst",
	"flooding",
	"flood",
	"gas leak",
	"gas smell",
	"smell gas",
	"no heating",
	"no hot water",
	"sparking",
	"sewage",
}

// Recommend computes the destination the hub suggests for the current
// session state, or nil when there is not enough signal yet. Dashboards
// only display the recommendation; selection stays with the agent.
//
// The ladder, most urgent first: emergency wording in any job
// dispatches immediately; an explicitly unqualified caller exits; with
// neither a segment nor a qualification outcome there is nothing to
// steer on; an off-site decision maker gets a video request; fully
// priced work gets an instant price; known but unpriceable work gets a
// site visit.
func Recommend(sess *journey.CallSession) *journey.Destination {
	if hasEmergencyJob(sess) {
		return destination(journey.DestinationEmergencyDispatch)
	}
	if sess.IsQualified != nil && !*sess.IsQualified {
		return destination(journey.DestinationExit)
	}
	if sess.DetectedSegment == nil && sess.IsQualified == nil {
		return nil
	}
	if isTrue(sess.CapturedInfo.RemoteOwner) || isTrue(sess.CapturedInfo.TenantPresent) {
		return destination(journey.DestinationVideoRequest)
	}
	if len(sess.DetectedJobs) == 0 {
		return nil
	}
	if allMatched(sess.DetectedJobs) {
		return destination(journey.DestinationInstantPrice)
	}
	return destination(journey.DestinationSiteVisit)
}

// hasEmergencyJob checks the detected jobs and the captured job
// description for emergency wording.
func hasEmergencyJob(sess *journey.CallSession) bool {
	for _, job := range sess.DetectedJobs {
		if containsEmergencyWord(job.Description) {
			return true
		}
	}
	if sess.CapturedInfo.JobDescription != nil {
		return containsEmergencyWord(*sess.CapturedInfo.JobDescription)
	}
	return false
}

func containsEmergencyWord(description string) bool {
	lower := strings.ToLower(description)
	for _, word := range emergencyWords {
		if strings.Contains(lower, word) {
			return true
		}
	}
	return false
}

func allMatched(jobs []journey.JobDetection) bool {
	for _, job := range jobs {
		if !job.Matched {
			return false
		}
	}
	return true
}

func destination(d journey.Destination) *journey.Destination {
	return &d
}

func isTrue(p *bool) bool {
	return p != nil && *p
}

func sameDestination(a, b *journey.Destination) bool {
	if a == nil || b == nil {
		return a == b
	}
	return *a == *b
}
