package journey

import "sort"

// MaxSegmentOptions caps the ranked candidate list shown to agents.
const MaxSegmentOptions = 3

// RankOptions orders candidates by confidence descending and caps the
// list at MaxSegmentOptions. The sort is stable: equal confidences
// keep their arrival order. The input is not modified.
func RankOptions(opts []SegmentOption) []SegmentOption {
	out := cloneOptions(opts)
	sort.SliceStable(out, func(i, j int) bool {
		return out[i].Confidence > out[j].Confidence
	})
	if len(out) > MaxSegmentOptions {
		out = out[:MaxSegmentOptions]
	}
	return out
}

// ConfirmOptions rebuilds a candidate list around a confirmed segment:
// the confirmed segment moves to the front at confidence 100, keeping
// any signals it already carried, and the remaining candidates keep
// their order up to the cap. The input is not modified.
func ConfirmOptions(prev []SegmentOption, confirmed Segment) []SegmentOption {
	head := SegmentOption{Segment: confirmed, Confidence: 100}
	out := []SegmentOption{head}
	for _, opt := range prev {
		if opt.Segment == confirmed {
			head.Signals = opt.Signals
			out[0] = head
			continue
		}
		if len(out) < MaxSegmentOptions {
			out = append(out, opt)
		}
	}
	return out
}
