package domain

import "time"

// Detection is one candidate the vision service proposed: a tool class,
// how many of it were seen, and the model's confidence in [0,1].
type Detection struct {
	Class      string
	Confidence float64
	Count      int
}

// DetectionResult is the ephemeral outcome of one detect call. It is
// never persisted beyond the owning session.
type DetectionResult struct {
	Tools          []Detection
	TotalDetected  int
	ProcessingTime time.Duration
}

// MergeCandidates folds detection candidates into line items, summing
// counts when the same class appears more than once and keeping the
// highest confidence seen for it. Final quantity starts equal to the
// detected quantity. Candidate order is preserved by first appearance.
func MergeCandidates(candidates []Detection) []LineItem {
	items := make([]LineItem, 0, len(candidates))
	index := make(map[string]int, len(candidates))

	for _, c := range candidates {
		if c.Count <= 0 {
			continue
		}
		if i, ok := index[c.Class]; ok {
			*items[i].DetectedQuantity += c.Count
			items[i].FinalQuantity += c.Count
			if items[i].Confidence != nil && c.Confidence > *items[i].Confidence {
				*items[i].Confidence = c.Confidence
			}
			continue
		}
		detected := c.Count
		confidence := c.Confidence
		index[c.Class] = len(items)
		items = append(items, LineItem{
			ToolType:         c.Class,
			Name:             c.Class,
			DetectedQuantity: &detected,
			Confidence:       &confidence,
			FinalQuantity:    detected,
		})
	}
	return items
}
