package counting

// Annotation is everything a renderer needs to draw one detection
type Annotation struct {
	TrackID    int      `json:"track_id"`
	Category   Category `json:"category"`
	Confidence float64  `json:"confidence"`
	Box        Box      `json:"box"`
	CentroidX  int      `json:"centroid_x"`
	CentroidY  int      `json:"centroid_y"`
	InZone     bool     `json:"in_zone"`
	Counted    bool     `json:"counted"`           // Counted by this frame
	Frozen     bool     `json:"frozen"`            // Counted by an earlier frame
	Trigger    Crossing `json:"trigger,omitempty"` // Set when Counted
}

// FrameResult is the outcome of reducing one frame
type FrameResult struct {
	Zone         CountingZone `json:"zone"`
	Annotations  []Annotation `json:"annotations"`
	Accepted     int          `json:"accepted"`      // Detections with an accepted category
	NewlyCounted int          `json:"newly_counted"` // Identities counted by this frame
}

// Counted returns the annotations counted by this frame
func (r FrameResult) Counted() []Annotation {
	var out []Annotation
	for _, a := range r.Annotations {
		if a.Counted {
			out = append(out, a)
		}
	}
	return out
}

// Reduce applies one frame of tracked detections to the counting state.
//
// Detections are handled in the order given. Identities already in counted
// are frozen: the store is not touched and the evaluator is not consulted.
// Every other accepted detection is upserted exactly once so the next frame
// has a baseline, whatever the evaluator decides.
func Reduce(dets []TrackedDetection, zone CountingZone, cfg Config, store *TrackStore, counted CountedSet, counters Counters) FrameResult {
	result := FrameResult{
		Zone:        zone,
		Annotations: make([]Annotation, 0, len(dets)),
	}

	for _, det := range dets {
		if !cfg.Accepts(det.Category) {
			continue
		}
		result.Accepted++

		cx, cy := det.Box.Centroid()
		inZone := zone.Contains(cy)

		ann := Annotation{
			TrackID:    det.TrackID,
			Category:   det.Category,
			Confidence: det.Confidence,
			Box:        det.Box,
			CentroidX:  cx,
			CentroidY:  cy,
			InZone:     inZone,
		}

		if counted.Has(det.TrackID) {
			ann.Frozen = true
			result.Annotations = append(result.Annotations, ann)
			continue
		}

		prev, hasPrev := store.Upsert(det.TrackID, det.Category, cy, inZone)
		if trigger := Classify(prev, hasPrev, cy, inZone, zone); trigger != CrossingNone {
			counted.Add(det.TrackID)
			counters[det.Category]++
			ann.Counted = true
			ann.Trigger = trigger
			result.NewlyCounted++
		}

		result.Annotations = append(result.Annotations, ann)
	}

	return result
}
