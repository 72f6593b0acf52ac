package counting

// Crossing names the condition that made a frame count an identity
type Crossing string

const (
	CrossingNone    Crossing = ""
	CrossingDown    Crossing = "crossed_down"
	CrossingUp      Crossing = "crossed_up"
	CrossingEntered Crossing = "entered_zone"
)

// Classify compares one identity's previous and current observation against
// the zone and returns the trigger that fired, or CrossingNone.
//
// A clean jump through the band in either direction counts even when no
// frame sampled the object inside it. Entering the band counts as well;
// that trigger is looser than a directional crossing and dominates on
// per-frame sampled video. Without a previous observation nothing counts.
func Classify(prev PreviousState, hasPrev bool, currentY int, currentInZone bool, zone CountingZone) Crossing {
	if !hasPrev {
		return CrossingNone
	}

	switch {
	case prev.CentroidY < zone.Top() && currentY > zone.Bottom():
		return CrossingDown
	case prev.CentroidY > zone.Bottom() && currentY < zone.Top():
		return CrossingUp
	case !prev.InZone && currentInZone:
		return CrossingEntered
	}
	return CrossingNone
}

// Evaluate reports whether this observation is a countable crossing event
func Evaluate(prev PreviousState, hasPrev bool, currentY int, currentInZone bool, zone CountingZone) bool {
	return Classify(prev, hasPrev, currentY, currentInZone, zone) != CrossingNone
}
