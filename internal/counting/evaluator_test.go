package counting

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

var testZone = CountingZone{Center: 280, Offset: 40} // [240, 320]

func TestCountingZoneBounds(t *testing.T) {
	assert.Equal(t, 240, testZone.Top())
	assert.Equal(t, 320, testZone.Bottom())
	assert.True(t, testZone.Contains(240))
	assert.True(t, testZone.Contains(320))
	assert.False(t, testZone.Contains(239))
	assert.False(t, testZone.Contains(321))
}

func TestClassify(t *testing.T) {
	tests := []struct {
		name     string
		prev     PreviousState
		hasPrev  bool
		currentY int
		want     Crossing
	}{
		{"no history", PreviousState{}, false, 280, CrossingNone},
		{"entered from above", PreviousState{CentroidY: 100}, true, 280, CrossingEntered},
		{"entered from below", PreviousState{CentroidY: 400}, true, 300, CrossingEntered},
		{"jump down through band", PreviousState{CentroidY: 100}, true, 400, CrossingDown},
		{"jump up through band", PreviousState{CentroidY: 400}, true, 100, CrossingUp},
		{"still above", PreviousState{CentroidY: 100}, true, 200, CrossingNone},
		{"still below", PreviousState{CentroidY: 400}, true, 350, CrossingNone},
		{"stays inside", PreviousState{CentroidY: 250, InZone: true}, true, 260, CrossingNone},
		{"leaves band downward", PreviousState{CentroidY: 300, InZone: true}, true, 330, CrossingNone},
		{"lands exactly on top edge", PreviousState{CentroidY: 239}, true, 240, CrossingEntered},
		{"from top edge to below", PreviousState{CentroidY: 240, InZone: true}, true, 330, CrossingNone},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			inZone := testZone.Contains(tt.currentY)
			got := Classify(tt.prev, tt.hasPrev, tt.currentY, inZone, testZone)
			assert.Equal(t, tt.want, got)
			assert.Equal(t, tt.want != CrossingNone, Evaluate(tt.prev, tt.hasPrev, tt.currentY, inZone, testZone))
		})
	}
}

func TestClassifyDirectionalBeforeEntered(t *testing.T) {
	// A stale in-zone flag cannot mask a clean jump.
	prev := PreviousState{CentroidY: 100, InZone: false}
	assert.Equal(t, CrossingDown, Classify(prev, true, 400, false, testZone))
}

func TestEvaluateDeterministic(t *testing.T) {
	prev := PreviousState{TrackID: 3, CentroidY: 150}
	first := Evaluate(prev, true, 260, true, testZone)
	for i := 0; i < 100; i++ {
		assert.Equal(t, first, Evaluate(prev, true, 260, true, testZone))
	}
}
