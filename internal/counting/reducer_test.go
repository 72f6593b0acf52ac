package counting

import (
	"math/rand"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// boxAt returns a box whose centroid is (320, cy)
func boxAt(cy int) Box {
	return Box{Left: 300, Top: cy - 20, Right: 340, Bottom: cy + 20}
}

func det(id int, cat Category, cy int) TrackedDetection {
	return TrackedDetection{TrackID: id, Category: cat, Confidence: 0.9, Box: boxAt(cy)}
}

type reduceState struct {
	store    *TrackStore
	counted  CountedSet
	counters Counters
	cfg      Config
}

func newReduceState() *reduceState {
	return &reduceState{
		store:    NewTrackStore(),
		counted:  make(CountedSet),
		counters: NewCounters(DefaultCategories),
		cfg:      NewConfig(DefaultCategories),
	}
}

func (s *reduceState) reduce(dets ...TrackedDetection) FrameResult {
	return Reduce(dets, testZone, s.cfg, s.store, s.counted, s.counters)
}

func TestBoxCentroidFloors(t *testing.T) {
	cx, cy := Box{Left: 0, Top: 0, Right: 5, Bottom: 7}.Centroid()
	assert.Equal(t, 2, cx)
	assert.Equal(t, 3, cy)

	_, cy = Box{Top: -3, Bottom: 0}.Centroid()
	assert.Equal(t, -2, cy)
}

func TestReduceEnteredZoneScenario(t *testing.T) {
	s := newReduceState()

	res := s.reduce(det(7, CategoryCar, 100))
	require.Len(t, res.Annotations, 1)
	assert.False(t, res.Annotations[0].Counted)
	assert.Equal(t, 0, s.counters[CategoryCar])

	prev, ok := s.store.Get(7)
	require.True(t, ok)
	assert.Equal(t, 100, prev.CentroidY)
	assert.False(t, prev.InZone)

	res = s.reduce(det(7, CategoryCar, 280))
	require.Len(t, res.Annotations, 1)
	assert.True(t, res.Annotations[0].Counted)
	assert.Equal(t, CrossingEntered, res.Annotations[0].Trigger)
	assert.Equal(t, 1, res.NewlyCounted)
	assert.Equal(t, 1, s.counters[CategoryCar])
	assert.Equal(t, CountedSet{7: {}}, s.counted)
}

func TestReduceJumpThroughBand(t *testing.T) {
	s := newReduceState()

	s.reduce(det(9, CategoryTruck, 100))
	res := s.reduce(det(9, CategoryTruck, 400))

	require.Len(t, res.Annotations, 1)
	assert.True(t, res.Annotations[0].Counted)
	assert.Equal(t, CrossingDown, res.Annotations[0].Trigger)
	assert.False(t, res.Annotations[0].InZone)
	assert.Equal(t, 1, s.counters[CategoryTruck])
}

func TestReduceCountedIdentityIsFrozen(t *testing.T) {
	s := newReduceState()
	s.reduce(det(9, CategoryTruck, 100))
	s.reduce(det(9, CategoryTruck, 400))

	before, _ := s.store.Get(9)
	res := s.reduce(det(9, CategoryTruck, 350))

	after, _ := s.store.Get(9)
	assert.Equal(t, before, after, "store must not change for a counted identity")
	assert.Equal(t, 400, after.CentroidY)
	require.Len(t, res.Annotations, 1)
	assert.True(t, res.Annotations[0].Frozen)
	assert.False(t, res.Annotations[0].Counted)
	assert.Equal(t, 0, res.NewlyCounted)
	assert.Equal(t, 1, s.counters[CategoryTruck])

	// Walking back up through the band never counts twice.
	s.reduce(det(9, CategoryTruck, 100))
	s.reduce(det(9, CategoryTruck, 280))
	assert.Equal(t, 1, s.counters[CategoryTruck])
}

func TestReduceSkipsUnacceptedCategories(t *testing.T) {
	s := newReduceState()
	s.cfg = NewConfig([]Category{CategoryBus})

	res := s.reduce(det(1, CategoryCar, 100), det(2, "", 100), det(3, CategoryBus, 100))
	assert.Equal(t, 1, res.Accepted)
	require.Len(t, res.Annotations, 1)
	assert.Equal(t, 3, res.Annotations[0].TrackID)
	assert.Equal(t, 1, s.store.Len())
	_, ok := s.store.Get(1)
	assert.False(t, ok)
}

func TestReduceFirstObservationInsideBandDoesNotCount(t *testing.T) {
	s := newReduceState()
	res := s.reduce(det(4, CategoryBus, 280))
	assert.False(t, res.Annotations[0].Counted)

	// Still inside on the next frame: prev was already in the band.
	res = s.reduce(det(4, CategoryBus, 285))
	assert.False(t, res.Annotations[0].Counted)
	assert.Equal(t, 0, s.counters.Total())
}

func TestReduceIndependentIdentitiesInOneFrame(t *testing.T) {
	s := newReduceState()
	s.reduce(det(1, CategoryCar, 100), det(2, CategoryMotorcycle, 400))
	res := s.reduce(det(1, CategoryCar, 260), det(2, CategoryMotorcycle, 300))

	assert.Equal(t, 2, res.NewlyCounted)
	want := Counters{CategoryCar: 1, CategoryMotorcycle: 1, CategoryBus: 0, CategoryTruck: 0}
	if diff := cmp.Diff(want, s.counters); diff != "" {
		t.Errorf("counters mismatch (-want +got):\n%s", diff)
	}
	assert.Len(t, res.Counted(), 2)
}

func TestReduceAtMostOnceProperty(t *testing.T) {
	rng := rand.New(rand.NewSource(42))
	s := newReduceState()
	seen := map[int]bool{}
	countedBy := map[int]int{}

	for frame := 0; frame < 2000; frame++ {
		n := rng.Intn(6)
		dets := make([]TrackedDetection, 0, n)
		used := map[int]bool{}
		for i := 0; i < n; i++ {
			id := rng.Intn(30)
			if used[id] {
				continue
			}
			used[id] = true
			seen[id] = true
			cat := DefaultCategories[id%len(DefaultCategories)]
			dets = append(dets, det(id, cat, rng.Intn(480)))
		}

		res := s.reduce(dets...)
		for _, a := range res.Counted() {
			countedBy[a.TrackID]++
		}

		require.Equal(t, len(s.counted), s.counters.Total(), "sum(counters) must equal |counted|")
		require.LessOrEqual(t, len(s.counted), len(seen))
	}

	for id, n := range countedBy {
		assert.Equal(t, 1, n, "identity %d counted %d times", id, n)
	}
}
