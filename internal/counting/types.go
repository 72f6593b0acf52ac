package counting

// Category identifies a countable object class (vehicle type)
type Category string

const (
	CategoryCar        Category = "mobil"
	CategoryMotorcycle Category = "motor"
	CategoryBus        Category = "bus"
	CategoryTruck      Category = "truck"
)

// DefaultCategories is the fixed category set, in display order
var DefaultCategories = []Category{CategoryCar, CategoryMotorcycle, CategoryBus, CategoryTruck}

// DefaultClassMap maps tracker class ids to categories
func DefaultClassMap() map[int]Category {
	return map[int]Category{
		2: CategoryCar,
		3: CategoryMotorcycle,
		5: CategoryBus,
		7: CategoryTruck,
	}
}

// Box is a bounding box in frame pixel coordinates
type Box struct {
	Left   int `json:"left"`
	Top    int `json:"top"`
	Right  int `json:"right"`
	Bottom int `json:"bottom"`
}

// Centroid returns the floor-averaged midpoint of the box
func (b Box) Centroid() (int, int) {
	return floorDiv(b.Left+b.Right, 2), floorDiv(b.Top+b.Bottom, 2)
}

func floorDiv(a, b int) int {
	q := a / b
	if (a%b != 0) && ((a < 0) != (b < 0)) {
		q--
	}
	return q
}

// TrackedDetection is one tracked object in one frame, as produced by the tracker
type TrackedDetection struct {
	TrackID    int      `json:"track_id"`
	ClassID    int      `json:"class_id"`
	Category   Category `json:"category"` // Empty when the class id is not mapped
	Confidence float64  `json:"confidence"`
	Box        Box      `json:"box"`
}

// CountingZone is the horizontal band [Center-Offset, Center+Offset]
type CountingZone struct {
	Center int `json:"center"`
	Offset int `json:"offset"`
}

// Top returns the upper edge of the band
func (z CountingZone) Top() int { return z.Center - z.Offset }

// Bottom returns the lower edge of the band
func (z CountingZone) Bottom() int { return z.Center + z.Offset }

// Contains reports whether y lies inside the band, both edges inclusive
func (z CountingZone) Contains(y int) bool {
	return z.Top() <= y && y <= z.Bottom()
}

// Config holds the per-frame reduction settings
type Config struct {
	Accepted map[Category]bool
}

// NewConfig builds a Config accepting the given categories
func NewConfig(categories []Category) Config {
	accepted := make(map[Category]bool, len(categories))
	for _, c := range categories {
		accepted[c] = true
	}
	return Config{Accepted: accepted}
}

// Accepts reports whether detections of category c take part in counting
func (c Config) Accepts(cat Category) bool {
	return cat != "" && c.Accepted[cat]
}

// CountedSet holds identities that already produced a counted crossing
type CountedSet map[int]struct{}

// Has reports membership
func (s CountedSet) Has(id int) bool {
	_, ok := s[id]
	return ok
}

// Add inserts id
func (s CountedSet) Add(id int) {
	s[id] = struct{}{}
}

// Counters maps each category to its crossing count
type Counters map[Category]int

// NewCounters returns counters with every category present at zero
func NewCounters(categories []Category) Counters {
	c := make(Counters, len(categories))
	for _, cat := range categories {
		c[cat] = 0
	}
	return c
}

// Total returns the sum over all categories
func (c Counters) Total() int {
	total := 0
	for _, v := range c {
		total += v
	}
	return total
}

// Clone returns an independent copy
func (c Counters) Clone() Counters {
	out := make(Counters, len(c))
	for k, v := range c {
		out[k] = v
	}
	return out
}
