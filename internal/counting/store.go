package counting

// PreviousState is the history kept for one identity between frames
type PreviousState struct {
	TrackID   int
	Category  Category
	CentroidY int
	InZone    bool
}

// TrackStore holds per-identity history for the lifetime of a session.
// Entries are never evicted; Clear is used on reset only.
// Not safe for concurrent use; Session serialises access.
type TrackStore struct {
	states map[int]PreviousState
}

// NewTrackStore creates an empty store
func NewTrackStore() *TrackStore {
	return &TrackStore{states: make(map[int]PreviousState)}
}

// Upsert records a new observation and returns the state as it was before
// the call. ok is false on the first observation since the last Clear.
// The category is fixed by the first observation.
func (s *TrackStore) Upsert(id int, category Category, centroidY int, inZone bool) (prev PreviousState, ok bool) {
	prev, ok = s.states[id]
	if ok {
		category = prev.Category
	}
	s.states[id] = PreviousState{
		TrackID:   id,
		Category:  category,
		CentroidY: centroidY,
		InZone:    inZone,
	}
	return prev, ok
}

// Get returns the stored state for id
func (s *TrackStore) Get(id int) (PreviousState, bool) {
	st, ok := s.states[id]
	return st, ok
}

// Len returns the number of identities seen since the last Clear
func (s *TrackStore) Len() int {
	return len(s.states)
}

// Clear wipes all entries
func (s *TrackStore) Clear() {
	s.states = make(map[int]PreviousState)
}
