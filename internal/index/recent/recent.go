// Package recent provides a bounded set of recently seen identifiers.
//
// A Set never grows beyond its capacity. Once full, adding a new identifier
// evicts the oldest one, so a duplicate that arrives after Capacity newer
// identifiers is reported as new. Callers accept that false negative in
// exchange for bounded memory.
package recent

// DefaultCapacity is used when a non-positive capacity is requested.
const DefaultCapacity = 1000

// Set is a ring of identifiers with O(1) membership checks. Exported fields
// let the set be embedded in persisted entity state; the lookup map is rebuilt
// on first use after decoding.
//
// Set is not safe for concurrent use. Inside an entity actor it is guarded by
// the actor's serialization; elsewhere wrap it (see events.Deduper).
type Set struct {
	Capacity int      `json:"capacity"`
	Entries  []string `json:"entries"`
	// Next is the slot overwritten by the next insertion once the ring is full.
	Next int `json:"next"`

	index   map[string]struct{}
	evicted int64
}

// New returns an empty set holding at most capacity identifiers.
func New(capacity int) *Set {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	return &Set{
		Capacity: capacity,
		Entries:  make([]string, 0, capacity),
		index:    make(map[string]struct{}, capacity),
	}
}

// TryAdd records id and reports whether it was not already present.
func (s *Set) TryAdd(id string) bool {
	s.ensureIndex()
	if _, ok := s.index[id]; ok {
		return false
	}
	if len(s.Entries) < s.capacity() {
		s.Entries = append(s.Entries, id)
		s.index[id] = struct{}{}
		return true
	}

	oldest := s.Entries[s.Next]
	delete(s.index, oldest)
	s.evicted++

	s.Entries[s.Next] = id
	s.index[id] = struct{}{}
	s.Next = (s.Next + 1) % len(s.Entries)
	return true
}

// Contains reports whether id is currently held.
func (s *Set) Contains(id string) bool {
	s.ensureIndex()
	_, ok := s.index[id]
	return ok
}

// Len returns the number of identifiers held.
func (s *Set) Len() int {
	return len(s.Entries)
}

// Evicted returns how many identifiers this instance has dropped since it was
// created or decoded.
func (s *Set) Evicted() int64 {
	return s.evicted
}

func (s *Set) capacity() int {
	if s.Capacity <= 0 {
		s.Capacity = DefaultCapacity
	}
	return s.Capacity
}

func (s *Set) ensureIndex() {
	if s.index != nil {
		return
	}
	s.index = make(map[string]struct{}, len(s.Entries))
	for _, id := range s.Entries {
		s.index[id] = struct{}{}
	}
	// A decoded ring larger than its capacity is trimmed from the oldest end.
	if over := len(s.Entries) - s.capacity(); over > 0 {
		for _, id := range s.ordered()[:over] {
			delete(s.index, id)
		}
		s.Entries = append([]string(nil), s.ordered()[over:]...)
		s.Next = 0
	}
}

// ordered returns entries oldest first.
func (s *Set) ordered() []string {
	if s.Next == 0 || s.Next >= len(s.Entries) {
		return s.Entries
	}
	out := make([]string, 0, len(s.Entries))
	out = append(out, s.Entries[s.Next:]...)
	return append(out, s.Entries[:s.Next]...)
}
