package batch

import "github.com/cespare/xxhash/v2"

// Set is a hash-based set of byte keys, used to drop duplicate routes
// from a batch before it reaches the kernel.
type Set struct {
	seen map[uint64]struct{}
}

// NewSet creates an empty Set sized for n keys.
func NewSet(n int) *Set {
	return &Set{seen: make(map[uint64]struct{}, n)}
}

// Add inserts key and reports whether it was new.
func (s *Set) Add(key []byte) bool {
	h := xxhash.Sum64(key)
	if _, ok := s.seen[h]; ok {
		return false
	}
	s.seen[h] = struct{}{}
	return true
}

// Contains reports whether key is in the set.
func (s *Set) Contains(key []byte) bool {
	_, ok := s.seen[xxhash.Sum64(key)]
	return ok
}

// Size returns the number of keys in the set.
func (s *Set) Size() int {
	return len(s.seen)
}
