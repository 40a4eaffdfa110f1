// Package store provides the per-plugin key value store. Each plugin instance
// owns exactly one Store; nothing a plugin writes is visible to any other
// plugin or to the host protocol state.
package store

// Store is a byte-oriented key value map. Values are copied on the way in and
// on the way out, so callers can never alias the stored slice. It is not safe
// for concurrent use; the owning instance serialises access.
type Store struct {
	entries map[string][]byte
}

// New returns an empty store.
func New() *Store {
	return &Store{entries: make(map[string][]byte)}
}

// Get returns a copy of the value for key, or false if absent.
func (s *Store) Get(key string) ([]byte, bool) {
	v, ok := s.entries[key]
	if !ok {
		return nil, false
	}
	out := make([]byte, len(v))
	copy(out, v)
	return out, true
}

// Set stores a copy of value under key, replacing any previous value.
func (s *Store) Set(key string, value []byte) {
	v := make([]byte, len(value))
	copy(v, value)
	s.entries[key] = v
}

// Delete removes key. Deleting an absent key is a no-op.
func (s *Store) Delete(key string) {
	delete(s.entries, key)
}

// Len returns the number of stored keys.
func (s *Store) Len() int { return len(s.entries) }

// Clear removes every entry.
func (s *Store) Clear() {
	s.entries = make(map[string][]byte)
}
