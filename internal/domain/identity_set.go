package domain

// IdentitySet maps server names to identities, remembering the order in
// which names were first inserted. Putting an identity under an existing
// name replaces the previous entry wholesale and keeps its position.
//
// The zero value is an empty set ready for use.
type IdentitySet struct {
	items []*Identity
	index map[string]int
}

// NewIdentitySet returns a set holding ids, later entries replacing earlier
// ones with the same server name.
func NewIdentitySet(ids ...*Identity) *IdentitySet {
	s := &IdentitySet{}
	for _, id := range ids {
		s.Put(id)
	}
	return s
}

// Put inserts or replaces the identity keyed by id.ServerName().
// Returns true if an existing entry was replaced.
func (s *IdentitySet) Put(id *Identity) bool {
	if id == nil {
		return false
	}
	if s.index == nil {
		s.index = make(map[string]int)
	}
	if pos, ok := s.index[id.ServerName()]; ok {
		s.items[pos] = id
		return true
	}
	s.index[id.ServerName()] = len(s.items)
	s.items = append(s.items, id)
	return false
}

// Merge puts every identity of other into s, in other's order.
func (s *IdentitySet) Merge(other *IdentitySet) {
	if other == nil {
		return
	}
	for _, id := range other.items {
		s.Put(id)
	}
}

// Get returns the identity for name.
func (s *IdentitySet) Get(name string) (*Identity, bool) {
	if s == nil {
		return nil, false
	}
	pos, ok := s.index[name]
	if !ok {
		return nil, false
	}
	return s.items[pos], true
}

// All returns the identities in insertion order.
func (s *IdentitySet) All() []*Identity {
	if s == nil {
		return nil
	}
	out := make([]*Identity, len(s.items))
	copy(out, s.items)
	return out
}

// Names returns the server names in insertion order.
func (s *IdentitySet) Names() []string {
	if s == nil {
		return nil
	}
	out := make([]string, len(s.items))
	for i, id := range s.items {
		out[i] = id.ServerName()
	}
	return out
}

func (s *IdentitySet) Len() int {
	if s == nil {
		return 0
	}
	return len(s.items)
}

// Clone returns an independent set holding the same (immutable) identities.
func (s *IdentitySet) Clone() *IdentitySet {
	c := &IdentitySet{}
	c.Merge(s)
	return c
}
