package coordinator

import (
	"sync"
	"time"

	"github.com/sufield/pkiwatch/internal/assert"
	"github.com/sufield/pkiwatch/internal/domain"
	"github.com/sufield/pkiwatch/internal/validation"
)

// Update is one validated delta ready to be merged.
type Update struct {
	Source     string
	Objects    *domain.PkiObjectSet
	Identities []*domain.Identity

	// Verdicts maps server name to validation outcome (nil = valid).
	// Identities without an entry were not validated.
	Verdicts map[string]error

	// ValidUntil maps server name to the time a passing verdict lapses.
	// A missing or zero entry never lapses.
	ValidUntil map[string]time.Time
}

// Snapshot is an immutable view of the aggregate at one version.
// Accessors return copies, so callers may keep and mutate what they get.
type Snapshot struct {
	version    uint64
	at         time.Time
	objects    *domain.PkiObjectSet
	identities *domain.IdentitySet
	verdicts   map[string]error
	validUntil map[string]time.Time
	now        func() time.Time
}

// Version increases by one on every merge. The empty snapshot is version 0.
func (s *Snapshot) Version() uint64 { return s.version }

// UpdatedAt is when the snapshot was produced.
func (s *Snapshot) UpdatedAt() time.Time { return s.at }

// Objects returns a copy of the aggregate object set.
func (s *Snapshot) Objects() *domain.PkiObjectSet { return s.objects.Clone() }

// Identities returns a copy of the identity set.
func (s *Snapshot) Identities() *domain.IdentitySet { return s.identities.Clone() }

// Identity looks up one identity by server name. DNS names match
// case-insensitively and ignore a trailing dot.
func (s *Snapshot) Identity(name string) (*domain.Identity, bool) {
	return s.identities.Get(domain.NormalizeServerName(name))
}

// Failure returns why name failed validation, or nil. A passing verdict
// whose certificates have since expired reports an expiration failure.
func (s *Snapshot) Failure(name string) error {
	name = domain.NormalizeServerName(name)
	if err := s.verdicts[name]; err != nil {
		return err
	}
	if until, ok := s.lapsed(name); ok {
		return validation.Lapsed(name, until)
	}
	return nil
}

// Valid reports whether name exists, did not fail validation, and has not
// outlived its verdict.
func (s *Snapshot) Valid(name string) bool {
	name = domain.NormalizeServerName(name)
	if _, ok := s.identities.Get(name); !ok {
		return false
	}
	if _, ok := s.lapsed(name); ok {
		return false
	}
	return s.verdicts[name] == nil
}

func (s *Snapshot) lapsed(name string) (time.Time, bool) {
	until, ok := s.validUntil[name]
	if !ok || until.IsZero() {
		return time.Time{}, false
	}
	return until, s.now().After(until)
}

// StoreOption configures a Store.
type StoreOption func(*Store)

// WithStoreClock sets the clock snapshots use to age verdicts.
func WithStoreClock(now func() time.Time) StoreOption {
	return func(s *Store) { s.now = now }
}

// Store holds the current aggregate. Merges are serialised under a write
// lock; readers take a snapshot pointer under a read lock and never block
// each other.
type Store struct {
	mu      sync.RWMutex
	current *Snapshot
	now     func() time.Time
}

// NewStore returns a store holding the empty snapshot.
func NewStore(opts ...StoreOption) *Store {
	s := &Store{now: time.Now}
	for _, o := range opts {
		o(s)
	}
	s.current = &Snapshot{
		objects:    domain.NewPkiObjectSet(),
		identities: domain.NewIdentitySet(),
		verdicts:   map[string]error{},
		validUntil: map[string]time.Time{},
		now:        s.now,
	}
	return s
}

// Snapshot returns the current snapshot.
func (s *Store) Snapshot() *Snapshot {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.current
}

// Apply merges u into the aggregate and returns the new snapshot.
// Objects are appended; identities replace any previous entry with the same
// server name, carrying their verdict with them.
func (s *Store) Apply(u Update) *Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()

	prev := s.current
	next := &Snapshot{
		version:    prev.version + 1,
		at:         s.now(),
		objects:    prev.objects.Clone(),
		identities: prev.identities.Clone(),
		verdicts:   make(map[string]error, len(prev.verdicts)+len(u.Identities)),
		validUntil: make(map[string]time.Time, len(prev.validUntil)+len(u.Identities)),
		now:        s.now,
	}
	for k, v := range prev.verdicts {
		next.verdicts[k] = v
	}
	for k, v := range prev.validUntil {
		next.validUntil[k] = v
	}

	next.objects.Merge(u.Objects)
	for _, id := range u.Identities {
		name := id.ServerName()
		next.identities.Put(id)
		if verdict, ok := u.Verdicts[name]; ok {
			next.verdicts[name] = verdict
		} else {
			delete(next.verdicts, name)
		}
		if until, ok := u.ValidUntil[name]; ok && !until.IsZero() {
			next.validUntil[name] = until
		} else {
			delete(next.validUntil, name)
		}
	}

	assert.Invariantf(next.objects.Len() >= prev.objects.Len(), "merge must never shrink the object set (%d < %d)", next.objects.Len(), prev.objects.Len())
	s.current = next
	return next
}
