package domain

import "fmt"

// Kind identifies which sequence of a PkiObjectSet a DER block belongs to.
type Kind int

const (
	KindCertificate Kind = iota + 1
	KindRevocationList
	KindCertificateRequest
	KindPKCS1Key
	KindSEC1Key
	KindPKCS8Key
)

// Kinds lists every block kind in the order sequences are stored and encoded.
var Kinds = []Kind{
	KindCertificate,
	KindRevocationList,
	KindCertificateRequest,
	KindPKCS1Key,
	KindSEC1Key,
	KindPKCS8Key,
}

func (k Kind) String() string {
	switch k {
	case KindCertificate:
		return "certificate"
	case KindRevocationList:
		return "revocation-list"
	case KindCertificateRequest:
		return "certificate-request"
	case KindPKCS1Key:
		return "pkcs1-key"
	case KindSEC1Key:
		return "sec1-key"
	case KindPKCS8Key:
		return "pkcs8-key"
	default:
		return fmt.Sprintf("kind(%d)", int(k))
	}
}

// IsPrivateKey reports whether blocks of this kind carry private key material.
func (k Kind) IsPrivateKey() bool {
	return k == KindPKCS1Key || k == KindSEC1Key || k == KindPKCS8Key
}

// Block is a single DER-encoded object tagged with its kind.
type Block struct {
	Kind Kind
	DER  []byte
}

// PkiObjectSet is an append-only bag of DER blocks grouped by kind.
//
// Each sequence preserves insertion order. Merging two sets appends the
// second set's blocks after the first's, kind by kind; nothing is ever
// removed or de-duplicated. The DER byte slices are shared, not copied,
// and must be treated as immutable once added.
//
// The zero value is an empty set ready for use.
type PkiObjectSet struct {
	blocks map[Kind][][]byte
}

// NewPkiObjectSet returns an empty set.
func NewPkiObjectSet() *PkiObjectSet {
	return &PkiObjectSet{}
}

// Add appends a DER block of the given kind.
func (s *PkiObjectSet) Add(kind Kind, der []byte) {
	if s.blocks == nil {
		s.blocks = make(map[Kind][][]byte, len(Kinds))
	}
	s.blocks[kind] = append(s.blocks[kind], der)
}

// Merge appends every block of other to s, sequence by sequence.
// A nil other is a no-op.
func (s *PkiObjectSet) Merge(other *PkiObjectSet) {
	if other == nil {
		return
	}
	for _, k := range Kinds {
		for _, der := range other.blocks[k] {
			s.Add(k, der)
		}
	}
}

// Clone returns a set with independent sequences holding the same blocks.
func (s *PkiObjectSet) Clone() *PkiObjectSet {
	c := NewPkiObjectSet()
	c.Merge(s)
	return c
}

// Of returns a copy of the sequence for kind.
func (s *PkiObjectSet) Of(kind Kind) [][]byte {
	if s == nil || len(s.blocks[kind]) == 0 {
		return nil
	}
	out := make([][]byte, len(s.blocks[kind]))
	copy(out, s.blocks[kind])
	return out
}

func (s *PkiObjectSet) Certificates() [][]byte        { return s.Of(KindCertificate) }
func (s *PkiObjectSet) RevocationLists() [][]byte     { return s.Of(KindRevocationList) }
func (s *PkiObjectSet) CertificateRequests() [][]byte { return s.Of(KindCertificateRequest) }
func (s *PkiObjectSet) PKCS1Keys() [][]byte           { return s.Of(KindPKCS1Key) }
func (s *PkiObjectSet) SEC1Keys() [][]byte            { return s.Of(KindSEC1Key) }
func (s *PkiObjectSet) PKCS8Keys() [][]byte           { return s.Of(KindPKCS8Key) }

// Count returns the number of blocks of the given kind.
func (s *PkiObjectSet) Count(kind Kind) int {
	if s == nil {
		return 0
	}
	return len(s.blocks[kind])
}

// Len returns the total number of blocks across all kinds.
func (s *PkiObjectSet) Len() int {
	n := 0
	for _, k := range Kinds {
		n += s.Count(k)
	}
	return n
}

// IsEmpty reports whether the set holds no blocks.
func (s *PkiObjectSet) IsEmpty() bool {
	return s.Len() == 0
}

// Blocks flattens the set in storage order: kinds in Kinds order,
// insertion order within each kind.
func (s *PkiObjectSet) Blocks() []Block {
	if s == nil {
		return nil
	}
	out := make([]Block, 0, s.Len())
	for _, k := range Kinds {
		for _, der := range s.blocks[k] {
			out = append(out, Block{Kind: k, DER: der})
		}
	}
	return out
}

func (s *PkiObjectSet) String() string {
	return fmt.Sprintf("PkiObjectSet{certificates=%d crls=%d csrs=%d pkcs1=%d sec1=%d pkcs8=%d}",
		s.Count(KindCertificate), s.Count(KindRevocationList), s.Count(KindCertificateRequest),
		s.Count(KindPKCS1Key), s.Count(KindSEC1Key), s.Count(KindPKCS8Key))
}
