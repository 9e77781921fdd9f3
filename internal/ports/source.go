package ports

import (
	"context"

	"github.com/sufield/pkiwatch/internal/domain"
)

// SourceKind names the family of a Source.
type SourceKind string

const (
	SourceKindFile       SourceKind = "file"
	SourceKindKubernetes SourceKind = "kubernetes"
	SourceKindSPIFFE     SourceKind = "spiffe"
)

// Delta is the PKI material one retrieval produced.
type Delta struct {
	// Objects is merged into the aggregate object set.
	Objects *domain.PkiObjectSet

	// Paired marks a delta whose identities were assembled by the source
	// itself (SPIFFE SVIDs arrive with key and chain already bound). When
	// false, identities are produced by resolving Objects.
	Paired bool

	// Identities holds the source-paired identities when Paired is set.
	Identities []*domain.Identity

	// Dropped holds per-item failures the source skipped while building
	// the delta.
	Dropped []error
}

// Source is a watchable origin of PKI material.
//
// The coordinator drives each Source from a single goroutine:
// Wait, then Retrieve, then Wait again. Implementations need not be safe
// for concurrent use except for Close.
//
// Error Contract:
//   - Wait and Retrieve return ctx.Err() when ctx is done
//   - Transient failures are wrapped with Retryable (errors.Is ErrSourceRetrieval)
//   - Unfixable failures are wrapped with Fatal (errors.Is ErrSourceConfiguration)
//   - Retrieve returns a *domain.DecodeError when the material is malformed;
//     the delta is discarded and the source keeps watching
type Source interface {
	// Name identifies the source in logs, metrics and status.
	Name() string

	// Kind returns the source family.
	Kind() SourceKind

	// Wait blocks until the material may have changed. The first call
	// establishes the watch and returns once an initial retrieval is due.
	Wait(ctx context.Context) error

	// Retrieve reads the current material.
	Retrieve(ctx context.Context) (Delta, error)

	// Close releases the watch. It is idempotent.
	Close() error
}
