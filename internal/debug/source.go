package debug

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/sufield/pkiwatch/internal/domain"
	"github.com/sufield/pkiwatch/internal/ports"
)

// ErrInjected marks failures produced by a FaultProfile.
var ErrInjected = errors.New("injected fault")

// Source applies a FaultProfile to the Retrieve calls of the source it wraps.
type Source struct {
	ports.Source
	faults *FaultProfile
}

var _ ports.Source = (*Source)(nil)

// Wrap returns src with fault injection.
func Wrap(src ports.Source, faults *FaultProfile) *Source {
	return &Source{Source: src, faults: faults}
}

// Unwrap returns the wrapped source.
func (s *Source) Unwrap() ports.Source { return s.Source }

// Retrieve consumes pending faults, then delegates. A delay is served first,
// then a fatal or retryable failure replaces the call. Corruption replaces a
// successful delta with a decode error.
func (s *Source) Retrieve(ctx context.Context) (ports.Delta, error) {
	f := s.faults.take(s.Name())
	if f.none() {
		return s.Source.Retrieve(ctx)
	}

	if f.delay > 0 {
		t := time.NewTimer(f.delay)
		select {
		case <-ctx.Done():
			t.Stop()
			return ports.Delta{}, ctx.Err()
		case <-t.C:
		}
	}
	switch {
	case f.halt:
		return ports.Delta{}, ports.Fatal(s.Name(), ErrInjected)
	case f.fail:
		return ports.Delta{}, ports.Retryable(s.Name(), ErrInjected)
	}

	d, err := s.Source.Retrieve(ctx)
	if err != nil || !f.corrupt {
		return d, err
	}
	return ports.Delta{}, fmt.Errorf("%s: %w", s.Name(), &domain.DecodeError{
		Err: fmt.Errorf("%w: %w", domain.ErrMalformedFraming, ErrInjected),
	})
}
