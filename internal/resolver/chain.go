package resolver

import (
	"bytes"
	"crypto/x509"

	"github.com/sufield/pkiwatch/internal/domain"
)

// pool splits certificates into leaves and CAs. A certificate is a CA when
// its basic constraints mark it as one; everything else is a leaf candidate.
// CAs appearing more than once (same DER) are kept once.
type pool struct {
	leaves []*x509.Certificate
	cas    []*x509.Certificate
}

func partition(certs []*x509.Certificate) pool {
	var p pool
	seen := make(map[string]bool)
	for _, c := range certs {
		if !(c.BasicConstraintsValid && c.IsCA) {
			p.leaves = append(p.leaves, c)
			continue
		}
		if seen[string(c.Raw)] {
			continue
		}
		seen[string(c.Raw)] = true
		p.cas = append(p.cas, c)
	}
	return p
}

// chain walks from leaf to a self-signed CA, matching each issuer name to
// exactly one CA subject. A self-issued leaf is its own CA.
func (p pool) chain(leaf *x509.Certificate) ([]*x509.Certificate, *x509.Certificate, error) {
	if domain.SelfIssued(leaf) {
		return nil, leaf, nil
	}

	var intermediates []*x509.Certificate
	visited := make(map[int]bool, len(p.cas))
	current := leaf

	for {
		idx, err := p.issuerOf(current)
		if err != nil {
			return nil, nil, &domain.ChainResolutionError{
				Subject: leaf.Subject.String(),
				Issuer:  current.Issuer.String(),
				Err:     err,
			}
		}
		if visited[idx] {
			return nil, nil, &domain.ChainResolutionError{
				Subject: leaf.Subject.String(),
				Issuer:  current.Issuer.String(),
				Err:     domain.ErrChainCycle,
			}
		}
		visited[idx] = true

		next := p.cas[idx]
		if domain.SelfIssued(next) {
			return intermediates, next, nil
		}
		intermediates = append(intermediates, next)
		current = next
	}
}

func (p pool) issuerOf(c *x509.Certificate) (int, error) {
	found := -1
	for i, ca := range p.cas {
		if !bytes.Equal(ca.RawSubject, c.RawIssuer) {
			continue
		}
		if found >= 0 {
			return -1, domain.ErrAmbiguousChain
		}
		found = i
	}
	if found < 0 {
		return -1, domain.ErrNoChainPath
	}
	return found, nil
}
