// Package resolver pairs private keys with leaf certificates and links each
// leaf to a CA through the intermediates present in the same object set.
package resolver

import (
	"crypto/x509"
	"fmt"
	"log/slog"

	"github.com/sufield/pkiwatch/internal/domain"
)

// Result is the outcome of one resolution pass.
type Result struct {
	// Identities holds every leaf that was paired with a key and chained to a CA.
	Identities *domain.IdentitySet

	// Dropped holds one error per leaf that was paired with a key but could
	// not become an identity (usually a *domain.ChainResolutionError).
	Dropped []error
}

// Resolver turns a PkiObjectSet into identities. It is stateless and safe
// for concurrent use.
type Resolver struct {
	logger *slog.Logger
}

// Option configures a Resolver.
type Option func(*Resolver)

// WithLogger sets the logger used to report dropped candidates.
func WithLogger(l *slog.Logger) Option {
	return func(r *Resolver) {
		if l != nil {
			r.logger = l
		}
	}
}

// New returns a Resolver.
func New(opts ...Option) *Resolver {
	r := &Resolver{logger: slog.Default()}
	for _, o := range opts {
		o(r)
	}
	return r
}

// Resolve pairs every leaf in set with the first key whose public half
// matches, then resolves its chain. Leaves without a key, and keys without
// a leaf, are ignored. When two leaves share a server name the one with the
// later NotBefore wins.
//
// An error is returned only when a block in set cannot be parsed.
func (r *Resolver) Resolve(set *domain.PkiObjectSet) (Result, error) {
	res := Result{Identities: domain.NewIdentitySet()}
	if set == nil || set.IsEmpty() {
		return res, nil
	}

	certs, err := parseCertificates(set)
	if err != nil {
		return Result{}, err
	}
	keys, err := parseKeys(set)
	if err != nil {
		return Result{}, err
	}

	p := partition(certs)

	for _, leaf := range p.leaves {
		key, ok, err := matchKey(leaf, keys)
		if err != nil {
			return Result{}, err
		}
		if !ok {
			continue
		}

		intermediates, ca, err := p.chain(leaf)
		if err != nil {
			res.Dropped = append(res.Dropped, err)
			r.logger.Warn("dropping leaf without a chain", "subject", leaf.Subject.String(), "error", err)
			continue
		}

		id, err := domain.NewIdentity(leaf, key, intermediates, ca)
		if err != nil {
			res.Dropped = append(res.Dropped, err)
			r.logger.Warn("dropping leaf", "subject", leaf.Subject.String(), "error", err)
			continue
		}

		if prev, ok := res.Identities.Get(id.ServerName()); ok && prev.Leaf().NotBefore.After(leaf.NotBefore) {
			continue
		}
		res.Identities.Put(id)
	}

	return res, nil
}

func parseCertificates(set *domain.PkiObjectSet) ([]*x509.Certificate, error) {
	ders := set.Certificates()
	certs := make([]*x509.Certificate, 0, len(ders))
	for i, der := range ders {
		c, err := x509.ParseCertificate(der)
		if err != nil {
			return nil, &domain.DecodeError{Kind: domain.KindCertificate, Index: i, Err: err}
		}
		certs = append(certs, c)
	}
	return certs, nil
}

// parseKeys returns keys in PKCS#1, SEC1, PKCS#8 order.
func parseKeys(set *domain.PkiObjectSet) ([]domain.GenericPrivateKey, error) {
	parsers := []struct {
		kind  domain.Kind
		parse func([]byte) (domain.GenericPrivateKey, error)
	}{
		{domain.KindPKCS1Key, domain.ParsePKCS1},
		{domain.KindSEC1Key, domain.ParseSEC1},
		{domain.KindPKCS8Key, domain.ParsePKCS8},
	}

	var keys []domain.GenericPrivateKey
	for _, p := range parsers {
		for i, der := range set.Of(p.kind) {
			k, err := p.parse(der)
			if err != nil {
				return nil, &domain.DecodeError{Kind: p.kind, Index: i, Err: err}
			}
			keys = append(keys, k)
		}
	}
	return keys, nil
}

func matchKey(leaf *x509.Certificate, keys []domain.GenericPrivateKey) (domain.GenericPrivateKey, bool, error) {
	for _, k := range keys {
		ok, err := domain.KeyMatchesCertificate(leaf, k)
		if err != nil {
			return domain.GenericPrivateKey{}, false, fmt.Errorf("match key for %q: %w", leaf.Subject.String(), err)
		}
		if ok {
			return k, true, nil
		}
	}
	return domain.GenericPrivateKey{}, false, nil
}
