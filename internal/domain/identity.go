package domain

import (
	"bytes"
	"crypto/tls"
	"crypto/x509"
	"errors"
	"fmt"
	"time"

	"github.com/sufield/pkiwatch/internal/assert"
)

// Identity is a resolved TLS credential: a leaf certificate, the private key
// it was issued for, the intermediates linking it upward, and the CA that
// terminates the chain.
//
// Identities are immutable once constructed. A self-signed leaf is its own
// CA and carries no intermediates.
type Identity struct {
	serverName    string
	leaf          *x509.Certificate
	key           GenericPrivateKey
	intermediates []*x509.Certificate
	ca            *x509.Certificate
}

// NewIdentity builds an Identity after checking that key belongs to leaf and
// that leaf carries a usable server name.
//
// Returns an error if:
//   - leaf, ca or key is missing (ErrIdentityInvalid)
//   - key's public half differs from leaf's public key (ErrKeyMismatch)
//   - leaf has no subject CN, DNS SAN or URI SAN (ErrNoServerName)
func NewIdentity(leaf *x509.Certificate, key GenericPrivateKey, intermediates []*x509.Certificate, ca *x509.Certificate) (*Identity, error) {
	if leaf == nil {
		return nil, fmt.Errorf("%w: leaf certificate cannot be nil", ErrIdentityInvalid)
	}
	if ca == nil {
		return nil, fmt.Errorf("%w: CA certificate cannot be nil", ErrIdentityInvalid)
	}
	if key.IsZero() {
		return nil, fmt.Errorf("%w: private key cannot be empty", ErrIdentityInvalid)
	}

	ok, err := KeyMatchesCertificate(leaf, key)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrKeyMismatch, err)
	}
	if !ok {
		return nil, fmt.Errorf("%w: %s key for %q", ErrKeyMismatch, key.Algorithm(), leaf.Subject.String())
	}

	name := ServerNameOf(leaf)
	if name == "" {
		return nil, fmt.Errorf("%w: subject %q", ErrNoServerName, leaf.Subject.String())
	}

	chain := make([]*x509.Certificate, len(intermediates))
	copy(chain, intermediates)

	id := &Identity{
		serverName:    name,
		leaf:          leaf,
		key:           key,
		intermediates: chain,
		ca:            ca,
	}

	assert.Invariant(id.serverName != "", "identity server name must never be empty after construction")
	return id, nil
}

// ServerName returns the name this identity is keyed by.
func (i *Identity) ServerName() string { return i.serverName }

// Leaf returns the end-entity certificate.
func (i *Identity) Leaf() *x509.Certificate { return i.leaf }

// PrivateKey returns the key paired with the leaf.
func (i *Identity) PrivateKey() GenericPrivateKey { return i.key }

// CA returns the certificate terminating the chain.
func (i *Identity) CA() *x509.Certificate { return i.ca }

// Intermediates returns a copy of the intermediates, leaf-side first.
func (i *Identity) Intermediates() []*x509.Certificate {
	out := make([]*x509.Certificate, len(i.intermediates))
	copy(out, i.intermediates)
	return out
}

// CertificateChain returns leaf, intermediates and CA in that order.
// The CA is not repeated when the leaf is its own CA.
func (i *Identity) CertificateChain() []*x509.Certificate {
	chain := make([]*x509.Certificate, 0, len(i.intermediates)+2)
	chain = append(chain, i.leaf)
	chain = append(chain, i.intermediates...)
	if !i.leaf.Equal(i.ca) {
		chain = append(chain, i.ca)
	}
	return chain
}

// IsAnySelfSigned reports whether any certificate in the chain is self-signed.
// A malformed self-issued certificate surfaces as ErrMalformedSelfSigned.
func (i *Identity) IsAnySelfSigned() (bool, error) {
	var errs []error
	found := false
	for _, c := range i.CertificateChain() {
		ok, err := SelfSigned(c)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		found = found || ok
	}
	return found, errors.Join(errs...)
}

// IsAnyExpired reports whether any certificate in the chain is outside its
// validity window at now.
func (i *Identity) IsAnyExpired(now time.Time) bool {
	for _, c := range i.CertificateChain() {
		if Expired(c, now) {
			return true
		}
	}
	return false
}

// TLSCertificate returns the identity as a tls.Certificate. The chain
// carries the leaf and intermediates; the CA is left to the peer's roots.
func (i *Identity) TLSCertificate() tls.Certificate {
	raw := make([][]byte, 0, len(i.intermediates)+1)
	raw = append(raw, i.leaf.Raw)
	for _, c := range i.intermediates {
		raw = append(raw, c.Raw)
	}
	return tls.Certificate{
		Certificate: raw,
		PrivateKey:  i.key.Signer(),
		Leaf:        i.leaf,
	}
}

func (i *Identity) String() string {
	return fmt.Sprintf("Identity{%s, intermediates=%d, ca=%q}", i.serverName, len(i.intermediates), i.ca.Subject.String())
}

// SelfIssued reports whether cert's subject and issuer names are identical.
func SelfIssued(cert *x509.Certificate) bool {
	return bytes.Equal(cert.RawSubject, cert.RawIssuer)
}

// SelfSigned reports whether cert is self-issued and its signature verifies
// under its own public key. A self-issued certificate whose signature does
// not verify yields ErrMalformedSelfSigned.
func SelfSigned(cert *x509.Certificate) (bool, error) {
	if cert == nil || !SelfIssued(cert) {
		return false, nil
	}
	if err := cert.CheckSignature(cert.SignatureAlgorithm, cert.RawTBSCertificate, cert.Signature); err != nil {
		return false, fmt.Errorf("%w: %q: %v", ErrMalformedSelfSigned, cert.Subject.String(), err)
	}
	return true, nil
}

// Expired reports whether now falls outside [NotBefore, NotAfter].
func Expired(cert *x509.Certificate, now time.Time) bool {
	return now.Before(cert.NotBefore) || now.After(cert.NotAfter)
}
