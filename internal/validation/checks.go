package validation

import (
	"context"
	"crypto/x509"
	"strings"
	"time"

	"github.com/sufield/pkiwatch/internal/domain"
	"github.com/sufield/pkiwatch/internal/ports"
)

// IsSelfSigned reports whether cert's subject equals its issuer and its
// signature verifies under its own key. A self-issued certificate with a
// bad signature yields domain.ErrMalformedSelfSigned.
func IsSelfSigned(cert *x509.Certificate) (bool, error) {
	return domain.SelfSigned(cert)
}

// IsExpired reports whether now falls outside the certificate's validity window.
func IsExpired(cert *x509.Certificate, now time.Time) bool {
	return domain.Expired(cert, now)
}

// SignatureMatchesKey reports whether key's public half matches cert.
func SignatureMatchesKey(cert *x509.Certificate, key domain.GenericPrivateKey) bool {
	ok, err := domain.KeyMatchesCertificate(cert, key)
	return err == nil && ok
}

// DomainMatches reports whether the server name derived from cert (see
// domain.ServerNameOf) equals expected. A wildcard server name
// ("*.example.com") covers a single left-most label only when allowWildcard
// is set.
func DomainMatches(cert *x509.Certificate, expected string, allowWildcard bool) bool {
	expected = domain.NormalizeServerName(expected)
	name := domain.ServerNameOf(cert)
	if expected == "" || name == "" {
		return false
	}
	if name == expected {
		return true
	}
	return allowWildcard && matchWildcard(name, expected)
}

func matchWildcard(pattern, host string) bool {
	suffix, ok := strings.CutPrefix(pattern, "*.")
	if !ok || suffix == "" {
		return false
	}
	label, rest, ok := strings.Cut(host, ".")
	return ok && label != "" && rest == suffix
}

// ChainIsTrusted asks verifier whether leaf chains to a trusted root.
// A nil error means trusted.
func ChainIsTrusted(ctx context.Context, verifier ports.TrustVerifier, leaf *x509.Certificate, intermediates []*x509.Certificate, expectedName string, now time.Time) error {
	return verifier.VerifyChain(ctx, ports.VerifyRequest{
		Leaf:          leaf,
		Intermediates: intermediates,
		ServerName:    expectedName,
		Now:           now,
	})
}
