package domain

import (
	"crypto/x509"
	"strings"
)

// ServerNameOf derives the name an identity is keyed by: the subject common
// name, else the first DNS SAN, else the first URI SAN. DNS-style names are
// lower-cased with any trailing dot removed. Returns "" when none is present.
func ServerNameOf(cert *x509.Certificate) string {
	if cert == nil {
		return ""
	}
	if cn := strings.TrimSpace(cert.Subject.CommonName); cn != "" {
		return normalizeDNSName(cn)
	}
	for _, name := range cert.DNSNames {
		if name = strings.TrimSpace(name); name != "" {
			return normalizeDNSName(name)
		}
	}
	for _, u := range cert.URIs {
		if u != nil {
			return u.String()
		}
	}
	return ""
}

func normalizeDNSName(name string) string {
	return strings.TrimSuffix(strings.ToLower(name), ".")
}

// NormalizeServerName brings a lookup key into the form ServerNameOf
// produces. URI names are returned trimmed but otherwise untouched.
func NormalizeServerName(name string) string {
	name = strings.TrimSpace(name)
	if strings.Contains(name, "://") {
		return name
	}
	return normalizeDNSName(name)
}
