// Package testhelpers mints PKI fixtures for tests and, under the container
// build tag, runs SPIRE in Docker for integration tests.
package testhelpers

import (
	"crypto"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/pem"
	"math/big"
	"net/url"
	"testing"
	"time"

	"github.com/sufield/pkiwatch/internal/domain"
)

// CertOptions describes a certificate to mint.
// Zero values fall back to an ECDSA P-256 key valid from an hour ago
// until a day from now.
type CertOptions struct {
	CommonName string
	DNSNames   []string
	URIs       []string
	IsCA       bool
	RSA        bool
	NotBefore  time.Time
	NotAfter   time.Time
}

// Issued is a minted certificate with its private key.
type Issued struct {
	Cert *x509.Certificate
	Key  crypto.Signer
}

// KeyEncoding selects the PEM form of a private key.
type KeyEncoding int

const (
	PKCS8 KeyEncoding = iota
	PKCS1
	SEC1
)

// NewRootCA mints a self-signed CA certificate.
func NewRootCA(t testing.TB, cn string) *Issued {
	t.Helper()
	return SelfSigned(t, CertOptions{CommonName: cn, IsCA: true})
}

// SelfSigned mints a certificate signed by its own key.
func SelfSigned(t testing.TB, opts CertOptions) *Issued {
	t.Helper()
	key := newKey(t, opts.RSA)
	tmpl := template(t, opts)
	return sign(t, tmpl, tmpl, key, key)
}

// Issue mints a certificate signed by i.
func (i *Issued) Issue(t testing.TB, opts CertOptions) *Issued {
	t.Helper()
	key := newKey(t, opts.RSA)
	return sign(t, template(t, opts), i.Cert, key, i.Key)
}

// CrossSign mints a CA certificate carrying subject's name and key, signed
// by i.
func (i *Issued) CrossSign(t testing.TB, subject *Issued) *Issued {
	t.Helper()
	tmpl := template(t, CertOptions{CommonName: subject.Cert.Subject.CommonName, IsCA: true})
	return sign(t, tmpl, i.Cert, subject.Key, i.Key)
}

// GenericKey returns the key as a domain key.
func (i *Issued) GenericKey(t testing.TB) domain.GenericPrivateKey {
	t.Helper()
	k, err := domain.FromSigner(i.Key)
	if err != nil {
		t.Fatalf("convert key: %v", err)
	}
	return k
}

// CertPEM returns the certificate PEM-encoded.
func (i *Issued) CertPEM() []byte {
	return pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: i.Cert.Raw})
}

// KeyPEM returns the private key PEM-encoded in the requested form.
func (i *Issued) KeyPEM(t testing.TB, enc KeyEncoding) []byte {
	t.Helper()
	switch enc {
	case PKCS1:
		k, ok := i.Key.(*rsa.PrivateKey)
		if !ok {
			t.Fatalf("PKCS#1 requires an RSA key, have %T", i.Key)
		}
		return pem.EncodeToMemory(&pem.Block{Type: "RSA PRIVATE KEY", Bytes: x509.MarshalPKCS1PrivateKey(k)})
	case SEC1:
		k, ok := i.Key.(*ecdsa.PrivateKey)
		if !ok {
			t.Fatalf("SEC1 requires an EC key, have %T", i.Key)
		}
		der, err := x509.MarshalECPrivateKey(k)
		if err != nil {
			t.Fatalf("marshal EC key: %v", err)
		}
		return pem.EncodeToMemory(&pem.Block{Type: "EC PRIVATE KEY", Bytes: der})
	default:
		der, err := x509.MarshalPKCS8PrivateKey(i.Key)
		if err != nil {
			t.Fatalf("marshal PKCS#8 key: %v", err)
		}
		return pem.EncodeToMemory(&pem.Block{Type: "PRIVATE KEY", Bytes: der})
	}
}

// Concat joins PEM documents.
func Concat(docs ...[]byte) []byte {
	var out []byte
	for _, d := range docs {
		out = append(out, d...)
	}
	return out
}

func newKey(t testing.TB, useRSA bool) crypto.Signer {
	t.Helper()
	if useRSA {
		k, err := rsa.GenerateKey(rand.Reader, 2048)
		if err != nil {
			t.Fatalf("generate RSA key: %v", err)
		}
		return k
	}
	k, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		t.Fatalf("generate EC key: %v", err)
	}
	return k
}

func template(t testing.TB, opts CertOptions) *x509.Certificate {
	t.Helper()
	serial, err := rand.Int(rand.Reader, new(big.Int).Lsh(big.NewInt(1), 62))
	if err != nil {
		t.Fatalf("serial: %v", err)
	}

	now := time.Now()
	notBefore, notAfter := opts.NotBefore, opts.NotAfter
	if notBefore.IsZero() {
		notBefore = now.Add(-time.Hour)
	}
	if notAfter.IsZero() {
		notAfter = now.Add(24 * time.Hour)
	}

	tmpl := &x509.Certificate{
		SerialNumber: serial,
		Subject:      pkix.Name{CommonName: opts.CommonName},
		DNSNames:     opts.DNSNames,
		NotBefore:    notBefore,
		NotAfter:     notAfter,
	}
	for _, raw := range opts.URIs {
		u, err := url.Parse(raw)
		if err != nil {
			t.Fatalf("parse URI SAN %q: %v", raw, err)
		}
		tmpl.URIs = append(tmpl.URIs, u)
	}

	if opts.IsCA {
		tmpl.IsCA = true
		tmpl.BasicConstraintsValid = true
		tmpl.KeyUsage = x509.KeyUsageCertSign | x509.KeyUsageCRLSign | x509.KeyUsageDigitalSignature
	} else {
		tmpl.KeyUsage = x509.KeyUsageDigitalSignature | x509.KeyUsageKeyEncipherment
		tmpl.ExtKeyUsage = []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth, x509.ExtKeyUsageClientAuth}
	}
	return tmpl
}

func sign(t testing.TB, tmpl, parent *x509.Certificate, key, parentKey crypto.Signer) *Issued {
	t.Helper()
	der, err := x509.CreateCertificate(rand.Reader, tmpl, parent, key.Public(), parentKey)
	if err != nil {
		t.Fatalf("create certificate: %v", err)
	}
	cert, err := x509.ParseCertificate(der)
	if err != nil {
		t.Fatalf("parse certificate: %v", err)
	}
	return &Issued{Cert: cert, Key: key}
}
