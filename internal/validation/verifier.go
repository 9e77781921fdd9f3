package validation

import (
	"context"
	"crypto/x509"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/spiffe/go-spiffe/v2/bundle/x509bundle"
	"github.com/spiffe/go-spiffe/v2/svid/x509svid"

	"github.com/sufield/pkiwatch/internal/pemcodec"
	"github.com/sufield/pkiwatch/internal/ports"
)

// Compile-time verification that verifiers implement the port
var (
	_ ports.TrustVerifier = (*X509Verifier)(nil)
	_ ports.TrustVerifier = (*SPIFFEVerifier)(nil)
)

// X509Verifier validates paths with crypto/x509 for TLS server use.
// OCSP responses in the request are accepted and ignored.
type X509Verifier struct {
	// Roots is the trust store. Nil means the system pool.
	Roots *x509.CertPool

	// KeyUsages defaults to server authentication.
	KeyUsages []x509.ExtKeyUsage
}

func (v *X509Verifier) VerifyChain(ctx context.Context, req ports.VerifyRequest) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if req.Leaf == nil {
		return errors.New("no leaf certificate")
	}

	roots := v.Roots
	if roots == nil {
		sys, err := x509.SystemCertPool()
		if err != nil {
			return fmt.Errorf("load system roots: %w", err)
		}
		roots = sys
	}

	intermediates := x509.NewCertPool()
	for _, c := range req.Intermediates {
		intermediates.AddCert(c)
	}

	usages := v.KeyUsages
	if len(usages) == 0 {
		usages = []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth}
	}

	opts := x509.VerifyOptions{
		Roots:         roots,
		Intermediates: intermediates,
		CurrentTime:   req.Now,
		KeyUsages:     usages,
	}
	// URI-shaped names (SPIFFE IDs) are not host names.
	if !strings.Contains(req.ServerName, "://") {
		opts.DNSName = req.ServerName
	}

	_, err := req.Leaf.Verify(opts)
	return err
}

// LoadRoots reads a PEM bundle into a pool. Non-certificate blocks are ignored.
func LoadRoots(path string) (*x509.CertPool, error) {
	data, err := os.ReadFile(filepath.Clean(path))
	if err != nil {
		return nil, fmt.Errorf("read roots %s: %w", path, err)
	}
	set, err := pemcodec.DecodeBytes(data)
	if err != nil {
		return nil, fmt.Errorf("decode roots %s: %w", path, err)
	}

	pool := x509.NewCertPool()
	n := 0
	for _, der := range set.Certificates() {
		c, err := x509.ParseCertificate(der)
		if err != nil {
			return nil, fmt.Errorf("parse root in %s: %w", path, err)
		}
		pool.AddCert(c)
		n++
	}
	if n == 0 {
		return nil, fmt.Errorf("roots %s: no certificates found", path)
	}
	return pool, nil
}

// SPIFFEVerifier validates X.509-SVID chains against SPIFFE trust bundles.
// When the expected name is a SPIFFE ID the leaf must carry exactly that ID.
type SPIFFEVerifier struct {
	Bundles x509bundle.Source
}

func (v *SPIFFEVerifier) VerifyChain(ctx context.Context, req ports.VerifyRequest) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if req.Leaf == nil {
		return errors.New("no leaf certificate")
	}

	certs := make([]*x509.Certificate, 0, len(req.Intermediates)+1)
	certs = append(certs, req.Leaf)
	certs = append(certs, req.Intermediates...)

	id, _, err := x509svid.Verify(certs, v.Bundles)
	if err != nil {
		return err
	}
	if strings.HasPrefix(req.ServerName, "spiffe://") && id.String() != req.ServerName {
		return fmt.Errorf("SVID %s does not match expected %s", id, req.ServerName)
	}
	return nil
}
