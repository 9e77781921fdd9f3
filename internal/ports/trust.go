package ports

import (
	"context"
	"crypto/x509"
	"time"
)

// VerifyRequest carries everything a path validator needs.
type VerifyRequest struct {
	Leaf          *x509.Certificate
	Intermediates []*x509.Certificate
	ServerName    string
	Now           time.Time
	OCSPResponse  []byte
}

// TrustVerifier decides whether a leaf chains to a trusted root.
//
// Error Contract:
//   - Returns nil when the chain is trusted
//   - Returns a descriptive error otherwise; callers treat any error as untrusted
type TrustVerifier interface {
	VerifyChain(ctx context.Context, req VerifyRequest) error
}
