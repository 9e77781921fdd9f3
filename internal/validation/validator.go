// Package validation checks resolved identities against a fixed policy.
//
// Checks run in a fixed order and stop at the first failure:
//
//  1. signature   private key matches the leaf (runs with chain validation)
//  2. domain      leaf names the configured domain
//  3. expiration  leaf is inside its validity window
//  4. self-signed leaf is not self-signed, unless policy allows it
//  5. chain       leaf chains to a trusted root via the TrustVerifier
package validation

import (
	"context"
	"crypto/x509"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/sufield/pkiwatch/internal/domain"
	"github.com/sufield/pkiwatch/internal/ports"
)

// Policy selects which checks run. It is copied at construction.
type Policy struct {
	AllowSelfSigned    bool
	ValidateExpiration bool
	ValidateDomain     bool
	ValidateChain      bool
	Domain             string
	AllowWildcard      bool
}

// Validator applies a Policy. It is immutable and safe for concurrent use.
type Validator struct {
	policy   Policy
	verifier ports.TrustVerifier
	now      func() time.Time
	logger   *slog.Logger
}

// Option configures a Validator.
type Option func(*Validator)

// WithTrustVerifier sets the chain verifier. Defaults to an X509Verifier
// over the system roots.
func WithTrustVerifier(v ports.TrustVerifier) Option {
	return func(val *Validator) { val.verifier = v }
}

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(val *Validator) { val.now = now }
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(val *Validator) {
		if l != nil {
			val.logger = l
		}
	}
}

// NewValidator checks the policy and returns a Validator.
//
// Returns ErrInvalidPolicy if:
//   - domain validation is enabled without a domain
//   - the domain is itself a wildcard
//   - wildcard matching is allowed without domain validation
func NewValidator(p Policy, opts ...Option) (*Validator, error) {
	p.Domain = domain.NormalizeServerName(p.Domain)

	if p.ValidateDomain && p.Domain == "" {
		return nil, fmt.Errorf("%w: domain must be set when domain validation is enabled", ErrInvalidPolicy)
	}
	if strings.Contains(p.Domain, "*") {
		return nil, fmt.Errorf("%w: domain %q must be a concrete name", ErrInvalidPolicy, p.Domain)
	}
	if p.AllowWildcard && !p.ValidateDomain {
		return nil, fmt.Errorf("%w: allow_wildcard requires domain validation", ErrInvalidPolicy)
	}

	v := &Validator{
		policy: p,
		now:    time.Now,
		logger: slog.Default(),
	}
	for _, o := range opts {
		o(v)
	}
	if v.verifier == nil && p.ValidateChain {
		v.verifier = &X509Verifier{}
	}
	return v, nil
}

// Policy returns the policy in effect.
func (v *Validator) Policy() Policy { return v.policy }

// EnabledChecks lists the checks VerifyIdentity runs, in order.
func (v *Validator) EnabledChecks() []Check {
	var checks []Check
	if v.policy.ValidateChain {
		checks = append(checks, CheckSignature)
	}
	if v.policy.ValidateDomain {
		checks = append(checks, CheckDomain)
	}
	if v.policy.ValidateExpiration {
		checks = append(checks, CheckExpiration)
	}
	if !v.policy.AllowSelfSigned {
		checks = append(checks, CheckSelfSigned)
	}
	if v.policy.ValidateChain {
		checks = append(checks, CheckChain)
	}
	return checks
}

// VerifyIdentity runs the enabled checks against id and returns the first
// failure as a *Failure, or nil.
func (v *Validator) VerifyIdentity(ctx context.Context, id *domain.Identity) error {
	if v.policy.ValidateChain && !SignatureMatchesKey(id.Leaf(), id.PrivateKey()) {
		return v.fail(CheckSignature, id.ServerName(), ErrInvalidSignature)
	}

	intermediates := id.Intermediates()
	if !id.CA().Equal(id.Leaf()) {
		intermediates = append(intermediates, id.CA())
	}
	return v.verify(ctx, id.ServerName(), id.Leaf(), intermediates)
}

// VerifyCertificate runs every enabled check except the key match against
// a bare certificate.
func (v *Validator) VerifyCertificate(ctx context.Context, leaf *x509.Certificate, intermediates []*x509.Certificate) error {
	return v.verify(ctx, domain.ServerNameOf(leaf), leaf, intermediates)
}

func (v *Validator) verify(ctx context.Context, name string, leaf *x509.Certificate, intermediates []*x509.Certificate) error {
	now := v.now()

	if v.policy.ValidateDomain && !DomainMatches(leaf, v.policy.Domain, v.policy.AllowWildcard) {
		return v.fail(CheckDomain, name, fmt.Errorf("%w: want %q", ErrDomainMismatch, v.policy.Domain))
	}

	if v.policy.ValidateExpiration && IsExpired(leaf, now) {
		return v.fail(CheckExpiration, name, fmt.Errorf("%w: valid %s to %s",
			ErrExpired, leaf.NotBefore.UTC().Format(time.RFC3339), leaf.NotAfter.UTC().Format(time.RFC3339)))
	}

	if !v.policy.AllowSelfSigned {
		selfSigned, err := IsSelfSigned(leaf)
		if err != nil {
			return v.fail(CheckSelfSigned, name, err)
		}
		if selfSigned {
			return v.fail(CheckSelfSigned, name, ErrSelfSignedRejected)
		}
	}

	if v.policy.ValidateChain {
		expected := v.policy.Domain
		if expected == "" {
			expected = name
		}
		if err := ChainIsTrusted(ctx, v.verifier, leaf, intermediates, expected, now); err != nil {
			return v.fail(CheckChain, name, fmt.Errorf("%w: %v", ErrUntrustedChain, err))
		}
	}

	return nil
}

// ValidUntil returns when a passing verdict for id stops holding: the
// earliest NotAfter among the certificates the enabled checks look at.
// The zero time means the verdict does not depend on the clock.
func (v *Validator) ValidUntil(id *domain.Identity) time.Time {
	var certs []*x509.Certificate
	switch {
	case v.policy.ValidateChain:
		certs = id.CertificateChain()
	case v.policy.ValidateExpiration:
		certs = []*x509.Certificate{id.Leaf()}
	}

	var until time.Time
	for _, c := range certs {
		if until.IsZero() || c.NotAfter.Before(until) {
			until = c.NotAfter
		}
	}
	return until
}

// Lapsed is the failure reported for an identity whose passing verdict ran
// past ValidUntil.
func Lapsed(name string, until time.Time) error {
	return &Failure{
		Check:      CheckExpiration,
		ServerName: name,
		Err:        fmt.Errorf("%w: certificate chain expired at %s", ErrExpired, until.UTC().Format(time.RFC3339)),
	}
}

func (v *Validator) fail(check Check, name string, err error) error {
	v.logger.Debug("identity failed validation", "server_name", name, "check", check.String(), "error", err)
	return &Failure{Check: check, ServerName: name, Err: err}
}
