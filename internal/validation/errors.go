package validation

import (
	"errors"
	"fmt"
)

// Check names one step of identity verification.
type Check int

const (
	CheckSignature Check = iota + 1
	CheckDomain
	CheckExpiration
	CheckSelfSigned
	CheckChain
)

func (c Check) String() string {
	switch c {
	case CheckSignature:
		return "signature"
	case CheckDomain:
		return "domain"
	case CheckExpiration:
		return "expiration"
	case CheckSelfSigned:
		return "self-signed"
	case CheckChain:
		return "chain"
	default:
		return fmt.Sprintf("check(%d)", int(c))
	}
}

var (
	ErrInvalidSignature   = errors.New("private key does not match leaf certificate")
	ErrDomainMismatch     = errors.New("certificate does not match expected domain")
	ErrExpired            = errors.New("certificate is outside its validity window")
	ErrSelfSignedRejected = errors.New("self-signed certificate rejected by policy")
	ErrUntrustedChain     = errors.New("certificate chain is not trusted")

	// ErrInvalidPolicy is returned by NewValidator for unusable policies.
	ErrInvalidPolicy = errors.New("invalid validation policy")
)

// Failure is the first check an identity failed.
type Failure struct {
	Check      Check
	ServerName string
	Err        error
}

func (f *Failure) Error() string {
	return fmt.Sprintf("validate %s: %s check: %v", f.ServerName, f.Check, f.Err)
}

func (f *Failure) Unwrap() error { return f.Err }

// CheckOf returns the failed check carried by err, or zero.
func CheckOf(err error) Check {
	var f *Failure
	if errors.As(err, &f) {
		return f.Check
	}
	return 0
}
