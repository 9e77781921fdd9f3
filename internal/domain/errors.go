package domain

import (
	"errors"
	"fmt"
)

// Sentinel errors for decoding and pairing failures.
// Use with errors.Is() for checking and fmt.Errorf("%w", ...) for wrapping with context.

var (
	// ErrUnknownBlockType indicates a PEM block whose type label is not recognised
	ErrUnknownBlockType = errors.New("unknown PEM block type")

	// ErrMalformedFraming indicates PEM armour that cannot be parsed (truncated or corrupt)
	ErrMalformedFraming = errors.New("malformed PEM framing")

	// ErrEncryptedBlock indicates a legacy encrypted PEM block
	ErrEncryptedBlock = errors.New("encrypted PEM blocks are not supported")

	// ErrUnsupportedX509Version indicates a certificate that is not X.509 v3
	ErrUnsupportedX509Version = errors.New("unsupported X.509 version")

	// ErrUnsupportedKeyAlgorithm indicates a PKCS#8 key that is neither RSA nor EC
	ErrUnsupportedKeyAlgorithm = errors.New("unsupported private key algorithm")

	// ErrKeyMismatch indicates a private key whose public half differs from the certificate's
	ErrKeyMismatch = errors.New("private key does not match certificate public key")

	// ErrNoServerName indicates a leaf with no subject CN, DNS SAN or URI SAN
	ErrNoServerName = errors.New("certificate carries no server name")

	// ErrMalformedSelfSigned indicates subject equals issuer but the self-signature does not verify
	ErrMalformedSelfSigned = errors.New("self-issued certificate signature does not verify")

	// ErrIdentityInvalid indicates an identity constructed from incomplete parts
	ErrIdentityInvalid = errors.New("identity is invalid")
)

// Chain resolution failures.

var (
	ErrNoChainPath    = errors.New("no issuer found")
	ErrAmbiguousChain = errors.New("more than one candidate issuer")
	ErrChainCycle     = errors.New("issuer chain loops")
)

// DecodeError reports a malformed block. Index is the zero-based position of
// the block within the input stream. Kind is zero when the block type itself
// was not recognised or the framing was broken.
type DecodeError struct {
	Kind  Kind
	Type  string
	Index int
	Err   error
}

func (e *DecodeError) Error() string {
	switch {
	case e.Kind != 0:
		return fmt.Sprintf("decode block %d (%s): %v", e.Index, e.Kind, e.Err)
	case e.Type != "":
		return fmt.Sprintf("decode block %d (%q): %v", e.Index, e.Type, e.Err)
	default:
		return fmt.Sprintf("decode block %d: %v", e.Index, e.Err)
	}
}

func (e *DecodeError) Unwrap() error { return e.Err }

// ChainResolutionError reports a leaf that could not be linked to a CA.
// The leaf is dropped; other candidates in the same set are unaffected.
type ChainResolutionError struct {
	Subject string
	Issuer  string
	Err     error
}

func (e *ChainResolutionError) Error() string {
	return fmt.Sprintf("resolve chain for %q (issuer %q): %v", e.Subject, e.Issuer, e.Err)
}

func (e *ChainResolutionError) Unwrap() error { return e.Err }
