package domain

import (
	"crypto"
	"crypto/ecdsa"
	"crypto/rsa"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/asn1"
	"fmt"
)

// KeyAlgorithm is the family of a private key.
type KeyAlgorithm int

const (
	KeyAlgorithmRSA KeyAlgorithm = iota + 1
	KeyAlgorithmEC
)

func (a KeyAlgorithm) String() string {
	switch a {
	case KeyAlgorithmRSA:
		return "RSA"
	case KeyAlgorithmEC:
		return "EC"
	default:
		return "unknown"
	}
}

var (
	oidPublicKeyRSA   = asn1.ObjectIdentifier{1, 2, 840, 113549, 1, 1, 1}
	oidPublicKeyECDSA = asn1.ObjectIdentifier{1, 2, 840, 10045, 2, 1}
)

// pkcs8 mirrors the outer PrivateKeyInfo structure so the algorithm
// identifier can be inspected before the body is parsed.
type pkcs8 struct {
	Version    int
	Algo       pkix.AlgorithmIdentifier
	PrivateKey []byte
}

// GenericPrivateKey is a private key that is exactly one of RSA or EC.
type GenericPrivateKey struct {
	rsa *rsa.PrivateKey
	ec  *ecdsa.PrivateKey
}

// NewRSAKey wraps an RSA private key.
func NewRSAKey(k *rsa.PrivateKey) GenericPrivateKey {
	return GenericPrivateKey{rsa: k}
}

// NewECKey wraps an ECDSA private key.
func NewECKey(k *ecdsa.PrivateKey) GenericPrivateKey {
	return GenericPrivateKey{ec: k}
}

// ParsePKCS1 parses an RSA key in PKCS#1 form.
func ParsePKCS1(der []byte) (GenericPrivateKey, error) {
	k, err := x509.ParsePKCS1PrivateKey(der)
	if err != nil {
		return GenericPrivateKey{}, err
	}
	return NewRSAKey(k), nil
}

// ParseSEC1 parses an EC key in SEC1 form.
func ParseSEC1(der []byte) (GenericPrivateKey, error) {
	k, err := x509.ParseECPrivateKey(der)
	if err != nil {
		return GenericPrivateKey{}, err
	}
	return NewECKey(k), nil
}

// ParsePKCS8 parses a PKCS#8 key, dispatching on its algorithm identifier.
// Algorithms other than rsaEncryption and id-ecPublicKey yield
// ErrUnsupportedKeyAlgorithm.
func ParsePKCS8(der []byte) (GenericPrivateKey, error) {
	var info pkcs8
	if _, err := asn1.Unmarshal(der, &info); err != nil {
		return GenericPrivateKey{}, fmt.Errorf("parse PKCS#8 envelope: %w", err)
	}

	switch {
	case info.Algo.Algorithm.Equal(oidPublicKeyRSA), info.Algo.Algorithm.Equal(oidPublicKeyECDSA):
	default:
		return GenericPrivateKey{}, fmt.Errorf("%w: OID %s", ErrUnsupportedKeyAlgorithm, info.Algo.Algorithm)
	}

	k, err := x509.ParsePKCS8PrivateKey(der)
	if err != nil {
		return GenericPrivateKey{}, err
	}
	switch k := k.(type) {
	case *rsa.PrivateKey:
		return NewRSAKey(k), nil
	case *ecdsa.PrivateKey:
		return NewECKey(k), nil
	default:
		return GenericPrivateKey{}, fmt.Errorf("%w: %T", ErrUnsupportedKeyAlgorithm, k)
	}
}

// FromSigner converts a crypto.Signer holding an RSA or ECDSA key.
func FromSigner(s crypto.Signer) (GenericPrivateKey, error) {
	switch k := s.(type) {
	case *rsa.PrivateKey:
		return NewRSAKey(k), nil
	case *ecdsa.PrivateKey:
		return NewECKey(k), nil
	default:
		return GenericPrivateKey{}, fmt.Errorf("%w: %T", ErrUnsupportedKeyAlgorithm, s)
	}
}

// Algorithm returns the key family, or zero for the zero value.
func (k GenericPrivateKey) Algorithm() KeyAlgorithm {
	switch {
	case k.rsa != nil:
		return KeyAlgorithmRSA
	case k.ec != nil:
		return KeyAlgorithmEC
	default:
		return 0
	}
}

// IsZero reports whether the key holds no material.
func (k GenericPrivateKey) IsZero() bool {
	return k.rsa == nil && k.ec == nil
}

// RSA returns the RSA key, or nil for an EC key.
func (k GenericPrivateKey) RSA() *rsa.PrivateKey { return k.rsa }

// EC returns the ECDSA key, or nil for an RSA key.
func (k GenericPrivateKey) EC() *ecdsa.PrivateKey { return k.ec }

// Signer returns the key as a crypto.Signer, or nil for the zero value.
func (k GenericPrivateKey) Signer() crypto.Signer {
	switch {
	case k.rsa != nil:
		return k.rsa
	case k.ec != nil:
		return k.ec
	default:
		return nil
	}
}

// Public returns the public half of the key.
func (k GenericPrivateKey) Public() crypto.PublicKey {
	if s := k.Signer(); s != nil {
		return s.Public()
	}
	return nil
}

// MarshalPKCS8 encodes the key in PKCS#8 form.
func (k GenericPrivateKey) MarshalPKCS8() ([]byte, error) {
	s := k.Signer()
	if s == nil {
		return nil, fmt.Errorf("%w: empty private key", ErrIdentityInvalid)
	}
	return x509.MarshalPKCS8PrivateKey(s)
}
