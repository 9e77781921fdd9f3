package domain

import (
	"bytes"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/asn1"
	"fmt"
)

type subjectPublicKeyInfo struct {
	Algorithm pkix.AlgorithmIdentifier
	PublicKey asn1.BitString
}

// publicKeyBits returns the raw subjectPublicKey BIT STRING contents of cert.
func publicKeyBits(cert *x509.Certificate) ([]byte, error) {
	var spki subjectPublicKeyInfo
	if _, err := asn1.Unmarshal(cert.RawSubjectPublicKeyInfo, &spki); err != nil {
		return nil, fmt.Errorf("parse subject public key info: %w", err)
	}
	return spki.PublicKey.RightAlign(), nil
}

// publicKeyBits returns the public half of k in the encoding certificates
// carry: a PKCS#1 RSAPublicKey for RSA, an uncompressed point for EC.
func (k GenericPrivateKey) publicKeyBits() ([]byte, error) {
	switch {
	case k.rsa != nil:
		return x509.MarshalPKCS1PublicKey(&k.rsa.PublicKey), nil
	case k.ec != nil:
		pub, err := k.ec.PublicKey.ECDH()
		if err != nil {
			return nil, err
		}
		return pub.Bytes(), nil
	default:
		return nil, fmt.Errorf("%w: empty private key", ErrIdentityInvalid)
	}
}

// KeyMatchesCertificate reports whether key's public component is
// byte-for-byte the public key embedded in cert. Keys are only compared
// against certificates of the same algorithm family.
func KeyMatchesCertificate(cert *x509.Certificate, key GenericPrivateKey) (bool, error) {
	if cert == nil || key.IsZero() {
		return false, nil
	}

	switch key.Algorithm() {
	case KeyAlgorithmRSA:
		if cert.PublicKeyAlgorithm != x509.RSA {
			return false, nil
		}
	case KeyAlgorithmEC:
		if cert.PublicKeyAlgorithm != x509.ECDSA {
			return false, nil
		}
	}

	want, err := publicKeyBits(cert)
	if err != nil {
		return false, err
	}
	got, err := key.publicKeyBits()
	if err != nil {
		// Curves without an ECDH mapping fall back to structural comparison.
		if key.ec != nil {
			return key.ec.PublicKey.Equal(cert.PublicKey), nil
		}
		return false, err
	}
	return bytes.Equal(want, got), nil
}
