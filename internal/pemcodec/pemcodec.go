// Package pemcodec turns PEM text into a domain.PkiObjectSet and back.
//
// Every block is parsed for structure before it is accepted, so a set
// returned by Decode only ever holds well-formed objects. Recognised block
// types:
//
//	CERTIFICATE                              -> certificates (X.509 v3 only)
//	X509 CRL                                 -> revocation lists
//	CERTIFICATE REQUEST, NEW CERTIFICATE REQUEST -> certificate requests
//	RSA PRIVATE KEY                          -> PKCS#1 keys
//	EC PRIVATE KEY                           -> SEC1 keys
//	PRIVATE KEY                              -> PKCS#8 keys (RSA or EC)
//
// An unknown block type or broken armour stops decoding: a corrupted stream
// cannot be trusted to resume at the right boundary.
package pemcodec

import (
	"bytes"
	"crypto/x509"
	"encoding/pem"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/sufield/pkiwatch/internal/domain"
)

const (
	TypeCertificate           = "CERTIFICATE"
	TypeRevocationList        = "X509 CRL"
	TypeCertificateRequest    = "CERTIFICATE REQUEST"
	TypeNewCertificateRequest = "NEW CERTIFICATE REQUEST"
	TypeRSAPrivateKey         = "RSA PRIVATE KEY"
	TypeECPrivateKey          = "EC PRIVATE KEY"
	TypePrivateKey            = "PRIVATE KEY"
)

var beginMarker = []byte("-----BEGIN")

var kindsByType = map[string]domain.Kind{
	TypeCertificate:           domain.KindCertificate,
	TypeRevocationList:        domain.KindRevocationList,
	TypeCertificateRequest:    domain.KindCertificateRequest,
	TypeNewCertificateRequest: domain.KindCertificateRequest,
	TypeRSAPrivateKey:         domain.KindPKCS1Key,
	TypeECPrivateKey:          domain.KindSEC1Key,
	TypePrivateKey:            domain.KindPKCS8Key,
}

// TypeOf returns the canonical PEM type label for kind.
func TypeOf(kind domain.Kind) string {
	switch kind {
	case domain.KindCertificate:
		return TypeCertificate
	case domain.KindRevocationList:
		return TypeRevocationList
	case domain.KindCertificateRequest:
		return TypeCertificateRequest
	case domain.KindPKCS1Key:
		return TypeRSAPrivateKey
	case domain.KindSEC1Key:
		return TypeECPrivateKey
	case domain.KindPKCS8Key:
		return TypePrivateKey
	default:
		return ""
	}
}

// Decode reads r to the end and returns every PEM block it contains.
// The first malformed block aborts decoding with a *domain.DecodeError.
// Input without any PEM blocks yields an empty set.
func Decode(r io.Reader) (*domain.PkiObjectSet, error) {
	set, _, err := decode(r, true)
	return set, err
}

// DecodeBytes is Decode over an in-memory buffer.
func DecodeBytes(data []byte) (*domain.PkiObjectSet, error) {
	return Decode(bytes.NewReader(data))
}

// DecodeLenient behaves like Decode but skips recognised blocks whose body
// fails to parse, returning them as skipped. Unknown block types and broken
// armour still abort decoding.
func DecodeLenient(r io.Reader) (*domain.PkiObjectSet, []*domain.DecodeError, error) {
	return decode(r, false)
}

func decode(r io.Reader, strict bool) (*domain.PkiObjectSet, []*domain.DecodeError, error) {
	data, err := io.ReadAll(r)
	if err != nil {
		return nil, nil, &domain.DecodeError{Err: fmt.Errorf("%w: read: %v", domain.ErrMalformedFraming, err)}
	}

	set := domain.NewPkiObjectSet()
	var skipped []*domain.DecodeError

	rest := data
	for index := 0; ; index++ {
		block, next := pem.Decode(rest)
		if block == nil {
			if bytes.Contains(rest, beginMarker) {
				return nil, skipped, &domain.DecodeError{Index: index, Err: fmt.Errorf("%w: unterminated or corrupt block", domain.ErrMalformedFraming)}
			}
			break
		}

		// pem.Decode silently skips armour it cannot parse. Any BEGIN marker
		// before the one it returned belongs to such a block.
		consumed := rest[:len(rest)-len(next)]
		header := []byte("-----BEGIN " + block.Type + "-----")
		if bytes.Index(consumed, beginMarker) != bytes.LastIndex(consumed, header) {
			return nil, skipped, &domain.DecodeError{Index: index, Err: fmt.Errorf("%w: corrupt block before %q", domain.ErrMalformedFraming, block.Type)}
		}
		rest = next

		kind, ok := kindsByType[block.Type]
		if !ok {
			return nil, skipped, &domain.DecodeError{Index: index, Type: block.Type, Err: domain.ErrUnknownBlockType}
		}

		if err := checkBody(kind, block); err != nil {
			de := &domain.DecodeError{Kind: kind, Type: block.Type, Index: index, Err: err}
			if strict {
				return nil, skipped, de
			}
			skipped = append(skipped, de)
			continue
		}
		set.Add(kind, block.Bytes)
	}

	return set, skipped, nil
}

func checkBody(kind domain.Kind, block *pem.Block) error {
	if strings.Contains(block.Headers["Proc-Type"], "ENCRYPTED") {
		return domain.ErrEncryptedBlock
	}

	der := block.Bytes
	switch kind {
	case domain.KindCertificate:
		cert, err := x509.ParseCertificate(der)
		if err != nil {
			return err
		}
		if cert.Version != 3 {
			return fmt.Errorf("%w: v%d", domain.ErrUnsupportedX509Version, cert.Version)
		}
		return nil
	case domain.KindRevocationList:
		_, err := x509.ParseRevocationList(der)
		return err
	case domain.KindCertificateRequest:
		_, err := x509.ParseCertificateRequest(der)
		return err
	case domain.KindPKCS1Key:
		_, err := domain.ParsePKCS1(der)
		return err
	case domain.KindSEC1Key:
		_, err := domain.ParseSEC1(der)
		return err
	case domain.KindPKCS8Key:
		_, err := domain.ParsePKCS8(der)
		return err
	default:
		return domain.ErrUnknownBlockType
	}
}

// Encode writes every block of set as PEM, kinds in storage order.
func Encode(w io.Writer, set *domain.PkiObjectSet) error {
	for _, b := range set.Blocks() {
		if err := pem.Encode(w, &pem.Block{Type: TypeOf(b.Kind), Bytes: b.DER}); err != nil {
			return err
		}
	}
	return nil
}

// EncodeToMemory is Encode into a byte slice.
func EncodeToMemory(set *domain.PkiObjectSet) []byte {
	var buf bytes.Buffer
	_ = Encode(&buf, set)
	return buf.Bytes()
}

var (
	// ErrMissingSecretData indicates a Secret with no data at all.
	ErrMissingSecretData = errors.New("secret has no data")
	// ErrMissingSecretKey indicates a configured resource key absent from the Secret.
	ErrMissingSecretKey = errors.New("secret is missing resource key")
)

// DecodeSecretKey decodes the PEM stored under key in a Secret's data map.
// Absence is reported with ErrMissingSecretData or ErrMissingSecretKey;
// malformed content with a *domain.DecodeError.
func DecodeSecretKey(data map[string][]byte, key string) (*domain.PkiObjectSet, error) {
	if len(data) == 0 {
		return nil, ErrMissingSecretData
	}
	raw, ok := data[key]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrMissingSecretKey, key)
	}
	return DecodeBytes(raw)
}
