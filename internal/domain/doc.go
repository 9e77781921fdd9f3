// Package domain contains the PKI model for the watcher.
//
// This package is the core of the hexagonal layout: it defines the value
// objects every other layer exchanges and depends only on the standard
// library (plus the debug-only assert helper). It performs no I/O.
//
// Files and types
// -----------------------
//   - pki_object_set.go
//   - PkiObjectSet: append-only bag of DER blocks grouped by Kind
//     (certificates, CRLs, CSRs, PKCS#1, SEC1 and PKCS#8 keys).
//
//   - private_key.go
//   - GenericPrivateKey: a private key that is exactly one of RSA or EC,
//     parsed from PKCS#1, SEC1 or PKCS#8.
//
//   - key_match.go
//   - KeyMatchesCertificate: byte comparison of a key's public half with
//     a certificate's subjectPublicKey.
//
//   - identity.go
//   - Identity: leaf, key, intermediates and CA, keyed by server name.
//
//   - identity_set.go
//   - IdentitySet: insertion-ordered map from server name to Identity.
//
//   - errors.go
//   - Sentinels plus DecodeError and ChainResolutionError.
package domain
