// Package capsule seals bargaining decisions into signed, immutable offer
// capsules and verifies them later. A capsule binds the chosen action to the
// policy version, model version, cost floor, and supplier snapshot state
// that produced it, for tamper-evident audit.
package capsule

import (
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/sha256"
	"crypto/x509"
	"encoding/base64"
	"encoding/hex"
	"encoding/pem"
	"fmt"
	"os"
	"sync"
)

// Signer holds the process signing key and the public keys of every key it
// has ever signed with, so capsules sealed before a rotation still verify.
type Signer struct {
	mu         sync.RWMutex
	keyID      string
	priv       *ecdsa.PrivateKey
	fingerpr   string
	verifyKeys map[string]*ecdsa.PublicKey // fingerprint -> public key
}

// NewSignerFromPEM creates a Signer from a PEM-encoded EC private key. This
// is the production path: keys are provisioned externally and loaded at
// startup.
func NewSignerFromPEM(pemBytes []byte, keyID string) (*Signer, error) {
	block, _ := pem.Decode(pemBytes)
	if block == nil {
		return nil, fmt.Errorf("signer: no PEM block in key material")
	}

	var priv *ecdsa.PrivateKey
	switch block.Type {
	case "EC PRIVATE KEY":
		key, err := x509.ParseECPrivateKey(block.Bytes)
		if err != nil {
			return nil, fmt.Errorf("signer: parse EC key: %w", err)
		}
		priv = key
	case "PRIVATE KEY":
		key, err := x509.ParsePKCS8PrivateKey(block.Bytes)
		if err != nil {
			return nil, fmt.Errorf("signer: parse PKCS8 key: %w", err)
		}
		ec, ok := key.(*ecdsa.PrivateKey)
		if !ok {
			return nil, fmt.Errorf("signer: key is %T, want ECDSA", key)
		}
		priv = ec
	default:
		return nil, fmt.Errorf("signer: unsupported PEM block %q", block.Type)
	}

	return newSigner(priv, keyID)
}

// LoadSigner reads the signing key from a PEM file.
func LoadSigner(path, keyID string) (*Signer, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("signer: read key file: %w", err)
	}
	return NewSignerFromPEM(raw, keyID)
}

// NewEphemeralSigner generates a fresh P-256 key. Development and test
// convenience only; production loads a provisioned key.
func NewEphemeralSigner(keyID string) (*Signer, error) {
	priv, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("signer: generate key: %w", err)
	}
	return newSigner(priv, keyID)
}

func newSigner(priv *ecdsa.PrivateKey, keyID string) (*Signer, error) {
	fp, err := fingerprint(&priv.PublicKey)
	if err != nil {
		return nil, err
	}
	return &Signer{
		keyID:      keyID,
		priv:       priv,
		fingerpr:   fp,
		verifyKeys: map[string]*ecdsa.PublicKey{fp: &priv.PublicKey},
	}, nil
}

// Rotate installs a new signing key. The previous public key stays in the
// verification set so outstanding capsules remain verifiable.
func (s *Signer) Rotate(pemBytes []byte, keyID string) error {
	next, err := NewSignerFromPEM(pemBytes, keyID)
	if err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.verifyKeys[next.fingerpr] = &next.priv.PublicKey
	s.priv = next.priv
	s.fingerpr = next.fingerpr
	s.keyID = keyID
	return nil
}

// Sign signs data with the current key and returns the base64 ASN.1
// signature.
func (s *Signer) Sign(data []byte) (string, error) {
	s.mu.RLock()
	priv := s.priv
	s.mu.RUnlock()

	digest := sha256.Sum256(data)
	sig, err := ecdsa.SignASN1(rand.Reader, priv, digest[:])
	if err != nil {
		return "", fmt.Errorf("signer: sign: %w", err)
	}
	return base64.StdEncoding.EncodeToString(sig), nil
}

// VerifyBytes checks a signature against the public key identified by the
// given fingerprint. Unknown fingerprints and malformed signatures verify
// false, never with a warning.
func (s *Signer) VerifyBytes(fp, sigB64 string, data []byte) bool {
	s.mu.RLock()
	pub, ok := s.verifyKeys[fp]
	s.mu.RUnlock()
	if !ok {
		return false
	}

	sig, err := base64.StdEncoding.DecodeString(sigB64)
	if err != nil {
		return false
	}
	digest := sha256.Sum256(data)
	return ecdsa.VerifyASN1(pub, digest[:], sig)
}

// Fingerprint is the short identifier of the current public key. Published
// alongside capsules; the key itself never leaves the process.
func (s *Signer) Fingerprint() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.fingerpr
}

// KeyID names the current key for operational tooling.
func (s *Signer) KeyID() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.keyID
}

// fingerprint is the first 16 hex chars of the SHA-256 of the SPKI encoding.
func fingerprint(pub *ecdsa.PublicKey) (string, error) {
	spki, err := x509.MarshalPKIXPublicKey(pub)
	if err != nil {
		return "", fmt.Errorf("signer: marshal public key: %w", err)
	}
	sum := sha256.Sum256(spki)
	return hex.EncodeToString(sum[:])[:16], nil
}
