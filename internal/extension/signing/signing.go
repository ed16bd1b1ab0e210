// Package signing provides the integrity and cryptographic primitives
// for extension packages: SHA-256 integrity hashing of code payloads,
// ECDSA P-256 signatures with exportable key material, and AES-256-GCM
// encryption of the code section.
package signing

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/sha256"
	"crypto/x509"
	"encoding/base64"
	"encoding/pem"
	"fmt"
	"strings"
)

// HashPrefix is prepended to the base64 digest stored in the manifest.
const HashPrefix = "sha256-"

// KeySize is the AES-256 key length required for code encryption.
const KeySize = 32

// strictDirective is prepended to extension source before hashing so the
// hashed text and the executed text are byte-identical.
const strictDirective = `"use strict";`

// NormalizeSource prepends the strict-evaluation directive if the source
// does not already start with one. The returned text is what gets
// hashed, packaged, and executed.
func NormalizeSource(code string) string {
	trimmed := strings.TrimLeft(code, " \t\r\n")
	if strings.HasPrefix(trimmed, `"use strict"`) || strings.HasPrefix(trimmed, `'use strict'`) {
		return code
	}
	return strictDirective + "\n" + code
}

// HashSource computes the integrity hash of a code payload, encoded as
// "sha256-" + base64(digest).
func HashSource(code string) string {
	sum := sha256.Sum256([]byte(code))
	return HashPrefix + base64.StdEncoding.EncodeToString(sum[:])
}

// VerifyIntegrity recomputes the hash over code and compares it
// byte-for-byte against the stored manifest value.
func VerifyIntegrity(code, stored string) error {
	if stored == "" {
		return fmt.Errorf("no integrity hash to verify against")
	}
	if HashSource(code) != stored {
		return fmt.Errorf("integrity hash mismatch: package tampered or corrupted")
	}
	return nil
}

// GenerateKey creates a new ECDSA P-256 signing key pair.
func GenerateKey() (*ecdsa.PrivateKey, error) {
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("generate signing key: %w", err)
	}
	return key, nil
}

// Sign computes an ECDSA signature over the SHA-256 digest of data.
func Sign(key *ecdsa.PrivateKey, data []byte) ([]byte, error) {
	sum := sha256.Sum256(data)
	sig, err := ecdsa.SignASN1(rand.Reader, key, sum[:])
	if err != nil {
		return nil, fmt.Errorf("sign: %w", err)
	}
	return sig, nil
}

// Verify checks an ECDSA signature over the SHA-256 digest of data.
func Verify(pub *ecdsa.PublicKey, data, sig []byte) bool {
	sum := sha256.Sum256(data)
	return ecdsa.VerifyASN1(pub, sum[:], sig)
}

// Envelope is the JSON payload of a package's Signature section. The
// public key is embedded so a package remains self-describing; whether
// the embedded key is trusted is the loader's decision.
type Envelope struct {
	Algorithm string `json:"algorithm"`
	Signature string `json:"signature"` // base64
	PublicKey string `json:"publicKey"` // PEM
}

// AlgorithmECDSAP256 identifies the only signature scheme produced here.
const AlgorithmECDSAP256 = "ecdsa-p256-sha256"

// NewEnvelope signs data and wraps the signature with the signer's
// public key.
func NewEnvelope(key *ecdsa.PrivateKey, data []byte) (*Envelope, error) {
	sig, err := Sign(key, data)
	if err != nil {
		return nil, err
	}
	pubPEM, err := EncodePublicKey(&key.PublicKey)
	if err != nil {
		return nil, err
	}
	return &Envelope{
		Algorithm: AlgorithmECDSAP256,
		Signature: base64.StdEncoding.EncodeToString(sig),
		PublicKey: pubPEM,
	}, nil
}

// VerifyEnvelope checks the envelope's signature over data. With trusted
// keys configured, the signature must verify against one of them, like
// the host's trusted-key loop. With none, the embedded key is used and
// the result only proves internal consistency, not provenance.
func VerifyEnvelope(env *Envelope, data []byte, trusted []*ecdsa.PublicKey) error {
	if env.Algorithm != AlgorithmECDSAP256 {
		return fmt.Errorf("unsupported signature algorithm %q", env.Algorithm)
	}
	sig, err := base64.StdEncoding.DecodeString(env.Signature)
	if err != nil {
		return fmt.Errorf("invalid signature encoding: %w", err)
	}

	if len(trusted) > 0 {
		for _, pub := range trusted {
			if Verify(pub, data, sig) {
				return nil
			}
		}
		return fmt.Errorf("signature verification failed: no matching trusted key")
	}

	pub, err := ParsePublicKey(env.PublicKey)
	if err != nil {
		return fmt.Errorf("invalid embedded public key: %w", err)
	}
	if !Verify(pub, data, sig) {
		return fmt.Errorf("signature does not match package contents")
	}
	return nil
}

// EncodePrivateKey serializes a signing key to PEM.
func EncodePrivateKey(key *ecdsa.PrivateKey) (string, error) {
	der, err := x509.MarshalECPrivateKey(key)
	if err != nil {
		return "", fmt.Errorf("marshal private key: %w", err)
	}
	return string(pem.EncodeToMemory(&pem.Block{Type: "EC PRIVATE KEY", Bytes: der})), nil
}

// ParsePrivateKey reads a PEM-encoded signing key.
func ParsePrivateKey(pemData string) (*ecdsa.PrivateKey, error) {
	block, _ := pem.Decode([]byte(pemData))
	if block == nil || block.Type != "EC PRIVATE KEY" {
		return nil, fmt.Errorf("no EC private key found in PEM data")
	}
	key, err := x509.ParseECPrivateKey(block.Bytes)
	if err != nil {
		return nil, fmt.Errorf("parse private key: %w", err)
	}
	return key, nil
}

// EncodePublicKey serializes a verification key to PEM.
func EncodePublicKey(pub *ecdsa.PublicKey) (string, error) {
	der, err := x509.MarshalPKIXPublicKey(pub)
	if err != nil {
		return "", fmt.Errorf("marshal public key: %w", err)
	}
	return string(pem.EncodeToMemory(&pem.Block{Type: "PUBLIC KEY", Bytes: der})), nil
}

// ParsePublicKey reads a PEM-encoded verification key.
func ParsePublicKey(pemData string) (*ecdsa.PublicKey, error) {
	block, _ := pem.Decode([]byte(pemData))
	if block == nil || block.Type != "PUBLIC KEY" {
		return nil, fmt.Errorf("no public key found in PEM data")
	}
	key, err := x509.ParsePKIXPublicKey(block.Bytes)
	if err != nil {
		return nil, fmt.Errorf("parse public key: %w", err)
	}
	pub, ok := key.(*ecdsa.PublicKey)
	if !ok {
		return nil, fmt.Errorf("not an ECDSA public key: %T", key)
	}
	return pub, nil
}

// Encrypt seals plaintext with AES-256-GCM. The random 96-bit nonce is
// prepended to the ciphertext. The key must be supplied by the caller
// and retained by them: a discarded key makes the package permanently
// undecryptable.
func Encrypt(key, plaintext []byte) ([]byte, error) {
	if len(key) != KeySize {
		return nil, fmt.Errorf("encryption key must be %d bytes, got %d", KeySize, len(key))
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("init cipher: %w", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("init GCM: %w", err)
	}
	nonce := make([]byte, gcm.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return nil, fmt.Errorf("generate nonce: %w", err)
	}
	return gcm.Seal(nonce, nonce, plaintext, nil), nil
}

// Decrypt opens an AES-256-GCM payload produced by Encrypt.
func Decrypt(key, data []byte) ([]byte, error) {
	if len(key) != KeySize {
		return nil, fmt.Errorf("decryption key must be %d bytes, got %d", KeySize, len(key))
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("init cipher: %w", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("init GCM: %w", err)
	}
	if len(data) < gcm.NonceSize() {
		return nil, fmt.Errorf("ciphertext shorter than nonce")
	}
	nonce, ciphertext := data[:gcm.NonceSize()], data[gcm.NonceSize():]
	plaintext, err := gcm.Open(nil, nonce, ciphertext, nil)
	if err != nil {
		return nil, fmt.Errorf("decrypt code section: %w", err)
	}
	return plaintext, nil
}
