// Package identity implements the cryptographic primitives behind agent
// identity: Ed25519 keypairs, PEM encoding, agent-id derivation, and the
// signing/verification used by proposals, skills, and the auth handshake.
package identity

import (
	"crypto/ed25519"
	"crypto/rand"
	"crypto/sha256"
	"crypto/x509"
	"encoding/hex"
	"encoding/pem"
	"errors"
	"fmt"
)

const (
	// AgentIDLength is the number of hex characters in a derived agent id.
	AgentIDLength = 8

	pemTypePublic  = "PUBLIC KEY"
	pemTypePrivate = "PRIVATE KEY"
)

var (
	ErrNotEd25519  = errors.New("identity: not an Ed25519 key")
	ErrInvalidPEM  = errors.New("identity: invalid PEM block")
	ErrKeyMismatch = errors.New("identity: public key does not match private key")
)

// KeyPair holds an Ed25519 keypair for a persistent agent identity.
type KeyPair struct {
	Public  ed25519.PublicKey
	Private ed25519.PrivateKey
}

// Generate creates a fresh Ed25519 keypair.
func Generate() (*KeyPair, error) {
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("identity: keygen failed: %w", err)
	}
	return &KeyPair{Public: pub, Private: priv}, nil
}

// EncodePublicKeyPEM encodes an Ed25519 public key as a PKIX PEM block.
// The exact PEM bytes matter: agent ids are derived from them.
func EncodePublicKeyPEM(pub ed25519.PublicKey) (string, error) {
	der, err := x509.MarshalPKIXPublicKey(pub)
	if err != nil {
		return "", fmt.Errorf("identity: marshal public key: %w", err)
	}
	return string(pem.EncodeToMemory(&pem.Block{Type: pemTypePublic, Bytes: der})), nil
}

// ParsePublicKeyPEM parses a PEM-encoded Ed25519 public key.
func ParsePublicKeyPEM(pemData string) (ed25519.PublicKey, error) {
	block, _ := pem.Decode([]byte(pemData))
	if block == nil {
		return nil, ErrInvalidPEM
	}
	pub, err := x509.ParsePKIXPublicKey(block.Bytes)
	if err != nil {
		return nil, fmt.Errorf("identity: parse public key: %w", err)
	}
	edPub, ok := pub.(ed25519.PublicKey)
	if !ok {
		return nil, ErrNotEd25519
	}
	return edPub, nil
}

// EncodePrivateKeyPEM encodes an Ed25519 private key as a PKCS#8 PEM block.
func EncodePrivateKeyPEM(priv ed25519.PrivateKey) (string, error) {
	der, err := x509.MarshalPKCS8PrivateKey(priv)
	if err != nil {
		return "", fmt.Errorf("identity: marshal private key: %w", err)
	}
	return string(pem.EncodeToMemory(&pem.Block{Type: pemTypePrivate, Bytes: der})), nil
}

// ParsePrivateKeyPEM parses a PEM-encoded Ed25519 private key.
func ParsePrivateKeyPEM(pemData string) (ed25519.PrivateKey, error) {
	block, _ := pem.Decode([]byte(pemData))
	if block == nil {
		return nil, ErrInvalidPEM
	}
	priv, err := x509.ParsePKCS8PrivateKey(block.Bytes)
	if err != nil {
		return nil, fmt.Errorf("identity: parse private key: %w", err)
	}
	edPriv, ok := priv.(ed25519.PrivateKey)
	if !ok {
		return nil, ErrNotEd25519
	}
	return edPriv, nil
}

// AgentID derives the deterministic agent id for a public key: the first
// 8 hex characters of SHA-256 over the PKIX PEM encoding.
func AgentID(pubPEM string) string {
	sum := sha256.Sum256([]byte(pubPEM))
	return hex.EncodeToString(sum[:])[:AgentIDLength]
}

const ephemeralAlphabet = "abcdefghijklmnopqrstuvwxyz0123456789"

// RandomAgentID returns a random 8-char lowercase alphanumeric id for
// ephemeral (keyless) sessions.
func RandomAgentID() (string, error) {
	buf := make([]byte, AgentIDLength)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("identity: random id: %w", err)
	}
	out := make([]byte, AgentIDLength)
	for i, b := range buf {
		out[i] = ephemeralAlphabet[int(b)%len(ephemeralAlphabet)]
	}
	return string(out), nil
}

// Sign signs data with an Ed25519 private key, returning the hex signature
// used on the wire.
func Sign(priv ed25519.PrivateKey, data []byte) string {
	return hex.EncodeToString(ed25519.Sign(priv, data))
}

// Verify checks a hex-encoded Ed25519 signature over data.
// Ed25519 verification is constant-time in the underlying primitive.
func Verify(pub ed25519.PublicKey, data []byte, hexSig string) bool {
	if pub == nil {
		return false
	}
	sig, err := hex.DecodeString(hexSig)
	if err != nil || len(sig) != ed25519.SignatureSize {
		return false
	}
	return ed25519.Verify(pub, data, sig)
}

// GenerateNonce returns n bytes of randomness, hex-encoded.
func GenerateNonce(n int) (string, error) {
	buf := make([]byte, n)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("identity: nonce: %w", err)
	}
	return hex.EncodeToString(buf), nil
}
