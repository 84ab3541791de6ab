// Validator identity keys
package signing

import (
	"crypto/ed25519"
	"crypto/rand"
	"encoding/hex"
	"fmt"
)

// Signer holds this validator's ed25519 identity key pair.
type Signer struct {
	priv ed25519.PrivateKey
	pub  ed25519.PublicKey
}

// NewSigner generates a fresh identity key pair.
func NewSigner() (*Signer, error) {
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, err
	}
	return &Signer{priv: priv, pub: pub}, nil
}

// FromHex restores a signer from a hex-encoded private key.
func FromHex(privHex string) (*Signer, error) {
	b, err := hex.DecodeString(privHex)
	if err != nil {
		return nil, fmt.Errorf("invalid private key hex: %w", err)
	}
	if len(b) != ed25519.PrivateKeySize {
		return nil, fmt.Errorf("private key must be %d bytes, got %d", ed25519.PrivateKeySize, len(b))
	}
	priv := ed25519.PrivateKey(b)
	return &Signer{priv: priv, pub: priv.Public().(ed25519.PublicKey)}, nil
}

// PublicKeyHex returns the hex-encoded public key identifying this
// validator.
func (s *Signer) PublicKeyHex() string {
	return hex.EncodeToString(s.pub)
}

// PrivateKeyHex returns the hex-encoded private key.
func (s *Signer) PrivateKeyHex() string {
	return hex.EncodeToString(s.priv)
}

// Sign signs msg with the identity key.
func (s *Signer) Sign(msg []byte) []byte {
	return ed25519.Sign(s.priv, msg)
}

// Verify checks a signature against a hex-encoded public key.
func Verify(pubHex string, msg, sig []byte) (bool, error) {
	b, err := hex.DecodeString(pubHex)
	if err != nil {
		return false, fmt.Errorf("invalid public key hex: %w", err)
	}
	if len(b) != ed25519.PublicKeySize {
		return false, fmt.Errorf("public key must be %d bytes, got %d", ed25519.PublicKeySize, len(b))
	}
	return ed25519.Verify(ed25519.PublicKey(b), msg, sig), nil
}
