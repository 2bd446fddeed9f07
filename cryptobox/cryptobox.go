// Package cryptobox wraps the asymmetric key agreement and symmetric
// authenticated encryption everything else builds on: derive a shared secret
// from a recipient's public encryption key and the caller's key pair, and
// encrypt/decrypt strings under a secret. Key material travels as base64
// strings because that is what the replicated store carries.
package cryptobox

import (
	"crypto/ed25519"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"errors"
	"fmt"
	"io"

	"golang.org/x/crypto/curve25519"
	"golang.org/x/crypto/nacl/secretbox"
	"golang.org/x/crypto/scrypt"
)

var (
	ErrDecryptionFailed = errors.New("decryption failed")
	ErrBadKey           = errors.New("malformed key material")
)

// KeyPair is one identity's asymmetric material: an Ed25519 signing pair
// (Pub/Priv) and an X25519 encryption pair (EPub/EPriv). Pub doubles as the
// identity's durable public identifier across the graph.
type KeyPair struct {
	Pub   string `json:"pub"`
	Priv  string `json:"priv"`
	EPub  string `json:"epub"`
	EPriv string `json:"epriv"`
}

var enc = base64.RawURLEncoding

// Generate creates a fresh key pair from the system's CSPRNG.
func Generate() (KeyPair, error) {
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return KeyPair{}, fmt.Errorf("generate signing pair: %w", err)
	}

	epriv := make([]byte, curve25519.ScalarSize)
	if _, err := io.ReadFull(rand.Reader, epriv); err != nil {
		return KeyPair{}, fmt.Errorf("generate encryption pair: %w", err)
	}
	epub, err := curve25519.X25519(epriv, curve25519.Basepoint)
	if err != nil {
		return KeyPair{}, fmt.Errorf("generate encryption pair: %w", err)
	}

	return KeyPair{
		Pub:   enc.EncodeToString(pub),
		Priv:  enc.EncodeToString(priv),
		EPub:  enc.EncodeToString(epub),
		EPriv: enc.EncodeToString(epriv),
	}, nil
}

// SharedSecret derives the symmetric secret shared between the holder of pair
// and the holder of theirEPub. The agreement is symmetric: secret(A.epub, B)
// equals secret(B.epub, A). Deriving a secret between a pair and its own epub
// is valid and deliberate; self-wrapped key grants depend on it.
func SharedSecret(theirEPub string, pair KeyPair) ([32]byte, error) {
	var secret [32]byte

	theirPub, err := enc.DecodeString(theirEPub)
	if err != nil || len(theirPub) != curve25519.PointSize {
		return secret, fmt.Errorf("public encryption key: %w", ErrBadKey)
	}
	epriv, err := enc.DecodeString(pair.EPriv)
	if err != nil || len(epriv) != curve25519.ScalarSize {
		return secret, fmt.Errorf("private encryption key: %w", ErrBadKey)
	}

	shared, err := curve25519.X25519(epriv, theirPub)
	if err != nil {
		return secret, fmt.Errorf("key agreement: %w", err)
	}

	// Hash the raw agreement so the secret is uniformly distributed.
	return sha256.Sum256(shared), nil
}

// NewContentKey returns a fresh random symmetric content key in its string
// wire form.
func NewContentKey() (string, error) {
	key := make([]byte, 32)
	if _, err := io.ReadFull(rand.Reader, key); err != nil {
		return "", fmt.Errorf("generate content key: %w", err)
	}
	return enc.EncodeToString(key), nil
}

// SecretFromKey turns a content key string into a usable secret. Hashing
// rather than decoding keeps arbitrary legacy key strings working.
func SecretFromKey(key string) [32]byte {
	return sha256.Sum256([]byte(key))
}

// DeriveKEK stretches a passphrase into a key-encryption key. The KDF is an
// opaque primitive here; only the (passphrase, salt) -> secret contract
// matters to callers.
func DeriveKEK(passphrase string, salt []byte) ([32]byte, error) {
	var kek [32]byte
	raw, err := scrypt.Key([]byte(passphrase), salt, 1<<15, 8, 1, 32)
	if err != nil {
		return kek, fmt.Errorf("derive key-encryption key: %w", err)
	}
	copy(kek[:], raw)
	return kek, nil
}

// Encrypt seals plaintext under secret with a random nonce. The result is a
// single base64 string (nonce || box).
func Encrypt(plaintext string, secret [32]byte) (string, error) {
	var nonce [24]byte
	if _, err := io.ReadFull(rand.Reader, nonce[:]); err != nil {
		return "", fmt.Errorf("generate nonce: %w", err)
	}
	sealed := secretbox.Seal(nonce[:], []byte(plaintext), &nonce, &secret)
	return enc.EncodeToString(sealed), nil
}

// Decrypt opens a ciphertext produced by Encrypt. A wrong secret or tampered
// ciphertext yields ErrDecryptionFailed; callers decide whether to try
// another candidate secret, nothing is retried here.
func Decrypt(ciphertext string, secret [32]byte) (string, error) {
	sealed, err := enc.DecodeString(ciphertext)
	if err != nil || len(sealed) < 24 {
		return "", ErrDecryptionFailed
	}
	var nonce [24]byte
	copy(nonce[:], sealed[:24])
	plain, ok := secretbox.Open(nil, sealed[24:], &nonce, &secret)
	if !ok {
		return "", ErrDecryptionFailed
	}
	return string(plain), nil
}
