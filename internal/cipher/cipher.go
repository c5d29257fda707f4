// Package cipher implements the stateless AEAD encryption, decryption and
// content hashing used to protect a file while it is relayed between the
// participants of a room.
package cipher

import (
	"crypto/aes"
	gocipher "crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"errors"
	"fmt"
	"runtime"
	"strings"

	"golang.org/x/crypto/chacha20poly1305"
)

// Algorithm identifies one of the supported AEAD ciphers.
type Algorithm string

// Supported algorithms.
const (
	AES256GCM        Algorithm = "aes-256-gcm"
	ChaCha20Poly1305 Algorithm = "chacha20-poly1305"
)

const (
	// KeySize is the symmetric key size for both algorithms.
	KeySize = 32

	// NonceSize is the per-message nonce size for both algorithms.
	NonceSize = 12

	// TagSize is the size of the authentication tag.
	TagSize = 16
)

// ErrIntegrity is returned when a ciphertext fails authentication.
var ErrIntegrity = errors.New("integrity check failed")

// ErrKeySize is returned when a key is not KeySize bytes long.
var ErrKeySize = fmt.Errorf("key must be %d bytes", KeySize)

// Sealed is the output of Encrypt. For AES-256-GCM the tag is detached and
// Ciphertext has the same length as the plaintext. For ChaCha20-Poly1305 the
// tag is appended to Ciphertext and Tag is empty. The two forms are not
// interchangeable.
type Sealed struct {
	Algorithm  Algorithm
	Ciphertext []byte
	Nonce      []byte
	Tag        []byte
}

// Digest is a SHA-256 content hash.
type Digest [sha256.Size]byte

// String returns the hex encoding of the digest.
func (d Digest) String() string {
	return hex.EncodeToString(d[:])
}

// ParseDigest decodes a hex digest.
func ParseDigest(s string) (Digest, error) {
	var d Digest
	b, err := hex.DecodeString(strings.TrimSpace(s))
	if err != nil {
		return d, fmt.Errorf("invalid digest: %w", err)
	}
	if len(b) != len(d) {
		return d, fmt.Errorf("invalid digest length %d", len(b))
	}
	copy(d[:], b)
	return d, nil
}

// ParseAlgorithm maps a client supplied method name to an Algorithm.
// Unknown or empty names fall back to AES-256-GCM.
func ParseAlgorithm(s string) Algorithm {
	switch Algorithm(strings.ToLower(strings.TrimSpace(s))) {
	case ChaCha20Poly1305:
		return ChaCha20Poly1305
	default:
		return AES256GCM
	}
}

// Valid reports whether a is a supported algorithm.
func (a Algorithm) Valid() bool {
	return a == AES256GCM || a == ChaCha20Poly1305
}

// GenerateKey returns a fresh random key for the given algorithm.
func GenerateKey(alg Algorithm) ([]byte, error) {
	if !alg.Valid() {
		return nil, fmt.Errorf("unknown algorithm %q", alg)
	}
	key := make([]byte, KeySize)
	if _, err := rand.Read(key); err != nil {
		return nil, fmt.Errorf("generate key: %w", err)
	}
	return key, nil
}

// Encrypt seals plaintext under key with a random nonce.
func Encrypt(plaintext, key []byte, alg Algorithm) (Sealed, error) {
	aead, err := newAEAD(key, alg)
	if err != nil {
		return Sealed{}, err
	}

	nonce := make([]byte, aead.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return Sealed{}, fmt.Errorf("generate nonce: %w", err)
	}

	out := aead.Seal(nil, nonce, plaintext, nil)
	if alg == ChaCha20Poly1305 {
		return Sealed{Algorithm: alg, Ciphertext: out, Nonce: nonce}, nil
	}

	n := len(out) - aead.Overhead()
	return Sealed{
		Algorithm:  alg,
		Ciphertext: out[:n:n],
		Nonce:      nonce,
		Tag:        out[n:],
	}, nil
}

// Decrypt opens a sealed payload. Any authentication failure, including a
// wrong key, nonce or tag, yields ErrIntegrity.
func Decrypt(s Sealed, key []byte, alg Algorithm) ([]byte, error) {
	if s.Algorithm != "" && s.Algorithm != alg {
		return nil, fmt.Errorf("sealed with %s, opening with %s: %w", s.Algorithm, alg, ErrIntegrity)
	}

	aead, err := newAEAD(key, alg)
	if err != nil {
		return nil, err
	}
	if len(s.Nonce) != aead.NonceSize() {
		return nil, fmt.Errorf("invalid nonce length %d: %w", len(s.Nonce), ErrIntegrity)
	}

	in := s.Ciphertext
	if alg == AES256GCM {
		if len(s.Tag) != TagSize {
			return nil, fmt.Errorf("invalid tag length %d: %w", len(s.Tag), ErrIntegrity)
		}
		in = make([]byte, 0, len(s.Ciphertext)+len(s.Tag))
		in = append(in, s.Ciphertext...)
		in = append(in, s.Tag...)
	}

	out, err := aead.Open(nil, s.Nonce, in, nil)
	if err != nil {
		return nil, ErrIntegrity
	}
	return out, nil
}

// Hash returns the SHA-256 digest of b.
func Hash(b []byte) Digest {
	return sha256.Sum256(b)
}

// VerifyHash reports whether b hashes to d.
func VerifyHash(b []byte, d Digest) bool {
	h := Hash(b)
	return subtle.ConstantTimeCompare(h[:], d[:]) == 1
}

// Wipe zeroes sensitive material in place.
func Wipe(b []byte) {
	for i := range b {
		b[i] = 0
	}
	runtime.KeepAlive(b)
}

func newAEAD(key []byte, alg Algorithm) (gocipher.AEAD, error) {
	if len(key) != KeySize {
		return nil, ErrKeySize
	}

	switch alg {
	case AES256GCM:
		block, err := aes.NewCipher(key)
		if err != nil {
			return nil, fmt.Errorf("create AES cipher: %w", err)
		}
		return gocipher.NewGCM(block)
	case ChaCha20Poly1305:
		return chacha20poly1305.New(key)
	}
	return nil, fmt.Errorf("unknown algorithm %q", alg)
}
