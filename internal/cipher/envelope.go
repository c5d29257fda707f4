package cipher

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"fmt"
	"io"
	"strings"

	"golang.org/x/crypto/chacha20poly1305"
	"golang.org/x/crypto/curve25519"
	"golang.org/x/crypto/hkdf"
)

const envelopeInfo = "veildrop key envelope v1"

// KeyPair is an X25519 key pair a receiver uses to obtain transfer keys.
type KeyPair struct {
	Public  []byte
	Private []byte
}

// Envelope carries a transfer key sealed to one recipient's X25519 public
// key. Only the holder of the matching private key can open it.
type Envelope struct {
	Ephemeral []byte `json:"ephemeral"`
	Nonce     []byte `json:"nonce"`
	Key       []byte `json:"key"`
}

// GenerateKeyPair returns a new X25519 key pair.
func GenerateKeyPair() (KeyPair, error) {
	priv := make([]byte, curve25519.ScalarSize)
	if _, err := rand.Read(priv); err != nil {
		return KeyPair{}, fmt.Errorf("generate private key: %w", err)
	}
	pub, err := curve25519.X25519(priv, curve25519.Basepoint)
	if err != nil {
		return KeyPair{}, fmt.Errorf("derive public key: %w", err)
	}
	return KeyPair{Public: pub, Private: priv}, nil
}

// ParsePublicKey decodes a base64 (standard or URL alphabet, padded or not)
// X25519 public key.
func ParsePublicKey(s string) ([]byte, error) {
	s = strings.TrimRight(strings.TrimSpace(s), "=")
	var (
		b   []byte
		err error
	)
	if strings.ContainsAny(s, "-_") {
		b, err = base64.RawURLEncoding.DecodeString(s)
	} else {
		b, err = base64.RawStdEncoding.DecodeString(s)
	}
	if err != nil {
		return nil, fmt.Errorf("invalid public key encoding: %w", err)
	}
	if len(b) != curve25519.PointSize {
		return nil, fmt.Errorf("invalid public key length %d", len(b))
	}
	return b, nil
}

// SealKey encrypts key to the recipient public key using an ephemeral X25519
// exchange, HKDF-SHA256 and ChaCha20-Poly1305.
func SealKey(key, recipient []byte) (Envelope, error) {
	eph, err := GenerateKeyPair()
	if err != nil {
		return Envelope{}, err
	}
	defer Wipe(eph.Private)

	wrapKey, err := deriveWrapKey(eph.Private, recipient, eph.Public, recipient)
	if err != nil {
		return Envelope{}, err
	}
	defer Wipe(wrapKey)

	aead, err := chacha20poly1305.New(wrapKey)
	if err != nil {
		return Envelope{}, err
	}
	nonce := make([]byte, aead.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return Envelope{}, fmt.Errorf("generate nonce: %w", err)
	}

	return Envelope{
		Ephemeral: eph.Public,
		Nonce:     nonce,
		Key:       aead.Seal(nil, nonce, key, eph.Public),
	}, nil
}

// OpenKey recovers a transfer key from an envelope.
func OpenKey(env Envelope, private []byte) ([]byte, error) {
	pub, err := curve25519.X25519(private, curve25519.Basepoint)
	if err != nil {
		return nil, fmt.Errorf("derive public key: %w", err)
	}

	wrapKey, err := deriveWrapKey(private, env.Ephemeral, env.Ephemeral, pub)
	if err != nil {
		return nil, err
	}
	defer Wipe(wrapKey)

	aead, err := chacha20poly1305.New(wrapKey)
	if err != nil {
		return nil, err
	}
	if len(env.Nonce) != aead.NonceSize() {
		return nil, ErrIntegrity
	}
	key, err := aead.Open(nil, env.Nonce, env.Key, env.Ephemeral)
	if err != nil {
		return nil, ErrIntegrity
	}
	return key, nil
}

func deriveWrapKey(priv, peer, ephPub, recipientPub []byte) ([]byte, error) {
	shared, err := curve25519.X25519(priv, peer)
	if err != nil {
		return nil, fmt.Errorf("key agreement: %w", err)
	}
	defer Wipe(shared)

	salt := make([]byte, 0, len(ephPub)+len(recipientPub))
	salt = append(salt, ephPub...)
	salt = append(salt, recipientPub...)

	out := make([]byte, chacha20poly1305.KeySize)
	if _, err := io.ReadFull(hkdf.New(sha256.New, shared, salt, []byte(envelopeInfo)), out); err != nil {
		return nil, fmt.Errorf("derive wrap key: %w", err)
	}
	return out, nil
}
