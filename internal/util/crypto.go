package util

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"errors"
	"io"
)

var ErrSealedPayload = errors.New("invalid sealed payload")

func Derive32ByteKey(secret string) []byte {
	sum := sha256.Sum256([]byte(secret))
	out := make([]byte, 32)
	copy(out, sum[:])
	return out
}

// SecretBox seals short secrets at rest with AES-256-GCM. The label is
// bound as associated data so a value sealed for one purpose does not open
// for another.
type SecretBox struct {
	aead cipher.AEAD
}

func NewSecretBox(secret string) (*SecretBox, error) {
	block, err := aes.NewCipher(Derive32ByteKey(secret))
	if err != nil {
		return nil, err
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, err
	}
	return &SecretBox{aead: gcm}, nil
}

func (b *SecretBox) Seal(label, plaintext string) (string, error) {
	nonce := make([]byte, b.aead.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return "", err
	}
	out := b.aead.Seal(nonce, nonce, []byte(plaintext), []byte(label))
	return base64.RawURLEncoding.EncodeToString(out), nil
}

func (b *SecretBox) Open(label, sealed string) (string, error) {
	raw, err := base64.RawURLEncoding.DecodeString(sealed)
	if err != nil {
		return "", ErrSealedPayload
	}
	ns := b.aead.NonceSize()
	if len(raw) < ns {
		return "", ErrSealedPayload
	}
	plain, err := b.aead.Open(nil, raw[:ns], raw[ns:], []byte(label))
	if err != nil {
		return "", ErrSealedPayload
	}
	return string(plain), nil
}
