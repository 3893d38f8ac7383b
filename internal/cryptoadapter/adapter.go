// Package cryptoadapter wraps the probabilistic AEAD-like primitive the
// handshake, frame, and session layers build on. Hash and Encrypt are
// deliberately non-deterministic: two calls with identical inputs
// produce different output, so callers must never compare ciphertexts
// or hashes for equality — only compare values recovered by Decrypt.
// DeriveKey and RotateKey are deterministic in their inputs.
package cryptoadapter

import (
	"crypto/rand"
	"crypto/sha256"
	"errors"
	"fmt"
	"io"

	"golang.org/x/crypto/chacha20poly1305"
	"golang.org/x/crypto/hkdf"

	"github.com/Seigr-lab/SeigrToolsetTransmissions-sub001/internal/tlv"
)

const (
	// HashSize is the size in bytes of values returned by Hash.
	HashSize = 32

	// nonceSize is the ChaCha20-Poly1305 nonce size.
	nonceSize = chacha20poly1305.NonceSizeX
)

// ErrPrimitiveFailure is the uniform error surfaced for any failure of
// the underlying primitive — raw cipher/HKDF errors are never leaked.
var ErrPrimitiveFailure = errors.New("cryptoadapter: primitive failure")

// Metadata is the opaque blob Encrypt produces and Decrypt consumes.
// It is a TLV map so it can travel inside a frame's meta field.
type Metadata = tlv.Map

// Adapter is the façade over the external crypto primitive, per spec §4.2.
type Adapter interface {
	// Hash is probabilistic: context.(map) is mixed in but repeated
	// calls with identical inputs are not guaranteed to match.
	Hash(data []byte, context tlv.Map) ([HashSize]byte, error)

	// DeriveKey is deterministic: same context, same size -> same key.
	DeriveKey(context tlv.Map, size int) ([]byte, error)

	// Encrypt is probabilistic AEAD: same plaintext/key yields different
	// ciphertext and metadata on every call.
	Encrypt(plaintext, key []byte, associatedData tlv.Map) (ciphertext []byte, metadata Metadata, err error)

	// Decrypt fails if associatedData doesn't match what was bound at
	// encrypt time, or if ciphertext/metadata has been tampered with.
	Decrypt(ciphertext, key []byte, metadata Metadata, associatedData tlv.Map) ([]byte, error)

	// RotateKey is deterministic: derives a fresh key from the current
	// one and a rotation nonce.
	RotateKey(currentKey, rotationNonce []byte) ([]byte, error)
}

// adapter is the default Adapter backed by ChaCha20-Poly1305 (XChaCha
// variant, 24-byte nonces) and HKDF-SHA256, matching the teacher's own
// crypto stack.
type adapter struct{}

// New returns the default Adapter implementation.
func New() Adapter { return adapter{} }

func (adapter) Hash(data []byte, context tlv.Map) ([HashSize]byte, error) {
	var out [HashSize]byte
	ctxBytes, err := tlv.Encode(context)
	if err != nil {
		return out, fmt.Errorf("%w: encode context: %v", ErrPrimitiveFailure, err)
	}

	// Probabilistic: a fresh random salt is mixed into every call so
	// identical (data, context) pairs never hash identically. Commitments
	// that use this are transmitted and compared against a remembered
	// value — never recomputed and compared for byte-equality.
	var salt [16]byte
	if _, err := io.ReadFull(rand.Reader, salt[:]); err != nil {
		return out, fmt.Errorf("%w: salt: %v", ErrPrimitiveFailure, err)
	}

	h := sha256.New()
	h.Write(salt[:])
	h.Write(ctxBytes)
	h.Write(data)
	sum := h.Sum(nil)
	copy(out[:], sum)
	return out, nil
}

func (adapter) DeriveKey(context tlv.Map, size int) ([]byte, error) {
	if size <= 0 {
		return nil, fmt.Errorf("%w: invalid key size %d", ErrPrimitiveFailure, size)
	}
	ctxBytes, err := tlv.Encode(context)
	if err != nil {
		return nil, fmt.Errorf("%w: encode context: %v", ErrPrimitiveFailure, err)
	}

	reader := hkdf.New(sha256.New, ctxBytes, nil, []byte("transmissions-derive-key-v1"))
	out := make([]byte, size)
	if _, err := io.ReadFull(reader, out); err != nil {
		return nil, fmt.Errorf("%w: hkdf: %v", ErrPrimitiveFailure, err)
	}
	return out, nil
}

func (adapter) Encrypt(plaintext, key []byte, associatedData tlv.Map) ([]byte, Metadata, error) {
	aead, err := newAEAD(key)
	if err != nil {
		return nil, nil, err
	}

	nonce := make([]byte, nonceSize)
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return nil, nil, fmt.Errorf("%w: nonce: %v", ErrPrimitiveFailure, err)
	}

	adBytes, err := tlv.Encode(associatedData)
	if err != nil {
		return nil, nil, fmt.Errorf("%w: encode AD: %v", ErrPrimitiveFailure, err)
	}

	ciphertext := aead.Seal(nil, nonce, plaintext, adBytes)
	metadata := Metadata{"nonce": nonce}
	return ciphertext, metadata, nil
}

func (adapter) Decrypt(ciphertext, key []byte, metadata Metadata, associatedData tlv.Map) ([]byte, error) {
	aead, err := newAEAD(key)
	if err != nil {
		return nil, err
	}

	nonceVal, ok := metadata["nonce"]
	if !ok {
		return nil, fmt.Errorf("%w: missing nonce in metadata", ErrPrimitiveFailure)
	}
	nonce, ok := nonceVal.([]byte)
	if !ok || len(nonce) != nonceSize {
		return nil, fmt.Errorf("%w: malformed nonce in metadata", ErrPrimitiveFailure)
	}

	adBytes, err := tlv.Encode(associatedData)
	if err != nil {
		return nil, fmt.Errorf("%w: encode AD: %v", ErrPrimitiveFailure, err)
	}

	plaintext, err := aead.Open(nil, nonce, ciphertext, adBytes)
	if err != nil {
		return nil, fmt.Errorf("%w: open: %v", ErrPrimitiveFailure, err)
	}
	return plaintext, nil
}

func (adapter) RotateKey(currentKey, rotationNonce []byte) ([]byte, error) {
	reader := hkdf.New(sha256.New, currentKey, rotationNonce, []byte("transmissions-rotate-key-v1"))
	out := make([]byte, len(currentKey))
	if _, err := io.ReadFull(reader, out); err != nil {
		return nil, fmt.Errorf("%w: rotate hkdf: %v", ErrPrimitiveFailure, err)
	}
	return out, nil
}

func newAEAD(key []byte) (interface {
	Seal(dst, nonce, plaintext, additionalData []byte) []byte
	Open(dst, nonce, ciphertext, additionalData []byte) ([]byte, error)
}, error) {
	// The adapter's "key" is an opaque byte string per spec §3.1 and may
	// be longer than the cipher's fixed 32-byte key (e.g. a raw shared
	// seed). Normalize with a fixed hash rather than truncating, so every
	// byte of a longer key still influences the cipher key.
	cipherKey := key
	if len(cipherKey) != chacha20poly1305.KeySize {
		sum := sha256.Sum256(key)
		cipherKey = sum[:]
	}

	aead, err := chacha20poly1305.NewX(cipherKey)
	if err != nil {
		return nil, fmt.Errorf("%w: new cipher: %v", ErrPrimitiveFailure, err)
	}
	return aead, nil
}
