// Package keystore holds the platform authority signing key and
// encrypts/decrypts user-delegated keys with password-derived symmetric
// keys, per spec.md §4.2.
package keystore

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/ed25519"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"fmt"
	"os"
	"strings"
	"sync/atomic"

	"github.com/mr-tron/base58"
	"golang.org/x/crypto/pbkdf2"

	gwerrors "github.com/r3e-network/gridtokenx-gateway/infrastructure/errors"
)

const (
	pbkdf2Iterations = 100_000
	saltSize         = 16
	nonceSize        = 12
	derivedKeySize   = 32
)

// Encrypted is the at-rest (ciphertext, salt, iv) triple spec.md §4.2
// describes.
type Encrypted struct {
	Ciphertext string // base64
	Salt       string // base64
	IV         string // base64
}

// Encrypt derives a 32-byte key from password via PBKDF2-HMAC-SHA256 with a
// fresh random salt, then seals plaintext with AES-256-GCM under a fresh
// random nonce.
func Encrypt(password string, plaintext []byte) (*Encrypted, error) {
	salt := make([]byte, saltSize)
	if _, err := rand.Read(salt); err != nil {
		return nil, gwerrors.EncryptionFailed(err)
	}

	key := pbkdf2.Key([]byte(password), salt, pbkdf2Iterations, derivedKeySize, sha256.New)

	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, gwerrors.EncryptionFailed(err)
	}
	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, gwerrors.EncryptionFailed(err)
	}

	nonce := make([]byte, nonceSize)
	if _, err := rand.Read(nonce); err != nil {
		return nil, gwerrors.EncryptionFailed(err)
	}

	ciphertext := aead.Seal(nil, nonce, plaintext, nil)

	return &Encrypted{
		Ciphertext: base64.StdEncoding.EncodeToString(ciphertext),
		Salt:       base64.StdEncoding.EncodeToString(salt),
		IV:         base64.StdEncoding.EncodeToString(nonce),
	}, nil
}

// Decrypt reverses Encrypt. A wrong password or tampered ciphertext both
// surface as the single DecryptionFailed error, per spec.md §4.2 — the
// cause is never distinguished to the caller.
func Decrypt(password string, enc *Encrypted) ([]byte, error) {
	salt, err := base64.StdEncoding.DecodeString(enc.Salt)
	if err != nil {
		return nil, gwerrors.DecryptionFailed(err)
	}
	nonce, err := base64.StdEncoding.DecodeString(enc.IV)
	if err != nil {
		return nil, gwerrors.DecryptionFailed(err)
	}
	ciphertext, err := base64.StdEncoding.DecodeString(enc.Ciphertext)
	if err != nil {
		return nil, gwerrors.DecryptionFailed(err)
	}

	key := pbkdf2.Key([]byte(password), salt, pbkdf2Iterations, derivedKeySize, sha256.New)

	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, gwerrors.DecryptionFailed(err)
	}
	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, gwerrors.DecryptionFailed(err)
	}
	if len(nonce) != aead.NonceSize() {
		return nil, gwerrors.DecryptionFailed(fmt.Errorf("bad nonce size"))
	}

	plaintext, err := aead.Open(nil, nonce, ciphertext, nil)
	if err != nil {
		return nil, gwerrors.DecryptionFailed(err)
	}
	return plaintext, nil
}

// AuthorityKey is the process-wide Ed25519 platform signing key. It is
// reference-counted only in the sense that all holders share the same
// immutable struct after LoadAuthorityKey returns; the raw bytes are never
// passed to a logger.
type AuthorityKey struct {
	seed    ed25519.PrivateKey
	pub     ed25519.PublicKey
	address string
	refs    int32
}

// LoadAuthorityKey loads the single process-wide authority key from exactly
// one of a file path (64-byte canonical encoding, first 32 bytes the
// secret scalar) or an inline base58-encoded seed.
func LoadAuthorityKey(path, inline string) (*AuthorityKey, error) {
	var raw []byte
	var err error

	switch {
	case path != "" && inline != "":
		return nil, gwerrors.InvalidInput("authority_key", "exactly one of path or inline must be set")
	case path != "":
		raw, err = os.ReadFile(path)
		if err != nil {
			return nil, gwerrors.Internal("failed to read authority key file", err)
		}
	case inline != "":
		raw, err = base58.Decode(strings.TrimSpace(inline))
		if err != nil {
			return nil, gwerrors.InvalidFormat("authority_key_inline", "base58")
		}
	default:
		return nil, gwerrors.InvalidInput("authority_key", "neither path nor inline set")
	}

	var seed []byte
	switch len(raw) {
	case ed25519.SeedSize:
		seed = raw
	case ed25519.PrivateKeySize:
		seed = raw[:ed25519.SeedSize]
	default:
		return nil, gwerrors.InvalidFormat("authority_key", fmt.Sprintf("expected %d or %d bytes, got %d", ed25519.SeedSize, ed25519.PrivateKeySize, len(raw)))
	}

	priv := ed25519.NewKeyFromSeed(seed)
	pub := priv.Public().(ed25519.PublicKey)

	return &AuthorityKey{
		seed:    priv,
		pub:     pub,
		address: base58.Encode(pub),
		refs:    1,
	}, nil
}

// Address is the authority's base58-encoded public key; safe to log.
func (k *AuthorityKey) Address() string { return k.address }

// PublicKey returns the Ed25519 public key.
func (k *AuthorityKey) PublicKey() ed25519.PublicKey { return k.pub }

// Sign signs data with the authority's private key. The private key bytes
// never leave this package.
func (k *AuthorityKey) Sign(data []byte) []byte {
	return ed25519.Sign(k.seed, data)
}

// SeedBytes returns the 32-byte secret scalar, for handing to a ledger
// client that needs to derive its own signing account from the same
// key material. Callers must not log or persist the returned bytes.
func (k *AuthorityKey) SeedBytes() []byte {
	seed := make([]byte, ed25519.SeedSize)
	copy(seed, k.seed.Seed())
	return seed
}

// Acquire increments the reference count and returns the same handle,
// mirroring the teacher's reference-counted accessor pattern.
func (k *AuthorityKey) Acquire() *AuthorityKey {
	atomic.AddInt32(&k.refs, 1)
	return k
}

// Release decrements the reference count. The key is process-lifetime and
// is never actually freed; Release exists so callers can pair
// Acquire/Release symmetrically.
func (k *AuthorityKey) Release() {
	atomic.AddInt32(&k.refs, -1)
}
