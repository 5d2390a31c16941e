// Package identity provides the pure reference implementation of the
// onboarding/identity loader interface: loadIdentity, storeIdentity,
// deleteIdentity. Platform-specific keychain integration is left to the
// embedding application; this package falls back to a machine-bound key
// when no keychain secret is supplied. The ephemeral (--no-persist) path
// does not use this package's Store: it generates an identity and keeps it
// only in memory.
package identity

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/ed25519"
	"crypto/rand"
	"crypto/sha256"
	"encoding/json"
	"fmt"
	"os"

	"github.com/nahma/nahma-core/internal/persistence"
)

// Identity is a node's durable keypair plus a small profile blob the
// collaborator layer may render (display name, avatar reference, etc).
type Identity struct {
	PublicKey  ed25519.PublicKey  `json:"publicKey"`
	PrivateKey ed25519.PrivateKey `json:"privateKey"`
	Profile    json.RawMessage    `json:"profile,omitempty"`
}

type blobFile struct {
	PublicKey  []byte          `json:"publicKey"`
	PrivateKey []byte          `json:"privateKey"`
	Profile    json.RawMessage `json:"profile,omitempty"`
}

// Store loads and persists Identity blobs via a MetadataStore, encrypted
// at rest with a machine-bound key (AES-256-GCM keyed by a SHA-256 of a
// machine identifier) when no OS keychain secret is supplied.
type Store struct {
	metadata    *persistence.MetadataStore
	machineKey  []byte // 32 bytes, AES-256 key material
}

// NewStore wraps metadata with machine-bound-key encryption. Pass a
// non-empty keychainSecret to use it in place of the machine-derived key
// (the keychain path an embedding OS integration would supply).
func NewStore(metadata *persistence.MetadataStore, keychainSecret []byte) (*Store, error) {
	key := keychainSecret
	if len(key) == 0 {
		derived, err := machineBoundKey()
		if err != nil {
			return nil, err
		}
		key = derived
	}
	return &Store{metadata: metadata, machineKey: key}, nil
}

// machineBoundKey derives a stable 32-byte key from the machine's
// hostname, as the best-effort fallback when no OS keychain secret is
// available. This is not a secret in any strong sense — it only raises
// the bar above plaintext-on-disk wherever no keychain secret is supplied.
func machineBoundKey() ([]byte, error) {
	hostname, err := os.Hostname()
	if err != nil {
		hostname = "nahma-fallback-host"
	}
	sum := sha256.Sum256([]byte("nahma-machine-key:" + hostname))
	return sum[:], nil
}

// GenerateIdentity creates a fresh Ed25519 keypair with an empty profile.
func GenerateIdentity() (Identity, error) {
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return Identity{}, err
	}
	return Identity{PublicKey: pub, PrivateKey: priv}, nil
}

// LoadIdentity returns the previously stored identity, or (Identity{},
// false, nil) if none has ever been stored.
func (s *Store) LoadIdentity() (Identity, bool, error) {
	ciphertext, err := s.metadata.GetIdentity()
	if err != nil {
		return Identity{}, false, err
	}
	if ciphertext == nil {
		return Identity{}, false, nil
	}

	plaintext, err := s.decrypt(ciphertext)
	if err != nil {
		return Identity{}, false, fmt.Errorf("decrypt identity blob: %w", err)
	}

	var blob blobFile
	if err := json.Unmarshal(plaintext, &blob); err != nil {
		return Identity{}, false, fmt.Errorf("unmarshal identity blob: %w", err)
	}
	return Identity{
		PublicKey:  blob.PublicKey,
		PrivateKey: blob.PrivateKey,
		Profile:    blob.Profile,
	}, true, nil
}

// StoreIdentity encrypts and durably writes id, replacing any prior
// identity.
func (s *Store) StoreIdentity(id Identity) error {
	plaintext, err := json.Marshal(blobFile{
		PublicKey:  id.PublicKey,
		PrivateKey: id.PrivateKey,
		Profile:    id.Profile,
	})
	if err != nil {
		return err
	}
	ciphertext, err := s.encrypt(plaintext)
	if err != nil {
		return fmt.Errorf("encrypt identity blob: %w", err)
	}
	return s.metadata.PutIdentity(ciphertext)
}

// DeleteIdentity removes the stored identity, if any.
func (s *Store) DeleteIdentity() error {
	return s.metadata.DeleteIdentity()
}

func (s *Store) encrypt(plaintext []byte) ([]byte, error) {
	block, err := aes.NewCipher(s.machineKey)
	if err != nil {
		return nil, err
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, err
	}
	nonce := make([]byte, gcm.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return nil, err
	}
	return gcm.Seal(nonce, nonce, plaintext, nil), nil
}

func (s *Store) decrypt(ciphertext []byte) ([]byte, error) {
	block, err := aes.NewCipher(s.machineKey)
	if err != nil {
		return nil, err
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, err
	}
	nonceSize := gcm.NonceSize()
	if len(ciphertext) < nonceSize {
		return nil, fmt.Errorf("identity blob shorter than nonce")
	}
	nonce, body := ciphertext[:nonceSize], ciphertext[nonceSize:]
	return gcm.Open(nil, nonce, body, nil)
}
