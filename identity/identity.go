// Package identity holds a peer's long-term keys and the signed
// discovery record it advertises to the mesh.
//
// A peer owns two keypairs: an Ed25519 signing keypair (its durable
// identity) and an X25519 key-exchange keypair, persisted so
// export-record stays stable between launches and used as-is by every
// wire handshake (no per-session ephemeral key is generated). Private key material is kept off the Go
// heap in a memguard.LockedBuffer, mirroring the key-protection
// pattern used throughout an axolotl ratchet implementation.
package identity

import (
	"crypto/ed25519"
	"encoding/hex"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/awnumar/memguard"
	"golang.org/x/crypto/curve25519"

	"github.com/catshadow/meshchat/internal/randsrc"
)

const (
	signingPrivateSize = ed25519.PrivateKeySize
	signingPublicSize  = ed25519.PublicKeySize
	kexPrivateSize     = 32
	kexPublicSize      = 32

	signingKeyFile = "signing.key"
	kexKeyFile     = "kex.key"
)

// Identity is a peer's long-term key material.
type Identity struct {
	Name string

	signingPrivate *memguard.LockedBuffer
	signingPublic  ed25519.PublicKey

	kexPrivate *memguard.LockedBuffer
	kexPublic  [kexPublicSize]byte
}

// ID is the hex encoding of the signing public key, the peer's
// canonical identifier.
func (id *Identity) ID() string {
	return hex.EncodeToString(id.signingPublic)
}

// SigningPublicKey returns the Ed25519 public key.
func (id *Identity) SigningPublicKey() ed25519.PublicKey {
	return id.signingPublic
}

// KexPublicKey returns the X25519 public key.
func (id *Identity) KexPublicKey() [kexPublicSize]byte {
	return id.kexPublic
}

// Sign signs msg with the long-term signing key.
func (id *Identity) Sign(msg []byte) []byte {
	return ed25519.Sign(ed25519.PrivateKey(id.signingPrivate.Bytes()), msg)
}

// KexSharedSecret computes the X25519 shared secret between this
// identity's persisted key-exchange private key and a peer's public
// key.
func (id *Identity) KexSharedSecret(peerPublic [kexPublicSize]byte) ([]byte, error) {
	secret, err := curve25519.X25519(id.kexPrivate.Bytes(), peerPublic[:])
	if err != nil {
		return nil, fmt.Errorf("identity: x25519: %w", err)
	}
	return secret, nil
}

// Destroy wipes the private key buffers from memory. Call once the
// identity is no longer needed (engine shutdown).
func (id *Identity) Destroy() {
	id.signingPrivate.Destroy()
	id.kexPrivate.Destroy()
}

// Generate creates a fresh Identity with new signing and key-exchange
// keypairs.
func Generate(name string) (*Identity, error) {
	signingPub, signingPriv, err := ed25519.GenerateKey(randsrc.Reader)
	if err != nil {
		return nil, fmt.Errorf("identity: generate signing key: %w", err)
	}

	kexPrivBuf := memguard.NewBufferRandom(kexPrivateSize)
	var kexPub [kexPublicSize]byte
	pub, err := curve25519.X25519(kexPrivBuf.Bytes(), curve25519.Basepoint)
	if err != nil {
		return nil, fmt.Errorf("identity: derive kex public key: %w", err)
	}
	copy(kexPub[:], pub)

	return &Identity{
		Name:           name,
		signingPrivate: memguard.NewBufferFromBytes(signingPriv),
		signingPublic:  signingPub,
		kexPrivate:     kexPrivBuf,
		kexPublic:      kexPub,
	}, nil
}

// Load reads a previously persisted identity from rootPath, or
// returns os.ErrNotExist if none has been created there yet.
func Load(rootPath, name string) (*Identity, error) {
	signingPriv, err := os.ReadFile(filepath.Join(rootPath, signingKeyFile))
	if err != nil {
		return nil, err
	}
	if len(signingPriv) != signingPrivateSize {
		return nil, errors.New("identity: corrupt signing key file")
	}
	kexPriv, err := os.ReadFile(filepath.Join(rootPath, kexKeyFile))
	if err != nil {
		return nil, err
	}
	if len(kexPriv) != kexPrivateSize {
		return nil, errors.New("identity: corrupt kex key file")
	}

	signingPrivBuf := memguard.NewBufferFromBytes(signingPriv)
	signingPub := make(ed25519.PublicKey, signingPublicSize)
	copy(signingPub, ed25519.PrivateKey(signingPrivBuf.Bytes()).Public().(ed25519.PublicKey))

	kexPrivBuf := memguard.NewBufferFromBytes(kexPriv)
	var kexPub [kexPublicSize]byte
	pub, err := curve25519.X25519(kexPrivBuf.Bytes(), curve25519.Basepoint)
	if err != nil {
		return nil, fmt.Errorf("identity: derive kex public key: %w", err)
	}
	copy(kexPub[:], pub)

	return &Identity{
		Name:           name,
		signingPrivate: signingPrivBuf,
		signingPublic:  signingPub,
		kexPrivate:     kexPrivBuf,
		kexPublic:      kexPub,
	}, nil
}

// Persist writes the identity's private keys under rootPath with
// owner-only permissions. It does not encrypt them at rest: there is
// no passphrase concept for identity storage.
func (id *Identity) Persist(rootPath string) error {
	if err := os.MkdirAll(rootPath, 0700); err != nil {
		return err
	}
	if err := os.WriteFile(filepath.Join(rootPath, signingKeyFile), id.signingPrivate.Bytes(), 0600); err != nil {
		return fmt.Errorf("identity: persist signing key: %w", err)
	}
	if err := os.WriteFile(filepath.Join(rootPath, kexKeyFile), id.kexPrivate.Bytes(), 0600); err != nil {
		return fmt.Errorf("identity: persist kex key: %w", err)
	}
	return nil
}

// LoadOrGenerate loads the identity persisted at rootPath, or
// generates and persists a new one if none exists yet.
func LoadOrGenerate(rootPath, name string) (*Identity, error) {
	id, err := Load(rootPath, name)
	if err == nil {
		return id, nil
	}
	if !errors.Is(err, os.ErrNotExist) {
		return nil, err
	}
	id, err = Generate(name)
	if err != nil {
		return nil, err
	}
	if err := id.Persist(rootPath); err != nil {
		return nil, err
	}
	return id, nil
}
