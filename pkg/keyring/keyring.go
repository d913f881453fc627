package keyring

import (
	"context"
	"crypto/ed25519"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/apx-pm/apx/pkg/apxerr"
	"github.com/go-logr/logr"
)

const (
	// PublicKeySize is the length of a raw ed25519 public key file.
	PublicKeySize = ed25519.PublicKeySize
	// SignatureSize is the length of a detached ed25519 signature.
	SignatureSize = ed25519.SignatureSize
)

var (
	// ErrUnknownKey means no key in the set is accepted for the
	// verification at hand.
	ErrUnknownKey = fmt.Errorf("%w: no trusted key for signature", apxerr.ErrIntegrity)
	// ErrBadSignature means a candidate key was consulted but the
	// signature did not verify.
	ErrBadSignature = fmt.Errorf("%w: signature verification failed", apxerr.ErrIntegrity)
)

// Key is a trusted ed25519 public key identified by the hex SHA-256
// fingerprint of its raw bytes.
type Key struct {
	Fingerprint string
	Public      ed25519.PublicKey
}

// Keyring is a set of trusted keys, usually loaded from the trusted-key
// directory. A repository narrows the ring to the fingerprints it pins
// via Restrict before verification.
type Keyring struct {
	keys []Key
}

// Fingerprint returns the hex SHA-256 fingerprint of a raw public key.
func Fingerprint(pub ed25519.PublicKey) string {
	sum := sha256.Sum256(pub)
	return hex.EncodeToString(sum[:])
}

// Load reads every "*.pub" file in dir as a raw 32-byte ed25519 public
// key. A missing directory yields an empty ring.
func Load(ctx context.Context, dir string) (*Keyring, error) {
	log := logr.FromContextOrDiscard(ctx).WithValues("dir", dir)

	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			log.V(1).Info("trusted key directory does not exist")
			return &Keyring{}, nil
		}
		return nil, fmt.Errorf("%w: reading trusted keys: %v", apxerr.ErrConfig, err)
	}

	kr := &Keyring{}
	for _, entry := range entries {
		if entry.IsDir() || filepath.Ext(entry.Name()) != ".pub" {
			continue
		}
		raw, err := os.ReadFile(filepath.Join(dir, entry.Name()))
		if err != nil {
			return nil, fmt.Errorf("%w: reading key %s: %v", apxerr.ErrConfig, entry.Name(), err)
		}
		if err := kr.Add(raw); err != nil {
			return nil, fmt.Errorf("%w: key %s: %v", apxerr.ErrConfig, entry.Name(), err)
		}
	}
	log.V(1).Info("loaded trusted keys", "count", len(kr.keys))
	return kr, nil
}

// Add appends a raw public key to the ring.
func (kr *Keyring) Add(raw []byte) error {
	if len(raw) != PublicKeySize {
		return fmt.Errorf("invalid key length: expected %d bytes, got %d", PublicKeySize, len(raw))
	}
	pub := ed25519.PublicKey(append([]byte(nil), raw...))
	kr.keys = append(kr.keys, Key{Fingerprint: Fingerprint(pub), Public: pub})
	return nil
}

// Len returns the number of keys in the ring.
func (kr *Keyring) Len() int {
	return len(kr.keys)
}

// Keys returns the keys in the ring.
func (kr *Keyring) Keys() []Key {
	return kr.keys
}

// Restrict returns the subset of the ring whose fingerprints appear in
// accepted. An empty accepted list returns the ring unchanged, so a
// repository with no pins trusts the whole ring.
func (kr *Keyring) Restrict(accepted []string) *Keyring {
	if len(accepted) == 0 {
		return kr
	}
	want := make(map[string]bool, len(accepted))
	for _, fp := range accepted {
		want[strings.ToLower(fp)] = true
	}
	sub := &Keyring{}
	for _, k := range kr.keys {
		if want[k.Fingerprint] {
			sub.keys = append(sub.keys, k)
		}
	}
	return sub
}

// VerifyDetached checks a detached signature over message against any
// key in the ring. It returns ErrUnknownKey when the ring is empty and
// ErrBadSignature when no key verifies.
func (kr *Keyring) VerifyDetached(message, sig []byte) error {
	if len(kr.keys) == 0 {
		return ErrUnknownKey
	}
	if len(sig) != SignatureSize {
		return fmt.Errorf("%w: invalid signature length %d", apxerr.ErrIntegrity, len(sig))
	}
	for _, k := range kr.keys {
		if ed25519.Verify(k.Public, message, sig) {
			return nil
		}
	}
	return ErrBadSignature
}

// WriteKey persists a raw public key to path, named by convention
// "<fingerprint>.pub".
func WriteKey(path string, pub ed25519.PublicKey) error {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return err
	}
	return os.WriteFile(path, pub, 0644)
}
