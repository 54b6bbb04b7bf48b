package trust

import (
	"crypto/ed25519"
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"golang.org/x/crypto/ssh"
)

// Signer produces detached signatures for one source.
type Signer struct {
	sourceID string
	key      ed25519.PrivateKey
}

func NewSigner(sourceID string, key ed25519.PrivateKey) *Signer {
	return &Signer{sourceID: sourceID, key: key}
}

// GenerateSigner creates a signer with a fresh key pair.
func GenerateSigner(sourceID string) (*Signer, error) {
	_, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("generate ed25519 key: %w", err)
	}
	return NewSigner(sourceID, priv), nil
}

// LoadSigner reads a private key file holding either the raw 64-byte key
// or an OpenSSH PEM-encoded ed25519 key.
func LoadSigner(path, sourceID string) (*Signer, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read signing key: %w", err)
	}
	key, err := parsePrivateKey(data)
	if err != nil {
		return nil, fmt.Errorf("signing key %s: %w", path, err)
	}
	return NewSigner(sourceID, key), nil
}

// LoadOrCreateSigner loads the key at path, generating and persisting a new
// one with mode 0600 when the file does not exist.
func LoadOrCreateSigner(path, sourceID string) (s *Signer, created bool, err error) {
	if _, statErr := os.Stat(path); errors.Is(statErr, os.ErrNotExist) {
		s, err = GenerateSigner(sourceID)
		if err != nil {
			return nil, false, err
		}
		if dir := filepath.Dir(path); dir != "" {
			if err := os.MkdirAll(dir, 0o700); err != nil {
				return nil, false, fmt.Errorf("create key directory: %w", err)
			}
		}
		if err := os.WriteFile(path, s.key, 0o600); err != nil {
			return nil, false, fmt.Errorf("write signing key: %w", err)
		}
		return s, true, nil
	} else if statErr != nil {
		return nil, false, fmt.Errorf("stat signing key: %w", statErr)
	}

	s, err = LoadSigner(path, sourceID)
	return s, false, err
}

func parsePrivateKey(data []byte) (ed25519.PrivateKey, error) {
	if len(data) == ed25519.PrivateKeySize {
		return ed25519.PrivateKey(data), nil
	}
	if strings.Contains(string(data), "PRIVATE KEY") {
		raw, err := ssh.ParseRawPrivateKey(data)
		if err != nil {
			return nil, err
		}
		switch k := raw.(type) {
		case *ed25519.PrivateKey:
			return *k, nil
		case ed25519.PrivateKey:
			return k, nil
		}
		return nil, fmt.Errorf("unsupported private key type %T", raw)
	}
	return nil, fmt.Errorf("private key is %d bytes, want %d", len(data), ed25519.PrivateKeySize)
}

func (s *Signer) SourceID() string { return s.sourceID }

// Sign returns the detached signature over payload exactly as given.
func (s *Signer) Sign(payload []byte) []byte {
	return ed25519.Sign(s.key, payload)
}

func (s *Signer) PublicKey() ed25519.PublicKey {
	return s.key.Public().(ed25519.PublicKey)
}

// PublicKeyBase64 is the registry encoding of the public key.
func (s *Signer) PublicKeyBase64() string {
	return base64.StdEncoding.EncodeToString(s.PublicKey())
}

// AuthorizedKey renders the public key as an OpenSSH authorized_keys line.
func (s *Signer) AuthorizedKey() (string, error) {
	pub, err := ssh.NewPublicKey(s.PublicKey())
	if err != nil {
		return "", fmt.Errorf("encode ssh public key: %w", err)
	}
	return strings.TrimSpace(string(ssh.MarshalAuthorizedKey(pub))) + " " + s.sourceID, nil
}

// PrivateKeyBytes returns the raw private key for persistence.
func (s *Signer) PrivateKeyBytes() []byte {
	return append([]byte(nil), s.key...)
}
