// Package trust authenticates raw event payloads with detached Ed25519
// signatures against a per-source public key registry.
package trust

import (
	"crypto/ed25519"
	"encoding/base64"
	"errors"
	"fmt"
	"os"
	"sort"
	"strings"

	"golang.org/x/crypto/ssh"
	"gopkg.in/yaml.v3"

	"github.com/CodeMonkeyCybersecurity/lighthouse/pkg/types"
)

// Registry maps source_id to its Ed25519 public key. It is immutable after
// construction and safe for concurrent reads.
type Registry struct {
	keys map[string]ed25519.PublicKey
}

// NewRegistry builds a registry from encoded keys. Entries that cannot be
// decoded are skipped and reported in the returned error; the registry is
// usable either way.
func NewRegistry(encoded map[string]string) (*Registry, error) {
	r := &Registry{keys: make(map[string]ed25519.PublicKey, len(encoded))}

	var errs []error
	for sourceID, enc := range encoded {
		key, err := ParsePublicKey(enc)
		if err != nil {
			errs = append(errs, fmt.Errorf("source %q: %w", sourceID, err))
			continue
		}
		r.keys[sourceID] = key
	}
	if len(errs) > 0 {
		return r, &types.ConfigurationWarning{Component: "key_registry", Err: errors.Join(errs...)}
	}
	return r, nil
}

// LoadRegistry reads a JSON or YAML mapping of source_id to public key. A
// missing file yields an empty registry (every event will be rejected) and
// a ConfigurationWarning.
func LoadRegistry(path string) (*Registry, error) {
	empty := &Registry{keys: map[string]ed25519.PublicKey{}}
	if path == "" {
		return empty, &types.ConfigurationWarning{Component: "key_registry", Err: errors.New("no public keys path configured")}
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return empty, &types.ConfigurationWarning{Component: "key_registry", Err: fmt.Errorf("read %s: %w", path, err)}
	}

	// JSON is valid YAML, so one decoder covers both formats.
	var encoded map[string]string
	if err := yaml.Unmarshal(data, &encoded); err != nil {
		return empty, &types.ConfigurationWarning{Component: "key_registry", Err: fmt.Errorf("parse %s: %w", path, err)}
	}
	return NewRegistry(encoded)
}

// ParsePublicKey accepts a base64 raw 32-byte key or an OpenSSH
// "ssh-ed25519 AAAA..." line.
func ParsePublicKey(enc string) (ed25519.PublicKey, error) {
	enc = strings.TrimSpace(enc)
	if strings.HasPrefix(enc, ssh.KeyAlgoED25519+" ") {
		pub, _, _, _, err := ssh.ParseAuthorizedKey([]byte(enc))
		if err != nil {
			return nil, fmt.Errorf("parse authorized key: %w", err)
		}
		cpk, ok := pub.(ssh.CryptoPublicKey)
		if !ok {
			return nil, errors.New("unsupported ssh key")
		}
		key, ok := cpk.CryptoPublicKey().(ed25519.PublicKey)
		if !ok {
			return nil, errors.New("ssh key is not ed25519")
		}
		return key, nil
	}

	raw, err := base64.StdEncoding.DecodeString(enc)
	if err != nil {
		return nil, fmt.Errorf("decode base64: %w", err)
	}
	if len(raw) != ed25519.PublicKeySize {
		return nil, fmt.Errorf("public key is %d bytes, want %d", len(raw), ed25519.PublicKeySize)
	}
	return ed25519.PublicKey(raw), nil
}

func (r *Registry) Lookup(sourceID string) (ed25519.PublicKey, bool) {
	if r == nil {
		return nil, false
	}
	key, ok := r.keys[sourceID]
	return key, ok
}

func (r *Registry) Len() int {
	if r == nil {
		return 0
	}
	return len(r.keys)
}

// Sources lists registered source ids in sorted order.
func (r *Registry) Sources() []string {
	if r == nil {
		return nil
	}
	ids := make([]string, 0, len(r.keys))
	for id := range r.keys {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}
