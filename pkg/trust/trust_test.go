package trust

import (
	"encoding/base64"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/CodeMonkeyCybersecurity/lighthouse/pkg/types"
)

const payload = `{"id":"3f1c","source_id":"collector-001","target":{"ip":"203.0.113.5","port":22,"protocol":"tcp"},"probes":{}}`

func newGateway(t *testing.T) (*Gateway, *Signer) {
	t.Helper()
	signer, err := GenerateSigner("collector-001")
	require.NoError(t, err)

	reg, err := NewRegistry(map[string]string{"collector-001": signer.PublicKeyBase64()})
	require.NoError(t, err)
	return NewGateway(reg), signer
}

func rejectionReason(t *testing.T, err error) string {
	t.Helper()
	var rej *types.RejectionError
	require.True(t, errors.As(err, &rej), "expected RejectionError, got %v", err)
	return rej.Reason
}

func TestVerifyGenuineSignature(t *testing.T) {
	gw, signer := newGateway(t)
	sig := signer.Sign([]byte(payload))

	assert.NoError(t, gw.Verify([]byte(payload), sig, "collector-001"))
	assert.True(t, gw.Valid([]byte(payload), sig, "collector-001"))
}

func TestVerifyRejectsEverySingleByteMutation(t *testing.T) {
	gw, signer := newGateway(t)
	raw := []byte(payload)
	sig := signer.Sign(raw)

	for i := range raw {
		mutated := append([]byte(nil), raw...)
		mutated[i] ^= 0x01
		assert.False(t, gw.Valid(mutated, sig, "collector-001"), "payload byte %d", i)
	}

	for i := range sig {
		mutated := append([]byte(nil), sig...)
		mutated[i] ^= 0x80
		assert.False(t, gw.Valid(raw, mutated, "collector-001"), "signature byte %d", i)
	}

	// Base64 form, newline-terminated: every replacement of every byte fails.
	text := []byte(base64.StdEncoding.EncodeToString(sig) + "\n")
	require.True(t, gw.Valid(raw, text, "collector-001"))
	for i := range text {
		for b := 0; b < 256; b++ {
			if byte(b) == text[i] {
				continue
			}
			mutated := append([]byte(nil), text...)
			mutated[i] = byte(b)
			if gw.Valid(raw, mutated, "collector-001") {
				t.Errorf("base64 signature byte %d replaced by %q still verifies", i, byte(b))
			}
		}
	}
}

func TestVerifyIsOverExactBytes(t *testing.T) {
	gw, signer := newGateway(t)
	sig := signer.Sign([]byte(payload))

	// Same JSON value, different bytes.
	reformatted := []byte(`{"source_id":"collector-001","id":"3f1c","target":{"ip":"203.0.113.5","port":22,"protocol":"tcp"},"probes":{}}`)
	err := gw.Verify(reformatted, sig, "collector-001")
	assert.Equal(t, types.RejectBadSignature, rejectionReason(t, err))
}

func TestVerifyFailsClosed(t *testing.T) {
	gw, signer := newGateway(t)
	sig := signer.Sign([]byte(payload))

	other, err := GenerateSigner("collector-002")
	require.NoError(t, err)

	tests := []struct {
		name     string
		sig      []byte
		sourceID string
		reason   string
	}{
		{name: "unknown source", sig: sig, sourceID: "collector-999", reason: types.RejectUnknownSource},
		{name: "empty source", sig: sig, sourceID: "", reason: types.RejectUnknownSource},
		{name: "missing signature", sig: nil, sourceID: "collector-001", reason: types.RejectMissingSignature},
		{name: "truncated signature", sig: sig[:40], sourceID: "collector-001", reason: types.RejectBadSignature},
		{name: "other key", sig: other.Sign([]byte(payload)), sourceID: "collector-001", reason: types.RejectBadSignature},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := gw.Verify([]byte(payload), tt.sig, tt.sourceID)
			require.Error(t, err)
			assert.Equal(t, tt.reason, rejectionReason(t, err))
			assert.Equal(t, types.OutcomeDropped, types.OutcomeOf(err))
		})
	}
}

func TestVerifyAcceptsBase64Signature(t *testing.T) {
	gw, signer := newGateway(t)
	sig := signer.Sign([]byte(payload))
	text := []byte(base64.StdEncoding.EncodeToString(sig) + "\n")

	assert.NoError(t, gw.Verify([]byte(payload), text, "collector-001"))
}

func TestRegistryAcceptsAuthorizedKeyFormat(t *testing.T) {
	signer, err := GenerateSigner("collector-ssh")
	require.NoError(t, err)
	line, err := signer.AuthorizedKey()
	require.NoError(t, err)

	reg, err := NewRegistry(map[string]string{"collector-ssh": line})
	require.NoError(t, err)

	key, ok := reg.Lookup("collector-ssh")
	require.True(t, ok)
	assert.Equal(t, signer.PublicKey(), key)
}

func TestRegistrySkipsBadEntries(t *testing.T) {
	signer, err := GenerateSigner("good")
	require.NoError(t, err)

	reg, err := NewRegistry(map[string]string{
		"good":     signer.PublicKeyBase64(),
		"short":    base64.StdEncoding.EncodeToString([]byte("too short")),
		"notbase6": "!!!",
	})

	var warn *types.ConfigurationWarning
	require.True(t, errors.As(err, &warn))
	assert.Equal(t, 1, reg.Len())
	assert.Equal(t, []string{"good"}, reg.Sources())
}

func TestLoadRegistry(t *testing.T) {
	signer, err := GenerateSigner("collector-001")
	require.NoError(t, err)

	dir := t.TempDir()
	jsonPath := filepath.Join(dir, "public_keys.json")
	require.NoError(t, os.WriteFile(jsonPath, []byte(`{"collector-001": "`+signer.PublicKeyBase64()+`"}`), 0o600))

	reg, err := LoadRegistry(jsonPath)
	require.NoError(t, err)
	assert.Equal(t, 1, reg.Len())

	yamlPath := filepath.Join(dir, "public_keys.yaml")
	require.NoError(t, os.WriteFile(yamlPath, []byte("collector-001: "+signer.PublicKeyBase64()+"\n"), 0o600))

	reg, err = LoadRegistry(yamlPath)
	require.NoError(t, err)
	_, ok := reg.Lookup("collector-001")
	assert.True(t, ok)
}

func TestLoadRegistryMissingFileIsWarning(t *testing.T) {
	reg, err := LoadRegistry(filepath.Join(t.TempDir(), "absent.json"))

	var warn *types.ConfigurationWarning
	require.True(t, errors.As(err, &warn))
	require.NotNil(t, reg)
	assert.Zero(t, reg.Len())

	// An empty registry rejects everything.
	gw := NewGateway(reg)
	assert.False(t, gw.Valid([]byte(payload), make([]byte, 64), "collector-001"))
}

func TestLoadOrCreateSigner(t *testing.T) {
	path := filepath.Join(t.TempDir(), "keys", "scanner.key")

	first, created, err := LoadOrCreateSigner(path, "scanner-1")
	require.NoError(t, err)
	assert.True(t, created)

	info, err := os.Stat(path)
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0o600), info.Mode().Perm())

	second, created, err := LoadOrCreateSigner(path, "scanner-1")
	require.NoError(t, err)
	assert.False(t, created)
	assert.Equal(t, first.PublicKey(), second.PublicKey())

	sig := second.Sign([]byte(payload))
	reg, err := NewRegistry(map[string]string{"scanner-1": first.PublicKeyBase64()})
	require.NoError(t, err)
	assert.True(t, NewGateway(reg).Valid([]byte(payload), sig, "scanner-1"))
}

func TestLoadSignerRejectsGarbage(t *testing.T) {
	path := filepath.Join(t.TempDir(), "bad.key")
	require.NoError(t, os.WriteFile(path, []byte("nope"), 0o600))

	_, err := LoadSigner(path, "x")
	assert.Error(t, err)
}
