package trust

import (
	"bytes"
	"crypto/ed25519"
	"encoding/base64"
	"errors"

	"github.com/CodeMonkeyCybersecurity/lighthouse/pkg/types"
)

var sigTextLen = base64.StdEncoding.EncodedLen(ed25519.SignatureSize)

// Gateway verifies detached signatures. It fails closed: unknown sources,
// absent signatures and bad signatures are all rejections.
type Gateway struct {
	registry *Registry
}

func NewGateway(registry *Registry) *Gateway {
	return &Gateway{registry: registry}
}

// Verify checks sig over the exact bytes of raw. The payload is never
// re-serialized. The returned error is always a *types.RejectionError.
func (g *Gateway) Verify(raw, sig []byte, sourceID string) error {
	if sourceID == "" {
		return types.Reject(types.RejectUnknownSource, sourceID, errors.New("empty source id"))
	}
	key, ok := g.registry.Lookup(sourceID)
	if !ok {
		return types.Reject(types.RejectUnknownSource, sourceID, nil)
	}
	if len(sig) == 0 {
		return types.Reject(types.RejectMissingSignature, sourceID, nil)
	}

	sig = DecodeSignature(sig)
	if len(sig) != ed25519.SignatureSize || !ed25519.Verify(key, raw, sig) {
		return types.Reject(types.RejectBadSignature, sourceID, nil)
	}
	return nil
}

// Valid is the boolean form of Verify.
func (g *Gateway) Valid(raw, sig []byte, sourceID string) bool {
	return g.Verify(raw, sig, sourceID) == nil
}

// DecodeSignature returns a raw 64-byte signature as-is and otherwise tries
// to decode base64 text, as written by some collectors. The text must be the
// exact padded encoding, optionally followed by one newline, and decodes
// strictly so that every byte of it is significant. Anything else is
// returned unchanged and will fail verification.
func DecodeSignature(sig []byte) []byte {
	if len(sig) == ed25519.SignatureSize {
		return sig
	}
	text := bytes.TrimSuffix(sig, []byte("\n"))
	if len(text) != sigTextLen || bytes.ContainsAny(text, "\r\n") {
		return sig
	}
	decoded := make([]byte, base64.StdEncoding.DecodedLen(len(text)))
	n, err := base64.StdEncoding.Strict().Decode(decoded, text)
	if err != nil || n != ed25519.SignatureSize {
		return sig
	}
	return decoded[:n]
}
