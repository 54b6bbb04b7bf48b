// internal/objectstore/keys.go
package objectstore

import (
	"path"
	"strings"
)

const (
	// EventPrefix starts every payload and signature object name.
	EventPrefix   = "event_"
	payloadSuffix = ".json"
	sigSuffix     = ".sig"
)

// EventKey is the payload object name for an event id.
func EventKey(id string) string {
	return EventPrefix + id + payloadSuffix
}

// SignatureKey is the detached signature object for a payload key.
func SignatureKey(payloadKey string) string {
	return payloadKey + sigSuffix
}

// IsPayloadKey reports whether key names a payload object rather than a
// signature or an unrelated blob.
func IsPayloadKey(key string) bool {
	return strings.HasSuffix(key, payloadSuffix) && !strings.HasSuffix(key, payloadSuffix+sigSuffix)
}

// IDFromKey derives the candidate event id from a payload key. Keys that do
// not follow the event_<id>.json convention fall back to the base name
// without extension.
func IDFromKey(key string) (string, bool) {
	if !IsPayloadKey(key) {
		return "", false
	}
	base := strings.TrimSuffix(path.Base(key), payloadSuffix)
	base = strings.TrimPrefix(base, EventPrefix)
	if base == "" || base == "." {
		return "", false
	}
	return base, true
}
