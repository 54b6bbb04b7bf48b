package types

import (
	"strings"

	"github.com/spf13/cast"
)

// Well-known probe names and field paths.
const (
	ProbeTCPConnect = "tcp_connect"
	ProbeHTTP       = "http"
	ProbeTLS        = "tls"
	ProbeSSHBanner  = "ssh_banner"
	ProbeBanner     = "banner"

	FieldHTTPServer  = "http.headers.Server"
	FieldSSHBanner   = "ssh_banner.banner"
	FieldTLSCertDER  = "tls.cert_der_b64"
	FieldBannerRaw   = "banner.raw"
	FieldHTTPTitle   = "http.title"
	FieldHTTPStatus  = "http.status_code"
	FieldServiceName = "banner.service"
)

// Probes maps a probe name to its protocol-specific result object. The
// structure is schema-less; keys are matched case-insensitively so that
// "Banner" and "banner" resolve to the same field.
type Probes map[string]interface{}

// Has reports whether the named probe is present.
func (p Probes) Has(name string) bool {
	_, ok := lookupKey(p, name)
	return ok
}

// Object returns the named probe's result object.
func (p Probes) Object(name string) (map[string]interface{}, bool) {
	v, ok := lookupKey(p, name)
	if !ok {
		return nil, false
	}
	obj, ok := v.(map[string]interface{})
	return obj, ok
}

// Field resolves a dotted path such as "http.headers.Server".
func (p Probes) Field(path string) (interface{}, bool) {
	if p == nil || path == "" {
		return nil, false
	}
	var cur interface{} = map[string]interface{}(p)
	for _, part := range strings.Split(path, ".") {
		obj, ok := cur.(map[string]interface{})
		if !ok {
			return nil, false
		}
		cur, ok = lookupKey(obj, part)
		if !ok {
			return nil, false
		}
	}
	return cur, true
}

// String resolves a dotted path and coerces the value to a string. Missing
// fields, nulls and non-scalar values yield ok=false.
func (p Probes) String(path string) (string, bool) {
	v, ok := p.Field(path)
	if !ok || v == nil {
		return "", false
	}
	switch v.(type) {
	case map[string]interface{}, []interface{}:
		return "", false
	}
	s, err := cast.ToStringE(v)
	if err != nil {
		return "", false
	}
	return s, true
}

// lookupKey prefers the exact key, then its lowercase form. Among other
// case-insensitive matches the lexicographically smallest key wins, so the
// result never depends on map iteration order.
func lookupKey(m map[string]interface{}, key string) (interface{}, bool) {
	if v, ok := m[key]; ok {
		return v, true
	}
	if v, ok := m[strings.ToLower(key)]; ok {
		return v, true
	}
	best, found := "", false
	for k := range m {
		if strings.EqualFold(k, key) && (!found || k < best) {
			best, found = k, true
		}
	}
	if !found {
		return nil, false
	}
	return m[best], true
}
