package events

import (
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/json"
	"errors"
	"math/big"
	"net/netip"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/CodeMonkeyCybersecurity/lighthouse/pkg/discovery/portscan"
	"github.com/CodeMonkeyCybersecurity/lighthouse/pkg/types"
)

var fixedNow = time.Date(2024, 3, 9, 10, 30, 0, 0, time.UTC)

func testBuilder() *Builder {
	return NewBuilder("scanner-1", "1.0.0",
		WithClock(func() time.Time { return fixedNow }),
		WithIDFunc(func() string { return "evt-1" }),
	)
}

func TestBuildHTTPEvent(t *testing.T) {
	raw := []byte("HTTP/1.0 200 OK\r\nserver: nginx/1.18.0\r\nContent-Type: text/html; charset=iso-8859-1\r\n\r\n" +
		"<html><head><title>  Caf\xe9\n Admin </title></head><body></body></html>")
	obs := portscan.Observation{Port: 80, Open: true, Service: "nginx", Banner: "HTTP/1.0 200 OK", Raw: raw, Duration: 12 * time.Millisecond}

	ev := testBuilder().Build(netip.MustParseAddr("203.0.113.5"), obs)

	assert.Equal(t, "evt-1", ev.ID)
	assert.Equal(t, fixedNow, ev.Timestamp)
	assert.Equal(t, "scanner-1", ev.SourceID)
	assert.Equal(t, types.Target{IP: "203.0.113.5", Port: 80, Protocol: "tcp"}, ev.Target)
	assert.Equal(t, ScanTypeInternetWide, ev.Meta["scan_type"])

	server, ok := ev.Probes.String(types.FieldHTTPServer)
	require.True(t, ok)
	assert.Equal(t, "nginx/1.18.0", server)

	title, _ := ev.Probes.String(types.FieldHTTPTitle)
	assert.Equal(t, "Café Admin", title)

	status, _ := ev.Probes.String(types.FieldHTTPStatus)
	assert.Equal(t, "200", status)

	assert.True(t, ev.Probes.Has(types.ProbeTCPConnect))
	assert.False(t, ev.Probes.Has(types.ProbeBanner))
}

func TestBuildSSHEvent(t *testing.T) {
	obs := portscan.Observation{Port: 22, Open: true, Service: "openssh", Banner: "SSH-2.0-OpenSSH_8.9p1"}

	ev := testBuilder().Build(netip.MustParseAddr("203.0.113.5"), obs)

	banner, ok := ev.Probes.String(types.FieldSSHBanner)
	require.True(t, ok)
	assert.Equal(t, "SSH-2.0-OpenSSH_8.9p1", banner)
}

func TestBuildGenericBannerEvent(t *testing.T) {
	obs := portscan.Observation{Port: 6379, Open: true, Service: "redis", Banner: "-ERR unknown command"}

	ev := testBuilder().Build(netip.MustParseAddr("203.0.113.5"), obs)

	svc, _ := ev.Probes.String(types.FieldServiceName)
	assert.Equal(t, "redis", svc)
	raw, _ := ev.Probes.String(types.FieldBannerRaw)
	assert.Equal(t, "-ERR unknown command", raw)
}

func TestBuildOpenWithoutBanner(t *testing.T) {
	obs := portscan.Observation{Port: 3389, Open: true, Service: "rdp"}
	ev := testBuilder().Build(netip.MustParseAddr("203.0.113.5"), obs)
	assert.Len(t, ev.Probes, 1)
}

func TestBuildTLSEvent(t *testing.T) {
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	require.NoError(t, err)
	tmpl := &x509.Certificate{
		SerialNumber: big.NewInt(42),
		Subject:      pkix.Name{CommonName: "router.local"},
		DNSNames:     []string{"router.local"},
		NotBefore:    fixedNow.Add(-time.Hour),
		NotAfter:     fixedNow.Add(time.Hour),
	}
	der, err := x509.CreateCertificate(rand.Reader, tmpl, tmpl, &key.PublicKey, key)
	require.NoError(t, err)

	obs := portscan.Observation{Port: 443, Open: true, TLS: true, CertDER: der}
	ev := testBuilder().Build(netip.MustParseAddr("203.0.113.5"), obs)

	tlsProbe, ok := ev.Probes.Object(types.ProbeTLS)
	require.True(t, ok)
	assert.Equal(t, "router.local", tlsProbe["subject_cn"])
	assert.Equal(t, true, tlsProbe["self_signed"])
	assert.Equal(t, "ECDSA", tlsProbe["key_algo"])
	assert.Equal(t, fixedNow.Add(time.Hour).Format(time.RFC3339), tlsProbe["valid_to"])

	b64, ok := ev.Probes.String(types.FieldTLSCertDER)
	require.True(t, ok)
	assert.NotEmpty(t, b64)
}

func TestBuildAllSkipsClosedPorts(t *testing.T) {
	obs := []portscan.Observation{
		{Port: 21, Open: false},
		{Port: 22, Open: true, Banner: "SSH-2.0-x"},
		{Port: 23, Open: false},
	}
	events := testBuilder().BuildAll(netip.MustParseAddr("198.51.100.1"), obs)
	require.Len(t, events, 1)
	assert.Equal(t, 22, events[0].Target.Port)
}

func TestCanonicalSortsKeys(t *testing.T) {
	a := map[string]interface{}{"b": 1, "a": map[string]interface{}{"z": "<x>", "y": 2.5}}
	out, err := Canonical(a)
	require.NoError(t, err)
	assert.Equal(t, `{"a":{"y":2.5,"z":"<x>"},"b":1}`, string(out))

	ev := &types.AssetEvent{ID: "x", Target: types.Target{IP: "203.0.113.5", Port: 80}}
	first, err := Canonical(ev)
	require.NoError(t, err)
	second, err := Canonical(ev)
	require.NoError(t, err)
	assert.Equal(t, first, second)

	var generic map[string]interface{}
	require.NoError(t, json.Unmarshal(first, &generic))
	assert.Equal(t, "x", generic["id"])
}

func TestCanonicalPreservesLargeIntegers(t *testing.T) {
	out, err := Canonical(map[string]interface{}{"n": int64(9007199254740993)})
	require.NoError(t, err)
	assert.Equal(t, `{"n":9007199254740993}`, string(out))
}

func rejection(t *testing.T, err error) *types.RejectionError {
	t.Helper()
	var rej *types.RejectionError
	require.True(t, errors.As(err, &rej), "expected rejection, got %v", err)
	return rej
}

func TestDecodeValidEvent(t *testing.T) {
	d, err := NewDecoder()
	require.NoError(t, err)

	raw := []byte(`{
		"id": "a1",
		"timestamp": "2024-03-09T10:30:00.123456",
		"collector_id": "collector-001",
		"target": {"ip": "203.0.113.5", "port": 443},
		"probes": {"http": {"headers": {"Server": "nginx"}}},
		"risk_score": 99,
		"risk_breakdown": "tampered",
		"enrichment": {"cve_matches": [{"cve_id": "FAKE"}]},
		"assurance": "verified"
	}`)

	ev, err := d.Decode(raw)
	require.NoError(t, err)
	assert.Equal(t, "a1", ev.ID)
	assert.Equal(t, "collector-001", ev.SourceID)
	assert.Equal(t, "tcp", ev.Target.Protocol)
	assert.Equal(t, time.Date(2024, 3, 9, 10, 30, 0, 123456000, time.UTC), ev.Timestamp)
	assert.Zero(t, ev.RiskScore)
	assert.Equal(t, types.RiskBreakdown{}, ev.RiskBreakdown)
	assert.Empty(t, ev.Enrichment.CVEMatches)
	assert.Empty(t, ev.Assurance)

	server, _ := ev.Probes.String(types.FieldHTTPServer)
	assert.Equal(t, "nginx", server)
}

func TestDecodeRejects(t *testing.T) {
	d, err := NewDecoder()
	require.NoError(t, err)

	tests := []struct {
		name   string
		raw    string
		reason string
	}{
		{name: "not json", raw: `{"id":`, reason: types.RejectSchema},
		{name: "missing id", raw: `{"source_id":"s","target":{"ip":"203.0.113.5","port":1}}`, reason: types.RejectMissingID},
		{name: "no source", raw: `{"id":"a","target":{"ip":"203.0.113.5","port":1}}`, reason: types.RejectSchema},
		{name: "bad ip", raw: `{"id":"a","source_id":"s","target":{"ip":"999.1.1.1","port":1}}`, reason: types.RejectSchema},
		{name: "port out of range", raw: `{"id":"a","source_id":"s","target":{"ip":"203.0.113.5","port":70000}}`, reason: types.RejectSchema},
		{name: "bad timestamp", raw: `{"id":"a","source_id":"s","timestamp":"yesterday","target":{"ip":"203.0.113.5","port":1}}`, reason: types.RejectSchema},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := d.Decode([]byte(tt.raw))
			require.Error(t, err)
			assert.Equal(t, tt.reason, rejection(t, err).Reason)
			assert.Equal(t, types.OutcomeDropped, types.OutcomeOf(err))
		})
	}
}

func TestPeekSource(t *testing.T) {
	src, err := PeekSource([]byte(`{"source_id":"a","collector_id":"b"}`))
	require.NoError(t, err)
	assert.Equal(t, "a", src)

	src, err = PeekSource([]byte(`{"collector_id":"b"}`))
	require.NoError(t, err)
	assert.Equal(t, "b", src)

	_, err = PeekSource([]byte(`nope`))
	assert.Error(t, err)
}
