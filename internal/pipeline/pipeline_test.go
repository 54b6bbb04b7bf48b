package pipeline

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/CodeMonkeyCybersecurity/lighthouse/internal/archive"
	"github.com/CodeMonkeyCybersecurity/lighthouse/internal/dedup"
	"github.com/CodeMonkeyCybersecurity/lighthouse/internal/index"
	"github.com/CodeMonkeyCybersecurity/lighthouse/internal/sink"
	"github.com/CodeMonkeyCybersecurity/lighthouse/pkg/enrichment"
	"github.com/CodeMonkeyCybersecurity/lighthouse/pkg/events"
	"github.com/CodeMonkeyCybersecurity/lighthouse/pkg/trust"
	"github.com/CodeMonkeyCybersecurity/lighthouse/pkg/types"
)

const sourceID = "collector-001"

var now = time.Date(2024, 6, 15, 12, 0, 0, 0, time.UTC)

// publicGeo resolves every address to a public location.
type publicGeo struct{}

func (publicGeo) Name() string                   { return "geoip" }
func (publicGeo) Applies(*types.AssetEvent) bool { return true }
func (publicGeo) Enrich(context.Context, *types.AssetEvent) (enrichment.Fragment, error) {
	return enrichment.Fragment{GeoIP: &types.GeoIPResult{
		CountryName: "Germany",
		CityName:    "Berlin",
		Location:    &types.GeoPoint{Lat: 52.52, Lon: 13.40},
	}}, nil
}

type panicky struct{}

func (panicky) Name() string                   { return "panicky" }
func (panicky) Applies(*types.AssetEvent) bool { return true }
func (panicky) Enrich(context.Context, *types.AssetEvent) (enrichment.Fragment, error) {
	panic("enricher bug")
}

type fixture struct {
	pipeline *Pipeline
	signer   *trust.Signer
	index    *index.MemoryIndex
	archive  *archive.MemoryStore
	dedup    *dedup.Deduplicator
}

func newFixture(t *testing.T, extra ...enrichment.Enricher) *fixture {
	t.Helper()

	signer, err := trust.GenerateSigner(sourceID)
	require.NoError(t, err)
	reg, err := trust.NewRegistry(map[string]string{sourceID: signer.PublicKeyBase64()})
	require.NoError(t, err)

	decoder, err := events.NewDecoder()
	require.NoError(t, err)

	rules, err := enrichment.ParseRules([]byte(`
- cve_id: CVE-TEST-1
  severity: HIGH
  server_regex: 'nginx/1\.18'
`))
	require.NoError(t, err)

	enrichers := append([]enrichment.Enricher{
		publicGeo{},
		enrichment.NewTLSCertEnricher(),
		enrichment.NewCVEEnricher(enrichment.Compile(rules)),
	}, extra...)

	idx := index.NewMemory()
	arc := archive.NewMemoryStore()
	d, err := dedup.New(arc, 128)
	require.NoError(t, err)

	p, err := New(Deps{
		Gateway:  trust.NewGateway(reg),
		Decoder:  decoder,
		Dedup:    d,
		Enricher: enrichment.NewEngine(nil, enrichers),
		Sink:     sink.New(idx, arc, "", nil, sink.WithClock(func() time.Time { return now })),
		Now:      func() time.Time { return now },
	})
	require.NoError(t, err)

	return &fixture{pipeline: p, signer: signer, index: idx, archive: arc, dedup: d}
}

func payload(id string, port int, probes string) []byte {
	return []byte(fmt.Sprintf(
		`{"id":%q,"timestamp":"2024-06-15T11:59:00Z","source_id":%q,"target":{"ip":"203.0.113.5","port":%d,"protocol":"tcp"},"probes":%s}`,
		id, sourceID, port, probes))
}

func (f *fixture) indexed(t *testing.T, id string) types.AssetEvent {
	t.Helper()
	doc, ok := f.index.Get(index.Name("", now), id)
	require.True(t, ok, "event %s not indexed", id)
	var ev types.AssetEvent
	require.NoError(t, json.Unmarshal(doc, &ev))
	return ev
}

func TestProcessTelnetExample(t *testing.T) {
	f := newFixture(t)
	raw := payload("evt-telnet", 23, `{"banner":{"raw":"login:"}}`)

	res := f.pipeline.Process(context.Background(), raw, f.signer.Sign(raw))
	require.NoError(t, res.Err)
	assert.Equal(t, types.OutcomeStored, res.Outcome)
	assert.Equal(t, "evt-telnet", res.EventID)
	assert.Equal(t, 20, res.Score)

	ev := f.indexed(t, "evt-telnet")
	assert.Equal(t, types.RiskBreakdown{PortScore: 15, ExposureScore: 5}, ev.RiskBreakdown)
	assert.Equal(t, 20, ev.RiskScore)
	assert.Equal(t, types.AssuranceVerified, ev.Assurance)
	assert.Equal(t, "203.0.113.5:23/tcp", ev.AssetKey)
	assert.NotNil(t, ev.Enrichment.CVEMatches)

	exists, err := f.archive.Exists(context.Background(), "evt-telnet")
	require.NoError(t, err)
	assert.True(t, exists)
}

func TestProcessDuplicate(t *testing.T) {
	f := newFixture(t)
	raw := payload("evt-1", 80, `{"http":{"headers":{"Server":"nginx/1.18.0"}}}`)
	sig := f.signer.Sign(raw)

	first := f.pipeline.Process(context.Background(), raw, sig)
	require.Equal(t, types.OutcomeStored, first.Outcome)

	ev := f.indexed(t, "evt-1")
	require.Len(t, ev.Enrichment.CVEMatches, 1)
	assert.Equal(t, "CVE-TEST-1", ev.Enrichment.CVEMatches[0].CVEID)
	// port 80 (5) + nginx (2) + HIGH (20) + public (5)
	assert.Equal(t, 32, ev.RiskScore)

	second := f.pipeline.Process(context.Background(), raw, sig)
	assert.Equal(t, types.OutcomeDuplicate, second.Outcome)
	assert.Equal(t, StageDedup, second.Stage)
	assert.Equal(t, 1, f.archive.Len())
}

func TestProcessRejections(t *testing.T) {
	f := newFixture(t)
	raw := payload("evt-r", 22, `{}`)
	sig := f.signer.Sign(raw)

	tampered := bytes.Replace(raw, []byte(`"port":22`), []byte(`"port":23`), 1)

	badSig := append([]byte(nil), sig...)
	badSig[0] ^= 0xff

	other, err := trust.GenerateSigner("rogue")
	require.NoError(t, err)
	rogue := []byte(`{"id":"evt-x","source_id":"rogue","target":{"ip":"203.0.113.9","port":22},"probes":{}}`)

	tests := []struct {
		name   string
		raw    []byte
		sig    []byte
		reason string
		stage  string
	}{
		{"tampered payload", tampered, sig, types.RejectBadSignature, StageVerify},
		{"mutated signature", raw, badSig, types.RejectBadSignature, StageVerify},
		{"missing signature", raw, nil, types.RejectMissingSignature, StageVerify},
		{"unknown source", rogue, other.Sign(rogue), types.RejectUnknownSource, StageVerify},
		{"not json", []byte("garbage"), sig, types.RejectSchema, StageDecode},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			res := f.pipeline.Process(context.Background(), tt.raw, tt.sig)
			assert.Equal(t, types.OutcomeDropped, res.Outcome)
			assert.Equal(t, tt.stage, res.Stage)

			var rej *types.RejectionError
			require.True(t, errors.As(res.Err, &rej))
			assert.Equal(t, tt.reason, rej.Reason)
		})
	}
	assert.Zero(t, f.archive.Len(), "rejected events leave no partial write")
}

func TestProcessSchemaRejectionAfterVerify(t *testing.T) {
	f := newFixture(t)
	raw := []byte(`{"source_id":"collector-001","target":{"ip":"203.0.113.5","port":22},"probes":{}}`)

	res := f.pipeline.Process(context.Background(), raw, f.signer.Sign(raw))
	assert.Equal(t, types.OutcomeDropped, res.Outcome)
	assert.Equal(t, StageDecode, res.Stage)

	var rej *types.RejectionError
	require.True(t, errors.As(res.Err, &rej))
	assert.Equal(t, types.RejectMissingID, rej.Reason)
}

func TestProcessIgnoresUpstreamDerivedFields(t *testing.T) {
	f := newFixture(t)
	raw := []byte(`{"id":"evt-forged","source_id":"collector-001","target":{"ip":"203.0.113.5","port":8081},` +
		`"probes":{},"risk_score":99,"risk_breakdown":{"vuln_score":99},"assurance":"direct",` +
		`"enrichment":{"cve_matches":[{"cve_id":"CVE-FAKE","severity":"CRITICAL"}]}}`)

	res := f.pipeline.Process(context.Background(), raw, f.signer.Sign(raw))
	require.Equal(t, types.OutcomeStored, res.Outcome)

	ev := f.indexed(t, "evt-forged")
	assert.Equal(t, 5, ev.RiskScore, "only exposure applies")
	assert.Empty(t, ev.Enrichment.CVEMatches)
	assert.Equal(t, types.AssuranceVerified, ev.Assurance)
}

func TestEnricherFailureDegradesButStores(t *testing.T) {
	f := newFixture(t, panicky{})
	raw := payload("evt-degraded", 22, `{"ssh_banner":{"banner":"SSH-2.0-dropbear_2019.78"}}`)

	res := f.pipeline.Process(context.Background(), raw, f.signer.Sign(raw))
	assert.Equal(t, types.OutcomeDegraded, res.Outcome)
	assert.Equal(t, StageEnrich, res.Stage)

	ev := f.indexed(t, "evt-degraded")
	assert.Contains(t, ev.Enrichment.Errors, "panicky")
	assert.NotNil(t, ev.Enrichment.GeoIP, "other enrichers still ran")
	// port 22 (5) + non-OpenSSH banner (5) + public (5)
	assert.Equal(t, 15, ev.RiskScore)
}

func TestProcessDirect(t *testing.T) {
	f := newFixture(t)
	ev := &types.AssetEvent{
		ID:        "evt-direct",
		Timestamp: now,
		SourceID:  "internet_scanner_001",
		Target:    types.Target{IP: "203.0.113.7", Port: 443, Protocol: "tcp"},
		RiskScore: 77,
	}

	res := f.pipeline.ProcessDirect(context.Background(), ev)
	require.Equal(t, types.OutcomeStored, res.Outcome)

	stored := f.indexed(t, "evt-direct")
	assert.Equal(t, types.AssuranceDirect, stored.Assurance)
	assert.Equal(t, "203.0.113.7:443/tcp", stored.AssetKey)
	assert.Equal(t, 10, stored.RiskScore)

	bad := f.pipeline.ProcessDirect(context.Background(), &types.AssetEvent{Target: types.Target{IP: "203.0.113.7"}})
	assert.Equal(t, types.OutcomeDropped, bad.Outcome)
}

func TestNewRequiresDependencies(t *testing.T) {
	_, err := New(Deps{})
	assert.Error(t, err)
}
