package scoring

import (
	"math/rand/v2"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/CodeMonkeyCybersecurity/lighthouse/pkg/types"
)

var now = time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)

func public() *types.GeoIPResult {
	return &types.GeoIPResult{CountryName: "Germany", CityName: "Berlin", Location: &types.GeoPoint{Lat: 52.5, Lon: 13.4}}
}

func TestScoreTelnetExample(t *testing.T) {
	ev := &types.AssetEvent{
		Target:     types.Target{IP: "203.0.113.5", Port: 23, Protocol: "tcp"},
		Probes:     types.Probes{"banner": map[string]interface{}{"raw": "login:"}},
		Enrichment: types.Enrichment{GeoIP: public(), CVEMatches: []types.CVEMatch{}},
	}

	score, b := Score(ev, now)

	assert.Equal(t, types.RiskBreakdown{
		PortScore:      15,
		ServiceScore:   0,
		VulnScore:      0,
		CertScore:      0,
		ExposureScore:  5,
		FreshnessScore: 0,
	}, b)
	assert.Equal(t, 20, score)
}

func TestCertScore(t *testing.T) {
	past := now.Add(-24 * time.Hour)
	future := now.Add(24 * time.Hour)

	tests := []struct {
		name string
		cert *types.TLSCertInfo
		want int
	}{
		{name: "self-signed and expired", cert: &types.TLSCertInfo{SelfSigned: true, ValidTo: &past}, want: 25},
		{name: "self-signed only", cert: &types.TLSCertInfo{SelfSigned: true, ValidTo: &future}, want: 10},
		{name: "expired only", cert: &types.TLSCertInfo{ValidTo: &past}, want: 15},
		{name: "healthy", cert: &types.TLSCertInfo{ValidTo: &future}, want: 0},
		{name: "unparseable", cert: &types.TLSCertInfo{Error: "invalid certificate"}, want: 0},
		{name: "absent", cert: nil, want: 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ev := &types.AssetEvent{Enrichment: types.Enrichment{TLSCert: tt.cert}}
			_, b := Score(ev, now)
			assert.Equal(t, tt.want, b.CertScore)
		})
	}
}

func TestPortScore(t *testing.T) {
	tests := []struct {
		port int
		want int
	}{
		{21, 5}, {22, 5}, {23, 15}, {80, 5}, {443, 5}, {3389, 5},
		{8080, 0}, {6379, 0}, {0, 0},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, portScore(tt.port), "port %d", tt.port)
	}
}

func TestServiceScore(t *testing.T) {
	tests := []struct {
		name   string
		probes types.Probes
		want   int
	}{
		{name: "none", probes: types.Probes{}, want: 0},
		{name: "nginx", probes: types.Probes{"http": map[string]interface{}{"headers": map[string]interface{}{"Server": "nginx/1.18.0"}}}, want: 2},
		{name: "apache mixed case", probes: types.Probes{"http": map[string]interface{}{"headers": map[string]interface{}{"Server": "Apache/2.4.41"}}}, want: 2},
		{name: "iis", probes: types.Probes{"http": map[string]interface{}{"headers": map[string]interface{}{"Server": "Microsoft-IIS/10.0"}}}, want: 0},
		{name: "openssh", probes: types.Probes{"ssh_banner": map[string]interface{}{"banner": "SSH-2.0-OpenSSH_8.9"}}, want: 0},
		{name: "dropbear", probes: types.Probes{"ssh_banner": map[string]interface{}{"Banner": "SSH-2.0-dropbear_2020.81"}}, want: 5},
		{name: "empty ssh banner", probes: types.Probes{"ssh_banner": map[string]interface{}{"banner": ""}}, want: 0},
		{
			name: "both",
			probes: types.Probes{
				"http":       map[string]interface{}{"headers": map[string]interface{}{"Server": "nginx"}},
				"ssh_banner": map[string]interface{}{"banner": "SSH-2.0-libssh_0.9.6"},
			},
			want: 7,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, serviceScore(tt.probes))
		})
	}
}

func TestVulnScore(t *testing.T) {
	matches := []types.CVEMatch{
		{Severity: types.SeverityCritical},
		{Severity: types.SeverityHigh},
		{Severity: "medium"},
		{Severity: types.SeverityLow},
		{Severity: types.SeverityUnknown},
		{Severity: "SEVERE"},
	}
	assert.Equal(t, 65, vulnScore(matches))
}

func TestExposureScore(t *testing.T) {
	assert.Equal(t, 5, exposureScore(public()))
	for _, m := range []string{types.GeoPrivate, types.GeoLocalhost, types.GeoUnknown, types.GeoError} {
		assert.Zero(t, exposureScore(&types.GeoIPResult{CountryName: m, CityName: m}), m)
	}
	assert.Zero(t, exposureScore(nil))
}

func TestScoreIsClampedButBreakdownIsNot(t *testing.T) {
	past := now.Add(-time.Hour)
	matches := make([]types.CVEMatch, 5)
	for i := range matches {
		matches[i] = types.CVEMatch{CVEID: "CVE-X", Severity: types.SeverityCritical}
	}
	ev := &types.AssetEvent{
		Target: types.Target{IP: "203.0.113.5", Port: 23},
		Enrichment: types.Enrichment{
			GeoIP:      public(),
			TLSCert:    &types.TLSCertInfo{SelfSigned: true, ValidTo: &past},
			CVEMatches: matches,
		},
	}

	score, b := Score(ev, now)
	assert.Equal(t, 100, score)
	assert.Equal(t, 150, b.VulnScore)
	assert.Greater(t, b.Sum(), 100)
}

func TestScoreAlwaysInRange(t *testing.T) {
	r := rand.New(rand.NewPCG(11, 13))
	severities := []types.Severity{types.SeverityCritical, types.SeverityHigh, types.SeverityMedium, types.SeverityLow, "bogus"}
	past := now.Add(-time.Hour)

	for i := 0; i < 2000; i++ {
		n := r.IntN(12)
		matches := make([]types.CVEMatch, n)
		for j := range matches {
			matches[j].Severity = severities[r.IntN(len(severities))]
		}
		ev := &types.AssetEvent{
			Target:     types.Target{Port: r.IntN(65536)},
			Enrichment: types.Enrichment{CVEMatches: matches},
		}
		if r.IntN(2) == 0 {
			ev.Enrichment.TLSCert = &types.TLSCertInfo{SelfSigned: r.IntN(2) == 0, ValidTo: &past}
		}
		if r.IntN(2) == 0 {
			ev.Enrichment.GeoIP = public()
		}

		score, b := Score(ev, now)
		assert.GreaterOrEqual(t, score, MinScore)
		assert.LessOrEqual(t, score, MaxScore)
		assert.Equal(t, Clamp(b.Sum()), score)
	}
}

func TestApplyOverwritesUpstreamScore(t *testing.T) {
	ev := &types.AssetEvent{
		Target:        types.Target{Port: 8080},
		RiskScore:     99,
		RiskBreakdown: types.RiskBreakdown{PortScore: 99},
	}
	Apply(ev, now)
	assert.Zero(t, ev.RiskScore)
	assert.Equal(t, types.RiskBreakdown{}, ev.RiskBreakdown)
}

func TestClamp(t *testing.T) {
	assert.Equal(t, 0, Clamp(-5))
	assert.Equal(t, 42, Clamp(42))
	assert.Equal(t, 100, Clamp(250))
}
