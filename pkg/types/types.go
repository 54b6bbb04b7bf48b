package types

import (
	"fmt"
	"net/netip"
	"strings"
	"time"
)

type Severity string

const (
	SeverityCritical Severity = "CRITICAL"
	SeverityHigh     Severity = "HIGH"
	SeverityMedium   Severity = "MEDIUM"
	SeverityLow      Severity = "LOW"
	SeverityUnknown  Severity = "UNKNOWN"
)

// Normalize upper-cases a severity read from rule files or payloads.
func (s Severity) Normalize() Severity {
	return Severity(strings.ToUpper(strings.TrimSpace(string(s))))
}

type Assurance string

const (
	AssuranceVerified Assurance = "verified"
	AssuranceDirect   Assurance = "direct"
)

// GeoIP markers used in place of a country/city name.
const (
	GeoPrivate   = "PRIVATE"
	GeoLocalhost = "LOCALHOST"
	GeoUnknown   = "UNKNOWN"
	GeoError     = "ERROR"
)

// AssetEvent is one observation of a network endpoint. Everything under
// Enrichment, RiskScore and RiskBreakdown is derived by the pipeline and is
// discarded when read from an untrusted payload.
type AssetEvent struct {
	ID             string                 `json:"id"`
	Timestamp      time.Time              `json:"timestamp"`
	SourceID       string                 `json:"source_id"`
	CollectorID    string                 `json:"collector_id,omitempty"`
	ScannerVersion string                 `json:"scanner_version,omitempty"`
	Target         Target                 `json:"target"`
	Probes         Probes                 `json:"probes"`
	Meta           map[string]interface{} `json:"meta,omitempty"`

	AssetKey      string        `json:"asset_key,omitempty"`
	Assurance     Assurance     `json:"assurance,omitempty"`
	Enrichment    Enrichment    `json:"enrichment"`
	RiskScore     int           `json:"risk_score"`
	RiskBreakdown RiskBreakdown `json:"risk_breakdown"`
}

type Target struct {
	IP       string `json:"ip"`
	Port     int    `json:"port"`
	Protocol string `json:"protocol"`
}

// Addr parses the target IP. Both IPv4 and IPv6 are accepted.
func (t Target) Addr() (netip.Addr, error) {
	addr, err := netip.ParseAddr(t.IP)
	if err != nil {
		return netip.Addr{}, fmt.Errorf("invalid target ip %q: %w", t.IP, err)
	}
	return addr.Unmap(), nil
}

// Key identifies the real-world endpoint independent of observation id.
func (t Target) Key() string {
	proto := t.Protocol
	if proto == "" {
		proto = "tcp"
	}
	return fmt.Sprintf("%s:%d/%s", t.IP, t.Port, proto)
}

// ResolvedSourceID returns source_id, falling back to the legacy
// collector_id field.
func (e *AssetEvent) ResolvedSourceID() string {
	if e.SourceID != "" {
		return e.SourceID
	}
	return e.CollectorID
}

// ResetDerived clears every field the pipeline computes.
func (e *AssetEvent) ResetDerived() {
	e.Enrichment = Enrichment{CVEMatches: []CVEMatch{}}
	e.RiskScore = 0
	e.RiskBreakdown = RiskBreakdown{}
	e.Assurance = ""
	e.AssetKey = ""
}

type Enrichment struct {
	GeoIP      *GeoIPResult      `json:"geoip,omitempty"`
	TLSCert    *TLSCertInfo      `json:"tls_cert,omitempty"`
	CVEMatches []CVEMatch        `json:"cve_matches"`
	ReverseDNS *ReverseDNSResult `json:"rdns,omitempty"`
	// Errors maps an enricher name to the failure that degraded it.
	Errors map[string]string `json:"errors,omitempty"`
}

type GeoPoint struct {
	Lat float64 `json:"lat"`
	Lon float64 `json:"lon"`
}

type GeoIPResult struct {
	CountryName string    `json:"country_name"`
	CityName    string    `json:"city_name"`
	Location    *GeoPoint `json:"location"`
}

// IsPublic reports whether the result is a real location rather than one of
// the PRIVATE/LOCALHOST/UNKNOWN/ERROR markers.
func (g *GeoIPResult) IsPublic() bool {
	if g == nil {
		return false
	}
	switch g.CountryName {
	case GeoPrivate, GeoLocalhost, GeoUnknown, GeoError:
		return false
	}
	return true
}

type TLSCertInfo struct {
	SubjectCN    string     `json:"subject_cn,omitempty"`
	SubjectSANs  []string   `json:"subject_sans,omitempty"`
	IssuerCN     string     `json:"issuer_cn,omitempty"`
	ValidFrom    *time.Time `json:"valid_from,omitempty"`
	ValidTo      *time.Time `json:"valid_to,omitempty"`
	KeyAlgorithm string     `json:"key_algorithm,omitempty"`
	KeySize      int        `json:"key_size,omitempty"`
	SelfSigned   bool       `json:"self_signed"`
	CertDERB64   string     `json:"cert_der_b64,omitempty"`
	Error        string     `json:"error,omitempty"`
}

// Expired reports whether the certificate's validity ended before now.
func (c *TLSCertInfo) Expired(now time.Time) bool {
	return c != nil && c.ValidTo != nil && c.ValidTo.Before(now)
}

type CVEMatch struct {
	CVEID        string   `json:"cve_id"`
	Severity     Severity `json:"severity"`
	Description  string   `json:"description"`
	MatchedOn    string   `json:"matched_on"`
	MatchedValue string   `json:"matched_value"`
}

type ReverseDNSResult struct {
	Names []string `json:"names,omitempty"`
	Error string   `json:"error,omitempty"`
}

// RiskBreakdown holds the named additive score components. Values are
// stored unclamped; only the total is bounded.
type RiskBreakdown struct {
	PortScore      int `json:"port_score"`
	ServiceScore   int `json:"service_score"`
	VulnScore      int `json:"vuln_score"`
	CertScore      int `json:"cert_score"`
	ExposureScore  int `json:"exposure_score"`
	FreshnessScore int `json:"freshness_score"`
}

func (b RiskBreakdown) Sum() int {
	return b.PortScore + b.ServiceScore + b.VulnScore + b.CertScore + b.ExposureScore + b.FreshnessScore
}

// Outcome is the disposition of one event through the pipeline.
type Outcome string

const (
	OutcomeStored    Outcome = "stored"
	OutcomeDuplicate Outcome = "duplicate"
	OutcomeDropped   Outcome = "dropped"
	OutcomeDegraded  Outcome = "degraded"
	OutcomeFailed    Outcome = "failed"
	OutcomeRetry     Outcome = "retry"
	OutcomeWarn      Outcome = "warn"
)
