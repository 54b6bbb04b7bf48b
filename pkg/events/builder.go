// pkg/events/builder.go
package events

import (
	"bufio"
	"bytes"
	"crypto/x509"
	"encoding/base64"
	"io"
	"net/http"
	"net/netip"
	"strings"
	"time"

	"github.com/PuerkitoBio/goquery"
	"github.com/google/uuid"
	"golang.org/x/net/html/charset"

	"github.com/CodeMonkeyCybersecurity/lighthouse/pkg/discovery/portscan"
	"github.com/CodeMonkeyCybersecurity/lighthouse/pkg/enrichment"
	"github.com/CodeMonkeyCybersecurity/lighthouse/pkg/types"
)

const (
	ScanTypeInternetWide = "internet_wide"
	maxTitleLen          = 256
)

// Builder turns probe observations into asset events. It is safe for
// concurrent use.
type Builder struct {
	sourceID       string
	scannerVersion string
	now            func() time.Time
	newID          func() string
}

type BuilderOption func(*Builder)

func WithClock(now func() time.Time) BuilderOption {
	return func(b *Builder) { b.now = now }
}

func WithIDFunc(fn func() string) BuilderOption {
	return func(b *Builder) { b.newID = fn }
}

func NewBuilder(sourceID, scannerVersion string, opts ...BuilderOption) *Builder {
	b := &Builder{
		sourceID:       sourceID,
		scannerVersion: scannerVersion,
		now:            time.Now,
		newID:          uuid.NewString,
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// BuildAll emits one event per open port.
func (b *Builder) BuildAll(addr netip.Addr, obs []portscan.Observation) []*types.AssetEvent {
	var out []*types.AssetEvent
	for _, o := range obs {
		if !o.Open {
			continue
		}
		out = append(out, b.Build(addr, o))
	}
	return out
}

// Build assembles a single pre-enrichment event from one observation.
func (b *Builder) Build(addr netip.Addr, obs portscan.Observation) *types.AssetEvent {
	ev := &types.AssetEvent{
		ID:             b.newID(),
		Timestamp:      b.now().UTC(),
		SourceID:       b.sourceID,
		ScannerVersion: b.scannerVersion,
		Target: types.Target{
			IP:       addr.String(),
			Port:     obs.Port,
			Protocol: "tcp",
		},
		Probes: types.Probes{
			types.ProbeTCPConnect: map[string]interface{}{
				"success":     obs.Open,
				"duration_ms": obs.Duration.Milliseconds(),
			},
		},
		Meta: map[string]interface{}{
			"scan_type": ScanTypeInternetWide,
			"service":   obs.Service,
		},
		Enrichment: types.Enrichment{CVEMatches: []types.CVEMatch{}},
	}

	if obs.TLS && len(obs.CertDER) > 0 {
		ev.Probes[types.ProbeTLS] = tlsProbe(obs.CertDER)
	}

	switch {
	case looksLikeHTTP(obs.Raw):
		if probe, ok := httpProbe(obs.Raw); ok {
			ev.Probes[types.ProbeHTTP] = probe
			break
		}
		ev.Probes[types.ProbeBanner] = bannerProbe(obs)
	case strings.HasPrefix(obs.Banner, "SSH-"):
		ev.Probes[types.ProbeSSHBanner] = map[string]interface{}{"banner": obs.Banner}
	case obs.HasBanner():
		ev.Probes[types.ProbeBanner] = bannerProbe(obs)
	}

	return ev
}

func bannerProbe(obs portscan.Observation) map[string]interface{} {
	return map[string]interface{}{
		"raw":     obs.Banner,
		"service": obs.Service,
	}
}

func tlsProbe(der []byte) map[string]interface{} {
	probe := map[string]interface{}{
		"cert_der_b64": base64.StdEncoding.EncodeToString(der),
	}
	cert, err := x509.ParseCertificate(der)
	if err != nil {
		probe["error"] = err.Error()
		return probe
	}
	info := enrichment.DescribeCertificate(cert)
	sans := make([]interface{}, len(info.SubjectSANs))
	for i, s := range info.SubjectSANs {
		sans[i] = s
	}
	probe["subject_cn"] = info.SubjectCN
	probe["subject_sans"] = sans
	probe["issuer_cn"] = info.IssuerCN
	probe["valid_from"] = enrichment.FormatTime(info.ValidFrom)
	probe["valid_to"] = enrichment.FormatTime(info.ValidTo)
	probe["key_algo"] = info.KeyAlgorithm
	probe["key_size"] = info.KeySize
	probe["self_signed"] = info.SelfSigned
	return probe
}

func looksLikeHTTP(raw []byte) bool {
	return bytes.HasPrefix(raw, []byte("HTTP/"))
}

// httpProbe parses a captured HTTP/1.x response. Header names are stored in
// canonical MIME form; the title is taken from the (charset-decoded) body.
func httpProbe(raw []byte) (map[string]interface{}, bool) {
	resp, err := http.ReadResponse(bufio.NewReader(bytes.NewReader(raw)), nil)
	if err != nil {
		return nil, false
	}
	defer resp.Body.Close()

	headers := make(map[string]interface{}, len(resp.Header))
	for name, values := range resp.Header {
		headers[http.CanonicalHeaderKey(name)] = strings.Join(values, ", ")
	}

	// The capture may be truncated; whatever body was read is used.
	body, _ := io.ReadAll(resp.Body)

	return map[string]interface{}{
		"status_code": resp.StatusCode,
		"headers":     headers,
		"title":       extractTitle(body, resp.Header.Get("Content-Type")),
	}, true
}

func extractTitle(body []byte, contentType string) string {
	if len(body) == 0 {
		return ""
	}
	var r io.Reader = bytes.NewReader(body)
	if decoded, err := charset.NewReader(r, contentType); err == nil {
		r = decoded
	} else {
		r = bytes.NewReader(body)
	}

	doc, err := goquery.NewDocumentFromReader(r)
	if err != nil {
		return ""
	}
	title := strings.Join(strings.Fields(doc.Find("title").First().Text()), " ")
	if runes := []rune(title); len(runes) > maxTitleLen {
		title = string(runes[:maxTitleLen])
	}
	return title
}
