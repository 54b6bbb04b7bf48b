// pkg/scoring/risk.go
package scoring

import (
	"strings"
	"time"

	"github.com/CodeMonkeyCybersecurity/lighthouse/pkg/types"
)

const (
	MinScore = 0
	MaxScore = 100

	telnetPort = 23
)

// Ports that are routinely targeted; each contributes to port_score.
var exposedPorts = map[int]bool{
	21:   true,
	22:   true,
	23:   true,
	80:   true,
	443:  true,
	3389: true,
}

var severityWeights = map[types.Severity]int{
	types.SeverityCritical: 30,
	types.SeverityHigh:     20,
	types.SeverityMedium:   10,
	types.SeverityLow:      5,
}

var commonWebServers = []string{"nginx", "apache"}

// Score computes the risk score and its breakdown for an enriched event.
// It is a pure function of the event and now: the breakdown components are
// returned unclamped, the total is clamped to [MinScore, MaxScore].
func Score(ev *types.AssetEvent, now time.Time) (int, types.RiskBreakdown) {
	b := types.RiskBreakdown{
		PortScore:      portScore(ev.Target.Port),
		ServiceScore:   serviceScore(ev.Probes),
		VulnScore:      vulnScore(ev.Enrichment.CVEMatches),
		CertScore:      certScore(ev.Enrichment.TLSCert, now),
		ExposureScore:  exposureScore(ev.Enrichment.GeoIP),
		FreshnessScore: 0,
	}
	return Clamp(b.Sum()), b
}

// Apply recomputes the derived score fields on ev. Any upstream values are
// overwritten.
func Apply(ev *types.AssetEvent, now time.Time) {
	ev.RiskScore, ev.RiskBreakdown = Score(ev, now)
}

func Clamp(total int) int {
	switch {
	case total < MinScore:
		return MinScore
	case total > MaxScore:
		return MaxScore
	}
	return total
}

func portScore(port int) int {
	score := 0
	if exposedPorts[port] {
		score += 5
	}
	if port == telnetPort {
		score += 10
	}
	return score
}

func serviceScore(probes types.Probes) int {
	score := 0
	if server, ok := probes.String(types.FieldHTTPServer); ok {
		lower := strings.ToLower(server)
		for _, name := range commonWebServers {
			if strings.Contains(lower, name) {
				score += 2
				break
			}
		}
	}
	if banner, ok := probes.String(types.FieldSSHBanner); ok && strings.TrimSpace(banner) != "" {
		if !strings.Contains(strings.ToLower(banner), "openssh") {
			score += 5
		}
	}
	return score
}

func vulnScore(matches []types.CVEMatch) int {
	score := 0
	for _, m := range matches {
		score += severityWeights[m.Severity.Normalize()]
	}
	return score
}

func certScore(cert *types.TLSCertInfo, now time.Time) int {
	if cert == nil || cert.Error != "" {
		return 0
	}
	score := 0
	if cert.SelfSigned {
		score += 10
	}
	if cert.Expired(now) {
		score += 15
	}
	return score
}

func exposureScore(geo *types.GeoIPResult) int {
	if geo.IsPublic() {
		return 5
	}
	return 0
}
