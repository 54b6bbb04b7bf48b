package enrichment

import (
	"context"
	"crypto/ecdsa"
	"crypto/ed25519"
	"crypto/rsa"
	"crypto/x509"
	"encoding/base64"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/CodeMonkeyCybersecurity/lighthouse/pkg/types"
)

// Key algorithm labels.
const (
	KeyRSA     = "RSA"
	KeyECDSA   = "ECDSA"
	KeyEd25519 = "Ed25519"
	KeyUnknown = "Unknown"
)

// TLSCertEnricher decodes the leaf certificate captured by the TLS probe.
type TLSCertEnricher struct{}

func NewTLSCertEnricher() *TLSCertEnricher { return &TLSCertEnricher{} }

func (t *TLSCertEnricher) Name() string { return "tls_cert" }

func (t *TLSCertEnricher) Applies(ev *types.AssetEvent) bool {
	v, ok := ev.Probes.String(types.FieldTLSCertDER)
	return ok && v != ""
}

// Enrich always returns a TLSCertInfo. A certificate that cannot be decoded
// is reported through its Error field and as the returned error.
func (t *TLSCertEnricher) Enrich(_ context.Context, ev *types.AssetEvent) (Fragment, error) {
	b64, _ := ev.Probes.String(types.FieldTLSCertDER)
	info, err := ParseCertificateB64(b64)
	return Fragment{TLSCert: info}, err
}

// ParseCertificateB64 parses a base64-encoded DER certificate.
func ParseCertificateB64(b64 string) (*types.TLSCertInfo, error) {
	b64 = strings.TrimSpace(b64)
	failed := func(err error) (*types.TLSCertInfo, error) {
		return &types.TLSCertInfo{CertDERB64: b64, Error: err.Error()}, err
	}
	if b64 == "" {
		return failed(errors.New("empty certificate"))
	}

	der, err := base64.StdEncoding.DecodeString(b64)
	if err != nil {
		return failed(fmt.Errorf("invalid base64: %w", err))
	}
	cert, err := x509.ParseCertificate(der)
	if err != nil {
		return failed(fmt.Errorf("invalid certificate: %w", err))
	}

	info := DescribeCertificate(cert)
	info.CertDERB64 = b64
	return info, nil
}

// DescribeCertificate extracts the fields recorded for a certificate. The
// certificate is self-signed when its issuer and subject names are
// byte-identical.
func DescribeCertificate(cert *x509.Certificate) *types.TLSCertInfo {
	from := cert.NotBefore.UTC()
	to := cert.NotAfter.UTC()

	sans := make([]string, 0, len(cert.DNSNames)+len(cert.IPAddresses))
	sans = append(sans, cert.DNSNames...)
	for _, ip := range cert.IPAddresses {
		sans = append(sans, ip.String())
	}

	algo, size := keyInfo(cert.PublicKey)
	return &types.TLSCertInfo{
		SubjectCN:    cert.Subject.CommonName,
		SubjectSANs:  sans,
		IssuerCN:     cert.Issuer.CommonName,
		ValidFrom:    &from,
		ValidTo:      &to,
		KeyAlgorithm: algo,
		KeySize:      size,
		SelfSigned:   len(cert.RawIssuer) > 0 && string(cert.RawIssuer) == string(cert.RawSubject),
	}
}

// FormatTime renders certificate timestamps as RFC 3339 UTC.
func FormatTime(t *time.Time) string {
	if t == nil {
		return ""
	}
	return t.UTC().Format(time.RFC3339)
}

func keyInfo(pub interface{}) (string, int) {
	switch k := pub.(type) {
	case *rsa.PublicKey:
		return KeyRSA, k.N.BitLen()
	case *ecdsa.PublicKey:
		return KeyECDSA, k.Curve.Params().BitSize
	case ed25519.PublicKey:
		return KeyEd25519, 256
	default:
		return KeyUnknown, 0
	}
}
