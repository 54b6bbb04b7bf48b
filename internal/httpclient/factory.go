// Package httpclient builds the HTTP transports used to reach backing
// services (search cluster, object store).
package httpclient

import (
	"crypto/tls"
	"net"
	"net/http"
	"time"
)

// TransportConfig configures a backend transport.
type TransportConfig struct {
	DialTimeout           time.Duration
	TLSHandshakeTimeout   time.Duration
	ResponseHeaderTimeout time.Duration
	MaxIdleConnsPerHost   int
	IdleConnTimeout       time.Duration
	// InsecureSkipVerify accepts self-signed cluster certificates.
	InsecureSkipVerify bool
}

// DefaultConfig returns the transport settings shared by the index and
// object store clients.
func DefaultConfig() TransportConfig {
	return TransportConfig{
		DialTimeout:           5 * time.Second,
		TLSHandshakeTimeout:   10 * time.Second,
		ResponseHeaderTimeout: 30 * time.Second,
		MaxIdleConnsPerHost:   16,
		IdleConnTimeout:       90 * time.Second,
	}
}

// NewTransport creates a pooled, context-aware transport.
// - Dial and handshake timeouts (a dead backend fails fast)
// - Response header timeout (a stuck backend does not pin a worker)
// - Optional certificate verification bypass for self-signed clusters
func NewTransport(config TransportConfig) *http.Transport {
	dialer := &net.Dialer{
		Timeout:   config.DialTimeout,
		KeepAlive: 30 * time.Second,
	}

	transport := &http.Transport{
		Proxy:       http.ProxyFromEnvironment,
		DialContext: dialer.DialContext,

		// Connection pool settings
		MaxIdleConns:        100,
		MaxIdleConnsPerHost: config.MaxIdleConnsPerHost,
		IdleConnTimeout:     config.IdleConnTimeout,

		// Timeouts
		TLSHandshakeTimeout:   config.TLSHandshakeTimeout,
		ResponseHeaderTimeout: config.ResponseHeaderTimeout,
		ExpectContinueTimeout: 1 * time.Second,

		ForceAttemptHTTP2: true,
	}

	if config.InsecureSkipVerify {
		transport.TLSClientConfig = &tls.Config{InsecureSkipVerify: true} // #nosec G402 -- opt-in for self-signed clusters
	}

	return transport
}

// NewBackendTransport is NewTransport with defaults, optionally skipping
// certificate verification.
func NewBackendTransport(insecureSkipVerify bool) *http.Transport {
	cfg := DefaultConfig()
	cfg.InsecureSkipVerify = insecureSkipVerify
	return NewTransport(cfg)
}
