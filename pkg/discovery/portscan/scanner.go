package portscan

import (
	"context"
	"crypto/tls"
	"errors"
	"io"
	"net"
	"net/netip"
	"os"
	"strconv"
	"strings"
	"time"
	"unicode/utf8"

	"golang.org/x/sync/errgroup"

	"github.com/CodeMonkeyCybersecurity/lighthouse/internal/logger"
)

const (
	defaultConnectTimeout = 2 * time.Second
	defaultBannerTimeout  = 500 * time.Millisecond
	defaultBannerMaxLen   = 500
	// rawReadLimit bounds how much of an active response is kept for
	// header/title extraction.
	rawReadLimit = 16 * 1024
)

// Observation is the outcome of probing one port.
type Observation struct {
	Port     int
	Open     bool
	Service  string
	Banner   string
	Raw      []byte
	Duration time.Duration
	// CertDER is the leaf certificate presented on TLS ports.
	CertDER []byte
	TLS     bool
}

// HasBanner reports whether a non-empty banner was captured.
func (o Observation) HasBanner() bool { return o.Banner != "" }

type Config struct {
	ConnectTimeout time.Duration
	BannerTimeout  time.Duration
	BannerMaxLen   int
	// ActivePorts expect a client-initiated request before answering.
	ActivePorts map[int]bool
	// TLSPorts are wrapped in a TLS handshake before the active request.
	TLSPorts map[int]bool
}

// DefaultActivePorts are HTTP-like ports that receive a request line.
func DefaultActivePorts() map[int]bool {
	return map[int]bool{80: true, 8080: true, 443: true, 8443: true}
}

// DefaultTLSPorts are handshaked before the request line is sent.
func DefaultTLSPorts() map[int]bool {
	return map[int]bool{443: true, 8443: true}
}

func DefaultConfig() Config {
	return Config{
		ConnectTimeout: defaultConnectTimeout,
		BannerTimeout:  defaultBannerTimeout,
		BannerMaxLen:   defaultBannerMaxLen,
		ActivePorts:    DefaultActivePorts(),
		TLSPorts:       DefaultTLSPorts(),
	}
}

// Scanner probes all ports of one address concurrently. It holds no per-scan
// state and is safe for concurrent use.
type Scanner struct {
	cfg    Config
	logger *logger.Logger
	dialer *net.Dialer
}

func NewScanner(cfg Config, log *logger.Logger) *Scanner {
	def := DefaultConfig()
	if cfg.ConnectTimeout <= 0 {
		cfg.ConnectTimeout = def.ConnectTimeout
	}
	if cfg.BannerTimeout <= 0 {
		cfg.BannerTimeout = def.BannerTimeout
	}
	if cfg.BannerMaxLen <= 0 {
		cfg.BannerMaxLen = def.BannerMaxLen
	}
	if cfg.ActivePorts == nil {
		cfg.ActivePorts = def.ActivePorts
	}
	if cfg.TLSPorts == nil {
		cfg.TLSPorts = def.TLSPorts
	}
	if log == nil {
		log = logger.NewNop()
	}
	return &Scanner{
		cfg:    cfg,
		logger: log.WithComponent("portscan"),
		dialer: &net.Dialer{Timeout: cfg.ConnectTimeout},
	}
}

// Probe attempts every port in ports against addr and returns one
// observation per port, in the order given. Closed ports are reported, not
// treated as errors, and never abort sibling probes.
func (s *Scanner) Probe(ctx context.Context, addr netip.Addr, ports []int) []Observation {
	results := make([]Observation, len(ports))

	var g errgroup.Group
	for i, port := range ports {
		g.Go(func() error {
			results[i] = s.probePort(ctx, addr, port)
			return nil
		})
	}
	_ = g.Wait()

	return results
}

// OpenPorts filters observations down to open ports.
func OpenPorts(obs []Observation) []Observation {
	open := make([]Observation, 0, len(obs))
	for _, o := range obs {
		if o.Open {
			open = append(open, o)
		}
	}
	return open
}

func (s *Scanner) probePort(ctx context.Context, addr netip.Addr, port int) Observation {
	obs := Observation{Port: port}
	target := net.JoinHostPort(addr.String(), strconv.Itoa(port))

	start := time.Now()
	conn, err := s.dialer.DialContext(ctx, "tcp", target)
	if err != nil {
		obs.Service = Classify(port, "")
		return obs
	}
	defer conn.Close()

	obs.Open = true
	obs.Duration = time.Since(start)

	raw, cert, isTLS := s.grabBanner(conn, addr, port)
	obs.TLS = isTLS
	obs.CertDER = cert
	obs.Raw = raw
	obs.Banner = CleanBanner(raw, s.cfg.BannerMaxLen)
	obs.Service = Classify(port, obs.Banner)

	s.logger.Debugw("Port open",
		"ip", addr.String(),
		"port", port,
		"service", obs.Service,
		"banner_len", len(obs.Banner),
		"tls", isTLS,
	)
	return obs
}

// grabBanner reads whatever the service volunteers, or what it answers to a
// minimal request line on active ports. A read timeout yields whatever was
// received so far (possibly nothing); it is not an error.
func (s *Scanner) grabBanner(conn net.Conn, addr netip.Addr, port int) (raw []byte, certDER []byte, isTLS bool) {
	var rw net.Conn = conn

	if s.cfg.TLSPorts[port] {
		_ = conn.SetDeadline(time.Now().Add(s.cfg.ConnectTimeout))
		tlsConn := tls.Client(conn, &tls.Config{
			InsecureSkipVerify: true, // certificates are collected, not trusted
			ServerName:         addr.String(),
		})
		if err := tlsConn.Handshake(); err == nil {
			isTLS = true
			if state := tlsConn.ConnectionState(); len(state.PeerCertificates) > 0 {
				certDER = state.PeerCertificates[0].Raw
			}
			rw = tlsConn
		} else {
			s.logger.Debugw("TLS handshake failed", "ip", addr.String(), "port", port, "error", err)
			return nil, nil, false
		}
	}

	_ = rw.SetDeadline(time.Now().Add(s.cfg.BannerTimeout))

	if s.cfg.ActivePorts[port] {
		if _, err := rw.Write([]byte("GET / HTTP/1.0\r\n\r\n")); err != nil {
			return nil, certDER, isTLS
		}
		data, err := io.ReadAll(io.LimitReader(rw, rawReadLimit))
		if err != nil && !isTimeout(err) {
			s.logger.Debugw("Banner read interrupted", "port", port, "error", err)
		}
		return data, certDER, isTLS
	}

	buf := make([]byte, 1024)
	n, err := rw.Read(buf)
	if err != nil && n == 0 {
		return nil, certDER, isTLS
	}
	return buf[:n], certDER, isTLS
}

func isTimeout(err error) bool {
	var ne net.Error
	return errors.Is(err, os.ErrDeadlineExceeded) || (errors.As(err, &ne) && ne.Timeout())
}

// CleanBanner decodes raw bytes permissively, drops control characters that
// are unsafe to store, trims whitespace and truncates to maxLen runes.
func CleanBanner(raw []byte, maxLen int) string {
	if len(raw) == 0 {
		return ""
	}
	s := strings.ToValidUTF8(string(raw), "\uFFFD")
	s = strings.Map(func(r rune) rune {
		switch {
		case r == '\n' || r == '\r' || r == '\t':
			return r
		case r < 0x20 || r == 0x7f:
			return -1
		}
		return r
	}, s)
	s = strings.TrimSpace(s)

	if maxLen > 0 && utf8.RuneCountInString(s) > maxLen {
		runes := []rune(s)
		s = string(runes[:maxLen])
	}
	return s
}
