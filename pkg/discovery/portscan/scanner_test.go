package portscan

import (
	"bufio"
	"context"
	"crypto/x509"
	"fmt"
	"net"
	"net/http"
	"net/http/httptest"
	"net/netip"
	"net/url"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var loopback = netip.MustParseAddr("127.0.0.1")

// serve starts a loopback listener whose connections are handled by fn.
func serve(t *testing.T, fn func(net.Conn)) int {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	t.Cleanup(func() { ln.Close() })

	go func() {
		for {
			conn, err := ln.Accept()
			if err != nil {
				return
			}
			go func() {
				defer conn.Close()
				fn(conn)
			}()
		}
	}()
	return ln.Addr().(*net.TCPAddr).Port
}

func closedPort(t *testing.T) int {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	port := ln.Addr().(*net.TCPAddr).Port
	require.NoError(t, ln.Close())
	return port
}

func greeter(msg string) func(net.Conn) {
	return func(c net.Conn) { _, _ = c.Write([]byte(msg)) }
}

func silent(c net.Conn) {
	_ = c.SetReadDeadline(time.Now().Add(3 * time.Second))
	buf := make([]byte, 64)
	_, _ = c.Read(buf)
}

func httpResponder(c net.Conn) {
	r := bufio.NewReader(c)
	line, _ := r.ReadString('\n')
	if !strings.HasPrefix(line, "GET / HTTP/1.0") {
		return
	}
	_, _ = fmt.Fprint(c, "HTTP/1.0 200 OK\r\nServer: nginx/1.18.0\r\nContent-Type: text/html\r\n\r\n<html><head><title>Welcome</title></head></html>")
}

func testScanner(active ...int) *Scanner {
	activePorts := map[int]bool{}
	for _, p := range active {
		activePorts[p] = true
	}
	return NewScanner(Config{
		ConnectTimeout: time.Second,
		BannerTimeout:  200 * time.Millisecond,
		BannerMaxLen:   64,
		ActivePorts:    activePorts,
		TLSPorts:       map[int]bool{},
	}, nil)
}

func TestProbePassiveBanner(t *testing.T) {
	port := serve(t, greeter("SSH-2.0-OpenSSH_8.9p1 Ubuntu-3\r\n"))

	obs := testScanner().Probe(context.Background(), loopback, []int{port})

	require.Len(t, obs, 1)
	assert.True(t, obs[0].Open)
	assert.Equal(t, "SSH-2.0-OpenSSH_8.9p1 Ubuntu-3", obs[0].Banner)
	assert.Equal(t, "openssh", obs[0].Service)
}

func TestProbeActiveBanner(t *testing.T) {
	port := serve(t, httpResponder)

	obs := testScanner(port).Probe(context.Background(), loopback, []int{port})

	require.Len(t, obs, 1)
	assert.True(t, obs[0].Open)
	assert.Contains(t, string(obs[0].Raw), "<title>Welcome</title>")
	assert.True(t, strings.HasPrefix(obs[0].Banner, "HTTP/1.0 200 OK"))
	assert.Equal(t, "nginx", obs[0].Service)
}

func TestProbeOpenWithoutBanner(t *testing.T) {
	port := serve(t, silent)

	start := time.Now()
	obs := testScanner().Probe(context.Background(), loopback, []int{port})

	require.Len(t, obs, 1)
	assert.True(t, obs[0].Open)
	assert.False(t, obs[0].HasBanner())
	assert.Less(t, time.Since(start), time.Second, "banner timeout must bound the read")
}

func TestProbeClosedPortIsNotAnError(t *testing.T) {
	open := serve(t, greeter("220 mail ESMTP Postfix\r\n"))
	closed := closedPort(t)

	obs := testScanner().Probe(context.Background(), loopback, []int{closed, open})

	require.Len(t, obs, 2)
	assert.Equal(t, closed, obs[0].Port)
	assert.False(t, obs[0].Open)
	assert.True(t, obs[1].Open)
	assert.Equal(t, "220 mail ESMTP Postfix", obs[1].Banner)

	assert.Len(t, OpenPorts(obs), 1)
}

func TestProbePortsConcurrently(t *testing.T) {
	ports := []int{serve(t, silent), serve(t, silent), serve(t, silent), serve(t, silent)}

	start := time.Now()
	obs := testScanner().Probe(context.Background(), loopback, ports)
	elapsed := time.Since(start)

	assert.Len(t, OpenPorts(obs), 4)
	// Serial probing would take at least 4 banner timeouts.
	assert.Less(t, elapsed, 600*time.Millisecond)
}

func TestProbeTLSCapturesCertificate(t *testing.T) {
	srv := httptest.NewTLSServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Server", "Apache/2.4.41")
		_, _ = w.Write([]byte("<title>secure</title>"))
	}))
	t.Cleanup(srv.Close)

	u, err := url.Parse(srv.URL)
	require.NoError(t, err)
	port, err := strconv.Atoi(u.Port())
	require.NoError(t, err)

	s := NewScanner(Config{
		ConnectTimeout: time.Second,
		BannerTimeout:  500 * time.Millisecond,
		ActivePorts:    map[int]bool{port: true},
		TLSPorts:       map[int]bool{port: true},
	}, nil)

	obs := s.Probe(context.Background(), loopback, []int{port})

	require.Len(t, obs, 1)
	assert.True(t, obs[0].TLS)
	require.NotEmpty(t, obs[0].CertDER)
	cert, err := x509.ParseCertificate(obs[0].CertDER)
	require.NoError(t, err)
	assert.Equal(t, srv.Certificate().SerialNumber, cert.SerialNumber)
	assert.Equal(t, "apache-httpd", obs[0].Service)
}

func TestCleanBanner(t *testing.T) {
	tests := []struct {
		name   string
		raw    []byte
		maxLen int
		want   string
	}{
		{name: "empty", raw: nil, maxLen: 10, want: ""},
		{name: "trims whitespace", raw: []byte("  hello \r\n"), maxLen: 10, want: "hello"},
		{name: "invalid utf8 replaced", raw: []byte("ok\xff\xfeok"), maxLen: 10, want: "ok�ok"},
		{name: "nul dropped", raw: []byte("a\x00b\x07c"), maxLen: 10, want: "abc"},
		{name: "truncated by runes", raw: []byte("héllo wörld"), maxLen: 5, want: "héllo"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, CleanBanner(tt.raw, tt.maxLen))
		})
	}
}

func TestClassify(t *testing.T) {
	tests := []struct {
		port   int
		banner string
		want   string
	}{
		{22, "", "ssh"},
		{22, "SSH-2.0-OpenSSH_7.4", "openssh"},
		{22, "SSH-2.0-dropbear", "ssh"},
		{80, "Server: Apache/2.4.41 (Ubuntu)", "apache-httpd"},
		{8080, "Server: NGINX", "nginx"},
		{8080, "", "http-proxy"},
		{3306, "5.7.33-MySQL Community Server", "mysql"},
		{6379, "-ERR unknown command", "redis"},
		{9300, "", "elasticsearch"},
		{12345, "", "unknown-12345"},
		{12345, "redis_version:6.0", "redis"},
		// apache precedes nginx in signature order
		{80, "nginx reverse proxy for apache", "apache-httpd"},
	}
	for _, tt := range tests {
		t.Run(fmt.Sprintf("%d/%s", tt.port, tt.banner), func(t *testing.T) {
			assert.Equal(t, tt.want, Classify(tt.port, tt.banner))
		})
	}
}
