package scanner

import (
	"context"
	"encoding/json"
	"errors"
	"net"
	"net/netip"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/CodeMonkeyCybersecurity/lighthouse/internal/archive"
	"github.com/CodeMonkeyCybersecurity/lighthouse/internal/dedup"
	"github.com/CodeMonkeyCybersecurity/lighthouse/internal/index"
	"github.com/CodeMonkeyCybersecurity/lighthouse/internal/objectstore"
	"github.com/CodeMonkeyCybersecurity/lighthouse/internal/pipeline"
	"github.com/CodeMonkeyCybersecurity/lighthouse/internal/sink"
	"github.com/CodeMonkeyCybersecurity/lighthouse/pkg/discovery/portscan"
	"github.com/CodeMonkeyCybersecurity/lighthouse/pkg/enrichment"
	"github.com/CodeMonkeyCybersecurity/lighthouse/pkg/events"
	"github.com/CodeMonkeyCybersecurity/lighthouse/pkg/trust"
	"github.com/CodeMonkeyCybersecurity/lighthouse/pkg/types"
)

var loopback = netip.MustParseAddr("127.0.0.1")

func greeter(t *testing.T, msg string) int {
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
			_, _ = conn.Write([]byte(msg))
			conn.Close()
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

func testScanner() *portscan.Scanner {
	return portscan.NewScanner(portscan.Config{
		ConnectTimeout: time.Second,
		BannerTimeout:  300 * time.Millisecond,
		ActivePorts:    map[int]bool{},
		TLSPorts:       map[int]bool{},
	}, nil)
}

type recordingPublisher struct {
	mu     sync.Mutex
	events []*types.AssetEvent
	err    error
}

func (r *recordingPublisher) Publish(_ context.Context, ev *types.AssetEvent) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.err != nil {
		return r.err
	}
	r.events = append(r.events, ev)
	return nil
}

func (r *recordingPublisher) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.events)
}

func TestNewDriverValidation(t *testing.T) {
	_, err := NewDriver(Config{Ports: []int{22}}, Deps{})
	assert.Error(t, err)

	_, err = NewDriver(Config{}, Deps{
		Targets:   NewStaticTargets(),
		Scanner:   testScanner(),
		Builder:   events.NewBuilder("scanner-1", "test"),
		Publisher: &recordingPublisher{},
	})
	assert.Error(t, err, "no ports")
}

func TestStaticTargets(t *testing.T) {
	a := netip.MustParseAddr("203.0.113.1")
	b := netip.MustParseAddr("203.0.113.2")
	src := NewStaticTargets(a, b)

	got, ok := src.Next()
	require.True(t, ok)
	assert.Equal(t, a, got)
	got, ok = src.Next()
	require.True(t, ok)
	assert.Equal(t, b, got)
	_, ok = src.Next()
	assert.False(t, ok)
}

func TestScanAddressPublishesOpenPorts(t *testing.T) {
	open := greeter(t, "SSH-2.0-dropbear_2019.78\r\n")
	closed := closedPort(t)
	pub := &recordingPublisher{}

	d, err := NewDriver(Config{Ports: []int{open, closed}}, Deps{
		Targets:   NewStaticTargets(),
		Scanner:   testScanner(),
		Builder:   events.NewBuilder("scanner-1", "test"),
		Publisher: pub,
	})
	require.NoError(t, err)

	require.NoError(t, d.ScanAddress(context.Background(), loopback))
	require.Equal(t, 1, pub.count())

	ev := pub.events[0]
	assert.Equal(t, open, ev.Target.Port)
	assert.Equal(t, "scanner-1", ev.SourceID)
	banner, ok := ev.Probes.String(types.FieldSSHBanner)
	require.True(t, ok)
	assert.Equal(t, "SSH-2.0-dropbear_2019.78", banner)

	st := d.Stats()
	assert.Equal(t, int64(1), st.Scanned)
	assert.Equal(t, int64(1), st.Open)
	assert.Equal(t, int64(1), st.Services)
	assert.Equal(t, int64(1), st.Published)
}

func TestScanAddressCountsPublishFailures(t *testing.T) {
	open := greeter(t, "220 ftp ready\r\n")
	pub := &recordingPublisher{err: errors.New("store down")}

	d, err := NewDriver(Config{Ports: []int{open}}, Deps{
		Targets:   NewStaticTargets(),
		Scanner:   testScanner(),
		Builder:   events.NewBuilder("scanner-1", "test"),
		Publisher: pub,
	})
	require.NoError(t, err)

	err = d.ScanAddress(context.Background(), loopback)
	assert.ErrorContains(t, err, "store down")
	assert.Equal(t, int64(1), d.Stats().Failed)
}

func TestRunStopsWhenTargetsExhausted(t *testing.T) {
	open := greeter(t, "SSH-2.0-OpenSSH_9.6\r\n")
	pub := &recordingPublisher{}

	d, err := NewDriver(Config{Ports: []int{open}, Rate: 1000, MaxInFlight: 2}, Deps{
		Targets:   NewStaticTargets(loopback, loopback, loopback),
		Scanner:   testScanner(),
		Builder:   events.NewBuilder("scanner-1", "test"),
		Publisher: pub,
	})
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	require.NoError(t, d.Run(ctx))

	assert.Equal(t, 3, pub.count())
	assert.Equal(t, int64(3), d.Stats().Scanned)
}

func TestRunHonoursMaxTargets(t *testing.T) {
	closed := closedPort(t)
	pub := &recordingPublisher{}

	many := make([]netip.Addr, 50)
	for i := range many {
		many[i] = loopback
	}
	d, err := NewDriver(Config{Ports: []int{closed}, Rate: 1000, MaxTargets: 5}, Deps{
		Targets:   NewStaticTargets(many...),
		Scanner:   testScanner(),
		Builder:   events.NewBuilder("scanner-1", "test"),
		Publisher: pub,
	})
	require.NoError(t, err)

	require.NoError(t, d.Run(context.Background()))
	assert.Equal(t, int64(5), d.Stats().Scanned)
	assert.Zero(t, pub.count())
}

// blockingPublisher holds every publish until released and tracks how many
// are waiting at once.
type blockingPublisher struct {
	release chan struct{}
	active  atomic.Int64
	peak    atomic.Int64
	done    atomic.Int64
}

func (b *blockingPublisher) Publish(ctx context.Context, _ *types.AssetEvent) error {
	n := b.active.Add(1)
	for {
		old := b.peak.Load()
		if n <= old || b.peak.CompareAndSwap(old, n) {
			break
		}
	}
	defer b.active.Add(-1)
	select {
	case <-b.release:
	case <-ctx.Done():
		return ctx.Err()
	}
	b.done.Add(1)
	return nil
}

func TestRunBoundsInFlightUnderBackpressure(t *testing.T) {
	open := greeter(t, "SSH-2.0-OpenSSH_9.6\r\n")
	pub := &blockingPublisher{release: make(chan struct{})}

	many := make([]netip.Addr, 10)
	for i := range many {
		many[i] = loopback
	}
	d, err := NewDriver(Config{Ports: []int{open}, Rate: 1000, MaxInFlight: 2}, Deps{
		Targets:   NewStaticTargets(many...),
		Scanner:   testScanner(),
		Builder:   events.NewBuilder("scanner-1", "test"),
		Publisher: pub,
	})
	require.NoError(t, err)

	done := make(chan error, 1)
	go func() { done <- d.Run(context.Background()) }()

	require.Eventually(t, func() bool { return pub.active.Load() == 2 }, 5*time.Second, 5*time.Millisecond)
	// Dispatch is stalled: nothing beyond the pool size was started.
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, int64(2), d.Stats().Scanned)

	close(pub.release)
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(10 * time.Second):
		t.Fatal("scan did not finish")
	}
	assert.LessOrEqual(t, pub.peak.Load(), int64(2))
	assert.Equal(t, int64(10), pub.done.Load())
}

func TestStorePublisherWritesSignedPayload(t *testing.T) {
	store, err := objectstore.NewFSStore(t.TempDir())
	require.NoError(t, err)
	signer, err := trust.GenerateSigner("scanner-1")
	require.NoError(t, err)
	reg, err := trust.NewRegistry(map[string]string{"scanner-1": signer.PublicKeyBase64()})
	require.NoError(t, err)

	ev := events.NewBuilder("scanner-1", "test").Build(loopback, portscan.Observation{
		Port: 22, Open: true, Banner: "SSH-2.0-OpenSSH_9.6",
	})
	require.NoError(t, NewStorePublisher(store, signer).Publish(context.Background(), ev))

	ctx := context.Background()
	key := objectstore.EventKey(ev.ID)
	raw, err := store.Get(ctx, key)
	require.NoError(t, err)
	sig, err := store.Get(ctx, objectstore.SignatureKey(key))
	require.NoError(t, err)

	assert.NoError(t, trust.NewGateway(reg).Verify(raw, sig, "scanner-1"))

	var decoded map[string]interface{}
	require.NoError(t, json.Unmarshal(raw, &decoded))
	assert.Equal(t, ev.ID, decoded["id"])
}

func TestDirectPublisherMarksAssurance(t *testing.T) {
	reg, err := trust.NewRegistry(nil)
	require.NoError(t, err)
	decoder, err := events.NewDecoder()
	require.NoError(t, err)
	arc := archive.NewMemoryStore()
	d, err := dedup.New(arc, 16)
	require.NoError(t, err)
	idx := index.NewMemory()

	p, err := pipeline.New(pipeline.Deps{
		Gateway:  trust.NewGateway(reg),
		Decoder:  decoder,
		Dedup:    d,
		Enricher: enrichment.NewEngine(nil, []enrichment.Enricher{enrichment.NewTLSCertEnricher()}),
		Sink:     sink.New(idx, arc, "", nil),
	})
	require.NoError(t, err)

	ev := events.NewBuilder("scanner-1", "test").Build(loopback, portscan.Observation{Port: 23, Open: true})
	pub := NewDirectPublisher(p)
	require.NoError(t, pub.Publish(context.Background(), ev))
	require.NoError(t, pub.Publish(context.Background(), ev), "a duplicate is not a failure")

	assert.Equal(t, 1, arc.Len())
	data, err := arc.Read(context.Background(), ev.ID)
	require.NoError(t, err)

	var stored types.AssetEvent
	require.NoError(t, json.Unmarshal(data, &stored))
	assert.Equal(t, types.AssuranceDirect, stored.Assurance)
	assert.Equal(t, 15, stored.RiskScore)
}
