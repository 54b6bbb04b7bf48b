package enrichment

import (
	"context"
	"fmt"
	"net/netip"
	"strings"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
	"github.com/miekg/dns"

	"github.com/CodeMonkeyCybersecurity/lighthouse/pkg/types"
)

const (
	rdnsCacheSize = 10000
	rdnsCacheTTL  = time.Hour
)

// ReverseDNSEnricher resolves PTR records for public targets. Answers,
// including empty ones, are cached so repeated observations of the same
// host do not re-query.
type ReverseDNSEnricher struct {
	server string
	client *dns.Client
	cache  *expirable.LRU[string, []string]
}

func NewReverseDNSEnricher(server string, timeout time.Duration) *ReverseDNSEnricher {
	if timeout <= 0 {
		timeout = 2 * time.Second
	}
	return &ReverseDNSEnricher{
		server: server,
		client: &dns.Client{Net: "udp", Timeout: timeout},
		cache:  expirable.NewLRU[string, []string](rdnsCacheSize, nil, rdnsCacheTTL),
	}
}

func (r *ReverseDNSEnricher) Name() string { return "rdns" }

func (r *ReverseDNSEnricher) Applies(ev *types.AssetEvent) bool {
	addr, err := ev.Target.Addr()
	return err == nil && !isPrivate(addr)
}

func (r *ReverseDNSEnricher) Enrich(ctx context.Context, ev *types.AssetEvent) (Fragment, error) {
	names, err := r.Lookup(ctx, ev.Target.IP)
	if err != nil {
		return Fragment{ReverseDNS: &types.ReverseDNSResult{Error: err.Error()}}, err
	}
	return Fragment{ReverseDNS: &types.ReverseDNSResult{Names: names}}, nil
}

// Lookup returns the PTR names for ip. NXDOMAIN is an empty answer, not an
// error.
func (r *ReverseDNSEnricher) Lookup(ctx context.Context, ip string) ([]string, error) {
	addr, err := netip.ParseAddr(ip)
	if err != nil {
		return nil, fmt.Errorf("invalid address %q: %w", ip, err)
	}
	key := addr.Unmap().String()
	if names, ok := r.cache.Get(key); ok {
		return names, nil
	}

	arpa, err := dns.ReverseAddr(key)
	if err != nil {
		return nil, err
	}
	msg := new(dns.Msg)
	msg.SetQuestion(arpa, dns.TypePTR)
	msg.RecursionDesired = true

	resp, _, err := r.client.ExchangeContext(ctx, msg, r.server)
	if err != nil {
		return nil, fmt.Errorf("PTR query for %s: %w", key, err)
	}

	var names []string
	switch resp.Rcode {
	case dns.RcodeSuccess:
		for _, rr := range resp.Answer {
			if ptr, ok := rr.(*dns.PTR); ok {
				names = append(names, strings.TrimSuffix(ptr.Ptr, "."))
			}
		}
	case dns.RcodeNameError:
	default:
		return nil, fmt.Errorf("PTR query for %s: %s", key, dns.RcodeToString[resp.Rcode])
	}

	r.cache.Add(key, names)
	return names, nil
}
