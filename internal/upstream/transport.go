// Package upstream selects candidate providers for a request and drives
// the attempt loop: redirect, translate, forward, classify, retry.
package upstream

import (
	"context"
	"net"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/rs/dnscache"
)

// NewTransport returns a tuned *http.Transport with connection pooling and
// optional DNS caching. Set forceHTTP2 to true for remote HTTPS APIs, false
// for local HTTP/1.1 servers.
func NewTransport(resolver *dnscache.Resolver, forceHTTP2 bool) *http.Transport {
	t := &http.Transport{
		MaxIdleConnsPerHost: 100,
		MaxConnsPerHost:     200,
		IdleConnTimeout:     90 * time.Second,
		ForceAttemptHTTP2:   forceHTTP2,
		TLSHandshakeTimeout: 5 * time.Second,
	}
	if resolver != nil {
		t.DialContext = func(ctx context.Context, network, addr string) (net.Conn, error) {
			host, port, err := net.SplitHostPort(addr)
			if err != nil {
				return nil, err
			}
			ips, err := resolver.LookupHost(ctx, host)
			if err != nil {
				return nil, err
			}
			var d net.Dialer
			return d.DialContext(ctx, network, net.JoinHostPort(ips[0], port))
		}
	}
	return t
}

// clientPool hands out HTTP clients keyed by egress proxy URL. The direct
// client shares one pooled transport; per-proxy clients are created lazily
// and reused.
type clientPool struct {
	direct *http.Client

	mu      sync.Mutex
	proxied map[string]*http.Client
}

func newClientPool(resolver *dnscache.Resolver) *clientPool {
	return &clientPool{
		// No client-level timeout: streaming responses outlive any fixed
		// deadline. Cancellation rides on the request context.
		direct:  &http.Client{Transport: NewTransport(resolver, true)},
		proxied: make(map[string]*http.Client),
	}
}

// clientFor returns the client routed through proxyURL, or the direct
// client for an empty URL.
func (cp *clientPool) clientFor(proxyURL string) (*http.Client, error) {
	if proxyURL == "" {
		return cp.direct, nil
	}
	cp.mu.Lock()
	defer cp.mu.Unlock()
	if c, ok := cp.proxied[proxyURL]; ok {
		return c, nil
	}
	u, err := url.Parse(proxyURL)
	if err != nil {
		return nil, err
	}
	t := NewTransport(nil, true)
	t.Proxy = http.ProxyURL(u)
	c := &http.Client{Transport: t}
	cp.proxied[proxyURL] = c
	return c, nil
}
