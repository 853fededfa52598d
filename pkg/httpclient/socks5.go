package httpclient

import (
	"context"
	"fmt"
	"net"
	"net/http"

	"golang.org/x/net/proxy"
)

// newSOCKS5transport creates a transport that dials through the given SOCKS5 proxy.
// Used for upstreams that are only reachable via TOR or got blocked for direct access.
func newSOCKS5transport(socksProxyAddr string, opts PoolOptions) (*http.Transport, error) {
	dialer, err := proxy.SOCKS5("tcp", socksProxyAddr, nil, proxy.Direct)
	if err != nil {
		return nil, fmt.Errorf("Couldn't create SOCKS5 dialer: %v", err)
	}
	dialCtx := func(ctx context.Context, network, addr string) (net.Conn, error) {
		if ctxDialer, ok := dialer.(proxy.ContextDialer); ok {
			return ctxDialer.DialContext(ctx, network, addr)
		}
		return dialer.Dial(network, addr)
	}
	return &http.Transport{
		MaxConnsPerHost:     opts.MaxConnsPerHost,
		MaxIdleConnsPerHost: opts.MaxIdleConns,
		IdleConnTimeout:     opts.IdleConnTimeout,
		DialContext:         dialCtx,
	}, nil
}
