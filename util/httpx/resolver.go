package httpx

import (
	"context"
	"net"
	"time"

	"github.com/rs/dnscache"
)

var defaultResolver = &dnscache.Resolver{}

func init() {
	go func() {
		t := time.NewTicker(5 * time.Minute)
		defer t.Stop()
		for range t.C {
			defaultResolver.Refresh(true)
		}
	}()
}

// DNSCacheDialContext returns a dial function,
// which resolves the host through a shared DNS cache,
// and tries the resolved addresses in order.
func DNSCacheDialContext(dialer *net.Dialer) func(context.Context, string, string) (net.Conn, error) {
	return func(ctx context.Context, nw, addr string) (conn net.Conn, err error) {
		h, p, err := net.SplitHostPort(addr)
		if err != nil {
			return nil, err
		}
		ips, err := defaultResolver.LookupHost(ctx, h)
		if err != nil {
			return nil, err
		}
		for _, ip := range ips {
			conn, err = dialer.DialContext(ctx, nw, net.JoinHostPort(ip, p))
			if err == nil {
				break
			}
		}
		return conn, err
	}
}
