package recordstore

import (
	"context"
	"net"
	"time"

	"github.com/rs/dnscache"
	"github.com/rs/zerolog/log"
)

// cachingDialer resolves hosts through a refreshed DNS cache before dialing.
type cachingDialer struct {
	resolver *dnscache.Resolver
	dialer   *net.Dialer
}

func newCachingDialer() *cachingDialer {
	return &cachingDialer{
		resolver: &dnscache.Resolver{},
		dialer: &net.Dialer{
			Timeout:   10 * time.Second,
			KeepAlive: 30 * time.Second,
		},
	}
}

// refresh re-resolves cached names every ttl until ctx is done.
func (d *cachingDialer) refresh(ctx context.Context, ttl time.Duration) {
	if ttl <= 0 {
		ttl = 5 * time.Minute
	}
	ticker := time.NewTicker(ttl)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			d.resolver.Refresh(true)
			log.Debug().Dur("ttl", ttl).Msg("Record store DNS cache refreshed")
		}
	}
}

func (d *cachingDialer) DialContext(ctx context.Context, network, address string) (net.Conn, error) {
	host, port, err := net.SplitHostPort(address)
	if err != nil {
		return nil, err
	}

	ips, err := d.resolver.LookupHost(ctx, host)
	if err != nil {
		return nil, err
	}
	if len(ips) == 0 {
		return nil, &net.DNSError{Err: "no IP addresses found", Name: host}
	}

	var lastErr error
	for _, ip := range ips {
		conn, err := d.dialer.DialContext(ctx, network, net.JoinHostPort(ip, port))
		if err == nil {
			return conn, nil
		}
		lastErr = err
	}
	return nil, lastErr
}
