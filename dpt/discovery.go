package dpt

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/netip"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"
)

const (
	DefaultScanTimeout = 500 * time.Millisecond
	// MaxScanHosts caps the number of addresses a single scan will probe.
	MaxScanHosts = 4096
)

type ScanConfig struct {
	Subnet netip.Prefix
	Port   uint16
	// Timeout bounds each probe independently.
	Timeout time.Duration
	// Concurrency limits in-flight probes. Zero probes every host at once.
	Concurrency int
	Dialer      ContextDialer
	Logger      *slog.Logger
}

func (c ScanConfig) withDefaults() ScanConfig {
	if c.Port == 0 {
		c.Port = DefaultPort
	}
	if c.Timeout <= 0 {
		c.Timeout = DefaultScanTimeout
	}
	if c.Dialer == nil {
		c.Dialer = &net.Dialer{}
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
	return c
}

// Hosts lists every address in prefix except the network address, so a /24
// yields .1 through .255.
func Hosts(prefix netip.Prefix) ([]netip.Addr, error) {
	if !prefix.IsValid() {
		return nil, errors.New("dpt: invalid subnet")
	}
	prefix = prefix.Masked()
	hostBits := prefix.Addr().BitLen() - prefix.Bits()
	if hostBits == 0 {
		return []netip.Addr{prefix.Addr()}, nil
	}
	if hostBits > 12 {
		return nil, fmt.Errorf("%w: %s has more than %d hosts", ErrSubnetTooLarge, prefix, MaxScanHosts)
	}

	addrs := make([]netip.Addr, 0, 1<<hostBits-1)
	for a := prefix.Addr().Next(); a.IsValid() && prefix.Contains(a); a = a.Next() {
		addrs = append(addrs, a)
	}
	return addrs, nil
}

// FindDevice probes every host of cfg.Subnet on the service port and returns
// the numerically highest address that accepted a connection. It returns
// ErrNotFound when none did. FindDevice never retries; every probe connection
// is closed before it returns.
func FindDevice(ctx context.Context, cfg ScanConfig) (DeviceEndpoint, error) {
	cfg = cfg.withDefaults()
	hosts, err := Hosts(cfg.Subnet)
	if err != nil {
		return DeviceEndpoint{}, err
	}
	limit := cfg.Concurrency
	if limit <= 0 || limit > len(hosts) {
		limit = len(hosts)
	}

	var (
		mu   sync.Mutex
		hits []netip.Addr
	)
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(limit)
	started := time.Now()
	for _, addr := range hosts {
		addr := addr
		g.Go(func() error {
			if probe(gctx, cfg, addr) {
				mu.Lock()
				hits = append(hits, addr)
				mu.Unlock()
			}
			return nil
		})
	}
	_ = g.Wait()

	if err := ctx.Err(); err != nil {
		return DeviceEndpoint{}, err
	}
	cfg.Logger.Debug("subnet scan finished",
		"subnet", cfg.Subnet, "hosts", len(hosts), "hits", len(hits), "elapsed", time.Since(started))
	if len(hits) == 0 {
		return DeviceEndpoint{}, fmt.Errorf("%w in %s", ErrNotFound, cfg.Subnet)
	}

	best := hits[0]
	for _, h := range hits[1:] {
		if h.Compare(best) > 0 {
			best = h
		}
	}
	if len(hits) > 1 {
		cfg.Logger.Warn("several hosts answered on the device port", "hits", len(hits), "selected", best)
	}
	return DeviceEndpoint{Addr: best, Port: cfg.Port}, nil
}

func probe(ctx context.Context, cfg ScanConfig, addr netip.Addr) bool {
	ctx, cancel := context.WithTimeout(ctx, cfg.Timeout)
	defer cancel()
	conn, err := cfg.Dialer.DialContext(ctx, "tcp", netip.AddrPortFrom(addr, cfg.Port).String())
	if err != nil {
		return false
	}
	conn.Close()
	cfg.Logger.Debug("probe hit", "addr", addr)
	return true
}
