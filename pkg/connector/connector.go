// Package connector allocates upstream source addresses from a configured
// CIDR block and dials targets with the outbound socket bound to them.
// Affinity extensions steer the allocation: Session pins a deterministic
// address, Range pins a sub-block, TTL keeps an address for a budget of
// uses before rotating it.
package connector

import (
	"context"
	"fmt"
	"net"
	"net/netip"
	"slices"
	"strconv"
	"time"

	"github.com/rs/zerolog/log"

	"vproxy/pkg/extension"
)

// Config holds the immutable source-selection settings.
type Config struct {
	// CIDR is the block source addresses are drawn from. The zero value
	// means no binding: the OS picks the source itself.
	CIDR netip.Prefix

	// CIDRRange is the prefix length of Range sub-blocks. Zero means no
	// sub-range was configured and Range extensions degrade to random
	// allocation.
	CIDRRange uint8

	// Fallback is a one-shot retry source used when dialing from the
	// allocated address fails. The zero value disables the retry.
	Fallback netip.Addr

	// ConnectTimeout bounds each upstream connect attempt.
	ConnectTimeout time.Duration
}

// Connector dials upstream targets on behalf of proxy sessions.
type Connector struct {
	cfg Config
	ttl *ttlStore
}

// New creates a connector. A non-positive timeout defaults to 10 seconds.
func New(cfg Config) *Connector {
	if cfg.ConnectTimeout <= 0 {
		cfg.ConnectTimeout = 10 * time.Second
	}
	return &Connector{cfg: cfg, ttl: newTTLStore()}
}

// Config returns the connector settings.
func (c *Connector) Config() Config {
	return c.cfg
}

// DialContext resolves host:port with the system resolver and connects to
// each candidate address in turn, binding the allocated source address.
// The last error wins when every candidate fails.
func (c *Connector) DialContext(ctx context.Context, hostport string, ext extension.Extension, identity string) (net.Conn, error) {
	host, portStr, err := net.SplitHostPort(hostport)
	if err != nil {
		return nil, err
	}
	port, err := strconv.ParseUint(portStr, 10, 16)
	if err != nil {
		return nil, fmt.Errorf("invalid port %q: %w", portStr, err)
	}

	addrs, err := c.resolve(ctx, host)
	if err != nil {
		return nil, err
	}

	var lastErr error
	for _, ip := range addrs {
		conn, err := c.DialAddr(ctx, netip.AddrPortFrom(ip, uint16(port)), ext, identity)
		if err == nil {
			return conn, nil
		}
		lastErr = err
	}
	if lastErr == nil {
		lastErr = fmt.Errorf("no usable address for %s", host)
	}
	return nil, lastErr
}

// DialAddr connects to target from an allocated source address, retrying
// once from the configured fallback when the bound attempt fails. The
// fallback attempt itself is never retried.
func (c *Connector) DialAddr(ctx context.Context, target netip.AddrPort, ext extension.Extension, identity string) (net.Conn, error) {
	sources := c.bindSources(target.Addr(), ext, identity)
	if len(sources) == 0 {
		return c.dialFrom(ctx, target, netip.Addr{})
	}

	var lastErr error
	for _, src := range sources {
		conn, err := c.dialFrom(ctx, target, src)
		if err == nil {
			log.Debug().
				Str("target", target.String()).
				Str("via", conn.LocalAddr().String()).
				Msg("upstream connected")
			return conn, nil
		}
		log.Debug().Err(err).Str("source", src.String()).Msg("upstream dial failed")
		lastErr = err
	}
	return nil, lastErr
}

// bindSources returns the source addresses to try, in order: the allocated
// address, then the fallback. Without a CIDR, a fallback of the target's
// family is the only source. Empty means dial unbound: either neither a CIDR
// nor a usable fallback is configured, or the CIDR's address family cannot
// reach the target.
func (c *Connector) bindSources(target netip.Addr, ext extension.Extension, identity string) []netip.Addr {
	var sources []netip.Addr
	if src, ok := c.Allocate(ext, identity); ok && sameFamily(src, target) {
		sources = append(sources, src)
	}
	if len(sources) == 0 && c.cfg.CIDR.IsValid() {
		// CIDR set but unusable for this target family: no bind at all.
		return nil
	}
	if c.cfg.Fallback.IsValid() && sameFamily(c.cfg.Fallback, target) {
		sources = append(sources, c.cfg.Fallback)
	}
	return sources
}

func (c *Connector) dialFrom(ctx context.Context, target netip.AddrPort, src netip.Addr) (net.Conn, error) {
	network := "tcp4"
	if !target.Addr().Unmap().Is4() {
		network = "tcp6"
	}

	d := net.Dialer{
		Timeout: c.cfg.ConnectTimeout,
		Control: controlFreebind,
	}
	if src.IsValid() {
		d.LocalAddr = &net.TCPAddr{IP: src.AsSlice()}
	}
	return d.DialContext(ctx, network, target.String())
}

// resolve looks the host up with the system resolver. Candidates matching
// the configured CIDR family sort first so the allocated source address
// stays usable whenever the target supports it.
func (c *Connector) resolve(ctx context.Context, host string) ([]netip.Addr, error) {
	if ip, err := netip.ParseAddr(host); err == nil {
		return []netip.Addr{ip.Unmap()}, nil
	}

	ips, err := net.DefaultResolver.LookupNetIP(ctx, "ip", host)
	if err != nil {
		return nil, err
	}
	for i := range ips {
		ips[i] = ips[i].Unmap()
	}

	if c.cfg.CIDR.IsValid() {
		want4 := c.cfg.CIDR.Addr().Is4()
		slices.SortStableFunc(ips, func(a, b netip.Addr) int {
			return familyRank(a, want4) - familyRank(b, want4)
		})
	}
	return ips, nil
}

func familyRank(a netip.Addr, want4 bool) int {
	if a.Is4() == want4 {
		return 0
	}
	return 1
}

func sameFamily(a, b netip.Addr) bool {
	return a.Unmap().Is4() == b.Unmap().Is4()
}
