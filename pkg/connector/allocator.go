package connector

import (
	"encoding/binary"
	"hash/fnv"
	"math/rand/v2"
	"net/netip"

	"vproxy/pkg/extension"
)

// Allocate picks the upstream source address for a connection carrying the
// given extension. ok is false when no CIDR is configured, meaning the OS
// should choose the source itself. identity keys the TTL state; it is the
// authenticated username or, without authentication, the client IP.
func (c *Connector) Allocate(ext extension.Extension, identity string) (netip.Addr, bool) {
	if !c.cfg.CIDR.IsValid() {
		return netip.Addr{}, false
	}

	switch ext.Kind {
	case extension.Session:
		return c.sessionAddr(ext.Value), true
	case extension.Range:
		return c.rangeAddr(ext.Value), true
	case extension.TTL:
		return c.ttl.next(identity, uint32(ext.Value), func() netip.Addr {
			return randomAddr(c.cfg.CIDR)
		}), true
	}
	return randomAddr(c.cfg.CIDR), true
}

// sessionAddr derives a stable address by filling the host bits with a
// 64-bit hash of the session id. With IPv6 prefixes shorter than /64 the
// host field exceeds the hash width and its high bits stay zero, so
// allocations cluster in the first /64 of each such block.
func (c *Connector) sessionAddr(id uint64) netip.Addr {
	h := hashID(id)
	p := c.cfg.CIDR

	if p.Addr().Is4() {
		base := be32(p.Masked().Addr())
		m := mask32(32 - p.Bits())
		return addr4(base | uint32(h)&m)
	}

	baseHi, baseLo := v6Parts(p.Masked().Addr())
	_, mLo := hostMask6(p.Bits())
	return v6From(baseHi, baseLo|h&mLo)
}

// rangeAddr selects the sub-block of width cfg.CIDRRange addressed by the
// low bits of id, then randomizes the remaining host bits inside it. Ids
// sharing those low bits land in the same sub-block on purpose. Without a
// usable sub-range the allocation degrades to random.
func (c *Connector) rangeAddr(id uint64) netip.Addr {
	p := c.cfg.CIDR
	r := int(c.cfg.CIDRRange)
	width := 32
	if !p.Addr().Is4() {
		width = 128
	}
	if c.cfg.CIDRRange == 0 || r < p.Bits() || r > width {
		return randomAddr(p)
	}
	delta := r - p.Bits()

	if p.Addr().Is4() {
		base := be32(p.Masked().Addr())
		sub := uint32(id&mask64(delta)) << (32 - r)
		host := rand.Uint32() & mask32(32-r)
		return addr4(base | sub | host)
	}

	baseHi, baseLo := v6Parts(p.Masked().Addr())
	idx := id
	if delta < 64 {
		idx = id & mask64(delta)
	}
	subHi, subLo := shift128(idx, 128-r)
	mHi, mLo := hostMask6(r)
	hi := baseHi | subHi | rand.Uint64()&mHi
	lo := baseLo | subLo | rand.Uint64()&mLo
	return v6From(hi, lo)
}

// randomAddr draws uniform random host bits within the CIDR.
func randomAddr(p netip.Prefix) netip.Addr {
	if p.Addr().Is4() {
		base := be32(p.Masked().Addr())
		return addr4(base | rand.Uint32()&mask32(32-p.Bits()))
	}
	baseHi, baseLo := v6Parts(p.Masked().Addr())
	mHi, mLo := hostMask6(p.Bits())
	return v6From(baseHi|rand.Uint64()&mHi, baseLo|rand.Uint64()&mLo)
}

// hashID reduces a session id to stable host bits. FNV-1a over the
// big-endian encoding; pure and identical across calls, which is what the
// deterministic allocation contract requires.
func hashID(id uint64) uint64 {
	var b [8]byte
	binary.BigEndian.PutUint64(b[:], id)
	h := fnv.New64a()
	h.Write(b[:])
	return h.Sum64()
}

// mask64 returns n low bits set, saturating at 64.
func mask64(n int) uint64 {
	if n >= 64 {
		return ^uint64(0)
	}
	if n <= 0 {
		return 0
	}
	return 1<<n - 1
}

func mask32(n int) uint32 {
	if n >= 32 {
		return ^uint32(0)
	}
	if n <= 0 {
		return 0
	}
	return 1<<n - 1
}

// hostMask6 returns the 128-bit host mask for a prefix length, split into
// high and low 64-bit halves.
func hostMask6(prefix int) (hi, lo uint64) {
	host := 128 - prefix
	switch {
	case host <= 0:
		return 0, 0
	case host <= 64:
		return 0, mask64(host)
	default:
		return mask64(host - 64), ^uint64(0)
	}
}

// shift128 places a 64-bit value at bit offset s of a 128-bit word.
func shift128(v uint64, s int) (hi, lo uint64) {
	switch {
	case s >= 128:
		return 0, 0
	case s >= 64:
		return v << (s - 64), 0
	case s > 0:
		return v >> (64 - s), v << s
	default:
		return 0, v
	}
}

func be32(a netip.Addr) uint32 {
	b := a.As4()
	return binary.BigEndian.Uint32(b[:])
}

func addr4(v uint32) netip.Addr {
	var b [4]byte
	binary.BigEndian.PutUint32(b[:], v)
	return netip.AddrFrom4(b)
}

func v6Parts(a netip.Addr) (hi, lo uint64) {
	b := a.As16()
	return binary.BigEndian.Uint64(b[:8]), binary.BigEndian.Uint64(b[8:])
}

func v6From(hi, lo uint64) netip.Addr {
	var b [16]byte
	binary.BigEndian.PutUint64(b[:8], hi)
	binary.BigEndian.PutUint64(b[8:], lo)
	return netip.AddrFrom16(b)
}
