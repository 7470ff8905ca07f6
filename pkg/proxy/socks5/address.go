package socks5

import (
	"encoding/binary"
	"io"
	"net"
	"net/netip"
	"strconv"

	"vproxy/pkg/proxy"
)

// ReadAddress consumes ATYP, DST.ADDR and DST.PORT from the stream and
// returns the target in host:port form. Domain names are returned
// unresolved; the dialer looks them up. The wire format follows RFC 1928
// section 4:
//
//	+------+----------+----------+
//	| ATYP | DST.ADDR | DST.PORT |
//	+------+----------+----------+
//	|  1   | Variable |    2     |
func ReadAddress(r io.Reader) (string, byte) {
	var atyp [1]byte
	if _, err := io.ReadFull(r, atyp[:]); err != nil {
		return "", proxy.ErrProtocol
	}

	var host string
	switch atyp[0] {
	case IPv4:
		var buf [4]byte
		if _, err := io.ReadFull(r, buf[:]); err != nil {
			return "", proxy.ErrProtocol
		}
		host = netip.AddrFrom4(buf).String()

	case IPv6:
		var buf [16]byte
		if _, err := io.ReadFull(r, buf[:]); err != nil {
			return "", proxy.ErrProtocol
		}
		host = netip.AddrFrom16(buf).String()

	case Domain:
		var length [1]byte
		if _, err := io.ReadFull(r, length[:]); err != nil {
			return "", proxy.ErrProtocol
		}
		name := make([]byte, length[0])
		if _, err := io.ReadFull(r, name); err != nil {
			return "", proxy.ErrProtocol
		}
		host = string(name)

	default:
		return "", proxy.ErrProtocol
	}

	var port [2]byte
	if _, err := io.ReadFull(r, port[:]); err != nil {
		return "", proxy.ErrProtocol
	}

	return net.JoinHostPort(host, strconv.Itoa(int(binary.BigEndian.Uint16(port[:])))), proxy.ErrNone
}

// AppendAddress encodes a bound address as ATYP + BND.ADDR + BND.PORT.
// An invalid address encodes as the IPv4 wildcard, which is what failure
// replies carry.
func AppendAddress(b []byte, bound netip.AddrPort) []byte {
	addr := bound.Addr().Unmap()
	switch {
	case addr.Is4():
		a := addr.As4()
		b = append(b, IPv4)
		b = append(b, a[:]...)
	case addr.Is6():
		a := addr.As16()
		b = append(b, IPv6)
		b = append(b, a[:]...)
	default:
		b = append(b, IPv4, 0, 0, 0, 0)
	}
	return binary.BigEndian.AppendUint16(b, bound.Port())
}
