package socks5

import (
	"bytes"
	"encoding/binary"
	"io"
	"net"
	"testing"
	"time"

	"vproxy/pkg/connector"
	"vproxy/pkg/proxy"
)

// startEcho runs a TCP echo listener for upstream traffic.
func startEcho(t *testing.T) *net.TCPAddr {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	t.Cleanup(func() { ln.Close() })

	go func() {
		for {
			conn, err := ln.Accept()
			if err != nil {
				return
			}
			go func() {
				defer conn.Close()
				io.Copy(conn, conn)
			}()
		}
	}()
	return ln.Addr().(*net.TCPAddr)
}

// startProxy serves the SOCKS5 front-end on a loopback port.
func startProxy(t *testing.T, auth proxy.Auth) string {
	t.Helper()
	pctx := proxy.Context{
		Bind:           "127.0.0.1:0",
		ConnectTimeout: 2 * time.Second,
		Auth:           auth,
		Connector:      connector.New(connector.Config{ConnectTimeout: 2 * time.Second}),
		Tracker:        proxy.NewTracker(),
	}
	server := proxy.NewServer(pctx, NewHandler(pctx))
	if err := server.Listen(); err != nil {
		t.Fatalf("proxy listen: %v", err)
	}
	go server.Serve()
	t.Cleanup(server.Stop)
	return server.Addr().String()
}

func dialProxy(t *testing.T, addr string) net.Conn {
	t.Helper()
	conn, err := net.Dial("tcp", addr)
	if err != nil {
		t.Fatalf("dial proxy: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	conn.SetDeadline(time.Now().Add(5 * time.Second))
	return conn
}

func readFull(t *testing.T, conn net.Conn, n int) []byte {
	t.Helper()
	buf := make([]byte, n)
	if _, err := io.ReadFull(conn, buf); err != nil {
		t.Fatalf("read %d bytes: %v", n, err)
	}
	return buf
}

// connectRequest builds VER CMD RSV + IPv4 target.
func connectRequest(cmd byte, target *net.TCPAddr) []byte {
	req := []byte{Version5, cmd, 0x00, IPv4}
	req = append(req, target.IP.To4()...)
	return binary.BigEndian.AppendUint16(req, uint16(target.Port))
}

func TestConnectNoAuth(t *testing.T) {
	echo := startEcho(t)
	conn := dialProxy(t, startProxy(t, proxy.Auth{}))

	conn.Write([]byte{Version5, 1, NoAuth})
	if got := readFull(t, conn, 2); got[0] != Version5 || got[1] != NoAuth {
		t.Fatalf("method selection = %v, want [5 0]", got)
	}

	conn.Write(connectRequest(Connect, echo))
	reply := readFull(t, conn, 4)
	if reply[1] != Succeeded {
		t.Fatalf("reply code = %#x, want success", reply[1])
	}
	if reply[3] != IPv4 {
		t.Fatalf("bound address type = %#x, want IPv4", reply[3])
	}
	bound := readFull(t, conn, 6)
	if !bytes.Equal(bound[:4], []byte{127, 0, 0, 1}) {
		t.Errorf("BND.ADDR = %v, want 127.0.0.1", bound[:4])
	}

	conn.Write([]byte("ping"))
	if got := readFull(t, conn, 4); !bytes.Equal(got, []byte("ping")) {
		t.Errorf("echo = %q, want ping", got)
	}
}

func TestConnectUserPassAuth(t *testing.T) {
	echo := startEcho(t)
	conn := dialProxy(t, startProxy(t, proxy.Auth{Username: "test", Password: "test"}))

	conn.Write([]byte{Version5, 2, NoAuth, UsernamePassword})
	if got := readFull(t, conn, 2); got[1] != UsernamePassword {
		t.Fatalf("method selection = %v, want username/password", got)
	}

	user := "test-session-42"
	sub := []byte{UserPassVersion, byte(len(user))}
	sub = append(sub, user...)
	sub = append(sub, byte(len("test")))
	sub = append(sub, "test"...)
	conn.Write(sub)
	if got := readFull(t, conn, 2); got[0] != UserPassVersion || got[1] != StatusSucceeded {
		t.Fatalf("sub-negotiation reply = %v, want success", got)
	}

	conn.Write(connectRequest(Connect, echo))
	reply := readFull(t, conn, 10)
	if reply[1] != Succeeded {
		t.Fatalf("reply code = %#x, want success", reply[1])
	}

	conn.Write([]byte("hello"))
	if got := readFull(t, conn, 5); !bytes.Equal(got, []byte("hello")) {
		t.Errorf("echo = %q, want hello", got)
	}
}

func TestUserPassAuthWrongPassword(t *testing.T) {
	conn := dialProxy(t, startProxy(t, proxy.Auth{Username: "test", Password: "test"}))

	conn.Write([]byte{Version5, 1, UsernamePassword})
	readFull(t, conn, 2)

	sub := []byte{UserPassVersion, 4}
	sub = append(sub, "test"...)
	sub = append(sub, 5)
	sub = append(sub, "wrong"...)
	conn.Write(sub)
	if got := readFull(t, conn, 2); got[1] != StatusFailed {
		t.Fatalf("sub-negotiation reply = %v, want failure", got)
	}

	if _, err := conn.Read(make([]byte, 1)); err != io.EOF {
		t.Errorf("connection left open after auth failure, read err = %v", err)
	}
}

func TestNoAcceptableMethod(t *testing.T) {
	conn := dialProxy(t, startProxy(t, proxy.Auth{Username: "test", Password: "test"}))

	// Client only offers NoAuth but the server requires a credential.
	conn.Write([]byte{Version5, 1, NoAuth})
	if got := readFull(t, conn, 2); got[1] != NoAcceptableMethods {
		t.Fatalf("method selection = %v, want no acceptable methods", got)
	}
}

func TestBindCommandRejected(t *testing.T) {
	echo := startEcho(t)
	conn := dialProxy(t, startProxy(t, proxy.Auth{}))

	conn.Write([]byte{Version5, 1, NoAuth})
	readFull(t, conn, 2)

	conn.Write(connectRequest(Bind, echo))
	reply := readFull(t, conn, 10)
	if reply[1] != CommandNotSupported {
		t.Errorf("reply code = %#x, want command not supported", reply[1])
	}
}

func TestConnectDomainTarget(t *testing.T) {
	echo := startEcho(t)
	conn := dialProxy(t, startProxy(t, proxy.Auth{}))

	conn.Write([]byte{Version5, 1, NoAuth})
	readFull(t, conn, 2)

	req := []byte{Version5, Connect, 0x00, Domain, byte(len("localhost"))}
	req = append(req, "localhost"...)
	req = binary.BigEndian.AppendUint16(req, uint16(echo.Port))
	conn.Write(req)

	reply := readFull(t, conn, 4)
	if reply[1] != Succeeded {
		t.Fatalf("reply code = %#x, want success", reply[1])
	}
	switch reply[3] {
	case IPv4:
		readFull(t, conn, 6)
	case IPv6:
		readFull(t, conn, 18)
	default:
		t.Fatalf("bound address type = %#x", reply[3])
	}

	conn.Write([]byte("domain"))
	if got := readFull(t, conn, 6); !bytes.Equal(got, []byte("domain")) {
		t.Errorf("echo = %q, want domain", got)
	}
}

func TestReadAddressTruncated(t *testing.T) {
	if _, code := ReadAddress(bytes.NewReader([]byte{IPv4, 127, 0})); code == proxy.ErrNone {
		t.Error("expected error for truncated address")
	}
	if _, code := ReadAddress(bytes.NewReader([]byte{0x09})); code == proxy.ErrNone {
		t.Error("expected error for unknown address type")
	}
}
