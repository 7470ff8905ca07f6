package relay

import (
	"bytes"
	"io"
	"net"
	"testing"
	"time"
)

// tcpPair returns the two ends of one established TCP connection.
func tcpPair(t *testing.T) (net.Conn, net.Conn) {
	t.Helper()

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	defer ln.Close()

	type accepted struct {
		conn net.Conn
		err  error
	}
	ch := make(chan accepted, 1)
	go func() {
		conn, err := ln.Accept()
		ch <- accepted{conn, err}
	}()

	dialed, err := net.Dial("tcp", ln.Addr().String())
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	a := <-ch
	if a.err != nil {
		t.Fatalf("accept: %v", a.err)
	}

	t.Cleanup(func() {
		dialed.Close()
		a.conn.Close()
	})
	return dialed, a.conn
}

func TestPipeEchoBothDirections(t *testing.T) {
	client, proxyClient := tcpPair(t)
	proxyUpstream, upstream := tcpPair(t)

	done := make(chan Counters, 1)
	go func() {
		done <- Pipe(proxyClient, proxyUpstream)
	}()

	if _, err := client.Write([]byte("hello")); err != nil {
		t.Fatalf("client write: %v", err)
	}
	got := make([]byte, 5)
	if _, err := io.ReadFull(upstream, got); err != nil {
		t.Fatalf("upstream read: %v", err)
	}
	if !bytes.Equal(got, []byte("hello")) {
		t.Errorf("upstream read %q, want hello", got)
	}

	if _, err := upstream.Write([]byte("world!")); err != nil {
		t.Fatalf("upstream write: %v", err)
	}
	got = make([]byte, 6)
	if _, err := io.ReadFull(client, got); err != nil {
		t.Fatalf("client read: %v", err)
	}
	if !bytes.Equal(got, []byte("world!")) {
		t.Errorf("client read %q, want world!", got)
	}

	client.Close()
	upstream.Close()

	select {
	case n := <-done:
		if n.ClientToUpstream != 5 || n.UpstreamToClient != 6 {
			t.Errorf("counters = %+v, want 5/6", n)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("relay did not terminate")
	}
}

func TestPipeHalfClosePropagates(t *testing.T) {
	client, proxyClient := tcpPair(t)
	proxyUpstream, upstream := tcpPair(t)

	done := make(chan Counters, 1)
	go func() {
		done <- Pipe(proxyClient, proxyUpstream)
	}()

	// Client finishes sending; upstream must observe EOF but keep its
	// return path usable.
	if _, err := client.Write([]byte("request")); err != nil {
		t.Fatalf("client write: %v", err)
	}
	client.(*net.TCPConn).CloseWrite()

	req := make([]byte, 7)
	if _, err := io.ReadFull(upstream, req); err != nil {
		t.Fatalf("upstream read: %v", err)
	}
	if buf := make([]byte, 1); readEOF(upstream, buf) != io.EOF {
		t.Fatal("upstream did not see EOF after client half-close")
	}

	if _, err := upstream.Write([]byte("response")); err != nil {
		t.Fatalf("upstream write after half-close: %v", err)
	}
	upstream.Close()

	resp, err := io.ReadAll(client)
	if err != nil {
		t.Fatalf("client read: %v", err)
	}
	if !bytes.Equal(resp, []byte("response")) {
		t.Errorf("client read %q, want response", resp)
	}

	select {
	case n := <-done:
		if n.ClientToUpstream != 7 || n.UpstreamToClient != 8 {
			t.Errorf("counters = %+v, want 7/8", n)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("relay did not terminate")
	}
}

func readEOF(c net.Conn, buf []byte) error {
	c.SetReadDeadline(time.Now().Add(2 * time.Second))
	defer c.SetReadDeadline(time.Time{})
	_, err := c.Read(buf)
	return err
}
