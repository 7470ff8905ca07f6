// Package relay implements the full-duplex byte pipe between an accepted
// client connection and its upstream.
package relay

import (
	"io"
	"net"
	"sync"
)

// Size of the per-direction copy buffer.
const bufferSize = 64 * 1024

type closeWriter interface {
	CloseWrite() error
}

// Counters reports how many bytes each direction moved. After an aborted
// relay the values reflect whatever the copies observed before unwinding.
type Counters struct {
	ClientToUpstream int64
	UpstreamToClient int64
}

// Pipe copies bytes in both directions until each reaches EOF. EOF on one
// direction half-closes the peer's write side so the other direction can
// drain; a transport error tears down both endpoints. Pipe returns once
// both directions have stopped. Closing the connections is left to the
// caller.
func Pipe(client, upstream net.Conn) Counters {
	var n Counters
	var wg sync.WaitGroup

	wg.Add(1)
	go func() {
		defer wg.Done()
		n.ClientToUpstream = pump(upstream, client)
	}()
	n.UpstreamToClient = pump(client, upstream)

	wg.Wait()
	return n
}

// pump copies src into dst until EOF or error. On clean EOF the write side
// of dst is half-closed; on error both endpoints are closed so the
// opposite direction unwinds too.
func pump(dst, src net.Conn) int64 {
	buf := make([]byte, bufferSize)
	n, err := io.CopyBuffer(dst, src, buf)
	if err != nil {
		dst.Close()
		src.Close()
		return n
	}
	if cw, ok := dst.(closeWriter); ok {
		cw.CloseWrite()
	} else {
		// Endpoints that cannot half-close are closed outright.
		dst.Close()
	}
	return n
}
