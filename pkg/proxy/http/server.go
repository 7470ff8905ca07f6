// Package http implements the HTTP/1.1 proxy front-end: CONNECT tunneling
// and absolute-form request forwarding, with basic proxy authentication.
package http

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"net"
	"net/http"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"vproxy/pkg/connector"
	"vproxy/pkg/extension"
	"vproxy/pkg/proxy"
	"vproxy/pkg/relay"
)

// Handler speaks the HTTP proxy protocol over an accepted connection.
type Handler struct {
	authenticator Authenticator
	connector     *connector.Connector
	tracker       *proxy.Tracker
}

// NewHandler creates an HTTP front-end from the shared proxy context.
func NewHandler(pctx proxy.Context) *Handler {
	return &Handler{
		authenticator: Authenticator{auth: pctx.Auth},
		connector:     pctx.Connector,
		tracker:       pctx.Tracker,
	}
}

// Handle reads one request and either tunnels (CONNECT) or forwards an
// absolute-form request. The connection is not reused across origins.
func (h *Handler) Handle(ctx context.Context, conn net.Conn, id uuid.UUID) {
	h.tracker.Open(id, conn.RemoteAddr().String())
	var counters relay.Counters
	defer func() {
		h.tracker.Close(id, counters.ClientToUpstream, counters.UpstreamToClient)
	}()

	br := bufio.NewReader(conn)
	req, err := http.ReadRequest(br)
	if err != nil {
		if err != io.EOF {
			writeStatus(conn, http.StatusBadRequest, "")
		}
		return
	}

	ext, identity, code := h.authenticator.Authenticate(req, conn.RemoteAddr().String())
	if code != proxy.ErrNone {
		writeStatus(conn, http.StatusProxyAuthRequired, "Proxy-Authenticate: Basic realm=\"vproxy\"\r\n")
		log.Warn().
			Str("conn_id", id.String()).
			Str("client", conn.RemoteAddr().String()).
			Msg("proxy authentication failed")
		return
	}

	if req.Method == http.MethodConnect {
		counters = h.tunnel(ctx, conn, br, req, ext, identity, id)
		return
	}
	counters = h.forward(ctx, conn, br, req, ext, identity, id)
}

// tunnel dials the CONNECT authority, confirms with 200 and relays raw
// bytes until either side finishes.
func (h *Handler) tunnel(ctx context.Context, conn net.Conn, br *bufio.Reader, req *http.Request, ext extension.Extension, identity string, id uuid.UUID) relay.Counters {
	target := req.Host
	if _, _, err := net.SplitHostPort(target); err != nil {
		writeStatus(conn, http.StatusBadRequest, "")
		return relay.Counters{}
	}

	upstream, err := h.connector.DialContext(ctx, target, ext, identity)
	if err != nil {
		code := proxy.Classify(err)
		writeStatus(conn, statusFor(code), "")
		log.Warn().
			Err(err).
			Str("conn_id", id.String()).
			Str("target", target).
			Str("error", proxy.ErrToString[code]).
			Msg("upstream dial failed")
		return relay.Counters{}
	}
	defer upstream.Close()

	bound := upstream.LocalAddr().String()
	h.tracker.Connected(id, target, bound)

	if _, err := io.WriteString(conn, "HTTP/1.1 200 Connection Established\r\n\r\n"); err != nil {
		return relay.Counters{}
	}
	if err := drainBuffered(br, upstream); err != nil {
		return relay.Counters{}
	}

	log.Info().
		Str("conn_id", id.String()).
		Str("target", target).
		Str("via", bound).
		Msg("tunnel established")

	return relay.Pipe(conn, upstream)
}

// forward handles an absolute-form request: dial the origin, rewrite the
// request line to origin-form and relay the exchange. Connection reuse is
// disabled so the relay unwinds when the origin finishes.
func (h *Handler) forward(ctx context.Context, conn net.Conn, br *bufio.Reader, req *http.Request, ext extension.Extension, identity string, id uuid.UUID) relay.Counters {
	if !req.URL.IsAbs() {
		writeStatus(conn, http.StatusBadRequest, "")
		return relay.Counters{}
	}

	target := req.URL.Host
	if _, _, err := net.SplitHostPort(target); err != nil {
		port := "80"
		if req.URL.Scheme == "https" {
			port = "443"
		}
		target = net.JoinHostPort(target, port)
	}

	upstream, err := h.connector.DialContext(ctx, target, ext, identity)
	if err != nil {
		code := proxy.Classify(err)
		writeStatus(conn, statusFor(code), "")
		log.Warn().
			Err(err).
			Str("conn_id", id.String()).
			Str("target", target).
			Str("error", proxy.ErrToString[code]).
			Msg("upstream dial failed")
		return relay.Counters{}
	}
	defer upstream.Close()

	h.tracker.Connected(id, target, upstream.LocalAddr().String())

	req.Header.Del("Proxy-Authorization")
	req.Header.Del("Proxy-Connection")
	req.Header.Set("Connection", "close")

	// Request.Write emits the origin-form request line; the body is
	// streamed from the client as it arrives.
	if err := req.Write(upstream); err != nil {
		writeStatus(conn, http.StatusBadGateway, "")
		return relay.Counters{}
	}
	if err := drainBuffered(br, upstream); err != nil {
		return relay.Counters{}
	}

	log.Info().
		Str("conn_id", id.String()).
		Str("method", req.Method).
		Str("target", target).
		Str("via", upstream.LocalAddr().String()).
		Msg("request forwarded")

	return relay.Pipe(conn, upstream)
}

// drainBuffered flushes bytes the request reader consumed beyond the
// parsed request, so pipelined client data is not lost.
func drainBuffered(br *bufio.Reader, dst io.Writer) error {
	n := br.Buffered()
	if n == 0 {
		return nil
	}
	pending, err := br.Peek(n)
	if err != nil {
		return err
	}
	if _, err := dst.Write(pending); err != nil {
		return err
	}
	_, err = br.Discard(n)
	return err
}

// writeStatus emits a minimal response with no body.
func writeStatus(conn net.Conn, status int, extraHeaders string) {
	fmt.Fprintf(conn, "HTTP/1.1 %d %s\r\n%sContent-Length: 0\r\n\r\n",
		status, http.StatusText(status), extraHeaders)
}

// statusFor maps proxy error codes to response statuses.
func statusFor(code byte) int {
	switch code {
	case proxy.ErrConnectTimeout:
		return http.StatusGatewayTimeout
	case proxy.ErrDNSFailure, proxy.ErrConnectRefused, proxy.ErrBindFailure:
		return http.StatusBadGateway
	case proxy.ErrAuthRequired:
		return http.StatusProxyAuthRequired
	case proxy.ErrProtocol:
		return http.StatusBadRequest
	}
	return http.StatusInternalServerError
}
