package socks5

import (
	"context"
	"io"
	"net"
	"net/netip"
	"slices"
	"strings"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"vproxy/pkg/connector"
	"vproxy/pkg/extension"
	"vproxy/pkg/proxy"
	"vproxy/pkg/relay"
)

// Handler speaks the SOCKS5 server side of an accepted connection.
type Handler struct {
	auth      proxy.Auth
	connector *connector.Connector
	tracker   *proxy.Tracker
}

// NewHandler creates a SOCKS5 front-end from the shared proxy context.
func NewHandler(pctx proxy.Context) *Handler {
	return &Handler{
		auth:      pctx.Auth,
		connector: pctx.Connector,
		tracker:   pctx.Tracker,
	}
}

// Handle negotiates the SOCKS5 session and relays the tunnel. The three
// phases are method negotiation, optional username/password
// sub-negotiation, and the CONNECT command.
func (h *Handler) Handle(ctx context.Context, conn net.Conn, id uuid.UUID) {
	h.tracker.Open(id, conn.RemoteAddr().String())
	var counters relay.Counters
	defer func() {
		h.tracker.Close(id, counters.ClientToUpstream, counters.UpstreamToClient)
	}()

	ext, identity, code := h.negotiate(conn)
	if code != proxy.ErrNone {
		log.Warn().
			Str("conn_id", id.String()).
			Str("error", proxy.ErrToString[code]).
			Msg("socks5 negotiation failed")
		return
	}

	target, code := h.readRequest(conn)
	if code != proxy.ErrNone {
		log.Warn().
			Str("conn_id", id.String()).
			Str("error", proxy.ErrToString[code]).
			Msg("socks5 request rejected")
		return
	}

	upstream, err := h.connector.DialContext(ctx, target, ext, identity)
	if err != nil {
		code = proxy.Classify(err)
		reply(conn, replyCode(code), netip.AddrPort{})
		log.Warn().
			Err(err).
			Str("conn_id", id.String()).
			Str("target", target).
			Str("error", proxy.ErrToString[code]).
			Msg("upstream dial failed")
		return
	}
	defer upstream.Close()

	bound := upstream.LocalAddr().(*net.TCPAddr).AddrPort()
	h.tracker.Connected(id, target, bound.String())
	if err := reply(conn, Succeeded, bound); err != nil {
		return
	}

	log.Info().
		Str("conn_id", id.String()).
		Str("target", target).
		Str("via", bound.String()).
		Msg("socks5 tunnel established")

	counters = relay.Pipe(conn, upstream)

	log.Debug().
		Str("conn_id", id.String()).
		Int64("sent", counters.ClientToUpstream).
		Int64("received", counters.UpstreamToClient).
		Msg("socks5 tunnel closed")
}

// negotiate performs method selection and, when a credential is
// configured, the RFC 1929 sub-negotiation. It returns the affinity
// extension and the TTL identity: the client username when authenticated,
// the client IP otherwise.
func (h *Handler) negotiate(conn net.Conn) (extension.Extension, string, byte) {
	var hdr [2]byte
	if _, err := io.ReadFull(conn, hdr[:]); err != nil {
		return extension.Extension{}, "", proxy.ErrProtocol
	}
	if hdr[0] != Version5 {
		return extension.Extension{}, "", proxy.ErrProtocol
	}
	methods := make([]byte, hdr[1])
	if _, err := io.ReadFull(conn, methods); err != nil {
		return extension.Extension{}, "", proxy.ErrProtocol
	}

	if h.auth.Enabled() {
		if !slices.Contains(methods, UsernamePassword) {
			conn.Write([]byte{Version5, NoAcceptableMethods})
			return extension.Extension{}, "", proxy.ErrAuthRequired
		}
		if _, err := conn.Write([]byte{Version5, UsernamePassword}); err != nil {
			return extension.Extension{}, "", proxy.ErrProtocol
		}
		return h.userPassAuth(conn)
	}

	if !slices.Contains(methods, NoAuth) {
		conn.Write([]byte{Version5, NoAcceptableMethods})
		return extension.Extension{}, "", proxy.ErrAuthRequired
	}
	if _, err := conn.Write([]byte{Version5, NoAuth}); err != nil {
		return extension.Extension{}, "", proxy.ErrProtocol
	}
	return extension.Extension{}, clientIP(conn), proxy.ErrNone
}

// userPassAuth runs the RFC 1929 exchange. The configured username is a
// prefix of the submitted one so that credentials can carry an affinity
// suffix; the password must match exactly.
func (h *Handler) userPassAuth(conn net.Conn) (extension.Extension, string, byte) {
	var hdr [2]byte
	if _, err := io.ReadFull(conn, hdr[:]); err != nil {
		return extension.Extension{}, "", proxy.ErrProtocol
	}
	if hdr[0] != UserPassVersion {
		return extension.Extension{}, "", proxy.ErrProtocol
	}

	username := make([]byte, hdr[1])
	if _, err := io.ReadFull(conn, username); err != nil {
		return extension.Extension{}, "", proxy.ErrProtocol
	}
	var plen [1]byte
	if _, err := io.ReadFull(conn, plen[:]); err != nil {
		return extension.Extension{}, "", proxy.ErrProtocol
	}
	password := make([]byte, plen[0])
	if _, err := io.ReadFull(conn, password); err != nil {
		return extension.Extension{}, "", proxy.ErrProtocol
	}

	user := string(username)
	if !strings.HasPrefix(user, h.auth.Username) || string(password) != h.auth.Password {
		conn.Write([]byte{UserPassVersion, StatusFailed})
		return extension.Extension{}, "", proxy.ErrAuthRequired
	}
	if _, err := conn.Write([]byte{UserPassVersion, StatusSucceeded}); err != nil {
		return extension.Extension{}, "", proxy.ErrProtocol
	}
	return extension.ParseUsername(user), user, proxy.ErrNone
}

// readRequest consumes the command request and returns the target in
// host:port form. Only CONNECT is supported.
func (h *Handler) readRequest(conn net.Conn) (string, byte) {
	var hdr [3]byte // VER CMD RSV
	if _, err := io.ReadFull(conn, hdr[:]); err != nil {
		return "", proxy.ErrProtocol
	}
	if hdr[0] != Version5 {
		reply(conn, GeneralFailure, netip.AddrPort{})
		return "", proxy.ErrProtocol
	}
	if hdr[1] != Connect {
		reply(conn, CommandNotSupported, netip.AddrPort{})
		return "", proxy.ErrUnsupportedCommand
	}

	target, code := ReadAddress(conn)
	if code != proxy.ErrNone {
		reply(conn, GeneralFailure, netip.AddrPort{})
		return "", code
	}
	return target, proxy.ErrNone
}

// reply writes VER REP RSV ATYP BND.ADDR BND.PORT. On success the bound
// address is the local endpoint of the upstream socket, i.e. the allocated
// source address.
func reply(conn net.Conn, rep byte, bound netip.AddrPort) error {
	resp := append(make([]byte, 0, 22), Version5, rep, 0x00)
	resp = AppendAddress(resp, bound)
	_, err := conn.Write(resp)
	return err
}

// replyCode maps proxy error codes to SOCKS5 reply codes.
func replyCode(code byte) byte {
	switch code {
	case proxy.ErrNone:
		return Succeeded
	case proxy.ErrDNSFailure:
		return HostUnreachable
	case proxy.ErrConnectTimeout:
		return TTLExpired
	case proxy.ErrConnectRefused, proxy.ErrBindFailure:
		return ConnectionRefused
	case proxy.ErrUnsupportedCommand:
		return CommandNotSupported
	}
	return GeneralFailure
}

func clientIP(conn net.Conn) string {
	host, _, err := net.SplitHostPort(conn.RemoteAddr().String())
	if err != nil {
		return conn.RemoteAddr().String()
	}
	return host
}
