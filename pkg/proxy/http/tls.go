package http

import (
	"context"
	"crypto/tls"
	"net"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
)

// TLSHandler wraps the HTTP front-end in a server-side TLS handshake, so
// the same handler serves the https listener.
type TLSHandler struct {
	inner  *Handler
	config *tls.Config
}

// NewTLSHandler creates the https front-end around an HTTP handler.
func NewTLSHandler(inner *Handler, cert tls.Certificate) *TLSHandler {
	return &TLSHandler{
		inner:  inner,
		config: &tls.Config{Certificates: []tls.Certificate{cert}},
	}
}

// Handle performs the TLS handshake and hands the decrypted stream to the
// HTTP front-end.
func (h *TLSHandler) Handle(ctx context.Context, conn net.Conn, id uuid.UUID) {
	tlsConn := tls.Server(conn, h.config)
	if err := tlsConn.HandshakeContext(ctx); err != nil {
		log.Debug().
			Err(err).
			Str("conn_id", id.String()).
			Str("client", conn.RemoteAddr().String()).
			Msg("tls handshake failed")
		return
	}
	h.inner.Handle(ctx, tlsConn, id)
}
