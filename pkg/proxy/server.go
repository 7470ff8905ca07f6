package proxy

import (
	"context"
	"errors"
	"net"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/semaphore"

	"vproxy/pkg/connector"
)

// DefaultConcurrent is the connection cap applied when none is configured.
const DefaultConcurrent = 1024

// Handler runs one front-end protocol over an accepted client connection.
// The connection is closed by the server when Handle returns.
type Handler interface {
	Handle(ctx context.Context, conn net.Conn, id uuid.UUID)
}

// Server owns the listening socket and enforces the concurrency cap with a
// weighted semaphore. A permit is acquired before accepting, so once the
// cap is reached further clients wait in the OS accept backlog instead of
// being reset.
type Server struct {
	ctx      context.Context
	cancel   context.CancelFunc
	listener net.Listener
	sem      *semaphore.Weighted
	handler  Handler
	bind     string
}

// NewServer creates a server for the given front-end handler.
func NewServer(pctx Context, handler Handler) *Server {
	concurrent := pctx.Concurrent
	if concurrent <= 0 {
		concurrent = DefaultConcurrent
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Server{
		ctx:     ctx,
		cancel:  cancel,
		sem:     semaphore.NewWeighted(concurrent),
		handler: handler,
		bind:    pctx.Bind,
	}
}

// Listen binds the listening socket.
func (s *Server) Listen() error {
	lc := net.ListenConfig{Control: connector.ListenControl}
	ln, err := lc.Listen(s.ctx, "tcp", s.bind)
	if err != nil {
		return err
	}
	s.listener = ln
	return nil
}

// Addr returns the bound listener address. Only valid after Listen.
func (s *Server) Addr() net.Addr {
	return s.listener.Addr()
}

// Serve accepts clients until Stop is called. Each accepted connection
// runs in its own goroutine and holds one semaphore permit for its whole
// lifetime.
func (s *Server) Serve() error {
	for {
		if err := s.sem.Acquire(s.ctx, 1); err != nil {
			return nil
		}

		conn, err := s.listener.Accept()
		if err != nil {
			s.sem.Release(1)
			if s.ctx.Err() != nil {
				return nil
			}
			var netErr net.Error
			if errors.As(err, &netErr) && netErr.Timeout() {
				continue
			}
			return err
		}

		id := uuid.New()
		log.Debug().
			Str("conn_id", id.String()).
			Str("client", conn.RemoteAddr().String()).
			Msg("client accepted")

		go func() {
			defer s.sem.Release(1)
			defer conn.Close()
			s.handler.Handle(s.ctx, conn, id)
		}()
	}
}

// Stop cancels the accept loop and closes the listener. In-flight
// connections drain on their own.
func (s *Server) Stop() {
	s.cancel()
	if s.listener != nil {
		s.listener.Close()
	}
}
