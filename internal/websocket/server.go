package websocket

import (
	"bufio"
	"context"
	"errors"
	"io"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/time/rate"

	"github.com/nuetzliches/toolhub/internal/metrics"
)

const (
	DefaultMaxConnections   = 64
	defaultHandshakeTimeout = 10 * time.Second
	readBufferSize          = 8 << 10
)

// Handler answers one text message. A nil reply sends nothing back.
// *dispatch.Dispatcher satisfies it.
type Handler interface {
	HandleMessage(ctx context.Context, msg []byte) []byte
}

type HandlerFunc func(ctx context.Context, msg []byte) []byte

func (f HandlerFunc) HandleMessage(ctx context.Context, msg []byte) []byte { return f(ctx, msg) }

type Options struct {
	// Path, when set, must match the request path exactly.
	Path           string
	MaxConnections int
	MaxPayload     int64
	// RateLimit is the sustained messages per second per connection; zero
	// disables limiting.
	RateLimit        float64
	Burst            int
	HandshakeTimeout time.Duration
	// IdleTimeout closes connections that send nothing for this long.
	IdleTimeout time.Duration

	Logger  *slog.Logger
	Metrics *metrics.Registry
}

// Server runs one goroutine per connection up to MaxConnections.
type Server struct {
	handler Handler
	opts    Options
	logger  *slog.Logger

	mu     sync.Mutex
	active int
	conns  map[net.Conn]struct{}
	closed bool
	wg     sync.WaitGroup
}

func NewServer(h Handler, opts Options) *Server {
	if opts.MaxConnections <= 0 {
		opts.MaxConnections = DefaultMaxConnections
	}
	if opts.MaxPayload <= 0 {
		opts.MaxPayload = DefaultMaxPayload
	}
	if opts.HandshakeTimeout <= 0 {
		opts.HandshakeTimeout = defaultHandshakeTimeout
	}
	if opts.RateLimit > 0 && opts.Burst <= 0 {
		opts.Burst = int(opts.RateLimit)
		if opts.Burst < 1 {
			opts.Burst = 1
		}
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{
		handler: h,
		opts:    opts,
		logger:  logger,
		conns:   make(map[net.Conn]struct{}),
	}
}

// Serve accepts connections until ctx is done or the listener fails. It
// closes every open connection before returning.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	stop := context.AfterFunc(ctx, func() { _ = ln.Close() })
	defer stop()
	defer s.shutdown()

	s.logger.Info("ws_listening", slog.String("addr", ln.Addr().String()), slog.String("path", s.opts.Path))
	for {
		conn, err := ln.Accept()
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				return nil
			}
			var ne net.Error
			if errors.As(err, &ne) && ne.Timeout() {
				time.Sleep(50 * time.Millisecond)
				continue
			}
			return err
		}
		if !s.acquire(conn) {
			s.reject(conn)
			continue
		}
		go func() {
			defer s.release(conn)
			s.ServeConn(ctx, conn)
		}()
	}
}

// Active reports the number of admitted connections.
func (s *Server) Active() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.active
}

func (s *Server) acquire(conn net.Conn) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed || s.active >= s.opts.MaxConnections {
		return false
	}
	s.active++
	s.conns[conn] = struct{}{}
	s.wg.Add(1)
	return true
}

func (s *Server) release(conn net.Conn) {
	s.mu.Lock()
	s.active--
	delete(s.conns, conn)
	s.mu.Unlock()
	s.wg.Done()
}

func (s *Server) reject(conn net.Conn) {
	s.opts.Metrics.WSConnRejected()
	s.logger.Warn("ws_conn_rejected",
		slog.String("remote", conn.RemoteAddr().String()),
		slog.Int("max_connections", s.opts.MaxConnections),
	)
	_ = conn.SetWriteDeadline(time.Now().Add(time.Second))
	_ = WriteReject(conn, http.StatusServiceUnavailable, "too many connections")
	_ = conn.Close()
}

func (s *Server) shutdown() {
	s.mu.Lock()
	s.closed = true
	for conn := range s.conns {
		_ = conn.Close()
	}
	s.mu.Unlock()
	s.wg.Wait()
}

// ServeConn performs the handshake and runs the message loop on conn until
// the peer closes or violates the protocol. It closes conn.
func (s *Server) ServeConn(ctx context.Context, conn net.Conn) {
	defer conn.Close()
	log := s.logger.With(slog.String("conn_id", uuid.NewString()), slog.String("remote", conn.RemoteAddr().String()))

	_ = conn.SetDeadline(time.Now().Add(s.opts.HandshakeTimeout))
	br := bufio.NewReaderSize(conn, readBufferSize)
	hs, err := ReadHandshake(br, s.opts.Path)
	if err != nil {
		var he *HandshakeError
		if errors.As(err, &he) {
			_ = WriteReject(conn, he.Status, he.Reason)
		}
		log.Warn("ws_handshake_failed", slog.Any("err", err))
		return
	}
	if err := WriteAccept(conn, hs.Key()); err != nil {
		log.Warn("ws_handshake_failed", slog.Any("err", err))
		return
	}
	_ = conn.SetDeadline(time.Time{})

	s.opts.Metrics.WSConnOpened()
	defer s.opts.Metrics.WSConnClosed()
	log.Info("ws_conn_open", slog.String("path", hs.Path))

	var limiter *rate.Limiter
	if s.opts.RateLimit > 0 {
		limiter = rate.NewLimiter(rate.Limit(s.opts.RateLimit), s.opts.Burst)
	}

	for {
		if s.opts.IdleTimeout > 0 {
			_ = conn.SetReadDeadline(time.Now().Add(s.opts.IdleTimeout))
		}
		msg, err := ReadMessage(br, s.opts.MaxPayload)
		if err != nil {
			s.closeWith(conn, log, err)
			return
		}
		if limiter != nil {
			if err := limiter.Wait(ctx); err != nil {
				log.Debug("ws_conn_closed", slog.String("reason", "shutdown"))
				return
			}
		}
		reply := s.handler.HandleMessage(ctx, msg)
		if reply == nil {
			continue
		}
		if err := WriteFrame(conn, OpText, reply, nil); err != nil {
			log.Warn("ws_write_failed", slog.Any("err", err))
			return
		}
	}
}

func (s *Server) closeWith(conn net.Conn, log *slog.Logger, err error) {
	switch {
	case errors.Is(err, ErrClosed):
		_ = WriteClose(conn, CloseNormal)
		log.Info("ws_conn_closed", slog.String("reason", "peer closed"))
	case errors.Is(err, ErrProtocol):
		_ = WriteClose(conn, CloseProtocolError)
		log.Warn("ws_protocol_violation", slog.Any("err", err))
	case errors.Is(err, io.EOF), errors.Is(err, net.ErrClosed):
		log.Info("ws_conn_closed", slog.String("reason", "eof"))
	default:
		log.Warn("ws_conn_closed", slog.Any("err", err))
	}
}
