package transport

import (
	"context"
	"errors"
	"io"
	"net"
	"sync"
	"time"

	"github.com/danmuck/kicadipc/internal/observability"
	"github.com/danmuck/kicadipc/internal/protocol/frame"
	"github.com/danmuck/kicadipc/pkg/ipcerr"
	"github.com/rs/zerolog"
)

var (
	ErrClosedLocally = errors.New("transport: session closed locally")
	ErrPeerClosed    = errors.New("transport: peer closed connection")
)

// Receiver consumes the receive loop's output. HandleFrame is called from the
// loop goroutine and must not block. HandleClose is called exactly once.
type Receiver interface {
	HandleFrame(frame.Frame)
	HandleClose(cause error)
}

// Config defines transport timeouts and frame limits.
type Config struct {
	ConnectTimeout time.Duration
	WriteTimeout   time.Duration
	Limits         frame.Limits
	TLS            TLSConfig
}

func DefaultConfig() Config {
	return Config{
		ConnectTimeout: 3 * time.Second,
		WriteTimeout:   3 * time.Second,
		Limits:         frame.DefaultLimits(),
	}
}

func (c Config) WithDefaults() Config {
	d := DefaultConfig()
	if c.ConnectTimeout <= 0 {
		c.ConnectTimeout = d.ConnectTimeout
	}
	if c.WriteTimeout <= 0 {
		c.WriteTimeout = d.WriteTimeout
	}
	if c.Limits == (frame.Limits{}) {
		c.Limits = d.Limits
	}
	return c
}

// Session owns one physical connection: one reader goroutine, writes
// serialized by writeMu.
type Session struct {
	endpoint Endpoint
	cfg      Config
	conn     carrier
	log      zerolog.Logger

	writeMu sync.Mutex

	runOnce   sync.Once
	closeOnce sync.Once
	done      chan struct{}
	mu        sync.Mutex
	cause     error
	recv      Receiver
}

// Dial connects to uri. Every failure is a ConnectError; nothing is retried.
func Dial(ctx context.Context, uri string, cfg Config) (*Session, error) {
	cfg = cfg.WithDefaults()
	ep, err := ParseEndpoint(uri)
	if err != nil {
		return nil, ipcerr.Wrap(ipcerr.KindConnect, "transport.dial", err)
	}
	if !cfg.TLS.IsZero() && ep.Scheme != SchemeWSS {
		return nil, ipcerr.Wrap(ipcerr.KindConnect, "transport.dial "+ep.URI, ErrTLSNotApplicable)
	}
	if ep.SocketMissing() {
		return nil, ipcerr.New(ipcerr.KindConnect, "transport.dial",
			"IPC socket not available at `"+ep.URI+"`; start the application and open a document first")
	}

	dialCtx, cancel := context.WithTimeout(ctx, cfg.ConnectTimeout)
	defer cancel()
	conn, err := dialCarrier(dialCtx, ep, cfg)
	if err != nil {
		return nil, ipcerr.Wrap(ipcerr.KindConnect, "transport.dial "+ep.URI, err)
	}

	s := &Session{
		endpoint: ep,
		cfg:      cfg,
		conn:     conn,
		log:      observability.Logger("transport"),
		done:     make(chan struct{}),
	}
	s.log.Debug().Str("endpoint", ep.URI).Msg("connected")
	return s, nil
}

func (s *Session) Endpoint() Endpoint {
	return s.endpoint
}

// Run starts the receive loop. Only the first call has an effect.
func (s *Session) Run(recv Receiver) {
	s.runOnce.Do(func() {
		s.mu.Lock()
		s.recv = recv
		s.mu.Unlock()
		go s.readLoop(recv)
	})
}

func (s *Session) readLoop(recv Receiver) {
	for {
		f, err := s.conn.ReadFrame()
		if err != nil {
			s.shutdown(s.classifyReadError(err))
			return
		}
		observability.RecordFrame("rx")
		recv.HandleFrame(f)
	}
}

func (s *Session) classifyReadError(err error) error {
	select {
	case <-s.done:
		return ErrClosedLocally
	default:
	}
	switch {
	case errors.Is(err, io.EOF), errors.Is(err, io.ErrUnexpectedEOF), errors.Is(err, net.ErrClosed):
		// A hangup inside a frame is still a hangup.
		return ErrPeerClosed
	case isFramingError(err):
		return ipcerr.Wrap(ipcerr.KindMalformedEnvelope, "transport.receive", err)
	default:
		return err
	}
}

func isFramingError(err error) bool {
	for _, target := range []error{
		frame.ErrShortHeader,
		frame.ErrShortBody,
		frame.ErrBadMagic,
		frame.ErrUnsupportedVersion,
		frame.ErrHeaderLenTooSmall,
		frame.ErrHeaderLenMismatch,
		frame.ErrTrailingBytes,
		frame.ErrPayloadTooLarge,
		frame.ErrAuthTooLarge,
	} {
		if errors.Is(err, target) {
			return true
		}
	}
	return false
}

// Send writes one encoded frame. A failed write leaves the stream in an
// unknown state, so it tears the session down.
func (s *Session) Send(ctx context.Context, b []byte) error {
	if err := ctx.Err(); err != nil {
		return contextError("transport.send", err)
	}
	select {
	case <-s.done:
		return ipcerr.Wrap(ipcerr.KindDisconnected, "transport.send", s.Err())
	default:
	}

	deadline := time.Now().Add(s.cfg.WriteTimeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}

	s.writeMu.Lock()
	err := s.conn.WriteFrame(b, deadline)
	s.writeMu.Unlock()
	if err != nil {
		s.shutdown(err)
		return ipcerr.Wrap(ipcerr.KindDisconnected, "transport.send", err)
	}
	observability.RecordFrame("tx")
	return nil
}

// Abort tears the session down with cause, as a failed read would.
func (s *Session) Abort(cause error) {
	s.shutdown(cause)
}

// Close is idempotent.
func (s *Session) Close() error {
	s.shutdown(ErrClosedLocally)
	return nil
}

func (s *Session) Done() <-chan struct{} {
	return s.done
}

// Err returns the close cause once the session is done.
func (s *Session) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cause
}

func (s *Session) shutdown(cause error) {
	s.closeOnce.Do(func() {
		s.mu.Lock()
		s.cause = cause
		recv := s.recv
		s.mu.Unlock()
		_ = s.conn.Close()

		s.log.Debug().
			Str("endpoint", s.endpoint.URI).
			AnErr("cause", cause).
			Msg("session closed")
		if recv != nil {
			recv.HandleClose(cause)
		}
		// Done fires only after the receiver has settled its state.
		close(s.done)
	})
}

func contextError(op string, err error) error {
	if errors.Is(err, context.DeadlineExceeded) {
		return ipcerr.Wrap(ipcerr.KindTimeout, op, err)
	}
	return err
}
