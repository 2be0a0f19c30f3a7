// Package kicadipc is a client for the KiCad IPC API.
//
// A Client owns one connection to the running application. Any number of
// goroutines may issue calls on it concurrently; responses are matched to
// callers by correlation id and may resolve in any order.
//
// Command payloads are opaque protobuf messages from the application's
// published schema. The client only requires that the message's full name be
// the command the peer expects.
//
// A Timeout or Disconnected error on a mutating call leaves the mutation's
// effect unknown. Re-query state before retrying; the client never retries.
package kicadipc

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/danmuck/kicadipc/internal/commit"
	"github.com/danmuck/kicadipc/internal/config"
	"github.com/danmuck/kicadipc/internal/dispatch"
	"github.com/danmuck/kicadipc/internal/observability"
	"github.com/danmuck/kicadipc/internal/protocol/envelope"
	"github.com/danmuck/kicadipc/internal/protocol/frame"
	"github.com/danmuck/kicadipc/internal/protocol/kiapi"
	"github.com/danmuck/kicadipc/internal/transport"
	"github.com/danmuck/kicadipc/pkg/ipcerr"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"
	"google.golang.org/protobuf/proto"
	"google.golang.org/protobuf/types/known/anypb"
)

// Config holds connection settings. Zero fields are resolved on Connect:
// SocketURI from KICAD_API_SOCKET or the platform default, Token from
// KICAD_API_TOKEN, ClientName as kicad-ipc-<pid>-<millis>, Timeout as 3s.
type Config struct {
	SocketURI  string
	Token      string
	ClientName string
	// Timeout bounds connecting and is the default per-call deadline.
	Timeout time.Duration
	// TLS applies to wss:// endpoints only.
	TLS TLSConfig
}

type TLSConfig = transport.TLSConfig

// Resolved returns cfg with every zero field filled in.
func (cfg Config) Resolved() Config {
	cfg.SocketURI = config.ResolveSocket(cfg.SocketURI)
	cfg.Token = config.ResolveToken(cfg.Token)
	if cfg.ClientName == "" {
		cfg.ClientName = config.DefaultClientName()
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = config.DefaultTimeout
	}
	return cfg
}

// LoadConfig reads a TOML config file. Keys absent from the file fall back to
// the environment and the defaults.
func LoadConfig(path string) (Config, error) {
	fc, err := config.Load(path)
	if err != nil {
		return Config{}, err
	}
	return fromFileConfig(fc), nil
}

// ConfigFromEnv loads the file named by KICAD_IPC_CONFIG, if set.
func ConfigFromEnv() (Config, error) {
	fc, err := config.FromEnv()
	if err != nil {
		return Config{}, err
	}
	return fromFileConfig(fc), nil
}

func fromFileConfig(fc config.Config) Config {
	return Config{
		SocketURI:  fc.Socket,
		Token:      fc.Token,
		ClientName: fc.ClientName,
		Timeout:    fc.Timeout,
		TLS: TLSConfig{
			CAFile:             fc.TLSCAFile,
			CertFile:           fc.TLSCertFile,
			KeyFile:            fc.TLSKeyFile,
			InsecureSkipVerify: fc.TLSInsecure,
		},
	}
}

type (
	CommitHandle = commit.Handle
	CommitAction = commit.Action
	CommitState  = commit.State
)

const (
	Commit = commit.ActionCommit
	Abort  = commit.ActionAbort

	CommitOpen      = commit.StateOpen
	CommitCommitted = commit.StateCommitted
	CommitAborted   = commit.StateAborted
	CommitDropped   = commit.StateDropped
)

// ParseCommitAction accepts "commit", "abort" and "drop".
func ParseCommitAction(s string) (CommitAction, error) {
	return commit.ParseAction(s)
}

type callOptions struct {
	timeout time.Duration
}

type CallOption func(*callOptions)

// WithTimeout overrides the session default deadline for one call.
func WithTimeout(d time.Duration) CallOption {
	return func(o *callOptions) {
		o.timeout = d
	}
}

// CallTimeout returns the per-call deadline opts select, or zero for the
// session default.
func CallTimeout(opts ...CallOption) time.Duration {
	var o callOptions
	for _, opt := range opts {
		opt(&o)
	}
	return o.timeout
}

type Client struct {
	cfg        Config
	session    *transport.Session
	dispatcher *dispatch.Dispatcher
	commits    *commit.Manager
	log        zerolog.Logger
}

// Connect dials the peer. It fails with a ConnectError when the endpoint is
// absent or unreachable within cfg.Timeout; it never retries.
func Connect(ctx context.Context, cfg Config) (*Client, error) {
	cfg = cfg.Resolved()
	session, err := transport.Dial(ctx, cfg.SocketURI, transport.Config{
		ConnectTimeout: cfg.Timeout,
		WriteTimeout:   cfg.Timeout,
		Limits:         frame.DefaultLimits(),
		TLS:            cfg.TLS,
	})
	if err != nil {
		return nil, err
	}

	d := dispatch.New(session, envelope.Identity{ClientName: cfg.ClientName, Token: cfg.Token}, cfg.Timeout)
	c := &Client{
		cfg:        cfg,
		session:    session,
		dispatcher: d,
		commits:    commit.NewManager(d),
		log:        observability.Logger("client"),
	}
	session.Run(receiver{c})

	c.log.Info().
		Str("endpoint", session.Endpoint().URI).
		Str("client_name", cfg.ClientName).
		Msg("connected")
	return c, nil
}

// receiver feeds the transport's output to the dispatcher and tears down
// commit state when the connection goes away.
type receiver struct {
	c *Client
}

func (r receiver) HandleFrame(f frame.Frame) {
	if err := r.c.dispatcher.HandleFrame(f); err != nil {
		// A response that frames but does not decode leaves the stream suspect.
		r.c.session.Abort(err)
	}
}

func (r receiver) HandleClose(cause error) {
	r.c.dispatcher.HandleClose(cause)
	r.c.commits.DropAll()
	if !errors.Is(cause, transport.ErrClosedLocally) {
		r.c.log.Warn().Err(cause).Str("endpoint", r.c.session.Endpoint().URI).Msg("connection lost")
	}
}

func (c *Client) Config() Config {
	return c.cfg
}

// Token is the token attached to requests, including one adopted from the
// peer when none was configured.
func (c *Client) Token() string {
	return c.dispatcher.Identity().Token
}

// CallAny sends an already-packed command and returns the response payload,
// nil when the peer sent none.
func (c *Client) CallAny(ctx context.Context, cmd *anypb.Any, opts ...CallOption) (*anypb.Any, error) {
	resp, err := c.dispatcher.Call(ctx, cmd, CallTimeout(opts...))
	if err != nil {
		return nil, err
	}
	return resp.Payload, nil
}

// Call sends cmd and returns the raw response payload.
func (c *Client) Call(ctx context.Context, cmd proto.Message, opts ...CallOption) (*anypb.Any, error) {
	packed, err := envelope.Pack(cmd)
	if err != nil {
		return nil, err
	}
	return c.CallAny(ctx, packed, opts...)
}

// CallInto sends cmd and decodes the response payload into out.
func (c *Client) CallInto(ctx context.Context, cmd, out proto.Message, opts ...CallOption) error {
	payload, err := c.Call(ctx, cmd, opts...)
	if err != nil {
		return err
	}
	return Unpack(payload, out)
}

// Ping checks that the peer is answering.
func (c *Client) Ping(ctx context.Context, opts ...CallOption) error {
	_, err := c.Call(ctx, kiapi.Ping(), opts...)
	return err
}

// BeginCommit opens a commit bracket. Mutations sent while it is open are
// grouped by the peer into one undoable change.
func (c *Client) BeginCommit(ctx context.Context, opts ...CallOption) (*CommitHandle, error) {
	return c.commits.Begin(ctx, CallTimeout(opts...))
}

// EndCommit closes h. A terminal h fails with InvalidState without contacting
// the peer; a failed call leaves h Open.
func (c *Client) EndCommit(ctx context.Context, h *CommitHandle, action CommitAction, message string, opts ...CallOption) error {
	return c.commits.End(ctx, h, action, message, CallTimeout(opts...))
}

// Pending reports how many calls await a response.
func (c *Client) Pending() int {
	return c.dispatcher.Pending()
}

// Close tears the session down. Pending calls fail Disconnected and open
// commit handles become Dropped. Close is idempotent.
func (c *Client) Close() error {
	c.commits.DropAll()
	return c.session.Close()
}

// Done is closed once the connection is gone.
func (c *Client) Done() <-chan struct{} {
	return c.session.Done()
}

// Err reports why the connection closed, nil while it is open.
func (c *Client) Err() error {
	return c.session.Err()
}

// Unpack decodes a response payload into dst after checking its type.
func Unpack(payload *anypb.Any, dst proto.Message) error {
	return envelope.Unpack(payload, dst)
}

// IsEffectUnknown reports whether err leaves a mutation's outcome unknown.
func IsEffectUnknown(err error) bool {
	return ipcerr.IsEffectUnknown(err)
}

// MetricsCollectors returns the client's prometheus collectors for hosts that
// register them on their own registry.
func MetricsCollectors() []prometheus.Collector {
	return observability.Collectors()
}

// MetricsHandler serves the default prometheus registry with the client's
// metrics registered on it.
func MetricsHandler() http.Handler {
	return observability.Handler()
}
