// Package dispatch multiplexes concurrent requests over one transport session.
//
// Ownership boundary:
// - correlation id allocation (monotonic, unique per session)
// - pending request table, each slot resolved exactly once
// - per-request deadlines and disconnect fan-out
//
// The session's receive loop feeds it every inbound frame through HandleFrame
// and reports teardown through HandleClose.
package dispatch

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/danmuck/kicadipc/internal/observability"
	"github.com/danmuck/kicadipc/internal/protocol/envelope"
	"github.com/danmuck/kicadipc/internal/protocol/frame"
	"github.com/danmuck/kicadipc/pkg/ipcerr"
	"github.com/rs/zerolog"
	"google.golang.org/protobuf/types/known/anypb"
)

const DefaultTimeout = 3 * time.Second

// Sender writes one encoded request frame.
type Sender interface {
	Send(ctx context.Context, b []byte) error
}

type result struct {
	resp envelope.Response
	err  error
}

type call struct {
	command string
	started time.Time
	done    chan result
}

type Dispatcher struct {
	conn           Sender
	defaultTimeout time.Duration
	log            zerolog.Logger

	nextID atomic.Uint64

	mu       sync.Mutex
	identity envelope.Identity
	pending  map[uint64]*call
	closed   bool
	cause    error
}

// New builds a dispatcher that stamps every request with identity. When
// identity carries no token, the first token echoed by the peer is adopted
// for later requests.
func New(conn Sender, identity envelope.Identity, timeout time.Duration) *Dispatcher {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	return &Dispatcher{
		conn:           conn,
		defaultTimeout: timeout,
		log:            observability.Logger("dispatch"),
		identity:       identity,
		pending:        make(map[uint64]*call),
	}
}

func (d *Dispatcher) Identity() envelope.Identity {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.identity
}

// Pending reports how many requests await a response.
func (d *Dispatcher) Pending() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.pending)
}

// Call sends cmd and waits for its response or for timeout, whichever comes
// first. A timeout of zero uses the dispatcher default.
//
// A non-OK status is returned as an error alongside the decoded response.
// Timeout and Disconnected errors leave the effect of the request unknown.
func (d *Dispatcher) Call(ctx context.Context, cmd *anypb.Any, timeout time.Duration) (envelope.Response, error) {
	if timeout <= 0 {
		timeout = d.defaultTimeout
	}
	command := ""
	if cmd != nil {
		command = string(cmd.MessageName())
	}

	id, c, identity, err := d.register(command)
	if err != nil {
		observability.RecordCall(command, ipcerr.KindOf(err).String(), 0)
		return envelope.Response{}, err
	}

	b, err := envelope.EncodeRequest(envelope.Request{
		CorrelationID: id,
		Identity:      identity,
		Command:       cmd,
	})
	if err != nil {
		d.remove(id)
		return d.finish(c, result{err: err})
	}

	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	if err := d.conn.Send(ctx, b); err != nil {
		if d.remove(id) != nil {
			return d.finish(c, result{err: err})
		}
		// The receive loop resolved the slot first, usually with the
		// disconnect that also failed this write.
		return d.finish(c, <-c.done)
	}

	d.log.Debug().Uint64("id", id).Str("command", command).Msg("request sent")

	select {
	case res := <-c.done:
		return d.finish(c, res)
	case <-ctx.Done():
		if d.remove(id) == nil {
			return d.finish(c, <-c.done)
		}
		err := ctx.Err()
		if errors.Is(err, context.DeadlineExceeded) {
			err = ipcerr.Wrap(ipcerr.KindTimeout, "dispatch.call "+command, err)
		}
		return d.finish(c, result{err: err})
	}
}

func (d *Dispatcher) register(command string) (uint64, *call, envelope.Identity, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return 0, nil, envelope.Identity{}, ipcerr.Wrap(ipcerr.KindDisconnected, "dispatch.call "+command, d.cause)
	}
	id := d.nextID.Add(1)
	c := &call{command: command, started: time.Now(), done: make(chan result, 1)}
	d.pending[id] = c
	observability.PendingAdd(1)
	return id, c, d.identity, nil
}

// remove takes id out of the pending table. It returns nil when the slot was
// already resolved by someone else.
func (d *Dispatcher) remove(id uint64) *call {
	d.mu.Lock()
	defer d.mu.Unlock()
	c, ok := d.pending[id]
	if !ok {
		return nil
	}
	delete(d.pending, id)
	observability.PendingAdd(-1)
	return c
}

func (d *Dispatcher) finish(c *call, res result) (envelope.Response, error) {
	err := res.err
	if err == nil {
		err = envelope.StatusError("dispatch.call "+c.command, res.resp)
	}
	outcome := "ok"
	if err != nil {
		outcome = ipcerr.KindOf(err).String()
		if errors.Is(err, context.Canceled) {
			outcome = "canceled"
		}
	}
	observability.RecordCall(c.command, outcome, time.Since(c.started))
	return res.resp, err
}

// HandleFrame routes one inbound frame to its waiting caller. Frames that
// match no pending request are discarded. The returned error is the envelope
// decode failure, if any; the matching caller has already received it.
func (d *Dispatcher) HandleFrame(f frame.Frame) error {
	resp, err := envelope.ResponseFromFrame(f)
	c := d.remove(resp.CorrelationID)
	if c == nil {
		observability.RecordOrphanResponse()
		d.log.Debug().
			Uint64("id", resp.CorrelationID).
			AnErr("decode_err", err).
			Msg("discarding response with no pending request")
		return err
	}
	if err == nil {
		d.adoptToken(resp.Identity.Token)
	}
	c.done <- result{resp: resp, err: err}
	return err
}

// HandleClose fails every pending request and rejects later ones.
func (d *Dispatcher) HandleClose(cause error) {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return
	}
	d.closed = true
	d.cause = cause
	calls := d.pending
	d.pending = make(map[uint64]*call)
	d.mu.Unlock()

	if len(calls) > 0 {
		observability.PendingAdd(-len(calls))
		d.log.Debug().Int("pending", len(calls)).AnErr("cause", cause).Msg("failing pending requests")
	}
	for _, c := range calls {
		c.done <- result{err: ipcerr.Wrap(ipcerr.KindDisconnected, "dispatch.call "+c.command, cause)}
	}
}

func (d *Dispatcher) adoptToken(token string) {
	if token == "" {
		return
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.identity.Token == "" {
		d.identity.Token = token
		d.log.Debug().Msg("adopted session token from peer")
	}
}
