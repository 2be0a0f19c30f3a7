package commit

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/danmuck/kicadipc/internal/protocol/envelope"
	"github.com/danmuck/kicadipc/internal/protocol/kiapi"
	"github.com/danmuck/kicadipc/internal/testutil/fakepeer"
	"github.com/danmuck/kicadipc/internal/testutil/testlog"
	"github.com/danmuck/kicadipc/pkg/ipcerr"
	"google.golang.org/protobuf/proto"
	"google.golang.org/protobuf/types/known/anypb"
)

// handlerCaller answers calls in-process with a fakepeer handler.
type handlerCaller struct {
	handler fakepeer.Handler

	mu   sync.Mutex
	fail error
	sent []string
}

func newHandlerCaller() *handlerCaller {
	return &handlerCaller{handler: fakepeer.Standard()}
}

func (c *handlerCaller) Call(_ context.Context, cmd *anypb.Any, _ time.Duration) (envelope.Response, error) {
	c.mu.Lock()
	c.sent = append(c.sent, string(cmd.MessageName()))
	fail := c.fail
	c.mu.Unlock()
	if fail != nil {
		return envelope.Response{}, fail
	}

	reply := c.handler(envelope.Request{Command: cmd})
	resp := envelope.Response{Status: reply.Status, ErrorMessage: reply.Message}
	if resp.Status == envelope.StatusUnknown {
		resp.Status = envelope.StatusOK
	}
	if reply.Payload != nil {
		a, err := anypb.New(reply.Payload)
		if err != nil {
			return envelope.Response{}, err
		}
		resp.Payload = a
	}
	return resp, envelope.StatusError("test.call", resp)
}

func (c *handlerCaller) setFail(err error) {
	c.mu.Lock()
	c.fail = err
	c.mu.Unlock()
}

func (c *handlerCaller) sentCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.sent)
}

func TestBeginCommitThenCommit(t *testing.T) {
	testlog.Start(t)
	caller := newHandlerCaller()
	m := NewManager(caller)

	h, err := m.Begin(context.Background(), time.Second)
	if err != nil {
		t.Fatalf("begin: %v", err)
	}
	if h.ID() == "" || h.State() != StateOpen {
		t.Fatalf("unexpected handle: id=%q state=%s", h.ID(), h.State())
	}
	if m.OpenCount() != 1 {
		t.Fatalf("expected one open commit, got %d", m.OpenCount())
	}

	if err := m.End(context.Background(), h, ActionCommit, "move footprints", time.Second); err != nil {
		t.Fatalf("end: %v", err)
	}
	if h.State() != StateCommitted {
		t.Fatalf("expected committed, got %s", h.State())
	}
	if m.OpenCount() != 0 {
		t.Fatalf("expected no open commits, got %d", m.OpenCount())
	}
}

func TestAbortSendsDropOnWire(t *testing.T) {
	testlog.Start(t)
	var gotAction int32 = -1
	std := fakepeer.Standard()
	caller := &handlerCaller{handler: func(req envelope.Request) fakepeer.Reply {
		if req.CommandName() == kiapi.MsgEndCommit {
			m := kiapi.NewEndCommit()
			if err := proto.Unmarshal(req.Command.GetValue(), m); err == nil {
				_, action, _ := kiapi.EndCommitFields(m)
				gotAction = int32(action)
			}
		}
		return std(req)
	}}
	m := NewManager(caller)

	h, err := m.Begin(context.Background(), time.Second)
	if err != nil {
		t.Fatalf("begin: %v", err)
	}
	if err := m.End(context.Background(), h, ActionAbort, "", time.Second); err != nil {
		t.Fatalf("end: %v", err)
	}
	if h.State() != StateAborted {
		t.Fatalf("expected aborted, got %s", h.State())
	}
	if gotAction != int32(kiapi.ActionDrop) {
		t.Fatalf("expected drop on the wire, got %d", gotAction)
	}
}

func TestEndOnTerminalHandleIsNotSent(t *testing.T) {
	testlog.Start(t)
	caller := newHandlerCaller()
	m := NewManager(caller)

	h, err := m.Begin(context.Background(), time.Second)
	if err != nil {
		t.Fatalf("begin: %v", err)
	}
	if err := m.End(context.Background(), h, ActionAbort, "", time.Second); err != nil {
		t.Fatalf("abort: %v", err)
	}
	sent := caller.sentCount()

	err = m.End(context.Background(), h, ActionCommit, "", time.Second)
	if !errors.Is(err, ipcerr.ErrInvalidState) {
		t.Fatalf("expected invalid state, got %v", err)
	}
	if caller.sentCount() != sent {
		t.Fatalf("end on terminal handle reached the peer")
	}
	if h.State() != StateAborted {
		t.Fatalf("terminal state changed to %s", h.State())
	}
}

func TestFailedEndLeavesHandleOpen(t *testing.T) {
	testlog.Start(t)
	caller := newHandlerCaller()
	m := NewManager(caller)

	h, err := m.Begin(context.Background(), time.Second)
	if err != nil {
		t.Fatalf("begin: %v", err)
	}
	caller.setFail(ipcerr.New(ipcerr.KindTimeout, "test.call", "no answer"))
	if err := m.End(context.Background(), h, ActionCommit, "", time.Second); !errors.Is(err, ipcerr.ErrTimeout) {
		t.Fatalf("expected timeout, got %v", err)
	}
	if h.State() != StateOpen {
		t.Fatalf("expected open after failed end, got %s", h.State())
	}

	caller.setFail(nil)
	if err := m.End(context.Background(), h, ActionCommit, "", time.Second); err != nil {
		t.Fatalf("retry end: %v", err)
	}
	if h.State() != StateCommitted {
		t.Fatalf("expected committed, got %s", h.State())
	}
}

func TestPeerRejectsUnknownCommit(t *testing.T) {
	testlog.Start(t)
	caller := newHandlerCaller()
	m := NewManager(caller)

	stale := &Handle{id: "not-a-commit", state: StateOpen}
	err := m.End(context.Background(), stale, ActionCommit, "", time.Second)
	if !errors.Is(err, ipcerr.ErrApplication) {
		t.Fatalf("expected application error, got %v", err)
	}
	if stale.State() != StateOpen {
		t.Fatalf("expected open after peer rejection, got %s", stale.State())
	}
}

func TestDropAllOnTeardown(t *testing.T) {
	testlog.Start(t)
	caller := newHandlerCaller()
	m := NewManager(caller)

	a, err := m.Begin(context.Background(), time.Second)
	if err != nil {
		t.Fatalf("begin a: %v", err)
	}
	b, err := m.Begin(context.Background(), time.Second)
	if err != nil {
		t.Fatalf("begin b: %v", err)
	}
	if err := m.End(context.Background(), b, ActionCommit, "", time.Second); err != nil {
		t.Fatalf("end b: %v", err)
	}

	m.DropAll()
	if a.State() != StateDropped {
		t.Fatalf("expected dropped, got %s", a.State())
	}
	if b.State() != StateCommitted {
		t.Fatalf("committed handle changed to %s", b.State())
	}
	if err := m.End(context.Background(), a, ActionCommit, "", time.Second); !errors.Is(err, ipcerr.ErrInvalidState) {
		t.Fatalf("expected invalid state on dropped handle, got %v", err)
	}
	if _, err := m.Begin(context.Background(), time.Second); !errors.Is(err, ipcerr.ErrDisconnected) {
		t.Fatalf("expected disconnected after teardown, got %v", err)
	}
}

func TestBeginRejectsEmptyCommitID(t *testing.T) {
	testlog.Start(t)
	caller := &handlerCaller{handler: func(envelope.Request) fakepeer.Reply {
		return fakepeer.Reply{Payload: kiapi.NewBeginCommitResponse()}
	}}
	m := NewManager(caller)
	if _, err := m.Begin(context.Background(), time.Second); !errors.Is(err, ipcerr.ErrMalformedEnvelope) {
		t.Fatalf("expected malformed envelope, got %v", err)
	}
	if m.OpenCount() != 0 {
		t.Fatalf("expected no open commits")
	}
}

func TestParseAction(t *testing.T) {
	cases := map[string]Action{"commit": ActionCommit, "abort": ActionAbort, "Drop": ActionAbort}
	for in, want := range cases {
		got, err := ParseAction(in)
		if err != nil || got != want {
			t.Fatalf("parse %q: got %v, %v", in, got, err)
		}
	}
	if _, err := ParseAction("rollback"); !errors.Is(err, ipcerr.ErrConfig) {
		t.Fatalf("expected config error, got %v", err)
	}
}
