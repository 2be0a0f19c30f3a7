package dispatch

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/danmuck/kicadipc/internal/protocol/envelope"
	"github.com/danmuck/kicadipc/internal/protocol/frame"
	"github.com/danmuck/kicadipc/internal/protocol/schema"
	"github.com/danmuck/kicadipc/internal/testutil/testlog"
	"github.com/danmuck/kicadipc/pkg/ipcerr"
	"github.com/stretchr/testify/require"
	"google.golang.org/protobuf/types/known/anypb"
	"google.golang.org/protobuf/types/known/wrapperspb"
)

// captureSender records every request and hands it to the test.
type captureSender struct {
	mu   sync.Mutex
	err  error
	sent chan envelope.Request
}

func newCaptureSender() *captureSender {
	return &captureSender{sent: make(chan envelope.Request, 64)}
}

func (s *captureSender) Send(ctx context.Context, b []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	err := s.err
	s.mu.Unlock()
	if err != nil {
		return err
	}
	req, err := envelope.DecodeRequest(b)
	if err != nil {
		return err
	}
	s.sent <- req
	return nil
}

func (s *captureSender) next(t *testing.T) envelope.Request {
	t.Helper()
	select {
	case req := <-s.sent:
		return req
	case <-time.After(2 * time.Second):
		t.Fatalf("no request sent")
		return envelope.Request{}
	}
}

func command(t *testing.T, v string) *anypb.Any {
	t.Helper()
	a, err := anypb.New(wrapperspb.String(v))
	require.NoError(t, err)
	return a
}

func responseFrame(t *testing.T, resp envelope.Response) frame.Frame {
	t.Helper()
	b, err := envelope.EncodeResponse(resp)
	require.NoError(t, err)
	f, err := frame.Unmarshal(b, frame.DefaultLimits())
	require.NoError(t, err)
	return f
}

func respond(t *testing.T, d *Dispatcher, resp envelope.Response) {
	t.Helper()
	d.HandleFrame(responseFrame(t, resp))
}

func echo(t *testing.T, req envelope.Request) envelope.Response {
	t.Helper()
	return envelope.Response{CorrelationID: req.CorrelationID, Status: envelope.StatusOK, Payload: req.Command}
}

type outcome struct {
	resp envelope.Response
	err  error
}

func goCall(d *Dispatcher, cmd *anypb.Any, timeout time.Duration) <-chan outcome {
	out := make(chan outcome, 1)
	go func() {
		resp, err := d.Call(context.Background(), cmd, timeout)
		out <- outcome{resp: resp, err: err}
	}()
	return out
}

func payloadString(t *testing.T, resp envelope.Response) string {
	t.Helper()
	var v wrapperspb.StringValue
	require.NoError(t, envelope.Unpack(resp.Payload, &v))
	return v.GetValue()
}

func TestCorrelationIDsAreUniqueAndIncreasing(t *testing.T) {
	testlog.Start(t)
	sender := newCaptureSender()
	d := New(sender, envelope.Identity{ClientName: "t"}, time.Second)

	var last uint64
	for i := 0; i < 5; i++ {
		out := goCall(d, command(t, "x"), 0)
		req := sender.next(t)
		require.Greater(t, req.CorrelationID, last)
		last = req.CorrelationID
		respond(t, d, echo(t, req))
		require.NoError(t, (<-out).err)
	}
}

func TestOutOfOrderResponsesResolveMatchingCallers(t *testing.T) {
	testlog.Start(t)
	sender := newCaptureSender()
	d := New(sender, envelope.Identity{ClientName: "t"}, 2*time.Second)

	first := goCall(d, command(t, "first"), 0)
	req1 := sender.next(t)
	second := goCall(d, command(t, "second"), 0)
	req2 := sender.next(t)
	require.NotEqual(t, req1.CorrelationID, req2.CorrelationID)

	respond(t, d, echo(t, req2))
	got2 := <-second
	require.NoError(t, got2.err)
	require.Equal(t, "second", payloadString(t, got2.resp))

	select {
	case <-first:
		t.Fatalf("first call resolved by the wrong response")
	default:
	}

	respond(t, d, echo(t, req1))
	got1 := <-first
	require.NoError(t, got1.err)
	require.Equal(t, "first", payloadString(t, got1.resp))
	require.Equal(t, 0, d.Pending())
}

func TestTimeoutThenLateResponseIsDiscarded(t *testing.T) {
	testlog.Start(t)
	sender := newCaptureSender()
	d := New(sender, envelope.Identity{ClientName: "t"}, time.Second)

	out := goCall(d, command(t, "slow"), 30*time.Millisecond)
	req := sender.next(t)

	got := <-out
	require.ErrorIs(t, got.err, ipcerr.ErrTimeout)
	require.True(t, ipcerr.IsEffectUnknown(got.err))
	require.Equal(t, 0, d.Pending())

	// Late response matches nothing and must not disturb later calls.
	respond(t, d, echo(t, req))

	next := goCall(d, command(t, "after"), 0)
	req2 := sender.next(t)
	respond(t, d, echo(t, req2))
	got2 := <-next
	require.NoError(t, got2.err)
	require.Equal(t, "after", payloadString(t, got2.resp))
}

func TestDisconnectFailsEveryPendingCall(t *testing.T) {
	testlog.Start(t)
	sender := newCaptureSender()
	d := New(sender, envelope.Identity{ClientName: "t"}, 5*time.Second)

	var outs []<-chan outcome
	for i := 0; i < 3; i++ {
		outs = append(outs, goCall(d, command(t, "x"), 0))
		sender.next(t)
	}
	require.Equal(t, 3, d.Pending())

	cause := errors.New("peer went away")
	d.HandleClose(cause)
	for _, out := range outs {
		got := <-out
		require.ErrorIs(t, got.err, ipcerr.ErrDisconnected)
		require.ErrorIs(t, got.err, cause)
	}

	_, err := d.Call(context.Background(), command(t, "late"), 0)
	require.ErrorIs(t, err, ipcerr.ErrDisconnected)
	select {
	case req := <-sender.sent:
		t.Fatalf("request %d sent after disconnect", req.CorrelationID)
	default:
	}
}

func TestConcurrentResolutionIsExactlyOnce(t *testing.T) {
	testlog.Start(t)
	sender := newCaptureSender()
	d := New(sender, envelope.Identity{ClientName: "t"}, time.Second)

	for i := 0; i < 50; i++ {
		out := goCall(d, command(t, "race"), 5*time.Millisecond)
		req := sender.next(t)
		go d.HandleFrame(responseFrame(t, echo(t, req)))
		got := <-out
		if got.err != nil {
			require.ErrorIs(t, got.err, ipcerr.ErrTimeout)
		}
	}
	require.Eventually(t, func() bool { return d.Pending() == 0 }, time.Second, 5*time.Millisecond)
}

func TestPeerStatusMapping(t *testing.T) {
	testlog.Start(t)
	sender := newCaptureSender()
	d := New(sender, envelope.Identity{ClientName: "t"}, time.Second)

	out := goCall(d, command(t, "unknown"), 0)
	req := sender.next(t)
	respond(t, d, envelope.Response{CorrelationID: req.CorrelationID, Status: envelope.StatusUnhandled, ErrorMessage: "no handler"})
	got := <-out
	require.ErrorIs(t, got.err, ipcerr.ErrProtocolUnhandled)

	out = goCall(d, command(t, "busy"), 0)
	req = sender.next(t)
	respond(t, d, envelope.Response{CorrelationID: req.CorrelationID, Status: envelope.StatusBusy, ErrorMessage: "editor is busy"})
	got = <-out
	require.ErrorIs(t, got.err, ipcerr.ErrApplication)
	var ipcErr *ipcerr.Error
	require.ErrorAs(t, got.err, &ipcErr)
	require.Equal(t, "AS_BUSY", ipcErr.Code)
	require.Equal(t, "editor is busy", ipcErr.Message)
}

func TestMalformedResponseFailsOnlyThatCaller(t *testing.T) {
	testlog.Start(t)
	sender := newCaptureSender()
	d := New(sender, envelope.Identity{ClientName: "t"}, time.Second)

	bad := goCall(d, command(t, "bad"), 0)
	badReq := sender.next(t)
	good := goCall(d, command(t, "good"), 0)
	goodReq := sender.next(t)

	// A response frame with no status field.
	err := d.HandleFrame(frame.Frame{
		Header: frame.Header{
			MessageID:   badReq.CorrelationID,
			MessageType: schema.MsgResponse,
			Flags:       frame.FlagIsResponse,
		},
	})
	require.ErrorIs(t, err, ipcerr.ErrMalformedEnvelope)
	got := <-bad
	require.ErrorIs(t, got.err, ipcerr.ErrMalformedEnvelope)

	respond(t, d, echo(t, goodReq))
	require.NoError(t, (<-good).err)
}

func TestSendFailureRemovesPendingSlot(t *testing.T) {
	testlog.Start(t)
	sender := newCaptureSender()
	sender.err = ipcerr.New(ipcerr.KindDisconnected, "send", "broken pipe")
	d := New(sender, envelope.Identity{ClientName: "t"}, time.Second)

	_, err := d.Call(context.Background(), command(t, "x"), 0)
	require.ErrorIs(t, err, ipcerr.ErrDisconnected)
	require.Equal(t, 0, d.Pending())
}

func TestCancelledCallerGetsContextError(t *testing.T) {
	testlog.Start(t)
	sender := newCaptureSender()
	d := New(sender, envelope.Identity{ClientName: "t"}, 5*time.Second)

	ctx, cancel := context.WithCancel(context.Background())
	out := make(chan error, 1)
	go func() {
		_, err := d.Call(ctx, command(t, "x"), 0)
		out <- err
	}()
	sender.next(t)
	cancel()
	require.ErrorIs(t, <-out, context.Canceled)
	require.Equal(t, 0, d.Pending())
}

func TestTokenAdoptedFromFirstResponse(t *testing.T) {
	testlog.Start(t)
	sender := newCaptureSender()
	d := New(sender, envelope.Identity{ClientName: "t"}, time.Second)

	out := goCall(d, command(t, "x"), 0)
	req := sender.next(t)
	require.Empty(t, req.Identity.Token)
	resp := echo(t, req)
	resp.Identity = envelope.Identity{ClientName: "peer", Token: "tok-1"}
	respond(t, d, resp)
	require.NoError(t, (<-out).err)

	out = goCall(d, command(t, "y"), 0)
	req = sender.next(t)
	require.Equal(t, "tok-1", req.Identity.Token)
	resp = echo(t, req)
	resp.Identity = envelope.Identity{ClientName: "peer", Token: "tok-2"}
	respond(t, d, resp)
	require.NoError(t, (<-out).err)
	require.Equal(t, "tok-1", d.Identity().Token)
}

func TestCallRejectsMissingCommand(t *testing.T) {
	testlog.Start(t)
	d := New(newCaptureSender(), envelope.Identity{ClientName: "t"}, time.Second)
	_, err := d.Call(context.Background(), nil, 0)
	require.ErrorIs(t, err, ipcerr.ErrMalformedEnvelope)
	require.Equal(t, 0, d.Pending())
}
