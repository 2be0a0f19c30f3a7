// Package fakepeer is a scripted in-process peer for engine tests. It listens
// on a unix socket, decodes request envelopes and answers them through a
// Handler. Replies are written from their own goroutines, so a delayed reply
// lets later requests overtake it.
package fakepeer

import (
	"bufio"
	"encoding/binary"
	"errors"
	"net"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/danmuck/kicadipc/internal/protocol/envelope"
	"github.com/danmuck/kicadipc/internal/protocol/frame"
	"github.com/danmuck/kicadipc/internal/protocol/kiapi"
	"github.com/google/uuid"
	"google.golang.org/protobuf/proto"
	"google.golang.org/protobuf/types/known/anypb"
	"google.golang.org/protobuf/types/known/wrapperspb"
)

const peerName = "fakepeer"

// Reply scripts the answer to one request.
type Reply struct {
	Status  envelope.Status
	Message string
	Payload proto.Message
	Delay   time.Duration
	// NoReply leaves the request unanswered.
	NoReply bool
	// Raw is written verbatim instead of an encoded response.
	Raw []byte
	// Hangup closes the connection instead of answering, after writing Raw
	// if it is set.
	Hangup bool
	// FlipErrorFlag sets the error flag on an otherwise well-formed OK
	// response, so it frames cleanly but fails envelope decoding.
	FlipErrorFlag bool
}

type Handler func(req envelope.Request) Reply

type Peer struct {
	t       testing.TB
	ln      net.Listener
	path    string
	handler Handler

	mu       sync.Mutex
	token    string
	requests []envelope.Request
	conns    map[net.Conn]*sync.Mutex
	arrived  chan struct{}

	wg sync.WaitGroup
}

// New starts a peer answering with h. A nil h uses Standard().
func New(t testing.TB, h Handler) *Peer {
	t.Helper()
	if h == nil {
		h = Standard()
	}
	// Unix socket paths are length-limited; t.TempDir() can exceed it.
	dir, err := os.MkdirTemp("", "kipc")
	if err != nil {
		t.Fatalf("fakepeer: temp dir: %v", err)
	}
	path := filepath.Join(dir, "api.sock")
	ln, err := net.Listen("unix", path)
	if err != nil {
		_ = os.RemoveAll(dir)
		t.Fatalf("fakepeer: listen: %v", err)
	}
	p := &Peer{
		t:       t,
		ln:      ln,
		path:    path,
		handler: h,
		conns:   make(map[net.Conn]*sync.Mutex),
		arrived: make(chan struct{}, 1024),
	}
	p.wg.Add(1)
	go p.acceptLoop()
	t.Cleanup(func() {
		p.Close()
		_ = os.RemoveAll(dir)
	})
	return p
}

func (p *Peer) URI() string {
	return "ipc://" + p.path
}

func (p *Peer) Path() string {
	return p.path
}

// SetToken makes every later response echo tok in its identity block.
func (p *Peer) SetToken(tok string) {
	p.mu.Lock()
	p.token = tok
	p.mu.Unlock()
}

// Requests returns a snapshot of every decoded request so far.
func (p *Peer) Requests() []envelope.Request {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]envelope.Request, len(p.requests))
	copy(out, p.requests)
	return out
}

// WaitRequests blocks until at least n requests arrived or timeout passes.
func (p *Peer) WaitRequests(n int, timeout time.Duration) []envelope.Request {
	p.t.Helper()
	deadline := time.After(timeout)
	for {
		if reqs := p.Requests(); len(reqs) >= n {
			return reqs
		}
		select {
		case <-p.arrived:
		case <-deadline:
			p.t.Fatalf("fakepeer: waited for %d requests, got %d", n, len(p.Requests()))
			return nil
		}
	}
}

// Hangup closes every accepted connection from the peer side.
func (p *Peer) Hangup() {
	p.mu.Lock()
	defer p.mu.Unlock()
	for c := range p.conns {
		_ = c.Close()
	}
}

func (p *Peer) Close() {
	_ = p.ln.Close()
	p.Hangup()
	p.wg.Wait()
}

func (p *Peer) acceptLoop() {
	defer p.wg.Done()
	for {
		conn, err := p.ln.Accept()
		if err != nil {
			return
		}
		p.mu.Lock()
		p.conns[conn] = &sync.Mutex{}
		p.mu.Unlock()
		p.wg.Add(1)
		go p.serve(conn)
	}
}

func (p *Peer) serve(conn net.Conn) {
	defer p.wg.Done()
	defer func() {
		p.mu.Lock()
		delete(p.conns, conn)
		p.mu.Unlock()
		_ = conn.Close()
	}()

	r := bufio.NewReader(conn)
	for {
		f, err := frame.ReadFrame(r, frame.DefaultLimits())
		if err != nil {
			return
		}
		req, err := envelope.RequestFromFrame(f)
		if err != nil {
			p.t.Logf("fakepeer: drop undecodable request %d: %v", f.Header.MessageID, err)
			continue
		}
		p.mu.Lock()
		p.requests = append(p.requests, req)
		p.mu.Unlock()
		select {
		case p.arrived <- struct{}{}:
		default:
		}

		reply := p.handler(req)
		if reply.Hangup {
			if reply.Raw != nil {
				p.write(conn, req.CorrelationID, reply.Raw)
			}
			return
		}
		if reply.NoReply {
			continue
		}
		p.wg.Add(1)
		go p.respond(conn, req, reply)
	}
}

func (p *Peer) respond(conn net.Conn, req envelope.Request, reply Reply) {
	defer p.wg.Done()
	if reply.Delay > 0 {
		time.Sleep(reply.Delay)
	}
	b := reply.Raw
	if b == nil {
		var err error
		b, err = p.encode(req, reply)
		if err != nil {
			p.t.Errorf("fakepeer: encode response %d: %v", req.CorrelationID, err)
			return
		}
	}
	p.write(conn, req.CorrelationID, b)
}

func (p *Peer) write(conn net.Conn, id uint64, b []byte) {
	p.mu.Lock()
	writeMu := p.conns[conn]
	p.mu.Unlock()
	if writeMu == nil {
		return
	}
	writeMu.Lock()
	defer writeMu.Unlock()
	if _, err := conn.Write(b); err != nil && !errors.Is(err, net.ErrClosed) {
		p.t.Logf("fakepeer: write response %d: %v", id, err)
	}
}

func (p *Peer) encode(req envelope.Request, reply Reply) ([]byte, error) {
	status := reply.Status
	if status == envelope.StatusUnknown {
		status = envelope.StatusOK
	}
	resp := envelope.Response{
		CorrelationID: req.CorrelationID,
		Status:        status,
		ErrorMessage:  reply.Message,
	}
	p.mu.Lock()
	if p.token != "" {
		resp.Identity = envelope.Identity{ClientName: peerName, Token: p.token}
	}
	p.mu.Unlock()
	if reply.Payload != nil {
		a, err := anypb.New(reply.Payload)
		if err != nil {
			return nil, err
		}
		resp.Payload = a
	}
	b, err := envelope.EncodeResponse(resp)
	if err != nil || !reply.FlipErrorFlag {
		return b, err
	}
	flags := binary.BigEndian.Uint32(b[20:24])
	binary.BigEndian.PutUint32(b[20:24], flags^frame.FlagIsError)
	return b, nil
}

// Standard answers Ping and the commit bracket the way the real peer does.
// Commit ids are random UUIDs; ending an unknown or already-ended commit is a
// bad request. Anything else is unhandled.
func Standard() Handler {
	var mu sync.Mutex
	open := make(map[string]bool)
	return func(req envelope.Request) Reply {
		switch req.CommandName() {
		case kiapi.MsgPing:
			return Reply{}
		case kiapi.MsgBeginCommit:
			id := uuid.NewString()
			mu.Lock()
			open[id] = true
			mu.Unlock()
			return Reply{Payload: kiapi.BeginCommitResponse(id)}
		case kiapi.MsgEndCommit:
			m := kiapi.NewEndCommit()
			if err := proto.Unmarshal(req.Command.GetValue(), m); err != nil {
				return Reply{Status: envelope.StatusBadRequest, Message: err.Error()}
			}
			id, _, _ := kiapi.EndCommitFields(m)
			mu.Lock()
			defer mu.Unlock()
			if !open[id] {
				return Reply{Status: envelope.StatusBadRequest, Message: "no commit in progress with id " + id}
			}
			delete(open, id)
			return Reply{Payload: kiapi.EndCommitResponse()}
		default:
			return Reply{Status: envelope.StatusUnhandled, Message: "unhandled command " + req.CommandName()}
		}
	}
}

// Echo answers google.protobuf.StringValue commands with the same value and
// passes everything else to next. The value steers the reply: "slow:<dur>"
// delays it, "silent" never answers, "reject" fails with AS_BAD_REQUEST and
// "hangup" drops the connection and "malformed" answers with an envelope that
// frames but does not decode.
func Echo(next Handler) Handler {
	return func(req envelope.Request) Reply {
		var v wrapperspb.StringValue
		if req.Command == nil || !req.Command.MessageIs(&v) {
			return next(req)
		}
		if err := req.Command.UnmarshalTo(&v); err != nil {
			return Reply{Status: envelope.StatusBadRequest, Message: err.Error()}
		}
		reply := Reply{Payload: wrapperspb.String(v.GetValue())}
		switch value := v.GetValue(); {
		case strings.HasPrefix(value, "slow:"):
			d, err := time.ParseDuration(strings.TrimPrefix(value, "slow:"))
			if err != nil {
				return Reply{Status: envelope.StatusBadRequest, Message: err.Error()}
			}
			reply.Delay = d
		case value == "silent":
			reply.NoReply = true
		case value == "reject":
			return Reply{Status: envelope.StatusBadRequest, Message: "no open document"}
		case value == "hangup":
			reply.Hangup = true
		case value == "malformed":
			reply.FlipErrorFlag = true
		}
		return reply
	}
}
